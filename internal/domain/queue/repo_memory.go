package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same CAS and uniqueness rules
// as the Postgres store. It backs tests and single-node deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[uuid.UUID]*Entry
	active    map[string]uuid.UUID // subject_ref -> active entry
	history   []*HistoryRecord
	historyID int64
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[uuid.UUID]*Entry),
		active:  make(map[string]uuid.UUID),
		now:     time.Now,
	}
}

func (s *MemoryStore) Upsert(_ context.Context, e *Entry, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedVersion == 0 {
		if _, exists := s.entries[e.ID]; exists {
			return &VersionConflictError{ID: e.ID, Expected: 0, Current: s.entries[e.ID].Version}
		}
		if e.Status.Active() {
			if _, dup := s.active[e.SubjectRef]; dup {
				return ErrDuplicateActiveEntry
			}
		}
		stored := e.Clone()
		stored.Version = 1
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = s.now()
		}
		if stored.UpdatedAt.IsZero() {
			stored.UpdatedAt = stored.CreatedAt
		}
		s.entries[e.ID] = stored
		if stored.Status.Active() {
			s.active[stored.SubjectRef] = stored.ID
		}
		e.Version = stored.Version
		e.CreatedAt, e.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
		return nil
	}

	cur, ok := s.entries[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return &VersionConflictError{ID: e.ID, Expected: expectedVersion, Current: cur.Version}
	}
	if e.Status.Active() {
		if owner, dup := s.active[e.SubjectRef]; dup && owner != e.ID {
			return ErrDuplicateActiveEntry
		}
	}

	stored := e.Clone()
	stored.Version = cur.Version + 1
	stored.CreatedAt = cur.CreatedAt
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = s.now()
	}
	s.entries[e.ID] = stored

	if owner, ok := s.active[cur.SubjectRef]; ok && owner == cur.ID {
		delete(s.active, cur.SubjectRef)
	}
	if stored.Status.Active() {
		s.active[stored.SubjectRef] = stored.ID
	}
	e.Version = stored.Version
	e.CreatedAt, e.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.active))
	for _, id := range s.active {
		out = append(out, s.entries[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, rec *HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyID++
	c := *rec
	c.ID = s.historyID
	if c.Snapshot != nil {
		c.Snapshot = c.Snapshot.Clone()
	}
	if c.RecordedAt.IsZero() {
		c.RecordedAt = s.now()
	}
	s.history = append(s.history, &c)
	rec.ID, rec.RecordedAt = c.ID, c.RecordedAt
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, entryID uuid.UUID, limit, offset int) ([]*HistoryRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*HistoryRecord
	for _, h := range s.history {
		if h.EntryID == entryID {
			c := *h
			matched = append(matched, &c)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}
