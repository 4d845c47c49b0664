package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := waitingEntry(TierWalkIn, t0)
	e.Version = 0

	if err := s.Upsert(ctx, e, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Version != 1 {
		t.Errorf("expected version 1, got %d", e.Version)
	}
	got, err := s.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SubjectRef != e.SubjectRef || got.Version != 1 {
		t.Errorf("unexpected stored entry: %+v", got)
	}

	got.Tier = TierEmergency
	again, _ := s.Get(ctx, e.ID)
	if again.Tier != TierWalkIn {
		t.Error("Get returned a shared pointer")
	}
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := waitingEntry(TierWalkIn, t0)
	s.Upsert(ctx, e, 0)

	next := e.Clone()
	next.Tier = TierEmergency
	if err := s.Upsert(ctx, next, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if next.Version != 2 {
		t.Errorf("expected version 2, got %d", next.Version)
	}

	stale := e.Clone()
	stale.Status = StatusInProgress
	err := s.Upsert(ctx, stale, 1)
	var vce *VersionConflictError
	if !errors.As(err, &vce) || vce.Current != 2 || vce.Expected != 1 {
		t.Fatalf("expected conflict at version 2, got %v", err)
	}

	missing := waitingEntry(TierWalkIn, t0)
	if err := s.Upsert(ctx, missing, 3); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Upsert(ctx, e.Clone(), 0); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected recreating an entry to conflict, got %v", err)
	}
}

func TestMemoryStore_OneActiveEntryPerSubject(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := waitingEntry(TierWalkIn, t0)
	s.Upsert(ctx, a, 0)

	b := waitingEntry(TierScheduled, t0)
	b.SubjectRef = a.SubjectRef
	if err := s.Upsert(ctx, b, 0); !errors.Is(err, ErrDuplicateActiveEntry) {
		t.Fatalf("expected ErrDuplicateActiveEntry, got %v", err)
	}

	done := a.Clone()
	done.Status = StatusCompleted
	if err := s.Upsert(ctx, done, 1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Upsert(ctx, b, 0); err != nil {
		t.Errorf("expected a new entry once the first is terminal, got %v", err)
	}
}

func TestMemoryStore_ListActive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	late := waitingEntry(TierWalkIn, t0.Add(time.Minute))
	early := waitingEntry(TierWalkIn, t0)
	gone := waitingEntry(TierWalkIn, t0)
	for _, e := range []*Entry{late, early, gone} {
		s.Upsert(ctx, e, 0)
	}
	cancelled := gone.Clone()
	cancelled.Status = StatusCancelled
	s.Upsert(ctx, cancelled, 1)

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 || active[0].ID != early.ID || active[1].ID != late.ID {
		t.Errorf("expected early then late, got %d entries", len(active))
	}
}

func TestMemoryStore_History(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()
	for v := 1; v <= 5; v++ {
		if err := s.AppendHistory(ctx, &HistoryRecord{EntryID: id, Version: v, Action: ActionEscalate}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	s.AppendHistory(ctx, &HistoryRecord{EntryID: uuid.New(), Version: 1})

	page, total, err := s.ListHistory(ctx, id, 2, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(page) != 2 || page[0].Version != 2 || page[1].Version != 3 {
		t.Errorf("unexpected page: total=%d len=%d", total, len(page))
	}
	if page, _, _ := s.ListHistory(ctx, id, 10, 10); len(page) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(page))
	}
	if page[0].RecordedAt.IsZero() || page[0].ID == 0 {
		t.Error("expected id and timestamp to be assigned")
	}
}
