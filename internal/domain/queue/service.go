package queue

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/waitroom/internal/platform/durations"
	"github.com/clinic/waitroom/internal/platform/metrics"
)

// Policy holds the tunables that can change while the service runs.
type Policy struct {
	// Capacity is the number of patients that can be treated at once.
	Capacity int
	// DefaultServiceMinutes is used when no duration history is available.
	DefaultServiceMinutes float64
	// GracePeriod is how long a waiting entry may sit before the sweep marks
	// it no_show. Zero disables the sweep.
	GracePeriod time.Duration
}

func (p Policy) normalized() Policy {
	if p.Capacity < 1 {
		p.Capacity = 1
	}
	if p.DefaultServiceMinutes <= 0 {
		p.DefaultServiceMinutes = durations.DefaultMinutes
	}
	if p.GracePeriod < 0 {
		p.GracePeriod = 0
	}
	return p
}

type ServiceConfig struct {
	Policy Policy
	// MaxRetries bounds the re-read and re-apply loop of unpinned commands.
	MaxRetries  int
	BaseBackoff time.Duration
}

const SweepActor = "system:sweep"

type publishedState struct {
	version  int
	status   Status
	tier     Tier
	position int
	wait     int
}

type Service struct {
	store     Store
	durations Durations
	publisher Publisher
	resolver  SubjectResolver
	logger    zerolog.Logger
	now       func() time.Time

	maxRetries  int
	baseBackoff time.Duration

	policyMu sync.RWMutex
	policy   Policy

	// recomputeMu orders recomputes so published deltas never go backwards.
	recomputeMu sync.Mutex
	published   map[uuid.UUID]publishedState
}

func NewService(store Store, dur Durations, pub Publisher, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 10 * time.Millisecond
	}
	return &Service{
		store:       store,
		durations:   dur,
		publisher:   pub,
		logger:      logger.With().Str("component", "queue").Logger(),
		now:         time.Now,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		policy:      cfg.Policy.normalized(),
		published:   make(map[uuid.UUID]publishedState),
	}
}

// SetResolver installs the collaborator used to label board entries.
func (s *Service) SetResolver(r SubjectResolver) { s.resolver = r }

// SetPolicy replaces the running policy. The next recompute uses it.
func (s *Service) SetPolicy(p Policy) {
	p = p.normalized()
	s.policyMu.Lock()
	s.policy = p
	s.policyMu.Unlock()
	s.logger.Info().Int("capacity", p.Capacity).Float64("default_minutes", p.DefaultServiceMinutes).
		Dur("grace_period", p.GracePeriod).Msg("queue policy updated")
}

func (s *Service) Policy() Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// -- Commands --

// CheckIn creates a waiting entry. The expected duration defaults to the
// historical average for the entry's category.
func (s *Service) CheckIn(ctx context.Context, in CheckIn) (*Entry, error) {
	category := in.Category
	if category == "" {
		category = DefaultCategory
	}
	defaultMinutes := int(math.Round(s.averageMinutes(ctx, category)))

	e, err := NewEntry(in, defaultMinutes, s.now())
	if err != nil {
		metrics.TrackTransition(string(ActionCheckIn), "invalid")
		return nil, err
	}
	if err := s.store.Upsert(ctx, e, 0); err != nil {
		metrics.TrackTransition(string(ActionCheckIn), resultOf(err))
		return nil, err
	}
	metrics.TrackTransition(string(ActionCheckIn), "ok")
	s.logger.Info().Str("entry_id", e.ID.String()).Str("tier", string(e.Tier)).
		Str("actor", in.Actor).Msg("patient checked in")

	ctx, cancel := committed(ctx)
	defer cancel()
	s.record(ctx, ActionCheckIn, "", e)
	return s.afterCommit(ctx, e), nil
}

func (s *Service) Escalate(ctx context.Context, id uuid.UUID, expectedVersion int, actor string) (*Entry, error) {
	return s.Execute(ctx, Command{Action: ActionEscalate, EntryID: id, ExpectedVersion: expectedVersion, Actor: actor})
}

func (s *Service) StartTreatment(ctx context.Context, id uuid.UUID, expectedVersion int, actor string) (*Entry, error) {
	return s.Execute(ctx, Command{Action: ActionStart, EntryID: id, ExpectedVersion: expectedVersion, Actor: actor})
}

// CompleteTreatment closes an in-progress entry and feeds its observed
// duration back into the historical averages.
func (s *Service) CompleteTreatment(ctx context.Context, id uuid.UUID, expectedVersion int, actor string) (*Entry, error) {
	return s.Execute(ctx, Command{Action: ActionComplete, EntryID: id, ExpectedVersion: expectedVersion, Actor: actor})
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, expectedVersion int, actor string) (*Entry, error) {
	return s.Execute(ctx, Command{Action: ActionCancel, EntryID: id, ExpectedVersion: expectedVersion, Actor: actor})
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, expectedVersion int, actor string) (*Entry, error) {
	return s.Execute(ctx, Command{Action: ActionNoShow, EntryID: id, ExpectedVersion: expectedVersion, Actor: actor})
}

func (s *Service) OverrideDuration(ctx context.Context, id uuid.UUID, minutes, expectedVersion int, actor string) (*Entry, error) {
	return s.Execute(ctx, Command{Action: ActionOverrideDuration, EntryID: id, ExpectedVersion: expectedVersion,
		Actor: actor, DurationMinutes: minutes})
}

// Execute runs cmd through the state machine with a version-guarded write.
//
// A pinned ExpectedVersion that no longer matches fails with a
// *VersionConflictError. An unpinned command is re-read and re-validated
// after each lost write, up to the configured retry budget, after which it
// fails with ErrStaleRequest.
func (s *Service) Execute(ctx context.Context, cmd Command) (*Entry, error) {
	var (
		attempts int
		prev     *Entry
		next     *Entry
		changed  bool
	)

	op := func() error {
		attempts++
		cur, err := s.store.Get(ctx, cmd.EntryID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if cmd.ExpectedVersion > 0 && cur.Version != cmd.ExpectedVersion {
			return backoff.Permanent(&VersionConflictError{ID: cur.ID, Expected: cmd.ExpectedVersion, Current: cur.Version})
		}

		n, ch, err := Apply(cur, cmd, s.now())
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ch {
			prev, next, changed = cur, n, false
			return nil
		}

		if err := s.store.Upsert(ctx, n, cur.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				metrics.TrackConflict(string(cmd.Action))
				s.logger.Debug().Str("entry_id", cmd.EntryID.String()).Str("action", string(cmd.Action)).
					Int("attempt", attempts).Msg("lost version race")
				if cmd.ExpectedVersion == 0 {
					return err
				}
			}
			return backoff.Permanent(err)
		}
		prev, next, changed = cur, n, true
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(s.casBackoff(), uint64(s.maxRetries)), ctx))
	if err != nil {
		if cmd.ExpectedVersion == 0 && errors.Is(err, ErrVersionConflict) {
			err = &staleError{attempts: attempts, last: err}
		}
		metrics.TrackTransition(string(cmd.Action), resultOf(err))
		s.logger.Debug().Err(err).Str("entry_id", cmd.EntryID.String()).Str("action", string(cmd.Action)).
			Msg("transition rejected")
		return nil, err
	}

	if !changed {
		metrics.TrackTransition(string(cmd.Action), "noop")
		return s.withComputed(ctx, next), nil
	}

	metrics.TrackTransition(string(cmd.Action), "ok")
	s.logger.Info().Str("entry_id", next.ID.String()).Str("action", string(cmd.Action)).
		Str("from", string(prev.Status)).Str("to", string(next.Status)).Int("version", next.Version).
		Str("actor", cmd.Actor).Msg("queue transition")

	ctx, cancel := committed(ctx)
	defer cancel()
	s.record(ctx, cmd.Action, prev.Status, next)
	if cmd.Action == ActionComplete {
		s.observeDuration(ctx, next)
	}
	return s.afterCommit(ctx, next), nil
}

func (s *Service) casBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.baseBackoff
	b.MaxInterval = 50 * s.baseBackoff
	b.MaxElapsedTime = 0
	return b
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStaleRequest):
		return "stale"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal"
	case errors.Is(err, ErrDuplicateActiveEntry):
		return "duplicate"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidTier):
		return "invalid"
	default:
		return "error"
	}
}

func (s *Service) record(ctx context.Context, action Action, from Status, e *Entry) {
	rec := &HistoryRecord{
		EntryID:    e.ID,
		Version:    e.Version,
		Action:     action,
		FromStatus: from,
		ToStatus:   e.Status,
		Tier:       e.Tier,
		Actor:      e.UpdatedBy,
		Snapshot:   e.Clone(),
		RecordedAt: s.now(),
	}
	if err := s.store.AppendHistory(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("entry_id", e.ID.String()).Int("version", e.Version).
			Msg("append queue history")
	}
}

func (s *Service) observeDuration(ctx context.Context, e *Entry) {
	if s.durations == nil {
		return
	}
	minutes, ok := e.ServiceMinutes()
	if !ok {
		return
	}
	for _, category := range []string{e.Category, durations.AllCategories} {
		avg, err := s.durations.Observe(ctx, category, minutes)
		if err != nil {
			s.logger.Warn().Err(err).Str("category", category).Msg("observe service duration")
			continue
		}
		s.logger.Debug().Str("category", category).Float64("observed", minutes).Float64("average", avg).
			Msg("service duration observed")
	}
}

func (s *Service) averageMinutes(ctx context.Context, category string) float64 {
	fallback := s.Policy().DefaultServiceMinutes
	if s.durations == nil {
		return fallback
	}
	avg, err := s.durations.AverageMinutes(ctx, category)
	if err != nil || avg <= 0 {
		if err != nil {
			s.logger.Warn().Err(err).Str("category", category).Msg("read duration average, using default")
		}
		return fallback
	}
	return avg
}

// postCommitTimeout bounds the history append, duration update and
// recompute that follow a stored write.
const postCommitTimeout = 10 * time.Second

// committed detaches ctx from the caller's cancellation. Once a write is
// stored its history row and deltas must not be lost to a request timeout or
// a client that hung up.
func committed(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), postCommitTimeout)
}

// afterCommit recomputes the queue, publishes what changed and returns e
// with its derived fields. A failed recompute still publishes e itself.
func (s *Service) afterCommit(ctx context.Context, e *Entry) *Entry {
	view, err := s.recompute(ctx, e)
	if err != nil {
		s.logger.Error().Err(err).Str("entry_id", e.ID.String()).Msg("recompute after commit")
		s.publish(DeltaFor(e))
		return e
	}
	return view
}

func (s *Service) publish(deltas ...Delta) {
	if s.publisher == nil || len(deltas) == 0 {
		return
	}
	s.publisher.Publish(deltas...)
}

// -- Ranking --

type snapshot struct {
	waiting    []*Entry
	inProgress []*Entry
	average    float64
	policy     Policy
	at         time.Time
}

func (s *Service) snapshot(ctx context.Context) (*snapshot, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	snap := &snapshot{
		average: s.averageMinutes(ctx, durations.AllCategories),
		policy:  s.Policy(),
		at:      s.now(),
	}
	for _, e := range active {
		if e.Status == StatusInProgress {
			snap.inProgress = append(snap.inProgress, e.Clone())
		}
	}
	snap.waiting = Estimate(Rank(active), EstimateParams{
		InProgress:     len(snap.inProgress),
		AverageMinutes: snap.average,
		Capacity:       snap.policy.Capacity,
		Now:            snap.at,
	})
	return snap, nil
}

// Recompute re-ranks the active queue and publishes every change since the
// last recompute. It is idempotent: with nothing changed it publishes
// nothing.
func (s *Service) Recompute(ctx context.Context) error {
	_, err := s.recompute(ctx, nil)
	return err
}

func (s *Service) recompute(ctx context.Context, touched *Entry) (*Entry, error) {
	s.recomputeMu.Lock()
	defer s.recomputeMu.Unlock()

	started := time.Now()
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { metrics.ObserveRecompute(time.Since(started)) }()

	byTier := make(map[string]int, 3)
	seen := make(map[uuid.UUID]bool, len(snap.waiting)+len(snap.inProgress))
	var deltas []Delta
	var view *Entry

	consider := func(e *Entry) {
		seen[e.ID] = true
		st := stateOf(e)
		if old, ok := s.published[e.ID]; !ok || old != st {
			deltas = append(deltas, DeltaFor(e))
			s.published[e.ID] = st
		}
		if touched != nil && e.ID == touched.ID {
			view = e
		}
	}
	for _, e := range snap.waiting {
		byTier[string(e.Tier)]++
		consider(e)
	}
	for _, e := range snap.inProgress {
		consider(e)
	}

	// Entries that left the active set since the last recompute.
	for id := range s.published {
		if seen[id] {
			continue
		}
		delete(s.published, id)
		if touched != nil && id == touched.ID {
			continue
		}
		gone, err := s.store.Get(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("entry_id", id.String()).Msg("load departed entry")
			continue
		}
		deltas = append(deltas, DeltaFor(gone))
	}
	if touched != nil && view == nil {
		view = touched.Clone()
		deltas = append(deltas, DeltaFor(view))
	}

	metrics.SetQueueDepth(byTier, len(snap.inProgress))
	s.publish(deltas...)
	return view, nil
}

func stateOf(e *Entry) publishedState {
	st := publishedState{version: e.Version, status: e.Status, tier: e.Tier}
	if e.Position != nil {
		st.position = *e.Position
	}
	if e.WaitMinutes != nil {
		st.wait = *e.WaitMinutes
	}
	return st
}

// -- Queries --

func (s *Service) withComputed(ctx context.Context, e *Entry) *Entry {
	if e.Status != StatusWaiting {
		return e
	}
	snap, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("rank for read")
		return e
	}
	for _, w := range snap.waiting {
		if w.ID == e.ID {
			return w
		}
	}
	return e
}

// Get returns one entry; a waiting entry carries its current position and
// estimates.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withComputed(ctx, e), nil
}

// Board returns the ranked active queue.
func (s *Service) Board(ctx context.Context) (*Board, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	b := &Board{
		Waiting:        snap.waiting,
		InProgress:     snap.inProgress,
		AverageMinutes: snap.average,
		Capacity:       snap.policy.Capacity,
		GeneratedAt:    snap.at,
	}
	if b.Waiting == nil {
		b.Waiting = []*Entry{}
	}
	if b.InProgress == nil {
		b.InProgress = []*Entry{}
	}

	if s.resolver != nil && len(snap.waiting)+len(snap.inProgress) > 0 {
		refs := make([]string, 0, len(snap.waiting)+len(snap.inProgress))
		for _, e := range append(append([]*Entry{}, snap.waiting...), snap.inProgress...) {
			refs = append(refs, e.SubjectRef)
		}
		labels, err := s.resolver.ResolveLabels(ctx, refs)
		if err != nil {
			s.logger.Warn().Err(err).Msg("resolve subject labels")
		} else {
			b.Labels = labels
		}
	}
	return b, nil
}

// History returns the audit trail of one entry, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID, limit, offset int) ([]*HistoryRecord, int, error) {
	items, total, err := s.store.ListHistory(ctx, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		if _, err := s.store.Get(ctx, id); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

// SweepNoShows moves every waiting entry older than the grace period to
// no_show. Each write pins the version read by the sweep, so an entry a
// person acted on in the meantime is left alone. It returns the number of
// entries swept.
func (s *Service) SweepNoShows(ctx context.Context) (int, error) {
	grace := s.Policy().GracePeriod
	if grace <= 0 {
		return 0, nil
	}
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-grace)

	swept := 0
	for _, e := range active {
		if e.Status != StatusWaiting || !e.EnqueuedAt.Before(cutoff) {
			continue
		}
		if ctx.Err() != nil {
			return swept, ctx.Err()
		}
		_, err := s.Execute(ctx, Command{
			Action:          ActionNoShow,
			EntryID:         e.ID,
			ExpectedVersion: e.Version,
			Actor:           SweepActor,
		})
		switch {
		case err == nil:
			swept++
			metrics.TrackNoShow()
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrIllegalTransition):
			s.logger.Debug().Str("entry_id", e.ID.String()).Err(err).Msg("sweep skipped entry changed concurrently")
		default:
			s.logger.Warn().Err(err).Str("entry_id", e.ID.String()).Msg("sweep failed for entry")
		}
	}
	if swept > 0 {
		s.logger.Info().Int("count", swept).Dur("grace_period", grace).Msg("no-show sweep")
	}
	return swept, nil
}
