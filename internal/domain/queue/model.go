package queue

import (
	"time"

	"github.com/google/uuid"
)

// Tier is the priority class that determines base ordering.
type Tier string

const (
	TierEmergency Tier = "emergency"
	TierScheduled Tier = "scheduled"
	TierWalkIn    Tier = "walk_in"
)

// Rank returns the sort key of the tier; lower ranks are served first.
func (t Tier) Rank() int {
	switch t {
	case TierEmergency:
		return 0
	case TierScheduled:
		return 1
	default:
		return 2
	}
}

func (t Tier) Valid() bool {
	return t == TierEmergency || t == TierScheduled || t == TierWalkIn
}

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// Active reports whether the entry still occupies the queue.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusInProgress
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// DefaultCategory is used when a check-in does not name a treatment category.
const DefaultCategory = "general"

// Entry maps to the queue_entry table. Position, WaitMinutes and CompletionAt
// are derived on every recompute and never persisted.
type Entry struct {
	ID                      uuid.UUID  `db:"id" json:"id"`
	SubjectRef              string     `db:"subject_ref" json:"subject_ref"`
	Tier                    Tier       `db:"tier" json:"tier"`
	Status                  Status     `db:"status" json:"status"`
	Category                string     `db:"category" json:"category"`
	EnqueuedAt              time.Time  `db:"enqueued_at" json:"enqueued_at"`
	ServiceStartedAt        *time.Time `db:"service_started_at" json:"service_started_at,omitempty"`
	ServiceEndedAt          *time.Time `db:"service_ended_at" json:"service_ended_at,omitempty"`
	ExpectedDurationMinutes int        `db:"expected_duration_minutes" json:"expected_duration_minutes"`
	DurationOverridden      bool       `db:"duration_overridden" json:"duration_overridden"`
	Version                 int        `db:"version" json:"version"`
	UpdatedBy               string     `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt               time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time  `db:"updated_at" json:"updated_at"`

	Position     *int       `db:"-" json:"computed_position,omitempty"`
	WaitMinutes  *int       `db:"-" json:"computed_wait_minutes,omitempty"`
	CompletionAt *time.Time `db:"-" json:"computed_completion_at,omitempty"`
}

// GetVersionID returns the current version.
func (e *Entry) GetVersionID() int { return e.Version }

// SetVersionID sets the current version.
func (e *Entry) SetVersionID(v int) { e.Version = v }

// Clone returns a copy that shares no pointers with e.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.ServiceStartedAt != nil {
		t := *e.ServiceStartedAt
		c.ServiceStartedAt = &t
	}
	if e.ServiceEndedAt != nil {
		t := *e.ServiceEndedAt
		c.ServiceEndedAt = &t
	}
	c.Position, c.WaitMinutes, c.CompletionAt = nil, nil, nil
	return &c
}

// ServiceMinutes is the observed treatment duration of a completed entry.
func (e *Entry) ServiceMinutes() (float64, bool) {
	if e.ServiceStartedAt == nil || e.ServiceEndedAt == nil {
		return 0, false
	}
	d := e.ServiceEndedAt.Sub(*e.ServiceStartedAt)
	if d < 0 {
		return 0, false
	}
	return d.Minutes(), true
}

// HistoryRecord is one row of the append-only queue_entry_history table.
type HistoryRecord struct {
	ID         int64     `db:"id" json:"id"`
	EntryID    uuid.UUID `db:"entry_id" json:"entry_id"`
	Version    int       `db:"version" json:"version"`
	Action     Action    `db:"action" json:"action"`
	FromStatus Status    `db:"from_status" json:"from_status,omitempty"`
	ToStatus   Status    `db:"to_status" json:"to_status"`
	Tier       Tier      `db:"tier" json:"tier"`
	Actor      string    `db:"actor" json:"actor,omitempty"`
	Snapshot   *Entry    `db:"snapshot" json:"snapshot"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

// Delta is the compact change description pushed to subscribers. Version is
// the entry version in the store; Seq is the feed position assigned by the
// notifier journal. Recomputation can move Position without touching Version,
// so consumers order deltas by (Version, Seq).
type Delta struct {
	EntryID      uuid.UUID  `json:"entryId"`
	Version      int        `json:"version"`
	Seq          int64      `json:"seq,omitempty"`
	Status       Status     `json:"status"`
	Tier         Tier       `json:"tier"`
	Position     *int       `json:"computedPosition,omitempty"`
	WaitMinutes  *int       `json:"computedWaitMinutes,omitempty"`
	CompletionAt *time.Time `json:"computedCompletionAt,omitempty"`
}

// DeltaFor builds the delta describing e's current state.
func DeltaFor(e *Entry) Delta {
	return Delta{
		EntryID:      e.ID,
		Version:      e.Version,
		Status:       e.Status,
		Tier:         e.Tier,
		Position:     e.Position,
		WaitMinutes:  e.WaitMinutes,
		CompletionAt: e.CompletionAt,
	}
}

// Board is the ranked view of the active queue returned to clients.
type Board struct {
	Waiting        []*Entry  `json:"waiting"`
	InProgress     []*Entry  `json:"in_progress"`
	AverageMinutes float64   `json:"average_service_minutes"`
	Capacity       int       `json:"concurrent_capacity"`
	Labels         Labels    `json:"labels,omitempty"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Labels maps subject references to presentation labels.
type Labels map[string]string
