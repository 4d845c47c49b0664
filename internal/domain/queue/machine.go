package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is a staff or system request against a queue entry.
type Action string

const (
	ActionCheckIn          Action = "check_in"
	ActionEscalate         Action = "escalate"
	ActionStart            Action = "start"
	ActionComplete         Action = "complete"
	ActionNoShow           Action = "no_show"
	ActionCancel           Action = "cancel"
	ActionOverrideDuration Action = "override_duration"
)

type transition struct {
	from []Status
	to   Status
}

// transitions lists every legal status change. check_in has no source state
// and is handled by NewEntry.
var transitions = map[Action]transition{
	ActionEscalate:         {from: []Status{StatusWaiting}, to: StatusWaiting},
	ActionStart:            {from: []Status{StatusWaiting}, to: StatusInProgress},
	ActionComplete:         {from: []Status{StatusInProgress}, to: StatusCompleted},
	ActionNoShow:           {from: []Status{StatusWaiting}, to: StatusNoShow},
	ActionCancel:           {from: []Status{StatusWaiting, StatusInProgress}, to: StatusCancelled},
	ActionOverrideDuration: {from: []Status{StatusWaiting}, to: StatusWaiting},
}

// Allowed reports whether action may be applied to an entry in status from.
func Allowed(action Action, from Status) bool {
	t, ok := transitions[action]
	if !ok {
		return false
	}
	for _, s := range t.from {
		if s == from {
			return true
		}
	}
	return false
}

// Command is one requested change to an existing entry.
type Command struct {
	Action  Action
	EntryID uuid.UUID
	// ExpectedVersion pins the version the caller last observed. Zero lets
	// the service re-read and re-validate on conflict.
	ExpectedVersion int
	Actor           string
	// DurationMinutes is the new expected duration for override_duration.
	DurationMinutes int
}

// CheckIn describes a new arrival.
type CheckIn struct {
	SubjectRef              string
	Tier                    Tier
	Category                string
	ExpectedDurationMinutes int
	Actor                   string
}

// NewEntry builds the waiting entry created by a check-in. defaultMinutes is
// used when the check-in does not override the expected duration.
func NewEntry(in CheckIn, defaultMinutes int, now time.Time) (*Entry, error) {
	if in.SubjectRef == "" {
		return nil, fmt.Errorf("%w: subject_ref is required", ErrInvalidInput)
	}
	if in.Tier == "" {
		in.Tier = TierWalkIn
	}
	if !in.Tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, in.Tier)
	}
	if in.ExpectedDurationMinutes < 0 {
		return nil, fmt.Errorf("%w: expected_duration_minutes must not be negative", ErrInvalidInput)
	}
	category := in.Category
	if category == "" {
		category = DefaultCategory
	}

	e := &Entry{
		ID:                      uuid.New(),
		SubjectRef:              in.SubjectRef,
		Tier:                    in.Tier,
		Status:                  StatusWaiting,
		Category:                category,
		EnqueuedAt:              now,
		ExpectedDurationMinutes: defaultMinutes,
		UpdatedBy:               in.Actor,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if in.ExpectedDurationMinutes > 0 {
		e.ExpectedDurationMinutes = in.ExpectedDurationMinutes
		e.DurationOverridden = true
	}
	return e, nil
}

// Apply validates cmd against cur and returns the entry that should replace
// it. changed is false when the command is an accepted no-op (escalating an
// entry that is already an emergency). cur is not modified.
func Apply(cur *Entry, cmd Command, now time.Time) (next *Entry, changed bool, err error) {
	t, ok := transitions[cmd.Action]
	if !ok {
		return nil, false, &IllegalTransitionError{Action: cmd.Action, From: cur.Status}
	}
	if !Allowed(cmd.Action, cur.Status) {
		return nil, false, &IllegalTransitionError{Action: cmd.Action, From: cur.Status, To: t.to}
	}

	next = cur.Clone()
	next.Status = t.to

	switch cmd.Action {
	case ActionEscalate:
		if cur.Tier == TierEmergency {
			return cur.Clone(), false, nil
		}
		next.Tier = TierEmergency
	case ActionStart:
		started := now
		next.ServiceStartedAt = &started
	case ActionComplete:
		ended := now
		next.ServiceEndedAt = &ended
	case ActionCancel:
		if cur.Status == StatusInProgress {
			ended := now
			next.ServiceEndedAt = &ended
		}
	case ActionOverrideDuration:
		if cmd.DurationMinutes <= 0 {
			return nil, false, fmt.Errorf("%w: duration_minutes must be positive", ErrInvalidInput)
		}
		if cur.DurationOverridden && cur.ExpectedDurationMinutes == cmd.DurationMinutes {
			return cur.Clone(), false, nil
		}
		next.ExpectedDurationMinutes = cmd.DurationMinutes
		next.DurationOverridden = true
	}

	next.UpdatedBy = cmd.Actor
	next.UpdatedAt = now
	return next, true, nil
}
