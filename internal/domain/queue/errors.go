package queue

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound             = errors.New("queue entry not found")
	ErrIllegalTransition    = errors.New("illegal transition")
	ErrVersionConflict      = errors.New("version conflict")
	ErrStaleRequest         = errors.New("stale request: re-read and retry")
	ErrDuplicateActiveEntry = errors.New("subject already has an active queue entry")
	ErrInvalidTier          = errors.New("invalid priority tier")
	ErrInvalidInput         = errors.New("invalid input")
	ErrResyncGap            = errors.New("resync gap: reload the queue snapshot")
)

// IllegalTransitionError reports an action that is not permitted from the
// entry's current status.
type IllegalTransitionError struct {
	Action Action
	From   Status
	To     Status
}

func (e *IllegalTransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("illegal transition: %s not allowed from %s", e.Action, e.From)
	}
	return fmt.Sprintf("illegal transition: %s (%s -> %s)", e.Action, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// VersionConflictError reports a compare-and-swap that lost against a
// concurrent write.
type VersionConflictError struct {
	ID       uuid.UUID
	Expected int
	Current  int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected version %d but entry is at version %d", e.ID, e.Expected, e.Current)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// staleError is returned once the bounded retry loop gives up. It matches both
// ErrStaleRequest and ErrVersionConflict.
type staleError struct {
	attempts int
	last     error
}

func (e *staleError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrStaleRequest, e.attempts, e.last)
}

func (e *staleError) Is(target error) bool { return target == ErrStaleRequest }

func (e *staleError) Unwrap() error { return e.last }
