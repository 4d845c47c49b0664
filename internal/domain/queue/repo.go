package queue

import (
	"context"

	"github.com/google/uuid"
)

// Store is the durable source of truth for queue entries. Writes are
// compare-and-swap on (id, version): Upsert with expectedVersion 0 creates the
// entry at version 1, any other value must equal the stored version or the
// write fails with a *VersionConflictError. On success e.Version holds the new
// version.
type Store interface {
	Upsert(ctx context.Context, e *Entry, expectedVersion int) error
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	// ListActive returns every waiting or in-progress entry.
	ListActive(ctx context.Context) ([]*Entry, error)
	AppendHistory(ctx context.Context, rec *HistoryRecord) error
	ListHistory(ctx context.Context, entryID uuid.UUID, limit, offset int) ([]*HistoryRecord, int, error)
}

// SubjectResolver turns opaque subject references into presentation labels.
// Implementations live with the patient record system; the queue never
// stores what they return.
type SubjectResolver interface {
	ResolveLabels(ctx context.Context, refs []string) (Labels, error)
}

// Publisher receives the deltas produced by each commit and recompute.
// Publish must not block.
type Publisher interface {
	Publish(deltas ...Delta)
}

// Durations is the historical service-duration collaborator.
type Durations interface {
	AverageMinutes(ctx context.Context, category string) (float64, error)
	Observe(ctx context.Context, category string, minutes float64) (float64, error)
}
