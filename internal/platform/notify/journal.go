package notify

import (
	"context"
	"sort"
	"sync"

	"github.com/clinic/waitroom/internal/domain/queue"
)

// ErrResyncGap means the requested sequence is no longer (or not yet)
// retained; the client must reload the full board.
var ErrResyncGap = queue.ErrResyncGap

// Journal assigns feed sequence numbers and keeps a bounded tail of
// published deltas for resync.
type Journal interface {
	// Append stamps each delta with the next sequence number, stores it and
	// returns the stamped copies in order.
	Append(ctx context.Context, deltas []queue.Delta) ([]queue.Delta, error)
	// Since returns every retained delta with Seq > seq, oldest first.
	Since(ctx context.Context, seq int64) ([]queue.Delta, error)
	LastSeq(ctx context.Context) (int64, error)
}

// MemoryJournal is a process-local Journal holding at most max deltas.
type MemoryJournal struct {
	mu    sync.Mutex
	max   int
	last  int64
	floor int64 // highest evicted seq
	buf   []queue.Delta
}

func NewMemoryJournal(max int) *MemoryJournal {
	if max <= 0 {
		max = 1024
	}
	return &MemoryJournal{max: max}
}

func (j *MemoryJournal) Append(_ context.Context, deltas []queue.Delta) ([]queue.Delta, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]queue.Delta, len(deltas))
	for i, d := range deltas {
		j.last++
		d.Seq = j.last
		out[i] = d
	}
	j.buf = append(j.buf, out...)
	if excess := len(j.buf) - j.max; excess > 0 {
		j.floor = j.buf[excess-1].Seq
		j.buf = append([]queue.Delta(nil), j.buf[excess:]...)
	}
	return out, nil
}

func (j *MemoryJournal) Since(_ context.Context, seq int64) ([]queue.Delta, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq > j.last || seq < j.floor {
		return nil, ErrResyncGap
	}
	i := sort.Search(len(j.buf), func(i int) bool { return j.buf[i].Seq > seq })
	return append([]queue.Delta(nil), j.buf[i:]...), nil
}

func (j *MemoryJournal) LastSeq(context.Context) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last, nil
}
