package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/clinic/waitroom/internal/domain/queue"
)

func TestMemoryJournal_AppendAssignsSequence(t *testing.T) {
	j := NewMemoryJournal(10)
	ctx := context.Background()

	first, _ := j.Append(ctx, []queue.Delta{delta(1), delta(1)})
	second, _ := j.Append(ctx, []queue.Delta{delta(2)})

	if first[0].Seq != 1 || first[1].Seq != 2 || second[0].Seq != 3 {
		t.Fatalf("unexpected sequence: %d %d %d", first[0].Seq, first[1].Seq, second[0].Seq)
	}
	if last, _ := j.LastSeq(ctx); last != 3 {
		t.Errorf("expected last 3, got %d", last)
	}
}

func TestMemoryJournal_SinceReturnsTail(t *testing.T) {
	j := NewMemoryJournal(10)
	ctx := context.Background()
	j.Append(ctx, []queue.Delta{delta(1), delta(1), delta(1)})

	all, err := j.Since(ctx, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 deltas, got %d (%v)", len(all), err)
	}
	tail, _ := j.Since(ctx, 2)
	if len(tail) != 1 || tail[0].Seq != 3 {
		t.Fatalf("unexpected tail %+v", tail)
	}
	none, err := j.Since(ctx, 3)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty result at head, got %d (%v)", len(none), err)
	}
}

func TestMemoryJournal_EvictionCausesGap(t *testing.T) {
	j := NewMemoryJournal(2)
	ctx := context.Background()
	j.Append(ctx, []queue.Delta{delta(1), delta(1), delta(1), delta(1)})

	if _, err := j.Since(ctx, 1); !errors.Is(err, ErrResyncGap) {
		t.Errorf("expected gap for seq 1, got %v", err)
	}
	got, err := j.Since(ctx, 2)
	if err != nil {
		t.Fatalf("seq 2 is the newest evicted and should still resync: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 3 {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestMemoryJournal_FutureSeqIsGap(t *testing.T) {
	j := NewMemoryJournal(2)
	if _, err := j.Since(context.Background(), 5); !errors.Is(err, ErrResyncGap) {
		t.Errorf("expected gap for a seq the journal never issued, got %v", err)
	}
}
