package notify

import (
	"testing"

	"github.com/clinic/waitroom/internal/domain/queue"
)

func TestCache_AppliesNewerVersion(t *testing.T) {
	c := NewCache()
	d := delta(1)
	d.Seq = 1
	if !c.Apply(d) {
		t.Fatal("first delta should apply")
	}

	next := d
	next.Version, next.Seq, next.Status = 2, 2, queue.StatusInProgress
	if !c.Apply(next) {
		t.Fatal("newer version should apply")
	}
	got, _ := c.Get(d.EntryID)
	if got.Status != queue.StatusInProgress {
		t.Errorf("expected in_progress, got %s", got.Status)
	}
}

func TestCache_DiscardsStaleAndDuplicate(t *testing.T) {
	c := NewCache()
	d := delta(3)
	d.Seq = 5
	c.Apply(d)

	if c.Apply(d) {
		t.Error("duplicate delta should be discarded")
	}
	old := d
	old.Version, old.Seq = 2, 9
	if c.Apply(old) {
		t.Error("older version should be discarded even with a later seq")
	}
	if got, _ := c.Get(d.EntryID); got.Version != 3 {
		t.Errorf("expected version 3 to remain, got %d", got.Version)
	}
}

func TestCache_SameVersionLaterSeqMovesPosition(t *testing.T) {
	c := NewCache()
	d := delta(1)
	d.Seq = 4
	p3 := 3
	d.Position = &p3
	c.Apply(d)

	moved := d
	p2 := 2
	moved.Seq, moved.Position = 6, &p2
	if !c.Apply(moved) {
		t.Fatal("recompute delta should apply")
	}
	earlier := d
	earlier.Seq = 5
	if c.Apply(earlier) {
		t.Error("earlier seq at same version should be discarded")
	}
	if got, _ := c.Get(d.EntryID); *got.Position != 2 {
		t.Errorf("expected position 2, got %d", *got.Position)
	}
}

func TestCache_GapDetection(t *testing.T) {
	c := NewCache()
	d := delta(1)
	if c.Gap(d) {
		t.Error("empty cache has no gap")
	}
	d.Seq = 3
	c.Apply(d)

	next := delta(1)
	next.Seq = 4
	if c.Gap(next) {
		t.Error("consecutive seq is not a gap")
	}
	next.Seq = 6
	if !c.Gap(next) {
		t.Error("skipped seq should be a gap")
	}
}

func TestCache_ResetAndActive(t *testing.T) {
	c := NewCache()
	c.Apply(delta(1))

	waiting := delta(2)
	done := delta(4)
	done.Status = queue.StatusCompleted
	c.Reset([]queue.Delta{waiting, done}, 20)

	if c.LastSeq() != 20 {
		t.Errorf("expected last seq 20, got %d", c.LastSeq())
	}
	active := c.Active()
	if len(active) != 1 || active[0].EntryID != waiting.EntryID {
		t.Errorf("unexpected active set %+v", active)
	}
}
