package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/waitroom/internal/domain/queue"
)

type recordingSink struct {
	name     string
	mu       sync.Mutex
	batches  [][]queue.Delta
	attempts int
	failN    int
	err      error
	got      chan struct{}
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name, got: make(chan struct{}, 16)}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, deltas []queue.Delta) error {
	s.mu.Lock()
	s.attempts++
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	if s.attempts <= s.failN {
		s.mu.Unlock()
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, deltas)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func (s *recordingSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("sink %s received nothing", s.name)
	}
}

func (s *recordingSink) snapshot() ([][]queue.Delta, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]queue.Delta(nil), s.batches...), s.attempts
}

func testConfig() Config {
	return Config{MaxElapsed: 500 * time.Millisecond, InitialInterval: time.Millisecond}
}

func startNotifier(t *testing.T, j Journal, cfg Config) *Notifier {
	t.Helper()
	n := New(j, cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return n
}

func delta(version int) queue.Delta {
	return queue.Delta{EntryID: uuid.New(), Version: version, Status: queue.StatusWaiting, Tier: queue.TierWalkIn}
}

func TestNotifier_FansOutWithSequence(t *testing.T) {
	n := startNotifier(t, NewMemoryJournal(16), testConfig())
	a, b := newRecordingSink("a"), newRecordingSink("b")
	n.Subscribe(a)
	n.Subscribe(b)

	n.Publish(delta(1), delta(1))

	a.wait(t)
	b.wait(t)
	for _, s := range []*recordingSink{a, b} {
		batches, _ := s.snapshot()
		if len(batches) != 1 || len(batches[0]) != 2 {
			t.Fatalf("sink %s: unexpected batches %v", s.name, batches)
		}
		if batches[0][0].Seq != 1 || batches[0][1].Seq != 2 {
			t.Errorf("sink %s: expected seq 1,2 got %d,%d", s.name, batches[0][0].Seq, batches[0][1].Seq)
		}
	}
}

func TestNotifier_RetriesFailingSink(t *testing.T) {
	n := startNotifier(t, NewMemoryJournal(16), testConfig())
	s := newRecordingSink("flaky")
	s.failN = 2
	n.Subscribe(s)

	n.Publish(delta(3))
	s.wait(t)

	batches, attempts := s.snapshot()
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if len(batches) != 1 {
		t.Errorf("expected exactly one delivered batch, got %d", len(batches))
	}
}

func TestNotifier_PermanentErrorStopsRetry(t *testing.T) {
	n := startNotifier(t, NewMemoryJournal(16), testConfig())
	bad := newRecordingSink("bad")
	bad.err = backoff.Permanent(errors.New("malformed"))
	good := newRecordingSink("good")
	n.Subscribe(bad)
	n.Subscribe(good)

	n.Publish(delta(1))
	good.wait(t)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, attempts := bad.snapshot(); attempts > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, attempts := bad.snapshot(); attempts != 1 {
		t.Errorf("expected a single attempt for a permanent error, got %d", attempts)
	}
}

func TestNotifier_PublishNeverBlocks(t *testing.T) {
	n := New(NewMemoryJournal(16), Config{Buffer: 1}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		n.Publish(delta(1))
		n.Publish(delta(1))
		n.Publish(delta(1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full buffer")
	}
	if n.Dropped() != 2 {
		t.Errorf("expected 2 dropped batches, got %d", n.Dropped())
	}
}

func TestNotifier_PublishEmptyIsNoop(t *testing.T) {
	n := New(NewMemoryJournal(16), Config{Buffer: 1}, zerolog.Nop())
	n.Publish()
	n.Publish(delta(1))
	if n.Dropped() != 0 {
		t.Errorf("empty publish should not consume buffer, dropped %d", n.Dropped())
	}
}

func TestNotifier_SubscriptionClose(t *testing.T) {
	n := startNotifier(t, NewMemoryJournal(16), testConfig())
	closed := newRecordingSink("closed")
	open := newRecordingSink("open")
	sub := n.Subscribe(closed)
	n.Subscribe(open)

	sub.Close()
	sub.Close()
	n.Publish(delta(1))
	open.wait(t)

	if batches, _ := closed.snapshot(); len(batches) != 0 {
		t.Errorf("closed subscription received %d batches", len(batches))
	}
}

func TestNotifier_Resync(t *testing.T) {
	n := startNotifier(t, NewMemoryJournal(3), testConfig())
	s := newRecordingSink("s")
	n.Subscribe(s)

	n.Publish(delta(1), delta(1))
	s.wait(t)
	n.Publish(delta(2), delta(2))
	s.wait(t)

	ctx := context.Background()
	got, err := n.Resync(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("unexpected resync result %+v", got)
	}

	if _, err := n.Resync(ctx, 0); !errors.Is(err, ErrResyncGap) {
		t.Errorf("expected ErrResyncGap for evicted seq, got %v", err)
	}
	if last, _ := n.LastSeq(ctx); last != 4 {
		t.Errorf("expected last seq 4, got %d", last)
	}
}

type failingJournal struct{ MemoryJournal }

func (*failingJournal) Append(context.Context, []queue.Delta) ([]queue.Delta, error) {
	return nil, backoff.Permanent(errors.New("journal down"))
}

func TestNotifier_JournalFailureStillDelivers(t *testing.T) {
	n := startNotifier(t, &failingJournal{}, testConfig())
	s := newRecordingSink("live")
	n.Subscribe(s)

	n.Publish(delta(5))
	s.wait(t)

	batches, _ := s.snapshot()
	if batches[0][0].Seq != 0 || batches[0][0].Version != 5 {
		t.Errorf("expected unsequenced delta, got %+v", batches[0][0])
	}
}

// sharedJournal stands in for a journal shared with other instances.
type sharedJournal struct {
	MemoryJournal
	remote chan []queue.Delta
}

func (j *sharedJournal) Follow(ctx context.Context, fn func([]queue.Delta)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-j.remote:
			fn(batch)
		}
	}
}

func TestNotifier_RelaysOtherInstancesBatches(t *testing.T) {
	j := &sharedJournal{remote: make(chan []queue.Delta, 1)}
	n := startNotifier(t, j, testConfig())
	s := newRecordingSink("hub")
	n.Subscribe(s)

	remote := delta(3)
	remote.Seq = 41
	j.remote <- []queue.Delta{remote}
	s.wait(t)

	batches, _ := s.snapshot()
	if len(batches) != 1 || batches[0][0].EntryID != remote.EntryID || batches[0][0].Seq != 41 {
		t.Fatalf("expected the remote batch with its own seq, got %+v", batches)
	}
	if last, _ := j.LastSeq(context.Background()); last != 0 {
		t.Errorf("relayed batches must not be journaled again, last seq %d", last)
	}

	n.Publish(delta(1))
	s.wait(t)
	batches, _ = s.snapshot()
	if len(batches) != 2 || batches[1][0].Seq != 1 {
		t.Errorf("expected local publishing to keep working, got %+v", batches)
	}
}

func TestNotifier_CloseStopsRun(t *testing.T) {
	n := New(NewMemoryJournal(4), testConfig(), zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()
	n.Subscribe(newRecordingSink("s"))

	n.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	n.Publish(delta(1))
}

func TestNotifier_DrainWaitsForDelivery(t *testing.T) {
	n := startNotifier(t, NewMemoryJournal(16), testConfig())
	s := newRecordingSink("slow")
	s.failN = 3
	n.Subscribe(s)

	n.Publish(delta(1))
	n.Publish(delta(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	batches, _ := s.snapshot()
	if len(batches) != 2 {
		t.Fatalf("expected both batches delivered before Drain returned, got %d", len(batches))
	}
}

func TestNotifier_DrainHonorsContext(t *testing.T) {
	n := New(NewMemoryJournal(4), testConfig(), zerolog.Nop())
	n.Publish(delta(1)) // never dispatched: Run is not started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := n.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
