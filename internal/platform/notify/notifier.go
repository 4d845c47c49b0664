// Package notify fans queue deltas out to subscribers. Publishing never blocks
// the caller: batches are journaled (which assigns their feed sequence) and
// then handed to every subscription, each of which delivers to its sink with
// bounded retry. A subscriber that falls behind catches up through Resync.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/waitroom/internal/domain/queue"
	"github.com/clinic/waitroom/internal/platform/metrics"
)

// Feed is implemented by journals shared between instances. Follow calls fn
// with every batch another instance appended until ctx ends, so local
// subscribers see changes made elsewhere as they happen.
type Feed interface {
	Follow(ctx context.Context, fn func(deltas []queue.Delta)) error
}

// Sink receives delta batches for one downstream channel.
type Sink interface {
	Name() string
	// Deliver sends one batch. Returning backoff.Permanent stops retries.
	Deliver(ctx context.Context, deltas []queue.Delta) error
}

type Config struct {
	// Buffer is the number of batches Publish can queue before dropping.
	Buffer int
	// SubscriberBuffer is the number of batches each subscription can queue.
	SubscriberBuffer int
	// MaxElapsed bounds the retry of a single delivery or journal append.
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 30 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	return c
}

type Notifier struct {
	cfg     Config
	journal Journal
	logger  zerolog.Logger

	in   chan []queue.Delta
	done chan struct{}

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	dropped   atomic.Int64
	pending   atomic.Int64
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(journal Journal, cfg Config, logger zerolog.Logger) *Notifier {
	cfg = cfg.withDefaults()
	return &Notifier{
		cfg:     cfg,
		journal: journal,
		logger:  logger.With().Str("component", "notify").Logger(),
		in:      make(chan []queue.Delta, cfg.Buffer),
		done:    make(chan struct{}),
		subs:    make(map[uint64]*Subscription),
	}
}

// Publish queues a batch for delivery. When the inbound buffer is full the
// batch is dropped and counted.
func (n *Notifier) Publish(deltas ...queue.Delta) {
	if len(deltas) == 0 {
		return
	}
	batch := append([]queue.Delta(nil), deltas...)
	select {
	case <-n.done:
		return
	default:
	}
	n.pending.Add(1)
	select {
	case n.in <- batch:
	default:
		n.pending.Add(-1)
		n.dropped.Add(1)
		metrics.TrackDropped("inbound")
		n.logger.Warn().Int("deltas", len(batch)).Msg("notifier buffer full, batch dropped")
	}
}

// Dropped returns the number of batches dropped since start.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Run dispatches published batches until ctx is cancelled or Close is called.
func (n *Notifier) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if feed, ok := n.journal.(Feed); ok {
		go n.follow(ctx, feed)
	}
	n.logger.Info().Msg("notifier started")
	for {
		select {
		case <-ctx.Done():
			n.Close()
			return nil
		case <-n.done:
			return nil
		case batch := <-n.in:
			n.dispatch(ctx, batch)
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, batch []queue.Delta) {
	defer n.pending.Add(-1)
	var stamped []queue.Delta
	op := func() error {
		var err error
		stamped, err = n.journal.Append(ctx, batch)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(n.backoff(), ctx)); err != nil {
		// Live subscribers still get the batch; it just cannot be replayed.
		n.logger.Error().Err(err).Int("deltas", len(batch)).Msg("journal append failed")
		metrics.TrackDropped("journal")
		stamped = batch
	}
	n.fanout(stamped)
}

func (n *Notifier) fanout(batch []queue.Delta) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subs {
		n.pending.Add(1)
		select {
		case sub.queue <- batch:
		default:
			n.pending.Add(-1)
			metrics.TrackDropped("subscriber")
			n.logger.Warn().Str("sink", sub.sink.Name()).Msg("subscriber queue full, batch dropped")
		}
	}
}

// follow relays batches journaled by other instances. They already carry
// their sequence numbers, so they skip the journal.
func (n *Notifier) follow(ctx context.Context, feed Feed) {
	op := func() error {
		return feed.Follow(ctx, func(deltas []queue.Delta) {
			select {
			case <-n.done:
				return
			default:
			}
			n.fanout(deltas)
		})
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.InitialInterval
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		n.logger.Warn().Err(err).Dur("retry_in", wait).Msg("shared feed interrupted")
	})
	if err != nil && ctx.Err() == nil {
		n.logger.Error().Err(err).Msg("shared feed stopped")
	}
}

func (n *Notifier) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.InitialInterval
	b.MaxElapsedTime = n.cfg.MaxElapsed
	return b
}

// Subscription is one registered sink and the goroutine delivering to it.
type Subscription struct {
	id    uint64
	n     *Notifier
	sink  Sink
	queue chan []queue.Delta
	stop  chan struct{}
	once  sync.Once
	done  chan struct{}
}

// Subscribe registers sink for every batch published after this call.
func (n *Notifier) Subscribe(sink Sink) *Subscription {
	n.mu.Lock()
	n.nextID++
	sub := &Subscription{
		id:    n.nextID,
		n:     n,
		sink:  sink,
		queue: make(chan []queue.Delta, n.cfg.SubscriberBuffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	n.subs[sub.id] = sub
	n.mu.Unlock()

	n.wg.Add(1)
	go sub.loop()
	return sub
}

func (s *Subscription) loop() {
	defer s.n.wg.Done()
	defer close(s.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	log := s.n.logger.With().Str("sink", s.sink.Name()).Logger()
	for {
		select {
		case <-s.stop:
			return
		case batch := <-s.queue:
			err := backoff.Retry(func() error {
				return s.sink.Deliver(ctx, batch)
			}, backoff.WithContext(s.n.backoff(), ctx))
			if err != nil {
				metrics.TrackDeliveryFailure(s.sink.Name())
				log.Error().Err(err).Int("deltas", len(batch)).Msg("delivery abandoned")
			}
			s.n.pending.Add(-1)
		}
	}
}

// Close stops delivery to this subscription and waits for an in-flight
// delivery to give up.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.n.mu.Lock()
		delete(s.n.subs, s.id)
		s.n.mu.Unlock()
		close(s.stop)
	})
	<-s.done
	for {
		select {
		case <-s.queue:
			s.n.pending.Add(-1)
		default:
			return
		}
	}
}

// Drain waits until every batch published so far has been delivered or
// abandoned by each sink. One-shot commands call it before exiting.
func (n *Notifier) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for n.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.done:
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Resync returns the deltas published after seq, or ErrResyncGap when they
// are no longer retained.
func (n *Notifier) Resync(ctx context.Context, since int64) ([]queue.Delta, error) {
	if since < 0 {
		since = 0
	}
	return n.journal.Since(ctx, since)
}

// LastSeq returns the most recently assigned feed sequence.
func (n *Notifier) LastSeq(ctx context.Context) (int64, error) {
	return n.journal.LastSeq(ctx)
}

// Close stops the dispatcher and every subscription. Batches still queued
// are discarded.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.mu.RLock()
		subs := make([]*Subscription, 0, len(n.subs))
		for _, s := range n.subs {
			subs = append(subs, s)
		}
		n.mu.RUnlock()
		for _, s := range subs {
			s.Close()
		}
		n.wg.Wait()
		n.logger.Info().Msg("notifier stopped")
	})
}
