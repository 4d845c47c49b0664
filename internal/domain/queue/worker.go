package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Worker runs the background loops of the queue: the grace-period no-show
// sweep and the periodic rerank. The rerank picks up writes this process did
// not make (another instance, a manual fix in the database) and publishes the
// resulting changes; over an unchanged active set it publishes nothing.
type Worker struct {
	svc            *Service
	sweepInterval  time.Duration
	rerankInterval time.Duration
	logger         zerolog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	finished chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(svc *Service, sweepInterval, rerankInterval time.Duration, logger zerolog.Logger) *Worker {
	return &Worker{
		svc:            svc,
		sweepInterval:  sweepInterval,
		rerankInterval: rerankInterval,
		logger:         logger.With().Str("component", "queue-worker").Logger(),
		stopChan:       make(chan struct{}),
		finished:       make(chan struct{}),
	}
}

// Run starts both loops and blocks until ctx is cancelled or Shutdown is
// called. A non-positive interval disables its loop.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}
	defer close(w.finished)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.sweepInterval > 0 {
		w.wg.Add(1)
		go w.loop(ctx, "sweep", w.sweepInterval, w.sweepOnce)
	}
	if w.rerankInterval > 0 {
		w.wg.Add(1)
		go w.loop(ctx, "rerank", w.rerankInterval, w.rerankOnce)
	}
	w.logger.Info().Dur("sweep_interval", w.sweepInterval).Dur("rerank_interval", w.rerankInterval).
		Msg("queue worker started")

	select {
	case <-ctx.Done():
	case <-w.stopChan:
	}
	cancel()
	w.wg.Wait()
	w.logger.Info().Msg("queue worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, name string, every time.Duration, tick func(context.Context)) {
	defer w.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tick(ctx)
		case <-ctx.Done():
			w.logger.Debug().Str("loop", name).Msg("loop stopping")
			return
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context) {
	if _, err := w.svc.SweepNoShows(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("no-show sweep")
	}
}

func (w *Worker) rerankOnce(ctx context.Context) {
	if err := w.svc.Recompute(ctx); err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("periodic rerank")
	}
}

// Shutdown stops the loops and waits up to timeout for an in-flight tick.
func (w *Worker) Shutdown(timeout time.Duration) {
	w.stopOnce.Do(func() { close(w.stopChan) })
	if !w.started.Load() {
		return
	}
	select {
	case <-w.finished:
	case <-time.After(timeout):
		w.logger.Warn().Dur("timeout", timeout).Msg("timed out waiting for queue worker")
	}
}
