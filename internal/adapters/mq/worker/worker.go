// Package worker drains participant mutation events into the admin cache
// and triggers derived-cache refreshes for score-affecting changes.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/nazfar/meishi/internal/adapters/mq/queue"
	"github.com/nazfar/meishi/internal/domain/model"
	"github.com/nazfar/meishi/pkg/logger"
	"github.com/nazfar/meishi/pkg/metrics"
)

const poolShutdownTimeout = 30 * time.Second

// Event is what workers read off the queue.
type Event = model.Mutation

// CacheUpdater applies mutations to the admin cache.
type CacheUpdater interface {
	Upsert(ctx context.Context, partition string, p model.Participant) error
	Remove(ctx context.Context, partition, id string) error
}

// Refresher updates derived ranking caches for the affected users.
type Refresher interface {
	RefreshUsers(ctx context.Context, userIDs []string) error
}

// Queue defines how workers receive events.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Event
}

// Worker consumes mutation events until its queue closes.
type Worker struct {
	queue     Queue
	updater   CacheUpdater
	refresher Refresher
	name      string

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// Option applies a configuration option to the Worker.
type Option func(*Worker)

// WithName names the worker for logging.
func WithName(name string) Option {
	return func(w *Worker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// New creates a worker with configuration options.
func New(q Queue, updater CacheUpdater, refresher Refresher, opts ...Option) *Worker {
	w := &Worker{
		queue:     q,
		updater:   updater,
		refresher: refresher,
		name:      "hook-worker",
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger.Get().Named("hook-worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "hook-worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop until ctx is canceled or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	events := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := w.process(ctx, e); err != nil {
				w.logger.Error(ctx, "mutation event failed",
					logger.String("participant", e.Participant.ID),
					logger.Error(err),
				)
			}
		}
	}
}

// Shutdown stops the worker, waiting for the current event to finish.
func (w *Worker) Shutdown(ctx context.Context) error {
	close(w.shutdown)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker shutdown timed out: %w", ctx.Err())
	}
}

func (w *Worker) process(ctx context.Context, e queue.Event) error {
	switch e.Kind {
	case model.MutationUpsert:
		if err := w.updater.Upsert(ctx, e.Partition, e.Participant); err != nil {
			metrics.RecordErrorByComponent("hook_worker", "upsert")
			return fmt.Errorf("admin cache upsert %s: %w", e.Participant.ID, err)
		}
	case model.MutationRemove:
		if err := w.updater.Remove(ctx, e.Partition, e.Participant.ID); err != nil {
			metrics.RecordErrorByComponent("hook_worker", "remove")
			return fmt.Errorf("admin cache remove %s: %w", e.Participant.ID, err)
		}
	default:
		return fmt.Errorf("unknown mutation kind %d", e.Kind)
	}
	metrics.RecordHookEventConsumed()

	// Derived-cache refresh is best-effort; the caches are rebuildable.
	if e.ScoreAffecting && w.refresher != nil {
		if err := w.refresher.RefreshUsers(ctx, []string{e.Participant.ID}); err != nil {
			metrics.RecordErrorByComponent("hook_worker", "refresh")
			w.logger.Warn(ctx, "derived cache refresh failed",
				logger.String("participant", e.Participant.ID),
				logger.Error(err),
			)
		}
	}
	return nil
}

// Pool manages a fixed set of workers on one queue.
type Pool struct {
	workers []*Worker
	logger  logger.Logger
}

// NewPool creates and wires count workers.
func NewPool(count int, q Queue, updater CacheUpdater, refresher Refresher) *Pool {
	if count < 1 {
		count = 1
	}
	p := &Pool{logger: logger.Get().Named("hook-pool")}
	for i := 0; i < count; i++ {
		p.workers = append(p.workers, New(q, updater, refresher,
			WithName(fmt.Sprintf("hook-worker-%d", i)),
		))
	}
	metrics.UpdateWorkerCount(count)
	return p
}

// Start launches all workers.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	p.logger.Info(ctx, "hook workers started", logger.Int("count", len(p.workers)))
}

// Stop shuts all workers down with a bounded wait.
func (p *Pool) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), poolShutdownTimeout)
	defer cancel()

	for _, w := range p.workers {
		if err := w.Shutdown(ctx); err != nil {
			p.logger.Warn(ctx, "worker shutdown failed", logger.Error(err))
		}
	}
}
