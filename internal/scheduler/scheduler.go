// Package scheduler runs named jobs on fixed intervals. It drives the
// batch drain and the periodic backup snapshot.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/nazfar/meishi/pkg/logger"
	"github.com/nazfar/meishi/pkg/metrics"
)

// Job is one unit of periodic work.
type Job struct {
	// Name identifies the job in logs.
	Name string
	// Interval between runs. The first run happens one interval after
	// Start, not immediately.
	Interval time.Duration
	// Run does the work. Errors are logged; the schedule keeps going.
	Run func(ctx context.Context) error
}

// Scheduler owns a set of periodic jobs.
type Scheduler struct {
	jobs []Job
	stop chan struct{}
	wg   sync.WaitGroup
	log  logger.Logger
}

// New creates a scheduler for the given jobs.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		stop: make(chan struct{}),
		log:  logger.Get().Named("scheduler"),
	}
}

// Start launches one ticker goroutine per job. Jobs run until Stop or
// context cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil {
			continue
		}
		s.wg.Add(1)
		go s.runLoop(ctx, job)
	}
	s.log.Info(ctx, "scheduler started", logger.Int("jobs", len(s.jobs)))
}

// Stop halts all jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := job.Run(ctx); err != nil {
				metrics.RecordErrorByComponent("scheduler", job.Name)
				s.log.Error(ctx, "scheduled job failed",
					logger.String("job", job.Name),
					logger.Error(err),
				)
			}
		}
	}
}
