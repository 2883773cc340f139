// Package scheduler runs periodic jobs (scheduled dispatch, expiration sweeps)
// inside the serving process.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// RunOnStart executes the job once before the first tick.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler fans jobs out to one goroutine each.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger
}

// New builds a Scheduler. Jobs with a non-positive interval are disabled.
func New(logger *zap.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{logger: logger.Named("scheduler")}
	for _, job := range jobs {
		if job.Interval <= 0 || job.Run == nil {
			s.logger.Info("job disabled", zap.String("job", job.Name))
			continue
		}
		s.jobs = append(s.jobs, job)
	}
	return s
}

// Jobs returns the enabled jobs.
func (s *Scheduler) Jobs() []Job {
	return append([]Job(nil), s.jobs...)
}

// Run blocks until ctx is done and every job loop has returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	logger := s.logger.With(zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	logger.Info("job scheduled")
	if job.RunOnStart {
		s.runOnce(ctx, logger, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("job stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, logger, job)
		}
	}
}

// runOnce runs job and logs its failure; a failed run never stops the loop.
func (s *Scheduler) runOnce(ctx context.Context, logger *zap.Logger, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("job failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	logger.Debug("job finished", zap.Duration("elapsed", time.Since(start)))
}
