// Package scheduler runs periodic jobs on a cron runner.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the cron runner and its jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New builds an idle Scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// Every registers a job on a fixed interval.
func (s *Scheduler) Every(interval time.Duration, name string, job func()) {
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.logger.Debug("scheduled job running", "job", name)
		job()
	}))
}

// Start launches the runner in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
