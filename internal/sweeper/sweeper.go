// Package sweeper runs periodic background jobs — in this module,
// correlation context reclamation and registry heartbeat staleness — on a
// single cron-driven scheduler: a thin wrapper around robfig/cron.Cron that
// turns named jobs into cron entries and logs failures without ever
// aborting the runner.
package sweeper

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler owns one cron.Cron runner shared by every registered job.
type Scheduler struct {
	c      *cron.Cron
	logger *slog.Logger
}

// New constructs a Scheduler. logger may be nil.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{c: cron.New(), logger: logger}
}

// AddJob schedules fn to run on the given cron expression (e.g. "@every
// 10s"). name is used only for logging. Returns an error if expr does not
// parse.
func (s *Scheduler) AddJob(name, expr string, fn func()) error {
	_, err := s.c.AddFunc(expr, s.wrap(name, fn))
	if err != nil {
		return fmt.Errorf("sweeper: invalid cron expression %q for job %q: %w", expr, name, err)
	}
	return nil
}

// wrap recovers a panicking job so one misbehaving sweeper never takes
// down the whole scheduler, and logs the job's name around each run.
func (s *Scheduler) wrap(name string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("sweeper: job panicked", "job", name, "panic", r)
			}
		}()
		s.logger.Debug("sweeper: running job", "job", name)
		fn()
	}
}

// Start begins running scheduled jobs. Non-blocking; jobs fire in their
// own goroutines managed by the underlying cron runner.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}
