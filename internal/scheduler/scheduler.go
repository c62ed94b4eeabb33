// Package scheduler runs jobs on cron schedules and on demand, collapsing
// overlapping invocations of the same job into a single run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a single job run.
const DefaultTimeout = 4 * time.Minute

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

type Scheduler struct {
	cron    *cron.Cron
	group   singleflight.Group
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// New creates a scheduler evaluating cron specs in loc. A non-positive
// timeout selects DefaultTimeout.
func New(loc *time.Location, timeout time.Duration) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		timeout: timeout,
		jobs:    make(map[string]cron.EntryID),
	}
}

// AddJob registers job under name with a standard five-field cron spec.
func (s *Scheduler) AddJob(name, schedule string, job Job) error {
	entryID, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Run(context.Background(), name, job); err != nil {
			slog.Error("Scheduled job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.mu.Lock()
	s.jobs[name] = entryID
	s.mu.Unlock()

	slog.Info("Added scheduled job", "job", name, "schedule", schedule)
	return nil
}

// Run executes job now. If a run of the same name is already in flight the
// caller waits for it and shares its result; shared reports whether that
// happened.
func (s *Scheduler) Run(ctx context.Context, name string, job Job) (shared bool, err error) {
	_, err, shared = s.group.Do(name, func() (_ any, err error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v", name, r)
			}
		}()

		slog.Info("Starting job", "job", name)
		start := time.Now()
		if err := job(ctx); err != nil {
			return nil, err
		}
		slog.Info("Job completed", "job", name, "duration", time.Since(start).Round(time.Millisecond))
		return nil, nil
	})
	return shared, err
}

// Next returns the next activation time of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) Start() {
	slog.Info("Starting scheduler")
	s.cron.Start()
}

// Stop halts the scheduler. The returned context is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	slog.Info("Stopping scheduler")
	return s.cron.Stop()
}
