// internal/scheduler/scheduler.go

// Package scheduler runs the periodic circulation jobs and the asynchronous
// promotion workers.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobFunc is one run of a periodic job. Errors are logged; the next run
// retries whatever is still pending.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	next func(now time.Time) time.Time
	run  JobFunc
}

// Scheduler fires registered jobs on their schedule until its context ends.
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time
	jobs   []job
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger, now: time.Now}
}

// Every runs fn at a fixed interval, first after one interval has passed.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) {
	s.jobs = append(s.jobs, job{
		name: name,
		next: func(now time.Time) time.Time { return now.Add(interval) },
		run:  fn,
	})
}

// Daily runs fn once a day at hour:minute UTC.
func (s *Scheduler) Daily(name string, hour, minute int, fn JobFunc) {
	s.jobs = append(s.jobs, job{
		name: name,
		next: func(now time.Time) time.Time { return NextDaily(now, hour, minute) },
		run:  fn,
	})
}

// NextDaily returns the first hour:minute UTC strictly after now.
func NextDaily(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Run blocks until ctx is done and every job has returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, j)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	for {
		wait := j.next(s.now()).Sub(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		start := s.now()
		if err := j.run(ctx); err != nil {
			s.logger.ErrorContext(ctx, "scheduled job failed", "job", j.name, "err", err)
			continue
		}
		s.logger.InfoContext(ctx, "scheduled job finished", "job", j.name, "duration", s.now().Sub(start))
	}
}
