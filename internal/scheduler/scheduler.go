// Package scheduler manages recurring background jobs using the gocron
// library: the gateway poll loop and periodic database maintenance.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// JobFunc is a schedulable unit of work.
type JobFunc func(ctx context.Context) error

// Scheduler wraps a gocron scheduler with logging and sequential-execution
// support.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	mu        sync.Mutex
	running   bool
}

// New creates a scheduler instance.
func New(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    logger.With("component", "scheduler"),
	}, nil
}

// AddIntervalJob registers a job that runs every interval. Sequential jobs
// never overlap themselves: a cycle still running when the next tick fires
// pushes that tick back instead of starting a second instance.
func (s *Scheduler) AddIntervalJob(name string, interval time.Duration, sequential bool, fn JobFunc) error {
	opts := []gocron.JobOption{gocron.WithName(name)}
	if sequential {
		opts = append(opts, gocron.WithSingletonMode(gocron.LimitModeReschedule))
	}

	return s.addJob(name, gocron.DurationJob(interval), fn, opts...)
}

// AddCronJob registers a job on a crontab schedule.
func (s *Scheduler) AddCronJob(name, crontab string, fn JobFunc) error {
	return s.addJob(name, gocron.CronJob(crontab, false), fn, gocron.WithName(name))
}

func (s *Scheduler) addJob(name string, definition gocron.JobDefinition, fn JobFunc, opts ...gocron.JobOption) error {
	_, err := s.scheduler.NewJob(
		definition,
		gocron.NewTask(
			func(ctx context.Context, jobName string) {
				s.logger.DebugContext(ctx, "Running job", "job", jobName)
				startTime := time.Now()
				if jobErr := fn(ctx); jobErr != nil {
					s.logger.ErrorContext(ctx, "Job failed", "job", jobName, "error", jobErr)
				}
				s.logger.DebugContext(ctx, "Finished job", "job", jobName, "duration", time.Since(startTime))
			},
			context.Background(),
			name,
		),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", name, err)
	}

	s.logger.Info("Scheduled job", "job", name)
	return nil
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started")
	return nil
}

// Stop gracefully stops the scheduler, waiting for running jobs to complete.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	err := s.scheduler.Shutdown()
	if err != nil {
		s.logger.Error("Error during scheduler shutdown", "error", err)
	} else {
		s.logger.Info("Scheduler stopped.")
	}

	s.running = false
	return err
}
