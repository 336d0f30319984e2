// Package scheduler runs the periodic maintenance jobs of a serve process:
// credential cache sweeps, rate limiter cleanup and stats reports.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"logsnarf/internal/logging"
)

// Job is one named periodic task. Cron has six fields, seconds first. A job
// with an empty Cron is disabled and skipped by Add.
type Job struct {
	Name string
	Cron string
	Run  func()
}

// Config configures a Scheduler.
type Config struct {
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Scheduler runs Jobs on gocron. A job never overlaps itself; a run that is
// still going when the next is due pushes that one to the following slot.
type Scheduler struct {
	cron   gocron.Scheduler
	clock  clockwork.Clock
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]gocron.Job
	runs map[string]int
}

// New creates a stopped Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	c, err := gocron.NewScheduler(gocron.WithClock(cfg.Clock))
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &Scheduler{
		cron:   c,
		clock:  cfg.Clock,
		logger: logging.Default(cfg.Logger).With("component", "scheduler"),
		jobs:   make(map[string]gocron.Job),
		runs:   make(map[string]int),
	}, nil
}

// Add registers jobs. Names must be unique. On error, jobs added by this
// call before the failing one stay registered.
func (s *Scheduler) Add(jobs ...Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if job.Cron == "" {
			continue
		}
		if job.Run == nil {
			return fmt.Errorf("schedule %s: no run function", job.Name)
		}
		if _, dup := s.jobs[job.Name]; dup {
			return fmt.Errorf("schedule %s: duplicate job name", job.Name)
		}
		j, err := s.cron.NewJob(
			gocron.CronJob(job.Cron, true),
			gocron.NewTask(s.wrap(job)),
			gocron.WithName(job.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", job.Name, job.Cron, err)
		}
		s.jobs[job.Name] = j
		s.logger.Info("job scheduled", "name", job.Name, "cron", job.Cron)
	}
	return nil
}

func (s *Scheduler) wrap(job Job) func() {
	return func() {
		start := s.clock.Now()
		job.Run()
		s.mu.Lock()
		s.runs[job.Name]++
		s.mu.Unlock()
		s.logger.Debug("job finished", "name", job.Name, "elapsed", s.clock.Since(start))
	}
}

// Runs returns how many times the named job has completed.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[name]
}

// Next returns when the named job runs next. ok is false for unknown jobs
// and before Start.
func (s *Scheduler) Next(name string) (next time.Time, ok bool) {
	s.mu.Lock()
	j, found := s.jobs[name]
	s.mu.Unlock()
	if !found {
		return time.Time{}, false
	}
	next, err := j.NextRun()
	if err != nil || next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// Start begins running the registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop shuts the scheduler down and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}
