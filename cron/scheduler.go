package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/infraguys/gcl-looper/loop"
)

// Scheduler manages calendar-scheduled jobs. Each job is protected by a
// per-job mutex to prevent parallel execution of the same job: when a tick
// fires while the previous run still holds the TryLock, the tick is skipped.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   []Job
	names  map[string]struct{}
	locks  map[string]*sync.Mutex
	counts map[string]*uint64
	logger *slog.Logger
	obs    loop.Observer
	cancel context.CancelFunc
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Logger receives job lifecycle logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Observer receives a pass report per job run. Optional.
	Observer loop.Observer
}

// NewScheduler creates a scheduler. Jobs must be registered before Start.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = loop.MultiObserver(nil)
	}
	return &Scheduler{
		names:  make(map[string]struct{}),
		locks:  make(map[string]*sync.Mutex),
		counts: make(map[string]*uint64),
		logger: opts.Logger.With("component", "cron"),
		obs:    opts.Observer,
	}
}

// RegisterJob adds a job to the scheduler. Must be called before Start.
// Returns an error if the job is incomplete or its name is already taken.
func (s *Scheduler) RegisterJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.Name == "" {
		return fmt.Errorf("cron: job with empty name")
	}
	if j.Iterator == nil {
		return fmt.Errorf("cron: job %q has no iterator", j.Name)
	}
	if _, exists := s.names[j.Name]; exists {
		return fmt.Errorf("cron: duplicate job name %q", j.Name)
	}

	s.names[j.Name] = struct{}{}
	s.locks[j.Name] = &sync.Mutex{}
	s.counts[j.Name] = new(uint64)
	s.jobs = append(s.jobs, j)
	return nil
}

// Start begins executing registered jobs on their schedules. Returns an
// error if any job has an invalid schedule expression. Non-blocking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.cron = cron.New(cron.WithParser(specParser))

	started := time.Now()
	for _, j := range s.jobs {
		job := j
		lock := s.locks[job.Name]
		count := s.counts[job.Name]

		_, err := s.cron.AddFunc(job.Schedule, func() {
			// TryLock is atomic — no race between check and acquire.
			// If the previous tick is still running, skip this one.
			if !lock.TryLock() {
				s.logger.Warn("job still running, skipping tick", "job", job.Name)
				return
			}
			defer lock.Unlock()

			p := loop.Pass{
				Number:  *count,
				Started: time.Now(),
			}
			p.Uptime = p.Started.Sub(started)

			s.logger.Debug("job started", "job", job.Name, "run", p.Number)
			s.obs.PassStarted(job.Name, p)

			err := job.Iterator.Iteration(ctx, p)

			d := time.Since(p.Started)
			*count++
			s.obs.PassFinished(job.Name, p, d, err)
			if err != nil {
				s.logger.Error("job failed", "job", job.Name, "run", p.Number, "error", err)
			} else {
				s.logger.Debug("job completed", "job", job.Name, "run", p.Number, "elapsed", d)
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("cron: invalid schedule for job %q: %w", job.Name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for in-flight jobs.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		// Wait for running jobs to complete.
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
	return nil
}
