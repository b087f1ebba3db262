package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

// Job is one guarded background task. Guards: at most one instance runs at a
// time (reentrancy flag) and timer firings inside the cooldown are skipped.
// Explicit triggers may bypass the cooldown but never the reentrancy flag.
type Job struct {
	name     string
	fn       func(ctx context.Context, priority bool) error
	cooldown time.Duration

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// Scheduler owns the process's background jobs: cron-driven firings plus
// on-demand triggers collapsed through a single-flight group.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	group  singleflight.Group

	mu   sync.Mutex
	jobs map[string]*Job

	ctx context.Context
}

// New creates a scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
		jobs:   make(map[string]*Job),
	}
}

// Register adds a job on a cron spec (e.g. "@every 90m"). A zero cooldown
// disables the cooldown guard.
func (s *Scheduler) Register(name, spec string, cooldown time.Duration, fn func(ctx context.Context, priority bool) error) error {
	job := &Job{name: name, fn: fn, cooldown: cooldown}
	s.mu.Lock()
	s.jobs[name] = job
	s.mu.Unlock()

	_, err := s.cron.AddFunc(spec, func() {
		s.run(job, false)
	})
	return err
}

// Start begins cron scheduling until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
}

// Trigger fires a job on demand. force bypasses the cooldown ("priority");
// concurrent triggers for the same job collapse into one run.
func (s *Scheduler) Trigger(name string, force bool) {
	s.mu.Lock()
	job := s.jobs[name]
	s.mu.Unlock()
	if job == nil {
		s.logger.Warn("trigger for unknown job", "job", name)
		return
	}
	go s.group.Do(name, func() (any, error) {
		s.run(job, force)
		return nil, nil
	})
}

func (s *Scheduler) run(job *Job, priority bool) {
	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		s.logger.Info("job already running, skipping", "job", job.name)
		return
	}
	if !priority && job.cooldown > 0 && time.Since(job.lastRun) < job.cooldown {
		job.mu.Unlock()
		s.logger.Info("job in cooldown, skipping", "job", job.name)
		return
	}
	job.running = true
	job.mu.Unlock()

	defer func() {
		job.mu.Lock()
		job.running = false
		job.lastRun = time.Now()
		job.mu.Unlock()
	}()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	s.logger.Info("job started", "job", job.name, "priority", priority)
	if err := job.fn(ctx, priority); err != nil {
		s.logger.Error("job failed", "job", job.name, "error", err)
		return
	}
	s.logger.Info("job finished", "job", job.name, "duration", time.Since(start))
}
