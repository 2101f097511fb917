// Package scheduler runs due tasks on a fixed interval. Instances sharing a
// data directory coordinate through a lease file so that, at any time, at
// most one of them executes tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/tripclaw/internal/state"
	"github.com/user/tripclaw/internal/types"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultLeaseTTL = 120 * time.Second
)

// Handler performs the side effect of one task type.
type Handler interface {
	Handle(ctx context.Context, task *types.Task) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *types.Task) error

func (f HandlerFunc) Handle(ctx context.Context, task *types.Task) error {
	return f(ctx, task)
}

// Options configure a Scheduler.
type Options struct {
	// Interval between ticks. Defaults to DefaultInterval.
	Interval time.Duration
	// RepeatTypes lists the task types rescheduled daily after a successful
	// run when deleteAfterRun is false. Other types are disabled instead.
	RepeatTypes []string
}

// Scheduler evaluates due-ness of stored tasks and executes them through
// handlers registered per task type.
type Scheduler struct {
	store    types.TaskStore
	lease    *Lease
	interval time.Duration
	repeat   map[string]bool

	mu       sync.Mutex
	handlers map[string]Handler

	// runMu serializes ticks and manual runs.
	runMu sync.Mutex

	cron *cron.Cron
}

// New creates a Scheduler backed by the given task store and lease.
func New(store types.TaskStore, lease *Lease, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	repeat := make(map[string]bool, len(opts.RepeatTypes))
	for _, t := range opts.RepeatTypes {
		repeat[t] = true
	}
	return &Scheduler{
		store:    store,
		lease:    lease,
		interval: opts.Interval,
		repeat:   repeat,
		handlers: make(map[string]Handler),
	}
}

// Register sets the handler for a task type.
func (s *Scheduler) Register(taskType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = h
}

func (s *Scheduler) handler(taskType string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[taskType]
	return h, ok
}

// Start runs one tick immediately and then one per interval until Stop.
// Ticks never overlap.
func (s *Scheduler) Start(ctx context.Context) {
	logger := cronLogger{}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	job := cron.FuncJob(func() {
		if err := s.Tick(ctx, time.Now()); err != nil {
			slog.Error("scheduler tick failed", "error", err)
		}
	})
	s.cron.Schedule(cron.Every(s.interval), job)
	s.cron.Start()

	go job.Run()
	slog.Info("scheduler started", "interval", s.interval, "lease", s.lease.Path())
}

// Stop stops the ticker and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	slog.Info("scheduler stopped")
}

// Tick acquires the lease and runs every enabled task due at now. It does
// nothing when another instance holds the lease.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	held, err := s.lease.Acquire(now)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !held {
		slog.Debug("scheduler lease held elsewhere, skipping tick")
		return nil
	}

	tasks, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !task.Enabled || task.CompletedAt != nil {
			continue
		}

		next, err := ResolveRunAt(task.Schedule.RunAt, task.Schedule.Timezone)
		if err != nil {
			slog.Warn("disabling task with invalid schedule", "task_id", task.ID, "run_at", task.Schedule.RunAt, "timezone", task.Schedule.Timezone, "error", err)
			task.Enabled = false
			task.LastError = fmt.Sprintf("invalid schedule: %v", err)
			s.save(ctx, task)
			continue
		}
		if task.NextRun == nil || !task.NextRun.Equal(next) {
			task.NextRun = &next
			s.save(ctx, task)
		}

		if now.Before(next) {
			continue
		}
		s.run(ctx, task, now)
	}
	return nil
}

// RunNow executes the task with the given ID immediately, regardless of its
// schedule, and applies the usual success and failure bookkeeping.
func (s *Scheduler) RunNow(ctx context.Context, id types.TaskID) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	task, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.run(ctx, task, time.Now()); err != nil {
		return fmt.Errorf("run task %s: %w", id, err)
	}
	return nil
}

// run executes task and records the outcome. The handler error is returned
// after bookkeeping.
func (s *Scheduler) run(ctx context.Context, task *types.Task, now time.Time) error {
	log := slog.With("task_id", task.ID, "task_name", task.Name, "type", task.Type)

	err := s.execute(ctx, task)
	task.LastRun = &now

	if err != nil {
		task.RunAttempts++
		task.LastError = err.Error()
		if task.RetriesExhausted() {
			task.Enabled = false
			log.Error("task failed, retries exhausted", "attempts", task.RunAttempts, "error", err)
		} else {
			log.Warn("task failed", "attempts", task.RunAttempts, "error", err)
		}
		s.save(ctx, task)
		return err
	}

	task.LastError = ""
	switch {
	case task.OneShot():
		if err := s.store.Delete(ctx, task.ID); err != nil && !errors.Is(err, state.ErrNotFound) {
			log.Error("delete completed task", "error", err)
		}
		log.Info("task completed")

	case s.repeat[task.Type]:
		runAt, next, err := NextDaily(task.Schedule.RunAt, task.Schedule.Timezone)
		if err != nil {
			task.Enabled = false
			task.LastError = fmt.Sprintf("reschedule: %v", err)
			log.Error("reschedule task", "error", err)
		} else {
			task.Schedule.RunAt = runAt
			task.NextRun = &next
			task.RunAttempts = 0
			log.Info("task rescheduled", "run_at", runAt, "next_run", next)
		}
		s.save(ctx, task)

	default:
		task.Enabled = false
		task.CompletedAt = &now
		log.Info("task completed, disabled")
		s.save(ctx, task)
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, task *types.Task) error {
	h, ok := s.handler(task.Type)
	if !ok {
		return fmt.Errorf("no handler for task type %q", task.Type)
	}
	return h.Handle(ctx, task)
}

func (s *Scheduler) save(ctx context.Context, task *types.Task) {
	if err := s.store.Update(ctx, task); err != nil {
		slog.Error("save task", "task_id", task.ID, "error", err)
	}
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
