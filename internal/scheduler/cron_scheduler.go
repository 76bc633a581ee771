// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TaskFunc is one run of a periodic maintenance task.
type TaskFunc func(ctx context.Context)

// Scheduler runs named maintenance tasks (stale session sweeps, registry
// liveness checks) on fixed intervals.
type Scheduler struct {
	cron   *cron.Cron
	mu     sync.Mutex
	tasks  map[string]cron.EntryID
	logger *slog.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Overlapping runs of one task are skipped.
func NewScheduler(logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	l := logger.With("component", "scheduler")
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		tasks:  make(map[string]cron.EntryID),
		logger: l,
		tracer: otel.Tracer("distributed-distort-scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the scheduler until ctx is done, then waits for running tasks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "tasks", s.Len())
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("scheduler stopping...")
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// AddTask schedules fn every interval under name, replacing a task of the same name.
func (s *Scheduler) AddTask(name string, every time.Duration, fn TaskFunc) error {
	if every <= 0 {
		return fmt.Errorf("task %q: interval must be positive, got %s", name, every)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.tasks[name]; ok {
		s.cron.Remove(id)
	}

	w := &taskWrapper{name: name, fn: fn, s: s, logger: s.logger.With("task", name)}
	id, err := s.cron.AddJob("@every "+every.String(), w)
	if err != nil {
		s.logger.Error("failed to add task", "task", name, "error", err)
		return err
	}
	s.tasks[name] = id
	s.logger.Info("added task to scheduler", "task", name, "every", every)
	return nil
}

// RemoveTask drops the named task. Unknown names are ignored.
func (s *Scheduler) RemoveTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.tasks[name]; ok {
		s.cron.Remove(id)
		delete(s.tasks, name)
		s.logger.Info("removed task from scheduler", "task", name)
	}
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

type taskWrapper struct {
	name   string
	fn     TaskFunc
	s      *Scheduler
	logger *slog.Logger
}

// Run is called by the cron library.
func (w *taskWrapper) Run() {
	ctx, span := w.s.tracer.Start(w.s.ctx, "scheduler.Run",
		trace.WithAttributes(attribute.String("task.name", w.name)))
	defer span.End()

	w.logger.Debug("running task")
	w.fn(ctx)
}
