// Package sched runs named periodic maintenance tasks.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/obs"
)

// Func is one run of a task.
type Func func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       Func
}

// Scheduler runs every task on its own ticker. Runs of one task never overlap.
type Scheduler struct {
	log     *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	tasks   []task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the zap logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTimeout bounds each run; zero leaves runs unbounded.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// New returns an idle scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{log: obs.Logger().Named("sched")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ErrRunning is returned by Add after Start.
var ErrRunning = errors.New("sched: already running")

// Add registers a task. A non-positive interval disables it.
func (s *Scheduler) Add(name string, interval time.Duration, fn Func) error {
	if name == "" || fn == nil {
		return errors.New("sched: name and func are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("sched: duplicate task %q", name)
		}
	}
	if interval <= 0 {
		s.log.Info("task disabled", zap.String("task", name))
		return nil
	}
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
	return nil
}

// Tasks returns the names of enabled tasks.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.name
	}
	return out
}

// Start launches the tickers. They stop when ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.log.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
}

// Stop cancels all tickers and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, t.name, t.fn)
		}
	}
}

// RunOnce runs fn under the task name, recording duration and failures.
// A panic is recovered and reported as a failure.
func (s *Scheduler) RunOnce(ctx context.Context, name string, fn Func) (err error) {
	started := time.Now()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sched: task %s panicked: %v", name, r)
		}
		obs.ObserveTask(name, started, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("task failed", zap.String("task", name), zap.Duration("took", time.Since(started)), zap.Error(err))
			return
		}
		s.log.Debug("task done", zap.String("task", name), zap.Duration("took", time.Since(started)))
	}()
	return fn(ctx)
}
