// Package scheduler runs named periodic tasks with independent intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrStarted = errors.New("scheduler already started")

type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. It defaults to the interval.
	Timeout time.Duration
	// Immediate runs the task once at start instead of after the first tick.
	Immediate bool
	Run       func(ctx context.Context) error
}

// TaskStatus is a snapshot of a task's most recent run.
type TaskStatus struct {
	Name      string        `json:"name"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Duration  time.Duration `json:"last_duration"`
}

type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	status  map[string]*TaskStatus
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{
		status: make(map[string]*TaskStatus),
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("task requires a name and a run function")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	if t.Timeout <= 0 {
		t.Timeout = t.Interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, dup := s.status[t.Name]; dup {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	s.tasks = append(s.tasks, t)
	s.status[t.Name] = &TaskStatus{Name: t.Name}
	return nil
}

// Start launches every task. Cancelling ctx or calling Stop ends the loops;
// a run already in progress is allowed to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	slog.Info("Scheduler started", "tasks", len(s.tasks))
	return nil
}

// Stop ends all task loops and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	if t.Immediate {
		s.runOnce(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(parent context.Context, t Task) {
	// detached from parent cancellation so shutdown never aborts a run halfway
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), t.Timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t.Run(ctx)
	}()
	elapsed := time.Since(start)

	s.mu.Lock()
	st := s.status[t.Name]
	st.Runs++
	st.LastRun = start
	st.Duration = elapsed
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		slog.Error("Task failed", "task", t.Name, "duration", elapsed, "error", err)
		return
	}
	slog.Debug("Task completed", "task", t.Name, "duration", elapsed)
}

func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *s.status[t.Name])
	}
	return out
}
