// Package task runs background jobs (project load, environment scan, encode)
// as joinable futures. A Slot owns at most one live task of its kind: starting
// a new one joins the previous first, so two jobs of one kind never overlap.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrBusy is returned by TryStart while the slot's task is still running.
var ErrBusy = errors.New("task already running")

// Status of a task.
type Status int32

const (
	StatusRunning Status = iota
	StatusSucceeded
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Func is the body of a task. It reports progress through t.
type Func func(ctx context.Context, t *Task) error

// Task is a handle on one background run.
type Task struct {
	id     string
	kind   string
	cancel context.CancelFunc
	done   chan struct{}
	status atomic.Int32

	mu  sync.Mutex
	err error

	progress Progress
}

// ID is a unique id for log correlation.
func (t *Task) ID() string { return t.id }

// Kind is the slot kind that started the task.
func (t *Task) Kind() string { return t.kind }

// Cancel asks the task to stop. It does not wait.
func (t *Task) Cancel() { t.cancel() }

// Done is closed once the task body has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait joins the task and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.Err()
}

// Err returns the terminal error, nil while running or on success.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Status returns the current status.
func (t *Task) Status() Status { return Status(t.status.Load()) }

// Running reports whether the body has not returned yet.
func (t *Task) Running() bool { return t.Status() == StatusRunning }

// Progress returns the last reported fraction.
func (t *Task) Progress() float64 { return t.progress.Value() }

// SetProgress reports a monotonic fraction in [0,1].
func (t *Task) SetProgress(f float64) { t.progress.Set(f) }

func (t *Task) run(ctx context.Context, fn Func, logger zerolog.Logger) {
	defer close(t.done)
	defer t.cancel()

	err := t.invoke(ctx, fn)

	t.mu.Lock()
	t.err = err
	t.mu.Unlock()

	switch {
	case err == nil:
		t.status.Store(int32(StatusSucceeded))
		logger.Debug().Msg("task finished")
	case errors.Is(err, context.Canceled):
		t.status.Store(int32(StatusCanceled))
		logger.Debug().Msg("task canceled")
	default:
		t.status.Store(int32(StatusFailed))
		logger.Warn().Err(err).Msg("task failed")
	}
}

func (t *Task) invoke(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s task panicked: %v", t.kind, r)
		}
	}()
	return fn(ctx, t)
}

// Slot serializes tasks of one kind.
type Slot struct {
	kind   string
	logger zerolog.Logger

	mu  sync.Mutex
	cur *Task
}

// NewSlot creates an empty slot for tasks of the given kind.
func NewSlot(kind string, logger zerolog.Logger) *Slot {
	return &Slot{
		kind:   kind,
		logger: logger.With().Str("component", "task").Str("kind", kind).Logger(),
	}
}

// Start joins any previous task of this kind, then starts fn.
func (s *Slot) Start(parent context.Context, fn Func) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil && s.cur.Running() {
		s.logger.Debug().Str("task_id", s.cur.id).Msg("joining previous task before start")
		_ = s.cur.Wait()
	}
	return s.spawn(parent, fn)
}

// TryStart starts fn only if no task of this kind is running.
func (s *Slot) TryStart(parent context.Context, fn Func) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != nil && s.cur.Running() {
		return s.cur, ErrBusy
	}
	return s.spawn(parent, fn), nil
}

// Current returns the most recent task, nil if none was started.
func (s *Slot) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Wait joins the current task, if any.
func (s *Slot) Wait() error {
	cur := s.Current()
	if cur == nil {
		return nil
	}
	return cur.Wait()
}

// Running reports whether the current task is alive.
func (s *Slot) Running() bool {
	cur := s.Current()
	return cur != nil && cur.Running()
}

func (s *Slot) spawn(parent context.Context, fn Func) *Task {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		id:     uuid.NewString(),
		kind:   s.kind,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.status.Store(int32(StatusRunning))
	s.cur = t

	logger := s.logger.With().Str("task_id", t.id).Logger()
	logger.Debug().Msg("task started")
	go t.run(ctx, fn, logger)
	return t
}
