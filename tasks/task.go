package tasks

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ShoshinNikita/rpreview/pkg/metrics"
	"github.com/ShoshinNikita/rpreview/pkg/rlog"
	"github.com/ShoshinNikita/rpreview/rpreview"
)

var (
	ErrCancelled = errors.New("task was cancelled")
	ErrStale     = errors.New("source file was modified")
)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Event is a message from a task. Render and convert tasks emit a single final event,
// sweep tasks emit a progress event per page and a final event at the end.
type Event struct {
	TaskID string
	Kind   rpreview.Kind

	// Final is false only for sweep progress events.
	Final bool
	Err   error

	Image *image.NRGBA
	Page  int
	// Path is the path of a converted document.
	Path string
	// Pages is the number of processed pages of a sweep task.
	Pages int
}

// Task runs work in a separate goroutine. Cancellation is cooperative: the work checks
// the cancellation flag between expensive steps, in-flight calls are never interrupted.
// The only exception is [Task.ForceStop] that also cancels the context passed to the work,
// which kills external processes.
type Task struct {
	id           string
	kind         rpreview.Kind
	path         string
	startModTime int64

	work    func(t *Task) (Event, error)
	onEvent func(Event)

	state     atomic.Int32
	cancelled atomic.Bool

	ctx      context.Context //nolint:containedctx
	cancelFn context.CancelFunc
	done     chan struct{}
}

func newTask(id string, kind rpreview.Kind, path string, work func(t *Task) (Event, error)) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		id:   id,
		kind: kind,
		path: path,
		// Capture the modification time as early as possible to detect changes made
		// while the task is waiting to start.
		startModTime: rpreview.ModTime(path),
		work:         work,
		ctx:          ctx,
		cancelFn:     cancel,
		done:         make(chan struct{}),
	}
}

func (t *Task) ID() string          { return t.id }
func (t *Task) Kind() rpreview.Kind { return t.kind }
func (t *Task) Path() string        { return t.path }
func (t *Task) State() State        { return State(t.state.Load()) }

// Done returns a channel that is closed when the task is fully stopped and all its
// events are handled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Start runs the task in a new goroutine. onEvent is called from that goroutine.
// Start can be called only once.
func (t *Task) Start(onEvent func(Event)) {
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		rlog.Warnf("task %s was already started", t.id)
		return
	}
	t.onEvent = onEvent

	metrics.TasksStarted.WithLabelValues(string(t.kind)).Inc()

	go t.run()
}

// Cancel sets the cancellation flag. The flag can't be reset.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// ForceStop cancels the task and its context.
func (t *Task) ForceStop() {
	t.cancelled.Store(true)
	t.cancelFn()
}

func (t *Task) IsCancelled() bool {
	return t.cancelled.Load()
}

// Wait waits for the task to stop, but no longer than timeout. It returns true if the
// task has stopped. A task that was never started is considered stopped.
func (t *Task) Wait(timeout time.Duration) bool {
	if t.State() == StateCreated {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

func (t *Task) run() {
	defer close(t.done)
	defer t.cancelFn()

	now := time.Now()
	ev, err := t.safeWork()
	dur := time.Since(now)

	state := StateCompleted
	switch {
	case t.IsCancelled() || errors.Is(err, ErrCancelled):
		state = StateCancelled
		err = ErrCancelled
	case t.isStale():
		// Don't deliver results or errors caused by a file that has since changed.
		state = StateCancelled
		err = ErrStale
	case err != nil:
		state = StateFailed
	}
	t.state.Store(int32(state))

	metrics.TasksFinished.WithLabelValues(string(t.kind), state.String()).Inc()
	metrics.TaskDuration.WithLabelValues(string(t.kind)).Observe(dur.Seconds())

	switch state {
	case StateFailed:
		rlog.Debugf("task %s (%s) for %q failed in %s: %s", t.id, t.kind, t.path, dur, err)
		t.emit(Event{Final: true, Err: err, Pages: ev.Pages})

	case StateCancelled:
		rlog.Debugf("task %s (%s) for %q was cancelled after %s: %s", t.id, t.kind, t.path, dur, err)
		if t.kind == rpreview.KindSweepThumbnails {
			// Sweep consumers wait for the final event.
			t.emit(Event{Final: true, Err: err, Pages: ev.Pages})
		}

	default:
		rlog.Debugf("task %s (%s) for %q completed in %s", t.id, t.kind, t.path, dur)
		ev.Final = true
		t.emit(ev)
	}
}

// safeWork calls the work function and converts panics to errors.
func (t *Task) safeWork() (ev Event, err error) {
	defer func() {
		if p := recover(); p != nil {
			rlog.Errorf("panic in task %s (%s) for %q: %v\n%s", t.id, t.kind, t.path, p, debug.Stack())
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	if err := t.checkpoint(); err != nil {
		return Event{}, err
	}
	return t.work(t)
}

func (t *Task) emit(ev Event) {
	if t.onEvent == nil {
		return
	}

	ev.TaskID = t.id
	ev.Kind = t.kind

	defer func() {
		if p := recover(); p != nil {
			rlog.Errorf("panic in event handler of task %s (%s): %v\n%s", t.id, t.kind, p, debug.Stack())
		}
	}()
	t.onEvent(ev)
}

// emitProgress emits a progress event if the task is not cancelled and the source file
// is not modified. It returns an error otherwise.
func (t *Task) emitProgress(ev Event) error {
	if err := t.checkpoint(); err != nil {
		return err
	}
	if t.isStale() {
		t.Cancel()
		return ErrStale
	}

	ev.Final = false
	t.emit(ev)
	return nil
}

// checkpoint returns [ErrCancelled] if the task was cancelled. It must be called before
// and after every expensive step.
func (t *Task) checkpoint() error {
	if t.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

func (t *Task) isStale() bool {
	return rpreview.ModTime(t.path) != t.startModTime
}
