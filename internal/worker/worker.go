// Package worker runs a long-lived, cancellable goroutine with an explicit
// lifecycle.
//
// A Worker moves through Created, Starting, Running, StopRequested and
// Stopped, or ends in Failed when its setup hook returns an error. Stopping
// is cooperative: RequestStop sets a flag the run hook polls and invokes the
// unblock hook once, which is expected to close whatever resource the run
// hook is blocked on (typically a listener).
package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrAlreadyStarted is returned by Start when the Worker has left the Created
// state.
var ErrAlreadyStarted = errors.New("worker already started")

// State is the lifecycle state of a Worker.
type State int32

const (
	Created State = iota
	Starting
	Running
	StopRequested
	Stopped
	Failed
)

// String returns a string representation of State.
func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case StopRequested:
		return "stop-requested"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Hooks supply the behavior of a Worker. Run is required.
type Hooks struct {
	// Setup runs synchronously inside Start. An error moves the Worker to
	// Failed and Run never executes.
	Setup func() error

	// Run is the body of the worker goroutine. It should return once
	// StopRequested reports true or its blocking resource is closed.
	Run func(w *Worker) error

	// Unblock is invoked once by the first RequestStop on a started Worker.
	Unblock func()
}

// Worker is a single managed goroutine.
type Worker struct {
	name  string
	hooks Hooks

	state    atomic.Int32
	stopFlag atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	mu  sync.Mutex
	err error
}

// New creates a Worker in the Created state.
func New(name string, hooks Hooks) *Worker {
	return &Worker{
		name:  name,
		hooks: hooks,
		done:  make(chan struct{}),
	}
}

// Name returns the name given to New.
func (w *Worker) Name() string {
	return w.name
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Err returns the error that ended the Worker: the setup error, the error
// returned by Run, or a recovered panic. It is nil while running and after a
// clean stop.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Worker) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// Start runs the setup hook and launches the run hook in a new goroutine. It
// returns the setup error, if any.
func (w *Worker) Start() error {
	if w.hooks.Run == nil {
		return fmt.Errorf("worker %s: no run hook", w.name)
	}
	if !w.state.CompareAndSwap(int32(Created), int32(Starting)) {
		return fmt.Errorf("worker %s: %w", w.name, ErrAlreadyStarted)
	}

	if w.hooks.Setup != nil {
		if err := w.hooks.Setup(); err != nil {
			w.setErr(err)
			w.state.Store(int32(Failed))
			close(w.done)
			return err
		}
	}

	// A stop requested during setup still lets the run hook observe the flag
	// and exit immediately.
	w.state.CompareAndSwap(int32(Starting), int32(Running))
	go w.run()
	return nil
}

func (w *Worker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.setErr(fmt.Errorf("worker %s: panic: %v", w.name, r))
		}
		if w.Err() != nil && !w.stopFlag.Load() {
			w.state.Store(int32(Failed))
			return
		}
		w.state.Store(int32(Stopped))
	}()

	if err := w.hooks.Run(w); err != nil {
		w.setErr(err)
	}
}

// RequestStop asks the Worker to stop. The first call on a started Worker
// invokes the unblock hook. RequestStop never blocks on the run hook and may
// be called any number of times, in any state.
func (w *Worker) RequestStop() {
	w.stopFlag.Store(true)

	// Never started. Nothing to unblock, and Start is no longer permitted.
	if w.state.CompareAndSwap(int32(Created), int32(Stopped)) {
		close(w.done)
		return
	}
	switch w.State() {
	case Stopped, Failed:
		return
	}

	w.stopOnce.Do(func() {
		w.state.CompareAndSwap(int32(Running), int32(StopRequested))
		if w.hooks.Unblock != nil {
			w.hooks.Unblock()
		}
	})
}

// StopRequested reports whether RequestStop has been called. Run hooks poll
// it between blocking calls.
func (w *Worker) StopRequested() bool {
	return w.stopFlag.Load()
}

// AwaitStopped blocks until the run hook has returned, or returns at once if
// the Worker failed to start or was stopped before starting.
func (w *Worker) AwaitStopped() {
	<-w.done
}

// Done returns a channel closed when the Worker has finished.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
