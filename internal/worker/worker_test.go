package worker

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// blockingHooks returns hooks whose run loop blocks on a channel that the
// unblock hook closes, mimicking a listener closed from another goroutine.
func blockingHooks(unblocks *atomic.Int32) Hooks {
	release := make(chan struct{})
	return Hooks{
		Run: func(w *Worker) error {
			for !w.StopRequested() {
				<-release
			}
			return nil
		},
		Unblock: func() {
			unblocks.Add(1)
			close(release)
		},
	}
}

func waitState(t *testing.T, w *Worker, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", w.State(), want)
}

func TestLifecycle(t *testing.T) {
	var unblocks atomic.Int32
	w := New("test", blockingHooks(&unblocks))
	if w.State() != Created {
		t.Fatalf("initial state = %s", w.State())
	}

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, w, Running)

	w.RequestStop()
	w.AwaitStopped()

	if w.State() != Stopped {
		t.Fatalf("state after stop = %s", w.State())
	}
	if w.Err() != nil {
		t.Fatalf("Err() = %v", w.Err())
	}
	if n := unblocks.Load(); n != 1 {
		t.Fatalf("unblock called %d times, want 1", n)
	}
}

func TestRequestStopIdempotent(t *testing.T) {
	var unblocks atomic.Int32
	w := New("test", blockingHooks(&unblocks))
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	for range 5 {
		w.RequestStop()
	}
	w.AwaitStopped()
	w.RequestStop()

	if n := unblocks.Load(); n != 1 {
		t.Fatalf("unblock called %d times, want 1", n)
	}
	if w.State() != Stopped {
		t.Fatalf("state = %s", w.State())
	}
}

func TestSetupFailure(t *testing.T) {
	setupErr := errors.New("bind failed")
	ran := false
	w := New("test", Hooks{
		Setup: func() error { return setupErr },
		Run:   func(*Worker) error { ran = true; return nil },
	})

	if err := w.Start(); !errors.Is(err, setupErr) {
		t.Fatalf("Start() = %v, want %v", err, setupErr)
	}
	w.AwaitStopped()

	if ran {
		t.Fatal("run hook executed after setup failure")
	}
	if w.State() != Failed {
		t.Fatalf("state = %s, want failed", w.State())
	}
	if !errors.Is(w.Err(), setupErr) {
		t.Fatalf("Err() = %v", w.Err())
	}

	// Stopping a failed worker is harmless.
	w.RequestStop()
	if w.State() != Failed {
		t.Fatalf("state after stop = %s", w.State())
	}
}

func TestStartTwice(t *testing.T) {
	var unblocks atomic.Int32
	w := New("test", blockingHooks(&unblocks))
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		w.RequestStop()
		w.AwaitStopped()
	}()

	if err := w.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	w := New("test", Hooks{Run: func(*Worker) error { return nil }})
	w.RequestStop()
	w.AwaitStopped()

	if w.State() != Stopped {
		t.Fatalf("state = %s", w.State())
	}
	if err := w.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("Start() after stop = %v", err)
	}
}

func TestRunErrorMarksFailed(t *testing.T) {
	runErr := errors.New("boom")
	w := New("test", Hooks{Run: func(*Worker) error { return runErr }})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	w.AwaitStopped()

	if w.State() != Failed {
		t.Fatalf("state = %s, want failed", w.State())
	}
	if !errors.Is(w.Err(), runErr) {
		t.Fatalf("Err() = %v", w.Err())
	}
}

func TestRunPanicRecovered(t *testing.T) {
	w := New("test", Hooks{Run: func(*Worker) error { panic("unexpected") }})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	w.AwaitStopped()

	if w.State() != Failed {
		t.Fatalf("state = %s, want failed", w.State())
	}
	if w.Err() == nil {
		t.Fatal("Err() = nil after panic")
	}
}

func TestMissingRunHook(t *testing.T) {
	if err := New("test", Hooks{}).Start(); err == nil {
		t.Fatal("Start() without a run hook succeeded")
	}
}
