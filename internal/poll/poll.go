// Package poll runs cancellable periodic tasks. A Task is bound to the
// lifetime of whatever started it: Stop cancels the task's context and waits
// for the loop goroutine to exit, so no tick fires after Stop returns.
package poll

import (
	"context"
	"sync"
	"time"
)

// Func is one poll tick. It receives the task's context, which is cancelled
// on Stop.
type Func func(ctx context.Context)

// Task runs a Func on a fixed interval. Ticks never overlap: a tick that is
// due while the previous one is still running is coalesced.
type Task struct {
	interval time.Duration
	fn       Func
	trigger  chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	mu     sync.Mutex
	paused bool
}

// Every starts a Task that calls fn every interval until ctx is cancelled or
// Stop is called. The first tick happens after one interval; call Trigger for
// an immediate run.
func Every(ctx context.Context, interval time.Duration, fn Func) *Task {
	if interval <= 0 {
		interval = time.Second
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		interval: interval,
		fn:       fn,
		trigger:  make(chan struct{}, 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go t.loop(taskCtx)
	return t
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.trigger:
			// An out-of-band run restarts the cadence.
			ticker.Reset(t.interval)
		}
		if t.Paused() || ctx.Err() != nil {
			continue
		}
		t.fn(ctx)
	}
}

// Trigger requests an immediate run. It never blocks; triggers issued while
// one is already pending are coalesced.
func (t *Task) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Pause suspends ticks without stopping the task.
func (t *Task) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Resume re-enables ticks and immediately triggers a run, so a task that was
// paused does not wait a full interval with stale data.
func (t *Task) Resume() {
	t.mu.Lock()
	wasPaused := t.paused
	t.paused = false
	t.mu.Unlock()
	if wasPaused {
		t.Trigger()
	}
}

// Paused reports whether the task is paused.
func (t *Task) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Stop cancels the task and waits for its loop to exit. Safe to call more
// than once and from multiple goroutines, but not from within fn.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Done returns a channel that is closed once the loop has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
