package poll

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestEvery_Ticks(t *testing.T) {
	var n atomic.Int32
	task := Every(context.Background(), 10*time.Millisecond, func(ctx context.Context) {
		n.Add(1)
	})
	defer task.Stop()

	if !waitFor(t, time.Second, func() bool { return n.Load() >= 3 }) {
		t.Fatalf("ticks = %d, want >= 3", n.Load())
	}
}

func TestTrigger_RunsImmediately(t *testing.T) {
	var n atomic.Int32
	task := Every(context.Background(), time.Hour, func(ctx context.Context) {
		n.Add(1)
	})
	defer task.Stop()

	task.Trigger()
	if !waitFor(t, time.Second, func() bool { return n.Load() == 1 }) {
		t.Fatalf("runs = %d, want 1 after Trigger", n.Load())
	}
}

func TestStop_NoTicksAfterReturn(t *testing.T) {
	var n atomic.Int32
	task := Every(context.Background(), time.Millisecond, func(ctx context.Context) {
		n.Add(1)
	})
	waitFor(t, time.Second, func() bool { return n.Load() > 0 })

	task.Stop()
	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	if n.Load() != after {
		t.Errorf("ticks continued after Stop: %d -> %d", after, n.Load())
	}

	select {
	case <-task.Done():
	default:
		t.Error("Done() should be closed after Stop")
	}

	// Second Stop must not block or panic.
	task.Stop()
}

func TestStop_WhenParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := Every(ctx, time.Hour, func(ctx context.Context) {})
	cancel()

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not exit after parent cancel")
	}
}

func TestPause_SuppressesTicks_ResumeTriggers(t *testing.T) {
	var n atomic.Int32
	task := Every(context.Background(), 5*time.Millisecond, func(ctx context.Context) {
		n.Add(1)
	})
	defer task.Stop()

	task.Pause()
	if !task.Paused() {
		t.Fatal("Paused() = false after Pause")
	}
	// Let any in-flight tick settle.
	time.Sleep(15 * time.Millisecond)
	before := n.Load()
	time.Sleep(30 * time.Millisecond)
	if n.Load() != before {
		t.Errorf("ticks while paused: %d -> %d", before, n.Load())
	}

	task.Resume()
	if !waitFor(t, time.Second, func() bool { return n.Load() > before }) {
		t.Error("expected a run after Resume")
	}
}

func TestTrigger_IgnoredWhilePaused(t *testing.T) {
	var n atomic.Int32
	task := Every(context.Background(), time.Hour, func(ctx context.Context) {
		n.Add(1)
	})
	defer task.Stop()

	task.Pause()
	task.Trigger()
	time.Sleep(20 * time.Millisecond)
	if n.Load() != 0 {
		t.Errorf("runs = %d, want 0 while paused", n.Load())
	}
}
