// Package sched provides a supervised interval task: a named function run
// on a fixed period with logging of failures. One Task drives each periodic
// concern (baseline backfill, DLQ drain, outbox drain, cache cleanup).
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Func is the unit of periodic work. Errors are logged, not fatal; the task
// keeps ticking.
type Func func(ctx context.Context) error

// Task runs fn every interval until Stop is called. The first run fires
// immediately on Start when Immediate is set.
type Task struct {
	Name      string
	Interval  time.Duration
	Immediate bool
	Fn        Func
	Logger    *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start launches the tick loop. Starting an already-running task is an
// error.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("sched: task %q already started", t.Name)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("sched: task %q has no interval", t.Name)
	}
	if t.Logger == nil {
		t.Logger = slog.Default()
	}
	t.started = true

	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.loop(ctx)
	return nil
}

// Stop cancels the loop, lets any in-flight run finish, and blocks until
// the goroutine exits. Stopping a task that never started is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.done)

	if t.Immediate {
		t.run(ctx)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.run(ctx)
		}
	}
}

func (t *Task) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := t.Fn(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		t.Logger.Error("scheduled task failed", "task", t.Name, "err", err,
			"elapsed", time.Since(start))
		return
	}
	t.Logger.Debug("scheduled task finished", "task", t.Name,
		"elapsed", time.Since(start))
}
