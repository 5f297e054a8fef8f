// Package bridge runs blocking browser work on a dedicated OS thread while
// the caller keeps its own scheduler responsive by polling for completion.
//
// Browser automation calls can block for tens of seconds. Running them on a
// locked OS thread isolates that blocking from the goroutines serving HTTP
// traffic and event streams, and gives the driver a stable thread for the
// lifetime of the call.
package bridge

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	progressBuffer      = 64
)

// Report publishes an intermediate progress message from inside a worker
// task. Messages are queued FIFO and delivered to the caller in order.
type Report func(message string)

// Bridge dispatches tasks to worker threads.
type Bridge struct {
	pollInterval time.Duration
	log          *zap.Logger
}

// New creates a bridge. A zero pollInterval uses the default.
func New(pollInterval time.Duration, log *zap.Logger) *Bridge {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Bridge{pollInterval: pollInterval, log: log}
}

// Run executes task on a dedicated OS thread and blocks until it finishes
// or ctx is done. A panic inside the task is recovered and returned as an
// error rather than taking the process down.
//
// When ctx expires the worker thread cannot be interrupted; it is abandoned
// and its eventual result discarded.
func (b *Bridge) Run(ctx context.Context, task func() error) error {
	return b.RunWithProgress(ctx, func(Report) error { return task() }, nil)
}

// RunWithProgress is Run with a progress side-channel: the task may call
// report at any point, and every queued message is delivered to onProgress
// in emission order, always before the final result is returned.
func (b *Bridge) RunWithProgress(ctx context.Context, task func(report Report) error, onProgress func(string)) error {
	progress := make(chan string, progressBuffer)
	done := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(progress)
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("worker panicked: %v", r)
			}
		}()
		// A full queue blocks the worker until the caller's next poll
		// drains it; messages are never dropped while the caller lives.
		done <- task(func(msg string) {
			progress <- msg
		})
	}()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Warn("abandoning worker thread", zap.Error(ctx.Err()))
			// The abandoned worker may still report; keep its queue
			// draining so it can never wedge on a send. The channel
			// closes when the worker finally returns.
			go func() {
				for range progress {
				}
			}()
			return ctx.Err()
		case <-ticker.C:
			drainPending(progress, onProgress)
		case err := <-done:
			// The worker closes the progress channel right after the
			// result is posted; flush whatever is still queued.
			for msg := range progress {
				if onProgress != nil {
					onProgress(msg)
				}
			}
			return err
		}
	}
}

func drainPending(progress <-chan string, onProgress func(string)) {
	for {
		select {
		case msg, ok := <-progress:
			if !ok {
				return
			}
			if onProgress != nil {
				onProgress(msg)
			}
		default:
			return
		}
	}
}
