package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Continuation drives a Walker in a background goroutine and hands batches to
// a single consumer in page order.
type Continuation struct {
	batches chan *Batch
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// StartContinuation runs w until it ends, fails, or ctx is cancelled.
// buffer bounds how many pages may be fetched ahead of the consumer.
func StartContinuation(ctx context.Context, w *Walker, buffer int) *Continuation {
	if buffer < 0 {
		buffer = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Continuation{
		batches: make(chan *Batch, buffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run(ctx, w)
	return c
}

// Batches is closed when the walk ends for any reason.
func (c *Continuation) Batches() <-chan *Batch {
	return c.batches
}

// Done is closed once the background goroutine has returned.
func (c *Continuation) Done() <-chan struct{} {
	return c.done
}

// Err returns the walk failure, if any. Cancellation is not a failure.
func (c *Continuation) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop cancels the walk and waits up to timeout for the goroutine to exit.
// It returns false when the goroutine was detached still running.
func (c *Continuation) Stop(timeout time.Duration) bool {
	c.cancel()
	if timeout <= 0 {
		select {
		case <-c.done:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return true
	case <-timer.C:
		slog.Warn("continuation did not stop in time, detaching",
			slog.Duration("timeout", timeout),
		)
		return false
	}
}

func (c *Continuation) run(ctx context.Context, w *Walker) {
	defer close(c.done)
	defer close(c.batches)
	defer c.cancel()

	for {
		batch, err := w.Next(ctx)
		if err != nil {
			if !errors.Is(err, ErrWalkDone) && !errors.Is(err, context.Canceled) {
				c.setErr(err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case c.batches <- batch:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Continuation) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}
