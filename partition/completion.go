package partition

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrCancelled is returned by Completion.Wait when the completion is
// cancelled (e.g. by Conductor.disconnect) before it is ever fulfilled.
var ErrCancelled = errors.New("operation cancelled")

// ErrTimeout is returned by Completion.Wait when ctx is done before the
// completion is fulfilled or cancelled.
var ErrTimeout = errors.New("operation timed out")

// Completion is a one-shot signal that a blocking Conductor operation
// (wait_for_failover_log, wait_for_stop_stream, ...) waits on. It replaces
// the condition-variable-keyed-on-a-scalar-state pattern the teacher uses
// (dcp_connection/client.go's GetFailoverLog blocks on a raw channel per
// call) with an explicit, cancellable primitive that carries its own
// result and can be driven by a timeout-bearing context.
type Completion[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	value    T
	err      error
	fulfilled bool
}

// NewCompletion returns a fresh, unfulfilled completion.
func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Fulfill resolves the completion with value. Only the first call among
// Fulfill/Fail/Cancel has any effect.
func (c *Completion[T]) Fulfill(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fulfilled {
		return
	}
	c.fulfilled = true
	c.value = value
	close(c.done)
}

// Fail resolves the completion with an error.
func (c *Completion[T]) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fulfilled {
		return
	}
	c.fulfilled = true
	c.err = err
	close(c.done)
}

// Cancel resolves the completion with ErrCancelled, used when the owning
// Conductor is disconnecting and in-flight waits must wake up.
func (c *Completion[T]) Cancel() {
	c.Fail(ErrCancelled)
}

// Wait blocks until the completion is fulfilled, failed/cancelled, or ctx
// is done, whichever happens first.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, ErrTimeout
	}
}
