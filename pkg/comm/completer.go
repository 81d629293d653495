package comm

import (
	"context"
	"sync/atomic"

	"github.com/gravitational/trace"
)

const (
	completerPending = int32(iota)
	completerResolved
	completerRejected
)

// Completer is a one-shot future. Resolve and Reject may race from any
// goroutine; the first settle wins and the loser becomes a no-op, which is
// what gives promise pairs their "calling one invalidates the other"
// contract.
type Completer struct {
	state atomic.Int32
	val   any
	err   error
	done  chan struct{}
}

func NewCompleter() *Completer {
	return &Completer{done: make(chan struct{})}
}

// Resolve settles the future with v. Returns false when already settled.
func (c *Completer) Resolve(v any) bool {
	if !c.state.CompareAndSwap(completerPending, completerResolved) {
		return false
	}
	c.val = v
	close(c.done)
	return true
}

// Reject settles the future with err. Returns false when already settled.
func (c *Completer) Reject(err error) bool {
	if !c.state.CompareAndSwap(completerPending, completerRejected) {
		return false
	}
	if err == nil {
		err = trace.Errorf("rejected")
	}
	c.err = err
	close(c.done)
	return true
}

// Done is closed once the future settles.
func (c *Completer) Done() <-chan struct{} { return c.done }

// Settled reports whether Resolve or Reject has won.
func (c *Completer) Settled() bool { return c.state.Load() != completerPending }

// Await blocks until the future settles or ctx is done.
func (c *Completer) Await(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	case <-c.done:
	}
	if c.state.Load() == completerResolved {
		return c.val, nil
	}
	return nil, c.err
}
