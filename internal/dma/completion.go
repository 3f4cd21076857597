package dma

import (
	"context"
	"sync"
)

// Completion is a one-shot token fulfilled by a transfer's callback and
// awaited by the submitter. A fresh token per transfer rules out stale wakeups.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewCompletion returns an unfulfilled token.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Complete fulfils the token with err. Only the first call has an effect;
// it reports whether this call was the one.
func (c *Completion) Complete(err error) bool {
	fired := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		fired = true
	})
	return fired
}

// Done is closed once the token is fulfilled.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Err returns the completion error. Only valid after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the token is fulfilled or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Callback adapts the token to a Descriptor callback.
func (c *Completion) Callback() func(Result) {
	return func(r Result) { c.Complete(r.Err) }
}
