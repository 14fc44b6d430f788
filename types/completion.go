package types

import (
	"context"
	"sync"
	"sync/atomic"
)

// Completion is the result of one asynchronous write. It settles exactly
// once; late settles are silently dropped, which is what absorbs a deadline
// firing right after a normal completion.
type Completion struct {
	done    chan struct{}
	err     atomic.Pointer[error]
	settled sync.Once
}

func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Settled returns an already-settled completion, for failures detected
// before anything was written.
func Settled(err error) *Completion {
	c := NewCompletion()
	c.Settle(err)
	return c
}

// Settle records the outcome. Returns false if the completion was already
// settled (the late outcome is discarded).
func (c *Completion) Settle(err error) bool {
	won := false
	c.settled.Do(func() {
		if err != nil {
			c.err.Store(&err)
		}
		close(c.done)
		won = true
	})
	return won
}

func (c *Completion) Done() <-chan struct{} { return c.done }

// Err returns the outcome. Only valid once Done is closed.
func (c *Completion) Err() error {
	if e := c.err.Load(); e != nil {
		return *e
	}
	return nil
}

// TryErr reports the outcome without blocking.
func (c *Completion) TryErr() (error, bool) {
	select {
	case <-c.done:
		return c.Err(), true
	default:
		return nil, false
	}
}

func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
