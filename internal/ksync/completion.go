package ksync

import "context"

// Completion is an edge-triggered latch. Complete banks one wakeup,
// WaitForCompletion consumes one, and CompleteAll latches the
// completion open permanently.
type Completion struct {
	lock    SpinLock
	count   int
	latched bool
	waiters WaitQueue
}

// NewCompletion returns an unsignalled completion.
func NewCompletion() *Completion {
	return &Completion{}
}

// Complete banks one completion and wakes one waiter.
func (c *Completion) Complete() {
	c.lock.Lock()
	c.count++
	c.waiters.WakeOne()
	c.lock.Unlock()
}

// CompleteAll latches the completion: every current and future wait
// returns immediately.
func (c *Completion) CompleteAll() {
	c.lock.Lock()
	c.latched = true
	c.waiters.WakeAll()
	c.lock.Unlock()
}

// Done reports whether a wait would return without sleeping.
func (c *Completion) Done() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.latched || c.count > 0
}

// WaitForCompletion consumes one banked completion, sleeping until
// one is available or the latch is open.
func (c *Completion) WaitForCompletion() {
	for {
		c.lock.Lock()
		if c.latched {
			c.lock.Unlock()
			return
		}
		if c.count > 0 {
			c.count--
			c.lock.Unlock()
			return
		}
		c.waiters.Wait(&c.lock)
	}
}

// WaitForCompletionInterruptible is WaitForCompletion with
// cancellation; it returns ErrIntr if ctx is done first.
func (c *Completion) WaitForCompletionInterruptible(ctx context.Context) error {
	for {
		c.lock.Lock()
		if c.latched {
			c.lock.Unlock()
			return nil
		}
		if c.count > 0 {
			c.count--
			c.lock.Unlock()
			return nil
		}
		if err := c.waiters.WaitInterruptible(ctx, &c.lock); err != nil {
			return err
		}
	}
}
