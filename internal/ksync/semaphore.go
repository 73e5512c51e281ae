package ksync

import "context"

// SemValueMax bounds a semaphore's value to [-SemValueMax, SemValueMax].
const SemValueMax = 1<<31 - 1

// Semaphore is a counting semaphore. A negative value encodes the
// number of sleeping waiters. Post wakes at most one waiter.
type Semaphore struct {
	lock    SpinLock
	value   int64
	waiters WaitQueue
}

// NewSemaphore returns a semaphore with the given initial value.
func NewSemaphore(value int) *Semaphore {
	if value < 0 || value > SemValueMax {
		panic("ksync: semaphore initial value out of range")
	}
	return &Semaphore{value: int64(value)}
}

// Wait decrements the semaphore, sleeping while the result would
// leave no resource available.
func (s *Semaphore) Wait() {
	s.lock.Lock()
	s.value--
	if s.value < 0 {
		s.waiters.Wait(&s.lock)
		return
	}
	s.lock.Unlock()
}

// WaitInterruptible is Wait with cancellation. A cancelled wait
// restores the value it consumed and returns ErrIntr.
func (s *Semaphore) WaitInterruptible(ctx context.Context) error {
	s.lock.Lock()
	s.value--
	if s.value >= 0 {
		s.lock.Unlock()
		return nil
	}
	err := s.waiters.WaitInterruptible(ctx, &s.lock)
	if err != nil {
		s.lock.Lock()
		s.value++
		s.lock.Unlock()
	}
	return err
}

// TryWait decrements the semaphore without sleeping. It returns
// ErrAgain when no resource is available.
func (s *Semaphore) TryWait() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.value <= 0 {
		return ErrAgain
	}
	s.value--
	return nil
}

// Post increments the semaphore and wakes one waiter if any task was
// sleeping. It returns ErrOverflow, without mutating the value, when
// the increment would exceed SemValueMax.
func (s *Semaphore) Post() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.value >= SemValueMax {
		return ErrOverflow
	}
	wasBlocked := s.value < 0
	s.value++
	if wasBlocked {
		s.waiters.WakeOne()
	}
	return nil
}

// Value returns the current semaphore value. Negative values report
// the number of sleeping waiters.
func (s *Semaphore) Value() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return int(s.value)
}
