package osal

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"go.viam.com/hdf/errno"
)

// WaitForever makes a Sem wait without a time bound.
const WaitForever time.Duration = -1

// A Sem is a counting semaphore. Waiters are released in the order they started waiting.
type Sem struct {
	mu        sync.Mutex
	clk       clock.Clock
	count     uint32
	waiters   []chan error
	destroyed bool
}

// NewSem returns a semaphore holding initial permits.
func NewSem(initial uint32) *Sem {
	return NewSemWithClock(initial, clock.New())
}

// NewSemWithClock returns a semaphore whose timeouts are measured by clk.
func NewSemWithClock(initial uint32, clk clock.Clock) *Sem {
	return &Sem{clk: clk, count: initial}
}

// Wait takes one permit. A zero timeout polls, WaitForever blocks until a permit is posted or
// ctx is done. It returns errno.ErrTimeout when no permit arrived in time and
// errno.ErrInvalidObject if the semaphore is destroyed while waiting.
func (s *Sem) Wait(ctx context.Context, timeout time.Duration) error {
	if s == nil {
		return errno.ErrInvalidObject
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errno.ErrInvalidObject
	}
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return nil
	}
	if timeout == 0 {
		s.mu.Unlock()
		return errno.ErrTimeout
	}
	wake := make(chan error, 1)
	s.waiters = append(s.waiters, wake)
	var expired <-chan time.Time
	if timeout > 0 {
		timer := s.clk.Timer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	s.mu.Unlock()

	select {
	case err := <-wake:
		return err
	case <-expired:
		return s.abandon(wake, errno.ErrTimeout)
	case <-ctx.Done():
		return s.abandon(wake, ctx.Err())
	}
}

// abandon withdraws a waiter. If a Post already handed it the permit, the permit is kept.
func (s *Sem) abandon(wake chan error, cause error) error {
	s.mu.Lock()
	if idx := lo.IndexOf(s.waiters, wake); idx >= 0 {
		s.waiters = append(s.waiters[:idx], s.waiters[idx+1:]...)
		s.mu.Unlock()
		return cause
	}
	s.mu.Unlock()
	return <-wake
}

// Post releases one permit, waking the longest waiting goroutine if there is one.
func (s *Sem) Post() error {
	if s == nil {
		return errno.ErrInvalidObject
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return errno.ErrInvalidObject
	}
	if len(s.waiters) > 0 {
		wake := s.waiters[0]
		s.waiters = s.waiters[1:]
		wake <- nil
		return nil
	}
	s.count++
	return nil
}

// Count returns the number of available permits.
func (s *Sem) Count() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Waiters returns the number of goroutines blocked in Wait.
func (s *Sem) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Destroy fails every current waiter with errno.ErrInvalidObject and rejects later use.
func (s *Sem) Destroy() error {
	if s == nil {
		return errno.ErrInvalidObject
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wake := range s.waiters {
		wake <- errno.ErrInvalidObject
	}
	s.waiters = nil
	s.destroyed = true
	return nil
}
