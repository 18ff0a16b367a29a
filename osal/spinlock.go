package osal

import (
	"sync"

	"go.uber.org/atomic"

	"go.viam.com/hdf/errno"
)

// IrqFlags is the interrupt state saved by LockIrqSave. It is always zero on hosted platforms and
// exists so lock sites read the same everywhere.
type IrqFlags uint32

// A Spinlock guards short, non-blocking critical sections. The zero value is ready to use.
type Spinlock struct {
	mu        sync.Mutex
	destroyed atomic.Bool
}

// Init resets a destroyed lock so it can be used again.
func (s *Spinlock) Init() error {
	if s == nil {
		return errno.ErrInvalidObject
	}
	s.destroyed.Store(false)
	return nil
}

// Lock acquires the lock.
func (s *Spinlock) Lock() {
	s.mu.Lock()
}

// Unlock releases the lock.
func (s *Spinlock) Unlock() {
	s.mu.Unlock()
}

// LockIrqSave acquires the lock and returns the saved interrupt state.
func (s *Spinlock) LockIrqSave() IrqFlags {
	s.mu.Lock()
	return 0
}

// UnlockIrqRestore releases the lock and restores the interrupt state saved by LockIrqSave.
func (s *Spinlock) UnlockIrqRestore(IrqFlags) {
	s.mu.Unlock()
}

// Destroy marks the lock as no longer in use.
func (s *Spinlock) Destroy() error {
	if s == nil {
		return errno.ErrInvalidObject
	}
	s.destroyed.Store(true)
	return nil
}

// Destroyed reports whether Destroy has been called since the last Init.
func (s *Spinlock) Destroyed() bool {
	return s.destroyed.Load()
}
