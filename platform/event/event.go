// Package event implements the platform event: a 32-bit mask that posters set bits in and waiters
// consume, either by blocking (synchronous waiters) or through callbacks run by the poster
// (asynchronous listeners).
//
// Each Post services at most one waiter, the first registered one whose mask matches. Bits that
// no waiter matches stay pending for a later Post or Wait.
package event

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/hdf/errno"
	"go.viam.com/hdf/osal"
)

// Mode selects how a waiter's mask is matched against the pending bits.
type Mode uint32

const (
	// ModeOr is satisfied when any masked bit is pending.
	ModeOr Mode = 0
	// ModeAnd is satisfied only when every masked bit is pending.
	ModeAnd Mode = 1 << 0
	// ModeAsync marks a listener serviced by callback instead of a blocked goroutine.
	ModeAsync Mode = 1 << 1
)

// A Callback is run by Post, on the posting goroutine, when a listener's mask matches. events are
// the bits consumed for the listener.
type Callback func(listener *Listener, events uint32) error

// A Listener is a persistent asynchronous interest in an Event. It stays registered after firing
// until it is passed to Unlisten.
type Listener struct {
	Mask     uint32
	Mode     Mode
	Callback Callback
	Data     interface{}
}

type waiter struct {
	mask   uint32
	mode   Mode
	linked bool

	// set for synchronous waiters
	sem *osal.Sem
	// set for asynchronous waiters
	listener *Listener
}

func (w *waiter) async() bool {
	return w.mode&ModeAsync != 0
}

func matches(events, mask uint32, mode Mode) bool {
	if mode&ModeAnd != 0 {
		return events&mask == mask
	}
	return events&mask != 0
}

// An Event is a bitmask wait/notify primitive. The zero value is ready to use.
type Event struct {
	lock    osal.Spinlock
	clk     clock.Clock
	events  uint32
	waiters []*waiter
	closed  bool
}

// Init clears any pending bits and makes an uninitialized event usable again. Goroutines still
// blocked in Wait fail with errno.ErrInvalidObject and listeners are dropped.
func (e *Event) Init() error {
	return e.InitWithClock(nil)
}

// InitWithClock is like Init but measures wait timeouts with clk.
func (e *Event) InitWithClock(clk clock.Clock) error {
	if e == nil {
		return errno.ErrInvalidObject
	}
	flags := e.lock.LockIrqSave()
	defer e.lock.UnlockIrqRestore(flags)
	err := e.dropWaitersLocked()
	e.clk = clk
	e.events = 0
	e.closed = false
	return err
}

// dropWaitersLocked unlinks every waiter and listener, failing blocked waiters with
// errno.ErrInvalidObject.
func (e *Event) dropWaitersLocked() error {
	var err error
	for _, w := range e.waiters {
		w.linked = false
		if w.sem != nil {
			err = multierr.Append(err, w.sem.Destroy())
		}
	}
	e.waiters = nil
	return err
}

func (e *Event) clock() clock.Clock {
	if e.clk == nil {
		return clock.New()
	}
	return e.clk
}

// unlinkAt removes the waiter at idx. Callers hold the lock.
func (e *Event) unlinkAt(idx int) {
	e.waiters[idx].linked = false
	e.waiters = append(e.waiters[:idx], e.waiters[idx+1:]...)
}

func (e *Event) unlink(w *waiter) bool {
	for idx, candidate := range e.waiters {
		if candidate == w {
			e.unlinkAt(idx)
			return true
		}
	}
	return false
}

// Post sets events and services the first matching waiter, if any. A synchronous waiter is woken
// and left to consume its bits itself. An asynchronous listener has its matched bits cleared and
// its callback run before Post returns; the callback's error is returned.
func (e *Event) Post(events uint32) error {
	if e == nil {
		return errno.ErrInvalidObject
	}
	if events == 0 {
		return errno.ErrInvalidParam
	}

	var listener *Listener
	var fired uint32
	flags := e.lock.LockIrqSave()
	if e.closed {
		e.lock.UnlockIrqRestore(flags)
		return errno.ErrInvalidObject
	}
	e.events |= events
	for idx, w := range e.waiters {
		if !matches(e.events, w.mask, w.mode) {
			continue
		}
		if w.async() {
			fired = e.events & w.mask
			e.events &^= fired
			listener = w.listener
		} else {
			e.unlinkAt(idx)
			// never blocks; the semaphore is private to the waiter
			_ = w.sem.Post()
		}
		break
	}
	e.lock.UnlockIrqRestore(flags)

	if listener != nil && listener.Callback != nil {
		return listener.Callback(listener, fired)
	}
	return nil
}

// Read consumes the masked bits without blocking. It returns errno.ErrNoData when the bits do not
// satisfy mode.
func (e *Event) Read(mask uint32, mode Mode) (uint32, error) {
	if e == nil {
		return 0, errno.ErrInvalidObject
	}
	if mask == 0 {
		return 0, errno.ErrInvalidParam
	}
	flags := e.lock.LockIrqSave()
	defer e.lock.UnlockIrqRestore(flags)
	if e.closed {
		return 0, errno.ErrInvalidObject
	}
	return e.readLocked(mask, mode)
}

func (e *Event) readLocked(mask uint32, mode Mode) (uint32, error) {
	if !matches(e.events, mask, mode) {
		return 0, errno.ErrNoData
	}
	got := e.events & mask
	e.events &^= got
	return got, nil
}

// Wait consumes the masked bits, blocking up to timeout for them to be posted. A zero timeout
// polls and returns errno.ErrNoData if nothing matches; osal.WaitForever waits without bound.
// A bounded wait that sees no match returns errno.ErrTimeout; a cancelled ctx returns its error.
func (e *Event) Wait(ctx context.Context, mask uint32, mode Mode, timeout time.Duration) (uint32, error) {
	if e == nil {
		return 0, errno.ErrInvalidObject
	}
	if mask == 0 {
		return 0, errno.ErrInvalidParam
	}
	mode &^= ModeAsync

	got, err := e.Read(mask, mode)
	if err == nil || !errors.Is(err, errno.ErrNoData) {
		return got, err
	}
	if timeout == 0 {
		return 0, errno.ErrNoData
	}

	clk := e.clock()
	var deadline time.Time
	if timeout > 0 {
		deadline = clk.Now().Add(timeout)
	}
	w := &waiter{mask: mask, mode: mode, sem: osal.NewSemWithClock(0, clk)}
	remaining := timeout
	for {
		flags := e.lock.LockIrqSave()
		if e.closed {
			e.lock.UnlockIrqRestore(flags)
			return 0, errno.ErrInvalidObject
		}
		// a Post may have landed between the fast path and here
		if got, err := e.readLocked(mask, mode); err == nil {
			e.lock.UnlockIrqRestore(flags)
			return got, nil
		}
		w.linked = true
		e.waiters = append(e.waiters, w)
		e.lock.UnlockIrqRestore(flags)

		waitErr := w.sem.Wait(ctx, remaining)
		if waitErr != nil {
			flags = e.lock.LockIrqSave()
			if w.linked {
				e.unlink(w)
				e.lock.UnlockIrqRestore(flags)
				return 0, waitErr
			}
			// a Post unlinked us after the wait expired; its bits are ours to take
			e.lock.UnlockIrqRestore(flags)
		}

		got, err := e.Read(mask, mode)
		switch {
		case err == nil:
			return got, nil
		case !errors.Is(err, errno.ErrNoData):
			return 0, err
		case waitErr != nil:
			return 0, waitErr
		}

		// another reader consumed the bits first; keep waiting for what is left of the timeout
		if timeout > 0 {
			remaining = deadline.Sub(clk.Now())
			if remaining <= 0 {
				return 0, errno.ErrTimeout
			}
		}
	}
}

// Listen registers a persistent asynchronous listener.
func (e *Event) Listen(listener *Listener) error {
	if e == nil {
		return errno.ErrInvalidObject
	}
	if listener == nil || listener.Callback == nil || listener.Mask == 0 {
		return errno.ErrInvalidParam
	}
	flags := e.lock.LockIrqSave()
	defer e.lock.UnlockIrqRestore(flags)
	if e.closed {
		return errno.ErrInvalidObject
	}
	for _, w := range e.waiters {
		if w.listener == listener {
			return errno.ErrObjRepeat
		}
	}
	e.waiters = append(e.waiters, &waiter{
		mask:     listener.Mask,
		mode:     listener.Mode | ModeAsync,
		linked:   true,
		listener: listener,
	})
	return nil
}

// Unlisten removes a listener previously passed to Listen.
func (e *Event) Unlisten(listener *Listener) error {
	if e == nil {
		return errno.ErrInvalidObject
	}
	if listener == nil {
		return errno.ErrInvalidParam
	}
	flags := e.lock.LockIrqSave()
	defer e.lock.UnlockIrqRestore(flags)
	for idx, w := range e.waiters {
		if w.async() && w.listener == listener {
			e.unlinkAt(idx)
			return nil
		}
	}
	return errno.ErrInvalidParam
}

// Pending returns the bits posted but not yet consumed.
func (e *Event) Pending() uint32 {
	if e == nil {
		return 0
	}
	flags := e.lock.LockIrqSave()
	defer e.lock.UnlockIrqRestore(flags)
	return e.events
}

// Waiters returns the number of registered waiters and listeners.
func (e *Event) Waiters() int {
	if e == nil {
		return 0
	}
	flags := e.lock.LockIrqSave()
	defer e.lock.UnlockIrqRestore(flags)
	return len(e.waiters)
}

// Uninit drops every listener and fails any blocked waiter with errno.ErrInvalidObject. The event
// rejects further use until Init is called again.
func (e *Event) Uninit() error {
	if e == nil {
		return errno.ErrInvalidObject
	}
	flags := e.lock.LockIrqSave()
	err := e.dropWaitersLocked()
	e.events = 0
	e.closed = true
	e.lock.UnlockIrqRestore(flags)
	return err
}
