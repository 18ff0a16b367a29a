// Package device implements platform devices and the managers that register them.
//
// A Device is a reference counted handle with a name, an event, and an optional IO service. A
// Manager is a registry of devices that is itself a Device, so managers can be nested.
package device

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/hdf/errno"
	"go.viam.com/hdf/hdf"
	"go.viam.com/hdf/osal"
	"go.viam.com/hdf/platform/event"
)

// A Device is one hardware or logical device instance. Drivers usually embed a Device in their own
// struct and call Init before use. Memory is owned by the caller; the framework only counts
// references and signals Released when the count drops back to zero.
type Device struct {
	// Number identifies the device and must be unique within its manager.
	Number int32

	lock      osal.Spinlock
	name      string
	nameOwned bool
	ref       atomic.Int32
	released  *osal.Sem
	ev        event.Event
	service   *hdf.IoService
	hdfDev    *hdf.DeviceObject
	manager   atomic.Pointer[Manager]
	uninited  bool
}

// New returns an initialized device with the given number.
func New(number int32) *Device {
	d := &Device{Number: number}
	//nolint:errcheck
	d.Init()
	return d
}

// Init resets the reference count and prepares the embedded event and locks.
func (d *Device) Init() error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	if err := d.lock.Init(); err != nil {
		return err
	}
	if err := d.ev.Init(); err != nil {
		return err
	}
	flags := d.lock.LockIrqSave()
	d.ref.Store(0)
	stale := d.released
	d.released = osal.NewSem(0)
	d.uninited = false
	d.lock.UnlockIrqRestore(flags)
	if stale != nil {
		// wakes anyone still waiting on the previous lifetime
		return stale.Destroy()
	}
	return nil
}

// Uninit releases the embedded event, service and semaphore. Callers make sure the device is no
// longer referenced first; Uninit does not wait.
func (d *Device) Uninit() error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	err := d.ev.Uninit()
	flags := d.lock.LockIrqSave()
	d.service = nil
	d.uninited = true
	if d.released != nil {
		err = multierr.Append(err, d.released.Destroy())
	}
	d.lock.UnlockIrqRestore(flags)
	return multierr.Append(err, d.lock.Destroy())
}

// SetName formats and stores a name owned by the device, replacing any previous name.
func (d *Device) SetName(format string, args ...interface{}) error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	name := fmt.Sprintf(format, args...)
	flags := d.lock.LockIrqSave()
	d.name = name
	d.nameOwned = true
	d.lock.UnlockIrqRestore(flags)
	return nil
}

// SetStaticName stores a name provided by the caller without copying it. Managers comparing names
// by identity see two devices sharing this string as duplicates.
func (d *Device) SetStaticName(name string) error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	flags := d.lock.LockIrqSave()
	d.name = name
	d.nameOwned = false
	d.lock.UnlockIrqRestore(flags)
	return nil
}

// ClearName drops a name set by SetName. Static names are left alone.
func (d *Device) ClearName() {
	if d == nil {
		return
	}
	flags := d.lock.LockIrqSave()
	if d.nameOwned {
		d.name = ""
		d.nameOwned = false
	}
	d.lock.UnlockIrqRestore(flags)
}

// Name returns the device name, or "" when none is set.
func (d *Device) Name() string {
	if d == nil {
		return ""
	}
	flags := d.lock.LockIrqSave()
	defer d.lock.UnlockIrqRestore(flags)
	return d.name
}

func (d *Device) String() string {
	if name := d.Name(); name != "" {
		return fmt.Sprintf("%s(%d)", name, d.Number)
	}
	return fmt.Sprintf("device(%d)", d.Number)
}

// Get takes a reference on the device. It fails with errno.ErrDevGet once the device has been
// uninitialized.
func (d *Device) Get() error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	flags := d.lock.LockIrqSave()
	defer d.lock.UnlockIrqRestore(flags)
	if d.uninited {
		return errno.ErrDevGet
	}
	if d.ref.Inc() == 1 && d.released != nil {
		// the device is referenced again; an unclaimed release from before no longer holds
		//nolint:errcheck
		d.released.Wait(context.Background(), 0)
	}
	return nil
}

// Put drops a reference. The Put that brings the count to zero signals Released. A Put with no
// reference held is ignored.
func (d *Device) Put() {
	if d == nil {
		return
	}
	flags := d.lock.LockIrqSave()
	defer d.lock.UnlockIrqRestore(flags)
	if d.ref.Load() <= 0 {
		return
	}
	if d.ref.Dec() == 0 && d.released != nil {
		//nolint:errcheck
		d.released.Post()
	}
}

// RefCount returns the current reference count, or -1 for a nil device.
func (d *Device) RefCount() int32 {
	if d == nil {
		return -1
	}
	return d.ref.Load()
}

// WaitReleased blocks until the last reference is dropped, up to timeout.
func (d *Device) WaitReleased(ctx context.Context, timeout time.Duration) error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	flags := d.lock.LockIrqSave()
	released := d.released
	if released != nil && d.ref.Load() == 0 {
		//nolint:errcheck
		released.Wait(ctx, 0)
		d.lock.UnlockIrqRestore(flags)
		return nil
	}
	d.lock.UnlockIrqRestore(flags)
	if released == nil {
		return errno.ErrInvalidObject
	}
	return released.Wait(ctx, timeout)
}

// Event returns the device's embedded event.
func (d *Device) Event() *event.Event {
	if d == nil {
		return nil
	}
	return &d.ev
}

// WaitEvent waits for any of the masked bits on the device event.
func (d *Device) WaitEvent(ctx context.Context, mask uint32, timeout time.Duration) (uint32, error) {
	if d == nil {
		return 0, errno.ErrInvalidObject
	}
	return d.ev.Wait(ctx, mask, event.ModeOr, timeout)
}

// PostEvent posts bits on the device event.
func (d *Device) PostEvent(events uint32) error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	return d.ev.Post(events)
}

// ListenEvent registers an asynchronous listener on the device event.
func (d *Device) ListenEvent(listener *event.Listener) error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	return d.ev.Listen(listener)
}

// UnListenEvent removes a listener registered with ListenEvent.
func (d *Device) UnListenEvent(listener *event.Listener) error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	return d.ev.Unlisten(listener)
}

// Manager returns the manager the device is registered with, if any.
func (d *Device) Manager() *Manager {
	if d == nil {
		return nil
	}
	return d.manager.Load()
}

// Add registers the device with m.
func (d *Device) Add(m *Manager) error {
	if m == nil {
		return errno.ErrInvalidObject
	}
	return m.AddDevice(d)
}

// Del removes the device from the manager it is registered with.
func (d *Device) Del() error {
	m := d.Manager()
	if m == nil {
		return errno.ErrInvalidObject
	}
	return m.DelDevice(d)
}
