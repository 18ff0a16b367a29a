package device

import (
	"go.viam.com/hdf/errno"
	"go.viam.com/hdf/hdf"
)

// CreateService attaches an IO service that dispatches through dispatch.
func (d *Device) CreateService(dispatch hdf.DispatchFunc) error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	if dispatch == nil {
		return errno.ErrInvalidParam
	}
	flags := d.lock.LockIrqSave()
	defer d.lock.UnlockIrqRestore(flags)
	if d.service != nil {
		return errno.Wrapf(errno.Failure, "%s already has a service", d.name)
	}
	d.service = &hdf.IoService{Dispatch: dispatch}
	return nil
}

// DestroyService detaches the IO service. A bound device must be unbound first.
func (d *Device) DestroyService() error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	flags := d.lock.LockIrqSave()
	defer d.lock.UnlockIrqRestore(flags)
	if d.hdfDev != nil {
		return errno.Wrapf(errno.Failure, "%s is still bound to %q", d.name, d.hdfDev.Name)
	}
	d.service = nil
	return nil
}

// Service returns the attached IO service, if any.
func (d *Device) Service() *hdf.IoService {
	if d == nil {
		return nil
	}
	flags := d.lock.LockIrqSave()
	defer d.lock.UnlockIrqRestore(flags)
	return d.service
}

// Bind publishes the device's service on obj and links the two, so FromHdfDev can find the device
// again. The device must have a service and must not already be bound.
func (d *Device) Bind(obj *hdf.DeviceObject) error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	if obj == nil {
		return errno.ErrInvalidParam
	}
	flags := d.lock.LockIrqSave()
	defer d.lock.UnlockIrqRestore(flags)
	if d.hdfDev != nil {
		return errno.Wrapf(errno.Failure, "%s already bound to %q", d.name, d.hdfDev.Name)
	}
	if d.service == nil {
		return errno.Wrapf(errno.Failure, "%s has no service to bind", d.name)
	}
	obj.SetService(d.service)
	obj.SetPriv(d)
	d.hdfDev = obj
	return nil
}

// Unbind clears the link made by Bind on both sides.
func (d *Device) Unbind(obj *hdf.DeviceObject) error {
	if d == nil {
		return errno.ErrInvalidObject
	}
	if obj == nil {
		return errno.ErrInvalidParam
	}
	flags := d.lock.LockIrqSave()
	defer d.lock.UnlockIrqRestore(flags)
	if d.hdfDev != obj {
		return errno.ErrInvalidParam
	}
	obj.SetService(nil)
	obj.SetPriv(nil)
	d.hdfDev = nil
	return nil
}

// HdfDev returns the bound framework object, if any.
func (d *Device) HdfDev() *hdf.DeviceObject {
	if d == nil {
		return nil
	}
	flags := d.lock.LockIrqSave()
	defer d.lock.UnlockIrqRestore(flags)
	return d.hdfDev
}

// FromHdfDev returns the device bound to obj, or nil.
func FromHdfDev(obj *hdf.DeviceObject) *Device {
	if obj == nil {
		return nil
	}
	d, _ := obj.Priv().(*Device)
	return d
}
