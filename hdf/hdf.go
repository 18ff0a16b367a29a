// Package hdf holds the driver framework objects a platform device binds to. They are owned by the
// host framework; the platform device layer only stores and cross-links them.
package hdf

import (
	"context"
	"io"
	"sync"

	"go.viam.com/hdf/errno"
)

// A Client is the caller side of an IO service session.
type Client struct {
	Device *DeviceObject
	Priv   interface{}
}

// A DispatchFunc handles one IO service command. in carries the request payload and out receives
// the reply.
type DispatchFunc func(ctx context.Context, client *Client, cmd int, in io.Reader, out io.Writer) error

// An IoService is the dispatch table a device exposes for IPC command handling.
type IoService struct {
	Dispatch DispatchFunc
}

// A DeviceObject is a framework device node. Service and Priv are set when a platform device binds
// to it and cleared on unbind.
type DeviceObject struct {
	Name string

	mu      sync.Mutex
	service *IoService
	priv    interface{}
}

// NewDeviceObject returns an unbound device object.
func NewDeviceObject(name string) *DeviceObject {
	return &DeviceObject{Name: name}
}

// Service returns the bound IO service, if any.
func (obj *DeviceObject) Service() *IoService {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.service
}

// SetService publishes svc on the object.
func (obj *DeviceObject) SetService(svc *IoService) {
	obj.mu.Lock()
	obj.service = svc
	obj.mu.Unlock()
}

// Priv returns the private pointer stored by the bound owner.
func (obj *DeviceObject) Priv() interface{} {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.priv
}

// SetPriv stores the owner's private pointer.
func (obj *DeviceObject) SetPriv(priv interface{}) {
	obj.mu.Lock()
	obj.priv = priv
	obj.mu.Unlock()
}

// Dispatch forwards a command to the bound service.
func (obj *DeviceObject) Dispatch(ctx context.Context, client *Client, cmd int, in io.Reader, out io.Writer) error {
	svc := obj.Service()
	if svc == nil || svc.Dispatch == nil {
		return errno.ErrNotSupport
	}
	return svc.Dispatch(ctx, client, cmd, in, out)
}
