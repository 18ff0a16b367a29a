package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/hdf/config"
	"go.viam.com/hdf/errno"
	"go.viam.com/hdf/logging"
	"go.viam.com/hdf/osal"
	"go.viam.com/hdf/platform/device"
	"go.viam.com/hdf/platform/event"
	"go.viam.com/hdf/platform/queue"
	"go.viam.com/hdf/utils"
)

const (
	// eventReset is serviced by each device's listener. Every other bit goes to the device's
	// watcher.
	eventReset  uint32 = 1 << 31
	watchEvents        = ^eventReset

	msgPostEvent int32 = 1
)

// An eventRequest asks a queue to post events on one device.
type eventRequest struct {
	ID     uuid.UUID
	Module device.ModuleType
	Number int32
	Events uint32
}

type platformDevice struct {
	*device.Device
	module   device.ModuleType
	conf     config.DeviceConfig
	listener *event.Listener

	received atomic.Uint32
	resets   atomic.Int32
}

func (pd *platformDevice) record(events uint32) {
	for {
		old := pd.received.Load()
		if pd.received.CompareAndSwap(old, old|events) {
			return
		}
	}
}

// A platform is every manager, device and queue described by one config.
type platform struct {
	logger   logging.Logger
	registry *logging.Registry

	managers map[device.ModuleType]*device.Manager
	devices  []*platformDevice
	queues   []*queue.Queue
	routes   map[device.ModuleType]*queue.Queue
	workers  *utils.StoppableWorkers
}

// newPlatform builds the platform. On error the partially built platform is returned so the
// caller can close it.
func newPlatform(cfg *config.Config, logger logging.Logger, registry *logging.Registry) (*platform, error) {
	p := &platform{
		logger:   logger,
		registry: registry,
		managers: map[device.ModuleType]*device.Manager{},
		routes:   map[device.ModuleType]*queue.Queue{},
	}
	for _, conf := range cfg.Managers {
		moduleType, err := conf.ModuleType()
		if err != nil {
			return p, err
		}
		opts := append(conf.Options(), device.WithLogger(p.sublogger("manager."+moduleType.String())))
		m, err := device.GetManager(moduleType, opts...)
		if err != nil {
			return p, err
		}
		p.managers[moduleType] = m
		for _, devConf := range conf.Devices {
			if err := p.addDevice(m, moduleType, devConf); err != nil {
				return p, err
			}
		}
	}
	for _, conf := range cfg.Queues {
		moduleType, err := device.ParseModuleType(conf.Module)
		if err != nil {
			return p, err
		}
		q, err := queue.New(p.handleMsg, conf.Name, moduleType, p.sublogger("queue."+conf.Name))
		if err != nil {
			return p, err
		}
		p.queues = append(p.queues, q)
		if _, ok := p.routes[moduleType]; !ok {
			p.routes[moduleType] = q
		}
		if err := q.Start(); err != nil {
			return p, errors.Wrapf(err, "starting queue %q", conf.Name)
		}
	}
	return p, nil
}

func (p *platform) sublogger(name string) logging.Logger {
	return p.registry.Register(p.logger.Sublogger(name))
}

func (p *platform) addDevice(m *device.Manager, moduleType device.ModuleType, conf config.DeviceConfig) error {
	dev := device.New(conf.Number)
	var err error
	if conf.Name != "" {
		err = dev.SetName("%s", conf.Name)
	} else {
		err = dev.SetName("%s%d", moduleType, conf.Number)
	}
	if err != nil {
		return err
	}
	pd := &platformDevice{Device: dev, module: moduleType, conf: conf}
	pd.listener = &event.Listener{
		Mask:     eventReset,
		Mode:     event.ModeOr,
		Callback: p.onReset,
		Data:     pd,
	}
	if err := dev.ListenEvent(pd.listener); err != nil {
		return multierr.Combine(err, dev.Uninit())
	}
	if err := m.AddDevice(dev); err != nil {
		return multierr.Combine(errors.Wrapf(err, "adding %s to %s", dev, m.Name()), dev.Uninit())
	}
	p.devices = append(p.devices, pd)
	return nil
}

func (p *platform) onReset(listener *event.Listener, events uint32) error {
	pd, ok := listener.Data.(*platformDevice)
	if !ok {
		return errno.ErrInvalidParam
	}
	pd.resets.Inc()
	pd.received.Store(0)
	p.logger.Infow("device reset", "device", pd.String())
	return nil
}

func (p *platform) handleMsg(q *queue.Queue, msg *queue.Msg) error {
	req, ok := msg.Data.(*eventRequest)
	if msg.Code != msgPostEvent || !ok {
		return errno.Wrapf(errno.ErrNotSupport, "message code %d on queue %q", msg.Code, q.Name())
	}
	if served, ok := q.Data().(device.ModuleType); ok && served != req.Module {
		return errno.Wrapf(errno.ErrInvalidParam, "queue %q serves %s, not %s", q.Name(), served, req.Module)
	}
	m, ok := p.managers[req.Module]
	if !ok {
		return errno.Wrapf(errno.ErrDevType, "no manager for %s", req.Module)
	}
	dev := m.GetDeviceByNumber(req.Number)
	if dev == nil {
		return errno.Wrapf(errno.ErrNoDev, "%s device %d", req.Module, req.Number)
	}
	defer dev.Put()
	p.logger.Debugw("delivering events", "id", req.ID.String(), "device", dev.String(), "events", fmt.Sprintf("%#x", req.Events))
	return dev.PostEvent(req.Events)
}

// postEvent posts events on a device, through the module's queue when one is configured. It
// returns once the events have been posted.
func (p *platform) postEvent(ctx context.Context, moduleType device.ModuleType, number int32, events uint32) error {
	if q, ok := p.routes[moduleType]; ok {
		return q.SendMsg(ctx, &queue.Msg{
			Code: msgPostEvent,
			Data: &eventRequest{ID: uuid.New(), Module: moduleType, Number: number, Events: events},
		})
	}
	m, ok := p.managers[moduleType]
	if !ok {
		return errno.Wrapf(errno.ErrDevType, "no manager for %s", moduleType)
	}
	dev := m.GetDeviceByNumber(number)
	if dev == nil {
		return errno.Wrapf(errno.ErrNoDev, "%s device %d", moduleType, number)
	}
	defer dev.Put()
	return dev.PostEvent(events)
}

func (p *platform) watch(ctx context.Context, pd *platformDevice) {
	for {
		got, err := pd.WaitEvent(ctx, watchEvents, osal.WaitForever)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warnw("device watch stopped", "device", pd.String(), "error", err)
			}
			return
		}
		pd.record(got)
		p.logger.Infow("device event", "device", pd.String(), "events", fmt.Sprintf("%#x", got))
	}
}

// start launches one watcher per device and posts the configured initial events.
func (p *platform) start(ctx context.Context) error {
	p.workers = utils.NewStoppableWorkersWithContext(ctx)
	for _, pd := range p.devices {
		p.workers.Add(func(ctx context.Context) {
			p.watch(ctx, pd)
		})
	}
	for _, pd := range p.devices {
		if pd.conf.InitialEvents == 0 {
			continue
		}
		if err := p.postEvent(ctx, pd.module, pd.Number, pd.conf.InitialEvents); err != nil {
			return errors.Wrapf(err, "posting initial events to %s", pd)
		}
	}
	p.logger.Infow("platform running",
		"managers", len(p.managers), "devices", len(p.devices), "queues", len(p.queues))
	return nil
}

// run blocks until ctx is done or a queue stops on its own.
func (p *platform) run(ctx context.Context) error {
	if err := p.start(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range p.queues {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-q.Done():
				return errors.Errorf("queue %q stopped", q.Name())
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// close tears the platform down in reverse order of construction.
func (p *platform) close() error {
	for _, q := range p.queues {
		q.Destroy()
		<-q.Done()
	}
	if p.workers != nil {
		p.workers.Stop()
	}
	var err error
	for _, pd := range p.devices {
		err = multierr.Append(err, pd.UnListenEvent(pd.listener))
		err = multierr.Append(err, pd.Del())
		err = multierr.Append(err, pd.Uninit())
	}
	err = multierr.Append(err, device.ResetManagers())
	p.logger.Infow("platform stopped", "devices", len(p.devices))
	return err
}
