package device

import (
	"sync"
	"unsafe"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/hdf/errno"
	"go.viam.com/hdf/logging"
)

type (
	// A NameComparison decides whether two non-empty device names collide.
	NameComparison func(a, b string) bool

	// An AddPolicy vets a device about to join members. It runs under the registry lock, so it
	// must not block or call back into the manager. A nil error accepts the device.
	AddPolicy func(members []*Device, device *Device) error

	// A DelPolicy vets a member about to be removed, under the registry lock.
	DelPolicy func(members []*Device, device *Device) error

	// A MatchFunc reports whether device is the one FindDevice is looking for.
	MatchFunc func(device *Device, data interface{}) bool
)

// NameByIdentity treats names as equal only when they share the same backing storage, as when two
// devices were given the same static name.
func NameByIdentity(a, b string) bool {
	return len(a) == len(b) && unsafe.StringData(a) == unsafe.StringData(b)
}

// NameByValue treats names with the same text as equal.
func NameByValue(a, b string) bool {
	return a == b
}

// DefaultAddPolicy rejects a device whose number, or non-empty name under sameName, is already
// used by a member.
func DefaultAddPolicy(sameName NameComparison) AddPolicy {
	return func(members []*Device, device *Device) error {
		name := device.Name()
		for _, member := range members {
			if member.Number == device.Number {
				return errno.Wrapf(errno.ErrIDRepeat, "number %d already registered", device.Number)
			}
			if name != "" && sameName(member.Name(), name) {
				return errno.Wrapf(errno.ErrNameRepeat, "name %q already registered", name)
			}
		}
		return nil
	}
}

// An Option configures a Manager.
type Option func(*Manager)

// WithAddPolicy replaces the default uniqueness checks.
func WithAddPolicy(policy AddPolicy) Option {
	return func(m *Manager) {
		m.add = policy
	}
}

// WithDelPolicy installs a check run before a member is removed.
func WithDelPolicy(policy DelPolicy) Option {
	return func(m *Manager) {
		m.del = policy
	}
}

// WithNameComparison selects how the default add policy compares names.
func WithNameComparison(cmp NameComparison) Option {
	return func(m *Manager) {
		m.add = DefaultAddPolicy(cmp)
	}
}

// WithMaxDevices caps the number of members; 0 means unlimited.
func WithMaxDevices(n int) Option {
	return func(m *Manager) {
		m.maxDevices = n
	}
}

// WithLogger replaces the logger given to NewManager. It lets managers created by GetManager log
// somewhere other than the global logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// A Manager is a named registry of devices. Its registry lock is the lock of its own embedded
// device, and it holds one reference on every member. Managers may be nested, but the nesting
// must not form a cycle.
type Manager struct {
	device     Device
	devices    []*Device
	add        AddPolicy
	del        DelPolicy
	maxDevices int
	logger     logging.Logger
	closed     bool
}

// NewManager returns an empty manager named name. A nil logger logs through the global logger.
func NewManager(name string, logger logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Global().Sublogger("platform.manager." + name)
	}
	m := &Manager{
		add:    DefaultAddPolicy(NameByIdentity),
		logger: logger,
	}
	//nolint:errcheck
	m.device.Init()
	//nolint:errcheck
	m.device.SetName("%s", name)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Device returns the manager's own device, which lets the manager be registered with another
// manager and carries its name, event and reference count.
func (m *Manager) Device() *Device {
	if m == nil {
		return nil
	}
	return &m.device
}

// Name returns the manager's name.
func (m *Manager) Name() string {
	return m.Device().Name()
}

// Destroy removes every member, dropping the reference held on each, and uninitializes the
// manager's own device. Member memory stays with its owners.
func (m *Manager) Destroy() error {
	if m == nil {
		return errno.ErrInvalidObject
	}
	forgetManager(m)

	flags := m.device.lock.LockIrqSave()
	m.closed = true
	members := m.devices
	m.devices = nil
	for _, member := range members {
		member.manager.Store(nil)
	}
	m.device.lock.UnlockIrqRestore(flags)

	for _, member := range members {
		member.Put()
	}
	m.logger.Debugw("manager destroyed", "name", m.Name(), "released", len(members))
	return m.device.Uninit()
}

// AddDevice registers device, taking one reference on it for as long as it is a member.
func (m *Manager) AddDevice(device *Device) error {
	if m == nil || device == nil {
		return errno.ErrInvalidObject
	}
	if device == &m.device {
		return errno.Wrapf(errno.ErrInvalidParam, "manager %q cannot contain itself", m.Name())
	}
	// referenced before locking so a concurrent Destroy cannot race the device away
	if err := device.Get(); err != nil {
		return errno.Wrapf(errno.ErrDevGet, "%s: %v", device, err)
	}

	err := m.addLocked(device)
	if err != nil {
		device.Put()
		m.logger.Debugw("add device rejected", "manager", m.Name(), "device", device.String(), "error", err)
		return err
	}
	m.logger.Debugw("device added", "manager", m.Name(), "device", device.String())
	return nil
}

func (m *Manager) addLocked(device *Device) error {
	flags := m.device.lock.LockIrqSave()
	defer m.device.lock.UnlockIrqRestore(flags)

	if m.closed || m.device.uninited {
		return errno.ErrInvalidObject
	}
	if lo.Contains(m.devices, device) {
		return errno.Wrapf(errno.ErrObjRepeat, "%s already registered", device)
	}
	if other := device.manager.Load(); other != nil {
		return errno.Wrapf(errno.ErrDevAdd, "%s belongs to manager %q", device, other.Name())
	}
	if m.maxDevices > 0 && len(m.devices) >= m.maxDevices {
		return errno.Wrapf(errno.ErrDevFull, "manager %q holds %d devices", m.device.name, len(m.devices))
	}
	if m.add != nil {
		if err := m.add(m.devices, device); err != nil {
			return err
		}
	}
	m.devices = append(m.devices, device)
	device.manager.Store(m)
	return nil
}

// DelDevice unregisters device and drops the manager's reference on it.
func (m *Manager) DelDevice(device *Device) error {
	if m == nil || device == nil {
		return errno.ErrInvalidObject
	}
	flags := m.device.lock.LockIrqSave()
	idx := lo.IndexOf(m.devices, device)
	if idx < 0 {
		m.device.lock.UnlockIrqRestore(flags)
		return errno.Wrapf(errno.ErrNoDev, "%s not registered", device)
	}
	if m.del != nil {
		if err := m.del(m.devices, device); err != nil {
			m.device.lock.UnlockIrqRestore(flags)
			return err
		}
	}
	m.devices = append(m.devices[:idx], m.devices[idx+1:]...)
	device.manager.Store(nil)
	m.device.lock.UnlockIrqRestore(flags)

	device.Put()
	m.logger.Debugw("device removed", "manager", m.Name(), "device", device.String())
	return nil
}

// FindDevice returns the first member for which match reports true, with a reference taken on
// it. The caller must Put the device when done. It returns nil when nothing matches.
func (m *Manager) FindDevice(data interface{}, match MatchFunc) *Device {
	if m == nil || match == nil {
		return nil
	}
	flags := m.device.lock.LockIrqSave()
	defer m.device.lock.UnlockIrqRestore(flags)
	for _, member := range m.devices {
		if !match(member, data) {
			continue
		}
		if member.Get() != nil {
			return nil
		}
		return member
	}
	return nil
}

func matchNumber(device *Device, data interface{}) bool {
	number, ok := data.(int32)
	return ok && device.Number == number
}

func matchName(device *Device, data interface{}) bool {
	name, ok := data.(string)
	return ok && name != "" && device.Name() == name
}

// GetDeviceByNumber finds a member by number. See FindDevice.
func (m *Manager) GetDeviceByNumber(number int32) *Device {
	return m.FindDevice(number, matchNumber)
}

// GetDeviceByName finds a member by name text. See FindDevice.
func (m *Manager) GetDeviceByName(name string) *Device {
	return m.FindDevice(name, matchName)
}

// Count returns the number of members.
func (m *Manager) Count() int {
	if m == nil {
		return 0
	}
	flags := m.device.lock.LockIrqSave()
	defer m.device.lock.UnlockIrqRestore(flags)
	return len(m.devices)
}

// Range calls fn for each member in registration order until fn returns false. fn runs outside
// the registry lock with a reference held on the device.
func (m *Manager) Range(fn func(device *Device) bool) {
	if m == nil {
		return
	}
	flags := m.device.lock.LockIrqSave()
	members := lo.Filter(m.devices, func(member *Device, _ int) bool {
		return member.Get() == nil
	})
	m.device.lock.UnlockIrqRestore(flags)

	stopped := false
	for _, member := range members {
		if !stopped && !fn(member) {
			stopped = true
		}
		member.Put()
	}
}

var managers = struct {
	mu    sync.Mutex
	table map[ModuleType]*Manager
}{table: map[ModuleType]*Manager{}}

// GetManager returns the process wide manager for moduleType, creating it on first use. opts only
// apply when the manager is created.
func GetManager(moduleType ModuleType, opts ...Option) (*Manager, error) {
	if !moduleType.Valid() {
		return nil, errno.Wrapf(errno.ErrDevType, "module type %d", int(moduleType))
	}
	managers.mu.Lock()
	defer managers.mu.Unlock()
	if m, ok := managers.table[moduleType]; ok {
		return m, nil
	}
	m := NewManager(moduleType.String(), nil, opts...)
	managers.table[moduleType] = m
	return m, nil
}

// ResetManagers destroys every process wide manager.
func ResetManagers() error {
	managers.mu.Lock()
	all := lo.Values(managers.table)
	managers.table = map[ModuleType]*Manager{}
	managers.mu.Unlock()

	var err error
	for _, m := range all {
		err = multierr.Append(err, m.Destroy())
	}
	return err
}

func forgetManager(m *Manager) {
	managers.mu.Lock()
	defer managers.mu.Unlock()
	for moduleType, known := range managers.table {
		if known == m {
			delete(managers.table, moduleType)
		}
	}
}
