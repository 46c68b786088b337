package rtdev

import (
	"sync"

	"rtnet/internal/errcode"
)

// Registry is the process-wide device table. Admin operations
// (Register/Unregister) hold the write side of the mutex; iteration and
// the fast-path lookups (GetByName/Index/HWAddr) only need a read
// lock. Lookups are read-mostly, so a single RWMutex serves both the
// hot path and the admin side.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]*Device
	byIndex   map[int]*Device
	byHWAddr  map[HWAddr]*Device
	nextIndex int
	loopback  *Device
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]*Device),
		byIndex:   make(map[int]*Device),
		byHWAddr:  make(map[HWAddr]*Device),
		nextIndex: 1,
	}
}

// Register adds dev to the registry, assigning it an ifindex if it
// doesn't already have a nonzero one. Fails with errcode.Exists if the
// name or hardware address collides with an already-registered device.
func (r *Registry) Register(dev *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[dev.Name]; ok {
		return errcode.Wrap("rtdev.Register", errcode.Exists, nil)
	}
	if _, ok := r.byHWAddr[dev.HWAddr]; ok && dev.HWAddr != (HWAddr{}) {
		return errcode.Wrap("rtdev.Register", errcode.Exists, nil)
	}

	if dev.Ifindex == 0 {
		dev.Ifindex = r.nextIndex
		r.nextIndex++
	}

	r.byName[dev.Name] = dev
	r.byIndex[dev.Ifindex] = dev
	if dev.HWAddr != (HWAddr{}) {
		r.byHWAddr[dev.HWAddr] = dev
	}
	dev.ref() // registry's own reference
	return nil
}

// Unregister removes dev from the registry and drops the registry's
// own reference. It fails with errcode.Busy unless the device's
// refcount is down to exactly the registry's reference, i.e. no other
// holder remains.
func (r *Registry) Unregister(dev *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev.Refcount() > 1 {
		return errcode.Wrap("rtdev.Unregister", errcode.Busy, nil)
	}
	if dev.MACDetach != nil {
		if err := dev.MACDetach(dev); err != nil {
			return errcode.Wrap("rtdev.Unregister", errcode.Busy, err)
		}
	}

	delete(r.byName, dev.Name)
	delete(r.byIndex, dev.Ifindex)
	delete(r.byHWAddr, dev.HWAddr)
	if r.loopback == dev {
		r.loopback = nil
	}
	dev.unref()
	return nil
}

// SetLoopback marks dev as the registry's loopback device, returned by
// GetLoopback. dev must already be registered.
func (r *Registry) SetLoopback(dev *Device) {
	r.mu.Lock()
	r.loopback = dev
	r.mu.Unlock()
}

// GetByName returns a referenced handle to the named device, or
// errcode.NoDevice. Callers must Dereference when done.
func (r *Registry) GetByName(name string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byName[name]
	if !ok {
		return nil, errcode.Wrap("rtdev.GetByName", errcode.NoDevice, nil)
	}
	dev.ref()
	return dev, nil
}

// GetByIndex returns a referenced handle by ifindex.
func (r *Registry) GetByIndex(ifindex int) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byIndex[ifindex]
	if !ok {
		return nil, errcode.Wrap("rtdev.GetByIndex", errcode.NoDevice, nil)
	}
	dev.ref()
	return dev, nil
}

// GetByHWAddr returns a referenced handle by hardware address.
func (r *Registry) GetByHWAddr(hw HWAddr) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byHWAddr[hw]
	if !ok {
		return nil, errcode.Wrap("rtdev.GetByHWAddr", errcode.NoDevice, nil)
	}
	dev.ref()
	return dev, nil
}

// GetLoopback returns a referenced handle to the loopback device, or
// errcode.NoDevice if none has been registered yet.
func (r *Registry) GetLoopback() (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.loopback == nil {
		return nil, errcode.Wrap("rtdev.GetLoopback", errcode.NoDevice, nil)
	}
	r.loopback.ref()
	return r.loopback, nil
}

// Dereference releases a reference obtained from any GetBy* call.
func (r *Registry) Dereference(dev *Device) { dev.unref() }

// Each calls fn for every currently-registered device, holding the
// registry's read lock for the duration — used by admin/proc-style
// iteration (IFINFO, diagnostics), never from a hot path.
func (r *Registry) Each(fn func(*Device)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, dev := range r.byName {
		fn(dev)
	}
}
