// Package rtdev implements the device registry and the Device type:
// every network interface RTnet knows about, real or simulated, is
// registered here under a refcounted handle so the
// stack, route tables, and disciplines can all hold a reference
// without racing device teardown.
package rtdev

import (
	"sync"
	"sync/atomic"

	"rtnet/internal/rtskb"
)

// Flags mirrors the admin/operational bits a device carries.
type Flags uint32

const (
	FlagUp Flags = 1 << iota
	FlagBroadcast
	FlagPromisc
	FlagRunning
	FlagNonExclusiveXmit // discipline may interleave transmits, bypassing xmit_mutex
)

// HWAddr is a 6-byte hardware (MAC) address.
type HWAddr [6]byte

// XmitFunc is the function pointer disciplines overlay onto a device's
// start_xmit.
type XmitFunc func(dev *Device, skb *rtskb.SKB) error

// Driver groups the hooks a concrete device backend installs.
type Driver interface {
	Open(dev *Device) error
	Stop(dev *Device) error
	HardStartXmit(dev *Device, skb *rtskb.SKB) error
	HardHeader(dev *Device, skb *rtskb.SKB, dst HWAddr, protocol uint16) error
}

// StackEvent is signalled by a driver's RX fast path to wake the stack
// manager task; see internal/stack and internal/skbring.
type StackEvent interface {
	Notify()
}

// Device is one network interface.
type Device struct {
	Name    string
	Ifindex int
	HWAddr  HWAddr
	Bcast   HWAddr
	MTU     int

	mu    sync.RWMutex // rtdev_lock: protects flags, admin transitions
	flags Flags

	LocalIP     uint32
	BroadcastIP uint32

	refcount atomic.Int32

	xmitMu    sync.Mutex // xmit_mutex: serializes transmit for exclusive drivers
	StartXmit XmitFunc

	driver Driver
	event  StackEvent

	// MACDetach is installed by RTmac when a discipline attaches, so
	// IFDOWN can negotiate teardown with the discipline first.
	MACDetach func(dev *Device) error

	Pool *rtskb.Pool
}

// New creates a device wired to driver and a pool of rtskbs sized for
// its RX/TX path. The refcount starts at zero; Register takes the
// registry's own reference.
func New(name string, ifindex int, hw HWAddr, mtu int, driver Driver, pool *rtskb.Pool) *Device {
	d := &Device{
		Name:    name,
		Ifindex: ifindex,
		HWAddr:  hw,
		Bcast:   HWAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		MTU:     mtu,
		driver:  driver,
		Pool:    pool,
	}
	d.StartXmit = func(dev *Device, skb *rtskb.SKB) error {
		return dev.driver.HardStartXmit(dev, skb)
	}
	return d
}

// Flags returns the current flag bits under the read lock.
func (d *Device) Flags() Flags {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.flags
}

// SetFlag and ClearFlag perform admin transitions under rtdev_lock.
func (d *Device) SetFlag(f Flags) {
	d.mu.Lock()
	d.flags |= f
	d.mu.Unlock()
}

func (d *Device) ClearFlag(f Flags) {
	d.mu.Lock()
	d.flags &^= f
	d.mu.Unlock()
}

func (d *Device) HasFlag(f Flags) bool { return d.Flags()&f != 0 }

// SetStackEvent installs the waitable event the RX fast path signals.
func (d *Device) SetStackEvent(ev StackEvent) { d.event = ev }

// NotifyStack signals the stack manager; a no-op if none is installed.
// Safe to call repeatedly — the notification is idempotent.
func (d *Device) NotifyStack() {
	if d.event != nil {
		d.event.Notify()
	}
}

// Open and Stop delegate to the driver hooks.
func (d *Device) Open() error { return d.driver.Open(d) }
func (d *Device) Stop() error { return d.driver.Stop(d) }

// HardHeader delegates to the driver's link-layer header builder.
func (d *Device) HardHeader(skb *rtskb.SKB, dst HWAddr, protocol uint16) error {
	return d.driver.HardHeader(d, skb, dst, protocol)
}

// Xmit acquires xmit_mutex unless the device declares non-exclusive
// xmit (an RTmac discipline that can interleave transmits), then calls
// StartXmit — which disciplines may have overlaid.
func (d *Device) Xmit(skb *rtskb.SKB) error {
	if !d.HasFlag(FlagNonExclusiveXmit) {
		d.xmitMu.Lock()
		defer d.xmitMu.Unlock()
	}
	return d.StartXmit(d, skb)
}

// ref/unref maintain the teardown invariant: refcount==0 means safe to
// unregister. The registry itself holds one reference from Register
// until Unregister; every lookup caller holds one more until
// Dereference.
func (d *Device) ref() { d.refcount.Add(1) }

func (d *Device) unref() int32 { return d.refcount.Add(-1) }

// Refcount reports the current count, for diagnostics and tests.
func (d *Device) Refcount() int32 { return d.refcount.Load() }
