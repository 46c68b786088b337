package rtdev

import (
	"testing"

	"rtnet/internal/errcode"
	"rtnet/internal/rtskb"
)

type nullDriver struct{}

func (nullDriver) Open(dev *Device) error { return nil }
func (nullDriver) Stop(dev *Device) error { return nil }
func (nullDriver) HardStartXmit(dev *Device, skb *rtskb.SKB) error { return nil }
func (nullDriver) HardHeader(dev *Device, skb *rtskb.SKB, dst HWAddr, protocol uint16) error {
	return nil
}

func newTestDevice(name string, hw byte) *Device {
	pool := rtskb.NewPool(name, 4, rtskb.DefaultMaxSize)
	return New(name, 0, HWAddr{hw, 0, 0, 0, 0, 0}, 1500, nullDriver{}, pool)
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	dev := newTestDevice("eth0", 1)
	if err := r.Register(dev); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := r.GetByName("eth0")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got != dev {
		t.Fatal("wrong device returned")
	}
	if dev.Refcount() != 2 {
		t.Fatalf("expected refcount 2 (registry + caller), got %d", dev.Refcount())
	}
	r.Dereference(got)
	if dev.Refcount() != 1 {
		t.Fatalf("expected refcount 1 after dereference, got %d", dev.Refcount())
	}

	if _, err := r.GetByIndex(dev.Ifindex); err != nil {
		t.Fatalf("get by index: %v", err)
	}
	r.Dereference(dev)

	if _, err := r.GetByHWAddr(dev.HWAddr); err != nil {
		t.Fatalf("get by hwaddr: %v", err)
	}
	r.Dereference(dev)
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	r := NewRegistry()
	a := newTestDevice("eth0", 1)
	b := newTestDevice("eth0", 2)
	if err := r.Register(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := r.Register(b); errcode.Of(err) != errcode.Exists {
		t.Fatalf("expected Exists, got %v", err)
	}
}

func TestGetByNameMissingReturnsNoDevice(t *testing.T) {
	r := NewRegistry()
	if _, err := r.GetByName("ghost"); errcode.Of(err) != errcode.NoDevice {
		t.Fatalf("expected NoDevice, got %v", err)
	}
}

func TestUnregisterBusyWhileReferenced(t *testing.T) {
	r := NewRegistry()
	dev := newTestDevice("eth0", 1)
	r.Register(dev)

	held, _ := r.GetByName("eth0")
	if err := r.Unregister(dev); errcode.Of(err) != errcode.Busy {
		t.Fatalf("expected Busy while referenced, got %v", err)
	}
	r.Dereference(held)

	if err := r.Unregister(dev); err != nil {
		t.Fatalf("unregister after dereference: %v", err)
	}
	if _, err := r.GetByName("eth0"); errcode.Of(err) != errcode.NoDevice {
		t.Fatalf("expected device gone after unregister, got %v", err)
	}
}

func TestLoopbackRegistration(t *testing.T) {
	r := NewRegistry()
	dev := newTestDevice("rtlo", 0)
	r.Register(dev)
	r.SetLoopback(dev)

	got, err := r.GetLoopback()
	if err != nil {
		t.Fatalf("get loopback: %v", err)
	}
	if got != dev {
		t.Fatal("wrong loopback device")
	}
	r.Dereference(got)
}

func TestGetLoopbackNoneRegistered(t *testing.T) {
	r := NewRegistry()
	if _, err := r.GetLoopback(); errcode.Of(err) != errcode.NoDevice {
		t.Fatalf("expected NoDevice, got %v", err)
	}
}

func TestMACDetachCalledOnUnregister(t *testing.T) {
	r := NewRegistry()
	dev := newTestDevice("eth0", 1)
	r.Register(dev)

	called := false
	dev.MACDetach = func(*Device) error {
		called = true
		return nil
	}
	if err := r.Unregister(dev); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if !called {
		t.Fatal("expected MACDetach to be called")
	}
}
