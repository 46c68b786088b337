package rtmac

import (
	"testing"

	"rtnet/internal/errcode"
	"rtnet/internal/rtdev"
	"rtnet/internal/rtskb"
)

type nullDriver struct{}

func (nullDriver) Open(*rtdev.Device) error { return nil }
func (nullDriver) Stop(*rtdev.Device) error { return nil }
func (nullDriver) HardStartXmit(dev *rtdev.Device, skb *rtskb.SKB) error {
	return nil
}
func (nullDriver) HardHeader(dev *rtdev.Device, skb *rtskb.SKB, dst rtdev.HWAddr, protocol uint16) error {
	return nil
}

type fakeDiscipline struct {
	attached  bool
	detached  bool
	txCount   int
	attachErr error
	detachErr error
}

func (f *fakeDiscipline) Attach(dev *rtdev.Device) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached = true
	return nil
}
func (f *fakeDiscipline) Detach(dev *rtdev.Device) error {
	if f.detachErr != nil {
		return f.detachErr
	}
	f.detached = true
	return nil
}
func (f *fakeDiscipline) PacketTX(dev *rtdev.Device, skb *rtskb.SKB) error {
	f.txCount++
	return nil
}
func (f *fakeDiscipline) PacketRX(dev *rtdev.Device, skb *rtskb.SKB) error { return nil }
func (f *fakeDiscipline) Type() FrameType                                 { return FrameTDMA }

func newTestDevice() *rtdev.Device {
	pool := rtskb.NewPool("dev", 4, rtskb.DefaultMaxSize)
	return rtdev.New("eth0", 0, rtdev.HWAddr{1}, 1500, nullDriver{}, pool)
}

func TestAttachRewiresStartXmit(t *testing.T) {
	dev := newTestDevice()
	orig := dev.StartXmit
	m := NewManager()
	disc := &fakeDiscipline{}

	if err := m.Attach(dev, disc); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !disc.attached {
		t.Fatal("expected discipline Attach to be called")
	}

	skb, _ := dev.Pool.Alloc(4)
	if err := dev.Xmit(skb); err != nil {
		t.Fatalf("xmit: %v", err)
	}
	if disc.txCount != 1 {
		t.Fatalf("expected PacketTX to be invoked once, got %d", disc.txCount)
	}
	if dev.MACDetach == nil {
		t.Fatal("expected mac_detach to be installed")
	}
	_ = orig
}

func TestAttachTwiceFailsBusy(t *testing.T) {
	dev := newTestDevice()
	m := NewManager()
	if err := m.Attach(dev, &fakeDiscipline{}); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	err := m.Attach(dev, &fakeDiscipline{})
	if errcode.Of(err) != errcode.Busy {
		t.Fatalf("expected Busy, got %v", err)
	}
}

func TestDetachRestoresOriginalXmit(t *testing.T) {
	dev := newTestDevice()
	m := NewManager()
	disc := &fakeDiscipline{}
	if err := m.Attach(dev, disc); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := dev.MACDetach(dev); err != nil {
		t.Fatalf("mac detach: %v", err)
	}
	if !disc.detached {
		t.Fatal("expected discipline Detach to be called")
	}
	if dev.MACDetach != nil {
		t.Fatal("expected mac_detach cleared after detach")
	}

	skb, _ := dev.Pool.Alloc(4)
	if err := dev.Xmit(skb); err != nil {
		t.Fatalf("xmit after detach: %v", err)
	}
	if disc.txCount != 0 {
		t.Fatal("expected PacketTX not called once restored")
	}
}

func TestDetachWithoutAttachFails(t *testing.T) {
	dev := newTestDevice()
	m := NewManager()
	if err := m.Detach(dev); errcode.Of(err) != errcode.NotAttached {
		t.Fatalf("expected NotAttached, got %v", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Type: FrameTDMA, Flags: FlagTunnel, Len: 42}
	buf := BuildHeader(h)
	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != h.Type || got.Len != h.Len || !got.IsTunnelled() {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestParseHeaderRejectsBadVersion(t *testing.T) {
	buf := BuildHeader(Header{Type: FrameTDMA})
	buf[1] = 9
	if _, err := ParseHeader(buf); errcode.Of(err) != errcode.BadPayload {
		t.Fatalf("expected BadPayload, got %v", err)
	}
}
