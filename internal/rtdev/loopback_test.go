package rtdev

import (
	"testing"

	"rtnet/internal/errcode"
	"rtnet/internal/rtskb"
)

type recordingDispatcher struct {
	delivered []*rtskb.SKB
	fail      bool
}

func (d *recordingDispatcher) Deliver(skb *rtskb.SKB) error {
	if d.fail {
		return errcode.Wrap("test", errcode.NoEntry, nil)
	}
	d.delivered = append(d.delivered, skb)
	return nil
}

func TestLoopbackXmitDeliversToDispatcher(t *testing.T) {
	disp := &recordingDispatcher{}
	pool := rtskb.NewPool("rtlo", 4, rtskb.DefaultMaxSize)
	dev := NewLoopbackDevice(disp, pool)

	skb, _ := pool.Alloc(64)
	skb.Protocol = 0x0800
	if err := dev.Xmit(skb); err != nil {
		t.Fatalf("xmit: %v", err)
	}
	if len(disp.delivered) != 1 || disp.delivered[0] != skb {
		t.Fatalf("expected skb delivered, got %v", disp.delivered)
	}
	if skb.Dev != dev {
		t.Fatal("expected skb.Dev set to loopback device")
	}
}

func TestLoopbackXmitPropagatesDispatchFailure(t *testing.T) {
	disp := &recordingDispatcher{fail: true}
	pool := rtskb.NewPool("rtlo", 4, rtskb.DefaultMaxSize)
	dev := NewLoopbackDevice(disp, pool)

	skb, _ := pool.Alloc(64)
	if err := dev.Xmit(skb); errcode.Of(err) != errcode.NoEntry {
		t.Fatalf("expected NoEntry, got %v", err)
	}
}

func TestLoopbackHasNoBroadcastAndIsNonExclusive(t *testing.T) {
	pool := rtskb.NewPool("rtlo", 1, rtskb.DefaultMaxSize)
	dev := NewLoopbackDevice(&recordingDispatcher{}, pool)
	if dev.HasFlag(FlagBroadcast) {
		t.Fatal("loopback should not carry FlagBroadcast")
	}
	if !dev.HasFlag(FlagNonExclusiveXmit) {
		t.Fatal("loopback should carry FlagNonExclusiveXmit")
	}
}

func TestLoopbackOpenStopTogglesRunning(t *testing.T) {
	pool := rtskb.NewPool("rtlo", 1, rtskb.DefaultMaxSize)
	dev := NewLoopbackDevice(&recordingDispatcher{}, pool)
	if err := dev.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !dev.HasFlag(FlagRunning) {
		t.Fatal("expected FlagRunning after Open")
	}
	if err := dev.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if dev.HasFlag(FlagRunning) {
		t.Fatal("expected FlagRunning cleared after Stop")
	}
}
