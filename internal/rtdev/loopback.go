package rtdev

import (
	"rtnet/internal/errcode"
	"rtnet/internal/rtskb"
)

// Dispatcher is the subset of internal/stack's packet-type table the
// loopback driver needs to hand a frame straight to L3 without ever
// touching a real wire. Declared here (rather than importing
// internal/stack) to keep rtdev free of a dependency on the stack
// manager — stack depends on rtdev, not the other way around.
type Dispatcher interface {
	// Deliver hands skb to the registered handler for skb.Protocol,
	// exactly as the stack-manager task would after popping it off the
	// RX ring. Returns errcode.NoEntry if nothing handles the protocol.
	Deliver(skb *rtskb.SKB) error
}

// Loopback is the one concrete Device driver shipped in-tree: the
// reference device everything else is exercised against. Open marks
// the queue running; xmit hands the frame straight to the matching
// packet-type handler instead of going out over a wire.
type Loopback struct {
	dispatch Dispatcher
}

// NewLoopback returns a driver that delivers every transmitted frame
// to dispatch, as if it had looped back in over the wire.
func NewLoopback(dispatch Dispatcher) *Loopback {
	return &Loopback{dispatch: dispatch}
}

func (l *Loopback) Open(dev *Device) error {
	dev.SetFlag(FlagRunning)
	return nil
}

func (l *Loopback) Stop(dev *Device) error {
	dev.ClearFlag(FlagRunning)
	return nil
}

// HardStartXmit re-homes the outgoing skb as an incoming one (fresh
// chain end, network header reset to the current data pointer; the
// Ethernet header is assumed already consumed by the caller) and
// delivers it directly, bypassing any actual transmission.
func (l *Loopback) HardStartXmit(dev *Device, skb *rtskb.SKB) error {
	skb.Chain = nil
	skb.SetNetworkHeader()
	skb.Dev = dev

	if err := l.dispatch.Deliver(skb); err != nil {
		return errcode.Wrap("loopback.HardStartXmit", errcode.NoEntry, err)
	}
	return nil
}

// HardHeader builds no link-layer header for loopback, since rtlo never
// puts one on the wire; it only records protocol in skb.Protocol so the
// looped-back frame reaches that protocol's handler.
func (l *Loopback) HardHeader(dev *Device, skb *rtskb.SKB, dst HWAddr, protocol uint16) error {
	skb.Protocol = protocol
	return nil
}

// NewLoopbackDevice builds the conventional "rtlo" device: no
// broadcast flag, non-exclusive xmit since there is no real contention
// to serialize against.
func NewLoopbackDevice(dispatch Dispatcher, pool *rtskb.Pool) *Device {
	dev := New("rtlo", 0, HWAddr{}, rtskb.DefaultMaxSize, NewLoopback(dispatch), pool)
	dev.SetFlag(FlagNonExclusiveXmit)
	dev.ClearFlag(FlagBroadcast)
	return dev
}
