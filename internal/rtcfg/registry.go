package rtcfg

import (
	"sync"

	"rtnet/internal/errcode"
	"rtnet/internal/rtdev"
	"rtnet/internal/rtpc"
	"rtnet/internal/rtskb"
)

// EtherType tags RTcfg frames on the wire, the next value in the same
// private block as RTmac's 0x9021.
const EtherType = 0x9022

// Registry tracks the one RTcfg Engine running on each device, the same
// shape as rtmac.Manager tracks disciplines: one config connection per
// network interface.
type Registry struct {
	mu    sync.Mutex
	byDev map[*rtdev.Device]*Engine
}

func NewRegistry() *Registry {
	return &Registry{byDev: make(map[*rtdev.Device]*Engine)}
}

// Attach binds the caller-built Engine e to dev and registers it, ready
// to be driven by Run and addressed by the ioctl methods.
func (r *Registry) Attach(dev *rtdev.Device, e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byDev[dev]; exists {
		return errcode.Wrap("rtcfg.Attach", errcode.Busy, nil)
	}
	e.dev = dev
	e.stateTopic = rtpc.T("rtcfg", dev.Name, "state")
	e.waitTopic = rtpc.T("rtcfg", dev.Name, "wait")
	if e.conn != nil {
		// Subscribed here, before any caller can publish a WAIT call,
		// so nothing issued between Attach and Run is lost.
		e.waitSub = e.conn.Subscribe(e.waitTopic)
	}
	r.byDev[dev] = e
	return nil
}

func (r *Registry) Detach(dev *rtdev.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byDev[dev]; !ok {
		return errcode.Wrap("rtcfg.Detach", errcode.NoDevice, nil)
	}
	delete(r.byDev, dev)
	return nil
}

func (r *Registry) Engine(dev *rtdev.Device) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byDev[dev]
	return e, ok
}

// Deliver implements internal/stack.Handler for EtherType: it finds the
// Engine attached to skb.Dev and hands the frame to it, dropping frames
// for devices with no RTcfg connection configured.
func (r *Registry) Deliver(skb *rtskb.SKB) error {
	dev, ok := skb.Dev.(*rtdev.Device)
	if !ok || dev == nil {
		return errcode.Wrap("rtcfg.Deliver", errcode.NoDevice, nil)
	}
	e, ok := r.Engine(dev)
	if !ok {
		return errcode.Wrap("rtcfg.Deliver", errcode.NoDevice, nil)
	}
	return e.handleFrame(skb)
}
