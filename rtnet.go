// Package rtnet wires every subsystem into one process-wide handle:
// the rt_packets hash, device registry, route table, and global skb
// pool are fields of a single Context value passed explicitly rather
// than left as package-level statics.
package rtnet

import (
	"context"
	"sync"

	"rtnet/internal/errcode"
	"rtnet/internal/ipv4"
	"rtnet/internal/rtcfg"
	"rtnet/internal/rtdev"
	"rtnet/internal/rtdev/netlinksim"
	"rtnet/internal/rtmac"
	"rtnet/internal/rtmetrics"
	"rtnet/internal/rtpc"
	"rtnet/internal/rtskb"
	"rtnet/internal/rtsocket"
	"rtnet/internal/route"
	"rtnet/internal/skbring"
	"rtnet/internal/stack"
	"rtnet/internal/tdma"
)

// GlobalPoolSize is the size of the pool every newly registered device
// draws its RX skbs from unless the caller supplies its own.
const GlobalPoolSize = 256

// RingSize is the default per-device SPSC RX ring depth. Must be a
// power of two.
const RingSize = 256

// Context is the single RTnet handle: every exported operation a
// caller (cmd/rtnetctl, a test, an application) performs goes through
// one of its methods rather than touching a package-level global.
type Context struct {
	GlobalPool *rtskb.Pool

	Devices     *rtdev.Registry
	Routes      *route.Table
	PacketTypes *stack.Table
	StackMgr    *stack.Manager
	IP          *ipv4.Stack
	Xmit        *ipv4.Xmitter
	UDP         *rtsocket.UDPLayer
	Disciplines *rtmac.Manager
	RTcfg       *rtcfg.Registry
	Bus         *rtpc.Bus
	Metrics     *rtmetrics.Collector
	Netlink     *netlinksim.Handle

	mu         sync.Mutex
	rings      map[*rtdev.Device]*skbring.Ring
	tdma       map[*rtdev.Device]*tdma.Engine
	cancel     map[*rtdev.Device]context.CancelFunc // RX pump lifetime
	tdmaCancel map[*rtdev.Device]context.CancelFunc // TDMA worker lifetime
}

// New builds a fully wired Context: packet-type table, IPv4 stack (with
// UDP registered as its one upper-layer protocol), RTmac and RTcfg
// dispatch hooked into the packet-type table, and a metrics collector
// tracking the global pool.
func New() *Context {
	c := &Context{
		GlobalPool:  rtskb.NewPool("global", GlobalPoolSize, rtskb.DefaultMaxSize),
		Devices:     rtdev.NewRegistry(),
		Routes:      route.New(),
		PacketTypes: stack.NewTable(),
		Disciplines: rtmac.NewManager(),
		RTcfg:       rtcfg.NewRegistry(),
		Bus:         rtpc.NewBus(0),
		Metrics:     rtmetrics.New(),
		rings:       make(map[*rtdev.Device]*skbring.Ring),
		tdma:        make(map[*rtdev.Device]*tdma.Engine),
		cancel:      make(map[*rtdev.Device]context.CancelFunc),
		tdmaCancel:  make(map[*rtdev.Device]context.CancelFunc),
	}
	c.StackMgr = stack.NewManager(c.PacketTypes, RingSize)
	c.Netlink = netlinksim.NewHandle(c.Routes)

	c.IP = ipv4.NewStack()
	c.Xmit = ipv4.NewXmitter(c.Routes)
	c.UDP = rtsocket.NewUDPLayer(c.Xmit)
	c.IP.Protocols.Register(rtsocket.ProtoUDP, c.UDP)

	c.PacketTypes.AddPack(&stack.PacketType{Type: 0x0800, Handler: c.IP.Rcv})
	c.PacketTypes.AddPack(&stack.PacketType{Type: rtmac.EtherType, Handler: c.Disciplines.Deliver})
	c.PacketTypes.AddPack(&stack.PacketType{Type: rtcfg.EtherType, Handler: c.RTcfg.Deliver})

	c.Metrics.AddPool("global", c.GlobalPool)
	return c
}

// Run starts the stack-manager dispatch loop; it blocks until ctx is
// cancelled, matching every other subsystem's Run convention.
func (c *Context) Run(ctx context.Context) { c.StackMgr.Run(ctx) }

// AddDevice registers dev, attaches its RX ring to the stack manager,
// and installs a no-op stack event on dev: the ring's own signal is
// what wakes the pump goroutine (see noopStackEvent).
// ctx bounds the pump's lifetime; cancel it (or RemoveDevice) to stop
// forwarding.
func (c *Context) AddDevice(ctx context.Context, dev *rtdev.Device) error {
	if err := c.Devices.Register(dev); err != nil {
		return err
	}
	ring := skbring.New(RingSize)
	devCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.rings[dev] = ring
	c.cancel[dev] = cancel
	c.mu.Unlock()

	dev.SetStackEvent(noopStackEvent{})
	c.StackMgr.Attach(devCtx, dev, ring)
	c.Metrics.AddRing(dev.Name, ring)
	return nil
}

// noopStackEvent satisfies rtdev.StackEvent for devices whose driver
// never calls NotifyStack itself: skbring.Ring's Push already signals
// its own channel on the empty-to-non-empty transition, which is what
// the stack manager's pump goroutine (internal/stack.Manager.Attach)
// actually waits on, so the device-level StackEvent hook has nothing
// left to do here.
type noopStackEvent struct{}

func (noopStackEvent) Notify() {}

// RemoveDevice tears dev's RX pump down and unregisters it. Any
// discipline still attached must be detached first; RemoveDevice does
// not do that implicitly, the same way IFDOWN refuses to take a device
// down without the discipline's consent.
func (c *Context) RemoveDevice(dev *rtdev.Device) error {
	c.mu.Lock()
	cancel := c.cancel[dev]
	delete(c.rings, dev)
	delete(c.cancel, dev)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return c.Devices.Unregister(dev)
}

// NewLoopback builds and registers the one concrete driver shipped
// in-tree: a loopback device delivering straight into the packet-type
// table. Bring it up with IfUp once addresses are known.
func (c *Context) NewLoopback(ctx context.Context) (*rtdev.Device, error) {
	dev := rtdev.NewLoopbackDevice(c.PacketTypes, c.GlobalPool)
	if err := c.AddDevice(ctx, dev); err != nil {
		return nil, err
	}
	c.Devices.SetLoopback(dev)
	return dev, nil
}

// IfUp implements the CORE/IFUP ioctl: assigns dev's local
// and broadcast IPv4 addresses, installs the corresponding host route,
// and marks it administratively up.
func (c *Context) IfUp(dev *rtdev.Device, localIP, broadcastIP uint32) error {
	if dev == nil {
		return errcode.Wrap("rtnet.IfUp", errcode.NoDevice, nil)
	}
	dev.LocalIP = localIP
	dev.BroadcastIP = broadcastIP
	dev.SetFlag(rtdev.FlagUp)
	c.Routes.AddHost(route.HostRoute{IP: localIP, Dev: dev, HWAddr: dev.HWAddr})
	return dev.Open()
}

// IfDown implements CORE/IFDOWN: refuses while a discipline is
// attached and has not consented to MACDetach, then clears the up
// flag and the device's host route.
func (c *Context) IfDown(dev *rtdev.Device) error {
	if dev == nil {
		return errcode.Wrap("rtnet.IfDown", errcode.NoDevice, nil)
	}
	if dev.MACDetach != nil {
		if err := dev.MACDetach(dev); err != nil {
			return errcode.Wrap("rtnet.IfDown", errcode.Busy, err)
		}
	}
	dev.ClearFlag(rtdev.FlagUp)
	c.Routes.DelHost(dev.LocalIP)
	return dev.Stop()
}

// IfInfo implements CORE/IFINFO: a netlink-shaped snapshot of dev's
// current address and route configuration.
func (c *Context) IfInfo(dev *rtdev.Device) (netlinksim.Snapshot, error) {
	if dev == nil {
		return netlinksim.Snapshot{}, errcode.Wrap("rtnet.IfInfo", errcode.NoDevice, nil)
	}
	return c.Netlink.Query(dev), nil
}

// NewUDPSocket allocates a datagram socket and returns it unbound; the
// caller still issues Bind/Connect before sending or receiving, and
// must call BindSocket separately to register it for inbound delivery.
func (c *Context) NewUDPSocket(poolSize int) *rtsocket.Socket {
	return rtsocket.New(rtsocket.AFInet, rtsocket.SockDgram, rtsocket.ProtoUDP, poolSize)
}

// AttachTDMA implements RTMAC_TDMA's MASTER/SLAVE ioctls: it installs
// engine as dev's media-access discipline and starts its worker task
// under ctx, tracked so DetachTDMA can stop it cleanly. RemoveDevice
// does not stop it.
func (c *Context) AttachTDMA(ctx context.Context, dev *rtdev.Device, engine *tdma.Engine) error {
	if err := c.Disciplines.Attach(dev, engine); err != nil {
		return err
	}
	devCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.tdma[dev] = engine
	c.tdmaCancel[dev] = cancel
	c.mu.Unlock()

	c.Metrics.AddTDMA(dev.Name, engine)
	go engine.Run(devCtx)
	return nil
}

// DetachTDMA implements RTMAC_TDMA's DETACH ioctl: stops the worker and
// restores dev's original start_xmit.
func (c *Context) DetachTDMA(dev *rtdev.Device) error {
	c.mu.Lock()
	engine, ok := c.tdma[dev]
	delete(c.tdma, dev)
	if cancel, ok := c.tdmaCancel[dev]; ok {
		cancel()
		delete(c.tdmaCancel, dev)
	}
	c.mu.Unlock()

	if !ok {
		return errcode.Wrap("rtnet.DetachTDMA", errcode.NotAttached, nil)
	}
	engine.Stop()
	return c.Disciplines.Detach(dev)
}

// AttachRTcfg registers e as dev's RTcfg connection and starts its
// periodic server/client tick loop.
func (c *Context) AttachRTcfg(ctx context.Context, dev *rtdev.Device, e *rtcfg.Engine) error {
	if err := c.RTcfg.Attach(dev, e); err != nil {
		return err
	}
	go e.Run(ctx)
	return nil
}

// DetachRTcfg implements RTCFG/DOWN: stops e's loop and removes the
// device's RTcfg connection.
func (c *Context) DetachRTcfg(dev *rtdev.Device) error {
	e, ok := c.RTcfg.Engine(dev)
	if !ok {
		return errcode.Wrap("rtnet.DetachRTcfg", errcode.NoDevice, nil)
	}
	e.Stop()
	return c.RTcfg.Detach(dev)
}
