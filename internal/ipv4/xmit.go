package ipv4

import (
	"sync/atomic"

	"rtnet/internal/errcode"
	"rtnet/internal/route"
	"rtnet/internal/rtskb"
)

// HardwareHeaderLen is the Ethernet header budget reserved ahead of the
// IP header so hard_header can patch it in place without a copy.
const HardwareHeaderLen = 14

// Xmitter builds and submits one outgoing IPv4 datagram: it lays down
// the header, sets identification from its own counter, computes the
// header checksum, resolves the route, sets the hardware header, and
// submits to the device's start_xmit.
type Xmitter struct {
	Routes *route.Table
	ident  atomic.Uint32
}

// NewXmitter returns an Xmitter bound to the given route table.
func NewXmitter(routes *route.Table) *Xmitter { return &Xmitter{Routes: routes} }

// BuildXmit allocates an skb from pool, lays down the IP header and
// payload, resolves the destination through Routes (the resolved host
// route determines both the outgoing device and the next-hop hardware
// address), sets the link-layer header, and submits it to the device's
// start_xmit.
func (x *Xmitter) BuildXmit(pool *rtskb.Pool, protocol uint8, src, dst uint32, payload []byte) error {
	hop, err := x.Routes.Resolve(dst)
	if err != nil {
		return errcode.Wrap("ipv4.BuildXmit", errcode.HostUnreach, err)
	}
	dev := hop.Dev
	if dev == nil {
		return errcode.Wrap("ipv4.BuildXmit", errcode.NoDevice, nil)
	}

	skb, err := pool.Alloc(HardwareHeaderLen + HeaderLen + len(payload))
	if err != nil {
		return errcode.Wrap("ipv4.BuildXmit", errcode.NoBuffers, err)
	}

	skb.Reserve(HardwareHeaderLen + HeaderLen)
	copy(skb.Put(len(payload)), payload)

	h := Header{
		TotalLen: uint16(HeaderLen + len(payload)),
		ID:       uint16(x.ident.Add(1)),
		TTL:      64,
		Protocol: protocol,
		Src:      src,
		Dst:      dst,
	}
	copy(skb.Push(HeaderLen), BuildHeader(h))
	skb.SetNetworkHeader()

	if err := dev.HardHeader(skb, hop.HWAddr, 0x0800); err != nil {
		pool.Free(skb)
		return errcode.Wrap("ipv4.BuildXmit", errcode.Error, err)
	}

	if err := dev.Xmit(skb); err != nil {
		pool.Free(skb)
		return errcode.Wrap("ipv4.BuildXmit", errcode.Error, err)
	}
	return nil
}
