package rtsocket

import (
	"encoding/binary"
	"sync"

	"rtnet/internal/errcode"
	"rtnet/internal/ipv4"
	"rtnet/internal/rtskb"
)

// UDPHeaderLen is the fixed 8-byte UDP header length.
const UDPHeaderLen = 8

// ProtoUDP is IPPROTO_UDP.
const ProtoUDP = 17

// INADDRAny matches any local address, for sockets bound to all
// interfaces; broadcasts are delivered to any socket bound to it.
const INADDRAny = 0

// UDPLayer implements ipv4.Protocol for UDP: it is the "protocol" the
// stack manager's IP handler consults for DestSocket/RcvHandler,
// backed by a table of bound sockets.
type UDPLayer struct {
	mu      sync.RWMutex
	bound   map[Endpoint]*Socket
	xmitter *ipv4.Xmitter
}

// NewUDPLayer returns a UDP protocol handler that transmits through x.
func NewUDPLayer(x *ipv4.Xmitter) *UDPLayer {
	return &UDPLayer{bound: make(map[Endpoint]*Socket), xmitter: x}
}

// BindSocket registers sock to receive datagrams addressed to ep. Pass
// IP == INADDRAny to bind across every local address.
func (u *UDPLayer) BindSocket(ep Endpoint, sock *Socket) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bound[ep] = sock
	sock.Bind(ep)
}

// Unbind removes whatever socket is registered at ep.
func (u *UDPLayer) Unbind(ep Endpoint) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.bound, ep)
}

// DestSocket matches the destination IP (exact or INADDR_ANY) and port
// against the bound table and returns that socket's pool.
func (u *UDPLayer) DestSocket(skb *rtskb.SKB) (*rtskb.Pool, error) {
	sock, err := u.lookup(skb)
	if err != nil {
		return nil, err
	}
	return sock.Pool, nil
}

// RcvHandler strips the UDP header and hands the payload to the
// matching socket's Deliver, which either invokes its callback or
// queues it for RecvMsg.
func (u *UDPLayer) RcvHandler(skb *rtskb.SKB) error {
	sock, err := u.lookup(skb)
	if err != nil {
		if skb.Pool() != nil {
			skb.Pool().Free(skb)
		}
		return nil
	}
	if len(skb.Data()) < UDPHeaderLen {
		skb.Pool().Free(skb)
		return errcode.Wrap("rtsocket.RcvHandler", errcode.BadPayload, nil)
	}
	skb.Pull(UDPHeaderLen)
	sock.Deliver(skb)
	return nil
}

func (u *UDPLayer) lookup(skb *rtskb.SKB) (*Socket, error) {
	// ipv4.Stack.localDeliver has already pulled the IP header off by
	// the time DestSocket/RcvHandler run, so data points at the UDP
	// header here. NetHdr is untouched by Pull, so the IP header (and
	// its destination address) is still readable behind the data
	// pointer.
	data := skb.Data()
	if len(data) < UDPHeaderLen {
		return nil, errcode.Wrap("rtsocket.lookup", errcode.BadPayload, nil)
	}
	dstPort := binary.BigEndian.Uint16(data[2:4])

	iph, err := ipv4.ParseHeader(skb.NetworkHeader())
	if err != nil {
		return nil, errcode.Wrap("rtsocket.lookup", errcode.BadPayload, err)
	}

	u.mu.RLock()
	defer u.mu.RUnlock()
	if sock, ok := u.bound[Endpoint{IP: iph.Dst, Port: dstPort}]; ok {
		return sock, nil
	}
	if sock, ok := u.bound[Endpoint{IP: INADDRAny, Port: dstPort}]; ok {
		return sock, nil
	}
	return nil, errcode.Wrap("rtsocket.lookup", errcode.NoEntry, nil)
}

// SendMsg writes the UDP header (checksum left at zero, which marks it
// unused) and hands the datagram to ip_build_xmit.
func (u *UDPLayer) SendMsg(sock *Socket, payload []byte) error {
	sock.mu.Lock()
	src, dst := sock.Src, sock.Dst
	sock.mu.Unlock()

	buf := make([]byte, UDPHeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], src.Port)
	binary.BigEndian.PutUint16(buf[2:4], dst.Port)
	binary.BigEndian.PutUint16(buf[4:6], uint16(UDPHeaderLen+len(payload)))
	binary.BigEndian.PutUint16(buf[6:8], 0) // checksum optional
	copy(buf[UDPHeaderLen:], payload)

	return u.xmitter.BuildXmit(sock.Pool, ProtoUDP, src.IP, dst.IP, buf)
}
