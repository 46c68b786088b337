// Package rtsocket implements the RTnet socket layer and UDP:
// BSD-style datagram sockets with a per-socket rtskb pool, a blocking
// recvmsg with a three-way timeout convention (0 = infinite, positive
// = relative deadline, negative = non-blocking), and an optional user
// callback that can pre-empt the default blocking delivery.
package rtsocket

import (
	"context"
	"sync"
	"time"

	"rtnet/internal/errcode"
	"rtnet/internal/rtskb"
)

// DefaultPoolSize is the default number of rtskbs a new socket's RX
// pool is sized with.
const DefaultPoolSize = 16

// Callback lets a user pre-empt default blocking recvmsg semantics: it
// is invoked from the handler context on every arriving datagram and
// must return quickly. Returning true means the callback consumed skb
// (the socket frees it); returning false passes skb through to the RX
// queue as usual.
type Callback func(skb *rtskb.SKB) bool

// Family/Type values, narrowed to the datagram (UDP) and raw-packet
// families the RT path supports.
type Family int
type SockType int

const (
	AFInet Family = iota
)

const (
	SockDgram SockType = iota
	SockRaw
)

// Endpoint is an IPv4 address/port pair.
type Endpoint struct {
	IP   uint32
	Port uint16
}

// Socket is one RT socket.
type Socket struct {
	Family   Family
	Type     SockType
	Protocol uint8

	Src Endpoint
	Dst Endpoint

	Pool *rtskb.Pool

	mu       sync.Mutex
	rx       []*rtskb.SKB
	rxEvent  chan struct{} // edge-coalesced "RX queue became non-empty"
	done     chan struct{} // closed by Close; broadcasts to every blocked reader
	callback Callback

	Priority int
	closed   bool
}

// New allocates a socket with its own rtskb pool sized n (0 uses
// DefaultPoolSize).
func New(family Family, typ SockType, protocol uint8, n int) *Socket {
	if n <= 0 {
		n = DefaultPoolSize
	}
	return &Socket{
		Family:   family,
		Type:     typ,
		Protocol: protocol,
		Pool:     rtskb.NewPool("socket", n, rtskb.DefaultMaxSize),
		rxEvent:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Bind sets the socket's local endpoint.
func (s *Socket) Bind(ep Endpoint) { s.mu.Lock(); s.Src = ep; s.mu.Unlock() }

// Connect sets the socket's remote endpoint for subsequent sends.
func (s *Socket) Connect(ep Endpoint) { s.mu.Lock(); s.Dst = ep; s.mu.Unlock() }

// SetCallback installs (or clears, with nil) the pre-empting RX
// callback.
func (s *Socket) SetCallback(cb Callback) { s.mu.Lock(); s.callback = cb; s.mu.Unlock() }

// Deliver is called from the protocol's RcvHandler (the handler
// context) with an skb already acquired onto s.Pool. If
// a callback is installed and consumes the packet, Deliver frees it
// itself; otherwise it is queued and the RX event signalled.
func (s *Socket) Deliver(skb *rtskb.SKB) {
	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()

	if cb != nil && cb(skb) {
		s.Pool.Free(skb)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.Pool.Free(skb)
		return
	}
	s.rx = append(s.rx, skb)
	s.mu.Unlock()

	select {
	case s.rxEvent <- struct{}{}:
	default:
	}
}

// RecvMsg blocks for an arriving datagram. timeoutNs == 0 blocks
// indefinitely, > 0 is a relative deadline in nanoseconds, < 0 means
// non-blocking (return immediately, errcode.Again if the queue is
// empty).
func (s *Socket) RecvMsg(ctx context.Context, timeoutNs int64) (*rtskb.SKB, error) {
	if skb, ok := s.dequeue(); ok {
		return skb, nil
	}

	if timeoutNs < 0 {
		return nil, errcode.Wrap("rtsocket.RecvMsg", errcode.Again, nil)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeoutNs > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutNs))
		defer cancel()
	}

	for {
		select {
		case <-s.rxEvent:
			if skb, ok := s.dequeue(); ok {
				return skb, nil
			}
			// spurious edge (raced with another reader): keep waiting
		case <-s.done:
			// Drain anything queued before the close won the race.
			if skb, ok := s.dequeue(); ok {
				return skb, nil
			}
			return nil, errcode.Wrap("rtsocket.RecvMsg", errcode.NoDevice, nil)
		case <-waitCtx.Done():
			if timeoutNs > 0 {
				return nil, errcode.Wrap("rtsocket.RecvMsg", errcode.Timeout, nil)
			}
			return nil, errcode.Wrap("rtsocket.RecvMsg", errcode.Error, waitCtx.Err())
		}
	}
}

func (s *Socket) dequeue() (*rtskb.SKB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rx) == 0 {
		return nil, false
	}
	skb := s.rx[0]
	s.rx = s.rx[1:]
	if len(s.rx) > 0 {
		// Re-arm the coalesced event so another blocked reader sees the
		// remaining packets.
		select {
		case s.rxEvent <- struct{}{}:
		default:
		}
	}
	return skb, true
}

// Close marks the socket closed and wakes every blocked RecvMsg with
// errcode.NoDevice. Queued rtskbs are freed.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.rx
	s.rx = nil
	s.mu.Unlock()

	for _, skb := range pending {
		s.Pool.Free(skb)
	}
	close(s.done)
	s.Pool.Release()
}

// Shrink honours an ioctl-driven pool shrink only when the socket
// currently has that many free buffers.
func (s *Socket) Shrink(n int) error { return s.Pool.Shrink(n) }

// Extend grows the socket's pool (coarse, non-real-time).
func (s *Socket) Extend(n int) { s.Pool.Extend(n) }
