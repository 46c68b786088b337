// Package rtskb implements the real-time socket buffer: a fixed-size,
// pool-allocated packet descriptor with deterministic acquire/release on
// both the driver (IRQ-equivalent) and task side.
package rtskb

import (
	"rtnet/internal/errcode"
	"rtnet/internal/mathx"
)

// DefaultMaxSize is the default maximum payload capacity of one rtskb:
// an Ethernet MTU plus headroom for link headers and timestamp patches.
const DefaultMaxSize = 1544

// Align is the buffer alignment device DMA engines expect so they can
// write straight into an rtskb. Go's allocator does not expose alignment
// control, so the constant documents the contract rather than steering
// the allocator.
const Align = 16

// SKB is one real-time socket buffer. The metadata fields are exported
// for the sibling packages (stack, ipv4, rtsocket, tdma, rtcfg) that
// build and walk headers directly; the buffer offsets and owning pool
// are private and reached through the methods below.
type SKB struct {
	buf []byte // the fixed backing array; len(buf) == cap == maxSize

	data int // offset of buf holding the first byte of current data
	tail int // offset one past the last byte of current data
	end  int // offset one past the usable limit (<= len(buf))

	Protocol uint16 // L3 protocol ID, network byte order semantics
	NetHdr   int    // offset of the network-layer header within buf, -1 if unset

	// Dev holds the owning *rtdev.Device, typed as any to keep rtskb
	// free of a dependency on rtdev (which itself depends on rtskb).
	// Callers that need the concrete type assert it back.
	Dev  any
	pool *Pool

	RxTimestamp int64 // ns, set by the driver RX fast path
	TxPatch     int   // offset to patch with the tx timestamp, -1 if none
	Priority    int

	Chain *SKB // next buffer in a packet chain; nil terminates

	PktType PktType // OTHERHOST, BROADCAST, ... set by the driver
}

// PktType classifies how the link layer decided this frame was addressed.
type PktType int

const (
	PktHost PktType = iota
	PktBroadcast
	PktMulticast
	PktOtherHost
)

func newSKB(maxSize int) *SKB {
	return &SKB{buf: make([]byte, maxSize), TxPatch: -1, NetHdr: -1}
}

func (s *SKB) reset(size int) {
	s.data = 0
	s.tail = 0
	s.end = size
	s.Protocol = 0
	s.NetHdr = -1
	s.Dev = nil
	s.RxTimestamp = 0
	s.TxPatch = -1
	s.Priority = 0
	s.Chain = nil
	s.PktType = PktHost
}

// Len returns tail-data, the current payload length.
func (s *SKB) Len() int { return s.tail - s.data }

// Cap returns the usable limit from the current data pointer (end-data).
func (s *SKB) Cap() int { return s.end - s.data }

// Data returns the current payload slice, data..tail.
func (s *SKB) Data() []byte { return s.buf[s.data:s.tail] }

// Head returns the full backing buffer from buf_start, for code that
// needs to look behind the current data pointer (e.g. pulling a header
// back into view after a Pull).
func (s *SKB) Head() []byte { return s.buf }

// NetworkHeader returns the slice starting at the network header offset,
// or nil if none has been set with SetNetworkHeader.
func (s *SKB) NetworkHeader() []byte {
	if s.NetHdr < 0 {
		return nil
	}
	return s.buf[s.NetHdr:s.tail]
}

// SetNetworkHeader records the current data pointer as the start of the
// network-layer header, done when handing a frame up to L3.
func (s *SKB) SetNetworkHeader() { s.NetHdr = s.data }

// Pool returns the pool this skb currently belongs to.
func (s *SKB) Pool() *Pool { return s.pool }

// Reserve moves data (and tail, by the same amount) forward by n bytes,
// reserving headroom for headers that will be pushed later. It is only
// valid immediately after alloc, before any Put.
func (s *SKB) Reserve(n int) {
	if !mathx.Between(n, 0, s.end-s.data) {
		panic("rtskb: reserve overflow")
	}
	s.data += n
	s.tail += n
}

// Put extends tail by n bytes, appending payload. Panics if it would
// cross end, preserving the data<=tail<=end<=buf_end invariant.
func (s *SKB) Put(n int) []byte {
	if !mathx.Between(n, 0, s.end-s.tail) {
		panic("rtskb: put overflow")
	}
	old := s.tail
	s.tail += n
	return s.buf[old:s.tail]
}

// Push moves data backward by n bytes, prepending a header. Panics if it
// would cross buf_start.
func (s *SKB) Push(n int) []byte {
	if !mathx.Between(n, 0, s.data) {
		panic("rtskb: push underflow")
	}
	s.data -= n
	return s.buf[s.data : s.data+n]
}

// Pull moves data forward by n bytes, stripping a header already
// consumed. Panics if it would cross tail.
func (s *SKB) Pull(n int) []byte {
	if !mathx.Between(n, 0, s.tail-s.data) {
		panic("rtskb: pull overflow")
	}
	old := s.data
	s.data += n
	return s.buf[old:s.data]
}

// MaxCap returns the largest payload the buffer could hold from the
// current data pointer if the usable limit were raised to the backing
// array's end (see SetLimit).
func (s *SKB) MaxCap() int { return len(s.buf) - s.data }

// SetLimit moves the usable limit (the end pointer) to the absolute
// offset n, for owners that reuse a buffer beyond its original alloc
// size — the fragment reassembler stitching a whole datagram into a
// donor skb. Panics if n would fall behind tail or past the backing
// array.
func (s *SKB) SetLimit(n int) {
	if !mathx.Between(n, s.tail, len(s.buf)) {
		panic("rtskb: limit out of range")
	}
	s.end = n
}

// Trim shortens the payload to length, moving tail back. It never moves
// data or grows the buffer; len must be <= current Len().
func (s *SKB) Trim(length int) {
	if !mathx.Between(length, 0, s.tail-s.data) {
		panic("rtskb: trim out of range")
	}
	s.tail = s.data + length
}

// checkInvariant is called by tests and debug builds; it is cheap enough
// to also run unconditionally given rtskb sizes are small.
func (s *SKB) checkInvariant() error {
	if !(0 <= s.data && s.data <= s.tail && s.tail <= s.end && s.end <= len(s.buf)) {
		return errcode.Wrap("rtskb.checkInvariant", errcode.Invalid, nil)
	}
	return nil
}
