// Package skbring is the single-producer/single-consumer ring that
// hands rtskb pointers from a driver's RX fast path to the stack
// manager task. The unit handed across this ring is always one
// *rtskb.SKB pointer, never a raw byte stream, so the slots are fixed
// pointer cells behind an atomic read/write index pair with an
// edge-coalesced wake channel.
package skbring

import (
	"sync/atomic"

	"rtnet/internal/rtskb"
)

// Ring is a lock-free SPSC queue of *rtskb.SKB pointers. Capacity must
// be a power of two. The producer (a driver ISR-equivalent) must never
// block; Push reports failure instead so the caller can drop the
// packet and count it.
type Ring struct {
	slots []*rtskb.SKB
	mask  uint32

	rd atomic.Uint32 // consumer index
	wr atomic.Uint32 // producer index

	signal chan struct{} // edge-coalesced "became non-empty" wake
	drops  atomic.Uint64
}

// New returns a Ring with the given power-of-two capacity (>= 2).
func New(size int) *Ring {
	if size < 2 || size&(size-1) != 0 {
		panic("skbring: size must be a power of two >= 2")
	}
	return &Ring{
		slots:  make([]*rtskb.SKB, size),
		mask:   uint32(size - 1),
		signal: make(chan struct{}, 1),
	}
}

func (r *Ring) size() uint32 { return uint32(len(r.slots)) }

// Push enqueues skb without blocking. It returns false if the ring is
// full, in which case the caller must drop the packet and release any
// device reference it was holding.
func (r *Ring) Push(skb *rtskb.SKB) bool {
	rd := r.rd.Load()
	wr := r.wr.Load()
	if wr-rd >= r.size() {
		r.drops.Add(1)
		return false
	}
	r.slots[wr&r.mask] = skb
	wasEmpty := wr == rd
	r.wr.Store(wr + 1)
	if wasEmpty {
		select {
		case r.signal <- struct{}{}:
		default:
		}
	}
	return true
}

// Pop dequeues one *rtskb.SKB, or returns (nil, false) if the ring is
// currently empty. The consumer task calls this after waking on
// Signal(), looping until it returns false.
func (r *Ring) Pop() (*rtskb.SKB, bool) {
	rd := r.rd.Load()
	wr := r.wr.Load()
	if rd == wr {
		return nil, false
	}
	skb := r.slots[rd&r.mask]
	r.slots[rd&r.mask] = nil
	r.rd.Store(rd + 1)
	return skb, true
}

// Signal returns the empty->non-empty wake channel. The consumer must
// always re-check Pop() after waking: the notification is coalesced,
// not counted.
func (r *Ring) Signal() <-chan struct{} { return r.signal }

// Len reports the number of packets currently queued.
func (r *Ring) Len() int { return int(r.wr.Load() - r.rd.Load()) }

// Cap reports the ring's fixed capacity.
func (r *Ring) Cap() int { return len(r.slots) }

// Drops returns the cumulative count of packets refused because the
// ring was full. Overflow never propagates an error to a sender; this
// counter is the only record.
func (r *Ring) Drops() uint64 { return r.drops.Load() }
