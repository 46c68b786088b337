// Package stack implements the packet-type dispatch table and the
// stack-manager task: the hash-bucketed table of registered L3
// protocol handlers, and the single task that drains the per-driver
// SPSC ring and dispatches each arriving rtskb to the matching
// handler.
package stack

import (
	"sync"

	"rtnet/internal/errcode"
	"rtnet/internal/rtskb"
)

// HashTableSize is the number of dispatch buckets; bucket index is
// type & (HashTableSize-1).
const HashTableSize = 16

// Handler processes one rtskb for a registered protocol. It returns
// nil on success (ownership of skb consumed) or a non-nil error to
// request the next handler registered for the same type.
type Handler func(skb *rtskb.SKB) error

// PacketType is one entry in the dispatch table: an ethertype, its
// handler, an optional error handler, and a refcount that blocks
// removal while a handler call is in flight.
type PacketType struct {
	Type    uint16
	Handler Handler
	OnError func(skb *rtskb.SKB, err error)

	refcount int
}

// Table is the process-wide rt_packets hash under a single RW lock: the
// hot path copies a bucket under the read side and takes the write side
// only to move a handler's refcount.
type Table struct {
	mu      sync.RWMutex
	buckets [HashTableSize][]*PacketType
}

// NewTable returns an empty packet-type table.
func NewTable() *Table { return &Table{} }

func bucketFor(t uint16) int { return int(t) & (HashTableSize - 1) }

// AddPack links pt into its bucket. Re-registering the same Type value
// appends another handler to the same bucket; multiple handlers for one
// type are walked in registration order until one returns nil.
func (t *Table) AddPack(pt *PacketType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := bucketFor(pt.Type)
	t.buckets[b] = append(t.buckets[b], pt)
}

// RemovePack unlinks pt, failing with errcode.Busy ("in use") if a
// dispatch is currently executing its handler.
func (t *Table) RemovePack(pt *PacketType) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pt.refcount != 0 {
		return errcode.Wrap("stack.RemovePack", errcode.Busy, nil)
	}
	b := bucketFor(pt.Type)
	entries := t.buckets[b]
	for i, e := range entries {
		if e == pt {
			t.buckets[b] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return errcode.Wrap("stack.RemovePack", errcode.NoEntry, nil)
}

// Deliver walks the bucket for skb.Protocol, calling each handler in
// turn until one returns nil. It implements internal/rtdev.Dispatcher
// so the loopback driver (and any real driver) can hand a received
// frame straight into dispatch.
func (t *Table) Deliver(skb *rtskb.SKB) error {
	b := bucketFor(skb.Protocol)

	t.mu.RLock()
	entries := append([]*PacketType(nil), t.buckets[b]...)
	t.mu.RUnlock()

	var lastErr error
	for _, pt := range entries {
		if pt.Type != skb.Protocol {
			continue
		}

		t.mu.Lock()
		pt.refcount++
		t.mu.Unlock()

		err := pt.Handler(skb)

		t.mu.Lock()
		pt.refcount--
		t.mu.Unlock()

		if err == nil {
			return nil
		}
		lastErr = err
		if pt.OnError != nil {
			pt.OnError(skb, err)
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return errcode.Wrap("stack.Deliver", errcode.NoEntry, nil)
}
