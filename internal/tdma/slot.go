// Package tdma implements the TDMA v2 media-access discipline:
// a cycle-scheduled worker per device, slot tables, SYNC-based
// clock synchronisation, calibration, and backup-master election.
package tdma

import (
	"sync"

	"rtnet/internal/errcode"
	"rtnet/internal/rtskb"
)

// Reserved slot IDs: slot 0 carries default RT traffic, slot 1 default
// NRT (bulk) traffic.
const (
	SlotDefaultRT  = 0
	SlotDefaultNRT = 1
)

// Slot is one transmit slot: a (offset, period, phasing) firing rule
// plus the queue of rtskbs waiting to go out on it.
type Slot struct {
	ID      int
	Offset  int64 // ns within a cycle
	Period  int   // fires when cycle % Period == Phasing
	Phasing int
	Size    int // max queue depth

	JointID int // >0: this slot aliases JointID's queue

	mu    sync.Mutex
	queue []*rtskb.SKB
}

// fires reports whether this slot is scheduled to transmit in cycle.
func (s *Slot) fires(cycle int64) bool {
	if s.Period <= 0 {
		return false
	}
	return cycle%int64(s.Period) == int64(s.Phasing)
}

func (s *Slot) enqueue(skb *rtskb.SKB) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.Size {
		return false
	}
	s.queue = append(s.queue, skb)
	return true
}

func (s *Slot) dequeue() (*rtskb.SKB, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	skb := s.queue[0]
	s.queue = s.queue[1:]
	return skb, true
}

func (s *Slot) drain(free func(*rtskb.SKB)) {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, skb := range pending {
		free(skb)
	}
}

// Table is the set of slots configured on one TDMA-disciplined device.
// Mutation happens from non-RT context. The worker does not read the
// revision counter: it looks each slot up by ID on every pass, so a
// removed slot's job finds nothing to send, and a slot added after
// Attach gets no job of its own.
type Table struct {
	mu       sync.RWMutex
	slots    map[int]*Slot
	revision int64
}

// NewTable returns an empty slot table seeded with the two reserved
// default slots.
func NewTable() *Table {
	t := &Table{slots: make(map[int]*Slot)}
	t.slots[SlotDefaultRT] = &Slot{ID: SlotDefaultRT, Size: 16, Period: 1}
	t.slots[SlotDefaultNRT] = &Slot{ID: SlotDefaultNRT, Size: 16, Period: 1}
	return t
}

// SetSlot installs or replaces a slot. If jointID is non-zero, the new
// slot aliases the existing slot's queue, sharing one physical slot's
// queue between differing logical slot IDs.
func (t *Table) SetSlot(id int, offset int64, period, phasing, size, jointID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := &Slot{ID: id, Offset: offset, Period: period, Phasing: phasing, Size: size, JointID: jointID}
	if jointID != 0 {
		// Aliasing is resolved at enqueue/dequeue time via jointTarget;
		// the target just has to exist now.
		if _, ok := t.slots[jointID]; !ok {
			return errcode.Wrap("tdma.SetSlot", errcode.NoEntry, nil)
		}
	}
	t.slots[id] = slot
	t.revision++
	return nil
}

// RemoveSlot deletes id from the table at once and hands every queued
// rtskb to free. The worker finds the slot gone the next time it looks
// it up by ID.
func (t *Table) RemoveSlot(id int, free func(*rtskb.SKB)) error {
	t.mu.Lock()
	slot, ok := t.slots[id]
	if !ok {
		t.mu.Unlock()
		return errcode.Wrap("tdma.RemoveSlot", errcode.NoEntry, nil)
	}
	delete(t.slots, id)
	t.revision++
	t.mu.Unlock()

	slot.drain(free)
	return nil
}

// jointTarget resolves the slot that actually owns the queue for id
// (itself, unless it aliases another slot via JointID).
func (t *Table) jointTarget(id int) *Slot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	slot, ok := t.slots[id]
	if !ok {
		return nil
	}
	if slot.JointID != 0 {
		if target, ok := t.slots[slot.JointID]; ok {
			return target
		}
	}
	return slot
}

// Enqueue places skb on the queue behind slot id (or its joint target),
// used by PacketTX when the framework chooses a slot by priority.
func (t *Table) Enqueue(id int, skb *rtskb.SKB) error {
	target := t.jointTarget(id)
	if target == nil {
		return errcode.Wrap("tdma.Enqueue", errcode.NoEntry, nil)
	}
	if !target.enqueue(skb) {
		return errcode.Wrap("tdma.Enqueue", errcode.NoBuffers, nil)
	}
	return nil
}

// snapshot returns the current slots and revision, for the worker's
// per-cycle pass.
func (t *Table) snapshot() ([]*Slot, int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Slot, 0, len(t.slots))
	for _, s := range t.slots {
		out = append(out, s)
	}
	return out, t.revision
}
