package stack

import (
	"context"
	"sync/atomic"

	"rtnet/internal/rtdev"
	"rtnet/internal/rtlog"
	"rtnet/internal/rtskb"
	"rtnet/internal/skbring"
)

// Manager is the stack-manager task: it drains one or more per-device
// SPSC rings and dispatches each rtskb through Table. Multiple device
// rings fan into one dispatch loop via a small pump goroutine per ring
// rather than a busy-polling multiplexed select, since Go has no
// equivalent to a single waitable "stack event" shared across devices.
type Manager struct {
	table *Table
	queue chan *rtskb.SKB

	drops atomic.Int64
}

// NewManager returns a manager dispatching through table. queueLen
// bounds the fan-in queue depth between the per-ring pumps and the
// single dispatch loop.
func NewManager(table *Table, queueLen int) *Manager {
	return &Manager{
		table: table,
		queue: make(chan *rtskb.SKB, queueLen),
	}
}

// Attach starts a pump goroutine that forwards every skb popped from
// ring into the manager's dispatch queue, tagging it with dev so the
// dispatch loop can apply the per-device promiscuous/drop policy. The
// pump exits when ctx is cancelled.
func (m *Manager) Attach(ctx context.Context, dev *rtdev.Device, ring *skbring.Ring) {
	go func() {
		for {
			for {
				skb, ok := ring.Pop()
				if !ok {
					break
				}
				skb.Dev = dev
				select {
				case m.queue <- skb:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ring.Signal():
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Run is the dispatch loop proper: for each queued skb, deliver it to
// the matching packet-type handler; if none matches and the owning
// device is not promiscuous, log and drop. Run blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case skb := <-m.queue:
			m.dispatch(skb)
		}
	}
}

func (m *Manager) dispatch(skb *rtskb.SKB) {
	err := m.table.Deliver(skb)
	if err == nil {
		return
	}
	dev, _ := skb.Dev.(*rtdev.Device)
	if dev == nil || !dev.HasFlag(rtdev.FlagPromisc) {
		m.drops.Add(1)
		rtlog.Warn("stack: no handler for protocol %#04x on %s, dropping", skb.Protocol, deviceName(dev))
	}
	// No handler consumed the skb; refund it to its pool.
	if pool := skb.Pool(); pool != nil {
		pool.Free(skb)
	}
}

func deviceName(dev *rtdev.Device) string {
	if dev == nil {
		return "?"
	}
	return dev.Name
}

// Drops reports the number of packets dropped for lacking a handler.
func (m *Manager) Drops() int64 { return m.drops.Load() }
