package tdma

import "sync/atomic"

// Clock tracks the node's estimate of the master's clock:
//
//	clock_offset = (xmit_stamp + master_packet_delay_ns) − rx_time_local
//	current_cycle_start = sched_xmit_stamp − clock_offset
//
// All fields are accessed from both the worker goroutine and ioctl
// callers, hence the atomics.
type Clock struct {
	offset      atomic.Int64 // t_master = t_local + offset
	cycleStart  atomic.Int64 // master-time cycle-start estimate, in local ns
	cycle       atomic.Int64
	packetDelay atomic.Int64 // master_packet_delay_ns, set by calibration
}

// OnSync updates the clock from a received SYNC frame's timestamps.
// xmitStamp and schedXmitStamp are in master time, as stamped by the
// master; rxTimeLocal is this node's local clock reading at receipt.
func (c *Clock) OnSync(xmitStamp, schedXmitStamp, rxTimeLocal int64) {
	offset := (xmitStamp + c.packetDelay.Load()) - rxTimeLocal
	c.offset.Store(offset)
	c.cycleStart.Store(schedXmitStamp - offset)
}

// SetPacketDelay installs the one-way delay estimate calibration
// produced.
func (c *Clock) SetPacketDelay(ns int64) { c.packetDelay.Store(ns) }

// PacketDelay reports the current one-way delay estimate.
func (c *Clock) PacketDelay() int64 { return c.packetDelay.Load() }

// Offset reports the current master-clock offset (the
// RTMAC_RTIOC_TIMEOFFSET ioctl's value).
func (c *Clock) Offset() int64 { return c.offset.Load() }

// ToMaster converts a local timestamp to master time.
func (c *Clock) ToMaster(localNs int64) int64 { return localNs + c.offset.Load() }

// ToLocal converts a master timestamp to local time.
func (c *Clock) ToLocal(masterNs int64) int64 { return masterNs - c.offset.Load() }

// CycleStart returns the local-time estimate of the current cycle's
// start.
func (c *Clock) CycleStart() int64 { return c.cycleStart.Load() }

// SetCycleStart is used by the master role, which defines cycle start
// directly rather than deriving it from a received SYNC.
func (c *Clock) SetCycleStart(localNs int64) { c.cycleStart.Store(localNs) }

// Cycle returns the current cycle number.
func (c *Clock) Cycle() int64 { return c.cycle.Load() }

// AdvanceCycle increments and returns the new cycle number.
func (c *Clock) AdvanceCycle() int64 { return c.cycle.Add(1) }

// SetCycle installs the cycle number directly (slave, on first SYNC).
func (c *Clock) SetCycle(n int64) { c.cycle.Store(n) }
