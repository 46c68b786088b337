package tdma

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"rtnet/internal/errcode"
	"rtnet/internal/rtdev"
	"rtnet/internal/rtmac"
	"rtnet/internal/rtskb"
)

// Role is a node's part in the TDMA cycle.
type Role int

const (
	RoleMaster Role = iota
	RoleSlave
	RoleBackup
)

// Config parameterises one Engine instance. CalReplyLeadCycles is how
// many cycles ahead of the request the master schedules its reply,
// giving XMIT_RPL_CAL time to land in its own reply slot.
type Config struct {
	Role               Role
	CycleLen           time.Duration
	BackupOffset       time.Duration // offset within the cycle a backup waits before taking over
	CalRounds          int
	CalReplyLeadCycles int64
	CalReplyOffset     time.Duration // ns within the reply cycle requests ask the master to answer at
}

// Engine is the per-device TDMA worker task: it walks a heap-ordered,
// cycle-scheduled job list, re-arming each job by one cycle length on
// every pass, since every TDMA job shares the same cadence.
type Engine struct {
	cfg Config
	dev *rtdev.Device

	Clock Clock
	Slots *Table

	cal     *Calibrator // slave role only
	replies *replyQueue // master role only

	pool *rtskb.Pool

	jobs jobList
	wake chan struct{}

	sawSync      atomic.Bool
	backupActive atomic.Bool
	stopped      atomic.Bool
	missedCycles atomic.Uint64

	waitMu  sync.Mutex
	waitErr error
	waitCh  chan struct{}
}

// NewEngine returns an unattached TDMA engine for the given role.
func NewEngine(cfg Config) *Engine {
	if cfg.CycleLen <= 0 {
		cfg.CycleLen = 10 * time.Millisecond
	}
	if cfg.CalReplyLeadCycles <= 0 {
		cfg.CalReplyLeadCycles = 2
	}
	if cfg.CalReplyOffset <= 0 {
		cfg.CalReplyOffset = cfg.CycleLen / 2
	}
	return &Engine{
		cfg:     cfg,
		Slots:   NewTable(),
		cal:     NewCalibrator(cfg.CalRounds),
		replies: &replyQueue{},
		wake:    make(chan struct{}, 1),
		waitCh:  make(chan struct{}),
	}
}

// Type implements rtmac.Discipline.
func (e *Engine) Type() rtmac.FrameType { return rtmac.FrameTDMA }

// Attach implements rtmac.Discipline: it allocates the engine's control
// frame pool and builds the initial job list from the slot table and
// configured role.
func (e *Engine) Attach(dev *rtdev.Device) error {
	e.dev = dev
	e.pool = rtskb.NewPool("tdma-ctrl", 32, rtskb.DefaultMaxSize)
	e.buildJobs()
	return nil
}

// Detach implements rtmac.Discipline.
func (e *Engine) Detach(dev *rtdev.Device) error {
	e.Stop()
	if e.pool != nil {
		e.pool.Release()
	}
	return nil
}

// Stop halts the worker loop and wakes every blocked WaitOnCycle caller
// with errcode.NoDevice, so a device close never strands a waiter.
func (e *Engine) Stop() {
	if e.stopped.Swap(true) {
		return
	}
	e.closeWait(errcode.Wrap("tdma.Stop", errcode.NoDevice, nil))
}

func (e *Engine) buildJobs() {
	now := time.Now().UnixNano()

	switch e.cfg.Role {
	case RoleMaster:
		e.Clock.SetCycleStart(now)
		e.jobs.push(&job{kind: XmitSync, due: now})
		e.jobs.push(&job{kind: XmitRplCal, due: now + int64(e.cfg.CycleLen)})
	case RoleBackup:
		e.jobs.push(&job{kind: BackupSync, offset: int64(e.cfg.BackupOffset), due: now + int64(e.cfg.BackupOffset)})
	case RoleSlave:
		e.jobs.push(&job{kind: XmitReqCal, due: now})
	}

	if e.cfg.Role != RoleMaster {
		slots, _ := e.Slots.snapshot()
		for _, s := range slots {
			e.jobs.push(&job{kind: SlotJob, slot: s.ID, offset: s.Offset, due: now + s.Offset})
		}
	}
}

// Run is the worker task proper: it sleeps until the next job is due,
// executes it, and re-arms it one cycle later. Run blocks until ctx is
// cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if e.stopped.Load() {
			return
		}
		due, ok := e.jobs.nextDue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
				continue
			}
		}

		wait := due - time.Now().UnixNano()
		if wait <= 0 {
			j := e.jobs.popReady(time.Now().UnixNano())
			if j != nil {
				e.execute(j)
			}
			continue
		}

		timer.Reset(time.Duration(wait))
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-e.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

func (e *Engine) execute(j *job) {
	now := time.Now().UnixNano()
	cycle := e.Clock.Cycle()

	// nextInCycle is j's offset in the cycle after the current one, or one
	// cycle from now while no cycle start is known (no SYNC seen yet).
	nextInCycle := func() int64 {
		next := e.Clock.CycleStart() + j.offset + int64(e.cfg.CycleLen)
		if next <= now {
			next = now + int64(e.cfg.CycleLen)
		}
		return next
	}

	switch j.kind {
	case XmitSync:
		cycle = e.Clock.AdvanceCycle()
		e.Clock.SetCycleStart(now)
		e.sawSync.Store(true)
		e.sendSync(SyncFrame{XmitStamp: now, SchedXmitStamp: now, Cycle: cycle})
		e.broadcastCycle()
		e.jobs.rearm(j, now+int64(e.cfg.CycleLen))

	case BackupSync:
		if !e.sawSync.Swap(false) {
			cycle = e.Clock.AdvanceCycle()
			e.Clock.SetCycleStart(now)
			e.backupActive.Store(true)
			e.missedCycles.Add(1)
			e.sendSync(SyncFrame{XmitStamp: now, SchedXmitStamp: now, Cycle: cycle})
			e.broadcastCycle()
		} else {
			e.backupActive.Store(false)
		}
		e.jobs.rearm(j, nextInCycle())

	case SlotJob:
		slot := e.lookupSlot(j.slot)
		if slot != nil && slot.fires(cycle) {
			if skb, ok := slot.dequeue(); ok {
				e.dev.Xmit(skb)
			}
		}
		e.jobs.rearm(j, nextInCycle())

	case XmitReqCal:
		if e.cal.Done() {
			e.Clock.SetPacketDelay(e.cal.MedianDelay())
			return // drop the job: calibration satisfied
		}
		req := CalRequest{
			TxStamp:     e.Clock.ToMaster(now),
			ReplyCycle:  cycle + e.cfg.CalReplyLeadCycles,
			ReplyOffset: int64(e.cfg.CalReplyOffset),
		}
		e.cal.BeginRound(req)
		e.send(BuildCalRequest(req))
		e.jobs.rearm(j, now+int64(e.cfg.CycleLen))

	case XmitRplCal:
		ready, _ := e.replies.due(cycle)
		for _, r := range ready {
			r.MasterTxTime = now
			e.send(BuildCalReply(r))
		}
		e.jobs.rearm(j, now+int64(e.cfg.CycleLen))
	}
}

func (e *Engine) lookupSlot(id int) *Slot {
	slots, _ := e.Slots.snapshot()
	for _, s := range slots {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (e *Engine) sendSync(f SyncFrame) { e.send(BuildSync(f)) }

// send allocates a control skb, copies payload into it, and submits to
// the device broadcast address — SYNC and calibration frames are
// always addressed link-layer-broadcast within the TDMA segment.
func (e *Engine) send(payload []byte) {
	if e.dev == nil || e.pool == nil {
		return
	}
	const hwHeaderLen = 14
	skb, err := e.pool.Alloc(hwHeaderLen + len(payload))
	if err != nil {
		return
	}
	skb.Reserve(hwHeaderLen)
	copy(skb.Put(len(payload)), payload)
	skb.SetNetworkHeader()
	if err := e.dev.HardHeader(skb, e.dev.Bcast, rtmac.EtherType); err != nil {
		e.pool.Free(skb)
		return
	}
	if err := e.dev.Xmit(skb); err != nil {
		e.pool.Free(skb)
	}
}

// PacketTX implements rtmac.Discipline: queue skb onto the slot its
// priority selects rather than transmitting immediately.
func (e *Engine) PacketTX(dev *rtdev.Device, skb *rtskb.SKB) error {
	slotID := SlotDefaultRT
	if skb.Priority <= 0 {
		slotID = SlotDefaultNRT
	}
	return e.Slots.Enqueue(slotID, skb)
}

// PacketRX implements rtmac.Discipline for inbound TDMA control frames.
// It always consumes skb; a malformed frame is freed and dropped here
// rather than offered back to the dispatch table.
func (e *Engine) PacketRX(dev *rtdev.Device, skb *rtskb.SKB) error {
	defer func() {
		if skb.Pool() != nil {
			skb.Pool().Free(skb)
		}
	}()

	_, payload, err := ParseFrame(skb.Data())
	if err != nil {
		return nil
	}
	now := time.Now().UnixNano()

	switch f := payload.(type) {
	case SyncFrame:
		e.Clock.OnSync(f.XmitStamp, f.SchedXmitStamp, now)
		e.Clock.SetCycle(extendCycle(e.Clock.Cycle(), uint16(f.Cycle)))
		e.sawSync.Store(true)
		e.broadcastCycle()
	case CalRequest:
		if e.cfg.Role == RoleMaster {
			e.replies.enqueue(CalReply{OrigTxStamp: f.TxStamp, MasterRxTime: now}, f.ReplyCycle)
		}
	case CalReply:
		if e.cfg.Role != RoleMaster {
			if e.cal.OnReply(f, now) && e.cal.Done() {
				e.Clock.SetPacketDelay(e.cal.MedianDelay())
			}
		}
	}
	return nil
}

// TimeOffset implements RTMAC_RTIOC_TIMEOFFSET.
func (e *Engine) TimeOffset() int64 { return e.Clock.Offset() }

// WaitOnCycle implements RTMAC_RTIOC_WAITONCYCLE: it blocks until the
// next SYNC (or, for a master/backup, the next cycle this node itself
// originates).
func (e *Engine) WaitOnCycle(ctx context.Context) error {
	_, err := e.WaitOnCycleEx(ctx)
	return err
}

// WaitOnCycleEx implements RTMAC_RTIOC_WAITONCYCLE_EX, additionally
// returning the cycle number reached.
func (e *Engine) WaitOnCycleEx(ctx context.Context) (int64, error) {
	e.waitMu.Lock()
	ch := e.waitCh
	e.waitMu.Unlock()

	select {
	case <-ch:
		e.waitMu.Lock()
		err := e.waitErr
		e.waitMu.Unlock()
		if err != nil {
			return 0, err
		}
		return e.Clock.Cycle(), nil
	case <-ctx.Done():
		return 0, errcode.Wrap("tdma.WaitOnCycleEx", errcode.Error, ctx.Err())
	}
}

func (e *Engine) broadcastCycle() {
	e.waitMu.Lock()
	old := e.waitCh
	e.waitCh = make(chan struct{})
	e.waitMu.Unlock()
	close(old)
}

func (e *Engine) closeWait(err error) {
	e.waitMu.Lock()
	e.waitErr = err
	old := e.waitCh
	e.waitCh = make(chan struct{})
	e.waitMu.Unlock()
	close(old)
}

// CalibrationResults exposes the slave-side calibration samples
// collected so far.
func (e *Engine) CalibrationResults() []CalSample { return e.cal.Results() }

// BackupActive reports whether this backup node is currently standing
// in for a silent master.
func (e *Engine) BackupActive() bool { return e.backupActive.Load() }

// MissedCycles counts how many cycles this backup node has had to take
// over for because no SYNC arrived from the master in time.
func (e *Engine) MissedCycles() uint64 { return e.missedCycles.Load() }
