package rtskb

import (
	"sync"
	"sync/atomic"

	"rtnet/internal/errcode"
)

// Pool is an ordered queue of *SKB, safe to pop from IRQ-equivalent
// (driver RX fast path, never blocking) and task context alike. Go has
// no real IRQ context, so "IRQ-safe" here means: Alloc and Free never
// block and never allocate.
type Pool struct {
	name    string
	maxSize int

	mu    sync.Mutex
	free  []*SKB
	count int // current free count
	peak  int // not updated; the in-flight high-water mark is stats.PeakInUse

	stats Stats
}

// Stats tracks per-pool current/peak bookkeeping, plus the aggregate
// the RTnet context keeps across every pool.
type Stats struct {
	Initial   int64
	Extends   int64
	Shrinks   int64
	Allocs    int64
	Frees     int64
	PeakInUse int64
}

// NewPool creates a pool of n rtskbs, each able to hold up to maxSize
// bytes of payload. Pools are sized once at attach time; growing or
// shrinking later is the explicit, non-real-time Extend/Shrink calls.
func NewPool(name string, n, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	p := &Pool{name: name, maxSize: maxSize}
	p.free = make([]*SKB, 0, n)
	for i := 0; i < n; i++ {
		skb := newSKB(maxSize)
		skb.pool = p
		p.free = append(p.free, skb)
	}
	p.count = n
	p.stats.Initial = int64(n)
	return p
}

func (p *Pool) Name() string    { return p.name }
func (p *Pool) MaxSize() int    { return p.maxSize }
func (p *Pool) FreeCount() int  { p.mu.Lock(); defer p.mu.Unlock(); return p.count }
func (p *Pool) Stats() Stats    { p.mu.Lock(); defer p.mu.Unlock(); return p.stats }
func (p *Pool) inFlight() int64 { return p.stats.Initial + p.stats.Extends - p.stats.Shrinks - int64(p.count) }

// Alloc dequeues one rtskb and resets its pointers. It never blocks:
// an empty pool or an oversized request both fail fast
// with errcode.Again / errcode.Invalid.
func (p *Pool) Alloc(size int) (*SKB, error) {
	if size > p.maxSize {
		return nil, errcode.Wrap("rtskb.Alloc", errcode.Invalid, nil)
	}
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return nil, errcode.Wrap("rtskb.Alloc", errcode.Again, nil)
	}
	skb := p.free[n-1]
	p.free = p.free[:n-1]
	p.count--
	p.stats.Allocs++
	if inFlight := p.inFlight(); inFlight > p.stats.PeakInUse {
		p.stats.PeakInUse = inFlight
	}
	p.mu.Unlock()

	skb.reset(size)
	return skb, nil
}

// Free re-enqueues skb on its owning pool. Never blocks.
func (p *Pool) Free(skb *SKB) {
	if skb == nil {
		return
	}
	owner := skb.pool
	if owner == nil {
		owner = p
	}
	owner.mu.Lock()
	owner.free = append(owner.free, skb)
	owner.count++
	owner.stats.Frees++
	owner.mu.Unlock()
}

// Acquire donates skb to newPool while refunding a placeholder: the
// donor pool's count must be preserved so the driver can immediately
// receive another packet, so one free skb is moved out of newPool and
// refunded to skb's current pool before skb is rebound.
func Acquire(skb *SKB, newPool *Pool) error {
	if skb == nil || newPool == nil {
		return errcode.Wrap("rtskb.Acquire", errcode.Invalid, nil)
	}
	oldPool := skb.pool

	newPool.mu.Lock()
	n := len(newPool.free)
	if n == 0 {
		newPool.mu.Unlock()
		return errcode.Wrap("rtskb.Acquire", errcode.Again, nil)
	}
	refund := newPool.free[n-1]
	newPool.free = newPool.free[:n-1]
	newPool.count--
	newPool.mu.Unlock()

	if oldPool != nil {
		refund.pool = oldPool
		oldPool.mu.Lock()
		oldPool.free = append(oldPool.free, refund)
		oldPool.count++
		oldPool.mu.Unlock()
	}

	skb.pool = newPool
	return nil
}

// Extend grows the pool by n freshly allocated rtskbs. This is a
// coarse, non-real-time operation: callers must not invoke it from the
// hot path.
func (p *Pool) Extend(n int) {
	if n <= 0 {
		return
	}
	fresh := make([]*SKB, n)
	for i := range fresh {
		skb := newSKB(p.maxSize)
		skb.pool = p
		fresh[i] = skb
	}
	p.mu.Lock()
	p.free = append(p.free, fresh...)
	p.count += n
	p.stats.Extends += int64(n)
	p.mu.Unlock()
}

// Shrink removes up to n free rtskbs from the pool. It only ever
// discards rtskbs that are already free — shrinking below the number of
// free buffers the pool currently holds fails with errcode.Again, so a
// socket pool shrink ioctl is honoured only when the socket has that
// many free buffers.
func (p *Pool) Shrink(n int) error {
	if n <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.free) {
		return errcode.Wrap("rtskb.Shrink", errcode.Again, nil)
	}
	p.free = p.free[:len(p.free)-n]
	p.count -= n
	p.stats.Shrinks += int64(n)
	return nil
}

// Release drops every free rtskb the pool currently holds. It sets no
// flag: an rtskb still in flight elsewhere that is freed afterwards is
// enqueued on this pool again and can be allocated. Callers (the device
// registry, the socket layer) are responsible for draining in-flight
// users first.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = nil
	p.count = 0
}

// aggregatePeak is the process-wide high-water mark: every pool keeps
// initial+extends-shrinks == free+in_flight, and the largest in-flight
// count observed anywhere is tracked here for diagnostics/tests.
var aggregatePeak atomic.Int64

func recordAggregatePeak(v int64) {
	for {
		cur := aggregatePeak.Load()
		if v <= cur || aggregatePeak.CompareAndSwap(cur, v) {
			return
		}
	}
}

// AggregatePeakInUse returns the largest in-flight count ever observed
// across all pools that called through RecordPeak (used by rtmetrics).
func AggregatePeakInUse() int64 { return aggregatePeak.Load() }

// RecordPeak lets a pool owner (rtdev, rtsocket) push its latest peak
// into the process-wide aggregate exposed via AggregatePeakInUse.
func RecordPeak(p *Pool) { recordAggregatePeak(p.stats.PeakInUse) }
