package ipv4

import (
	"sort"
	"sync"
	"time"

	"rtnet/internal/errcode"
	"rtnet/internal/rtskb"
)

// MaxReassemblies bounds the reassembly hash; once full, the oldest
// in-progress reassembly is evicted to make room.
const MaxReassemblies = 64

// DefaultReassemblyTimeout matches the conventional IP fragment reassembly
// window.
const DefaultReassemblyTimeout = 30 * time.Second

type fragKey struct {
	src, dst uint32
	protocol uint8
	id       uint16
}

type fragment struct {
	offset int // bytes
	last   bool
	data   []byte
}

type reassembly struct {
	key      fragKey
	frags    []fragment
	total    int // known total length once the last fragment arrives, 0 if unknown
	received int
	created  time.Time
	skb      *rtskb.SKB // donor skb whose pool/device backs the reassembled buffer
}

// Reassembler holds in-progress IP fragment reassemblies for one
// ipv4 stack instance.
type Reassembler struct {
	mu      sync.Mutex
	timeout time.Duration
	byKey   map[fragKey]*reassembly
	order   []fragKey // insertion order, for oldest-first eviction
}

// NewReassembler returns a Reassembler with the given timeout (0 uses
// DefaultReassemblyTimeout).
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{timeout: timeout, byKey: make(map[fragKey]*reassembly)}
}

// Feed adds one fragment to its reassembly record. It returns the
// reassembled skb once every fragment has arrived, or (nil, nil) while
// reassembly is still incomplete. The first fragment's skb is retained
// as the donor whose buffer backs the reassembled datagram; every
// later fragment is copied out and its skb refunded to its pool here.
func (rs *Reassembler) Feed(skb *rtskb.SKB, h Header, protocol uint8) (*rtskb.SKB, error) {
	key := fragKey{src: h.Src, dst: h.Dst, protocol: protocol, id: h.ID}
	payload := append([]byte(nil), skb.Data()...)
	offset := int(h.FragmentOffset()) * 8
	last := !h.MoreFragments()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	r, ok := rs.byKey[key]
	if !ok {
		if len(rs.byKey) >= MaxReassemblies {
			rs.evictOldestLocked()
		}
		r = &reassembly{key: key, created: time.Now(), skb: skb}
		rs.byKey[key] = r
		rs.order = append(rs.order, key)
	} else if pool := skb.Pool(); pool != nil {
		pool.Free(skb)
	}

	r.frags = append(r.frags, fragment{offset: offset, last: last, data: payload})
	r.received += len(payload)
	if last {
		r.total = offset + len(payload)
	}

	if r.total != 0 && r.total > r.skb.MaxCap() {
		// The whole datagram cannot fit one buffer; give up on it.
		delete(rs.byKey, key)
		rs.removeOrderLocked(key)
		if pool := r.skb.Pool(); pool != nil {
			pool.Free(r.skb)
		}
		return nil, errcode.Wrap("ipv4.Feed", errcode.NoBuffers, nil)
	}

	if r.total != 0 && r.received >= r.total {
		if out := rs.assembleLocked(r); out != nil {
			delete(rs.byKey, key)
			rs.removeOrderLocked(key)
			return out, nil
		}
	}
	return nil, nil
}

// assembleLocked stitches the fragments together into the donor skb's
// buffer, or returns nil if sorted offsets reveal a gap (an overlapping
// duplicate inflated the received count) and the caller keeps waiting.
func (rs *Reassembler) assembleLocked(r *reassembly) *rtskb.SKB {
	frags := append([]fragment(nil), r.frags...)
	sort.Slice(frags, func(i, j int) bool { return frags[i].offset < frags[j].offset })

	want := 0
	full := make([]byte, 0, r.total)
	for _, f := range frags {
		if f.offset != want {
			return nil
		}
		full = append(full, f.data...)
		want += len(f.data)
	}

	out := r.skb
	out.Trim(0)
	out.SetLimit(len(out.Head()))
	copy(out.Put(len(full)), full)
	return out
}

// evictOldestLocked drops the reassembly record inserted earliest,
// refunding its donor skb.
func (rs *Reassembler) evictOldestLocked() {
	if len(rs.order) == 0 {
		return
	}
	oldest := rs.order[0]
	rs.order = rs.order[1:]
	if r, ok := rs.byKey[oldest]; ok && r.skb != nil {
		if pool := r.skb.Pool(); pool != nil {
			pool.Free(r.skb)
		}
	}
	delete(rs.byKey, oldest)
}

func (rs *Reassembler) removeOrderLocked(key fragKey) {
	for i, k := range rs.order {
		if k == key {
			rs.order = append(rs.order[:i], rs.order[i+1:]...)
			return
		}
	}
}

// Sweep discards any reassembly record older than the configured
// timeout, freeing its donor skb back to its pool. It is an explicit
// method so tests can drive expiry with a synthetic clock; Sweeper
// runs it on a ticker.
func (rs *Reassembler) Sweep(now time.Time) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var expired []fragKey
	for k, r := range rs.byKey {
		if now.Sub(r.created) > rs.timeout {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		r := rs.byKey[k]
		if r.skb != nil && r.skb.Pool() != nil {
			r.skb.Pool().Free(r.skb)
		}
		delete(rs.byKey, k)
		rs.removeOrderLocked(k)
	}
	return len(expired)
}

// Pending reports the number of in-progress reassemblies, for tests
// and diagnostics.
func (rs *Reassembler) Pending() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.byKey)
}

// Sweeper runs Sweep on a ticker until stop is closed.
func (rs *Reassembler) Sweeper(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = rs.timeout
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			rs.Sweep(now)
		}
	}
}
