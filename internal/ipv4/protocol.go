package ipv4

import (
	"sync"

	"rtnet/internal/errcode"
	"rtnet/internal/rtskb"
)

// Protocol is the per-upper-layer-protocol hook set ip_local_deliver
// dispatches through. rtsocket implements this for UDP and registers
// itself, rather than ipv4 depending on rtsocket: upper protocols
// register downward into this table.
type Protocol interface {
	// DestSocket returns a referenced pool to acquire skb into, or
	// errcode.NoEntry if nothing is listening. The caller (local_deliver)
	// performs the rtskb.Acquire itself so Protocol implementations never
	// need to import rtskb.Pool semantics beyond this pointer.
	DestSocket(skb *rtskb.SKB) (*rtskb.Pool, error)

	// RcvHandler is called once skb has been acquired onto the
	// destination pool (or, for fragments, once reassembly completes).
	RcvHandler(skb *rtskb.SKB) error
}

// Registry maps an IP protocol number (iph.protocol) to its handler,
// the Go analogue of rt_inet_protocols.
type Registry struct {
	mu    sync.RWMutex
	procs map[uint8]Protocol
}

// NewRegistry returns an empty protocol registry.
func NewRegistry() *Registry { return &Registry{procs: make(map[uint8]Protocol)} }

// Register installs handler for the given IP protocol number.
func (r *Registry) Register(protocol uint8, handler Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[protocol] = handler
}

// Unregister removes the handler for protocol, if any.
func (r *Registry) Unregister(protocol uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, protocol)
}

func (r *Registry) lookup(protocol uint8) (Protocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[protocol]
	if !ok {
		return nil, errcode.Wrap("ipv4.lookup", errcode.NoEntry, nil)
	}
	return p, nil
}
