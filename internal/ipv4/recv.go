package ipv4

import (
	"rtnet/internal/rtskb"
)

// Stack bundles the protocol registry and fragment reassembler a
// concrete IPv4 instance needs; internal/stack.PacketType.Handler is
// wired to Stack.Rcv for ethertype 0x0800.
type Stack struct {
	Protocols *Registry
	Reasm     *Reassembler
}

// NewStack returns a Stack with a fresh protocol registry and
// reassembler using the default timeout.
func NewStack() *Stack {
	return &Stack{Protocols: NewRegistry(), Reasm: NewReassembler(0)}
}

// Rcv implements rt_ip_rcv: reject OTHERHOST, validate the
// header, trim to tot_len, then local-deliver. skb is consumed (freed
// or handed to its destination) in every case; Rcv's own return value
// only reports whether to keep trying the next same-type handler
// (matching internal/stack.Handler's contract) — it is never non-nil
// for a drop that the stack package should also log, since an invalid
// IP header is this layer's own business, not an unregistered ethertype.
func (s *Stack) Rcv(skb *rtskb.SKB) error {
	if skb.PktType == rtskb.PktOtherHost {
		s.drop(skb)
		return nil
	}

	h, err := ParseHeader(skb.NetworkHeader())
	if err != nil {
		s.drop(skb)
		return nil
	}
	skb.Trim(int(h.TotalLen))

	return s.localDeliver(skb, h)
}

func (s *Stack) drop(skb *rtskb.SKB) {
	if skb.Pool() != nil {
		skb.Pool().Free(skb)
	}
}

// localDeliver implements rt_ip_local_deliver: pull the IP header off,
// hand fragments to the reassembler, and otherwise acquire the skb onto
// the destination socket's pool before calling its rcv_handler.
func (s *Stack) localDeliver(skb *rtskb.SKB, h Header) error {
	proto, err := s.Protocols.lookup(h.Protocol)
	if err != nil {
		s.drop(skb)
		return nil
	}

	hdrLen := int(h.IHL) * 4
	skb.Pull(hdrLen)

	if h.IsFragment() {
		// Feed consumes skb in every outcome: retained as the donor,
		// refunded after copying, or freed on an oversized datagram.
		whole, ferr := s.Reasm.Feed(skb, h, h.Protocol)
		if ferr != nil || whole == nil {
			return nil
		}
		skb = whole
	}

	pool, derr := proto.DestSocket(skb)
	if derr != nil {
		s.drop(skb)
		return nil
	}
	if aerr := rtskb.Acquire(skb, pool); aerr != nil {
		s.drop(skb)
		return nil
	}

	// The protocol consumes (or frees) the skb in every outcome; an
	// error from it is this layer's to absorb, never a request to
	// re-dispatch the already-consumed buffer to another handler.
	_ = proto.RcvHandler(skb)
	return nil
}
