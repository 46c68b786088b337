package ipv4

import (
	"testing"

	"rtnet/internal/errcode"
	"rtnet/internal/rtskb"
)

type recordingProtocol struct {
	pool     *rtskb.Pool
	received []*rtskb.SKB
	noDest   bool
}

func (p *recordingProtocol) DestSocket(skb *rtskb.SKB) (*rtskb.Pool, error) {
	if p.noDest {
		return nil, errcode.Wrap("test", errcode.NoEntry, nil)
	}
	return p.pool, nil
}

func (p *recordingProtocol) RcvHandler(skb *rtskb.SKB) error {
	p.received = append(p.received, skb)
	return nil
}

func buildIPPacket(pool *rtskb.Pool, protocol uint8, payload []byte) *rtskb.SKB {
	h := Header{TotalLen: uint16(HeaderLen + len(payload)), Protocol: protocol, TTL: 64}
	return buildIPPacketH(pool, h, payload)
}

func buildIPPacketH(pool *rtskb.Pool, h Header, payload []byte) *rtskb.SKB {
	skb, _ := pool.Alloc(64 + len(payload))
	skb.Reserve(14) // room for an ethernet header, unused here
	copy(skb.Put(HeaderLen), BuildHeader(h))
	copy(skb.Put(len(payload)), payload)
	skb.SetNetworkHeader()
	return skb
}

func TestRcvDeliversUnfragmentedPacket(t *testing.T) {
	driverPool := rtskb.NewPool("driver", 4, rtskb.DefaultMaxSize)
	sockPool := rtskb.NewPool("sock", 4, rtskb.DefaultMaxSize)
	proto := &recordingProtocol{pool: sockPool}

	s := NewStack()
	s.Protocols.Register(17, proto)

	skb := buildIPPacket(driverPool, 17, []byte("payload"))
	if err := s.Rcv(skb); err != nil {
		t.Fatalf("rcv: %v", err)
	}
	if len(proto.received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(proto.received))
	}
	if proto.received[0].Pool() != sockPool {
		t.Fatal("expected skb acquired onto socket pool")
	}
	if string(proto.received[0].Data()) != "payload" {
		t.Fatalf("unexpected payload: %q", proto.received[0].Data())
	}
}

func TestRcvDropsOtherHost(t *testing.T) {
	pool := rtskb.NewPool("driver", 4, rtskb.DefaultMaxSize)
	proto := &recordingProtocol{pool: pool}
	s := NewStack()
	s.Protocols.Register(17, proto)

	skb := buildIPPacket(pool, 17, []byte("x"))
	skb.PktType = rtskb.PktOtherHost
	before := pool.FreeCount()

	if err := s.Rcv(skb); err != nil {
		t.Fatalf("rcv: %v", err)
	}
	if len(proto.received) != 0 {
		t.Fatal("OTHERHOST packet should never be delivered")
	}
	if pool.FreeCount() != before+1 {
		t.Fatalf("expected skb freed back to pool, free count %d vs before %d", pool.FreeCount(), before)
	}
}

func TestRcvDropsUnknownProtocol(t *testing.T) {
	pool := rtskb.NewPool("driver", 4, rtskb.DefaultMaxSize)
	s := NewStack()

	skb := buildIPPacket(pool, 6, []byte("tcp-ish"))
	if err := s.Rcv(skb); err != nil {
		t.Fatalf("rcv: %v", err)
	}
}

func TestRcvDropsWhenNoDestSocket(t *testing.T) {
	pool := rtskb.NewPool("driver", 4, rtskb.DefaultMaxSize)
	proto := &recordingProtocol{pool: pool, noDest: true}
	s := NewStack()
	s.Protocols.Register(17, proto)

	skb := buildIPPacket(pool, 17, []byte("x"))
	if err := s.Rcv(skb); err != nil {
		t.Fatalf("rcv: %v", err)
	}
	if len(proto.received) != 0 {
		t.Fatal("expected no delivery when DestSocket fails")
	}
}

func TestRcvFeedsFragmentsToReassembler(t *testing.T) {
	pool := rtskb.NewPool("driver", 8, rtskb.DefaultMaxSize)
	proto := &recordingProtocol{pool: pool}
	s := NewStack()
	s.Protocols.Register(17, proto)

	payload := []byte("AAAAAAAA")
	h := Header{TotalLen: uint16(HeaderLen + len(payload)), Protocol: 17, TTL: 64, FragOff: FlagMoreFragments}
	skb := buildIPPacketH(pool, h, payload)

	if err := s.Rcv(skb); err != nil {
		t.Fatalf("rcv: %v", err)
	}
	if len(proto.received) != 0 {
		t.Fatal("a single MF fragment should not complete reassembly")
	}
	if s.Reasm.Pending() != 1 {
		t.Fatalf("expected 1 pending reassembly, got %d", s.Reasm.Pending())
	}
}
