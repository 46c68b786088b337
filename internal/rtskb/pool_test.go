package rtskb

import (
	"testing"

	"rtnet/internal/errcode"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	p := NewPool("test", 4, DefaultMaxSize)
	skb, err := p.Alloc(64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if skb.Len() != 0 || skb.Cap() < 64 {
		t.Fatalf("unexpected reset state: len=%d cap=%d", skb.Len(), skb.Cap())
	}
	if p.FreeCount() != 3 {
		t.Fatalf("expected 3 free, got %d", p.FreeCount())
	}
	p.Free(skb)
	if p.FreeCount() != 4 {
		t.Fatalf("expected 4 free after Free, got %d", p.FreeCount())
	}
}

func TestAllocOversizeRejected(t *testing.T) {
	p := NewPool("test", 2, 128)
	if _, err := p.Alloc(129); errcode.Of(err) != errcode.Invalid {
		t.Fatalf("expected Invalid, got %v", err)
	}
	// exactly max size is fine
	if _, err := p.Alloc(128); err != nil {
		t.Fatalf("alloc at max size should succeed: %v", err)
	}
}

func TestAllocEmptyPoolNeverBlocks(t *testing.T) {
	p := NewPool("test", 1, DefaultMaxSize)
	if _, err := p.Alloc(10); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := p.Alloc(10); errcode.Of(err) != errcode.Again {
		t.Fatalf("expected Again on empty pool, got %v", err)
	}
}

func TestPoolSizeOneWorks(t *testing.T) {
	p := NewPool("test", 1, DefaultMaxSize)
	skb, err := p.Alloc(10)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	p.Free(skb)
	if _, err := p.Alloc(10); err != nil {
		t.Fatalf("re-alloc after free: %v", err)
	}
}

func TestAcquirePreservesDonorCount(t *testing.T) {
	driverPool := NewPool("driver", 2, DefaultMaxSize)
	sockPool := NewPool("socket", 2, DefaultMaxSize)

	skb, err := driverPool.Alloc(100)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if driverPool.FreeCount() != 1 {
		t.Fatalf("expected 1 free in driver pool, got %d", driverPool.FreeCount())
	}

	if err := Acquire(skb, sockPool); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// sockPool donated one placeholder back to driverPool, so driverPool
	// count is restored to its pre-alloc level.
	if driverPool.FreeCount() != 2 {
		t.Fatalf("expected driver pool count preserved at 2, got %d", driverPool.FreeCount())
	}
	if sockPool.FreeCount() != 1 {
		t.Fatalf("expected socket pool down to 1 free, got %d", sockPool.FreeCount())
	}
	if skb.Pool() != sockPool {
		t.Fatalf("skb not rebound to new pool")
	}
}

func TestAcquireFailsWhenNewPoolEmpty(t *testing.T) {
	driverPool := NewPool("driver", 1, DefaultMaxSize)
	sockPool := NewPool("socket", 0, DefaultMaxSize)

	skb, _ := driverPool.Alloc(10)
	if err := Acquire(skb, sockPool); errcode.Of(err) != errcode.Again {
		t.Fatalf("expected Again, got %v", err)
	}
	// ownership must not have changed on failure
	if skb.Pool() != driverPool {
		t.Fatalf("skb pool changed on failed acquire")
	}
}

func TestShrinkHonouredOnlyWhenEnoughFree(t *testing.T) {
	p := NewPool("test", 4, DefaultMaxSize)
	skb1, _ := p.Alloc(10)
	skb2, _ := p.Alloc(10)
	_ = skb2
	// 2 in flight, 2 free
	if err := p.Shrink(3); errcode.Of(err) != errcode.Again {
		t.Fatalf("expected shrink-by-3 to fail with Again, got %v", err)
	}
	if err := p.Shrink(2); err != nil {
		t.Fatalf("shrink-by-2 should succeed: %v", err)
	}
	if p.FreeCount() != 0 {
		t.Fatalf("expected 0 free after shrink, got %d", p.FreeCount())
	}
	p.Free(skb1)
}

func TestExtendGrowsFreeCount(t *testing.T) {
	p := NewPool("test", 1, DefaultMaxSize)
	p.Extend(3)
	if p.FreeCount() != 4 {
		t.Fatalf("expected 4 free after extend, got %d", p.FreeCount())
	}
}

func TestPointerMonotonicityAfterOps(t *testing.T) {
	p := NewPool("test", 1, DefaultMaxSize)
	skb, _ := p.Alloc(256)
	skb.Reserve(16)
	skb.Put(32)
	skb.Push(4)
	skb.Pull(4)
	skb.Trim(20)
	if err := skb.checkInvariant(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

func TestPutOverflowPanics(t *testing.T) {
	p := NewPool("test", 1, 32)
	skb, _ := p.Alloc(32)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on put overflow")
		}
	}()
	skb.Put(33)
}

func TestPoolConservationInvariant(t *testing.T) {
	p := NewPool("test", 4, DefaultMaxSize)
	p.Extend(2)
	skb, _ := p.Alloc(10)
	skb2, _ := p.Alloc(10)
	p.Free(skb)
	if err := p.Shrink(1); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	s := p.Stats()
	free := int64(p.FreeCount())
	inFlight := int64(1) // skb2 still held
	if s.Initial+s.Extends-s.Shrinks != free+inFlight {
		t.Fatalf("pool conservation violated: initial=%d extends=%d shrinks=%d free=%d inFlight=%d",
			s.Initial, s.Extends, s.Shrinks, free, inFlight)
	}
	p.Free(skb2)
}
