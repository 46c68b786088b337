package rtsocket

import (
	"context"
	"testing"
	"time"

	"rtnet/internal/errcode"
	"rtnet/internal/rtskb"
)

func TestRecvMsgNonBlockingReturnsAgainWhenEmpty(t *testing.T) {
	s := New(AFInet, SockDgram, ProtoUDP, 4)
	_, err := s.RecvMsg(context.Background(), -1)
	if errcode.Of(err) != errcode.Again {
		t.Fatalf("expected Again, got %v", err)
	}
}

func TestRecvMsgReturnsQueuedDatagramImmediately(t *testing.T) {
	s := New(AFInet, SockDgram, ProtoUDP, 4)
	skb, _ := s.Pool.Alloc(8)
	copy(skb.Put(5), []byte("hello"))
	s.Deliver(skb)

	got, err := s.RecvMsg(context.Background(), -1)
	if err != nil {
		t.Fatalf("recvmsg: %v", err)
	}
	if string(got.Data()) != "hello" {
		t.Fatalf("unexpected payload %q", got.Data())
	}
}

func TestRecvMsgBlocksUntilDeliver(t *testing.T) {
	s := New(AFInet, SockDgram, ProtoUDP, 4)
	done := make(chan struct{})
	go func() {
		skb, _ := s.Pool.Alloc(4)
		copy(skb.Put(2), []byte("hi"))
		time.Sleep(10 * time.Millisecond)
		s.Deliver(skb)
		close(done)
	}()

	got, err := s.RecvMsg(context.Background(), 0)
	if err != nil {
		t.Fatalf("recvmsg: %v", err)
	}
	if string(got.Data()) != "hi" {
		t.Fatalf("unexpected payload %q", got.Data())
	}
	<-done
}

func TestRecvMsgPositiveTimeoutExpires(t *testing.T) {
	s := New(AFInet, SockDgram, ProtoUDP, 4)
	start := time.Now()
	_, err := s.RecvMsg(context.Background(), int64(5*time.Millisecond))
	if errcode.Of(err) != errcode.Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Fatalf("returned before the deadline elapsed")
	}
}

func TestCloseWakesBlockedReceiver(t *testing.T) {
	s := New(AFInet, SockDgram, ProtoUDP, 4)
	errc := make(chan error, 1)
	go func() {
		_, err := s.RecvMsg(context.Background(), 0)
		errc <- err
	}()
	time.Sleep(5 * time.Millisecond)
	s.Close()

	select {
	case err := <-errc:
		if errcode.Of(err) != errcode.NoDevice {
			t.Fatalf("expected NoDevice on close wakeup, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RecvMsg did not wake up after Close")
	}
}

func TestCallbackConsumesAndSkipsQueue(t *testing.T) {
	s := New(AFInet, SockDgram, ProtoUDP, 4)
	var seen []byte
	s.SetCallback(func(skb *rtskb.SKB) bool {
		seen = append([]byte(nil), skb.Data()...)
		return true
	})

	skb, _ := s.Pool.Alloc(4)
	copy(skb.Put(3), []byte("abc"))
	s.Deliver(skb)

	if string(seen) != "abc" {
		t.Fatalf("callback did not see payload, got %q", seen)
	}
	if _, ok := s.dequeue(); ok {
		t.Fatal("expected nothing queued once the callback consumed the skb")
	}
}

func TestCallbackPassThroughQueuesNormally(t *testing.T) {
	s := New(AFInet, SockDgram, ProtoUDP, 4)
	s.SetCallback(func(skb *rtskb.SKB) bool { return false })

	skb, _ := s.Pool.Alloc(4)
	copy(skb.Put(3), []byte("xyz"))
	s.Deliver(skb)

	got, ok := s.dequeue()
	if !ok || string(got.Data()) != "xyz" {
		t.Fatalf("expected pass-through delivery to queue, got %v ok=%v", got, ok)
	}
}

func TestShrinkRespectsFreeCount(t *testing.T) {
	s := New(AFInet, SockDgram, ProtoUDP, 4)
	if err := s.Shrink(2); err != nil {
		t.Fatalf("shrink within free count: %v", err)
	}
	if err := s.Shrink(100); err == nil {
		t.Fatal("expected shrink beyond free count to fail")
	}
}
