package rtcfg

import (
	"context"
	"sync"
	"testing"
	"time"

	"rtnet/internal/errcode"
	"rtnet/internal/rtdev"
	"rtnet/internal/rtpc"
	"rtnet/internal/rtskb"
)

type capturingDriver struct {
	mu   sync.Mutex
	sent []*rtskb.SKB
}

func (d *capturingDriver) Open(*rtdev.Device) error { return nil }
func (d *capturingDriver) Stop(*rtdev.Device) error { return nil }
func (d *capturingDriver) HardStartXmit(dev *rtdev.Device, skb *rtskb.SKB) error {
	d.mu.Lock()
	d.sent = append(d.sent, skb)
	d.mu.Unlock()
	return nil
}
func (d *capturingDriver) HardHeader(dev *rtdev.Device, skb *rtskb.SKB, dst rtdev.HWAddr, protocol uint16) error {
	return nil
}

func (d *capturingDriver) last() *rtskb.SKB {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return nil
	}
	return d.sent[len(d.sent)-1]
}

func newTestDevice(name string, hw rtdev.HWAddr, driver *capturingDriver) *rtdev.Device {
	pool := rtskb.NewPool(name, 32, rtskb.DefaultMaxSize)
	return rtdev.New(name, 0, hw, 1500, driver, pool)
}

func newTestEngine(t *testing.T, dev *rtdev.Device, reg *Registry) *Engine {
	t.Helper()
	bus := rtpc.NewBus(4)
	e := NewEngine(dev.Pool, bus.NewConn(dev.Name))
	if err := reg.Attach(dev, e); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return e
}

func TestEngineServerAddMarksStationPending(t *testing.T) {
	dev := newTestDevice("cfg0", rtdev.HWAddr{1, 1, 1, 1, 1, 1}, &capturingDriver{})
	e := newTestEngine(t, dev, NewRegistry())

	if err := e.Server(ServerConfig{Stage1: []byte("s1")}); err != nil {
		t.Fatalf("Server: %v", err)
	}
	mac := [6]byte{2, 2, 2, 2, 2, 2}
	if err := e.Add(mac, AddrNone, 0); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if e.stations.Len() != 1 {
		t.Fatalf("expected one configured station, got %d", e.stations.Len())
	}
	if e.State() != ServerRunning {
		t.Fatalf("state = %v, want ServerRunning", e.State())
	}
}

func TestEngineServerPushesStage1OnTick(t *testing.T) {
	driver := &capturingDriver{}
	dev := newTestDevice("cfg0", rtdev.HWAddr{1, 1, 1, 1, 1, 1}, driver)
	e := newTestEngine(t, dev, NewRegistry())

	e.Server(ServerConfig{Stage1: []byte("cfg"), Period: time.Millisecond, BurstRate: 8})
	mac := [6]byte{2, 2, 2, 2, 2, 2}
	e.Add(mac, AddrNone, 0)

	e.serverTick(e.server, time.Now())

	skb := driver.last()
	if skb == nil {
		t.Fatal("expected a STAGE_1_CFG frame to be sent")
	}
	id, err := ParseID(skb.Data())
	if err != nil || id != FrameStage1Cfg {
		t.Fatalf("ParseID = %v, %v", id, err)
	}
}

func TestEngineAnnounceNewMarksStationKnownAndRepliesAndAdvances(t *testing.T) {
	driver := &capturingDriver{}
	dev := newTestDevice("cfg0", rtdev.HWAddr{9, 9, 9, 9, 9, 9}, driver)
	e := newTestEngine(t, dev, NewRegistry())

	e.Server(ServerConfig{Stage1: []byte("s1"), Stage2: []byte("stage-two-blob")})
	clientMAC := [6]byte{2, 2, 2, 2, 2, 2}
	e.Add(clientMAC, AddrNone, 0)

	frame := BuildAnnounceNew(AnnounceNew{MAC: clientMAC, GetCfg: true})
	skb, _ := dev.Pool.Alloc(len(frame))
	copy(skb.Put(len(frame)), frame)

	if err := e.handleFrame(skb); err != nil {
		t.Fatalf("handleFrame: %v", err)
	}

	st, ok := e.stations.Get(clientMAC)
	if !ok || !st.Known {
		t.Fatal("expected station marked known after ANNOUNCE_NEW")
	}

	// ANNOUNCE_REPLY plus the STAGE_2_CFG push the get_cfg flag asked for.
	driver.mu.Lock()
	n := len(driver.sent)
	driver.mu.Unlock()
	if n < 2 {
		t.Fatalf("expected at least an ANNOUNCE_REPLY and a STAGE_2_CFG, got %d frames", n)
	}
}

// TestEngineClientBlocksUntilStage1AndWaitsForAnnounce exercises the
// two-ioctl client protocol split: CLIENT blocks only to CLIENT_1 on
// STAGE_1_CFG arrival, and ANNOUNCE_NEW is never sent until the caller
// explicitly issues the ANNOUNCE ioctl.
func TestEngineClientBlocksUntilStage1AndWaitsForAnnounce(t *testing.T) {
	driver := &capturingDriver{}
	dev := newTestDevice("cfg0", rtdev.HWAddr{3, 3, 3, 3, 3, 3}, driver)
	e := newTestEngine(t, dev, NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientDone := make(chan error, 1)
	go func() { clientDone <- e.Client(ctx, ClientConfig{MaxClients: 1}) }()

	time.Sleep(20 * time.Millisecond)
	if e.State() != Client0 {
		t.Fatalf("expected client to stay at Client0 absent STAGE_1_CFG, got %v", e.State())
	}

	serverMAC := [6]byte{4, 4, 4, 4, 4, 4}
	stage1 := BuildStage1Cfg(Stage1Cfg{MAC: serverMAC, Cfg: []byte("s1")})
	skb, _ := dev.Pool.Alloc(len(stage1))
	copy(skb.Put(len(stage1)), stage1)
	if err := e.handleFrame(skb); err != nil {
		t.Fatalf("handleFrame stage1: %v", err)
	}

	select {
	case err := <-clientDone:
		if err != nil {
			t.Fatalf("Client: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Client() to return at Client1")
	}
	if e.State() != Client1 {
		t.Fatalf("state = %v, want Client1", e.State())
	}

	// clientTick must not auto-fire ANNOUNCE_NEW: let a couple of ticks
	// pass and confirm nothing was sent.
	time.Sleep(250 * time.Millisecond)
	if sawFrame(driver, FrameAnnounceNew) {
		t.Fatal("ANNOUNCE_NEW must not be sent before the explicit Announce ioctl")
	}

	if err := e.Announce(ctx, true); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if !sawFrame(driver, FrameAnnounceNew) {
		t.Fatal("expected ANNOUNCE_NEW after calling Announce")
	}

	reply := BuildAnnounceReply(AnnounceReply{MAC: serverMAC})
	skb, _ = dev.Pool.Alloc(len(reply))
	copy(skb.Put(len(reply)), reply)
	if err := e.handleFrame(skb); err != nil {
		t.Fatalf("handleFrame announce reply: %v", err)
	}
	if e.State() != ClientAnnounced {
		t.Fatalf("state = %v, want ClientAnnounced", e.State())
	}

	stage2 := BuildStage2Cfg(Stage2Cfg{Clients: 1, HeartbeatPeriodMs: 100, CfgLen: 3, Cfg: []byte("abc")})
	skb, _ = dev.Pool.Alloc(len(stage2))
	copy(skb.Put(len(stage2)), stage2)
	if err := e.handleFrame(skb); err != nil {
		t.Fatalf("handleFrame stage2: %v", err)
	}

	deadline := time.After(time.Second)
	for e.State() < ClientAllFrames {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for ClientAllFrames, stuck at %v", e.State())
		case <-time.After(time.Millisecond):
		}
	}
}

func sawFrame(d *capturingDriver, want FrameID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, skb := range d.sent {
		if id, err := ParseID(skb.Data()); err == nil && id == want {
			return true
		}
	}
	return false
}

func announceFrom(t *testing.T, e *Engine, pool *rtskb.Pool, mac [6]byte, getCfg bool) {
	t.Helper()
	frame := BuildAnnounceNew(AnnounceNew{MAC: mac, GetCfg: getCfg})
	skb, err := pool.Alloc(len(frame))
	if err != nil {
		t.Fatalf("alloc announce: %v", err)
	}
	copy(skb.Put(len(frame)), frame)
	if err := e.handleFrame(skb); err != nil {
		t.Fatalf("handleFrame announce: %v", err)
	}
}

func TestServerWaitCompletesWhenAllStationsKnown(t *testing.T) {
	driver := &capturingDriver{}
	dev := newTestDevice("cfg0", rtdev.HWAddr{1, 1, 1, 1, 1, 1}, driver)
	e := newTestEngine(t, dev, NewRegistry())

	e.Server(ServerConfig{Stage1: []byte("s1")})
	macA := [6]byte{2, 2, 2, 2, 2, 2}
	macB := [6]byte{3, 3, 3, 3, 3, 3}
	e.Add(macA, AddrNone, 0)
	e.Add(macB, AddrNone, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	waitErr := make(chan error, 1)
	go func() { waitErr <- e.Wait(ctx) }()

	// Give the WAIT call time to park before either station announces.
	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-waitErr:
		t.Fatalf("Wait returned %v before the stations announced", err)
	default:
	}

	announceFrom(t, e, dev.Pool, macA, false)
	announceFrom(t, e, dev.Pool, macB, false)

	select {
	case err := <-waitErr:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for WAIT to complete once all stations announced")
	}
}

func TestServerWaitFailsWhenStationLost(t *testing.T) {
	driver := &capturingDriver{}
	dev := newTestDevice("cfg0", rtdev.HWAddr{1, 1, 1, 1, 1, 1}, driver)
	e := newTestEngine(t, dev, NewRegistry())

	e.Server(ServerConfig{Stage1: []byte("s1"), HeartbeatPeriod: 5 * time.Millisecond})
	macA := [6]byte{2, 2, 2, 2, 2, 2}
	macB := [6]byte{3, 3, 3, 3, 3, 3}
	e.Add(macA, AddrNone, 0)
	e.Add(macB, AddrNone, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	waitErr := make(chan error, 1)
	go func() { waitErr <- e.Wait(ctx) }()

	// Only A announces, then goes silent; B never announces, so the
	// wait stays parked until the heartbeat sweep declares A lost.
	announceFrom(t, e, dev.Pool, macA, false)

	select {
	case err := <-waitErr:
		if errcode.Of(err) != errcode.Timeout {
			t.Fatalf("expected Timeout once a station is lost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for WAIT to fail on the lost station")
	}
}

func TestEngineDownResetsState(t *testing.T) {
	dev := newTestDevice("cfg0", rtdev.HWAddr{5, 5, 5, 5, 5, 5}, &capturingDriver{})
	e := newTestEngine(t, dev, NewRegistry())
	e.Server(ServerConfig{})
	if err := e.Down(); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if e.State() != Off {
		t.Fatalf("state = %v, want Off", e.State())
	}
}

func TestRegistryDeliverRoutesToAttachedEngine(t *testing.T) {
	driver := &capturingDriver{}
	dev := newTestDevice("cfg0", rtdev.HWAddr{6, 6, 6, 6, 6, 6}, driver)
	reg := NewRegistry()
	e := newTestEngine(t, dev, reg)
	e.Server(ServerConfig{Stage1: []byte("s1")})
	e.Add([6]byte{7}, AddrNone, 0)

	frame := BuildAnnounceNew(AnnounceNew{MAC: [6]byte{7}})
	skb, _ := dev.Pool.Alloc(len(frame))
	copy(skb.Put(len(frame)), frame)
	skb.Dev = dev

	if err := reg.Deliver(skb); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if st, ok := e.stations.Get([6]byte{7}); !ok || !st.Known {
		t.Fatal("expected Deliver to reach the attached engine's handleFrame")
	}
}

func TestRegistryDeliverUnknownDeviceErrors(t *testing.T) {
	dev := newTestDevice("cfg0", rtdev.HWAddr{8, 8, 8, 8, 8, 8}, &capturingDriver{})
	reg := NewRegistry()
	skb, _ := dev.Pool.Alloc(8)
	skb.Put(1)
	skb.Dev = dev
	if err := reg.Deliver(skb); err == nil {
		t.Fatal("expected an error delivering to a device with no attached engine")
	}
}
