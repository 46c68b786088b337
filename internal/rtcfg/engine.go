package rtcfg

import (
	"context"
	"sync"
	"time"

	"rtnet/internal/errcode"
	"rtnet/internal/rtdev"
	"rtnet/internal/rtlog"
	"rtnet/internal/rtpc"
	"rtnet/internal/rtskb"
)

// MainState is the connection's RTCFG_MAIN_STATE. The server only ever
// occupies Off/ServerRunning; a client walks the rest of the list in
// order as each stage completes.
type MainState uint8

const (
	Off MainState = iota
	ServerRunning
	Client0
	Client1
	ClientAnnounced
	ClientAllKnown
	ClientAllFrames
	Client2
	ClientReady
)

func (s MainState) String() string {
	switch s {
	case Off:
		return "OFF"
	case ServerRunning:
		return "SERVER_RUNNING"
	case Client0:
		return "CLIENT_0"
	case Client1:
		return "CLIENT_1"
	case ClientAnnounced:
		return "CLIENT_ANNOUNCED"
	case ClientAllKnown:
		return "CLIENT_ALL_KNOWN"
	case ClientAllFrames:
		return "CLIENT_ALL_FRAMES"
	case Client2:
		return "CLIENT_2"
	case ClientReady:
		return "CLIENT_READY"
	default:
		return "UNKNOWN"
	}
}

// hbWindow is the default ServerConfig.Threshold: the number of heartbeat
// periods a station may miss before the server marks it lost.
const hbWindow = 3

// Engine is one device's RTcfg connection: it may be configured as a
// server (SERVER ioctl) or a client (CLIENT ioctl), never both.
type Engine struct {
	dev  *rtdev.Device
	pool *rtskb.Pool
	conn *rtpc.Conn

	stateTopic rtpc.Topic
	waitTopic  rtpc.Topic
	waitSub    *rtpc.Subscription

	mu           sync.Mutex
	state        MainState
	stations     *StationTable // server role only
	server       *serverState  // server role only
	client       *clientState  // client role only
	pendingWaits []*rtpc.Call  // parked WAIT ioctl calls, completed by the state machine

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewEngine returns an idle Engine bound to pool (used to allocate
// outbound control skbs) and conn (the rtpc connection the ioctl
// methods block on).
func NewEngine(pool *rtskb.Pool, conn *rtpc.Conn) *Engine {
	return &Engine{
		pool:     pool,
		conn:     conn,
		stations: NewStationTable(),
		stopCh:   make(chan struct{}),
	}
}

func (e *Engine) setState(s MainState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	if e.conn != nil && len(e.stateTopic) > 0 {
		e.conn.Publish(e.conn.NewCall(e.stateTopic, s, true))
	}
}

// State returns the current MainState.
func (e *Engine) State() MainState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Server brings the connection up in the server role: installs cfg and
// starts advertising STAGE_1_CFG to any station later added via Add.
func (e *Engine) Server(cfg ServerConfig) error {
	e.mu.Lock()
	if e.state != Off {
		e.mu.Unlock()
		return errcode.Wrap("rtcfg.Server", errcode.Busy, nil)
	}
	e.server = newServerState(cfg)
	e.mu.Unlock()
	e.setState(ServerRunning)
	return nil
}

// Add registers a station the server should push configuration to
// (the ADD ioctl).
func (e *Engine) Add(mac [6]byte, addrType AddrType, ip uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != ServerRunning {
		return errcode.Wrap("rtcfg.Add", errcode.Invalid, nil)
	}
	e.stations.Configure(mac, addrType, ip)
	return nil
}

// Del removes a previously-added station (the DEL ioctl).
func (e *Engine) Del(mac [6]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != ServerRunning {
		return errcode.Wrap("rtcfg.Del", errcode.Invalid, nil)
	}
	e.stations.Remove(mac)
	return nil
}

// Client brings the connection up in the client role (the CLIENT
// ioctl) and blocks until the first STAGE_1_CFG has arrived, advancing
// CLIENT_0 -> CLIENT_1, or ctx is done. Progressing past CLIENT_1 is
// the separate ANNOUNCE ioctl's job, not CLIENT's.
func (e *Engine) Client(ctx context.Context, cfg ClientConfig) error {
	e.mu.Lock()
	if e.state != Off {
		e.mu.Unlock()
		return errcode.Wrap("rtcfg.Client", errcode.Busy, nil)
	}
	e.client = newClientState(cfg)
	e.mu.Unlock()
	e.setState(Client0)

	return e.WaitState(ctx, Client1)
}

// Announce sends an explicit ANNOUNCE_NEW (the ANNOUNCE ioctl). The
// getCfg flag asks the server to transmit stage-2.
func (e *Engine) Announce(ctx context.Context, getCfg bool) error {
	e.mu.Lock()
	client := e.client
	dev := e.dev
	e.mu.Unlock()
	if client == nil || dev == nil {
		return errcode.Wrap("rtcfg.Announce", errcode.Invalid, nil)
	}
	e.sendAnnounceNew(client, getCfg)
	return nil
}

// Ready signals the application is prepared for traffic (the READY
// ioctl): sends READY to the server and advances to CLIENT_READY.
func (e *Engine) Ready(ctx context.Context) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return errcode.Wrap("rtcfg.Ready", errcode.Invalid, nil)
	}
	client.mu.Lock()
	server := client.serverMAC
	client.mu.Unlock()
	e.sendTo(server, BuildReady(Ready{MAC: e.localMAC()}))
	e.setState(ClientReady)
	return nil
}

// Wait implements the server-side WAIT ioctl: it blocks until every
// station configured via Add has announced itself, failing with
// Timeout once the heartbeat sweep marks a station lost, or with
// NoDevice if the engine shuts down first. The call travels over the
// rtpc request/reply bridge so the state machine can complete it
// synchronously (all stations already known) or defer it until the
// condition is reached.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	running := e.state == ServerRunning
	e.mu.Unlock()
	if !running || e.conn == nil {
		return errcode.Wrap("rtcfg.Wait", errcode.Invalid, nil)
	}
	reply, err := e.conn.RequestWait(ctx, e.conn.NewCall(e.waitTopic, nil, false))
	if err != nil {
		return errcode.Wrap("rtcfg.Wait", errcode.Error, err)
	}
	if code, ok := reply.Payload.(errcode.Code); ok && code != errcode.OK {
		return errcode.Wrap("rtcfg.Wait", code, nil)
	}
	return nil
}

// admitWaitCall completes a WAIT call immediately when every configured
// station has already announced, and otherwise parks it, returning
// CallPending the way a deferred ioctl completion would.
func (e *Engine) admitWaitCall(call *rtpc.Call) error {
	if e.stations.Len() > 0 && e.stations.AllKnown() {
		e.conn.Reply(call, errcode.OK)
		return nil
	}
	e.mu.Lock()
	e.pendingWaits = append(e.pendingWaits, call)
	e.mu.Unlock()
	return errcode.Wrap("rtcfg.Wait", errcode.CallPending, nil)
}

// completeWaits finishes every parked WAIT call with result, the
// deferred half of the ioctl bridge.
func (e *Engine) completeWaits(result errcode.Code) {
	e.mu.Lock()
	pending := e.pendingWaits
	e.pendingWaits = nil
	e.mu.Unlock()
	if e.conn == nil {
		return
	}
	for _, call := range pending {
		e.conn.Reply(call, result)
	}
}

// WaitState blocks until the connection reaches at least target, or ctx
// is done. Client-side blocking conditions all reduce to a state
// threshold, so this rides the retained state topic rather than the
// request/reply bridge the server's Wait needs.
func (e *Engine) WaitState(ctx context.Context, target MainState) error {
	if e.State() >= target {
		return nil
	}
	if e.conn == nil {
		return errcode.Wrap("rtcfg.WaitState", errcode.Invalid, nil)
	}
	sub := e.conn.Subscribe(e.stateTopic)
	defer e.conn.Unsubscribe(sub)

	if e.State() >= target {
		return nil
	}
	for {
		select {
		case call, ok := <-sub.Channel():
			if !ok {
				return errcode.Wrap("rtcfg.WaitState", errcode.NoDevice, nil)
			}
			if s, ok := call.Payload.(MainState); ok && s >= target {
				return nil
			}
		case <-e.stopCh:
			return errcode.Wrap("rtcfg.WaitState", errcode.NoDevice, nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Down tears the connection back to Off (the DOWN ioctl), releasing
// the station table and any pending blob state with it. Any parked
// WAIT call is failed rather than left dangling.
func (e *Engine) Down() error {
	e.mu.Lock()
	e.server = nil
	e.client = nil
	e.mu.Unlock()
	for _, st := range e.stations.All() {
		e.stations.Remove(st.MAC)
	}
	e.completeWaits(errcode.NoDevice)
	e.setState(Off)
	return nil
}

// Stop shuts the engine down for good, waking every blocked Wait and
// WaitState call.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.completeWaits(errcode.NoDevice)
}

func (e *Engine) localMAC() [6]byte {
	if e.dev == nil {
		return [6]byte{}
	}
	return [6]byte(e.dev.HWAddr)
}

// Run drives the periodic halves of both roles — the server's rate
// limited stage-1 burst and heartbeat-timeout sweep, and the client's
// heartbeat emission — and drains incoming WAIT ioctl calls off the
// rtpc bridge. It returns once ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var waitCalls <-chan *rtpc.Call
	if e.waitSub != nil {
		waitCalls = e.waitSub.Channel()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case call, ok := <-waitCalls:
			if !ok {
				waitCalls = nil
				continue
			}
			e.admitWaitCall(call)
		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

func (e *Engine) tick(now time.Time) {
	e.mu.Lock()
	state := e.state
	server := e.server
	client := e.client
	e.mu.Unlock()

	switch state {
	case ServerRunning:
		e.serverTick(server, now)
	case Client0, Client1, ClientAnnounced, ClientAllKnown, ClientAllFrames, Client2, ClientReady:
		e.clientTick(client, now)
	}
}

func (e *Engine) serverTick(s *serverState, now time.Time) {
	if s == nil {
		return
	}
	nowNs := now.UnixNano()
	for _, st := range e.stations.All() {
		if st.Known {
			continue
		}
		due, ok := s.nextPush[st.MAC]
		if ok && nowNs < due {
			continue
		}
		if !s.limiter.Allow() {
			break
		}
		e.sendTo(st.MAC, BuildStage1Cfg(Stage1Cfg{MAC: e.localMAC(), AddrType: st.AddrType, BurstRate: uint8(s.cfg.BurstRate), Cfg: s.cfg.Stage1}))
		s.nextPush[st.MAC] = nowNs + int64(s.cfg.Period)
	}
	if lost := e.stations.SweepLost(nowNs, int64(s.cfg.HeartbeatPeriod)*int64(s.cfg.Threshold)); len(lost) > 0 {
		for _, st := range lost {
			rtlog.Warn("rtcfg: station %x marked lost", st.MAC)
		}
		e.completeWaits(errcode.Timeout)
	}
}

// clientTick only drives the periodic heartbeat once stage-2 has been
// acknowledged; ANNOUNCE_NEW is never auto-fired here, it is gated on
// the explicit ANNOUNCE ioctl (Engine.Announce).
func (e *Engine) clientTick(c *clientState, now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	period := c.heartbeatPeriod
	server := c.serverMAC
	nowNs := now.UnixNano()
	due := period > 0 && nowNs-c.lastHeartbeat >= int64(period)
	if due {
		c.lastHeartbeat = nowNs
	}
	c.mu.Unlock()

	if due && e.State() >= Client2 {
		e.sendTo(server, BuildHeartbeat(Heartbeat{MAC: e.localMAC()}))
	}
}

func (e *Engine) sendAnnounceNew(c *clientState, getCfg bool) {
	e.broadcast(BuildAnnounceNew(AnnounceNew{
		MAC:      e.localMAC(),
		AddrType: c.cfg.AddrType,
		Addr:     c.cfg.IP,
		GetCfg:   getCfg,
	}))
}

// handleFrame implements the server and client frame-reception halves,
// dispatching on FrameID. It always consumes skb: a malformed or
// unexpected frame is freed and logged here, never handed back to the
// dispatch table.
func (e *Engine) handleFrame(skb *rtskb.SKB) error {
	defer skb.Pool().Free(skb)

	id, err := ParseID(skb.Data())
	if err != nil {
		rtlog.Warn("rtcfg: dropping malformed frame: %v", err)
		return nil
	}

	e.mu.Lock()
	isServer := e.state == ServerRunning
	e.mu.Unlock()

	if isServer {
		err = e.handleServerFrame(id, skb.Data())
	} else {
		err = e.handleClientFrame(id, skb.Data())
	}
	if err != nil {
		rtlog.Warn("rtcfg: dropping frame %d: %v", id, err)
	}
	return nil
}

func (e *Engine) handleServerFrame(id FrameID, buf []byte) error {
	switch id {
	case FrameAnnounceNew:
		f, err := ParseAnnounceNew(buf)
		if err != nil {
			return err
		}
		e.stations.Configure(f.MAC, f.AddrType, f.Addr)
		e.stations.MarkKnown(f.MAC, time.Now().UnixNano())
		e.sendTo(f.MAC, BuildAnnounceReply(AnnounceReply{MAC: e.localMAC()}))
		if f.GetCfg {
			e.pushStage2(f.MAC)
		}
		if e.stations.AllKnown() {
			e.completeWaits(errcode.OK)
		}
		return nil
	case FrameAckCfg:
		f, err := ParseAckCfg(buf)
		if err != nil {
			return err
		}
		e.stations.RecordAck(f.MAC, f.AckLen)
		return nil
	case FrameHeartbeat:
		f, err := ParseHeartbeat(buf)
		if err != nil {
			return err
		}
		e.stations.Touch(f.MAC, time.Now().UnixNano())
		return nil
	case FrameReady:
		f, err := ParseReady(buf)
		if err != nil {
			return err
		}
		e.stations.Touch(f.MAC, time.Now().UnixNano())
		return nil
	default:
		return errcode.Wrap("rtcfg.handleServerFrame", errcode.UnknownOp, nil)
	}
}

func (e *Engine) pushStage2(mac [6]byte) {
	e.mu.Lock()
	s := e.server
	e.mu.Unlock()
	if s == nil {
		return
	}
	frags := fragments(s.cfg.Stage2)
	first := frags[0]
	e.sendTo(mac, BuildStage2Cfg(Stage2Cfg{
		Clients:           uint32(e.stations.Len()),
		HeartbeatPeriodMs: uint16(s.cfg.HeartbeatPeriod / time.Millisecond),
		CfgLen:            uint32(len(s.cfg.Stage2)),
		Cfg:               first,
	}))
	off := len(first)
	for _, frag := range frags[1:] {
		e.sendTo(mac, BuildStage2CfgFrag(Stage2CfgFrag{FragOffset: uint32(off), Cfg: frag}))
		off += len(frag)
	}
}

func (e *Engine) handleClientFrame(id FrameID, buf []byte) error {
	e.mu.Lock()
	c := e.client
	e.mu.Unlock()
	if c == nil {
		return errcode.Wrap("rtcfg.handleClientFrame", errcode.Invalid, nil)
	}

	switch id {
	case FrameStage1Cfg:
		f, err := ParseStage1Cfg(buf)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.serverMAC = f.MAC
		c.stage1 = f.Cfg
		c.mu.Unlock()
		e.setState(Client1)
		return nil
	case FrameAnnounceReply:
		f, err := ParseAnnounceReply(buf)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.serverMAC = f.MAC
		c.mu.Unlock()
		e.setState(ClientAnnounced)
		return nil
	case FrameStage2Cfg:
		f, err := ParseStage2Cfg(buf)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.cfgTotal = f.CfgLen
		c.expectedClients = f.Clients
		c.heartbeatPeriod = time.Duration(f.HeartbeatPeriodMs) * time.Millisecond
		c.mu.Unlock()
		c.receiveFragment(0, f.Cfg)
		e.ackStage2(c)
		e.maybeAdvanceClient(c)
		return nil
	case FrameStage2CfgFrag:
		f, err := ParseStage2CfgFrag(buf)
		if err != nil {
			return err
		}
		c.receiveFragment(f.FragOffset, f.Cfg)
		e.ackStage2(c)
		e.maybeAdvanceClient(c)
		return nil
	case FrameAnnounceNew:
		f, err := ParseAnnounceNew(buf)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.knownStations[f.MAC] = true
		c.mu.Unlock()
		e.maybeAdvanceClient(c)
		return nil
	default:
		return errcode.Wrap("rtcfg.handleClientFrame", errcode.UnknownOp, nil)
	}
}

func (e *Engine) ackStage2(c *clientState) {
	received := c.ackedLen()
	c.mu.Lock()
	server := c.serverMAC
	c.mu.Unlock()
	e.sendTo(server, BuildAckCfg(AckCfg{MAC: e.localMAC(), AckLen: received}))
}

func (e *Engine) maybeAdvanceClient(c *clientState) {
	if c.allStationsKnown() && e.State() < ClientAllKnown {
		e.setState(ClientAllKnown)
	}
	if c.allFramesReceived() && e.State() < ClientAllFrames {
		e.setState(ClientAllFrames)
	}
	// Both halves complete: acknowledge the whole blob and start the
	// heartbeat cadence.
	if c.allStationsKnown() && c.allFramesReceived() && e.State() < Client2 {
		e.setState(Client2)
		e.ackStage2(c)
	}
}

// broadcast transmits payload link-layer-broadcast, used for
// ANNOUNCE_NEW (the announcing station does not yet know the server's
// address).
func (e *Engine) broadcast(payload []byte) {
	if e.dev != nil {
		e.transmit(e.dev.Bcast, payload)
	}
}

// sendTo transmits payload addressed to dst, used for every frame once
// the peer's hardware address is known.
func (e *Engine) sendTo(dst [6]byte, payload []byte) {
	if e.dev != nil {
		e.transmit(rtdev.HWAddr(dst), payload)
	}
}

func (e *Engine) transmit(dst rtdev.HWAddr, payload []byte) {
	if e.pool == nil {
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
	if err := e.dev.HardHeader(skb, dst, EtherType); err != nil {
		e.pool.Free(skb)
		return
	}
	if err := e.dev.Xmit(skb); err != nil {
		e.pool.Free(skb)
	}
}
