// Command rtnetctl is the operator console for an RTnet Context: it
// reads ioctl-shaped command lines from stdin and dispatches them the
// way a /dev/rtnet ioctl switch would, without a real character device
// or a running Linux host to register one on.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/shlex"

	"rtnet"
	"rtnet/internal/rtcfg"
	"rtnet/internal/rtdev"
	"rtnet/internal/rtlog"
	"rtnet/internal/rtpc"
	"rtnet/internal/rtskb"
	"rtnet/internal/rtsocket"
	"rtnet/internal/tdma"
)

// sessionBusName is the well-known name rtnetctl optionally claims on
// the session bus so a desktop operator tool can discover a running
// console. Disabled unless -announce is passed.
const sessionBusName = "net.rtnet.Ctl"

func main() {
	announce := flag.Bool("announce", false, "claim a session-bus name so other tools can discover this console")
	flag.Parse()

	rc := rtnet.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rc.Run(ctx)

	if *announce {
		if err := announceOnBus(); err != nil {
			rtlog.Warn("rtnetctl: session-bus announce failed: %v", err)
		}
	}

	con := newConsole(rc, ctx)
	con.runLoopback()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintln(os.Stderr, "rtnetctl ready, type 'help' for commands")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args, err := shlex.Split(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" {
			return
		}
		if err := con.dispatch(args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// announceOnBus claims sessionBusName without queueing, best-effort:
// a console running headless in CI has no session bus at all, which is
// not a reason to fail startup.
func announceOnBus() error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(sessionBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("rtnetctl: name %s already owned", sessionBusName)
	}
	return nil
}

// console holds the live state a sequence of typed commands accumulates
// across calls: the devices opened so far and the sockets bound by
// earlier "udp listen" commands, keyed by name so later commands can
// refer back to them.
type console struct {
	rc      *rtnet.Context
	ctx     context.Context
	devices map[string]*rtdev.Device
	sockets map[string]*rtsocket.Socket
	rtpcBus *rtpc.Conn
}

func newConsole(rc *rtnet.Context, ctx context.Context) *console {
	return &console{
		rc:      rc,
		ctx:     ctx,
		devices: make(map[string]*rtdev.Device),
		sockets: make(map[string]*rtsocket.Socket),
		rtpcBus: rc.Bus.NewConn("rtnetctl"),
	}
}

// runLoopback brings "rtlo" up unconditionally at start-of-day, the
// same way the reference system always has a loopback device present
// before any ioctl arrives.
func (c *console) runLoopback() {
	dev, err := c.rc.NewLoopback(c.ctx)
	if err != nil {
		rtlog.Error("rtnetctl: NewLoopback: %v", err)
		return
	}
	c.devices["rtlo"] = dev
}

func (c *console) dispatch(args []string) error {
	switch args[0] {
	case "help":
		printHelp()
		return nil

	// ---- CORE ----
	case "ifup":
		return c.cmdIfUp(args[1:])
	case "ifdown":
		return c.cmdIfDown(args[1:])
	case "ifinfo":
		return c.cmdIfInfo(args[1:])

	// ---- RTCFG ----
	case "server":
		return c.cmdRTcfgServer(args[1:])
	case "add":
		return c.cmdRTcfgAdd(args[1:])
	case "del":
		return c.cmdRTcfgDel(args[1:])
	case "client":
		return c.cmdRTcfgClient(args[1:])
	case "announce":
		return c.cmdRTcfgAnnounce(args[1:])
	case "ready":
		return c.cmdRTcfgReady(args[1:])
	case "wait":
		return c.cmdRTcfgWait(args[1:])
	case "down":
		return c.cmdRTcfgDown(args[1:])

	// ---- RTMAC_TDMA ----
	case "master":
		return c.cmdTDMAStart(args[1:], tdma.RoleMaster)
	case "slave":
		return c.cmdTDMAStart(args[1:], tdma.RoleSlave)
	case "setslot":
		return c.cmdSetSlot(args[1:])
	case "removeslot":
		return c.cmdRemoveSlot(args[1:])
	case "timeoffset":
		return c.cmdTimeOffset(args[1:])
	case "calresults":
		return c.cmdCalResults(args[1:])
	case "detach":
		return c.cmdDetach(args[1:])

	// ---- UDP console convenience (not an ioctl, but needed to drive one) ----
	case "udp-listen":
		return c.cmdUDPListen(args[1:])
	case "udp-send":
		return c.cmdUDPSend(args[1:])
	case "udp-recv":
		return c.cmdUDPRecv(args[1:])

	default:
		return fmt.Errorf("unknown command %q (try 'help')", args[0])
	}
}

func printHelp() {
	fmt.Println(`commands:
  ifup <dev> <ip> [bcast]         bring dev up with an IPv4 address
  ifdown <dev>                    bring dev down
  ifinfo <dev>                    print dev's address/route snapshot
  server <dev> <period-ms> <burst> <heartbeat-ms>
  add <dev> <mac> <ip>
  del <dev> <mac>
  client <dev> <ip> [max-clients]
  announce <dev> [getcfg]
  ready <dev>
  wait <dev> [state]              server: block until all stations known; client: until state reached
  down <dev>
  master <dev> <cycle-ms>
  slave <dev> <cycle-ms>
  setslot <dev> <id> <offset-us> <period> <phasing> <size>
  removeslot <dev> <id>
  timeoffset <dev>                print the current master-clock offset
  calresults <dev>                print collected calibration samples
  detach <dev>
  udp-listen <name> <dev-ip> <port>
  udp-send <name> <dst-ip> <port> <text>
  udp-recv <name> <timeout-ms>
  quit`)
}

func (c *console) device(name string) (*rtdev.Device, error) {
	dev, ok := c.devices[name]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", name)
	}
	return dev, nil
}

func parseIP(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address %q", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return mac, fmt.Errorf("invalid MAC address %q", s)
	}
	copy(mac[:], hw)
	return mac, nil
}

func (c *console) cmdIfUp(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ifup <dev> <ip> [bcast]")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	ip, err := parseIP(args[1])
	if err != nil {
		return err
	}
	var bcast uint32
	if len(args) > 2 {
		if bcast, err = parseIP(args[2]); err != nil {
			return err
		}
	}
	return c.rc.IfUp(dev, ip, bcast)
}

func (c *console) cmdIfDown(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ifdown <dev>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	return c.rc.IfDown(dev)
}

func (c *console) cmdIfInfo(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ifinfo <dev>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	snap, err := c.rc.IfInfo(dev)
	if err != nil {
		return err
	}
	fmt.Printf("link: %s mtu=%d addrs=%d routes=%d\n", snap.Link.Attrs().Name, snap.Link.Attrs().MTU, len(snap.Addrs), len(snap.Routes))
	return nil
}

func (c *console) rtcfgEngine(dev *rtdev.Device) *rtcfg.Engine {
	e, ok := c.rc.RTcfg.Engine(dev)
	if ok {
		return e
	}
	e = rtcfg.NewEngine(c.rc.GlobalPool, c.rtpcBus)
	_ = c.rc.AttachRTcfg(c.ctx, dev, e)
	return e
}

func (c *console) cmdRTcfgServer(args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: server <dev> <period-ms> <burst> <heartbeat-ms>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	period, err := strconv.Atoi(args[1])
	if err != nil {
		return err
	}
	burst, err := strconv.Atoi(args[2])
	if err != nil {
		return err
	}
	hb, err := strconv.Atoi(args[3])
	if err != nil {
		return err
	}
	e := c.rtcfgEngine(dev)
	return e.Server(rtcfg.ServerConfig{
		Period:          time.Duration(period) * time.Millisecond,
		BurstRate:       burst,
		HeartbeatPeriod: time.Duration(hb) * time.Millisecond,
		Threshold:       3,
	})
}

func (c *console) cmdRTcfgAdd(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: add <dev> <mac> <ip>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	mac, err := parseMAC(args[1])
	if err != nil {
		return err
	}
	ip, err := parseIP(args[2])
	if err != nil {
		return err
	}
	e := c.rtcfgEngine(dev)
	return e.Add(mac, rtcfg.AddrIPv4, ip)
}

func (c *console) cmdRTcfgDel(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: del <dev> <mac>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	mac, err := parseMAC(args[1])
	if err != nil {
		return err
	}
	e := c.rtcfgEngine(dev)
	return e.Del(mac)
}

func (c *console) cmdRTcfgClient(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: client <dev> <ip> [max-clients]")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	ip, err := parseIP(args[1])
	if err != nil {
		return err
	}
	maxClients := uint32(1)
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return err
		}
		maxClients = uint32(n)
	}
	e := c.rtcfgEngine(dev)
	return e.Client(c.ctx, rtcfg.ClientConfig{AddrType: rtcfg.AddrIPv4, IP: ip, MaxClients: maxClients})
}

func (c *console) cmdRTcfgAnnounce(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: announce <dev> [getcfg]")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	getCfg := len(args) > 1 && args[1] == "getcfg"
	e := c.rtcfgEngine(dev)
	return e.Announce(c.ctx, getCfg)
}

func (c *console) cmdRTcfgReady(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ready <dev>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	e := c.rtcfgEngine(dev)
	return e.Ready(c.ctx)
}

var rtcfgStateNames = map[string]rtcfg.MainState{
	"off":               rtcfg.Off,
	"server_running":    rtcfg.ServerRunning,
	"client_0":          rtcfg.Client0,
	"client_1":          rtcfg.Client1,
	"client_announced":  rtcfg.ClientAnnounced,
	"client_all_known":  rtcfg.ClientAllKnown,
	"client_all_frames": rtcfg.ClientAllFrames,
	"client_2":          rtcfg.Client2,
	"client_ready":      rtcfg.ClientReady,
}

func (c *console) cmdRTcfgWait(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: wait <dev> [state]")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	e := c.rtcfgEngine(dev)
	if len(args) == 1 {
		// Server side: block until every added station has announced.
		return e.Wait(c.ctx)
	}
	state, ok := rtcfgStateNames[strings.ToLower(args[1])]
	if !ok {
		return fmt.Errorf("unknown state %q", args[1])
	}
	return e.WaitState(c.ctx, state)
}

func (c *console) cmdRTcfgDown(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: down <dev>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	return c.rc.DetachRTcfg(dev)
}

func (c *console) cmdTDMAStart(args []string, role tdma.Role) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: master|slave <dev> <cycle-ms>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	cycleMs, err := strconv.Atoi(args[1])
	if err != nil {
		return err
	}
	engine := tdma.NewEngine(tdma.Config{
		Role:      role,
		CycleLen:  time.Duration(cycleMs) * time.Millisecond,
		CalRounds: 8,
	})
	return c.rc.AttachTDMA(c.ctx, dev, engine)
}

func (c *console) tdmaEngine(dev *rtdev.Device) (*tdma.Engine, error) {
	disc, ok := c.rc.Disciplines.Attached(dev)
	if !ok {
		return nil, fmt.Errorf("no TDMA discipline attached to %s", dev.Name)
	}
	engine, ok := disc.(*tdma.Engine)
	if !ok {
		return nil, fmt.Errorf("attached discipline on %s is not TDMA", dev.Name)
	}
	return engine, nil
}

func (c *console) engineSlots(dev *rtdev.Device) (*tdma.Table, error) {
	engine, err := c.tdmaEngine(dev)
	if err != nil {
		return nil, err
	}
	return engine.Slots, nil
}

func (c *console) cmdTimeOffset(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: timeoffset <dev>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	engine, err := c.tdmaEngine(dev)
	if err != nil {
		return err
	}
	fmt.Printf("offset: %d ns\n", engine.TimeOffset())
	return nil
}

func (c *console) cmdCalResults(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: calresults <dev>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	engine, err := c.tdmaEngine(dev)
	if err != nil {
		return err
	}
	for i, s := range engine.CalibrationResults() {
		fmt.Printf("round %d: rtt=%dns one-way=%dns\n", i, s.RTT, s.OneWayDelay)
	}
	return nil
}

func (c *console) cmdSetSlot(args []string) error {
	if len(args) < 6 {
		return fmt.Errorf("usage: setslot <dev> <id> <offset-us> <period> <phasing> <size>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	slots, err := c.engineSlots(dev)
	if err != nil {
		return err
	}
	id, _ := strconv.Atoi(args[1])
	offsetUs, _ := strconv.Atoi(args[2])
	period, _ := strconv.Atoi(args[3])
	phasing, _ := strconv.Atoi(args[4])
	size, _ := strconv.Atoi(args[5])
	return slots.SetSlot(id, int64(offsetUs)*int64(time.Microsecond), period, phasing, size, 0)
}

func (c *console) cmdRemoveSlot(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: removeslot <dev> <id>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	slots, err := c.engineSlots(dev)
	if err != nil {
		return err
	}
	id, _ := strconv.Atoi(args[1])
	return slots.RemoveSlot(id, func(skb *rtskb.SKB) { skb.Pool().Free(skb) })
}

func (c *console) cmdDetach(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: detach <dev>")
	}
	dev, err := c.device(args[0])
	if err != nil {
		return err
	}
	return c.rc.DetachTDMA(dev)
}

func (c *console) cmdUDPListen(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: udp-listen <name> <dev-ip> <port>")
	}
	ip, err := parseIP(args[1])
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(args[2])
	if err != nil {
		return err
	}
	sock := c.rc.NewUDPSocket(0)
	ep := rtsocket.Endpoint{IP: ip, Port: uint16(port)}
	sock.Bind(ep)
	c.rc.UDP.BindSocket(ep, sock)
	c.sockets[args[0]] = sock
	return nil
}

func (c *console) cmdUDPSend(args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: udp-send <name> <dst-ip> <port> <text>")
	}
	sock, ok := c.sockets[args[0]]
	if !ok {
		return fmt.Errorf("unknown socket %q", args[0])
	}
	ip, err := parseIP(args[1])
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(args[2])
	if err != nil {
		return err
	}
	sock.Connect(rtsocket.Endpoint{IP: ip, Port: uint16(port)})
	return c.rc.UDP.SendMsg(sock, []byte(strings.Join(args[3:], " ")))
}

func (c *console) cmdUDPRecv(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: udp-recv <name> <timeout-ms>")
	}
	sock, ok := c.sockets[args[0]]
	if !ok {
		return fmt.Errorf("unknown socket %q", args[0])
	}
	timeoutMs, err := strconv.Atoi(args[1])
	if err != nil {
		return err
	}
	skb, err := sock.RecvMsg(c.ctx, int64(time.Duration(timeoutMs)*time.Millisecond))
	if err != nil {
		return err
	}
	fmt.Printf("recv: %q\n", string(skb.Data()))
	skb.Pool().Free(skb)
	return nil
}
