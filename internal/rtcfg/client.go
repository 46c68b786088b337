package rtcfg

import (
	"sync"
	"time"
)

// ClientConfig parameterises the CLIENT ioctl: the
// address this station identifies itself by, and how many peer
// stations it should expect to see announced before stage-2 is
// considered complete.
type ClientConfig struct {
	AddrType   AddrType
	IP         uint32
	MaxClients uint32
}

// clientState holds the client-role bookkeeping for one device. mu
// guards every mutable field: frames arrive on the dispatch goroutine
// while the engine's Run tick reads from its own.
type clientState struct {
	cfg ClientConfig

	mu        sync.Mutex
	serverMAC [6]byte
	stage1    []byte

	getCfg          bool
	expectedClients uint32
	heartbeatPeriod time.Duration
	lastHeartbeat   int64 // unix-ns of the last heartbeat this client sent

	cfgTotal  uint32
	cfgBuf    []byte         // sized to cfgTotal once STAGE_2_CFG's header arrives
	haveFrags map[uint32]int // fragment start-offset -> length, for dedup on retransmit

	knownStations map[[6]byte]bool
}

func newClientState(cfg ClientConfig) *clientState {
	return &clientState{
		cfg:             cfg,
		expectedClients: cfg.MaxClients,
		haveFrags:       make(map[uint32]int),
		knownStations:   make(map[[6]byte]bool),
	}
}

// receiveFragment writes frag at offset into cfgBuf (allocating it
// lazily the first time cfgTotal is known), de-duplicating against a
// retransmitted fragment.
func (c *clientState) receiveFragment(offset uint32, frag []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfgBuf == nil && c.cfgTotal > 0 {
		c.cfgBuf = make([]byte, c.cfgTotal)
	}
	if int(offset)+len(frag) > len(c.cfgBuf) {
		return
	}
	copy(c.cfgBuf[offset:], frag)
	c.haveFrags[offset] = len(frag)
}

// ackedLen sums the fragment spans received so far, the value an
// ACK_CFG frame reports back to the server.
func (c *clientState) ackedLen() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var received uint32
	for _, n := range c.haveFrags {
		received += uint32(n)
	}
	return received
}

// allFramesReceived reports whether every byte of the stage-2 blob has
// arrived, per the union of fragment spans recorded so far.
func (c *clientState) allFramesReceived() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfgTotal == 0 {
		return true
	}
	var received uint32
	for _, n := range c.haveFrags {
		received += uint32(n)
	}
	return received >= c.cfgTotal
}

// allStationsKnown reports whether enough peers have announced
// themselves to match the count STAGE_2_CFG declared. The declared
// count covers every configured station, this one included, so the
// local station counts toward it without ever hearing its own
// announcement.
func (c *clientState) allStationsKnown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expectedClients == 0 {
		return true
	}
	return uint32(len(c.knownStations))+1 >= c.expectedClients
}
