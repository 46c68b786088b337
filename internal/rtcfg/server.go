package rtcfg

import (
	"time"

	"golang.org/x/time/rate"

	"rtnet/internal/mathx"
)

// ServerConfig parameterises the SERVER ioctl.
type ServerConfig struct {
	Period          time.Duration // how often an unacknowledged station is re-pushed stage-1
	BurstRate       int           // max stage-1 frames emitted per Period
	HeartbeatPeriod time.Duration // announced to clients in STAGE_2_CFG
	Threshold       int           // missed-heartbeat multiplier before a station is marked lost
	Stage1          []byte
	Stage2          []byte
}

// FragSize is the stage-2 fragmentation unit; kept well under a
// typical Ethernet MTU so a fragment plus headers never needs IP-level
// fragmentation of its own.
const FragSize = 512

// serverState holds the server-role bookkeeping for one device.
type serverState struct {
	cfg      ServerConfig
	limiter  *rate.Limiter
	nextPush map[[6]byte]int64 // unix-ns a station is next due a stage-1 push
}

func newServerState(cfg ServerConfig) *serverState {
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.BurstRate <= 0 {
		cfg.BurstRate = 4
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = hbWindow
	}
	return &serverState{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.Period/time.Duration(cfg.BurstRate)), cfg.BurstRate),
		nextPush: make(map[[6]byte]int64),
	}
}

// fragments splits cfg into FragSize-sized pieces for STAGE_2_CFG /
// STAGE_2_CFG_FRAG delivery.
func fragments(cfg []byte) [][]byte {
	if len(cfg) == 0 {
		return [][]byte{nil}
	}
	var out [][]byte
	for off := 0; off < len(cfg); off += FragSize {
		end := mathx.Min(off+FragSize, len(cfg))
		out = append(out, cfg[off:end])
	}
	return out
}
