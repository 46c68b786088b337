package rtcfg

import "sync"

// Station is one peer RTnet node known to either the server (a
// configured or newly-announced client) or the client (another client
// the ANNOUNCE_NEW broadcast storm has revealed).
type Station struct {
	MAC      [6]byte
	AddrType AddrType
	IP       uint32

	Known         bool   // server: ANNOUNCE_NEW has been received
	AckedLen      uint32 // server: bytes of stage-2 the client has ACKed
	LastHeartbeat int64  // server: unix-ns of the last heartbeat seen
	Lost          bool
}

// StationTable is the server's per-device view of its configured and
// discovered stations.
type StationTable struct {
	mu       sync.RWMutex
	stations map[[6]byte]*Station
}

func NewStationTable() *StationTable {
	return &StationTable{stations: make(map[[6]byte]*Station)}
}

// Configure adds (or returns the existing record for) a station the
// server should push stage-1 configuration to, via the ADD ioctl.
func (t *StationTable) Configure(mac [6]byte, addrType AddrType, ip uint32) *Station {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stations[mac]; ok {
		return s
	}
	s := &Station{MAC: mac, AddrType: addrType, IP: ip}
	t.stations[mac] = s
	return s
}

// Remove drops a station via the DEL ioctl.
func (t *StationTable) Remove(mac [6]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stations, mac)
}

func (t *StationTable) Get(mac [6]byte) (*Station, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stations[mac]
	return s, ok
}

func (t *StationTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.stations)
}

// All returns every configured station, for the periodic stage-1
// pusher and the heartbeat-timeout sweep to walk.
func (t *StationTable) All() []*Station {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Station, 0, len(t.stations))
	for _, s := range t.stations {
		out = append(out, s)
	}
	return out
}

// MarkKnown records that ANNOUNCE_NEW arrived from mac, returning false
// if mac was never configured via Configure/ADD.
func (t *StationTable) MarkKnown(mac [6]byte, now int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stations[mac]
	if !ok {
		return false
	}
	s.Known = true
	s.LastHeartbeat = now
	s.Lost = false
	return true
}

// AllKnown reports whether every configured station has announced
// itself, the server-side gate the WAIT ioctl blocks on.
func (t *StationTable) AllKnown() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.stations {
		if !s.Known {
			return false
		}
	}
	return true
}

// RecordAck notes how much of the stage-2 blob a client has ACKed.
func (t *StationTable) RecordAck(mac [6]byte, n uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stations[mac]; ok {
		s.AckedLen = n
	}
}

// Touch records heartbeat/ack activity, clearing Lost.
func (t *StationTable) Touch(mac [6]byte, now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stations[mac]; ok {
		s.LastHeartbeat = now
		s.Lost = false
	}
}

// SweepLost marks (and returns) stations whose last heartbeat is older
// than threshold.
func (t *StationTable) SweepLost(now, threshold int64) []*Station {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lost []*Station
	for _, s := range t.stations {
		if s.Known && !s.Lost && now-s.LastHeartbeat > threshold {
			s.Lost = true
			lost = append(lost, s)
		}
	}
	return lost
}
