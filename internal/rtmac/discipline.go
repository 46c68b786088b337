// Package rtmac implements the media-access discipline attach/detach
// framework: a discipline overlays a device's transmit path
// and installs a detach hook so the device cannot be brought down
// without the discipline's consent. TDMA (internal/tdma) is the only
// concrete discipline this module ships; the framework itself is
// discipline-agnostic.
package rtmac

import (
	"sync"

	"rtnet/internal/errcode"
	"rtnet/internal/rtdev"
	"rtnet/internal/rtskb"
)

// FrameVersion is the one-byte RTmac wire version.
const FrameVersion = 1

// EtherType is the ethertype RTmac frames are tagged with.
const EtherType = 0x9021

// FrameType distinguishes which discipline produced a frame.
type FrameType uint8

const (
	FrameTDMA FrameType = 1
)

// Flag bits in the RTmac header.
const (
	FlagTunnel uint8 = 1 << 0 // carries a tunnelled non-RT Ethernet frame (VNIC)
)

// HeaderLen is the fixed RTmac header length: type, version, flags, one
// pad byte, 16-bit length, 16-bit reserved.
const HeaderLen = 8

// Header is the RTmac frame header: a one-byte type, one-byte version,
// flags (including the tunnel bit) and a payload length.
type Header struct {
	Type    FrameType
	Version uint8
	Flags   uint8
	Len     uint16
}

// Discipline is the interface a media-access engine (TDMA) implements
// to attach onto a device.
type Discipline interface {
	// Attach is called with exclusive access to dev while the
	// discipline sets up its own worker task(s) and slot tables.
	Attach(dev *rtdev.Device) error
	// Detach tears the discipline down; Manager.Detach calls it before
	// restoring the device's xmit path, and restores it only on nil.
	Detach(dev *rtdev.Device) error
	// PacketTX is installed as the device's new start_xmit: the
	// discipline enqueues skb onto the appropriate slot rather than
	// transmitting immediately.
	PacketTX(dev *rtdev.Device, skb *rtskb.SKB) error
	// PacketRX handles an inbound frame addressed to this discipline's
	// FrameType, received off dev. With no VNIC in this tree, PacketRX
	// only ever consumes discipline-internal control frames.
	PacketRX(dev *rtdev.Device, skb *rtskb.SKB) error
	// Type reports which FrameType this discipline produces/consumes.
	Type() FrameType
}

type attachment struct {
	disc     Discipline
	origXmit rtdev.XmitFunc
}

// Manager tracks which discipline, if any, is attached to each device.
// Only one discipline may be active on a device at a time.
type Manager struct {
	mu    sync.Mutex
	byDev map[*rtdev.Device]*attachment
}

// NewManager returns an empty discipline manager.
func NewManager() *Manager {
	return &Manager{byDev: make(map[*rtdev.Device]*attachment)}
}

// Attach installs disc onto dev: saves the current start_xmit, rewires
// it to disc.PacketTX, and installs mac_detach so rtdev.Registry's
// Unregister path must go through Detach first.
func (m *Manager) Attach(dev *rtdev.Device, disc Discipline) error {
	m.mu.Lock()
	if _, exists := m.byDev[dev]; exists {
		m.mu.Unlock()
		return errcode.Wrap("rtmac.Attach", errcode.Busy, nil)
	}
	m.mu.Unlock()

	if err := disc.Attach(dev); err != nil {
		return errcode.Wrap("rtmac.Attach", errcode.Error, err)
	}

	at := &attachment{disc: disc, origXmit: dev.StartXmit}
	dev.StartXmit = disc.PacketTX
	dev.MACDetach = func(d *rtdev.Device) error { return m.Detach(d) }

	m.mu.Lock()
	m.byDev[dev] = at
	m.mu.Unlock()
	return nil
}

// Detach restores dev's original start_xmit and clears mac_detach after
// the discipline confirms teardown.
func (m *Manager) Detach(dev *rtdev.Device) error {
	m.mu.Lock()
	at, ok := m.byDev[dev]
	if !ok {
		m.mu.Unlock()
		return errcode.Wrap("rtmac.Detach", errcode.NotAttached, nil)
	}
	delete(m.byDev, dev)
	m.mu.Unlock()

	if err := at.disc.Detach(dev); err != nil {
		return errcode.Wrap("rtmac.Detach", errcode.Error, err)
	}
	dev.StartXmit = at.origXmit
	dev.MACDetach = nil
	return nil
}

// Deliver implements internal/stack.Handler for the RTmac ethertype: it
// finds the discipline attached to skb.Dev and forwards the frame to
// its PacketRX, dropping frames for devices with no discipline
// attached.
func (m *Manager) Deliver(skb *rtskb.SKB) error {
	dev, ok := skb.Dev.(*rtdev.Device)
	if !ok || dev == nil {
		return errcode.Wrap("rtmac.Deliver", errcode.NoDevice, nil)
	}
	disc, ok := m.Attached(dev)
	if !ok {
		return errcode.Wrap("rtmac.Deliver", errcode.NotAttached, nil)
	}
	return disc.PacketRX(dev, skb)
}

// Attached reports the discipline currently attached to dev, if any.
func (m *Manager) Attached(dev *rtdev.Device) (Discipline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.byDev[dev]
	if !ok {
		return nil, false
	}
	return at.disc, true
}

// ParseHeader reads an RTmac header off the front of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, errcode.Wrap("rtmac.ParseHeader", errcode.BadPayload, nil)
	}
	h := Header{
		Type:    FrameType(buf[0]),
		Version: buf[1],
		Flags:   buf[2],
		Len:     uint16(buf[4])<<8 | uint16(buf[5]),
	}
	if h.Version != FrameVersion {
		return Header{}, errcode.Wrap("rtmac.ParseHeader", errcode.BadPayload, nil)
	}
	return h, nil
}

// BuildHeader serialises h into an 8-byte RTmac header.
func BuildHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(h.Type)
	buf[1] = FrameVersion
	buf[2] = h.Flags
	buf[3] = 0
	buf[4] = byte(h.Len >> 8)
	buf[5] = byte(h.Len)
	buf[6], buf[7] = 0, 0 // reserved
	return buf
}

// IsTunnelled reports the VNIC tunnel bit, which marks a frame as
// carrying a tunnelled non-RT Ethernet frame. Framing only: no VNIC
// device exists in this tree.
func (h Header) IsTunnelled() bool { return h.Flags&FlagTunnel != 0 }
