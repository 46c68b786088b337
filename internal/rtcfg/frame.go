// Package rtcfg implements the configuration distribution protocol:
// a server/client state machine pair that discovers peers
// over Ethernet broadcast and hands out per-stage configuration blobs
// before application traffic is allowed to start.
package rtcfg

import (
	"encoding/binary"

	"rtnet/internal/errcode"
)

// FrameID is the 5-bit frame identifier carried in the header byte.
type FrameID uint8

const (
	FrameStage1Cfg FrameID = iota
	FrameAnnounceNew
	FrameAnnounceReply
	FrameStage2Cfg
	FrameStage2CfgFrag
	FrameAckCfg
	FrameReady
	FrameHeartbeat
)

// FrameVersion is the 3-bit wire version carried alongside FrameID.
const FrameVersion = 1

// AddrType selects the variable-length address field's encoding.
type AddrType uint8

const (
	AddrNone AddrType = iota // station identified by Ethernet source address alone
	AddrMAC
	AddrIPv4
)

func addrLen(t AddrType) int {
	switch t {
	case AddrIPv4:
		return 4
	default:
		return 0
	}
}

func encodeAddr(buf []byte, t AddrType, ip uint32) []byte {
	switch t {
	case AddrIPv4:
		binary.BigEndian.PutUint32(buf, ip)
		return buf[4:]
	default:
		return buf
	}
}

func decodeAddr(buf []byte, t AddrType) (uint32, []byte, error) {
	n := addrLen(t)
	if len(buf) < n {
		return 0, nil, errcode.Wrap("rtcfg.decodeAddr", errcode.BadPayload, nil)
	}
	if t == AddrIPv4 {
		return binary.BigEndian.Uint32(buf[:4]), buf[n:], nil
	}
	return 0, buf[n:], nil
}

func header(id FrameID) byte { return byte(FrameVersion)<<5 | byte(id)&0x1f }

func parseHeader(b byte) (FrameID, error) {
	version := b >> 5
	if version != FrameVersion {
		return 0, errcode.Wrap("rtcfg.parseHeader", errcode.BadPayload, nil)
	}
	return FrameID(b & 0x1f), nil
}

// Stage1Cfg is the STAGE_1_CFG frame: server -> one known client,
// carrying the initial configuration blob. MAC is the server's own
// hardware address, for the same reason AnnounceNew carries one: this
// stack's rtskb/rtdev RX path never surfaces a frame's link-layer
// source, so the server self-reports the address a client should
// address its replies to.
type Stage1Cfg struct {
	MAC       [6]byte
	AddrType  AddrType
	BurstRate uint8
	Cfg       []byte
}

func BuildStage1Cfg(f Stage1Cfg) []byte {
	buf := make([]byte, 7+1+1+2+len(f.Cfg))
	buf[0] = header(FrameStage1Cfg)
	copy(buf[1:7], f.MAC[:])
	buf[7] = byte(f.AddrType)
	buf[8] = f.BurstRate
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(f.Cfg)))
	copy(buf[11:], f.Cfg)
	return buf
}

func ParseStage1Cfg(buf []byte) (Stage1Cfg, error) {
	if len(buf) < 11 {
		return Stage1Cfg{}, errcode.Wrap("rtcfg.ParseStage1Cfg", errcode.BadPayload, nil)
	}
	cfgLen := binary.BigEndian.Uint16(buf[9:11])
	if len(buf[11:]) < int(cfgLen) {
		return Stage1Cfg{}, errcode.Wrap("rtcfg.ParseStage1Cfg", errcode.BadPayload, nil)
	}
	var mac [6]byte
	copy(mac[:], buf[1:7])
	cfg := make([]byte, cfgLen)
	copy(cfg, buf[11:11+cfgLen])
	return Stage1Cfg{MAC: mac, AddrType: AddrType(buf[7]), BurstRate: buf[8], Cfg: cfg}, nil
}

// AnnounceNew is the client's ANNOUNCE_NEW broadcast: "I exist, and
// (optionally) please send me stage-2". AddrType/Addr let a client that
// was configured with an IPv4 address (rather than bare MAC) announce
// it through the addr_type-selected address field.
//
// MAC is the announcing station's own hardware address, carried in the
// payload rather than read off the Ethernet source address: this stack's
// rtskb/rtdev layer never surfaces a received frame's link-layer source
// to the protocol above it (only the device it arrived on), so every
// client -> server frame self-reports the address the server should key
// its station table by.
type AnnounceNew struct {
	MAC       [6]byte
	AddrType  AddrType
	Addr      uint32
	GetCfg    bool
	BurstRate uint8
}

func BuildAnnounceNew(f AnnounceNew) []byte {
	buf := make([]byte, 8+addrLen(f.AddrType)+2)
	buf[0] = header(FrameAnnounceNew)
	copy(buf[1:7], f.MAC[:])
	buf[7] = byte(f.AddrType)
	rest := encodeAddr(buf[8:], f.AddrType, f.Addr)
	if f.GetCfg {
		rest[0] = 1
	}
	rest[1] = f.BurstRate
	return buf
}

func ParseAnnounceNew(buf []byte) (AnnounceNew, error) {
	if len(buf) < 8 {
		return AnnounceNew{}, errcode.Wrap("rtcfg.ParseAnnounceNew", errcode.BadPayload, nil)
	}
	var mac [6]byte
	copy(mac[:], buf[1:7])
	addrType := AddrType(buf[7])
	addr, rest, err := decodeAddr(buf[8:], addrType)
	if err != nil {
		return AnnounceNew{}, err
	}
	if len(rest) < 2 {
		return AnnounceNew{}, errcode.Wrap("rtcfg.ParseAnnounceNew", errcode.BadPayload, nil)
	}
	return AnnounceNew{MAC: mac, AddrType: addrType, Addr: addr, GetCfg: rest[0] != 0, BurstRate: rest[1]}, nil
}

// AnnounceReply is the server's unicast reply recording a newly
// announced station; MAC is the server's own address, as Stage1Cfg's.
type AnnounceReply struct {
	MAC [6]byte
}

func BuildAnnounceReply(f AnnounceReply) []byte {
	buf := make([]byte, 7)
	buf[0] = header(FrameAnnounceReply)
	copy(buf[1:7], f.MAC[:])
	return buf
}

func ParseAnnounceReply(buf []byte) (AnnounceReply, error) {
	if len(buf) < 7 {
		return AnnounceReply{}, errcode.Wrap("rtcfg.ParseAnnounceReply", errcode.BadPayload, nil)
	}
	var mac [6]byte
	copy(mac[:], buf[1:7])
	return AnnounceReply{MAC: mac}, nil
}

// Stage2Cfg is the first (or only) fragment of the stage-2 blob, naming
// the total station count, heartbeat period, and total blob length.
type Stage2Cfg struct {
	Clients           uint32
	HeartbeatPeriodMs uint16
	CfgLen            uint32
	Cfg               []byte // this fragment's payload
}

func BuildStage2Cfg(f Stage2Cfg) []byte {
	buf := make([]byte, 1+4+2+4+len(f.Cfg))
	buf[0] = header(FrameStage2Cfg)
	binary.BigEndian.PutUint32(buf[1:5], f.Clients)
	binary.BigEndian.PutUint16(buf[5:7], f.HeartbeatPeriodMs)
	binary.BigEndian.PutUint32(buf[7:11], f.CfgLen)
	copy(buf[11:], f.Cfg)
	return buf
}

func ParseStage2Cfg(buf []byte) (Stage2Cfg, error) {
	if len(buf) < 11 {
		return Stage2Cfg{}, errcode.Wrap("rtcfg.ParseStage2Cfg", errcode.BadPayload, nil)
	}
	cfg := make([]byte, len(buf)-11)
	copy(cfg, buf[11:])
	return Stage2Cfg{
		Clients:           binary.BigEndian.Uint32(buf[1:5]),
		HeartbeatPeriodMs: binary.BigEndian.Uint16(buf[5:7]),
		CfgLen:            binary.BigEndian.Uint32(buf[7:11]),
		Cfg:               cfg,
	}, nil
}

// Stage2CfgFrag carries a subsequent fragment at a given byte offset.
type Stage2CfgFrag struct {
	FragOffset uint32
	Cfg        []byte
}

func BuildStage2CfgFrag(f Stage2CfgFrag) []byte {
	buf := make([]byte, 1+4+len(f.Cfg))
	buf[0] = header(FrameStage2CfgFrag)
	binary.BigEndian.PutUint32(buf[1:5], f.FragOffset)
	copy(buf[5:], f.Cfg)
	return buf
}

func ParseStage2CfgFrag(buf []byte) (Stage2CfgFrag, error) {
	if len(buf) < 5 {
		return Stage2CfgFrag{}, errcode.Wrap("rtcfg.ParseStage2CfgFrag", errcode.BadPayload, nil)
	}
	cfg := make([]byte, len(buf)-5)
	copy(cfg, buf[5:])
	return Stage2CfgFrag{FragOffset: binary.BigEndian.Uint32(buf[1:5]), Cfg: cfg}, nil
}

// AckCfg is the client's acknowledgement of total bytes received.
type AckCfg struct {
	MAC    [6]byte
	AckLen uint32
}

func BuildAckCfg(f AckCfg) []byte {
	buf := make([]byte, 11)
	buf[0] = header(FrameAckCfg)
	copy(buf[1:7], f.MAC[:])
	binary.BigEndian.PutUint32(buf[7:11], f.AckLen)
	return buf
}

func ParseAckCfg(buf []byte) (AckCfg, error) {
	if len(buf) < 11 {
		return AckCfg{}, errcode.Wrap("rtcfg.ParseAckCfg", errcode.BadPayload, nil)
	}
	var mac [6]byte
	copy(mac[:], buf[1:7])
	return AckCfg{MAC: mac, AckLen: binary.BigEndian.Uint32(buf[7:11])}, nil
}

// Ready is the client's READY announcement once the application has
// confirmed it is prepared for traffic.
type Ready struct {
	MAC [6]byte
}

func BuildReady(f Ready) []byte {
	buf := make([]byte, 7)
	buf[0] = header(FrameReady)
	copy(buf[1:7], f.MAC[:])
	return buf
}

func ParseReady(buf []byte) (Ready, error) {
	if len(buf) < 7 {
		return Ready{}, errcode.Wrap("rtcfg.ParseReady", errcode.BadPayload, nil)
	}
	var mac [6]byte
	copy(mac[:], buf[1:7])
	return Ready{MAC: mac}, nil
}

// Heartbeat is the client's periodic liveness frame.
type Heartbeat struct {
	MAC [6]byte
}

func BuildHeartbeat(f Heartbeat) []byte {
	buf := make([]byte, 7)
	buf[0] = header(FrameHeartbeat)
	copy(buf[1:7], f.MAC[:])
	return buf
}

func ParseHeartbeat(buf []byte) (Heartbeat, error) {
	if len(buf) < 7 {
		return Heartbeat{}, errcode.Wrap("rtcfg.ParseHeartbeat", errcode.BadPayload, nil)
	}
	var mac [6]byte
	copy(mac[:], buf[1:7])
	return Heartbeat{MAC: mac}, nil
}

// ParseID reads just the header byte, letting a dispatcher decide which
// typed parser to call next.
func ParseID(buf []byte) (FrameID, error) {
	if len(buf) < 1 {
		return 0, errcode.Wrap("rtcfg.ParseID", errcode.BadPayload, nil)
	}
	return parseHeader(buf[0])
}
