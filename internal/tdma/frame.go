package tdma

import (
	"encoding/binary"

	"rtnet/internal/errcode"
	"rtnet/internal/rtmac"
)

// FrameVersion is the 16-bit TDMA protocol version carried in every
// frame's common header.
const FrameVersion = 0x0201

// Subtype is the 16-bit frame ID following the version in the common
// header.
type Subtype uint16

const (
	SubtypeSync Subtype = iota + 1
	SubtypeCalReq
	SubtypeCalReply
)

// SyncFrame is the wire payload of a SYNC frame. Cycle travels as a
// 16-bit counter on the wire; receivers extend it back to the full
// monotonic count (see extendCycle).
type SyncFrame struct {
	XmitStamp      int64 // master time this frame was sent
	SchedXmitStamp int64 // master time the cycle this SYNC announces begins
	Cycle          int64
}

const (
	commonHeaderLen    = 4 // version:u16, id:u16
	syncPayloadLen     = 18
	calReqPayloadLen   = 20
	calReplyPayloadLen = 24
)

// BuildSync serialises an rtmac-framed SYNC frame.
func BuildSync(f SyncFrame) []byte {
	payload := make([]byte, syncPayloadLen)
	binary.BigEndian.PutUint16(payload[0:2], uint16(f.Cycle))
	binary.BigEndian.PutUint64(payload[2:10], uint64(f.SchedXmitStamp))
	binary.BigEndian.PutUint64(payload[10:18], uint64(f.XmitStamp))
	return appendHeaders(SubtypeSync, payload)
}

// BuildCalRequest serialises an XMIT_REQ_CAL frame.
func BuildCalRequest(req CalRequest) []byte {
	payload := make([]byte, calReqPayloadLen)
	binary.BigEndian.PutUint64(payload[0:8], uint64(req.TxStamp))
	binary.BigEndian.PutUint32(payload[8:12], uint32(req.ReplyCycle))
	binary.BigEndian.PutUint64(payload[12:20], uint64(req.ReplyOffset))
	return appendHeaders(SubtypeCalReq, payload)
}

// BuildCalReply serialises an XMIT_RPL_CAL frame.
func BuildCalReply(reply CalReply) []byte {
	payload := make([]byte, calReplyPayloadLen)
	binary.BigEndian.PutUint64(payload[0:8], uint64(reply.OrigTxStamp))
	binary.BigEndian.PutUint64(payload[8:16], uint64(reply.MasterRxTime))
	binary.BigEndian.PutUint64(payload[16:24], uint64(reply.MasterTxTime))
	return appendHeaders(SubtypeCalReply, payload)
}

func appendHeaders(id Subtype, payload []byte) []byte {
	body := make([]byte, commonHeaderLen, commonHeaderLen+len(payload))
	binary.BigEndian.PutUint16(body[0:2], FrameVersion)
	binary.BigEndian.PutUint16(body[2:4], uint16(id))
	body = append(body, payload...)
	h := rtmac.BuildHeader(rtmac.Header{Type: rtmac.FrameTDMA, Len: uint16(len(body))})
	return append(h, body...)
}

// ParseFrame strips the rtmac and TDMA common headers and decodes
// whichever frame ID follows, returning the subtype and the typed
// payload (one of SyncFrame, CalRequest, CalReply).
func ParseFrame(buf []byte) (Subtype, any, error) {
	rh, err := rtmac.ParseHeader(buf)
	if err != nil {
		return 0, nil, errcode.Wrap("tdma.ParseFrame", errcode.BadPayload, err)
	}
	if rh.Type != rtmac.FrameTDMA {
		return 0, nil, errcode.Wrap("tdma.ParseFrame", errcode.BadPayload, nil)
	}
	body := buf[rtmac.HeaderLen:]
	if len(body) < commonHeaderLen {
		return 0, nil, errcode.Wrap("tdma.ParseFrame", errcode.BadPayload, nil)
	}
	if binary.BigEndian.Uint16(body[0:2]) != FrameVersion {
		return 0, nil, errcode.Wrap("tdma.ParseFrame", errcode.BadPayload, nil)
	}
	sub := Subtype(binary.BigEndian.Uint16(body[2:4]))
	body = body[commonHeaderLen:]

	switch sub {
	case SubtypeSync:
		if len(body) < syncPayloadLen {
			return 0, nil, errcode.Wrap("tdma.ParseFrame", errcode.BadPayload, nil)
		}
		return sub, SyncFrame{
			Cycle:          int64(binary.BigEndian.Uint16(body[0:2])),
			SchedXmitStamp: int64(binary.BigEndian.Uint64(body[2:10])),
			XmitStamp:      int64(binary.BigEndian.Uint64(body[10:18])),
		}, nil
	case SubtypeCalReq:
		if len(body) < calReqPayloadLen {
			return 0, nil, errcode.Wrap("tdma.ParseFrame", errcode.BadPayload, nil)
		}
		return sub, CalRequest{
			TxStamp:     int64(binary.BigEndian.Uint64(body[0:8])),
			ReplyCycle:  int64(binary.BigEndian.Uint32(body[8:12])),
			ReplyOffset: int64(binary.BigEndian.Uint64(body[12:20])),
		}, nil
	case SubtypeCalReply:
		if len(body) < calReplyPayloadLen {
			return 0, nil, errcode.Wrap("tdma.ParseFrame", errcode.BadPayload, nil)
		}
		return sub, CalReply{
			OrigTxStamp:  int64(binary.BigEndian.Uint64(body[0:8])),
			MasterRxTime: int64(binary.BigEndian.Uint64(body[8:16])),
			MasterTxTime: int64(binary.BigEndian.Uint64(body[16:24])),
		}, nil
	default:
		return 0, nil, errcode.Wrap("tdma.ParseFrame", errcode.BadPayload, nil)
	}
}

// extendCycle widens a 16-bit on-wire cycle counter back to the full
// monotonic count, never moving backwards: a cycle_no below the current
// count's low bits is taken as a wrap into the next epoch.
func extendCycle(current int64, no uint16) int64 {
	cand := current&^0xffff | int64(no)
	if cand < current {
		cand += 0x10000
	}
	return cand
}
