package wire

import (
	"encoding/binary"
)

// Header is the 28-byte show-UDP header, serialised in true network
// byte order with no padding -- unlike the TS frames in tscodec.go,
// this wire format is specified byte-exact, not derived from a C
// struct's natural alignment.
type Header struct {
	Proto      uint8
	MsgType    MsgType
	PayloadLen uint16
	Seq        uint32
	TokenHash  uint32
	HubNowUs   uint64
	ApplyAtUs  uint64
}

// MarshalHeader encodes h into its 28-byte wire representation.
func MarshalHeader(h Header) []byte {
	buf := make([]byte, ShowHeaderSize)
	buf[0] = h.Proto
	buf[1] = byte(h.MsgType)
	binary.BigEndian.PutUint16(buf[2:4], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.TokenHash)
	binary.BigEndian.PutUint64(buf[12:20], h.HubNowUs)
	binary.BigEndian.PutUint64(buf[20:28], h.ApplyAtUs)
	return buf
}

// UnmarshalHeader validates and decodes a show-UDP packet's header. It
// returns the header plus the payload slice that follows it (a view into
// pkt, not a copy). pkt must be the full received datagram.
func UnmarshalHeader(pkt []byte) (Header, []byte, error) {
	var h Header
	if len(pkt) < ShowHeaderSize {
		return h, nil, ErrTruncatedPacket
	}
	h.Proto = pkt[0]
	if h.Proto != ProtoVersion {
		return h, nil, ErrInvalidProto
	}
	h.MsgType = MsgType(pkt[1])
	if !h.MsgType.Valid() {
		return h, nil, ErrInvalidMsgType
	}
	h.PayloadLen = binary.BigEndian.Uint16(pkt[2:4])
	h.Seq = binary.BigEndian.Uint32(pkt[4:8])
	h.TokenHash = binary.BigEndian.Uint32(pkt[8:12])
	h.HubNowUs = binary.BigEndian.Uint64(pkt[12:20])
	h.ApplyAtUs = binary.BigEndian.Uint64(pkt[20:28])

	payload := pkt[ShowHeaderSize:]
	if int(h.PayloadLen) > len(payload) {
		return h, nil, ErrPayloadLenMismatch
	}
	if h.PayloadLen > MaxShowPayload {
		return h, nil, ErrOversizePayload
	}
	return h, payload[:h.PayloadLen], nil
}

// ParamDeltaPayload is the 8-byte PARAM_DELTA payload.
type ParamDeltaPayload struct {
	EffectID   uint16
	PaletteID  uint16
	Brightness uint8
	Speed      uint8
	Hue        uint16
}

func MarshalParamDelta(p ParamDeltaPayload) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf[0:2], p.EffectID)
	binary.BigEndian.PutUint16(buf[2:4], p.PaletteID)
	buf[4] = p.Brightness
	buf[5] = p.Speed
	binary.BigEndian.PutUint16(buf[6:8], p.Hue)
	return buf
}

func UnmarshalParamDelta(b []byte) (ParamDeltaPayload, error) {
	var p ParamDeltaPayload
	if len(b) < 8 {
		return p, ErrTruncatedPacket
	}
	p.EffectID = binary.BigEndian.Uint16(b[0:2])
	p.PaletteID = binary.BigEndian.Uint16(b[2:4])
	p.Brightness = b[4]
	p.Speed = b[5]
	p.Hue = binary.BigEndian.Uint16(b[6:8])
	return p, nil
}

// SceneChangePayload is the 4-byte SCENE_CHANGE payload.
type SceneChangePayload struct {
	EffectID  uint16
	PaletteID uint16
}

func MarshalSceneChange(p SceneChangePayload) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], p.EffectID)
	binary.BigEndian.PutUint16(buf[2:4], p.PaletteID)
	return buf
}

func UnmarshalSceneChange(b []byte) (SceneChangePayload, error) {
	var p SceneChangePayload
	if len(b) < 4 {
		return p, ErrTruncatedPacket
	}
	p.EffectID = binary.BigEndian.Uint16(b[0:2])
	p.PaletteID = binary.BigEndian.Uint16(b[2:4])
	return p, nil
}

// BeatTickPayload is the 4-byte BEAT_TICK payload.
type BeatTickPayload struct {
	BpmX100 uint16
	Phase   uint8
	Flags   uint8
}

func MarshalBeatTick(p BeatTickPayload) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], p.BpmX100)
	buf[2] = p.Phase
	buf[3] = p.Flags
	return buf
}

func UnmarshalBeatTick(b []byte) (BeatTickPayload, error) {
	var p BeatTickPayload
	if len(b) < 4 {
		return p, ErrTruncatedPacket
	}
	p.BpmX100 = binary.BigEndian.Uint16(b[0:2])
	p.Phase = b[2]
	p.Flags = b[3]
	return p, nil
}
