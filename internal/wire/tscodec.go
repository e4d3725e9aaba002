package wire

import "encoding/binary"

// Ping and Pong mirror the original firmware's native (little-endian)
// packed C structs, padding included. The firmware declares these with
// native integer encoding rather than network byte order because both
// hub and node are little-endian in practice; porting to a big-endian
// platform means swapping binary.LittleEndian for binary.BigEndian
// below, nothing else.
//
// The 4-byte gap between TokenHash and T1 is deliberate: a C compiler
// aligns a uint64_t field on an 8-byte boundary even inside a
// packed-enough struct that still respects scalar alignment, which pads
// Ping to 24 bytes and Pong to 40 bytes rather than the naive 20/36 you'd
// get by summing field widths. We reproduce that padding explicitly
// instead of letting the Go struct layout silently diverge from it.
type Ping struct {
	Proto     uint8
	Type      uint8
	Reserved  uint16
	Seq       uint32
	TokenHash uint32
	T1        uint64
}

type Pong struct {
	Proto     uint8
	Type      uint8
	Reserved  uint16
	Seq       uint32
	TokenHash uint32
	T1        uint64
	T2        uint64
	T3        uint64
}

const (
	tsTypePing = 1
	tsTypePong = 2
)

func MarshalPing(p Ping) []byte {
	buf := make([]byte, TSPingSize)
	buf[0] = ProtoVersion
	buf[1] = tsTypePing
	binary.LittleEndian.PutUint16(buf[2:4], p.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], p.Seq)
	binary.LittleEndian.PutUint32(buf[8:12], p.TokenHash)
	// buf[12:16] is alignment padding, left zeroed.
	binary.LittleEndian.PutUint64(buf[16:24], p.T1)
	return buf
}

func UnmarshalPing(b []byte) (Ping, error) {
	var p Ping
	if len(b) < TSPingSize {
		return p, ErrTruncatedPacket
	}
	p.Proto = b[0]
	if p.Proto != ProtoVersion {
		return p, ErrInvalidProto
	}
	p.Type = b[1]
	if p.Type != tsTypePing {
		return p, ErrInvalidMsgType
	}
	p.Reserved = binary.LittleEndian.Uint16(b[2:4])
	p.Seq = binary.LittleEndian.Uint32(b[4:8])
	p.TokenHash = binary.LittleEndian.Uint32(b[8:12])
	p.T1 = binary.LittleEndian.Uint64(b[16:24])
	return p, nil
}

func MarshalPong(p Pong) []byte {
	buf := make([]byte, TSPongSize)
	buf[0] = ProtoVersion
	buf[1] = tsTypePong
	binary.LittleEndian.PutUint16(buf[2:4], p.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], p.Seq)
	binary.LittleEndian.PutUint32(buf[8:12], p.TokenHash)
	binary.LittleEndian.PutUint64(buf[16:24], p.T1)
	binary.LittleEndian.PutUint64(buf[24:32], p.T2)
	binary.LittleEndian.PutUint64(buf[32:40], p.T3)
	return buf
}

func UnmarshalPong(b []byte) (Pong, error) {
	var p Pong
	if len(b) < TSPongSize {
		return p, ErrTruncatedPacket
	}
	p.Proto = b[0]
	if p.Proto != ProtoVersion {
		return p, ErrInvalidProto
	}
	p.Type = b[1]
	if p.Type != tsTypePong {
		return p, ErrInvalidMsgType
	}
	p.Reserved = binary.LittleEndian.Uint16(b[2:4])
	p.Seq = binary.LittleEndian.Uint32(b[4:8])
	p.TokenHash = binary.LittleEndian.Uint32(b[8:12])
	p.T1 = binary.LittleEndian.Uint64(b[16:24])
	p.T2 = binary.LittleEndian.Uint64(b[24:32])
	p.T3 = binary.LittleEndian.Uint64(b[32:40])
	return p, nil
}
