package wire

import (
	"bytes"
	"testing"
)

// TestHeaderRoundTrip exercises that serialise then deserialise
// reproduces the input byte for byte.
func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Proto:      ProtoVersion,
		MsgType:    MsgParamDelta,
		PayloadLen: 8,
		Seq:        42,
		TokenHash:  0xCAFEBABE,
		HubNowUs:   100_000,
		ApplyAtUs:  130_000,
	}
	payload := MarshalParamDelta(ParamDeltaPayload{EffectID: 7, PaletteID: 1, Brightness: 128, Speed: 50, Hue: 300})
	raw := append(MarshalHeader(h), payload...)

	got, gotPayload, err := UnmarshalHeader(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(MarshalHeader(got), MarshalHeader(h)) {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", got, h)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload round-trip mismatch")
	}
}

func TestHeaderRejectsBadProto(t *testing.T) {
	h := Header{Proto: 9, MsgType: MsgHeartbeat}
	raw := MarshalHeader(h)
	if _, _, err := UnmarshalHeader(raw); err != ErrInvalidProto {
		t.Fatalf("expected ErrInvalidProto, got %v", err)
	}
}

func TestHeaderRejectsBadMsgType(t *testing.T) {
	raw := MarshalHeader(Header{Proto: ProtoVersion, MsgType: MsgHeartbeat})
	raw[1] = 0 // not a valid MsgType
	if _, _, err := UnmarshalHeader(raw); err != ErrInvalidMsgType {
		t.Fatalf("expected ErrInvalidMsgType, got %v", err)
	}
}

func TestHeaderRejectsTruncated(t *testing.T) {
	if _, _, err := UnmarshalHeader(make([]byte, ShowHeaderSize-1)); err != ErrTruncatedPacket {
		t.Fatalf("expected ErrTruncatedPacket, got %v", err)
	}
}

func TestHeaderRejectsPayloadLenMismatch(t *testing.T) {
	h := Header{Proto: ProtoVersion, MsgType: MsgParamDelta, PayloadLen: 100}
	raw := MarshalHeader(h) // no payload bytes appended
	if _, _, err := UnmarshalHeader(raw); err != ErrPayloadLenMismatch {
		t.Fatalf("expected ErrPayloadLenMismatch, got %v", err)
	}
}

func TestTokenHashKnownVector(t *testing.T) {
	// FNV-1a 32-bit of the empty string is the offset basis itself.
	if got := TokenHash(""); got != 2166136261 {
		t.Fatalf("empty string hash = %d, want offset basis", got)
	}
	// Two different tokens must (overwhelmingly likely) hash differently.
	a := TokenHash("session-token-aaa")
	b := TokenHash("session-token-bbb")
	if a == b {
		t.Fatalf("expected distinct hashes, both = %d", a)
	}
}

func TestTSPingPongRoundTrip(t *testing.T) {
	p := Ping{Proto: ProtoVersion, Type: tsTypePing, Reserved: 0, Seq: 7, TokenHash: 0xDEADBEEF, T1: 1_000_000}
	raw := MarshalPing(p)
	if len(raw) != TSPingSize {
		t.Fatalf("ping size = %d want %d", len(raw), TSPingSize)
	}
	got, err := UnmarshalPing(raw)
	if err != nil {
		t.Fatalf("unmarshal ping: %v", err)
	}
	if got != p {
		t.Fatalf("ping round-trip mismatch: got %+v want %+v", got, p)
	}

	pong := Pong{Proto: ProtoVersion, Type: tsTypePong, Seq: 7, TokenHash: 0xDEADBEEF, T1: 1_000_000, T2: 1_000_150, T3: 1_000_250}
	rawPong := MarshalPong(pong)
	if len(rawPong) != TSPongSize {
		t.Fatalf("pong size = %d want %d", len(rawPong), TSPongSize)
	}
	gotPong, err := UnmarshalPong(rawPong)
	if err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if gotPong != pong {
		t.Fatalf("pong round-trip mismatch: got %+v want %+v", gotPong, pong)
	}
}
