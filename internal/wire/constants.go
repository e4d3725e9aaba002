// Package wire implements the packed binary wire formats shared by the
// hub and node processes: the show-UDP header, the time-sync ping/pong
// frames, and the FNV-1a token hash used to authenticate UDP traffic.
//
// Nothing in this package allocates beyond what encoding/binary itself
// requires, and nothing here depends on the rest of the module -- it is
// the lowest layer, read by both hub and node code.
package wire

import "time"

// Frozen wire constants. Any change here is a protocol version bump.
const (
	ProtoVersion = 1

	HubIP        = "192.168.4.1"
	WSPath       = "/ws"
	ShowUDPPort  = 49152
	TSUDPPort    = 49154
	HTTPPort     = 80
	MaxNodes     = 8

	TickHz       = 100
	TickPeriod   = 10 * time.Millisecond
	ApplyAhead   = 30 * time.Millisecond

	KeepalivePeriod  = 1 * time.Second
	KeepaliveTimeout = 3500 * time.Millisecond

	TSLockSamples       = 10
	DriftDegraded       = 3 * time.Millisecond
	UDPSilenceDegraded  = 3 * time.Second
	UDPSilenceFail      = 10 * time.Second

	SchedQueueSize  = 64
	MaxDuePerFrame  = 16

	LostCleanup    = 10 * time.Minute
	OTANodeTimeout = 180 * time.Second

	// MaxValidRTTMs bounds the accepted round-trip delay for a TS pong;
	// larger values are treated as implausible and discarded rather than
	// folded into the estimator.
	MaxValidRTTMs = 2000

	// MaxApplyAtSkew is the sanity bound on how far applyAt may lie from
	// "now" (in either direction) before it is considered stale/invalid
	// and clamped to now+ApplyAhead.
	MaxApplyAtSkew = 500 * time.Millisecond

	// MaxShowPayload bounds a single UDP show packet payload.
	MaxShowPayload = 512

	// ShowHeaderSize is the fixed size in bytes of the show-UDP header.
	ShowHeaderSize = 28
	// TSPingSize and TSPongSize are the fixed frame sizes of the
	// time-sync UDP frames.
	TSPingSize = 24
	TSPongSize = 40

	// OTAMaxConcurrent caps simultaneous rollouts to one (rolling only).
	OTAMaxConcurrent = 1
)

// MsgType enumerates the show-UDP header's msgType field.
type MsgType uint8

const (
	MsgParamDelta   MsgType = 1
	MsgBeatTick     MsgType = 2
	MsgSceneChange  MsgType = 3
	MsgHeartbeat    MsgType = 4
	MsgReserved     MsgType = 5
)

// Valid reports whether m is one of the enumerated message types.
func (m MsgType) Valid() bool {
	switch m {
	case MsgParamDelta, MsgBeatTick, MsgSceneChange, MsgHeartbeat, MsgReserved:
		return true
	default:
		return false
	}
}
