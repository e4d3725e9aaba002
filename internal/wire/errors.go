package wire

import "errors"

// Codec failure modes. These are absorbed and counted by callers; none
// of them are ever panics.
var (
	ErrInvalidProto        = errors.New("wire: invalid proto version")
	ErrInvalidMsgType      = errors.New("wire: invalid msgType")
	ErrTruncatedPacket     = errors.New("wire: truncated packet")
	ErrPayloadLenMismatch  = errors.New("wire: payloadLen exceeds packet bounds")
	ErrOversizePayload     = errors.New("wire: payload exceeds MaxShowPayload")
)
