// Package transport carries the control-plane WebSocket traffic and the
// show/time-sync UDP traffic between hub and node processes.
package transport

import "encoding/json"

// Envelope is the minimal shape every control-plane WS message shares:
// a discriminator field under either "t" (node->hub legacy messages) or
// "type" (hub->node messages), dispatched on whichever is present.
type Envelope struct {
	T    string          `json:"t,omitempty"`
	Type string          `json:"type,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// Kind returns the discriminator regardless of which field carried it.
func (e Envelope) Kind() string {
	if e.T != "" {
		return e.T
	}
	return e.Type
}

// HelloMsg is the node->hub admission request.
type HelloMsg struct {
	T     string `json:"t"`
	Proto uint8  `json:"proto"`
	MAC   string `json:"mac"`
	FW    string `json:"fw"`
	Caps  struct {
		UDP   bool `json:"udp"`
		OTA   bool `json:"ota"`
		Clock bool `json:"clock"`
	} `json:"caps"`
	Topo struct {
		Leds     int `json:"leds"`
		Channels int `json:"channels"`
	} `json:"topo"`
}

// KeepaliveMsg is the node->hub periodic health report.
type KeepaliveMsg struct {
	T       string  `json:"t"`
	NodeID  int     `json:"nodeId"`
	Token   string  `json:"token"`
	RSSI    int8    `json:"rssi"`
	LossPct uint16  `json:"loss_pct"`
	DriftUs int32   `json:"drift_us"`
	UptimeS int     `json:"uptime_s"`
}

// OTAStatusMsg is the node->hub OTA progress report.
type OTAStatusMsg struct {
	T      string `json:"t"`
	NodeID int    `json:"nodeId"`
	Token  string `json:"token"`
	State  string `json:"state"`
	Pct    int    `json:"pct"`
	Error  string `json:"error,omitempty"`
}

// WelcomeMsg is the hub->node admission response.
type WelcomeMsg struct {
	T          string `json:"t"`
	Proto      uint8  `json:"proto"`
	NodeID     int    `json:"nodeId"`
	Token      string `json:"token"`
	UDPPort    int    `json:"udpPort"`
	HubEpochUs int64  `json:"hubEpoch_us"`
}

// ZoneSnapshot is one zone's settings within a StateSnapshotMsg.
type ZoneSnapshot struct {
	ZoneID     int    `json:"zoneId"`
	EffectID   uint16 `json:"effectId"`
	Brightness uint8  `json:"brightness"`
	Speed      uint8  `json:"speed"`
	PaletteID  uint16 `json:"paletteId"`
	BlendMode  uint8  `json:"blendMode"`
}

// GlobalSnapshot is the full set of global parameters within a
// StateSnapshotMsg.
type GlobalSnapshot struct {
	EffectID   uint16 `json:"effectId"`
	Brightness uint8  `json:"brightness"`
	Speed      uint8  `json:"speed"`
	PaletteID  uint16 `json:"paletteId"`
	Hue        uint16 `json:"hue"`
	Intensity  uint8  `json:"intensity"`
	Saturation uint8  `json:"saturation"`
	Complexity uint8  `json:"complexity"`
	Variation  uint8  `json:"variation"`
}

// StateSnapshotMsg is the hub->node full-sync message sent at join.
type StateSnapshotMsg struct {
	Type         string         `json:"type"`
	NodeID       int            `json:"nodeId"`
	ApplyAtUs    int64          `json:"applyAt_us"`
	ZonesEnabled bool           `json:"zonesEnabled"`
	Global       GlobalSnapshot `json:"global"`
	Zones        []ZoneSnapshot `json:"zones,omitempty"`
}

// EffectsSetCurrentMsg is the hub->node scene-change delta.
type EffectsSetCurrentMsg struct {
	Type      string `json:"type"`
	EffectID  uint16 `json:"effectId"`
	ApplyAtUs int64  `json:"applyAt_us"`
}

// ParametersSetMsg is the hub->node global parameter delta. Pointer
// fields distinguish "unchanged" from "set to zero".
type ParametersSetMsg struct {
	Type       string  `json:"type"`
	ApplyAtUs  int64   `json:"applyAt_us"`
	Brightness *uint8  `json:"brightness,omitempty"`
	Speed      *uint8  `json:"speed,omitempty"`
	PaletteID  *uint16 `json:"paletteId,omitempty"`
	Hue        *uint16 `json:"hue,omitempty"`
	Intensity  *uint8  `json:"intensity,omitempty"`
	Saturation *uint8  `json:"saturation,omitempty"`
	Complexity *uint8  `json:"complexity,omitempty"`
	Variation  *uint8  `json:"variation,omitempty"`
}

// ZonesUpdateMsg is the hub->node per-zone parameter delta.
type ZonesUpdateMsg struct {
	Type       string  `json:"type"`
	ZoneID     int     `json:"zoneId"`
	ApplyAtUs  int64   `json:"applyAt_us"`
	EffectID   *uint16 `json:"effectId,omitempty"`
	Brightness *uint8  `json:"brightness,omitempty"`
	Speed      *uint8  `json:"speed,omitempty"`
	PaletteID  *uint16 `json:"paletteId,omitempty"`
	BlendMode  *uint8  `json:"blendMode,omitempty"`
}

// OTAUpdateMsg is the hub->node rollout dispatch.
type OTAUpdateMsg struct {
	T       string `json:"t"`
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size"`
}

// TSPongMsg is the legacy hub->node WS time-sync reply (UDP TS is
// preferred; this path exists for nodes without a UDP TS client).
type TSPongMsg struct {
	T      string `json:"t"`
	NodeID int    `json:"nodeId"`
	Seq    uint32 `json:"seq"`
	T1Us   int64  `json:"t1_us"`
	T2Us   int64  `json:"t2_us"`
	T3Us   int64  `json:"t3_us"`
}
