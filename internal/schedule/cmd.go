// Package schedule implements the per-node bounded applyAt scheduler.
// It is a flat sorted array -- a ring buffer is not required at
// SCHED_QUEUE_SIZE=64 -- ordered by applyAt ascending, with
// type/zone-aware coalescing on overflow.
package schedule

// CmdKind tags the variant held by a Cmd, mirroring the original
// firmware's lw_cmd_t.data tagged union with an explicit Go tag
// identical in spirit.
type CmdKind uint8

const (
	CmdSceneChange CmdKind = iota
	CmdParamDelta
	CmdBeatTick
	CmdZoneUpdate
)

// SceneChange is a scene-switch command.
type SceneChange struct {
	EffectID   uint16
	PaletteID  uint16
	Transition uint8
	DurationMs uint32
}

// ParamDelta is a parameter-change command. FlagsBitmask marks which
// fields are meaningful; coalescing overwrites the whole record on a
// match rather than merging field-by-field, since control-plane
// state.snapshot is the ultimate source of truth and a dropped field is
// repaired on the next batch window.
type ParamDelta struct {
	Brightness    uint8
	Speed         uint8
	PaletteID     uint16
	Intensity     uint8
	Saturation    uint8
	Complexity    uint8
	Variation     uint8
	Hue           uint16
	FlagsBitmask  uint32
}

// BeatTick is a beat/bpm update command.
type BeatTick struct {
	BpmX100 uint16
	Phase   uint8
	Flags   uint8
}

// ZoneUpdate is a per-zone parameter command.
type ZoneUpdate struct {
	ZoneID       uint8
	FlagsBitmask uint32
	EffectID     uint16
	Brightness   uint8
	Speed        uint8
	PaletteID    uint16
	BlendMode    uint8
}

// Cmd is a tagged command carrying its applyAt deadline (local time, µs)
// and an informational trace sequence.
type Cmd struct {
	Kind      CmdKind
	ApplyAtUs int64
	TraceSeq  uint32

	Scene SceneChange
	Param ParamDelta
	Beat  BeatTick
	Zone  ZoneUpdate
}

// sameSlot reports whether a and b occupy the same coalescing slot: same
// Kind, and for ZoneUpdate additionally the same ZoneID.
func sameSlot(a, b Cmd) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == CmdZoneUpdate {
		return a.Zone.ZoneID == b.Zone.ZoneID
	}
	return true
}
