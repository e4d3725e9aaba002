// Package simrender is a logging-only render.Applier for processes
// without attached LED hardware: cmd/node (until a real driver is
// wired) and cmd/simnode. Uses the same structured zap.Logger field
// style as the hub's HTTP/WS logging, applied here to frame-apply
// events instead.
package simrender

import (
	"go.uber.org/zap"

	"github.com/ledfleet/fleetctl/internal/schedule"
)

// Applier logs every apply call at debug level rather than driving
// real LED output. It satisfies render.Applier.
type Applier struct {
	log *zap.Logger
}

// New returns an Applier that logs through log. A nil log is replaced
// with a no-op logger.
func New(log *zap.Logger) *Applier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Applier{log: log}
}

func (a *Applier) ApplySceneChange(s schedule.SceneChange) {
	a.log.Debug("apply scene change",
		zap.Uint16("effect_id", s.EffectID),
		zap.Uint16("palette_id", s.PaletteID),
		zap.Uint8("transition", s.Transition),
		zap.Uint32("duration_ms", s.DurationMs),
	)
}

func (a *Applier) ApplyParamDelta(p schedule.ParamDelta) {
	a.log.Debug("apply param delta",
		zap.Uint8("brightness", p.Brightness),
		zap.Uint8("speed", p.Speed),
		zap.Uint16("hue", p.Hue),
	)
}

func (a *Applier) ApplyZoneUpdate(z schedule.ZoneUpdate) {
	a.log.Debug("apply zone update",
		zap.Uint8("zone_id", z.ZoneID),
		zap.Uint16("effect_id", z.EffectID),
		zap.Uint8("brightness", z.Brightness),
	)
}

func (a *Applier) ApplyBeatTick(b schedule.BeatTick) {
	a.log.Debug("apply beat tick",
		zap.Uint16("bpm_x100", b.BpmX100),
		zap.Uint8("phase", b.Phase),
	)
}

// ForceStableScene logs at info level since it marks a fallback
// transition into ACTIVE, a condition operators care about seeing.
func (a *Applier) ForceStableScene(s schedule.SceneChange) {
	a.log.Info("forcing stable scene (fallback active)",
		zap.Uint16("effect_id", s.EffectID),
		zap.Uint16("palette_id", s.PaletteID),
	)
}
