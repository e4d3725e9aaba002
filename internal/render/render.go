// Package render defines the boundary between the node coordinator and
// the external LED rendering engine, which is explicitly out of scope:
// the effect library, frame timing, and pixel output live in a
// separate collaborator. This package only describes the contract the
// coordinator drives at each frame boundary.
package render

import "github.com/ledfleet/fleetctl/internal/schedule"

// Applier applies scheduled commands to the LED output in the required
// stable order: SceneChange, then ParamDelta, then ZoneUpdate, then
// BeatTick. A real implementation drives actual LED hardware or a
// simulator; this interface is all the coordinator depends on.
type Applier interface {
	ApplySceneChange(schedule.SceneChange)
	ApplyParamDelta(schedule.ParamDelta)
	ApplyZoneUpdate(schedule.ZoneUpdate)
	ApplyBeatTick(schedule.BeatTick)

	// ForceStableScene is invoked when fallback enters ACTIVE: the
	// renderer must hold the last known-stable scene (or effect 0 if
	// none was ever stable) regardless of what the scheduler holds.
	ForceStableScene(schedule.SceneChange)
}

// ApplyDue extracts every Cmd due at nowUs from q (bounded by max) and
// applies each in stable order, matching the source's documented
// apply-order invariant: a SceneChange referencing a new effect/palette
// must be applied before any ParamDelta for that same window.
func ApplyDue(q *schedule.Queue, a Applier, nowUs int64, max int) int {
	buf := make([]schedule.Cmd, max)
	n := q.ExtractDue(nowUs, buf, max)
	if n == 0 {
		return 0
	}

	var scenes, params, zones, beats []schedule.Cmd
	for _, cmd := range buf[:n] {
		switch cmd.Kind {
		case schedule.CmdSceneChange:
			scenes = append(scenes, cmd)
		case schedule.CmdParamDelta:
			params = append(params, cmd)
		case schedule.CmdZoneUpdate:
			zones = append(zones, cmd)
		case schedule.CmdBeatTick:
			beats = append(beats, cmd)
		}
	}
	for _, c := range scenes {
		a.ApplySceneChange(c.Scene)
	}
	for _, c := range params {
		a.ApplyParamDelta(c.Param)
	}
	for _, c := range zones {
		a.ApplyZoneUpdate(c.Zone)
	}
	for _, c := range beats {
		a.ApplyBeatTick(c.Beat)
	}
	return n
}
