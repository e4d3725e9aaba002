// Package fallback implements the node-side degradation policy:
// IDLE/DEGRADED/ACTIVE driven by time-sync pong liveness, loss, and
// drift. Follows a single-owner, tick-driven state-machine style,
// generalised to a three-state policy.
package fallback

import (
	"time"

	"github.com/ledfleet/fleetctl/internal/wire"
)

// State is the fallback policy's current mode.
type State int

const (
	Idle State = iota
	Degraded
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Degraded:
		return "DEGRADED"
	case Active:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Scene is the last stable {effectId, paletteId} pair to hold on ACTIVE.
type Scene struct {
	EffectID  uint16
	PaletteID uint16
}

// Policy is the node's fallback state machine. It is not safe for
// concurrent use without external synchronisation -- it is driven from
// the node coordinator's single periodic tick.
type Policy struct {
	state      State
	lastStable Scene
	haveStable bool
}

// New returns a Policy starting IDLE with no stable scene recorded.
func New() *Policy {
	return &Policy{state: Idle}
}

// State returns the current mode.
func (p *Policy) State() State { return p.state }

// RecordStable should be called by the node coordinator whenever the
// renderer is holding a scene while the policy is IDLE, so ACTIVE has a
// value to fall back to.
func (p *Policy) RecordStable(s Scene) {
	p.lastStable = s
	p.haveStable = true
}

// Evaluate runs one tick of the transition table:
//
//	Age := now - lastUdpMs (time-sync last pong, not show UDP)
//	Age > UDP_SILENCE_FAIL        -> ACTIVE
//	Age > UDP_SILENCE_DEGRADED ||
//	  lossPct > 200 || |driftUs| > DRIFT_DEGRADED -> DEGRADED
//	else                           -> IDLE
//
// It returns the resulting state and, if ACTIVE, the scene to force.
func (p *Policy) Evaluate(nowLocalUs, lastPongLocalUs int64, lossPct uint16, driftUs int32) (State, Scene) {
	age := time.Duration(nowLocalUs-lastPongLocalUs) * time.Microsecond

	switch {
	case age > wire.UDPSilenceFail:
		p.state = Active
	case age > wire.UDPSilenceDegraded || lossPct > 200 || absDuration(driftUs) > wire.DriftDegraded:
		p.state = Degraded
	default:
		p.state = Idle
	}

	if p.state == Active {
		if p.haveStable {
			return Active, p.lastStable
		}
		return Active, Scene{EffectID: 0, PaletteID: 0}
	}
	return p.state, Scene{}
}

func absDuration(driftUs int32) time.Duration {
	if driftUs < 0 {
		driftUs = -driftUs
	}
	return time.Duration(driftUs) * time.Microsecond
}
