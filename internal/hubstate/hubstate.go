// Package hubstate holds the hub's singleton authoritative desired
// state: global parameters and per-node zone settings, each with a
// dirty bitmask cleared atomically on consumption. Follows a single
// critical section, "mutate here, consume there" shape, generalised
// from one node's state to a global+per-zone table.
package hubstate

import (
	"sync"

	"github.com/ledfleet/fleetctl/internal/wire"
)

// Global dirty-mask bit positions, one per tracked field.
const (
	DirtyEffectID = 1 << iota
	DirtyBrightness
	DirtySpeed
	DirtyPaletteID
	DirtyHue
	DirtyIntensity
	DirtySaturation
	DirtyComplexity
	DirtyVariation
)

// Zone dirty-mask bit positions, one per tracked field.
const (
	ZoneDirtyEffectID = 1 << iota
	ZoneDirtyBrightness
	ZoneDirtySpeed
	ZoneDirtyPaletteID
	ZoneDirtyBlendMode
)

const MaxZones = 4

// GlobalParams is the hub's desired global scene/parameter state.
type GlobalParams struct {
	EffectID   uint16
	Brightness uint8
	Speed      uint8
	PaletteID  uint16
	Hue        uint16
	Intensity  uint8
	Saturation uint8
	Complexity uint8
	Variation  uint8
}

// ZoneSettings is the hub's desired state for one zone on one node.
type ZoneSettings struct {
	EffectID   uint16
	Brightness uint8
	Speed      uint8
	PaletteID  uint16
	BlendMode  uint8
}

// GlobalDelta is a consumed global-state snapshot with the mask of
// fields that changed since the last consume.
type GlobalDelta struct {
	Mask   uint32
	Values GlobalParams
}

// ZoneDelta is a consumed per-(node,zone) snapshot.
type ZoneDelta struct {
	NodeID int
	ZoneID int
	Mask   uint32
	Values ZoneSettings
}

// FullSnapshot is emitted at WELCOME join to synchronise a new node.
type FullSnapshot struct {
	Global       GlobalParams
	ZonesEnabled bool
	Zones        [MaxZones]ZoneSettings
}

// Store is the singleton desired-state holder. One mutex, short critical
// sections, callable from both HTTP/UI input handlers and the batch
// coordinator task.
type Store struct {
	mu sync.Mutex

	global     GlobalParams
	globalMask uint32

	zones     [wire.MaxNodes + 1][MaxZones]ZoneSettings
	zoneMask  [wire.MaxNodes + 1][MaxZones]uint32
	nodeInit  [wire.MaxNodes + 1]bool

	zonesEnabled bool
}

// New returns a Store with zero-valued desired state.
func New() *Store {
	return &Store{}
}

// HasDirty reports whether any global or per-zone field is pending
// consumption.
func (s *Store) HasDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalMask != 0 {
		return true
	}
	for n := 1; n <= wire.MaxNodes; n++ {
		for z := 0; z < MaxZones; z++ {
			if s.zoneMask[n][z] != 0 {
				return true
			}
		}
	}
	return false
}

// --- Global mutators: one setter per field, each marking its bit only
// on an actual value change.

func (s *Store) SetEffectID(v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global.EffectID != v {
		s.global.EffectID = v
		s.globalMask |= DirtyEffectID
	}
}

func (s *Store) SetBrightness(v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global.Brightness != v {
		s.global.Brightness = v
		s.globalMask |= DirtyBrightness
	}
}

func (s *Store) SetSpeed(v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global.Speed != v {
		s.global.Speed = v
		s.globalMask |= DirtySpeed
	}
}

func (s *Store) SetPaletteID(v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global.PaletteID != v {
		s.global.PaletteID = v
		s.globalMask |= DirtyPaletteID
	}
}

func (s *Store) SetHue(v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global.Hue != v {
		s.global.Hue = v
		s.globalMask |= DirtyHue
	}
}

func (s *Store) SetIntensity(v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global.Intensity != v {
		s.global.Intensity = v
		s.globalMask |= DirtyIntensity
	}
}

func (s *Store) SetSaturation(v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global.Saturation != v {
		s.global.Saturation = v
		s.globalMask |= DirtySaturation
	}
}

func (s *Store) SetComplexity(v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global.Complexity != v {
		s.global.Complexity = v
		s.globalMask |= DirtyComplexity
	}
}

func (s *Store) SetVariation(v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global.Variation != v {
		s.global.Variation = v
		s.globalMask |= DirtyVariation
	}
}

// --- Zone mutators.

func (s *Store) SetZoneEffectID(nodeId, zoneId int, v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeInit[nodeId] = true
	if s.zones[nodeId][zoneId].EffectID != v {
		s.zones[nodeId][zoneId].EffectID = v
		s.zoneMask[nodeId][zoneId] |= ZoneDirtyEffectID
	}
}

func (s *Store) SetZoneBrightness(nodeId, zoneId int, v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeInit[nodeId] = true
	if s.zones[nodeId][zoneId].Brightness != v {
		s.zones[nodeId][zoneId].Brightness = v
		s.zoneMask[nodeId][zoneId] |= ZoneDirtyBrightness
	}
}

func (s *Store) SetZoneSpeed(nodeId, zoneId int, v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeInit[nodeId] = true
	if s.zones[nodeId][zoneId].Speed != v {
		s.zones[nodeId][zoneId].Speed = v
		s.zoneMask[nodeId][zoneId] |= ZoneDirtySpeed
	}
}

func (s *Store) SetZonePaletteID(nodeId, zoneId int, v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeInit[nodeId] = true
	if s.zones[nodeId][zoneId].PaletteID != v {
		s.zones[nodeId][zoneId].PaletteID = v
		s.zoneMask[nodeId][zoneId] |= ZoneDirtyPaletteID
	}
}

func (s *Store) SetZoneBlendMode(nodeId, zoneId int, v uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeInit[nodeId] = true
	if s.zones[nodeId][zoneId].BlendMode != v {
		s.zones[nodeId][zoneId].BlendMode = v
		s.zoneMask[nodeId][zoneId] |= ZoneDirtyBlendMode
	}
}

func (s *Store) SetZonesEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zonesEnabled = v
}

// ConsumeGlobalDelta returns the current global snapshot and atomically
// clears the global mask: consume-then-snapshot equals
// snapshot-then-consume when no interleaving mutator runs.
func (s *Store) ConsumeGlobalDelta() GlobalDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := GlobalDelta{Mask: s.globalMask, Values: s.global}
	s.globalMask = 0
	return d
}

// ConsumeZoneDeltas scans initialised nodes and fills out with up to max
// dirty (node,zone) deltas, clearing each consumed mask, returning the
// count emitted.
func (s *Store) ConsumeZoneDeltas(out []ZoneDelta, max int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for node := 1; node <= wire.MaxNodes && n < max; node++ {
		if !s.nodeInit[node] {
			continue
		}
		for zone := 0; zone < MaxZones && n < max; zone++ {
			if s.zoneMask[node][zone] == 0 {
				continue
			}
			out[n] = ZoneDelta{
				NodeID: node,
				ZoneID: zone,
				Mask:   s.zoneMask[node][zone],
				Values: s.zones[node][zone],
			}
			s.zoneMask[node][zone] = 0
			n++
		}
	}
	return n
}

// Snapshot returns the current global parameters without touching dirty
// state, for the continuous best-effort show-UDP fanout: unlike
// ConsumeGlobalDelta, repeated calls return the same values until a
// mutator changes them, so the 100Hz task can re-broadcast the current
// state every tick as a loss-tolerant redundant path alongside the
// WS control plane's once-per-change delta delivery.
func (s *Store) Snapshot() GlobalParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}

// CreateFullSnapshot builds the synchronisation payload sent at WELCOME
// join for nodeId.
func (s *Store) CreateFullSnapshot(nodeId int) FullSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := FullSnapshot{Global: s.global, ZonesEnabled: s.zonesEnabled}
	copy(snap.Zones[:], s.zones[nodeId][:])
	return snap
}
