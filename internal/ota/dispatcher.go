package ota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledfleet/fleetctl/internal/registry"
	"github.com/ledfleet/fleetctl/internal/wire"
)

// RolloutState is the dispatcher's top-level state.
type RolloutState int

const (
	Idle RolloutState = iota
	InProgress
	Complete
	Aborted
)

func (s RolloutState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case InProgress:
		return "IN_PROGRESS"
	case Complete:
		return "COMPLETE"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrRolloutInProgress is returned by StartRollout when one rollout
	// is already IN_PROGRESS -- only one concurrent rollout is allowed.
	ErrRolloutInProgress = errors.New("ota: rollout already in progress")
	// ErrEmptyNodeList is returned when StartRollout is called with no
	// target nodes.
	ErrEmptyNodeList = errors.New("ota: rollout requires at least one node")
)

// Sender pushes an ota_update control message to a node over its
// WebSocket connection. Supplied by the hub coordinator, which owns the
// actual transport.
type Sender func(nodeID int, rel Release) error

// Status is a read-only snapshot of the current rollout, served by the
// hub's /ota/status handler.
type Status struct {
	RolloutID      string `json:"rolloutId"`
	State          string `json:"state"`
	Track          string `json:"track"`
	Version        string `json:"version"`
	NodeIDs        []int  `json:"nodeIds"`
	CurrentNodeID  int    `json:"currentNodeId"`
	CompletedCount int    `json:"completedCount"`
	LastError      string `json:"lastError,omitempty"`
}

// Dispatcher is the hub's rolling OTA state machine: IDLE -> IN_PROGRESS
// -> (COMPLETE | ABORTED), rolling through nodeIds one at a time.
// Grounded on backend/gamification/tally_service.go's tick-driven single
// active item loop, generalized from a periodic tally window to a
// one-node-at-a-time firmware rollout driven by registry state rather
// than a ticker.
type Dispatcher struct {
	log      *zap.Logger
	reg      *registry.Registry
	repo     *Repository
	audit    *AuditRepository
	send     Sender

	mu             sync.Mutex
	state          RolloutState
	rolloutID      string
	track          string
	platform       string
	release        Release
	nodeIDs        []int
	currentIdx     int
	startedAtMs    int64
	completedCount int
	lastError      string

	// dispatchedTokenHash is the current node's token hash when its
	// ota_update was sent; a rejoin issues a new token.
	dispatchedTokenHash uint32
}

// NewDispatcher wires a Dispatcher against the hub's node registry,
// firmware repository, audit log, and outbound message sender.
func NewDispatcher(log *zap.Logger, reg *registry.Registry, repo *Repository, audit *AuditRepository, send Sender) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log, reg: reg, repo: repo, audit: audit, send: send, state: Idle}
}

// StartRollout loads the named release, validates its binary path
// exists, and begins rolling nodeIDs through it one at a time. Refuses
// with ErrRolloutInProgress while a rollout is already running, per the
// one-concurrent-rollout ceiling.
func (d *Dispatcher) StartRollout(track, platform string, nodeIDs []int, nowMs int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == InProgress {
		return "", ErrRolloutInProgress
	}
	if len(nodeIDs) == 0 {
		return "", ErrEmptyNodeList
	}

	rel, err := d.repo.Lookup(platform, track)
	if err != nil {
		return "", err
	}
	if _, err := d.repo.ResolveBinaryPath(rel.URL); err != nil {
		return "", fmt.Errorf("ota: release binary unavailable: %w", err)
	}

	d.rolloutID = uuid.New().String()
	d.track = track
	d.platform = platform
	d.release = rel
	d.nodeIDs = append([]int(nil), nodeIDs...)
	d.currentIdx = 0
	d.completedCount = 0
	d.lastError = ""
	d.startedAtMs = nowMs
	d.state = InProgress

	d.logAudit("started", 0, "")
	d.dispatchCurrentLocked()
	return d.rolloutID, nil
}

// dispatchCurrentLocked sends ota_update to the current node and resets
// its per-node deadline. Caller must hold d.mu.
func (d *Dispatcher) dispatchCurrentLocked() {
	nodeID := d.nodeIDs[d.currentIdx]
	d.dispatchedTokenHash = 0
	if entry, ok := d.reg.Get(nodeID); ok {
		d.dispatchedTokenHash = entry.TokenHash
	}
	if err := d.send(nodeID, d.release); err != nil {
		d.log.Error("ota: failed to send ota_update", zap.Int("nodeId", nodeID), zap.Error(err))
	}
	d.logAudit("node_started", nodeID, d.release.Version)
}

// Tick drives the per-node timeout and READY-transition advancement. Call
// at the hub's 20Hz maintenance rate with the current monotonic ms clock.
func (d *Dispatcher) Tick(nowMs int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != InProgress {
		return
	}

	elapsed := nowMs - d.startedAtMs
	if elapsed > wire.OTANodeTimeout.Milliseconds() {
		nodeID := d.nodeIDs[d.currentIdx]
		d.log.Error("ota: node timed out, aborting rollout", zap.Int("nodeId", nodeID))
		d.abortLocked(fmt.Sprintf("node %d timed out after %dms", nodeID, wire.OTANodeTimeout.Milliseconds()))
		return
	}

	nodeID := d.nodeIDs[d.currentIdx]
	entry, ok := d.reg.Get(nodeID)
	if !ok {
		return
	}
	if entry.State == registry.Ready && entry.OTAState == registry.OTAIdle && entry.TokenHash != d.dispatchedTokenHash {
		d.completedCount++
		d.logAudit("node_done", nodeID, d.release.Version)
		d.currentIdx++
		if d.currentIdx >= len(d.nodeIDs) {
			d.state = Complete
			d.logAudit("completed", 0, "")
			return
		}
		d.startedAtMs = nowMs
		d.dispatchCurrentLocked()
	}
}

// OnNodeOtaStatus applies a node's ota_status report. Reports from any
// node other than the current in-flight target are ignored -- a stray
// or stale report from a node not currently being updated.
func (d *Dispatcher) OnNodeOtaStatus(nodeID int, state string, pct int, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != InProgress || d.currentIdx >= len(d.nodeIDs) || d.nodeIDs[d.currentIdx] != nodeID {
		return
	}
	if state == "error" {
		d.log.Error("ota: node reported error", zap.Int("nodeId", nodeID), zap.String("error", errMsg))
		d.abortLocked(fmt.Sprintf("node %d: %s", nodeID, errMsg))
		return
	}
	d.log.Debug("ota: node progress", zap.Int("nodeId", nodeID), zap.String("state", state), zap.Int("pct", pct))
}

// Abort cancels the in-progress rollout. Idempotent: a no-op when no
// rollout is running. The current node is left in whatever state it
// last reported.
func (d *Dispatcher) Abort(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != InProgress {
		return
	}
	d.abortLocked(reason)
}

func (d *Dispatcher) abortLocked(reason string) {
	d.lastError = reason
	d.state = Aborted
	d.logAudit("aborted", 0, reason)
}

func (d *Dispatcher) logAudit(event string, nodeID int, detail string) {
	if d.audit == nil {
		return
	}
	go func(ev RolloutEvent) {
		if err := d.audit.Append(context.Background(), ev); err != nil {
			d.log.Warn("ota: failed to append audit event", zap.Error(err))
		}
	}(RolloutEvent{
		RolloutID: d.rolloutID,
		NodeID:    nodeID,
		Track:     d.track,
		Version:   d.release.Version,
		Event:     event,
		Detail:    detail,
	})
}

// Status returns a snapshot of the current (or most recently finished)
// rollout for the /ota/status HTTP handler.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		RolloutID: d.rolloutID,
		State:     d.state.String(),
		Track:     d.track,
		Version:   d.release.Version,
		NodeIDs:   append([]int(nil), d.nodeIDs...),
		CompletedCount: d.completedCount,
		LastError: d.lastError,
	}
	if d.state == InProgress && d.currentIdx < len(d.nodeIDs) {
		st.CurrentNodeID = d.nodeIDs[d.currentIdx]
	}
	return st
}
