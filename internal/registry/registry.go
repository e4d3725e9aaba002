// Package registry implements the hub's node lifecycle state machine:
// admission, health tracking, and loss detection. It follows a
// single-mutex owner with a forEach-style read API, generalised from
// one node's state to a bounded table of up to MAX_NODES entries, plus
// a recently-seen-MAC LRU that survives LOST cleanup.
package registry

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ledfleet/fleetctl/internal/wire"
)

// NodeState is the admission/health state of a NodeEntry.
type NodeState int

const (
	Pending NodeState = iota
	Authed
	Ready
	Degraded
	Lost
)

func (s NodeState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Authed:
		return "AUTHED"
	case Ready:
		return "READY"
	case Degraded:
		return "DEGRADED"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// Capabilities a node advertises at hello.
type Capabilities struct {
	UDP   bool
	OTA   bool
	Clock bool
}

// Topology a node advertises at hello.
type Topology struct {
	Leds     int
	Channels int
}

// OTAState mirrors the node's OTA progress as last reported.
type OTAState int

const (
	OTAIdle OTAState = iota
	OTADownloading
	OTAVerifying
	OTAApplying
	OTARebooting
	OTAError
)

func (s OTAState) String() string {
	switch s {
	case OTAIdle:
		return "IDLE"
	case OTADownloading:
		return "DOWNLOADING"
	case OTAVerifying:
		return "VERIFYING"
	case OTAApplying:
		return "APPLYING"
	case OTARebooting:
		return "REBOOTING"
	case OTAError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Statistics is a small counter bag per node.
type Statistics struct {
	UDPSent            uint64
	KeepalivesReceived uint64
}

// Entry is one node's hub-owned record.
type Entry struct {
	NodeID int
	MAC    string
	IP     string
	FW     string

	Token     string
	TokenHash uint32

	State NodeState

	LastSeenMs int64
	RSSI       int8
	LossPct    uint16 // 0..10000, 0.01% resolution
	DriftUs    int32

	Capabilities Capabilities
	Topology     Topology

	Statistics Statistics

	OTAState   OTAState
	OTAPct     int
	OTAVersion string
	OTAError   string
}

// Hello is the admission request payload.
type Hello struct {
	MAC          string
	FW           string
	Capabilities Capabilities
	Topology     Topology
}

// Keepalive is the periodic health payload.
type Keepalive struct {
	RSSI     int8
	LossPct  uint16
	DriftUs  int32
	UptimeS  int
}

// Welcome is the admission response.
type Welcome struct {
	NodeID     int
	Token      string
	UDPPort    int
	HubEpochUs int64
}

var (
	ErrFull           = errors.New("registry: full, no free node id")
	ErrTokenCollision = errors.New("registry: token hash collision")
	ErrUnknownNode    = errors.New("registry: unknown node id")
)

// Registry is the hub's node table. Mutated only from the hub coordinator
// and WS input handlers -- never from the 100Hz fanout task, which reads
// snapshots only via ForEachReady et al.
type Registry struct {
	mu        sync.RWMutex
	entries   map[int]*Entry
	macToID   map[string]int
	nextToken uint64
	recentMAC *lru.Cache[string, int]
	log       *zap.Logger
	lostAt    map[int]time.Time
}

// New returns an empty Registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	cache, _ := lru.New[string, int](32)
	return &Registry{
		entries:   make(map[int]*Entry),
		macToID:   make(map[string]int),
		recentMAC: cache,
		log:       log,
		lostAt:    make(map[int]time.Time),
	}
}

// RegisterNode upserts by MAC. If the MAC already has an entry, it is
// reset to PENDING with its token cleared, its OTA progress reset to
// idle, and any pending LOST cleanup cancelled (rejoin). Else a free nodeId
// 1..MAX_NODES is assigned, or ErrFull.
func (r *Registry) RegisterNode(hello Hello, ip string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.macToID[hello.MAC]; ok {
		e := r.entries[id]
		e.IP = ip
		e.FW = hello.FW
		e.Capabilities = hello.Capabilities
		e.Topology = hello.Topology
		e.State = Pending
		e.Token = ""
		e.TokenHash = 0
		e.OTAState = OTAIdle
		e.OTAPct = 0
		delete(r.lostAt, id)
		r.log.Info("node rejoined", zap.Int("nodeId", id), zap.String("mac", hello.MAC))
		return id, nil
	}

	id := r.nextFreeID()
	if id == 0 {
		return 0, ErrFull
	}
	e := &Entry{
		NodeID:       id,
		MAC:          hello.MAC,
		IP:           ip,
		FW:           hello.FW,
		State:        Pending,
		Capabilities: hello.Capabilities,
		Topology:     hello.Topology,
	}
	r.entries[id] = e
	r.macToID[hello.MAC] = id
	r.recentMAC.Add(hello.MAC, id)
	r.log.Info("node admitted", zap.Int("nodeId", id), zap.String("mac", hello.MAC))
	return id, nil
}

func (r *Registry) nextFreeID() int {
	for id := 1; id <= wire.MaxNodes; id++ {
		if _, used := r.entries[id]; !used {
			return id
		}
	}
	return 0
}

// SendWelcome generates a fresh session token for nodeId, checks
// tokenHash uniqueness across non-LOST entries, and on success advances
// the entry to AUTHED.
func (r *Registry) SendWelcome(nodeId int, hubEpochUs int64) (Welcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[nodeId]
	if !ok {
		return Welcome{}, ErrUnknownNode
	}

	token := uuid.New().String()
	hash := wire.TokenHash(token)
	for otherID, other := range r.entries {
		if otherID == nodeId || other.State == Lost {
			continue
		}
		if other.TokenHash == hash {
			r.log.Error("token hash collision, refusing to advance", zap.Int("nodeId", nodeId))
			return Welcome{}, ErrTokenCollision
		}
	}

	e.Token = token
	e.TokenHash = hash
	e.State = Authed
	r.nextToken++

	return Welcome{
		NodeID:     nodeId,
		Token:      token,
		UDPPort:    wire.ShowUDPPort,
		HubEpochUs: hubEpochUs,
	}, nil
}

// UpdateKeepalive applies a keepalive's health fields and runs the
// READY<->DEGRADED promotion/demotion predicate.
func (r *Registry) UpdateKeepalive(nodeId int, ka Keepalive, nowMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[nodeId]
	if !ok {
		return ErrUnknownNode
	}
	e.LastSeenMs = nowMs
	e.RSSI = ka.RSSI
	e.LossPct = ka.LossPct
	e.DriftUs = ka.DriftUs
	e.Statistics.KeepalivesReceived++

	if e.State == Ready {
		if e.LossPct > 200 || absInt32(e.DriftUs) > int32(wire.DriftDegraded.Microseconds()) {
			e.State = Degraded
		}
	}
	return nil
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// MarkReady promotes a node to READY (e.g. on first valid keepalive
// after AUTHED).
func (r *Registry) MarkReady(nodeId int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[nodeId]
	if !ok {
		return ErrUnknownNode
	}
	if e.State == Authed || e.State == Degraded {
		e.State = Ready
	}
	return nil
}

// MarkDegraded forces a node to DEGRADED (e.g. on disconnect without full
// loss, or explicit operator action).
func (r *Registry) MarkDegraded(nodeId int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[nodeId]
	if !ok {
		return ErrUnknownNode
	}
	if e.State == Ready {
		e.State = Degraded
	}
	return nil
}

// MarkLost transitions a node to LOST from any state (e.g. WS disconnect,
// keepalive timeout).
func (r *Registry) MarkLost(nodeId int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[nodeId]
	if !ok {
		return ErrUnknownNode
	}
	if e.State == Lost {
		return nil
	}
	e.State = Lost
	e.TokenHash = 0
	e.Token = ""
	r.lostAt[nodeId] = time.UnixMilli(e.LastSeenMs)
	r.log.Warn("node lost", zap.Int("nodeId", nodeId))
	return nil
}

// Tick runs the periodic health sweep: timeout non-LOST nodes whose
// keepalive is stale, and clean up entries LOST_CLEANUP past their loss.
func (r *Registry) Tick(nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if e.State != Lost && nowMs-e.LastSeenMs > wire.KeepaliveTimeout.Milliseconds() && e.LastSeenMs != 0 {
			e.State = Lost
			e.TokenHash = 0
			e.Token = ""
			r.lostAt[id] = time.UnixMilli(nowMs)
			r.log.Warn("node keepalive timeout, marked LOST", zap.Int("nodeId", id))
		}
	}

	for id, lostAt := range r.lostAt {
		if time.UnixMilli(nowMs).Sub(lostAt) > wire.LostCleanup {
			if e, ok := r.entries[id]; ok {
				delete(r.macToID, e.MAC)
			}
			delete(r.entries, id)
			delete(r.lostAt, id)
			r.log.Info("lost node cleaned up", zap.Int("nodeId", id))
		}
	}

	r.verifyInvariants(nowMs)
}

// verifyInvariants checks tokenHash well-formedness and uniqueness,
// logging an error on violation. Caller must hold r.mu.
func (r *Registry) verifyInvariants(nowMs int64) {
	seen := make(map[uint32]int, len(r.entries))
	for id, e := range r.entries {
		if e.TokenHash == 0 {
			if e.State != Pending && e.State != Lost {
				r.log.Error("invariant violation: zero tokenHash outside PENDING/LOST",
					zap.Int("nodeId", id), zap.String("state", e.State.String()))
			}
			continue
		}
		if e.State == Lost {
			continue
		}
		if other, dup := seen[e.TokenHash]; dup {
			r.log.Error("invariant violation: duplicate tokenHash across non-LOST entries",
				zap.Int("nodeIdA", other), zap.Int("nodeIdB", id))
		}
		seen[e.TokenHash] = id
	}
}

// Get returns a copy of the entry for nodeId.
func (r *Registry) Get(nodeId int) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[nodeId]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ForEachReady calls fn for every READY node in ascending nodeId order.
// fn MUST NOT mutate the registry.
func (r *Registry) ForEachReady(fn func(Entry)) {
	r.forEachState(Ready, fn)
}

// ForEachAuthed calls fn for every AUTHED node in ascending nodeId order.
func (r *Registry) ForEachAuthed(fn func(Entry)) {
	r.forEachState(Authed, fn)
}

// ForEachAll calls fn for every entry in ascending nodeId order,
// regardless of state.
func (r *Registry) ForEachAll(fn func(Entry)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := 1; id <= wire.MaxNodes; id++ {
		if e, ok := r.entries[id]; ok {
			fn(*e)
		}
	}
}

func (r *Registry) forEachState(state NodeState, fn func(Entry)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := 1; id <= wire.MaxNodes; id++ {
		if e, ok := r.entries[id]; ok && e.State == state {
			fn(*e)
		}
	}
}

// SetOTAStatus records a node's last-reported OTA progress.
func (r *Registry) SetOTAStatus(nodeId int, state OTAState, pct int, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[nodeId]
	if !ok {
		return ErrUnknownNode
	}
	e.OTAState = state
	e.OTAPct = pct
	e.OTAError = errMsg
	return nil
}

// RecentNodeIDForMAC reports the most recently assigned nodeId for a MAC
// even after the entry itself has been cleaned up past LOST_CLEANUP. It
// never changes admission semantics -- a miss still falls through to
// ordinary RegisterNode assignment.
func (r *Registry) RecentNodeIDForMAC(mac string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recentMAC.Get(mac)
}
