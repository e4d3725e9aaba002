// Package hub wires the hub-side subsystems -- registry, desired-state
// store, OTA dispatcher, show-UDP fanout, time-sync listener, and the
// control-plane WebSocket server -- into the two periodic tasks and the
// inbound message dispatch that make up the running hub process.
// Collaborators are constructed up front, then handed to goroutines and
// an HTTP mux rather than threaded through a framework.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/ledfleet/fleetctl/internal/clock"
	"github.com/ledfleet/fleetctl/internal/config"
	"github.com/ledfleet/fleetctl/internal/hubstate"
	"github.com/ledfleet/fleetctl/internal/ota"
	"github.com/ledfleet/fleetctl/internal/registry"
	"github.com/ledfleet/fleetctl/internal/transport"
	"github.com/ledfleet/fleetctl/internal/wire"
)

// Coordinator is the hub process's central collaborator graph.
type Coordinator struct {
	log *zap.Logger
	cfg *config.HubConfig

	clock    *clock.ShowClock
	registry *registry.Registry
	state    *hubstate.Store
	ota      *ota.Dispatcher
	otaRepo  *ota.Repository

	fanout     *transport.FanoutSender
	wsServer   *transport.WSServer
	tsListener *transport.TSListener

	connMu     sync.Mutex
	connByNode map[int]*websocket.Conn
	nodeByConn map[*websocket.Conn]int

	seq          atomic.Uint32
	lastEffectID uint16
}

// NewCoordinator wires the collaborator graph. The caller owns
// constructing otaRepo/auditRepo/fanout/tsListener since those require
// process-level resources (files, sockets) the coordinator itself
// should not open.
func NewCoordinator(
	log *zap.Logger,
	cfg *config.HubConfig,
	src clock.Source,
	reg *registry.Registry,
	state *hubstate.Store,
	otaRepo *ota.Repository,
	auditRepo *ota.AuditRepository,
	fanout *transport.FanoutSender,
	tsListener *transport.TSListener,
) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		log:        log,
		cfg:        cfg,
		clock:      clock.NewShowClock(src),
		registry:   reg,
		state:      state,
		otaRepo:    otaRepo,
		fanout:     fanout,
		tsListener: tsListener,
		connByNode: make(map[int]*websocket.Conn),
		nodeByConn: make(map[*websocket.Conn]int),
	}
	c.ota = ota.NewDispatcher(log, reg, otaRepo, auditRepo, c.sendOTAUpdate)
	c.wsServer = transport.NewWSServer(log, c.handleInbound)
	c.wsServer.OnDisconnect(c.onDisconnect)
	return c
}

// Run starts the fanout task, maintenance task, and TS listener, and
// blocks until ctx is cancelled and all three have exited.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.runFanout(ctx) }()
	go func() { defer wg.Done(); c.runMaintenance(ctx) }()
	go func() { defer wg.Done(); c.tsListener.Run(ctx) }()
	wg.Wait()
}

func (c *Coordinator) nextSeq() uint32 { return c.seq.Add(1) }

// runFanout drives the 100Hz show-UDP task: advance the beat phase every
// tick, announce scene changes on the edge, and continuously rebroadcast
// the current global parameters as a loss-tolerant redundant path (the
// WS control plane delivers the authoritative once-per-change delta
// separately, see runMaintenance).
func (c *Coordinator) runFanout(ctx context.Context) {
	ticker := time.NewTicker(wire.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.fanoutTick()
		}
	}
}

func (c *Coordinator) fanoutTick() {
	c.clock.Tick()
	nowUs := c.clock.NowUs()
	applyAtUs := uint64(nowUs + wire.ApplyAhead.Microseconds())
	seq := c.nextSeq()

	phase := c.clock.AdvanceBeatPhase(1)
	beatPayload := wire.MarshalBeatTick(wire.BeatTickPayload{
		BpmX100: uint16(c.clock.BpmX100()),
		Phase:   phase,
	})
	c.sendToReady(wire.MsgBeatTick, beatPayload, seq, uint64(nowUs), applyAtUs)

	snap := c.state.Snapshot()
	if snap.EffectID != c.lastEffectID {
		c.lastEffectID = snap.EffectID
		scenePayload := wire.MarshalSceneChange(wire.SceneChangePayload{
			EffectID: snap.EffectID, PaletteID: snap.PaletteID,
		})
		c.sendToReady(wire.MsgSceneChange, scenePayload, seq, uint64(nowUs), applyAtUs)
	}

	paramPayload := wire.MarshalParamDelta(wire.ParamDeltaPayload{
		EffectID: snap.EffectID, PaletteID: snap.PaletteID,
		Brightness: snap.Brightness, Speed: snap.Speed, Hue: snap.Hue,
	})
	c.sendToReady(wire.MsgParamDelta, paramPayload, seq, uint64(nowUs), applyAtUs)
}

func (c *Coordinator) sendToReady(msgType wire.MsgType, payload []byte, seq uint32, nowUs, applyAtUs uint64) {
	c.registry.ForEachReady(func(e registry.Entry) {
		hdr := wire.Header{
			Proto: wire.ProtoVersion, MsgType: msgType,
			PayloadLen: uint16(len(payload)), Seq: seq,
			TokenHash: e.TokenHash, HubNowUs: nowUs, ApplyAtUs: applyAtUs,
		}
		packet := append(wire.MarshalHeader(hdr), payload...)
		if err := c.fanout.Send(e.NodeID, packet); err != nil {
			c.log.Debug("fanout send failed", zap.Int("nodeId", e.NodeID), zap.Error(err))
		}
	})
}

// runMaintenance drives the 20Hz housekeeping task: registry timeout
// sweep, OTA rollout tick, and the WS control plane's batched delta
// flush (the only consumer of the desired-state store's dirty bits --
// zone updates have no UDP wire representation at all, and the full
// parameter set -- intensity/saturation/complexity/variation -- is only
// ever delivered this way).
func (c *Coordinator) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.maintenanceTick()
		}
	}
}

func (c *Coordinator) maintenanceTick() {
	nowMs := c.clock.NowUs() / 1000
	c.registry.Tick(nowMs)
	c.ota.Tick(nowMs)
	c.flushDeltasToWS()
}

func (c *Coordinator) flushDeltasToWS() {
	applyAtUs := c.clock.NowUs() + wire.ApplyAhead.Microseconds()

	delta := c.state.ConsumeGlobalDelta()
	if delta.Mask != 0 {
		if delta.Mask&hubstate.DirtyEffectID != 0 {
			c.wsServer.Broadcast(transport.EffectsSetCurrentMsg{
				Type: "effects.setCurrent", EffectID: delta.Values.EffectID, ApplyAtUs: applyAtUs,
			})
		}
		if msg, any := paramsSetMsg(delta, applyAtUs); any {
			c.wsServer.Broadcast(msg)
		}
	}

	zoneBuf := make([]hubstate.ZoneDelta, 16)
	n := c.state.ConsumeZoneDeltas(zoneBuf, 16)
	for i := 0; i < n; i++ {
		zd := zoneBuf[i]
		conn, ok := c.connForNode(zd.NodeID)
		if !ok {
			continue
		}
		c.wsServer.Send(conn, zoneUpdateMsg(zd, applyAtUs))
	}
}

func paramsSetMsg(delta hubstate.GlobalDelta, applyAtUs int64) (transport.ParametersSetMsg, bool) {
	msg := transport.ParametersSetMsg{Type: "parameters.set", ApplyAtUs: applyAtUs}
	any := false
	if delta.Mask&hubstate.DirtyBrightness != 0 {
		v := delta.Values.Brightness
		msg.Brightness = &v
		any = true
	}
	if delta.Mask&hubstate.DirtySpeed != 0 {
		v := delta.Values.Speed
		msg.Speed = &v
		any = true
	}
	if delta.Mask&hubstate.DirtyPaletteID != 0 {
		v := delta.Values.PaletteID
		msg.PaletteID = &v
		any = true
	}
	if delta.Mask&hubstate.DirtyHue != 0 {
		v := delta.Values.Hue
		msg.Hue = &v
		any = true
	}
	if delta.Mask&hubstate.DirtyIntensity != 0 {
		v := delta.Values.Intensity
		msg.Intensity = &v
		any = true
	}
	if delta.Mask&hubstate.DirtySaturation != 0 {
		v := delta.Values.Saturation
		msg.Saturation = &v
		any = true
	}
	if delta.Mask&hubstate.DirtyComplexity != 0 {
		v := delta.Values.Complexity
		msg.Complexity = &v
		any = true
	}
	if delta.Mask&hubstate.DirtyVariation != 0 {
		v := delta.Values.Variation
		msg.Variation = &v
		any = true
	}
	return msg, any
}

func zoneUpdateMsg(zd hubstate.ZoneDelta, applyAtUs int64) transport.ZonesUpdateMsg {
	msg := transport.ZonesUpdateMsg{Type: "zones.update", ZoneID: zd.ZoneID, ApplyAtUs: applyAtUs}
	if zd.Mask&hubstate.ZoneDirtyEffectID != 0 {
		v := zd.Values.EffectID
		msg.EffectID = &v
	}
	if zd.Mask&hubstate.ZoneDirtyBrightness != 0 {
		v := zd.Values.Brightness
		msg.Brightness = &v
	}
	if zd.Mask&hubstate.ZoneDirtySpeed != 0 {
		v := zd.Values.Speed
		msg.Speed = &v
	}
	if zd.Mask&hubstate.ZoneDirtyPaletteID != 0 {
		v := zd.Values.PaletteID
		msg.PaletteID = &v
	}
	if zd.Mask&hubstate.ZoneDirtyBlendMode != 0 {
		v := zd.Values.BlendMode
		msg.BlendMode = &v
	}
	return msg
}

// handleInbound dispatches one decoded node->hub WS message by its kind
// discriminator.
func (c *Coordinator) handleInbound(conn *websocket.Conn, kind string, raw json.RawMessage) {
	switch kind {
	case "hello":
		var m transport.HelloMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			c.log.Warn("hello: malformed", zap.Error(err))
			return
		}
		c.onHello(conn, m)
	case "keepalive":
		var m transport.KeepaliveMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			c.log.Warn("keepalive: malformed", zap.Error(err))
			return
		}
		c.onKeepalive(m)
	case "ota_status":
		var m transport.OTAStatusMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			c.log.Warn("ota_status: malformed", zap.Error(err))
			return
		}
		c.onOTAStatus(m)
	default:
		c.log.Warn("ws inbound: unrecognised kind", zap.String("kind", kind))
	}
}

func (c *Coordinator) onHello(conn *websocket.Conn, m transport.HelloMsg) {
	remote, _ := c.wsServer.RemoteAddr(conn)
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}

	hello := registry.Hello{
		MAC: m.MAC, FW: m.FW,
		Capabilities: registry.Capabilities{UDP: m.Caps.UDP, OTA: m.Caps.OTA, Clock: m.Caps.Clock},
		Topology:     registry.Topology{Leds: m.Topo.Leds, Channels: m.Topo.Channels},
	}
	nodeID, err := c.registry.RegisterNode(hello, host)
	if err != nil {
		c.log.Warn("hello: registration refused", zap.String("mac", m.MAC), zap.Error(err))
		return
	}
	c.bindConn(conn, nodeID)
	if ip := net.ParseIP(host); ip != nil {
		c.fanout.SetDest(nodeID, &net.UDPAddr{IP: ip, Port: wire.ShowUDPPort})
	}

	welcome, err := c.registry.SendWelcome(nodeID, c.clock.NowUs())
	if err != nil {
		c.log.Error("hello: welcome failed", zap.Int("nodeId", nodeID), zap.Error(err))
		return
	}
	c.wsServer.Send(conn, transport.WelcomeMsg{
		T: "welcome", Proto: wire.ProtoVersion, NodeID: welcome.NodeID,
		Token: welcome.Token, UDPPort: welcome.UDPPort, HubEpochUs: welcome.HubEpochUs,
	})
	c.sendStateSnapshot(conn, nodeID)
}

func (c *Coordinator) sendStateSnapshot(conn *websocket.Conn, nodeID int) {
	snap := c.state.CreateFullSnapshot(nodeID)
	zones := make([]transport.ZoneSnapshot, 0, hubstate.MaxZones)
	for z := range snap.Zones {
		zs := snap.Zones[z]
		zones = append(zones, transport.ZoneSnapshot{
			ZoneID: z, EffectID: zs.EffectID, Brightness: zs.Brightness,
			Speed: zs.Speed, PaletteID: zs.PaletteID, BlendMode: zs.BlendMode,
		})
	}
	c.wsServer.Send(conn, transport.StateSnapshotMsg{
		Type: "state.snapshot", NodeID: nodeID,
		ApplyAtUs:    c.clock.NowUs() + wire.ApplyAhead.Microseconds(),
		ZonesEnabled: snap.ZonesEnabled,
		Global: transport.GlobalSnapshot{
			EffectID: snap.Global.EffectID, Brightness: snap.Global.Brightness,
			Speed: snap.Global.Speed, PaletteID: snap.Global.PaletteID, Hue: snap.Global.Hue,
			Intensity: snap.Global.Intensity, Saturation: snap.Global.Saturation,
			Complexity: snap.Global.Complexity, Variation: snap.Global.Variation,
		},
		Zones: zones,
	})
}

func (c *Coordinator) onKeepalive(m transport.KeepaliveMsg) {
	e, ok := c.registry.Get(m.NodeID)
	if !ok || e.TokenHash != wire.TokenHash(m.Token) {
		c.log.Debug("keepalive: token mismatch or unknown node", zap.Int("nodeId", m.NodeID))
		return
	}
	nowMs := c.clock.NowUs() / 1000
	ka := registry.Keepalive{RSSI: m.RSSI, LossPct: m.LossPct, DriftUs: m.DriftUs, UptimeS: m.UptimeS}
	if err := c.registry.UpdateKeepalive(m.NodeID, ka, nowMs); err != nil {
		return
	}
	c.registry.MarkReady(m.NodeID)
}

func (c *Coordinator) onOTAStatus(m transport.OTAStatusMsg) {
	e, ok := c.registry.Get(m.NodeID)
	if !ok || e.TokenHash != wire.TokenHash(m.Token) {
		c.log.Debug("ota_status: token mismatch or unknown node", zap.Int("nodeId", m.NodeID))
		return
	}
	state := otaStateFromString(m.State)
	c.registry.SetOTAStatus(m.NodeID, state, m.Pct, m.Error)
	c.ota.OnNodeOtaStatus(m.NodeID, m.State, m.Pct, m.Error)
}

func otaStateFromString(s string) registry.OTAState {
	switch s {
	case "downloading":
		return registry.OTADownloading
	case "verifying":
		return registry.OTAVerifying
	case "applying":
		return registry.OTAApplying
	case "rebooting":
		return registry.OTARebooting
	case "error":
		return registry.OTAError
	default:
		return registry.OTAIdle
	}
}

func (c *Coordinator) sendOTAUpdate(nodeID int, rel ota.Release) error {
	conn, ok := c.connForNode(nodeID)
	if !ok {
		return fmt.Errorf("hub: node %d has no active ws connection", nodeID)
	}
	c.wsServer.Send(conn, transport.OTAUpdateMsg{
		T: "ota_update", Version: rel.Version, URL: rel.URL, SHA256: rel.SHA256, Size: rel.Size,
	})
	return nil
}

func (c *Coordinator) bindConn(conn *websocket.Conn, nodeID int) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if old, ok := c.connByNode[nodeID]; ok && old != conn {
		delete(c.nodeByConn, old)
	}
	c.connByNode[nodeID] = conn
	c.nodeByConn[conn] = nodeID
}

func (c *Coordinator) connForNode(nodeID int) (*websocket.Conn, bool) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	conn, ok := c.connByNode[nodeID]
	return conn, ok
}

func (c *Coordinator) onDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	nodeID, ok := c.nodeByConn[conn]
	if ok {
		delete(c.nodeByConn, conn)
		if c.connByNode[nodeID] == conn {
			delete(c.connByNode, nodeID)
		}
	}
	c.connMu.Unlock()
	if !ok {
		return
	}
	c.registry.MarkLost(nodeID)
	c.fanout.RemoveDest(nodeID)
	c.log.Info("node disconnected", zap.Int("nodeId", nodeID))
}
