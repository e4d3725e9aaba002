// Package node wires the node-side subsystems -- WS control-plane
// client, show/time-sync UDP sockets, the time-sync estimator, the
// bounded schedule queue, the fallback policy, and the render/updater
// boundary interfaces -- into the periodic tasks that make up the
// running node process. Wiring style follows a construct-up-front,
// hand-to-goroutines entrypoint pattern, generalized from one
// reconnecting TCP link to a reconnecting WS link plus two UDP sockets.
package node

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ledfleet/fleetctl/internal/config"
	"github.com/ledfleet/fleetctl/internal/fallback"
	"github.com/ledfleet/fleetctl/internal/render"
	"github.com/ledfleet/fleetctl/internal/schedule"
	"github.com/ledfleet/fleetctl/internal/timesync"
	"github.com/ledfleet/fleetctl/internal/transport"
	"github.com/ledfleet/fleetctl/internal/updater"
	"github.com/ledfleet/fleetctl/internal/wire"
)

// Coordinator is the node process's central collaborator graph.
type Coordinator struct {
	log *zap.Logger
	cfg *config.NodeConfig

	ws        *transport.WSClient
	showRX    *transport.ShowReceiver
	tsClient  *transport.TSClient
	estimator *timesync.Estimator
	applier   render.Applier
	policy    *fallback.Policy
	updater   updater.Updater

	startedAt time.Time

	queueMu sync.Mutex
	queue   *schedule.Queue

	sceneMu sync.Mutex
	scene   schedule.SceneChange
	param   schedule.ParamDelta
	zones   map[uint8]schedule.ZoneUpdate

	mu                sync.Mutex
	state             State
	wsConnected       bool
	nodeID            int
	token             string
	expectedTokenHash uint32

	seqState seqTracker
	tsSeq    atomic.Uint32

	otaInFlight atomic.Bool
}

// NewCoordinator wires the collaborator graph. The caller owns
// constructing ws/showRX/tsClient since those require process-level
// socket resources.
func NewCoordinator(
	log *zap.Logger,
	cfg *config.NodeConfig,
	ws *transport.WSClient,
	showRX *transport.ShowReceiver,
	tsClient *transport.TSClient,
	estimator *timesync.Estimator,
	applier render.Applier,
	policy *fallback.Policy,
	upd updater.Updater,
) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		log:       log,
		cfg:       cfg,
		ws:        ws,
		showRX:    showRX,
		tsClient:  tsClient,
		estimator: estimator,
		applier:   applier,
		policy:    policy,
		updater:   upd,
		startedAt: time.Now(),
		queue:     schedule.NewQueue(),
		zones:     make(map[uint8]schedule.ZoneUpdate),
		state:     Offline,
	}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run starts every periodic task and blocks until ctx is cancelled and
// all of them have exited.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(6)
	go func() { defer wg.Done(); c.ws.Run(ctx, c.cfg.WSPath) }()
	go func() { defer wg.Done(); c.showRX.Run(ctx) }()
	go func() { defer wg.Done(); c.inboundLoop(ctx) }()
	go func() { defer wg.Done(); c.showLoop(ctx) }()
	go func() { defer wg.Done(); c.renderLoop(ctx) }()
	go func() { defer wg.Done(); c.keepaliveLoop(ctx) }()
	wg.Wait()
}

// inboundLoop dispatches WS connect/disconnect transitions and decoded
// hub->node messages.
func (c *Coordinator) inboundLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case connected, ok := <-c.ws.StatusChanges():
			if !ok {
				return
			}
			c.onWSStatus(connected)
		case raw, ok := <-c.ws.Inbound():
			if !ok {
				return
			}
			c.handleInbound(raw)
		}
	}
}

func (c *Coordinator) onWSStatus(connected bool) {
	c.mu.Lock()
	c.wsConnected = connected
	if !connected {
		// Disarm UDP show-packet acceptance immediately: a stale token
		// from the previous session must never be accepted as if it
		// were the new one, even mid-reconnect.
		c.expectedTokenHash = 0
		c.nodeID = 0
		c.token = ""
	}
	c.recomputeStateLocked()
	c.mu.Unlock()

	if connected {
		c.sendHello()
	} else {
		c.estimator.Reset()
	}
}

func (c *Coordinator) sendHello() {
	hello := transport.HelloMsg{T: "hello", Proto: wire.ProtoVersion, MAC: c.cfg.MAC, FW: c.cfg.FW}
	hello.Caps.UDP = true
	hello.Caps.OTA = true
	hello.Caps.Clock = true
	hello.Topo.Leds = c.cfg.Leds
	hello.Topo.Channels = c.cfg.Channels
	if err := c.ws.Send(hello); err != nil {
		c.log.Warn("hello: send failed", zap.Error(err))
	}
}

func (c *Coordinator) handleInbound(raw json.RawMessage) {
	var env transport.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("inbound: malformed envelope", zap.Error(err))
		return
	}
	switch env.Kind() {
	case "welcome":
		var m transport.WelcomeMsg
		if err := json.Unmarshal(raw, &m); err == nil {
			c.onWelcome(m)
		}
	case "state.snapshot":
		var m transport.StateSnapshotMsg
		if err := json.Unmarshal(raw, &m); err == nil {
			c.onStateSnapshot(m)
		}
	case "effects.setCurrent":
		var m transport.EffectsSetCurrentMsg
		if err := json.Unmarshal(raw, &m); err == nil {
			c.onEffectsSetCurrent(m)
		}
	case "parameters.set":
		var m transport.ParametersSetMsg
		if err := json.Unmarshal(raw, &m); err == nil {
			c.onParametersSet(m)
		}
	case "zones.update":
		var m transport.ZonesUpdateMsg
		if err := json.Unmarshal(raw, &m); err == nil {
			c.onZonesUpdate(m)
		}
	case "ota_update":
		var m transport.OTAUpdateMsg
		if err := json.Unmarshal(raw, &m); err == nil {
			c.onOTAUpdate(m)
		}
	case "ts_pong":
		var m transport.TSPongMsg
		if err := json.Unmarshal(raw, &m); err == nil {
			c.onWSTSPong(m)
		}
	default:
		c.log.Debug("inbound: unrecognised kind", zap.String("kind", env.Kind()))
	}
}

func (c *Coordinator) onWelcome(m transport.WelcomeMsg) {
	c.mu.Lock()
	c.nodeID = m.NodeID
	c.token = m.Token
	c.expectedTokenHash = wire.TokenHash(m.Token)
	c.recomputeStateLocked()
	c.mu.Unlock()
	c.seqState.reset()
	c.log.Info("welcomed", zap.Int("nodeId", m.NodeID))
}

func (c *Coordinator) onStateSnapshot(m transport.StateSnapshotMsg) {
	applyAt := c.estimator.HubToLocal(m.ApplyAtUs)
	c.sceneMu.Lock()
	c.scene = schedule.SceneChange{EffectID: m.Global.EffectID, PaletteID: m.Global.PaletteID}
	c.param = schedule.ParamDelta{
		Brightness: m.Global.Brightness, Speed: m.Global.Speed,
		Hue: m.Global.Hue, Intensity: m.Global.Intensity,
		Saturation: m.Global.Saturation, Complexity: m.Global.Complexity,
		Variation: m.Global.Variation,
	}
	scene, param := c.scene, c.param
	for _, zs := range m.Zones {
		zu := schedule.ZoneUpdate{
			ZoneID: uint8(zs.ZoneID), EffectID: zs.EffectID,
			Brightness: zs.Brightness, Speed: zs.Speed,
			PaletteID: zs.PaletteID, BlendMode: zs.BlendMode,
		}
		c.zones[uint8(zs.ZoneID)] = zu
	}
	zones := make([]schedule.ZoneUpdate, 0, len(c.zones))
	for _, zu := range c.zones {
		zones = append(zones, zu)
	}
	c.sceneMu.Unlock()

	c.enqueue(schedule.Cmd{Kind: schedule.CmdSceneChange, ApplyAtUs: applyAt, Scene: scene})
	c.enqueue(schedule.Cmd{Kind: schedule.CmdParamDelta, ApplyAtUs: applyAt, Param: param})
	for _, zu := range zones {
		c.enqueue(schedule.Cmd{Kind: schedule.CmdZoneUpdate, ApplyAtUs: applyAt, Zone: zu})
	}
}

func (c *Coordinator) onEffectsSetCurrent(m transport.EffectsSetCurrentMsg) {
	applyAt := c.estimator.HubToLocal(m.ApplyAtUs)
	c.sceneMu.Lock()
	c.scene.EffectID = m.EffectID
	scene := c.scene
	c.sceneMu.Unlock()
	c.enqueue(schedule.Cmd{Kind: schedule.CmdSceneChange, ApplyAtUs: applyAt, Scene: scene})
}

func (c *Coordinator) onParametersSet(m transport.ParametersSetMsg) {
	applyAt := c.estimator.HubToLocal(m.ApplyAtUs)
	c.sceneMu.Lock()
	if m.Brightness != nil {
		c.param.Brightness = *m.Brightness
	}
	if m.Speed != nil {
		c.param.Speed = *m.Speed
	}
	if m.PaletteID != nil {
		c.scene.PaletteID = *m.PaletteID
		c.param.PaletteID = *m.PaletteID
	}
	if m.Hue != nil {
		c.param.Hue = *m.Hue
	}
	if m.Intensity != nil {
		c.param.Intensity = *m.Intensity
	}
	if m.Saturation != nil {
		c.param.Saturation = *m.Saturation
	}
	if m.Complexity != nil {
		c.param.Complexity = *m.Complexity
	}
	if m.Variation != nil {
		c.param.Variation = *m.Variation
	}
	param := c.param
	c.sceneMu.Unlock()
	c.enqueue(schedule.Cmd{Kind: schedule.CmdParamDelta, ApplyAtUs: applyAt, Param: param})
}

func (c *Coordinator) onZonesUpdate(m transport.ZonesUpdateMsg) {
	applyAt := c.estimator.HubToLocal(m.ApplyAtUs)
	zoneID := uint8(m.ZoneID)
	c.sceneMu.Lock()
	zu := c.zones[zoneID]
	zu.ZoneID = zoneID
	if m.EffectID != nil {
		zu.EffectID = *m.EffectID
	}
	if m.Brightness != nil {
		zu.Brightness = *m.Brightness
	}
	if m.Speed != nil {
		zu.Speed = *m.Speed
	}
	if m.PaletteID != nil {
		zu.PaletteID = *m.PaletteID
	}
	if m.BlendMode != nil {
		zu.BlendMode = *m.BlendMode
	}
	c.zones[zoneID] = zu
	c.sceneMu.Unlock()
	c.enqueue(schedule.Cmd{Kind: schedule.CmdZoneUpdate, ApplyAtUs: applyAt, Zone: zu})
}

func (c *Coordinator) onOTAUpdate(m transport.OTAUpdateMsg) {
	if !c.otaInFlight.CompareAndSwap(false, true) {
		c.log.Warn("ota_update: already applying an update, ignoring")
		return
	}
	req := updater.Request{Version: m.Version, URL: m.URL, SHA256: m.SHA256, Size: m.Size}
	go func() {
		defer c.otaInFlight.Store(false)
		err := c.updater.Apply(context.Background(), req, c.reportOTAStatus)
		if err != nil {
			c.reportOTAStatus("error", 0, err.Error())
		}
	}()
}

func (c *Coordinator) reportOTAStatus(state string, pct int, errMsg string) {
	c.mu.Lock()
	nodeID, token := c.nodeID, c.token
	c.mu.Unlock()
	msg := transport.OTAStatusMsg{T: "ota_status", NodeID: nodeID, Token: token, State: state, Pct: pct, Error: errMsg}
	if err := c.ws.Send(msg); err != nil {
		c.log.Warn("ota_status: send failed", zap.Error(err))
	}
}

// onWSTSPong handles the WS-delivered time-sync fallback path, used
// only when a node lacks a UDP time-sync client.
func (c *Coordinator) onWSTSPong(m transport.TSPongMsg) {
	c.estimator.OnPong(m.T1Us, m.T2Us, m.T3Us, nowUs())
}

func (c *Coordinator) enqueue(cmd schedule.Cmd) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.queue.ClampApplyAt(&cmd, nowUs())
	if !c.queue.Enqueue(cmd) {
		c.log.Debug("schedule queue full, command dropped", zap.Int("kind", int(cmd.Kind)))
	}
}

// showLoop reads decoded show-UDP packets and turns them into
// schedule.Cmd entries, rejecting any packet whose token hash does not
// match the session armed at welcome time.
func (c *Coordinator) showLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-c.showRX.Packets():
			if !ok {
				return
			}
			c.handleShowPacket(pkt)
		}
	}
}

func (c *Coordinator) handleShowPacket(pkt transport.ShowPacket) {
	c.mu.Lock()
	expected := c.expectedTokenHash
	c.mu.Unlock()
	if expected == 0 || pkt.Header.TokenHash != expected {
		return
	}
	c.seqState.observe(pkt.Header.Seq)

	applyAt := c.estimator.HubToLocal(int64(pkt.Header.ApplyAtUs))
	switch pkt.Header.MsgType {
	case wire.MsgBeatTick:
		p, err := wire.UnmarshalBeatTick(pkt.Payload)
		if err != nil {
			return
		}
		c.enqueue(schedule.Cmd{Kind: schedule.CmdBeatTick, ApplyAtUs: applyAt, Beat: schedule.BeatTick{BpmX100: p.BpmX100, Phase: p.Phase}})
	case wire.MsgSceneChange:
		p, err := wire.UnmarshalSceneChange(pkt.Payload)
		if err != nil {
			return
		}
		c.enqueue(schedule.Cmd{Kind: schedule.CmdSceneChange, ApplyAtUs: applyAt, Scene: schedule.SceneChange{EffectID: p.EffectID, PaletteID: p.PaletteID}})
	case wire.MsgParamDelta:
		p, err := wire.UnmarshalParamDelta(pkt.Payload)
		if err != nil {
			return
		}
		// EffectID/PaletteID ride along in this payload as a redundant
		// confirmation of the continuously-rebroadcast state; the
		// authoritative scene source is MsgSceneChange (UDP) and
		// effects.setCurrent/state.snapshot (WS), not this field.
		c.enqueue(schedule.Cmd{Kind: schedule.CmdParamDelta, ApplyAtUs: applyAt, Param: schedule.ParamDelta{Brightness: p.Brightness, Speed: p.Speed, Hue: p.Hue}})
	}
}

// renderLoop drives the per-frame apply + fallback evaluation at the
// same 100Hz rate as the hub's show-UDP fanout.
func (c *Coordinator) renderLoop(ctx context.Context) {
	ticker := time.NewTicker(wire.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.renderTick()
		}
	}
}

func (c *Coordinator) renderTick() {
	now := nowUs()

	c.queueMu.Lock()
	n := render.ApplyDue(c.queue, c.applier, now, wire.MaxDuePerFrame)
	c.queueMu.Unlock()
	if n > 0 {
		c.sceneMu.Lock()
		scene := c.scene
		c.sceneMu.Unlock()
		c.policy.RecordStable(fallback.Scene{EffectID: scene.EffectID, PaletteID: scene.PaletteID})
	}

	lastPong, haveLastPong := c.estimator.LastPongLocal()
	if !haveLastPong {
		return
	}
	lossPct := c.seqState.lossPctBasisPoints()
	driftUs := int32(c.estimator.OffsetUs())
	c.estimator.CheckLiveness(now)
	fbState, fallbackScene := c.policy.Evaluate(now, lastPong, lossPct, driftUs)
	if fbState == fallback.Active {
		c.applier.ForceStableScene(schedule.SceneChange{EffectID: fallbackScene.EffectID, PaletteID: fallbackScene.PaletteID})
	}

	c.mu.Lock()
	c.recomputeStateLockedFromFallback(fbState)
	c.mu.Unlock()
}

// recomputeStateLocked derives State from the WS link status alone;
// called on connect/disconnect/welcome transitions. Caller holds c.mu.
func (c *Coordinator) recomputeStateLocked() {
	switch {
	case !c.wsConnected:
		c.state = Offline
	case c.nodeID == 0:
		c.state = Connecting
	default:
		c.state = Ready
	}
}

// recomputeStateLockedFromFallback overlays the fallback policy's
// verdict onto the link-level state computed above, run once per
// render tick. Caller holds c.mu.
func (c *Coordinator) recomputeStateLockedFromFallback(fb fallback.State) {
	if c.state == Offline || c.state == Connecting {
		return
	}
	switch fb {
	case fallback.Active:
		c.state = Failed
	case fallback.Degraded:
		c.state = Degraded
	default:
		c.state = Ready
	}
}

// keepaliveLoop sends the periodic health report and drives the UDP
// time-sync ping/pong exchange at the same cadence.
func (c *Coordinator) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(wire.KeepalivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendKeepalive()
			c.sendTSPing()
		}
	}
}

func (c *Coordinator) sendKeepalive() {
	c.mu.Lock()
	nodeID, token, connected := c.nodeID, c.token, c.wsConnected
	c.mu.Unlock()
	if !connected || nodeID == 0 {
		return
	}
	ka := transport.KeepaliveMsg{
		T: "keepalive", NodeID: nodeID, Token: token,
		RSSI:    0, // no real radio in this environment
		LossPct: c.seqState.lossPctBasisPoints(),
		DriftUs: int32(c.estimator.OffsetUs()),
		UptimeS: int(time.Since(c.startedAt).Seconds()),
	}
	if err := c.ws.Send(ka); err != nil {
		c.log.Debug("keepalive: send failed", zap.Error(err))
	}
}

func (c *Coordinator) sendTSPing() {
	if c.tsClient == nil {
		return
	}
	c.mu.Lock()
	tokenHash := c.expectedTokenHash
	c.mu.Unlock()
	if tokenHash == 0 {
		return
	}
	seq := c.tsSeq.Add(1)
	ping := wire.Ping{Proto: wire.ProtoVersion, Seq: seq, TokenHash: tokenHash, T1: uint64(nowUs())}
	if err := c.tsClient.SendPing(ping); err != nil {
		c.log.Debug("ts ping: send failed", zap.Error(err))
		return
	}
	go c.readTSPong(ping)
}

func (c *Coordinator) readTSPong(ping wire.Ping) {
	pong, err := c.tsClient.ReadPong()
	if err != nil {
		c.log.Debug("ts pong: read failed", zap.Error(err))
		return
	}
	if pong.Seq != ping.Seq {
		return
	}
	c.estimator.OnPong(int64(pong.T1), int64(pong.T2), int64(pong.T3), nowUs())
}

func nowUs() int64 { return time.Now().UnixMicro() }

// seqTracker counts show-UDP sequence gaps within a sliding interval to
// produce the loss percentage a node reports in its keepalive message.
// Safe for concurrent use: showLoop calls observe, the welcome handler
// calls reset, and renderLoop/keepaliveLoop read the percentage, so a
// mutex guards the counters.
type seqTracker struct {
	mu       sync.Mutex
	haveLast bool
	lastSeq  uint32
	received uint32
	lost     uint32
}

func (s *seqTracker) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haveLast, s.lastSeq, s.received, s.lost = false, 0, 0, 0
}

func (s *seqTracker) observe(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveLast {
		if seq < s.lastSeq {
			return
		}
		if seq > s.lastSeq {
			s.lost += seq - s.lastSeq - 1
		}
	}
	s.lastSeq = seq
	s.haveLast = true
	s.received++
	if s.received > 1000 {
		s.received /= 2
		s.lost /= 2
	}
}

// lossPctBasisPoints returns loss in 0.01% units (0..10000), matching
// registry.Entry.LossPct's resolution.
func (s *seqTracker) lossPctBasisPoints() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.received + s.lost
	if total == 0 {
		return 0
	}
	pct := uint32(s.lost) * 10000 / total
	if pct > 10000 {
		pct = 10000
	}
	return uint16(pct)
}
