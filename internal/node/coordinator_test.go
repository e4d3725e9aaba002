package node_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ledfleet/fleetctl/internal/clock"
	"github.com/ledfleet/fleetctl/internal/config"
	"github.com/ledfleet/fleetctl/internal/fallback"
	"github.com/ledfleet/fleetctl/internal/hub"
	"github.com/ledfleet/fleetctl/internal/hubstate"
	"github.com/ledfleet/fleetctl/internal/node"
	"github.com/ledfleet/fleetctl/internal/ota"
	"github.com/ledfleet/fleetctl/internal/registry"
	"github.com/ledfleet/fleetctl/internal/schedule"
	"github.com/ledfleet/fleetctl/internal/timesync"
	"github.com/ledfleet/fleetctl/internal/transport"
	"github.com/ledfleet/fleetctl/internal/updater"
	"github.com/ledfleet/fleetctl/internal/wire"
)

// fakeApplier records every call the node coordinator makes so tests
// can assert apply order and content without a real LED output.
type fakeApplier struct {
	mu     sync.Mutex
	scenes []schedule.SceneChange
	params []schedule.ParamDelta
	forced []schedule.SceneChange
}

func (a *fakeApplier) ApplySceneChange(s schedule.SceneChange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scenes = append(a.scenes, s)
}
func (a *fakeApplier) ApplyParamDelta(p schedule.ParamDelta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.params = append(a.params, p)
}
func (a *fakeApplier) ApplyZoneUpdate(schedule.ZoneUpdate) {}
func (a *fakeApplier) ApplyBeatTick(schedule.BeatTick)     {}
func (a *fakeApplier) ForceStableScene(s schedule.SceneChange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forced = append(a.forced, s)
}
func (a *fakeApplier) sceneCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.scenes)
}

func newTestHub(t *testing.T) *hub.Coordinator {
	t.Helper()
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(manifestPath, []byte(`{"platforms":{}}`), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	repo, err := ota.NewRepository(nil, manifestPath, dir)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}

	fanout, err := transport.NewFanoutSender(nil, 0)
	if err != nil {
		t.Fatalf("new fanout: %v", err)
	}
	t.Cleanup(func() { fanout.Close() })

	tsListener, err := transport.NewTSListener(nil, wire.TSUDPPort, func() int64 { return time.Now().UnixMicro() })
	if err != nil {
		t.Fatalf("new ts listener (is port %d free?): %v", wire.TSUDPPort, err)
	}
	t.Cleanup(func() { tsListener.Close() })

	cfg := &config.HubConfig{WSPath: "/ws"}
	c := hub.NewCoordinator(nil, cfg, clock.NewSystem(), registry.New(nil), hubstate.New(), repo, nil, fanout, tsListener)
	return c
}

// TestNodeReachesReadyAndAppliesFanout dials a real hub coordinator over
// loopback WS/UDP and asserts the node coordinator completes
// hello->welcome->keepalive->READY and starts applying show-UDP frames.
func TestNodeReachesReadyAndAppliesFanout(t *testing.T) {
	hubCoord := newTestHub(t)

	srv := httptest.NewServer(hubCoord.Mux())
	t.Cleanup(srv.Close)
	host := srv.URL[len("http://"):]

	showRX, err := transport.NewShowReceiver(nil, wire.ShowUDPPort)
	if err != nil {
		t.Fatalf("new show receiver (is port %d free?): %v", wire.ShowUDPPort, err)
	}
	t.Cleanup(func() { showRX.Close() })

	tsClient, err := transport.NewTSClient("127.0.0.1", wire.TSUDPPort)
	if err != nil {
		t.Fatalf("new ts client: %v", err)
	}
	t.Cleanup(func() { tsClient.Close() })

	wsClient := transport.NewWSClient(nil, host, 100*time.Millisecond, 500*time.Millisecond)
	applier := &fakeApplier{}
	nodeCfg := &config.NodeConfig{WSPath: "/ws", MAC: "DE:AD:BE:EF:00:01", FW: "1.0.0", Leds: 30, Channels: 1}
	nodeCoord := node.NewCoordinator(nil, nodeCfg, wsClient, showRX, tsClient, timesync.NewEstimator(), applier, fallback.New(), updater.Noop{})

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	go hubCoord.Run(ctx)
	go nodeCoord.Run(ctx)

	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		if nodeCoord.State() == node.Ready {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if nodeCoord.State() != node.Ready {
		t.Fatalf("node never reached READY, last state = %s", nodeCoord.State())
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if applier.sceneCount() > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("node never applied a scene from show-UDP fanout")
}
