package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ledfleet/fleetctl/internal/clock"
	"github.com/ledfleet/fleetctl/internal/config"
	"github.com/ledfleet/fleetctl/internal/hubstate"
	"github.com/ledfleet/fleetctl/internal/ota"
	"github.com/ledfleet/fleetctl/internal/registry"
	"github.com/ledfleet/fleetctl/internal/transport"
	"github.com/ledfleet/fleetctl/internal/wire"
)

func newTestCoordinator(t *testing.T) (*Coordinator, func()) {
	t.Helper()
	dir := t.TempDir()
	blobDir := filepath.Join(dir, "esp32-s3")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(blobDir, "v1.bin"), []byte("fw"), 0644); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	manifest := `{"platforms":{"esp32-s3":{"releases":{"stable":{"version":"v1","url":"/ota/esp32-s3/v1.bin","sha256":"abc","size":2}}}}}`
	manifestPath := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	repo, err := ota.NewRepository(nil, manifestPath, dir)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	reg := registry.New(nil)
	state := hubstate.New()

	fanout, err := transport.NewFanoutSender(nil, 0)
	if err != nil {
		t.Fatalf("new fanout: %v", err)
	}
	tsListener, err := transport.NewTSListener(nil, 0, func() int64 { return time.Now().UnixMicro() })
	if err != nil {
		t.Fatalf("new ts listener: %v", err)
	}

	cfg := &config.HubConfig{
		WSPath: "/ws", AdminUser: "admin", AdminTokenSecret: "topsecret",
	}
	pw, _ := HashAdminPassword("swordfish")
	cfg.AdminPasswordHash = pw

	c := NewCoordinator(nil, cfg, clock.NewSystem(), reg, state, repo, nil, fanout, tsListener)
	cleanup := func() {
		fanout.Close()
		tsListener.Close()
	}
	return c, cleanup
}

func TestHealthAndNodesEndpoints(t *testing.T) {
	c, cleanup := newTestCoordinator(t)
	defer cleanup()

	srv := httptest.NewServer(c.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/nodes")
	if err != nil {
		t.Fatalf("get /nodes: %v", err)
	}
	defer resp2.Body.Close()
	var nodes []nodeSummary
	if err := json.NewDecoder(resp2.Body).Decode(&nodes); err != nil {
		t.Fatalf("decode nodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("expected no nodes yet, got %d", len(nodes))
	}
}

func TestOTAEndpointsRequireAdmin(t *testing.T) {
	c, cleanup := newTestCoordinator(t)
	defer cleanup()

	srv := httptest.NewServer(c.Mux())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"track": "stable", "platform": "esp32-s3", "nodeIds": []int{1}})
	resp, err := http.Post(srv.URL+"/ota/rollout", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post rollout: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/ota/rollout", bytes.NewReader(body))
	req.SetBasicAuth("admin", "swordfish")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post rollout authed: %v", err)
	}
	defer resp2.Body.Close()
	// No node 1 is connected yet, so StartRollout accepts the rollout
	// (it only validates the manifest/binary), but dispatch to node 1
	// will fail silently (logged) since there is no ws connection.
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 with valid admin credentials, got %d", resp2.StatusCode)
	}
}

func TestHelloKeepaliveWelcomeRoundTrip(t *testing.T) {
	c, cleanup := newTestCoordinator(t)
	defer cleanup()

	srv := httptest.NewServer(c.Mux())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	hello := transport.HelloMsg{T: "hello", Proto: wire.ProtoVersion, MAC: "AA:BB:CC:DD:EE:FF", FW: "1.0.0"}
	hello.Caps.UDP = true
	hello.Topo.Leds = 60
	b, _ := json.Marshal(hello)
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	var env transport.Envelope
	json.Unmarshal(data, &env)
	if env.Kind() != "welcome" {
		t.Fatalf("expected welcome, got %q: %s", env.Kind(), data)
	}
	var welcome transport.WelcomeMsg
	if err := json.Unmarshal(data, &welcome); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if welcome.NodeID != 1 {
		t.Fatalf("expected nodeId 1, got %d", welcome.NodeID)
	}

	_, snapData, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snapEnv transport.Envelope
	json.Unmarshal(snapData, &snapEnv)
	if snapEnv.Kind() != "state.snapshot" {
		t.Fatalf("expected state.snapshot, got %q", snapEnv.Kind())
	}

	ka := transport.KeepaliveMsg{T: "keepalive", NodeID: welcome.NodeID, Token: welcome.Token, RSSI: -40, LossPct: 0, UptimeS: 5}
	kb, _ := json.Marshal(ka)
	if err := conn.Write(ctx, websocket.MessageText, kb); err != nil {
		t.Fatalf("write keepalive: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e, ok := c.registry.Get(welcome.NodeID)
		if ok && e.State == registry.Ready {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("node never reached READY after keepalive")
}

func TestFanoutTickSendsToReadyNode(t *testing.T) {
	c, cleanup := newTestCoordinator(t)
	defer cleanup()

	rx, err := transport.NewShowReceiver(nil, 0)
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	defer rx.Close()
	rxAddr := rx.LocalAddr().(*net.UDPAddr)

	hello := registry.Hello{MAC: "11:22:33:44:55:66", FW: "1.0.0"}
	nodeID, err := c.registry.RegisterNode(hello, "127.0.0.1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := c.registry.SendWelcome(nodeID, 0); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if err := c.registry.MarkReady(nodeID); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	c.fanout.SetDest(nodeID, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: rxAddr.Port})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go rx.Run(ctx)

	c.fanoutTick()

	select {
	case pkt := <-rx.Packets():
		if pkt.Header.MsgType != wire.MsgBeatTick {
			t.Fatalf("expected first packet to be beat tick, got %v", pkt.Header.MsgType)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for fanout packet")
	}
}
