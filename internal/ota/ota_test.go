package ota

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ledfleet/fleetctl/internal/registry"
)

func writeTestManifest(t *testing.T, dir string) string {
	t.Helper()
	blobDir := filepath.Join(dir, "esp32-s3")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		t.Fatalf("mkdir blob dir: %v", err)
	}
	binPath := filepath.Join(blobDir, "v1.2.3.bin")
	if err := os.WriteFile(binPath, []byte("firmware-bytes"), 0644); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	manifestPath := filepath.Join(dir, "manifest.json")
	manifest := `{
		"platforms": {
			"esp32-s3": {
				"releases": {
					"stable": {"version": "v1.2.3", "url": "/ota/esp32-s3/v1.2.3.bin", "sha256": "deadbeef", "size": 14}
				}
			}
		}
	}`
	if err := os.WriteFile(manifestPath, []byte(manifest), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return manifestPath
}

func TestRepositoryLookupAndPathResolution(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeTestManifest(t, dir)
	repo, err := NewRepository(nil, manifestPath, dir)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}

	rel, err := repo.Lookup("esp32-s3", "stable")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rel.Version != "v1.2.3" || rel.SHA256 != "deadbeef" {
		t.Fatalf("unexpected release: %+v", rel)
	}

	if _, err := repo.Lookup("esp32-s3", "nightly"); err != ErrUnknownTrack {
		t.Fatalf("expected ErrUnknownTrack, got %v", err)
	}
	if _, err := repo.Lookup("rp2040", "stable"); err != ErrUnknownPlatform {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}

	path, err := repo.ResolveBinaryPath(rel.URL)
	if err != nil {
		t.Fatalf("resolve binary path: %v", err)
	}
	if filepath.Base(path) != "v1.2.3.bin" {
		t.Fatalf("resolved path = %q", path)
	}

	if _, err := repo.ResolveBinaryPath("/ota/../../etc/passwd"); err != ErrBadPath {
		t.Fatalf("expected ErrBadPath for traversal, got %v", err)
	}
	if _, err := repo.ResolveBinaryPath("/ota/esp32-s3/missing.bin"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func admitReadyNode(t *testing.T, reg *registry.Registry, mac string) int {
	t.Helper()
	id, err := reg.RegisterNode(registry.Hello{MAC: mac, FW: "1.0"}, "10.0.0.1")
	if err != nil {
		t.Fatalf("register node: %v", err)
	}
	if _, err := reg.SendWelcome(id, 0); err != nil {
		t.Fatalf("send welcome: %v", err)
	}
	if err := reg.MarkReady(id); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	return id
}

func TestDispatcherRollingHappyPath(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeTestManifest(t, dir)
	repo, err := NewRepository(nil, manifestPath, dir)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}

	reg := registry.New(nil)
	n1 := admitReadyNode(t, reg, "aa:bb:cc:dd:ee:01")
	n2 := admitReadyNode(t, reg, "aa:bb:cc:dd:ee:02")

	var sent []int
	send := func(nodeID int, rel Release) error {
		sent = append(sent, nodeID)
		return nil
	}
	d := NewDispatcher(nil, reg, repo, nil, send)

	rolloutID, err := d.StartRollout("stable", "esp32-s3", []int{n1, n2}, 0)
	if err != nil {
		t.Fatalf("start rollout: %v", err)
	}
	if rolloutID == "" {
		t.Fatal("expected non-empty rollout id")
	}
	if st := d.Status(); st.State != "IN_PROGRESS" || st.CurrentNodeID != n1 {
		t.Fatalf("status after start = %+v", st)
	}
	if len(sent) != 1 || sent[0] != n1 {
		t.Fatalf("sent = %v, want [n1]", sent)
	}

	if _, err := d.StartRollout("stable", "esp32-s3", []int{n1}, 0); err != ErrRolloutInProgress {
		t.Fatalf("expected ErrRolloutInProgress, got %v", err)
	}

	// n1 has not yet rebooted; a tick should not advance.
	d.Tick(100)
	if st := d.Status(); st.CurrentNodeID != n1 || st.CompletedCount != 0 {
		t.Fatalf("status before n1 ready = %+v", st)
	}

	// n1 reboots and rejoins READY with OTA state reset to idle.
	if err := reg.MarkLost(n1); err != nil {
		t.Fatalf("mark lost: %v", err)
	}
	if _, err := reg.RegisterNode(registry.Hello{MAC: "aa:bb:cc:dd:ee:01", FW: "1.1"}, "10.0.0.1"); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if _, err := reg.SendWelcome(n1, 0); err != nil {
		t.Fatalf("rewelcome: %v", err)
	}
	if err := reg.MarkReady(n1); err != nil {
		t.Fatalf("mark ready again: %v", err)
	}

	d.Tick(200)
	if st := d.Status(); st.CompletedCount != 1 || st.CurrentNodeID != n2 {
		t.Fatalf("status after n1 done = %+v", st)
	}
	if len(sent) != 2 || sent[1] != n2 {
		t.Fatalf("sent = %v, want [n1, n2]", sent)
	}

	// n2 completes the same way -> rollout COMPLETE.
	if err := reg.MarkLost(n2); err != nil {
		t.Fatalf("mark lost n2: %v", err)
	}
	if _, err := reg.RegisterNode(registry.Hello{MAC: "aa:bb:cc:dd:ee:02", FW: "1.1"}, "10.0.0.2"); err != nil {
		t.Fatalf("rejoin n2: %v", err)
	}
	if _, err := reg.SendWelcome(n2, 0); err != nil {
		t.Fatalf("rewelcome n2: %v", err)
	}
	if err := reg.MarkReady(n2); err != nil {
		t.Fatalf("mark ready n2: %v", err)
	}

	d.Tick(300)
	if st := d.Status(); st.State != "COMPLETE" || st.CompletedCount != 2 {
		t.Fatalf("final status = %+v", st)
	}
}

func TestDispatcherAbortsOnNodeError(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeTestManifest(t, dir)
	repo, _ := NewRepository(nil, manifestPath, dir)

	reg := registry.New(nil)
	n1 := admitReadyNode(t, reg, "aa:bb:cc:dd:ee:03")

	d := NewDispatcher(nil, reg, repo, nil, func(int, Release) error { return nil })
	if _, err := d.StartRollout("stable", "esp32-s3", []int{n1}, 0); err != nil {
		t.Fatalf("start rollout: %v", err)
	}

	d.OnNodeOtaStatus(n1, "error", 40, "SHA256 mismatch")
	st := d.Status()
	if st.State != "ABORTED" {
		t.Fatalf("state = %q, want ABORTED", st.State)
	}
	if st.LastError == "" {
		t.Fatal("expected lastError to be set")
	}
}

func TestDispatcherAbortsOnNodeTimeout(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeTestManifest(t, dir)
	repo, _ := NewRepository(nil, manifestPath, dir)

	reg := registry.New(nil)
	n1 := admitReadyNode(t, reg, "aa:bb:cc:dd:ee:04")

	d := NewDispatcher(nil, reg, repo, nil, func(int, Release) error { return nil })
	if _, err := d.StartRollout("stable", "esp32-s3", []int{n1}, 0); err != nil {
		t.Fatalf("start rollout: %v", err)
	}

	d.Tick(181_000) // past OTANodeTimeout (180s)
	if st := d.Status(); st.State != "ABORTED" {
		t.Fatalf("state = %q, want ABORTED", st.State)
	}
}

func TestDispatcherRejectsEmptyNodeList(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeTestManifest(t, dir)
	repo, _ := NewRepository(nil, manifestPath, dir)
	reg := registry.New(nil)
	d := NewDispatcher(nil, reg, repo, nil, func(int, Release) error { return nil })

	if _, err := d.StartRollout("stable", "esp32-s3", nil, 0); err != ErrEmptyNodeList {
		t.Fatalf("expected ErrEmptyNodeList, got %v", err)
	}
}
