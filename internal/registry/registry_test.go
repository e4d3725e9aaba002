package registry

import (
	"testing"

	"github.com/ledfleet/fleetctl/internal/wire"
)

func helloFor(mac string) Hello {
	return Hello{MAC: mac, FW: "1.0", Capabilities: Capabilities{UDP: true, OTA: true, Clock: true}}
}

func TestRegisterAndWelcomeAdmission(t *testing.T) {
	r := New(nil)
	id, err := r.RegisterNode(helloFor("aa:bb:cc:dd:ee:01"), "10.0.0.5")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	e, _ := r.Get(id)
	if e.State != Pending {
		t.Fatalf("state = %v, want PENDING", e.State)
	}
	if e.TokenHash != 0 {
		t.Fatalf("fresh PENDING node has nonzero tokenHash")
	}

	w, err := r.SendWelcome(id, 1000)
	if err != nil {
		t.Fatalf("welcome: %v", err)
	}
	e, _ = r.Get(id)
	if e.State != Authed {
		t.Fatalf("state after welcome = %v, want AUTHED", e.State)
	}
	if e.TokenHash == 0 {
		t.Fatalf("expected nonzero tokenHash after welcome")
	}
	if w.UDPPort != wire.ShowUDPPort {
		t.Fatalf("welcome udpPort = %d, want %d", w.UDPPort, wire.ShowUDPPort)
	}
}

// TestAdmissionFull covers MAX_NODES capacity.
func TestAdmissionFull(t *testing.T) {
	r := New(nil)
	for i := 0; i < wire.MaxNodes; i++ {
		if _, err := r.RegisterNode(helloFor(macN(i)), "10.0.0.1"); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if _, err := r.RegisterNode(helloFor(macN(99)), "10.0.0.1"); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func macN(i int) string {
	return "aa:bb:cc:dd:ee:" + string(rune('0'+i%10)) + string(rune('0'+(i/10)%10))
}

// TestTokenUniquenessAcrossNonLost covers per-entry token hash uniqueness.
func TestTokenUniquenessAcrossNonLost(t *testing.T) {
	r := New(nil)
	id1, _ := r.RegisterNode(helloFor("aa:00"), "10.0.0.1")
	id2, _ := r.RegisterNode(helloFor("aa:01"), "10.0.0.2")
	w1, err := r.SendWelcome(id1, 0)
	if err != nil {
		t.Fatalf("welcome1: %v", err)
	}
	w2, err := r.SendWelcome(id2, 0)
	if err != nil {
		t.Fatalf("welcome2: %v", err)
	}
	if wire.TokenHash(w1.Token) == wire.TokenHash(w2.Token) && w1.Token != w2.Token {
		t.Fatalf("unexpected hash collision between independently generated tokens")
	}
}

// TestKeepaliveTimeoutBoundary covers the timeout boundary: keepalive
// received at T, timeout at T+3500ms; T+3499ms must not mark LOST.
func TestKeepaliveTimeoutBoundary(t *testing.T) {
	r := New(nil)
	id, _ := r.RegisterNode(helloFor("aa:02"), "10.0.0.1")
	r.SendWelcome(id, 0)
	r.MarkReady(id)
	const T = 1_000_000
	if err := r.UpdateKeepalive(id, Keepalive{}, T); err != nil {
		t.Fatalf("keepalive: %v", err)
	}

	r.Tick(T + 3499)
	e, _ := r.Get(id)
	if e.State == Lost {
		t.Fatalf("node marked LOST at T+3499ms, too early")
	}

	r.Tick(T + 3501)
	e, _ = r.Get(id)
	if e.State != Lost {
		t.Fatalf("node not marked LOST after keepalive timeout, state=%v", e.State)
	}
}

// TestReadyDegradedOnLossOrDrift covers the READY->DEGRADED predicate.
func TestReadyDegradedOnLossOrDrift(t *testing.T) {
	r := New(nil)
	id, _ := r.RegisterNode(helloFor("aa:03"), "10.0.0.1")
	r.SendWelcome(id, 0)
	r.MarkReady(id)

	r.UpdateKeepalive(id, Keepalive{LossPct: 250}, 1000)
	e, _ := r.Get(id)
	if e.State != Degraded {
		t.Fatalf("expected DEGRADED on high loss, got %v", e.State)
	}
}

// TestLostCleanupRetainsRecentMAC covers the recently-seen-MAC cache.
func TestLostCleanupRetainsRecentMAC(t *testing.T) {
	r := New(nil)
	id, _ := r.RegisterNode(helloFor("aa:04"), "10.0.0.1")
	r.MarkLost(id)
	r.Tick(wire.LostCleanup.Milliseconds() + 1)
	if _, ok := r.Get(id); ok {
		t.Fatalf("expected entry removed by LOST cleanup")
	}
	if got, ok := r.RecentNodeIDForMAC("aa:04"); !ok || got != id {
		t.Fatalf("expected recent MAC hint to survive LOST cleanup, got %d,%v", got, ok)
	}
}

func TestForEachReadyOnlyVisitsReady(t *testing.T) {
	r := New(nil)
	id1, _ := r.RegisterNode(helloFor("aa:05"), "10.0.0.1")
	id2, _ := r.RegisterNode(helloFor("aa:06"), "10.0.0.2")
	r.SendWelcome(id1, 0)
	r.MarkReady(id1)
	r.SendWelcome(id2, 0) // left AUTHED

	var seen []int
	r.ForEachReady(func(e Entry) { seen = append(seen, e.NodeID) })
	if len(seen) != 1 || seen[0] != id1 {
		t.Fatalf("ForEachReady visited %v, want only [%d]", seen, id1)
	}
}
