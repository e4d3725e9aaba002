package timesync

import "testing"

// TestSyncLock covers ten consistent PING/PONG exchanges with
// t1=1,000,000 t4=1,000,400 t2=1,000,150 t3=1,000,250 (delay=300,
// offset=0) driving the estimator from UNLOCKED through LOCKING to
// LOCKED, with offsetUs ~= 0 and rttUs ~= 300.
func TestSyncLock(t *testing.T) {
	e := NewEstimator()
	if e.State() != Unlocked {
		t.Fatalf("initial state = %v, want UNLOCKED", e.State())
	}

	const (
		t1 = 1_000_000
		t2 = 1_000_150
		t3 = 1_000_250
		t4 = 1_000_400
	)

	for i := 0; i < 10; i++ {
		if !e.OnPong(t1+int64(i)*10_000, t2+int64(i)*10_000, t3+int64(i)*10_000, t4+int64(i)*10_000) {
			t.Fatalf("sample %d rejected", i)
		}
	}

	if e.State() != Locked {
		t.Fatalf("state after 10 consistent samples = %v, want LOCKED", e.State())
	}
	if off := e.OffsetUs(); off < -5 || off > 5 {
		t.Fatalf("offsetUs = %d, want ~0", off)
	}
	if rtt := e.RTTUs(); rtt < 295 || rtt > 305 {
		t.Fatalf("rttUs = %d, want ~300", rtt)
	}
}

// TestHubLocalRoundTrip covers the offset round-trip guarantee.
func TestHubLocalRoundTrip(t *testing.T) {
	e := NewEstimator()
	e.OnPong(1_000_000, 1_000_150, 1_000_250, 1_000_400)
	for _, x := range []int64{0, 100, -100, 1 << 40} {
		if got := e.HubToLocal(e.LocalToHub(x)); got != x {
			t.Fatalf("round trip for %d got %d", x, got)
		}
	}
}

// TestOnPongRejectsImplausibleRTT covers the delay-plausibility bound.
func TestOnPongRejectsImplausibleRTT(t *testing.T) {
	e := NewEstimator()
	// delay = (t4-t1)-(t3-t2) = 10s, way beyond MaxValidRTTMs.
	ok := e.OnPong(0, 0, 0, 10_000_000)
	if ok {
		t.Fatalf("expected implausible-RTT sample to be rejected")
	}
	if e.Counters().SamplesRejected != 1 {
		t.Fatalf("samplesRejected not incremented")
	}
}

// TestCheckLivenessDegradesAfterSilence covers the LOCKED->DEGRADED
// transition on pong silence, which in turn feeds the fallback policy.
func TestCheckLivenessDegradesAfterSilence(t *testing.T) {
	e := NewEstimator()
	for i := 0; i < 10; i++ {
		e.OnPong(int64(i)*250_000, int64(i)*250_000+150, int64(i)*250_000+250, int64(i)*250_000+400)
	}
	if e.State() != Locked {
		t.Fatalf("expected LOCKED, got %v", e.State())
	}
	lastPong, _ := e.LastPongLocal()
	e.CheckLiveness(lastPong + 3_600_000) // 3.6s later, past KEEPALIVE_TIMEOUT (3.5s)
	if e.State() != Degraded {
		t.Fatalf("expected DEGRADED after silence, got %v", e.State())
	}
}

func TestResetReturnsToUnlocked(t *testing.T) {
	e := NewEstimator()
	e.OnPong(1_000_000, 1_000_150, 1_000_250, 1_000_400)
	e.Reset()
	if e.State() != Unlocked {
		t.Fatalf("state after reset = %v, want UNLOCKED", e.State())
	}
	if e.Counters().SamplesAccepted != 0 {
		t.Fatalf("counters not cleared after reset")
	}
}
