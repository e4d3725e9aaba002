package schedule

import (
	"testing"

	"github.com/ledfleet/fleetctl/internal/wire"
)

// TestQueueFullCoalescing fills the queue with 64 ZoneUpdate{zoneId=0}
// entries, then enqueues a 65th, which must coalesce the oldest matching
// entry rather than drop it.
func TestQueueFullCoalescing(t *testing.T) {
	q := NewQueue()
	for k := 1; k <= 64; k++ {
		ok := q.Enqueue(Cmd{
			Kind:      CmdZoneUpdate,
			ApplyAtUs: int64(k) * 1000,
			Zone:      ZoneUpdate{ZoneID: 0, Brightness: uint8(k)},
		})
		if !ok {
			t.Fatalf("enqueue %d should have succeeded", k)
		}
	}
	if q.Len() != 64 {
		t.Fatalf("queue len = %d, want 64", q.Len())
	}

	ok := q.Enqueue(Cmd{
		Kind:      CmdZoneUpdate,
		ApplyAtUs: 65_000,
		Zone:      ZoneUpdate{ZoneID: 0, Brightness: 200},
	})
	if !ok {
		t.Fatalf("65th enqueue should coalesce, not fail")
	}
	if q.Len() != 64 {
		t.Fatalf("queue len after coalesce = %d, want 64", q.Len())
	}
	c := q.Counters()
	if c.Coalesced != 1 {
		t.Fatalf("coalesced = %d, want 1", c.Coalesced)
	}
	if c.Drops != 0 {
		t.Fatalf("overflowDrops = %d, want 0", c.Drops)
	}

	out := make([]Cmd, 64)
	n := q.ExtractDue(1<<62, out, 64)
	if n != 64 {
		t.Fatalf("extractDue returned %d, want 64", n)
	}
	last := out[n-1]
	if last.Zone.Brightness != 200 {
		t.Fatalf("final brightness = %d, want 200", last.Zone.Brightness)
	}
}

// TestQueueFullNoMatchDrops covers the other half of overflow handling:
// when the queue is full and no slot matches, the insert is refused and
// overflowDrops++.
func TestQueueFullNoMatchDrops(t *testing.T) {
	q := NewQueue()
	for k := 0; k < wire.SchedQueueSize; k++ {
		q.Enqueue(Cmd{Kind: CmdZoneUpdate, ApplyAtUs: int64(k), Zone: ZoneUpdate{ZoneID: uint8(k % 4)}})
	}
	ok := q.Enqueue(Cmd{Kind: CmdBeatTick, ApplyAtUs: 99999})
	if ok {
		t.Fatalf("expected drop, no BeatTick slot exists")
	}
	if q.Counters().Drops != 1 {
		t.Fatalf("overflowDrops = %d, want 1", q.Counters().Drops)
	}
}

// TestExtractDueMaxZero covers extractDue with max=0: it returns 0 and
// leaves the queue unchanged.
func TestExtractDueMaxZero(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Cmd{Kind: CmdBeatTick, ApplyAtUs: 1})
	out := make([]Cmd, 4)
	n := q.ExtractDue(1_000_000, out, 0)
	if n != 0 {
		t.Fatalf("extractDue with max=0 returned %d, want 0", n)
	}
	if q.Len() != 1 {
		t.Fatalf("queue mutated despite max=0")
	}
}

// TestExtractDueBoundaryEquals covers the boundary: applyAt_us == now
// exactly is eligible for this frame (<=, not <).
func TestExtractDueBoundaryEquals(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Cmd{Kind: CmdBeatTick, ApplyAtUs: 1000})
	out := make([]Cmd, 1)
	n := q.ExtractDue(1000, out, 1)
	if n != 1 {
		t.Fatalf("applyAt==now should be eligible, got n=%d", n)
	}
}

// TestQueueOrderedAscending covers that entries stay sorted by applyAt.
func TestQueueOrderedAscending(t *testing.T) {
	q := NewQueue()
	vals := []int64{500, 100, 300, 200, 400}
	for _, v := range vals {
		q.Enqueue(Cmd{Kind: CmdSceneChange, ApplyAtUs: v, Scene: SceneChange{EffectID: uint16(v)}})
	}
	out := make([]Cmd, 5)
	n := q.ExtractDue(1_000_000, out, 5)
	if n != 5 {
		t.Fatalf("expected 5 extracted, got %d", n)
	}
	prev := int64(-1)
	for _, c := range out[:n] {
		if c.ApplyAtUs < prev {
			t.Fatalf("not ascending: %v", out[:n])
		}
		prev = c.ApplyAtUs
	}
}

// TestClampApplyAtOutOfRange covers the sanity clamp: an applyAt more
// than 500ms from now is clamped to now+APPLY_AHEAD.
func TestClampApplyAtOutOfRange(t *testing.T) {
	q := NewQueue()
	cmd := Cmd{Kind: CmdBeatTick, ApplyAtUs: 10_000_000}
	clamped := q.ClampApplyAt(&cmd, 0)
	if !clamped {
		t.Fatalf("expected clamp for far-future applyAt")
	}
	if cmd.ApplyAtUs != 30_000 { // ApplyAhead = 30ms = 30_000us
		t.Fatalf("clamped applyAt = %d, want 30000", cmd.ApplyAtUs)
	}
	if q.Counters().Clamped != 1 {
		t.Fatalf("clamp counter not incremented")
	}
}

func TestClampApplyAtWithinRange(t *testing.T) {
	q := NewQueue()
	cmd := Cmd{Kind: CmdBeatTick, ApplyAtUs: 100_000}
	if q.ClampApplyAt(&cmd, 100_000-10_000) {
		t.Fatalf("should not clamp a 10ms-future applyAt")
	}
}
