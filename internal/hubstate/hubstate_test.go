package hubstate

import "testing"

func TestGlobalDirtyRoundTrip(t *testing.T) {
	s := New()
	if s.HasDirty() {
		t.Fatalf("fresh store reports dirty")
	}
	s.SetBrightness(128)
	s.SetEffectID(3)
	if !s.HasDirty() {
		t.Fatalf("store should be dirty after mutation")
	}
	d := s.ConsumeGlobalDelta()
	if d.Mask&DirtyBrightness == 0 || d.Mask&DirtyEffectID == 0 {
		t.Fatalf("mask = %b, want brightness+effectId bits set", d.Mask)
	}
	if d.Values.Brightness != 128 || d.Values.EffectID != 3 {
		t.Fatalf("values = %+v, want brightness=128 effectId=3", d.Values)
	}
	if s.HasDirty() {
		t.Fatalf("consume did not clear dirty mask")
	}
}

func TestGlobalSetterIsNoOpWhenUnchanged(t *testing.T) {
	s := New()
	s.SetSpeed(10)
	s.ConsumeGlobalDelta()
	s.SetSpeed(10)
	if s.HasDirty() {
		t.Fatalf("re-setting the same value should not mark dirty")
	}
}

func TestZoneDeltaConsumption(t *testing.T) {
	s := New()
	s.SetZoneBrightness(1, 0, 200)
	s.SetZoneEffectID(1, 2, 9)
	s.SetZoneBrightness(2, 0, 50)

	out := make([]ZoneDelta, 8)
	n := s.ConsumeZoneDeltas(out, 8)
	if n != 3 {
		t.Fatalf("consumed %d deltas, want 3", n)
	}
	if s.HasDirty() {
		t.Fatalf("zone masks not cleared after consume")
	}
}

func TestConsumeZoneDeltasRespectsMax(t *testing.T) {
	s := New()
	s.SetZoneBrightness(1, 0, 1)
	s.SetZoneBrightness(1, 1, 1)
	s.SetZoneBrightness(1, 2, 1)

	out := make([]ZoneDelta, 8)
	n := s.ConsumeZoneDeltas(out, 2)
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	if !s.HasDirty() {
		t.Fatalf("one zone delta should remain pending")
	}
}

func TestFullSnapshotReflectsCurrentState(t *testing.T) {
	s := New()
	s.SetBrightness(77)
	s.SetZonesEnabled(true)
	s.SetZoneEffectID(1, 1, 42)

	snap := s.CreateFullSnapshot(1)
	if snap.Global.Brightness != 77 {
		t.Fatalf("snapshot global brightness = %d, want 77", snap.Global.Brightness)
	}
	if !snap.ZonesEnabled {
		t.Fatalf("snapshot zonesEnabled = false, want true")
	}
	if snap.Zones[1].EffectID != 42 {
		t.Fatalf("snapshot zone[1] effectId = %d, want 42", snap.Zones[1].EffectID)
	}

	otherSnap := s.CreateFullSnapshot(2)
	if otherSnap.Zones[1].EffectID != 0 {
		t.Fatalf("node 2 snapshot should not see node 1's zone state")
	}
}
