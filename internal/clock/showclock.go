package clock

import "sync"

// ShowClock is the hub's single authoritative instance. It bookkeeps
// ticks against the shared monotonic Source and detects overruns.
type ShowClock struct {
	src Source

	mu            sync.Mutex
	startUs       int64
	lastTickUs    int64
	haveLastTick  bool
	tickCount     uint64
	tickOverruns  uint64
	showBpmX100   uint32
	beatPhase     uint8
	flags         uint32
}

// NewShowClock pins startUs to src's current reading.
func NewShowClock(src Source) *ShowClock {
	return &ShowClock{src: src, startUs: src.NowUs(), showBpmX100: 12000}
}

// NowUs returns the shared monotonic microsecond reading.
func (c *ShowClock) NowUs() int64 { return c.src.NowUs() }

// UptimeSeconds returns elapsed seconds since the clock was created.
func (c *ShowClock) UptimeSeconds() float64 {
	return float64(c.src.NowUs()-c.startUs) / 1e6
}

// Tick records one tick's bookkeeping. tick_count increments
// unconditionally, and last_tick_us is updated AFTER the overrun check;
// reversing that order would silently change which tick gets blamed for
// an overrun.
func (c *ShowClock) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.src.NowUs()
	if c.haveLastTick {
		sinceLast := now - c.lastTickUs
		if sinceLast > 2*int64(TickPeriodUs) {
			c.tickOverruns++
		}
	}
	c.tickCount++
	c.lastTickUs = now
	c.haveLastTick = true
}

// TickPeriodUs is TICK_PERIOD expressed in microseconds, kept local to
// avoid an import cycle with package wire (which also defines it as a
// time.Duration); the two must be kept numerically in sync.
const TickPeriodUs = 10_000

// TickCount and TickOverruns expose the counters for /metrics and tests.
// tickOverruns counts exactly the ticks whose wall-time since the
// previous tick exceeds 2x TICK_PERIOD.
func (c *ShowClock) TickCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickCount
}

func (c *ShowClock) TickOverruns() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickOverruns
}

// SetBpm and BeatPhase support BEAT_TICK fanout payloads.
func (c *ShowClock) SetBpm(bpmX100 uint32) {
	c.mu.Lock()
	c.showBpmX100 = bpmX100
	c.mu.Unlock()
}

func (c *ShowClock) BpmX100() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.showBpmX100
}

// AdvanceBeatPhase advances and returns the 0-255 wrapping beat phase.
func (c *ShowClock) AdvanceBeatPhase(delta uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beatPhase += delta
	return c.beatPhase
}
