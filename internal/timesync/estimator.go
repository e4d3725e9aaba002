// Package timesync implements the node-side four-timestamp NTP-style
// clock estimator. It is grounded on the facebook-time NTP packet
// exchange's offset/delay arithmetic, generalised with an IIR filter
// and a lock-state machine.
package timesync

import (
	"sync"
	"time"

	"github.com/ledfleet/fleetctl/internal/wire"
)

// State is the estimator's lock state.
type State int

const (
	Unlocked State = iota
	Locking
	Locked
	Degraded
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "UNLOCKED"
	case Locking:
		return "LOCKING"
	case Locked:
		return "LOCKED"
	case Degraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// Counters tracks sample bookkeeping for /metrics and tests.
type Counters struct {
	SamplesAccepted uint64
	SamplesRejected uint64
}

// Estimator is a per-node time-sync filter. It is safe for concurrent
// use: the UDP TS receiver feeds samples while the node coordinator and
// scheduler read offset/state from other goroutines.
type Estimator struct {
	mu sync.Mutex

	state State

	offsetUs       int64
	rttUs          uint32
	rttVarianceUs  uint32
	goodSamples    uint16
	lastPongLocal  int64
	haveLastPong   bool
	driftRateUsPerS float64

	counters Counters
}

// NewEstimator returns a fresh, UNLOCKED estimator.
func NewEstimator() *Estimator {
	return &Estimator{state: Unlocked}
}

// Reset returns the estimator to UNLOCKED, clearing all samples. Called
// on explicit token rekey, which invalidates any prior lock.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Unlocked
	e.offsetUs, e.rttUs, e.rttVarianceUs, e.goodSamples = 0, 0, 0, 0
	e.lastPongLocal, e.haveLastPong, e.driftRateUsPerS = 0, false, 0
	e.counters = Counters{}
}

// State returns the current lock state.
func (e *Estimator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OffsetUs returns the current hub-minus-local offset estimate.
func (e *Estimator) OffsetUs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offsetUs
}

// RTTUs returns the current smoothed round-trip time estimate.
func (e *Estimator) RTTUs() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rttUs
}

// LastPongLocal returns the local timestamp (µs) of the last accepted
// pong, and whether one has ever been accepted. This is the liveness
// signal fed to the fallback policy -- it tracks time-sync pongs, not
// show UDP arrivals.
func (e *Estimator) LastPongLocal() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPongLocal, e.haveLastPong
}

// Counters returns a snapshot of sample bookkeeping.
func (e *Estimator) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// OnPong feeds a single four-timestamp sample (t1 sent by node, t2/t3
// captured by hub, t4 received by node, all local to their clock) into
// the filter. nowLocal is t4. It returns false if the sample was
// rejected (implausible RTT).
func (e *Estimator) OnPong(t1, t2, t3, t4 int64) bool {
	delay := (t4 - t1) - (t3 - t2)
	if delay < 0 || delay > int64(wire.MaxValidRTTMs)*1000 {
		e.mu.Lock()
		e.counters.SamplesRejected++
		e.mu.Unlock()
		return false
	}
	offset := ((t2 - t1) + (t3 - t4)) / 2

	e.mu.Lock()
	defer e.mu.Unlock()

	const alpha = 0.8 // weight on the new sample
	const beta = 0.2  // weight retained from the prior estimate

	if e.goodSamples == 0 {
		e.offsetUs = offset
		e.rttUs = uint32(delay)
		e.rttVarianceUs = 0
	} else {
		e.offsetUs = int64(alpha*float64(offset) + beta*float64(e.offsetUs))
		prevRTT := e.rttUs
		e.rttUs = uint32(alpha*float64(delay) + beta*float64(prevRTT))
		diff := delay - int64(prevRTT)
		if diff < 0 {
			diff = -diff
		}
		e.rttVarianceUs = uint32(alpha*float64(diff) + beta*float64(e.rttVarianceUs))
	}

	e.goodSamples++
	e.counters.SamplesAccepted++
	e.lastPongLocal = t4
	e.haveLastPong = true

	e.advanceState()
	return true
}

// advanceState runs the lock-state machine transitions. Caller must
// hold e.mu.
func (e *Estimator) advanceState() {
	switch e.state {
	case Unlocked:
		e.state = Locking
	case Locking:
		if e.goodSamples >= wire.TSLockSamples && e.rttVarianceUs < 5000 {
			e.state = Locked
		}
	case Locked:
		if e.rttVarianceUs > 10000 {
			e.state = Degraded
		}
	case Degraded:
		if e.rttVarianceUs < 10000 {
			e.state = Locked
		}
	}
}

// CheckLiveness transitions LOCKED -> DEGRADED if the last accepted pong
// is older than KEEPALIVE_TIMEOUT, independent of new samples arriving.
// Call periodically from the node coordinator's tick.
func (e *Estimator) CheckLiveness(nowLocal int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Locked {
		return
	}
	if !e.haveLastPong {
		return
	}
	if time.Duration(nowLocal-e.lastPongLocal)*time.Microsecond > wire.KeepaliveTimeout {
		e.state = Degraded
	}
}

// HubToLocal maps a hub-stamped timestamp to local time using the
// current offset estimate.
func (e *Estimator) HubToLocal(hubUs int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return hubUs - e.offsetUs
}

// LocalToHub maps a local timestamp to hub time using the current offset
// estimate. Together with HubToLocal this guarantees
// hubToLocal(localToHub(x)) == x (modulo integer rounding).
func (e *Estimator) LocalToHub(localUs int64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return localUs + e.offsetUs
}
