package schedule

import "github.com/ledfleet/fleetctl/internal/wire"

// Counters tracks the queue's lifetime bookkeeping.
type Counters struct {
	Enqueued  uint64
	Drops     uint64
	Coalesced uint64
	Applied   uint64
	Clamped   uint64
}

// Queue is a bounded, sorted-by-applyAt schedule queue for one node.
// It is not safe for concurrent use; the node coordinator's single
// "network" task enqueues and the render task extracts, sharing it
// through a single short critical section -- callers needing that
// should wrap a Queue in their own mutex.
type Queue struct {
	entries []Cmd
	counts  Counters
}

// NewQueue returns an empty queue with capacity SCHED_QUEUE_SIZE.
func NewQueue() *Queue {
	return &Queue{entries: make([]Cmd, 0, wire.SchedQueueSize)}
}

// Len reports the number of queued entries.
func (q *Queue) Len() int { return len(q.entries) }

// Counters returns a snapshot of the queue's counters.
func (q *Queue) Counters() Counters { return q.counts }

// ClampApplyAt enforces the ±500ms sanity bound: if applyAt lies more
// than MaxApplyAtSkew from now in either direction, it is clamped to
// now+APPLY_AHEAD and the clamp counter is bumped. This runs at enqueue
// time, not at extraction time, so a stale applyAt never sits in the
// queue silently wrong.
func (q *Queue) ClampApplyAt(cmd *Cmd, nowUs int64) (clamped bool) {
	delta := cmd.ApplyAtUs - nowUs
	skew := wire.MaxApplyAtSkew.Microseconds()
	if delta > skew || delta < -skew {
		cmd.ApplyAtUs = nowUs + wire.ApplyAhead.Microseconds()
		q.counts.Clamped++
		return true
	}
	return false
}

// Enqueue inserts cmd in ascending-applyAt order. If the queue is full,
// it coalesces against the oldest entry in the same slot (same Kind, and
// for ZoneUpdate the same ZoneID): the oldest matching entry is
// overwritten with cmd's newest values (newer wins on coalesce) and
// Coalesced is bumped. If no matching slot exists when full, the insert
// is refused and Drops is bumped.
func (q *Queue) Enqueue(cmd Cmd) bool {
	if len(q.entries) >= wire.SchedQueueSize {
		for i := range q.entries {
			if sameSlot(q.entries[i], cmd) {
				q.entries[i] = cmd
				q.resortFrom(i)
				q.counts.Coalesced++
				return true
			}
		}
		q.counts.Drops++
		return false
	}

	// Stable insertion sort by ascending ApplyAtUs; ties keep insertion
	// order among equal keys (stability for equal applyAt matters for
	// coalescing, not plain insert, so a simple last-position-among-equals
	// insert is correct here).
	idx := len(q.entries)
	for idx > 0 && q.entries[idx-1].ApplyAtUs > cmd.ApplyAtUs {
		idx--
	}
	q.entries = append(q.entries, Cmd{})
	copy(q.entries[idx+1:], q.entries[idx:len(q.entries)-1])
	q.entries[idx] = cmd
	q.counts.Enqueued++
	return true
}

// resortFrom re-sorts a single possibly-misplaced entry (used after an
// in-place coalesce overwrite changes its applyAt) using a bounded
// insertion move -- entries stays sorted without a full re-sort.
func (q *Queue) resortFrom(i int) {
	cmd := q.entries[i]
	// Remove from position i.
	copy(q.entries[i:], q.entries[i+1:])
	q.entries = q.entries[:len(q.entries)-1]
	// Re-insert in sorted position.
	idx := len(q.entries)
	for idx > 0 && q.entries[idx-1].ApplyAtUs > cmd.ApplyAtUs {
		idx--
	}
	q.entries = append(q.entries, Cmd{})
	copy(q.entries[idx+1:], q.entries[idx:len(q.entries)-1])
	q.entries[idx] = cmd
}

// ExtractDue pops entries from the head while head.ApplyAtUs <= now and
// the output count is below max, appending them to out and returning the
// count extracted. applyAt==now is eligible this frame.
func (q *Queue) ExtractDue(nowUs int64, out []Cmd, max int) int {
	n := 0
	for n < max && n < len(out) && len(q.entries) > 0 && q.entries[0].ApplyAtUs <= nowUs {
		out[n] = q.entries[0]
		q.entries = q.entries[1:]
		n++
		q.counts.Applied++
	}
	return n
}
