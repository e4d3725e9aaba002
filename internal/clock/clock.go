// Package clock provides the single monotonic microsecond source shared
// by the hub's show clock and every time-stamp producer (Design Notes
// §9: "enforce with a single clock port... to prevent epoch drift").
package clock

import "time"

// Source is a monotonic microsecond clock port. nowUs() MUST share epoch
// with whatever produces TS stamps; passing the same Source into both the
// hub coordinator and the TS listener is how that invariant is kept.
type Source interface {
	NowUs() int64
}

// System is the platform-adapted monotonic clock: time.Since against a
// fixed start instant, in microseconds. time.Now() already carries a
// monotonic reading on every platform Go supports, so there is no
// separate "monotonic" API to reach for here.
type System struct {
	start time.Time
}

// NewSystem returns a System clock pinned to the moment of construction.
func NewSystem() *System {
	return &System{start: time.Now()}
}

func (s *System) NowUs() int64 {
	return time.Since(s.start).Microseconds()
}

var _ Source = (*System)(nil)
