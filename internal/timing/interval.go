package timing

import (
	"errors"
	"time"
)

// ErrIntervalOpen is returned when an interval's length is read before Stop.
var ErrIntervalOpen = errors.New("timing: interval has not been stopped")

// Interval is a single measured span of wall-clock time. It starts at
// construction and ends exactly once when Stop is called.
type Interval struct {
	start   time.Time
	end     time.Time
	stopped bool
}

// Start opens a new interval beginning now.
func Start() *Interval {
	return &Interval{start: time.Now()}
}

// StartAt opens an interval beginning at the given instant. Used by callers
// that drive measurement from a manual clock.
func StartAt(t time.Time) *Interval {
	return &Interval{start: t}
}

// Stop closes the interval. Stopping an already-stopped interval is a no-op
// so callers can stop defensively on every exit path.
func (iv *Interval) Stop() {
	iv.StopAt(time.Now())
}

// StopAt closes the interval at the given instant.
func (iv *Interval) StopAt(t time.Time) {
	if iv.stopped {
		return
	}
	iv.end = t
	iv.stopped = true
}

// Stopped reports whether the interval has ended.
func (iv *Interval) Stopped() bool {
	return iv.stopped
}

// Length returns end-start. Reading the length of an open interval is a
// caller logic error and fails with ErrIntervalOpen.
func (iv *Interval) Length() (time.Duration, error) {
	if !iv.stopped {
		return 0, ErrIntervalOpen
	}
	d := iv.end.Sub(iv.start)
	if d < 0 {
		d = 0
	}
	return d, nil
}

func (iv *Interval) bounds() (time.Time, time.Time) {
	return iv.start, iv.end
}
