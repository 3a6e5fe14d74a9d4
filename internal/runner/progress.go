package runner

import (
	"strconv"
	"strings"
	"time"
)

// ProgressEvent is one transmitted progress update. Value is the displayed
// 0-1 fraction; Indeterminate marks updates without a trustworthy value;
// Throttled counts updates suppressed since the last transmission.
type ProgressEvent struct {
	Value         float64 `json:"value"`
	Indeterminate bool    `json:"indeterminate,omitempty"`
	Throttled     int     `json:"throttled,omitempty"`
}

// progressState implements the per-slice progress contract: monotone
// display value, out-of-bounds permanent disable, and transmission
// throttling.
type progressState struct {
	disabled  bool
	display   float64 // highest fraction reported so far, never regresses
	lastSent  time.Time
	throttled int
	throttle  time.Duration
	now       func() time.Time
}

func newProgressState(throttle time.Duration) *progressState {
	if throttle <= 0 {
		throttle = 100 * time.Millisecond
	}
	return &progressState{throttle: throttle, now: time.Now}
}

// outcome of one progress() call.
type progressOutcome struct {
	accepted    bool // false once reporting is permanently disabled
	transmit    bool // true when an event should go out now
	outOfBounds bool
	event       ProgressEvent
}

// report processes one progress(value?) call. hasValue is false for the
// bare progress() form, which reuses the last known value as indeterminate.
// raw is the textual argument: a 0-1 fraction, or a string ending in a
// percent sign. A value below 0 or above 100 percent permanently disables
// progress for the slice. A value lower than the last reported one signals
// indeterminate progress; the displayed fraction never regresses.
func (p *progressState) report(hasValue bool, raw string) progressOutcome {
	if p.disabled {
		return progressOutcome{}
	}

	indeterminate := false
	value := p.display
	if !hasValue {
		indeterminate = true
	} else {
		v, ok := parseProgress(raw)
		if !ok {
			indeterminate = true
		} else {
			pct := v * 100
			if pct < 0 || pct > 100 {
				p.disabled = true
				return progressOutcome{outOfBounds: true}
			}
			if v < p.display {
				indeterminate = true
			} else {
				p.display = v
				value = v
			}
		}
	}

	now := p.now()
	if !p.lastSent.IsZero() && now.Sub(p.lastSent) < p.throttle {
		p.throttled++
		return progressOutcome{accepted: true}
	}

	ev := ProgressEvent{
		Value:         value,
		Indeterminate: indeterminate,
		Throttled:     p.throttled,
	}
	p.throttled = 0
	p.lastSent = now
	return progressOutcome{accepted: true, transmit: true, event: ev}
}

// reset restores the pristine per-slice state.
func (p *progressState) reset() {
	p.disabled = false
	p.display = 0
	p.lastSent = time.Time{}
	p.throttled = 0
}

// parseProgress interprets a progress argument: a plain number is a 0-1
// fraction; a string ending in '%' is a percentage.
func parseProgress(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if strings.HasSuffix(raw, "%") {
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(raw, "%")), 64)
		if err != nil {
			return 0, false
		}
		return v / 100, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
