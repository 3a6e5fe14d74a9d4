package runner

import "encoding/json"

// ConsoleEvent is one transmitted console message. Count carries the
// run-length of consecutive identical calls that were coalesced into it.
type ConsoleEvent struct {
	Level     string          `json:"level"`
	Arguments json.RawMessage `json:"arguments"`
	Count     int             `json:"count"`
}

// consoleState coalesces consecutive identical console calls. Work
// functions that log in tight loops produce one pending message with a
// repeat counter instead of a message flood; the pending message is flushed
// when a different message arrives, when a progress update transmits, or
// when the slice finishes, whichever comes first.
type consoleState struct {
	pending *ConsoleEvent
}

// write records one intercepted console call. Returns a flushed event when
// the call broke a run of identical messages, nil otherwise.
func (c *consoleState) write(level, argsJSON string) *ConsoleEvent {
	if c.pending != nil && c.pending.Level == level && string(c.pending.Arguments) == argsJSON {
		c.pending.Count++
		return nil
	}
	flushed := c.flush()
	c.pending = &ConsoleEvent{
		Level:     level,
		Arguments: json.RawMessage(argsJSON),
		Count:     1,
	}
	return flushed
}

// flush returns the pending event (nil if none) and clears it.
func (c *consoleState) flush() *ConsoleEvent {
	ev := c.pending
	c.pending = nil
	return ev
}

// reset drops any pending message. Used between slices.
func (c *consoleState) reset() {
	c.pending = nil
}
