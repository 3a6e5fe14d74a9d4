package reactor

import "time"

// Drain services pending timers in due order until none remain or the
// deadline passes. After each service cycle the microtask pump runs so
// promise continuations settle before the next timer fires, matching host
// await semantics. Must be called on the sandbox goroutine (the engine is
// single-threaded).
func Drain(l *Loop, deadline time.Time, runMicrotasks func()) {
	for {
		due, ok := l.NextDue()
		if !ok {
			return
		}

		now := time.Now()
		if due.After(now) {
			wait := due.Sub(now)
			if now.Add(wait).After(deadline) {
				return // would exceed the slice deadline
			}
			time.Sleep(wait)
		}
		if time.Now().After(deadline) {
			return
		}

		// A concurrent ClearAll between NextDue and here empties the queue;
		// that is the one benign ErrNothingPending case, so re-check.
		if err := l.ServiceNext(); err != nil {
			return
		}
		if runMicrotasks != nil {
			runMicrotasks()
		}
	}
}
