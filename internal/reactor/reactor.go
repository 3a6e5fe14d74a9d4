// Package reactor implements the virtualized timer scheduler the sandbox
// runs application timers on. The host engine provides exactly one primitive
// pair: a fire-when-due callback and a next-wake-time setter. Everything
// else (setTimeout/setInterval semantics, ordering, cancellation) is built
// here so the host can measure and bound the CPU time each service cycle
// consumes.
package reactor

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/slicework/sandbox/internal/timing"
)

// ErrNothingPending is returned when ServiceNext is invoked with no timers
// pending. That is a caller logic error: the wake source must check
// liveness before invoking the loop.
var ErrNothingPending = errors.New("reactor: no timers pending")

// Handle identifies a scheduled timer. Handles are serial numbers, so they
// compare by value and double as a deterministic tie-break for timers due
// at the same instant.
type Handle int

// timer is one pending callback.
type timer struct {
	serial    Handle
	dueAt     time.Time
	recurring time.Duration // 0 for one-shot
	callback  func()
}

// Loop schedules virtual timers over the host's ontimer/nextTimer primitive
// pair. All methods are safe for use from the single sandbox goroutine plus
// the supervisor-triggered ClearAll path.
type Loop struct {
	mu         sync.Mutex
	timers     []*timer // sorted by dueAt, serial tie-break
	nextSerial Handle
	publish    func(due time.Time) // host wake setter; zero time disables
	cpu        *timing.CPUTimer
	now        func() time.Time
}

// New creates a Loop that attributes service-cycle time to cpu. A nil cpu
// disables attribution (tests). The now function defaults to time.Now.
func New(cpu *timing.CPUTimer) *Loop {
	return &Loop{cpu: cpu, now: time.Now}
}

// SetClock replaces the wall clock. Test hook.
func (l *Loop) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// OnWake registers the host's next-wake publisher. The loop calls it with
// the earliest pending due time whenever that minimum changes, or with the
// zero time when nothing is pending.
func (l *Loop) OnWake(publish func(due time.Time)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publish = publish
	l.publishLocked()
}

// SetTimeout schedules fn to run once after delay. Negative delays clamp
// to zero. If the new timer becomes the earliest pending one, the host is
// immediately told the new minimum wake time.
func (l *Loop) SetTimeout(fn func(), delay time.Duration) Handle {
	return l.schedule(fn, delay, 0)
}

// SetInterval schedules fn to run every interval. Firing re-inserts the
// timer with a fresh due time before control returns to the host.
func (l *Loop) SetInterval(fn func(), interval time.Duration) Handle {
	if interval < 0 {
		interval = 0
	}
	return l.schedule(fn, interval, interval)
}

// SetImmediate is SetTimeout with zero delay.
func (l *Loop) SetImmediate(fn func()) Handle {
	return l.schedule(fn, 0, 0)
}

func (l *Loop) schedule(fn func(), delay, recurring time.Duration) Handle {
	if delay < 0 {
		delay = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSerial++
	t := &timer{
		serial:    l.nextSerial,
		dueAt:     l.now().Add(delay),
		recurring: recurring,
		callback:  fn,
	}
	l.insertLocked(t)
	if l.timers[0] == t {
		l.publishLocked()
	}
	return t.serial
}

// Clear removes the timer with the given handle. Returns false if no such
// timer is pending. If the removed timer was the earliest, the new minimum
// wake time is republished (or the wake signal disabled if none remain).
func (l *Loop) Clear(h Handle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, t := range l.timers {
		if t.serial == h {
			wasEarliest := i == 0
			l.timers = append(l.timers[:i], l.timers[i+1:]...)
			if wasEarliest {
				l.publishLocked()
			}
			return true
		}
	}
	return false
}

// ClearAll synchronously and idempotently empties the pending timer set and
// disables the host wake signal. The supervisor's only cancellation
// primitive; never errors when nothing is pending.
func (l *Loop) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timers = nil
	l.publishLocked()
}

// HasPending reports whether any timer is scheduled.
func (l *Loop) HasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers) > 0
}

// NextDue returns the earliest pending due time.
func (l *Loop) NextDue() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].dueAt, true
}

// ServiceNext fires the single most-due timer. Only one timer is serviced
// per wake so per-tick CPU attribution stays bounded. Recurring timers are
// re-inserted before the callback's effects can observe the queue. A service
// cycle with nothing pending is a loud caller error, not a retryable state.
func (l *Loop) ServiceNext() error {
	l.mu.Lock()
	if len(l.timers) == 0 {
		l.mu.Unlock()
		return ErrNothingPending
	}
	t := l.timers[0]
	l.timers = l.timers[1:]
	if t.recurring > 0 {
		next := &timer{
			serial:    t.serial,
			dueAt:     l.now().Add(t.recurring),
			recurring: t.recurring,
			callback:  t.callback,
		}
		l.insertLocked(next)
	}
	l.publishLocked()
	cpu := l.cpu
	startAt := l.now()
	l.mu.Unlock()

	// The loop itself consumes time; that time is part of the slice's CPU
	// bucket, so every service cycle is recorded as an interval.
	var iv *timing.Interval
	if cpu != nil {
		iv = timing.StartAt(startAt)
		cpu.Push(iv)
	}
	defer func() {
		if iv != nil {
			l.mu.Lock()
			end := l.now()
			l.mu.Unlock()
			iv.StopAt(end)
		}
	}()

	t.callback()
	return nil
}

// insertLocked places t into the due-order position, serial as tie-break.
func (l *Loop) insertLocked(t *timer) {
	i := sort.Search(len(l.timers), func(i int) bool {
		if l.timers[i].dueAt.Equal(t.dueAt) {
			return l.timers[i].serial > t.serial
		}
		return l.timers[i].dueAt.After(t.dueAt)
	})
	l.timers = append(l.timers, nil)
	copy(l.timers[i+1:], l.timers[i:])
	l.timers[i] = t
}

// publishLocked pushes the current minimum due time to the host, or the
// zero time when the queue is empty.
func (l *Loop) publishLocked() {
	if l.publish == nil {
		return
	}
	if len(l.timers) == 0 {
		l.publish(time.Time{})
		return
	}
	l.publish(l.timers[0].dueAt)
}
