package reactor

import (
	"errors"
	"testing"
	"time"

	"github.com/slicework/sandbox/internal/timing"
)

// manualClock drives the loop without sleeping.
type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLoop() (*Loop, *manualClock) {
	clk := &manualClock{now: time.Unix(1000, 0)}
	l := New(nil)
	l.SetClock(clk.Now)
	return l, clk
}

// drainDue services every timer that is due at the clock's current instant.
func drainDue(l *Loop, clk *manualClock) {
	for {
		due, ok := l.NextDue()
		if !ok || due.After(clk.now) {
			return
		}
		if err := l.ServiceNext(); err != nil {
			return
		}
	}
}

func TestSetTimeout_FiresInDueOrder(t *testing.T) {
	l, clk := newTestLoop()

	var fired []string
	l.SetTimeout(func() { fired = append(fired, "b") }, 20*time.Millisecond)
	l.SetTimeout(func() { fired = append(fired, "a") }, 10*time.Millisecond)
	l.SetTimeout(func() { fired = append(fired, "c") }, 30*time.Millisecond)

	clk.Advance(50 * time.Millisecond)
	drainDue(l, clk)

	if got := len(fired); got != 3 {
		t.Fatalf("fired %d callbacks, want 3", got)
	}
	if fired[0] != "a" || fired[1] != "b" || fired[2] != "c" {
		t.Errorf("fire order = %v, want [a b c]", fired)
	}
}

func TestSetTimeout_EqualDueTiesBreakByInsertion(t *testing.T) {
	l, clk := newTestLoop()

	var fired []int
	for i := 0; i < 5; i++ {
		n := i
		l.SetTimeout(func() { fired = append(fired, n) }, 10*time.Millisecond)
	}

	clk.Advance(10 * time.Millisecond)
	drainDue(l, clk)

	for i, n := range fired {
		if n != i {
			t.Fatalf("fire order = %v, want insertion order", fired)
		}
	}
}

func TestClear_RemovesBeforeFire(t *testing.T) {
	l, clk := newTestLoop()

	var fired []string
	l.SetTimeout(func() { fired = append(fired, "keep") }, 10*time.Millisecond)
	h := l.SetTimeout(func() { fired = append(fired, "cancelled") }, 5*time.Millisecond)

	if !l.Clear(h) {
		t.Fatal("Clear should report removal of a pending timer")
	}
	if l.Clear(h) {
		t.Fatal("second Clear of the same handle should report nothing removed")
	}

	clk.Advance(20 * time.Millisecond)
	drainDue(l, clk)

	if len(fired) != 1 || fired[0] != "keep" {
		t.Errorf("fired = %v, want [keep]", fired)
	}
}

func TestSetInterval_Reinserts(t *testing.T) {
	l, clk := newTestLoop()

	count := 0
	h := l.SetInterval(func() { count++ }, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		clk.Advance(10 * time.Millisecond)
		drainDue(l, clk)
	}
	if count != 3 {
		t.Errorf("interval fired %d times, want 3", count)
	}

	l.Clear(h)
	clk.Advance(50 * time.Millisecond)
	drainDue(l, clk)
	if count != 3 {
		t.Errorf("interval fired after Clear: %d", count)
	}
}

func TestSetInterval_HandleSurvivesRefire(t *testing.T) {
	l, clk := newTestLoop()

	h := l.SetInterval(func() {}, 10*time.Millisecond)
	clk.Advance(10 * time.Millisecond)
	drainDue(l, clk)

	// The re-inserted timer keeps the same serial, so the original handle
	// still cancels it.
	if !l.Clear(h) {
		t.Error("handle should still clear a refired interval")
	}
}

func TestNegativeDelayClampsToZero(t *testing.T) {
	l, clk := newTestLoop()

	fired := false
	l.SetTimeout(func() { fired = true }, -100*time.Millisecond)
	drainDue(l, clk)
	if !fired {
		t.Error("negative delay should fire immediately")
	}
}

func TestServiceNext_NothingPendingIsLoud(t *testing.T) {
	l, _ := newTestLoop()
	if err := l.ServiceNext(); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending, got %v", err)
	}
}

func TestServiceNext_OneTimerPerWake(t *testing.T) {
	l, clk := newTestLoop()

	count := 0
	l.SetTimeout(func() { count++ }, 0)
	l.SetTimeout(func() { count++ }, 0)

	clk.Advance(time.Millisecond)
	if err := l.ServiceNext(); err != nil {
		t.Fatalf("service: %v", err)
	}
	if count != 1 {
		t.Fatalf("a single wake serviced %d timers, want 1", count)
	}
}

func TestWakePublisher_TracksMinimum(t *testing.T) {
	l, clk := newTestLoop()

	var published []time.Time
	l.OnWake(func(due time.Time) { published = append(published, due) })

	// Registration with an empty queue publishes the disabled signal.
	if len(published) != 1 || !published[0].IsZero() {
		t.Fatalf("initial publish = %v, want [zero]", published)
	}

	h1 := l.SetTimeout(func() {}, 20*time.Millisecond)
	if len(published) != 2 {
		t.Fatalf("first timer should publish a wake time")
	}

	// A later timer does not touch the minimum.
	l.SetTimeout(func() {}, 50*time.Millisecond)
	if len(published) != 2 {
		t.Fatalf("non-minimum timer must not republish, got %d publishes", len(published))
	}

	// An earlier timer becomes the new minimum.
	l.SetTimeout(func() {}, 5*time.Millisecond)
	if len(published) != 3 {
		t.Fatalf("new minimum should republish")
	}
	if want := clk.Now().Add(5 * time.Millisecond); !published[2].Equal(want) {
		t.Errorf("published %v, want %v", published[2], want)
	}

	// Removing a non-earliest timer does not republish.
	before := len(published)
	l.Clear(h1)
	if len(published) != before {
		t.Errorf("clearing a non-earliest timer republished the wake time")
	}
}

func TestClearAll_DisablesWakeSignal(t *testing.T) {
	l, clk := newTestLoop()

	var last time.Time
	l.OnWake(func(due time.Time) { last = due })

	fired := 0
	l.SetTimeout(func() { fired++ }, 10*time.Millisecond)
	l.SetTimeout(func() { fired++ }, 20*time.Millisecond)
	l.SetTimeout(func() { fired++ }, 30*time.Millisecond)

	l.ClearAll()
	if !last.IsZero() {
		t.Error("ClearAll should disable the wake signal")
	}
	if l.HasPending() {
		t.Error("ClearAll should empty the timer set")
	}

	clk.Advance(time.Second)
	drainDue(l, clk)
	if fired != 0 {
		t.Errorf("%d callbacks fired after ClearAll, want 0", fired)
	}

	// Idempotent with nothing pending.
	l.ClearAll()
}

func TestServiceNext_AttributesCPUTime(t *testing.T) {
	var cpu timing.CPUTimer
	clk := &manualClock{now: time.Unix(1000, 0)}
	l := New(&cpu)
	l.SetClock(clk.Now)

	l.SetTimeout(func() { clk.Advance(3 * time.Millisecond) }, 0)
	clk.Advance(time.Millisecond)
	if err := l.ServiceNext(); err != nil {
		t.Fatalf("service: %v", err)
	}

	if cpu.Len() != 1 {
		t.Fatalf("cpu intervals = %d, want 1", cpu.Len())
	}
	d, err := cpu.Duration()
	if err != nil {
		t.Fatalf("cpu duration: %v", err)
	}
	if d != 3*time.Millisecond {
		t.Errorf("cpu duration = %v, want 3ms", d)
	}
}

func TestDrain_RealClock(t *testing.T) {
	l := New(nil)

	var fired []int
	l.SetTimeout(func() { fired = append(fired, 1) }, 1*time.Millisecond)
	l.SetTimeout(func() { fired = append(fired, 2) }, 2*time.Millisecond)

	Drain(l, time.Now().Add(time.Second), nil)

	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Errorf("fired = %v, want [1 2]", fired)
	}
	if l.HasPending() {
		t.Error("drain should leave no pending timers")
	}
}

func TestDrain_RespectsDeadline(t *testing.T) {
	l := New(nil)

	fired := false
	l.SetTimeout(func() { fired = true }, time.Hour)

	Drain(l, time.Now().Add(5*time.Millisecond), nil)
	if fired {
		t.Error("drain fired a timer due after the deadline")
	}
}
