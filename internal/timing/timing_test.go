package timing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInterval_LengthBeforeStop(t *testing.T) {
	iv := Start()
	if _, err := iv.Length(); !errors.Is(err, ErrIntervalOpen) {
		t.Fatalf("expected ErrIntervalOpen, got %v", err)
	}
}

func TestInterval_LengthAfterStop(t *testing.T) {
	base := time.Now()
	iv := StartAt(base)
	iv.StopAt(base.Add(25 * time.Millisecond))

	d, err := iv.Length()
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if d != 25*time.Millisecond {
		t.Errorf("length = %v, want 25ms", d)
	}
}

func TestInterval_StopIsIdempotent(t *testing.T) {
	base := time.Now()
	iv := StartAt(base)
	iv.StopAt(base.Add(10 * time.Millisecond))
	iv.StopAt(base.Add(90 * time.Millisecond))

	d, err := iv.Length()
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if d != 10*time.Millisecond {
		t.Errorf("second stop changed end: length = %v, want 10ms", d)
	}
}

func TestInterval_NegativeClampedToZero(t *testing.T) {
	base := time.Now()
	iv := StartAt(base)
	iv.StopAt(base.Add(-5 * time.Millisecond))

	d, err := iv.Length()
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if d != 0 {
		t.Errorf("length = %v, want 0", d)
	}
}

func TestSet_OverlapsDoubleCounted(t *testing.T) {
	base := time.Now()
	var s Set

	a := StartAt(base)
	a.StopAt(base.Add(10 * time.Millisecond))
	b := StartAt(base.Add(5 * time.Millisecond))
	b.StopAt(base.Add(15 * time.Millisecond))
	s.Push(a)
	s.Push(b)

	d, err := s.Duration()
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if d != 20*time.Millisecond {
		t.Errorf("duration = %v, want 20ms (naive sum)", d)
	}
}

func TestSet_OpenIntervalFails(t *testing.T) {
	var s Set
	s.Push(Start())
	if _, err := s.Duration(); !errors.Is(err, ErrIntervalOpen) {
		t.Fatalf("expected ErrIntervalOpen, got %v", err)
	}
}

func TestCPUTimer_LockStopsLatest(t *testing.T) {
	var c CPUTimer
	first := Start()
	first.Stop()
	c.Push(first)

	open := Start()
	c.Push(open)
	if c.Latest() != open {
		t.Fatal("Latest should be the most recently pushed interval")
	}

	c.Lock()
	if !open.Stopped() {
		t.Error("Lock should stop the latest open interval")
	}

	// Locking again is harmless.
	c.Lock()
	if _, err := c.Duration(); err != nil {
		t.Errorf("duration after lock: %v", err)
	}
}

func TestCPUTimer_ResetClearsLatest(t *testing.T) {
	var c CPUTimer
	iv := Start()
	iv.Stop()
	c.Push(iv)
	c.Reset()
	if c.Latest() != nil {
		t.Error("Reset should clear the latest handle")
	}
	if c.Len() != 0 {
		t.Error("Reset should clear intervals")
	}
}

func TestAsyncTimer_MergesOverlaps(t *testing.T) {
	base := time.Now()
	var a AsyncTimer

	x := StartAt(base)
	x.StopAt(base.Add(10 * time.Millisecond))
	y := StartAt(base.Add(5 * time.Millisecond))
	y.StopAt(base.Add(15 * time.Millisecond))
	z := StartAt(base.Add(30 * time.Millisecond))
	z.StopAt(base.Add(40 * time.Millisecond))
	a.Push(x)
	a.Push(y)
	a.Push(z)

	d, err := a.Duration(context.Background())
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if d != 25*time.Millisecond {
		t.Errorf("duration = %v, want 25ms (merged)", d)
	}
}

func TestAsyncTimer_WaitsForOutstanding(t *testing.T) {
	base := time.Now()
	var a AsyncTimer

	iv := StartAt(base)
	done := make(chan struct{})
	a.Push(iv)
	a.Await(done)

	go func() {
		iv.StopAt(base.Add(5 * time.Millisecond))
		close(done)
	}()

	d, err := a.Duration(context.Background())
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if d != 5*time.Millisecond {
		t.Errorf("duration = %v, want 5ms", d)
	}

	// The signal is consumed; a second Duration must not block on it.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := a.Duration(ctx); err != nil {
		t.Errorf("second duration: %v", err)
	}
}

func TestAsyncTimer_ContextCancelled(t *testing.T) {
	var a AsyncTimer
	a.Await(make(chan struct{})) // never closed

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.Duration(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
