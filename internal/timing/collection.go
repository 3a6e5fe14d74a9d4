package timing

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Set is an append-only sequence of intervals measured during one slice.
// Duration is the naive sum of interval lengths, so overlapping spans are
// double-counted. That is intentional: synchronous GPU-proximate calls run
// inside already-measured CPU time and the overlap-summed total is what gets
// subtracted back out of the CPU bucket.
type Set struct {
	intervals []*Interval
}

// Push appends an interval to the set.
func (s *Set) Push(iv *Interval) {
	s.intervals = append(s.intervals, iv)
}

// Duration sums the lengths of all intervals. Any open interval makes the
// whole sum unreadable, matching Interval.Length semantics.
func (s *Set) Duration() (time.Duration, error) {
	var total time.Duration
	for i, iv := range s.intervals {
		d, err := iv.Length()
		if err != nil {
			return 0, fmt.Errorf("interval %d: %w", i, err)
		}
		total += d
	}
	return total, nil
}

// Len returns the number of recorded intervals.
func (s *Set) Len() int {
	return len(s.intervals)
}

// Reset clears the set between slices.
func (s *Set) Reset() {
	s.intervals = nil
}

// CPUTimer is a Set that keeps a handle to the most recently pushed interval
// so an external lock operation can stop it without searching.
type CPUTimer struct {
	Set
	latest *Interval
}

// Push appends an interval and records it as the most recent.
func (c *CPUTimer) Push(iv *Interval) {
	c.Set.Push(iv)
	c.latest = iv
}

// Latest returns the most recently pushed interval, or nil.
func (c *CPUTimer) Latest() *Interval {
	return c.latest
}

// Lock stops the most recently pushed interval if it is still open. Used at
// the boundary where measured CPU work hands control back to the host.
func (c *CPUTimer) Lock() {
	if c.latest != nil && !c.latest.Stopped() {
		c.latest.Stop()
	}
}

// Reset clears intervals and the latest handle.
func (c *CPUTimer) Reset() {
	c.Set.Reset()
	c.latest = nil
}

// AsyncTimer measures asynchronously-completing work (GPU command
// submission). Its duration computation must first wait for the most
// recently registered outstanding completion signal, then merges overlapping
// spans so concurrent submissions are not double-counted.
type AsyncTimer struct {
	Set
	// outstanding is the completion signal of the latest submitted batch of
	// async work. Single-owner: cleared as soon as it has been awaited so a
	// stale or already-consumed signal is never awaited twice.
	outstanding <-chan struct{}
}

// Await registers the completion signal for the most recently submitted
// async work, replacing any prior unawaited signal.
func (a *AsyncTimer) Await(done <-chan struct{}) {
	a.outstanding = done
}

// Duration waits for the latest outstanding completion signal, then merges
// overlapping intervals and returns the combined span total.
func (a *AsyncTimer) Duration(ctx context.Context) (time.Duration, error) {
	if a.outstanding != nil {
		select {
		case <-a.outstanding:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		a.outstanding = nil
	}
	return mergedDuration(a.intervals)
}

// Reset clears intervals and drops any unawaited completion signal.
func (a *AsyncTimer) Reset() {
	a.Set.Reset()
	a.outstanding = nil
}

// mergedDuration sorts intervals by start and sweeps, coalescing overlaps.
func mergedDuration(intervals []*Interval) (time.Duration, error) {
	for i, iv := range intervals {
		if !iv.Stopped() {
			return 0, fmt.Errorf("interval %d: %w", i, ErrIntervalOpen)
		}
	}
	if len(intervals) == 0 {
		return 0, nil
	}

	sorted := make([]*Interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool {
		si, _ := sorted[i].bounds()
		sj, _ := sorted[j].bounds()
		return si.Before(sj)
	})

	var total time.Duration
	curStart, curEnd := sorted[0].bounds()
	for _, iv := range sorted[1:] {
		s, e := iv.bounds()
		if s.After(curEnd) {
			total += curEnd.Sub(curStart)
			curStart, curEnd = s, e
			continue
		}
		if e.After(curEnd) {
			curEnd = e
		}
	}
	total += curEnd.Sub(curStart)
	if total < 0 {
		total = 0
	}
	return total, nil
}
