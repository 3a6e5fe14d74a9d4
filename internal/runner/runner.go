// Package runner executes one assigned work function against one input
// datum per slice, with full measurement and error containment. The slice
// entry point is unconditionally non-throwing: anything the untrusted work
// function does wrong becomes a reported message, never a propagated error.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slicework/sandbox/internal/core"
	"github.com/slicework/sandbox/internal/guard"
	"github.com/slicework/sandbox/internal/reactor"
	"github.com/slicework/sandbox/internal/ring"
	"github.com/slicework/sandbox/internal/timing"
)

// ErrAlreadyAssigned is returned when a job is assigned while another is
// active. Double assignment is a supervisor protocol error, kept loud.
var ErrAlreadyAssigned = errors.New("runner: a job is already assigned")

// ErrNoJob is returned when a slice is started with no job assigned.
var ErrNoJob = errors.New("runner: no job assigned")

type sliceState int

const (
	stateIdle sliceState = iota
	stateAssigned
	stateRunning
)

// Runner owns the per-sandbox slice state machine.
type Runner struct {
	rt   core.JSRuntime
	loop *reactor.Loop
	post ring.PostFunc

	cpu      *timing.CPUTimer
	gpuSync  *timing.Set
	gpuAsync *timing.AsyncTimer

	mu           sync.Mutex
	state        sliceState
	job          *core.Job
	progress     *progressState
	console      consoleState
	rejectReason *string
}

// New creates a Runner over an engine, the virtualized event loop, and the
// three timer collections. post transmits outbound messages under the ring
// the work API was loaded into.
func New(rt core.JSRuntime, loop *reactor.Loop, post ring.PostFunc,
	cpu *timing.CPUTimer, gpuSync *timing.Set, gpuAsync *timing.AsyncTimer,
	throttle time.Duration) *Runner {
	return &Runner{
		rt:       rt,
		loop:     loop,
		post:     post,
		cpu:      cpu,
		gpuSync:  gpuSync,
		gpuAsync: gpuAsync,
		progress: newProgressState(throttle),
	}
}

// workAPIJS installs the work-function-visible surface: progress(), the
// intercepted console, and the work object. The bridge functions are
// captured into the closure at setup time.
const workAPIJS = `
(function() {
	globalThis.__normalizeError = function(e) {
		var out = {};
		function grab(k, f) {
			try {
				var v = f();
				if (v !== undefined && v !== null) out[k] = v;
			} catch (x) {}
		}
		grab('name', function() { return String(e.name); });
		grab('message', function() { return String(e.message); });
		grab('stack', function() { return String(e.stack); });
		grab('code', function() { return e.code === undefined ? undefined : String(e.code); });
		grab('lineNumber', function() { return typeof e.lineNumber === 'number' ? e.lineNumber : undefined; });
		grab('columnNumber', function() { return typeof e.columnNumber === 'number' ? e.columnNumber : undefined; });
		if (!out.name) out.name = 'Error';
		if (!out.message) {
			try { out.message = String(e); } catch (x) { out.message = 'unknown error'; }
		}
		return JSON.stringify(out);
	};

	globalThis.progress = function(value) {
		if (arguments.length === 0 || value === undefined) {
			return __progress(false, '') === 1;
		}
		return __progress(true, String(value)) === 1;
	};

	globalThis.work = {
		emit: function(name, value) {
			__workEmit(String(name), JSON.stringify(value === undefined ? null : value));
		},
		reject: function(reason) {
			__workReject(String(reason));
			var e = new Error(String(reason));
			e.name = 'EWORKREJECT';
			throw e;
		},
		job: { public: {} }
	};

	var levels = ['log', 'debug', 'info', 'warn', 'error'];
	var con = {};
	for (var i = 0; i < levels.length; i++) {
		(function(lvl) {
			con[lvl] = function() {
				var parts = [];
				for (var j = 0; j < arguments.length; j++) {
					var a = arguments[j];
					if (a === undefined) {
						parts.push(null);
						continue;
					}
					try {
						parts.push(JSON.parse(JSON.stringify(a)));
					} catch (e) {
						parts.push(String(a));
					}
				}
				var encoded;
				try {
					encoded = JSON.stringify(parts);
				} catch (e) {
					encoded = '["<unserializable>"]';
				}
				__consoleWrite(lvl, encoded);
			};
		})(levels[i]);
	}
	globalThis.console = con;
})();
`

// Setup registers the Go bridges and evaluates the work API surface.
func (r *Runner) Setup() error {
	if err := r.rt.RegisterFunc("__consoleWrite", r.bridgeConsole); err != nil {
		return fmt.Errorf("registering __consoleWrite: %w", err)
	}
	if err := r.rt.RegisterFunc("__progress", r.bridgeProgress); err != nil {
		return fmt.Errorf("registering __progress: %w", err)
	}
	if err := r.rt.RegisterFunc("__workEmit", r.bridgeEmit); err != nil {
		return fmt.Errorf("registering __workEmit: %w", err)
	}
	if err := r.rt.RegisterFunc("__workReject", r.bridgeReject); err != nil {
		return fmt.Errorf("registering __workReject: %w", err)
	}
	if err := r.rt.Eval(workAPIJS); err != nil {
		return fmt.Errorf("evaluating work API: %w", err)
	}
	return nil
}

// bridgeConsole coalesces an intercepted console call; a broken run of
// identical messages flushes as one console event.
func (r *Runner) bridgeConsole(level, argsJSON string) {
	r.mu.Lock()
	flushed := r.console.write(level, argsJSON)
	r.mu.Unlock()
	if flushed != nil {
		r.post("console", flushed)
	}
}

// bridgeProgress applies the progress contract. Returns 1 while progress
// reporting is live, 0 once it has been permanently disabled. A transmitted
// progress update piggybacks any pending console message.
func (r *Runner) bridgeProgress(hasValue bool, raw string) int {
	r.mu.Lock()
	outcome := r.progress.report(hasValue, raw)
	var piggyback *ConsoleEvent
	if outcome.transmit || outcome.outOfBounds {
		piggyback = r.console.flush()
	}
	r.mu.Unlock()

	if piggyback != nil {
		r.post("console", piggyback)
	}
	if outcome.outOfBounds {
		r.post("noProgress", map[string]string{
			"message": "progress value out of bounds, reporting disabled for this slice",
		})
		return 0
	}
	if outcome.transmit {
		r.post("progress", outcome.event)
	}
	if outcome.accepted {
		return 1
	}
	return 0
}

func (r *Runner) bridgeEmit(name, valueJSON string) {
	r.post("emitEvent", map[string]any{
		"name":  name,
		"value": json.RawMessage(valueJSON),
	})
}

func (r *Runner) bridgeReject(reason string) {
	r.mu.Lock()
	r.rejectReason = &reason
	r.mu.Unlock()
}

// Assign hands the runner a job. The compiled work function source must
// already have been through the work-function compiler; evaluating it sets
// globalThis.__workFunction. Assignment-time public metadata merges into
// the job's metadata in place.
func (r *Runner) Assign(job *core.Job, compiled string, override *core.PublicMeta) error {
	r.mu.Lock()
	if r.state != stateIdle {
		r.mu.Unlock()
		return ErrAlreadyAssigned
	}
	r.state = stateAssigned
	r.job = job
	r.mu.Unlock()

	if override != nil {
		job.Public.Merge(*override)
	}

	if err := r.rt.Eval(compiled); err != nil {
		r.mu.Lock()
		r.state = stateIdle
		r.job = nil
		r.mu.Unlock()
		return fmt.Errorf("evaluating work function: %w", err)
	}

	pub, err := json.Marshal(job.Public)
	if err != nil {
		pub = []byte("{}")
	}
	if err := r.rt.Eval(fmt.Sprintf(`(function() {
		var pub = %s;
		for (var k in pub) work.job.public[k] = pub[k];
	})();`, pub)); err != nil {
		return fmt.Errorf("merging job metadata: %w", err)
	}

	r.post("assigned", map[string]string{"id": job.ID, "address": job.Address})
	return nil
}

// sliceInvokeJS starts the work function and routes settlement into the
// __sliceState/__sliceValue/__sliceError globals the Go side polls.
const sliceInvokeJS = `
(function() {
	delete globalThis.__sliceState;
	delete globalThis.__sliceValue;
	delete globalThis.__sliceError;
	try {
		var result = globalThis.__workFunction.apply(null, globalThis.__sliceArgs);
		Promise.resolve(result).then(
			function(v) {
				globalThis.__sliceValue = JSON.stringify(v === undefined ? null : v);
				globalThis.__sliceState = 'fulfilled';
			},
			function(e) {
				globalThis.__sliceError = __normalizeError(e);
				globalThis.__sliceState = 'rejected';
			}
		);
	} catch (e) {
		globalThis.__sliceError = __normalizeError(e);
		globalThis.__sliceState = 'rejected';
	}
})();
`

// RunSlice invokes the assigned work function with the given input datum.
// All outcomes, including timeouts and engine failures, leave through the
// message channel; the returned error only reports supervisor protocol
// errors (no job assigned, slice already running).
func (r *Runner) RunSlice(datum json.RawMessage, deadline time.Time) error {
	r.mu.Lock()
	if r.job == nil || r.state == stateIdle {
		r.mu.Unlock()
		return ErrNoJob
	}
	if r.state == stateRunning {
		r.mu.Unlock()
		return fmt.Errorf("runner: slice already running")
	}
	r.state = stateRunning
	job := r.job
	r.rejectReason = nil
	r.mu.Unlock()

	defer func() {
		// Stray callbacks must never fire into the next slice's context.
		guard.ClearAllTimers(r.rt, r.loop)
		r.mu.Lock()
		r.state = stateAssigned
		r.mu.Unlock()
	}()

	total := timing.Start()
	main := timing.Start()
	r.cpu.Push(main)

	if err := r.setSliceArgs(job, datum); err != nil {
		r.finishWithError(total, core.WorkError{Name: "Error", Message: err.Error()})
		return nil
	}
	if err := r.rt.Eval(sliceInvokeJS); err != nil {
		r.finishWithError(total, core.WorkError{Name: "Error", Message: err.Error()})
		return nil
	}

	// The synchronous call is done; stop attributing its interval before
	// timers and microtasks take over (they record their own intervals).
	r.cpu.Lock()

	state := r.settle(deadline)

	// Drain pending continuations before timing is finalized. Promise
	// callbacks queued by the last timer must land inside the measurement.
	r.rt.RunMicrotasks()
	r.cpu.Lock()
	total.Stop()

	// Slice end flushes any pending console run.
	r.mu.Lock()
	tail := r.console.flush()
	r.mu.Unlock()
	if tail != nil {
		r.post("console", tail)
	}

	r.postMeasurement(total, deadline)

	switch state {
	case "fulfilled":
		result, err := r.rt.EvalString("globalThis.__sliceValue")
		if err != nil {
			r.post("workError", core.WorkError{Name: "Error", Message: fmt.Sprintf("reading slice result: %v", err)})
			break
		}
		r.post("complete", map[string]any{"result": json.RawMessage(result)})

	case "rejected":
		r.postRejection()

	default: // never settled before the deadline
		r.post("workError", core.WorkError{
			Name:    "TimeoutError",
			Message: "slice did not settle before the deadline",
		})
	}

	r.cleanupSliceGlobals()
	return nil
}

// setSliceArgs stages [datum, ...job.Arguments] for the invocation.
func (r *Runner) setSliceArgs(job *core.Job, datum json.RawMessage) error {
	if len(datum) == 0 {
		datum = json.RawMessage("null")
	}
	args := job.Arguments
	if args == nil {
		args = []any{}
	}
	extra, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshaling job arguments: %w", err)
	}
	js := fmt.Sprintf("globalThis.__sliceArgs = [%s].concat(%s);", datum, extra)
	if err := r.rt.Eval(js); err != nil {
		return fmt.Errorf("staging slice input: %w", err)
	}
	return nil
}

// settle pumps microtasks and the virtualized event loop until the slice
// promise settles or the deadline passes. Returns the settled state, or ""
// on timeout.
func (r *Runner) settle(deadline time.Time) string {
	for {
		r.rt.RunMicrotasks()

		state, err := r.rt.EvalString("globalThis.__sliceState || ''")
		if err == nil && state != "" {
			return state
		}
		if time.Now().After(deadline) {
			return ""
		}

		if r.loop.HasPending() {
			reactor.Drain(r.loop, deadline, r.rt.RunMicrotasks)
			continue
		}

		// No timers and no settlement: only an in-flight async completion
		// can move things forward. Yield briefly rather than spinning.
		time.Sleep(time.Millisecond)
	}
}

// postMeasurement reports total/CPU/GPU timing. Synchronous GPU-proximate
// intervals ran inside measured CPU time, so their overlap-summed total is
// subtracted back out of the CPU bucket.
func (r *Runner) postMeasurement(total *timing.Interval, deadline time.Time) {
	totalDur, err := total.Length()
	if err != nil {
		totalDur = 0
	}
	cpuDur, err := r.cpu.Duration()
	if err != nil {
		cpuDur = 0
	}
	syncDur, err := r.gpuSync.Duration()
	if err != nil {
		syncDur = 0
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	asyncDur, err := r.gpuAsync.Duration(ctx)
	cancel()
	if err != nil {
		asyncDur = 0
	}

	cpuAttributed := cpuDur - syncDur
	if cpuAttributed < 0 {
		cpuAttributed = 0
	}
	r.post("measurement", core.Measurement{
		Total: totalDur,
		CPU:   cpuAttributed,
		GPU:   syncDur + asyncDur,
	})
}

// postRejection distinguishes an explicit work.reject call from an
// ordinary thrown error. Explicit rejection is a measured, expected
// outcome reported under its dedicated error name.
func (r *Runner) postRejection() {
	var we core.WorkError
	raw, err := r.rt.EvalString("globalThis.__sliceError || '{}'")
	if err != nil || json.Unmarshal([]byte(raw), &we) != nil {
		we = core.WorkError{Name: "Error", Message: "unreadable work error"}
	}

	r.mu.Lock()
	reason := r.rejectReason
	r.mu.Unlock()

	if reason != nil || we.Name == core.WorkRejectName {
		msg := we.Message
		if reason != nil {
			msg = *reason
		}
		r.post("workError", core.WorkError{Name: core.WorkRejectName, Message: msg})
		return
	}
	we.Stack = ring.ScrubStack(we.Stack)
	r.post("workError", we)
}

// finishWithError reports a slice that failed before the work function
// could start.
func (r *Runner) finishWithError(total *timing.Interval, we core.WorkError) {
	r.cpu.Lock()
	total.Stop()
	r.post("workError", we)
}

func (r *Runner) cleanupSliceGlobals() {
	_ = r.rt.Eval(`
		delete globalThis.__sliceState;
		delete globalThis.__sliceValue;
		delete globalThis.__sliceError;
		delete globalThis.__sliceArgs;
	`)
}

// Reset returns the runner to Idle for reuse by the next slice: clears
// timers, progress state, console-dedup state, and the job assignment.
func (r *Runner) Reset() {
	guard.ClearAllTimers(r.rt, r.loop)
	r.cpu.Reset()
	r.gpuSync.Reset()
	r.gpuAsync.Reset()

	r.mu.Lock()
	r.state = stateIdle
	r.job = nil
	r.rejectReason = nil
	r.progress.reset()
	r.console.reset()
	r.mu.Unlock()

	_ = r.rt.Eval(`
		delete globalThis.__workFunction;
		work.job.public = {};
	`)
}

// ResetTimers implements the supervisor's resetTimers instruction.
func (r *Runner) ResetTimers() {
	guard.ClearAllTimers(r.rt, r.loop)
}

// Assigned reports whether a job is currently assigned.
func (r *Runner) Assigned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != stateIdle
}
