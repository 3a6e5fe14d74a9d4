package runner

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/slicework/sandbox/internal/core"
	"github.com/slicework/sandbox/internal/reactor"
	"github.com/slicework/sandbox/internal/ring"
	"github.com/slicework/sandbox/internal/timing"
)

// fakeRuntime satisfies core.JSRuntime without an engine. EvalString
// answers from a canned response table so slice settlement can be staged.
type fakeRuntime struct {
	evals     []string
	responses map[string]string
	funcs     map[string]any
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		responses: map[string]string{},
		funcs:     map[string]any{},
	}
}

func (f *fakeRuntime) Eval(js string) error {
	f.evals = append(f.evals, js)
	return nil
}

func (f *fakeRuntime) EvalString(js string) (string, error) {
	if v, ok := f.responses[js]; ok {
		return v, nil
	}
	return "", nil
}

func (f *fakeRuntime) EvalBool(js string) (bool, error) { return false, nil }
func (f *fakeRuntime) EvalInt(js string) (int, error)   { return 0, nil }

func (f *fakeRuntime) RegisterFunc(name string, fn any) error {
	f.funcs[name] = fn
	return nil
}

func (f *fakeRuntime) SetGlobal(name string, value any) error { return nil }
func (f *fakeRuntime) RunMicrotasks()                         {}
func (f *fakeRuntime) Interrupt()                             {}

type sentMessage struct {
	typ   string
	value any
}

func newTestRunner(t *testing.T, rt core.JSRuntime) (*Runner, *[]sentMessage) {
	t.Helper()
	var sent []sentMessage
	post := ring.PostFunc(func(msgType string, value any) {
		sent = append(sent, sentMessage{msgType, value})
	})
	cpu := &timing.CPUTimer{}
	r := New(rt, reactor.New(cpu), post, cpu, &timing.Set{}, &timing.AsyncTimer{}, 100*time.Millisecond)
	if err := r.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return r, &sent
}

func messagesOfType(sent []sentMessage, typ string) []sentMessage {
	var out []sentMessage
	for _, m := range sent {
		if m.typ == typ {
			out = append(out, m)
		}
	}
	return out
}

func TestProgressFirstUpdateTransmits(t *testing.T) {
	r, sent := newTestRunner(t, newFakeRuntime())

	if got := r.bridgeProgress(true, "0.5"); got != 1 {
		t.Fatalf("bridgeProgress = %d, want 1", got)
	}
	msgs := messagesOfType(*sent, "progress")
	if len(msgs) != 1 {
		t.Fatalf("got %d progress messages, want 1", len(msgs))
	}
	ev := msgs[0].value.(ProgressEvent)
	if ev.Value != 0.5 || ev.Indeterminate {
		t.Fatalf("event = %+v, want determinate 0.5", ev)
	}
}

func TestProgressThrottleCountsSuppressed(t *testing.T) {
	r, sent := newTestRunner(t, newFakeRuntime())
	now := time.Now()
	r.progress.now = func() time.Time { return now }

	r.bridgeProgress(true, "0.1")
	// Inside the throttle window: accepted but not transmitted.
	now = now.Add(10 * time.Millisecond)
	if got := r.bridgeProgress(true, "0.2"); got != 1 {
		t.Fatalf("throttled update returned %d, want 1", got)
	}
	now = now.Add(20 * time.Millisecond)
	r.bridgeProgress(true, "0.3")

	now = now.Add(200 * time.Millisecond)
	r.bridgeProgress(true, "0.4")

	msgs := messagesOfType(*sent, "progress")
	if len(msgs) != 2 {
		t.Fatalf("got %d progress messages, want 2", len(msgs))
	}
	ev := msgs[1].value.(ProgressEvent)
	if ev.Value != 0.4 || ev.Throttled != 2 {
		t.Fatalf("second event = %+v, want value 0.4 with 2 suppressed", ev)
	}
}

func TestProgressRegressionIsIndeterminate(t *testing.T) {
	r, sent := newTestRunner(t, newFakeRuntime())
	now := time.Now()
	r.progress.now = func() time.Time { return now }

	r.bridgeProgress(true, "0.5")
	now = now.Add(time.Second)
	r.bridgeProgress(true, "0.3")

	msgs := messagesOfType(*sent, "progress")
	if len(msgs) != 2 {
		t.Fatalf("got %d progress messages, want 2", len(msgs))
	}
	ev := msgs[1].value.(ProgressEvent)
	if !ev.Indeterminate {
		t.Fatal("regressing update should be indeterminate")
	}
	if ev.Value != 0.5 {
		t.Fatalf("displayed value = %v, want held at 0.5", ev.Value)
	}
}

func TestProgressOutOfBoundsDisablesPermanently(t *testing.T) {
	for _, raw := range []string{"-5", "1.5", "150%"} {
		t.Run(raw, func(t *testing.T) {
			r, sent := newTestRunner(t, newFakeRuntime())

			if got := r.bridgeProgress(true, raw); got != 0 {
				t.Fatalf("out-of-bounds update returned %d, want 0", got)
			}
			if len(messagesOfType(*sent, "noProgress")) != 1 {
				t.Fatal("expected a noProgress message")
			}

			// Valid values after disable must neither transmit nor succeed.
			if got := r.bridgeProgress(true, "0.5"); got != 0 {
				t.Fatalf("post-disable update returned %d, want 0", got)
			}
			if len(messagesOfType(*sent, "progress")) != 0 {
				t.Fatal("disabled progress must not transmit")
			}
		})
	}
}

func TestProgressPercentString(t *testing.T) {
	r, sent := newTestRunner(t, newFakeRuntime())
	r.bridgeProgress(true, "50%")

	msgs := messagesOfType(*sent, "progress")
	if len(msgs) != 1 {
		t.Fatalf("got %d progress messages, want 1", len(msgs))
	}
	if ev := msgs[0].value.(ProgressEvent); ev.Value != 0.5 {
		t.Fatalf("value = %v, want 0.5", ev.Value)
	}
}

func TestConsoleCoalescesIdenticalRuns(t *testing.T) {
	r, sent := newTestRunner(t, newFakeRuntime())

	r.bridgeConsole("log", `["tick"]`)
	r.bridgeConsole("log", `["tick"]`)
	r.bridgeConsole("log", `["tick"]`)
	r.bridgeConsole("warn", `["other"]`)

	msgs := messagesOfType(*sent, "console")
	if len(msgs) != 1 {
		t.Fatalf("got %d console messages, want 1 flushed run", len(msgs))
	}
	ev := msgs[0].value.(*ConsoleEvent)
	if ev.Level != "log" || ev.Count != 3 {
		t.Fatalf("flushed event = %+v, want log run of 3", ev)
	}
}

func TestConsolePiggybacksOnProgress(t *testing.T) {
	r, sent := newTestRunner(t, newFakeRuntime())

	r.bridgeConsole("info", `["loading"]`)
	r.bridgeProgress(true, "0.25")

	if len(*sent) != 2 {
		t.Fatalf("got %d messages, want console then progress", len(*sent))
	}
	if (*sent)[0].typ != "console" || (*sent)[1].typ != "progress" {
		t.Fatalf("order = %s, %s; want console before progress",
			(*sent)[0].typ, (*sent)[1].typ)
	}
}

func TestAssignRejectsSecondJob(t *testing.T) {
	r, sent := newTestRunner(t, newFakeRuntime())

	if err := r.Assign(&core.Job{ID: "job-1"}, "globalThis.__workFunction = function(){};", nil); err != nil {
		t.Fatalf("first Assign: %v", err)
	}
	if len(messagesOfType(*sent, "assigned")) != 1 {
		t.Fatal("expected an assigned message")
	}
	err := r.Assign(&core.Job{ID: "job-2"}, "", nil)
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("second Assign err = %v, want ErrAlreadyAssigned", err)
	}
}

func TestAssignMergesPublicMetadata(t *testing.T) {
	r, _ := newTestRunner(t, newFakeRuntime())

	job := &core.Job{ID: "job-1", Public: core.PublicMeta{Name: "orig", Link: "https://example.org"}}
	err := r.Assign(job, "globalThis.__workFunction = function(){};",
		&core.PublicMeta{Name: "override"})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if job.Public.Name != "override" {
		t.Fatalf("Name = %q, want override applied", job.Public.Name)
	}
	if job.Public.Link != "https://example.org" {
		t.Fatal("empty override fields must not clobber existing metadata")
	}
}

func TestRunSliceWithoutJob(t *testing.T) {
	r, _ := newTestRunner(t, newFakeRuntime())
	err := r.RunSlice(json.RawMessage("1"), time.Now().Add(time.Second))
	if !errors.Is(err, ErrNoJob) {
		t.Fatalf("err = %v, want ErrNoJob", err)
	}
}

func TestRunSliceFulfilled(t *testing.T) {
	rt := newFakeRuntime()
	rt.responses["globalThis.__sliceState || ''"] = "fulfilled"
	rt.responses["globalThis.__sliceValue"] = "42"
	r, sent := newTestRunner(t, rt)

	if err := r.Assign(&core.Job{ID: "job-1"}, "globalThis.__workFunction = function(d){ return d; };", nil); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := r.RunSlice(json.RawMessage("21"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("RunSlice: %v", err)
	}

	if len(messagesOfType(*sent, "measurement")) != 1 {
		t.Fatal("expected one measurement message")
	}
	msgs := messagesOfType(*sent, "complete")
	if len(msgs) != 1 {
		t.Fatalf("got %d complete messages, want 1", len(msgs))
	}
	result := msgs[0].value.(map[string]any)["result"].(json.RawMessage)
	if string(result) != "42" {
		t.Fatalf("result = %s, want 42", result)
	}

	// Staged arguments must include the datum followed by job arguments.
	var staged bool
	for _, js := range rt.evals {
		if strings.Contains(js, "__sliceArgs = [21]") {
			staged = true
		}
	}
	if !staged {
		t.Fatal("slice datum was not staged as the first argument")
	}
}

func TestRunSliceMeasurementPrecedesOutcome(t *testing.T) {
	rt := newFakeRuntime()
	rt.responses["globalThis.__sliceState || ''"] = "fulfilled"
	rt.responses["globalThis.__sliceValue"] = "null"
	r, sent := newTestRunner(t, rt)

	if err := r.Assign(&core.Job{ID: "job-1"}, "globalThis.__workFunction = function(){};", nil); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := r.RunSlice(nil, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("RunSlice: %v", err)
	}

	var measurementAt, completeAt = -1, -1
	for i, m := range *sent {
		switch m.typ {
		case "measurement":
			measurementAt = i
		case "complete":
			completeAt = i
		}
	}
	if measurementAt == -1 || completeAt == -1 || measurementAt > completeAt {
		t.Fatalf("measurement must precede the outcome (measurement=%d complete=%d)",
			measurementAt, completeAt)
	}
}

func TestRunSliceExplicitRejection(t *testing.T) {
	rt := newFakeRuntime()
	rt.responses["globalThis.__sliceState || ''"] = "rejected"
	rt.responses["globalThis.__sliceError || '{}'"] = `{"name":"EWORKREJECT","message":"input malformed"}`
	r, sent := newTestRunner(t, rt)

	if err := r.Assign(&core.Job{ID: "job-1"}, "globalThis.__workFunction = function(){};", nil); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	r.bridgeReject("input malformed")
	if err := r.RunSlice(nil, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("RunSlice: %v", err)
	}

	msgs := messagesOfType(*sent, "workError")
	if len(msgs) != 1 {
		t.Fatalf("got %d workError messages, want 1", len(msgs))
	}
	we := msgs[0].value.(core.WorkError)
	if we.Name != core.WorkRejectName || we.Message != "input malformed" {
		t.Fatalf("workError = %+v, want %s rejection", we, core.WorkRejectName)
	}
	if len(messagesOfType(*sent, "measurement")) != 1 {
		t.Fatal("rejected slices still report their measurement")
	}
}

func TestRunSliceThrownErrorScrubsStack(t *testing.T) {
	rt := newFakeRuntime()
	rt.responses["globalThis.__sliceState || ''"] = "rejected"
	rt.responses["globalThis.__sliceError || '{}'"] = `{"name":"TypeError","message":"x is not a function","stack":"TypeError: x is not a function\n    at work (<anonymous>)\n    at eval (eval code)"}`
	r, sent := newTestRunner(t, rt)

	if err := r.Assign(&core.Job{ID: "job-1"}, "globalThis.__workFunction = function(){};", nil); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := r.RunSlice(nil, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("RunSlice: %v", err)
	}

	msgs := messagesOfType(*sent, "workError")
	if len(msgs) != 1 {
		t.Fatalf("got %d workError messages, want 1", len(msgs))
	}
	we := msgs[0].value.(core.WorkError)
	if we.Name != "TypeError" {
		t.Fatalf("name = %q, want TypeError", we.Name)
	}
	if strings.Contains(we.Stack, "anonymous") || strings.Contains(we.Stack, "eval") {
		t.Fatalf("stack not scrubbed: %q", we.Stack)
	}
}

func TestRunSliceTimeout(t *testing.T) {
	// No response table entry: the slice never settles.
	r, sent := newTestRunner(t, newFakeRuntime())
	if err := r.Assign(&core.Job{ID: "job-1"}, "globalThis.__workFunction = function(){};", nil); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if err := r.RunSlice(nil, time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("RunSlice: %v", err)
	}

	msgs := messagesOfType(*sent, "workError")
	if len(msgs) != 1 {
		t.Fatalf("got %d workError messages, want 1", len(msgs))
	}
	if we := msgs[0].value.(core.WorkError); we.Name != "TimeoutError" {
		t.Fatalf("name = %q, want TimeoutError", we.Name)
	}
}

func TestResetReturnsRunnerToIdle(t *testing.T) {
	r, _ := newTestRunner(t, newFakeRuntime())
	if err := r.Assign(&core.Job{ID: "job-1"}, "globalThis.__workFunction = function(){};", nil); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	r.bridgeProgress(true, "150") // permanently disables progress
	r.Reset()

	if r.Assigned() {
		t.Fatal("Reset must clear the assignment")
	}
	if err := r.Assign(&core.Job{ID: "job-2"}, "globalThis.__workFunction = function(){};", nil); err != nil {
		t.Fatalf("Assign after Reset: %v", err)
	}
	if got := r.bridgeProgress(true, "0.5"); got != 1 {
		t.Fatal("Reset must re-enable progress reporting")
	}
}
