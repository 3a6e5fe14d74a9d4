// Package ring stages sandbox bring-up through successive trust rings and
// tags every outbound message with the ring that produced it. Ring numbers
// only ever increase over the life of one sandbox instance, so the
// supervisor can validate which bring-up stage a message came from.
package ring

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/slicework/sandbox/internal/core"
)

// Transmit delivers one marshaled envelope to the supervisor channel.
type Transmit func(core.RingMessage)

// PostFunc posts a typed payload under a ring pinned at creation time.
type PostFunc func(msgType string, value any)

// ScriptOptions controls how one bring-up stage is wrapped.
type ScriptOptions struct {
	// Script names the stage in scriptLoaded reports.
	Script string
	// RingTransition bumps the ring counter after the stage's own post
	// function is pinned, so the stage's messages still report under the
	// ring it was loaded into.
	RingTransition bool
	// FinalScript marks the last bring-up stage. After it loads, the
	// wrapper refuses further stages and emits sandboxLoaded.
	FinalScript bool
}

// scriptFailure is the error payload of a failed scriptLoaded report.
type scriptFailure struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

type scriptReport struct {
	ScriptLoaded bool           `json:"scriptLoaded"`
	Script       string         `json:"script"`
	Success      bool           `json:"success,omitempty"`
	Failure      bool           `json:"failure,omitempty"`
	Error        *scriptFailure `json:"error,omitempty"`
}

// Ring owns the monotonic ring counter, the outbound transmit function, and
// the protected storage shared only among trusted bring-up stages.
type Ring struct {
	mu        sync.Mutex
	current   int
	started   bool
	sealed    bool
	transmit  Transmit
	protected map[string]any
}

// New creates a Ring over the given transmit function.
func New(transmit Transmit) *Ring {
	return &Ring{
		transmit:  transmit,
		protected: make(map[string]any),
	}
}

// WrapPostMessage starts the ring machinery at ring 0 and returns the ring-0
// post function. Calling it twice is a trusted-code programming error.
func (r *Ring) WrapPostMessage() (PostFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil, fmt.Errorf("ring: post message already wrapped")
	}
	r.started = true
	return r.pinnedPostLocked(), nil
}

// Current returns the active ring number.
func (r *Ring) Current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Post transmits a payload under the current ring.
func (r *Ring) Post(msgType string, value any) {
	r.mu.Lock()
	post := r.pinnedPostLocked()
	r.mu.Unlock()
	post(msgType, value)
}

// pinnedPostLocked returns a PostFunc whose ring is frozen at the current
// value. Messages sent through it keep reporting that ring even after a
// transition.
func (r *Ring) pinnedPostLocked() PostFunc {
	ring := r.current
	transmit := r.transmit
	return func(msgType string, value any) {
		transmit(Marshal(ring, msgType, value))
	}
}

// WrapScriptLoading runs one bring-up stage. The stage receives the
// closure-private protected storage and the post function pinned to the ring
// it was loaded into. A stage error or panic never propagates: it is
// converted into a failed scriptLoaded report so the supervisor can decide
// whether to discard this sandbox instance.
func (r *Ring) WrapScriptLoading(opts ScriptOptions, fn func(protected map[string]any, post PostFunc) error) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return fmt.Errorf("ring: WrapPostMessage must run before script loading")
	}
	if r.sealed {
		r.mu.Unlock()
		return fmt.Errorf("ring: sandbox already finalized, refusing script %q", opts.Script)
	}
	post := r.pinnedPostLocked()
	if opts.RingTransition {
		r.current++
	}
	protected := r.protected
	r.mu.Unlock()

	err := runStage(fn, protected, post)
	if err != nil {
		post("scriptLoaded", scriptReport{
			ScriptLoaded: true,
			Script:       opts.Script,
			Failure:      true,
			Error:        failureFromError(err),
		})
		return nil
	}

	post("scriptLoaded", scriptReport{
		ScriptLoaded: true,
		Script:       opts.Script,
		Success:      true,
	})

	if opts.FinalScript {
		r.mu.Lock()
		r.sealed = true
		current := r.current
		r.mu.Unlock()
		r.transmit(Marshal(current, "sandboxLoaded", nil))
	}
	return nil
}

// runStage invokes a bring-up stage, converting panics into errors.
func runStage(fn func(map[string]any, PostFunc) error, protected map[string]any, post PostFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage panic: %v", p)
		}
	}()
	return fn(protected, post)
}

// evalMarker matches the embedded-eval source markers engines put in stack
// traces. They leak loader mechanics and are scrubbed before transmission.
var evalMarker = regexp.MustCompile(`(?m)^.*\b(eval (at|code)|<eval>|<anonymous>).*$\n?`)

// ScrubStack removes eval-source markers from a stack trace.
func ScrubStack(stack string) string {
	return strings.TrimRight(evalMarker.ReplaceAllString(stack, ""), "\n")
}

// failureFromError normalizes a stage error for the scriptLoaded report.
func failureFromError(err error) *scriptFailure {
	f := &scriptFailure{Name: "Error", Message: err.Error()}
	var coded interface{ WorkError() core.WorkError }
	if errors.As(err, &coded) {
		we := coded.WorkError()
		f.Name = we.Name
		f.Message = we.Message
		f.Stack = ScrubStack(we.Stack)
	}
	return f
}

// Marshal wraps a payload in a ring-tagged envelope. A payload the JSON
// marshaler cannot transmit falls back to the string-serialized envelope
// rather than being dropped.
func Marshal(ringSource int, msgType string, value any) core.RingMessage {
	msg := core.RingMessage{RingSource: ringSource, Type: msgType}
	if value == nil {
		return msg
	}
	raw, err := json.Marshal(value)
	if err != nil {
		msg.Serialized = true
		msg.Message = fmt.Sprintf("%+v", value)
		return msg
	}
	msg.Value = raw
	return msg
}
