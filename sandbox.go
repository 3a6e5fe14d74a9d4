// Package sandbox is the client-side execution environment for distributed
// work functions: a capability-restricted JavaScript scope, a virtualized
// event loop with CPU/GPU time metering, and the ring-tagged message
// protocol the supervisor drives it with.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/slicework/sandbox/internal/core"
	"github.com/slicework/sandbox/internal/guard"
	"github.com/slicework/sandbox/internal/probe"
	"github.com/slicework/sandbox/internal/reactor"
	"github.com/slicework/sandbox/internal/ring"
	"github.com/slicework/sandbox/internal/runner"
	"github.com/slicework/sandbox/internal/timing"
)

// Config is re-exported so embedders do not import internal packages.
type Config = core.Config

// DefaultConfig returns the supervisor-facing defaults.
func DefaultConfig() Config { return core.DefaultConfig() }

// Engine is a JavaScript backend: QuickJS by default, V8 with -tags v8.
type Engine interface {
	core.JSRuntime
	Name() string
	Close()
}

// unblockExprs maps gated capability names to the JS expression written
// through their inert accessor when a requirement enables them.
var unblockExprs = map[string]string{
	"OffscreenCanvas": `(function OffscreenCanvas(width, height) {
		this.width = width; this.height = height;
		this.getContext = function() { return null; };
	})`,
	"GPU": `({ requestAdapter: function() { return Promise.resolve(null); } })`,
}

// navigatorMirrors maps gated capability names to the navigator property
// they also surface on once unblocked.
var navigatorMirrors = map[string]string{
	"GPU": "gpu",
}

// Sandbox is one sandboxed execution environment bound to one supervisor
// channel. Not safe for concurrent use; the engine is single-threaded and
// the supervisor protocol is strictly sequential.
type Sandbox struct {
	ID  string
	cfg Config

	rt   Engine
	ring *ring.Ring
	loop *reactor.Loop

	cpu      *timing.CPUTimer
	gpuSync  *timing.Set
	gpuAsync *timing.AsyncTimer

	runner  *runner.Runner
	caps    core.Capabilities
	desc    guard.AccessDescriptor
	bundles *BundleCache

	booted bool
}

// New creates a sandbox over the build-selected engine and brings it up.
func New(cfg Config, transmit ring.Transmit) (*Sandbox, error) {
	rt, err := newBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	s, err := NewWithEngine(cfg, rt, transmit)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return s, nil
}

// NewWithEngine creates a sandbox over a caller-supplied engine and brings
// it up through the ring-staged loading sequence. Dependency bundles live
// in the configured on-disk cache, or an in-memory one when no path is set.
func NewWithEngine(cfg Config, rt Engine, transmit ring.Transmit) (*Sandbox, error) {
	var bundles *BundleCache
	var err error
	if cfg.BundleCachePath != "" {
		bundles, err = OpenBundleCache(cfg.BundleCachePath)
	} else {
		bundles, err = NewBundleCacheMemory()
	}
	if err != nil {
		return nil, fmt.Errorf("opening bundle cache: %w", err)
	}

	cpu := &timing.CPUTimer{}
	s := &Sandbox{
		ID:       uuid.NewString(),
		cfg:      cfg,
		rt:       rt,
		ring:     ring.New(transmit),
		loop:     reactor.New(cpu),
		cpu:      cpu,
		gpuSync:  &timing.Set{},
		gpuAsync: &timing.AsyncTimer{},
		desc:     guard.DefaultDescriptor(),
		bundles:  bundles,
	}
	if err := s.boot(); err != nil {
		bundles.Close()
		return nil, err
	}
	return s, nil
}

// boot runs the staged bring-up. Each stage loads under its own ring-pinned
// post function and reports scriptLoaded; the final stage transitions the
// ring, installs the work API, and seals further loading. Stage failures
// become failure reports, but a failed wrapper call itself is fatal.
func (s *Sandbox) boot() error {
	if s.booted {
		return fmt.Errorf("sandbox already booted")
	}

	if _, err := s.ring.WrapPostMessage(); err != nil {
		return err
	}

	stages := []struct {
		opts ring.ScriptOptions
		fn   func(protected map[string]any, post ring.PostFunc) error
	}{
		{ring.ScriptOptions{Script: "timer-classes"}, func(_ map[string]any, _ ring.PostFunc) error {
			return guard.SetupTimers(s.rt, s.loop)
		}},
		{ring.ScriptOptions{Script: "platform-polyfills"}, func(_ map[string]any, _ ring.PostFunc) error {
			if err := guard.SetupPolyfills(s.rt); err != nil {
				return err
			}
			return guard.SetupNavigator(s.rt, s.cfg.IdentityUserAgent)
		}},
		{ring.ScriptOptions{Script: "access-control"}, func(_ map[string]any, _ ring.PostFunc) error {
			return guard.SetupAccessControl(s.rt, s.desc)
		}},
		{ring.ScriptOptions{Script: "work-api", RingTransition: true, FinalScript: true}, func(protected map[string]any, post ring.PostFunc) error {
			r := runner.New(s.rt, s.loop, post,
				s.cpu, s.gpuSync, s.gpuAsync,
				time.Duration(s.cfg.ProgressThrottle)*time.Millisecond)
			if err := r.Setup(); err != nil {
				return err
			}
			s.runner = r
			protected["runner"] = r
			return nil
		}},
	}

	for _, stage := range stages {
		if err := s.ring.WrapScriptLoading(stage.opts, stage.fn); err != nil {
			return fmt.Errorf("bring-up stage %s: %w", stage.opts.Script, err)
		}
	}
	if s.runner == nil {
		return fmt.Errorf("work API stage failed, sandbox unusable")
	}

	s.caps = probe.Run(s.rt, s.rt.Name())
	s.booted = true
	return nil
}

// Capabilities returns the one-time feature snapshot taken at bring-up.
func (s *Sandbox) Capabilities() core.Capabilities { return s.caps }

// Bind registers the sandbox as a listener on the inbox.
func (s *Sandbox) Bind(inbox *ring.Inbox) {
	inbox.Listen(s.HandleRequest)
}

type assignPayload struct {
	Job    core.Job         `json:"job"`
	Public *core.PublicMeta `json:"public,omitempty"`
	// Bundles carries dependency sources for cache misses, keyed by the
	// content addresses listed in Job.Dependencies.
	Bundles map[string]string `json:"bundles,omitempty"`
}

type mainPayload struct {
	Datum json.RawMessage `json:"datum"`
}

// HandleRequest dispatches one inbound supervisor instruction. Protocol
// errors are reported on the error channel; work-function failures travel
// their own contract inside the runner.
func (s *Sandbox) HandleRequest(req ring.Request) {
	switch req.Request {
	case "assign":
		s.handleAssign(req.Value)
	case "main":
		s.handleMain(req.Value)
	case "applyRequirements":
		s.handleApplyRequirements(req.Value)
	case "resetState":
		s.runner.Reset()
	case "resetTimers":
		s.runner.ResetTimers()
	case "describe":
		s.ring.Post("capabilities", s.caps)
	case "eval":
		s.handleEval(req.Value)
	default:
		s.postError(fmt.Errorf("unknown request %q", req.Request))
	}
}

func (s *Sandbox) handleAssign(value json.RawMessage) {
	var payload assignPayload
	if err := json.Unmarshal(value, &payload); err != nil {
		s.postError(fmt.Errorf("unmarshaling assign payload: %w", err))
		return
	}

	compiled, err := CompileWorkFunction(payload.Job.WorkFunction, payload.Job.UseStrict, s.cfg.MaxScriptSizeKB)
	if err != nil {
		s.postError(err)
		return
	}
	deps, err := s.resolveDependencies(payload.Job.Dependencies, payload.Bundles)
	if err != nil {
		s.postError(err)
		return
	}
	if err := s.applyRequirements(payload.Job.Requirements); err != nil {
		s.postError(err)
		return
	}
	for i, src := range deps {
		if err := s.rt.Eval(src); err != nil {
			s.postError(fmt.Errorf("evaluating dependency %s: %w", payload.Job.Dependencies[i], err))
			return
		}
	}
	if err := s.runner.Assign(&payload.Job, compiled, payload.Public); err != nil {
		s.postError(err)
	}
}

// resolveDependencies returns the dependency sources in declaration order.
// Each address is served from the bundle cache; a miss falls back to the
// inline bundle from the assign payload, which is cached for reassignment.
// An address satisfiable from neither is a protocol error.
func (s *Sandbox) resolveDependencies(deps []string, inline map[string]string) ([]string, error) {
	ctx := context.Background()
	sources := make([]string, 0, len(deps))
	for _, addr := range deps {
		data, ok, err := s.bundles.Get(ctx, addr)
		if err != nil {
			return nil, err
		}
		if ok {
			sources = append(sources, string(data))
			continue
		}
		src, ok := inline[addr]
		if !ok {
			return nil, fmt.Errorf("dependency %s is not cached and was not provided", addr)
		}
		if err := s.bundles.Put(ctx, addr, []byte(src)); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (s *Sandbox) handleMain(value json.RawMessage) {
	var payload mainPayload
	if len(value) > 0 {
		if err := json.Unmarshal(value, &payload); err != nil {
			// A bare datum is accepted as shorthand.
			payload.Datum = value
		}
	}

	timeout := time.Duration(s.cfg.SliceTimeout) * time.Millisecond
	deadline := time.Now().Add(timeout)

	// The watchdog fires only when the deadline machinery itself is stuck
	// in synchronous JS; the interrupt tears the script down from outside.
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout+5*time.Second, func() {
		timedOut.Store(true)
		s.rt.Interrupt()
	})
	defer watchdog.Stop()

	defer func() {
		if p := recover(); p != nil {
			if timedOut.Load() {
				s.postError(fmt.Errorf("slice terminated by watchdog after %v", timeout))
				return
			}
			s.postError(fmt.Errorf("slice panicked: %v", p))
		}
	}()

	if err := s.runner.RunSlice(payload.Datum, deadline); err != nil {
		s.postError(err)
	}
}

func (s *Sandbox) handleApplyRequirements(value json.RawMessage) {
	var reqs map[string]bool
	if err := json.Unmarshal(value, &reqs); err != nil {
		s.postError(fmt.Errorf("unmarshaling requirements: %w", err))
		return
	}
	if err := s.applyRequirements(reqs); err != nil {
		s.postError(err)
	}
}

// applyRequirements unblocks the gated capabilities named by enabled
// requirement paths. Unknown paths are a protocol error; requirement sets
// are validated supervisor-side before dispatch.
func (s *Sandbox) applyRequirements(reqs map[string]bool) error {
	for path, enabled := range reqs {
		if !enabled {
			continue
		}
		name, ok := s.desc.Requirements[path]
		if !ok {
			return fmt.Errorf("unknown requirement %q", path)
		}
		expr, ok := unblockExprs[name]
		if !ok {
			expr = "undefined"
		}
		if err := guard.Unblock(s.rt, name, expr); err != nil {
			return err
		}
		if prop, ok := navigatorMirrors[name]; ok {
			if err := guard.UnblockNavigator(s.rt, prop, fmt.Sprintf("globalThis[%q]", name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleEval runs supervisor-trusted diagnostic JS. This path exists for
// the supervisor's own probes; work functions never reach it.
func (s *Sandbox) handleEval(value json.RawMessage) {
	var src string
	if err := json.Unmarshal(value, &src); err != nil {
		s.postError(fmt.Errorf("unmarshaling eval payload: %w", err))
		return
	}
	result, err := s.rt.EvalString(src)
	if err != nil {
		s.postError(err)
		return
	}
	s.ring.Post("evalResult", result)
}

func (s *Sandbox) postError(err error) {
	log.Printf("sandbox %s: %v", s.ID, err)
	s.ring.Post("error", map[string]string{"message": err.Error()})
}

// Close releases the engine and the bundle cache.
func (s *Sandbox) Close() {
	s.loop.ClearAll()
	s.rt.Close()
	if s.bundles != nil {
		s.bundles.Close()
	}
}
