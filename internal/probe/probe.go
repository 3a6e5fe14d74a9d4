// Package probe computes the one-time capabilities snapshot the supervisor
// uses to decide which job requirements a sandbox instance satisfies. Every
// check is independently fail-soft: an exception in one check degrades that
// check's result to false, never aborts the whole probe. Capabilities are
// probed once, at startup; there are no retries.
package probe

import (
	"strings"

	"github.com/slicework/sandbox/internal/core"
)

// mathFidelityTable holds transcendental-function results compared at 30
// decimal digits. The expected strings are the exact decimal expansions of
// the correctly-rounded IEEE 754 doubles; an engine whose math library
// rounds differently fails the fidelity check.
var mathFidelityTable = []struct {
	expr string
	want string
}{
	{"Math.exp(1)", "2.71828182845904509079559829843"},
	{"Math.log(10)", "2.30258509299404590109361379291"},
	{"Math.sin(1)", "0.841470984807896504875657228695"},
	{"Math.cos(1)", "0.540302305868139765010482733487"},
	{"Math.atan(1)", "0.785398163397448278999490867136"},
	{"Math.sqrt(2)", "1.41421356237309514547462185874"},
	{"Math.tanh(0.5)", "0.462117157260009736585715245383"},
}

// textureTiers buckets the maximum supported texture dimension.
var textureTiers = []int{4096, 8192, 16384}

// Run probes the engine and environment once and returns the immutable
// snapshot. engineName identifies the concrete backend ("quickjs", "v8").
func Run(rt core.JSRuntime, engineName string) core.Capabilities {
	return core.Capabilities{
		Engine: core.EngineCaps{
			Name:         engineName,
			StrictMode:   checkStrictMode(rt),
			MathFidelity: checkMathFidelity(rt),
			ES2022:       checkBool(rt, `typeof Object.hasOwn === 'function' && typeof [].at === 'function'`),
		},
		Environment: core.EnvironmentCaps{
			TextEncoding:    checkBool(rt, `typeof TextEncoder !== 'undefined' && typeof TextDecoder !== 'undefined'`),
			Base64:          checkBool(rt, `typeof atob === 'function' && typeof btoa === 'function'`),
			Blob:            checkBool(rt, `typeof Blob !== 'undefined'`),
			OffscreenCanvas: checkBool(rt, `typeof OffscreenCanvas !== 'undefined'`),
		},
		GPU: probeGPU(rt),
	}
}

// checkStrictMode evaluates a snippet that behaves differently under strict
// and sloppy semantics: assigning to an undeclared identifier throws only
// in strict mode.
func checkStrictMode(rt core.JSRuntime) bool {
	return checkBool(rt, `(function() {
		'use strict';
		try {
			__probe_undeclared_binding = 1;
			return false;
		} catch (e) {
			return true;
		}
	})()`)
}

// checkMathFidelity compares each table entry's 30-digit rendering against
// the expected expansion. All entries must match.
func checkMathFidelity(rt core.JSRuntime) bool {
	for _, entry := range mathFidelityTable {
		got, err := rt.EvalString("(" + entry.expr + ").toPrecision(30)")
		if err != nil {
			return false
		}
		if strings.TrimSpace(got) != entry.want {
			return false
		}
	}
	return true
}

// probeGPU attempts adapter acquisition through the navigator GPU handle.
// Absent or failing acquisition degrades to not-present.
func probeGPU(rt core.JSRuntime) core.GPUCaps {
	caps := core.GPUCaps{}
	if !checkBool(rt, `typeof navigator !== 'undefined' && typeof navigator.gpu !== 'undefined'`) {
		return caps
	}
	name, err := rt.EvalString(`String(navigator.gpu.adapterName || '')`)
	if err != nil {
		return caps
	}
	caps.Present = true
	caps.AdapterName = name
	caps.MaxTextureTier = probeTextureTier(rt)
	return caps
}

// probeTextureTier buckets the maximum offscreen-canvas texture dimension.
func probeTextureTier(rt core.JSRuntime) int {
	if !checkBool(rt, `typeof OffscreenCanvas !== 'undefined'`) {
		return 0
	}
	max, err := rt.EvalInt(`(function() {
		try {
			return Number(navigator.gpu.maxTextureDimension || 0);
		} catch (e) {
			return 0;
		}
	})()`)
	if err != nil {
		return 0
	}
	tier := 0
	for i, limit := range textureTiers {
		if max >= limit {
			tier = i + 1
		}
	}
	return tier
}

// checkBool evaluates a boolean expression fail-soft.
func checkBool(rt core.JSRuntime, expr string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	v, err := rt.EvalBool("!!(" + expr + ")")
	if err != nil {
		return false
	}
	return v
}
