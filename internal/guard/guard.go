// Package guard locks the ambient global execution scope down to an
// approved capability surface before any untrusted code runs, and backfills
// platform APIs the host engine is missing. Setup functions are
// engine-agnostic: they carry embedded JS and talk to the engine through
// core.JSRuntime.
package guard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slicework/sandbox/internal/core"
)

// AccessDescriptor enumerates the capability surface applied to the global
// scope. Block entries always win over allow membership; names absent from
// the allow set become inert accessors that read undefined unless a
// polyfill of that name exists.
type AccessDescriptor struct {
	Allow []string
	Block map[string]bool
	// Polyfills maps global names to JS expressions evaluated once during
	// setup; the resulting values back the inert accessors.
	Polyfills map[string]string
	// Requirements maps a job requirement path to the blocked global it
	// unblocks (e.g. "environment.offscreenCanvas" -> "OffscreenCanvas").
	Requirements map[string]string
}

// DefaultDescriptor returns the capability surface work functions see:
// ECMAScript intrinsics, the virtualized timers, and the measured work API.
func DefaultDescriptor() AccessDescriptor {
	return AccessDescriptor{
		Allow: []string{
			// language intrinsics
			"Object", "Function", "Array", "Number", "Boolean", "String",
			"Symbol", "Date", "Promise", "RegExp", "Proxy", "Reflect",
			"Error", "AggregateError", "EvalError", "RangeError",
			"ReferenceError", "SyntaxError", "TypeError", "URIError",
			"JSON", "Math", "BigInt", "Intl", "globalThis", "undefined",
			"Infinity", "NaN", "eval", "isFinite", "isNaN", "parseFloat",
			"parseInt", "decodeURI", "decodeURIComponent", "encodeURI",
			"encodeURIComponent", "escape", "unescape",
			"ArrayBuffer", "SharedArrayBuffer", "DataView", "Atomics",
			"Int8Array", "Uint8Array", "Uint8ClampedArray", "Int16Array",
			"Uint16Array", "Int32Array", "Uint32Array", "Float32Array",
			"Float64Array", "BigInt64Array", "BigUint64Array",
			"Map", "Set", "WeakMap", "WeakSet", "WeakRef",
			"FinalizationRegistry",
			// virtualized scheduling
			"setTimeout", "clearTimeout", "setInterval", "clearInterval",
			"setImmediate", "clearImmediate", "queueMicrotask",
			"requestAnimationFrame",
			// measured work surface
			"console", "performance", "progress", "work",
			// backfilled platform features
			"atob", "btoa", "TextEncoder", "TextDecoder", "Blob",
			"navigator",
			// internal bridge prefix names are filtered separately
		},
		Block: map[string]bool{
			// GPU-proximate capabilities stay inert until a job's declared
			// requirements explicitly enable them.
			"OffscreenCanvas": true,
			"GPU":             true,
		},
		Polyfills: map[string]string{},
		Requirements: map[string]string{
			"environment.offscreenCanvas": "OffscreenCanvas",
			"environment.gpu":             "GPU",
		},
	}
}

// accessControlJS walks the global object's prototype chain (stopping before
// Object.prototype, since capability-bearing functions may be inherited from
// an intermediate prototype) and replaces every configurable property that
// is not allow-listed with a write-round-trip accessor: reads prior to any
// write see the polyfill or undefined, never the platform value; a written
// value reads back exactly. Allow-listed names in the block map get the
// until-written-undefined accessor, which is how requirement gating
// unblocks a capability later.
const accessControlJS = `
(function() {
	var allow = __GUARD_ALLOW__;
	var block = __GUARD_BLOCK__;
	var polyfills = globalThis.__guardValues || {};

	function makeInert(target, name, usePolyfill) {
		var written = false;
		var stored;
		Object.defineProperty(target, name, {
			configurable: false,
			enumerable: false,
			get: function() {
				if (written) return stored;
				if (usePolyfill && Object.prototype.hasOwnProperty.call(polyfills, name)) {
					return polyfills[name];
				}
				return undefined;
			},
			set: function(v) {
				written = true;
				stored = v;
			}
		});
	}

	function lockdown(target) {
		var names = Object.getOwnPropertyNames(target);
		for (var i = 0; i < names.length; i++) {
			var name = names[i];
			if (name.indexOf('__') === 0) continue;
			var desc = Object.getOwnPropertyDescriptor(target, name);
			if (!desc || !desc.configurable) continue;
			if (block[name]) {
				makeInert(target, name, false);
				continue;
			}
			if (allow[name]) continue;
			makeInert(target, name, true);
		}
	}

	var obj = globalThis;
	while (obj && obj !== Object.prototype) {
		lockdown(obj);
		obj = Object.getPrototypeOf(obj);
	}
})();
`

// SetupAccessControl applies the descriptor's allow/block lists to the
// global scope. Any error while classifying or defining a property is fatal
// to sandbox initialization: a partially locked-down global is a security
// defect, not a recoverable condition.
func SetupAccessControl(rt core.JSRuntime, desc AccessDescriptor) error {
	allow, err := json.Marshal(toSet(desc.Allow))
	if err != nil {
		return fmt.Errorf("marshaling allow set: %w", err)
	}
	block := desc.Block
	if block == nil {
		block = map[string]bool{}
	}
	blockJSON, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("marshaling block map: %w", err)
	}

	js := accessControlJS
	js = strings.ReplaceAll(js, "__GUARD_ALLOW__", string(allow))
	js = strings.ReplaceAll(js, "__GUARD_BLOCK__", string(blockJSON))
	if err := rt.Eval(js); err != nil {
		return fmt.Errorf("applying access lists: %w", err)
	}
	return nil
}

// Unblock writes a value expression through a blocked name's accessor,
// making the capability visible. Called when a job's declared requirements
// enable a gated feature.
func Unblock(rt core.JSRuntime, name, valueExpr string) error {
	if err := rt.Eval(fmt.Sprintf("globalThis[%q] = (%s);", name, valueExpr)); err != nil {
		return fmt.Errorf("unblocking %s: %w", name, err)
	}
	return nil
}

// UnblockNavigator writes a value expression through a curated navigator
// accessor. GPU-proximate capabilities surface on navigator as well as the
// global scope; both the capability probe and work functions look there.
func UnblockNavigator(rt core.JSRuntime, prop, valueExpr string) error {
	if err := rt.Eval(fmt.Sprintf("navigator[%q] = (%s);", prop, valueExpr)); err != nil {
		return fmt.Errorf("unblocking navigator.%s: %w", prop, err)
	}
	return nil
}

// navigatorJS installs the curated navigator surface. The navigator-like
// object is otherwise locked down; only the user agent string and the GPU
// handle are allow-listed, each backed by its own polyfill map.
const navigatorJS = `
(function() {
	var nav = {};
	Object.defineProperty(nav, 'userAgent', {
		configurable: false,
		enumerable: true,
		get: function() { return __GUARD_UA__; }
	});
	var gpuWritten = false;
	var gpuStored;
	Object.defineProperty(nav, 'gpu', {
		configurable: false,
		enumerable: true,
		get: function() { return gpuWritten ? gpuStored : undefined; },
		set: function(v) { gpuWritten = true; gpuStored = v; }
	});
	Object.defineProperty(globalThis, 'navigator', {
		configurable: false,
		enumerable: false,
		writable: false,
		value: nav
	});
})();
`

// SetupNavigator defines the locked-down navigator object.
func SetupNavigator(rt core.JSRuntime, userAgent string) error {
	ua, err := json.Marshal(userAgent)
	if err != nil {
		return fmt.Errorf("marshaling user agent: %w", err)
	}
	if err := rt.Eval(strings.ReplaceAll(navigatorJS, "__GUARD_UA__", string(ua))); err != nil {
		return fmt.Errorf("installing navigator: %w", err)
	}
	return nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
