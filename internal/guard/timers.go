package guard

import (
	"fmt"
	"time"

	"github.com/slicework/sandbox/internal/core"
	"github.com/slicework/sandbox/internal/reactor"
)

// timersJS installs the virtualized timer surface. Callbacks stay on the JS
// side in __timerCallbacks; Go only tracks scheduling metadata through the
// reactor. String callbacks are compiled through the single legacy shim
// below and nowhere else. queueMicrotask uses the engine's native microtask
// queue and never touches the virtualized timer queue.
const timersJS = `
(function() {
	globalThis.__timerCallbacks = {};

	function asCallable(fn) {
		if (typeof fn === 'function') return fn;
		// Legacy string callbacks evaluate as code in the execution context.
		return new Function(String(fn));
	}

	function register(fn, delay, recurring, extraArgs) {
		var args = [];
		for (var i = 0; i < extraArgs.length; i++) args.push(extraArgs[i]);
		var id = __timerSchedule(Math.max(Math.floor(delay || 0), 0), recurring);
		globalThis.__timerCallbacks[id] = { fn: asCallable(fn), args: args, recurring: recurring };
		return id;
	}

	globalThis.setTimeout = function(fn, delay) {
		if (arguments.length === 0) return 0;
		return register(fn, delay, false, Array.prototype.slice.call(arguments, 2));
	};
	globalThis.setInterval = function(fn, interval) {
		if (arguments.length === 0) return 0;
		return register(fn, interval, true, Array.prototype.slice.call(arguments, 2));
	};
	globalThis.setImmediate = function(fn) {
		if (arguments.length === 0) return 0;
		return register(fn, 0, false, Array.prototype.slice.call(arguments, 1));
	};
	globalThis.clearTimeout = globalThis.clearInterval = globalThis.clearImmediate = function(id) {
		// Handles coerced to primitives still clear by serial number.
		id = Number(id);
		if (!id) return;
		__timerClear(id);
		delete globalThis.__timerCallbacks[id];
	};

	globalThis.queueMicrotask = function(fn) {
		if (typeof fn !== 'function') {
			throw new TypeError('queueMicrotask: argument is not callable');
		}
		Promise.resolve().then(fn);
	};

	globalThis.__fireTimer = function(id) {
		var entry = globalThis.__timerCallbacks[id];
		if (!entry) return;
		if (!entry.recurring) delete globalThis.__timerCallbacks[id];
		entry.fn.apply(null, entry.args || []);
	};
})();
`

// SetupTimers wires the JS timer surface onto the reactor. Firing happens
// from reactor service cycles, which re-enter the engine through
// __fireTimer so the callback runs with its original arguments.
func SetupTimers(rt core.JSRuntime, loop *reactor.Loop) error {
	if err := rt.RegisterFunc("__timerSchedule", func(delayMs int, recurring bool) int {
		delay := time.Duration(delayMs) * time.Millisecond
		var h reactor.Handle
		if recurring {
			h = loop.SetInterval(func() { fireTimer(rt, int(h)) }, delay)
		} else {
			h = loop.SetTimeout(func() { fireTimer(rt, int(h)) }, delay)
		}
		return int(h)
	}); err != nil {
		return fmt.Errorf("registering __timerSchedule: %w", err)
	}

	if err := rt.RegisterFunc("__timerClear", func(id int) {
		loop.Clear(reactor.Handle(id))
	}); err != nil {
		return fmt.Errorf("registering __timerClear: %w", err)
	}

	if err := rt.Eval(timersJS); err != nil {
		return fmt.Errorf("evaluating timers polyfill: %w", err)
	}
	return nil
}

// ClearAllTimers implements the supervisor's resetTimers instruction: it
// empties the reactor and drops the JS-side callback table.
func ClearAllTimers(rt core.JSRuntime, loop *reactor.Loop) {
	loop.ClearAll()
	_ = rt.Eval("globalThis.__timerCallbacks = {};")
}

// fireTimer invokes the JS-side callback for a fired reactor timer.
func fireTimer(rt core.JSRuntime, id int) {
	_ = rt.Eval(fmt.Sprintf("__fireTimer(%d)", id))
}
