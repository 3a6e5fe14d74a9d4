package core

// JSRuntime abstracts the JavaScript engine (QuickJS or V8) behind a common
// interface used by the engine-agnostic setup functions in internal/guard
// and the slice machinery in internal/runner.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// Go (T, error) returns are unwrapped: on error the JS wrapper throws
	// a TypeError instead of returning a pair.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context. Basic Go types
	// are auto-converted to JS types.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the engine's microtask queue (promise
	// continuations). V8: PerformMicrotaskCheckpoint; QuickJS:
	// ExecutePendingJob loop. Microtasks always drain before the next
	// virtualized timer fires.
	RunMicrotasks()

	// Interrupt requests termination of any running script. The one call
	// that is safe from outside the sandbox goroutine; used by the slice
	// watchdog.
	Interrupt()
}
