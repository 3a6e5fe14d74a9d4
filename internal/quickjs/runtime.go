//go:build !v8

// Package quickjs adapts modernc.org/quickjs to the engine interface used by
// the sandbox. It is the default backend; build with -tags v8 for V8.
package quickjs

import (
	"fmt"

	"github.com/slicework/sandbox/internal/core"
	"modernc.org/quickjs"
)

// Runtime implements core.JSRuntime over a QuickJS VM.
type Runtime struct {
	vm *quickjs.VM
}

var _ core.JSRuntime = (*Runtime)(nil)

// New creates a QuickJS VM with the given heap limit. A limit of 0 leaves
// the engine default in place.
func New(memoryLimitMB int) (*Runtime, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(memoryLimitMB) * 1024 * 1024)
	}
	return &Runtime{vm: vm}, nil
}

// Name identifies the backend in the capability report.
func (r *Runtime) Name() string { return "quickjs" }

func (r *Runtime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (r *Runtime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

func (r *Runtime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

func (r *Runtime) EvalInt(js string) (int, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", result)
	}
}

// RegisterFunc registers a Go function as a global JavaScript function.
// The quickjs wrapper surfaces multi-value Go returns as JS arrays, so
// (T, error) results are unwrapped by a JS shim: on error the shim throws
// a TypeError, otherwise the caller sees T directly.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return r.Eval(wrapJS)
}

func (r *Runtime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks drains the QuickJS pending-job queue so promise
// continuations settle. See pump.go for why this needs the C API.
func (r *Runtime) RunMicrotasks() {
	executePendingJobs(r.vm)
}

// Interrupt requests termination of the currently running script. Safe to
// call from the watchdog goroutine.
func (r *Runtime) Interrupt() {
	r.vm.Interrupt()
}

// Close releases the VM.
func (r *Runtime) Close() {
	r.vm.Close()
}
