package sandbox

import (
	"strings"
	"testing"
)

func TestCompileFunctionExpression(t *testing.T) {
	code, err := CompileWorkFunction("function (a, b) { return a + b; }", false, 0)
	if err != nil {
		t.Fatalf("CompileWorkFunction: %v", err)
	}
	if !strings.Contains(code, "globalThis.__workFunction") {
		t.Fatal("compiled output must assign globalThis.__workFunction")
	}
	if strings.Contains(code, `"use strict"`) {
		t.Fatal("strict prelude must not appear unless requested")
	}
}

func TestCompileArrowFunction(t *testing.T) {
	code, err := CompileWorkFunction("(n) => n * 2", false, 0)
	if err != nil {
		t.Fatalf("CompileWorkFunction: %v", err)
	}
	if !strings.Contains(code, "globalThis.__workFunction") {
		t.Fatal("compiled output must assign globalThis.__workFunction")
	}
}

func TestCompileESModule(t *testing.T) {
	src := `
		const scale = 3;
		export default function (n) { return n * scale; }
	`
	code, err := CompileWorkFunction(src, false, 0)
	if err != nil {
		t.Fatalf("CompileWorkFunction: %v", err)
	}
	if !strings.Contains(code, "globalThis.__workFunction") {
		t.Fatal("module default export must become the work function")
	}
}

func TestCompileStrictPrelude(t *testing.T) {
	code, err := CompileWorkFunction("function () {}", true, 0)
	if err != nil {
		t.Fatalf("CompileWorkFunction: %v", err)
	}
	if !strings.Contains(code, `"use strict"`) {
		t.Fatal("useStrict must inject the strict prelude")
	}
}

func TestCompileRejectsBrokenSource(t *testing.T) {
	if _, err := CompileWorkFunction("function ((( {", false, 0); err == nil {
		t.Fatal("expected a compile error")
	}
}

func TestCompileEnforcesSizeLimit(t *testing.T) {
	big := "function () { return '" + strings.Repeat("x", 4096) + "'; }"
	if _, err := CompileWorkFunction(big, false, 1); err == nil {
		t.Fatal("expected a size limit error")
	}
}
