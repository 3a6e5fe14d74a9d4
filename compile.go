package sandbox

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// CompileWorkFunction turns work-function source into a script that assigns
// the callable to globalThis.__workFunction. ES module sources compile down
// to an IIFE onto a private global whose default export is unwrapped; a bare
// function expression is treated as the default export. This is the single
// path by which supervisor-delivered code reaches the engine.
func CompileWorkFunction(source string, useStrict bool, maxSizeKB int) (string, error) {
	input := source
	if !isESModule(source) {
		input = "export default (" + source + ");"
	}

	opts := api.TransformOptions{
		Format:     api.FormatIIFE,
		GlobalName: "globalThis.__workModule",
		Target:     api.ESNext,
	}
	if useStrict {
		opts.Banner = `"use strict";`
	}

	result := api.Transform(input, opts)
	if len(result.Errors) > 0 {
		msgs := api.FormatMessages(result.Errors, api.FormatMessagesOptions{})
		return "", fmt.Errorf("compiling work function: %s", strings.Join(msgs, "; "))
	}

	code := string(result.Code)
	// esbuild places the default export under a .default property when
	// converting ESM to IIFE; unwrap it so the sandbox sees the callable.
	code += `
globalThis.__workFunction = (globalThis.__workModule && globalThis.__workModule.default !== undefined)
	? globalThis.__workModule.default
	: globalThis.__workModule;
delete globalThis.__workModule;
if (typeof globalThis.__workFunction !== 'function') {
	throw new TypeError('work function did not compile to a callable');
}
`

	if maxSizeKB > 0 && len(code) > maxSizeKB*1024 {
		return "", fmt.Errorf("compiled work function is %d bytes, limit %d KB", len(code), maxSizeKB)
	}
	return code, nil
}

// isESModule detects module syntax that must not be wrapped as an
// expression.
func isESModule(source string) bool {
	for _, kw := range []string{"export default", "export {", "export function", "export const", "export let", "export var", "import "} {
		if strings.Contains(source, kw) {
			return true
		}
	}
	return false
}
