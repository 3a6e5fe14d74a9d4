//go:build !v8

package sandbox

import (
	"github.com/slicework/sandbox/internal/core"
	"github.com/slicework/sandbox/internal/quickjs"
)

// newBackend creates the default QuickJS engine.
func newBackend(cfg core.Config) (Engine, error) {
	return quickjs.New(cfg.MemoryLimitMB)
}
