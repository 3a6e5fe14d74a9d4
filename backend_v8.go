//go:build v8

package sandbox

import (
	"github.com/slicework/sandbox/internal/core"
	"github.com/slicework/sandbox/internal/v8engine"
)

// newBackend creates the V8 engine (selected with -tags v8).
func newBackend(cfg core.Config) (Engine, error) {
	return v8engine.New(cfg.MemoryLimitMB)
}
