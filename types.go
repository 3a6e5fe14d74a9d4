package sandbox

import "github.com/slicework/sandbox/internal/core"

// Re-exports for embedders, so the internal packages stay internal.
type (
	Job          = core.Job
	PublicMeta   = core.PublicMeta
	WorkError    = core.WorkError
	Measurement  = core.Measurement
	Capabilities = core.Capabilities
	RingMessage  = core.RingMessage
)

// WorkRejectName is the error name of an explicit work.reject outcome.
const WorkRejectName = core.WorkRejectName
