package core

// Config holds runtime configuration for one sandbox instance.
type Config struct {
	MemoryLimitMB     int // per-engine memory limit
	SliceTimeout      int // milliseconds before a running slice is terminated
	ProgressThrottle  int // minimum milliseconds between progress transmissions
	MaxScriptSizeKB   int // max compiled work-function size
	BundleCachePath   string
	IdentityUserAgent string // navigator.userAgent exposed to work functions
}

// DefaultConfig mirrors the supervisor-facing defaults.
func DefaultConfig() Config {
	return Config{
		MemoryLimitMB:     256,
		SliceTimeout:      30000,
		ProgressThrottle:  100,
		MaxScriptSizeKB:   4096,
		IdentityUserAgent: "slicework-sandbox/1.0",
	}
}
