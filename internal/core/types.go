package core

import (
	"encoding/json"
	"time"
)

// RingMessage is the envelope every outbound message travels in. RingSource
// tags which bring-up stage produced the message; it increases monotonically
// over the life of one sandbox instance and never decreases.
type RingMessage struct {
	RingSource int             `json:"ringSource"`
	Type       string          `json:"type"`
	Value      json.RawMessage `json:"value,omitempty"`
	// Serialized marks the string-envelope fallback used when the value
	// could not be transmitted in structured form.
	Serialized bool   `json:"serialized,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Job describes one unit of remote work: the work function source plus
// everything needed to evaluate and invoke it.
type Job struct {
	ID           string            `json:"id"`
	Address      string            `json:"address"`
	WorkFunction string            `json:"workFunction"`
	Arguments    []any             `json:"arguments"`
	Dependencies []string          `json:"dependencies"`
	RequirePath  string            `json:"requirePath"`
	ModulePath   string            `json:"modulePath"`
	UseStrict    bool              `json:"useStrict"`
	Public       PublicMeta        `json:"public"`
	Requirements map[string]bool   `json:"requirements"`
	Environment  map[string]string `json:"environment"`
}

// PublicMeta is the job's worker-visible metadata. Assignment-time data
// merges into it field by field; the object itself is never re-created.
type PublicMeta struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Link        string `json:"link,omitempty"`
}

// Merge overlays non-empty fields of other onto m.
func (m *PublicMeta) Merge(other PublicMeta) {
	if other.Name != "" {
		m.Name = other.Name
	}
	if other.Description != "" {
		m.Description = other.Description
	}
	if other.Link != "" {
		m.Link = other.Link
	}
}

// WorkError is a work-function exception normalized for transmission.
// Every field is captured defensively; a field whose read failed is left
// at its zero value.
type WorkError struct {
	Name         string `json:"name"`
	Message      string `json:"message"`
	Stack        string `json:"stack,omitempty"`
	Code         string `json:"code,omitempty"`
	LineNumber   int    `json:"lineNumber,omitempty"`
	ColumnNumber int    `json:"columnNumber,omitempty"`
}

// WorkRejectName is the error name reported when the work function calls
// work.reject. An explicit rejection is a measured, expected outcome, not
// a crash.
const WorkRejectName = "EWORKREJECT"

// Measurement is the per-slice timing report: total wall clock plus the
// CPU and GPU attributions from the timer collections.
type Measurement struct {
	Total time.Duration `json:"total"`
	CPU   time.Duration `json:"cpu"`
	GPU   time.Duration `json:"gpu"`
}

// Capabilities is the one-time, immutable feature snapshot of a sandbox
// instance, consumed verbatim by the supervisor.
type Capabilities struct {
	Engine      EngineCaps      `json:"engine"`
	Environment EnvironmentCaps `json:"environment"`
	GPU         GPUCaps         `json:"gpu"`
}

// EngineCaps describes the concrete JS engine.
type EngineCaps struct {
	Name         string `json:"name"`
	StrictMode   bool   `json:"strictMode"`
	MathFidelity bool   `json:"mathFidelity"`
	ES2022       bool   `json:"es2022"`
}

// EnvironmentCaps describes the locked-down global environment.
type EnvironmentCaps struct {
	TextEncoding    bool `json:"textEncoding"`
	Base64          bool `json:"base64"`
	Blob            bool `json:"blob"`
	OffscreenCanvas bool `json:"offscreenCanvas"`
}

// GPUCaps describes GPU availability and the texture-size tier.
type GPUCaps struct {
	Present        bool   `json:"present"`
	AdapterName    string `json:"adapterName,omitempty"`
	MaxTextureTier int    `json:"maxTextureTier"`
}
