package ring

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Request is one inbound supervisor instruction, unmarshaled exactly once
// per message.
type Request struct {
	Request string          `json:"request"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Inbox dispatches inbound supervisor messages to registered listeners.
type Inbox struct {
	mu        sync.Mutex
	listeners []func(Request)
}

// Listen registers a listener for all inbound requests.
func (in *Inbox) Listen(fn func(Request)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.listeners = append(in.listeners, fn)
}

// Dispatch unmarshals raw once and delivers the result to every listener.
// Each listener receives its own copy of the value bytes; inbound data is
// frozen, listeners must never observe another listener's mutations.
func (in *Inbox) Dispatch(raw []byte) error {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("unmarshaling inbound message: %w", err)
	}
	if req.Request == "" {
		return fmt.Errorf("inbound message has no request type")
	}

	in.mu.Lock()
	listeners := make([]func(Request), len(in.listeners))
	copy(listeners, in.listeners)
	in.mu.Unlock()

	for _, fn := range listeners {
		frozen := req
		if req.Value != nil {
			frozen.Value = append(json.RawMessage(nil), req.Value...)
		}
		fn(frozen)
	}
	return nil
}
