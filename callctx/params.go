// Package callctx holds the ambient, per-call parameters host imports
// read back out of the running call (spec.md §4.3 step 3, §5 "Shared
// resources"), modeled on the original implementation's
// ParticleParameters.
package callctx

import "sync"

// Parameters is the ambient context threaded into every host-import
// closure alongside its lifted arguments.
type Parameters struct {
	InitPeerID    string
	ParticleID    string
	TokenHash     string
	Timestamp     int64
	TTL           uint32
	CurrentPeerID string
	HostID        string
}

// Slot is the orchestrator's mutex-protected holder for the current
// call's Parameters (spec.md §5 "Shared resources" (ii), "Locking
// discipline"): installed by the orchestrator before dispatching a
// call, read by the built-in get_call_parameters host import, and
// never cleared — the next call's Install simply overwrites it.
type Slot struct {
	mu      sync.Mutex
	current Parameters
}

// Install replaces the current parameters. Called by the orchestrator
// once per top-level call, before the adapter interpreter starts.
func (s *Slot) Install(p Parameters) {
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
}

// Current returns a copy of the currently installed parameters.
func (s *Slot) Current() Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
