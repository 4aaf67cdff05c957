package orchestrator

import (
	"fmt"

	"github.com/itcore/runtime/backend"
)

// HighProbabilityOOMError is the orchestrator's imprecise OOM diagnosis
// (spec.md §4.6 "Memory budget enforcement", §4.8): a call's normal
// error is promoted to this kind when the backend's allocation-reject
// counter is nonzero since the call started. It is a heuristic, not a
// certainty — a Wasm trap caused by allocation failure looks the same
// at the backend boundary as any other trap.
type HighProbabilityOOMError struct {
	Original error
	Stats    backend.AllocationStats
}

func (e *HighProbabilityOOMError) Error() string {
	return fmt.Sprintf("high probability of out-of-memory (allocation_rejects=%d): %v", e.Stats.AllocationRejects, e.Original)
}

func (e *HighProbabilityOOMError) Unwrap() error { return e.Original }

// MemoryStats is the result of module_memory_stats (spec.md §4.6):
// per-module linear-memory size plus the backend's aggregate
// allocation-rejection counters.
type MemoryStats struct {
	PerModuleBytes map[string]uint32
	Allocation     backend.AllocationStats
}
