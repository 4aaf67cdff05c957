// Package orchestrator implements the top-level Core (spec.md §4.6,
// component I): it owns the module table, serializes every operation
// behind a weighted semaphore, and wires the built-in host imports
// every loaded module gets for free.
//
// Grounded on the teacher's runtime.runtime (github.com/tetratelabs/wazero):
// a single top-level type holding a Store and a name-keyed module
// table, with load/instantiate/close operations serialized by the
// caller's own goroutine discipline; here that discipline is made
// explicit with a golang.org/x/sync/semaphore.Weighted per spec.md §5's
// "not re-entrant from concurrent tasks on the same runtime object".
package orchestrator

import (
	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/linker"
	"github.com/itcore/runtime/module"
)

// Config is the orchestrator-wide configuration (spec.md §4.6 "new(config)").
type Config struct {
	// TotalMemoryLimit bounds the sum of resident bytes across every
	// loaded module's linear memory; 0 means unlimited.
	TotalMemoryLimit uint64
}

// ModuleConfig is one module's load-time configuration (spec.md §4.6
// "load_module(name, bytes, module_config)").
type ModuleConfig struct {
	LoggerEnabled bool
	LoggingMask   int32

	// HostAPIVersions restricts which of HostImports' versions this
	// module may resolve against; when the map is non-nil, a version
	// present in HostImports but absent (or false) here is not wired
	// into this module's linker. A nil map wires every version.
	HostAPIVersions map[module.HostAPIVersion]bool

	// HostImports supplies the descriptor set for each host-API
	// version this module is allowed to see, keyed by the import name
	// within that version's namespace.
	HostImports map[module.HostAPIVersion]map[string]linker.HostImportDescriptor

	WASI          *backend.WasiParameters
	MinSdkVersion uint32
}
