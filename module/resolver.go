package module

import (
	"context"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
)

// ImportResolver resolves one (namespace, name) import to a single
// backend-callable function (spec.md §4.4). The same handle is
// installed into the guest's raw Imports — so a direct Wasm-level call
// instruction reaches it — and into this module's own CallCore
// numbering space, so its own adapters can reach the import from
// interpreted code too; both paths are the same core-level call.
// Implemented by package linker; declared here, not there, so module
// never imports linker (linker imports module, not the reverse).
// callerRecords is the loading module's own record registry, needed
// when an import's signature mentions a Record type nested in an
// argument (host-import trampolines lift directly against it; the
// cross-module case instead lifts against the *caller's* registry for
// the same reason — a Record id is only meaningful within the module
// that declared it).
type ImportResolver interface {
	ResolveImport(ctx context.Context, namespace, name string, sig api.FunctionSignature, callerRecords *api.RecordRegistry) (backend.HostFunction, error)
}
