// Package interp implements the IT adapter interpreter (spec.md §4.1,
// component E): a typed stack machine executing one adapter program to
// lift/lower values across a Wasm module's linear memory boundary.
//
// The machine state mirrors the teacher's wazeroir interpreter
// (internal/engine/interpreter/interpreter.go): an operand stack plus
// a per-run "frame" of context, with CallCore and the memory-crossing
// instructions being the IT-specific analogues of that engine's
// CallCore/memory opcodes. Unlike the teacher's raw-scalar stack
// (`[]uint64`), this stack holds typed api.IValue, since the whole
// point of the IT layer is to carry high-level values across the
// instruction boundary rather than flatten them immediately.
package interp

import (
	"context"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
)

// Env is the per-run execution context threaded through Run: the
// current module's memory and record registry, and a way to dispatch
// CallCore to an export, an import-with-implementation, or one of the
// well-known allocator functions (spec.md §4.1's ALLOCATE_FUNC et al.)
//
// Implementations live in package module, which alone knows how to map
// a function index back to a concrete callable per the numbering
// invariant in spec.md §4.1 ("Function index numbering").
type Env interface {
	Memory() backend.Memory
	Records() *api.RecordRegistry

	// FunctionArity returns the declared input arity of functionIndex,
	// used by CallCore to know how many stack operands to pop before
	// dispatching (spec.md §4.1: "pop inputs in order (count =
	// declared arity of function function_index)").
	FunctionArity(functionIndex uint32) (int, error)

	// CallCore dispatches to the target named by functionIndex with
	// already-popped inputs, in order, and returns its outputs in
	// order. Returning an error here surfaces as
	// *api.CalledFunctionTrappedError to Run's caller.
	CallCore(ctx context.Context, functionIndex uint32, inputs []api.IValue) ([]api.IValue, error)
}
