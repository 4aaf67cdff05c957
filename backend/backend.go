// Package backend defines the narrow capability surface a Wasm engine
// must provide (spec.md §6.1). The core — the IT interpreter, the
// linker, the module and orchestrator layers — depends only on these
// interfaces, never on a concrete Wasm engine. Concrete adapters live
// in sibling packages (backendwasmtime, backendwasmer) and in tests
// (a fake backend exercising the contract without cgo).
//
// This mirrors the adapter-interface pattern used throughout the
// retrieval pack to decouple a high-level runtime from a specific Wasm
// engine (e.g. a runtime.Runtime wrapping wazero, or wapc-go's
// per-engine wazero/wasmer adapters): the core here plays that
// high-level role, and Backend is its engine-facing seam.
package backend

import "context"

// WType is the raw Wasm scalar kind carried on the flattened call
// boundary (the four core Wasm number types), kept separate from api's
// Interface Types so this package never imports api (keeping the dependency graph a DAG:
// backend is as low-level as api).
type WType byte

const (
	WTypeI32 WType = iota
	WTypeI64
	WTypeF32
	WTypeF64
)

func (t WType) String() string {
	switch t {
	case WTypeI32:
		return "i32"
	case WTypeI64:
		return "i64"
	case WTypeF32:
		return "f32"
	case WTypeF64:
		return "f64"
	default:
		return "unknown"
	}
}

// WValue is one raw Wasm scalar, tagged with its WType. All numeric
// values, including f32/f64, are carried in the Bits field using the
// same encoding api.EncodeF32/EncodeF64 use in the teacher runtime:
// float bits are reinterpreted, not converted, so NaN payloads survive
// a round trip.
type WValue struct {
	Type WType
	Bits uint64
}

func I32(v int32) WValue  { return WValue{Type: WTypeI32, Bits: uint64(uint32(v))} }
func U32(v uint32) WValue { return WValue{Type: WTypeI32, Bits: uint64(v)} }
func I64(v int64) WValue  { return WValue{Type: WTypeI64, Bits: uint64(v)} }
func U64(v uint64) WValue { return WValue{Type: WTypeI64, Bits: v} }

func (v WValue) I32() int32  { return int32(uint32(v.Bits)) }
func (v WValue) U32() uint32 { return uint32(v.Bits) }
func (v WValue) I64() int64  { return int64(v.Bits) }
func (v WValue) U64() uint64 { return v.Bits }

// AllocationStats reports backend-level memory-accounting counters,
// reset per call (spec.md §5 "Shared resources", §4.6 memory budget).
type AllocationStats struct {
	// AllocationRejects counts memory.grow (or equivalent host-side
	// alloc) requests denied by the total-memory budget since the
	// last ClearAllocationStats call.
	AllocationRejects uint64
}

// Backend is the abstract Wasm engine contract. A concrete
// implementation wraps a real compiler/executor (wasmtime, wasmer, a
// pure-Go interpreter, ...); the core never constructs Wasm values
// itself, only through this interface.
type Backend interface {
	// NewStore creates a Store bound to this backend. totalMemoryLimit
	// of 0 means unlimited, matching Option<u64> None in the source
	// design (spec.md §4.6).
	NewStore(totalMemoryLimit uint64) (Store, error)
}

// Store owns the Wasm objects (modules, instances, host functions)
// created against one Backend, and carries the total-memory budget
// enforcement state (spec.md §4.6, §6.1).
type Store interface {
	// SetTotalMemoryLimit updates the aggregate budget across every
	// module compiled into this store. 0 means unlimited.
	SetTotalMemoryLimit(limit uint64)

	// ReportMemoryAllocationStats returns the counters accumulated
	// since the last ClearAllocationStats call.
	ReportMemoryAllocationStats() AllocationStats

	// ClearAllocationStats resets the per-call counters; the
	// orchestrator calls this before dispatching each top-level call
	// (spec.md §5, §4.6).
	ClearAllocationStats()

	// CompileModule parses and validates raw Wasm bytes into a Module.
	CompileModule(ctx context.Context, wasmBytes []byte) (Module, error)

	// NewImports creates an empty Imports registry for this store.
	NewImports() Imports

	// NewHostFunction builds a HostFunction backed by closure, whose
	// raw flattened signature is (params, results). The closure
	// receives an ImportCallContext giving it access to the calling
	// instance's memory and exports, mirroring spec.md §4.3 step 4
	// ("the caller's memory, obtained through the active module handle
	// threaded through the interpreter context").
	NewHostFunction(params, results []WType, fn func(ctx context.Context, callCtx ImportCallContext, args []WValue) ([]WValue, error)) HostFunction

	// RegisterWASI installs the backend's WASI implementation into
	// imports for the given parameters. Per spec.md §1 this is
	// consumed only through this registration hook; WASI's internal
	// behavior is out of scope.
	RegisterWASI(imports Imports, params WasiParameters) error
}

// WasiParameters is the minimal shape the core needs to pass through
// to a backend's WASI registration; it deliberately does not model
// WASI's full surface (args, env, preopened dirs) beyond what
// spec.md's Module config requires.
type WasiParameters struct {
	Args    []string
	Environ []string
}

// Imports is a (namespace, name) -> importable-item registry built at
// load time and consumed by Module.Instantiate (spec.md §4.4).
type Imports interface {
	DefineFunction(namespace, name string, fn HostFunction)
}

// Module is a compiled-but-not-yet-instantiated Wasm module.
type Module interface {
	// CustomSection returns the raw bytes of the named custom
	// section, or (nil, false) if absent. The IT section parser
	// (itsection) consumes this to extract the adapter program.
	CustomSection(name string) ([]byte, bool)

	// Instantiate links imports into the module and runs it up to
	// (but not including) any guest start function; the caller is
	// responsible for invoking "_initialize"/"_start" per spec.md
	// §4.5. May suspend (return after an internal await) if the
	// backend's instantiate primitive does.
	Instantiate(ctx context.Context, imports Imports) (Instance, error)
}

// Instance is one instantiated Wasm module.
type Instance interface {
	// ExportedFunction returns a callable for name, or nil if absent.
	ExportedFunction(name string) Function

	// ExportNames lists every function export, for introspection and
	// for locating well-known exports (spec.md §4.1 allocator
	// contract, §3.6).
	ExportNames() []string

	// Memory returns the instance's linear memory, preferring a named
	// "memory" export and falling back to index 0 (spec.md §9 Open
	// Question resolution, SPEC_FULL §4).
	Memory() Memory
}

// Function is a callable raw Wasm export or host-registered import.
type Function interface {
	// ParamTypes and ResultTypes describe the flattened raw signature.
	ParamTypes() []WType
	ResultTypes() []WType

	// Call may suspend and may return a trap error; the caller should
	// wrap a non-nil error as api.RuntimeTrapError if it did not
	// already originate from this package.
	Call(ctx context.Context, args []WValue) ([]WValue, error)
}

// HostFunction is a Function built from a Go closure via
// Store.NewHostFunction, ready to be placed into an Imports registry.
type HostFunction interface {
	Function
}

// ImportCallContext exposes the calling instance's state to a host
// function body while it is running, so trampolines can lower a
// return value into the *caller's* memory through the caller's own
// allocator exports (spec.md §4.3 step 4).
type ImportCallContext interface {
	CallerMemory() Memory
	CallerInstance() Instance
}

// Memory is a view over one instance's linear memory.
type Memory interface {
	Size() uint32 // in bytes

	ReadByte(ctx context.Context, offset uint32) (byte, bool)
	WriteByte(ctx context.Context, offset uint32, v byte) bool

	Read(ctx context.Context, offset, length uint32) ([]byte, bool)
	Write(ctx context.Context, offset uint32, data []byte) bool
}
