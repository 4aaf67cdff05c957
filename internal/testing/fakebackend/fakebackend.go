// Package fakebackend is a deterministic, pure-Go backend.Backend for
// tests. Unlike backendwasmtime/backendwasmer it never compiles real
// Wasm bytecode: a "module" is a token produced by Builder.Build, and
// its raw exports are Go closures authored directly by the test,
// standing in for what a real guest binary's compiled code would do.
// This lets module/linker/orchestrator be exercised deterministically,
// including precise AllocationStats counting, without a cgo engine or
// a real .wasm fixture.
//
// Grounded on the teacher's own internal/testing/<purpose> layout
// (binaryencoding, fs, nodiff, require) for where a test-only support
// package belongs; the fake engine itself has no teacher analogue since
// wazero has no backend seam to fake, so its shape follows only the
// backend.Backend contract it must satisfy.
package fakebackend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/itcore/runtime/backend"
)

// Backend is the fake backend.Backend implementation.
type Backend struct{}

// New returns a fake Backend.
func New() *Backend { return &Backend{} }

func (*Backend) NewStore(totalMemoryLimit uint64) (backend.Store, error) {
	return &Store{limit: totalMemoryLimit}, nil
}

// Store is the fake backend.Store.
type Store struct {
	mu    sync.Mutex
	limit uint64
	used  uint64
	stats backend.AllocationStats
}

func (s *Store) SetTotalMemoryLimit(limit uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
}

func (s *Store) ReportMemoryAllocationStats() backend.AllocationStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Store) ClearAllocationStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = backend.AllocationStats{}
}

// grow charges delta bytes against the store's total budget, counting
// an AllocationRejects if it would exceed the limit.
func (s *Store) grow(delta uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit != 0 && s.used+uint64(delta) > s.limit {
		s.stats.AllocationRejects++
		return false
	}
	s.used += uint64(delta)
	return true
}

func (s *Store) CompileModule(ctx context.Context, wasmBytes []byte) (backend.Module, error) {
	spec, ok := lookupSpec(wasmBytes)
	if !ok {
		return nil, fmt.Errorf("fakebackend: unrecognized module token %q; build it with fakebackend.NewModule(...).Build()", wasmBytes)
	}
	return &Module{spec: spec, store: s}, nil
}

func (s *Store) NewImports() backend.Imports {
	return &Imports{fns: make(map[string]backend.HostFunction)}
}

func (s *Store) NewHostFunction(params, results []backend.WType, fn func(ctx context.Context, callCtx backend.ImportCallContext, args []backend.WValue) ([]backend.WValue, error)) backend.HostFunction {
	return &hostFunction{params: params, results: results, fn: fn}
}

// RegisterWASI is a no-op: no fixture in this test suite exercises
// WASI through the fake backend.
func (s *Store) RegisterWASI(imports backend.Imports, params backend.WasiParameters) error {
	return nil
}

// Imports is the fake backend.Imports registry.
type Imports struct {
	mu  sync.Mutex
	fns map[string]backend.HostFunction
}

func importKey(namespace, name string) string { return namespace + "\x00" + name }

func (i *Imports) DefineFunction(namespace, name string, fn backend.HostFunction) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fns[importKey(namespace, name)] = fn
}

func (i *Imports) lookup(namespace, name string) (backend.HostFunction, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	fn, ok := i.fns[importKey(namespace, name)]
	return fn, ok
}

// hostFunction is the fake backend.HostFunction: it recovers the
// ImportCallContext that CallImport stashed on ctx, since this
// package has no engine-level Caller parameter to thread it through.
type hostFunction struct {
	params, results []backend.WType
	fn              func(ctx context.Context, callCtx backend.ImportCallContext, args []backend.WValue) ([]backend.WValue, error)
}

func (h *hostFunction) ParamTypes() []backend.WType  { return h.params }
func (h *hostFunction) ResultTypes() []backend.WType { return h.results }

func (h *hostFunction) Call(ctx context.Context, args []backend.WValue) ([]backend.WValue, error) {
	return h.fn(ctx, callCtxFrom(ctx), args)
}

type callCtxKey struct{}

func withCallCtx(ctx context.Context, cc backend.ImportCallContext) context.Context {
	return context.WithValue(ctx, callCtxKey{}, cc)
}

func callCtxFrom(ctx context.Context) backend.ImportCallContext {
	cc, _ := ctx.Value(callCtxKey{}).(backend.ImportCallContext)
	return cc
}

type importCallContext struct {
	memory   backend.Memory
	instance backend.Instance
}

func (c importCallContext) CallerMemory() backend.Memory     { return c.memory }
func (c importCallContext) CallerInstance() backend.Instance { return c.instance }

// Module is the fake backend.Module: a compiled-but-not-instantiated
// ModuleSpec.
type Module struct {
	spec  *ModuleSpec
	store *Store
}

func (m *Module) CustomSection(name string) ([]byte, bool) {
	raw, ok := m.spec.customSections[name]
	return raw, ok
}

func (m *Module) Instantiate(ctx context.Context, imports backend.Imports) (backend.Instance, error) {
	im, ok := imports.(*Imports)
	if !ok {
		return nil, fmt.Errorf("fakebackend: Instantiate called with a non-fakebackend Imports")
	}
	inst := &Instance{
		module:  m,
		memory:  newMemory(m.store, m.spec.memoryCapacity),
		imports: im,
		exports: make(map[string]backend.Function, len(m.spec.exports)),
	}
	for name, ef := range m.spec.exports {
		inst.exports[name] = &boundExport{inst: inst, spec: ef}
	}
	return inst, nil
}

// Instance is the fake backend.Instance.
type Instance struct {
	module  *Module
	memory  *Memory
	imports *Imports
	exports map[string]backend.Function

	mu         sync.Mutex
	resultPtr  uint32
	resultSize uint32
}

func (inst *Instance) ExportedFunction(name string) backend.Function {
	fn, ok := inst.exports[name]
	if !ok {
		return nil
	}
	return fn
}

func (inst *Instance) ExportNames() []string {
	names := make([]string, 0, len(inst.exports))
	for n := range inst.exports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (inst *Instance) Memory() backend.Memory { return inst.memory }

// CallImport simulates the module's own compiled code invoking one of
// its resolved imports: it builds the ImportCallContext the real
// trampoline machinery expects (this instance as caller) and installs
// it on ctx for hostFunction.Call to recover.
func (inst *Instance) CallImport(ctx context.Context, namespace, name string, args []backend.WValue) ([]backend.WValue, error) {
	hf, ok := inst.imports.lookup(namespace, name)
	if !ok {
		return nil, fmt.Errorf("fakebackend: no import %s.%s bound", namespace, name)
	}
	cc := importCallContext{memory: inst.memory, instance: inst}
	return hf.Call(withCallCtx(ctx, cc), args)
}

func (inst *Instance) resultState() (ptr, size uint32) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.resultPtr, inst.resultSize
}

// boundExport adapts one ExportFunc to backend.Function.
type boundExport struct {
	inst *Instance
	spec ExportFunc
}

func (b *boundExport) ParamTypes() []backend.WType  { return b.spec.Params }
func (b *boundExport) ResultTypes() []backend.WType { return b.spec.Results }

func (b *boundExport) Call(ctx context.Context, args []backend.WValue) ([]backend.WValue, error) {
	if len(args) != len(b.spec.Params) {
		return nil, fmt.Errorf("fakebackend: export expects %d args, got %d", len(b.spec.Params), len(args))
	}
	return b.spec.Fn(ctx, b.inst, args)
}

// Memory is the fake backend.Memory: a capacity-capped byte slice that
// grows on demand, charging growth against the owning Store's budget.
type Memory struct {
	mu       sync.Mutex
	data     []byte
	capacity uint32
	store    *Store
}

func newMemory(store *Store, capacity uint32) *Memory {
	if capacity == 0 {
		capacity = 1 << 20
	}
	return &Memory{store: store, capacity: capacity}
}

func (m *Memory) Size() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.data))
}

// ensure grows data to at least n bytes; caller holds m.mu.
func (m *Memory) ensure(n uint32) bool {
	if uint32(len(m.data)) >= n {
		return true
	}
	if n > m.capacity {
		return false
	}
	delta := n - uint32(len(m.data))
	if m.store != nil && !m.store.grow(delta) {
		return false
	}
	m.data = append(m.data, make([]byte, delta)...)
	return true
}

func (m *Memory) ReadByte(ctx context.Context, offset uint32) (byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset >= uint32(len(m.data)) {
		return 0, false
	}
	return m.data[offset], true
}

func (m *Memory) WriteByte(ctx context.Context, offset uint32, v byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ensure(offset + 1) {
		return false
	}
	m.data[offset] = v
	return true
}

func (m *Memory) Read(ctx context.Context, offset, length uint32) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + length
	if end < offset || end > uint32(len(m.data)) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, m.data[offset:end])
	return out, true
}

func (m *Memory) Write(ctx context.Context, offset uint32, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + uint32(len(data))
	if end < offset {
		return false
	}
	if !m.ensure(end) {
		return false
	}
	copy(m.data[offset:end], data)
	return true
}

// Alloc bump-allocates size bytes and returns the base offset. The
// allocator never frees: release_objects is a no-op, matching a
// minimal test fixture rather than a real allocator's reuse.
func (m *Memory) Alloc(size uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := uint32(len(m.data))
	if base+size < base {
		return 0, false
	}
	if !m.ensure(base + size) {
		return 0, false
	}
	return base, true
}
