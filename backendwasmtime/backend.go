//go:build amd64 && cgo

// Package backendwasmtime implements backend.Backend on top of
// wasmtime-go, the cgo binding for the Bytecode Alliance's wasmtime
// engine. This is the reference "real" backend (spec.md §6.1) the
// abstract interface is proven against.
//
// Grounded on the teacher's internal/integration_test/vs/wasmtime
// package (vs/wasmtime/wasmtime.go), which wraps the exact same
// library for the teacher's own cross-engine benchmark harness: store
// creation, linker-based import wiring, and the "memory export
// fetched manually after instantiate" pattern wasmtime-go requires
// since host functions can't declare a memory parameter.
package backendwasmtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bytecodealliance/wasmtime-go/v3"

	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/internal/wasmbin"
)

// Backend is a wasmtime-go engine, shared by every Store created from it.
type Backend struct {
	engine *wasmtime.Engine
}

// New builds a wasmtime-backed backend.Backend.
func New() backend.Backend {
	return &Backend{engine: wasmtime.NewEngine()}
}

func (b *Backend) NewStore(totalMemoryLimit uint64) (backend.Store, error) {
	st := wasmtime.NewStore(b.engine)
	s := &Store{engine: b.engine, store: st}
	s.SetTotalMemoryLimit(totalMemoryLimit)
	return s, nil
}

// Store owns every module/instance/host-function built against one
// wasmtime.Store — spec.md §6.1 has one Store host every module an
// orchestrator loads, matching wasmtime's own "a Store may host many
// instances" model.
type Store struct {
	engine *wasmtime.Engine
	store  *wasmtime.Store

	mu    sync.Mutex
	limit uint64
	stats backend.AllocationStats
}

func (s *Store) SetTotalMemoryLimit(limit uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	if limit == 0 {
		return
	}
	// wasmtime-go's limiter caps a single instance's linear memory; the
	// aggregate-across-modules budget spec.md §4.6 describes is instead
	// approximated here by capping each memory at the full budget and
	// relying on recordIfAllocationFailure to count rejected
	// growth attempts system-wide — the same imprecision spec.md §4.8
	// already expects ("Wasm traps from allocation failure are
	// indistinguishable from other traps at the backend interface").
	limits := wasmtime.NewStoreLimitsBuilder().
		MemorySize(uint(limit)).
		Build()
	s.store.Limiter(limits)
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

// recordIfAllocationFailure heuristically attributes err to the
// memory budget by inspecting the trap message wasmtime produces for
// a denied memory.grow, matching spec.md §4.8's documented imprecision.
func (s *Store) recordIfAllocationFailure(err error) {
	if err == nil {
		return
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "resource limit exceeded") || strings.Contains(msg, "out of memory") {
		s.mu.Lock()
		s.stats.AllocationRejects++
		s.mu.Unlock()
	}
}

func (s *Store) CompileModule(_ context.Context, wasmBytes []byte) (backend.Module, error) {
	m, err := wasmtime.NewModule(s.engine, wasmBytes)
	if err != nil {
		s.recordIfAllocationFailure(err)
		return nil, err
	}
	return &Module{store: s, module: m, raw: wasmBytes}, nil
}

func (s *Store) NewImports() backend.Imports {
	return &Imports{linker: wasmtime.NewLinker(s.engine), store: s}
}

func (s *Store) NewHostFunction(params, results []backend.WType, fn func(context.Context, backend.ImportCallContext, []backend.WValue) ([]backend.WValue, error)) backend.HostFunction {
	return &HostFunction{store: s, params: params, results: results, fn: fn}
}

func (s *Store) RegisterWASI(imports backend.Imports, params backend.WasiParameters) error {
	im, ok := imports.(*Imports)
	if !ok {
		return fmt.Errorf("backendwasmtime: foreign Imports implementation")
	}
	cfg := wasmtime.NewWasiConfig()
	cfg.SetArgv(params.Args)
	cfg.SetEnv(envNames(params.Environ), envValues(params.Environ))
	s.store.SetWasi(cfg)
	return im.linker.DefineWasi()
}

func envNames(kv []string) []string {
	out := make([]string, 0, len(kv))
	for _, e := range kv {
		if i := strings.IndexByte(e, '='); i >= 0 {
			out = append(out, e[:i])
		}
	}
	return out
}

func envValues(kv []string) []string {
	out := make([]string, 0, len(kv))
	for _, e := range kv {
		if i := strings.IndexByte(e, '='); i >= 0 {
			out = append(out, e[i+1:])
		}
	}
	return out
}

// Imports accumulates (namespace, name) -> HostFunction bindings into
// a wasmtime.Linker, which doubles as the engine's import-resolution
// mechanism at Instantiate time.
type Imports struct {
	linker *wasmtime.Linker
	store  *Store
}

func (im *Imports) DefineFunction(namespace, name string, fn backend.HostFunction) {
	hf := fn.(*HostFunction)
	params := toValTypes(hf.params)
	results := toValTypes(hf.results)
	funcType := wasmtime.NewFuncType(params, results)

	_ = im.linker.DefineFunc(im.store.store, namespace, name, func(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
		raw := fromVals(hf.params, args)
		callCtx := &importCallContext{caller: caller}
		out, err := hf.fn(context.Background(), callCtx, raw)
		if err != nil {
			im.store.recordIfAllocationFailure(err)
			return nil, wasmtime.NewTrap(err.Error())
		}
		return toVals(hf.results, out), nil
	})
}

func toValTypes(ts []backend.WType) []*wasmtime.ValType {
	out := make([]*wasmtime.ValType, len(ts))
	for i, t := range ts {
		out[i] = wasmtime.NewValType(toWasmtimeKind(t))
	}
	return out
}

func toWasmtimeKind(t backend.WType) wasmtime.ValKind {
	switch t {
	case backend.WTypeI64:
		return wasmtime.KindI64
	case backend.WTypeF32:
		return wasmtime.KindF32
	case backend.WTypeF64:
		return wasmtime.KindF64
	default:
		return wasmtime.KindI32
	}
}

func fromVals(ts []backend.WType, vals []wasmtime.Val) []backend.WValue {
	out := make([]backend.WValue, len(vals))
	for i, v := range vals {
		switch ts[i] {
		case backend.WTypeI64:
			out[i] = backend.I64(v.I64())
		case backend.WTypeF32:
			out[i] = backend.WValue{Type: backend.WTypeF32, Bits: uint64(v.F32())}
		case backend.WTypeF64:
			out[i] = backend.WValue{Type: backend.WTypeF64, Bits: uint64(v.F64())}
		default:
			out[i] = backend.I32(v.I32())
		}
	}
	return out
}

func toVals(ts []backend.WType, raw []backend.WValue) []wasmtime.Val {
	out := make([]wasmtime.Val, len(raw))
	for i, v := range raw {
		switch ts[i] {
		case backend.WTypeI64:
			out[i] = wasmtime.ValI64(v.I64())
		case backend.WTypeF32:
			out[i] = wasmtime.ValF32(float32(v.Bits))
		case backend.WTypeF64:
			out[i] = wasmtime.ValF64(float64(v.Bits))
		default:
			out[i] = wasmtime.ValI32(v.I32())
		}
	}
	return out
}

// HostFunction is the not-yet-bound closure form; DefineFunction binds
// it into a real wasmtime.Func when placed into an Imports registry.
type HostFunction struct {
	store   *Store
	params  []backend.WType
	results []backend.WType
	fn      func(context.Context, backend.ImportCallContext, []backend.WValue) ([]backend.WValue, error)
}

func (h *HostFunction) ParamTypes() []backend.WType  { return h.params }
func (h *HostFunction) ResultTypes() []backend.WType { return h.results }

func (h *HostFunction) Call(ctx context.Context, args []backend.WValue) ([]backend.WValue, error) {
	return nil, fmt.Errorf("backendwasmtime: HostFunction is only callable once bound into an Instance's Imports")
}

// importCallContext adapts a wasmtime.Caller into backend.ImportCallContext.
type importCallContext struct {
	caller *wasmtime.Caller
}

func (c *importCallContext) CallerMemory() backend.Memory {
	ext := c.caller.GetExport("memory")
	if ext == nil {
		return nil
	}
	return &Memory{mem: ext.Memory(), store: c.caller}
}

func (c *importCallContext) CallerInstance() backend.Instance {
	return &callerInstance{caller: c.caller}
}

// callerInstance is the narrow Instance view available from inside a
// running host call (only the exports needed for the allocator
// contract and result channel, spec.md §4.3 step 4).
type callerInstance struct {
	caller *wasmtime.Caller
}

func (c *callerInstance) ExportedFunction(name string) backend.Function {
	ext := c.caller.GetExport(name)
	if ext == nil {
		return nil
	}
	fn := ext.Func()
	if fn == nil {
		return nil
	}
	return &callerFunction{caller: c.caller, fn: fn}
}

func (c *callerInstance) ExportNames() []string { return nil }

func (c *callerInstance) Memory() backend.Memory {
	ext := c.caller.GetExport("memory")
	if ext == nil {
		return nil
	}
	return &Memory{mem: ext.Memory(), store: c.caller}
}

// callerFunction calls an export reached through a Caller handle
// (valid only for the duration of the enclosing host call).
type callerFunction struct {
	caller *wasmtime.Caller
	fn     *wasmtime.Func
}

func (f *callerFunction) ParamTypes() []backend.WType  { return nil }
func (f *callerFunction) ResultTypes() []backend.WType { return nil }

func (f *callerFunction) Call(_ context.Context, args []backend.WValue) ([]backend.WValue, error) {
	in := make([]interface{}, len(args))
	for i, a := range args {
		in[i] = int32(a.I32())
	}
	out, err := f.fn.Call(f.caller, in...)
	if err != nil {
		return nil, err
	}
	return wrapScalarResult(out), nil
}

func wrapScalarResult(out interface{}) []backend.WValue {
	if out == nil {
		return nil
	}
	switch v := out.(type) {
	case int32:
		return []backend.WValue{backend.I32(v)}
	case int64:
		return []backend.WValue{backend.I64(v)}
	case []wasmtime.Val:
		vs := make([]backend.WValue, len(v))
		for i, val := range v {
			vs[i] = backend.I32(val.I32())
		}
		return vs
	default:
		return nil
	}
}

// Module is a compiled-but-uninstantiated wasmtime module.
type Module struct {
	store  *Store
	module *wasmtime.Module
	raw    []byte
}

func (m *Module) CustomSection(name string) ([]byte, bool) {
	return wasmbin.FindCustomSection(m.raw, name)
}

func (m *Module) Instantiate(_ context.Context, imports backend.Imports) (backend.Instance, error) {
	im := imports.(*Imports)
	inst, err := im.linker.Instantiate(m.store.store, m.module)
	if err != nil {
		m.store.recordIfAllocationFailure(err)
		return nil, err
	}
	return &Instance{store: m.store, instance: inst}, nil
}

// Instance is an instantiated wasmtime module, reachable outside of
// any single host call (unlike callerInstance above).
type Instance struct {
	store    *Store
	instance *wasmtime.Instance
}

func (i *Instance) ExportedFunction(name string) backend.Function {
	fn := i.instance.GetFunc(i.store.store, name)
	if fn == nil {
		return nil
	}
	return &Function{store: i.store, fn: fn}
}

func (i *Instance) ExportNames() []string {
	var names []string
	for _, exp := range i.instance.Exports(i.store.store) {
		if exp != nil {
			// wasmtime-go does not expose an export's declared name
			// directly from Extern; names are instead read from the
			// instance type's export list via InstanceType.Exports().
			_ = exp
		}
	}
	for _, exp := range i.instance.Type(i.store.store).Exports() {
		names = append(names, exp.Name())
	}
	return names
}

func (i *Instance) Memory() backend.Memory {
	if mem := i.instance.GetExport(i.store.store, "memory"); mem != nil {
		if m := mem.Memory(); m != nil {
			return &Memory{mem: m, store: i.store.store}
		}
	}
	if mem := i.instance.GetMemoryByIndex(i.store.store, 0); mem != nil {
		return &Memory{mem: mem, store: i.store.store}
	}
	return nil
}

// Function is a real, outside-of-any-call export handle.
type Function struct {
	store *Store
	fn    *wasmtime.Func
}

func (f *Function) ParamTypes() []backend.WType  { return nil }
func (f *Function) ResultTypes() []backend.WType { return nil }

func (f *Function) Call(_ context.Context, args []backend.WValue) ([]backend.WValue, error) {
	in := make([]interface{}, len(args))
	for i, a := range args {
		switch a.Type {
		case backend.WTypeI64:
			in[i] = a.I64()
		case backend.WTypeF32:
			in[i] = float32(a.Bits)
		case backend.WTypeF64:
			in[i] = float64(a.Bits)
		default:
			in[i] = a.I32()
		}
	}
	out, err := f.fn.Call(f.store.store, in...)
	if err != nil {
		f.store.recordIfAllocationFailure(err)
		return nil, err
	}
	return wrapScalarResult(out), nil
}

// Memory wraps a wasmtime memory behind a storelike handle, accepting
// either a *wasmtime.Store or *wasmtime.Caller since both satisfy
// wasmtime.Storelike.
type Memory struct {
	mem   *wasmtime.Memory
	store wasmtime.Storelike
}

func (m *Memory) Size() uint32 {
	return uint32(m.mem.DataSize(m.store))
}

func (m *Memory) ReadByte(_ context.Context, offset uint32) (byte, bool) {
	data := m.mem.UnsafeData(m.store)
	if int(offset) >= len(data) {
		return 0, false
	}
	return data[offset], true
}

func (m *Memory) WriteByte(_ context.Context, offset uint32, v byte) bool {
	data := m.mem.UnsafeData(m.store)
	if int(offset) >= len(data) {
		return false
	}
	data[offset] = v
	return true
}

func (m *Memory) Read(_ context.Context, offset, length uint32) ([]byte, bool) {
	data := m.mem.UnsafeData(m.store)
	if uint64(offset)+uint64(length) > uint64(len(data)) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, data[offset:offset+length])
	return out, true
}

func (m *Memory) Write(_ context.Context, offset uint32, buf []byte) bool {
	data := m.mem.UnsafeData(m.store)
	if uint64(offset)+uint64(len(buf)) > uint64(len(data)) {
		return false
	}
	copy(data[offset:], buf)
	return true
}
