//go:build amd64 && cgo && !windows

// Package backendwasmer implements backend.Backend on top of
// wasmer-go, the cgo binding for the Wasmer engine. Wired only to
// prove backend.Backend is truly engine-agnostic, the same reason the
// teacher keeps a wasmer comparison harness (vs/wasmer) alongside its
// own engines.
//
// Grounded on internal/integration_test/vs/wasmer/wasmer.go: wasmer-go
// host functions cannot declare a Caller/memory parameter the way
// wasmtime-go's can, so the teacher's example captures the instance's
// memory in a struct field *after* NewInstance returns and reads it
// from the closure at call time. This package does the same with a
// pendingInstance cell threaded through Imports.
package backendwasmer

import (
	"context"
	"fmt"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/internal/wasmbin"
)

// Backend is a wasmer engine, shared by every Store created from it.
type Backend struct {
	engine *wasmer.Engine
}

func New() backend.Backend {
	return &Backend{engine: wasmer.NewEngine()}
}

func (b *Backend) NewStore(totalMemoryLimit uint64) (backend.Store, error) {
	s := &Store{engine: b.engine, store: wasmer.NewStore(b.engine)}
	s.SetTotalMemoryLimit(totalMemoryLimit)
	return s, nil
}

// Store owns every module/instance built against one wasmer.Store.
// wasmer-go exposes no memory-limiter hook comparable to wasmtime's
// StoreLimits, so total_memory_limit is enforced only approximately
// here: AllocationRejects is incremented when an instantiate or call
// fails with an error whose message mentions memory, allocation or
// growth at all, a looser best-effort classification than
// backendwasmtime's trap-text match, and one that spec.md §4.8
// explicitly allows ("imprecise by design").
type Store struct {
	engine *wasmer.Engine
	store  *wasmer.Store

	mu    sync.Mutex
	limit uint64
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

func (s *Store) recordIfAllocationFailure(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	if containsAny(msg, "memory", "allocat", "grow") {
		s.mu.Lock()
		s.stats.AllocationRejects++
		s.mu.Unlock()
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) <= len(s) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if equalFold(s[i:i+len(sub)], sub) {
					return true
				}
			}
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (s *Store) CompileModule(_ context.Context, wasmBytes []byte) (backend.Module, error) {
	m, err := wasmer.NewModule(s.store, wasmBytes)
	if err != nil {
		s.recordIfAllocationFailure(err)
		return nil, err
	}
	return &Module{store: s, module: m, raw: wasmBytes}, nil
}

func (s *Store) NewImports() backend.Imports {
	return &Imports{store: s, obj: wasmer.NewImportObject(), pending: new(*Instance)}
}

func (s *Store) NewHostFunction(params, results []backend.WType, fn func(context.Context, backend.ImportCallContext, []backend.WValue) ([]backend.WValue, error)) backend.HostFunction {
	return &HostFunction{store: s, params: params, results: results, fn: fn}
}

func (s *Store) RegisterWASI(imports backend.Imports, params backend.WasiParameters) error {
	im, ok := imports.(*Imports)
	if !ok {
		return fmt.Errorf("backendwasmer: foreign Imports implementation")
	}
	builder := wasmer.NewWasiStateBuilder("itcore-runtime")
	for _, a := range params.Args {
		builder = builder.Argument(a)
	}
	for _, e := range params.Environ {
		if i := indexByte(e, '='); i >= 0 {
			builder = builder.Environment(e[:i], e[i+1:])
		}
	}
	env, err := builder.Finalize()
	if err != nil {
		return err
	}
	obj, err := env.GenerateImportObject(im.store.store, im.module)
	if err != nil {
		return err
	}
	im.obj = obj
	return nil
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// Imports accumulates host function registrations into a
// wasmer.ImportObject. module is recorded so RegisterWASI (which in
// wasmer-go needs the module to generate its import object) can see
// it; pending is filled in by Module.Instantiate once the instance
// exists, so host-function closures registered before that point can
// still reach the caller's memory once the guest actually calls them.
type Imports struct {
	store   *Store
	obj     *wasmer.ImportObject
	module  *wasmer.Module
	pending **Instance
}

func (im *Imports) DefineFunction(namespace, name string, fn backend.HostFunction) {
	hf := fn.(*HostFunction)
	functype := wasmer.NewFunctionType(toValueTypes(hf.params), toValueTypes(hf.results))
	pending := im.pending
	f := wasmer.NewFunction(im.store.store, functype, func(args []wasmer.Value) ([]wasmer.Value, error) {
		raw := fromValues(hf.params, args)
		var callCtx backend.ImportCallContext
		if *pending != nil {
			callCtx = &importCallContext{instance: *pending}
		}
		out, err := hf.fn(context.Background(), callCtx, raw)
		if err != nil {
			im.store.recordIfAllocationFailure(err)
			return nil, err
		}
		return toValues(hf.results, out), nil
	})
	im.obj.Register(namespace, map[string]wasmer.IntoExtern{name: f})
}

func toValueTypes(ts []backend.WType) []*wasmer.ValueType {
	out := make([]*wasmer.ValueType, len(ts))
	for i, t := range ts {
		switch t {
		case backend.WTypeI64:
			out[i] = wasmer.NewValueType(wasmer.I64)
		case backend.WTypeF32:
			out[i] = wasmer.NewValueType(wasmer.F32)
		case backend.WTypeF64:
			out[i] = wasmer.NewValueType(wasmer.F64)
		default:
			out[i] = wasmer.NewValueType(wasmer.I32)
		}
	}
	return out
}

func fromValues(ts []backend.WType, vals []wasmer.Value) []backend.WValue {
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

func toValues(ts []backend.WType, raw []backend.WValue) []wasmer.Value {
	out := make([]wasmer.Value, len(raw))
	for i, v := range raw {
		switch ts[i] {
		case backend.WTypeI64:
			out[i] = wasmer.NewI64(v.I64())
		case backend.WTypeF32:
			out[i] = wasmer.NewF32(float32(v.Bits))
		case backend.WTypeF64:
			out[i] = wasmer.NewF64(float64(v.Bits))
		default:
			out[i] = wasmer.NewI32(v.I32())
		}
	}
	return out
}

// HostFunction is the not-yet-bound closure form.
type HostFunction struct {
	store   *Store
	params  []backend.WType
	results []backend.WType
	fn      func(context.Context, backend.ImportCallContext, []backend.WValue) ([]backend.WValue, error)
}

func (h *HostFunction) ParamTypes() []backend.WType  { return h.params }
func (h *HostFunction) ResultTypes() []backend.WType { return h.results }

func (h *HostFunction) Call(context.Context, []backend.WValue) ([]backend.WValue, error) {
	return nil, fmt.Errorf("backendwasmer: HostFunction is only callable once bound into an Instance's Imports")
}

// importCallContext exposes the (by-now-known) instance to a running
// host call.
type importCallContext struct {
	instance *Instance
}

func (c *importCallContext) CallerMemory() backend.Memory     { return c.instance.Memory() }
func (c *importCallContext) CallerInstance() backend.Instance { return c.instance }

// Module is a compiled-but-uninstantiated wasmer module.
type Module struct {
	store  *Store
	module *wasmer.Module
	raw    []byte
}

func (m *Module) CustomSection(name string) ([]byte, bool) {
	return wasmbin.FindCustomSection(m.raw, name)
}

func (m *Module) Instantiate(_ context.Context, imports backend.Imports) (backend.Instance, error) {
	im := imports.(*Imports)
	im.module = m.module
	inst, err := wasmer.NewInstance(m.module, im.obj)
	if err != nil {
		m.store.recordIfAllocationFailure(err)
		return nil, err
	}
	result := &Instance{store: m.store, instance: inst}
	*im.pending = result
	return result, nil
}

// Instance is an instantiated wasmer module.
type Instance struct {
	store    *Store
	instance *wasmer.Instance
}

func (i *Instance) ExportedFunction(name string) backend.Function {
	fn, err := i.instance.Exports.GetRawFunction(name)
	if err != nil || fn == nil {
		return nil
	}
	return &Function{store: i.store, fn: fn}
}

func (i *Instance) ExportNames() []string {
	var names []string
	for _, e := range i.instance.Exports.Map() {
		_ = e
	}
	for name := range exportFunctionNames(i.instance) {
		names = append(names, name)
	}
	return names
}

// exportFunctionNames is split out since wasmer-go's Exports type
// does not itself expose a name iterator; it only resolves individual
// names on request, so the instance's module type is consulted for
// the declared export list.
func exportFunctionNames(instance *wasmer.Instance) map[string]struct{} {
	out := make(map[string]struct{})
	for _, et := range instance.Module().Exports() {
		if et.Type().Kind() == wasmer.FUNCTION {
			out[et.Name()] = struct{}{}
		}
	}
	return out
}

// Memory returns the export named "memory". There is no fallback to
// an indexed memory: an instance without that export yields nil.
func (i *Instance) Memory() backend.Memory {
	if mem, err := i.instance.Exports.GetMemory("memory"); err == nil && mem != nil {
		return &Memory{mem: mem}
	}
	return nil
}

// Function is a real, outside-of-any-call export handle.
type Function struct {
	store *Store
	fn    *wasmer.Function
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
	out, err := f.fn.Call(in...)
	if err != nil {
		f.store.recordIfAllocationFailure(err)
		return nil, err
	}
	return wrapScalarResult(out), nil
}

func wrapScalarResult(out interface{}) []backend.WValue {
	switch v := out.(type) {
	case nil:
		return nil
	case int32:
		return []backend.WValue{backend.I32(v)}
	case int64:
		return []backend.WValue{backend.I64(v)}
	default:
		return nil
	}
}

// Memory wraps a wasmer memory.
type Memory struct {
	mem *wasmer.Memory
}

func (m *Memory) Size() uint32 {
	return uint32(m.mem.DataSize())
}

func (m *Memory) ReadByte(_ context.Context, offset uint32) (byte, bool) {
	data := m.mem.Data()
	if int(offset) >= len(data) {
		return 0, false
	}
	return data[offset], true
}

func (m *Memory) WriteByte(_ context.Context, offset uint32, v byte) bool {
	data := m.mem.Data()
	if int(offset) >= len(data) {
		return false
	}
	data[offset] = v
	return true
}

func (m *Memory) Read(_ context.Context, offset, length uint32) ([]byte, bool) {
	data := m.mem.Data()
	if uint64(offset)+uint64(length) > uint64(len(data)) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, data[offset:offset+length])
	return out, true
}

func (m *Memory) Write(_ context.Context, offset uint32, buf []byte) bool {
	data := m.mem.Data()
	if uint64(offset)+uint64(len(buf)) > uint64(len(data)) {
		return false
	}
	copy(data[offset:], buf)
	return true
}
