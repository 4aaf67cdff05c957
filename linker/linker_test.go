package linker_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/callctx"
	"github.com/itcore/runtime/internal/testing/fakebackend"
	"github.com/itcore/runtime/itsection"
	"github.com/itcore/runtime/linker"
	"github.com/itcore/runtime/memlift"
	"github.com/itcore/runtime/module"
	"github.com/itcore/runtime/trampoline"
)

func readInstalledResult(t *testing.T, ctx context.Context, inst backend.Instance) (uint32, uint32) {
	t.Helper()
	ptrOut, err := inst.ExportedFunction("get_result_ptr").Call(ctx, nil)
	require.NoError(t, err)
	sizeOut, err := inst.ExportedFunction("get_result_size").Call(ctx, nil)
	require.NoError(t, err)
	return ptrOut[0].U32(), sizeOut[0].U32()
}

// noopResolver satisfies module.ImportResolver for fixture modules
// that declare no imports of their own.
type noopResolver struct{}

func (noopResolver) ResolveImport(ctx context.Context, namespace, name string, sig api.FunctionSignature, callerRecords *api.RecordRegistry) (backend.HostFunction, error) {
	return nil, api.ErrNoSuchFunction
}

// fakeLookup is a linker.ModuleLookup whose entries can be replaced to
// simulate unload-then-reload under the same name.
type fakeLookup struct {
	mu    sync.Mutex
	table map[string]struct {
		mod *module.Module
		id  uuid.UUID
	}
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{table: make(map[string]struct {
		mod *module.Module
		id  uuid.UUID
	})}
}

func (f *fakeLookup) set(name string, mod *module.Module, id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table[name] = struct {
		mod *module.Module
		id  uuid.UUID
	}{mod, id}
}

func (f *fakeLookup) unset(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.table, name)
}

func (f *fakeLookup) Lookup(name string) (*module.Module, uuid.UUID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.table[name]
	return e.mod, e.id, ok
}

func doubleSection() *itsection.Section {
	return &itsection.Section{
		Version: itsection.CurrentVersion,
		Types: []itsection.FunctionType{
			{Arguments: []api.ArgumentDef{{Name: "n", Type: api.TI32}}, Outputs: []api.IType{api.TI32}},
		},
		ExportsList: []itsection.Export{{Name: "double", TypeIndex: 0}},
		AdaptersList: []itsection.Adapter{
			{
				TypeIndex: 0,
				Instructions: []itsection.Instruction{
					{Op: itsection.OpArgumentGet, ArgIndex: 0},
					{Op: itsection.OpCallCore, FunctionIndex: 0},
				},
			},
		},
	}
}

func newCalleeModule(t *testing.T, store backend.Store, name string) *module.Module {
	t.Helper()
	token := fakebackend.NewModule(name).
		WithStandardAllocator().
		WithITSection(doubleSection()).
		WithExport("core_double", fakebackend.ExportFunc{
			Params:  []backend.WType{backend.WTypeI32},
			Results: []backend.WType{backend.WTypeI32},
			Fn: func(ctx context.Context, inst *fakebackend.Instance, args []backend.WValue) ([]backend.WValue, error) {
				return []backend.WValue{backend.I32(args[0].I32() * 2)}, nil
			},
		}).
		Build()
	mod, err := module.New(context.Background(), name, token, store, module.Config{}, noopResolver{})
	require.NoError(t, err)
	return mod
}

// setupCaller builds a fixture caller module with one import,
// namespace.name, bound to hf, mirroring how the orchestrator wires a
// resolved import into a freshly instantiated module.
func setupCaller(t *testing.T, store backend.Store, hf backend.HostFunction, namespace, name string) (backend.Instance, func(ctx context.Context, raw []backend.WValue) ([]backend.WValue, error)) {
	t.Helper()
	token := fakebackend.NewModule("caller").WithStandardAllocator().Build()
	compiled, err := store.CompileModule(context.Background(), token)
	require.NoError(t, err)

	imports := store.NewImports()
	imports.DefineFunction(namespace, name, hf)

	inst, err := compiled.Instantiate(context.Background(), imports)
	require.NoError(t, err)

	call := func(ctx context.Context, raw []backend.WValue) ([]backend.WValue, error) {
		type callImporter interface {
			CallImport(ctx context.Context, namespace, name string, args []backend.WValue) ([]backend.WValue, error)
		}
		return inst.(callImporter).CallImport(ctx, namespace, name, raw)
	}
	return inst, call
}

func doubleSig() api.FunctionSignature {
	return api.FunctionSignature{Name: "double", Arguments: []api.ArgumentDef{{Name: "n", Type: api.TI32}}, Outputs: []api.IType{api.TI32}}
}

func TestResolveModuleImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := fakebackend.New().NewStore(0)
	require.NoError(t, err)

	lookup := newFakeLookup()
	callee := newCalleeModule(t, store, "callee")
	lookup.set("callee", callee, uuid.New())

	var slot callctx.Slot
	l := linker.New(store, lookup, &slot, nil)
	hf, err := l.ResolveImport(ctx, "callee", "double", doubleSig(), nil)
	require.NoError(t, err)

	inst, call := setupCaller(t, store, hf, "callee", "double")
	out, err := call(ctx, []backend.WValue{backend.I32(21)})
	require.NoError(t, err)
	require.Empty(t, out) // scalar result is installed via set_result_ptr/size, not returned raw

	ptr, size := readInstalledResult(t, ctx, inst)
	require.EqualValues(t, 4, size)
	raw, ok := inst.Memory().Read(ctx, ptr, size)
	require.True(t, ok)
	got := int32(uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24)
	require.EqualValues(t, 42, got)
}

func TestResolveModuleImportUnknownNamespace(t *testing.T) {
	ctx := context.Background()
	store, _ := fakebackend.New().NewStore(0)
	lookup := newFakeLookup()
	var slot callctx.Slot
	l := linker.New(store, lookup, &slot, nil)

	_, err := l.ResolveImport(ctx, "ghost", "double", doubleSig(), nil)
	require.ErrorIs(t, err, api.ErrNoSuchModule)
}

func TestResolveModuleImportUnknownFunction(t *testing.T) {
	ctx := context.Background()
	store, err := fakebackend.New().NewStore(0)
	require.NoError(t, err)
	lookup := newFakeLookup()
	lookup.set("callee", newCalleeModule(t, store, "callee"), uuid.New())
	var slot callctx.Slot
	l := linker.New(store, lookup, &slot, nil)

	_, err = l.ResolveImport(ctx, "callee", "triple", doubleSig(), nil)
	require.ErrorIs(t, err, api.ErrNoSuchFunction)
}

func TestResolveModuleImportSignatureMismatch(t *testing.T) {
	ctx := context.Background()
	store, err := fakebackend.New().NewStore(0)
	require.NoError(t, err)
	lookup := newFakeLookup()
	lookup.set("callee", newCalleeModule(t, store, "callee"), uuid.New())
	var slot callctx.Slot
	l := linker.New(store, lookup, &slot, nil)

	wantWrong := api.FunctionSignature{
		Name:      "double",
		Arguments: []api.ArgumentDef{{Name: "s", Type: api.TString}},
		Outputs:   []api.IType{api.TI32},
	}
	_, err = l.ResolveImport(ctx, "callee", "double", wantWrong, nil)
	require.ErrorIs(t, err, api.ErrSignatureMismatch)
}

func TestResolveModuleImportFailsAfterReloadUnderSameName(t *testing.T) {
	ctx := context.Background()
	store, err := fakebackend.New().NewStore(0)
	require.NoError(t, err)

	lookup := newFakeLookup()
	calleeA := newCalleeModule(t, store, "callee")
	idA := uuid.New()
	lookup.set("callee", calleeA, idA)

	var slot callctx.Slot
	l := linker.New(store, lookup, &slot, nil)
	hf, err := l.ResolveImport(ctx, "callee", "double", doubleSig(), nil)
	require.NoError(t, err)

	_, call := setupCaller(t, store, hf, "callee", "double")
	_, err = call(ctx, []backend.WValue{backend.I32(5)})
	require.NoError(t, err)

	// Unload and reload a different module under the same name: the
	// trampoline captured idA and must not silently reach calleeB.
	calleeB := newCalleeModule(t, store, "callee")
	lookup.set("callee", calleeB, uuid.New())

	_, err = call(ctx, []backend.WValue{backend.I32(5)})
	var hostErr *api.HostImportError
	require.ErrorAs(t, err, &hostErr)
	require.Contains(t, hostErr.Message, api.ErrNoSuchModule.Error())
}

func TestResolveModuleImportFailsAfterUnload(t *testing.T) {
	ctx := context.Background()
	store, err := fakebackend.New().NewStore(0)
	require.NoError(t, err)

	lookup := newFakeLookup()
	lookup.set("callee", newCalleeModule(t, store, "callee"), uuid.New())

	var slot callctx.Slot
	l := linker.New(store, lookup, &slot, nil)
	hf, err := l.ResolveImport(ctx, "callee", "double", doubleSig(), nil)
	require.NoError(t, err)

	_, call := setupCaller(t, store, hf, "callee", "double")
	lookup.unset("callee")

	_, err = call(ctx, []backend.WValue{backend.I32(5)})
	var hostErr *api.HostImportError
	require.ErrorAs(t, err, &hostErr)
	require.Contains(t, hostErr.Message, api.ErrNoSuchModule.Error())
}

func echoHostDescriptor() linker.HostImportDescriptor {
	return linker.HostImportDescriptor{
		Signature: api.FunctionSignature{
			Name:      "greet",
			Arguments: []api.ArgumentDef{{Name: "s", Type: api.TString}},
			Outputs:   []api.IType{api.TString},
		},
		Closure: func(ctx context.Context, params callctx.Parameters, args []api.IValue) (trampoline.Outcome, error) {
			s := args[0].(api.VString)
			return trampoline.Single(api.VString("hello, " + string(s))), nil
		},
	}
}

func TestResolveHostImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := fakebackend.New().NewStore(0)
	require.NoError(t, err)

	hostImports := map[string]map[string]linker.HostImportDescriptor{
		"host": {"greet": echoHostDescriptor()},
	}
	var slot callctx.Slot
	l := linker.New(store, newFakeLookup(), &slot, hostImports)

	hf, err := l.ResolveImport(ctx, "host", "greet", echoHostDescriptor().Signature, nil)
	require.NoError(t, err)

	inst, call := setupCaller(t, store, hf, "host", "greet")
	mem := inst.Memory()
	require.NoError(t, memlift.LowerString(ctx, mem, 0, "world"))

	_, err = call(ctx, []backend.WValue{backend.U32(0), backend.U32(5)})
	require.NoError(t, err)
}

func TestResolveHostImportUnknownNamespace(t *testing.T) {
	ctx := context.Background()
	store, _ := fakebackend.New().NewStore(0)
	var slot callctx.Slot
	l := linker.New(store, newFakeLookup(), &slot, nil)

	_, err := l.ResolveImport(ctx, "host", "greet", echoHostDescriptor().Signature, nil)
	require.ErrorIs(t, err, api.ErrNoSuchModule)
}

func TestResolveHostImportUnknownFunction(t *testing.T) {
	ctx := context.Background()
	store, _ := fakebackend.New().NewStore(0)
	hostImports := map[string]map[string]linker.HostImportDescriptor{"host": {}}
	var slot callctx.Slot
	l := linker.New(store, newFakeLookup(), &slot, hostImports)

	_, err := l.ResolveImport(ctx, "host", "greet", echoHostDescriptor().Signature, nil)
	require.ErrorIs(t, err, api.ErrNoSuchFunction)
}

func TestResolveHostImportSignatureMismatch(t *testing.T) {
	ctx := context.Background()
	store, _ := fakebackend.New().NewStore(0)
	hostImports := map[string]map[string]linker.HostImportDescriptor{"host": {"greet": echoHostDescriptor()}}
	var slot callctx.Slot
	l := linker.New(store, newFakeLookup(), &slot, hostImports)

	wrong := api.FunctionSignature{Name: "greet", Arguments: []api.ArgumentDef{{Name: "n", Type: api.TI32}}, Outputs: []api.IType{api.TString}}
	_, err := l.ResolveImport(ctx, "host", "greet", wrong, nil)
	require.ErrorIs(t, err, api.ErrSignatureMismatch)
}

func TestMarineNamespacedHostImportIsRecognized(t *testing.T) {
	ctx := context.Background()
	store, _ := fakebackend.New().NewStore(0)
	hostImports := map[string]map[string]linker.HostImportDescriptor{
		"__marine_host_api_v1": {"greet": echoHostDescriptor()},
	}
	var slot callctx.Slot
	l := linker.New(store, newFakeLookup(), &slot, hostImports)

	_, err := l.ResolveImport(ctx, "__marine_host_api_v1", "greet", echoHostDescriptor().Signature, nil)
	require.NoError(t, err)
}
