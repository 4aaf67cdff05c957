package orchestrator_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/callctx"
	"github.com/itcore/runtime/internal/testing/fakebackend"
	"github.com/itcore/runtime/itsection"
	"github.com/itcore/runtime/linker"
	"github.com/itcore/runtime/module"
	"github.com/itcore/runtime/orchestrator"
	"github.com/itcore/runtime/trampoline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
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

func doubleToken(name string) []byte {
	return fakebackend.NewModule(name).
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
}

func newCore(t *testing.T) (*orchestrator.Core, backend.Store) {
	t.Helper()
	store, err := fakebackend.New().NewStore(0)
	require.NoError(t, err)
	return orchestrator.New(orchestrator.Config{}, store), store
}

func TestLoadCallUnloadLifecycle(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)

	require.NoError(t, core.LoadModule(ctx, "adder", doubleToken("adder"), orchestrator.ModuleConfig{}))

	out, err := core.Call(ctx, "adder", "double", []api.IValue{api.VI32(21)}, callctx.Parameters{InitPeerID: "peer-1"})
	require.NoError(t, err)
	require.Equal(t, []api.IValue{api.VI32(42)}, out)

	require.NoError(t, core.UnloadModule(ctx, "adder"))
	_, err = core.Call(ctx, "adder", "double", []api.IValue{api.VI32(1)}, callctx.Parameters{})
	require.ErrorIs(t, err, api.ErrNoSuchModule)
}

func TestLoadModuleRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)
	require.NoError(t, core.LoadModule(ctx, "adder", doubleToken("adder"), orchestrator.ModuleConfig{}))

	err := core.LoadModule(ctx, "adder", doubleToken("adder2"), orchestrator.ModuleConfig{})
	require.ErrorIs(t, err, api.ErrNonUniqueModuleName)
}

func TestUnloadUnknownModule(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)
	err := core.UnloadModule(ctx, "ghost")
	require.ErrorIs(t, err, api.ErrNoSuchModule)
}

func TestCallUnknownModule(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)
	_, err := core.Call(ctx, "ghost", "double", nil, callctx.Parameters{})
	require.ErrorIs(t, err, api.ErrNoSuchModule)
}

// relaySection imports "adder.double" and forwards straight to it,
// exercising the linker's cross-module composition path end to end
// through the orchestrator.
func relaySection() *itsection.Section {
	sig := itsection.FunctionType{Arguments: []api.ArgumentDef{{Name: "n", Type: api.TI32}}, Outputs: []api.IType{api.TI32}}
	return &itsection.Section{
		Version:     itsection.CurrentVersion,
		Types:       []itsection.FunctionType{sig, sig},
		ExportsList: []itsection.Export{{Name: "relay", TypeIndex: 0}},
		ImportsList: []itsection.Import{{Namespace: "adder", Name: "double", TypeIndex: 1}},
		AdaptersList: []itsection.Adapter{
			{
				TypeIndex: 0,
				Instructions: []itsection.Instruction{
					{Op: itsection.OpArgumentGet, ArgIndex: 0},
					{Op: itsection.OpCallCore, FunctionIndex: 0},
				},
			},
		},
		Implementations: []itsection.Implementation{{AdapterTypeIndex: 1, CoreTypeIndex: 1}},
	}
}

func TestCrossModuleCallThroughLinker(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)
	require.NoError(t, core.LoadModule(ctx, "adder", doubleToken("adder"), orchestrator.ModuleConfig{}))

	token := fakebackend.NewModule("relayer").WithStandardAllocator().WithITSection(relaySection()).Build()
	require.NoError(t, core.LoadModule(ctx, "relayer", token, orchestrator.ModuleConfig{}))

	out, err := core.Call(ctx, "relayer", "relay", []api.IValue{api.VI32(10)}, callctx.Parameters{})
	require.NoError(t, err)
	require.Equal(t, []api.IValue{api.VI32(20)}, out)
}

// echoParamsSection exports "whoAmI" whose adapter calls the built-in
// host import get_call_parameters with no arguments.
func echoParamsSection() *itsection.Section {
	return &itsection.Section{
		Version:     itsection.CurrentVersion,
		Types:       []itsection.FunctionType{{Outputs: []api.IType{api.TString}}, {Outputs: []api.IType{api.TString}}},
		ExportsList: []itsection.Export{{Name: "whoAmI", TypeIndex: 0}},
		ImportsList: []itsection.Import{{Namespace: "host", Name: "get_call_parameters", TypeIndex: 1}},
		AdaptersList: []itsection.Adapter{
			{TypeIndex: 0, Instructions: []itsection.Instruction{{Op: itsection.OpCallCore, FunctionIndex: 0}}},
		},
		Implementations: []itsection.Implementation{{AdapterTypeIndex: 1, CoreTypeIndex: 1}},
	}
}

func TestBuiltinGetCallParameters(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)
	token := fakebackend.NewModule("introspect").WithStandardAllocator().WithITSection(echoParamsSection()).Build()
	require.NoError(t, core.LoadModule(ctx, "introspect", token, orchestrator.ModuleConfig{}))

	params := callctx.Parameters{InitPeerID: "peer-xyz", ParticleID: "particle-1", TTL: 60}
	out, err := core.Call(ctx, "introspect", "whoAmI", nil, params)
	require.NoError(t, err)
	require.Len(t, out, 1)
	got := string(out[0].(api.VString))
	require.Contains(t, got, "init_peer_id=peer-xyz")
	require.Contains(t, got, "particle_id=particle-1")
	require.Contains(t, got, "ttl=60")
}

// logSection exports "announce" whose adapter calls the built-in
// host import log_utf8_string(mask, message).
func logSection() *itsection.Section {
	return &itsection.Section{
		Version: itsection.CurrentVersion,
		Types: []itsection.FunctionType{
			{Arguments: []api.ArgumentDef{{Name: "mask", Type: api.TI32}, {Name: "message", Type: api.TString}}},
			{Arguments: []api.ArgumentDef{{Name: "mask", Type: api.TI32}, {Name: "message", Type: api.TString}}},
		},
		ExportsList: []itsection.Export{{Name: "announce", TypeIndex: 0}},
		ImportsList: []itsection.Import{{Namespace: "host", Name: "log_utf8_string", TypeIndex: 1}},
		AdaptersList: []itsection.Adapter{
			{
				TypeIndex: 0,
				Instructions: []itsection.Instruction{
					{Op: itsection.OpArgumentGet, ArgIndex: 0},
					{Op: itsection.OpArgumentGet, ArgIndex: 1},
					{Op: itsection.OpCallCore, FunctionIndex: 0},
				},
			},
		},
		Implementations: []itsection.Implementation{{AdapterTypeIndex: 1, CoreTypeIndex: 1}},
	}
}

func TestBuiltinLogUTF8String(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)
	cfg := orchestrator.ModuleConfig{LoggerEnabled: true, LoggingMask: -1}
	token := fakebackend.NewModule("logger").WithStandardAllocator().WithITSection(logSection()).Build()
	require.NoError(t, core.LoadModule(ctx, "logger", token, cfg))

	out, err := core.Call(ctx, "logger", "announce", []api.IValue{api.VI32(1), api.VString("hi")}, callctx.Parameters{})
	require.NoError(t, err)
	require.Empty(t, out) // log_utf8_string has no declared outputs
}

func TestInterfaceEnumeratesLoadedModules(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)
	require.NoError(t, core.LoadModule(ctx, "adder", doubleToken("adder"), orchestrator.ModuleConfig{}))

	iface := core.Interface()
	sigs, ok := iface["adder"]
	require.True(t, ok)
	require.Len(t, sigs, 1)
	require.Equal(t, "double", sigs[0].Name)
}

func TestModuleMemoryStatsReportsSizeAndAllocationCounters(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)
	require.NoError(t, core.LoadModule(ctx, "adder", doubleToken("adder"), orchestrator.ModuleConfig{}))

	stats := core.ModuleMemoryStats()
	_, ok := stats.PerModuleBytes["adder"]
	require.True(t, ok)
}

// allocBigSection exports "allocateBig", whose adapter pushes a huge
// (size, type_tag) pair straight at the well-known allocate function
// through CallCore — the one path that actually drives the backend's
// memory budget, unlike double's pure-scalar CallCore.
func allocBigSection() *itsection.Section {
	return &itsection.Section{
		Version:     itsection.CurrentVersion,
		ExportsList: []itsection.Export{{Name: "allocateBig", TypeIndex: 0}},
		Types:       []itsection.FunctionType{{Outputs: []api.IType{api.TI32}}},
		AdaptersList: []itsection.Adapter{
			{
				TypeIndex: 0,
				Instructions: []itsection.Instruction{
					{Op: itsection.OpPushI32, I32Value: 1 << 20},
					{Op: itsection.OpPushI32, I32Value: 0},
					{Op: itsection.OpCallCore, FunctionIndex: itsection.AllocateFuncID},
				},
			},
		},
	}
}

func TestHighProbabilityOOMPromotion(t *testing.T) {
	ctx := context.Background()
	store, err := fakebackend.New().NewStore(1) // near-zero budget: the guest's own allocate call overflows it
	require.NoError(t, err)
	core := orchestrator.New(orchestrator.Config{TotalMemoryLimit: 1}, store)
	token := fakebackend.NewModule("hog").WithStandardAllocator().WithITSection(allocBigSection()).Build()
	require.NoError(t, core.LoadModule(ctx, "hog", token, orchestrator.ModuleConfig{}))

	_, err = core.Call(ctx, "hog", "allocateBig", nil, callctx.Parameters{})
	require.Error(t, err)

	var oom *orchestrator.HighProbabilityOOMError
	require.ErrorAs(t, err, &oom)
	require.Greater(t, oom.Stats.AllocationRejects, uint64(0))
}

func TestCallSerializedUnderConcurrentLoad(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)
	require.NoError(t, core.LoadModule(ctx, "adder", doubleToken("adder"), orchestrator.ModuleConfig{}))

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := core.Call(ctx, "adder", "double", []api.IValue{api.VI32(int32(i))}, callctx.Parameters{})
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestLoadModuleRespectsContextCancellation(t *testing.T) {
	core, _ := newCore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := core.LoadModule(ctx, "adder", doubleToken("adder"), orchestrator.ModuleConfig{})
	require.Error(t, err)
}

func hostGreetDescriptor() linker.HostImportDescriptor {
	return linker.HostImportDescriptor{
		Signature: api.FunctionSignature{
			Name:      "greet",
			Arguments: []api.ArgumentDef{{Name: "s", Type: api.TString}},
			Outputs:   []api.IType{api.TString},
		},
		Closure: func(ctx context.Context, params callctx.Parameters, args []api.IValue) (trampoline.Outcome, error) {
			s := args[0].(api.VString)
			return trampoline.Single(api.VString(strings.ToUpper(string(s)))), nil
		},
	}
}

func shoutSection(namespace string) *itsection.Section {
	sig := itsection.FunctionType{Arguments: []api.ArgumentDef{{Name: "s", Type: api.TString}}, Outputs: []api.IType{api.TString}}
	return &itsection.Section{
		Version:     itsection.CurrentVersion,
		Types:       []itsection.FunctionType{sig, sig},
		ExportsList: []itsection.Export{{Name: "shout", TypeIndex: 0}},
		ImportsList: []itsection.Import{{Namespace: namespace, Name: "greet", TypeIndex: 1}},
		AdaptersList: []itsection.Adapter{
			{
				TypeIndex: 0,
				Instructions: []itsection.Instruction{
					{Op: itsection.OpArgumentGet, ArgIndex: 0},
					{Op: itsection.OpCallCore, FunctionIndex: 0},
				},
			},
		},
		Implementations: []itsection.Implementation{{AdapterTypeIndex: 1, CoreTypeIndex: 1}},
	}
}

func TestUserSuppliedHostImportReachableWhenVersionEnabled(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)

	cfg := orchestrator.ModuleConfig{
		HostImports: map[module.HostAPIVersion]map[string]linker.HostImportDescriptor{
			module.HostAPIV1: {"greet": hostGreetDescriptor()},
		},
		HostAPIVersions: map[module.HostAPIVersion]bool{module.HostAPIV1: true},
	}
	token := fakebackend.NewModule("shouter").WithStandardAllocator().WithITSection(shoutSection(module.HostAPIV1.Namespace())).Build()
	require.NoError(t, core.LoadModule(ctx, "shouter", token, cfg))

	out, err := core.Call(ctx, "shouter", "shout", []api.IValue{api.VString("hi")}, callctx.Parameters{})
	require.NoError(t, err)
	require.Equal(t, []api.IValue{api.VString("HI")}, out)
}

func TestUserSuppliedHostImportNotWiredWhenVersionDisabled(t *testing.T) {
	ctx := context.Background()
	core, _ := newCore(t)

	cfg := orchestrator.ModuleConfig{
		HostImports: map[module.HostAPIVersion]map[string]linker.HostImportDescriptor{
			module.HostAPIV1: {"greet": hostGreetDescriptor()},
		},
		HostAPIVersions: map[module.HostAPIVersion]bool{module.HostAPIV1: false},
	}
	token := fakebackend.NewModule("shouter").WithStandardAllocator().WithITSection(shoutSection(module.HostAPIV1.Namespace())).Build()

	err := core.LoadModule(ctx, "shouter", token, cfg)
	require.Error(t, err)
}
