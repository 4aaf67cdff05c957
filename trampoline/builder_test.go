package trampoline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/callctx"
	"github.com/itcore/runtime/internal/testing/fakebackend"
	"github.com/itcore/runtime/memlift"
	"github.com/itcore/runtime/trampoline"
)

// setup builds a fixture "caller" module (the standard allocator
// contract only) with one import, "host.fn", bound to hf, and returns
// its instantiated Instance. Tests invoke the import as the module's
// own compiled code would: through Instance.CallImport.
func setup(t *testing.T, sig api.FunctionSignature, closure trampoline.Closure, slot *callctx.Slot) (backend.Instance, func(ctx context.Context, raw []backend.WValue) ([]backend.WValue, error)) {
	t.Helper()
	store, err := fakebackend.New().NewStore(0)
	require.NoError(t, err)
	token := fakebackend.NewModule("caller").WithStandardAllocator().Build()
	compiled, err := store.CompileModule(context.Background(), token)
	require.NoError(t, err)

	imports := store.NewImports()
	hf := trampoline.Build(store, sig, nil, slot, closure)
	imports.DefineFunction("host", "fn", hf)

	inst, err := compiled.Instantiate(context.Background(), imports)
	require.NoError(t, err)

	call := func(ctx context.Context, raw []backend.WValue) ([]backend.WValue, error) {
		type callImporter interface {
			CallImport(ctx context.Context, namespace, name string, args []backend.WValue) ([]backend.WValue, error)
		}
		return inst.(callImporter).CallImport(ctx, "host", "fn", raw)
	}
	return inst, call
}

func readInstalledResult(t *testing.T, ctx context.Context, inst backend.Instance) (uint32, uint32) {
	t.Helper()
	ptrFn := inst.ExportedFunction("get_result_ptr")
	sizeFn := inst.ExportedFunction("get_result_size")
	require.NotNil(t, ptrFn)
	require.NotNil(t, sizeFn)
	ptrOut, err := ptrFn.Call(ctx, nil)
	require.NoError(t, err)
	sizeOut, err := sizeFn.Call(ctx, nil)
	require.NoError(t, err)
	return ptrOut[0].U32(), sizeOut[0].U32()
}

func TestBuildLiftsStringArgAndLowersStringResult(t *testing.T) {
	ctx := context.Background()
	sig := api.FunctionSignature{
		Name:      "echo",
		Arguments: []api.ArgumentDef{{Name: "s", Type: api.TString}},
		Outputs:   []api.IType{api.TString},
	}
	var slot callctx.Slot
	slot.Install(callctx.Parameters{InitPeerID: "peer-1"})

	var gotParams callctx.Parameters
	inst, call := setup(t, sig, func(ctx context.Context, params callctx.Parameters, args []api.IValue) (trampoline.Outcome, error) {
		gotParams = params
		s := args[0].(api.VString)
		return trampoline.Single(api.VString(string(s) + "!")), nil
	}, &slot)

	mem := inst.Memory()
	require.NoError(t, memlift.LowerString(ctx, mem, 0, "hi"))

	results, err := call(ctx, []backend.WValue{backend.U32(0), backend.U32(2)})
	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, "peer-1", gotParams.InitPeerID)

	ptr, size := readInstalledResult(t, ctx, inst)
	got, err := memlift.LiftString(ctx, mem, ptr, size)
	require.NoError(t, err)
	require.Equal(t, "hi!", got)
}

func TestBuildVoidOutcomeInstallsNothing(t *testing.T) {
	ctx := context.Background()
	sig := api.FunctionSignature{Name: "notify", Arguments: []api.ArgumentDef{{Name: "n", Type: api.TI32}}}
	var slot callctx.Slot
	inst, call := setup(t, sig, func(ctx context.Context, params callctx.Parameters, args []api.IValue) (trampoline.Outcome, error) {
		return trampoline.Void(), nil
	}, &slot)
	results, err := call(ctx, []backend.WValue{backend.I32(7)})
	require.NoError(t, err)
	require.Empty(t, results)

	ptr, size := readInstalledResult(t, ctx, inst)
	require.Zero(t, ptr)
	require.Zero(t, size)
}

func TestBuildFailedOutcomeSurfacesAsHostImportError(t *testing.T) {
	ctx := context.Background()
	sig := api.FunctionSignature{Name: "boom"}
	var slot callctx.Slot
	_, call := setup(t, sig, func(ctx context.Context, params callctx.Parameters, args []api.IValue) (trampoline.Outcome, error) {
		return trampoline.Failed("guest asked for the impossible"), nil
	}, &slot)
	_, err := call(ctx, nil)
	var hostErr *api.HostImportError
	require.ErrorAs(t, err, &hostErr)
}

func TestBuildClosureGoErrorAlsoSurfacesAsHostImportError(t *testing.T) {
	ctx := context.Background()
	sig := api.FunctionSignature{Name: "boom2"}
	var slot callctx.Slot
	_, call := setup(t, sig, func(ctx context.Context, params callctx.Parameters, args []api.IValue) (trampoline.Outcome, error) {
		return trampoline.Outcome{}, errors.New("unexpected closure failure")
	}, &slot)
	_, err := call(ctx, nil)
	var hostErr *api.HostImportError
	require.ErrorAs(t, err, &hostErr)
}

func TestBuildScalarResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	sig := api.FunctionSignature{
		Name:      "double",
		Arguments: []api.ArgumentDef{{Name: "n", Type: api.TI32}},
		Outputs:   []api.IType{api.TI32},
	}
	var slot callctx.Slot
	inst, call := setup(t, sig, func(ctx context.Context, params callctx.Parameters, args []api.IValue) (trampoline.Outcome, error) {
		n := int32(args[0].(api.VI32))
		return trampoline.Single(api.VI32(n * 2)), nil
	}, &slot)
	_, err := call(ctx, []backend.WValue{backend.I32(21)})
	require.NoError(t, err)

	ptr, size := readInstalledResult(t, ctx, inst)
	require.EqualValues(t, 4, size)
	raw, ok := inst.Memory().Read(ctx, ptr, size)
	require.True(t, ok)
	got := int32(uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24)
	require.EqualValues(t, 42, got)
}
