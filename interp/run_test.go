package interp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/itsection"
)

func TestRunArgumentGetAndConvert(t *testing.T) {
	env := newFakeEnv(newFakeMemory(64))
	program := []itsection.Instruction{
		{Op: itsection.OpArgumentGet, ArgIndex: 0},
		{Op: itsection.OpI32FromS8},
	}
	out, err := Run(context.Background(), program, []api.IValue{api.VS8(-5)}, env)
	require.NoError(t, err)
	require.Equal(t, []api.IValue{api.VI32(-5)}, out)
}

func TestRunCallCoreDispatchesAndPushesOutputs(t *testing.T) {
	env := newFakeEnv(newFakeMemory(64))
	env.register(0, 2, func(inputs []api.IValue) ([]api.IValue, error) {
		a := int32(inputs[0].(api.VI32))
		b := int32(inputs[1].(api.VI32))
		return []api.IValue{api.VI32(a + b)}, nil
	})
	program := []itsection.Instruction{
		{Op: itsection.OpArgumentGet, ArgIndex: 0},
		{Op: itsection.OpArgumentGet, ArgIndex: 1},
		{Op: itsection.OpCallCore, FunctionIndex: 0},
	}
	out, err := Run(context.Background(), program, []api.IValue{api.VI32(3), api.VI32(4)}, env)
	require.NoError(t, err)
	require.Equal(t, []api.IValue{api.VI32(7)}, out)
}

func TestRunStringLowerThenLift(t *testing.T) {
	env := newFakeEnv(newFakeMemory(256))
	program := []itsection.Instruction{
		// StringLowerMemory pops (destPtr, s) in that order, so push the
		// string first and the destination pointer last.
		{Op: itsection.OpArgumentGet, ArgIndex: 0},
		{Op: itsection.OpPushI32, I32Value: 10},
		{Op: itsection.OpStringLowerMemory},
		// stack now: [ptr, len] -> lift it straight back
		{Op: itsection.OpStringLiftMemory},
	}
	out, err := Run(context.Background(), program, []api.IValue{api.VString("hi")}, env)
	require.NoError(t, err)
	require.Equal(t, []api.IValue{api.VString("hi")}, out)
}

func TestRunArrayLowerLiftThroughAllocator(t *testing.T) {
	env := newFakeEnv(newFakeMemory(256))
	program := []itsection.Instruction{
		{Op: itsection.OpArgumentGet, ArgIndex: 0},
		{Op: itsection.OpArrayLowerMemory, ElemType: api.TI32},
		{Op: itsection.OpArrayLiftMemory, ElemType: api.TI32},
	}
	arg := api.VArray{Elem: api.TI32, Vals: []api.IValue{api.VI32(1), api.VI32(2), api.VI32(3)}}
	out, err := Run(context.Background(), program, []api.IValue{arg}, env)
	require.NoError(t, err)
	require.Equal(t, []api.IValue{arg}, out)
}

func TestRunRecordLowerLift(t *testing.T) {
	records, err := api.NewRecordRegistry([]*api.RecordDef{
		{ID: 0, Name: "Pair", Fields: []api.FieldDef{{Name: "a", Type: api.TI32}, {Name: "b", Type: api.TI32}}},
	})
	require.NoError(t, err)
	env := newFakeEnv(newFakeMemory(256))
	env.records = records

	rec := api.VRecord{ID: 0, Fields: []api.IValue{api.VI32(1), api.VI32(2)}}
	program := []itsection.Instruction{
		{Op: itsection.OpArgumentGet, ArgIndex: 0},
		{Op: itsection.OpRecordLowerMemory, RecordID: 0},
		{Op: itsection.OpRecordLiftMemory, RecordID: 0},
	}
	out, err := Run(context.Background(), program, []api.IValue{rec}, env)
	require.NoError(t, err)
	require.Equal(t, []api.IValue{rec}, out)
}

func TestRunDupAndSwap2(t *testing.T) {
	env := newFakeEnv(newFakeMemory(16))
	program := []itsection.Instruction{
		{Op: itsection.OpArgumentGet, ArgIndex: 0},
		{Op: itsection.OpDup},
		{Op: itsection.OpArgumentGet, ArgIndex: 1},
		{Op: itsection.OpSwap2},
	}
	out, err := Run(context.Background(), program, []api.IValue{api.VI32(1), api.VI32(2)}, env)
	require.NoError(t, err)
	// stack after ArgGet(0),Dup: [1,1]; after ArgGet(1): [1,1,2]; Swap2 swaps top two: [1,2,1]
	require.Equal(t, []api.IValue{api.VI32(1), api.VI32(2), api.VI32(1)}, out)
}

func TestRunStackUnderflow(t *testing.T) {
	env := newFakeEnv(newFakeMemory(16))
	program := []itsection.Instruction{{Op: itsection.OpDup}}
	_, err := Run(context.Background(), program, nil, env)
	var underflow *api.StackUnderflowError
	require.ErrorAs(t, err, &underflow)
}

func TestRunStackTypeMismatch(t *testing.T) {
	env := newFakeEnv(newFakeMemory(16))
	program := []itsection.Instruction{
		{Op: itsection.OpArgumentGet, ArgIndex: 0},
		{Op: itsection.OpI32FromS8},
	}
	_, err := Run(context.Background(), program, []api.IValue{api.VI32(1)}, env)
	var mismatch *api.StackTypeMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestRunCallCoreUnknownFunctionIndex(t *testing.T) {
	env := newFakeEnv(newFakeMemory(16))
	program := []itsection.Instruction{{Op: itsection.OpCallCore, FunctionIndex: 999}}
	_, err := Run(context.Background(), program, nil, env)
	var unknown *api.UnknownFunctionIndexError
	require.ErrorAs(t, err, &unknown)
}

func TestRunCallCoreTrapWraps(t *testing.T) {
	env := newFakeEnv(newFakeMemory(16))
	env.register(0, 0, func(inputs []api.IValue) ([]api.IValue, error) {
		return nil, context.DeadlineExceeded
	})
	program := []itsection.Instruction{{Op: itsection.OpCallCore, FunctionIndex: 0}}
	_, err := Run(context.Background(), program, nil, env)
	var trapped *api.CalledFunctionTrappedError
	require.ErrorAs(t, err, &trapped)
}

func TestRunFirstErrorAbortsProgram(t *testing.T) {
	env := newFakeEnv(newFakeMemory(16))
	ran := false
	env.register(1, 0, func(inputs []api.IValue) ([]api.IValue, error) {
		ran = true
		return nil, nil
	})
	program := []itsection.Instruction{
		{Op: itsection.OpCallCore, FunctionIndex: 999}, // fails
		{Op: itsection.OpCallCore, FunctionIndex: 1},   // must not run
	}
	_, err := Run(context.Background(), program, nil, env)
	require.Error(t, err)
	require.False(t, ran)
}

func TestArgumentGetOutOfRange(t *testing.T) {
	env := newFakeEnv(newFakeMemory(16))
	program := []itsection.Instruction{{Op: itsection.OpArgumentGet, ArgIndex: 5}}
	_, err := Run(context.Background(), program, []api.IValue{api.VI32(1)}, env)
	require.ErrorIs(t, err, api.ErrMalformedITSection)
}
