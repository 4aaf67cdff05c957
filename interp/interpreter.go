package interp

import (
	"context"
	"fmt"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/itsection"
	"github.com/itcore/runtime/memlift"
)

// Run executes instructions against args as the read-only argument
// vector (spec.md §4.1 "Machine state"), using env to resolve memory,
// records and CallCore targets. It returns whatever the adapter left
// on the stack at the end of the program, in push order — callers
// (module.Call for an export adapter, or the trampoline builder for
// an import adapter) know from the function's declared Outputs how
// many values to expect.
//
// The first instruction error aborts the remaining program (spec.md
// §4.1 "Errors": "The first error aborts the adapter").
func Run(ctx context.Context, instructions []itsection.Instruction, args []api.IValue, env Env) ([]api.IValue, error) {
	m := &machine{}
	for _, ins := range instructions {
		if err := step(ctx, m, ins, args, env); err != nil {
			return nil, err
		}
	}
	return m.stack, nil
}

func step(ctx context.Context, m *machine, ins itsection.Instruction, args []api.IValue, env Env) error {
	switch ins.Op {
	case itsection.OpArgumentGet:
		if int(ins.ArgIndex) >= len(args) {
			return fmt.Errorf("%w: ArgumentGet index %d out of range (have %d arguments)", api.ErrMalformedITSection, ins.ArgIndex, len(args))
		}
		m.push(args[ins.ArgIndex])
		return nil

	case itsection.OpCallCore:
		return execCallCore(ctx, m, ins.FunctionIndex, env)

	case itsection.OpI32FromS8:
		return convertSized(m, "I32FromS8", func(v api.IValue) (api.IValue, bool) {
			s, ok := v.(api.VS8)
			return api.VI32(int32(s)), ok
		})
	case itsection.OpI32FromS16:
		return convertSized(m, "I32FromS16", func(v api.IValue) (api.IValue, bool) {
			s, ok := v.(api.VS16)
			return api.VI32(int32(s)), ok
		})
	case itsection.OpI32FromS32:
		return convertSized(m, "I32FromS32", func(v api.IValue) (api.IValue, bool) {
			s, ok := v.(api.VS32)
			return api.VI32(int32(s)), ok
		})
	case itsection.OpI32FromU8:
		return convertSized(m, "I32FromU8", func(v api.IValue) (api.IValue, bool) {
			s, ok := v.(api.VU8)
			return api.VI32(int32(uint32(s))), ok
		})
	case itsection.OpI32FromU16:
		return convertSized(m, "I32FromU16", func(v api.IValue) (api.IValue, bool) {
			s, ok := v.(api.VU16)
			return api.VI32(int32(uint32(s))), ok
		})
	case itsection.OpI32FromU32:
		return convertSized(m, "I32FromU32", func(v api.IValue) (api.IValue, bool) {
			s, ok := v.(api.VU32)
			return api.VI32(int32(s)), ok
		})
	case itsection.OpI32FromBool:
		return convertSized(m, "I32FromBool", func(v api.IValue) (api.IValue, bool) {
			b, ok := v.(api.VBool)
			if !ok {
				return api.VI32(0), false
			}
			if b {
				return api.VI32(1), true
			}
			return api.VI32(0), true
		})
	case itsection.OpI64FromS64:
		return convertSized(m, "I64FromS64", func(v api.IValue) (api.IValue, bool) {
			s, ok := v.(api.VS64)
			return api.VI64(int64(s)), ok
		})
	case itsection.OpI64FromU64:
		return convertSized(m, "I64FromU64", func(v api.IValue) (api.IValue, bool) {
			s, ok := v.(api.VU64)
			return api.VI64(int64(s)), ok
		})

	case itsection.OpS8FromI32:
		return convertSized(m, "S8FromI32", func(v api.IValue) (api.IValue, bool) {
			i, ok := v.(api.VI32)
			return api.VS8(int8(i)), ok
		})
	case itsection.OpS16FromI32:
		return convertSized(m, "S16FromI32", func(v api.IValue) (api.IValue, bool) {
			i, ok := v.(api.VI32)
			return api.VS16(int16(i)), ok
		})
	case itsection.OpS32FromI32:
		return convertSized(m, "S32FromI32", func(v api.IValue) (api.IValue, bool) {
			i, ok := v.(api.VI32)
			return api.VS32(int32(i)), ok
		})
	case itsection.OpU8FromI32:
		return convertSized(m, "U8FromI32", func(v api.IValue) (api.IValue, bool) {
			i, ok := v.(api.VI32)
			return api.VU8(uint8(uint32(i))), ok
		})
	case itsection.OpU16FromI32:
		return convertSized(m, "U16FromI32", func(v api.IValue) (api.IValue, bool) {
			i, ok := v.(api.VI32)
			return api.VU16(uint16(uint32(i))), ok
		})
	case itsection.OpU32FromI32:
		return convertSized(m, "U32FromI32", func(v api.IValue) (api.IValue, bool) {
			i, ok := v.(api.VI32)
			return api.VU32(uint32(i)), ok
		})
	case itsection.OpBoolFromI32:
		return convertSized(m, "BoolFromI32", func(v api.IValue) (api.IValue, bool) {
			i, ok := v.(api.VI32)
			return api.VBool(i != 0), ok
		})
	case itsection.OpS64FromI64:
		return convertSized(m, "S64FromI64", func(v api.IValue) (api.IValue, bool) {
			i, ok := v.(api.VI64)
			return api.VS64(int64(i)), ok
		})
	case itsection.OpU64FromI64:
		return convertSized(m, "U64FromI64", func(v api.IValue) (api.IValue, bool) {
			i, ok := v.(api.VI64)
			return api.VU64(uint64(i)), ok
		})

	case itsection.OpStringSize:
		if len(m.stack) == 0 {
			return &api.StackUnderflowError{Instruction: "StringSize"}
		}
		top, ok := m.stack[len(m.stack)-1].(api.VString)
		if !ok {
			return &api.StackTypeMismatchError{Expected: api.TString, Actual: m.stack[len(m.stack)-1].Type()}
		}
		m.push(api.VI32(int32(len(top))))
		return nil

	case itsection.OpStringLowerMemory:
		destPtr, err := m.popU32("StringLowerMemory")
		if err != nil {
			return err
		}
		s, err := m.popString("StringLowerMemory")
		if err != nil {
			return err
		}
		if err := memlift.LowerString(ctx, env.Memory(), destPtr, s); err != nil {
			return err
		}
		m.push(api.VI32(int32(destPtr)))
		m.push(api.VI32(int32(len(s))))
		return nil

	case itsection.OpStringLiftMemory:
		length, err := m.popU32("StringLiftMemory")
		if err != nil {
			return err
		}
		ptr, err := m.popU32("StringLiftMemory")
		if err != nil {
			return err
		}
		s, err := memlift.LiftString(ctx, env.Memory(), ptr, length)
		if err != nil {
			return err
		}
		m.push(api.VString(s))
		return nil

	case itsection.OpByteArrayLowerMemory:
		destPtr, err := m.popU32("ByteArrayLowerMemory")
		if err != nil {
			return err
		}
		b, err := m.popByteArray("ByteArrayLowerMemory")
		if err != nil {
			return err
		}
		if err := memlift.LowerByteArray(ctx, env.Memory(), destPtr, b); err != nil {
			return err
		}
		m.push(api.VI32(int32(destPtr)))
		m.push(api.VI32(int32(len(b))))
		return nil

	case itsection.OpByteArrayLiftMemory:
		length, err := m.popU32("ByteArrayLiftMemory")
		if err != nil {
			return err
		}
		ptr, err := m.popU32("ByteArrayLiftMemory")
		if err != nil {
			return err
		}
		b, err := memlift.LiftByteArray(ctx, env.Memory(), ptr, length)
		if err != nil {
			return err
		}
		m.push(api.VByteArray(b))
		return nil

	case itsection.OpArrayLowerMemory:
		arr, err := m.popArray("ArrayLowerMemory")
		if err != nil {
			return err
		}
		allocator := coreAllocator(ctx, env)
		ptr, count, err := memlift.LowerArray(ctx, env.Memory(), ins.ElemType, arr.Vals, allocator, 0)
		if err != nil {
			return err
		}
		m.push(api.VI32(int32(ptr)))
		m.push(api.VI32(int32(count)))
		return nil

	case itsection.OpArrayLiftMemory:
		count, err := m.popU32("ArrayLiftMemory")
		if err != nil {
			return err
		}
		ptr, err := m.popU32("ArrayLiftMemory")
		if err != nil {
			return err
		}
		vals, err := memlift.LiftArray(ctx, env.Memory(), ins.ElemType, ptr, count, env.Records(), 0)
		if err != nil {
			return err
		}
		m.push(api.VArray{Elem: ins.ElemType, Vals: vals})
		return nil

	case itsection.OpRecordLowerMemory:
		rec, err := m.popRecord("RecordLowerMemory")
		if err != nil {
			return err
		}
		allocator := coreAllocator(ctx, env)
		ptr, err := memlift.LowerRecord(ctx, env.Memory(), rec, allocator, 0)
		if err != nil {
			return err
		}
		m.push(api.VI32(int32(ptr)))
		return nil

	case itsection.OpRecordLiftMemory:
		ptr, err := m.popU32("RecordLiftMemory")
		if err != nil {
			return err
		}
		v, err := memlift.LiftRecord(ctx, env.Memory(), ins.RecordID, ptr, env.Records(), 0)
		if err != nil {
			return err
		}
		m.push(v)
		return nil

	case itsection.OpDup:
		if len(m.stack) == 0 {
			return &api.StackUnderflowError{Instruction: "Dup"}
		}
		m.push(m.stack[len(m.stack)-1])
		return nil

	case itsection.OpSwap2:
		if len(m.stack) < 2 {
			return &api.StackUnderflowError{Instruction: "Swap2"}
		}
		n := len(m.stack)
		m.stack[n-1], m.stack[n-2] = m.stack[n-2], m.stack[n-1]
		return nil

	case itsection.OpPushI32:
		m.push(api.VI32(ins.I32Value))
		return nil

	default:
		return fmt.Errorf("%w: unknown opcode %s", api.ErrMalformedITSection, ins.Op)
	}
}

func convertSized(m *machine, name string, f func(api.IValue) (api.IValue, bool)) error {
	v, err := m.pop(name)
	if err != nil {
		return err
	}
	out, ok := f(v)
	if !ok {
		return &api.StackTypeMismatchError{Expected: out.Type(), Actual: v.Type()}
	}
	m.push(out)
	return nil
}

func execCallCore(ctx context.Context, m *machine, functionIndex uint32, env Env) error {
	arity, err := env.FunctionArity(functionIndex)
	if err != nil {
		return &api.UnknownFunctionIndexError{Index: functionIndex}
	}
	inputs, err := m.popN("CallCore", arity)
	if err != nil {
		return err
	}
	outputs, err := env.CallCore(ctx, functionIndex, inputs)
	if err != nil {
		return &api.CalledFunctionTrappedError{Source: err}
	}
	for _, o := range outputs {
		m.push(o)
	}
	return nil
}

// coreAllocator adapts env.CallCore for the well-known `allocate`
// export into a memlift.Allocator, so ArrayLowerMemory/RecordLowerMemory
// can request buffers without knowing about CallCore numbering
// themselves (spec.md §4.1 "Allocator contract").
func coreAllocator(ctx context.Context, env Env) memlift.Allocator {
	return func(callCtx context.Context, size uint32, typeTag uint32) (uint32, error) {
		outputs, err := env.CallCore(callCtx, itsection.AllocateFuncID, []api.IValue{
			api.VI32(int32(size)), api.VI32(int32(typeTag)),
		})
		if err != nil {
			return 0, &api.CalledFunctionTrappedError{Source: err}
		}
		if len(outputs) != 1 {
			return 0, fmt.Errorf("%w: allocate returned %d values, want 1", api.ErrMismatchWValuesCount, len(outputs))
		}
		ptr, ok := outputs[0].(api.VI32)
		if !ok {
			return 0, &api.StackTypeMismatchError{Expected: api.TI32, Actual: outputs[0].Type()}
		}
		return uint32(ptr), nil
	}
}
