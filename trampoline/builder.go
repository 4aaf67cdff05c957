// Package trampoline builds host-import trampolines (spec.md §4.3,
// component F): Wasm-callable host functions whose bodies lift the
// caller's raw arguments into IT values, invoke a Go closure, and
// lower its return value back into the caller's own memory through
// the caller's own allocator exports.
//
// Grounded on the original host-import trampoline in
// engine/src/host_imports/mod.rs, and, for the Go shape of wrapping a
// closure as a backend-callable host function, on the teacher's
// hostfunc package (host functions as Go closures registered against
// a Store) and wapc-go's per-call lift/invoke/lower sequence around a
// guest call.
package trampoline

import (
	"context"
	"fmt"
	"math"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/callctx"
	"github.com/itcore/runtime/memlift"
)

const (
	wellKnownAllocate = "allocate"
	wellKnownSetPtr   = "set_result_ptr"
	wellKnownSetSize  = "set_result_size"
)

// Build wraps closure for sig into a backend.HostFunction. records
// resolves Record arguments/results nested in sig (it is the owning
// module's record registry, not the trampoline's own — host imports
// don't declare records of their own). slot supplies the ambient
// per-call Parameters passed to closure.
func Build(store backend.Store, sig api.FunctionSignature, records *api.RecordRegistry, slot *callctx.Slot, closure Closure) backend.HostFunction {
	params := FlattenArguments(sig.Arguments)
	return store.NewHostFunction(params, nil, func(ctx context.Context, callCtx backend.ImportCallContext, raw []backend.WValue) ([]backend.WValue, error) {
		mem := callCtx.CallerMemory()

		args, err := liftArguments(ctx, mem, sig.Arguments, raw, records)
		if err != nil {
			return nil, err
		}

		outcome, err := closure(ctx, slot.Current(), args)
		if err != nil {
			return nil, &api.HostImportError{Message: err.Error()}
		}
		if outcome.isError {
			return nil, &api.HostImportError{Message: outcome.message}
		}
		if outcome.empty {
			return nil, nil
		}

		alloc := callerAllocator(callCtx.CallerInstance())
		ptr, size, err := lowerResult(ctx, mem, outcome.value, alloc)
		if err != nil {
			return nil, err
		}
		if err := installResult(ctx, callCtx.CallerInstance(), ptr, size); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

// liftArguments consumes raw in the same slot widths flattenOne
// assigned to each argument and reconstructs its IValue (spec.md §4.3
// step 2, the reverse of §4.2 lowering).
func liftArguments(ctx context.Context, mem backend.Memory, defs []api.ArgumentDef, raw []backend.WValue, records *api.RecordRegistry) ([]api.IValue, error) {
	out := make([]api.IValue, 0, len(defs))
	pos := 0
	next := func() (backend.WValue, error) {
		if pos >= len(raw) {
			return backend.WValue{}, fmt.Errorf("%w: trampoline argument underflow", api.ErrMismatchWValuesCount)
		}
		v := raw[pos]
		pos++
		return v, nil
	}

	for _, d := range defs {
		if p, ok := api.IsPrimitive(d.Type); ok {
			switch p {
			case api.TString, api.TByteArray:
				ptrV, err := next()
				if err != nil {
					return nil, err
				}
				lenV, err := next()
				if err != nil {
					return nil, err
				}
				if p == api.TString {
					s, err := memlift.LiftString(ctx, mem, ptrV.U32(), lenV.U32())
					if err != nil {
						return nil, err
					}
					out = append(out, api.VString(s))
				} else {
					b, err := memlift.LiftByteArray(ctx, mem, ptrV.U32(), lenV.U32())
					if err != nil {
						return nil, err
					}
					out = append(out, api.VByteArray(b))
				}
			default:
				v, err := next()
				if err != nil {
					return nil, err
				}
				out = append(out, primitiveFromRaw(p, v))
			}
			continue
		}

		switch t := d.Type.(type) {
		case api.ArrayType:
			ptrV, err := next()
			if err != nil {
				return nil, err
			}
			countV, err := next()
			if err != nil {
				return nil, err
			}
			vals, err := memlift.LiftArray(ctx, mem, t.Elem, ptrV.U32(), countV.U32(), records, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, api.VArray{Elem: t.Elem, Vals: vals})
		case api.RecordType:
			ptrV, err := next()
			if err != nil {
				return nil, err
			}
			v, err := memlift.LiftRecord(ctx, mem, t.ID, ptrV.U32(), records, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		default:
			return nil, fmt.Errorf("%w: unsupported trampoline argument type %s", api.ErrMalformedITSection, d.Type)
		}
	}
	return out, nil
}

func primitiveFromRaw(p api.Primitive, v backend.WValue) api.IValue {
	switch p {
	case api.TBoolean:
		return api.VBool(v.I32() != 0)
	case api.TS8:
		return api.VS8(int8(v.I32()))
	case api.TU8:
		return api.VU8(uint8(v.U32()))
	case api.TS16:
		return api.VS16(int16(v.I32()))
	case api.TU16:
		return api.VU16(uint16(v.U32()))
	case api.TS32:
		return api.VS32(v.I32())
	case api.TU32:
		return api.VU32(v.U32())
	case api.TI32:
		return api.VI32(v.I32())
	case api.TS64:
		return api.VS64(v.I64())
	case api.TU64:
		return api.VU64(v.U64())
	case api.TI64:
		return api.VI64(v.I64())
	case api.TF32:
		return api.VF32(math.Float32frombits(uint32(v.Bits)))
	case api.TF64:
		return api.VF64(math.Float64frombits(v.Bits))
	default:
		return api.VI32(0)
	}
}

// lowerResult writes a single outcome value into mem through alloc and
// returns the (ptr, size) pair for the result channel, uniformly for
// every IT type — including scalars, which the original trampoline
// boxes into a one-element buffer rather than special-casing (spec.md
// §4.3 step 4).
func lowerResult(ctx context.Context, mem backend.Memory, v api.IValue, alloc memlift.Allocator) (ptr, size uint32, err error) {
	switch vv := v.(type) {
	case api.VString:
		size = uint32(len(vv))
		if size == 0 {
			return 0, 0, nil
		}
		if ptr, err = alloc(ctx, size, 0); err != nil {
			return 0, 0, err
		}
		return ptr, size, memlift.LowerString(ctx, mem, ptr, string(vv))
	case api.VByteArray:
		size = uint32(len(vv))
		if size == 0 {
			return 0, 0, nil
		}
		if ptr, err = alloc(ctx, size, 0); err != nil {
			return 0, 0, err
		}
		return ptr, size, memlift.LowerByteArray(ctx, mem, ptr, []byte(vv))
	case api.VArray:
		return memlift.LowerArray(ctx, mem, vv.Elem, vv.Vals, alloc, 0)
	case api.VRecord:
		ptr, err = memlift.LowerRecord(ctx, mem, vv, alloc, 0)
		return ptr, 1, err
	default:
		sz := uint32(memlift.ElementSize(v.Type()))
		if ptr, err = alloc(ctx, sz, 0); err != nil {
			return 0, 0, err
		}
		return ptr, sz, memlift.LowerScalar(ctx, mem, v, ptr)
	}
}

// callerAllocator adapts the caller instance's well-known allocate
// export into a memlift.Allocator.
func callerAllocator(instance backend.Instance) memlift.Allocator {
	return func(ctx context.Context, size, typeTag uint32) (uint32, error) {
		fn := instance.ExportedFunction(wellKnownAllocate)
		if fn == nil {
			return 0, fmt.Errorf("%w: caller module has no %s export", api.ErrNoSuchFunction, wellKnownAllocate)
		}
		results, err := fn.Call(ctx, []backend.WValue{backend.I32(int32(size)), backend.I32(int32(typeTag))})
		if err != nil {
			return 0, &api.RuntimeTrapError{Detail: wellKnownAllocate, Source: err}
		}
		if len(results) != 1 {
			return 0, fmt.Errorf("%w: %s returned %d values, want 1", api.ErrMismatchWValuesCount, wellKnownAllocate, len(results))
		}
		return results[0].U32(), nil
	}
}

// installResult writes the (ptr, size) pair into the caller's
// conventional result channel so the caller's own adapter can read it
// back after CallCore returns (spec.md §4.3 step 4-5).
func installResult(ctx context.Context, instance backend.Instance, ptr, size uint32) error {
	for _, call := range []struct {
		name string
		arg  uint32
	}{
		{wellKnownSetPtr, ptr},
		{wellKnownSetSize, size},
	} {
		fn := instance.ExportedFunction(call.name)
		if fn == nil {
			return fmt.Errorf("%w: caller module has no %s export", api.ErrNoSuchFunction, call.name)
		}
		if _, err := fn.Call(ctx, []backend.WValue{backend.I32(int32(call.arg))}); err != nil {
			return &api.RuntimeTrapError{Detail: call.name, Source: err}
		}
	}
	return nil
}
