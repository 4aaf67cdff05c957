package module

import (
	"fmt"
	"math"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
)

// toRawScalar converts a scalar IValue to the raw Wasm value CallCore
// hands to a core function. Only scalar IT types cross this boundary —
// a well-formed adapter program inserts the I32FromS8-family
// conversions before every CallCore that targets a raw function
// (spec.md §4.1).
func toRawScalar(v api.IValue) (backend.WValue, error) {
	switch vv := v.(type) {
	case api.VBool:
		if vv {
			return backend.I32(1), nil
		}
		return backend.I32(0), nil
	case api.VS8:
		return backend.I32(int32(vv)), nil
	case api.VU8:
		return backend.U32(uint32(vv)), nil
	case api.VS16:
		return backend.I32(int32(vv)), nil
	case api.VU16:
		return backend.U32(uint32(vv)), nil
	case api.VS32:
		return backend.I32(int32(vv)), nil
	case api.VU32:
		return backend.U32(uint32(vv)), nil
	case api.VI32:
		return backend.I32(int32(vv)), nil
	case api.VS64:
		return backend.I64(int64(vv)), nil
	case api.VU64:
		return backend.U64(uint64(vv)), nil
	case api.VI64:
		return backend.I64(int64(vv)), nil
	case api.VF32:
		return backend.WValue{Type: backend.WTypeF32, Bits: uint64(math.Float32bits(float32(vv)))}, nil
	case api.VF64:
		return backend.WValue{Type: backend.WTypeF64, Bits: math.Float64bits(float64(vv))}, nil
	default:
		return backend.WValue{}, fmt.Errorf("%w: CallCore requires a scalar operand, got %s", api.ErrMalformedITSection, v.Type())
	}
}

// fromRawScalar converts a raw core-call result back to the typed
// IValue the interpreter stack expects, using the backend's declared
// result WType (not the original IT type, which CallCore does not
// know) — subsequent S8FromI32-family instructions narrow it further.
func fromRawScalar(t backend.WType, v backend.WValue) api.IValue {
	switch t {
	case backend.WTypeI32:
		return api.VI32(v.I32())
	case backend.WTypeI64:
		return api.VI64(v.I64())
	case backend.WTypeF32:
		return api.VF32(math.Float32frombits(uint32(v.Bits)))
	case backend.WTypeF64:
		return api.VF64(math.Float64frombits(v.Bits))
	default:
		return api.VI32(0)
	}
}
