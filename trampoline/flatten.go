package trampoline

import (
	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
)

// flattenOne returns the raw Wasm scalar slots one value of t occupies
// on the flattened host-import call boundary (spec.md §4.3: "each
// String/Array -> two I32, other primitives -> their obvious scalar").
// A Record, unlike an Array's (ptr, count) pair, crosses as a single
// pointer slot (spec.md
// §4.1 element-size table: records nested in another value take one
// pointer slot, not a (ptr, len) pair).
func flattenOne(t api.IType) []backend.WType {
	if p, ok := api.IsPrimitive(t); ok {
		switch p {
		case api.TString, api.TByteArray:
			return []backend.WType{backend.WTypeI32, backend.WTypeI32} // ptr, len
		case api.TS64, api.TU64, api.TI64:
			return []backend.WType{backend.WTypeI64}
		case api.TF32:
			return []backend.WType{backend.WTypeF32}
		case api.TF64:
			return []backend.WType{backend.WTypeF64}
		default: // bool, s8/s16/s32, u8/u16/u32, i32
			return []backend.WType{backend.WTypeI32}
		}
	}
	switch t.(type) {
	case api.ArrayType:
		return []backend.WType{backend.WTypeI32, backend.WTypeI32} // ptr, count
	case api.RecordType:
		return []backend.WType{backend.WTypeI32} // ptr
	}
	return []backend.WType{backend.WTypeI32}
}

// FlattenArguments builds the raw parameter signature for a host
// function implementing sig, in declared-argument order.
func FlattenArguments(args []api.ArgumentDef) []backend.WType {
	var out []backend.WType
	for _, a := range args {
		out = append(out, flattenOne(a.Type)...)
	}
	return out
}
