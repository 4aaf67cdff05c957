// Package memlift implements the memory lift/lower library (spec.md
// §4.2, component D): pure functions converting between IT values and
// byte ranges of a backend.Memory. These are invoked by the
// interpreter (package interp) to implement the memory-crossing IT
// instructions, and directly by the trampoline builder when it lifts
// a caller's arguments or lowers a host closure's return value.
//
// Grounded on the original Rust lifting logic in
// engine/src/host_imports/ivalues_lifting.rs: the element-size table,
// the (ptr, len) two-slot convention for heap types, and the
// depth-bounded recursive descent into nested arrays/records are all
// carried over with the same contract, adapted to Go's lack of an
// anyref/NEVec counterpart (anyref is never emitted by any consumer,
// per the Rust comments, and is omitted here for the same reason).
package memlift

import "github.com/itcore/runtime/api"

// ElementSize returns the serialized size, in bytes, that one value of
// t occupies in an Array or Record slot, per the element-size table in
// spec.md §4.1 ("Element-size table"). This table is a format
// contract: changing it is a wire-breaking change.
func ElementSize(t api.IType) int {
	if p, ok := api.IsPrimitive(t); ok {
		switch p {
		case api.TBoolean, api.TS8, api.TU8:
			return 1
		case api.TS16, api.TU16:
			return 2
		case api.TS32, api.TU32, api.TI32, api.TF32:
			return 4
		case api.TS64, api.TU64, api.TI64, api.TF64:
			return 8
		case api.TString, api.TByteArray:
			return 16
		}
	}
	switch t.(type) {
	case api.ArrayType:
		return 16 // (ptr, len) i64 pair
	case api.RecordType:
		return 16 // one i64 ptr plus padding, per spec.md §4.1
	}
	return 8
}

// IsHeapType reports whether t is lifted/lowered through a (ptr, len)
// pair rather than a single inline scalar slot. String, ByteArray and
// Array are heap types; Record occupies a single pointer slot when
// nested inside another record/array (spec.md §4.1 element-size
// table), so it is not considered a two-slot heap type here.
func IsHeapType(t api.IType) bool {
	if p, ok := api.IsPrimitive(t); ok {
		return p == api.TString || p == api.TByteArray
	}
	_, isArray := t.(api.ArrayType)
	return isArray
}
