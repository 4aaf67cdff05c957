// Package api defines the value model and type system shared by every
// other package in this module: Interface Types (IType), Interface
// Type values (IValue), record types, and function signatures.
//
// This is a type-only package: it has no dependency on any Wasm
// backend, the IT interpreter, or the orchestrator, so that every
// other package can depend on it without a cycle.
package api

import "fmt"

// IType is the closed set of Interface Type variants an adapter
// program can mention. The zero value is not a valid IType; always
// use one of the Type* constructors or constants below.
type IType interface {
	isIType()
	String() string
}

// Primitive is a non-recursive IType: booleans, sized integers, the
// raw Wasm-width integers/floats, and strings.
type Primitive byte

const (
	TBoolean Primitive = iota
	TS8
	TS16
	TS32
	TS64
	TU8
	TU16
	TU32
	TU64
	TI32
	TI64
	TF32
	TF64
	TString
	// TByteArray is a specialization of Array(U8) with a dedicated,
	// more efficient lifting path (see memlift).
	TByteArray
)

func (Primitive) isIType() {}

func (p Primitive) String() string {
	switch p {
	case TBoolean:
		return "bool"
	case TS8:
		return "s8"
	case TS16:
		return "s16"
	case TS32:
		return "s32"
	case TS64:
		return "s64"
	case TU8:
		return "u8"
	case TU16:
		return "u16"
	case TU32:
		return "u32"
	case TU64:
		return "u64"
	case TI32:
		return "i32"
	case TI64:
		return "i64"
	case TF32:
		return "f32"
	case TF64:
		return "f64"
	case TString:
		return "string"
	case TByteArray:
		return "byte_array"
	default:
		return fmt.Sprintf("primitive(%d)", byte(p))
	}
}

// ArrayType is an IType whose values are ordered sequences of a single
// declared element IType.
type ArrayType struct {
	Elem IType
}

func (ArrayType) isIType() {}

func (a ArrayType) String() string { return "array<" + a.Elem.String() + ">" }

// RecordType is an IType referencing a record by id into the owning
// module's record registry.
type RecordType struct {
	ID uint64
}

func (RecordType) isIType() {}

func (r RecordType) String() string { return fmt.Sprintf("record(%d)", r.ID) }

// Convenience constructors mirroring the Primitive constants, used at
// call sites that build IType values rather than compare them.
func Array(elem IType) IType   { return ArrayType{Elem: elem} }
func Record(id uint64) IType   { return RecordType{ID: id} }

// IsPrimitive reports whether t is a non-recursive Primitive, and
// returns it.
func IsPrimitive(t IType) (Primitive, bool) {
	p, ok := t.(Primitive)
	return p, ok
}

// FieldDef describes one field of a RecordDef: its declared name and
// IType, in declaration order.
type FieldDef struct {
	Name string
	Type IType
}

// RecordDef is the registry entry for one record id: a name and an
// ordered list of fields. Per spec.md §3.3, ids are assigned as a
// monotonically increasing counter during IT-section parsing, in
// declaration order, and the registry is immutable after load.
type RecordDef struct {
	ID     uint64
	Name   string
	Fields []FieldDef
}

// RecordRegistry is the per-module, load-time-immutable table mapping
// record id to its definition.
type RecordRegistry struct {
	byID []*RecordDef
}

// NewRecordRegistry builds a registry from records already in
// declaration order (id == index). Returns an error if ids are not
// dense [0..N) as required by spec.md §8 ("Record-id uniqueness").
func NewRecordRegistry(defs []*RecordDef) (*RecordRegistry, error) {
	reg := &RecordRegistry{byID: make([]*RecordDef, len(defs))}
	seen := make(map[uint64]bool, len(defs))
	for _, d := range defs {
		if d.ID >= uint64(len(defs)) {
			return nil, fmt.Errorf("%w: record id %d out of dense range [0,%d)", ErrMalformedITSection, d.ID, len(defs))
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("%w: duplicate record id %d", ErrMalformedITSection, d.ID)
		}
		seen[d.ID] = true
		reg.byID[d.ID] = d
	}
	return reg, nil
}

// Get returns the record definition for id, or (nil, false) if unknown.
func (r *RecordRegistry) Get(id uint64) (*RecordDef, bool) {
	if r == nil || id >= uint64(len(r.byID)) || r.byID[id] == nil {
		return nil, false
	}
	return r.byID[id], true
}

// Len returns the number of records in the registry.
func (r *RecordRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byID)
}

// All returns the records in id order, for introspection (§4.6 interface()).
func (r *RecordRegistry) All() []*RecordDef {
	if r == nil {
		return nil
	}
	out := make([]*RecordDef, 0, len(r.byID))
	for _, d := range r.byID {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// ArgumentDef is one named, typed argument of a FunctionSignature.
type ArgumentDef struct {
	Name string
	Type IType
}

// FunctionSignature is the high-level (IT) signature of one exported
// or imported function: named/typed arguments and an output list
// (spec.md §3.4 says the number of outputs is unbounded in principle;
// present guest-compiler conventions emit 0 or 1, which this module
// does not special-case).
type FunctionSignature struct {
	Name      string
	Arguments []ArgumentDef
	Outputs   []IType
}
