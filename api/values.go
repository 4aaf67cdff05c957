package api

import "fmt"

// IValue is the discriminated union of Interface Type values,
// isomorphic to IType (spec.md §3.2). It is implemented as a closed
// set of concrete value types rather than an interface with typed
// accessors, so callers pattern-match with a type switch the same way
// they would on the IType side.
type IValue interface {
	Type() IType
	isIValue()
	String() string
}

type VBool bool

func (VBool) isIValue()     {}
func (VBool) Type() IType   { return TBoolean }
func (v VBool) String() string { return fmt.Sprintf("%t", bool(v)) }

type VS8 int8

func (VS8) isIValue()        {}
func (VS8) Type() IType      { return TS8 }
func (v VS8) String() string { return fmt.Sprintf("%d", int8(v)) }

type VS16 int16

func (VS16) isIValue()        {}
func (VS16) Type() IType      { return TS16 }
func (v VS16) String() string { return fmt.Sprintf("%d", int16(v)) }

type VS32 int32

func (VS32) isIValue()        {}
func (VS32) Type() IType      { return TS32 }
func (v VS32) String() string { return fmt.Sprintf("%d", int32(v)) }

type VS64 int64

func (VS64) isIValue()        {}
func (VS64) Type() IType      { return TS64 }
func (v VS64) String() string { return fmt.Sprintf("%d", int64(v)) }

type VU8 uint8

func (VU8) isIValue()        {}
func (VU8) Type() IType      { return TU8 }
func (v VU8) String() string { return fmt.Sprintf("%d", uint8(v)) }

type VU16 uint16

func (VU16) isIValue()        {}
func (VU16) Type() IType      { return TU16 }
func (v VU16) String() string { return fmt.Sprintf("%d", uint16(v)) }

type VU32 uint32

func (VU32) isIValue()        {}
func (VU32) Type() IType      { return TU32 }
func (v VU32) String() string { return fmt.Sprintf("%d", uint32(v)) }

type VU64 uint64

func (VU64) isIValue()        {}
func (VU64) Type() IType      { return TU64 }
func (v VU64) String() string { return fmt.Sprintf("%d", uint64(v)) }

type VI32 int32

func (VI32) isIValue()        {}
func (VI32) Type() IType      { return TI32 }
func (v VI32) String() string { return fmt.Sprintf("%d", int32(v)) }

type VI64 int64

func (VI64) isIValue()        {}
func (VI64) Type() IType      { return TI64 }
func (v VI64) String() string { return fmt.Sprintf("%d", int64(v)) }

type VF32 float32

func (VF32) isIValue()        {}
func (VF32) Type() IType      { return TF32 }
func (v VF32) String() string { return fmt.Sprintf("%v", float32(v)) }

type VF64 float64

func (VF64) isIValue()        {}
func (VF64) Type() IType      { return TF64 }
func (v VF64) String() string { return fmt.Sprintf("%v", float64(v)) }

type VString string

func (VString) isIValue()      {}
func (VString) Type() IType    { return TString }
func (v VString) String() string { return string(v) }

// VByteArray is the specialized [u8] representation (spec.md §3.1).
type VByteArray []byte

func (VByteArray) isIValue()   {}
func (VByteArray) Type() IType { return TByteArray }
func (v VByteArray) String() string {
	return fmt.Sprintf("bytes(len=%d)", len(v))
}

// VArray carries an ordered sequence of IValue, all conforming to Elem.
type VArray struct {
	Elem IType
	Vals []IValue
}

func (VArray) isIValue()     {}
func (a VArray) Type() IType { return Array(a.Elem) }
func (a VArray) String() string {
	return fmt.Sprintf("array<%s>(len=%d)", a.Elem, len(a.Vals))
}

// VRecord carries a non-empty ordered sequence of field values,
// tagged with the record id they were lifted against.
type VRecord struct {
	ID     uint64
	Fields []IValue
}

func (VRecord) isIValue()     {}
func (r VRecord) Type() IType { return Record(r.ID) }
func (r VRecord) String() string {
	return fmt.Sprintf("record(%d){%d fields}", r.ID, len(r.Fields))
}

// ConformsTo reports whether v's runtime shape matches t. This is a
// shallow structural check used by the interpreter to validate
// ArgumentGet results and CallCore inputs (spec.md §3.2: "elements
// must conform to the declared element type").
func ConformsTo(v IValue, t IType) bool {
	switch tt := t.(type) {
	case Primitive:
		p, ok := IsPrimitive(v.Type())
		return ok && p == tt
	case ArrayType:
		arr, ok := v.(VArray)
		return ok && typeEqual(arr.Elem, tt.Elem)
	case RecordType:
		rec, ok := v.(VRecord)
		return ok && rec.ID == tt.ID
	default:
		return false
	}
}

func typeEqual(a, b IType) bool {
	switch aa := a.(type) {
	case Primitive:
		bb, ok := b.(Primitive)
		return ok && aa == bb
	case ArrayType:
		bb, ok := b.(ArrayType)
		return ok && typeEqual(aa.Elem, bb.Elem)
	case RecordType:
		bb, ok := b.(RecordType)
		return ok && aa.ID == bb.ID
	default:
		return false
	}
}
