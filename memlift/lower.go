package memlift

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
)

// Allocator requests size bytes of guest linear memory, tagged with
// typeTag (the serialized element size for arrays, 0 otherwise), per
// the well-known `allocate` export contract (spec.md §4.1). Lowering
// heap-shaped values routes through this callback rather than writing
// memory directly, since only the interpreter (via CallCore) knows how
// to invoke the guest's allocate export.
type Allocator func(ctx context.Context, size uint32, typeTag uint32) (ptr uint32, err error)

// LowerString writes the UTF-8 bytes of s to destPtr (spec.md §4.1
// StringLowerMemory: the caller has already chosen/allocated destPtr).
func LowerString(ctx context.Context, mem backend.Memory, destPtr uint32, s string) error {
	if !mem.Write(ctx, destPtr, []byte(s)) {
		return &api.InvalidMemoryAccessError{Offset: destPtr, Length: uint32(len(s))}
	}
	return nil
}

// LowerByteArray writes data to destPtr verbatim.
func LowerByteArray(ctx context.Context, mem backend.Memory, destPtr uint32, data []byte) error {
	if !mem.Write(ctx, destPtr, data) {
		return &api.InvalidMemoryAccessError{Offset: destPtr, Length: uint32(len(data))}
	}
	return nil
}

func writeU64Slot(ctx context.Context, mem backend.Memory, ptr uint32, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	if !mem.Write(ctx, ptr, buf[:]) {
		return &api.InvalidMemoryAccessError{Offset: ptr, Length: 8}
	}
	return nil
}

// LowerScalar writes a non-heap, non-record IValue's raw bytes to ptr.
// Exported for the trampoline builder's uniform result-lowering path
// (spec.md §4.3 step 4), which handles every IT type through the same
// allocate-then-write sequence rather than special-casing scalars.
func LowerScalar(ctx context.Context, mem backend.Memory, v api.IValue, ptr uint32) error {
	return writeScalar(ctx, mem, v, ptr)
}

func writeScalar(ctx context.Context, mem backend.Memory, v api.IValue, ptr uint32) error {
	var buf [8]byte
	var n int
	switch vv := v.(type) {
	case api.VBool:
		if vv {
			buf[0] = 1
		}
		n = 1
	case api.VS8:
		buf[0] = byte(vv)
		n = 1
	case api.VU8:
		buf[0] = byte(vv)
		n = 1
	case api.VS16:
		binary.LittleEndian.PutUint16(buf[:], uint16(vv))
		n = 2
	case api.VU16:
		binary.LittleEndian.PutUint16(buf[:], uint16(vv))
		n = 2
	case api.VS32:
		binary.LittleEndian.PutUint32(buf[:], uint32(vv))
		n = 4
	case api.VU32:
		binary.LittleEndian.PutUint32(buf[:], uint32(vv))
		n = 4
	case api.VI32:
		binary.LittleEndian.PutUint32(buf[:], uint32(vv))
		n = 4
	case api.VF32:
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(vv)))
		n = 4
	case api.VS64:
		binary.LittleEndian.PutUint64(buf[:], uint64(vv))
		n = 8
	case api.VU64:
		binary.LittleEndian.PutUint64(buf[:], uint64(vv))
		n = 8
	case api.VI64:
		binary.LittleEndian.PutUint64(buf[:], uint64(vv))
		n = 8
	case api.VF64:
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(float64(vv)))
		n = 8
	default:
		return fmt.Errorf("%w: unsupported scalar lower type %T", api.ErrMalformedITSection, v)
	}
	if !mem.Write(ctx, ptr, buf[:n]) {
		return &api.InvalidMemoryAccessError{Offset: ptr, Length: uint32(n)}
	}
	return nil
}

// LowerArray allocates a contiguous buffer through alloc, writes each
// element of vals (recursing for nested heap types), and returns the
// resulting (ptr, count) pair, matching ArrayLowerMemory (spec.md
// §4.1).
func LowerArray(ctx context.Context, mem backend.Memory, elem api.IType, vals []api.IValue, alloc Allocator, depth int) (ptr, count uint32, err error) {
	if depth > api.RecursionLimit {
		return 0, 0, api.ErrRecursionLimitExceeded
	}
	count = uint32(len(vals))
	if count == 0 {
		return 0, 0, nil
	}

	stride := uint32(ElementSize(elem))
	ptr, err = alloc(ctx, stride*count, uint32(ElementSize(elem)))
	if err != nil {
		return 0, 0, err
	}

	if p, ok := api.IsPrimitive(elem); ok && p != api.TString && p != api.TByteArray {
		for i, v := range vals {
			if err := writeScalar(ctx, mem, v, ptr+uint32(i)*stride); err != nil {
				return 0, 0, err
			}
		}
		return ptr, count, nil
	}

	for i, v := range vals {
		slot := ptr + uint32(i)*16
		var subPtr, subLen uint32
		switch elem.(type) {
		case api.Primitive: // String or ByteArray
			switch vv := v.(type) {
			case api.VString:
				subLen = uint32(len(vv))
				if subLen > 0 {
					subPtr, err = alloc(ctx, subLen, 0)
					if err != nil {
						return 0, 0, err
					}
					if err = LowerString(ctx, mem, subPtr, string(vv)); err != nil {
						return 0, 0, err
					}
				}
			case api.VByteArray:
				subLen = uint32(len(vv))
				if subLen > 0 {
					subPtr, err = alloc(ctx, subLen, 0)
					if err != nil {
						return 0, 0, err
					}
					if err = LowerByteArray(ctx, mem, subPtr, []byte(vv)); err != nil {
						return 0, 0, err
					}
				}
			default:
				return 0, 0, fmt.Errorf("%w: expected string/byte-array element, got %T", api.ErrMalformedITSection, v)
			}
		case api.ArrayType:
			arr, ok := v.(api.VArray)
			if !ok {
				return 0, 0, fmt.Errorf("%w: expected array element, got %T", api.ErrMalformedITSection, v)
			}
			subPtr, subLen, err = LowerArray(ctx, mem, arr.Elem, arr.Vals, alloc, depth+1)
			if err != nil {
				return 0, 0, err
			}
		case api.RecordType:
			rec, ok := v.(api.VRecord)
			if !ok {
				return 0, 0, fmt.Errorf("%w: expected record element, got %T", api.ErrMalformedITSection, v)
			}
			subPtr, err = lowerRecordFields(ctx, mem, rec, alloc, depth+1)
			if err != nil {
				return 0, 0, err
			}
			subLen = 1 // unused for records; keep slot meaningful for debugging
		}
		if err := writeU64Slot(ctx, mem, slot, uint64(subPtr)); err != nil {
			return 0, 0, err
		}
		if err := writeU64Slot(ctx, mem, slot+8, uint64(subLen)); err != nil {
			return 0, 0, err
		}
	}
	return ptr, count, nil
}

// LowerRecord allocates a single buffer sized to rec's record type and
// writes each field in declaration order (spec.md §4.1
// RecordLowerMemory), returning the buffer pointer.
func LowerRecord(ctx context.Context, mem backend.Memory, rec api.VRecord, alloc Allocator, depth int) (uint32, error) {
	return lowerRecordFields(ctx, mem, rec, alloc, depth)
}

func recordSizeBytes(fields []api.FieldDef) uint32 {
	var size uint32
	for _, f := range fields {
		if memField2Slot(f.Type) {
			size += 16
		} else if _, ok := f.Type.(api.RecordType); ok {
			size += 8
		} else {
			size += uint32(ElementSize(f.Type))
		}
	}
	return size
}

func memField2Slot(t api.IType) bool {
	if p, ok := api.IsPrimitive(t); ok {
		return p == api.TString || p == api.TByteArray
	}
	_, isArray := t.(api.ArrayType)
	return isArray
}

func lowerRecordFields(ctx context.Context, mem backend.Memory, rec api.VRecord, alloc Allocator, depth int) (uint32, error) {
	if depth > api.RecursionLimit {
		return 0, api.ErrRecursionLimitExceeded
	}

	// The record definition is implicit in rec.Fields' own types,
	// since VRecord already carries concrete IValues; we only need
	// field widths, which we derive straight from each field's type.
	defs := make([]api.FieldDef, len(rec.Fields))
	for i, f := range rec.Fields {
		defs[i] = api.FieldDef{Type: f.Type()}
	}
	size := recordSizeBytes(defs)
	ptr, err := alloc(ctx, size, 0)
	if err != nil {
		return 0, err
	}

	slot := ptr
	for _, v := range rec.Fields {
		switch vv := v.(type) {
		case api.VString:
			if len(vv) == 0 {
				if err := writeU64Slot(ctx, mem, slot, 0); err != nil {
					return 0, err
				}
				if err := writeU64Slot(ctx, mem, slot+8, 0); err != nil {
					return 0, err
				}
			} else {
				subPtr, err := alloc(ctx, uint32(len(vv)), 0)
				if err != nil {
					return 0, err
				}
				if err := LowerString(ctx, mem, subPtr, string(vv)); err != nil {
					return 0, err
				}
				if err := writeU64Slot(ctx, mem, slot, uint64(subPtr)); err != nil {
					return 0, err
				}
				if err := writeU64Slot(ctx, mem, slot+8, uint64(len(vv))); err != nil {
					return 0, err
				}
			}
			slot += 16
		case api.VByteArray:
			if len(vv) == 0 {
				if err := writeU64Slot(ctx, mem, slot, 0); err != nil {
					return 0, err
				}
				if err := writeU64Slot(ctx, mem, slot+8, 0); err != nil {
					return 0, err
				}
			} else {
				subPtr, err := alloc(ctx, uint32(len(vv)), 0)
				if err != nil {
					return 0, err
				}
				if err := LowerByteArray(ctx, mem, subPtr, []byte(vv)); err != nil {
					return 0, err
				}
				if err := writeU64Slot(ctx, mem, slot, uint64(subPtr)); err != nil {
					return 0, err
				}
				if err := writeU64Slot(ctx, mem, slot+8, uint64(len(vv))); err != nil {
					return 0, err
				}
			}
			slot += 16
		case api.VArray:
			subPtr, subLen, err := LowerArray(ctx, mem, vv.Elem, vv.Vals, alloc, depth+1)
			if err != nil {
				return 0, err
			}
			if err := writeU64Slot(ctx, mem, slot, uint64(subPtr)); err != nil {
				return 0, err
			}
			if err := writeU64Slot(ctx, mem, slot+8, uint64(subLen)); err != nil {
				return 0, err
			}
			slot += 16
		case api.VRecord:
			subPtr, err := lowerRecordFields(ctx, mem, vv, alloc, depth+1)
			if err != nil {
				return 0, err
			}
			if err := writeU64Slot(ctx, mem, slot, uint64(subPtr)); err != nil {
				return 0, err
			}
			slot += 8
		default:
			if err := writeScalar(ctx, mem, v, slot); err != nil {
				return 0, err
			}
			slot += uint32(ElementSize(v.Type()))
		}
	}
	return ptr, nil
}
