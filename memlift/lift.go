package memlift

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
)

// LiftString reads ptr..ptr+length from mem and validates it as UTF-8.
func LiftString(ctx context.Context, mem backend.Memory, ptr, length uint32) (string, error) {
	raw, ok := mem.Read(ctx, ptr, length)
	if !ok {
		return "", &api.InvalidMemoryAccessError{Offset: ptr, Length: length}
	}
	if !utf8.Valid(raw) {
		return "", api.ErrInvalidUtf8
	}
	return string(raw), nil
}

// LiftByteArray reads ptr..ptr+length from mem verbatim, with no
// validation beyond the bounds check — the specialized fast path for
// Array(U8) (spec.md §3.1).
func LiftByteArray(ctx context.Context, mem backend.Memory, ptr, length uint32) ([]byte, error) {
	raw, ok := mem.Read(ctx, ptr, length)
	if !ok {
		return nil, &api.InvalidMemoryAccessError{Offset: ptr, Length: length}
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func readU64Slot(ctx context.Context, mem backend.Memory, ptr uint32) (uint64, error) {
	raw, ok := mem.Read(ctx, ptr, 8)
	if !ok {
		return 0, &api.InvalidMemoryAccessError{Offset: ptr, Length: 8}
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func readScalar(ctx context.Context, mem backend.Memory, p api.Primitive, ptr uint32) (api.IValue, error) {
	size := uint32(ElementSize(p))
	raw, ok := mem.Read(ctx, ptr, size)
	if !ok {
		return nil, &api.InvalidMemoryAccessError{Offset: ptr, Length: size}
	}
	switch p {
	case api.TBoolean:
		return api.VBool(raw[0] != 0), nil
	case api.TS8:
		return api.VS8(int8(raw[0])), nil
	case api.TU8:
		return api.VU8(raw[0]), nil
	case api.TS16:
		return api.VS16(int16(binary.LittleEndian.Uint16(raw))), nil
	case api.TU16:
		return api.VU16(binary.LittleEndian.Uint16(raw)), nil
	case api.TS32:
		return api.VS32(int32(binary.LittleEndian.Uint32(raw))), nil
	case api.TU32:
		return api.VU32(binary.LittleEndian.Uint32(raw)), nil
	case api.TI32:
		return api.VI32(int32(binary.LittleEndian.Uint32(raw))), nil
	case api.TF32:
		return api.VF32(math.Float32frombits(binary.LittleEndian.Uint32(raw))), nil
	case api.TS64:
		return api.VS64(int64(binary.LittleEndian.Uint64(raw))), nil
	case api.TU64:
		return api.VU64(binary.LittleEndian.Uint64(raw)), nil
	case api.TI64:
		return api.VI64(int64(binary.LittleEndian.Uint64(raw))), nil
	case api.TF64:
		return api.VF64(math.Float64frombits(binary.LittleEndian.Uint64(raw))), nil
	default:
		return nil, fmt.Errorf("%w: scalar lift of %s", api.ErrMalformedITSection, p)
	}
}

// LiftArray reads count elements of type elem starting at ptr, each
// occupying ElementSize(elem) bytes (primitives) or a (ptr,len) i64
// pair (heap types), recursing into nested arrays/records up to
// api.RecursionLimit. A zero count yields an empty slice regardless of
// ptr (spec.md §4.2).
func LiftArray(ctx context.Context, mem backend.Memory, elem api.IType, ptr, count uint32, records *api.RecordRegistry, depth int) ([]api.IValue, error) {
	if depth > api.RecursionLimit {
		return nil, api.ErrRecursionLimitExceeded
	}
	if count == 0 {
		return nil, nil
	}

	if p, ok := api.IsPrimitive(elem); ok && p != api.TString && p != api.TByteArray {
		stride := uint32(ElementSize(p))
		out := make([]api.IValue, 0, count)
		for i := uint32(0); i < count; i++ {
			v, err := readScalar(ctx, mem, p, ptr+i*stride)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	// Heap-typed elements: each slot is a (sub_ptr, sub_len) i64 pair.
	out := make([]api.IValue, 0, count)
	for i := uint32(0); i < count; i++ {
		slotPtr := ptr + i*16
		subPtr64, err := readU64Slot(ctx, mem, slotPtr)
		if err != nil {
			return nil, err
		}
		subLen64, err := readU64Slot(ctx, mem, slotPtr+8)
		if err != nil {
			return nil, err
		}
		subPtr, subLen := uint32(subPtr64), uint32(subLen64)

		switch t := elem.(type) {
		case api.Primitive: // TString or TByteArray
			if t == api.TByteArray {
				b, err := LiftByteArray(ctx, mem, subPtr, subLen)
				if err != nil {
					return nil, err
				}
				out = append(out, api.VByteArray(b))
			} else {
				s, err := LiftString(ctx, mem, subPtr, subLen)
				if err != nil {
					return nil, err
				}
				out = append(out, api.VString(s))
			}
		case api.ArrayType:
			sub, err := LiftArray(ctx, mem, t.Elem, subPtr, subLen, records, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, api.VArray{Elem: t.Elem, Vals: sub})
		case api.RecordType:
			v, err := LiftRecord(ctx, mem, t.ID, subPtr, records, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		default:
			return nil, fmt.Errorf("%w: unsupported array element type", api.ErrMalformedITSection)
		}
	}
	return out, nil
}

// LiftRecord reads the record identified by id from ptr, field by
// field in declaration order, recursing up to api.RecursionLimit.
func LiftRecord(ctx context.Context, mem backend.Memory, id uint64, ptr uint32, records *api.RecordRegistry, depth int) (api.IValue, error) {
	if depth > api.RecursionLimit {
		return nil, api.ErrRecursionLimitExceeded
	}
	def, ok := records.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", api.ErrUnknownRecordId, id)
	}

	fields := make([]api.IValue, 0, len(def.Fields))
	slot := ptr
	for _, f := range def.Fields {
		switch t := f.Type.(type) {
		case api.Primitive:
			switch t {
			case api.TString, api.TByteArray:
				subPtr64, err := readU64Slot(ctx, mem, slot)
				if err != nil {
					return nil, err
				}
				subLen64, err := readU64Slot(ctx, mem, slot+8)
				if err != nil {
					return nil, err
				}
				slot += 16
				if subLen64 == 0 {
					if t == api.TByteArray {
						fields = append(fields, api.VByteArray(nil))
					} else {
						fields = append(fields, api.VString(""))
					}
					continue
				}
				if t == api.TByteArray {
					b, err := LiftByteArray(ctx, mem, uint32(subPtr64), uint32(subLen64))
					if err != nil {
						return nil, err
					}
					fields = append(fields, api.VByteArray(b))
				} else {
					s, err := LiftString(ctx, mem, uint32(subPtr64), uint32(subLen64))
					if err != nil {
						return nil, err
					}
					fields = append(fields, api.VString(s))
				}
			default:
				v, err := readScalar(ctx, mem, t, slot)
				if err != nil {
					return nil, err
				}
				fields = append(fields, v)
				slot += uint32(ElementSize(t))
			}
		case api.ArrayType:
			subPtr64, err := readU64Slot(ctx, mem, slot)
			if err != nil {
				return nil, err
			}
			subLen64, err := readU64Slot(ctx, mem, slot+8)
			if err != nil {
				return nil, err
			}
			slot += 16
			if subLen64 == 0 {
				fields = append(fields, api.VArray{Elem: t.Elem, Vals: nil})
				continue
			}
			sub, err := LiftArray(ctx, mem, t.Elem, uint32(subPtr64), uint32(subLen64), records, depth+1)
			if err != nil {
				return nil, err
			}
			fields = append(fields, api.VArray{Elem: t.Elem, Vals: sub})
		case api.RecordType:
			subPtr64, err := readU64Slot(ctx, mem, slot)
			if err != nil {
				return nil, err
			}
			slot += 8
			v, err := LiftRecord(ctx, mem, t.ID, uint32(subPtr64), records, depth+1)
			if err != nil {
				return nil, err
			}
			fields = append(fields, v)
		default:
			return nil, fmt.Errorf("%w: unsupported field type", api.ErrMalformedITSection)
		}
	}

	return api.VRecord{ID: id, Fields: fields}, nil
}
