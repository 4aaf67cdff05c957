package itsection

import (
	"errors"
	"fmt"

	"github.com/itcore/runtime/api"
)

var errMalformed = errors.New("malformed interface type section")

// Type tags for the on-wire encoding of api.IType. Values below 0x80
// are reserved for Primitive variants (keeping parity with their
// api.Primitive byte value); 0x80/0x81 tag the recursive variants.
const (
	tagArray  byte = 0x80
	tagRecord byte = 0x81
)

func encodeIType(buf []byte, t api.IType) ([]byte, error) {
	switch tt := t.(type) {
	case api.Primitive:
		return append(buf, byte(tt)), nil
	case api.ArrayType:
		buf = append(buf, tagArray)
		return encodeIType(buf, tt.Elem)
	case api.RecordType:
		buf = append(buf, tagRecord)
		return putUvarint(buf, tt.ID), nil
	default:
		return nil, fmt.Errorf("%w: unknown IType %T", errMalformed, t)
	}
}

func decodeIType(buf []byte) (api.IType, int, error) {
	if len(buf) == 0 {
		return nil, 0, fmt.Errorf("%w: truncated type", errMalformed)
	}
	tag := buf[0]
	switch tag {
	case tagArray:
		elem, adv, err := decodeIType(buf[1:])
		if err != nil {
			return nil, 0, err
		}
		return api.Array(elem), 1 + adv, nil
	case tagRecord:
		id, adv, err := getUvarint(buf[1:])
		if err != nil {
			return nil, 0, err
		}
		return api.Record(id), 1 + adv, nil
	default:
		if tag > byte(api.TByteArray) {
			return nil, 0, fmt.Errorf("%w: unknown type tag %#x", errMalformed, tag)
		}
		return api.Primitive(tag), 1, nil
	}
}
