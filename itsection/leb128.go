package itsection

import "fmt"

// putUvarint/getUvarint implement unsigned LEB128, the same variable
// length integer encoding the Wasm binary format itself uses for
// indices and counts (c.f. the teacher's internal/leb128 package,
// whose non-test sources were not retrieved into this pack but whose
// test vectors this package's round-trip tests are shaped after).
func putUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func getUvarint(buf []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift > 63 {
			return 0, 0, fmt.Errorf("%w: leb128 overflow", errMalformed)
		}
	}
	return 0, 0, fmt.Errorf("%w: truncated leb128", errMalformed)
}

func putString(buf []byte, s string) []byte {
	buf = putUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func getString(buf []byte) (string, int, error) {
	n, adv, err := getUvarint(buf)
	if err != nil {
		return "", 0, err
	}
	if adv+int(n) > len(buf) {
		return "", 0, fmt.Errorf("%w: truncated string", errMalformed)
	}
	return string(buf[adv : adv+int(n)]), adv + int(n), nil
}
