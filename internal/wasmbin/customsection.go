// Package wasmbin has the one piece of raw core-Wasm binary parsing
// both concrete backends need directly: locating a named custom
// section. Neither wasmtime-go nor wasmer-go exposes custom-section
// payloads through their high-level Module type, so both backends
// scan the original bytes themselves instead of re-decoding through
// the engine.
package wasmbin

import "encoding/binary"

const (
	customSectionID = 0
	headerLen       = 8 // 4-byte magic + 4-byte version
)

// FindCustomSection returns the payload of the custom section named
// name, or (nil, false) if wasmBytes has none by that name. Grounded
// on the core Wasm binary format's section framing (section id: byte,
// size: u32 LEB128, payload; a custom section's payload begins with
// its own name: u32 LEB128 length + UTF-8 bytes).
func FindCustomSection(wasmBytes []byte, name string) ([]byte, bool) {
	if len(wasmBytes) < headerLen {
		return nil, false
	}
	pos := headerLen
	for pos < len(wasmBytes) {
		id := wasmBytes[pos]
		pos++
		size, n, ok := readVarUint32(wasmBytes[pos:])
		if !ok {
			return nil, false
		}
		pos += n
		if pos+int(size) > len(wasmBytes) {
			return nil, false
		}
		payload := wasmBytes[pos : pos+int(size)]
		pos += int(size)

		if id != customSectionID {
			continue
		}
		nameLen, n, ok := readVarUint32(payload)
		if !ok {
			continue
		}
		if int(nameLen)+n > len(payload) {
			continue
		}
		sectionName := string(payload[n : n+int(nameLen)])
		if sectionName == name {
			return payload[n+int(nameLen):], true
		}
	}
	return nil, false
}

func readVarUint32(b []byte) (value uint32, n int, ok bool) {
	v, n := binary.Uvarint(b)
	if n <= 0 || v > 0xFFFFFFFF {
		return 0, 0, false
	}
	return uint32(v), n, true
}
