// Package itsection extracts and validates the adapter program and the
// type/import/export/implementation tables carried in a Wasm module's
// IT custom section (spec.md §4.2/§6.2, component C).
//
// The wire encoding of the section is explicitly out of spec.md's
// scope ("This specification does not define the full IT ABI
// byte-encoding"); what is specified is the AST shape the core
// requires once a module has been parsed (§6.2). This package
// implements both a self-consistent binary encoding (Encode) usable to
// build test fixtures and a tool-generated section, and the decoder
// (Parse) that recovers the same AST, so the interpreter and the rest
// of the core can be exercised end-to-end without an external parser
// dependency, matching the instructions_generator / it-parser split in
// the original implementation (crates/it-generator, crates/it-parser).
package itsection

import "github.com/itcore/runtime/api"

// Opcode identifies one IT adapter instruction (spec.md §4.1,
// "Instruction set (abridged)").
type Opcode byte

const (
	OpArgumentGet Opcode = iota
	OpCallCore

	OpI32FromS8
	OpI32FromS16
	OpI32FromS32
	OpI32FromU8
	OpI32FromU16
	OpI32FromU32
	OpI32FromBool
	OpI64FromS64
	OpI64FromU64

	OpS8FromI32
	OpS16FromI32
	OpS32FromI32
	OpU8FromI32
	OpU16FromI32
	OpU32FromI32
	OpBoolFromI32
	OpS64FromI64
	OpU64FromI64

	OpStringSize
	OpStringLowerMemory
	OpStringLiftMemory
	OpByteArrayLowerMemory
	OpByteArrayLiftMemory
	OpArrayLowerMemory
	OpArrayLiftMemory
	OpRecordLowerMemory
	OpRecordLiftMemory

	OpDup
	OpSwap2
	OpPushI32
)

func (o Opcode) String() string {
	names := [...]string{
		"ArgumentGet", "CallCore",
		"I32FromS8", "I32FromS16", "I32FromS32", "I32FromU8", "I32FromU16", "I32FromU32", "I32FromBool",
		"I64FromS64", "I64FromU64",
		"S8FromI32", "S16FromI32", "S32FromI32", "U8FromI32", "U16FromI32", "U32FromI32", "BoolFromI32",
		"S64FromI64", "U64FromI64",
		"StringSize", "StringLowerMemory", "StringLiftMemory",
		"ByteArrayLowerMemory", "ByteArrayLiftMemory",
		"ArrayLowerMemory", "ArrayLiftMemory",
		"RecordLowerMemory", "RecordLiftMemory",
		"Dup", "Swap2", "PushI32",
	}
	if int(o) < len(names) {
		return names[o]
	}
	return "Unknown"
}

// Instruction is one step of an adapter program. Only the operands
// relevant to its Op are populated; see the field docs below.
type Instruction struct {
	Op Opcode

	// ArgumentGet
	ArgIndex uint32

	// CallCore: the well-known or module-scoped function index
	// (spec.md §4.1 "Function index numbering").
	FunctionIndex uint32

	// ArrayLowerMemory / ArrayLiftMemory: declared element type.
	ElemType api.IType

	// RecordLowerMemory / RecordLiftMemory: target record id.
	RecordID uint64

	// PushI32
	I32Value int32
}

// Well-known CallCore function indices for the allocator contract
// (spec.md §4.1 "Allocator contract"). These are assigned outside the
// module's own export/import numbering space so they can never
// collide with a real function index; the linker routes them to the
// guest exports of the same semantics.
const (
	FuncIndexWellKnownBase = 1 << 30

	AllocateFuncID = FuncIndexWellKnownBase + iota
	SetResultPtrFuncID
	SetResultSizeFuncID
	GetResultPtrFuncID
	GetResultSizeFuncID
	ReleaseObjectsFuncID
)

// IsWellKnown reports whether idx names one of the fixed allocator
// contract functions rather than a module-numbered export/import.
func IsWellKnown(idx uint32) bool { return idx >= FuncIndexWellKnownBase }
