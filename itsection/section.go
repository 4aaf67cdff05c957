package itsection

import "github.com/itcore/runtime/api"

// CustomSectionName is the name of the Wasm custom section this
// package extracts (spec.md §6.2).
const CustomSectionName = "interface-types"

// CurrentVersion is the IT section format version this interpreter
// implements. Parse rejects a section reporting a *newer* version with
// ErrIncompatibleITVersion, since the interpreter's format version must
// be >= the embedded one (spec.md §4.5 step 1); older versions are
// accepted.
const CurrentVersion uint32 = 1

// FunctionType is the IT-level signature of one adapter or core
// function, referenced by index from Export/Import/Implementation
// entries.
type FunctionType struct {
	Arguments []api.ArgumentDef
	Outputs   []api.IType
}

// Export names one of the module's exported functions and the index
// of its IT function type.
type Export struct {
	Name      string
	TypeIndex uint32
}

// Import names one of the module's imported functions (namespace,
// name) and the index of its IT function type.
type Import struct {
	Namespace string
	Name      string
	TypeIndex uint32
}

// Adapter is the instruction sequence for one function type index.
type Adapter struct {
	TypeIndex    uint32
	Instructions []Instruction
}

// Implementation links an adapter function type to the core (raw)
// function type it implements (spec.md §3.5).
type Implementation struct {
	AdapterTypeIndex uint32
	CoreTypeIndex    uint32
}

// Section is the parsed AST of one module's IT custom section —
// exactly the surface spec.md §6.2 requires the core to be able to
// read.
type Section struct {
	Version         uint32
	Types           []FunctionType
	ExportsList     []Export
	ImportsList     []Import
	AdaptersList    []Adapter
	Implementations []Implementation
	Records         []*api.RecordDef
}

func (s *Section) Types_() []FunctionType        { return s.Types }
func (s *Section) Exports() []Export             { return s.ExportsList }
func (s *Section) Imports() []Import             { return s.ImportsList }
func (s *Section) Adapters() []Adapter           { return s.AdaptersList }
func (s *Section) ImplementationList() []Implementation { return s.Implementations }
func (s *Section) RecordTypes() []*api.RecordDef { return s.Records }
func (s *Section) SectionVersion() uint32        { return s.Version }

// TypeByIndex returns the function type at i, or (zero, false).
func (s *Section) TypeByIndex(i uint32) (FunctionType, bool) {
	if int(i) >= len(s.Types) {
		return FunctionType{}, false
	}
	return s.Types[i], true
}

// AdapterByType returns the instruction sequence implementing the
// adapter function type at i, or (nil, false).
func (s *Section) AdapterByType(i uint32) ([]Instruction, bool) {
	for _, a := range s.AdaptersList {
		if a.TypeIndex == i {
			return a.Instructions, true
		}
	}
	return nil, false
}
