package itsection

import (
	"fmt"

	"github.com/itcore/runtime/api"
)

// Parse decodes the raw bytes of a module's IT custom section into a
// Section, and validates the structural invariants spec.md §8 demands
// (record id uniqueness/density) plus the version check from §4.5
// step 1.
//
// Parse does not itself reject recursion — depth bounding is the
// interpreter's and memlift's job at lift/lower time (spec.md §4.1
// "Recursion limit"), since a record type graph that is merely *deep*
// when declared is not malformed, only when *resolved*.
func Parse(raw []byte) (*Section, error) {
	s := &Section{}
	buf := raw

	version, adv, err := getUvarint(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: version: %v", api.ErrMalformedITSection, err)
	}
	buf = buf[adv:]
	s.Version = uint32(version)
	if s.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: section version %d, interpreter supports up to %d", api.ErrIncompatibleITVersion, s.Version, CurrentVersion)
	}

	numTypes, adv, err := getUvarint(buf)
	if err != nil {
		return nil, wrapMalformed("type count", err)
	}
	buf = buf[adv:]
	s.Types = make([]FunctionType, numTypes)
	for i := range s.Types {
		numArgs, adv, err := getUvarint(buf)
		if err != nil {
			return nil, wrapMalformed("argument count", err)
		}
		buf = buf[adv:]
		var args []api.ArgumentDef
		if numArgs > 0 {
			args = make([]api.ArgumentDef, numArgs)
		}
		for j := range args {
			name, adv, err := getString(buf)
			if err != nil {
				return nil, wrapMalformed("argument name", err)
			}
			buf = buf[adv:]
			typ, adv, err := decodeIType(buf)
			if err != nil {
				return nil, wrapMalformed("argument type", err)
			}
			buf = buf[adv:]
			args[j] = api.ArgumentDef{Name: name, Type: typ}
		}
		numOuts, adv, err := getUvarint(buf)
		if err != nil {
			return nil, wrapMalformed("output count", err)
		}
		buf = buf[adv:]
		outs := make([]api.IType, numOuts)
		for j := range outs {
			typ, adv, err := decodeIType(buf)
			if err != nil {
				return nil, wrapMalformed("output type", err)
			}
			buf = buf[adv:]
			outs[j] = typ
		}
		s.Types[i] = FunctionType{Arguments: args, Outputs: outs}
	}

	numExports, adv, err := getUvarint(buf)
	if err != nil {
		return nil, wrapMalformed("export count", err)
	}
	buf = buf[adv:]
	s.ExportsList = make([]Export, numExports)
	for i := range s.ExportsList {
		name, adv, err := getString(buf)
		if err != nil {
			return nil, wrapMalformed("export name", err)
		}
		buf = buf[adv:]
		typeIdx, adv, err := getUvarint(buf)
		if err != nil {
			return nil, wrapMalformed("export type index", err)
		}
		buf = buf[adv:]
		s.ExportsList[i] = Export{Name: name, TypeIndex: uint32(typeIdx)}
	}

	numImports, adv, err := getUvarint(buf)
	if err != nil {
		return nil, wrapMalformed("import count", err)
	}
	buf = buf[adv:]
	s.ImportsList = make([]Import, numImports)
	for i := range s.ImportsList {
		ns, adv, err := getString(buf)
		if err != nil {
			return nil, wrapMalformed("import namespace", err)
		}
		buf = buf[adv:]
		name, adv, err := getString(buf)
		if err != nil {
			return nil, wrapMalformed("import name", err)
		}
		buf = buf[adv:]
		typeIdx, adv, err := getUvarint(buf)
		if err != nil {
			return nil, wrapMalformed("import type index", err)
		}
		buf = buf[adv:]
		s.ImportsList[i] = Import{Namespace: ns, Name: name, TypeIndex: uint32(typeIdx)}
	}

	numAdapters, adv, err := getUvarint(buf)
	if err != nil {
		return nil, wrapMalformed("adapter count", err)
	}
	buf = buf[adv:]
	s.AdaptersList = make([]Adapter, numAdapters)
	for i := range s.AdaptersList {
		typeIdx, adv, err := getUvarint(buf)
		if err != nil {
			return nil, wrapMalformed("adapter type index", err)
		}
		buf = buf[adv:]
		numIns, adv, err := getUvarint(buf)
		if err != nil {
			return nil, wrapMalformed("instruction count", err)
		}
		buf = buf[adv:]
		instrs := make([]Instruction, numIns)
		for j := range instrs {
			ins, adv, err := decodeInstruction(buf)
			if err != nil {
				return nil, wrapMalformed("instruction", err)
			}
			buf = buf[adv:]
			instrs[j] = ins
		}
		s.AdaptersList[i] = Adapter{TypeIndex: uint32(typeIdx), Instructions: instrs}
	}

	numImpls, adv, err := getUvarint(buf)
	if err != nil {
		return nil, wrapMalformed("implementation count", err)
	}
	buf = buf[adv:]
	s.Implementations = make([]Implementation, numImpls)
	for i := range s.Implementations {
		adapterIdx, adv, err := getUvarint(buf)
		if err != nil {
			return nil, wrapMalformed("implementation adapter index", err)
		}
		buf = buf[adv:]
		coreIdx, adv, err := getUvarint(buf)
		if err != nil {
			return nil, wrapMalformed("implementation core index", err)
		}
		buf = buf[adv:]
		s.Implementations[i] = Implementation{AdapterTypeIndex: uint32(adapterIdx), CoreTypeIndex: uint32(coreIdx)}
	}

	numRecords, adv, err := getUvarint(buf)
	if err != nil {
		return nil, wrapMalformed("record count", err)
	}
	buf = buf[adv:]
	records := make([]*api.RecordDef, numRecords)
	for i := range records {
		id, adv, err := getUvarint(buf)
		if err != nil {
			return nil, wrapMalformed("record id", err)
		}
		buf = buf[adv:]
		name, adv, err := getString(buf)
		if err != nil {
			return nil, wrapMalformed("record name", err)
		}
		buf = buf[adv:]
		numFields, adv, err := getUvarint(buf)
		if err != nil {
			return nil, wrapMalformed("record field count", err)
		}
		buf = buf[adv:]
		fields := make([]api.FieldDef, numFields)
		for j := range fields {
			fname, adv, err := getString(buf)
			if err != nil {
				return nil, wrapMalformed("record field name", err)
			}
			buf = buf[adv:]
			ftyp, adv, err := decodeIType(buf)
			if err != nil {
				return nil, wrapMalformed("record field type", err)
			}
			buf = buf[adv:]
			fields[j] = api.FieldDef{Name: fname, Type: ftyp}
		}
		records[i] = &api.RecordDef{ID: id, Name: name, Fields: fields}
	}
	s.Records = records

	// Validate record id density/uniqueness up front (spec.md §8
	// "Record-id uniqueness"): building the registry here, even though
	// the module layer rebuilds it, surfaces a malformed section
	// immediately rather than deferring to first use.
	if _, err := api.NewRecordRegistry(records); err != nil {
		return nil, err
	}

	return s, nil
}

func decodeInstruction(buf []byte) (Instruction, int, error) {
	if len(buf) == 0 {
		return Instruction{}, 0, fmt.Errorf("%w: truncated instruction", api.ErrMalformedITSection)
	}
	op := Opcode(buf[0])
	n := 1
	ins := Instruction{Op: op}
	switch op {
	case OpArgumentGet:
		v, adv, err := getUvarint(buf[n:])
		if err != nil {
			return Instruction{}, 0, err
		}
		ins.ArgIndex = uint32(v)
		n += adv
	case OpCallCore:
		v, adv, err := getUvarint(buf[n:])
		if err != nil {
			return Instruction{}, 0, err
		}
		ins.FunctionIndex = uint32(v)
		n += adv
	case OpArrayLowerMemory, OpArrayLiftMemory:
		t, adv, err := decodeIType(buf[n:])
		if err != nil {
			return Instruction{}, 0, err
		}
		ins.ElemType = t
		n += adv
	case OpRecordLowerMemory, OpRecordLiftMemory:
		v, adv, err := getUvarint(buf[n:])
		if err != nil {
			return Instruction{}, 0, err
		}
		ins.RecordID = v
		n += adv
	case OpPushI32:
		v, adv, err := getUvarint(buf[n:])
		if err != nil {
			return Instruction{}, 0, err
		}
		ins.I32Value = int32(uint32(v))
		n += adv
	}
	return ins, n, nil
}

func wrapMalformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", api.ErrMalformedITSection, what, err)
}
