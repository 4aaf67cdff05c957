package itsection

// Encode serializes s into the custom-section byte payload this
// package's own Parse understands. Used by tests to build fixture
// modules and, conceptually, stands in for the external guest-SDK
// macro/generator (crates/it-generator in the original implementation)
// that spec.md places out of scope.
func Encode(s *Section) ([]byte, error) {
	var buf []byte
	buf = putUvarint(buf, uint64(s.Version))

	buf = putUvarint(buf, uint64(len(s.Types)))
	for _, ft := range s.Types {
		var err error
		buf = putUvarint(buf, uint64(len(ft.Arguments)))
		for _, a := range ft.Arguments {
			buf = putString(buf, a.Name)
			if buf, err = encodeIType(buf, a.Type); err != nil {
				return nil, err
			}
		}
		buf = putUvarint(buf, uint64(len(ft.Outputs)))
		for _, o := range ft.Outputs {
			if buf, err = encodeIType(buf, o); err != nil {
				return nil, err
			}
		}
	}

	buf = putUvarint(buf, uint64(len(s.ExportsList)))
	for _, e := range s.ExportsList {
		buf = putString(buf, e.Name)
		buf = putUvarint(buf, uint64(e.TypeIndex))
	}

	buf = putUvarint(buf, uint64(len(s.ImportsList)))
	for _, im := range s.ImportsList {
		buf = putString(buf, im.Namespace)
		buf = putString(buf, im.Name)
		buf = putUvarint(buf, uint64(im.TypeIndex))
	}

	buf = putUvarint(buf, uint64(len(s.AdaptersList)))
	for _, ad := range s.AdaptersList {
		buf = putUvarint(buf, uint64(ad.TypeIndex))
		buf = putUvarint(buf, uint64(len(ad.Instructions)))
		for _, ins := range ad.Instructions {
			var err error
			if buf, err = encodeInstruction(buf, ins); err != nil {
				return nil, err
			}
		}
	}

	buf = putUvarint(buf, uint64(len(s.Implementations)))
	for _, impl := range s.Implementations {
		buf = putUvarint(buf, uint64(impl.AdapterTypeIndex))
		buf = putUvarint(buf, uint64(impl.CoreTypeIndex))
	}

	buf = putUvarint(buf, uint64(len(s.Records)))
	for _, r := range s.Records {
		buf = putUvarint(buf, r.ID)
		buf = putString(buf, r.Name)
		buf = putUvarint(buf, uint64(len(r.Fields)))
		for _, f := range r.Fields {
			buf = putString(buf, f.Name)
			var err error
			if buf, err = encodeIType(buf, f.Type); err != nil {
				return nil, err
			}
		}
	}

	return buf, nil
}

func encodeInstruction(buf []byte, ins Instruction) ([]byte, error) {
	buf = append(buf, byte(ins.Op))
	switch ins.Op {
	case OpArgumentGet:
		buf = putUvarint(buf, uint64(ins.ArgIndex))
	case OpCallCore:
		buf = putUvarint(buf, uint64(ins.FunctionIndex))
	case OpArrayLowerMemory, OpArrayLiftMemory:
		var err error
		if buf, err = encodeIType(buf, ins.ElemType); err != nil {
			return nil, err
		}
	case OpRecordLowerMemory, OpRecordLiftMemory:
		buf = putUvarint(buf, ins.RecordID)
	case OpPushI32:
		buf = putUvarint(buf, uint64(uint32(ins.I32Value)))
	}
	return buf, nil
}
