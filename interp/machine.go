package interp

import "github.com/itcore/runtime/api"

// machine holds the operand stack for one adapter run. A fresh machine
// is created per Run call (spec.md §4.7: "Adapter interpreter: no
// durable state; a fresh stack per run").
type machine struct {
	stack []api.IValue
}

func (m *machine) push(v api.IValue) {
	m.stack = append(m.stack, v)
}

func (m *machine) pop(instr string) (api.IValue, error) {
	if len(m.stack) == 0 {
		return nil, &api.StackUnderflowError{Instruction: instr}
	}
	top := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return top, nil
}

// popN pops n values and returns them in original (push) order, i.e.
// the order CallCore needs to present them to its target as inputs.
func (m *machine) popN(instr string, n int) ([]api.IValue, error) {
	if len(m.stack) < n {
		return nil, &api.StackUnderflowError{Instruction: instr}
	}
	start := len(m.stack) - n
	out := make([]api.IValue, n)
	copy(out, m.stack[start:])
	m.stack = m.stack[:start]
	return out, nil
}

func (m *machine) popU32(instr string) (uint32, error) {
	v, err := m.pop(instr)
	if err != nil {
		return 0, err
	}
	switch vv := v.(type) {
	case api.VI32:
		return uint32(vv), nil
	case api.VU32:
		return uint32(vv), nil
	default:
		return 0, &api.StackTypeMismatchError{Expected: api.TI32, Actual: v.Type()}
	}
}

func (m *machine) popString(instr string) (string, error) {
	v, err := m.pop(instr)
	if err != nil {
		return "", err
	}
	s, ok := v.(api.VString)
	if !ok {
		return "", &api.StackTypeMismatchError{Expected: api.TString, Actual: v.Type()}
	}
	return string(s), nil
}

func (m *machine) popByteArray(instr string) ([]byte, error) {
	v, err := m.pop(instr)
	if err != nil {
		return nil, err
	}
	b, ok := v.(api.VByteArray)
	if !ok {
		return nil, &api.StackTypeMismatchError{Expected: api.TByteArray, Actual: v.Type()}
	}
	return []byte(b), nil
}

func (m *machine) popArray(instr string) (api.VArray, error) {
	v, err := m.pop(instr)
	if err != nil {
		return api.VArray{}, err
	}
	a, ok := v.(api.VArray)
	if !ok {
		return api.VArray{}, &api.StackTypeMismatchError{Expected: api.Array(api.TBoolean), Actual: v.Type()}
	}
	return a, nil
}

func (m *machine) popRecord(instr string) (api.VRecord, error) {
	v, err := m.pop(instr)
	if err != nil {
		return api.VRecord{}, err
	}
	r, ok := v.(api.VRecord)
	if !ok {
		return api.VRecord{}, &api.StackTypeMismatchError{Expected: api.Record(0), Actual: v.Type()}
	}
	return r, nil
}
