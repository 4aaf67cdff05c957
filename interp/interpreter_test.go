package interp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/itsection"
)

// fakeMemory is a minimal bounds-checked backend.Memory, local to this
// package's tests (mirrors memlift's own test double, kept separate
// to avoid a test-only cross-package dependency).
type fakeMemory struct{ data []byte }

func newFakeMemory(size int) *fakeMemory { return &fakeMemory{data: make([]byte, size)} }
func (m *fakeMemory) Size() uint32       { return uint32(len(m.data)) }
func (m *fakeMemory) ReadByte(ctx context.Context, offset uint32) (byte, bool) {
	if offset >= uint32(len(m.data)) {
		return 0, false
	}
	return m.data[offset], true
}
func (m *fakeMemory) WriteByte(ctx context.Context, offset uint32, v byte) bool {
	if offset >= uint32(len(m.data)) {
		return false
	}
	m.data[offset] = v
	return true
}
func (m *fakeMemory) Read(ctx context.Context, offset, length uint32) ([]byte, bool) {
	end := offset + length
	if end < offset || end > uint32(len(m.data)) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, m.data[offset:end])
	return out, true
}
func (m *fakeMemory) Write(ctx context.Context, offset uint32, data []byte) bool {
	end := offset + uint32(len(data))
	if end < offset || end > uint32(len(m.data)) {
		return false
	}
	copy(m.data[offset:end], data)
	return true
}

// fakeEnv implements Env with one well-known allocate (bump allocator)
// plus a handful of test-scoped CallCore targets addressed by plain
// module-numbered indices.
type fakeEnv struct {
	mem     *fakeMemory
	records *api.RecordRegistry
	next    uint32

	arity   map[uint32]int
	targets map[uint32]func(inputs []api.IValue) ([]api.IValue, error)
}

func newFakeEnv(mem *fakeMemory) *fakeEnv {
	return &fakeEnv{
		mem:     mem,
		arity:   make(map[uint32]int),
		targets: make(map[uint32]func(inputs []api.IValue) ([]api.IValue, error)),
	}
}

func (e *fakeEnv) Memory() backend.Memory { return e.mem }

func (e *fakeEnv) Records() *api.RecordRegistry { return e.records }

func (e *fakeEnv) FunctionArity(functionIndex uint32) (int, error) {
	if functionIndex == itsection.AllocateFuncID {
		return 2, nil
	}
	n, ok := e.arity[functionIndex]
	if !ok {
		return 0, &api.UnknownFunctionIndexError{Index: functionIndex}
	}
	return n, nil
}

func (e *fakeEnv) CallCore(ctx context.Context, functionIndex uint32, inputs []api.IValue) ([]api.IValue, error) {
	if functionIndex == itsection.AllocateFuncID {
		size := uint32(inputs[0].(api.VI32))
		ptr := e.next
		e.next += size
		if e.next > e.mem.Size() {
			return nil, &api.InvalidMemoryAccessError{Offset: ptr, Length: size}
		}
		return []api.IValue{api.VI32(int32(ptr))}, nil
	}
	fn, ok := e.targets[functionIndex]
	if !ok {
		return nil, &api.UnknownFunctionIndexError{Index: functionIndex}
	}
	return fn(inputs)
}

func (e *fakeEnv) register(idx uint32, arity int, fn func([]api.IValue) ([]api.IValue, error)) {
	e.arity[idx] = arity
	e.targets[idx] = fn
}
