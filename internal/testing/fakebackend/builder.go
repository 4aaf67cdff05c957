package fakebackend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/itsection"
)

// ExportFunc is one raw export a test-authored fixture module
// provides, standing in for compiled guest bytecode.
type ExportFunc struct {
	Params  []backend.WType
	Results []backend.WType
	Fn      func(ctx context.Context, inst *Instance, args []backend.WValue) ([]backend.WValue, error)
}

// ModuleSpec is a fixture module's definition, registered under a
// unique token that stands in for its "wasm bytes".
type ModuleSpec struct {
	token          []byte
	customSections map[string][]byte
	exports        map[string]ExportFunc
	memoryCapacity uint32
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*ModuleSpec)
	tokenSeq   uint64
)

func lookupSpec(token []byte) (*ModuleSpec, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	spec, ok := registry[string(token)]
	return spec, ok
}

// Builder assembles a ModuleSpec fixture.
type Builder struct {
	name string
	spec *ModuleSpec
}

// NewModule starts a fixture module named hint (used only for error
// messages and the registry token, not a semantic module name).
func NewModule(hint string) *Builder {
	return &Builder{
		name: hint,
		spec: &ModuleSpec{
			customSections: make(map[string][]byte),
			exports:        make(map[string]ExportFunc),
		},
	}
}

// WithITSection attaches section, encoded the same way the real IT
// section custom section is encoded, as this module's IT section.
func (b *Builder) WithITSection(section *itsection.Section) *Builder {
	raw, err := itsection.Encode(section)
	if err != nil {
		panic(fmt.Sprintf("fakebackend: encoding IT section for %s: %v", b.name, err))
	}
	b.spec.customSections[itsection.CustomSectionName] = raw
	return b
}

// WithCustomSection attaches an arbitrary custom section, e.g. the
// guest SDK version section module.go checks.
func (b *Builder) WithCustomSection(name string, raw []byte) *Builder {
	b.spec.customSections[name] = raw
	return b
}

// WithMemoryCapacity bounds how large this instance's linear memory
// may grow; 0 defaults to 1 MiB.
func (b *Builder) WithMemoryCapacity(n uint32) *Builder {
	b.spec.memoryCapacity = n
	return b
}

// WithExport registers a raw export under name.
func (b *Builder) WithExport(name string, fn ExportFunc) *Builder {
	b.spec.exports[name] = fn
	return b
}

// WithStandardAllocator wires the well-known allocator contract
// (allocate/set_result_ptr/set_result_size/get_result_ptr/
// get_result_size/release_objects) as a bump allocator over the
// instance's own memory, so fixture modules that only care about their
// own exports/imports don't have to hand-author the allocator contract
// every time.
func (b *Builder) WithStandardAllocator() *Builder {
	b.spec.exports["allocate"] = ExportFunc{
		Params:  []backend.WType{backend.WTypeI32, backend.WTypeI32},
		Results: []backend.WType{backend.WTypeI32},
		Fn: func(ctx context.Context, inst *Instance, args []backend.WValue) ([]backend.WValue, error) {
			size := args[0].U32()
			ptr, ok := inst.memory.Alloc(size)
			if !ok {
				return nil, fmt.Errorf("fakebackend: allocate(%d) exceeded memory budget", size)
			}
			return []backend.WValue{backend.U32(ptr)}, nil
		},
	}
	b.spec.exports["set_result_ptr"] = ExportFunc{
		Params: []backend.WType{backend.WTypeI32},
		Fn: func(ctx context.Context, inst *Instance, args []backend.WValue) ([]backend.WValue, error) {
			inst.mu.Lock()
			inst.resultPtr = args[0].U32()
			inst.mu.Unlock()
			return nil, nil
		},
	}
	b.spec.exports["set_result_size"] = ExportFunc{
		Params: []backend.WType{backend.WTypeI32},
		Fn: func(ctx context.Context, inst *Instance, args []backend.WValue) ([]backend.WValue, error) {
			inst.mu.Lock()
			inst.resultSize = args[0].U32()
			inst.mu.Unlock()
			return nil, nil
		},
	}
	b.spec.exports["get_result_ptr"] = ExportFunc{
		Results: []backend.WType{backend.WTypeI32},
		Fn: func(ctx context.Context, inst *Instance, args []backend.WValue) ([]backend.WValue, error) {
			ptr, _ := inst.resultState()
			return []backend.WValue{backend.U32(ptr)}, nil
		},
	}
	b.spec.exports["get_result_size"] = ExportFunc{
		Results: []backend.WType{backend.WTypeI32},
		Fn: func(ctx context.Context, inst *Instance, args []backend.WValue) ([]backend.WValue, error) {
			_, size := inst.resultState()
			return []backend.WValue{backend.U32(size)}, nil
		},
	}
	b.spec.exports["release_objects"] = ExportFunc{
		Fn: func(ctx context.Context, inst *Instance, args []backend.WValue) ([]backend.WValue, error) {
			return nil, nil
		},
	}
	return b
}

// Build registers the fixture and returns the token to pass as
// wasmBytes to module.New/orchestrator.LoadModule.
func (b *Builder) Build() []byte {
	id := atomic.AddUint64(&tokenSeq, 1)
	b.spec.token = []byte(fmt.Sprintf("fakebackend:%d:%s", id, b.name))
	registryMu.Lock()
	registry[string(b.spec.token)] = b.spec
	registryMu.Unlock()
	return append([]byte(nil), b.spec.token...)
}
