// Package module implements one loaded Wasm module (spec.md §4.5,
// component H): parsing and version-checking its IT section, linking
// its imports, instantiating it against a backend, running its guest
// start routines, and exposing call() against its IT-level exports.
//
// Grounded on the teacher's own module/instance split
// (wasm.ModuleInstance wrapping a compiled wasm.Module) for the
// construction sequence, adapted so that "instantiate" additionally
// resolves IT imports and builds the CallCore numbering this module's
// own adapter programs rely on.
package module

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/interp"
	"github.com/itcore/runtime/itsection"
)

// sdkVersionSectionName carries the guest SDK's declared version, a
// concern distinct from the IT section format version
// (itsection.CurrentVersion): a guest can embed a recent-format
// section while having been built against a guest SDK older than a
// host requires.
const sdkVersionSectionName = "interface-types-sdk-version"

var wellKnownExportNames = map[string]bool{
	"allocate":        true,
	"set_result_ptr":  true,
	"set_result_size": true,
	"get_result_ptr":  true,
	"get_result_size": true,
	"release_objects": true,
}

type exportEntry struct {
	sig     api.FunctionSignature
	adapter []itsection.Instruction
}

// Module is one loaded, instantiated Wasm module.
type Module struct {
	name     string
	instance backend.Instance
	memory   backend.Memory
	section  *itsection.Section
	records  *api.RecordRegistry

	exportFuncs map[string]exportEntry

	// CallCore numbering (spec.md §4.1 "Function index numbering"):
	// [0, len(coreFuncs)) are this module's own raw exports (excluding
	// the well-known allocator contract, which is reached through
	// itsection.IsWellKnown indices instead); [len(coreFuncs),
	// len(coreFuncs)+len(importTargets)) are its imports that carry an
	// adapter implementation.
	coreFuncs     []backend.Function
	importTargets []backend.Function
}

// New compiles wasmBytes, parses and validates its IT section, resolves
// its imports through resolver, instantiates it against store, and runs
// its guest start routines (spec.md §4.5 steps 1-5).
func New(ctx context.Context, name string, wasmBytes []byte, store backend.Store, cfg Config, resolver ImportResolver) (*Module, error) {
	compiled, err := store.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, err
	}

	raw, ok := compiled.CustomSection(itsection.CustomSectionName)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s custom section", api.ErrMalformedITSection, itsection.CustomSectionName)
	}
	section, err := itsection.Parse(raw)
	if err != nil {
		return nil, err
	}

	if err := checkSdkVersion(compiled, cfg.MinSdkVersion); err != nil {
		return nil, err
	}

	records, err := api.NewRecordRegistry(section.RecordTypes())
	if err != nil {
		return nil, err
	}

	imports := store.NewImports()
	resolved := make(map[string]backend.HostFunction, len(section.Imports()))
	for _, im := range section.Imports() {
		ft, ok := section.TypeByIndex(im.TypeIndex)
		if !ok {
			return nil, fmt.Errorf("%w: import %s.%s references unknown type index %d", api.ErrMalformedITSection, im.Namespace, im.Name, im.TypeIndex)
		}
		sig := api.FunctionSignature{Name: im.Name, Arguments: ft.Arguments, Outputs: ft.Outputs}
		fn, err := resolver.ResolveImport(ctx, im.Namespace, im.Name, sig, records)
		if err != nil {
			return nil, &api.ImportResolutionError{Namespace: im.Namespace, Name: im.Name, Reason: err}
		}
		imports.DefineFunction(im.Namespace, im.Name, fn)
		resolved[importKey(im.Namespace, im.Name)] = fn
	}

	if cfg.WASI != nil {
		if err := store.RegisterWASI(imports, *cfg.WASI); err != nil {
			return nil, err
		}
	}

	instance, err := compiled.Instantiate(ctx, imports)
	if err != nil {
		return nil, err
	}

	m := &Module{
		name:        name,
		instance:    instance,
		memory:      instance.Memory(),
		section:     section,
		records:     records,
		exportFuncs: make(map[string]exportEntry, len(section.Exports())),
	}

	exportNames := append([]string(nil), instance.ExportNames()...)
	sort.Strings(exportNames)
	for _, n := range exportNames {
		if wellKnownExportNames[n] {
			continue
		}
		if fn := instance.ExportedFunction(n); fn != nil {
			m.coreFuncs = append(m.coreFuncs, fn)
		}
	}

	for _, im := range section.Imports() {
		if !hasAdapterImplementation(section, im.TypeIndex) {
			continue
		}
		fn, ok := resolved[importKey(im.Namespace, im.Name)]
		if !ok {
			return nil, fmt.Errorf("%w: adapted import %s.%s was not resolved", api.ErrMalformedITSection, im.Namespace, im.Name)
		}
		m.importTargets = append(m.importTargets, fn)
	}

	if err := validateWellKnownArity(instance); err != nil {
		return nil, err
	}

	for _, e := range section.Exports() {
		ft, ok := section.TypeByIndex(e.TypeIndex)
		if !ok {
			return nil, fmt.Errorf("%w: export %s references unknown type index %d", api.ErrMalformedITSection, e.Name, e.TypeIndex)
		}
		adapter, _ := section.AdapterByType(e.TypeIndex)
		m.exportFuncs[e.Name] = exportEntry{
			sig:     api.FunctionSignature{Name: e.Name, Arguments: ft.Arguments, Outputs: ft.Outputs},
			adapter: adapter,
		}
	}

	for _, start := range []string{"_initialize", "_start"} {
		if fn := instance.ExportedFunction(start); fn != nil {
			if _, err := fn.Call(ctx, nil); err != nil {
				return nil, &api.RuntimeTrapError{Detail: start, Source: err}
			}
		}
	}

	return m, nil
}

func importKey(namespace, name string) string { return namespace + "\x00" + name }

func hasAdapterImplementation(section *itsection.Section, typeIndex uint32) bool {
	for _, impl := range section.ImplementationList() {
		if impl.AdapterTypeIndex == typeIndex {
			return true
		}
	}
	return false
}

func checkSdkVersion(compiled backend.Module, min uint32) error {
	if min == 0 {
		return nil
	}
	raw, ok := compiled.CustomSection(sdkVersionSectionName)
	if !ok || len(raw) < 4 {
		return fmt.Errorf("%w: guest does not declare an SDK version, minimum %d required", api.ErrIncompatibleSdkVersion, min)
	}
	if got := binary.LittleEndian.Uint32(raw[:4]); got < min {
		return fmt.Errorf("%w: guest SDK version %d below minimum %d", api.ErrIncompatibleSdkVersion, got, min)
	}
	return nil
}

func validateWellKnownArity(instance backend.Instance) error {
	arities := map[string]int{
		"allocate":        2,
		"set_result_ptr":  1,
		"set_result_size": 1,
		"get_result_ptr":  0,
		"get_result_size": 0,
		"release_objects": 0,
	}
	for name, want := range arities {
		fn := instance.ExportedFunction(name)
		if fn == nil {
			continue // only required of modules whose IT section demands it (spec.md §6.3); enforced lazily at CallCore time.
		}
		if got := len(fn.ParamTypes()); got != want {
			return fmt.Errorf("%w: %s has arity %d, want %d", api.ErrMalformedITSection, name, got, want)
		}
	}
	return nil
}

// Name returns the module's orchestrator-assigned name.
func (m *Module) Name() string { return m.name }

// Memory returns the module's linear memory.
func (m *Module) Memory() backend.Memory { return m.memory }

// Records returns the module's record registry.
func (m *Module) Records() *api.RecordRegistry { return m.records }

// Instance exposes the raw backend instance, consumed by the linker to
// compose cross-module calls and by the trampoline builder as an
// ImportCallContext's CallerInstance (spec.md §4.3 step 4, §4.4).
func (m *Module) Instance() backend.Instance { return m.instance }

// ExportSignature returns the IT-level signature of name, or false if
// it is not an export (used by the linker for signature-mismatch
// checks, spec.md §4.4).
func (m *Module) ExportSignature(name string) (api.FunctionSignature, bool) {
	e, ok := m.exportFuncs[name]
	return e.sig, ok
}

// Interface enumerates every IT-level export signature, for
// introspection (spec.md §4.6 "interface()").
func (m *Module) Interface() []api.FunctionSignature {
	out := make([]api.FunctionSignature, 0, len(m.exportFuncs))
	for _, e := range m.exportFuncs {
		out = append(out, e.sig)
	}
	return out
}

// Call runs name's adapter program against args (spec.md §4.5
// "call(name, args)"). Returns an error wrapping api.ErrNoSuchFunction
// if name is not exported.
func (m *Module) Call(ctx context.Context, name string, args []api.IValue) ([]api.IValue, error) {
	entry, ok := m.exportFuncs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrNoSuchFunction, name)
	}
	if len(args) != len(entry.sig.Arguments) {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d", api.ErrSignatureMismatch, name, len(entry.sig.Arguments), len(args))
	}
	for i, a := range args {
		if !api.ConformsTo(a, entry.sig.Arguments[i].Type) {
			return nil, &api.StackTypeMismatchError{Expected: entry.sig.Arguments[i].Type, Actual: a.Type()}
		}
	}
	return interp.Run(ctx, entry.adapter, args, m)
}

// FunctionArity implements interp.Env.
func (m *Module) FunctionArity(functionIndex uint32) (int, error) {
	if itsection.IsWellKnown(functionIndex) {
		return wellKnownArity(functionIndex)
	}
	if int(functionIndex) < len(m.coreFuncs) {
		return len(m.coreFuncs[functionIndex].ParamTypes()), nil
	}
	idx := int(functionIndex) - len(m.coreFuncs)
	if idx < 0 || idx >= len(m.importTargets) {
		return 0, &api.UnknownFunctionIndexError{Index: functionIndex}
	}
	return len(m.importTargets[idx].ParamTypes()), nil
}

// CallCore implements interp.Env: dispatches to an own export, an
// import-with-implementation, or a well-known allocator function,
// converting between the interpreter's typed stack values and the
// backend's raw scalar ABI at the boundary (spec.md §4.1 "CallCore").
func (m *Module) CallCore(ctx context.Context, functionIndex uint32, inputs []api.IValue) ([]api.IValue, error) {
	fn, err := m.resolveCoreTarget(functionIndex)
	if err != nil {
		return nil, err
	}

	raw := make([]backend.WValue, len(inputs))
	for i, v := range inputs {
		wv, err := toRawScalar(v)
		if err != nil {
			return nil, err
		}
		raw[i] = wv
	}

	results, err := fn.Call(ctx, raw)
	if err != nil {
		return nil, &api.RuntimeTrapError{Detail: "CallCore", Source: err}
	}
	resultTypes := fn.ResultTypes()
	out := make([]api.IValue, len(results))
	for i, rv := range results {
		out[i] = fromRawScalar(resultTypes[i], rv)
	}
	return out, nil
}

func (m *Module) resolveCoreTarget(functionIndex uint32) (backend.Function, error) {
	if itsection.IsWellKnown(functionIndex) {
		name, ok := wellKnownName(functionIndex)
		if !ok {
			return nil, &api.UnknownFunctionIndexError{Index: functionIndex}
		}
		fn := m.instance.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("%w: %s", api.ErrNoSuchFunction, name)
		}
		return fn, nil
	}
	if int(functionIndex) < len(m.coreFuncs) {
		return m.coreFuncs[functionIndex], nil
	}
	idx := int(functionIndex) - len(m.coreFuncs)
	if idx < 0 || idx >= len(m.importTargets) {
		return nil, &api.UnknownFunctionIndexError{Index: functionIndex}
	}
	return m.importTargets[idx], nil
}

func wellKnownName(idx uint32) (string, bool) {
	switch idx {
	case itsection.AllocateFuncID:
		return "allocate", true
	case itsection.SetResultPtrFuncID:
		return "set_result_ptr", true
	case itsection.SetResultSizeFuncID:
		return "set_result_size", true
	case itsection.GetResultPtrFuncID:
		return "get_result_ptr", true
	case itsection.GetResultSizeFuncID:
		return "get_result_size", true
	case itsection.ReleaseObjectsFuncID:
		return "release_objects", true
	default:
		return "", false
	}
}

func wellKnownArity(idx uint32) (int, error) {
	switch idx {
	case itsection.AllocateFuncID:
		return 2, nil
	case itsection.SetResultPtrFuncID, itsection.SetResultSizeFuncID:
		return 1, nil
	case itsection.GetResultPtrFuncID, itsection.GetResultSizeFuncID, itsection.ReleaseObjectsFuncID:
		return 0, nil
	default:
		return 0, &api.UnknownFunctionIndexError{Index: idx}
	}
}
