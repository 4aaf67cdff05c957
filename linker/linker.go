// Package linker implements the cross-module import resolver (spec.md
// §4.4, component G): at load time, it resolves a module's imports
// either against a previously loaded module's export (composing two
// adapter runs back to back) or, for the reserved host namespaces,
// against a registered host-import closure.
//
// Grounded on the original implementation's linker module
// (it_interpreter/src/interpreter/wasm/core.rs and the host-import
// registration path it shares with), adapted so both cases reuse the
// same trampoline.Build plumbing — the only difference is what the
// trampoline's Closure does once arguments are lifted.
package linker

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/callctx"
	"github.com/itcore/runtime/module"
	"github.com/itcore/runtime/trampoline"
)

// ModuleLookup resolves a namespace to a previously loaded module,
// implemented by the orchestrator's module table. It also reports the
// ModuleID current at the time of the lookup (SPEC_FULL.md §3/§9's
// resolution of the cyclic trampoline↔instance reference: a trampoline
// captures (name, ModuleID) instead of a Go pointer, and a later Lookup
// for the same name returning a different ModuleID — because the name
// was unloaded and reloaded in between — is indistinguishable from
// "no such module" for that trampoline).
type ModuleLookup interface {
	Lookup(name string) (mod *module.Module, id uuid.UUID, ok bool)
}

// HostImportDescriptor is one registered host import (spec.md §6.4
// "HostImportDescriptor"): its IT signature and implementing closure.
type HostImportDescriptor struct {
	Signature api.FunctionSignature
	Closure   trampoline.Closure
}

// Linker resolves one module's imports during its load. A fresh Linker
// is built per load_module call with that call's host-import
// configuration (spec.md §4.6 "module_config.host_imports").
type Linker struct {
	store       backend.Store
	modules     ModuleLookup
	slot        *callctx.Slot
	hostImports map[string]map[string]HostImportDescriptor // namespace -> name -> descriptor
}

// New builds a Linker. hostImports is namespace-keyed (e.g. "host",
// "__marine_host_api_v1") per the descriptor map the module config
// supplies (spec.md §9 "tagged enum HostApiVersion + per-version
// namespace map").
func New(store backend.Store, modules ModuleLookup, slot *callctx.Slot, hostImports map[string]map[string]HostImportDescriptor) *Linker {
	return &Linker{store: store, modules: modules, slot: slot, hostImports: hostImports}
}

// ResolveImport implements module.ImportResolver.
func (l *Linker) ResolveImport(ctx context.Context, namespace, name string, sig api.FunctionSignature, callerRecords *api.RecordRegistry) (backend.HostFunction, error) {
	if isHostNamespace(namespace) {
		return l.resolveHostImport(namespace, name, sig, callerRecords)
	}
	return l.resolveModuleImport(namespace, name, sig, callerRecords)
}

func (l *Linker) resolveHostImport(namespace, name string, sig api.FunctionSignature, callerRecords *api.RecordRegistry) (backend.HostFunction, error) {
	byName, ok := l.hostImports[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: host namespace %s", api.ErrNoSuchModule, namespace)
	}
	desc, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", api.ErrNoSuchFunction, namespace, name)
	}
	if !signaturesCompatible(desc.Signature, sig) {
		return nil, api.ErrSignatureMismatch
	}
	return trampoline.Build(l.store, sig, callerRecords, l.slot, desc.Closure), nil
}

func (l *Linker) resolveModuleImport(namespace, name string, sig api.FunctionSignature, callerRecords *api.RecordRegistry) (backend.HostFunction, error) {
	callee, wantID, ok := l.modules.Lookup(namespace)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrNoSuchModule, namespace)
	}
	calleeSig, ok := callee.ExportSignature(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", api.ErrNoSuchFunction, namespace, name)
	}
	if !signaturesCompatible(calleeSig, sig) {
		return nil, api.ErrSignatureMismatch
	}

	// The caller's half of the composition is the generic trampoline
	// (lift raw args, invoke closure, lower the result into the
	// caller's memory); the callee's half is its own export adapter,
	// run in full by Module.Call against the callee's memory. Together
	// these are the two adapter runs spec.md §4.4 describes.
	//
	// The closure captures (namespace, wantID) rather than the
	// *module.Module found above, and re-resolves through l.modules on
	// every invocation, checking the returned ModuleID still matches.
	// Unloading the callee — or unloading and reloading a different
	// module under the same name — makes this import start failing
	// with NoSuchModule instead of silently reaching a module the
	// trampoline was never linked against.
	modules := l.modules
	closure := func(ctx context.Context, _ callctx.Parameters, args []api.IValue) (trampoline.Outcome, error) {
		live, gotID, ok := modules.Lookup(namespace)
		if !ok || gotID != wantID {
			return trampoline.Outcome{}, fmt.Errorf("%w: %s", api.ErrNoSuchModule, namespace)
		}
		results, err := live.Call(ctx, name, args)
		if err != nil {
			return trampoline.Outcome{}, err
		}
		if len(results) == 0 {
			return trampoline.Void(), nil
		}
		return trampoline.Single(results[0]), nil
	}
	return trampoline.Build(l.store, sig, callerRecords, l.slot, closure), nil
}

func isHostNamespace(namespace string) bool {
	return namespace == "host" || strings.HasPrefix(namespace, "__marine_host_api_v")
}

// signaturesCompatible performs the structural check spec.md §4.4
// demands before wiring an import ("signature mismatch ->
// SignatureMismatch"): same argument types in order and the same
// output types. Names are deliberately not compared — an import's
// local parameter names need not match its implementation's.
func signaturesCompatible(have, want api.FunctionSignature) bool {
	if len(have.Arguments) != len(want.Arguments) || len(have.Outputs) != len(want.Outputs) {
		return false
	}
	for i := range have.Arguments {
		if have.Arguments[i].Type.String() != want.Arguments[i].Type.String() {
			return false
		}
	}
	for i := range have.Outputs {
		if have.Outputs[i].String() != want.Outputs[i].String() {
			return false
		}
	}
	return true
}
