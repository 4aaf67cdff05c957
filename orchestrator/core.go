package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backend"
	"github.com/itcore/runtime/callctx"
	"github.com/itcore/runtime/internal/rtlog"
	"github.com/itcore/runtime/linker"
	"github.com/itcore/runtime/module"
)

// entry is one row of the module table: the live module plus the
// ModuleID a linker trampoline captured at resolve time (see
// linker.ModuleLookup's doc comment).
type entry struct {
	id  uuid.UUID
	mod *module.Module
}

// Core is the top-level orchestrator (spec.md §4.6 "MarineCore"). One
// Core owns one backend.Store and a name-keyed module table, and
// serializes every load/unload/call behind a weighted semaphore of 1
// (spec.md §5: "not re-entrant from concurrent tasks on the same
// runtime object").
type Core struct {
	store backend.Store
	cfg   Config
	sem   *semaphore.Weighted
	slot  *callctx.Slot
	log   *rtlog.Logger

	mu     sync.RWMutex
	byName map[string]*entry
}

// New builds a Core bound to store, applying cfg.TotalMemoryLimit to
// it immediately (spec.md §4.6 "new(config) -> Core": "the backend is
// chosen by the embedder" — the caller constructs store via a concrete
// backend.Backend and passes it in here).
func New(cfg Config, store backend.Store) *Core {
	store.SetTotalMemoryLimit(cfg.TotalMemoryLimit)
	return &Core{
		store:  store,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(1),
		slot:   &callctx.Slot{},
		log:    rtlog.New(),
		byName: make(map[string]*entry),
	}
}

// Lookup implements linker.ModuleLookup. It is called both while
// resolving a fresh module's imports (holding the semaphore already,
// since LoadModule acquires it) and from inside a running cross-module
// trampoline (nested within the same top-level Call, which also holds
// the semaphore) — so mu's read lock here is for memory-model safety
// against a concurrent LoadModule/UnloadModule on a *different*
// goroutine that is blocked on the semaphore, not a substitute for it.
func (c *Core) Lookup(name string) (*module.Module, uuid.UUID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[name]
	if !ok {
		return nil, uuid.UUID{}, false
	}
	return e.mod, e.id, true
}

// LoadModule parses, links and instantiates wasmBytes under name
// (spec.md §4.6 "load_module"). May suspend during backend instantiate
// and guest _initialize/_start.
func (c *Core) LoadModule(ctx context.Context, name string, wasmBytes []byte, cfg ModuleConfig) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.mu.RLock()
	_, exists := c.byName[name]
	c.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", api.ErrNonUniqueModuleName, name)
	}

	hostImports := make(map[string]map[string]linker.HostImportDescriptor, len(cfg.HostImports)+1)
	for version, descs := range cfg.HostImports {
		if cfg.HostAPIVersions != nil && !cfg.HostAPIVersions[version] {
			continue
		}
		ns := version.Namespace()
		merged := make(map[string]linker.HostImportDescriptor, len(descs))
		for k, v := range descs {
			merged[k] = v
		}
		hostImports[ns] = merged
	}
	hostImports[module.HostAPIV0.Namespace()] = installBuiltins(hostImports[module.HostAPIV0.Namespace()], name, cfg, c.log)

	lk := linker.New(c.store, c, c.slot, hostImports)

	modCfg := module.Config{
		LoggerEnabled:   cfg.LoggerEnabled,
		LoggingMask:     cfg.LoggingMask,
		HostAPIVersions: cfg.HostAPIVersions,
		WASI:            cfg.WASI,
		MinSdkVersion:   cfg.MinSdkVersion,
	}

	c.store.ClearAllocationStats()
	mod, err := module.New(ctx, name, wasmBytes, c.store, modCfg, lk)
	if err != nil {
		return c.promoteOOM(err)
	}

	c.mu.Lock()
	c.byName[name] = &entry{id: uuid.New(), mod: mod}
	c.mu.Unlock()
	c.log.Debugf("loaded module %q", name)
	return nil
}

// UnloadModule removes name from the table (spec.md §4.6
// "unload_module"). A trampoline already resolved against this module
// keeps a copy of its ModuleID, so it observes NoSuchModule on its
// next invocation rather than reaching a stale pointer.
func (c *Core) UnloadModule(ctx context.Context, name string) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[name]; !ok {
		return fmt.Errorf("%w: %s", api.ErrNoSuchModule, name)
	}
	delete(c.byName, name)
	c.log.Debugf("unloaded module %q", name)
	return nil
}

// Call dispatches one top-level invocation (spec.md §4.6 "call", §4.1).
// It installs params into the shared call-parameters slot before
// running the adapter, and promotes the result to
// HighProbabilityOOMError if the backend rejected any allocation
// during the call.
func (c *Core) Call(ctx context.Context, moduleName, fnName string, args []api.IValue, params callctx.Parameters) ([]api.IValue, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	c.mu.RLock()
	e, ok := c.byName[moduleName]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrNoSuchModule, moduleName)
	}

	c.slot.Install(params)
	c.store.ClearAllocationStats()
	results, err := e.mod.Call(ctx, fnName, args)
	if err != nil {
		return nil, c.promoteOOM(err)
	}
	return results, nil
}

// promoteOOM implements spec.md §4.6's "if a call returns a normal
// error and allocation_rejects > 0 since the call started, the error
// kind is promoted to HighProbabilityOOM".
func (c *Core) promoteOOM(err error) error {
	stats := c.store.ReportMemoryAllocationStats()
	if stats.AllocationRejects > 0 {
		return &HighProbabilityOOMError{Original: err, Stats: stats}
	}
	return err
}

// Interface enumerates every loaded module's public signature list
// (spec.md §4.6 "interface() -> Iterator<(module_name, ModuleInterface)>").
// No suspension, no semaphore: a point-in-time snapshot under the
// table's read lock.
func (c *Core) Interface() map[string][]api.FunctionSignature {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]api.FunctionSignature, len(c.byName))
	for name, e := range c.byName {
		out[name] = e.mod.Interface()
	}
	return out
}

// ModuleMemoryStats reports per-module linear-memory size plus the
// backend's aggregate allocation-rejection counters (spec.md §4.6
// "module_memory_stats").
func (c *Core) ModuleMemoryStats() MemoryStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := MemoryStats{PerModuleBytes: make(map[string]uint32, len(c.byName))}
	for name, e := range c.byName {
		stats.PerModuleBytes[name] = e.mod.Memory().Size()
	}
	stats.Allocation = c.store.ReportMemoryAllocationStats()
	return stats
}
