package trampoline

import (
	"context"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/callctx"
)

// Outcome is the result a host closure hands back to its trampoline,
// mirroring the original implementation's FunctionOutcome: either
// nothing, a single value, or a host-declared error (spec.md §4.3 step
// 3). A closure's own Go-level error (a bug, not a declared failure)
// is kept separate — see Closure's second return value.
type Outcome struct {
	empty   bool
	value   api.IValue
	isError bool
	message string
}

// Void is the Empty outcome: the import produced no return value.
func Void() Outcome { return Outcome{empty: true} }

// Single wraps v as the import's one return value.
func Single(v api.IValue) Outcome { return Outcome{value: v} }

// Failed reports a host-declared failure with message msg, traced back
// to the caller as an *api.HostImportError rather than a Go panic or
// backend trap.
func Failed(msg string) Outcome { return Outcome{isError: true, message: msg} }

// Closure is a host import's implementation: given the ambient call
// parameters and the lifted arguments, it returns an Outcome (spec.md
// §4.3 step 3: "(ParticleParameters, Vec<IValue>) -> FunctionOutcome").
// A non-nil error here is an unexpected host-side failure and always
// traps the guest, same as an Outcome built with Failed.
type Closure func(ctx context.Context, params callctx.Parameters, args []api.IValue) (Outcome, error)
