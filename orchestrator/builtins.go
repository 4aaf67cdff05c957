package orchestrator

import (
	"context"
	"fmt"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/callctx"
	"github.com/itcore/runtime/internal/rtlog"
	"github.com/itcore/runtime/linker"
	"github.com/itcore/runtime/trampoline"
)

const (
	builtinLogUTF8String    = "log_utf8_string"
	builtinGetCallParameters = "get_call_parameters"
)

// installBuiltins adds the host imports the core always registers
// (spec.md §6.4) into namespace's descriptor map, overwriting any
// user-supplied entry of the same name — these two are not optional.
func installBuiltins(namespace map[string]linker.HostImportDescriptor, moduleName string, cfg ModuleConfig, log *rtlog.Logger) map[string]linker.HostImportDescriptor {
	if namespace == nil {
		namespace = make(map[string]linker.HostImportDescriptor)
	}
	namespace[builtinLogUTF8String] = linker.HostImportDescriptor{
		Signature: api.FunctionSignature{
			Name: builtinLogUTF8String,
			Arguments: []api.ArgumentDef{
				{Name: "mask", Type: api.TI32},
				{Name: "message", Type: api.TString},
			},
		},
		Closure: logUTF8StringClosure(moduleName, cfg, log),
	}
	namespace[builtinGetCallParameters] = linker.HostImportDescriptor{
		Signature: api.FunctionSignature{
			Name:    builtinGetCallParameters,
			Outputs: []api.IType{api.TString},
		},
		Closure: getCallParametersClosure(),
	}
	return namespace
}

// logUTF8StringClosure writes a guest log message through rtlog,
// gated by logger_enabled and the mask intersection (spec.md §6.4
// "gated by logger_enabled; mask ANDed with logging_mask per call").
func logUTF8StringClosure(moduleName string, cfg ModuleConfig, log *rtlog.Logger) trampoline.Closure {
	return func(_ context.Context, _ callctx.Parameters, args []api.IValue) (trampoline.Outcome, error) {
		if len(args) != 2 {
			return trampoline.Outcome{}, fmt.Errorf("%w: log_utf8_string wants 2 arguments, got %d", api.ErrMismatchWValuesCount, len(args))
		}
		mask, ok := args[0].(api.VI32)
		if !ok {
			return trampoline.Outcome{}, &api.StackTypeMismatchError{Expected: api.TI32, Actual: args[0].Type()}
		}
		message, ok := args[1].(api.VString)
		if !ok {
			return trampoline.Outcome{}, &api.StackTypeMismatchError{Expected: api.TString, Actual: args[1].Type()}
		}
		if cfg.LoggerEnabled && rtlog.MaskEnabled(cfg.LoggingMask, int32(mask)) {
			log.GuestMessage(moduleName, int32(mask), string(message))
		}
		return trampoline.Void(), nil
	}
}

// getCallParametersClosure serializes the ambient call parameters
// (spec.md §5 "ParticleParameters... installed by call before
// dispatching") into a string the guest receives through the normal
// trampoline result channel. The record layout ParticleParameters
// would occupy is never declared by a guest's own IT section, so
// rather than require every guest to predeclare a matching Record id,
// the host flattens it to stable "key=value" lines — a self-designed
// encoding, since the wire format for this value is unspecified.
func getCallParametersClosure() trampoline.Closure {
	return func(_ context.Context, params callctx.Parameters, _ []api.IValue) (trampoline.Outcome, error) {
		s := fmt.Sprintf(
			"init_peer_id=%s\nparticle_id=%s\ntoken_hash=%s\ntimestamp=%d\nttl=%d\ncurrent_peer_id=%s\nhost_id=%s\n",
			params.InitPeerID, params.ParticleID, params.TokenHash, params.Timestamp, params.TTL, params.CurrentPeerID, params.HostID,
		)
		return trampoline.Single(api.VString(s)), nil
	}
}
