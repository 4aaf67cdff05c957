//go:build amd64 && cgo

// Command itcorerun is a thin demonstration binary: load one Wasm
// module carrying an IT section and invoke an exported function,
// printing the result. It exists to exercise load_module + call
// end-to-end (SPEC_FULL.md §1.1); it is not a project-config-file
// front-end — on-disk configuration loading stays out of scope.
//
// Grounded on the teacher's cmd/wazero (a run subcommand reading a
// wasm path and invoking an export) and on grafana-k6's cmd package
// for the spf13/cobra command-tree shape (a RootCmd with subcommands
// registered via init, global flags bound at the root).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/itcore/runtime/api"
	"github.com/itcore/runtime/backendwasmtime"
	"github.com/itcore/runtime/callctx"
	"github.com/itcore/runtime/orchestrator"
)

var (
	memoryLimit uint64
	loggerOn    bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "itcorerun",
		Short: "Load and call Interface-Type-adapted Wasm modules",
	}
	root.PersistentFlags().Uint64Var(&memoryLimit, "memory-limit", 0,
		"total linear-memory budget across all loaded modules, in bytes (0 = unlimited)")
	root.PersistentFlags().BoolVar(&loggerOn, "logger", true,
		"enable the log_utf8_string built-in host import")
	root.AddCommand(callCmd())
	return root
}

func callCmd() *cobra.Command {
	var moduleName string
	var argStrings []string
	cmd := &cobra.Command{
		Use:   "call <wasm-path> <function>",
		Short: "Load a module and invoke one of its exports",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wasmPath, fnName := args[0], args[1]
			wasmBytes, err := os.ReadFile(wasmPath)
			if err != nil {
				return fmt.Errorf("reading %s: %w", wasmPath, err)
			}
			if moduleName == "" {
				moduleName = wasmPath
			}

			ivalues, err := parseArgs(argStrings)
			if err != nil {
				return err
			}

			store, err := backendwasmtime.New().NewStore(memoryLimit)
			if err != nil {
				return err
			}
			core := orchestrator.New(orchestrator.Config{TotalMemoryLimit: memoryLimit}, store)

			ctx := context.Background()
			if err := core.LoadModule(ctx, moduleName, wasmBytes, orchestrator.ModuleConfig{
				LoggerEnabled: loggerOn,
				LoggingMask:   -1,
			}); err != nil {
				return fmt.Errorf("loading %s: %w", moduleName, err)
			}

			results, err := core.Call(ctx, moduleName, fnName, ivalues, callctx.Parameters{
				InitPeerID:    "itcorerun",
				CurrentPeerID: "itcorerun",
			})
			if err != nil {
				return fmt.Errorf("calling %s.%s: %w", moduleName, fnName, err)
			}
			for _, r := range results {
				fmt.Fprintln(cmd.OutOrStdout(), r)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&moduleName, "name", "", "module name to register under (defaults to the wasm path)")
	cmd.Flags().StringArrayVar(&argStrings, "arg", nil, `argument as "type:value", e.g. "i32:42" or "string:hello"`)
	return cmd
}

// parseArgs turns the CLI's "type:value" argument strings into
// api.IValue — a minimal convenience, not a general JSON<->IT
// conversion helper (explicitly out of scope, spec.md §1).
func parseArgs(raw []string) ([]api.IValue, error) {
	out := make([]api.IValue, 0, len(raw))
	for _, a := range raw {
		parts := strings.SplitN(a, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed --arg %q, want type:value", a)
		}
		typ, value := parts[0], parts[1]
		switch typ {
		case "bool":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, err
			}
			out = append(out, api.VBool(b))
		case "i32":
			n, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return nil, err
			}
			out = append(out, api.VI32(int32(n)))
		case "i64":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, api.VI64(n))
		case "string":
			out = append(out, api.VString(value))
		default:
			return nil, fmt.Errorf("unsupported --arg type %q", typ)
		}
	}
	return out, nil
}
