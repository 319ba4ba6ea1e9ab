package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/term"

	wasmgrind "github.com/AFKoffee/wasmgrind"
	"github.com/AFKoffee/wasmgrind/host"
)

const (
	traceBinFile  = "trace.bin"
	traceJSONFile = "trace.json"
)

func main() {
	var (
		tracing     = flag.Bool("tracing", false, "Instrument the module and record an execution trace")
		interactive = flag.Bool("interactive", false, "Interactive mode with TUI (requires a terminal)")
		emitPatched = flag.String("emit-patched", "", "Write the threadified module to this path")
		emitInstr   = flag.String("emit-instrumented", "", "Write the instrumented module to this path")
		stackSize   = flag.Uint("stack-size", 0, "Per-thread stack size in bytes (default 1 MiB)")
		verbose     = flag.Bool("v", false, "Verbose runtime logging")
	)
	flag.Parse()

	if flag.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "Usage: wasmgrind [flags] <binary.wasm> <function>")
		fmt.Fprintln(os.Stderr, "       wasmgrind -tracing <binary.wasm> <function>   (writes trace.bin + trace.json)")
		fmt.Fprintln(os.Stderr, "       wasmgrind -tracing -interactive <binary.wasm> <function>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(flag.Arg(0), flag.Arg(1), options{
		tracing:     *tracing,
		interactive: *interactive,
		emitPatched: *emitPatched,
		emitInstr:   *emitInstr,
		stackSize:   uint32(*stackSize),
		verbose:     *verbose,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	emitPatched string
	emitInstr   string
	stackSize   uint32
	tracing     bool
	interactive bool
	verbose     bool
}

func run(wasmFile, funcName string, opts options) error {
	logger := zap.NewNop()
	if opts.verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync() //nolint:errcheck // best-effort flush on exit
	}

	data, err := os.ReadFile(wasmFile)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	prepared, err := wasmgrind.Prepare(data, wasmgrind.PrepareOptions{
		StackSize: opts.stackSize,
		Tracing:   opts.tracing,
	})
	if err != nil {
		return fmt.Errorf("prepare module: %w", err)
	}

	if opts.emitPatched != "" {
		// Emit the module as the standalone host would load it
		patched, err := wasmgrind.Prepare(data, wasmgrind.PrepareOptions{StackSize: opts.stackSize})
		if err != nil {
			return fmt.Errorf("prepare patched module: %w", err)
		}
		if err := os.WriteFile(opts.emitPatched, patched, 0o644); err != nil {
			return fmt.Errorf("write patched module: %w", err)
		}
	}
	if opts.emitInstr != "" {
		if !opts.tracing {
			return fmt.Errorf("-emit-instrumented requires -tracing")
		}
		if err := os.WriteFile(opts.emitInstr, prepared, 0o644); err != nil {
			return fmt.Errorf("write instrumented module: %w", err)
		}
	}

	ctx := context.Background()
	rt, err := host.New(ctx, prepared, host.Config{Tracing: opts.tracing, Logger: logger})
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	if opts.interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("interactive mode requires a terminal")
		}
		return runInteractive(ctx, rt, wasmFile, funcName, opts.tracing)
	}

	runErr := rt.Run(ctx, funcName)
	if opts.tracing {
		if err := writeTrace(rt); err != nil {
			if runErr != nil {
				return fmt.Errorf("%w (additionally failed to write trace: %v)", runErr, err)
			}
			return err
		}
	}
	return runErr
}

func writeTrace(rt *host.Runtime) error {
	bin, md, err := rt.Trace()
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	meta, err := md.JSON()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(traceBinFile, bin, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", traceBinFile, err)
	}
	if err := os.WriteFile(traceJSONFile, meta, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", traceJSONFile, err)
	}
	return nil
}
