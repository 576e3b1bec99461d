// Command isorun loads an encapsulated binary, runs it under the
// isolation runtime, and can replay a captured trace dump. It is the
// operator-facing surface over internal/runtime, the same role
// cmd/galago's root command plays over the teacher's ARM64 emulator.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/omniglot-go/isorun/internal/alloc"
	"github.com/omniglot-go/isorun/internal/allocator"
	"github.com/omniglot-go/isorun/internal/emulator"
	"github.com/omniglot-go/isorun/internal/header"
	glog "github.com/omniglot-go/isorun/internal/log"
	"github.com/omniglot-go/isorun/internal/runtime"
	"github.com/omniglot-go/isorun/internal/scripting"
	"github.com/omniglot-go/isorun/internal/trace"
	"github.com/omniglot-go/isorun/internal/ui/colorize"
)

var (
	verbose    bool
	symbol     uint32
	argsFlag   string
	traceOut   string
	ramSizeStr string
	bufData    string
	bufArg     int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "isorun",
		Short: "Run and inspect encapsulated binaries under the isolation runtime",
		Long: `isorun loads an encapsulated binary (the 20-byte ENCP header plus
init, function table, and code) and runs it under a PMP-style isolation
runtime built on Unicorn Engine. Use "run" to invoke an exported symbol,
"info" to inspect a binary's header, "script" to exercise a virtual
foreign binary defined in JavaScript, and "replay" to step through a
captured trace dump.`,
	}

	runCmd := &cobra.Command{
		Use:   "run <binary>",
		Short: "Run an encapsulated binary's init, then invoke an exported symbol",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().Uint32VarP(&symbol, "symbol", "s", 0, "function table index to invoke after init")
	runCmd.Flags().StringVarP(&argsFlag, "args", "a", "", "comma-separated argument registers (decimal or 0x-hex)")
	runCmd.Flags().StringVarP(&traceOut, "trace-out", "t", "", "write a trace dump to this path")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug logging")
	runCmd.Flags().StringVarP(&bufData, "buf", "b", "", "hex bytes to allocate in the shared region and pass as a pointer argument")
	runCmd.Flags().IntVar(&bufArg, "buf-arg", 0, "argument register index that receives the allocated buffer's pointer")
	rootCmd.AddCommand(runCmd)

	infoCmd := &cobra.Command{
		Use:   "info <binary>",
		Short: "Show an encapsulated binary's header fields",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}
	rootCmd.AddCommand(infoCmd)

	scriptCmd := &cobra.Command{
		Use:   "script <script.js> <function>",
		Short: "Call a function defined in a JavaScript virtual foreign binary",
		Args:  cobra.ExactArgs(2),
		RunE:  runScript,
	}
	scriptCmd.Flags().StringVarP(&argsFlag, "args", "a", "", "comma-separated arguments (decimal or 0x-hex)")
	rootCmd.AddCommand(scriptCmd)

	replayCmd := &cobra.Command{
		Use:   "replay <trace-dump>",
		Short: "Step through a captured trace dump in an interactive viewer",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
	rootCmd.AddCommand(replayCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseArgs(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		var v uint64
		var err error
		if strings.HasPrefix(p, "0x") || strings.HasPrefix(p, "0X") {
			v, err = strconv.ParseUint(p[2:], 16, 64)
		} else {
			v, err = strconv.ParseUint(p, 10, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("parse argument %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read binary: %w", err)
	}

	invokeArgs, err := parseArgs(argsFlag)
	if err != nil {
		return err
	}

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()

	if err := emu.LoadFlash(0, data); err != nil {
		return fmt.Errorf("load flash: %w", err)
	}

	session := trace.NewSession()
	if glog.L != nil {
		glog.L.SetOnEvent(session.OnEvent)
	}

	bin := header.Binary{Start: emulator.FlashBase, Length: uint64(len(data))}
	rt, allocScope, accessScope, err := runtime.New(emu, bin, data, emulator.RAMBase, emulator.RAMSize, nil)
	if err != nil {
		return fmt.Errorf("construct runtime: %w", err)
	}
	defer accessScope.Release()
	defer rt.Close()

	fmt.Printf("%s init complete, fsp=%s\n", colorize.Header("▶"), colorize.Address(rt.Stack().FSP()))

	fn, err := rt.LookupSymbol(symbol)
	if err != nil {
		return fmt.Errorf("look up symbol %d: %w", symbol, err)
	}

	result, err := runtime.Execute(rt, allocScope, func() (emulator.InvokeResult, error) {
		if bufData == "" {
			return rt.Invoke(fn, invokeArgs)
		}

		bufBytes, err := hex.DecodeString(bufData)
		if err != nil {
			return emulator.InvokeResult{}, fmt.Errorf("parse --buf: %w", err)
		}

		layout := allocator.Layout{Size: uint64(len(bufBytes)), Align: 4}
		return runtime.AllocateStacked(rt, allocScope, layout, func(ptr uint64, _ *alloc.AllocScope) (emulator.InvokeResult, error) {
			if err := rt.Memory().WriteAt(ptr, bufBytes); err != nil {
				return emulator.InvokeResult{}, fmt.Errorf("write --buf into allocated frame: %w", err)
			}

			callArgs := append([]uint64(nil), invokeArgs...)
			for len(callArgs) <= bufArg {
				callArgs = append(callArgs, 0)
			}
			callArgs[bufArg] = ptr

			fmt.Printf("%s %s (%d bytes)\n", colorize.Detail("allocated buffer at"), colorize.Address(ptr), len(bufBytes))
			return rt.Invoke(fn, callArgs)
		})
	})
	if err != nil {
		return fmt.Errorf("invoke symbol %d: %w", symbol, err)
	}

	printResult(symbol, result)

	if traceOut != "" {
		f, err := os.Create(traceOut)
		if err != nil {
			return fmt.Errorf("create trace-out: %w", err)
		}
		defer f.Close()
		if err := trace.Save(f, session); err != nil {
			return fmt.Errorf("write trace dump: %w", err)
		}
		fmt.Printf("%s %s\n", colorize.Detail("trace written to"), traceOut)
	}

	return nil
}

func printResult(symbol uint32, result emulator.InvokeResult) {
	fmt.Printf("%s symbol %s %s %s\n",
		colorize.Header("▶"),
		colorize.FuncName(fmt.Sprintf("%d", symbol)),
		colorize.Detail("->"),
		colorize.FuncName(result.Error.String()))
	switch result.Error {
	case emulator.NoError:
		fmt.Printf("  a0=%s a1=%s sp=%s\n",
			colorize.Address(result.A0), colorize.Address(result.A1), colorize.Address(result.SP))
	case emulator.Fault:
		fmt.Printf("  %s cause=%s tval=%s pc=%s\n",
			colorize.Error("fault"),
			colorize.Address(result.Cause), colorize.Address(result.TVal), colorize.Address(result.PC))
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read binary: %w", err)
	}

	bin := header.Binary{Start: 0, Length: uint64(len(data))}
	parsed, err := header.Parse(bin, data)
	if err != nil {
		return fmt.Errorf("parse header: %w", err)
	}

	fmt.Printf("%s %s\n", colorize.Detail("Binary:"), args[0])
	fmt.Printf("%s %d bytes\n", colorize.Detail("Length:"), len(data))
	fmt.Printf("%s %s\n", colorize.Detail("Runtime header:"), colorize.Address(parsed.RuntimeHeaderAddr))
	fmt.Printf("%s %s\n", colorize.Detail("Init:"), colorize.Address(parsed.InitAddr))
	fmt.Printf("%s %s\n", colorize.Detail("Function table:"), colorize.Address(parsed.FnTableAddr))
	fmt.Printf("%s %d\n", colorize.Detail("Function table length:"), parsed.FnTableLength)
	return nil
}

func runScript(cmd *cobra.Command, args []string) error {
	scriptPath, fnName := args[0], args[1]

	source, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	callArgs, err := parseArgs(argsFlag)
	if err != nil {
		return err
	}

	b, err := scripting.New(scriptPath, string(source))
	if err != nil {
		return err
	}

	result, err := b.Call(fnName, nil, callArgs, nil)
	if err != nil {
		return err
	}

	if result.Fault != nil {
		fmt.Printf("%s cause=%s tval=%s\n",
			colorize.Error("fault"),
			colorize.Address(result.Fault.Cause), colorize.Address(result.Fault.TVal))
		return nil
	}
	fmt.Printf("a0=%s a1=%s\n", colorize.Address(result.A0), colorize.Address(result.A1))
	return nil
}
