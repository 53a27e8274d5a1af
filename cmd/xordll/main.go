// Command xordll is the thin CLI wrapper spec.md §6 calls "the
// canonical programmatic entry": a hand-rolled flag + subcommand
// dispatcher, in the teacher's cli.go/main.go style, over
// internal/engine.Engine. Six flat subcommands, no nesting, no
// generated help tree — see DESIGN.md for why cobra was not adopted.
package main

import (
	"flag"
	"os"

	"github.com/skyfiend/xordll/internal/cliout"
	"github.com/skyfiend/xordll/internal/config"
	"github.com/skyfiend/xordll/internal/engine"
	"github.com/skyfiend/xordll/internal/logging"
	"github.com/skyfiend/xordll/internal/model"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	out := cliout.New(os.Stdout, isTerminal(os.Stdout))

	if len(args) == 0 {
		printUsage(out)
		return 1
	}

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		out.Error("starting engine: %v", err)
		return 1
	}
	defer eng.Close()

	switch args[0] {
	case "inject":
		return cmdInject(out, eng, args[1:])
	case "eject":
		return cmdEject(out, eng, args[1:])
	case "list":
		return cmdList(out, eng, args[1:])
	case "info":
		return cmdInfo(out, eng, args[1:])
	case "profile":
		return cmdProfile(out, eng, args[1:])
	case "monitor":
		return cmdMonitor(out, eng, args[1:])
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		out.Error("unknown command %q", args[0])
		printUsage(out)
		return 1
	}
}

func printUsage(out *cliout.Printer) {
	out.Info("usage: xordll <inject|eject|list|info|profile|monitor> [flags]")
}

func cmdInject(out *cliout.Printer, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("inject", flag.ContinueOnError)
	dll := fs.String("dll", "", "path to the DLL to inject")
	pid := fs.Uint("pid", 0, "target process id")
	name := fs.String("name", "", "target process name")
	method := fs.String("method", "crt", "injection method: crt, ntcrt, apc, manual, hijack")
	wait := fs.Bool("wait", false, "wait for the target to appear before injecting")
	delay := fs.Int("delay", 0, "delay in milliseconds before injecting")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *dll == "" || (*pid == 0 && *name == "") {
		out.Error("inject requires --dll and either --pid or --name")
		return 1
	}
	strat, ok := model.ParseStrategy(*method)
	if !ok {
		out.Error("unknown --method %q", *method)
		return 1
	}

	if *wait {
		out.Info("waiting for process %q to appear is handled by 'monitor'; injecting immediately instead", *name)
	}

	outcome, err := eng.Inject(engine.InjectRequest{
		Pid: uint32(*pid), ProcessName: *name, DllPath: *dll,
		Strategy: strat, DelayMs: *delay,
	})
	if err != nil {
		out.Error("%v", err)
		return 1
	}
	out.Outcome("Injection", outcome)
	if !outcome.IsSuccess() {
		return 1
	}
	return 0
}

func cmdEject(out *cliout.Printer, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("eject", flag.ContinueOnError)
	pid := fs.Uint("pid", 0, "target process id")
	base := fs.Uint64("dll", 0, "remote module base address to free")
	method := fs.String("method", "crt", "injection method used to load the module")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *pid == 0 || *base == 0 {
		out.Error("eject requires --pid and --dll (the remote module base address)")
		return 1
	}
	strat, ok := model.ParseStrategy(*method)
	if !ok {
		out.Error("unknown --method %q", *method)
		return 1
	}

	outcome, err := eng.Eject(uint32(*pid), uintptr(*base), strat)
	if err != nil {
		out.Error("%v", err)
		return 1
	}
	out.Outcome("ejection", outcome)
	if !outcome.IsSuccess() {
		return 1
	}
	return 0
}

func cmdList(out *cliout.Printer, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	filter := fs.String("filter", "", "case-insensitive process name substring")
	x64 := fs.Bool("x64", false, "only show 64-bit processes")
	x86 := fs.Bool("x86", false, "only show 32-bit processes")
	modules := fs.Bool("modules", false, "list loaded modules of the single process --filter resolves, instead of listing processes")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	procs, err := eng.ListProcesses(*filter)
	if err != nil {
		out.Error("%v", err)
		return 1
	}

	if *modules {
		if len(procs) != 1 {
			out.Error("--modules requires --filter to resolve exactly one process, got %d matches", len(procs))
			return 1
		}
		entries, err := eng.ListModules(procs[0].Pid)
		if err != nil {
			out.Error("%v", err)
			return 1
		}
		for _, m := range entries {
			out.Info("base=0x%x size=0x%x %s", m.DllBase, m.SizeOfImage, m.FullDllName)
		}
		return 0
	}

	for _, p := range procs {
		if *x64 && !p.Is64Bit {
			continue
		}
		if *x86 && p.Is64Bit {
			continue
		}
		out.Process(p)
	}
	return 0
}

func cmdInfo(out *cliout.Printer, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	pid := fs.Uint("pid", 0, "process id to describe")
	dll := fs.String("dll", "", "DLL path to describe")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	res, err := eng.Info(uint32(*pid), *dll)
	if err != nil {
		out.Error("%v", err)
		return 1
	}
	if res.Process != nil {
		out.Process(*res.Process)
	}
	if res.Dll != nil {
		out.Dll(*res.Dll)
	}
	return 0
}

func cmdProfile(out *cliout.Printer, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("profile", flag.ContinueOnError)
	list := fs.Bool("list", false, "list stored profiles")
	run := fs.String("run", "", "run the profile with this id")
	export := fs.String("export", "", "export the profile with this id (requires --out)")
	importPath := fs.String("import", "", "import a profile from this path")
	outPath := fs.String("out", "", "destination path for --export")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	switch {
	case *list:
		for _, p := range eng.Profiles().List() {
			out.Info("%s: %s -> %s (method=%d)", p.ID, p.Name, p.DllPath, p.Method)
		}
		return 0
	case *run != "":
		p, ok := eng.Profiles().Get(*run)
		if !ok {
			out.Error("no profile with id %q", *run)
			return 1
		}
		outcome, err := eng.RunProfile(p)
		if err != nil {
			out.Error("%v", err)
			return 1
		}
		out.Outcome("profile injection", outcome)
		if !outcome.IsSuccess() {
			return 1
		}
		return 0
	case *export != "":
		if *outPath == "" {
			out.Error("--export requires --out")
			return 1
		}
		if err := eng.Profiles().Export(*export, *outPath); err != nil {
			out.Error("%v", err)
			return 1
		}
		out.OK("exported profile %s to %s", *export, *outPath)
		return 0
	case *importPath != "":
		p, err := eng.Profiles().Import(*importPath)
		if err != nil {
			out.Error("%v", err)
			return 1
		}
		out.OK("imported profile %s as %s", p.Name, p.ID)
		return 0
	default:
		out.Error("profile requires one of --list, --run, --export, --import")
		return 1
	}
}

func cmdMonitor(out *cliout.Printer, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	process := fs.String("process", "", "process name to watch for")
	dll := fs.String("dll", "", "DLL path to inject on launch")
	method := fs.String("method", "crt", "injection method")
	delay := fs.Int("delay", 0, "delay in milliseconds before injecting")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *process == "" || *dll == "" {
		out.Error("monitor requires --process and --dll")
		return 1
	}
	strat, ok := model.ParseStrategy(*method)
	if !ok {
		out.Error("unknown --method %q", *method)
		return 1
	}

	eng.WatchProfile(model.InjectionProfile{
		TargetProcess: *process, DllPath: *dll, Method: int(strat), InjectionDelayMs: *delay,
	})
	out.Info("watching for %q; press Ctrl+C to stop", *process)
	select {}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
