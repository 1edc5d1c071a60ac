package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	jato "github.com/jatovm/jato-sub002"
	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/disasm"
	"github.com/jatovm/jato-sub002/internal/jit"
	"github.com/jatovm/jato-sub002/internal/vm"
)

func main() {
	doMain(os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer, exit func(code int)) {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "print usage")

	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		exit(0)
	}

	subCmd := flag.Arg(0)
	switch subCmd {
	case "config":
		doConfig(flag.Args()[1:], stdOut, stdErr, exit)
	case "trampoline":
		doTrampoline(flag.Args()[1:], stdOut, stdErr, exit)
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		exit(1)
	}
}

func configFlag(flags *flag.FlagSet) *string {
	return flags.String("config", "", "Path to a TOML configuration. Defaults apply to absent keys.")
}

func loadConfig(path string, stdErr io.Writer, exit func(code int)) *jato.Config {
	if path == "" {
		return jato.NewConfig()
	}
	config, err := jato.LoadConfigFile(path)
	if err != nil {
		fmt.Fprintf(stdErr, "error loading config: %v\n", err)
		exit(1)
	}
	return config
}

func doConfig(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("config", flag.ExitOnError)
	flags.SetOutput(stdErr)
	configPath := configFlag(flags)
	_ = flags.Parse(args)

	config := loadConfig(*configPath, stdErr, exit)
	fmt.Fprintf(stdOut, "arch = %q\n", config.Arch())
	fmt.Fprintf(stdOut, "code_segment_size = %d\n", config.CodeSegmentSize())
	fmt.Fprintf(stdOut, "max_unit_size = %d\n", config.MaxUnitSize())
	fmt.Fprintf(stdOut, "max_literal_pool_entries = %d\n", config.MaxLiteralPoolEntries())
	fmt.Fprintf(stdOut, "trace_disassembly = %t\n", config.TraceDisassembly())
	fmt.Fprintf(stdOut, "abort_on_defect = %t\n", config.AbortOnDefect())
	exit(0)
}

func doTrampoline(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("trampoline", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help, virtual, trace bool
	flags.BoolVar(&help, "h", false, "print usage")
	flags.BoolVar(&virtual, "virtual", false, "Emit the stub of a virtual method, which also fixes the vtable.")
	flags.BoolVar(&trace, "trace", false, "Log the compiler trace to stderr.")
	configPath := configFlag(flags)
	arch := flags.String("arch", "", "Target architecture, overriding the configuration.")
	compileEntry := flags.Uint64("compile-entry", 0x1000, "Address of the compile entry.")
	guardSlot := flags.Uint64("guard-slot", 0x2000, "Address of the exception guard slot.")
	fixupEntry := flags.Uint64("fixup-entry", 0x3000, "Address of the vtable fixup entry.")

	_ = flags.Parse(args)

	if help {
		printTrampolineUsage(stdErr, flags)
		exit(0)
	}
	if flags.NArg() < 1 {
		fmt.Fprintln(stdErr, "missing method name")
		printTrampolineUsage(stdErr, flags)
		exit(1)
	}

	config := loadConfig(*configPath, stdErr, exit)
	if *arch != "" {
		config = config.WithArch(*arch)
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(stdErr, "invalid config: %v\n", err)
		exit(1)
	}

	logger := zap.NewNop()
	if trace {
		logger = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.AddSync(stdErr), zap.DebugLevel))
	}
	// The stub is only printed, so it need not be executable.
	arena := asm.NewHeapArena(config.CodeSegmentSize())
	defer arena.Close()
	c, err := jit.NewCompiler(jit.Options{
		Arch:                  config.Arch(),
		Arena:                 arena,
		MaxUnitSize:           config.MaxUnitSize(),
		MaxLiteralPoolEntries: config.MaxLiteralPoolEntries(),
		Logger:                logger,
		TraceDisassembly:      config.TraceDisassembly(),
		AbortOnDefect:         config.AbortOnDefect(),
		CompileEntry:          uintptr(*compileEntry),
		GuardSlot:             uintptr(*guardSlot),
		FixupEntry:            uintptr(*fixupEntry),
	}, nil)
	if err != nil {
		fmt.Fprintf(stdErr, "error creating compiler: %v\n", err)
		exit(1)
	}

	m := &vm.Method{Name: flags.Arg(0), Kind: vm.MethodKindStatic}
	if virtual {
		m.Kind = vm.MethodKindVirtual
	}
	t, err := c.Trampoline(m)
	if err != nil {
		fmt.Fprintf(stdErr, "error emitting trampoline: %v\n", err)
		exit(1)
	}
	lines, err := disasm.Disassemble(config.Arch(), t.Code.Bytes(), 0)
	if err != nil {
		fmt.Fprintf(stdErr, "error disassembling trampoline: %v\n", err)
		exit(1)
	}
	for _, l := range lines {
		fmt.Fprintln(stdOut, l)
	}
	exit(0)
}

func printUsage(stdErr io.Writer) {
	fmt.Fprintln(stdErr, "jatoasm CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  jatoasm <command>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Commands:")
	fmt.Fprintln(stdErr, "  config\tPrints the effective configuration")
	fmt.Fprintln(stdErr, "  trampoline\tDisassembles the lazy compilation stub of a method")
}

func printTrampolineUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "jatoasm CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  jatoasm trampoline <options> <method name>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}
