// Package main provides the entry point for RingCore, a cycle-accurate
// simulator for a many-core ring of hardware-multithreaded processor tiles.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sarchlab/ringcore/config"
	"github.com/sarchlab/ringcore/loader"
	"github.com/sarchlab/ringcore/memory"
	"github.com/sarchlab/ringcore/register"
	"github.com/sarchlab/ringcore/sys"
	"github.com/sarchlab/ringcore/tile"
)

// cliOptions holds the parsed command line, following the design doc section 6's
// token grammar: a positional program file plus -c/-i/-l/-p/-o/-RN/-FN.
type cliOptions struct {
	programPath string
	configPath  string
	interactive bool
	legacy      bool
	printPrefix string
	overrides   []string
	intSeeds    map[uint32]int64
	fltSeeds    map[uint32]int64
}

func parseArgs(args []string) (*cliOptions, error) {
	opts := &cliOptions{
		intSeeds: make(map[uint32]int64),
		fltSeeds: make(map[uint32]int64),
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-c":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("ringcore: -c requires a path")
			}
			opts.configPath = args[i]
		case a == "-i":
			opts.interactive = true
		case a == "-l":
			opts.legacy = true
		case a == "-p":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("ringcore: -p requires a string")
			}
			opts.printPrefix = args[i]
		case a == "-o":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("ringcore: -o requires NAME=VAL")
			}
			opts.overrides = append(opts.overrides, args[i])
		case strings.HasPrefix(a, "-R"):
			n, val, err := parseSeed(a, args, &i)
			if err != nil {
				return nil, err
			}
			opts.intSeeds[n] = val
		case strings.HasPrefix(a, "-F"):
			n, val, err := parseSeed(a, args, &i)
			if err != nil {
				return nil, err
			}
			opts.fltSeeds[n] = val
		case strings.HasPrefix(a, "-"):
			return nil, fmt.Errorf("ringcore: unrecognized option %q", a)
		default:
			opts.programPath = a
		}
	}

	if opts.programPath == "" {
		return nil, fmt.Errorf("ringcore: usage: ringcore [options] <program>")
	}
	return opts, nil
}

// parseSeed handles both "-R3 42" (value as the next token) and "-R3=42"
// (value attached, matching the original CLI's -RN/-FN register-seed forms).
func parseSeed(flag string, args []string, i *int) (uint32, int64, error) {
	rest := flag[2:]
	var numStr, valStr string
	if eq := strings.IndexByte(rest, '='); eq >= 0 {
		numStr, valStr = rest[:eq], rest[eq+1:]
	} else {
		numStr = rest
		*i++
		if *i >= len(args) {
			return 0, 0, fmt.Errorf("ringcore: %s requires a value", flag)
		}
		valStr = args[*i]
	}
	n, err := strconv.ParseUint(numStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("ringcore: bad register number in %q: %w", flag, err)
	}
	v, err := strconv.ParseInt(valStr, 0, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("ringcore: bad seed value in %q: %w", flag, err)
	}
	return uint32(n), v, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := config.New()
	if opts.configPath != "" {
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ringcore: loading config: %v\n", err)
			os.Exit(1)
		}
	}
	for _, o := range opts.overrides {
		if err := cfg.ParseOverride(o); err != nil {
			fmt.Fprintf(os.Stderr, "ringcore: %v\n", err)
			os.Exit(1)
		}
	}

	simCfg, err := config.BuildSimConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringcore: config: %v\n", err)
		os.Exit(1)
	}

	prog, err := loader.LoadFile(opts.programPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ringcore: loading program: %v\n", err)
		os.Exit(1)
	}
	if opts.legacy {
		prog.Legacy = true
	}

	backend := memory.NewBankedMemory(
		int(simCfg.MemoryBanks),
		uint64(simCfg.MemoryBaseRequestTime),
		uint64(simCfg.MemoryTimePerLine),
		uint64(simCfg.MemorySizeOfLine),
		int(simCfg.MemoryBufferSize),
		int(simCfg.MemoryParallelRequests),
	)
	loader.Place(prog, backend)

	decode := decodeFunc(backend)

	tiles := make([]*tile.Tile, simCfg.NumProcessors)
	for i := range tiles {
		tiles[i] = tile.New(uint32(i), simCfg, backend.SharedView(), decode)
	}
	system := sys.New(tiles)

	bootstrap(system, prog, opts)

	if opts.interactive {
		runInteractive(system, opts)
		return
	}

	stats, deadlock, err := system.Run(^uint64(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sringcore: %v\n", opts.printPrefix, err)
		os.Exit(1)
	}
	if deadlock != nil {
		fmt.Fprintf(os.Stderr, "%s%s\n", opts.printPrefix, deadlock)
		printStats(os.Stderr, opts.printPrefix, stats)
		os.Exit(1)
	}

	printStats(os.Stdout, opts.printPrefix, stats)
	printRootExit(os.Stdout, opts.printPrefix, tiles[0])
	os.Exit(0)
}

// printRootExit reports the root family's exit code/value registers (see
// bootstrap's reservation of the top two integer registers), matching
// the design doc section 8 scenario 1's "parent's exit-code register becomes
// FULL=EXIT_NORMAL, parent's exit-value register becomes FULL=<value>".
func printRootExit(w *os.File, prefix string, root *tile.Tile) {
	n := root.Regs.Size(register.Integer)
	code, err := root.Regs.Read(register.Addr{Type: register.Integer, Index: n - 1})
	if err != nil {
		return
	}
	value, err := root.Regs.Read(register.Addr{Type: register.Integer, Index: n - 2})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "%sexit code=%s(%d) value=%s(%d)\n", prefix,
		code.State, code.Data, value.State, value.Data)
}

// bootstrap creates the program's initial family on tile 0. A legacy
// (pre-SVP, flat-binary) program gets a single-threaded family with
// physBlockSize forced to 1, matching MGSim's arch/loader.cpp
// handling of pre-SVP entry points; a non-legacy program's initial family
// still enters through the same local-create path the CREATE instruction
// uses, since the root family is itself always a local create from the
// ring's perspective.
func bootstrap(system *sys.System, prog *loader.Program, opts *cliOptions) {
	root := system.Tiles[0]

	lfid, ok := root.Allocator.AllocateFamily(prog.EntryPoint, true)
	if !ok {
		fmt.Fprintln(os.Stderr, "ringcore: family table exhausted allocating the initial family")
		os.Exit(1)
	}

	// A legacy (pre-SVP flat binary) entry point always runs single-threaded;
	// a non-legacy binary's root family is, for now, given the same
	// single-thread shape since nothing upstream of main has yet executed a
	// CREATE to size it otherwise.
	f := root.Families.Get(lfid)
	f.Legacy = prog.Legacy
	f.Start = 0
	f.Step = 1
	f.LastThread = 0
	f.PhysBlockSize = 1
	f.VirtBlockSize = 1
	f.Parent.Tile = 0
	f.Parent.Thread = 0
	// The root family has no real CREATE-issuing parent thread, but
	// killFamily always writes its exit code/value through
	// Parent.ExitCodeReg/ExitValueReg (the design doc section 3); reserve the top
	// two integer registers as the program's exit sink so printRootExit
	// can report them the same way a family created by a real CREATE
	// instruction reports to its parent.
	numInt := root.Regs.Size(register.Integer)
	f.Parent.ExitCodeReg = register.Addr{Type: register.Integer, Index: numInt - 1}
	f.Parent.ExitValueReg = register.Addr{Type: register.Integer, Index: numInt - 2}

	for n, v := range opts.intSeeds {
		seedRegister(root, register.Integer, n, uint64(v))
	}
	for n, v := range opts.fltSeeds {
		seedRegister(root, register.Float, n, uint64(v))
	}

	root.Allocator.QueueCreate(lfid, true)
}

// seedRegister writes an initial value into the tile's register file at a
// caller-named physical index (the design doc section 6's -RN/-FN), going through
// the presence protocol via Clear+Write exactly as
// MGSim's MGSystem.cpp WriteRegister helpers do, never bypassing
// it. -RN/-FN name registers in the root family's own block, which for the
// initial family starts at physical index 0.
func seedRegister(t *tile.Tile, typ register.Type, n uint32, value uint64) {
	addr := register.Addr{Type: typ, Index: n}
	_ = t.Regs.Clear(addr, 1, register.Value{})
	_, _ = t.Regs.Write(addr, register.Value{State: register.Full, Data: value}, t.Allocator)
}

func printStats(w *os.File, prefix string, stats sys.Stats) {
	fmt.Fprintf(w, "%scycles=%d ops=%d flops=%d\n", prefix, stats.Cycles, stats.Instructions, stats.FloatOps)
	fmt.Fprintf(w, "%sregister-port-busy read=%d write=%d\n", prefix, stats.RegisterReadPortBusy, stats.RegisterWritePortBusy)
	fmt.Fprintf(w, "%sactive-queue min=%d avg=%.2f max=%d\n", prefix, stats.ActiveQueueMin, stats.ActiveQueueAvg, stats.ActiveQueueMax)
	fmt.Fprintf(w, "%spipeline-idle min=%d avg=%.2f max=%d efficiency=%.4f\n",
		prefix, stats.PipelineIdleMin, stats.PipelineIdleAvg, stats.PipelineIdleMax, stats.PipelineEfficiency)
	if stats.HasFamilyCompletion {
		fmt.Fprintf(w, "%sfamily-completion first=%d last=%d\n", prefix, stats.FirstFamilyCompletion, stats.LastFamilyCompletion)
	}
}

// runInteractive implements the interactive debugger's command surface
// (the design doc section 6): help, step [N], run, print, state, debug [SIM|PROG|ALL],
// profiles, quit, each a thin dispatch over the System's own Run/Tick.
func runInteractive(system *sys.System, opts *cliOptions) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintf(os.Stdout, "%sringcore interactive (type 'help')\n", opts.printPrefix)

	for {
		fmt.Fprint(os.Stdout, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd := fields[0]

		switch cmd {
		case "help":
			printHelp()
		case "quit", "exit":
			return
		case "step":
			n := uint64(1)
			if len(fields) > 1 {
				if v, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
					n = v
				}
			}
			stats, deadlock, _ := system.Run(n)
			if deadlock != nil {
				fmt.Println(deadlock)
			}
			printStats(os.Stdout, opts.printPrefix, stats)
		case "run":
			stats, deadlock, _ := system.Run(^uint64(0))
			if deadlock != nil {
				fmt.Println(deadlock)
			}
			printStats(os.Stdout, opts.printPrefix, stats)
		case "print":
			printTree(system)
		case "state":
			for _, t := range system.Tiles {
				fmt.Printf("tile %d: create-state=%s active-queue=%d\n",
					t.ID, t.Allocator.CreateState(), t.Allocator.ActiveQueueLen())
			}
		case "debug":
			fmt.Println("debug scopes: SIM, PROG, ALL (tracing detail is not modeled; this acknowledges the command)")
		case "profiles":
			fmt.Println("no profiling counters beyond the aggregate stats block (the design doc section 6)")
		case "read", "info":
			if len(fields) < 2 {
				fmt.Println("usage: read|info <component>")
				continue
			}
			describeComponent(system, fields[1])
		default:
			fmt.Printf("unknown command %q; type 'help'\n", cmd)
		}
	}
}

func printHelp() {
	fmt.Println("commands: help, step [N], run, print, state, debug [SIM|PROG|ALL], profiles, quit, read <component>, info <component>")
}

func printTree(system *sys.System) {
	for _, t := range system.Tiles {
		fmt.Printf("tile %d\n", t.ID)
		fmt.Printf("  network\n  allocator\n  fpu\n  pipeline\n  icache\n  dcache\n  regfile\n  raunit\n")
	}
}

func describeComponent(system *sys.System, name string) {
	if len(system.Tiles) == 0 {
		return
	}
	t := system.Tiles[0]
	switch name {
	case "network":
		fmt.Printf("network: has-token=%v\n", t.Network.HasToken())
	case "allocator":
		fmt.Printf("allocator: create-state=%s active-queue=%d idle=%v\n",
			t.Allocator.CreateState(), t.Allocator.ActiveQueueLen(), t.Allocator.Idle())
	case "fpu":
		fmt.Printf("fpu: idle=%v\n", t.FPU.Idle())
	case "pipeline":
		s := t.Pipeline.Stats()
		fmt.Printf("pipeline: instructions=%d flops=%d\n", s.Instructions, s.FloatOps)
	default:
		fmt.Printf("no such component %q\n", name)
	}
}
