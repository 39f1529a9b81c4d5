package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/nikandfor/tlog"

	"crimson_go/pkg/analysis"
	"crimson_go/pkg/codegen"
	"crimson_go/pkg/compiler"
	"crimson_go/pkg/ir"
)

var (
	verbosity = flag.Int("v", 0, "Pass verbosity (0-3)")
	traceRefs = flag.Bool("trace-refs", false, "Instrumented object layout with inline decrements")
	refDebug  = flag.Bool("ref-debug", false, "Maintain the process-wide reference total")
	asserts   = flag.Bool("asserts", true, "Internal contract checks")
	watchdog  = flag.Int("watchdog", 0, "Solver iteration cap override (0 = default)")
	noColor   = flag.Bool("no-color", false, "Disable ANSI colors even on a terminal")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "crimson - refcount insertion demo\n\n")
		fmt.Fprintf(os.Stderr, "Builds a few annotated sample functions, runs the refcount\n")
		fmt.Fprintf(os.Stderr, "pass over each and prints the IR before and after.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	tlog.DefaultLogger = tlog.New(tlog.NewConsoleWriter(os.Stderr, tlog.LstdFlags))

	color := !*noColor && isatty.IsTerminal(os.Stdout.Fd())

	opts := compiler.Options{
		Verbosity:   *verbosity,
		TraceRefs:   *traceRefs,
		RefDebug:    *refDebug,
		Asserts:     *asserts,
		WatchdogCap: *watchdog,
	}

	runtime := codegen.NewRuntime(ir.ObjectType("Object"))
	ctx := context.Background()

	failed := false
	for _, d := range demos() {
		fn, rt := d.build(runtime)

		printIR(fn, "before", color)

		stats, err := compiler.InsertRefcounts(ctx, fn, rt, runtime, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", d.name, err)
			failed = true
			continue
		}

		printIR(fn, "after", color)
		fmt.Printf("; %s\n\n", stats)
	}
	if failed {
		os.Exit(1)
	}
}

type demo struct {
	name  string
	build func(*codegen.Runtime) (*ir.Function, *analysis.Tracker)
}

func demos() []demo {
	return []demo{
		{"temporary", buildTemporary},
		{"diamond", buildDiamond},
		{"may_raise", buildMayRaise},
	}
}

// buildTemporary allocates an owned temporary, passes it to a callee that
// only borrows it and returns. The pass has to release the temporary
// before the return.
func buildTemporary(runtime *codegen.Runtime) (*ir.Function, *analysis.Tracker) {
	objp := runtime.ObjectPtr
	alloc := ir.NewGlobal("alloc", ir.FuncType(objp))
	use := ir.NewGlobal("use", ir.FuncType(ir.VoidType()))

	fn := ir.NewFunction("temporary")
	entry := fn.NewBlock("entry")
	v := entry.Append(ir.NewCall("v", objp, alloc))
	ucall := entry.Append(ir.NewCall("", ir.VoidType(), use, v))
	entry.Append(ir.NewRet(nil))

	rt := analysis.NewTracker()
	must(rt.SetType(v, analysis.RefOwned))
	rt.RefUsed(v, ucall)
	return fn, rt
}

// buildDiamond consumes an owned temporary on one arm of a branch only.
// The balancing release lands on the edge into the other arm.
func buildDiamond(runtime *codegen.Runtime) (*ir.Function, *analysis.Tracker) {
	objp := runtime.ObjectPtr
	alloc := ir.NewGlobal("alloc", ir.FuncType(objp))
	sink := ir.NewGlobal("sink", ir.FuncType(ir.VoidType()))

	fn := ir.NewFunction("diamond")
	cond := fn.AddArg("c", ir.IntType(1))

	entry := fn.NewBlock("entry")
	left := fn.NewBlock("left")
	right := fn.NewBlock("right")
	join := fn.NewBlock("join")

	v := entry.Append(ir.NewCall("v", objp, alloc))
	entry.Append(ir.NewCondBr(cond, left, right))
	scall := left.Append(ir.NewCall("", ir.VoidType(), sink, v))
	left.Append(ir.NewBr(join))
	right.Append(ir.NewBr(join))
	join.Append(ir.NewRet(nil))

	rt := analysis.NewTracker()
	must(rt.SetType(v, analysis.RefOwned))
	rt.RefConsumed(v, scall)
	return fn, rt
}

// buildMayRaise holds two owned temporaries across a call that can throw.
// The pass converts the call into an invoke with an unwind path that
// releases both before rethrowing.
func buildMayRaise(runtime *codegen.Runtime) (*ir.Function, *analysis.Tracker) {
	objp := runtime.ObjectPtr
	alloc := ir.NewGlobal("alloc", ir.FuncType(objp))
	risky := ir.NewGlobal("risky", ir.FuncType(ir.VoidType()))
	sink := ir.NewGlobal("sink", ir.FuncType(ir.VoidType()))

	fn := ir.NewFunction("may_raise")
	entry := fn.NewBlock("entry")
	u := entry.Append(ir.NewCall("u", objp, alloc))
	v := entry.Append(ir.NewCall("v", objp, alloc))
	rcall := entry.Append(ir.NewCall("", ir.VoidType(), risky, u, v))
	scall := entry.Append(ir.NewCall("", ir.VoidType(), sink, u, v))
	entry.Append(ir.NewRet(nil))

	rt := analysis.NewTracker()
	must(rt.SetType(u, analysis.RefOwned))
	must(rt.SetType(v, analysis.RefOwned))
	rt.RefUsed(u, rcall)
	rt.RefUsed(v, rcall)
	rt.RefConsumed(u, scall)
	rt.RefConsumed(v, scall)
	must(rt.SetMayThrow(rcall))
	return fn, rt
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "demo setup: %v\n", err)
		os.Exit(1)
	}
}

const (
	ansiReset = "\x1b[0m"
	ansiBold  = "\x1b[1m"
	ansiCyan  = "\x1b[36m"
	ansiDim   = "\x1b[2m"
)

func printIR(fn *ir.Function, phase string, color bool) {
	header := fmt.Sprintf("; %s (%s)", fn.FName, phase)
	if color {
		header = ansiBold + header + ansiReset
	}
	fmt.Println(header)

	for _, line := range strings.Split(fn.String(), "\n") {
		if color {
			switch {
			case strings.HasSuffix(line, ":"):
				line = ansiCyan + line + ansiReset
			case strings.HasPrefix(strings.TrimSpace(line), ";"):
				line = ansiDim + line + ansiReset
			}
		}
		fmt.Println(line)
	}
	fmt.Println()
}
