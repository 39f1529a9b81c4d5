package compiler

import (
	"context"
	"time"

	"github.com/nikandfor/errors"
	"github.com/nikandfor/tlog"

	"crimson_go/pkg/analysis"
	"crimson_go/pkg/codegen"
	"crimson_go/pkg/ir"
)

// Options configures a refcount pass run. The zero value is the plain
// production configuration: patchpoint decrements, no debug counters, no
// internal checks.
type Options struct {
	// Verbosity selects how much the pass logs: 1 dumps the function
	// before the run, 2 adds the per-block solver trace and the dump after
	// the run, 3 adds each value's ending refs at the end of every block.
	Verbosity int

	// TraceRefs switches the object layout to the instrumented one and
	// inlines decrements instead of emitting patchable stubs.
	TraceRefs bool

	// RefDebug maintains the process-wide reference total around every
	// emitted increment and decrement.
	RefDebug bool

	// Asserts enables the internal contract checks: the annotation audit
	// before the run and the layout validation after it.
	Asserts bool

	// WatchdogCap overrides the solver's iteration limit. Zero keeps the
	// default derived from the block count.
	WatchdogCap int

	// Metrics receives the per-function statistics after a successful
	// run. Nil disables reporting.
	Metrics codegen.MetricsSink
}

// InsertRefcounts runs the whole pass over fn: solves for the operation
// placement, materializes the operations in the CFG and rewrites yield
// sites. The tracker must be fully resolved; the runtime supplies the
// layout and helper symbols. On success the returned stats describe what
// was emitted; on failure fn may be partially mutated and must be
// discarded.
func InsertRefcounts(ctx context.Context, fn *ir.Function, rt *analysis.Tracker, runtime *codegen.Runtime, opts Options) (stats *codegen.Stats, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "refcount pass", "func", fn.FName)
	defer tr.Finish("err", &err)

	if opts.Verbosity >= 1 {
		tr.Printw("function before refcounts", "ir", fn.String())
	}

	if err := rt.Resolve(); err != nil {
		return nil, errors.Wrap(err, "annotations")
	}
	if opts.Asserts {
		if err := auditAnnotations(fn, rt); err != nil {
			return nil, errors.Wrap(err, "annotation audit")
		}
	}

	g := analysis.NewBBGraph(fn)

	solver := analysis.NewSolver(fn, g, rt)
	solver.YieldCallee = runtime.YieldHelper
	solver.Asserts = opts.Asserts
	solver.Verbosity = opts.Verbosity
	solver.WatchdogCap = opts.WatchdogCap

	solveStart := time.Now()
	if err := solver.Run(ctx); err != nil {
		return nil, errors.Wrap(err, "solve")
	}
	solveTime := time.Since(solveStart)

	m := codegen.NewMutator(fn, rt, runtime)
	m.TraceRefs = opts.TraceRefs
	m.RefDebug = opts.RefDebug
	m.Asserts = opts.Asserts

	mutateStart := time.Now()
	m.Apply(ctx, g, solver.States)
	m.RewriteYields(solver.Yields, g, solver.States)
	m.Stats.SolveTime = solveTime
	m.Stats.MutateTime = time.Since(mutateStart)

	if opts.Asserts {
		if err := codegen.ValidateDtorOffset(); err != nil {
			return nil, errors.Wrap(err, "layout")
		}
	}

	if opts.Verbosity >= 2 {
		tr.Printw("function after refcounts", "ir", fn.String())
	}
	tr.Printw("pass finished", "stats", m.Stats.String())

	if opts.Metrics != nil {
		opts.Metrics.Observe(fn.FName, m.Stats)
	}
	return m.Stats, nil
}

// auditAnnotations walks the function and reports any value of refcounted
// pointer type the front end forgot to annotate. Constants carry no
// reference and are exempt.
func auditAnnotations(fn *ir.Function, rt *analysis.Tracker) error {
	for _, a := range fn.Args {
		if ir.IsRefcountedPtr(a.Type()) && !rt.IsTracked(a) {
			return errors.New("argument %v is refcounted but untracked", a.Name())
		}
	}
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			if in.HasResult() && ir.IsRefcountedPtr(in.Type()) && !rt.IsTracked(in) {
				return errors.New("result %v in block %v is refcounted but untracked", in.Name(), b.Name())
			}
			for _, op := range in.Operands() {
				if ir.IsRefcountedPtr(op.Type()) && !ir.IsConstant(op) && !rt.IsTracked(op) {
					return errors.New("operand %v of %v in block %v is refcounted but untracked", op.Name(), in.Name(), b.Name())
				}
			}
		}
	}
	return nil
}
