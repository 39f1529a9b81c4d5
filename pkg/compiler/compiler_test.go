package compiler

import (
	"context"
	"testing"

	"crimson_go/pkg/analysis"
	"crimson_go/pkg/codegen"
	"crimson_go/pkg/ir"
)

var objectType = ir.ObjectType("Object")

func objPtr() *ir.Type { return ir.PointerTo(objectType) }

func run(t *testing.T, fn *ir.Function, rt *analysis.Tracker, opts Options) *codegen.Stats {
	t.Helper()
	stats, err := InsertRefcounts(context.Background(), fn, rt, codegen.NewRuntime(objectType), opts)
	if err != nil {
		t.Fatalf("InsertRefcounts failed: %v", err)
	}
	return stats
}

func mustSetType(t *testing.T, rt *analysis.Tracker, v ir.Value, rtype analysis.RefType) {
	t.Helper()
	if err := rt.SetType(v, rtype); err != nil {
		t.Fatal(err)
	}
}

// buildStraightLine constructs entry: v = f(); g(v); ret. When consume is
// set g steals v's reference, otherwise it only uses it.
func buildStraightLine(t *testing.T, consume bool) (*ir.Function, *analysis.Tracker) {
	t.Helper()
	fSym := ir.NewGlobal("f", ir.FuncType(objPtr()))
	gSym := ir.NewGlobal("g", ir.FuncType(ir.VoidType()))

	fn := ir.NewFunction("straight")
	entry := fn.NewBlock("entry")
	v := entry.Append(ir.NewCall("v", objPtr(), fSym))
	gcall := entry.Append(ir.NewCall("", ir.VoidType(), gSym, v))
	entry.Append(ir.NewRet(nil))

	rt := analysis.NewTracker()
	mustSetType(t, rt, v, analysis.RefOwned)
	if consume {
		rt.RefConsumed(v, gcall)
	} else {
		rt.RefUsed(v, gcall)
	}
	return fn, rt
}

func TestInsertRefcounts_ConsumedTemporaryIsUntouched(t *testing.T) {
	fn, rt := buildStraightLine(t, true)
	before := fn.String()

	stats := run(t, fn, rt, Options{Asserts: true})

	if stats.Increfs != 0 || stats.Decrefs != 0 || stats.Fixups != 0 {
		t.Errorf("Expected no operations, got %s", stats)
	}
	if after := fn.String(); after != before {
		t.Errorf("Expected the function unchanged:\nbefore:\n%s\nafter:\n%s", before, after)
	}
}

func TestInsertRefcounts_UnconsumedTemporaryReleased(t *testing.T) {
	fn, rt := buildStraightLine(t, false)

	stats := run(t, fn, rt, Options{Asserts: true})

	if stats.Decrefs != 1 {
		t.Fatalf("Expected one decrement, got %s", stats)
	}

	// The decrement stub sits between the use and the return.
	entry := fn.Entry()
	if len(entry.Instrs) != 4 {
		t.Fatalf("Expected 4 instructions, got %d", len(entry.Instrs))
	}
	pp := entry.Instrs[2]
	if pp.Op != ir.OpCall || pp.Args[0].(*ir.ConstInt).Val != codegen.DecrefPPID {
		t.Error("Expected the decrement stub before the return")
	}
}

func TestInsertRefcounts_DiamondReleasesOnEmptyArm(t *testing.T) {
	fSym := ir.NewGlobal("f", ir.FuncType(objPtr()))
	gSym := ir.NewGlobal("g", ir.FuncType(ir.VoidType()))

	fn := ir.NewFunction("diamond")
	cond := fn.AddArg("c", ir.IntType(1))

	entry := fn.NewBlock("entry")
	left := fn.NewBlock("left")
	right := fn.NewBlock("right")
	join := fn.NewBlock("join")

	v := entry.Append(ir.NewCall("v", objPtr(), fSym))
	entry.Append(ir.NewCondBr(cond, left, right))
	gcall := left.Append(ir.NewCall("", ir.VoidType(), gSym, v))
	left.Append(ir.NewBr(join))
	right.Append(ir.NewBr(join))
	join.Append(ir.NewRet(nil))

	rt := analysis.NewTracker()
	mustSetType(t, rt, v, analysis.RefOwned)
	rt.RefConsumed(v, gcall)

	leftLen := len(left.Instrs)

	stats := run(t, fn, rt, Options{Asserts: true})

	if stats.Decrefs != 1 {
		t.Fatalf("Expected one decrement, got %s", stats)
	}
	// The right arm has a single predecessor, so no breaker is needed and
	// the decrement lands at its head.
	if stats.BreakerBlocks != 0 {
		t.Errorf("Expected no breaker blocks, got %d", stats.BreakerBlocks)
	}
	if right.Instrs[0].Op != ir.OpCall || right.Instrs[0].Args[0].(*ir.ConstInt).Val != codegen.DecrefPPID {
		t.Error("Expected the decrement stub at the head of the untouched arm")
	}
	if len(left.Instrs) != leftLen {
		t.Error("Expected the consuming arm unchanged")
	}
}

func TestInsertRefcounts_MayRaiseGetsUnwindFixup(t *testing.T) {
	fSym := ir.NewGlobal("f", ir.FuncType(objPtr()))
	gSym := ir.NewGlobal("g", ir.FuncType(objPtr()))
	hSym := ir.NewGlobal("h", ir.FuncType(ir.VoidType()))
	kSym := ir.NewGlobal("k", ir.FuncType(ir.VoidType()))

	fn := ir.NewFunction("raises")
	entry := fn.NewBlock("entry")
	u := entry.Append(ir.NewCall("u", objPtr(), fSym))
	v := entry.Append(ir.NewCall("v", objPtr(), gSym))
	hcall := entry.Append(ir.NewCall("", ir.VoidType(), hSym, u, v))
	kcall := entry.Append(ir.NewCall("", ir.VoidType(), kSym, u, v))
	entry.Append(ir.NewRet(nil))

	rt := analysis.NewTracker()
	mustSetType(t, rt, u, analysis.RefOwned)
	mustSetType(t, rt, v, analysis.RefOwned)
	rt.RefUsed(u, hcall)
	rt.RefUsed(v, hcall)
	rt.RefConsumed(u, kcall)
	rt.RefConsumed(v, kcall)
	if err := rt.SetMayThrow(hcall); err != nil {
		t.Fatal(err)
	}

	stats := run(t, fn, rt, Options{Asserts: true})

	if stats.Fixups != 1 {
		t.Fatalf("Expected one fixup, got %s", stats)
	}
	if stats.Increfs != 0 || stats.Decrefs != 0 {
		t.Errorf("Expected clean normal path, got %s", stats)
	}

	// The may-raise call became an invoke whose unwind path releases both
	// live references and rethrows.
	inv := entry.Term()
	if inv.Op != ir.OpInvoke || inv.Callee != ir.Value(hSym) {
		t.Fatal("Expected the may-raise call converted to an invoke")
	}
	unwind := inv.Succs[1]
	if unwind.Instrs[0].Op != ir.OpLandingPad {
		t.Fatal("Expected a landing pad in the unwind destination")
	}
	rethrow := unwind.Instrs[2]
	if n := rethrow.Args[1].(*ir.ConstInt).Val; n != 2 {
		t.Fatalf("Expected 2 released values, got %d", n)
	}
	if rethrow.Args[2] != ir.Value(u) || rethrow.Args[3] != ir.Value(v) {
		t.Error("Expected u and v passed to the rethrow helper in order")
	}
}

func TestInsertRefcounts_BorrowedNullableArgReturned(t *testing.T) {
	fn := ir.NewFunction("ident")
	p := fn.AddArg("p", objPtr())
	entry := fn.NewBlock("entry")
	ret := entry.Append(ir.NewRet(p))

	rt := analysis.NewTracker()
	mustSetType(t, rt, p, analysis.RefBorrowed)
	if err := rt.SetNullable(p, true); err != nil {
		t.Fatal(err)
	}
	rt.RefConsumed(p, ret)

	stats := run(t, fn, rt, Options{Asserts: true})

	if stats.Increfs != 1 || stats.Decrefs != 0 {
		t.Fatalf("Expected a single increment, got %s", stats)
	}
	if stats.NullChecks != 1 {
		t.Errorf("Expected a null check around the increment, got %d", stats.NullChecks)
	}
	// The null test splits the entry into a diamond.
	if len(fn.Blocks) != 3 {
		t.Errorf("Expected 3 blocks after the null-check split, got %d", len(fn.Blocks))
	}
	if fn.Entry().Term().Op != ir.OpCondBr {
		t.Error("Expected the entry to end in the null test")
	}
}

func TestInsertRefcounts_YieldCarriesLiveRefs(t *testing.T) {
	runtime := codegen.NewRuntime(objectType)
	fSym := ir.NewGlobal("f", ir.FuncType(objPtr()))
	useSym := ir.NewGlobal("use", ir.FuncType(ir.VoidType()))
	sinkSym := ir.NewGlobal("sink", ir.FuncType(ir.VoidType()))

	fn := ir.NewFunction("gen")
	genArg := fn.AddArg("g", objPtr())

	entry := fn.NewBlock("entry")
	resume := fn.NewBlock("resume")
	u := entry.Append(ir.NewCall("u", objPtr(), fSym))
	v := entry.Append(ir.NewCall("v", objPtr(), fSym))
	entry.Append(ir.NewBr(resume))

	y := resume.Append(ir.NewCall("sent", objPtr(), runtime.YieldHelper, genArg, v))
	ucall := resume.Append(ir.NewCall("", ir.VoidType(), useSym, u))
	vcall := resume.Append(ir.NewCall("", ir.VoidType(), sinkSym, v))
	resume.Append(ir.NewRet(nil))

	rt := analysis.NewTracker()
	mustSetType(t, rt, genArg, analysis.RefBorrowed)
	mustSetType(t, rt, u, analysis.RefOwned)
	mustSetType(t, rt, v, analysis.RefOwned)
	mustSetType(t, rt, y, analysis.RefBorrowed)
	rt.RefUsed(u, ucall)
	rt.RefConsumed(v, vcall)

	stats, err := InsertRefcounts(context.Background(), fn, rt, runtime, Options{Asserts: true})
	if err != nil {
		t.Fatalf("InsertRefcounts failed: %v", err)
	}

	if stats.YieldRewrites != 1 {
		t.Fatalf("Expected one yield rewrite, got %s", stats)
	}
	if stats.Decrefs != 1 {
		t.Fatalf("Expected one decrement, got %s", stats)
	}

	// u's last use follows the yield within the block, so it is still held
	// across the suspension and must be handed to the helper. The yielded
	// value itself is not.
	if len(y.Args) != 4 {
		t.Fatalf("Expected generator, value, count and one live ref, got %d args", len(y.Args))
	}
	if n := y.Args[2].(*ir.ConstInt).Val; n != 1 {
		t.Errorf("Expected live count 1, got %d", n)
	}
	if y.Args[3] != ir.Value(u) {
		t.Error("Expected u reported live across the yield")
	}

	// u is released after its last use, before v is consumed.
	pp := resume.Instrs[2]
	if pp.Op != ir.OpCall || pp.Args[0].(*ir.ConstInt).Val != codegen.DecrefPPID {
		t.Error("Expected the decrement stub between u's last use and v's consumer")
	}
}

func TestInsertRefcounts_Deterministic(t *testing.T) {
	build := func() (*ir.Function, *analysis.Tracker) {
		fSym := ir.NewGlobal("f", ir.FuncType(objPtr()))
		gSym := ir.NewGlobal("g", ir.FuncType(ir.VoidType()))

		fn := ir.NewFunction("det")
		cond := fn.AddArg("c", ir.IntType(1))

		entry := fn.NewBlock("entry")
		left := fn.NewBlock("left")
		right := fn.NewBlock("right")
		join := fn.NewBlock("join")

		u := entry.Append(ir.NewCall("u", objPtr(), fSym))
		v := entry.Append(ir.NewCall("v", objPtr(), fSym))
		entry.Append(ir.NewCondBr(cond, left, right))
		gl := left.Append(ir.NewCall("", ir.VoidType(), gSym, u))
		left.Append(ir.NewBr(join))
		gr := right.Append(ir.NewCall("", ir.VoidType(), gSym, v))
		right.Append(ir.NewBr(join))
		join.Append(ir.NewRet(nil))

		rt := analysis.NewTracker()
		mustSetType(t, rt, u, analysis.RefOwned)
		mustSetType(t, rt, v, analysis.RefOwned)
		rt.RefConsumed(u, gl)
		rt.RefConsumed(v, gr)
		return fn, rt
	}

	fn1, rt1 := build()
	run(t, fn1, rt1, Options{Asserts: true})

	fn2, rt2 := build()
	run(t, fn2, rt2, Options{Asserts: true})

	if a, b := fn1.String(), fn2.String(); a != b {
		t.Errorf("Expected identical output for identical input:\nfirst:\n%s\nsecond:\n%s", a, b)
	}
}

func TestInsertRefcounts_AuditCatchesUntracked(t *testing.T) {
	fSym := ir.NewGlobal("f", ir.FuncType(objPtr()))

	fn := ir.NewFunction("missed")
	entry := fn.NewBlock("entry")
	entry.Append(ir.NewCall("v", objPtr(), fSym))
	entry.Append(ir.NewRet(nil))

	rt := analysis.NewTracker()

	_, err := InsertRefcounts(context.Background(), fn, rt, codegen.NewRuntime(objectType), Options{Asserts: true})
	if err == nil {
		t.Fatal("Expected the audit to reject the untracked refcounted result")
	}

	// Without asserts the audit is skipped and the value is simply not
	// managed.
	fn2 := ir.NewFunction("missed2")
	entry2 := fn2.NewBlock("entry")
	entry2.Append(ir.NewCall("v", objPtr(), fSym))
	entry2.Append(ir.NewRet(nil))

	if _, err := InsertRefcounts(context.Background(), fn2, analysis.NewTracker(), codegen.NewRuntime(objectType), Options{}); err != nil {
		t.Errorf("Expected success without asserts, got %v", err)
	}
}

func TestInsertRefcounts_UnresolvedDisciplineRejected(t *testing.T) {
	fn := ir.NewFunction("unresolved")
	p := fn.AddArg("p", objPtr())
	entry := fn.NewBlock("entry")
	entry.Append(ir.NewRet(nil))

	rt := analysis.NewTracker()
	if err := rt.SetNullable(p, true); err != nil {
		t.Fatal(err)
	}

	_, err := InsertRefcounts(context.Background(), fn, rt, codegen.NewRuntime(objectType), Options{})
	if err == nil {
		t.Fatal("Expected error for a value with unresolved discipline")
	}
}

func TestInsertRefcounts_WatchdogCap(t *testing.T) {
	fn := ir.NewFunction("wd")
	cond := fn.AddArg("c", ir.IntType(1))
	entry := fn.NewBlock("entry")
	left := fn.NewBlock("left")
	right := fn.NewBlock("right")
	join := fn.NewBlock("join")
	entry.Append(ir.NewCondBr(cond, left, right))
	left.Append(ir.NewBr(join))
	right.Append(ir.NewBr(join))
	join.Append(ir.NewRet(nil))

	_, err := InsertRefcounts(context.Background(), fn, analysis.NewTracker(), codegen.NewRuntime(objectType), Options{WatchdogCap: 1})
	if err == nil {
		t.Fatal("Expected the watchdog to trip")
	}
}

func TestInsertRefcounts_MetricsSink(t *testing.T) {
	fn, rt := buildStraightLine(t, false)

	var gotFn string
	var gotStats *codegen.Stats
	sink := sinkFunc(func(name string, s *codegen.Stats) {
		gotFn = name
		gotStats = s
	})

	run(t, fn, rt, Options{Metrics: sink})

	if gotFn != "straight" {
		t.Errorf("Expected observation for 'straight', got %q", gotFn)
	}
	if gotStats == nil || gotStats.Decrefs != 1 {
		t.Errorf("Expected the emitted stats reported, got %+v", gotStats)
	}
}

type sinkFunc func(string, *codegen.Stats)

func (f sinkFunc) Observe(fn string, s *codegen.Stats) { f(fn, s) }
