package analysis

import (
	"context"

	"github.com/nikandfor/errors"
	"github.com/nikandfor/tlog"

	"crimson_go/pkg/ir"
)

// RefOp is a planned refcount operation: Count references on Val, to be
// materialized either immediately before At, or on the edge From -> To
// after possible critical-edge splitting. From may be nil for an
// insertion at the top of To.
type RefOp struct {
	Val      ir.Value
	Nullable bool
	Count    int

	At   *ir.Instr
	To   *ir.Block
	From *ir.Block
}

// Fixup pairs a may-raise instruction with the multiset of values that
// must be decremented along its unwind path, in insertion order
type Fixup struct {
	Inst     *ir.Instr
	ToDecref []ir.Value
}

// BlockState is the per-block solver state. Starting and ending refer to
// the backward scan: StartingRefs is the state inherited from successors
// (held at the end of the block), EndingRefs the state computed for the
// top of the block.
type BlockState struct {
	BeenRun bool

	StartingRefs *RefMap
	EndingRefs   *RefMap

	Increfs []RefOp
	Decrefs []RefOp
	Fixups  []Fixup
}

// Solver runs the backward fixed-point dataflow that decides where
// refcount operations go. It fills States with converged summaries and
// insertion plans; the mutator materializes them afterwards.
type Solver struct {
	Fn      *ir.Function
	Graph   *BBGraph
	Tracker *Tracker

	// YieldCallee identifies generator-yield call sites by callee; nil
	// disables yield collection.
	YieldCallee ir.Value

	Asserts     bool
	Verbosity   int
	WatchdogCap int

	States  []BlockState
	Invokes []*ir.Instr
	Yields  []*ir.Instr
}

// NewSolver creates a solver over f with its prebuilt block graph
func NewSolver(f *ir.Function, g *BBGraph, rt *Tracker) *Solver {
	s := &Solver{Fn: f, Graph: g, Tracker: rt}
	s.States = make([]BlockState, g.NumBlocks())
	for i := range s.States {
		s.States[i].StartingRefs = NewRefMap()
		s.States[i].EndingRefs = NewRefMap()
	}
	return s
}

// Run drives the worklist to convergence
func (s *Solver) Run(ctx context.Context) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "refcount solve", "func", s.Fn.FName)
	defer tr.Finish("err", &err)

	order, err := ComputeTraversalOrder(s.Graph, s.Asserts)
	if err != nil {
		return errors.Wrap(err, "traversal order")
	}

	orderer := NewBlockOrderer(order)
	for i := 0; i < s.Graph.NumBlocks(); i++ {
		orderer.Add(i)
	}

	s.collectSpecialSites()

	limit := s.WatchdogCap
	if limit == 0 {
		limit = 100*s.Graph.NumBlocks() + 1000
	}

	iterations := 0
	for {
		idx := orderer.Pop()
		if idx == -1 {
			break
		}
		iterations++
		if iterations > limit {
			return errors.New("solver watchdog tripped after %d iterations", iterations)
		}
		if err := s.processBlock(tr, idx, orderer); err != nil {
			return errors.Wrap(err, "block %v", s.Graph.Blocks[idx].Name())
		}
	}

	tr.Printw("solver converged", "iterations", iterations, "blocks", s.Graph.NumBlocks())
	return nil
}

// collectSpecialSites gathers tracked invokes (whose results are defined
// at the top of their normal destination) and yield call sites
func (s *Solver) collectSpecialSites() {
	s.Invokes = s.Invokes[:0]
	s.Yields = s.Yields[:0]
	for _, b := range s.Graph.Blocks {
		for _, inst := range b.Instrs {
			if inst.Op == ir.OpCall && s.YieldCallee != nil && inst.Callee == s.YieldCallee {
				s.Yields = append(s.Yields, inst)
			}
			if inst.Op == ir.OpInvoke && s.Tracker.IsTracked(inst) {
				s.Invokes = append(s.Invokes, inst)
			}
		}
	}
}

func (s *Solver) processBlock(tr tlog.Span, idx int, orderer *BlockOrderer) error {
	b := s.Graph.Blocks[idx]
	rt := s.Tracker
	state := &s.States[idx]

	if s.Verbosity >= 2 {
		tr.Printw("processing block", "block", b.Name())
	}

	firsttime := !state.BeenRun
	state.BeenRun = true

	origEndingRefs := state.EndingRefs

	state.StartingRefs = NewRefMap()
	state.EndingRefs = NewRefMap()
	state.Increfs = state.Increfs[:0]
	state.Decrefs = state.Decrefs[:0]
	state.Fixups = state.Fixups[:0]

	// Merge from successors that have run at least once.
	var successors []int
	for _, sidx := range s.Graph.Succs[idx] {
		if s.States[sidx].BeenRun {
			successors = append(successors, sidx)
		}
	}
	if len(successors) > 0 {
		var trackedValues []ir.Value
		inTracked := make(map[ir.Value]bool)
		for _, sidx := range successors {
			for _, v := range s.States[sidx].EndingRefs.Keys() {
				if !inTracked[v] {
					inTracked[v] = true
					trackedValues = append(trackedValues, v)
				}
			}
		}

		for _, v := range trackedValues {
			if !rt.IsTracked(v) {
				return errors.New("untracked value %v in successor summary", v.Name())
			}
			owned := rt.TypeOf(v) == RefOwned
			nullable := rt.IsNullable(v)

			minRefs := int(^uint(0) >> 1)
			for _, sidx := range successors {
				c := s.States[sidx].EndingRefs.Get(v)
				if c < minRefs {
					minRefs = c
				}
			}
			if owned && minRefs < 1 {
				minRefs = 1
			}

			for _, sidx := range successors {
				thisRefs := s.States[sidx].EndingRefs.Get(v)
				if thisRefs > minRefs {
					state.Increfs = append(state.Increfs, RefOp{
						Val: v, Nullable: nullable, Count: thisRefs - minRefs,
						To: s.Graph.Blocks[sidx], From: b,
					})
				} else if thisRefs < minRefs {
					if !owned {
						return errors.New("edge decrement scheduled for non-owned value %v", v.Name())
					}
					state.Decrefs = append(state.Decrefs, RefOp{
						Val: v, Nullable: nullable, Count: minRefs - thisRefs,
						To: s.Graph.Blocks[sidx], From: b,
					})
				}
			}

			if minRefs > 0 {
				state.StartingRefs.Set(v, minRefs)
			}
		}
	}

	state.EndingRefs = state.StartingRefs.Clone()
	ending := state.EndingRefs

	// Backward scan. Phis only get their defining-point adjustment here;
	// their per-edge consumption is recorded on the predecessor's
	// terminator by the front end.
	for i := len(b.Instrs) - 1; i >= 0; i-- {
		inst := b.Instrs[i]

		if inst.Op != ir.OpInvoke && rt.IsTracked(inst) {
			defCount := 0
			if rt.TypeOf(inst) == RefOwned {
				defCount = 1
			}
			if cur := ending.Get(inst); cur != defCount {
				if inst.IsTerminator() {
					return errors.New("tracked terminator %v needs a defining adjustment", inst.Name())
				}
				at := nextNonPhi(b, i+1)
				if at == nil {
					return errors.New("no insertion point after %v", inst.Name())
				}
				if cur < defCount {
					if rt.TypeOf(inst) != RefOwned {
						return errors.New("defining decrement for non-owned value %v", inst.Name())
					}
					state.Decrefs = append(state.Decrefs, RefOp{
						Val: inst, Nullable: rt.IsNullable(inst), Count: defCount - cur, At: at,
					})
				} else {
					state.Increfs = append(state.Increfs, RefOp{
						Val: inst, Nullable: rt.IsNullable(inst), Count: cur - defCount, At: at,
					})
				}
			}
			ending.Delete(inst)
		}

		if inst.Op == ir.OpPhi {
			continue
		}

		mayThrow := rt.MayThrow(inst)

		// Flush any surplus held beyond the structural need before a
		// may-raise site, so the unwind path never has to release what
		// was only speculatively held past the call.
		if mayThrow {
			keys := append([]ir.Value(nil), ending.Keys()...)
			for _, v := range keys {
				needed := 0
				if rt.TypeOf(v) == RefOwned {
					needed = 1
				}
				if c := ending.Get(v); c > needed {
					if inst.IsTerminator() {
						for _, succ := range inst.Successors() {
							state.Increfs = append(state.Increfs, RefOp{
								Val: v, Nullable: rt.IsNullable(v), Count: c - needed, To: succ, From: b,
							})
						}
					} else {
						state.Increfs = append(state.Increfs, RefOp{
							Val: v, Nullable: rt.IsNullable(v), Count: c - needed, At: b.Instrs[i+1],
						})
					}
				}
				ending.Set(v, needed)
			}
		}

		var consumedBy, timesAsOp countMap
		for _, v := range rt.ConsumedBy(inst) {
			if rt.TypeOf(v) == RefUnknown {
				return errors.New("consumed value %v has unresolved discipline", v.Name())
			}
			consumedBy.bump(v, 1)
			timesAsOp.bump(v, 0)
		}
		for _, v := range rt.UsedBy(inst) {
			if rt.TypeOf(v) == RefUnknown {
				return errors.New("used value %v has unresolved discipline", v.Name())
			}
			timesAsOp.bump(v, 1)
		}
		for _, op := range inst.Operands() {
			if rt.IsTracked(op) {
				timesAsOp.bump(op, 1)
			}
		}

		// Last observable use of an owned value on this backward walk:
		// nothing downstream needs it, so release it right after.
		for _, e := range timesAsOp.entries {
			op := e.val
			if e.count <= consumedBy.get(op) {
				continue
			}
			if rt.TypeOf(op) != RefOwned || ending.Get(op) != 0 {
				continue
			}
			nullable := rt.IsNullable(op)
			if inst.Op == ir.OpInvoke {
				state.Decrefs = append(state.Decrefs,
					RefOp{Val: op, Nullable: nullable, Count: 1, To: inst.Succs[0], From: b},
					RefOp{Val: op, Nullable: nullable, Count: 1, To: inst.Succs[1], From: b})
			} else {
				if inst.IsTerminator() {
					return errors.New("owned value %v used but not consumed by terminator", op.Name())
				}
				next := b.Instrs[i+1]
				if next.Op == ir.OpUnreachable {
					if s.Asserts && !mayThrow {
						return errors.New("unreachable follows %v which is not may-raise", inst.Name())
					}
				} else {
					state.Decrefs = append(state.Decrefs,
						RefOp{Val: op, Nullable: nullable, Count: 1, At: next})
				}
			}
			ending.Set(op, 1)
		}

		// Invokes already route their exception edge through the CFG, so
		// their unwind-path releases arrive as ordinary edge decrements.
		// Only plain calls need an unwind destination built for them.
		if mayThrow && inst.Op != ir.OpInvoke {
			toDecref := ending.Flatten()
			if len(toDecref) > 0 {
				state.Fixups = append(state.Fixups, Fixup{Inst: inst, ToDecref: toDecref})
			}
		}

		// Stolen refs go last: a consumed reference is still owned by the
		// caller when control leaves the site via an exception.
		for _, e := range consumedBy.entries {
			if e.count > 0 {
				ending.Add(e.val, e.count)
			}
		}
	}

	if s.Verbosity >= 2 {
		tr.Printw("end of block", "block", b.Name())
		if s.Verbosity >= 3 {
			for _, v := range ending.Keys() {
				tr.Printw("ending ref", "value", v.Name(), "count", ending.Get(v))
			}
		}
	}

	// Invoke results are defined at the top of the normal destination;
	// adjustments go on the edge from the invoke's block.
	for _, ii := range s.Invokes {
		if ii.Succs[0] != b {
			continue
		}
		defCount := 0
		if rt.TypeOf(ii) == RefOwned {
			defCount = 1
		}
		if cur := ending.Get(ii); cur != defCount {
			if cur < defCount {
				if rt.TypeOf(ii) != RefOwned {
					return errors.New("defining decrement for non-owned invoke %v", ii.Name())
				}
				state.Decrefs = append(state.Decrefs, RefOp{
					Val: ii, Nullable: rt.IsNullable(ii), Count: defCount - cur, To: b, From: ii.Block(),
				})
			} else {
				state.Increfs = append(state.Increfs, RefOp{
					Val: ii, Nullable: rt.IsNullable(ii), Count: cur - defCount, To: b, From: ii.Block(),
				})
			}
		}
		ending.Delete(ii)
	}

	// The entry block settles the remaining state instead of handing it
	// to a predecessor: leftovers must be borrowed arguments, globals or
	// constants, and each gets its increment at the top of the function.
	if b == s.Fn.Entry() {
		for _, v := range ending.Keys() {
			if s.Asserts {
				if !ir.IsConstant(v) && !s.isArgument(v) {
					return errors.New("entry block still owes refs on %v which is not an argument, global or constant", v.Name())
				}
				if rt.TypeOf(v) != RefBorrowed {
					return errors.New("entry leftover %v is not borrowed", v.Name())
				}
			}
			state.Increfs = append(state.Increfs, RefOp{
				Val: v, Nullable: rt.IsNullable(v), Count: ending.Get(v), To: b,
			})
		}
		ending.Clear()
	}

	// A block can converge to zero live values, which is not the same as
	// never having run. Hence the firsttime check.
	if firsttime || !origEndingRefs.Equal(state.EndingRefs) {
		for _, pidx := range s.Graph.Preds[idx] {
			orderer.Add(pidx)
		}
	}

	return nil
}

func (s *Solver) isArgument(v ir.Value) bool {
	for _, a := range s.Fn.Args {
		if ir.Value(a) == v {
			return true
		}
	}
	return false
}

// nextNonPhi returns the first instruction at or after index i that is
// not a phi, or nil
func nextNonPhi(b *ir.Block, i int) *ir.Instr {
	for ; i < len(b.Instrs); i++ {
		if b.Instrs[i].Op != ir.OpPhi {
			return b.Instrs[i]
		}
	}
	return nil
}
