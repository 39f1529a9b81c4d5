package codegen

import (
	"context"
	"fmt"

	"github.com/nikandfor/tlog"

	"crimson_go/pkg/analysis"
	"crimson_go/pkg/ir"
)

// Mutator materializes the solver's insertion plans in the CFG: it splits
// critical edges, emits increment and decrement sequences, wires up
// exception fixups and rewrites yield sites. Impossible situations
// (critical unwind edges, unhandled terminators) panic; callers treat a
// panic during mutation as a bug, there is no rollback.
type Mutator struct {
	Fn      *ir.Function
	Tracker *analysis.Tracker
	Runtime *Runtime

	TraceRefs bool
	RefDebug  bool
	Asserts   bool

	Stats *Stats

	cache map[edgeKey]*ir.Instr
	tr    tlog.Span
}

type edgeKey struct {
	to   *ir.Block
	from *ir.Block
}

// NewMutator creates a mutator over f with the given runtime contract
func NewMutator(f *ir.Function, rt *analysis.Tracker, runtime *Runtime) *Mutator {
	return &Mutator{
		Fn:      f,
		Tracker: rt,
		Runtime: runtime,
		Stats:   NewStats(),
		cache:   make(map[edgeKey]*ir.Instr),
	}
}

// Apply walks the converged per-block plans twice: the first pass resolves
// every edge site to a concrete insertion point, splitting critical edges
// as needed; the second pass hits the cache and emits. Emission itself
// adds blocks, so the split work must be complete before any code goes in.
func (m *Mutator) Apply(ctx context.Context, g *analysis.BBGraph, states []analysis.BlockState) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "refcount mutate", "func", m.Fn.FName)
	defer tr.Finish()
	m.tr = tr

	for idx := range states {
		st := &states[idx]
		for i := range st.Increfs {
			if st.Increfs[i].At == nil {
				m.findInsertionPoint(st.Increfs[i].To, st.Increfs[i].From)
			}
		}
		for i := range st.Decrefs {
			if st.Decrefs[i].At == nil {
				m.findInsertionPoint(st.Decrefs[i].To, st.Decrefs[i].From)
			}
		}
	}

	for idx := range states {
		st := &states[idx]
		for _, op := range st.Increfs {
			at := op.At
			if at == nil {
				at = m.findInsertionPoint(op.To, op.From)
			}
			m.addIncrefs(op.Val, op.Nullable, op.Count, at)
		}
		for _, op := range st.Decrefs {
			at := op.At
			if at == nil {
				at = m.findInsertionPoint(op.To, op.From)
			}
			m.addDecrefs(op.Val, op.Nullable, op.Count, at)
		}
	}

	// Fixups go last: converting a call into an invoke detaches the call,
	// and the call may still be someone's cached insertion point until
	// every planned operation is in.
	for idx := range states {
		for _, fx := range states[idx].Fixups {
			m.addCXXFixup(fx.Inst, fx.ToDecref)
		}
	}
}

// findInsertionPoint resolves the edge from -> to into an instruction to
// insert before. Results are cached per (to, from) so both walk passes
// agree on the same point.
func (m *Mutator) findInsertionPoint(to, from *ir.Block) *ir.Instr {
	if to == from {
		panic(fmt.Sprintf("codegen: self edge on block %s", to.Name()))
	}
	key := edgeKey{to: to, from: from}
	if pt, ok := m.cache[key]; ok {
		return pt
	}

	if m.numPredecessors(to) > 1 {
		if from == nil {
			panic(fmt.Sprintf("codegen: cannot break the critical edge to %s without a source block", to.Name()))
		}

		breaker := m.Fn.InsertBlockBefore(to, m.Fn.FreshName("breaker"))
		br := breaker.Append(ir.NewBr(to))

		term := from.Term()
		switch term.Op {
		case ir.OpBr, ir.OpCondBr:
			term.ReplaceSuccessor(to, breaker)
		case ir.OpInvoke:
			if term.Succs[0] == to {
				term.Succs[0] = breaker
			}
			if term.Succs[1] == to {
				panic(fmt.Sprintf("codegen: cannot break the critical unwind edge to %s", to.Name()))
			}
		default:
			panic(fmt.Sprintf("codegen: unhandled terminator %v while splitting edge to %s", term.Op, to.Name()))
		}

		to.RetargetPhis(from, breaker)

		m.Stats.BreakerBlocks++
		m.cache[key] = br
		return br
	}

	var pt *ir.Instr
	if len(to.Instrs) > 0 && to.Instrs[0].Op == ir.OpLandingPad {
		// Keep the landingpad, extract and begin-catch triple contiguous.
		pt = to.Instrs[3]
	} else {
		pt = to.FirstNonPhi()
		if pt == nil {
			panic(fmt.Sprintf("codegen: block %s has no insertion point", to.Name()))
		}
	}
	m.cache[key] = pt
	return pt
}

// numPredecessors counts edges into b, with multiplicity, on the current
// CFG
func (m *Mutator) numPredecessors(b *ir.Block) int {
	n := 0
	for _, blk := range m.Fn.Blocks {
		for _, s := range blk.Successors() {
			if s == b {
				n++
			}
		}
	}
	return n
}
