package codegen

import (
	"fmt"

	"crimson_go/pkg/analysis"
	"crimson_go/pkg/ir"
)

// RewriteYields extends every yield call with the owned references the
// function still holds at the suspension point, so the runtime can keep
// them visible while the frame is parked. The yielded value itself is
// excluded; a yield with nothing live is left untouched.
//
// The ending refs of the yield's block are the state computed at its top,
// which is where the yield sits, so they cover values whose last use
// follows the yield within the block. The blocks the solver saw keep
// their identity through mutation, which is what makes the state lookup
// valid after Apply.
func (m *Mutator) RewriteYields(yields []*ir.Instr, g *analysis.BBGraph, states []analysis.BlockState) {
	for _, y := range yields {
		blk := y.Block()
		if blk == nil {
			panic(fmt.Sprintf("codegen: yield %s is detached", y.Name()))
		}
		bi := g.Index(blk)
		if bi < 0 {
			panic(fmt.Sprintf("codegen: yield block %s unknown to the analysis", blk.Name()))
		}
		st := &states[bi]

		var live []ir.Value
		for _, v := range st.EndingRefs.Keys() {
			if st.EndingRefs.Get(v) <= 0 || v == ir.Value(y) || v == yieldValue(y) {
				continue
			}
			if m.Tracker.TypeOf(v) != analysis.RefOwned {
				continue
			}
			live = append(live, v)
		}
		if len(live) == 0 {
			continue
		}

		y.Args = append(y.Args, ir.I32(int64(len(live))))
		y.Args = append(y.Args, live...)

		m.Stats.YieldRewrites++
		m.tr.Printw("yield rewritten", "block", blk.Name(), "live", len(live))
	}
}

// yieldValue returns the value being sent out: the second argument of the
// yield call, after the generator.
func yieldValue(y *ir.Instr) ir.Value {
	if len(y.Args) < 2 {
		return nil
	}
	return y.Args[1]
}
