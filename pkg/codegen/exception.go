package codegen

import (
	"fmt"

	"crimson_go/pkg/ir"
)

// addCXXFixup converts a call that may raise into an invoke whose unwind
// destination releases the references live across the call and rethrows.
// The call keeps its result name, attributes and debug location; every
// use is rewritten to the new invoke.
func (m *Mutator) addCXXFixup(inst *ir.Instr, toDecref []ir.Value) {
	if inst.Op == ir.OpInvoke {
		panic(fmt.Sprintf("codegen: %s is already an invoke and does not need a fixup", inst.Name()))
	}
	if inst.Op != ir.OpCall {
		panic(fmt.Sprintf("codegen: cannot fix up non-call instruction %v", inst.Op))
	}

	blk := inst.Block()
	idx := blk.IndexOf(inst)
	if idx+1 >= len(blk.Instrs) {
		panic(fmt.Sprintf("codegen: call %s has no instruction after it", inst.Name()))
	}

	normal := blk.SplitAt(blk.Instrs[idx+1], m.Fn.FreshName("invoke.cont"))
	unwind := m.Fn.NewBlock(m.Fn.FreshName("unwind"))

	inv := ir.NewInvokeFromCall(inst, normal, unwind)
	blk.Erase(blk.Term())
	blk.Erase(inst)
	blk.Append(inv)
	m.Fn.ReplaceAllUses(inst, inv)

	lp := unwind.Append(ir.NewLandingPad(m.Fn.FreshName("lpad"), m.Runtime.LandingPadType, m.Runtime.Personality, true))
	exc := unwind.Append(ir.NewExtractValue(m.Fn.FreshName("exc"), m.Runtime.I8Ptr, lp, 0))

	args := make([]ir.Value, 0, 2+len(toDecref))
	args = append(args, exc, ir.I32(int64(len(toDecref))))
	args = append(args, toDecref...)
	unwind.Append(ir.NewCall("", ir.VoidType(), m.Runtime.XDecrefAndRethrow, args...))
	unwind.Append(ir.NewUnreachable())

	m.Stats.Fixups++
}
