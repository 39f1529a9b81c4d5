package codegen

import (
	"crimson_go/pkg/ir"
)

// addIncrefs emits num reference increments of val before at. Nullable
// values get a null test around the increment; the straight-line variant
// updates the refcount word in place.
func (m *Mutator) addIncrefs(val ir.Value, nullable bool, num int, at *ir.Instr) {
	if _, ok := val.(*ir.ConstNull); ok {
		if m.Asserts && !nullable {
			panic("codegen: increfing a null constant that was not marked nullable")
		}
		return
	}

	if nullable {
		blk := at.Block()
		cont := blk.SplitAt(at, m.Fn.FreshName("cont"))
		increfBlk := m.Fn.InsertBlockBefore(cont, m.Fn.FreshName("incref"))

		blk.Erase(blk.Term())
		isnull := blk.Append(ir.NewICmpEQ(m.Fn.FreshName("isnull"), val, ir.NewConstNull(val.Type())))
		blk.Append(ir.NewCondBr(isnull, cont, increfBlk))

		br := increfBlk.Append(ir.NewBr(cont))
		m.Stats.NullChecks++
		m.emitIncref(val, num, br)
		return
	}

	m.emitIncref(val, num, at)
}

// emitIncref inserts the unconditional refcount increment before at
func (m *Mutator) emitIncref(val ir.Value, num int, at *ir.Instr) {
	blk := at.Block()
	i64 := ir.IntType(64)

	if m.RefDebug {
		tot := blk.InsertBefore(at, ir.NewLoad(m.Fn.FreshName("reftotal"), i64, m.Runtime.RefTotal))
		sum := blk.InsertBefore(at, ir.NewAdd(m.Fn.FreshName("reftotal.new"), tot, ir.I64(int64(num))))
		blk.InsertBefore(at, ir.NewStore(sum, m.Runtime.RefTotal))
	}

	addr := blk.InsertBefore(at, ir.NewGEP(m.Fn.FreshName("refcount.addr"), ir.PointerTo(i64), val, 0, RefcountIndex(m.TraceRefs)))
	old := blk.InsertBefore(at, ir.NewLoad(m.Fn.FreshName("refcount"), i64, addr))
	inc := blk.InsertBefore(at, ir.NewAdd(m.Fn.FreshName("refcount.new"), old, ir.I64(int64(num))))
	blk.InsertBefore(at, ir.NewStore(inc, addr))

	m.Stats.Increfs += num
}

// addDecrefs emits num reference decrements of val before at. Without
// trace-refs the decrement lowers to a patchable stub; the nullable
// variant of the stub reserves room for its own null test, so no explicit
// branch is emitted. Under trace-refs the decrement is inlined and a
// nullable value gets a branch around it.
func (m *Mutator) addDecrefs(val ir.Value, nullable bool, num int, at *ir.Instr) {
	if num > 1 {
		m.tr.Printw("multi-count decref site", "val", val.Name(), "count", num)
		m.Stats.MultiCountSites++
	}

	if _, ok := val.(*ir.ConstNull); ok {
		if m.Asserts && !nullable {
			panic("codegen: decrefing a null constant that was not marked nullable")
		}
		return
	}

	if !m.TraceRefs {
		m.emitDecrefPatchpoint(val, num, nullable, at)
		return
	}

	if nullable {
		blk := at.Block()
		cont := blk.SplitAt(at, m.Fn.FreshName("cont"))
		decrefBlk := m.Fn.InsertBlockBefore(cont, m.Fn.FreshName("decref"))

		blk.Erase(blk.Term())
		isnull := blk.Append(ir.NewICmpEQ(m.Fn.FreshName("isnull"), val, ir.NewConstNull(val.Type())))
		blk.Append(ir.NewCondBr(isnull, cont, decrefBlk))

		jmp := decrefBlk.Append(ir.NewBr(cont))
		m.Stats.NullChecks++
		m.emitDecrefInline(val, num, jmp)
		return
	}

	m.emitDecrefInline(val, num, at)
}

// emitDecrefPatchpoint lowers the decrement to a patchpoint call carrying
// the value as a live argument. The stub is rewritten in place once the
// object's class is known.
func (m *Mutator) emitDecrefPatchpoint(val ir.Value, num int, xvariant bool, at *ir.Instr) {
	id, size := int64(DecrefPPID), int64(DecrefPPSize)
	if xvariant {
		id, size = XDecrefPPID, XDecrefPPSize
	}

	args := []ir.Value{ir.I64(id), ir.I32(size), ir.NewConstNull(m.Runtime.I8Ptr)}
	if num > 1 {
		args = append(args, ir.I32(2), val, ir.I64(int64(num)))
	} else {
		args = append(args, ir.I32(1), val)
	}

	at.Block().InsertBefore(at, ir.NewCall("", ir.VoidType(), m.Runtime.Patchpoint, args...))
	m.Stats.Decrefs += num
}

// emitDecrefInline inserts the open-coded decrement before at and branches
// to the deallocation helper when the count reaches zero
func (m *Mutator) emitDecrefInline(val ir.Value, num int, at *ir.Instr) {
	blk := at.Block()
	i64 := ir.IntType(64)

	if m.RefDebug {
		tot := blk.InsertBefore(at, ir.NewLoad(m.Fn.FreshName("reftotal"), i64, m.Runtime.RefTotal))
		sub := blk.InsertBefore(at, ir.NewSub(m.Fn.FreshName("reftotal.new"), tot, ir.I64(int64(num))))
		blk.InsertBefore(at, ir.NewStore(sub, m.Runtime.RefTotal))
	}

	addr := blk.InsertBefore(at, ir.NewGEP(m.Fn.FreshName("refcount.addr"), ir.PointerTo(i64), val, 0, RefcountIndex(m.TraceRefs)))
	old := blk.InsertBefore(at, ir.NewLoad(m.Fn.FreshName("refcount"), i64, addr))
	dec := blk.InsertBefore(at, ir.NewSub(m.Fn.FreshName("refcount.new"), old, ir.I64(int64(num))))
	blk.InsertBefore(at, ir.NewStore(dec, addr))
	iszero := blk.InsertBefore(at, ir.NewICmpEQ(m.Fn.FreshName("iszero"), dec, ir.I64(0)))

	cont := blk.SplitAt(at, m.Fn.FreshName("cont"))
	deallocBlk := m.Fn.InsertBlockBefore(cont, m.Fn.FreshName("dealloc"))

	blk.Erase(blk.Term())
	blk.Append(ir.NewCondBr(iszero, deallocBlk, cont))

	deallocBlk.Append(ir.NewCall("", ir.VoidType(), m.Runtime.Dealloc, val))
	deallocBlk.Append(ir.NewBr(cont))

	m.Stats.Decrefs += num
}
