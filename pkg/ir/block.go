package ir

import "fmt"

// Block is a basic block: an ordered instruction list ending in a
// terminator once fully built
type Block struct {
	name   string
	fn     *Function
	Instrs []*Instr
}

// Name returns the block's printed label
func (b *Block) Name() string { return b.name }

// Fn returns the function the block belongs to
func (b *Block) Fn() *Function { return b.fn }

// Append adds in at the end of the block and returns it
func (b *Block) Append(in *Instr) *Instr {
	in.blk = b
	b.Instrs = append(b.Instrs, in)
	return in
}

// IndexOf returns the position of in within the block, or -1
func (b *Block) IndexOf(in *Instr) int {
	for i, x := range b.Instrs {
		if x == in {
			return i
		}
	}
	return -1
}

// InsertAt places in at position i, shifting the rest down
func (b *Block) InsertAt(i int, in *Instr) *Instr {
	if i < 0 || i > len(b.Instrs) {
		panic(fmt.Sprintf("ir: insert index %d out of range in block %s", i, b.name))
	}
	in.blk = b
	b.Instrs = append(b.Instrs, nil)
	copy(b.Instrs[i+1:], b.Instrs[i:])
	b.Instrs[i] = in
	return in
}

// InsertBefore places in immediately before pos
func (b *Block) InsertBefore(pos, in *Instr) *Instr {
	i := b.IndexOf(pos)
	if i < 0 {
		panic(fmt.Sprintf("ir: insertion point %s not in block %s", pos.Name(), b.name))
	}
	return b.InsertAt(i, in)
}

// InsertAfter places in immediately after pos
func (b *Block) InsertAfter(pos, in *Instr) *Instr {
	i := b.IndexOf(pos)
	if i < 0 {
		panic(fmt.Sprintf("ir: insertion point %s not in block %s", pos.Name(), b.name))
	}
	return b.InsertAt(i+1, in)
}

// Erase detaches in from the block. The instruction keeps its operands but
// no longer appears in the instruction list.
func (b *Block) Erase(in *Instr) {
	i := b.IndexOf(in)
	if i < 0 {
		panic(fmt.Sprintf("ir: erasing %s not in block %s", in.Name(), b.name))
	}
	copy(b.Instrs[i:], b.Instrs[i+1:])
	b.Instrs = b.Instrs[:len(b.Instrs)-1]
	in.blk = nil
}

// Term returns the block's terminator, or nil when the block is not yet
// terminated
func (b *Block) Term() *Instr {
	if n := len(b.Instrs); n > 0 && b.Instrs[n-1].IsTerminator() {
		return b.Instrs[n-1]
	}
	return nil
}

// Successors returns the blocks the terminator can transfer to
func (b *Block) Successors() []*Block {
	if t := b.Term(); t != nil {
		return t.Successors()
	}
	return nil
}

// FirstNonPhiIndex returns the position of the first instruction that is
// not a phi
func (b *Block) FirstNonPhiIndex() int {
	for i, in := range b.Instrs {
		if in.Op != OpPhi {
			return i
		}
	}
	return len(b.Instrs)
}

// FirstNonPhi returns the first instruction that is not a phi, or nil when
// the block holds only phis
func (b *Block) FirstNonPhi() *Instr {
	if i := b.FirstNonPhiIndex(); i < len(b.Instrs) {
		return b.Instrs[i]
	}
	return nil
}

// SplitAt moves at and everything after it into a fresh block named name
// and terminates the receiver with an unconditional branch to it. Phis in
// the moved-off successors are retargeted so their incoming edges name the
// new block.
func (b *Block) SplitAt(at *Instr, name string) *Block {
	i := b.IndexOf(at)
	if i < 0 {
		panic(fmt.Sprintf("ir: split point %s not in block %s", at.Name(), b.name))
	}
	nb := b.fn.insertBlockAfter(b, name)
	nb.Instrs = append(nb.Instrs, b.Instrs[i:]...)
	for _, in := range nb.Instrs {
		in.blk = nb
	}
	b.Instrs = b.Instrs[:i]
	b.Append(NewBr(nb))
	for _, succ := range nb.Successors() {
		succ.RetargetPhis(b, nb)
	}
	return nb
}

// RetargetPhis rewrites every phi incoming that names oldPred so that it
// names newPred instead
func (b *Block) RetargetPhis(oldPred, newPred *Block) {
	for _, in := range b.Instrs {
		if in.Op != OpPhi {
			break
		}
		for j := range in.Incoming {
			if in.Incoming[j].Pred == oldPred {
				in.Incoming[j].Pred = newPred
			}
		}
	}
}
