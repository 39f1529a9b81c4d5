package ir

import (
	"fmt"
	"strconv"
)

// Function is an ordered list of basic blocks plus its arguments. The
// first block is the entry.
type Function struct {
	FName  string
	Args   []*Argument
	Blocks []*Block

	counter int
}

// NewFunction creates an empty function
func NewFunction(name string) *Function {
	return &Function{FName: name}
}

// AddArg appends a parameter of the given name and type
func (f *Function) AddArg(name string, typ *Type) *Argument {
	a := &Argument{name: name, typ: typ, Fn: f}
	f.Args = append(f.Args, a)
	return a
}

// NewBlock appends a fresh block named name
func (f *Function) NewBlock(name string) *Block {
	b := &Block{name: name, fn: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// insertBlockAfter places a fresh block named name immediately after prev
// in the block list
func (f *Function) insertBlockAfter(prev *Block, name string) *Block {
	b := &Block{name: name, fn: f}
	for i, x := range f.Blocks {
		if x == prev {
			f.Blocks = append(f.Blocks, nil)
			copy(f.Blocks[i+2:], f.Blocks[i+1:])
			f.Blocks[i+1] = b
			return b
		}
	}
	panic(fmt.Sprintf("ir: block %s not in function %s", prev.Name(), f.FName))
}

// InsertBlockBefore places a fresh block named name immediately before
// next in the block list
func (f *Function) InsertBlockBefore(next *Block, name string) *Block {
	b := &Block{name: name, fn: f}
	for i, x := range f.Blocks {
		if x == next {
			f.Blocks = append(f.Blocks, nil)
			copy(f.Blocks[i+1:], f.Blocks[i:])
			f.Blocks[i] = b
			return b
		}
	}
	panic(fmt.Sprintf("ir: block %s not in function %s", next.Name(), f.FName))
}

// Entry returns the function's entry block
func (f *Function) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// FreshName returns a name of the form prefix.N, unique within the
// function. Numbering is keyed on a counter so identical build sequences
// produce identical names.
func (f *Function) FreshName(prefix string) string {
	f.counter++
	return prefix + "." + strconv.Itoa(f.counter)
}

// ReplaceAllUses rewrites every operand reference to old so that it
// references new instead. Successor edges and phi predecessors are left
// alone; only value operands are rewritten.
func (f *Function) ReplaceAllUses(old, new Value) {
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			if in == new {
				continue
			}
			if in.Callee == old {
				in.Callee = new
			}
			for i := range in.Args {
				if in.Args[i] == old {
					in.Args[i] = new
				}
			}
			for i := range in.Incoming {
				if in.Incoming[i].Val == old {
					in.Incoming[i].Val = new
				}
			}
		}
	}
}

// Predecessors computes the predecessor lists of every block from the
// terminator successor lists, in block order. A block branching to the
// same successor twice appears twice.
func (f *Function) Predecessors() map[*Block][]*Block {
	preds := make(map[*Block][]*Block, len(f.Blocks))
	for _, b := range f.Blocks {
		preds[b] = nil
	}
	for _, b := range f.Blocks {
		for _, s := range b.Successors() {
			preds[s] = append(preds[s], b)
		}
	}
	return preds
}
