package ir

// Op identifies the operation an Instr performs
type Op int

const (
	OpPhi Op = iota
	OpCall
	OpInvoke
	OpBr
	OpCondBr
	OpRet
	OpUnreachable
	OpLandingPad
	OpExtractValue
	OpLoad
	OpStore
	OpGEP
	OpAdd
	OpSub
	OpICmpEQ
	OpBitcast
)

var opNames = [...]string{
	OpPhi:          "phi",
	OpCall:         "call",
	OpInvoke:       "invoke",
	OpBr:           "br",
	OpCondBr:       "br",
	OpRet:          "ret",
	OpUnreachable:  "unreachable",
	OpLandingPad:   "landingpad",
	OpExtractValue: "extractvalue",
	OpLoad:         "load",
	OpStore:        "store",
	OpGEP:          "getelementptr",
	OpAdd:          "add",
	OpSub:          "sub",
	OpICmpEQ:       "icmp eq",
	OpBitcast:      "bitcast",
}

// String returns the op's mnemonic
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return "<op?>"
}

// Incoming is one (predecessor, value) pair of a phi
type Incoming struct {
	Pred *Block
	Val  Value
}

// Instr is a single instruction. It is itself a Value: instructions that
// produce a result are referenced by the *Instr pointer.
type Instr struct {
	Op   Op
	name string
	typ  *Type

	Args     []Value    // generic operands, meaning depends on Op
	Callee   Value      // OpCall, OpInvoke
	Incoming []Incoming // OpPhi
	Succs    []*Block   // OpBr: dest; OpCondBr: then, else; OpInvoke: normal, unwind
	Index    int        // OpExtractValue field index
	Indices  []int64    // OpGEP constant index path
	CatchAll bool       // OpLandingPad
	Pers     Value      // OpLandingPad personality symbol

	DebugLoc string   // source-location surrogate, carried across rewrites
	Attrs    []string // call attribute surrogate, carried across rewrites

	blk *Block
}

// Name returns the instruction's printed result name
func (in *Instr) Name() string { return "%" + in.name }

// Type returns the type of the instruction's result
func (in *Instr) Type() *Type { return in.typ }

// Block returns the block the instruction currently belongs to, or nil
// when detached
func (in *Instr) Block() *Block { return in.blk }

// IsTerminator reports whether the instruction ends a block
func (in *Instr) IsTerminator() bool {
	switch in.Op {
	case OpBr, OpCondBr, OpRet, OpUnreachable, OpInvoke:
		return true
	}
	return false
}

// HasResult reports whether the instruction produces a referenceable value
func (in *Instr) HasResult() bool {
	switch in.Op {
	case OpBr, OpCondBr, OpRet, OpUnreachable, OpStore:
		return false
	}
	return in.typ != nil && in.typ.Kind != KVoid
}

// Operands returns every value the instruction reads, in a stable order:
// callee first, then args, then phi incomings
func (in *Instr) Operands() []Value {
	ops := make([]Value, 0, 1+len(in.Args)+len(in.Incoming))
	if in.Callee != nil {
		ops = append(ops, in.Callee)
	}
	ops = append(ops, in.Args...)
	for _, inc := range in.Incoming {
		ops = append(ops, inc.Val)
	}
	return ops
}

// Successors returns the instruction's successor blocks. Non-terminators
// have none.
func (in *Instr) Successors() []*Block { return in.Succs }

// ReplaceSuccessor retargets every successor edge to old so that it points
// to new. It returns the number of edges retargeted.
func (in *Instr) ReplaceSuccessor(old, new *Block) int {
	n := 0
	for i, s := range in.Succs {
		if s == old {
			in.Succs[i] = new
			n++
		}
	}
	return n
}

// AddIncoming appends a (predecessor, value) pair to a phi
func (in *Instr) AddIncoming(pred *Block, val Value) {
	in.Incoming = append(in.Incoming, Incoming{Pred: pred, Val: val})
}

// IncomingFor returns the phi's value for the given predecessor, or nil
func (in *Instr) IncomingFor(pred *Block) Value {
	for _, inc := range in.Incoming {
		if inc.Pred == pred {
			return inc.Val
		}
	}
	return nil
}

// NewPhi creates an empty phi of the given result name and type
func NewPhi(name string, typ *Type) *Instr {
	return &Instr{Op: OpPhi, name: name, typ: typ}
}

// NewCall creates a call instruction
func NewCall(name string, typ *Type, callee Value, args ...Value) *Instr {
	return &Instr{Op: OpCall, name: name, typ: typ, Callee: callee, Args: args}
}

// NewInvoke creates an invoke instruction transferring to normal on return
// and to unwind on an unwound exception
func NewInvoke(name string, typ *Type, callee Value, args []Value, normal, unwind *Block) *Instr {
	return &Instr{Op: OpInvoke, name: name, typ: typ, Callee: callee, Args: args, Succs: []*Block{normal, unwind}}
}

// NewInvokeFromCall builds an invoke from an existing call, preserving
// the result name, the attribute surrogate and the debug location
func NewInvokeFromCall(call *Instr, normal, unwind *Block) *Instr {
	return &Instr{
		Op:       OpInvoke,
		name:     call.name,
		typ:      call.typ,
		Callee:   call.Callee,
		Args:     append([]Value(nil), call.Args...),
		Succs:    []*Block{normal, unwind},
		DebugLoc: call.DebugLoc,
		Attrs:    append([]string(nil), call.Attrs...),
	}
}

// NewBr creates an unconditional branch
func NewBr(dest *Block) *Instr {
	return &Instr{Op: OpBr, typ: voidType, Succs: []*Block{dest}}
}

// NewCondBr creates a conditional branch
func NewCondBr(cond Value, then, els *Block) *Instr {
	return &Instr{Op: OpCondBr, typ: voidType, Args: []Value{cond}, Succs: []*Block{then, els}}
}

// NewRet creates a return. val may be nil for a void return.
func NewRet(val Value) *Instr {
	in := &Instr{Op: OpRet, typ: voidType}
	if val != nil {
		in.Args = []Value{val}
	}
	return in
}

// NewUnreachable creates an unreachable terminator
func NewUnreachable() *Instr {
	return &Instr{Op: OpUnreachable, typ: voidType}
}

// NewLandingPad creates a landing pad producing a result of typ under the
// given personality symbol
func NewLandingPad(name string, typ *Type, pers Value, catchAll bool) *Instr {
	return &Instr{Op: OpLandingPad, name: name, typ: typ, Pers: pers, CatchAll: catchAll}
}

// NewExtractValue creates an aggregate field extraction
func NewExtractValue(name string, typ *Type, agg Value, index int) *Instr {
	return &Instr{Op: OpExtractValue, name: name, typ: typ, Args: []Value{agg}, Index: index}
}

// NewLoad creates a load through ptr
func NewLoad(name string, typ *Type, ptr Value) *Instr {
	return &Instr{Op: OpLoad, name: name, typ: typ, Args: []Value{ptr}}
}

// NewStore creates a store of val through ptr
func NewStore(val, ptr Value) *Instr {
	return &Instr{Op: OpStore, typ: voidType, Args: []Value{val, ptr}}
}

// NewGEP creates a constant-index address computation from base
func NewGEP(name string, typ *Type, base Value, indices ...int64) *Instr {
	return &Instr{Op: OpGEP, name: name, typ: typ, Args: []Value{base}, Indices: indices}
}

// NewAdd creates an integer add
func NewAdd(name string, a, b Value) *Instr {
	return &Instr{Op: OpAdd, name: name, typ: a.Type(), Args: []Value{a, b}}
}

// NewSub creates an integer subtract
func NewSub(name string, a, b Value) *Instr {
	return &Instr{Op: OpSub, name: name, typ: a.Type(), Args: []Value{a, b}}
}

// NewICmpEQ creates an equality comparison producing i1
func NewICmpEQ(name string, a, b Value) *Instr {
	return &Instr{Op: OpICmpEQ, name: name, typ: IntType(1), Args: []Value{a, b}}
}

// NewBitcast creates a type-preserving pointer cast to typ
func NewBitcast(name string, typ *Type, v Value) *Instr {
	return &Instr{Op: OpBitcast, name: name, typ: typ, Args: []Value{v}}
}
