package ir

import (
	"fmt"
	"strconv"
	"strings"
)

// typedOperand renders an operand as "type name"
func typedOperand(v Value) string {
	return v.Type().String() + " " + v.Name()
}

// String renders the function deterministically: blocks in list order,
// instructions in block order. Two structurally identical functions print
// byte-identically.
func (f *Function) String() string {
	var sb strings.Builder
	sb.WriteString("define @")
	sb.WriteString(f.FName)
	sb.WriteByte('(')
	for i, a := range f.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(typedOperand(a))
	}
	sb.WriteString(") {\n")
	for _, b := range f.Blocks {
		sb.WriteString(b.name)
		sb.WriteString(":\n")
		for _, in := range b.Instrs {
			sb.WriteString("  ")
			sb.WriteString(in.text())
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// String renders a single instruction
func (in *Instr) String() string { return in.text() }

func (in *Instr) text() string {
	var sb strings.Builder
	if in.HasResult() {
		sb.WriteString(in.Name())
		sb.WriteString(" = ")
	}
	switch in.Op {
	case OpPhi:
		sb.WriteString("phi ")
		sb.WriteString(in.typ.String())
		for i, inc := range in.Incoming {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(" [ ")
			sb.WriteString(inc.Val.Name())
			sb.WriteString(", %")
			sb.WriteString(inc.Pred.name)
			sb.WriteString(" ]")
		}
	case OpCall:
		sb.WriteString("call ")
		in.callText(&sb)
	case OpInvoke:
		sb.WriteString("invoke ")
		in.callText(&sb)
		sb.WriteString(" to label %")
		sb.WriteString(in.Succs[0].name)
		sb.WriteString(" unwind label %")
		sb.WriteString(in.Succs[1].name)
	case OpBr:
		sb.WriteString("br label %")
		sb.WriteString(in.Succs[0].name)
	case OpCondBr:
		sb.WriteString("br i1 ")
		sb.WriteString(in.Args[0].Name())
		sb.WriteString(", label %")
		sb.WriteString(in.Succs[0].name)
		sb.WriteString(", label %")
		sb.WriteString(in.Succs[1].name)
	case OpRet:
		if len(in.Args) == 0 {
			sb.WriteString("ret void")
		} else {
			sb.WriteString("ret ")
			sb.WriteString(typedOperand(in.Args[0]))
		}
	case OpUnreachable:
		sb.WriteString("unreachable")
	case OpLandingPad:
		sb.WriteString("landingpad ")
		sb.WriteString(in.typ.String())
		if in.Pers != nil {
			sb.WriteString(" personality ")
			sb.WriteString(in.Pers.Name())
		}
		if in.CatchAll {
			sb.WriteString(" catch null")
		}
	case OpExtractValue:
		sb.WriteString("extractvalue ")
		sb.WriteString(typedOperand(in.Args[0]))
		sb.WriteString(", ")
		sb.WriteString(strconv.Itoa(in.Index))
	case OpLoad:
		sb.WriteString("load ")
		sb.WriteString(in.typ.String())
		sb.WriteString(", ")
		sb.WriteString(typedOperand(in.Args[0]))
	case OpStore:
		sb.WriteString("store ")
		sb.WriteString(typedOperand(in.Args[0]))
		sb.WriteString(", ")
		sb.WriteString(typedOperand(in.Args[1]))
	case OpGEP:
		sb.WriteString("getelementptr ")
		sb.WriteString(typedOperand(in.Args[0]))
		for _, idx := range in.Indices {
			sb.WriteString(", ")
			sb.WriteString(strconv.FormatInt(idx, 10))
		}
	case OpAdd:
		sb.WriteString("add ")
		sb.WriteString(typedOperand(in.Args[0]))
		sb.WriteString(", ")
		sb.WriteString(in.Args[1].Name())
	case OpSub:
		sb.WriteString("sub ")
		sb.WriteString(typedOperand(in.Args[0]))
		sb.WriteString(", ")
		sb.WriteString(in.Args[1].Name())
	case OpICmpEQ:
		sb.WriteString("icmp eq ")
		sb.WriteString(typedOperand(in.Args[0]))
		sb.WriteString(", ")
		sb.WriteString(in.Args[1].Name())
	case OpBitcast:
		sb.WriteString("bitcast ")
		sb.WriteString(typedOperand(in.Args[0]))
		sb.WriteString(" to ")
		sb.WriteString(in.typ.String())
	default:
		sb.WriteString(fmt.Sprintf("<op %d>", in.Op))
	}
	if in.DebugLoc != "" {
		sb.WriteString(" !dbg ")
		sb.WriteString(strconv.Quote(in.DebugLoc))
	}
	return sb.String()
}

func (in *Instr) callText(sb *strings.Builder) {
	sb.WriteString(in.typ.String())
	sb.WriteByte(' ')
	sb.WriteString(in.Callee.Name())
	sb.WriteByte('(')
	for i, a := range in.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(typedOperand(a))
	}
	sb.WriteByte(')')
	if len(in.Attrs) > 0 {
		sb.WriteString(" #[")
		sb.WriteString(strings.Join(in.Attrs, " "))
		sb.WriteByte(']')
	}
}
