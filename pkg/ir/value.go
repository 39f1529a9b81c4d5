package ir

import "strconv"

// Value is anything an instruction can reference as an operand
type Value interface {
	// Name returns the value's printed name, including its sigil
	Name() string
	// Type returns the value's type
	Type() *Type
}

// Argument is a function parameter
type Argument struct {
	name string
	typ  *Type
	Fn   *Function
}

// Name returns the argument's printed name
func (a *Argument) Name() string { return "%" + a.name }

// Type returns the argument's type
func (a *Argument) Type() *Type { return a.typ }

// Global is a module-level symbol such as a function or a global variable
type Global struct {
	Sym string
	typ *Type
}

// NewGlobal creates a global symbol of the given type
func NewGlobal(sym string, typ *Type) *Global {
	return &Global{Sym: sym, typ: typ}
}

// Name returns the global's printed name
func (g *Global) Name() string { return "@" + g.Sym }

// Type returns the global's type
func (g *Global) Type() *Type { return g.typ }

// ConstInt is an integer constant
type ConstInt struct {
	typ *Type
	Val int64
}

// NewConstInt creates an integer constant of the given type
func NewConstInt(typ *Type, val int64) *ConstInt {
	return &ConstInt{typ: typ, Val: val}
}

// I64 creates an i64 constant
func I64(val int64) *ConstInt { return NewConstInt(IntType(64), val) }

// I32 creates an i32 constant
func I32(val int64) *ConstInt { return NewConstInt(IntType(32), val) }

// Name returns the constant's printed form
func (c *ConstInt) Name() string { return strconv.FormatInt(c.Val, 10) }

// Type returns the constant's type
func (c *ConstInt) Type() *Type { return c.typ }

// ConstNull is the null pointer constant of a pointer type
type ConstNull struct {
	typ *Type
}

// NewConstNull creates a null constant of the given pointer type
func NewConstNull(typ *Type) *ConstNull { return &ConstNull{typ: typ} }

// Name returns "null"
func (c *ConstNull) Name() string { return "null" }

// Type returns the null's pointer type
func (c *ConstNull) Type() *Type { return c.typ }

// Undef is an undefined value of a given type
type Undef struct {
	typ *Type
}

// NewUndef creates an undef value of the given type
func NewUndef(typ *Type) *Undef { return &Undef{typ: typ} }

// Name returns "undef"
func (u *Undef) Name() string { return "undef" }

// Type returns the undef's type
func (u *Undef) Type() *Type { return u.typ }

// IsConstant reports whether v is a constant, an undef, or a global symbol
func IsConstant(v Value) bool {
	switch v.(type) {
	case *ConstInt, *ConstNull, *Undef, *Global:
		return true
	}
	return false
}

// IsNullOrUndef reports whether v carries no reference at all
func IsNullOrUndef(v Value) bool {
	switch v.(type) {
	case *ConstNull, *Undef:
		return true
	}
	return false
}
