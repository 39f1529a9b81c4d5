package analysis

import (
	"github.com/nikandfor/errors"

	"crimson_go/pkg/ir"
)

// RefType classifies the reference discipline of a tracked value
type RefType int

const (
	RefUnknown  RefType = iota // transient, must be resolved before the pass runs
	RefOwned                   // carries a reference that must be released exactly once
	RefBorrowed                // holds no reference and must not release one
)

// String returns the discipline name
func (t RefType) String() string {
	switch t {
	case RefOwned:
		return "OWNED"
	case RefBorrowed:
		return "BORROWED"
	}
	return "UNKNOWN"
}

// refState is the per-value annotation record
type refState struct {
	reftype  RefType
	nullable bool
}

// Tracker is the annotation store: per-value reference discipline and
// nullability, per-instruction consumed/used value lists, and the set of
// instructions that may raise. The front end populates it during code
// generation; the pass reads it.
type Tracker struct {
	vars     map[ir.Value]refState
	order    []ir.Value // tracked values in first-annotation order
	consumed map[*ir.Instr][]ir.Value
	used     map[*ir.Instr][]ir.Value
	mayThrow map[*ir.Instr]bool
}

// NewTracker creates an empty annotation store
func NewTracker() *Tracker {
	return &Tracker{
		vars:     make(map[ir.Value]refState),
		consumed: make(map[*ir.Instr][]ir.Value),
		used:     make(map[*ir.Instr][]ir.Value),
		mayThrow: make(map[*ir.Instr]bool),
	}
}

// SetType records the reference discipline of v. Redefining to a different
// non-UNKNOWN discipline is a contract error. A cast must sit immediately
// after the value it casts so the annotation is seen before any observer.
func (t *Tracker) SetType(v ir.Value, reftype RefType) error {
	if _, ok := v.(*ir.Undef); ok {
		return errors.New("annotating undef value")
	}

	if cast, ok := v.(*ir.Instr); ok && cast.Op == ir.OpBitcast {
		if err := checkCastAdjacent(cast); err != nil {
			return err
		}
	}

	st := t.vars[v]
	if st.reftype != RefUnknown && st.reftype != reftype {
		return errors.New("value %v already annotated %v, refusing %v", v.Name(), st.reftype, reftype)
	}
	if _, ok := t.vars[v]; !ok {
		t.order = append(t.order, v)
	}
	st.reftype = reftype
	if _, ok := v.(*ir.ConstNull); ok {
		st.nullable = true
	}
	t.vars[v] = st
	return nil
}

// checkCastAdjacent verifies a tracked cast immediately follows its
// producer: the next instruction after the producer, or the first non-phi
// of the normal destination when the producer is an invoke
func checkCastAdjacent(cast *ir.Instr) error {
	producer, ok := cast.Args[0].(*ir.Instr)
	if !ok {
		return errors.New("tracked cast %v of a non-instruction", cast.Name())
	}
	if producer.Op == ir.OpInvoke {
		if producer.Succs[0].FirstNonPhi() != cast {
			return errors.New("tracked cast %v must lead the invoke's normal destination", cast.Name())
		}
		return nil
	}
	blk := producer.Block()
	if cast.Block() != blk || blk.IndexOf(cast) != blk.IndexOf(producer)+1 {
		return errors.New("tracked cast %v must immediately follow %v", cast.Name(), producer.Name())
	}
	return nil
}

// SetNullable records whether v may be null. Clearing an established
// nullability is a contract error; re-setting an equal value is fine.
func (t *Tracker) SetNullable(v ir.Value, nullable bool) error {
	if _, ok := v.(*ir.Undef); ok {
		return errors.New("annotating undef value")
	}
	st := t.vars[v]
	if st.nullable && !nullable {
		return errors.New("value %v already nullable, refusing to clear", v.Name())
	}
	if _, ok := t.vars[v]; !ok {
		t.order = append(t.order, v)
	}
	st.nullable = nullable
	t.vars[v] = st
	return nil
}

// RefConsumed records that inst steals one reference to v. Null and undef
// values carry no reference and are silently ignored. Multiplicity
// matters: recording the same pair twice means two references are stolen.
func (t *Tracker) RefConsumed(v ir.Value, inst *ir.Instr) {
	if ir.IsNullOrUndef(v) {
		return
	}
	t.consumed[inst] = append(t.consumed[inst], v)
}

// RefUsed records that v must stay live across inst without its reference
// being transferred. Null and undef values are silently ignored.
func (t *Tracker) RefUsed(v ir.Value, inst *ir.Instr) {
	if ir.IsNullOrUndef(v) {
		return
	}
	t.used[inst] = append(t.used[inst], v)
}

// SetMayThrow marks inst as possibly transferring control to the
// exception path. Marking twice is a contract error.
func (t *Tracker) SetMayThrow(inst *ir.Instr) error {
	if t.mayThrow[inst] {
		return errors.New("instruction %v already marked may-throw", inst.Name())
	}
	t.mayThrow[inst] = true
	return nil
}

// IsTracked reports whether v carries a discipline annotation
func (t *Tracker) IsTracked(v ir.Value) bool {
	_, ok := t.vars[v]
	return ok
}

// TypeOf returns v's discipline, RefUnknown when untracked
func (t *Tracker) TypeOf(v ir.Value) RefType { return t.vars[v].reftype }

// IsNullable reports whether v may be null
func (t *Tracker) IsNullable(v ir.Value) bool { return t.vars[v].nullable }

// ConsumedBy returns the values whose references inst steals, in
// recording order with multiplicity
func (t *Tracker) ConsumedBy(inst *ir.Instr) []ir.Value { return t.consumed[inst] }

// UsedBy returns the values inst uses without consuming
func (t *Tracker) UsedBy(inst *ir.Instr) []ir.Value { return t.used[inst] }

// MayThrow reports whether inst is marked may-throw
func (t *Tracker) MayThrow(inst *ir.Instr) bool { return t.mayThrow[inst] }

// Tracked returns every annotated value in first-annotation order
func (t *Tracker) Tracked() []ir.Value { return t.order }

// Resolve verifies no tracked value is still UNKNOWN. The front end must
// have settled every discipline before the pass runs.
func (t *Tracker) Resolve() error {
	for _, v := range t.order {
		if t.vars[v].reftype == RefUnknown {
			return errors.New("value %v still has unresolved discipline", v.Name())
		}
	}
	return nil
}
