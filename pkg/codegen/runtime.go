package codegen

import (
	"github.com/nikandfor/errors"

	"crimson_go/pkg/ir"
)

// Object-layout and runtime-contract constants. The pass does not define
// the layout; it only needs the refcount word offset, the class
// descriptor slot, the destructor slot within the descriptor, and the
// symbols of the runtime helpers it emits calls to.

// WordSize is the pointer-sized word the layout offsets are measured in
const WordSize = 8

const (
	// refcountIdxPlain is the word offset of the refcount field from the
	// object header in a plain build
	refcountIdxPlain = 0
	// refcountIdxTraceRefs is the same offset when trace-refs
	// instrumentation is compiled in: the two trace link words come first
	refcountIdxTraceRefs = 2
)

// RefcountIndex returns the word offset of the refcount field
func RefcountIndex(traceRefs bool) int64 {
	if traceRefs {
		return refcountIdxTraceRefs
	}
	return refcountIdxPlain
}

// ClassIndex returns the word offset of the class-descriptor pointer,
// which sits immediately after the refcount field
func ClassIndex(traceRefs bool) int64 {
	return RefcountIndex(traceRefs) + 1
}

// Patchpoint identifiers and reserved stub sizes for the decrement
// lowering. The nullable variant reserves more bytes for its null test.
const (
	DecrefPPID    = 1000
	DecrefPPSize  = 13
	XDecrefPPID   = 1001
	XDecrefPPSize = 24
)

// DtorFieldIndex is the field index of the destructor pointer within the
// class descriptor
const DtorFieldIndex = 4

// DtorByteOffset is the destructor slot's byte offset within the class
// descriptor, as the runtime lays it out
const DtorByteOffset = DtorFieldIndex * WordSize

// Runtime bundles the external symbols and types the mutator references
type Runtime struct {
	// Object is the refcounted object type; ObjectPtr the pointer the
	// emitted loads and stores go through.
	Object    *ir.Type
	ObjectPtr *ir.Type

	I8Ptr *ir.Type
	// LandingPadType is the {i8*, i64} result type of emitted landing pads
	LandingPadType *ir.Type

	// Patchpoint is the patchable-stub intrinsic the decrement lowers to
	Patchpoint *ir.Global
	// XDecrefAndRethrow releases a multiset of references on the unwind
	// path and rethrows: (exc_ptr, count, values...)
	XDecrefAndRethrow *ir.Global
	// Personality is the C++ personality routine for emitted landing pads
	Personality *ir.Global
	// RefTotal is the process-wide reference total maintained under
	// ref-debug instrumentation
	RefTotal *ir.Global
	// Dealloc is the explicit deallocation helper called from inline
	// decrements under trace-refs
	Dealloc *ir.Global
	// YieldHelper is the generator-yield runtime entry, identified by
	// symbol for the yield rewrite
	YieldHelper *ir.Global
}

// NewRuntime creates the default runtime contract over the given
// refcounted object type
func NewRuntime(object *ir.Type) *Runtime {
	i8p := ir.PointerTo(ir.IntType(8))
	return &Runtime{
		Object:            object,
		ObjectPtr:         ir.PointerTo(object),
		I8Ptr:             i8p,
		LandingPadType:    ir.StructOf(i8p, ir.IntType(64)),
		Patchpoint:        ir.NewGlobal("llvm.experimental.patchpoint.void", ir.FuncType(ir.VoidType())),
		XDecrefAndRethrow: ir.NewGlobal("xdecrefAndRethrow", ir.FuncType(ir.VoidType())),
		Personality:       ir.NewGlobal("__gxx_personality_v0", ir.FuncType(ir.IntType(32))),
		RefTotal:          ir.NewGlobal("_RefTotal", ir.PointerTo(ir.IntType(64))),
		Dealloc:           ir.NewGlobal("_Dealloc", ir.FuncType(ir.VoidType())),
		YieldHelper:       ir.NewGlobal("yield", ir.FuncType(ir.PointerTo(object))),
	}
}

// classDescriptorLayout lists the byte size of each leading field of the
// class descriptor, in declaration order, up to and including the
// destructor slot
var classDescriptorLayout = []int64{
	WordSize, // refcount
	WordSize, // metaclass pointer
	WordSize, // name
	WordSize, // base
	WordSize, // destructor
}

// ValidateDtorOffset re-derives the destructor slot's byte offset by
// folding the field path over the descriptor layout and compares it with
// the published constant. Run under asserts to catch layout drift.
func ValidateDtorOffset() error {
	if DtorFieldIndex >= len(classDescriptorLayout) {
		return errors.New("destructor field index %d beyond descriptor layout", DtorFieldIndex)
	}
	var off int64
	for i := 0; i < DtorFieldIndex; i++ {
		off += classDescriptorLayout[i]
	}
	if off != DtorByteOffset {
		return errors.New("destructor offset mismatch: folded %d, layout table says %d", off, DtorByteOffset)
	}
	return nil
}
