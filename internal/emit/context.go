package emit

import (
	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/lir"
)

// CallSite is a call instruction in emitted code whose displacement can
// only be written once the code is published: either a call to a method
// that may not be compiled yet, or to the absolute address Target.
type CallSite struct {
	// Offset of the call instruction from the start of the unit.
	Offset int
	Callee lir.CallTarget
	Target uintptr
}

// Safepoint is a GC stop point. MachineOffset is the return address
// position, i.e. the offset right after the instruction.
type Safepoint struct {
	MachineOffset  int
	LIRPosition    int
	BytecodeOffset uint32
}

// LineEntry maps the start of an instruction to its bytecode offset.
type LineEntry struct {
	MachineOffset  int
	BytecodeOffset uint32
}

// LiteralRef is an instruction reading the literal pool entry Index. The
// backend patches the field at Site once the pool is placed, with the
// distance from Base to the entry.
type LiteralRef struct {
	Insn  *lir.Instruction
	Index int
	Site  int
	Base  int
}

// Context is the state of one compilation unit being emitted. It is owned
// by a single goroutine.
type Context struct {
	Unit  *lir.CompilationUnit
	Buf   *asm.Buffer
	Pool  *asm.LiteralPool
	Frame lir.StackFrame

	callSites   []CallSite
	literalRefs []LiteralRef
	safepoints  []Safepoint
	lines       []LineEntry
	waiting     []*lir.BasicBlock
	poolOffset  int
}

// NewContext returns the emission state of unit.
func NewContext(unit *lir.CompilationUnit) *Context {
	if unit.Buf == nil {
		unit.Buf = asm.NewBuffer(0)
	}
	if unit.Pool == nil {
		unit.Pool = asm.NewLiteralPool(0)
	}
	return &Context{Unit: unit, Buf: unit.Buf, Pool: unit.Pool, Frame: unit.Frame, poolOffset: -1}
}

// BranchDisplacement returns the displacement to encode for a branch from
// insn to target, measured from insnLen bytes after the start of insn.
//
// When target is not emitted yet, insn is queued on its backpatch list and
// a zero placeholder is returned; PatchBranch is called once target is laid
// out.
func (ctx *Context) BranchDisplacement(insn *lir.Instruction, target *lir.BasicBlock, insnLen int) (int64, error) {
	if target == nil {
		return 0, asm.Defectf("branch without target block")
	}
	if !target.Emitted() {
		if err := target.AddBackpatch(insn); err != nil {
			return 0, err
		}
		ctx.waiting = append(ctx.waiting, target)
		return 0, nil
	}
	targetOffset, err := target.MachineOffset()
	if err != nil {
		return 0, err
	}
	return Displacement(insn, targetOffset, insnLen)
}

// Displacement computes target - (offset of insn + insnLen).
func Displacement(insn *lir.Instruction, target, insnLen int) (int64, error) {
	from, err := insn.MachineOffset()
	if err != nil {
		return 0, err
	}
	return int64(target) - int64(from+insnLen), nil
}

// AddCallSite records a call instruction at offset, to callee or to the
// absolute address target.
func (ctx *Context) AddCallSite(offset int, callee lir.CallTarget, target uintptr) {
	ctx.callSites = append(ctx.callSites, CallSite{Offset: offset, Callee: callee, Target: target})
}

// LiteralIndex returns the pool index of value, inserting it if needed.
func (ctx *Context) LiteralIndex(value uint64) (int, error) {
	return ctx.Pool.LookupOrInsert(value)
}

// AddLiteralRef remembers an instruction field to patch once the literal
// pool is placed.
func (ctx *Context) AddLiteralRef(ref LiteralRef) {
	ctx.literalRefs = append(ctx.literalRefs, ref)
}

// LiteralRefs returns the instructions reading the literal pool.
func (ctx *Context) LiteralRefs() []LiteralRef {
	return ctx.literalRefs
}

// FlushLiteralPool appends the pool's entries as 64-bit words aligned to 8
// bytes and returns the offset of the first entry. Flushing an empty pool
// appends nothing. The pool can be flushed once.
func (ctx *Context) FlushLiteralPool(pad byte) (int, error) {
	if ctx.poolOffset >= 0 {
		return 0, asm.Defectf("literal pool flushed twice")
	}
	if ctx.Pool.Len() == 0 {
		ctx.poolOffset = ctx.Buf.CurrentOffset()
		return ctx.poolOffset, nil
	}
	ctx.Buf.AlignTo(8, pad)
	ctx.poolOffset = ctx.Buf.CurrentOffset()
	for _, v := range ctx.Pool.Entries() {
		ctx.Buf.AppendUint64(v)
	}
	return ctx.poolOffset, nil
}

// LiteralOffset returns the offset of pool entry index after the flush.
func (ctx *Context) LiteralOffset(index int) (int, error) {
	if ctx.poolOffset < 0 {
		return 0, asm.Defectf("literal pool is not placed")
	}
	return ctx.poolOffset + 8*index, nil
}
