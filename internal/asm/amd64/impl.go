// Package amd64 encodes LIR into x86-64 machine code.
package amd64

import (
	"fmt"

	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/emit"
	"github.com/jatovm/jato-sub002/internal/lir"
)

const (
	// escapeSize is the size of the 0x0F escape byte of two byte opcodes,
	// which Jcc rel32 is encoded with.
	escapeSize = 1
	// callSiteLen is the size of CALL rel32.
	callSiteLen = 5
)

// Backend implements emit.Backend for x86-64.
type Backend struct{}

// NewBackend returns the x86-64 backend.
func NewBackend() *Backend {
	return &Backend{}
}

var _ emit.Backend = (*Backend)(nil)

// Arch implements emit.Backend.Arch
func (*Backend) Arch() string {
	return "amd64"
}

// InstructionName implements emit.Backend.InstructionName
func (*Backend) InstructionName(i asm.Instruction) string {
	return InstructionName(i)
}

// RegisterName implements emit.Backend.RegisterName
func (*Backend) RegisterName(r asm.Register) string {
	return RegisterName(r)
}

// CallSiteLen implements emit.Backend.CallSiteLen
func (*Backend) CallSiteLen() int {
	return callSiteLen
}

type operandKind byte

const (
	operandKindNone operandKind = iota
	operandKindRegister
	operandKindMemory
	operandKindImmediate
	operandKindBranch
	operandKindCall
)

func kindOf(o lir.Operand) operandKind {
	switch o.(type) {
	case nil:
		return operandKindNone
	case *lir.RegisterOperand:
		return operandKindRegister
	case *lir.MemBaseOperand, *lir.MemIndexOperand, *lir.MemLocalOperand, *lir.LiteralPoolOperand:
		return operandKindMemory
	case *lir.ImmediateOperand:
		return operandKindImmediate
	case *lir.BranchOperand:
		return operandKindBranch
	case *lir.RelOperand, *lir.CallOperand:
		return operandKindCall
	default:
		panic(fmt.Sprintf("BUG: unknown operand %T", o))
	}
}

func errorEncodingUnsupported(insn *lir.Instruction) error {
	return asm.Defectf("%s is unsupported for %s:%s type", InstructionName(insn.Opcode),
		lir.OperandTypeOf(insn.Src()), lir.OperandTypeOf(insn.Dest()))
}

// Encode implements emit.Backend.Encode
func (b *Backend) Encode(ctx *emit.Context, insn *lir.Instruction) error {
	if len(insn.Operands) > 2 {
		return asm.Defectf("%s takes at most 2 operands but got %d", InstructionName(insn.Opcode), len(insn.Operands))
	}
	src, dst := insn.Src(), insn.Dest()
	switch {
	case src == nil:
		return b.encodeNoneToNone(ctx, insn)
	case dst == nil:
		return b.encodeOneOperand(ctx, insn, src)
	default:
		return b.encodeTwoOperands(ctx, insn, src, dst)
	}
}

func (b *Backend) encodeNoneToNone(ctx *emit.Context, insn *lir.Instruction) error {
	switch insn.Opcode {
	case RET:
		// https://www.felixcloutier.com/x86/ret
		ctx.Buf.AppendByte(0xc3)
	case NOP:
		// https://www.felixcloutier.com/x86/nop
		ctx.Buf.AppendByte(0x90)
	case UD2:
		// https://www.felixcloutier.com/x86/ud
		ctx.Buf.AppendBytes([]byte{0x0f, 0x0b})
	case CQO:
		// https://www.felixcloutier.com/x86/cwd:cdq:cqo
		ctx.Buf.AppendBytes([]byte{rexPrefixW, 0x99})
	default:
		return errorEncodingUnsupported(insn)
	}
	return nil
}

// unaryOpcodes are the instructions of the form OP r/m64 with an opcode
// extension in ModR/M:reg.
var unaryOpcodes = map[asm.Instruction]struct {
	opcode byte
	ext    byte
	rex    rexPrefix
}{
	// https://www.felixcloutier.com/x86/inc
	INCQ: {opcode: 0xff, ext: 0, rex: rexPrefixW},
	// https://www.felixcloutier.com/x86/dec
	DECQ: {opcode: 0xff, ext: 1, rex: rexPrefixW},
	// https://www.felixcloutier.com/x86/not
	NOTQ: {opcode: 0xf7, ext: 2, rex: rexPrefixW},
	// https://www.felixcloutier.com/x86/neg
	NEGQ: {opcode: 0xf7, ext: 3, rex: rexPrefixW},
	// https://www.felixcloutier.com/x86/idiv
	IDIVQ: {opcode: 0xf7, ext: 7, rex: rexPrefixW},
	// https://www.felixcloutier.com/x86/call
	CALL: {opcode: 0xff, ext: 2},
	// https://www.felixcloutier.com/x86/jmp
	JMP: {opcode: 0xff, ext: 4},
	// https://www.felixcloutier.com/x86/push
	PUSHQ: {opcode: 0xff, ext: 6},
	// https://www.felixcloutier.com/x86/pop
	POPQ: {opcode: 0x8f, ext: 0},
}

func (b *Backend) encodeOneOperand(ctx *emit.Context, insn *lir.Instruction, o lir.Operand) error {
	switch kindOf(o) {
	case operandKindBranch:
		return b.encodeBranch(ctx, insn, o.(*lir.BranchOperand).Target)
	case operandKindCall:
		return b.encodeCall(ctx, insn, o)
	case operandKindImmediate:
		if insn.Opcode != PUSHQ {
			return errorEncodingUnsupported(insn)
		}
		// https://www.felixcloutier.com/x86/push
		v := o.(*lir.ImmediateOperand).Value
		if asm.FitsInt8(v) {
			ctx.Buf.AppendByte(0x6a)
			writeConst(ctx.Buf, v, 8)
		} else if asm.FitsInt32(v) {
			ctx.Buf.AppendByte(0x68)
			writeConst(ctx.Buf, v, 32)
		} else {
			return asm.Defectf("PUSHQ immediate %#x does not fit in 32-bit", v)
		}
		return nil
	case operandKindRegister:
		if insn.Opcode == PUSHQ || insn.Opcode == POPQ {
			// https://www.felixcloutier.com/x86/push
			// https://www.felixcloutier.com/x86/pop
			reg, err := o.(*lir.RegisterOperand).Interval.Register()
			if err != nil {
				return err
			}
			bits, prefix, err := register3bits(reg, registerSpecifierPositionModRMFieldRM)
			if err != nil {
				return err
			}
			if prefix != rexPrefixNone {
				ctx.Buf.AppendByte(prefix)
			}
			opcode := byte(0x50)
			if insn.Opcode == POPQ {
				opcode = 0x58
			}
			ctx.Buf.AppendByte(opcode | bits)
			return nil
		}
	}

	op, ok := unaryOpcodes[insn.Opcode]
	if !ok {
		return errorEncodingUnsupported(insn)
	}
	rm, err := b.rmOperand(ctx, insn, o)
	if err != nil {
		return err
	}
	return (&modRMInstruction{rex: op.rex, opcode: []byte{op.opcode}, reg: op.ext, rm: rm}).encode(ctx, insn)
}

// relativeJumpOpcodes are the rel32 forms of jumps. Conditional jumps start
// with the escape byte.
// https://www.felixcloutier.com/x86/jcc
// https://www.felixcloutier.com/x86/jmp
var relativeJumpOpcodes = map[asm.Instruction][]byte{
	JMP: {0xe9},
	JCC: {0x0f, 0x83},
	JCS: {0x0f, 0x82},
	JEQ: {0x0f, 0x84},
	JGE: {0x0f, 0x8d},
	JGT: {0x0f, 0x8f},
	JHI: {0x0f, 0x87},
	JLE: {0x0f, 0x8e},
	JLS: {0x0f, 0x86},
	JLT: {0x0f, 0x8c},
	JNE: {0x0f, 0x85},
}

// branchLen is the size of a rel32 branch: the optional escape byte, the
// opcode and the displacement.
func branchLen(insn *lir.Instruction) int {
	if insn.Is(lir.FlagEscaped) {
		return escapeSize + 1 + 4
	}
	return 1 + 4
}

// encodeBranch always uses rel32 so that the size of a forward branch is
// known before its target is.
func (b *Backend) encodeBranch(ctx *emit.Context, insn *lir.Instruction, target *lir.BasicBlock) error {
	opcode, ok := relativeJumpOpcodes[insn.Opcode]
	if !ok {
		return errorEncodingUnsupported(insn)
	}
	if len(opcode) > 1 {
		insn.Flags |= lir.FlagEscaped
	} else {
		insn.Flags &^= lir.FlagEscaped
	}
	rel, err := ctx.BranchDisplacement(insn, target, branchLen(insn))
	if err != nil {
		return err
	}
	if !asm.FitsInt32(rel) {
		return asm.Defectf("branch displacement %d does not fit in 32-bit", rel)
	}
	ctx.Buf.AppendBytes(opcode)
	writeConst(ctx.Buf, rel, 32)
	return nil
}

// PatchBranch implements emit.Backend.PatchBranch
func (b *Backend) PatchBranch(buf *asm.Buffer, insn *lir.Instruction, target int) error {
	if _, ok := relativeJumpOpcodes[insn.Opcode]; !ok {
		return errorEncodingUnsupported(insn)
	}
	off, err := insn.MachineOffset()
	if err != nil {
		return err
	}
	n := branchLen(insn)
	rel := int64(target) - int64(off+n)
	if !asm.FitsInt32(rel) {
		return asm.Defectf("branch displacement %d does not fit in 32-bit", rel)
	}
	return buf.WriteAt(off+n-4, 4, uint64(uint32(int32(rel))))
}

// encodeCall emits CALL rel32 whose displacement is written once the code
// is published, see PatchCallSite.
func (b *Backend) encodeCall(ctx *emit.Context, insn *lir.Instruction, o lir.Operand) error {
	if insn.Opcode != CALL {
		return errorEncodingUnsupported(insn)
	}
	switch o := o.(type) {
	case *lir.RelOperand:
		ctx.AddCallSite(ctx.Buf.CurrentOffset(), nil, o.Target)
	case *lir.CallOperand:
		if o.Callee == nil {
			return asm.Defectf("call without callee")
		}
		ctx.AddCallSite(ctx.Buf.CurrentOffset(), o.Callee, 0)
	}
	// https://www.felixcloutier.com/x86/call
	ctx.Buf.AppendByte(0xe8)
	ctx.Buf.AppendUint32(0)
	return nil
}

// PatchCallSite implements emit.Backend.PatchCallSite
func (b *Backend) PatchCallSite(code asm.CodeHandle, site int, target uintptr) error {
	if site < 0 || site >= code.Len() || code.Bytes()[site] != 0xe8 {
		return asm.Defectf("no CALL rel32 at offset %d", site)
	}
	rel := int64(target) - int64(code.Addr()+uintptr(site+callSiteLen))
	if !asm.FitsInt32(rel) {
		return asm.Defectf("call from %#x to %#x is out of rel32 range", code.Addr()+uintptr(site), target)
	}
	return code.PatchUint32(site+1, uint32(int32(rel)))
}

// Finalize implements emit.Backend.Finalize
func (b *Backend) Finalize(ctx *emit.Context) error {
	if _, err := ctx.FlushLiteralPool(0xcc); err != nil {
		return err
	}
	for _, ref := range ctx.LiteralRefs() {
		at, err := ctx.LiteralOffset(ref.Index)
		if err != nil {
			return err
		}
		if err := ctx.Buf.WriteAt(ref.Site, 4, uint64(uint32(int32(at-ref.Base)))); err != nil {
			return err
		}
	}
	return nil
}

func writeConst(buf *asm.Buffer, v int64, length byte) {
	switch length {
	case 8:
		buf.AppendByte(byte(int8(v)))
	case 16:
		buf.AppendUint16(uint16(v))
	case 32:
		buf.AppendUint32(uint32(v))
	case 64:
		buf.AppendUint64(uint64(v))
	default:
		panic(fmt.Sprintf("BUG: invalid constant length %d", length))
	}
}
