// Package arm64 encodes LIR into AArch64 machine code.
package arm64

import (
	"math/bits"
	"strings"

	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/emit"
	"github.com/jatovm/jato-sub002/internal/lir"
)

const (
	// escapeSize is zero: A64 has no prefixes and every instruction is
	// one word.
	escapeSize = 0
	// branchLen is the size of B, B.cond and BL.
	branchLen = escapeSize + 4
	// callSiteLen is the size of BL.
	callSiteLen = 4
)

// Backend implements emit.Backend for AArch64.
type Backend struct{}

// NewBackend returns the AArch64 backend.
func NewBackend() *Backend {
	return &Backend{}
}

var _ emit.Backend = (*Backend)(nil)

// Arch implements emit.Backend.Arch
func (*Backend) Arch() string {
	return "arm64"
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

func errorEncodingUnsupported(insn *lir.Instruction) error {
	types := make([]string, 0, len(insn.Operands))
	for _, o := range insn.Operands {
		types = append(types, lir.OperandTypeOf(o).String())
	}
	if len(types) == 0 {
		types = append(types, lir.OperandTypeNone.String())
	}
	return asm.Defectf("%s is unsupported for %s type", InstructionName(insn.Opcode), strings.Join(types, ":"))
}

// registerOf returns the register of a register operand.
func registerOf(insn *lir.Instruction, o lir.Operand) (asm.Register, error) {
	r, ok := o.(*lir.RegisterOperand)
	if !ok {
		return asm.NilRegister, errorEncodingUnsupported(insn)
	}
	return r.Interval.Register()
}

// Encode implements emit.Backend.Encode
func (b *Backend) Encode(ctx *emit.Context, insn *lir.Instruction) error {
	switch insn.Opcode {
	case NOP:
		// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/NOP--No-Operation-
		return b.encodeNoOperand(ctx, insn, 0xd503201f)
	case RET:
		// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/RET--Return-from-subroutine-
		return b.encodeNoOperand(ctx, insn, 0xd65f03c0)
	case ADD, SUB, AND, ORR, EOR, MUL, SDIV:
		return b.encodeArithmetic(ctx, insn)
	case CMP:
		return b.encodeCompare(ctx, insn)
	case MOVD, MOVW:
		return b.encodeMove(ctx, insn)
	case MOVZ, MOVK:
		return b.encodeMoveWide(ctx, insn)
	case LDR:
		lit, ok := insn.Src().(*lir.LiteralPoolOperand)
		if !ok || len(insn.Operands) != 2 {
			return errorEncodingUnsupported(insn)
		}
		rt, err := registerOf(insn, insn.Dest())
		if err != nil {
			return err
		}
		return b.encodeLoadLiteral(ctx, insn, lit.Value, rt)
	case B, BCC, BCS, BEQ, BGE, BGT, BHI, BLE, BLS, BLT, BMI, BNE, BPL:
		target, ok := insn.Src().(*lir.BranchOperand)
		if !ok || len(insn.Operands) != 1 {
			return errorEncodingUnsupported(insn)
		}
		return b.encodeBranch(ctx, insn, target.Target)
	case BL:
		return b.encodeCall(ctx, insn)
	case BR, BLR:
		return b.encodeJumpToRegister(ctx, insn)
	case STP, LDP:
		return b.encodePair(ctx, insn)
	default:
		return errorEncodingUnsupported(insn)
	}
}

func (b *Backend) encodeNoOperand(ctx *emit.Context, insn *lir.Instruction, word uint32) error {
	if len(insn.Operands) != 0 {
		return errorEncodingUnsupported(insn)
	}
	ctx.Buf.AppendUint32(word)
	return nil
}

// arithmeticOpcodes are the 64-bit data processing instructions. reg is the
// (shifted) register form and imm the imm12 form when one exists.
// https://developer.arm.com/documentation/ddi0596/2021-12/Index-by-Encoding/Data-Processing----Register
var arithmeticOpcodes = map[asm.Instruction]struct {
	reg uint32
	imm bool
}{
	ADD:  {reg: 0x8b000000, imm: true},
	SUB:  {reg: 0xcb000000, imm: true},
	AND:  {reg: 0x8a000000},
	ORR:  {reg: 0xaa000000},
	EOR:  {reg: 0xca000000},
	MUL:  {reg: 0x9b007c00}, // MADD with XZR as the addend.
	SDIV: {reg: 0x9ac00c00},
}

func (b *Backend) encodeArithmetic(ctx *emit.Context, insn *lir.Instruction) error {
	var src, rnOperand, dst lir.Operand
	switch len(insn.Operands) {
	case 2:
		src, dst = insn.Operands[0], insn.Operands[1]
		rnOperand = dst
	case 3:
		src, rnOperand, dst = insn.Operands[0], insn.Operands[1], insn.Operands[2]
	default:
		return errorEncodingUnsupported(insn)
	}
	rd, err := registerOf(insn, dst)
	if err != nil {
		return err
	}
	rn, err := registerOf(insn, rnOperand)
	if err != nil {
		return err
	}

	op := arithmeticOpcodes[insn.Opcode]
	switch src := src.(type) {
	case *lir.RegisterOperand:
		rm, err := src.Interval.Register()
		if err != nil {
			return err
		}
		return b.encodeThreeRegisters(ctx, op.reg, rm, rn, rd)
	case *lir.ImmediateOperand:
		if !op.imm {
			return errorEncodingUnsupported(insn)
		}
		rnBits, err := spRegisterBits(rn)
		if err != nil {
			return err
		}
		rdBits, err := spRegisterBits(rd)
		if err != nil {
			return err
		}
		return b.encodeAddSubImmediate(ctx, insn.Opcode == SUB, false, src.Value, rnBits, rdBits)
	default:
		return errorEncodingUnsupported(insn)
	}
}

func (b *Backend) encodeThreeRegisters(ctx *emit.Context, opcode uint32, rm, rn, rd asm.Register) error {
	rmBits, err := generalRegisterBits(rm)
	if err != nil {
		return err
	}
	rnBits, err := generalRegisterBits(rn)
	if err != nil {
		return err
	}
	rdBits, err := generalRegisterBits(rd)
	if err != nil {
		return err
	}
	ctx.Buf.AppendUint32(opcode | rmBits<<16 | rnBits<<5 | rdBits)
	return nil
}

// encodeAddSubImmediate writes ADD, SUB, ADDS or SUBS with an imm12,
// optionally shifted left by 12. A negative value flips the operation.
// https://developer.arm.com/documentation/ddi0596/2021-12/Index-by-Encoding/Data-Processing----Immediate#addsub_imm
func (b *Backend) encodeAddSubImmediate(ctx *emit.Context, sub, setFlags bool, v int64, rnBits, rdBits uint32) error {
	if v < 0 {
		sub, v = !sub, -v
	}
	var shift uint32
	switch {
	case v >= 0 && v <= 0xfff:
	case v > 0 && v&0xfff == 0 && v>>12 <= 0xfff:
		shift, v = 1, v>>12
	default:
		return asm.Defectf("immediate %d does not fit in 12 bits, optionally shifted by 12", v)
	}
	word := uint32(0x91000000)
	if sub {
		word |= 1 << 30
	}
	if setFlags {
		word |= 1 << 29
	}
	ctx.Buf.AppendUint32(word | shift<<22 | uint32(v)<<10 | rnBits<<5 | rdBits)
	return nil
}

// encodeCompare writes CMP as SUBS with the zero register as destination.
// As in the Go assembler, CMP Rm, Rn compares Rn against Rm.
func (b *Backend) encodeCompare(ctx *emit.Context, insn *lir.Instruction) error {
	if len(insn.Operands) != 2 {
		return errorEncodingUnsupported(insn)
	}
	rn, err := registerOf(insn, insn.Dest())
	if err != nil {
		return err
	}
	switch src := insn.Src().(type) {
	case *lir.RegisterOperand:
		rm, err := src.Interval.Register()
		if err != nil {
			return err
		}
		// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/CMP--shifted-register---Compare--shifted-register---an-alias-of-SUBS--shifted-register--
		return b.encodeThreeRegisters(ctx, 0xeb000000, rm, rn, REGZERO)
	case *lir.ImmediateOperand:
		rnBits, err := spRegisterBits(rn)
		if err != nil {
			return err
		}
		// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/CMP--immediate---Compare--immediate---an-alias-of-SUBS--immediate--
		return b.encodeAddSubImmediate(ctx, true, true, src.Value, rnBits, zeroRegisterBits)
	default:
		return errorEncodingUnsupported(insn)
	}
}

func (b *Backend) encodeMove(ctx *emit.Context, insn *lir.Instruction) error {
	if len(insn.Operands) != 2 {
		return errorEncodingUnsupported(insn)
	}
	src, dst := insn.Src(), insn.Dest()

	if _, ok := dst.(*lir.RegisterOperand); !ok {
		// Store.
		rt, err := registerOf(insn, src)
		if err != nil {
			return err
		}
		return b.encodeLoadOrStore(ctx, insn, false, rt, dst)
	}
	rd, err := registerOf(insn, dst)
	if err != nil {
		return err
	}

	switch src := src.(type) {
	case *lir.MemBaseOperand, *lir.MemIndexOperand, *lir.MemLocalOperand:
		return b.encodeLoadOrStore(ctx, insn, true, rd, src)
	}
	if insn.Opcode != MOVD {
		return errorEncodingUnsupported(insn)
	}
	switch src := src.(type) {
	case *lir.RegisterOperand:
		rs, err := src.Interval.Register()
		if err != nil {
			return err
		}
		if rs == REG_RSP || rd == REG_RSP {
			// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/MOV--to-from-SP---Move-between-register-and-stack-pointer--an-alias-of-ADD--immediate--
			rnBits, err := spRegisterBits(rs)
			if err != nil {
				return err
			}
			rdBits, err := spRegisterBits(rd)
			if err != nil {
				return err
			}
			ctx.Buf.AppendUint32(0x91000000 | rnBits<<5 | rdBits)
			return nil
		}
		// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/MOV--register---Move--register---an-alias-of-ORR--shifted-register--
		return b.encodeThreeRegisters(ctx, 0xaa000000, rs, REGZERO, rd)
	case *lir.ImmediateOperand:
		return b.encodeConstToRegister(ctx, insn, uint64(src.Value), rd)
	case *lir.LiteralPoolOperand:
		return b.encodeLoadLiteral(ctx, insn, src.Value, rd)
	default:
		return errorEncodingUnsupported(insn)
	}
}

// encodeConstToRegister materializes v with one MOVZ, or MOVZ and one MOVK
// for two non-zero halfwords. Wider values are loaded from the literal pool.
func (b *Backend) encodeConstToRegister(ctx *emit.Context, insn *lir.Instruction, v uint64, rd asm.Register) error {
	rdBits, err := generalRegisterBits(rd)
	if err != nil {
		return err
	}
	var halfwords []uint32
	for hw := uint32(0); hw < 4; hw++ {
		if (v>>(16*hw))&0xffff != 0 {
			halfwords = append(halfwords, hw)
		}
	}
	switch len(halfwords) {
	case 0:
		ctx.Buf.AppendUint32(movz(0, 0, rdBits))
	case 1, 2:
		for i, hw := range halfwords {
			imm16 := uint32(v>>(16*hw)) & 0xffff
			if i == 0 {
				ctx.Buf.AppendUint32(movz(imm16, hw, rdBits))
			} else {
				ctx.Buf.AppendUint32(movk(imm16, hw, rdBits))
			}
		}
	default:
		return b.encodeLoadLiteral(ctx, insn, v, rd)
	}
	return nil
}

// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/MOVZ--Move-wide-with-zero-
func movz(imm16, hw, rdBits uint32) uint32 {
	return 0xd2800000 | hw<<21 | imm16<<5 | rdBits
}

// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/MOVK--Move-wide-with-keep-
func movk(imm16, hw, rdBits uint32) uint32 {
	return 0xf2800000 | hw<<21 | imm16<<5 | rdBits
}

// encodeMoveWide writes an explicit MOVZ or MOVK. The immediate is given at
// its final position, e.g. $0x12340000 is #0x1234, LSL #16.
func (b *Backend) encodeMoveWide(ctx *emit.Context, insn *lir.Instruction) error {
	imm, ok := insn.Src().(*lir.ImmediateOperand)
	if !ok || len(insn.Operands) != 2 {
		return errorEncodingUnsupported(insn)
	}
	rd, err := registerOf(insn, insn.Dest())
	if err != nil {
		return err
	}
	rdBits, err := generalRegisterBits(rd)
	if err != nil {
		return err
	}
	v := uint64(imm.Value)
	var hw uint32
	if v != 0 {
		hw = uint32(bits.TrailingZeros64(v) / 16)
	}
	if v&^(uint64(0xffff)<<(16*hw)) != 0 {
		return asm.Defectf("%s immediate %#x spans more than one halfword", InstructionName(insn.Opcode), v)
	}
	imm16 := uint32(v>>(16*hw)) & 0xffff
	if insn.Opcode == MOVZ {
		ctx.Buf.AppendUint32(movz(imm16, hw, rdBits))
	} else {
		ctx.Buf.AppendUint32(movk(imm16, hw, rdBits))
	}
	return nil
}

// encodeLoadLiteral writes LDR (literal) of a pool entry. The imm19 is
// filled in by Finalize once the pool is placed.
// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/LDR--literal---Load-Register--literal--
func (b *Backend) encodeLoadLiteral(ctx *emit.Context, insn *lir.Instruction, value uint64, rt asm.Register) error {
	rtBits, err := generalRegisterBits(rt)
	if err != nil {
		return err
	}
	idx, err := ctx.LiteralIndex(value)
	if err != nil {
		return err
	}
	off := ctx.Buf.CurrentOffset()
	ctx.AddLiteralRef(emit.LiteralRef{Insn: insn, Index: idx, Site: off, Base: off})
	ctx.Buf.AppendUint32(0x58000000 | rtBits)
	return nil
}

// branchWord returns the B or B.cond for a displacement relative to the
// branch itself.
func branchWord(insn *lir.Instruction, rel int64) (uint32, error) {
	if rel%4 != 0 {
		return 0, asm.Defectf("BUG: relative jump offset %d must be 4 bytes aligned", rel)
	}
	imm := rel >> 2
	if insn.Opcode == B {
		if !asm.FitsSigned(imm, 26) {
			return 0, asm.Defectf("relative jump offset %d is beyond ±128MiB", rel)
		}
		// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/B--Branch-
		return 0x14000000 | uint32(imm)&(1<<26-1), nil
	}
	cond, ok := conditionBits[insn.Opcode]
	if !ok {
		return 0, errorEncodingUnsupported(insn)
	}
	if !asm.FitsSigned(imm, 19) {
		return 0, asm.Defectf("conditional jump offset %d is beyond ±1MiB", rel)
	}
	// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/B-cond--Branch-conditionally-
	return 0x54000000 | (uint32(imm)&(1<<19-1))<<5 | cond, nil
}

func (b *Backend) encodeBranch(ctx *emit.Context, insn *lir.Instruction, target *lir.BasicBlock) error {
	insn.Flags &^= lir.FlagEscaped
	// PC-relative branches count from the branch itself, not its end.
	rel, err := ctx.BranchDisplacement(insn, target, 0)
	if err != nil {
		return err
	}
	word, err := branchWord(insn, rel)
	if err != nil {
		return err
	}
	ctx.Buf.AppendUint32(word)
	return nil
}

// PatchBranch implements emit.Backend.PatchBranch
func (b *Backend) PatchBranch(buf *asm.Buffer, insn *lir.Instruction, target int) error {
	off, err := insn.MachineOffset()
	if err != nil {
		return err
	}
	// Displacements are measured from the branch itself.
	word, err := branchWord(insn, int64(target-off))
	if err != nil {
		return err
	}
	return buf.WriteAt(off, branchLen, uint64(word))
}

// encodeCall emits BL with a zero displacement, written once the code is
// published, see PatchCallSite.
// https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/BL--Branch-with-Link-
func (b *Backend) encodeCall(ctx *emit.Context, insn *lir.Instruction) error {
	if len(insn.Operands) != 1 {
		return errorEncodingUnsupported(insn)
	}
	switch o := insn.Src().(type) {
	case *lir.RelOperand:
		ctx.AddCallSite(ctx.Buf.CurrentOffset(), nil, o.Target)
	case *lir.CallOperand:
		if o.Callee == nil {
			return asm.Defectf("call without callee")
		}
		ctx.AddCallSite(ctx.Buf.CurrentOffset(), o.Callee, 0)
	default:
		return errorEncodingUnsupported(insn)
	}
	ctx.Buf.AppendUint32(0x94000000)
	return nil
}

// PatchCallSite implements emit.Backend.PatchCallSite
func (b *Backend) PatchCallSite(code asm.CodeHandle, site int, target uintptr) error {
	word, err := code.Uint32At(site)
	if err != nil {
		return err
	}
	if word&0xfc000000 != 0x94000000 {
		return asm.Defectf("no BL at offset %d", site)
	}
	rel := int64(target) - int64(code.Addr()+uintptr(site))
	if rel%4 != 0 || !asm.FitsSigned(rel>>2, 26) {
		return asm.Defectf("call from %#x to %#x is out of BL range", code.Addr()+uintptr(site), target)
	}
	return code.PatchUint32(site, 0x94000000|uint32(rel>>2)&(1<<26-1))
}

// https://developer.arm.com/documentation/ddi0596/2021-12/Index-by-Encoding/Branches--Exception-Generating-and-System-instructions#branch_reg
func (b *Backend) encodeJumpToRegister(ctx *emit.Context, insn *lir.Instruction) error {
	if len(insn.Operands) != 1 {
		return errorEncodingUnsupported(insn)
	}
	rn, err := registerOf(insn, insn.Src())
	if err != nil {
		return err
	}
	rnBits, err := generalRegisterBits(rn)
	if err != nil {
		return err
	}
	word := uint32(0xd61f0000)
	if insn.Opcode == BLR {
		word = 0xd63f0000
	}
	ctx.Buf.AppendUint32(word | rnBits<<5)
	return nil
}

// Finalize implements emit.Backend.Finalize
//
// The literal pool goes after the last instruction, and every LDR
// (literal) gets the word distance to its entry.
func (b *Backend) Finalize(ctx *emit.Context) error {
	// Zero padding decodes as UDF.
	if _, err := ctx.FlushLiteralPool(0); err != nil {
		return err
	}
	for _, ref := range ctx.LiteralRefs() {
		at, err := ctx.LiteralOffset(ref.Index)
		if err != nil {
			return err
		}
		rel := int64(at - ref.Base)
		if rel%4 != 0 || !asm.FitsSigned(rel>>2, 19) {
			return asm.Defectf("literal at %d is out of LDR range from %d", at, ref.Base)
		}
		word := ctx.Buf.ReadUint32At(ref.Site) | (uint32(rel>>2)&(1<<19-1))<<5
		if err := ctx.Buf.WriteAt(ref.Site, 4, uint64(word)); err != nil {
			return err
		}
	}
	return nil
}
