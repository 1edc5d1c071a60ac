package amd64

import (
	"math"

	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/emit"
	"github.com/jatovm/jato-sub002/internal/lir"
)

// aluOpcodes are the arithmetic and logic instructions sharing the
// register, memory and immediate forms of the ADD group.
var aluOpcodes = map[asm.Instruction]struct {
	// rmFromReg is OP r/m64, r64 and regFromRM is OP r64, r/m64.
	rmFromReg, regFromRM byte
	// immExt is the ModR/M:reg extension of the 0x81 and 0x83 immediate forms.
	immExt byte
	// axImm32 is the short OP RAX, imm32 form.
	axImm32 byte
	// srcIsLeft is set when the Go assembler's source operand is the left
	// hand side of the Intel form, which is the case of CMP.
	srcIsLeft bool
}{
	// https://www.felixcloutier.com/x86/add
	ADDQ: {rmFromReg: 0x01, regFromRM: 0x03, immExt: 0, axImm32: 0x05},
	// https://www.felixcloutier.com/x86/or
	ORQ: {rmFromReg: 0x09, regFromRM: 0x0b, immExt: 1, axImm32: 0x0d},
	// https://www.felixcloutier.com/x86/and
	ANDQ: {rmFromReg: 0x21, regFromRM: 0x23, immExt: 4, axImm32: 0x25},
	// https://www.felixcloutier.com/x86/sub
	SUBQ: {rmFromReg: 0x29, regFromRM: 0x2b, immExt: 5, axImm32: 0x2d},
	// https://www.felixcloutier.com/x86/xor
	XORQ: {rmFromReg: 0x31, regFromRM: 0x33, immExt: 6, axImm32: 0x35},
	// https://www.felixcloutier.com/x86/cmp
	CMPQ: {rmFromReg: 0x39, regFromRM: 0x3b, immExt: 7, axImm32: 0x3d, srcIsLeft: true},
}

// shiftExtensions are the ModR/M:reg extensions of the shift group.
// https://www.felixcloutier.com/x86/sal:sar:shl:shr
var shiftExtensions = map[asm.Instruction]byte{
	SHLQ: 4,
	SHRQ: 5,
	SARQ: 7,
}

// movOpcodes are the moves between a register and a register or memory.
// https://www.felixcloutier.com/x86/mov
var movOpcodes = map[asm.Instruction]struct {
	store, load  []byte
	legacyPrefix byte
	rex          rexPrefix
	byteAccess   bool
}{
	MOVQ: {store: []byte{0x89}, load: []byte{0x8b}, rex: rexPrefixW},
	MOVL: {store: []byte{0x89}, load: []byte{0x8b}},
	// Note: Need 0x66 to indicate that the operand size is 16-bit.
	// https://wiki.osdev.org/X86-64_Instruction_Encoding#Operand-size_and_address-size_override_prefix
	MOVW: {store: []byte{0x89}, load: []byte{0x8b}, legacyPrefix: 0x66},
	MOVB: {store: []byte{0x88}, load: []byte{0x8a}, byteAccess: true},
	// https://www.felixcloutier.com/x86/movzx
	MOVBQZX: {load: []byte{0x0f, 0xb6}, rex: rexPrefixW},
	// https://www.felixcloutier.com/x86/movsx:movsxd
	MOVLQSX: {load: []byte{0x63}, rex: rexPrefixW},
	// https://www.felixcloutier.com/x86/lea
	LEAQ: {load: []byte{0x8d}, rex: rexPrefixW},
	// https://www.felixcloutier.com/x86/imul
	IMULQ: {load: []byte{0x0f, 0xaf}, rex: rexPrefixW},
	// https://www.felixcloutier.com/x86/test
	TESTQ: {store: []byte{0x85}, load: []byte{0x85}, rex: rexPrefixW},
}

func (b *Backend) encodeTwoOperands(ctx *emit.Context, insn *lir.Instruction, src, dst lir.Operand) error {
	srcKind, dstKind := kindOf(src), kindOf(dst)
	if srcKind == operandKindMemory && dstKind == operandKindMemory {
		return errorEncodingUnsupported(insn)
	}

	if op, ok := aluOpcodes[insn.Opcode]; ok {
		left, right := dst, src
		if op.srcIsLeft {
			left, right = src, dst
		}
		switch kindOf(right) {
		case operandKindImmediate:
			return b.encodeALUImmediate(ctx, insn, op.immExt, op.axImm32, left, right.(*lir.ImmediateOperand).Value)
		case operandKindRegister:
			// OP left(r/m), right(reg)
			return b.encodeRegisterModRM(ctx, insn, []byte{op.rmFromReg}, rexPrefixW, 0, right, left, false)
		case operandKindMemory:
			if kindOf(left) != operandKindRegister {
				return errorEncodingUnsupported(insn)
			}
			// OP left(reg), right(r/m)
			return b.encodeRegisterModRM(ctx, insn, []byte{op.regFromRM}, rexPrefixW, 0, left, right, false)
		}
		return errorEncodingUnsupported(insn)
	}

	if ext, ok := shiftExtensions[insn.Opcode]; ok {
		return b.encodeShift(ctx, insn, ext, src, dst)
	}

	if srcKind == operandKindImmediate {
		return b.encodeImmediateMove(ctx, insn, src.(*lir.ImmediateOperand).Value, dst)
	}

	op, ok := movOpcodes[insn.Opcode]
	if !ok || insn.Opcode == LEAQ && srcKind != operandKindMemory {
		return errorEncodingUnsupported(insn)
	}
	switch {
	case dstKind == operandKindRegister && (srcKind == operandKindRegister && op.store == nil || srcKind == operandKindMemory):
		// OP dst(reg), src(r/m)
		return b.encodeRegisterModRM(ctx, insn, op.load, op.rex, op.legacyPrefix, dst, src, op.byteAccess)
	case srcKind == operandKindRegister && (dstKind == operandKindRegister || dstKind == operandKindMemory) && op.store != nil:
		// OP dst(r/m), src(reg)
		return b.encodeRegisterModRM(ctx, insn, op.store, op.rex, op.legacyPrefix, src, dst, op.byteAccess)
	}
	return errorEncodingUnsupported(insn)
}

// encodeRegisterModRM writes an instruction with reg in ModR/M:reg and rm
// in ModR/M:r/m.
func (b *Backend) encodeRegisterModRM(ctx *emit.Context, insn *lir.Instruction, opcode []byte, rex rexPrefix,
	legacyPrefix byte, reg, rm lir.Operand,
	byteAccess bool,
) error {
	r, ok := reg.(*lir.RegisterOperand)
	if !ok {
		return errorEncodingUnsupported(insn)
	}
	regReg, err := r.Interval.Register()
	if err != nil {
		return err
	}
	regBits, regPrefix, err := register3bits(regReg, registerSpecifierPositionModRMFieldReg)
	if err != nil {
		return err
	}
	loc, err := b.rmOperand(ctx, insn, rm)
	if err != nil {
		return err
	}
	forceRex := false
	if byteAccess {
		forceRex = needsRexForByteAccess(regReg)
		if rmReg, ok := rm.(*lir.RegisterOperand); ok && needsRexForByteAccess(rmReg.Interval.Reg) {
			forceRex = true
		}
	}
	return (&modRMInstruction{
		legacyPrefix: legacyPrefix,
		rex:          rex | regPrefix,
		opcode:       opcode,
		reg:          regBits,
		rm:           loc,
		forceRex:     forceRex,
	}).encode(ctx, insn)
}

// encodeALUImmediate writes OP r/m64, imm with the narrowest immediate.
func (b *Backend) encodeALUImmediate(ctx *emit.Context, insn *lir.Instruction, ext, axImm32 byte, rm lir.Operand, v int64) error {
	if !asm.FitsInt32(v) {
		return asm.Defectf("constant must fit in 32-bit integer for %s, but got %#x", InstructionName(insn.Opcode), v)
	}
	loc, err := b.rmOperand(ctx, insn, rm)
	if err != nil {
		return err
	}
	if asm.FitsInt8(v) {
		return (&modRMInstruction{rex: rexPrefixW, opcode: []byte{0x83}, reg: ext, rm: loc, imm: v, immWidth: 8}).encode(ctx, insn)
	}
	if r, ok := rm.(*lir.RegisterOperand); ok && r.Interval.Reg == REG_AX {
		ctx.Buf.AppendBytes([]byte{rexPrefixW, axImm32})
		writeConst(ctx.Buf, v, 32)
		return nil
	}
	return (&modRMInstruction{rex: rexPrefixW, opcode: []byte{0x81}, reg: ext, rm: loc, imm: v, immWidth: 32}).encode(ctx, insn)
}

func (b *Backend) encodeShift(ctx *emit.Context, insn *lir.Instruction, ext byte, src, dst lir.Operand) error {
	loc, err := b.rmOperand(ctx, insn, dst)
	if err != nil {
		return err
	}
	switch src := src.(type) {
	case *lir.ImmediateOperand:
		if src.Value < 0 || src.Value > 63 {
			return asm.Defectf("shift count must be in [0, 63] for %s, but got %d", InstructionName(insn.Opcode), src.Value)
		}
		if src.Value == 1 {
			return (&modRMInstruction{rex: rexPrefixW, opcode: []byte{0xd1}, reg: ext, rm: loc}).encode(ctx, insn)
		}
		return (&modRMInstruction{rex: rexPrefixW, opcode: []byte{0xc1}, reg: ext, rm: loc, imm: src.Value, immWidth: 8}).encode(ctx, insn)
	case *lir.RegisterOperand:
		if src.Interval.Reg != REG_CX {
			return asm.Defectf("shifting instruction %s require CX register as src but got %s",
				InstructionName(insn.Opcode), RegisterName(src.Interval.Reg))
		}
		return (&modRMInstruction{rex: rexPrefixW, opcode: []byte{0xd3}, reg: ext, rm: loc}).encode(ctx, insn)
	default:
		return errorEncodingUnsupported(insn)
	}
}

func (b *Backend) encodeImmediateMove(ctx *emit.Context, insn *lir.Instruction, v int64, dst lir.Operand) error {
	if insn.Opcode == IMULQ {
		// https://www.felixcloutier.com/x86/imul
		if !asm.FitsInt32(v) {
			return asm.Defectf("constant must fit in 32-bit integer for IMULQ, but got %#x", v)
		}
		if kindOf(dst) != operandKindRegister {
			return errorEncodingUnsupported(insn)
		}
		if asm.FitsInt8(v) {
			return b.encodeRegisterModRMImm(ctx, insn, []byte{0x6b}, dst, v, 8)
		}
		return b.encodeRegisterModRMImm(ctx, insn, []byte{0x69}, dst, v, 32)
	}
	if insn.Opcode == TESTQ {
		// https://www.felixcloutier.com/x86/test
		if !asm.FitsInt32(v) {
			return asm.Defectf("constant must fit in 32-bit integer for TESTQ, but got %#x", v)
		}
		if r, ok := dst.(*lir.RegisterOperand); ok && r.Interval.Reg == REG_AX {
			ctx.Buf.AppendBytes([]byte{rexPrefixW, 0xa9})
			writeConst(ctx.Buf, v, 32)
			return nil
		}
		loc, err := b.rmOperand(ctx, insn, dst)
		if err != nil {
			return err
		}
		return (&modRMInstruction{rex: rexPrefixW, opcode: []byte{0xf7}, reg: 0, rm: loc, imm: v, immWidth: 32}).encode(ctx, insn)
	}

	if kindOf(dst) == operandKindRegister {
		reg, err := dst.(*lir.RegisterOperand).Interval.Register()
		if err != nil {
			return err
		}
		return b.encodeImmediateToRegister(ctx, insn, v, reg)
	}

	// https://www.felixcloutier.com/x86/mov
	loc, err := b.rmOperand(ctx, insn, dst)
	if err != nil {
		return err
	}
	i := &modRMInstruction{opcode: []byte{0xc7}, rm: loc, imm: v, immWidth: 32}
	switch insn.Opcode {
	case MOVQ:
		if !asm.FitsInt32(v) {
			return asm.Defectf("constant must fit in 32-bit integer for MOVQ to memory, but got %#x", v)
		}
		i.rex = rexPrefixW
	case MOVL:
		if !asm.FitsInt32(v) && !asm.FitsUint32(v) {
			return asm.Defectf("constant must fit in 32-bit integer for MOVL, but got %#x", v)
		}
	case MOVW:
		if v < math.MinInt16 || v > math.MaxUint16 {
			return asm.Defectf("constant must fit in 16-bit integer for MOVW, but got %#x", v)
		}
		i.legacyPrefix, i.immWidth = 0x66, 16
	case MOVB:
		if v < math.MinInt8 || v > math.MaxUint8 {
			return asm.Defectf("constant must fit in 8-bit integer for MOVB, but got %#x", v)
		}
		i.opcode, i.immWidth = []byte{0xc6}, 8
	default:
		return errorEncodingUnsupported(insn)
	}
	return i.encode(ctx, insn)
}

func (b *Backend) encodeRegisterModRMImm(ctx *emit.Context, insn *lir.Instruction, opcode []byte, dst lir.Operand, v int64, width byte) error {
	reg, err := dst.(*lir.RegisterOperand).Interval.Register()
	if err != nil {
		return err
	}
	regBits, regPrefix, err := register3bits(reg, registerSpecifierPositionModRMFieldReg)
	if err != nil {
		return err
	}
	loc, err := registerRM(reg)
	if err != nil {
		return err
	}
	return (&modRMInstruction{rex: rexPrefixW | regPrefix, opcode: opcode, reg: regBits, rm: loc, imm: v, immWidth: width}).encode(ctx, insn)
}

// encodeImmediateToRegister picks the shortest MOV for the value: a sign
// extended imm32, a zero extended imm32, or the full imm64.
func (b *Backend) encodeImmediateToRegister(ctx *emit.Context, insn *lir.Instruction, v int64, reg asm.Register) error {
	regBits, rexPrefix, err := register3bits(reg, registerSpecifierPositionModRMFieldRM)
	if err != nil {
		return err
	}
	buf := ctx.Buf
	switch insn.Opcode {
	case MOVL:
		if !asm.FitsInt32(v) && !asm.FitsUint32(v) {
			return asm.Defectf("constant must fit in 32-bit integer for MOVL, but got %#x", v)
		}
		if rexPrefix != rexPrefixNone {
			buf.AppendByte(rexPrefix)
		}
		buf.AppendByte(0xb8 | regBits)
		writeConst(buf, v, 32)
	case MOVQ:
		// https://www.felixcloutier.com/x86/mov
		if asm.FitsInt32(v) {
			rexPrefix |= rexPrefixW
			modRM := 0b11_000_000 | // Specifying that operand is register.
				regBits
			buf.AppendBytes([]byte{rexPrefix, 0xc7, modRM})
			writeConst(buf, v, 32)
		} else if asm.FitsUint32(v) {
			// Writing a 32-bit register zero extends to 64 bits.
			if rexPrefix != rexPrefixNone {
				buf.AppendByte(rexPrefix)
			}
			buf.AppendByte(0xb8 | regBits)
			writeConst(buf, v, 32)
		} else {
			rexPrefix |= rexPrefixW
			buf.AppendBytes([]byte{rexPrefix, 0xb8 | regBits})
			writeConst(buf, v, 64)
		}
	default:
		return errorEncodingUnsupported(insn)
	}
	return nil
}
