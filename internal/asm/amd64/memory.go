package amd64

import (
	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/emit"
	"github.com/jatovm/jato-sub002/internal/lir"
)

// rmOperand is what the ModR/M:r/m field addresses: a register, or memory
// described by the mod bits, an optional SIB byte and a displacement.
type rmOperand struct {
	isRegister bool
	// modRM holds the mod and r/m bits. The reg field is filled in by
	// modRMInstruction.
	modRM     byte
	rex       rexPrefix
	sib       byte
	hasSIB    bool
	disp      int64
	dispWidth byte
	// literalIndex is the literal pool entry of a RIP-relative operand.
	literalIndex int
	ripRelative  bool
}

func registerRM(reg asm.Register) (rm rmOperand, err error) {
	var bits byte
	bits, rm.rex, err = register3bits(reg, registerSpecifierPositionModRMFieldRM)
	// https://wiki.osdev.org/X86-64_Instruction_Encoding#ModR.2FM
	rm.modRM = 0b11_000_000 | // Specifying that operand is register.
		bits
	rm.isRegister = true
	return
}

// rmOperand resolves a register or memory operand.
func (b *Backend) rmOperand(ctx *emit.Context, insn *lir.Instruction, o lir.Operand) (rmOperand, error) {
	switch o := o.(type) {
	case *lir.RegisterOperand:
		reg, err := o.Interval.Register()
		if err != nil {
			return rmOperand{}, err
		}
		return registerRM(reg)
	case *lir.MemBaseOperand:
		base, err := o.Base.Register()
		if err != nil {
			return rmOperand{}, err
		}
		return memoryLocation(base, asm.NilRegister, 0, o.Disp)
	case *lir.MemIndexOperand:
		base, err := o.Base.Register()
		if err != nil {
			return rmOperand{}, err
		}
		index, err := o.Index.Register()
		if err != nil {
			return rmOperand{}, err
		}
		return memoryLocation(base, index, o.Scale, o.Disp)
	case *lir.MemLocalOperand:
		disp, err := ctx.Frame.SlotOffset(o.Slot)
		if err != nil {
			return rmOperand{}, err
		}
		return memoryLocation(REG_BP, asm.NilRegister, 0, disp)
	case *lir.LiteralPoolOperand:
		idx, err := ctx.LiteralIndex(o.Value)
		if err != nil {
			return rmOperand{}, err
		}
		// [RIP + disp32], the displacement is written when the pool is placed.
		// https://wiki.osdev.org/X86-64_Instruction_Encoding#RIP.2FEIP-relative_addressing
		return rmOperand{modRM: 0b00_000_101, dispWidth: 32, literalIndex: idx, ripRelative: true}, nil
	default:
		return rmOperand{}, errorEncodingUnsupported(insn)
	}
}

// memoryLocation computes the addressing of [base + index*scale + disp].
// The displacement is encoded in the narrowest form that represents it.
func memoryLocation(baseReg, indexReg asm.Register, scale uint8, offset int64) (rm rmOperand, err error) {
	if !asm.FitsInt32(offset) {
		err = asm.Defectf("offset %#x does not fit in 32-bit integer", offset)
		return
	}
	rm.disp = offset

	// For R13 and BP, base registers cannot be encoded "without displacement" mod (i.e. 0b00 mod)
	// as that means RIP-relative or SIB without base.
	// https://wiki.osdev.org/X86-64_Instruction_Encoding#32.2F64-bit_addressing
	withoutDisplacement := offset == 0 && baseReg != REG_R13 && baseReg != REG_BP
	if withoutDisplacement {
		// https://wiki.osdev.org/X86-64_Instruction_Encoding#ModR.2FM
		rm.modRM = 0b00_000_000 // Specifying that operand is memory without displacement
		rm.dispWidth = 0
	} else if asm.FitsInt8(offset) {
		rm.modRM = 0b01_000_000 // Specifying that operand is memory + 8bit displacement.
		rm.dispWidth = 8
	} else {
		rm.modRM = 0b10_000_000 // Specifying that operand is memory + 32bit displacement.
		rm.dispWidth = 32
	}

	baseBits, prefix, err := register3bits(baseReg, registerSpecifierPositionModRMFieldRM)
	if err != nil {
		return
	}
	rm.rex = prefix

	if indexReg == asm.NilRegister {
		rm.modRM |= baseBits
		// For SP and R12 register, r/m 0b100 means a SIB byte follows, so
		// [SP + disp] is expressed as SIB with no index.
		// https://wiki.osdev.org/X86-64_Instruction_Encoding#32.2F64-bit_addressing_2
		if baseReg == REG_SP || baseReg == REG_R12 {
			rm.sib = 0b00_100_100
			rm.hasSIB = true
		}
		return
	}

	if indexReg == REG_SP {
		err = asm.Defectf("SP cannot be used for SIB index")
		return
	}

	rm.modRM |= 0b00_000_100 // Indicate that the memory location is specified by SIB.

	indexBits, indexPrefix, err := register3bits(indexReg, registerSpecifierPositionSIBIndex)
	if err != nil {
		return
	}
	rm.rex |= indexPrefix

	rm.sib = baseBits | (indexBits << 3)
	switch scale {
	case 1:
		rm.sib |= 0b00_000_000
	case 2:
		rm.sib |= 0b01_000_000
	case 4:
		rm.sib |= 0b10_000_000
	case 8:
		rm.sib |= 0b11_000_000
	default:
		err = asm.Defectf("scale in SIB must be one of 1, 2, 4, 8 but got %d", scale)
		return
	}
	rm.hasSIB = true
	return
}

// modRMInstruction is written in the fixed x86 order: legacy prefix, REX,
// opcode, ModR/M, SIB, displacement and immediate.
type modRMInstruction struct {
	legacyPrefix byte
	rex          rexPrefix
	opcode       []byte
	// reg is the ModR/M:reg field, a register or an opcode extension.
	reg      byte
	rm       rmOperand
	imm      int64
	immWidth byte
	// forceRex emits the REX prefix even if no bit is set, for byte
	// accesses to SPL, BPL, SIL and DIL.
	forceRex bool
}

func (i *modRMInstruction) encode(ctx *emit.Context, insn *lir.Instruction) error {
	buf := ctx.Buf
	if i.legacyPrefix != 0 {
		// https://wiki.osdev.org/X86-64_Instruction_Encoding#Legacy_Prefixes
		buf.AppendByte(i.legacyPrefix)
	}
	rex := i.rex | i.rm.rex
	if rex == rexPrefixNone && i.forceRex {
		rex = rexPrefixDefault
	}
	if rex != rexPrefixNone {
		buf.AppendByte(rex)
	}
	buf.AppendBytes(i.opcode)
	buf.AppendByte(i.rm.modRM | (i.reg&0b111)<<3)
	if i.rm.hasSIB {
		buf.AppendByte(i.rm.sib)
	}
	if i.rm.ripRelative {
		site := buf.CurrentOffset()
		ctx.AddLiteralRef(emit.LiteralRef{
			Insn:  insn,
			Index: i.rm.literalIndex,
			Site:  site,
			// RIP points at the next instruction.
			Base: site + 4 + int(i.immWidth/8),
		})
	}
	if i.rm.dispWidth != 0 {
		writeConst(buf, i.rm.disp, i.rm.dispWidth)
	}
	if i.immWidth != 0 {
		writeConst(buf, i.imm, i.immWidth)
	}
	return nil
}
