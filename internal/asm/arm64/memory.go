package arm64

import (
	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/emit"
	"github.com/jatovm/jato-sub002/internal/lir"
)

var storeOrLoadInstructionTable = map[asm.Instruction]struct {
	size         uint32
	datasizeLog2 uint32
}{
	MOVD: {size: 0b11, datasizeLog2: 3},
	MOVW: {size: 0b10, datasizeLog2: 2},
}

// encodeLoadOrStore writes LDR or STR of rt at the memory operand mem.
func (b *Backend) encodeLoadOrStore(ctx *emit.Context, insn *lir.Instruction, load bool, rt asm.Register, mem lir.Operand) error {
	inst, ok := storeOrLoadInstructionTable[insn.Opcode]
	if !ok {
		return errorEncodingUnsupported(insn)
	}
	rtBits, err := generalRegisterBits(rt)
	if err != nil {
		return err
	}
	var opc uint32
	if load {
		opc = 0b01
	}

	switch m := mem.(type) {
	case *lir.MemBaseOperand:
		base, err := m.Base.Register()
		if err != nil {
			return err
		}
		return b.encodeLoadOrStoreWithConstOffset(ctx, base, rtBits, m.Disp, opc, inst.size, inst.datasizeLog2)
	case *lir.MemLocalOperand:
		disp, err := ctx.Frame.SlotOffset(m.Slot)
		if err != nil {
			return err
		}
		return b.encodeLoadOrStoreWithConstOffset(ctx, REG_FP, rtBits, disp, opc, inst.size, inst.datasizeLog2)
	case *lir.MemIndexOperand:
		base, err := m.Base.Register()
		if err != nil {
			return err
		}
		index, err := m.Index.Register()
		if err != nil {
			return err
		}
		if m.Disp != 0 {
			return asm.Defectf("register offset addressing cannot have a displacement but got %d", m.Disp)
		}
		var s uint32
		switch uint32(m.Scale) {
		case 1:
		case 1 << inst.datasizeLog2:
			s = 1
		default:
			return asm.Defectf("scale must be 1 or %d for %s but got %d", 1<<inst.datasizeLog2, InstructionName(insn.Opcode), m.Scale)
		}
		baseBits, err := spRegisterBits(base)
		if err != nil {
			return err
		}
		indexBits, err := generalRegisterBits(index)
		if err != nil {
			return err
		}
		// See "Load/store register (register offset)" with LSL as the extend.
		// https://developer.arm.com/documentation/ddi0596/2021-12/Index-by-Encoding/Loads-and-Stores?lang=en#ldst_regoff
		ctx.Buf.AppendUint32(inst.size<<30 | 0b111_0_00<<24 | opc<<22 | 1<<21 |
			indexBits<<16 | 0b011<<13 | s<<12 | 0b10<<10 | baseBits<<5 | rtBits)
		return nil
	default:
		return errorEncodingUnsupported(insn)
	}
}

// encodeLoadOrStoreWithConstOffset picks the scaled unsigned imm12 form when
// the offset is aligned and in range, and the unscaled signed imm9 form
// otherwise. Offsets neither form can hold are a defect.
//
// Note: the choice between the two matches the Go assembler.
func (b *Backend) encodeLoadOrStoreWithConstOffset(ctx *emit.Context, base asm.Register, rtBits uint32,
	offset int64, opc, size, datasizeLog2 uint32,
) error {
	baseBits, err := spRegisterBits(base)
	if err != nil {
		return err
	}
	datasize := int64(1) << datasizeLog2

	if asm.FitsSigned(offset, 9) && (offset < 0 || offset%datasize != 0) {
		// See "Load/store register (unscaled immediate)".
		// https://developer.arm.com/documentation/ddi0596/2021-12/Index-by-Encoding/Loads-and-Stores?lang=en#ldst_unscaled
		ctx.Buf.AppendUint32(size<<30 | 0b111_0_00<<24 | opc<<22 |
			(uint32(offset)&(1<<9-1))<<12 | baseBits<<5 | rtBits)
		return nil
	}

	if offset >= 0 && offset%datasize == 0 && offset>>datasizeLog2 < 1<<12 {
		// See "Load/store register (unsigned immediate)".
		// https://developer.arm.com/documentation/ddi0596/2021-12/Index-by-Encoding/Loads-and-Stores?lang=en#ldst_pos
		ctx.Buf.AppendUint32(size<<30 | 0b111_0_01<<24 | opc<<22 |
			uint32(offset>>datasizeLog2)<<10 | baseBits<<5 | rtBits)
		return nil
	}
	return asm.Defectf("memory offset %d is neither a signed 9-bit nor a scaled unsigned 12-bit offset", offset)
}

// encodePair writes the frame push and pop: STP (Rt, Rt2) pre-indexed and
// LDP (Rt, Rt2) post-indexed, both with writeback of the base.
//
//	STP Rt, Rt2, disp(Rn)  is  stp xt, xt2, [xn, #disp]!
//	LDP disp(Rn), Rt, Rt2  is  ldp xt, xt2, [xn], #disp
//
// https://developer.arm.com/documentation/ddi0596/2021-12/Index-by-Encoding/Loads-and-Stores?lang=en#ldstpair_pre
func (b *Backend) encodePair(ctx *emit.Context, insn *lir.Instruction) error {
	if len(insn.Operands) != 3 {
		return errorEncodingUnsupported(insn)
	}
	var memOperand lir.Operand
	var regOperands []lir.Operand
	word := uint32(0xa9800000)
	if insn.Opcode == STP {
		regOperands, memOperand = insn.Operands[:2], insn.Operands[2]
	} else {
		memOperand, regOperands = insn.Operands[0], insn.Operands[1:]
		word = 0xa8c00000
	}
	m, ok := memOperand.(*lir.MemBaseOperand)
	if !ok {
		return errorEncodingUnsupported(insn)
	}
	base, err := m.Base.Register()
	if err != nil {
		return err
	}
	baseBits, err := spRegisterBits(base)
	if err != nil {
		return err
	}
	if m.Disp%8 != 0 || !asm.FitsSigned(m.Disp/8, 7) {
		return asm.Defectf("pair offset must be a multiple of 8 in [-512, 504] but got %d", m.Disp)
	}
	var rtBits [2]uint32
	for i, o := range regOperands {
		r, err := registerOf(insn, o)
		if err != nil {
			return err
		}
		if rtBits[i], err = generalRegisterBits(r); err != nil {
			return err
		}
	}
	ctx.Buf.AppendUint32(word | (uint32(m.Disp/8)&(1<<7-1))<<15 | rtBits[1]<<10 | baseBits<<5 | rtBits[0])
	return nil
}
