package arm64

import (
	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/emit"
	"github.com/jatovm/jato-sub002/internal/lir"
)

// EmitTrampoline implements emit.Backend.EmitTrampoline
//
// Addresses are loaded from the literal pool placed after the stub. The
// frame record and the eight argument registers are saved in pairs, so SP
// stays 16 bytes aligned.
func (b *Backend) EmitTrampoline(ctx *emit.Context, p emit.TrampolineParams) error {
	if p.CompileEntry == 0 || p.GuardSlot == 0 || p.Virtual && p.FixupEntry == 0 {
		return asm.Defectf("trampoline needs entry points: compile=%#x guard=%#x fixup=%#x",
			p.CompileEntry, p.GuardSlot, p.FixupEntry)
	}
	reg := lir.Reg
	lit := func(v uintptr) lir.Operand { return &lir.LiteralPoolOperand{Value: uint64(v)} }
	push := func(r1, r2 asm.Register) *lir.Instruction {
		return lir.NewInstruction(STP, reg(r1), reg(r2), lir.Mem(REG_RSP, -16))
	}
	pop := func(r1, r2 asm.Register) *lir.Instruction {
		return lir.NewInstruction(LDP, lir.Mem(REG_RSP, 16), reg(r1), reg(r2))
	}

	body := []*lir.Instruction{
		push(REG_FP, REG_LR),
		lir.NewInstruction(MOVD, reg(REG_RSP), reg(REG_FP)),
	}
	for i := 0; i < len(ArgumentRegisters); i += 2 {
		body = append(body, push(ArgumentRegisters[i], ArgumentRegisters[i+1]))
	}
	body = append(body,
		lir.NewInstruction(LDR, lit(p.Cookie), reg(REG_R0)),
		lir.NewInstruction(LDR, lit(p.CompileEntry), reg(REGTMP)),
		lir.NewInstruction(BLR, reg(REGTMP)),
		// Reading through the guard slot faults when an exception is pending.
		lir.NewInstruction(LDR, lit(p.GuardSlot), reg(REG_R16)),
		lir.NewInstruction(MOVD, lir.Mem(REG_R16, 0), reg(REG_R16)),
		lir.NewInstruction(MOVD, lir.Mem(REG_R16, 0), reg(REG_R17)),
	)
	if p.Virtual {
		// The receiver is the first argument, saved right below the frame record.
		body = append(body,
			push(REG_R0, REGZERO),
			lir.NewInstruction(MOVD, reg(REG_R0), reg(REG_R2)),
			lir.NewInstruction(MOVD, lir.Mem(REG_FP, -16), reg(REG_R1)),
			lir.NewInstruction(LDR, lit(p.Cookie), reg(REG_R0)),
			lir.NewInstruction(LDR, lit(p.FixupEntry), reg(REGTMP)),
			lir.NewInstruction(BLR, reg(REGTMP)),
			pop(REG_R0, REGZERO),
		)
	}
	body = append(body, lir.NewInstruction(MOVD, reg(REG_R0), reg(REGTMP)))
	for i := len(ArgumentRegisters) - 2; i >= 0; i -= 2 {
		body = append(body, pop(ArgumentRegisters[i], ArgumentRegisters[i+1]))
	}
	body = append(body,
		pop(REG_FP, REG_LR),
		lir.NewInstruction(BR, reg(REGTMP)),
	)

	bb := lir.NewBasicBlock(0)
	if _, err := bb.MarkEmitted(ctx.Buf.CurrentOffset()); err != nil {
		return err
	}
	bb.Add(body...)
	for _, insn := range body {
		insn.SetMachineOffset(ctx.Buf.CurrentOffset())
		if err := b.Encode(ctx, insn); err != nil {
			return err
		}
	}
	return nil
}
