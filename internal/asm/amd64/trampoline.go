package amd64

import (
	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/emit"
	"github.com/jatovm/jato-sub002/internal/lir"
)

// EmitTrampoline implements emit.Backend.EmitTrampoline
//
// The stub keeps a BP based frame so stack walkers can unwind through it.
// After pushing BP, the six argument registers are saved which leaves SP
// 16 bytes aligned for the calls the stub makes.
func (b *Backend) EmitTrampoline(ctx *emit.Context, p emit.TrampolineParams) error {
	if p.CompileEntry == 0 || p.GuardSlot == 0 || p.Virtual && p.FixupEntry == 0 {
		return asm.Defectf("trampoline needs entry points: compile=%#x guard=%#x fixup=%#x",
			p.CompileEntry, p.GuardSlot, p.FixupEntry)
	}
	mov := func(src, dst lir.Operand) *lir.Instruction { return lir.NewInstruction(MOVQ, src, dst) }
	one := func(op asm.Instruction, o lir.Operand) *lir.Instruction { return lir.NewInstruction(op, o) }
	reg := lir.Reg
	addr := func(v uintptr) lir.Operand { return lir.Imm(int64(v)) }

	body := []*lir.Instruction{
		one(PUSHQ, reg(REG_BP)),
		mov(reg(REG_SP), reg(REG_BP)),
	}
	for _, r := range ArgumentRegisters {
		body = append(body, one(PUSHQ, reg(r)))
	}
	body = append(body,
		mov(addr(p.Cookie), reg(REG_DI)),
		mov(addr(p.CompileEntry), reg(REG_R11)),
		one(CALL, reg(REG_R11)),
		// Reading through the guard slot faults when an exception is pending.
		mov(addr(p.GuardSlot), reg(REG_R11)),
		mov(lir.Mem(REG_R11, 0), reg(REG_R11)),
		lir.NewInstruction(TESTQ, reg(REG_R11), lir.Mem(REG_R11, 0)),
	)
	if p.Virtual {
		// The receiver is the first argument, saved right below BP.
		body = append(body,
			one(PUSHQ, reg(REG_AX)),
			lir.NewInstruction(SUBQ, lir.Imm(8), reg(REG_SP)),
			mov(reg(REG_AX), reg(REG_DX)),
			mov(lir.Mem(REG_BP, -8), reg(REG_SI)),
			mov(addr(p.Cookie), reg(REG_DI)),
			mov(addr(p.FixupEntry), reg(REG_R11)),
			one(CALL, reg(REG_R11)),
			lir.NewInstruction(ADDQ, lir.Imm(8), reg(REG_SP)),
			one(POPQ, reg(REG_AX)),
		)
	}
	for i := len(ArgumentRegisters) - 1; i >= 0; i-- {
		body = append(body, one(POPQ, reg(ArgumentRegisters[i])))
	}
	body = append(body,
		one(POPQ, reg(REG_BP)),
		one(JMP, reg(REG_AX)),
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
