package amd64

import (
	"testing"

	"github.com/stretchr/testify/require"
	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/lir"
)

var golangAsmInstructions = map[asm.Instruction]obj.As{
	ADDQ:    x86.AADDQ,
	ANDQ:    x86.AANDQ,
	CMPQ:    x86.ACMPQ,
	IMULQ:   x86.AIMULQ,
	LEAQ:    x86.ALEAQ,
	MOVBQZX: x86.AMOVBQZX,
	MOVL:    x86.AMOVL,
	MOVQ:    x86.AMOVQ,
	ORQ:     x86.AORQ,
	POPQ:    x86.APOPQ,
	PUSHQ:   x86.APUSHQ,
	SHLQ:    x86.ASHLQ,
	SUBQ:    x86.ASUBQ,
	TESTQ:   x86.ATESTQ,
	XORQ:    x86.AXORQ,
}

func golangAsmRegister(r asm.Register) int16 {
	return x86.REG_AX + int16(r-REG_AX)
}

// golangAsmAddr translates an operand into its golang-asm form.
func golangAsmAddr(t *testing.T, o lir.Operand, a *obj.Addr) {
	switch o := o.(type) {
	case *lir.RegisterOperand:
		a.Type = obj.TYPE_REG
		a.Reg = golangAsmRegister(o.Interval.Reg)
	case *lir.ImmediateOperand:
		a.Type = obj.TYPE_CONST
		a.Offset = o.Value
	case *lir.MemBaseOperand:
		a.Type = obj.TYPE_MEM
		a.Reg = golangAsmRegister(o.Base.Reg)
		a.Offset = o.Disp
	case *lir.MemIndexOperand:
		a.Type = obj.TYPE_MEM
		a.Reg = golangAsmRegister(o.Base.Reg)
		a.Index = golangAsmRegister(o.Index.Reg)
		a.Scale = int16(o.Scale)
		a.Offset = o.Disp
	default:
		t.Fatalf("no golang-asm form for %T", o)
	}
}

func golangAsmEncode(t *testing.T, insn *lir.Instruction) []byte {
	b, err := goasm.NewBuilder("amd64", 1024)
	require.NoError(t, err)

	p := b.NewProg()
	as, ok := golangAsmInstructions[insn.Opcode]
	require.True(t, ok)
	p.As = as
	switch len(insn.Operands) {
	case 1:
		if insn.Opcode == POPQ {
			golangAsmAddr(t, insn.Operands[0], &p.To)
		} else {
			golangAsmAddr(t, insn.Operands[0], &p.From)
		}
	case 2:
		golangAsmAddr(t, insn.Operands[0], &p.From)
		golangAsmAddr(t, insn.Operands[1], &p.To)
	}
	b.AddInstruction(p)
	return b.Assemble()
}

// TestBackend_GolangAsmCompatibility checks the encodings against the Go
// assembler for forms both pick identically.
func TestBackend_GolangAsmCompatibility(t *testing.T) {
	regs := []asm.Register{REG_AX, REG_CX, REG_SP, REG_BP, REG_SI, REG_R8, REG_R12, REG_R13, REG_R15}
	var tests []*lir.Instruction
	for _, op := range []asm.Instruction{ADDQ, ANDQ, CMPQ, ORQ, SUBQ, XORQ, MOVQ, TESTQ, IMULQ} {
		for _, src := range regs {
			for _, dst := range regs {
				tests = append(tests, lir.NewInstruction(op, lir.Reg(src), lir.Reg(dst)))
			}
		}
	}
	for _, base := range regs {
		for _, disp := range []int64{0, 8, 127, 128, 0x1000} {
			tests = append(tests,
				lir.NewInstruction(MOVQ, lir.Mem(base, disp), lir.Reg(REG_DX)),
				lir.NewInstruction(MOVQ, lir.Reg(REG_R9), lir.Mem(base, disp)),
				lir.NewInstruction(LEAQ, lir.Mem(base, disp), lir.Reg(REG_DI)),
				lir.NewInstruction(MOVBQZX, lir.Mem(base, disp), lir.Reg(REG_CX)),
			)
			if base != REG_SP {
				for _, scale := range []uint8{1, 2, 4, 8} {
					tests = append(tests, lir.NewInstruction(MOVQ, lir.MemIndex(REG_BX, base, scale, disp), lir.Reg(REG_AX)))
				}
			}
		}
	}
	for _, r := range regs {
		for _, v := range []int64{1, 0x7f, 0x1000, 0x12345678} {
			tests = append(tests,
				lir.NewInstruction(MOVQ, lir.Imm(v), lir.Reg(r)),
				lir.NewInstruction(ADDQ, lir.Imm(v), lir.Reg(r)),
				lir.NewInstruction(SUBQ, lir.Imm(v), lir.Reg(r)),
			)
		}
		tests = append(tests,
			lir.NewInstruction(MOVQ, lir.Imm(0xffffffff), lir.Reg(r)),
			lir.NewInstruction(MOVQ, lir.Imm(0x123456789), lir.Reg(r)),
			lir.NewInstruction(SHLQ, lir.Imm(3), lir.Reg(r)),
			lir.NewInstruction(PUSHQ, lir.Reg(r)),
			lir.NewInstruction(POPQ, lir.Reg(r)),
		)
	}

	for _, insn := range tests {
		insn := insn
		t.Run(insn.Format(InstructionName, RegisterName), func(t *testing.T) {
			expected := golangAsmEncode(t, insn)
			actual, err := encodeOne(t, lir.StackFrame{}, insn)
			require.NoError(t, err)
			require.Equal(t, expected, actual)
		})
	}
}
