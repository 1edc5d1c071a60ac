package amd64

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/emit"
	"github.com/jatovm/jato-sub002/internal/lir"
)

// encodeOne encodes insn alone in a fresh unit and returns the bytes.
func encodeOne(t *testing.T, frame lir.StackFrame, insn *lir.Instruction) ([]byte, error) {
	unit := lir.NewCompilationUnit("test", 0, 0)
	unit.Frame = frame
	unit.NewBlock().Add(insn)
	res, err := emit.Emit(NewBackend(), unit)
	if err != nil {
		return nil, err
	}
	return res.Code, nil
}

func mustHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

type encodingCase struct {
	name string
	insn *lir.Instruction
	exp  string
	op   x86asm.Op
}

func i(op asm.Instruction, operands ...lir.Operand) *lir.Instruction {
	return lir.NewInstruction(op, operands...)
}

var (
	reg   = lir.Reg
	imm   = lir.Imm
	mem   = lir.Mem
	index = lir.MemIndex
)

var encodingCases = []encodingCase{
	// Immediate to register picks the narrowest MOV.
	{name: "MOVQ $0x12345678, AX", insn: i(MOVQ, imm(0x12345678), reg(REG_AX)), exp: "48c7c078563412", op: x86asm.MOV},
	{name: "MOVQ $-1, CX", insn: i(MOVQ, imm(-1), reg(REG_CX)), exp: "48c7c1ffffffff", op: x86asm.MOV},
	{name: "MOVQ $0xffffffff, AX", insn: i(MOVQ, imm(0xffffffff), reg(REG_AX)), exp: "b8ffffffff", op: x86asm.MOV},
	{name: "MOVQ $0xffffffff, R8", insn: i(MOVQ, imm(0xffffffff), reg(REG_R8)), exp: "41b8ffffffff", op: x86asm.MOV},
	{name: "MOVQ $0x123456789, AX", insn: i(MOVQ, imm(0x123456789), reg(REG_AX)), exp: "48b88967452301000000", op: x86asm.MOV},
	{name: "MOVQ $0x123456789, R15", insn: i(MOVQ, imm(0x123456789), reg(REG_R15)), exp: "49bf8967452301000000", op: x86asm.MOV},
	{name: "MOVL $1, DX", insn: i(MOVL, imm(1), reg(REG_DX)), exp: "ba01000000", op: x86asm.MOV},

	// Register to register.
	{name: "MOVQ AX, BX", insn: i(MOVQ, reg(REG_AX), reg(REG_BX)), exp: "4889c3", op: x86asm.MOV},
	{name: "ADDQ AX, BX", insn: i(ADDQ, reg(REG_AX), reg(REG_BX)), exp: "4801c3", op: x86asm.ADD},
	{name: "ADDQ R8, R15", insn: i(ADDQ, reg(REG_R8), reg(REG_R15)), exp: "4d01c7", op: x86asm.ADD},
	{name: "XORQ AX, AX", insn: i(XORQ, reg(REG_AX), reg(REG_AX)), exp: "4831c0", op: x86asm.XOR},
	{name: "CMPQ AX, BX", insn: i(CMPQ, reg(REG_AX), reg(REG_BX)), exp: "4839d8", op: x86asm.CMP},
	{name: "TESTQ AX, AX", insn: i(TESTQ, reg(REG_AX), reg(REG_AX)), exp: "4885c0", op: x86asm.TEST},
	{name: "IMULQ CX, AX", insn: i(IMULQ, reg(REG_CX), reg(REG_AX)), exp: "480fafc1", op: x86asm.IMUL},
	{name: "MOVLQSX AX, CX", insn: i(MOVLQSX, reg(REG_AX), reg(REG_CX)), exp: "4863c8", op: x86asm.MOVSXD},

	// Immediate to register arithmetic.
	{name: "ADDQ $1, AX", insn: i(ADDQ, imm(1), reg(REG_AX)), exp: "4883c001", op: x86asm.ADD},
	{name: "ADDQ $0x1000, AX", insn: i(ADDQ, imm(0x1000), reg(REG_AX)), exp: "480500100000", op: x86asm.ADD},
	{name: "ADDQ $0x1000, CX", insn: i(ADDQ, imm(0x1000), reg(REG_CX)), exp: "4881c100100000", op: x86asm.ADD},
	{name: "ADDQ $-128, R9", insn: i(ADDQ, imm(-128), reg(REG_R9)), exp: "4983c180", op: x86asm.ADD},
	{name: "SUBQ $8, SP", insn: i(SUBQ, imm(8), reg(REG_SP)), exp: "4883ec08", op: x86asm.SUB},
	{name: "ANDQ $0xff, DX", insn: i(ANDQ, imm(0xff), reg(REG_DX)), exp: "4881e2ff000000", op: x86asm.AND},
	{name: "CMPQ AX, $5", insn: i(CMPQ, reg(REG_AX), imm(5)), exp: "4883f805", op: x86asm.CMP},
	{name: "TESTQ $1, AX", insn: i(TESTQ, imm(1), reg(REG_AX)), exp: "48a901000000", op: x86asm.TEST},
	{name: "TESTQ $1, CX", insn: i(TESTQ, imm(1), reg(REG_CX)), exp: "48f7c101000000", op: x86asm.TEST},
	{name: "IMULQ $10, AX", insn: i(IMULQ, imm(10), reg(REG_AX)), exp: "486bc00a", op: x86asm.IMUL},
	{name: "IMULQ $1000, R9", insn: i(IMULQ, imm(1000), reg(REG_R9)), exp: "4d69c9e8030000", op: x86asm.IMUL},
	{name: "SHLQ $1, AX", insn: i(SHLQ, imm(1), reg(REG_AX)), exp: "48d1e0", op: x86asm.SHL},
	{name: "SHLQ $3, AX", insn: i(SHLQ, imm(3), reg(REG_AX)), exp: "48c1e003", op: x86asm.SHL},
	{name: "SHRQ $4, R10", insn: i(SHRQ, imm(4), reg(REG_R10)), exp: "49c1ea04", op: x86asm.SHR},
	{name: "SARQ CX, DX", insn: i(SARQ, reg(REG_CX), reg(REG_DX)), exp: "48d3fa", op: x86asm.SAR},

	// Memory operands.
	{name: "MOVQ (BX), AX", insn: i(MOVQ, mem(REG_BX, 0), reg(REG_AX)), exp: "488b03", op: x86asm.MOV},
	{name: "MOVQ 8(SP), AX", insn: i(MOVQ, mem(REG_SP, 8), reg(REG_AX)), exp: "488b442408", op: x86asm.MOV},
	{name: "MOVQ (SP), AX", insn: i(MOVQ, mem(REG_SP, 0), reg(REG_AX)), exp: "488b0424", op: x86asm.MOV},
	{name: "MOVQ (BP), AX", insn: i(MOVQ, mem(REG_BP, 0), reg(REG_AX)), exp: "488b4500", op: x86asm.MOV},
	{name: "MOVQ (R13), AX", insn: i(MOVQ, mem(REG_R13, 0), reg(REG_AX)), exp: "498b4500", op: x86asm.MOV},
	{name: "MOVQ (R12), AX", insn: i(MOVQ, mem(REG_R12, 0), reg(REG_AX)), exp: "498b0424", op: x86asm.MOV},
	{name: "MOVQ 127(BX), AX", insn: i(MOVQ, mem(REG_BX, 127), reg(REG_AX)), exp: "488b437f", op: x86asm.MOV},
	{name: "MOVQ 128(BX), AX", insn: i(MOVQ, mem(REG_BX, 128), reg(REG_AX)), exp: "488b8380000000", op: x86asm.MOV},
	{name: "MOVQ -128(BX), AX", insn: i(MOVQ, mem(REG_BX, -128), reg(REG_AX)), exp: "488b4380", op: x86asm.MOV},
	{name: "MOVQ -129(BX), AX", insn: i(MOVQ, mem(REG_BX, -129), reg(REG_AX)), exp: "488b837fffffff", op: x86asm.MOV},
	{name: "MOVQ AX, 16(R14)", insn: i(MOVQ, reg(REG_AX), mem(REG_R14, 16)), exp: "49894610", op: x86asm.MOV},
	{name: "MOVQ (BX)(CX*8), DX", insn: i(MOVQ, index(REG_BX, REG_CX, 8, 0), reg(REG_DX)), exp: "488b14cb", op: x86asm.MOV},
	{name: "MOVQ 16(R8)(R9*4), AX", insn: i(MOVQ, index(REG_R8, REG_R9, 4, 16), reg(REG_AX)), exp: "4b8b448810", op: x86asm.MOV},
	{name: "MOVQ (BP)(AX*1), CX", insn: i(MOVQ, index(REG_BP, REG_AX, 1, 0), reg(REG_CX)), exp: "488b4c0500", op: x86asm.MOV},
	{name: "MOVQ local(1), AX", insn: i(MOVQ, &lir.MemLocalOperand{Slot: 1}, reg(REG_AX)), exp: "488b45f8", op: x86asm.MOV},
	{name: "MOVQ local(0), AX", insn: i(MOVQ, &lir.MemLocalOperand{Slot: 0}, reg(REG_AX)), exp: "488b4510", op: x86asm.MOV},
	{name: "MOVB SI, (DI)", insn: i(MOVB, reg(REG_SI), mem(REG_DI, 0)), exp: "408837", op: x86asm.MOV},
	{name: "MOVB AX, (DI)", insn: i(MOVB, reg(REG_AX), mem(REG_DI, 0)), exp: "8807", op: x86asm.MOV},
	{name: "MOVB $1, (AX)", insn: i(MOVB, imm(1), mem(REG_AX, 0)), exp: "c60001", op: x86asm.MOV},
	{name: "MOVW $1, (AX)", insn: i(MOVW, imm(1), mem(REG_AX, 0)), exp: "66c7000100", op: x86asm.MOV},
	{name: "MOVW AX, 2(BX)", insn: i(MOVW, reg(REG_AX), mem(REG_BX, 2)), exp: "66894302", op: x86asm.MOV},
	{name: "MOVL $1, (AX)", insn: i(MOVL, imm(1), mem(REG_AX, 0)), exp: "c70001000000", op: x86asm.MOV},
	{name: "MOVQ $1, 8(AX)", insn: i(MOVQ, imm(1), mem(REG_AX, 8)), exp: "48c7400801000000", op: x86asm.MOV},
	{name: "LEAQ 8(SP), DI", insn: i(LEAQ, mem(REG_SP, 8), reg(REG_DI)), exp: "488d7c2408", op: x86asm.LEA},
	{name: "MOVBQZX (AX), CX", insn: i(MOVBQZX, mem(REG_AX, 0), reg(REG_CX)), exp: "480fb608", op: x86asm.MOVZX},
	{name: "ORQ 8(BX), AX", insn: i(ORQ, mem(REG_BX, 8), reg(REG_AX)), exp: "480b4308", op: x86asm.OR},
	{name: "ADDQ AX, 8(BX)", insn: i(ADDQ, reg(REG_AX), mem(REG_BX, 8)), exp: "48014308", op: x86asm.ADD},
	{name: "ADDQ $1, 8(BX)", insn: i(ADDQ, imm(1), mem(REG_BX, 8)), exp: "4883430801", op: x86asm.ADD},
	{name: "CMPQ AX, (BX)", insn: i(CMPQ, reg(REG_AX), mem(REG_BX, 0)), exp: "483b03", op: x86asm.CMP},
	{name: "CMPQ (BX), AX", insn: i(CMPQ, mem(REG_BX, 0), reg(REG_AX)), exp: "483903", op: x86asm.CMP},
	{name: "TESTQ R11, (R11)", insn: i(TESTQ, reg(REG_R11), mem(REG_R11, 0)), exp: "4d851b", op: x86asm.TEST},

	// Single operand.
	{name: "PUSHQ BP", insn: i(PUSHQ, reg(REG_BP)), exp: "55", op: x86asm.PUSH},
	{name: "PUSHQ R12", insn: i(PUSHQ, reg(REG_R12)), exp: "4154", op: x86asm.PUSH},
	{name: "POPQ R15", insn: i(POPQ, reg(REG_R15)), exp: "415f", op: x86asm.POP},
	{name: "PUSHQ $1", insn: i(PUSHQ, imm(1)), exp: "6a01", op: x86asm.PUSH},
	{name: "PUSHQ $0x1000", insn: i(PUSHQ, imm(0x1000)), exp: "6800100000", op: x86asm.PUSH},
	{name: "PUSHQ 8(AX)", insn: i(PUSHQ, mem(REG_AX, 8)), exp: "ff7008", op: x86asm.PUSH},
	{name: "INCQ AX", insn: i(INCQ, reg(REG_AX)), exp: "48ffc0", op: x86asm.INC},
	{name: "DECQ 8(BX)", insn: i(DECQ, mem(REG_BX, 8)), exp: "48ff4b08", op: x86asm.DEC},
	{name: "NEGQ CX", insn: i(NEGQ, reg(REG_CX)), exp: "48f7d9", op: x86asm.NEG},
	{name: "NOTQ CX", insn: i(NOTQ, reg(REG_CX)), exp: "48f7d1", op: x86asm.NOT},
	{name: "IDIVQ CX", insn: i(IDIVQ, reg(REG_CX)), exp: "48f7f9", op: x86asm.IDIV},
	{name: "JMP AX", insn: i(JMP, reg(REG_AX)), exp: "ffe0", op: x86asm.JMP},
	{name: "JMP 8(AX)", insn: i(JMP, mem(REG_AX, 8)), exp: "ff6008", op: x86asm.JMP},
	{name: "CALL R11", insn: i(CALL, reg(REG_R11)), exp: "41ffd3", op: x86asm.CALL},

	// No operand.
	{name: "RET", insn: i(RET), exp: "c3", op: x86asm.RET},
	{name: "NOP", insn: i(NOP), exp: "90", op: x86asm.NOP},
	{name: "UD2", insn: i(UD2), exp: "0f0b", op: x86asm.UD2},
	{name: "CQO", insn: i(CQO), exp: "4899", op: x86asm.CQO},
}

func TestBackend_Encode(t *testing.T) {
	frame := lir.StackFrame{NrArgs: 1, NrLocals: 2}
	for _, tc := range encodingCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			actual, err := encodeOne(t, frame, tc.insn)
			require.NoError(t, err)
			require.Equal(t, mustHex(t, tc.exp), actual)
		})
	}
}

// TestBackend_Encode_RoundTrip decodes every encoding with an independent
// decoder, which must consume exactly the emitted bytes.
func TestBackend_Encode_RoundTrip(t *testing.T) {
	for _, tc := range encodingCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			code := mustHex(t, tc.exp)
			inst, err := x86asm.Decode(code, 64)
			require.NoError(t, err)
			require.Equal(t, tc.op, inst.Op)
			require.Equal(t, len(code), inst.Len)
		})
	}
}

func TestBackend_Encode_RoundTripOperands(t *testing.T) {
	tests := []struct {
		insn     *lir.Instruction
		expected x86asm.Args
	}{
		{
			insn:     i(MOVQ, imm(0x12345678), reg(REG_AX)),
			expected: x86asm.Args{x86asm.RAX, x86asm.Imm(0x12345678)},
		},
		{
			insn:     i(ADDQ, reg(REG_R8), reg(REG_R15)),
			expected: x86asm.Args{x86asm.R15, x86asm.R8},
		},
		{
			insn:     i(MOVQ, index(REG_R8, REG_R9, 4, 16), reg(REG_AX)),
			expected: x86asm.Args{x86asm.RAX, x86asm.Mem{Base: x86asm.R8, Index: x86asm.R9, Scale: 4, Disp: 16}},
		},
		{
			insn:     i(MOVQ, imm(0x123456789), reg(REG_R15)),
			expected: x86asm.Args{x86asm.R15, x86asm.Imm(0x123456789)},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.insn.Format(InstructionName, RegisterName), func(t *testing.T) {
			code, err := encodeOne(t, lir.StackFrame{}, tc.insn)
			require.NoError(t, err)
			inst, err := x86asm.Decode(code, 64)
			require.NoError(t, err)
			for j, arg := range tc.expected {
				require.Equal(t, arg, inst.Args[j])
			}
		})
	}
}

// TestBackend_DisplacementMinimality checks every displacement around the
// disp8 boundary picks the narrowest encoding.
func TestBackend_DisplacementMinimality(t *testing.T) {
	for _, base := range []asm.Register{REG_AX, REG_SP, REG_BP, REG_R12, REG_R13} {
		for disp := int64(-300); disp <= 300; disp++ {
			code, err := encodeOne(t, lir.StackFrame{}, i(MOVQ, mem(base, disp), reg(REG_CX)))
			require.NoError(t, err)

			width := 4
			if asm.FitsInt8(disp) {
				width = 1
			}
			if disp == 0 && base != REG_BP && base != REG_R13 {
				width = 0
			}
			sib := 0
			if base == REG_SP || base == REG_R12 {
				sib = 1
			}
			// REX, opcode, ModR/M, SIB and displacement.
			require.Equal(t, 3+sib+width, len(code), "%s%+d", RegisterName(base), disp)

			inst, err := x86asm.Decode(code, 64)
			require.NoError(t, err)
			m := inst.Args[1].(x86asm.Mem)
			// x86asm zero-extends disp32.
			require.Equal(t, disp, int64(int32(m.Disp)))
		}
	}
}

func TestBackend_ImmediateMinimality(t *testing.T) {
	for v := int64(-200); v <= 200; v++ {
		code, err := encodeOne(t, lir.StackFrame{}, i(ADDQ, imm(v), reg(REG_CX)))
		require.NoError(t, err)
		if asm.FitsInt8(v) {
			require.Equal(t, byte(0x83), code[1])
			require.Len(t, code, 4)
		} else {
			require.Equal(t, byte(0x81), code[1])
			require.Len(t, code, 7)
		}
		inst, err := x86asm.Decode(code, 64)
		require.NoError(t, err)
		require.Equal(t, len(code), inst.Len)
	}
}

func TestBackend_Encode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		insn   *lir.Instruction
		expErr string
	}{
		{
			name:   "unassigned register",
			insn:   i(MOVQ, &lir.RegisterOperand{Interval: &lir.LiveInterval{VReg: 3}}, reg(REG_AX)),
			expErr: "emission defect: virtual register 3 reached the encoder unassigned",
		},
		{
			name:   "register out of the table",
			insn:   i(MOVQ, reg(200), reg(REG_AX)),
			expErr: "emission defect: invalid register [UNKNOWN(200)]",
		},
		{
			name:   "memory to memory",
			insn:   i(MOVQ, mem(REG_AX, 0), mem(REG_BX, 0)),
			expErr: "emission defect: MOVQ is unsupported for membase:membase type",
		},
		{
			name:   "SP as index",
			insn:   i(MOVQ, index(REG_AX, REG_SP, 1, 0), reg(REG_AX)),
			expErr: "emission defect: SP cannot be used for SIB index",
		},
		{
			name:   "invalid scale",
			insn:   i(MOVQ, index(REG_AX, REG_BX, 3, 0), reg(REG_AX)),
			expErr: "emission defect: scale in SIB must be one of 1, 2, 4, 8 but got 3",
		},
		{
			name:   "displacement too wide",
			insn:   i(MOVQ, mem(REG_AX, 1<<31), reg(REG_AX)),
			expErr: "emission defect: offset 0x80000000 does not fit in 32-bit integer",
		},
		{
			name:   "immediate too wide",
			insn:   i(ADDQ, imm(1<<32), reg(REG_AX)),
			expErr: "emission defect: constant must fit in 32-bit integer for ADDQ, but got 0x100000000",
		},
		{
			name:   "immediate too wide for memory",
			insn:   i(MOVQ, imm(1<<32), mem(REG_AX, 0)),
			expErr: "emission defect: constant must fit in 32-bit integer for MOVQ to memory, but got 0x100000000",
		},
		{
			name:   "shift by other than CX",
			insn:   i(SHLQ, reg(REG_DX), reg(REG_AX)),
			expErr: "emission defect: shifting instruction SHLQ require CX register as src but got DX",
		},
		{
			name:   "LEAQ of a register",
			insn:   i(LEAQ, reg(REG_AX), reg(REG_BX)),
			expErr: "emission defect: LEAQ is unsupported for register:register type",
		},
		{
			name:   "displacement on RET",
			insn:   i(RET, mem(REG_AX, 8)),
			expErr: "emission defect: RET is unsupported for membase:none type",
		},
		{
			name:   "too many operands",
			insn:   i(ADDQ, reg(REG_AX), reg(REG_BX), reg(REG_CX)),
			expErr: "emission defect: ADDQ takes at most 2 operands but got 3",
		},
		{
			name:   "stack slot outside the frame",
			insn:   i(MOVQ, &lir.MemLocalOperand{Slot: 9}, reg(REG_AX)),
			expErr: "emission defect: stack slot 9 outside a frame of 0 arguments and 0 locals",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := emit.NewContext(lir.NewCompilationUnit("test", 0, 0))
			lir.NewBasicBlock(0).Add(tc.insn)
			err := NewBackend().Encode(ctx, tc.insn)
			require.EqualError(t, err, tc.expErr)
			require.True(t, errors.Is(err, asm.ErrDefect))
		})
	}
}

func TestEncodeRegister(t *testing.T) {
	bits, extended, err := EncodeRegister(REG_R13)
	require.NoError(t, err)
	require.Equal(t, byte(0b101), bits)
	require.True(t, extended)

	bits, extended, err = EncodeRegister(REG_SP)
	require.NoError(t, err)
	require.Equal(t, byte(0b100), bits)
	require.False(t, extended)

	_, _, err = EncodeRegister(asm.NilRegister)
	require.EqualError(t, err, "emission defect: unassigned register")
	_, _, err = EncodeRegister(registerEnd)
	require.True(t, errors.Is(err, asm.ErrDefect))
}

func TestInstruction_Format(t *testing.T) {
	insn := i(MOVQ, reg(REG_DX), mem(REG_R14, 0x64))
	require.Equal(t, "MOVQ DX, [R14 + 0x64]", insn.Format(InstructionName, RegisterName))
}

func TestBackend_Backpatch(t *testing.T) {
	unit := lir.NewCompilationUnit("Test.loop()V", 0, 0)
	a, b := unit.NewBlock(), unit.NewBlock()
	jeq := i(JEQ, &lir.BranchOperand{Target: b})
	a.Add(jeq, i(NOP), i(NOP))
	jmp := i(JMP, &lir.BranchOperand{Target: a})
	b.Add(jmp, i(RET))

	res, err := emit.Emit(NewBackend(), unit)
	require.NoError(t, err)
	// a: 0 JEQ b (6 bytes), 6 NOP, 7 NOP; b: 8 JMP a (5 bytes), 13 RET.
	require.Equal(t, mustHex(t, "0f840200000090"+"90e9f3ffffffc3"), res.Code)
	require.True(t, jeq.Is(lir.FlagEscaped))
	require.False(t, jmp.Is(lir.FlagEscaped))

	// The forward displacement decodes to the block's offset.
	inst, err := x86asm.Decode(res.Code, 64)
	require.NoError(t, err)
	require.Equal(t, x86asm.Rel(2), inst.Args[0])
}

func TestBackend_PatchBranch_Unemitted(t *testing.T) {
	insn := i(JMP, &lir.BranchOperand{Target: lir.NewBasicBlock(1)})
	buf := asm.NewBuffer(64)
	buf.AppendBytes(make([]byte, 8))
	err := NewBackend().PatchBranch(buf, insn, 0)
	require.EqualError(t, err, "emission defect: machine offset of unemitted instruction at lir position 0")
	require.Equal(t, make([]byte, 8), buf.Bytes())
}

func TestBackend_Backpatch_AllConditions(t *testing.T) {
	for _, op := range []asm.Instruction{JCC, JCS, JEQ, JGE, JGT, JHI, JLE, JLS, JLT, JNE} {
		op := op
		t.Run(InstructionName(op), func(t *testing.T) {
			unit := lir.NewCompilationUnit("test", 0, 0)
			a, b := unit.NewBlock(), unit.NewBlock()
			a.Add(i(op, &lir.BranchOperand{Target: b}))
			for j := 0; j < 200; j++ {
				a.Add(i(NOP))
			}
			b.Add(i(op, &lir.BranchOperand{Target: a}))

			res, err := emit.Emit(NewBackend(), unit)
			require.NoError(t, err)
			forward := int32(binary.LittleEndian.Uint32(res.Code[2:]))
			backward := int32(binary.LittleEndian.Uint32(res.Code[208:]))
			require.Equal(t, int32(200), forward)
			require.Equal(t, int32(-212), backward)

			inst, err := x86asm.Decode(res.Code[206:], 64)
			require.NoError(t, err)
			require.Equal(t, 6, inst.Len)
		})
	}
}

func TestBackend_LiteralPool(t *testing.T) {
	unit := lir.NewCompilationUnit("test", 0, 0)
	unit.NewBlock().Add(
		i(MOVQ, &lir.LiteralPoolOperand{Value: 0xdeadbeefcafe}, reg(REG_AX)),
		i(ADDQ, &lir.LiteralPoolOperand{Value: 0xdeadbeefcafe}, reg(REG_R9)),
	)
	res, err := emit.Emit(NewBackend(), unit)
	require.NoError(t, err)

	// Both instructions are 7 bytes, padded to 16 before the single entry.
	require.Equal(t, 16, res.PoolOffset)
	require.Equal(t, mustHex(t, "488b0509000000"+"4c030d02000000"+"cccc"+"fecaefbeadde0000"), res.Code)

	inst, err := x86asm.Decode(res.Code, 64)
	require.NoError(t, err)
	require.Equal(t, x86asm.Mem{Base: x86asm.RIP, Disp: 9}, inst.Args[1])
}

func TestBackend_CallSites(t *testing.T) {
	unit := lir.NewCompilationUnit("test", 0, 0)
	unit.NewBlock().Add(
		i(NOP),
		i(CALL, &lir.RelOperand{Target: 0x1000}),
	)
	res, err := emit.Emit(NewBackend(), unit)
	require.NoError(t, err)
	require.Equal(t, []emit.CallSite{{Offset: 1, Target: 0x1000}}, res.CallSites)
	require.Equal(t, mustHex(t, "90e800000000"), res.Code)

	seg := asm.NewCodeSegment(make([]byte, 64))
	h, err := seg.Publish(res.Code)
	require.NoError(t, err)

	b := NewBackend()
	target := h.Addr() + 0x40
	require.NoError(t, b.PatchCallSite(h, 1, target))
	inst, err := x86asm.Decode(h.Bytes()[1:], 64)
	require.NoError(t, err)
	require.Equal(t, x86asm.CALL, inst.Op)
	require.Equal(t, x86asm.Rel(0x40-6), inst.Args[0])

	require.True(t, errors.Is(b.PatchCallSite(h, 0, target), asm.ErrDefect))
	require.True(t, errors.Is(b.PatchCallSite(h, 1, h.Addr()+1<<40), asm.ErrDefect))
}
