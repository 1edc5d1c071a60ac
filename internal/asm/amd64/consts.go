package amd64

import (
	"fmt"

	"github.com/jatovm/jato-sub002/internal/asm"
)

// AMD64-specific instructions.
// https://www.felixcloutier.com/x86/index.html
//
// Note: naming convention is the same as the Go assembler: https://go.dev/doc/asm
// Two operand instructions take their operands in source, destination order.
const (
	NONE asm.Instruction = iota
	ADDQ
	ANDQ
	CALL
	CMPQ
	CQO
	DECQ
	IDIVQ
	IMULQ
	INCQ
	JCC
	JCS
	JEQ
	JGE
	JGT
	JHI
	JLE
	JLS
	JLT
	JMP
	JNE
	LEAQ
	MOVB
	MOVBQZX
	MOVL
	MOVLQSX
	MOVQ
	MOVW
	NEGQ
	NOP
	NOTQ
	ORQ
	POPQ
	PUSHQ
	RET
	SARQ
	SHLQ
	SHRQ
	SUBQ
	TESTQ
	UD2
	XORQ

	instructionEnd
)

var instructionNames = [instructionEnd]string{
	NONE:    "NONE",
	ADDQ:    "ADDQ",
	ANDQ:    "ANDQ",
	CALL:    "CALL",
	CMPQ:    "CMPQ",
	CQO:     "CQO",
	DECQ:    "DECQ",
	IDIVQ:   "IDIVQ",
	IMULQ:   "IMULQ",
	INCQ:    "INCQ",
	JCC:     "JCC",
	JCS:     "JCS",
	JEQ:     "JEQ",
	JGE:     "JGE",
	JGT:     "JGT",
	JHI:     "JHI",
	JLE:     "JLE",
	JLS:     "JLS",
	JLT:     "JLT",
	JMP:     "JMP",
	JNE:     "JNE",
	LEAQ:    "LEAQ",
	MOVB:    "MOVB",
	MOVBQZX: "MOVBQZX",
	MOVL:    "MOVL",
	MOVLQSX: "MOVLQSX",
	MOVQ:    "MOVQ",
	MOVW:    "MOVW",
	NEGQ:    "NEGQ",
	NOP:     "NOP",
	NOTQ:    "NOTQ",
	ORQ:     "ORQ",
	POPQ:    "POPQ",
	PUSHQ:   "PUSHQ",
	RET:     "RET",
	SARQ:    "SARQ",
	SHLQ:    "SHLQ",
	SHRQ:    "SHRQ",
	SUBQ:    "SUBQ",
	TESTQ:   "TESTQ",
	UD2:     "UD2",
	XORQ:    "XORQ",
}

// InstructionName returns the name for an instruction
func InstructionName(instruction asm.Instruction) string {
	if instruction < instructionEnd {
		return instructionNames[instruction]
	}
	return fmt.Sprintf("UNKNOWN(%d)", instruction)
}

// AMD64-specific registers.
//
// Note: naming convention is exactly the same as Go assembler: https://go.dev/doc/asm
// Note: only the general purpose registers are defined, floating point values
// are not handled by this backend.
const (
	REG_AX asm.Register = asm.NilRegister + 1 + iota
	REG_CX
	REG_DX
	REG_BX
	REG_SP
	REG_BP
	REG_SI
	REG_DI
	REG_R8
	REG_R9
	REG_R10
	REG_R11
	REG_R12
	REG_R13
	REG_R14
	REG_R15

	registerEnd
)

var registerNames = [registerEnd]string{
	asm.NilRegister: "nil",
	REG_AX:          "AX",
	REG_CX:          "CX",
	REG_DX:          "DX",
	REG_BX:          "BX",
	REG_SP:          "SP",
	REG_BP:          "BP",
	REG_SI:          "SI",
	REG_DI:          "DI",
	REG_R8:          "R8",
	REG_R9:          "R9",
	REG_R10:         "R10",
	REG_R11:         "R11",
	REG_R12:         "R12",
	REG_R13:         "R13",
	REG_R14:         "R14",
	REG_R15:         "R15",
}

// RegisterName returns the name for a register
func RegisterName(reg asm.Register) string {
	if reg < registerEnd {
		return registerNames[reg]
	}
	return fmt.Sprintf("UNKNOWN(%d)", reg)
}

// ArgumentRegisters are the registers the first six integer arguments are
// passed in, in order, following the System V AMD64 calling convention.
var ArgumentRegisters = [...]asm.Register{REG_DI, REG_SI, REG_DX, REG_CX, REG_R8, REG_R9}
