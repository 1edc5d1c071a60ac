package arm64

import (
	"fmt"

	"github.com/jatovm/jato-sub002/internal/asm"
)

// Arm64-specific registers.
// https://developer.arm.com/documentation/dui0801/a/Overview-of-AArch64-state/Predeclared-core-register-names-in-AArch64-state
//
// Note: naming convention is exactly the same as Go assembler: https://go.dev/doc/asm
// Register number 31 is either the stack pointer or the zero register
// depending on the instruction, so both are defined.
const (
	REG_R0 asm.Register = asm.NilRegister + 1 + iota
	REG_R1
	REG_R2
	REG_R3
	REG_R4
	REG_R5
	REG_R6
	REG_R7
	REG_R8
	REG_R9
	REG_R10
	REG_R11
	REG_R12
	REG_R13
	REG_R14
	REG_R15
	REG_R16
	REG_R17
	REG_R18
	REG_R19
	REG_R20
	REG_R21
	REG_R22
	REG_R23
	REG_R24
	REG_R25
	REG_R26
	REG_R27
	REG_R28
	REG_R29
	REG_R30
	REG_RSP
	REGZERO

	registerEnd
)

const (
	// REG_FP is the frame pointer.
	REG_FP = REG_R29
	// REG_LR is the link register BL writes the return address to.
	REG_LR = REG_R30
	// REGTMP is the intra-procedure-call scratch register the trampoline
	// branches through.
	REGTMP = REG_R16
)

// RegisterName returns the name for a register
func RegisterName(r asm.Register) string {
	switch {
	case r == asm.NilRegister:
		return "nil"
	case REG_R0 <= r && r <= REG_R30:
		return fmt.Sprintf("R%d", r-REG_R0)
	case r == REG_RSP:
		return "RSP"
	case r == REGZERO:
		return "ZR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", r)
	}
}

// ArgumentRegisters are the registers the first eight integer arguments
// are passed in.
var ArgumentRegisters = [...]asm.Register{REG_R0, REG_R1, REG_R2, REG_R3, REG_R4, REG_R5, REG_R6, REG_R7}

// Arm64-specific instructions.
//
// Note: naming convention is the same as the Go assembler: https://go.dev/doc/asm
// Operands are in source, destination order. Three operand arithmetic
// takes (Rm, Rn, Rd) for Rd = Rn op Rm; with two operands Rn is Rd.
const (
	NONE asm.Instruction = iota
	ADD
	AND
	B
	BCC
	BCS
	BEQ
	BGE
	BGT
	BHI
	BL
	BLE
	BLR
	BLS
	BLT
	BMI
	BNE
	BPL
	BR
	CMP
	EOR
	LDP
	LDR
	MOVD
	MOVK
	MOVW
	MOVZ
	MUL
	NOP
	ORR
	RET
	SDIV
	STP
	SUB

	instructionEnd
)

var instructionNames = [instructionEnd]string{
	NONE: "NONE",
	ADD:  "ADD",
	AND:  "AND",
	B:    "B",
	BCC:  "BCC",
	BCS:  "BCS",
	BEQ:  "BEQ",
	BGE:  "BGE",
	BGT:  "BGT",
	BHI:  "BHI",
	BL:   "BL",
	BLE:  "BLE",
	BLR:  "BLR",
	BLS:  "BLS",
	BLT:  "BLT",
	BMI:  "BMI",
	BNE:  "BNE",
	BPL:  "BPL",
	BR:   "BR",
	CMP:  "CMP",
	EOR:  "EOR",
	LDP:  "LDP",
	LDR:  "LDR",
	MOVD: "MOVD",
	MOVK: "MOVK",
	MOVW: "MOVW",
	MOVZ: "MOVZ",
	MUL:  "MUL",
	NOP:  "NOP",
	ORR:  "ORR",
	RET:  "RET",
	SDIV: "SDIV",
	STP:  "STP",
	SUB:  "SUB",
}

// InstructionName returns the name for an instruction
func InstructionName(instruction asm.Instruction) string {
	if instruction < instructionEnd {
		return instructionNames[instruction]
	}
	return fmt.Sprintf("UNKNOWN(%d)", instruction)
}

// conditionBits are the condition codes of B.cond.
// https://developer.arm.com/documentation/den0024/a/CHDEEABE
var conditionBits = map[asm.Instruction]uint32{
	BEQ: 0b0000,
	BNE: 0b0001,
	BCS: 0b0010,
	BCC: 0b0011,
	BMI: 0b0100,
	BPL: 0b0101,
	BHI: 0b1000,
	BLS: 0b1001,
	BGE: 0b1010,
	BLT: 0b1011,
	BGT: 0b1100,
	BLE: 0b1101,
}
