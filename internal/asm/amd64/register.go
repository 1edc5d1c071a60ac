package amd64

import "github.com/jatovm/jato-sub002/internal/asm"

// rexPrefix represents REX prefix https://wiki.osdev.org/X86-64_Instruction_Encoding#REX_prefix
type rexPrefix = byte

// REX prefixes are independent of each other and can be combined with OR.
const (
	rexPrefixNone    rexPrefix = 0x0000_0000 // Indicates that the instruction doesn't need rexPrefix.
	rexPrefixDefault rexPrefix = 0b0100_0000
	rexPrefixW       rexPrefix = 0b0000_1000 | rexPrefixDefault
	rexPrefixR       rexPrefix = 0b0000_0100 | rexPrefixDefault
	rexPrefixX       rexPrefix = 0b0000_0010 | rexPrefixDefault
	rexPrefixB       rexPrefix = 0b0000_0001 | rexPrefixDefault
)

// registerSpecifierPosition represents the position in the instruction bytes where an operand register is placed.
type registerSpecifierPosition byte

const (
	registerSpecifierPositionModRMFieldReg registerSpecifierPosition = iota
	registerSpecifierPositionModRMFieldRM
	registerSpecifierPositionSIBIndex
)

// registerEncodings holds the low three bits of each register, and whether
// the register needs the REX extension bit.
// https://wiki.osdev.org/X86-64_Instruction_Encoding#Registers
var registerEncodings = [registerEnd]struct {
	bits     byte
	extended bool
	valid    bool
}{
	REG_AX:  {bits: 0b000, valid: true},
	REG_CX:  {bits: 0b001, valid: true},
	REG_DX:  {bits: 0b010, valid: true},
	REG_BX:  {bits: 0b011, valid: true},
	REG_SP:  {bits: 0b100, valid: true},
	REG_BP:  {bits: 0b101, valid: true},
	REG_SI:  {bits: 0b110, valid: true},
	REG_DI:  {bits: 0b111, valid: true},
	REG_R8:  {bits: 0b000, extended: true, valid: true},
	REG_R9:  {bits: 0b001, extended: true, valid: true},
	REG_R10: {bits: 0b010, extended: true, valid: true},
	REG_R11: {bits: 0b011, extended: true, valid: true},
	REG_R12: {bits: 0b100, extended: true, valid: true},
	REG_R13: {bits: 0b101, extended: true, valid: true},
	REG_R14: {bits: 0b110, extended: true, valid: true},
	REG_R15: {bits: 0b111, extended: true, valid: true},
}

// EncodeRegister returns the three bits identifying reg in ModR/M, SIB and
// opcode fields, and whether the REX prefix must extend them.
func EncodeRegister(reg asm.Register) (bits byte, extended bool, err error) {
	if reg == asm.NilRegister {
		return 0, false, asm.Defectf("unassigned register")
	}
	if reg >= registerEnd || !registerEncodings[reg].valid {
		return 0, false, asm.Defectf("invalid register [%s]", RegisterName(reg))
	}
	e := registerEncodings[reg]
	return e.bits, e.extended, nil
}

func register3bits(reg asm.Register, registerSpecifierPosition registerSpecifierPosition) (bits byte, prefix rexPrefix, err error) {
	var extended bool
	bits, extended, err = EncodeRegister(reg)
	if err != nil || !extended {
		return
	}
	// https://wiki.osdev.org/X86-64_Instruction_Encoding#REX_prefix
	switch registerSpecifierPosition {
	case registerSpecifierPositionModRMFieldReg:
		prefix = rexPrefixR
	case registerSpecifierPositionModRMFieldRM:
		prefix = rexPrefixB
	case registerSpecifierPositionSIBIndex:
		prefix = rexPrefixX
	}
	return
}

// needsRexForByteAccess reports whether a byte access to reg needs a REX
// prefix to select SPL, BPL, SIL or DIL instead of AH, CH, DH or BH.
func needsRexForByteAccess(reg asm.Register) bool {
	return reg == REG_SP || reg == REG_BP || reg == REG_SI || reg == REG_DI
}
