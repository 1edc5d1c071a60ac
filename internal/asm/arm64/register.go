package arm64

import "github.com/jatovm/jato-sub002/internal/asm"

const zeroRegisterBits uint32 = 0b11111

// EncodeRegister returns the five bit register number of r. RSP and ZR
// share number 31, the instruction decides which one it means.
func EncodeRegister(r asm.Register) (uint32, error) {
	switch {
	case r == asm.NilRegister:
		return 0, asm.Defectf("unassigned register")
	case REG_R0 <= r && r <= REG_R30:
		return uint32(r - REG_R0), nil
	case r == REG_RSP, r == REGZERO:
		return zeroRegisterBits, nil
	default:
		return 0, asm.Defectf("invalid register [%s]", RegisterName(r))
	}
}

// generalRegisterBits encodes r where number 31 means the zero register.
func generalRegisterBits(r asm.Register) (uint32, error) {
	if r == REG_RSP {
		return 0, asm.Defectf("RSP cannot be used here, number 31 is the zero register")
	}
	return EncodeRegister(r)
}

// spRegisterBits encodes r where number 31 means the stack pointer.
func spRegisterBits(r asm.Register) (uint32, error) {
	if r == REGZERO {
		return 0, asm.Defectf("ZR cannot be used here, number 31 is the stack pointer")
	}
	return EncodeRegister(r)
}
