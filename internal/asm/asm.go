// Package asm holds the architecture-independent pieces of the emission
// core: register and instruction vocabulary, the byte buffer units are
// encoded into, the per-unit literal pool, and the executable code segments
// finished units are published to.
package asm

import (
	"errors"
	"fmt"
)

// Register represents architecture-specific registers.
type Register byte

// NilRegister is the only architecture-independent register, and
// indicates that the register allocator has not assigned a register.
// It must never reach an encoder.
const NilRegister Register = 0

// Instruction represents architecture-specific instructions.
type Instruction byte

var (
	// ErrDefect is the category of failures caused by a bug upstream of or
	// inside the encoder: unassigned registers, operands an instruction
	// template cannot express, or values which do not fit even the widest
	// field. Machine code produced after a defect cannot be trusted.
	ErrDefect = errors.New("emission defect")

	// ErrResourceExhausted is the category of failures which abandon the
	// in-progress compilation unit but leave the process usable.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Defectf returns an error in the ErrDefect category.
func Defectf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDefect, fmt.Sprintf(format, args...))
}

// Exhaustedf returns an error in the ErrResourceExhausted category.
func Exhaustedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrResourceExhausted, fmt.Sprintf(format, args...))
}

// FitsInt8 reports whether v can be encoded as a sign-extended 8-bit value.
func FitsInt8(v int64) bool {
	return v >= -128 && v <= 127
}

// FitsInt32 reports whether v can be encoded as a sign-extended 32-bit value.
func FitsInt32(v int64) bool {
	return v >= -1<<31 && v <= 1<<31-1
}

// FitsUint32 reports whether v can be encoded as a zero-extended 32-bit value.
func FitsUint32(v int64) bool {
	return v >= 0 && v <= 1<<32-1
}

// FitsSigned reports whether v fits a two's complement field of the given bit width.
func FitsSigned(v int64, bits uint) bool {
	min := int64(-1) << (bits - 1)
	return v >= min && v <= -min-1
}
