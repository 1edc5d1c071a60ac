// Package lir holds the low-level intermediate representation consumed by
// the per-architecture encoders: instructions whose operands are already
// bound to machine registers or stack slots, grouped in basic blocks.
package lir

import (
	"fmt"
	"strings"

	"github.com/jatovm/jato-sub002/internal/asm"
)

// Flags are per instruction bookkeeping bits.
type Flags byte

const (
	// FlagEscaped marks an instruction encoded with the architecture's
	// escape prefix, e.g. the 0x0F of x86 conditional jumps.
	FlagEscaped Flags = 1 << iota
	// FlagSafepoint marks an instruction where the GC may stop the thread.
	FlagSafepoint
	// FlagBytecodeOffsetKnown marks BytecodeOffset as valid.
	FlagBytecodeOffsetKnown
)

// Instruction is one selected and register allocated machine operation.
//
// The machine offset is recorded when the instruction is emitted and may
// only be read once its block is emitted.
type Instruction struct {
	// Opcode is one of the architecture package's instruction constants.
	Opcode         asm.Instruction
	Flags          Flags
	BytecodeOffset uint32
	LIRPosition    int
	Operands       []Operand

	block         *BasicBlock
	machineOffset int
	offsetSet     bool
}

// NewInstruction returns an instruction with the given operands in
// source, destination order.
func NewInstruction(op asm.Instruction, operands ...Operand) *Instruction {
	return &Instruction{Opcode: op, Operands: operands}
}

// Src is the first operand, nil if there is none.
func (i *Instruction) Src() Operand {
	if len(i.Operands) == 0 {
		return nil
	}
	return i.Operands[0]
}

// Dest is the second operand, nil if there is none.
func (i *Instruction) Dest() Operand {
	if len(i.Operands) < 2 {
		return nil
	}
	return i.Operands[1]
}

// Block returns the block holding i, nil before BasicBlock.Add.
func (i *Instruction) Block() *BasicBlock {
	return i.block
}

// SetMachineOffset records the offset of the first byte of i in the output.
// It is called by the emitter right before encoding i.
func (i *Instruction) SetMachineOffset(off int) {
	i.machineOffset = off
	i.offsetSet = true
}

// MachineOffset returns the offset of the first byte of i in the output.
func (i *Instruction) MachineOffset() (int, error) {
	if !i.offsetSet || i.block == nil || !i.block.emitted {
		return 0, asm.Defectf("machine offset of unemitted instruction at lir position %d", i.LIRPosition)
	}
	return i.machineOffset, nil
}

// Is reports whether all of f is set.
func (i *Instruction) Is(f Flags) bool {
	return i.Flags&f == f
}

// Format renders i with the given opcode and register name functions.
func (i *Instruction) Format(opName func(asm.Instruction) string, regName func(asm.Register) string) string {
	var ops []string
	for _, o := range i.Operands {
		ops = append(ops, FormatOperand(o, regName))
	}
	if len(ops) == 0 {
		return opName(i.Opcode)
	}
	return fmt.Sprintf("%s %s", opName(i.Opcode), strings.Join(ops, ", "))
}

func formatInterval(l *LiveInterval, regName func(asm.Register) string) string {
	if l == nil || l.Reg == asm.NilRegister {
		if l == nil {
			return "<nil>"
		}
		return fmt.Sprintf("v%d", l.VReg)
	}
	return regName(l.Reg)
}

// FormatOperand renders o the way the Go assembler orders operands.
func FormatOperand(o Operand, regName func(asm.Register) string) string {
	switch o := o.(type) {
	case *RegisterOperand:
		return formatInterval(o.Interval, regName)
	case *ImmediateOperand:
		return fmt.Sprintf("$%#x", o.Value)
	case *MemBaseOperand:
		return fmt.Sprintf("[%s + %#x]", formatInterval(o.Base, regName), o.Disp)
	case *MemIndexOperand:
		return fmt.Sprintf("[%s + %#x + %s*%d]", formatInterval(o.Base, regName), o.Disp, formatInterval(o.Index, regName), o.Scale)
	case *MemLocalOperand:
		return fmt.Sprintf("local(%d)", o.Slot)
	case *RelOperand:
		return fmt.Sprintf("%#x", o.Target)
	case *CallOperand:
		return o.Callee.CallTargetName()
	case *BranchOperand:
		return fmt.Sprintf("bb%d", o.Target.ID)
	case *LiteralPoolOperand:
		return fmt.Sprintf("=%#x", o.Value)
	case nil:
		return "none"
	default:
		return fmt.Sprintf("unknown(%T)", o)
	}
}
