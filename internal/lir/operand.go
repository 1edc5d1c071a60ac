package lir

import (
	"fmt"

	"github.com/jatovm/jato-sub002/internal/asm"
)

// OperandType tags the variant of an Operand.
type OperandType byte

const (
	OperandTypeNone OperandType = iota
	OperandTypeRegister
	OperandTypeImmediate
	OperandTypeMemBase
	OperandTypeMemIndex
	OperandTypeMemLocal
	OperandTypeRel
	OperandTypeCall
	OperandTypeBranch
	OperandTypeLiteralPool
)

// String implements fmt.Stringer.
func (o OperandType) String() (ret string) {
	switch o {
	case OperandTypeNone:
		ret = "none"
	case OperandTypeRegister:
		ret = "register"
	case OperandTypeImmediate:
		ret = "immediate"
	case OperandTypeMemBase:
		ret = "membase"
	case OperandTypeMemIndex:
		ret = "memindex"
	case OperandTypeMemLocal:
		ret = "memlocal"
	case OperandTypeRel:
		ret = "rel"
	case OperandTypeCall:
		ret = "call"
	case OperandTypeBranch:
		ret = "branch"
	case OperandTypeLiteralPool:
		ret = "literal-pool"
	default:
		ret = fmt.Sprintf("unknown(%d)", byte(o))
	}
	return
}

// Operand is one operand of an Instruction. The set of implementations is
// closed: the concrete type is fully determined by Type.
type Operand interface {
	Type() OperandType
	operand()
}

// LiveInterval is the register allocator's result for one virtual register.
// Reg is asm.NilRegister until a register is assigned.
type LiveInterval struct {
	VReg int
	Reg  asm.Register
}

// Fixed returns an interval pre-colored to reg.
func Fixed(reg asm.Register) *LiveInterval {
	return &LiveInterval{VReg: -1, Reg: reg}
}

// Register returns the assigned machine register, failing when the
// interval is missing or was never allocated.
func (l *LiveInterval) Register() (asm.Register, error) {
	if l == nil {
		return asm.NilRegister, asm.Defectf("operand has no live interval")
	}
	if l.Reg == asm.NilRegister {
		return asm.NilRegister, asm.Defectf("virtual register %d reached the encoder unassigned", l.VReg)
	}
	return l.Reg, nil
}

type (
	// RegisterOperand is a register owned by a live interval.
	RegisterOperand struct {
		Interval *LiveInterval
	}

	// ImmediateOperand is a constant bit pattern.
	ImmediateOperand struct {
		Value int64
	}

	// MemBaseOperand addresses Base + Disp.
	MemBaseOperand struct {
		Base *LiveInterval
		Disp int64
	}

	// MemIndexOperand addresses Base + Index*Scale + Disp. Scale is 1, 2, 4 or 8.
	MemIndexOperand struct {
		Base, Index *LiveInterval
		Scale       uint8
		Disp        int64
	}

	// MemLocalOperand is a stack slot, resolved against the frame pointer
	// with StackFrame.SlotOffset at encode time.
	MemLocalOperand struct {
		Slot int
	}

	// RelOperand is the absolute address of a call target.
	RelOperand struct {
		Target uintptr
	}

	// CallOperand is a call to a method which may not be compiled yet. The
	// call site is recorded so it can be rewritten once Callee is.
	CallOperand struct {
		Callee CallTarget
	}

	// BranchOperand is a jump to the first instruction of Target.
	BranchOperand struct {
		Target *BasicBlock
	}

	// LiteralPoolOperand is a constant loaded from the unit's literal pool.
	// The pool index is assigned at encode time.
	LiteralPoolOperand struct {
		Value uint64
	}
)

// CallTarget identifies the callee of a CallOperand. It is implemented by the
// owner of trampolines; the encoder only passes it through.
type CallTarget interface {
	// CallTargetName is used in diagnostics.
	CallTargetName() string
}

func (*RegisterOperand) Type() OperandType    { return OperandTypeRegister }
func (*ImmediateOperand) Type() OperandType   { return OperandTypeImmediate }
func (*MemBaseOperand) Type() OperandType     { return OperandTypeMemBase }
func (*MemIndexOperand) Type() OperandType    { return OperandTypeMemIndex }
func (*MemLocalOperand) Type() OperandType    { return OperandTypeMemLocal }
func (*RelOperand) Type() OperandType         { return OperandTypeRel }
func (*CallOperand) Type() OperandType        { return OperandTypeCall }
func (*BranchOperand) Type() OperandType      { return OperandTypeBranch }
func (*LiteralPoolOperand) Type() OperandType { return OperandTypeLiteralPool }

func (*RegisterOperand) operand()    {}
func (*ImmediateOperand) operand()   {}
func (*MemBaseOperand) operand()     {}
func (*MemIndexOperand) operand()    {}
func (*MemLocalOperand) operand()    {}
func (*RelOperand) operand()         {}
func (*CallOperand) operand()        {}
func (*BranchOperand) operand()      {}
func (*LiteralPoolOperand) operand() {}

// Reg is a shorthand for a RegisterOperand of a pre-colored register.
func Reg(r asm.Register) *RegisterOperand {
	return &RegisterOperand{Interval: Fixed(r)}
}

// Imm is a shorthand for an ImmediateOperand.
func Imm(v int64) *ImmediateOperand {
	return &ImmediateOperand{Value: v}
}

// Mem is a shorthand for a MemBaseOperand with a pre-colored base.
func Mem(base asm.Register, disp int64) *MemBaseOperand {
	return &MemBaseOperand{Base: Fixed(base), Disp: disp}
}

// MemIndex is a shorthand for a MemIndexOperand with pre-colored registers.
func MemIndex(base, index asm.Register, scale uint8, disp int64) *MemIndexOperand {
	return &MemIndexOperand{Base: Fixed(base), Index: Fixed(index), Scale: scale, Disp: disp}
}

// OperandTypeOf returns the type of o, OperandTypeNone for nil.
func OperandTypeOf(o Operand) OperandType {
	if o == nil {
		return OperandTypeNone
	}
	return o.Type()
}
