package lir

import "github.com/jatovm/jato-sub002/internal/asm"

// StackFrame describes the frame of the method being compiled. Arguments
// are passed on the stack above the return address and saved frame
// pointer; locals live below the frame pointer.
type StackFrame struct {
	NrArgs   int
	NrLocals int
	// SlotSize is the size of one stack slot, 8 when zero.
	SlotSize int
	// ArgsOffset is the distance from the frame pointer to the first
	// argument, 2 slots when zero.
	ArgsOffset int
}

func (f StackFrame) slotSize() int64 {
	if f.SlotSize == 0 {
		return 8
	}
	return int64(f.SlotSize)
}

// SlotOffset returns the frame pointer relative displacement of slot. Slots
// [0, NrArgs) are arguments, [NrArgs, NrArgs+NrLocals) are locals.
func (f StackFrame) SlotOffset(slot int) (int64, error) {
	size := f.slotSize()
	switch {
	case slot < 0 || slot >= f.NrArgs+f.NrLocals:
		return 0, asm.Defectf("stack slot %d outside a frame of %d arguments and %d locals", slot, f.NrArgs, f.NrLocals)
	case slot < f.NrArgs:
		argsOffset := int64(f.ArgsOffset)
		if argsOffset == 0 {
			argsOffset = 2 * size
		}
		return argsOffset + int64(slot)*size, nil
	default:
		return -int64(slot-f.NrArgs+1) * size, nil
	}
}

// LocalsSize returns the number of bytes to reserve below the frame pointer.
func (f StackFrame) LocalsSize() int64 {
	return int64(f.NrLocals) * f.slotSize()
}

// CompilationUnit is one method's LIR together with the buffer and literal
// pool it is encoded into. The unit is owned by the thread compiling it.
type CompilationUnit struct {
	Method string
	Blocks []*BasicBlock
	Frame  StackFrame
	Buf    *asm.Buffer
	Pool   *asm.LiteralPool
}

// NewCompilationUnit returns a unit with an empty buffer and pool.
func NewCompilationUnit(method string, maxSize, maxPoolEntries int) *CompilationUnit {
	return &CompilationUnit{
		Method: method,
		Buf:    asm.NewBuffer(maxSize),
		Pool:   asm.NewLiteralPool(maxPoolEntries),
	}
}

// NewBlock appends a new block to the unit and returns it.
func (u *CompilationUnit) NewBlock() *BasicBlock {
	b := NewBasicBlock(len(u.Blocks))
	u.Blocks = append(u.Blocks, b)
	return b
}
