package lir

import "github.com/jatovm/jato-sub002/internal/asm"

// BasicBlock is a straight-line sequence of instructions and the unit of
// branch target resolution.
//
// A block starts not emitted. MarkEmitted moves it to emitted exactly once,
// after which its machine offset is valid. Branches emitted before that are
// queued on its backpatch list and handed back by MarkEmitted.
type BasicBlock struct {
	ID           int
	Instructions []*Instruction

	machineOffset int
	emitted       bool
	backpatch     []*Instruction
}

// NewBasicBlock returns an empty, not emitted block.
func NewBasicBlock(id int) *BasicBlock {
	return &BasicBlock{ID: id}
}

// Add appends insn to the block.
func (b *BasicBlock) Add(insn ...*Instruction) *BasicBlock {
	for _, i := range insn {
		i.block = b
		b.Instructions = append(b.Instructions, i)
	}
	return b
}

// Emitted reports whether the block has been laid out.
func (b *BasicBlock) Emitted() bool {
	return b.emitted
}

// MachineOffset returns the offset of the block's first byte.
func (b *BasicBlock) MachineOffset() (int, error) {
	if !b.emitted {
		return 0, asm.Defectf("machine offset of unemitted block bb%d", b.ID)
	}
	return b.machineOffset, nil
}

// AddBackpatch queues a branch to this block which was encoded before the
// block's offset was known.
func (b *BasicBlock) AddBackpatch(insn *Instruction) error {
	if b.emitted {
		return asm.Defectf("backpatch queued on already emitted block bb%d", b.ID)
	}
	b.backpatch = append(b.backpatch, insn)
	return nil
}

// Backpatches returns the branches waiting for this block.
func (b *BasicBlock) Backpatches() []*Instruction {
	return b.backpatch
}

// MarkEmitted records the block's offset and returns the drained list of
// branches to patch.
func (b *BasicBlock) MarkEmitted(offset int) ([]*Instruction, error) {
	if b.emitted {
		return nil, asm.Defectf("block bb%d emitted twice", b.ID)
	}
	b.emitted = true
	b.machineOffset = offset
	pending := b.backpatch
	b.backpatch = nil
	return pending, nil
}
