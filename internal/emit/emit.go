package emit

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/lir"
)

// Result is the machine code of one unit along with the positions the
// runtime needs after publication.
type Result struct {
	Code       []byte
	CallSites  []CallSite
	Safepoints []Safepoint
	Lines      []LineEntry
	// PoolOffset is where the literal pool starts, len(Code) when empty.
	PoolOffset int
}

// Emit encodes every block of unit in order.
//
// Blocks are marked emitted as they are reached, which patches every branch
// queued on them. When all blocks are emitted no branch may still wait for a
// target; each one that does is reported as an asm.ErrDefect.
//
// On error, the unit's buffer holds partial code which must be discarded.
func Emit(b Backend, unit *lir.CompilationUnit) (res *Result, err error) {
	defer asm.CatchGrowFailure(&err)

	ctx := NewContext(unit)
	for _, bb := range unit.Blocks {
		if err = emitBlock(b, ctx, bb); err != nil {
			return nil, fmt.Errorf("%s: bb%d: %w", unit.Method, bb.ID, err)
		}
	}
	if err = b.Finalize(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", unit.Method, err)
	}
	if err = ctx.verifyBranches(); err != nil {
		return nil, fmt.Errorf("%s: %w", unit.Method, err)
	}
	return ctx.result(), nil
}

func emitBlock(b Backend, ctx *Context, bb *lir.BasicBlock) error {
	start := ctx.Buf.CurrentOffset()
	pending, err := bb.MarkEmitted(start)
	if err != nil {
		return err
	}
	for _, branch := range pending {
		if err := b.PatchBranch(ctx.Buf, branch, start); err != nil {
			return fmt.Errorf("patching branch at lir position %d: %w", branch.LIRPosition, err)
		}
	}

	for _, insn := range bb.Instructions {
		off := ctx.Buf.CurrentOffset()
		insn.SetMachineOffset(off)
		if err := b.Encode(ctx, insn); err != nil {
			return fmt.Errorf("%s: %w", insn.Format(b.InstructionName, b.RegisterName), err)
		}
		if insn.Is(lir.FlagBytecodeOffsetKnown) {
			ctx.lines = append(ctx.lines, LineEntry{MachineOffset: off, BytecodeOffset: insn.BytecodeOffset})
		}
		if insn.Is(lir.FlagSafepoint) {
			ctx.safepoints = append(ctx.safepoints, Safepoint{
				MachineOffset:  ctx.Buf.CurrentOffset(),
				LIRPosition:    insn.LIRPosition,
				BytecodeOffset: insn.BytecodeOffset,
			})
		}
	}
	return nil
}

func (ctx *Context) verifyBranches() (err error) {
	seen := map[*lir.BasicBlock]struct{}{}
	for _, target := range ctx.waiting {
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		for _, insn := range target.Backpatches() {
			err = multierr.Append(err, asm.Defectf("branch at lir position %d targets bb%d which was never emitted", insn.LIRPosition, target.ID))
		}
	}
	return
}

func (ctx *Context) result() *Result {
	code := make([]byte, ctx.Buf.Len())
	copy(code, ctx.Buf.Bytes())
	poolOffset := ctx.poolOffset
	if poolOffset < 0 {
		poolOffset = len(code)
	}
	return &Result{
		Code:       code,
		CallSites:  ctx.callSites,
		Safepoints: ctx.safepoints,
		Lines:      ctx.lines,
		PoolOffset: poolOffset,
	}
}

// EmitTrampoline builds the stub described by p in a unit of its own.
func EmitTrampoline(b Backend, name string, p TrampolineParams) (res *Result, err error) {
	defer asm.CatchGrowFailure(&err)

	unit := lir.NewCompilationUnit(name, 0, 0)
	ctx := NewContext(unit)
	if err = b.EmitTrampoline(ctx, p); err != nil {
		return nil, fmt.Errorf("trampoline of %s: %w", name, err)
	}
	if err = b.Finalize(ctx); err != nil {
		return nil, fmt.Errorf("trampoline of %s: %w", name, err)
	}
	return ctx.result(), nil
}
