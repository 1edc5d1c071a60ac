// Package emit drives a per-architecture Backend over a compilation unit:
// it lays out basic blocks in order, resolves branches between them by
// backpatching, and collects the call sites and tables the runtime needs
// once the code is published.
package emit

import (
	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/lir"
)

// Backend encodes LIR for one target architecture. Implementations hold no
// per-unit state and may be shared by concurrent compilations; everything
// that belongs to one unit lives in the Context.
type Backend interface {
	// Arch returns the GOARCH style name of the target, e.g. "amd64".
	Arch() string

	// Encode appends the machine code of insn to ctx.Buf. The instruction's
	// machine offset has already been recorded.
	Encode(ctx *Context, insn *lir.Instruction) error

	// PatchBranch rewrites the displacement of a branch encoded while its
	// target block was not emitted, now that the block starts at target.
	PatchBranch(buf *asm.Buffer, insn *lir.Instruction, target int) error

	// Finalize is called after the last instruction of a unit, and must
	// flush the literal pool if the backend references it.
	Finalize(ctx *Context) error

	// CallSiteLen is the size of the call instruction recorded as a
	// CallSite.
	CallSiteLen() int

	// PatchCallSite rewrites the call at offset site of published code to
	// call target.
	PatchCallSite(code asm.CodeHandle, site int, target uintptr) error

	// EmitTrampoline appends the lazy compilation stub described by p.
	EmitTrampoline(ctx *Context, p TrampolineParams) error

	// InstructionName and RegisterName are used in diagnostics.
	InstructionName(asm.Instruction) string
	RegisterName(asm.Register) string
}

// TrampolineParams describes the stub standing in for a method until it is
// compiled.
//
// The stub calls CompileEntry(Cookie, args...) which returns the address of
// the compiled method. It then loads the address stored at GuardSlot and
// reads from it, which faults when an exception is pending because the
// runtime points the slot at a protected guard page. For virtual methods it
// then calls FixupEntry(Cookie, receiver, compiled) so the vtable slot of
// the receiver's class is updated, and finally jumps to the compiled code
// with the original arguments.
type TrampolineParams struct {
	Cookie       uintptr
	CompileEntry uintptr
	GuardSlot    uintptr
	Virtual      bool
	FixupEntry   uintptr
}
