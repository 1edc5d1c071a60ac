// Package jato is the machine-code emission core of the jato Java virtual
// machine: it encodes register allocated LIR for amd64 and arm64, publishes
// it as executable code, and links calls through lazy compilation
// trampolines.
package jato

import (
	"go.uber.org/zap"

	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/jit"
)

var (
	// ErrDefect is the category of errors caused by a bug in the compiler
	// feeding the emission core, such as an unassigned register.
	ErrDefect = asm.ErrDefect
	// ErrResourceExhausted is the category of errors which abandon one
	// compilation, such as a unit larger than the configured maximum.
	ErrResourceExhausted = asm.ErrResourceExhausted
)

type (
	// Compiler compiles methods and links calls between them.
	Compiler = jit.Compiler
	// UnitProvider lowers a method to the LIR the Compiler encodes.
	UnitProvider = jit.UnitProvider
)

// RuntimeEntries are the addresses of the runtime routines trampolines
// call into.
type RuntimeEntries struct {
	// CompileEntry is called with the method cookie and returns the
	// address of the compiled code, see Compiler.CompileEntry.
	CompileEntry uintptr
	// GuardSlot holds the address trampolines read from after compiling,
	// which faults when an exception is pending.
	GuardSlot uintptr
	// FixupEntry is called after compiling a virtual method, see
	// Compiler.VirtualFixup.
	FixupEntry uintptr
}

// NewCompiler returns a Compiler configured by c. A nil logger discards
// the trace.
func NewCompiler(c *Config, logger *zap.Logger, entries RuntimeEntries, units UnitProvider) (*Compiler, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return jit.NewCompiler(jit.Options{
		Arch:                  c.arch,
		CodeSegmentSize:       c.codeSegmentSize,
		MaxUnitSize:           c.maxUnitSize,
		MaxLiteralPoolEntries: c.maxLiteralPoolEntries,
		Logger:                logger,
		TraceDisassembly:      c.traceDisassembly,
		AbortOnDefect:         c.abortOnDefect,
		CompileEntry:          entries.CompileEntry,
		GuardSlot:             entries.GuardSlot,
		FixupEntry:            entries.FixupEntry,
	}, units)
}
