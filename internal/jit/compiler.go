// Package jit drives the emission core: it compiles methods into published
// code, hands out their trampolines, and rewrites calls and vtables once
// the real code exists.
package jit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jatovm/jato-sub002/internal/asm"
	"github.com/jatovm/jato-sub002/internal/asm/amd64"
	"github.com/jatovm/jato-sub002/internal/asm/arm64"
	"github.com/jatovm/jato-sub002/internal/disasm"
	"github.com/jatovm/jato-sub002/internal/emit"
	"github.com/jatovm/jato-sub002/internal/lir"
	"github.com/jatovm/jato-sub002/internal/trampoline"
	"github.com/jatovm/jato-sub002/internal/vm"
)

// UnitProvider lowers a method to LIR which is selected and register
// allocated, ready to be encoded.
type UnitProvider interface {
	// LowerMethod fills the blocks and frame of unit with the code of m.
	LowerMethod(ctx context.Context, m *vm.Method, unit *lir.CompilationUnit) error
}

// Options configure a Compiler. The zero value of each field selects its
// default.
type Options struct {
	// Arch is "amd64" or "arm64".
	Arch string
	// Arena receives the published code. When nil, an arena of executable
	// segments of CodeSegmentSize bytes is used and released by Close.
	Arena           *asm.Arena
	CodeSegmentSize int
	// MaxUnitSize and MaxLiteralPoolEntries bound each compilation unit.
	MaxUnitSize           int
	MaxLiteralPoolEntries int
	Logger                *zap.Logger
	// TraceDisassembly logs the instructions of every published unit.
	TraceDisassembly bool
	// AbortOnDefect panics on an asm.ErrDefect instead of returning it.
	AbortOnDefect bool

	// CompileEntry, GuardSlot and FixupEntry are the runtime addresses the
	// trampolines use, see emit.TrampolineParams.
	CompileEntry uintptr
	GuardSlot    uintptr
	FixupEntry   uintptr
}

// Compiler compiles methods for one architecture. It is safe for concurrent
// use.
type Compiler struct {
	backend   emit.Backend
	arena     *asm.Arena
	ownsArena bool
	logger    *zap.Logger
	opts      Options
	units     UnitProvider

	// mu guards methods and cookies, and orders trampoline creation with
	// the publication of compiled code.
	mu      sync.Mutex
	methods map[*vm.Method]*compiledMethod
	// cookies[i] is the method of cookie i+1.
	cookies []*vm.Method
}

// compiledMethod is the per method state.
type compiledMethod struct {
	cookie uintptr
	// compileMu makes concurrent compilations of the method run once.
	compileMu  sync.Mutex
	code       asm.CodeHandle
	trampoline *trampoline.Trampoline
}

// NewBackend returns the encoder of arch.
func NewBackend(arch string) (emit.Backend, error) {
	switch arch {
	case "amd64":
		return amd64.NewBackend(), nil
	case "arm64":
		return arm64.NewBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
}

// NewCompiler returns a compiler which lowers methods through units.
func NewCompiler(opts Options, units UnitProvider) (*Compiler, error) {
	backend, err := NewBackend(opts.Arch)
	if err != nil {
		return nil, err
	}
	c := &Compiler{
		backend: backend,
		arena:   opts.Arena,
		logger:  opts.Logger,
		opts:    opts,
		units:   units,
		methods: map[*vm.Method]*compiledMethod{},
	}
	if c.arena == nil {
		c.arena, c.ownsArena = asm.NewArena(opts.CodeSegmentSize), true
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// Backend returns the encoder the compiler uses.
func (c *Compiler) Backend() emit.Backend {
	return c.backend
}

// NewUnit returns an empty compilation unit for m bounded by the options.
func (c *Compiler) NewUnit(m *vm.Method) *lir.CompilationUnit {
	return lir.NewCompilationUnit(m.String(), c.opts.MaxUnitSize, c.opts.MaxLiteralPoolEntries)
}

// method returns the state of m, registering it on first use. c.mu must be
// held.
func (c *Compiler) method(m *vm.Method) *compiledMethod {
	cm, ok := c.methods[m]
	if !ok {
		c.cookies = append(c.cookies, m)
		cm = &compiledMethod{cookie: uintptr(len(c.cookies))}
		c.methods[m] = cm
	}
	return cm
}

// MethodByCookie returns the method whose trampoline passes cookie.
func (c *Compiler) MethodByCookie(cookie uintptr) (*vm.Method, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cookie == 0 || cookie > uintptr(len(c.cookies)) {
		return nil, false
	}
	return c.cookies[cookie-1], true
}

// Code returns the compiled code of m, if any.
func (c *Compiler) Code(m *vm.Method) (asm.CodeHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cm, ok := c.methods[m]
	if !ok || cm.code.IsZero() {
		return asm.CodeHandle{}, false
	}
	return cm.code, true
}

// Trampoline returns the trampoline of m, emitting and publishing it on
// first use. The trampoline of a compiled method is already resolved.
func (c *Compiler) Trampoline(m *vm.Method) (*trampoline.Trampoline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, err := c.trampolineLocked(m)
	if err != nil {
		return nil, c.fail(m, err)
	}
	return t, nil
}

func (c *Compiler) trampolineLocked(m *vm.Method) (*trampoline.Trampoline, error) {
	cm := c.method(m)
	if cm.trampoline != nil {
		return cm.trampoline, nil
	}
	res, err := emit.EmitTrampoline(c.backend, m.String(), emit.TrampolineParams{
		Cookie:       cm.cookie,
		CompileEntry: c.opts.CompileEntry,
		GuardSlot:    c.opts.GuardSlot,
		Virtual:      m.IsVirtual(),
		FixupEntry:   c.opts.FixupEntry,
	})
	if err != nil {
		return nil, err
	}
	stub, err := c.arena.Publish(res.Code)
	if err != nil {
		return nil, fmt.Errorf("trampoline of %s: %w", m, err)
	}
	t := trampoline.New(stub, c.backend)
	if !cm.code.IsZero() {
		if err := t.Resolve(cm.code.Addr()); err != nil {
			return nil, err
		}
	}
	cm.trampoline = t
	c.logger.Debug("emitted trampoline", zap.Stringer("method", m), zap.Uintptr("addr", stub.Addr()))
	return t, nil
}

// Compile encodes unit as the code of m and publishes it.
//
// Every call in unit to another method is routed through the callee's
// trampoline, or straight to the callee when it is already compiled. The
// trampoline of m is then resolved, so callers waiting on it call the new
// code from now on.
//
// Concurrent calls for the same method compile it once; the others return
// the same code. When encoding, linking or resolving fails nothing is
// recorded, no trampoline learns of the new call sites, and m can be
// compiled again.
func (c *Compiler) Compile(ctx context.Context, m *vm.Method, unit *lir.CompilationUnit) (asm.CodeHandle, error) {
	return c.compileOnce(ctx, m, func() (*lir.CompilationUnit, error) { return unit, nil })
}

// CompileEntry compiles m on its first call through the trampoline and
// returns the address to continue at. The unit is obtained from the
// UnitProvider.
func (c *Compiler) CompileEntry(ctx context.Context, m *vm.Method) (uintptr, error) {
	if code, ok := c.Code(m); ok {
		return code.Addr(), nil
	}
	if c.units == nil {
		return 0, c.fail(m, asm.Defectf("no unit provider to lower %s", m))
	}
	code, err := c.compileOnce(ctx, m, func() (*lir.CompilationUnit, error) {
		unit := c.NewUnit(m)
		if err := c.units.LowerMethod(ctx, m, unit); err != nil {
			return nil, fmt.Errorf("lowering %s: %w", m, err)
		}
		return unit, nil
	})
	if err != nil {
		return 0, err
	}
	return code.Addr(), nil
}

func (c *Compiler) compileOnce(ctx context.Context, m *vm.Method, lower func() (*lir.CompilationUnit, error)) (asm.CodeHandle, error) {
	c.mu.Lock()
	cm := c.method(m)
	c.mu.Unlock()

	cm.compileMu.Lock()
	defer cm.compileMu.Unlock()
	if !cm.code.IsZero() {
		return cm.code, nil
	}
	if err := ctx.Err(); err != nil {
		return asm.CodeHandle{}, err
	}
	unit, err := lower()
	if err != nil {
		return asm.CodeHandle{}, err
	}

	code, res, fixups, err := c.compile(m, unit)
	if err != nil {
		return asm.CodeHandle{}, c.fail(m, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t := cm.trampoline; t != nil {
		sites := len(t.PendingSites())
		if err := t.Resolve(code.Addr()); err != nil {
			return asm.CodeHandle{}, c.fail(m, err)
		}
		c.logger.Debug("resolved trampoline", zap.Stringer("method", m), zap.Int("sites", sites))
	}
	cm.code = code
	// Callers can reach the code from here on, so it stays recorded even
	// if a site cannot be registered.
	var errs error
	for _, f := range fixups {
		errs = multierr.Append(errs, f.t.AddFixupSite(f.site))
	}
	if errs != nil {
		return asm.CodeHandle{}, c.fail(m, fmt.Errorf("%s: %w", m, errs))
	}
	c.logger.Debug("compiled method",
		zap.Stringer("method", m), zap.Uintptr("addr", code.Addr()), zap.Int("size", code.Len()))
	if c.opts.TraceDisassembly {
		c.traceDisassembly(m, code, res.PoolOffset)
	}
	return code, nil
}

// pendingFixup is a call site patched to a trampoline stub, registered
// with the trampoline once the code is recorded.
type pendingFixup struct {
	t    *trampoline.Trampoline
	site trampoline.FixupSite
}

func (c *Compiler) compile(m *vm.Method, unit *lir.CompilationUnit) (asm.CodeHandle, *emit.Result, []pendingFixup, error) {
	res, err := emit.Emit(c.backend, unit)
	if err != nil {
		return asm.CodeHandle{}, nil, nil, err
	}
	callees := make([]*vm.Method, len(res.CallSites))
	for i, cs := range res.CallSites {
		if cs.Callee == nil {
			continue
		}
		callee, ok := cs.Callee.(*vm.Method)
		if !ok {
			return asm.CodeHandle{}, nil, nil, asm.Defectf("call at %d to %s which is not a method", cs.Offset, cs.Callee.CallTargetName())
		}
		callees[i] = callee
	}

	code, err := c.arena.Publish(res.Code)
	if err != nil {
		return asm.CodeHandle{}, nil, nil, err
	}
	var fixups []pendingFixup
	for i, cs := range res.CallSites {
		t, err := c.linkCallSite(code, cs, callees[i])
		if err != nil {
			return asm.CodeHandle{}, nil, nil, fmt.Errorf("%s: %w", m, err)
		}
		if t != nil {
			fixups = append(fixups, pendingFixup{t: t, site: trampoline.FixupSite{Code: code, Offset: cs.Offset}})
		}
	}
	return code, res, fixups, nil
}

// linkCallSite points a call of published code at its target. A call to a
// method goes through its trampoline until the callee is compiled, and that
// trampoline is returned so the site can be registered with it.
func (c *Compiler) linkCallSite(code asm.CodeHandle, cs emit.CallSite, callee *vm.Method) (*trampoline.Trampoline, error) {
	if callee == nil {
		return nil, c.backend.PatchCallSite(code, cs.Offset, cs.Target)
	}
	if compiled, ok := c.Code(callee); ok {
		return nil, c.backend.PatchCallSite(code, cs.Offset, compiled.Addr())
	}
	c.mu.Lock()
	t, err := c.trampolineLocked(callee)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := c.backend.PatchCallSite(code, cs.Offset, t.Code.Addr()); err != nil {
		return nil, err
	}
	return t, nil
}

// VirtualFixup installs target in the vtable of receiver after a virtual
// call of m went through its trampoline.
func (c *Compiler) VirtualFixup(m *vm.Method, receiver *vm.Class, target uintptr) error {
	if err := vm.FixupVTable(receiver, m, target); err != nil {
		return c.fail(m, err)
	}
	c.logger.Debug("fixed vtable",
		zap.Stringer("class", receiver), zap.Stringer("method", m), zap.Int("slot", m.VirtualIndex))
	return nil
}

// fail applies the defect policy to err.
func (c *Compiler) fail(m *vm.Method, err error) error {
	if c.opts.AbortOnDefect && errors.Is(err, asm.ErrDefect) {
		panic(fmt.Errorf("BUG: compiling %s: %w", m, err))
	}
	return err
}

func (c *Compiler) traceDisassembly(m *vm.Method, code asm.CodeHandle, poolOffset int) {
	lines, err := disasm.Disassemble(c.backend.Arch(), code.Bytes()[:poolOffset], code.Addr())
	if err != nil {
		c.logger.Debug("disassembly failed", zap.Stringer("method", m), zap.Error(err))
		return
	}
	for _, l := range lines {
		c.logger.Debug(l.String(), zap.Stringer("method", m))
	}
}

// Close releases the code of every compiled method and trampoline when the
// arena is owned by the compiler.
func (c *Compiler) Close() error {
	if !c.ownsArena {
		return nil
	}
	return c.arena.Close()
}
