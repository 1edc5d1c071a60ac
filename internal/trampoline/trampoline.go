// Package trampoline tracks the call sites which reach a method through its
// lazy compilation stub, and rewrites them once the method is compiled.
package trampoline

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/jatovm/jato-sub002/internal/asm"
)

// CallPatcher rewrites the call instruction at site of committed code so it
// calls target. Every emit.Backend implements it.
type CallPatcher interface {
	PatchCallSite(code asm.CodeHandle, site int, target uintptr) error
}

// FixupSite is a call instruction within published code.
type FixupSite struct {
	Code asm.CodeHandle
	// Offset of the call from the start of Code.
	Offset int
}

func (s FixupSite) String() string {
	return fmt.Sprintf("call at %#x", s.Code.Addr()+uintptr(s.Offset))
}

// Trampoline is the per method entry point used until the method is
// compiled.
//
// Calls emitted before the method is compiled go through the stub in Code.
// Each one is registered with AddFixupSite, and Resolve rewrites all of them
// to call the compiled code directly. A site registered after Resolve is
// patched right away, so every site is patched exactly once.
type Trampoline struct {
	// Code is the emitted stub.
	Code asm.CodeHandle

	patcher CallPatcher

	mu    sync.Mutex
	sites []FixupSite

	// target is zero until resolved. It is only written under mu, but may
	// be read without it.
	target atomic.Uint64
}

// New returns an unresolved trampoline whose stub is code.
func New(code asm.CodeHandle, patcher CallPatcher) *Trampoline {
	return &Trampoline{Code: code, patcher: patcher}
}

// AddFixupSite registers the call at site as going through this trampoline.
func (t *Trampoline) AddFixupSite(site FixupSite) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if target := uintptr(t.target.Load()); target != 0 {
		if err := t.patcher.PatchCallSite(site.Code, site.Offset, target); err != nil {
			return fmt.Errorf("%s: %w", site, err)
		}
		return nil
	}
	t.sites = append(t.sites, site)
	return nil
}

// Resolve patches every pending site to call target and then publishes
// target. Resolving again with the same target does nothing; resolving
// with another one is an asm.ErrDefect.
//
// When a site cannot be patched the trampoline stays unresolved and keeps
// only the sites which failed.
func (t *Trampoline) Resolve(target uintptr) (err error) {
	if target == 0 {
		return asm.Defectf("trampoline resolved to a nil address")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur := uintptr(t.target.Load()); cur != 0 {
		if cur != target {
			return asm.Defectf("trampoline already resolved to %#x, cannot resolve to %#x", cur, target)
		}
		return nil
	}
	var failed []FixupSite
	for _, site := range t.sites {
		if perr := t.patcher.PatchCallSite(site.Code, site.Offset, target); perr != nil {
			failed = append(failed, site)
			err = multierr.Append(err, fmt.Errorf("%s: %w", site, perr))
		}
	}
	t.sites = failed
	if err != nil {
		return
	}
	t.target.Store(uint64(target))
	return nil
}

// Resolved returns the compiled code address once Resolve succeeded.
func (t *Trampoline) Resolved() (uintptr, bool) {
	target := uintptr(t.target.Load())
	return target, target != 0
}

// PendingSites returns a copy of the sites waiting for Resolve.
func (t *Trampoline) PendingSites() []FixupSite {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]FixupSite(nil), t.sites...)
}
