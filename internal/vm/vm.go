// Package vm holds the minimal class and method model the JIT needs to
// dispatch calls: methods to compile and the vtables compiled code is
// installed in.
package vm

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/jatovm/jato-sub002/internal/asm"
)

// MethodKind is how a method is invoked.
type MethodKind byte

const (
	// MethodKindStatic is invokestatic.
	MethodKindStatic MethodKind = iota
	// MethodKindSpecial is invokespecial: constructors, private and super
	// methods. They are bound at link time, so they have no vtable slot.
	MethodKindSpecial
	// MethodKindVirtual is invokevirtual through the receiver's vtable.
	MethodKindVirtual
)

func (k MethodKind) String() string {
	switch k {
	case MethodKindStatic:
		return "static"
	case MethodKindSpecial:
		return "special"
	case MethodKindVirtual:
		return "virtual"
	}
	return fmt.Sprintf("MethodKind(%d)", k)
}

// Method is a method of Class.
type Method struct {
	Class *Class
	// Name includes the descriptor, e.g. "run()V".
	Name string
	Kind MethodKind
	// VirtualIndex is the vtable slot of a virtual method.
	VirtualIndex int
}

// String returns the qualified name, e.g. "java/lang/Object.hashCode()I".
func (m *Method) String() string {
	if m.Class == nil {
		return m.Name
	}
	return m.Class.Name + "." + m.Name
}

// CallTargetName implements lir.CallTarget.
func (m *Method) CallTargetName() string {
	return m.String()
}

// IsVirtual reports whether m is dispatched through a vtable.
func (m *Method) IsVirtual() bool {
	return m.Kind == MethodKindVirtual
}

// VTable is the array of code addresses a virtual call indexes into.
// Compiled code reads the slots concurrently with the JIT writing them.
type VTable struct {
	slots []atomic.Uint64
}

// NewVTable returns a vtable of n empty slots.
func NewVTable(n int) *VTable {
	return &VTable{slots: make([]atomic.Uint64, n)}
}

// Len returns the number of slots.
func (v *VTable) Len() int {
	return len(v.slots)
}

// Slot returns the code address in slot i.
func (v *VTable) Slot(i int) uintptr {
	return uintptr(v.slots[i].Load())
}

// SetSlot stores addr in slot i.
func (v *VTable) SetSlot(i int, addr uintptr) error {
	if i < 0 || i >= len(v.slots) {
		return asm.Defectf("vtable slot %d outside a vtable of %d slots", i, len(v.slots))
	}
	v.slots[i].Store(uint64(addr))
	return nil
}

// Class is a loaded class.
type Class struct {
	Name   string
	Super  *Class
	VTable *VTable
}

// NewClass returns a class whose vtable has n slots, the first ones
// inherited from super.
func NewClass(name string, super *Class, n int) *Class {
	c := &Class{Name: name, Super: super}
	if super != nil && super.VTable.Len() > n {
		n = super.VTable.Len()
	}
	c.VTable = NewVTable(n)
	if super != nil {
		for i := 0; i < super.VTable.Len(); i++ {
			c.VTable.slots[i].Store(super.VTable.slots[i].Load())
		}
	}
	return c
}

func (c *Class) String() string {
	return c.Name
}

// FixupVTable installs target as the implementation of m in the vtable of
// receiver, the class the call was dispatched through. The declaring class
// and the other subclasses keep their entries until a call through them
// is fixed in turn.
func FixupVTable(receiver *Class, m *Method, target uintptr) error {
	if !m.IsVirtual() {
		return asm.Defectf("%s method %s has no vtable slot", m.Kind, m)
	}
	if receiver == nil {
		return asm.Defectf("vtable fixup of %s without a receiver class", m)
	}
	if err := receiver.VTable.SetSlot(m.VirtualIndex, target); err != nil {
		return fmt.Errorf("fixup of %s in %s: %w", m, receiver, err)
	}
	return nil
}
