package machine

import (
	"github.com/pkg/errors"

	"github.com/Mutzi100/libriscv/mmu"
)

// Loader is the external collaborator that maps a program image into a
// Machine's Memory and seeds PC and the stack pointer (spec §6). The core
// does not require a specific binary format; a real embedder would supply
// an ELF loader here. A Load implementation may map segments with
// InsertNonOwnedMemory or InstallSharedPage; FlatLoader instead copies the
// image into owned pages with SetPageAttr and WriteAt.
type Loader interface {
	Load(m *Machine, image []byte) error
}

// FlatLoader maps a raw, unstructured image at a fixed base address with a
// single fixed permission set (read, write, execute) and maps a fixed-size
// read/write stack at StackBase, with sp set to its top. It does not
// parse ELF, PT_LOAD segments, or relocations — a full loader is explicitly
// out of scope for this core (spec §1); FlatLoader exists only so the
// engine is runnable end to end without one.
type FlatLoader struct {
	Base      uint64
	StackBase uint64
	StackSize uint64
}

// Load implements Loader.
func (l FlatLoader) Load(m *Machine, image []byte) error {
	if l.StackSize == 0 {
		return errors.New("flat loader: StackSize must be nonzero")
	}
	textLen := alignUp(uint64(len(image)), mmu.PageSize)
	if textLen == 0 {
		textLen = mmu.PageSize
	}
	if err := m.Memory.SetPageAttr(l.Base, textLen, mmu.PageAttributes{Read: true, Write: true, Exec: true}); err != nil {
		return errors.Wrap(err, "flat loader: mapping text")
	}
	if err := m.Memory.WriteAt(l.Base, image); err != nil {
		return errors.Wrap(err, "flat loader: writing image")
	}
	stackLen := alignUp(l.StackSize, mmu.PageSize)
	if err := m.Memory.SetPageAttr(l.StackBase, stackLen, mmu.PageAttributes{Read: true, Write: true}); err != nil {
		return errors.Wrap(err, "flat loader: mapping stack")
	}
	m.CPU.SetExecWindow(nil, 0) // flat images are small; rely on the exec cache instead of a flat window
	m.CPU.Reset(l.Base)
	m.CPU.Regs.Set(2, l.StackBase+l.StackSize) // sp
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
