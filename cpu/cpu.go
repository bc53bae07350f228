// Package cpu implements the fetch-decode-dispatch core: one CPU per hart,
// its register file, instruction budget, execution cache, and the atomics
// reservation set (spec §3, §4.2).
package cpu

import (
	"github.com/Mutzi100/libriscv/fault"
	"github.com/Mutzi100/libriscv/mmu"
)

// Breakpoint is invoked before the instruction at its address executes; a
// non-nil error aborts simulate with that error (used by an external
// debugger, spec §6).
type Breakpoint func(c *CPU) error

// reservation is the per-CPU LR/SC granule (spec §5): cleared on context
// switch, exception, or any store to the reserved address.
type reservation struct {
	valid bool
	addr  uint64
}

// CPU is one hart: registers, instruction counter/budget, and the caches
// that make fetch fast (spec §3).
type CPU struct {
	Regs Registers
	Ext  Extensions

	Counter    uint64
	MaxCounter uint64

	mem *mmu.Memory

	execCache pageCache

	// Flat executable window: when PC is within [execBegin, execEnd), fetch
	// reads straight from execData without consulting Memory at all (spec
	// §4.2 "Fetch").
	execData  []byte
	execBegin uint64
	execEnd   uint64

	reservation reservation

	breakpoints map[uint64]Breakpoint

	stopped    bool
	stopReason error

	// OnECall and OnEBreak are the Machine-installed trap entry points: a
	// plain ECALL reads its syscall number from a7, while EBREAK is routed
	// to the syscall table's reserved last index (spec §6). Kept as two
	// separate hooks so the CPU package never has to pass an ambiguous
	// "which trap was this" flag across the machine boundary.
	OnECall  func(c *CPU) error
	OnEBreak func(c *CPU) error
}

// pageCache mirrors mmu's single-slot lookaside, duplicated here rather than
// exported from mmu because CPU's exec cache stores pages with exec
// permission specifically, and the two caches are invalidated independently.
type pageCache struct {
	valid  bool
	pageno uint64
	page   *mmu.Page
}

func (c *pageCache) lookup(pageno uint64) *mmu.Page {
	if c.valid && c.pageno == pageno {
		return c.page
	}
	return nil
}

func (c *pageCache) fill(pageno uint64, page *mmu.Page) {
	c.valid, c.pageno, c.page = true, pageno, page
}

// New constructs a CPU bound to mem. Register state starts zeroed; call
// Reset to set the entry point.
func New(mem *mmu.Memory, ext Extensions) *CPU {
	c := &CPU{mem: mem, Ext: ext, breakpoints: make(map[uint64]Breakpoint)}
	mem.RegisterObserver(c)
	return c
}

// InvalidateExecCache satisfies mmu.Invalidator: Memory calls this on any
// structural change (spec §4.1 invariant 3).
func (c *CPU) InvalidateExecCache() {
	c.execCache.invalidate()
	c.execBegin, c.execEnd = 0, 0
	c.execData = nil
}

func (c *pageCache) invalidate() {
	c.valid = false
	c.page = nil
}

// SetExecWindow installs the flat fetch fast path over a contiguous
// executable region, typically the loaded .text segment (spec §4.2).
func (c *CPU) SetExecWindow(data []byte, begin uint64) {
	c.execData = data
	c.execBegin = begin
	c.execEnd = begin + uint64(len(data))
}

// Reset reinitializes registers and PC to entry, and clears the atomics
// reservation (spec §4.2).
func (c *CPU) Reset(entry uint64) {
	c.Regs.Reset(entry)
	c.reservation = reservation{}
	c.Counter = 0
}

// Jump sets PC unconditionally.
func (c *CPU) Jump(addr uint64) {
	c.Regs.PC = addr
}

// AlignedJump sets PC, enforcing instruction alignment: 2 bytes when C is
// enabled, 4 otherwise (spec §4.2).
func (c *CPU) AlignedJump(addr uint64) error {
	align := uint64(4)
	if c.Ext.C {
		align = 2
	}
	if addr&(align-1) != 0 {
		return fault.NewAddr(fault.MisalignedInstruction, c.Regs.PC, addr)
	}
	c.Regs.PC = addr
	return nil
}

// SetBreakpoint installs bp at addr; a nil bp removes any existing one.
func (c *CPU) SetBreakpoint(addr uint64, bp Breakpoint) {
	if bp == nil {
		delete(c.breakpoints, addr)
		return
	}
	c.breakpoints[addr] = bp
}

// Stop requests that Simulate return after the current instruction, with
// reason surfaced to the caller (used by EBREAK/exit syscalls).
func (c *CPU) Stop(reason error) {
	c.stopped = true
	c.stopReason = reason
}

// fetch returns the raw bytes starting at PC using the flat window, then the
// exec cache, then Memory (spec §4.2 "Fetch"). From the flat window it
// returns at most 4 bytes (fewer at the window's end); from a page it
// returns the rest of that page, which is fewer than 4 bytes at a page tail.
func (c *CPU) fetch() ([]byte, error) {
	pc := c.Regs.PC
	if c.execData != nil && pc >= c.execBegin && pc < c.execEnd {
		off := pc - c.execBegin
		end := off + 4
		if end > uint64(len(c.execData)) {
			end = uint64(len(c.execData))
		}
		return c.execData[off:end], nil
	}
	pageno := mmu.PageNo(pc)
	page := c.execCache.lookup(pageno)
	if page == nil {
		p, err := c.mem.ReadPage(pc)
		if err != nil {
			return nil, err
		}
		if !p.Attr.Exec {
			return nil, fault.NewAddr(fault.ProtectionFault, pc, pc)
		}
		c.execCache.fill(pageno, p)
		page = p
	}
	off := mmu.PageOff(pc)
	return page.Bytes()[off:], nil
}

// StepOne fetches, decodes, and executes exactly one instruction, advancing
// PC and Counter by the retired instruction count (1 unless fusion applies;
// fusion is not implemented in this core, so always 1; spec §8 invariant
// "step_one advances counter by exactly the number of retired instructions").
func (c *CPU) StepOne() error {
	if bp, ok := c.breakpoints[c.Regs.PC]; ok {
		if err := bp(c); err != nil {
			return err
		}
	}
	raw, err := c.fetch()
	if err != nil {
		c.ClearReservation()
		return err
	}
	ins, err := Decode(raw, c.Ext)
	if err != nil {
		c.ClearReservation()
		if f, ok := err.(*fault.Fault); ok {
			f.PC = c.Regs.PC
		}
		return err
	}
	pc := c.Regs.PC
	if err := c.execute(ins); err != nil {
		c.ClearReservation()
		if f, ok := err.(*fault.Fault); ok && f.PC == 0 {
			f.PC = pc
		}
		return err
	}
	if c.Regs.PC == pc {
		// handler did not branch/jump: advance past the retired instruction
		c.Regs.PC = pc + ins.Size
	}
	c.Counter++
	return nil
}

// Simulate runs until Counter reaches MaxCounter, the machine is stopped, or
// an exception propagates (spec §4.2). Reaching the budget is reported via
// fault.OutOfBudget rather than a hard error, per spec §5 and §7.
func (c *CPU) Simulate(maxBudget uint64) error {
	c.MaxCounter = c.Counter + maxBudget
	c.stopped = false
	c.stopReason = nil
	for c.Counter < c.MaxCounter {
		if err := c.StepOne(); err != nil {
			return err
		}
		if c.stopped {
			return c.stopReason
		}
	}
	return fault.New(fault.OutOfBudget, c.Regs.PC)
}

// ReserveLoad records addr as the current LR/SC reservation (A-extension).
func (c *CPU) ReserveLoad(addr uint64) {
	c.reservation = reservation{valid: true, addr: addr}
}

// StoreConditional reports whether a store-conditional at addr succeeds
// against the current reservation, clearing it either way (spec §5).
func (c *CPU) StoreConditional(addr uint64) bool {
	ok := c.reservation.valid && c.reservation.addr == addr
	c.reservation = reservation{}
	return ok
}

// ClearReservation drops any outstanding LR/SC reservation; called on
// context switch or exception (spec §5).
func (c *CPU) ClearReservation() {
	c.reservation = reservation{}
}

func (c *CPU) Memory() *mmu.Memory { return c.mem }
