package cpu

import (
	"testing"

	"github.com/Mutzi100/libriscv/fault"
	"github.com/Mutzi100/libriscv/mmu"
)

func newTestMachine(t *testing.T, program []byte, base uint64) (*mmu.Memory, *CPU) {
	t.Helper()
	mem := mmu.New(mmu.Config{})
	if err := mem.SetPageAttr(base, mmu.PageSize, mmu.PageAttributes{Read: true, Write: true, Exec: true}); err != nil {
		t.Fatalf("SetPageAttr: %v", err)
	}
	if err := mem.WriteAt(base, program); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	c := New(mem, Extensions{M: true, A: true, C: true, F: true, D: true})
	c.Reset(base)
	return mem, c
}

// addi a0, x0, 42; ebreak
func li42Ebreak() []byte {
	return []byte{
		0x13, 0x05, 0xA0, 0x02, // addi a0,x0,42
		0x73, 0x00, 0x10, 0x00, // ebreak
	}
}

func TestSimulateBootMinimalImage(t *testing.T) {
	_, c := newTestMachine(t, li42Ebreak(), 0x1000)
	var result uint64
	c.OnEBreak = func(cpu *CPU) error {
		result = cpu.Regs.Get(10)
		cpu.Stop(nil)
		return nil
	}
	if err := c.Simulate(1000); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if result != 42 {
		t.Fatalf("a0 = %d, want 42", result)
	}
}

// addi a0, a0, 1; jal x0, -4 (infinite loop incrementing a0)
func infiniteLoop() []byte {
	return []byte{
		0x13, 0x05, 0x15, 0x00, // addi a0,a0,1
		0x6F, 0xF0, 0xDF, 0xFF, // jal x0, -4
	}
}

func TestSimulateOutOfBudgetThenResume(t *testing.T) {
	_, c := newTestMachine(t, infiniteLoop(), 0x2000)
	err := c.Simulate(100)
	if !fault.IsKind(err, fault.OutOfBudget) {
		t.Fatalf("expected OutOfBudget, got %v", err)
	}
	if c.Counter != 100 {
		t.Fatalf("counter = %d, want 100", c.Counter)
	}
	if err := c.Simulate(100); !fault.IsKind(err, fault.OutOfBudget) {
		t.Fatalf("expected OutOfBudget on resume, got %v", err)
	}
	if c.Counter != 200 {
		t.Fatalf("counter = %d, want 200", c.Counter)
	}
	if c.Regs.PC < 0x2000 || c.Regs.PC >= 0x2000+8 {
		t.Fatalf("PC escaped the loop body: %#x", c.Regs.PC)
	}
}

func TestStepOneAdvancesCounterByOne(t *testing.T) {
	_, c := newTestMachine(t, li42Ebreak(), 0x3000)
	if err := c.StepOne(); err != nil {
		t.Fatalf("step: %v", err)
	}
	if c.Counter != 1 {
		t.Fatalf("counter = %d, want 1", c.Counter)
	}
	if c.Regs.Get(10) != 42 {
		t.Fatalf("a0 = %d, want 42", c.Regs.Get(10))
	}
}

func TestLoadStoreRoundTrip(t *testing.T) {
	// sw a0, 0(a1); lw a2, 0(a1)
	program := []byte{
		0x23, 0xA0, 0xA5, 0x00, // sw a0, 0(a1) — funct3=2, imm=0
		0x03, 0xA6, 0x05, 0x00, // lw a2, 0(a1)
	}
	_, c := newTestMachine(t, program, 0x4000)
	c.Regs.Set(10, 0xdeadbeef) // a0
	c.Regs.Set(11, 0x5000)     // a1: scratch address, distinct page
	if err := c.Memory().SetPageAttr(0x5000, mmu.PageSize, mmu.PageAttributes{Read: true, Write: true}); err != nil {
		t.Fatalf("SetPageAttr scratch: %v", err)
	}
	if err := c.StepOne(); err != nil {
		t.Fatalf("sw: %v", err)
	}
	if err := c.StepOne(); err != nil {
		t.Fatalf("lw: %v", err)
	}
	if got := c.Regs.Get(12); got != 0xdeadbeef {
		t.Fatalf("a2 = %#x, want 0xdeadbeef", got)
	}
}

func TestIllegalInstructionFaults(t *testing.T) {
	program := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, c := newTestMachine(t, program, 0x6000)
	err := c.StepOne()
	if !fault.IsKind(err, fault.IllegalInstruction) {
		t.Fatalf("expected IllegalInstruction, got %v", err)
	}
}

func TestLRSCReservationClearedByClearReservation(t *testing.T) {
	_, c := newTestMachine(t, []byte{}, 0x7000)
	c.Memory().SetPageAttr(0x8000, mmu.PageSize, mmu.PageAttributes{Read: true, Write: true})
	c.ReserveLoad(0x8000)
	if !c.StoreConditional(0x8000) {
		t.Fatal("expected first store-conditional to succeed")
	}
	c.ReserveLoad(0x8000)
	c.ClearReservation()
	if c.StoreConditional(0x8000) {
		t.Fatal("expected store-conditional to fail after ClearReservation")
	}
}
