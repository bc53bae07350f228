package machine

import (
	"testing"

	"github.com/Mutzi100/libriscv/cpu"
	"github.com/Mutzi100/libriscv/fault"
	"github.com/Mutzi100/libriscv/mmu"
)

// addi a0, x0, 42; ecall
func li42Ecall() []byte {
	return []byte{
		0x13, 0x05, 0xA0, 0x02, // addi a0,x0,42
		0x73, 0x00, 0x00, 0x00, // ecall
	}
}

func newTestMachine(t *testing.T, program []byte, base uint64) *Machine {
	t.Helper()
	m := New(Config{Extensions: cpu.Extensions{M: true, A: true}})
	loader := FlatLoader{Base: base, StackBase: 0x20000, StackSize: mmu.PageSize}
	if err := loader.Load(m, program); err != nil {
		t.Fatalf("load: %v", err)
	}
	return m
}

func TestEcallDispatchesInstalledHandler(t *testing.T) {
	m := newTestMachine(t, li42Ecall(), 0x1000)
	var gotA0 uint64
	if err := m.InstallSyscallHandler(0, func(m *Machine) (uint64, error) {
		gotA0 = m.CPU.Regs.Get(10)
		m.Stop(0)
		return 0, nil
	}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := m.Simulate(1000); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if gotA0 != 42 {
		t.Fatalf("a0 seen by handler = %d, want 42", gotA0)
	}
	if !m.Stopped() {
		t.Fatal("expected Stopped() after handler called Stop")
	}
}

func TestUnhandledSyscallFaultsSystemError(t *testing.T) {
	m := newTestMachine(t, li42Ecall(), 0x1000)
	err := m.Simulate(1000)
	if !fault.IsKind(err, fault.SystemError) {
		t.Fatalf("expected SystemError, got %v", err)
	}
}

// ebreak
func ebreakOnly() []byte {
	return []byte{0x73, 0x00, 0x10, 0x00}
}

func TestEbreakRoutesToReservedSlot(t *testing.T) {
	m := newTestMachine(t, ebreakOnly(), 0x1000)
	called := false
	if err := m.InstallSyscallHandler(EBreakIndex, func(m *Machine) (uint64, error) {
		called = true
		m.Stop(7)
		return 0, nil
	}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := m.Simulate(10); err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !called {
		t.Fatal("expected EBREAK to dispatch through EBreakIndex")
	}
	if m.Result != 7 {
		t.Fatalf("result = %d, want 7", m.Result)
	}
}

func TestInstallSyscallHandlerRejectsOutOfRange(t *testing.T) {
	m := newTestMachine(t, li42Ecall(), 0x1000)
	if err := m.InstallSyscallHandler(-1, nil); err == nil {
		t.Fatal("expected error for negative nr")
	}
	if err := m.InstallSyscallHandler(MaxSyscalls, nil); err == nil {
		t.Fatal("expected error for nr == MaxSyscalls")
	}
}

func TestDebuggerSurfaceReadsAndWrites(t *testing.T) {
	m := newTestMachine(t, li42Ecall(), 0x1000)
	m.WriteReg(5, 99)
	if got := m.ReadReg(5); got != 99 {
		t.Fatalf("ReadReg(5) = %d, want 99", got)
	}
	if err := m.WriteMemory(0x20000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	data, err := m.ReadMemory(0x20000, 4)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if data[0] != 1 || data[3] != 4 {
		t.Fatalf("round trip mismatch: %v", data)
	}
	if err := m.StepOne(); err != nil {
		t.Fatalf("StepOne: %v", err)
	}
	if m.PC() != 0x1000+4 {
		t.Fatalf("PC = %#x, want %#x", m.PC(), 0x1000+4)
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	m := newTestMachine(t, li42Ecall(), 0x1000)
	m.CPU.Regs.Set(5, 0x1234)
	if err := m.Memory.WriteAt(0x20000, []byte{9, 8, 7, 6}); err != nil {
		t.Fatalf("seed stack: %v", err)
	}
	m.CPU.Counter = 3
	m.CPU.MaxCounter = 1000

	blob, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	restored, err := Deserialize(blob, Config{})
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if restored.CPU.Regs.Get(5) != 0x1234 {
		t.Fatalf("x5 = %#x, want 0x1234", restored.CPU.Regs.Get(5))
	}
	if restored.CPU.Regs.PC != m.CPU.Regs.PC {
		t.Fatalf("PC = %#x, want %#x", restored.CPU.Regs.PC, m.CPU.Regs.PC)
	}
	if restored.CPU.Counter != 3 || restored.CPU.MaxCounter != 1000 {
		t.Fatalf("counters = %d/%d, want 3/1000", restored.CPU.Counter, restored.CPU.MaxCounter)
	}
	got, err := restored.ReadMemory(0x20000, 4)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	want := []byte{9, 8, 7, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stack page mismatch at %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	if _, err := Deserialize([]byte("not a save file at all, too short"), Config{}); err == nil {
		t.Fatal("expected error for garbage input")
	}
}
