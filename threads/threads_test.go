package threads

import (
	"testing"

	"github.com/Mutzi100/libriscv/arena"
	"github.com/Mutzi100/libriscv/cpu"
	"github.com/Mutzi100/libriscv/mmu"
)

func newTestCPU(t *testing.T) *cpu.CPU {
	t.Helper()
	mem := mmu.New(mmu.Config{})
	return cpu.New(mem, cpu.Extensions{})
}

func TestMicrocloneSpawnsChildAndSuspendsParent(t *testing.T) {
	c := newTestCPU(t)
	c.Regs.PC = 0x1000
	tbl := New(c)
	parentTid := tbl.RunningTid()

	childTid := tbl.Microclone(0x9000, 0x2000, 0x100)
	if childTid == parentTid {
		t.Fatal("child tid must differ from parent")
	}
	if tbl.RunningTid() != childTid {
		t.Fatalf("running tid = %d, want child %d", tbl.RunningTid(), childTid)
	}
	if c.Regs.PC != 0x2000 {
		t.Fatalf("child PC = %#x, want 0x2000", c.Regs.PC)
	}
	if c.Regs.Get(2) != 0x9000 {
		t.Fatalf("child sp = %#x, want 0x9000", c.Regs.Get(2))
	}
	parent := tbl.Get(parentTid)
	if parent.State != Suspended {
		t.Fatalf("parent state = %v, want Suspended", parent.State)
	}
	if parent.Saved.Get(10) != uint64(childTid) {
		t.Fatalf("parent's saved a0 = %d, want child tid %d", parent.Saved.Get(10), childTid)
	}
}

func TestExitLastThreadStops(t *testing.T) {
	c := newTestCPU(t)
	tbl := New(c)
	stopped, err := tbl.Exit(7)
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	if !stopped {
		t.Fatal("expected exit of the only thread to stop the machine")
	}
}

func TestExitWithSiblingSchedulesNext(t *testing.T) {
	c := newTestCPU(t)
	tbl := New(c)
	parentTid := tbl.RunningTid()
	childTid := tbl.Microclone(0x9000, 0x2000, 0)

	stopped, err := tbl.Exit(0)
	if err != nil {
		t.Fatalf("child exit: %v", err)
	}
	if stopped {
		t.Fatal("machine should not stop: parent is still runnable")
	}
	if tbl.RunningTid() != parentTid {
		t.Fatalf("running tid = %d, want parent %d", tbl.RunningTid(), parentTid)
	}
	if tbl.Get(childTid).State != Exited {
		t.Fatal("child should be marked Exited")
	}
}

func TestBlockFailsWithNoOtherThread(t *testing.T) {
	c := newTestCPU(t)
	tbl := New(c)
	if err := tbl.Block(cpu.BlockReason(1)); err == nil {
		t.Fatal("expected block to fail with only one thread")
	}
}

func TestBlockAndWakeupRoundTrip(t *testing.T) {
	c := newTestCPU(t)
	tbl := New(c)
	parentTid := tbl.RunningTid()
	childTid := tbl.Microclone(0x9000, 0x2000, 0)

	// child blocks on reason 5; parent is the only runnable thread so it
	// should be scheduled in.
	reason := cpu.BlockReason(5)
	if err := tbl.Block(reason); err != nil {
		t.Fatalf("block: %v", err)
	}
	if tbl.RunningTid() != parentTid {
		t.Fatalf("running tid = %d, want parent %d after child blocks", tbl.RunningTid(), parentTid)
	}
	if tbl.Get(childTid).State != Blocked {
		t.Fatal("child should be Blocked")
	}

	if err := tbl.WakeupBlocked(reason); err != nil {
		t.Fatalf("wakeup_blocked: %v", err)
	}
	if tbl.Get(childTid).State != Suspended {
		t.Fatal("child should be Suspended (runnable) after wakeup")
	}

	if err := tbl.WakeupBlocked(reason); err == nil {
		t.Fatal("expected second wakeup_blocked on the same reason to fail")
	}
}

func TestThreadCallAllocatesStackAndRuns(t *testing.T) {
	c := newTestCPU(t)
	tbl := New(c)
	a := arena.New(0x20000, 0x30000)

	tid, err := tbl.ThreadCall(a, 0x4000, 0x4100, 0x1000, 42)
	if err != nil {
		t.Fatalf("threadcall: %v", err)
	}
	if c.Regs.PC != 0x4000 {
		t.Fatalf("PC = %#x, want 0x4000", c.Regs.PC)
	}
	if c.Regs.Get(10) != 42 {
		t.Fatalf("a0 = %d, want 42", c.Regs.Get(10))
	}
	if c.Regs.Get(1) != 0x4100 {
		t.Fatalf("ra = %#x, want fini 0x4100", c.Regs.Get(1))
	}

	c.Regs.Set(10, 99) // simulate fn returning a status in a0
	stopped, err := tbl.ThreadCallExit(a)
	if err != nil {
		t.Fatalf("threadcall_exit: %v", err)
	}
	if stopped {
		t.Fatal("main thread is still runnable")
	}
	if tbl.Get(tid).ExitStatus != 99 {
		t.Fatalf("exit status = %d, want 99", tbl.Get(tid).ExitStatus)
	}
	if a.BytesUsed() != 0 {
		t.Fatalf("expected stack freed back to arena, bytes_used=%d", a.BytesUsed())
	}
}
