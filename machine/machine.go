// Package machine wires Memory, a single CPU, and the optional Threads
// and Arena together into the single object an embedder constructs and
// drives (spec §2, §6). The ELF/program loader, the POSIX syscall table's
// contents, the GDB/RSP server, and the JIT backend are named external
// collaborators out of scope for this core; Machine only specifies the
// interfaces they plug into.
package machine

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/Mutzi100/libriscv/arena"
	"github.com/Mutzi100/libriscv/cpu"
	"github.com/Mutzi100/libriscv/fault"
	"github.com/Mutzi100/libriscv/mmu"
	"github.com/Mutzi100/libriscv/threads"
)

// MaxSyscalls bounds the syscall handler table (spec §6, "MAX >= 384"). The
// last index is reserved for EBREAK.
const MaxSyscalls = 400

// EBreakIndex is the reserved syscall-table slot EBREAK traps dispatch
// through, mirroring a real syscall so the host installs one handler either
// way (spec §6).
const EBreakIndex = MaxSyscalls - 1

// SyscallHandler receives the Machine and reads its arguments from
// registers a0..a7 (spec §6). It returns the value to place in a0, or an
// error to fault the Machine.
type SyscallHandler func(m *Machine) (uint64, error)

// Config mirrors the spec's enumerated construction-time options (spec
// §6).
type Config struct {
	Width            uint
	MemoryMax        uint64
	Extensions       cpu.Extensions
	ProtectSegments  bool
	VerboseLoader    bool
	PageFaultHandler mmu.PageFaultHandler
}

// Machine owns one Memory, one CPU, and the optional Threads/Arena created
// on demand by the host (spec §3 "Lifecycle").
type Machine struct {
	Memory  *mmu.Memory
	CPU     *cpu.CPU
	Threads *threads.Threads
	Arena   *arena.Arena

	syscalls [MaxSyscalls]SyscallHandler
	verbose  bool

	Result    int
	resultSet bool
}

// New constructs a Machine with a fresh Memory and one CPU (spec §3).
func New(cfg Config) *Machine {
	mem := mmu.New(mmu.Config{
		Width:            cfg.Width,
		MemoryMax:        cfg.MemoryMax,
		PageFaultHandler: cfg.PageFaultHandler,
	})
	c := cpu.New(mem, cfg.Extensions)
	m := &Machine{Memory: mem, CPU: c, verbose: cfg.VerboseLoader}
	c.OnECall = m.onECall
	c.OnEBreak = m.onEBreak
	return m
}

// EnableThreads creates the Threads table bound to the Machine's single
// CPU, on demand (spec §3 "Threads ... created on demand by the host").
func (m *Machine) EnableThreads() *threads.Threads {
	if m.Threads == nil {
		m.Threads = threads.New(m.CPU)
	}
	return m.Threads
}

// EnableArena creates the guest heap arena spanning [base, end), on demand.
func (m *Machine) EnableArena(base, end uint64) *arena.Arena {
	if m.Arena == nil {
		m.Arena = arena.New(base, end)
	}
	return m.Arena
}

// InstallSyscallHandler registers fn for guest syscall number nr (spec §6).
// nr must be in [0, MaxSyscalls); EBreakIndex is reserved for EBREAK and
// may also be installed explicitly to customize EBREAK's behavior.
func (m *Machine) InstallSyscallHandler(nr int, fn SyscallHandler) error {
	if nr < 0 || nr >= MaxSyscalls {
		return errors.Errorf("install_syscall_handler: nr %d out of range [0, %d)", nr, MaxSyscalls)
	}
	m.syscalls[nr] = fn
	return nil
}

// Stop requests the Machine halt with the given result, surfaced from
// Simulate once the current instruction retires.
func (m *Machine) Stop(result int) {
	m.Result = result
	m.resultSet = true
	m.CPU.Stop(nil)
}

// Stopped reports whether a syscall handler has called Stop.
func (m *Machine) Stopped() bool { return m.resultSet }

func (m *Machine) onECall(c *cpu.CPU) error {
	nr := int(c.Regs.Get(17)) // a7
	return m.dispatchSyscall(nr)
}

func (m *Machine) onEBreak(c *cpu.CPU) error {
	return m.dispatchSyscall(EBreakIndex)
}

func (m *Machine) dispatchSyscall(nr int) error {
	if nr < 0 || nr >= MaxSyscalls || m.syscalls[nr] == nil {
		if m.verbose {
			fmt.Fprintf(os.Stderr, "libriscv: unhandled syscall %d at pc=%#x\n", nr, m.CPU.Regs.PC)
		}
		return fault.New(fault.SystemError, m.CPU.Regs.PC)
	}
	ret, err := m.syscalls[nr](m)
	if err != nil {
		return err
	}
	m.CPU.Regs.Set(10, ret)
	return nil
}

// Simulate runs the CPU until it stops, faults, or exhausts budget,
// treating a Stop() call from within a syscall handler as a clean return
// rather than propagating fault.OutOfBudget or any other error (spec §4.2,
// §7).
func (m *Machine) Simulate(budget uint64) error {
	err := m.CPU.Simulate(budget)
	if m.resultSet {
		return nil
	}
	return err
}
