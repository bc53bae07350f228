package machine

import "github.com/Mutzi100/libriscv/cpu"

// Debugger is the set of operations an external GDB-Remote-Serial-Protocol
// server needs to drive a Machine (spec §6). The server itself — the wire
// protocol, the network listener — is explicitly out of scope for this
// core; Machine just needs to expose enough surface for one to be built
// against it.
type Debugger interface {
	StepOne() error
	ReadReg(i int) uint64
	WriteReg(i int, v uint64)
	ReadMemory(addr uint64, n int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error
	SetBreakpoint(addr uint64, bp cpu.Breakpoint)
	PC() uint64
}

var _ Debugger = (*Machine)(nil)

// StepOne executes exactly one instruction (spec §4.2).
func (m *Machine) StepOne() error { return m.CPU.StepOne() }

// ReadReg returns integer register i; x0 always reads zero.
func (m *Machine) ReadReg(i int) uint64 { return m.CPU.Regs.Get(i) }

// WriteReg sets integer register i; writes to x0 are discarded.
func (m *Machine) WriteReg(i int, v uint64) { m.CPU.Regs.Set(i, v) }

// ReadMemory reads n bytes from guest address addr.
func (m *Machine) ReadMemory(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := m.Memory.ReadAt(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteMemory writes data to guest address addr.
func (m *Machine) WriteMemory(addr uint64, data []byte) error {
	return m.Memory.WriteAt(addr, data)
}

// SetBreakpoint installs or clears a breakpoint at addr.
func (m *Machine) SetBreakpoint(addr uint64, bp cpu.Breakpoint) {
	m.CPU.SetBreakpoint(addr, bp)
}

// PC returns the current program counter.
func (m *Machine) PC() uint64 { return m.CPU.Regs.PC }
