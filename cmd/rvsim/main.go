// Command rvsim runs a flat RISC-V binary image to completion, printing
// guest writes to stdout/stderr via a minimal demo syscall table (write,
// exit, exit_group). It is not a POSIX environment — see machine.Loader and
// machine.Machine's doc comments for what a real embedder plugs in instead.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/Mutzi100/libriscv/cpu"
	"github.com/Mutzi100/libriscv/machine"
)

const (
	sysExit      = 93
	sysExitGroup = 94
	sysWrite     = 64
)

func main() {
	fs := flag.NewFlagSet("rvsim", flag.ExitOnError)
	verbose := fs.Bool("v", false, "log unhandled syscalls to stderr")
	budget := fs.Uint64("budget", 10_000_000, "max instructions to execute before giving up")
	base := fs.Uint64("base", 0x10000, "load address of the flat image")
	stackSize := fs.Uint64("stack", 1<<20, "guest stack size in bytes")
	width := fs.Uint("width", 64, "address width in bits (32 or 64)")
	save := fs.String("save", "", "write a serialized snapshot here after the run")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <flat-image>\n", os.Args[0])
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])
	args := fs.Args()
	if len(args) < 1 {
		fs.Usage()
		os.Exit(1)
	}

	image, err := os.ReadFile(args[0])
	if err != nil {
		panic(err)
	}

	m := machine.New(machine.Config{
		Width:         *width,
		Extensions:    cpu.Extensions{M: true, A: true, C: true},
		VerboseLoader: *verbose,
	})
	loader := machine.FlatLoader{
		Base:      *base,
		StackBase: *base + 0x01000000,
		StackSize: *stackSize,
	}
	if err := loader.Load(m, image); err != nil {
		panic(err)
	}
	installDemoSyscalls(m)

	if err := m.Simulate(*budget); err != nil {
		fmt.Fprintln(os.Stderr, "rvsim:", err)
		os.Exit(1)
	}

	if *save != "" {
		blob, err := m.Serialize()
		if err != nil {
			panic(err)
		}
		if err := os.WriteFile(*save, blob, 0o644); err != nil {
			panic(err)
		}
	}
	os.Exit(m.Result)
}

// installDemoSyscalls wires just enough of a POSIX-flavored ABI to run a
// "hello world" style flat image: write(2) to fd 1/2, and exit/exit_group.
// A real embedder supplies its own syscall table (spec §6); this one exists
// only so rvsim is runnable standalone.
func installDemoSyscalls(m *machine.Machine) {
	must(m.InstallSyscallHandler(sysExit, func(m *machine.Machine) (uint64, error) {
		status := int(int32(m.CPU.Regs.Get(10)))
		m.Stop(status)
		return 0, nil
	}))
	must(m.InstallSyscallHandler(sysExitGroup, func(m *machine.Machine) (uint64, error) {
		status := int(int32(m.CPU.Regs.Get(10)))
		m.Stop(status)
		return 0, nil
	}))
	must(m.InstallSyscallHandler(sysWrite, func(m *machine.Machine) (uint64, error) {
		fd := m.CPU.Regs.Get(10)
		addr := m.CPU.Regs.Get(11)
		length := m.CPU.Regs.Get(12)
		buf := make([]byte, length)
		if err := m.Memory.ReadAt(addr, buf); err != nil {
			return 0, err
		}
		var out *os.File
		switch fd {
		case 1:
			out = os.Stdout
		case 2:
			out = os.Stderr
		default:
			return ^uint64(0), errors.Errorf("write: unsupported fd %d", fd)
		}
		n, err := out.Write(buf)
		if err != nil {
			return 0, err
		}
		return uint64(n), nil
	}))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
