// Command rvdbg is a local interactive debugger console over a flat RISC-V
// image, driven by machine.Debugger. It is a REPL, not a GDB-RSP server —
// see machine.Debugger's doc comments for that boundary.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lunixbochs/readline"

	"github.com/Mutzi100/libriscv/cpu"
	"github.com/Mutzi100/libriscv/machine"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <flat-image>\n", os.Args[0])
		os.Exit(1)
	}
	image, err := os.ReadFile(os.Args[1])
	if err != nil {
		panic(err)
	}

	m := machine.New(machine.Config{Extensions: cpu.Extensions{M: true, A: true, C: true}})
	loader := machine.FlatLoader{Base: 0x10000, StackBase: 0x1010000, StackSize: 1 << 16}
	if err := loader.Load(m, image); err != nil {
		panic(err)
	}

	rl, err := readline.NewEx(&readline.Config{Prompt: "rvdbg> "})
	if err != nil {
		panic(err)
	}
	defer rl.Close()

	repl(rl, m)
}

func repl(rl *readline.Instance, m *machine.Machine) {
	for {
		rl.SetPrompt(fmt.Sprintf("%#x> ", m.PC()))
		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		if !runCommand(m, strings.TrimSpace(line)) {
			return
		}
	}
}

// runCommand executes one REPL line and reports whether the session should
// continue.
func runCommand(m *machine.Machine, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	switch fields[0] {
	case "quit", "q":
		return false
	case "step", "s":
		if err := m.StepOne(); err != nil {
			fmt.Fprintln(os.Stderr, "fault:", err)
		}
	case "reg", "r":
		if len(fields) < 2 {
			for i := 0; i < 32; i++ {
				fmt.Printf("x%-2d = %#016x\n", i, m.ReadReg(i))
			}
			break
		}
		i, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad register index:", fields[1])
			break
		}
		fmt.Printf("x%d = %#016x\n", i, m.ReadReg(i))
	case "mem", "m":
		if len(fields) < 3 {
			fmt.Fprintln(os.Stderr, "usage: mem <addr> <n>")
			break
		}
		addr, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad address:", fields[1])
			break
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad length:", fields[2])
			break
		}
		data, err := m.ReadMemory(addr, n)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fault:", err)
			break
		}
		fmt.Printf("% x\n", data)
	case "break", "b":
		if len(fields) < 2 {
			fmt.Fprintln(os.Stderr, "usage: break <addr>")
			break
		}
		addr, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad address:", fields[1])
			break
		}
		m.SetBreakpoint(addr, func(c *cpu.CPU) error {
			fmt.Printf("breakpoint hit at %#x\n", c.Regs.PC)
			return nil
		})
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", fields[0])
	}
	return true
}
