package cpu

import (
	"math"

	"github.com/Mutzi100/libriscv/fault"
)

// OnECall and OnEBreak are the two trap entry points a Machine wires up:
// ECALL reads the syscall number from a7 itself, while EBREAK is routed to
// the syscall table's reserved last index (spec §6, "the last index is
// reserved for EBREAK"). Splitting them avoids passing an ambiguous flag
// through a single callback.
func (c *CPU) execute(ins *Instruction) error {
	switch ins.Opcode {
	case opLUI:
		c.Regs.Set(ins.Rd, uint64(ins.Imm))
	case opAUIPC:
		c.Regs.Set(ins.Rd, c.Regs.PC+uint64(ins.Imm))
	case opJAL:
		c.Regs.Set(ins.Rd, c.Regs.PC+ins.Size)
		return c.AlignedJump(c.Regs.PC + uint64(ins.Imm))
	case opJALR:
		target := (c.Regs.Get(ins.Rs1) + uint64(ins.Imm)) &^ 1
		ret := c.Regs.PC + ins.Size
		if err := c.AlignedJump(target); err != nil {
			return err
		}
		c.Regs.Set(ins.Rd, ret)
	case opBRANCH:
		return c.execBranch(ins)
	case opLOAD:
		return c.execLoad(ins)
	case opSTORE:
		return c.execStore(ins)
	case opOP_IMM:
		return c.execOpImm(ins, false)
	case opOP_IMM32:
		return c.execOpImm(ins, true)
	case opOP:
		return c.execOp(ins, false)
	case opOP32:
		return c.execOp(ins, true)
	case opMISC_MEM:
		// FENCE/FENCE.I: no-op, single-hart-ordered core (spec §5).
	case opAMO:
		return c.execAMO(ins)
	case opSYSTEM:
		return c.execSystem(ins)
	case opLOAD_FP, opSTORE_FP, opOP_FP, opMADD, opMSUB, opNMSUB, opNMADD:
		return c.execFloat(ins)
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	return nil
}

func (c *CPU) execBranch(ins *Instruction) error {
	a, b := c.Regs.Get(ins.Rs1), c.Regs.Get(ins.Rs2)
	var taken bool
	switch ins.Funct3 {
	case 0x0:
		taken = a == b // BEQ
	case 0x1:
		taken = a != b // BNE
	case 0x4:
		taken = int64(a) < int64(b) // BLT
	case 0x5:
		taken = int64(a) >= int64(b) // BGE
	case 0x6:
		taken = a < b // BLTU
	case 0x7:
		taken = a >= b // BGEU
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	if taken {
		return c.AlignedJump(c.Regs.PC + uint64(ins.Imm))
	}
	return nil
}

func (c *CPU) execLoad(ins *Instruction) error {
	addr := c.Regs.Get(ins.Rs1) + uint64(ins.Imm)
	var size int
	var signed bool
	switch ins.Funct3 {
	case 0x0:
		size, signed = 1, true // LB
	case 0x1:
		size, signed = 2, true // LH
	case 0x2:
		size, signed = 4, true // LW
	case 0x3:
		size, signed = 8, false // LD
	case 0x4:
		size, signed = 1, false // LBU
	case 0x5:
		size, signed = 2, false // LHU
	case 0x6:
		size, signed = 4, false // LWU
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	v, err := c.loadMem(addr, size, signed)
	if err != nil {
		return err
	}
	c.Regs.Set(ins.Rd, v)
	return nil
}

func (c *CPU) execStore(ins *Instruction) error {
	addr := c.Regs.Get(ins.Rs1) + uint64(ins.Imm)
	v := c.Regs.Get(ins.Rs2)
	var size int
	switch ins.Funct3 {
	case 0x0:
		size = 1 // SB
	case 0x1:
		size = 2 // SH
	case 0x2:
		size = 4 // SW
	case 0x3:
		size = 8 // SD
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	return c.storeMem(addr, size, v)
}

func (c *CPU) execOpImm(ins *Instruction, is32 bool) error {
	a := c.Regs.Get(ins.Rs1)
	imm := uint64(ins.Imm)
	var r uint64
	switch ins.Funct3 {
	case 0x0:
		r = a + imm // ADDI
	case 0x1:
		shamt := uint(imm & 0x3F)
		if is32 {
			shamt &= 0x1F
		}
		r = a << shamt // SLLI
	case 0x2:
		r = b2u(int64(a) < int64(imm)) // SLTI
	case 0x3:
		r = b2u(a < imm) // SLTIU
	case 0x4:
		r = a ^ imm // XORI
	case 0x5:
		shamt := uint(imm & 0x3F)
		if is32 {
			shamt &= 0x1F
		}
		if ins.Funct7&0x20 != 0 {
			if is32 {
				r = uint64(uint32(int32(uint32(a)) >> shamt))
			} else {
				r = uint64(int64(a) >> shamt) // SRAI
			}
		} else {
			r = a >> shamt // SRLI
		}
	case 0x6:
		r = a | imm // ORI
	case 0x7:
		r = a & imm // ANDI
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	if is32 {
		r = uint64(int64(int32(r)))
	}
	c.Regs.Set(ins.Rd, r)
	return nil
}

func (c *CPU) execOp(ins *Instruction, is32 bool) error {
	a, bb := c.Regs.Get(ins.Rs1), c.Regs.Get(ins.Rs2)
	if ins.Funct7 == 0x01 {
		return c.execMulDiv(ins, is32, a, bb)
	}
	var r uint64
	switch ins.Funct3 {
	case 0x0:
		if ins.Funct7&0x20 != 0 {
			r = a - bb // SUB
		} else {
			r = a + bb // ADD
		}
	case 0x1:
		shamt := uint(bb & 0x3F)
		if is32 {
			shamt &= 0x1F
		}
		r = a << shamt // SLL
	case 0x2:
		r = b2u(int64(a) < int64(bb)) // SLT
	case 0x3:
		r = b2u(a < bb) // SLTU
	case 0x4:
		r = a ^ bb // XOR
	case 0x5:
		shamt := uint(bb & 0x3F)
		if is32 {
			shamt &= 0x1F
		}
		if ins.Funct7&0x20 != 0 {
			if is32 {
				r = uint64(uint32(int32(uint32(a)) >> shamt))
			} else {
				r = uint64(int64(a) >> shamt) // SRA
			}
		} else {
			r = a >> shamt // SRL
		}
	case 0x6:
		r = a | bb // OR
	case 0x7:
		r = a & bb // AND
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	if is32 {
		r = uint64(int64(int32(r)))
	}
	c.Regs.Set(ins.Rd, r)
	return nil
}

// execMulDiv implements the M extension (spec §4.2, "configured extensions").
func (c *CPU) execMulDiv(ins *Instruction, is32 bool, a, bb uint64) error {
	if !c.Ext.M {
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	var r uint64
	if is32 {
		sa, sb := int32(a), int32(bb)
		switch ins.Funct3 {
		case 0x0: // MULW
			r = uint64(int64(sa * sb))
		case 0x4: // DIVW
			if sb == 0 {
				r = ^uint64(0)
			} else if sa == math.MinInt32 && sb == -1 {
				r = uint64(int64(sa))
			} else {
				r = uint64(int64(sa / sb))
			}
		case 0x5: // DIVUW
			ua, ub := uint32(a), uint32(bb)
			if ub == 0 {
				r = ^uint64(0)
			} else {
				r = uint64(int64(int32(ua / ub)))
			}
		case 0x6: // REMW
			if sb == 0 {
				r = uint64(int64(sa))
			} else if sa == math.MinInt32 && sb == -1 {
				r = 0
			} else {
				r = uint64(int64(sa % sb))
			}
		case 0x7: // REMUW
			ua, ub := uint32(a), uint32(bb)
			if ub == 0 {
				r = uint64(int64(int32(ua)))
			} else {
				r = uint64(int64(int32(ua % ub)))
			}
		default:
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		c.Regs.Set(ins.Rd, r)
		return nil
	}
	sa, sb := int64(a), int64(bb)
	switch ins.Funct3 {
	case 0x0: // MUL
		r = uint64(sa * sb)
	case 0x1: // MULH
		r = uint64(mulHigh(sa, sb))
	case 0x2: // MULHSU
		r = uint64(mulHighSU(sa, bb))
	case 0x3: // MULHU
		hi, _ := bits64MulU(a, bb)
		r = hi
	case 0x4: // DIV
		if sb == 0 {
			r = ^uint64(0)
		} else if sa == math.MinInt64 && sb == -1 {
			r = uint64(sa)
		} else {
			r = uint64(sa / sb)
		}
	case 0x5: // DIVU
		if bb == 0 {
			r = ^uint64(0)
		} else {
			r = a / bb
		}
	case 0x6: // REM
		if sb == 0 {
			r = uint64(sa)
		} else if sa == math.MinInt64 && sb == -1 {
			r = 0
		} else {
			r = uint64(sa % sb)
		}
	case 0x7: // REMU
		if bb == 0 {
			r = a
		} else {
			r = a % bb
		}
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	c.Regs.Set(ins.Rd, r)
	return nil
}

func bits64MulU(a, b uint64) (hi, lo uint64) {
	const mask = 0xFFFFFFFF
	aLo, aHi := a&mask, a>>32
	bLo, bHi := b&mask, b>>32
	t := aLo * bLo
	lo = t & mask
	carry := t >> 32
	t = aHi*bLo + carry
	mid1 := t & mask
	carry = t >> 32
	t = aLo*bHi + mid1
	lo |= (t & mask) << 32
	carry += t >> 32
	hi = aHi*bHi + carry
	return hi, lo
}

func mulHigh(a, b int64) int64 {
	neg := false
	ua, ub := uint64(a), uint64(b)
	if a < 0 {
		ua = uint64(-a)
		neg = !neg
	}
	if b < 0 {
		ub = uint64(-b)
		neg = !neg
	}
	hi, lo := bits64MulU(ua, ub)
	if neg {
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi)
}

func mulHighSU(a int64, b uint64) int64 {
	ua := uint64(a)
	neg := a < 0
	if neg {
		ua = uint64(-a)
	}
	hi, lo := bits64MulU(ua, b)
	if neg {
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi)
}

func b2u(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// execAMO implements the A extension: LR/SC reservation and the AMO*
// read-modify-write forms (spec §4.2, §5). Single-hart-at-a-time execution
// makes the "host-atomic" requirement trivially satisfied within one
// Machine; cross-Machine sharing of the same backing is the embedder's
// responsibility (spec §5).
func (c *CPU) execAMO(ins *Instruction) error {
	if !c.Ext.A {
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	addr := c.Regs.Get(ins.Rs1)
	size := 4
	if ins.Funct3 == 0x3 {
		size = 8
	}
	funct5 := ins.Funct7
	switch funct5 {
	case 0x02: // LR
		v, err := c.loadMem(addr, size, true)
		if err != nil {
			return err
		}
		c.ReserveLoad(addr)
		c.Regs.Set(ins.Rd, v)
		return nil
	case 0x03: // SC
		ok := c.StoreConditional(addr)
		if ok {
			if err := c.storeMem(addr, size, c.Regs.Get(ins.Rs2)); err != nil {
				return err
			}
			c.Regs.Set(ins.Rd, 0)
		} else {
			c.Regs.Set(ins.Rd, 1)
		}
		return nil
	}
	old, err := c.loadMem(addr, size, true)
	if err != nil {
		return err
	}
	rhs := c.Regs.Get(ins.Rs2)
	var result uint64
	switch funct5 {
	case 0x00:
		result = old + rhs // AMOADD
	case 0x01:
		result = rhs // AMOSWAP
	case 0x04:
		result = old ^ rhs // AMOXOR
	case 0x08:
		result = old | rhs // AMOOR
	case 0x0C:
		result = old & rhs // AMOAND
	case 0x10:
		result = amoMin(old, rhs, size, true) // AMOMIN
	case 0x14:
		result = amoMax(old, rhs, size, true) // AMOMAX
	case 0x18:
		result = amoMin(old, rhs, size, false) // AMOMINU
	case 0x1C:
		result = amoMax(old, rhs, size, false) // AMOMAXU
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	if err := c.storeMem(addr, size, result); err != nil {
		return err
	}
	c.Regs.Set(ins.Rd, old)
	return nil
}

func amoMin(a, b uint64, size int, signed bool) uint64 {
	if signed {
		sa, sb := signExtendSize(a, size), signExtendSize(b, size)
		if sa < sb {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}

func amoMax(a, b uint64, size int, signed bool) uint64 {
	if signed {
		sa, sb := signExtendSize(a, size), signExtendSize(b, size)
		if sa > sb {
			return a
		}
		return b
	}
	if a > b {
		return a
	}
	return b
}

func signExtendSize(v uint64, size int) int64 {
	shift := 64 - size*8
	return int64(v<<shift) >> shift
}

// execSystem implements ECALL/EBREAK; CSR instructions (funct3 != 0) are not
// supported by this reduced core and fault as illegal (documented scope
// decision, DESIGN.md).
func (c *CPU) execSystem(ins *Instruction) error {
	if ins.Funct3 != 0 {
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	switch ins.Imm {
	case 0: // ECALL
		if c.OnECall == nil {
			return fault.New(fault.SystemError, c.Regs.PC)
		}
		return c.OnECall(c)
	case 1: // EBREAK
		if c.OnEBreak == nil {
			c.Stop(fault.New(fault.SystemError, c.Regs.PC))
			return nil
		}
		return c.OnEBreak(c)
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
}

func (c *CPU) loadMem(addr uint64, size int, signed bool) (uint64, error) {
	buf := make([]byte, size)
	if err := c.mem.ReadAt(addr, buf); err != nil {
		return 0, err
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	if signed {
		return uint64(signExtendSize(v, size)), nil
	}
	return v, nil
}

func (c *CPU) storeMem(addr uint64, size int, v uint64) error {
	// any store covering the reserved address breaks the LR/SC reservation
	if c.reservation.valid && addr <= c.reservation.addr && c.reservation.addr < addr+uint64(size) {
		c.ClearReservation()
	}
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(v)
		v >>= 8
	}
	return c.mem.WriteAt(addr, buf)
}
