package cpu

import (
	"math"

	"github.com/Mutzi100/libriscv/fault"
)

// execFloat implements a reduced but real F/D extension: loads/stores,
// arithmetic, sign-injection, min/max, compares, and the W/L integer
// conversions, using Go's native float64/float32 ops (round-to-nearest) and
// ignoring the rm field's other rounding modes — a deliberate scope
// reduction from full IEEE-754 rounding-mode fidelity, recorded in
// DESIGN.md. fmt 0 selects single precision, fmt 1 selects double,
// matching funct7's low two bits in the standard OP-FP encoding.
func (c *CPU) execFloat(ins *Instruction) error {
	switch ins.Opcode {
	case opLOAD_FP:
		return c.execLoadFP(ins)
	case opSTORE_FP:
		return c.execStoreFP(ins)
	case opMADD, opMSUB, opNMSUB, opNMADD:
		return c.execFusedMulAdd(ins)
	case opOP_FP:
		return c.execOpFP(ins)
	}
	return fault.New(fault.IllegalInstruction, c.Regs.PC)
}

func (c *CPU) execLoadFP(ins *Instruction) error {
	addr := c.Regs.Get(ins.Rs1) + uint64(ins.Imm)
	switch ins.Funct3 {
	case 0x2: // FLW
		if !c.Ext.F {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		v, err := c.loadMem(addr, 4, false)
		if err != nil {
			return err
		}
		c.Regs.SetF(ins.Rd, nanBoxSingle(uint32(v)))
	case 0x3: // FLD
		if !c.Ext.D {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		v, err := c.loadMem(addr, 8, false)
		if err != nil {
			return err
		}
		c.Regs.SetF(ins.Rd, v)
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	return nil
}

func (c *CPU) execStoreFP(ins *Instruction) error {
	addr := c.Regs.Get(ins.Rs1) + uint64(ins.Imm)
	v := c.Regs.GetF(ins.Rs2)
	switch ins.Funct3 {
	case 0x2: // FSW
		if !c.Ext.F {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		return c.storeMem(addr, 4, v&0xFFFFFFFF)
	case 0x3: // FSD
		if !c.Ext.D {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		return c.storeMem(addr, 8, v)
	}
	return fault.New(fault.IllegalInstruction, c.Regs.PC)
}

// nanBoxSingle sets the upper 32 bits to all ones, per the NaN-boxing rule
// for single-precision values held in a double-wide F register.
func nanBoxSingle(bits uint32) uint64 {
	return uint64(bits) | 0xFFFFFFFF00000000
}

func (c *CPU) fmtEnabled(fmt uint32) bool {
	if fmt == 0 {
		return c.Ext.F
	}
	return c.Ext.D
}

func (c *CPU) getF32(i int) float32 { return math.Float32frombits(uint32(c.Regs.GetF(i))) }
func (c *CPU) getF64(i int) float64 { return math.Float64frombits(c.Regs.GetF(i)) }
func (c *CPU) setF32(i int, v float32) {
	c.Regs.SetF(i, nanBoxSingle(math.Float32bits(v)))
}
func (c *CPU) setF64(i int, v float64) { c.Regs.SetF(i, math.Float64bits(v)) }

func (c *CPU) execFusedMulAdd(ins *Instruction) error {
	fmt := ins.Funct7 & 0x3
	if !c.fmtEnabled(fmt) {
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	negMul := ins.Opcode == opNMSUB || ins.Opcode == opNMADD
	negAdd := ins.Opcode == opMSUB || ins.Opcode == opNMADD
	if fmt == 0 {
		a, b, cc := c.getF32(ins.Rs1), c.getF32(ins.Rs2), c.getF32(ins.Rs3)
		prod := a * b
		if negMul {
			prod = -prod
		}
		if negAdd {
			cc = -cc
		}
		c.setF32(ins.Rd, prod+cc)
		return nil
	}
	a, b, cc := c.getF64(ins.Rs1), c.getF64(ins.Rs2), c.getF64(ins.Rs3)
	prod := a * b
	if negMul {
		prod = -prod
	}
	if negAdd {
		cc = -cc
	}
	c.setF64(ins.Rd, prod+cc)
	return nil
}

func (c *CPU) execOpFP(ins *Instruction) error {
	fmt := ins.Funct7 & 0x3
	funct5 := ins.Funct7 >> 2
	switch funct5 {
	case 0x00, 0x01, 0x02, 0x03, 0x0B: // FADD/FSUB/FMUL/FDIV/FSQRT
		if !c.fmtEnabled(fmt) {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		return c.execFPArith(ins, fmt, funct5)
	case 0x04: // FSGNJ/FSGNJN/FSGNJX
		if !c.fmtEnabled(fmt) {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		return c.execFPSignInject(ins, fmt)
	case 0x05: // FMIN/FMAX
		if !c.fmtEnabled(fmt) {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		return c.execFPMinMax(ins, fmt)
	case 0x14: // FEQ/FLT/FLE
		if !c.fmtEnabled(fmt) {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		return c.execFPCompare(ins, fmt)
	case 0x08: // FCVT.S.D / FCVT.D.S
		return c.execFPConvertFmt(ins, fmt)
	case 0x18: // FCVT.W{,U}.{S,D} / FCVT.L{,U}.{S,D}
		if !c.fmtEnabled(fmt) {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		return c.execFPToInt(ins, fmt)
	case 0x1A: // FCVT.{S,D}.W{,U} / FCVT.{S,D}.L{,U}
		if !c.fmtEnabled(fmt) {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		return c.execIntToFP(ins, fmt)
	case 0x1C: // FMV.X.W / FMV.X.D / FCLASS
		if !c.fmtEnabled(fmt) {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		return c.execFPMove(ins, fmt)
	case 0x1E: // FMV.W.X / FMV.D.X
		if !c.fmtEnabled(fmt) {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		if fmt == 0 {
			c.Regs.SetF(ins.Rd, nanBoxSingle(uint32(c.Regs.Get(ins.Rs1))))
		} else {
			c.Regs.SetF(ins.Rd, c.Regs.Get(ins.Rs1))
		}
		return nil
	}
	return fault.New(fault.IllegalInstruction, c.Regs.PC)
}

func (c *CPU) execFPArith(ins *Instruction, fmt, funct5 uint32) error {
	if fmt == 0 {
		a, b := c.getF32(ins.Rs1), c.getF32(ins.Rs2)
		var r float32
		switch funct5 {
		case 0x00:
			r = a + b
		case 0x01:
			r = a - b
		case 0x02:
			r = a * b
		case 0x03:
			r = a / b
		case 0x0B:
			r = float32(math.Sqrt(float64(a)))
		}
		c.setF32(ins.Rd, r)
		return nil
	}
	a, b := c.getF64(ins.Rs1), c.getF64(ins.Rs2)
	var r float64
	switch funct5 {
	case 0x00:
		r = a + b
	case 0x01:
		r = a - b
	case 0x02:
		r = a * b
	case 0x03:
		r = a / b
	case 0x0B:
		r = math.Sqrt(a)
	}
	c.setF64(ins.Rd, r)
	return nil
}

func (c *CPU) execFPSignInject(ins *Instruction, fmt uint32) error {
	if fmt == 0 {
		a, b := math.Float32bits(c.getF32(ins.Rs1)), math.Float32bits(c.getF32(ins.Rs2))
		const signBit = uint32(1) << 31
		var r uint32
		switch ins.Funct3 {
		case 0: // FSGNJ
			r = (a &^ signBit) | (b & signBit)
		case 1: // FSGNJN
			r = (a &^ signBit) | (^b & signBit)
		case 2: // FSGNJX
			r = a ^ (b & signBit)
		}
		c.Regs.SetF(ins.Rd, nanBoxSingle(r))
		return nil
	}
	a, b := c.Regs.GetF(ins.Rs1), c.Regs.GetF(ins.Rs2)
	const signBit = uint64(1) << 63
	var r uint64
	switch ins.Funct3 {
	case 0:
		r = (a &^ signBit) | (b & signBit)
	case 1:
		r = (a &^ signBit) | (^b & signBit)
	case 2:
		r = a ^ (b & signBit)
	}
	c.Regs.SetF(ins.Rd, r)
	return nil
}

func (c *CPU) execFPMinMax(ins *Instruction, fmt uint32) error {
	if fmt == 0 {
		a, b := c.getF32(ins.Rs1), c.getF32(ins.Rs2)
		var r float32
		if ins.Funct3 == 1 {
			r = float32(math.Max(float64(a), float64(b)))
		} else {
			r = float32(math.Min(float64(a), float64(b)))
		}
		c.setF32(ins.Rd, r)
		return nil
	}
	a, b := c.getF64(ins.Rs1), c.getF64(ins.Rs2)
	var r float64
	if ins.Funct3 == 1 {
		r = math.Max(a, b)
	} else {
		r = math.Min(a, b)
	}
	c.setF64(ins.Rd, r)
	return nil
}

func (c *CPU) execFPCompare(ins *Instruction, fmt uint32) error {
	var result bool
	if fmt == 0 {
		a, b := c.getF32(ins.Rs1), c.getF32(ins.Rs2)
		switch ins.Funct3 {
		case 2:
			result = a == b // FEQ
		case 1:
			result = a < b // FLT
		case 0:
			result = a <= b // FLE
		}
	} else {
		a, b := c.getF64(ins.Rs1), c.getF64(ins.Rs2)
		switch ins.Funct3 {
		case 2:
			result = a == b
		case 1:
			result = a < b
		case 0:
			result = a <= b
		}
	}
	c.Regs.Set(ins.Rd, b2u(result))
	return nil
}

// execFPConvertFmt handles FCVT.S.D (fmt=0, rs2=1 selects D source) and
// FCVT.D.S (fmt=1, rs2=0 selects S source).
func (c *CPU) execFPConvertFmt(ins *Instruction, fmt uint32) error {
	if fmt == 0 {
		if !c.Ext.F || !c.Ext.D {
			return fault.New(fault.IllegalInstruction, c.Regs.PC)
		}
		c.setF32(ins.Rd, float32(c.getF64(ins.Rs1)))
		return nil
	}
	if !c.Ext.F || !c.Ext.D {
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	c.setF64(ins.Rd, float64(c.getF32(ins.Rs1)))
	return nil
}

func (c *CPU) execFPToInt(ins *Instruction, fmt uint32) error {
	var f float64
	if fmt == 0 {
		f = float64(c.getF32(ins.Rs1))
	} else {
		f = c.getF64(ins.Rs1)
	}
	var r uint64
	switch ins.Rs2 {
	case 0: // W
		r = uint64(int64(int32(f)))
	case 1: // WU
		r = uint64(uint32(f))
	case 2: // L
		r = uint64(int64(f))
	case 3: // LU
		r = uint64(f)
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	c.Regs.Set(ins.Rd, r)
	return nil
}

func (c *CPU) execIntToFP(ins *Instruction, fmt uint32) error {
	x := c.Regs.Get(ins.Rs1)
	var f float64
	switch ins.Rs2 {
	case 0: // W
		f = float64(int32(x))
	case 1: // WU
		f = float64(uint32(x))
	case 2: // L
		f = float64(int64(x))
	case 3: // LU
		f = float64(x)
	default:
		return fault.New(fault.IllegalInstruction, c.Regs.PC)
	}
	if fmt == 0 {
		c.setF32(ins.Rd, float32(f))
	} else {
		c.setF64(ins.Rd, f)
	}
	return nil
}

func (c *CPU) execFPMove(ins *Instruction, fmt uint32) error {
	if ins.Funct3 == 1 { // FCLASS
		c.Regs.Set(ins.Rd, c.fclass(ins.Rs1, fmt))
		return nil
	}
	if fmt == 0 {
		c.Regs.Set(ins.Rd, uint64(int64(int32(c.Regs.GetF(ins.Rs1)))))
	} else {
		c.Regs.Set(ins.Rd, c.Regs.GetF(ins.Rs1))
	}
	return nil
}

// fclass produces a reduced FCLASS result covering the bits a guest is most
// likely to actually branch on: zero, infinite, NaN, and "other" (normal or
// subnormal), rather than the full 10-bit classification.
func (c *CPU) fclass(i int, fmt uint32) uint64 {
	if fmt == 0 {
		v := c.getF32(i)
		switch {
		case math.IsNaN(float64(v)):
			return 1 << 9
		case math.IsInf(float64(v), 1):
			return 1 << 7
		case math.IsInf(float64(v), -1):
			return 1 << 0
		case v == 0:
			return 1 << 4
		default:
			return 1 << 6
		}
	}
	v := c.getF64(i)
	switch {
	case math.IsNaN(v):
		return 1 << 9
	case math.IsInf(v, 1):
		return 1 << 7
	case math.IsInf(v, -1):
		return 1 << 0
	case v == 0:
		return 1 << 4
	default:
		return 1 << 6
	}
}
