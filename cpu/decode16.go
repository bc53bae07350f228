package cpu

import "github.com/Mutzi100/libriscv/fault"

// decode16 expands a 16-bit compressed instruction into the equivalent
// base-ISA Instruction fields, so dispatch only needs one execute path
// (spec §4.2, "the decode step returns a handler pointer plus the raw
// format"). Covers the common quadrant-0/1/2 forms; anything else is an
// illegal instruction, which is the correct fallback for a reduced-C
// decoder per spec §7.
func decode16(word uint32) (*Instruction, error) {
	quadrant := word & 0x3
	funct3 := (word >> 13) & 0x7

	switch quadrant {
	case 0x0:
		switch funct3 {
		case 0x0: // C.ADDI4SPN
			rd := CReg((word >> 2) & 0x7)
			imm := ((word>>6)&0x1)<<2 | ((word>>5)&0x1)<<3 | ((word>>11)&0x3)<<4 |
				((word>>7)&0xF)<<6
			return iType(opOP_IMM, rd, 2, 0x0, int64(imm)), nil
		case 0x2: // C.LW
			rd := CReg((word >> 2) & 0x7)
			rs1 := CReg((word >> 7) & 0x7)
			imm := ((word>>6)&0x1)<<2 | ((word>>10)&0x7)<<3 | ((word>>5)&0x1)<<6
			return loadType(opLOAD, 0x2, rd, rs1, int64(imm)), nil
		case 0x3: // C.LD (RV64)
			rd := CReg((word >> 2) & 0x7)
			rs1 := CReg((word >> 7) & 0x7)
			imm := ((word>>10)&0x7)<<3 | ((word>>5)&0x3)<<6
			return loadType(opLOAD, 0x3, rd, rs1, int64(imm)), nil
		case 0x6: // C.SW
			rs1 := CReg((word >> 7) & 0x7)
			rs2 := CReg((word >> 2) & 0x7)
			imm := ((word>>6)&0x1)<<2 | ((word>>10)&0x7)<<3 | ((word>>5)&0x1)<<6
			return storeType(opSTORE, 0x2, rs1, rs2, int64(imm)), nil
		case 0x7: // C.SD (RV64)
			rs1 := CReg((word >> 7) & 0x7)
			rs2 := CReg((word >> 2) & 0x7)
			imm := ((word>>10)&0x7)<<3 | ((word>>5)&0x3)<<6
			return storeType(opSTORE, 0x3, rs1, rs2, int64(imm)), nil
		}
	case 0x1:
		rdrs1 := int((word >> 7) & 0x1F)
		switch funct3 {
		case 0x0: // C.ADDI / C.NOP
			imm := signExtend(((word>>12)&0x1)<<5|((word>>2)&0x1F), 6)
			return iType(opOP_IMM, rdrs1, rdrs1, 0x0, imm), nil
		case 0x1: // C.ADDIW (RV64)
			imm := signExtend(((word>>12)&0x1)<<5|((word>>2)&0x1F), 6)
			return iType(opOP_IMM32, rdrs1, rdrs1, 0x0, imm), nil
		case 0x2: // C.LI
			imm := signExtend(((word>>12)&0x1)<<5|((word>>2)&0x1F), 6)
			return iType(opOP_IMM, rdrs1, 0, 0x0, imm), nil
		case 0x3:
			if rdrs1 == 2 { // C.ADDI16SP
				imm := signExtend(
					((word>>12)&0x1)<<9|((word>>6)&0x1)<<4|((word>>5)&0x1)<<6|
						((word>>3)&0x3)<<7|((word>>2)&0x1)<<5, 10)
				return iType(opOP_IMM, 2, 2, 0x0, imm), nil
			}
			// C.LUI
			imm := signExtend(((word>>12)&0x1)<<17|((word>>2)&0x1F)<<12, 18)
			ins := &Instruction{Raw: word, Size: 2, Opcode: opLUI, Rd: rdrs1, Imm: imm}
			return ins, nil
		case 0x4: // C.SRLI/C.SRAI/C.ANDI (CB, funct2)
			rd := CReg((word >> 7) & 0x7)
			funct2 := (word >> 10) & 0x3
			shamt := ((word>>12)&0x1)<<5 | ((word >> 2) & 0x1F)
			switch funct2 {
			case 0x0: // SRLI
				return &Instruction{Raw: word, Size: 2, Opcode: opOP_IMM, Funct3: 0x5, Funct7: 0x00, Rd: rd, Rs1: rd, Imm: int64(shamt)}, nil
			case 0x1: // SRAI
				return &Instruction{Raw: word, Size: 2, Opcode: opOP_IMM, Funct3: 0x5, Funct7: 0x20, Rd: rd, Rs1: rd, Imm: int64(shamt)}, nil
			case 0x2: // ANDI
				imm := signExtend(((word>>12)&0x1)<<5|((word>>2)&0x1F), 6)
				return iType(opOP_IMM, rd, rd, 0x7, imm), nil
			case 0x3: // CA: SUB/XOR/OR/AND/SUBW/ADDW
				rs2 := CReg((word >> 2) & 0x7)
				sel := ((word >> 12) & 0x1 << 2) | ((word >> 5) & 0x3)
				switch sel {
				case 0x0:
					return rType(opOP, 0x0, 0x20, rd, rd, rs2), nil // SUB
				case 0x1:
					return rType(opOP, 0x4, 0x00, rd, rd, rs2), nil // XOR
				case 0x2:
					return rType(opOP, 0x6, 0x00, rd, rd, rs2), nil // OR
				case 0x3:
					return rType(opOP, 0x7, 0x00, rd, rd, rs2), nil // AND
				case 0x4:
					return rType(opOP32, 0x0, 0x20, rd, rd, rs2), nil // SUBW
				case 0x5:
					return rType(opOP32, 0x0, 0x00, rd, rd, rs2), nil // ADDW
				}
			}
		case 0x5: // C.J
			imm := cjImm(word)
			return &Instruction{Raw: word, Size: 2, Opcode: opJAL, Rd: 0, Imm: imm}, nil
		case 0x6: // C.BEQZ
			rs1 := CReg((word >> 7) & 0x7)
			imm := cbImm(word)
			return &Instruction{Raw: word, Size: 2, Opcode: opBRANCH, Funct3: 0x0, Rs1: rs1, Rs2: 0, Imm: imm}, nil
		case 0x7: // C.BNEZ
			rs1 := CReg((word >> 7) & 0x7)
			imm := cbImm(word)
			return &Instruction{Raw: word, Size: 2, Opcode: opBRANCH, Funct3: 0x1, Rs1: rs1, Rs2: 0, Imm: imm}, nil
		}
	case 0x2:
		rdrs1 := int((word >> 7) & 0x1F)
		switch funct3 {
		case 0x0: // C.SLLI
			shamt := ((word>>12)&0x1)<<5 | ((word >> 2) & 0x1F)
			return &Instruction{Raw: word, Size: 2, Opcode: opOP_IMM, Funct3: 0x1, Funct7: 0x00, Rd: rdrs1, Rs1: rdrs1, Imm: int64(shamt)}, nil
		case 0x2: // C.LWSP
			imm := ((word>>4)&0x7)<<2 | ((word>>12)&0x1)<<5 | ((word>>2)&0x3)<<6
			return loadType(opLOAD, 0x2, rdrs1, 2, int64(imm)), nil
		case 0x3: // C.LDSP (RV64)
			imm := ((word>>5)&0x3)<<3 | ((word>>12)&0x1)<<5 | ((word>>2)&0x7)<<6
			return loadType(opLOAD, 0x3, rdrs1, 2, int64(imm)), nil
		case 0x4: // C.JR / C.JALR / C.MV / C.ADD / C.EBREAK
			rs2 := int((word >> 2) & 0x1F)
			bit12 := (word >> 12) & 0x1
			if bit12 == 0 {
				if rs2 == 0 { // C.JR
					return &Instruction{Raw: word, Size: 2, Opcode: opJALR, Rd: 0, Rs1: rdrs1, Imm: 0}, nil
				}
				// C.MV
				return rType(opOP, 0x0, 0x00, rdrs1, 0, rs2), nil
			}
			if rs2 == 0 {
				if rdrs1 == 0 { // C.EBREAK
					return &Instruction{Raw: word, Size: 2, Opcode: opSYSTEM, Funct3: 0x0, Imm: 1}, nil
				}
				// C.JALR
				return &Instruction{Raw: word, Size: 2, Opcode: opJALR, Rd: 1, Rs1: rdrs1, Imm: 0}, nil
			}
			// C.ADD
			return rType(opOP, 0x0, 0x00, rdrs1, rdrs1, rs2), nil
		case 0x6: // C.SWSP
			rs2 := int((word >> 2) & 0x1F)
			imm := ((word>>9)&0xF)<<2 | ((word>>7)&0x3)<<6
			return storeType(opSTORE, 0x2, 2, rs2, int64(imm)), nil
		case 0x7: // C.SDSP (RV64)
			rs2 := int((word >> 2) & 0x1F)
			imm := ((word>>10)&0x7)<<3 | ((word>>7)&0x7)<<6
			return storeType(opSTORE, 0x3, 2, rs2, int64(imm)), nil
		}
	}
	return nil, fault.New(fault.IllegalInstruction, 0)
}

func iType(opcode uint32, rd, rs1 int, funct3 uint32, imm int64) *Instruction {
	return &Instruction{Opcode: opcode, Rd: rd, Funct3: funct3, Rs1: rs1, Imm: imm, Size: 2}
}

func loadType(opcode uint32, funct3 uint32, rd, rs1 int, imm int64) *Instruction {
	return &Instruction{Opcode: opcode, Funct3: funct3, Rd: rd, Rs1: rs1, Imm: imm, Size: 2}
}

func storeType(opcode uint32, funct3 uint32, rs1, rs2 int, imm int64) *Instruction {
	return &Instruction{Opcode: opcode, Funct3: funct3, Rs1: rs1, Rs2: rs2, Imm: imm, Size: 2}
}

func rType(opcode uint32, funct3, funct7 uint32, rd, rs1, rs2 int) *Instruction {
	return &Instruction{Opcode: opcode, Funct3: funct3, Funct7: funct7, Rd: rd, Rs1: rs1, Rs2: rs2, Size: 2}
}

func cjImm(word uint32) int64 {
	imm := ((word>>12)&0x1)<<11 | ((word>>8)&0x1)<<10 | ((word>>9)&0x3)<<8 |
		((word>>6)&0x1)<<7 | ((word>>7)&0x1)<<6 | ((word>>2)&0x1)<<5 |
		((word>>11)&0x1)<<4 | ((word>>3)&0x7)<<1
	return signExtend(imm, 12)
}

func cbImm(word uint32) int64 {
	imm := ((word>>12)&0x1)<<8 | ((word>>5)&0x3)<<6 | ((word>>2)&0x1)<<5 |
		((word>>10)&0x3)<<3 | ((word>>3)&0x3)<<1
	return signExtend(imm, 9)
}

