package cpu

import "github.com/Mutzi100/libriscv/fault"

// Instruction is a decoded instruction: enough fields to dispatch any base
// opcode plus the M/A/C/F/D extensions (spec §4.2). Compressed forms are
// expanded into the equivalent base fields at decode time so dispatch has a
// single uniform path, the way a handwritten interpreter's opcode table
// would want it.
type Instruction struct {
	Raw    uint32
	Size   uint64 // 2 (compressed) or 4
	Opcode uint32
	Funct3 uint32
	Funct7 uint32
	Rd     int
	Rs1    int
	Rs2    int
	Rs3    int
	Imm    int64
	Aq     bool
	Rl     bool
	RM     uint32
}

func signExtend(v uint32, bits int) int64 {
	shift := 32 - bits
	return int64(int32(v<<shift)) >> shift
}

// Decode decodes one instruction at the given bytes (little-endian). It
// reads at most 4 bytes from raw (raw may be shorter than 4 if only a
// compressed instruction fits at the tail of a page).
func Decode(raw []byte, ext Extensions) (*Instruction, error) {
	if len(raw) < 2 {
		return nil, fault.New(fault.IllegalInstruction, 0)
	}
	low16 := uint32(raw[0]) | uint32(raw[1])<<8
	if low16&0x3 != 0x3 {
		if !ext.C {
			return nil, fault.New(fault.IllegalInstruction, 0)
		}
		return decode16(low16)
	}
	if len(raw) < 4 {
		return nil, fault.New(fault.IllegalInstruction, 0)
	}
	word := low16 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	return decode32(word)
}

func decode32(word uint32) (*Instruction, error) {
	ins := &Instruction{Raw: word, Size: 4}
	ins.Opcode = word & 0x7F
	ins.Rd = int((word >> 7) & 0x1F)
	ins.Funct3 = (word >> 12) & 0x7
	ins.Rs1 = int((word >> 15) & 0x1F)
	ins.Rs2 = int((word >> 20) & 0x1F)
	ins.Funct7 = (word >> 25) & 0x7F
	ins.Rs3 = int((word >> 27) & 0x1F)
	ins.RM = ins.Funct3

	switch ins.Opcode {
	case opLOAD, opLOAD_FP, opOP_IMM, opOP_IMM32, opJALR, opSYSTEM, opMISC_MEM:
		// I-type
		ins.Imm = signExtend(word>>20, 12)
	case opSTORE, opSTORE_FP:
		// S-type
		imm := ((word >> 25) << 5) | ((word >> 7) & 0x1F)
		ins.Imm = signExtend(imm, 12)
	case opBRANCH:
		// B-type
		imm := ((word >> 31) << 12) | (((word >> 7) & 0x1) << 11) |
			(((word >> 25) & 0x3F) << 5) | (((word >> 8) & 0xF) << 1)
		ins.Imm = signExtend(imm, 13)
	case opLUI, opAUIPC:
		// U-type
		ins.Imm = int64(int32(word & 0xFFFFF000))
	case opJAL:
		// J-type
		imm := ((word >> 31) << 20) | (((word >> 12) & 0xFF) << 12) |
			(((word >> 20) & 0x1) << 11) | (((word >> 21) & 0x3FF) << 1)
		ins.Imm = signExtend(imm, 21)
	case opAMO:
		ins.Rl = word&(1<<25) != 0
		ins.Aq = word&(1<<26) != 0
		ins.Funct7 = (word >> 27) & 0x1F // amo funct5, reused into Funct7 field
	case opOP, opOP32, opOP_FP, opMADD, opMSUB, opNMSUB, opNMADD:
		// R-type / R4-type, no immediate
	default:
		return nil, fault.New(fault.IllegalInstruction, 0)
	}
	return ins, nil
}
