package cpu

// Extensions toggles which optional instruction groups the decoder
// recognizes, mirroring the "configured extensions (M, A, C, F, D)" language
// of spec §4.2.
type Extensions struct {
	M bool // integer multiply/divide
	A bool // atomics (LR/SC, AMO*)
	C bool // compressed 16-bit instructions
	F bool // single-precision float
	D bool // double-precision float
}

// BlockReason is a guest-supplied integer tag distinguishing why a thread is
// blocked (spec §3, §4.4). The CPU core treats it as an opaque int; Threads
// gives it meaning.
type BlockReason int

// Standard RISC-V opcode field values (low 7 bits of a 32-bit instruction).
const (
	opLOAD     = 0x03
	opLOAD_FP  = 0x07
	opMISC_MEM = 0x0F
	opOP_IMM   = 0x13
	opAUIPC    = 0x17
	opOP_IMM32 = 0x1B
	opSTORE    = 0x23
	opSTORE_FP = 0x27
	opAMO      = 0x2F
	opOP       = 0x33
	opLUI      = 0x37
	opOP32     = 0x3B
	opMADD     = 0x43
	opMSUB     = 0x47
	opNMSUB    = 0x4B
	opNMADD    = 0x4F
	opOP_FP    = 0x53
	opBRANCH   = 0x63
	opJALR     = 0x67
	opJAL      = 0x6F
	opSYSTEM   = 0x73
)
