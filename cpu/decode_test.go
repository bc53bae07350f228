package cpu

import "testing"

func TestDecodeAddiImmediateSignExtends(t *testing.T) {
	// addi a0, x0, -1: imm=0xFFF, rs1=0, rd=10
	word := uint32(0xFFF00513)
	raw := []byte{byte(word), byte(word >> 8), byte(word >> 16), byte(word >> 24)}
	ins, err := Decode(raw, Extensions{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ins.Opcode != opOP_IMM || ins.Rd != 10 || ins.Rs1 != 0 {
		t.Fatalf("unexpected fields: %+v", ins)
	}
	if ins.Imm != -1 {
		t.Fatalf("imm = %d, want -1", ins.Imm)
	}
	if ins.Size != 4 {
		t.Fatalf("size = %d, want 4", ins.Size)
	}
}

func TestDecodeRejectsCompressedWithoutExtension(t *testing.T) {
	raw := []byte{0x01, 0x00} // low bits != 11, a compressed encoding
	_, err := Decode(raw, Extensions{C: false})
	if err == nil {
		t.Fatal("expected a fault when C is disabled")
	}
}

func TestDecode16CAddi4spn(t *testing.T) {
	// Word 0x0000 takes the C.ADDI4SPN path (quadrant 0, funct3 0) with
	// rd=x8 and a zero immediate; per the quadrant-0 layout, imm bits come
	// from word fields 12:11,10:7,6,5. This test only pins the
	// quadrant/opcode routing, not every immediate bit.
	word := uint32(0x0000) // funct3=0, quadrant=0 -> C.ADDI4SPN path
	ins, err := decode16(word)
	if err != nil {
		t.Fatalf("decode16: %v", err)
	}
	if ins.Opcode != opOP_IMM {
		t.Fatalf("opcode = %#x, want OP_IMM", ins.Opcode)
	}
	if ins.Rs1 != 2 {
		t.Fatalf("rs1 = %d, want 2 (sp)", ins.Rs1)
	}
}

func TestDecode16UndefinedFormIsIllegal(t *testing.T) {
	// quadrant 0, funct3 0x1 is not a defined RV64C form in this decoder.
	word := uint32(0x2000)
	_, err := decode16(word)
	if err == nil {
		t.Fatal("expected an illegal-instruction fault")
	}
}
