package asm

import (
	"errors"
	"testing"
)

func TestEncodeExtractRoundTrip(t *testing.T) {
	ins := Encode(OpJneImm, 3, 7, -2, -100)
	if ins.Op() != OpJneImm {
		t.Errorf("Op() = 0x%02x, want 0x%02x", ins.Op(), OpJneImm)
	}
	if ins.Dst() != 3 {
		t.Errorf("Dst() = %d, want 3", ins.Dst())
	}
	if ins.Src() != 7 {
		t.Errorf("Src() = %d, want 7", ins.Src())
	}
	if ins.Off() != -2 {
		t.Errorf("Off() = %d, want -2", ins.Off())
	}
	if ins.Imm() != -100 {
		t.Errorf("Imm() = %d, want -100", ins.Imm())
	}
}

func TestDecodeValidStream(t *testing.T) {
	text := Marshal([]Instruction{
		Mov64Imm(R0, 42),
		Exit(),
	})
	insns, err := Decode(text)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(insns) != 2 {
		t.Fatalf("len = %d, want 2", len(insns))
	}
	if insns[0].Op() != OpMov64Imm || insns[0].Imm() != 42 {
		t.Errorf("insn 0 = %s, want mov64 r0, 42", insns[0])
	}
	if insns[1].Op() != OpExit {
		t.Errorf("insn 1 = %s, want exit", insns[1])
	}
}

func TestDecodeTruncatedStream(t *testing.T) {
	text := Marshal([]Instruction{Mov64Imm(R0, 1), Exit()})
	_, err := Decode(text[:len(text)-3])
	if !errors.Is(err, ErrTruncatedInstruction) {
		t.Errorf("expected ErrTruncatedInstruction, got %v", err)
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	text := Marshal([]Instruction{
		Mov64Imm(R0, 1),
		Encode(0xfe, 0, 0, 0, 0),
		Exit(),
	})
	_, err := Decode(text)
	if !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("expected ErrUnknownOpcode, got %v", err)
	}
}

func TestDecodeLddwPair(t *testing.T) {
	wide := LoadImm64(R1, 0xdeadbeefcafe0123)
	text := Marshal([]Instruction{wide[0], wide[1], Exit()})
	insns, err := Decode(text)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := WideImm(insns[0], insns[1]); got != 0xdeadbeefcafe0123 {
		t.Errorf("WideImm = %#x, want 0xdeadbeefcafe0123", got)
	}
}

func TestDecodeLddwMissingSecondSlot(t *testing.T) {
	wide := LoadImm64(R1, 1)
	text := Marshal([]Instruction{wide[0]})
	_, err := Decode(text)
	if !errors.Is(err, ErrTruncatedInstruction) {
		t.Errorf("expected ErrTruncatedInstruction, got %v", err)
	}
}

func TestDecodeLddwBadContinuation(t *testing.T) {
	wide := LoadImm64(R1, 1)
	text := Marshal([]Instruction{wide[0], Mov64Imm(R0, 0), Exit()})
	_, err := Decode(text)
	if !errors.Is(err, ErrMisalignedOffset) {
		t.Errorf("expected ErrMisalignedOffset, got %v", err)
	}
}

func TestDecodeDeterministic(t *testing.T) {
	text := Marshal([]Instruction{
		Mov64Imm(R0, 7),
		Encode(0xfd, 0, 0, 0, 0),
	})
	_, err1 := Decode(text)
	_, err2 := Decode(text)
	if err1 == nil || err2 == nil {
		t.Fatal("expected errors")
	}
	if err1.Error() != err2.Error() {
		t.Errorf("errors differ: %q vs %q", err1, err2)
	}
}

func TestOpNames(t *testing.T) {
	tests := []struct {
		op   uint8
		want string
	}{
		{OpExit, "exit"},
		{OpCall, "call"},
		{OpMov64Imm, "mov64"},
		{OpAdd32Reg, "add32"},
		{OpLdxdw, "ldxdw"},
		{OpJsle32Reg, "jsle32"},
		{0xff, "invalid"},
	}
	for _, tt := range tests {
		if got := OpName(tt.op); got != tt.want {
			t.Errorf("OpName(0x%02x) = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	in := []Instruction{Mov64Imm(R0, 3), Add64Imm(R0, 4), Exit()}
	out, err := Decode(Marshal(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("insn %d: %#x != %#x", i, uint64(in[i]), uint64(out[i]))
		}
	}
}
