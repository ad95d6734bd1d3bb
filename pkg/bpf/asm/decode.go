package asm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// InstructionSize is the width of one instruction slot in bytes.
const InstructionSize = 8

var (
	// ErrTruncatedInstruction is returned when the byte stream does not
	// divide into whole slots, or a wide instruction is missing its
	// second slot.
	ErrTruncatedInstruction = errors.New("truncated instruction")

	// ErrUnknownOpcode is returned for an opcode outside the supported set.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrMisalignedOffset is returned when a wide-instruction continuation
	// slot carries a non-zero opcode byte, i.e. the stream is not aligned
	// to instruction boundaries.
	ErrMisalignedOffset = errors.New("misaligned instruction stream")
)

// Decode validates a little-endian byte stream and returns its instruction
// slots. A wide lddw occupies two entries in the result so that slot indices
// match jump-offset arithmetic; the continuation slot is retained as-is.
//
// Decode is pure. The same bytes always yield the same instructions or the
// same error.
func Decode(text []byte) ([]Instruction, error) {
	if len(text)%InstructionSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d",
			ErrTruncatedInstruction, len(text), InstructionSize)
	}

	n := len(text) / InstructionSize
	insns := make([]Instruction, n)
	for i := 0; i < n; i++ {
		insns[i] = Instruction(binary.LittleEndian.Uint64(text[i*InstructionSize:]))
	}

	for i := 0; i < n; i++ {
		ins := insns[i]
		op := ins.Op()
		if _, ok := Lookup(op); !ok {
			return nil, fmt.Errorf("%w: 0x%02x at instruction %d", ErrUnknownOpcode, op, i)
		}
		if op == OpLddw {
			if i+1 >= n {
				return nil, fmt.Errorf("%w: lddw at instruction %d missing second slot",
					ErrTruncatedInstruction, i)
			}
			cont := insns[i+1]
			if cont.Op() != 0 {
				return nil, fmt.Errorf("%w: lddw continuation at instruction %d has opcode 0x%02x",
					ErrMisalignedOffset, i+1, cont.Op())
			}
			i++ // skip the continuation slot
		}
	}
	return insns, nil
}

// WideImm assembles the 64-bit immediate of a lddw from its two slots.
func WideImm(lo, hi Instruction) uint64 {
	return uint64(lo.Uimm()) | uint64(hi.Uimm())<<32
}

// Marshal encodes instruction slots back into little-endian bytes.
func Marshal(insns []Instruction) []byte {
	out := make([]byte, len(insns)*InstructionSize)
	for i, ins := range insns {
		binary.LittleEndian.PutUint64(out[i*InstructionSize:], uint64(ins))
	}
	return out
}
