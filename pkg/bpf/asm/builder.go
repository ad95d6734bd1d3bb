package asm

// Instruction builders. Used by tests and by the CLI's demo assembler;
// dispatch never constructs instructions at runtime.

// Mov64Imm sets dst = imm (sign extended).
func Mov64Imm(dst uint8, imm int32) Instruction {
	return Encode(OpMov64Imm, dst, 0, 0, imm)
}

// Mov64Reg sets dst = src.
func Mov64Reg(dst, src uint8) Instruction {
	return Encode(OpMov64Reg, dst, src, 0, 0)
}

// Mov32Imm sets the lower 32 bits of dst to imm and zeroes the upper half.
func Mov32Imm(dst uint8, imm int32) Instruction {
	return Encode(OpMov32Imm, dst, 0, 0, imm)
}

// Add64Imm sets dst += imm.
func Add64Imm(dst uint8, imm int32) Instruction {
	return Encode(OpAdd64Imm, dst, 0, 0, imm)
}

// Add64Reg sets dst += src.
func Add64Reg(dst, src uint8) Instruction {
	return Encode(OpAdd64Reg, dst, src, 0, 0)
}

// Sub64Imm sets dst -= imm.
func Sub64Imm(dst uint8, imm int32) Instruction {
	return Encode(OpSub64Imm, dst, 0, 0, imm)
}

// Mul64Imm sets dst *= imm.
func Mul64Imm(dst uint8, imm int32) Instruction {
	return Encode(OpMul64Imm, dst, 0, 0, imm)
}

// Div64Imm sets dst /= imm (unsigned).
func Div64Imm(dst uint8, imm int32) Instruction {
	return Encode(OpDiv64Imm, dst, 0, 0, imm)
}

// Div64Reg sets dst /= src (unsigned).
func Div64Reg(dst, src uint8) Instruction {
	return Encode(OpDiv64Reg, dst, src, 0, 0)
}

// Mod64Reg sets dst %= src (unsigned).
func Mod64Reg(dst, src uint8) Instruction {
	return Encode(OpMod64Reg, dst, src, 0, 0)
}

// And64Imm sets dst &= imm.
func And64Imm(dst uint8, imm int32) Instruction {
	return Encode(OpAnd64Imm, dst, 0, 0, imm)
}

// Lsh64Imm sets dst <<= imm.
func Lsh64Imm(dst uint8, imm int32) Instruction {
	return Encode(OpLsh64Imm, dst, 0, 0, imm)
}

// Rsh64Imm sets dst >>= imm (logical).
func Rsh64Imm(dst uint8, imm int32) Instruction {
	return Encode(OpRsh64Imm, dst, 0, 0, imm)
}

// LoadImm64 builds the two slots of a lddw loading a 64-bit immediate.
func LoadImm64(dst uint8, imm uint64) [2]Instruction {
	return [2]Instruction{
		Encode(OpLddw, dst, 0, 0, int32(uint32(imm))),
		Encode(0, 0, 0, 0, int32(uint32(imm>>32))),
	}
}

// LdxMem loads size bytes from src+off into dst. size is one of SizeB,
// SizeH, SizeW, SizeDW.
func LdxMem(size uint8, dst, src uint8, off int16) Instruction {
	return Encode(ClassLdx|ModeMem|size, dst, src, off, 0)
}

// StxMem stores size bytes of src to dst+off.
func StxMem(size uint8, dst, src uint8, off int16) Instruction {
	return Encode(ClassStx|ModeMem|size, dst, src, off, 0)
}

// StMem stores an immediate of size bytes to dst+off.
func StMem(size uint8, dst uint8, off int16, imm int32) Instruction {
	return Encode(ClassSt|ModeMem|size, dst, 0, off, imm)
}

// Ja jumps unconditionally by off slots.
func Ja(off int16) Instruction {
	return Encode(OpJa, 0, 0, off, 0)
}

// JeqImm jumps by off slots if dst == imm.
func JeqImm(dst uint8, imm int32, off int16) Instruction {
	return Encode(OpJeqImm, dst, 0, off, imm)
}

// JneImm jumps by off slots if dst != imm.
func JneImm(dst uint8, imm int32, off int16) Instruction {
	return Encode(OpJneImm, dst, 0, off, imm)
}

// JgtImm jumps by off slots if dst > imm (unsigned).
func JgtImm(dst uint8, imm int32, off int16) Instruction {
	return Encode(OpJgtImm, dst, 0, off, imm)
}

// JgeReg jumps by off slots if dst >= src (unsigned).
func JgeReg(dst, src uint8, off int16) Instruction {
	return Encode(OpJgeReg, dst, src, off, 0)
}

// JsltImm jumps by off slots if dst < imm (signed).
func JsltImm(dst uint8, imm int32, off int16) Instruction {
	return Encode(OpJsltImm, dst, 0, off, imm)
}

// Call invokes helper id.
func Call(id int32) Instruction {
	return Encode(OpCall, 0, 0, 0, id)
}

// Exit returns from the program with R0 as the result.
func Exit() Instruction {
	return Encode(OpExit, 0, 0, 0, 0)
}
