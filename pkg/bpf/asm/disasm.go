package asm

import (
	"fmt"
	"strings"
)

// String renders a single slot in a compact assembler-ish form. Wide
// continuation slots render as raw data; use Disasm for whole streams.
func (i Instruction) String() string {
	op := i.Op()
	info, ok := Lookup(op)
	if !ok {
		return fmt.Sprintf("invalid(0x%02x)", op)
	}
	switch {
	case op == OpExit:
		return "exit"
	case op == OpCall:
		return fmt.Sprintf("call %d", i.Imm())
	case op == OpJa:
		return fmt.Sprintf("ja %+d", i.Off())
	case op == OpLddw:
		return fmt.Sprintf("lddw r%d, %#x (lo)", i.Dst(), i.Uimm())
	case info.Class == ClassAlu || info.Class == ClassAlu64:
		if op&SrcX != 0 {
			return fmt.Sprintf("%s r%d, r%d", info.Name, i.Dst(), i.Src())
		}
		return fmt.Sprintf("%s r%d, %d", info.Name, i.Dst(), i.Imm())
	case info.Class == ClassJmp || info.Class == ClassJmp32:
		if op&SrcX != 0 {
			return fmt.Sprintf("%s r%d, r%d, %+d", info.Name, i.Dst(), i.Src(), i.Off())
		}
		return fmt.Sprintf("%s r%d, %d, %+d", info.Name, i.Dst(), i.Imm(), i.Off())
	case info.Class == ClassLdx:
		return fmt.Sprintf("%s r%d, [r%d%+d]", info.Name, i.Dst(), i.Src(), i.Off())
	case info.Class == ClassStx:
		return fmt.Sprintf("%s [r%d%+d], r%d", info.Name, i.Dst(), i.Off(), i.Src())
	case info.Class == ClassSt:
		return fmt.Sprintf("%s [r%d%+d], %d", info.Name, i.Dst(), i.Off(), i.Imm())
	default:
		return info.Name
	}
}

// Disasm renders a decoded stream one line per slot, folding lddw pairs
// into a single line.
func Disasm(insns []Instruction) string {
	var b strings.Builder
	for i := 0; i < len(insns); i++ {
		ins := insns[i]
		if ins.IsWide() && i+1 < len(insns) {
			fmt.Fprintf(&b, "%4d: lddw r%d, %#x\n", i, ins.Dst(), WideImm(ins, insns[i+1]))
			i++
			continue
		}
		fmt.Fprintf(&b, "%4d: %s\n", i, ins)
	}
	return b.String()
}
