package runtime

import (
	"errors"
	"fmt"

	"github.com/axiomos/kbpf/pkg/bpf/asm"
)

// Execution errors. A verified program can still hit ErrDivisionByZero with
// a runtime-zero divisor and ErrBudgetExceeded if its budget was lowered
// below the proven bound; the rest indicate a corrupted installation.
var (
	ErrBudgetExceeded     = errors.New("instruction budget exceeded")
	ErrDivisionByZero     = errors.New("division by zero")
	ErrIllegalInstruction = errors.New("illegal instruction")
	ErrExecAborted        = errors.New("execution aborted")
)

// meter counts down the instruction budget.
type meter struct {
	remaining uint64
}

func (m *meter) consume() error {
	if m.remaining == 0 {
		return ErrBudgetExceeded
	}
	m.remaining--
	return nil
}

// vm executes one dispatch of one program.
type vm struct {
	prog  *Program
	mem   *Memory
	regs  [asm.NumRegs]uint64
	meter meter
}

// Execute runs a verified program against the given address space and
// returns R0. The stack in mem must be fresh for this dispatch.
func Execute(prog *Program, mem *Memory) (r0 uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			r0 = 0
			err = fmt.Errorf("%w: %v", ErrExecAborted, r)
		}
	}()

	v := &vm{
		prog:  prog,
		mem:   mem,
		meter: meter{remaining: prog.Budget},
	}
	v.regs[asm.R1] = VaddrContext
	v.regs[asm.R10] = VaddrStack + asm.StackFrameSize
	return v.run()
}

func (v *vm) run() (uint64, error) {
	insns := v.prog.Insns
	pc := 0
	for {
		if pc < 0 || pc >= len(insns) {
			return 0, fmt.Errorf("%w: pc %d out of range", ErrIllegalInstruction, pc)
		}
		if err := v.meter.consume(); err != nil {
			return 0, err
		}

		ins := insns[pc]
		op := ins.Op()

		switch op & 0x07 {
		case asm.ClassAlu64, asm.ClassAlu:
			if err := v.stepALU(ins); err != nil {
				return 0, err
			}
			pc++

		case asm.ClassLd:
			if op != asm.OpLddw {
				return 0, fmt.Errorf("%w: opcode %#02x at %d", ErrIllegalInstruction, op, pc)
			}
			if pc+1 >= len(insns) {
				return 0, fmt.Errorf("%w: truncated lddw at %d", ErrIllegalInstruction, pc)
			}
			v.regs[ins.Dst()] = asm.WideImm(ins, insns[pc+1])
			pc += 2

		case asm.ClassLdx:
			if err := v.stepLoad(ins); err != nil {
				return 0, err
			}
			pc++

		case asm.ClassSt, asm.ClassStx:
			if err := v.stepStore(ins); err != nil {
				return 0, err
			}
			pc++

		case asm.ClassJmp:
			switch op {
			case asm.OpCall:
				if err := v.stepCall(ins, pc); err != nil {
					return 0, err
				}
				pc++
			case asm.OpExit:
				return v.regs[asm.R0], nil
			case asm.OpJa:
				pc = pc + 1 + int(ins.Off())
			default:
				if v.jumpTaken(ins, false) {
					pc = pc + 1 + int(ins.Off())
				} else {
					pc++
				}
			}

		case asm.ClassJmp32:
			if v.jumpTaken(ins, true) {
				pc = pc + 1 + int(ins.Off())
			} else {
				pc++
			}

		default:
			return 0, fmt.Errorf("%w: opcode %#02x at %d", ErrIllegalInstruction, op, pc)
		}
	}
}

func (v *vm) stepALU(ins asm.Instruction) error {
	op := ins.Op()
	is64 := op&0x07 == asm.ClassAlu64
	dst := ins.Dst()

	var src uint64
	if op&0x08 == asm.SrcX {
		src = v.regs[ins.Src()]
	} else if is64 {
		src = uint64(int64(ins.Imm())) // sign-extended
	} else {
		src = uint64(ins.Uimm())
	}

	a := v.regs[dst]
	if !is64 {
		a = uint64(uint32(a))
		src = uint64(uint32(src))
	}

	var out uint64
	switch op & 0xf0 {
	case asm.AluAdd:
		out = a + src
	case asm.AluSub:
		out = a - src
	case asm.AluMul:
		out = a * src
	case asm.AluDiv:
		if src == 0 {
			return ErrDivisionByZero
		}
		out = a / src
	case asm.AluOr:
		out = a | src
	case asm.AluAnd:
		out = a & src
	case asm.AluLsh:
		if is64 {
			out = a << (src & 63)
		} else {
			out = a << (src & 31)
		}
	case asm.AluRsh:
		if is64 {
			out = a >> (src & 63)
		} else {
			out = a >> (src & 31)
		}
	case asm.AluNeg:
		out = -a
	case asm.AluMod:
		if src == 0 {
			return ErrDivisionByZero
		}
		out = a % src
	case asm.AluXor:
		out = a ^ src
	case asm.AluMov:
		out = src
	case asm.AluArsh:
		if is64 {
			out = uint64(int64(a) >> (src & 63))
		} else {
			out = uint64(int32(uint32(a)) >> (src & 31))
		}
	default:
		return fmt.Errorf("%w: opcode %#02x", ErrIllegalInstruction, op)
	}

	if !is64 {
		out = uint64(uint32(out))
	}
	v.regs[dst] = out
	return nil
}

func (v *vm) stepLoad(ins asm.Instruction) error {
	addr := v.regs[ins.Src()] + uint64(int64(ins.Off()))
	var val uint64
	switch ins.Op() {
	case asm.OpLdxb:
		b, err := v.mem.Read8(addr)
		if err != nil {
			return err
		}
		val = uint64(b)
	case asm.OpLdxh:
		h, err := v.mem.Read16(addr)
		if err != nil {
			return err
		}
		val = uint64(h)
	case asm.OpLdxw:
		w, err := v.mem.Read32(addr)
		if err != nil {
			return err
		}
		val = uint64(w)
	case asm.OpLdxdw:
		d, err := v.mem.Read64(addr)
		if err != nil {
			return err
		}
		val = d
	default:
		return fmt.Errorf("%w: opcode %#02x", ErrIllegalInstruction, ins.Op())
	}
	v.regs[ins.Dst()] = val
	return nil
}

func (v *vm) stepStore(ins asm.Instruction) error {
	addr := v.regs[ins.Dst()] + uint64(int64(ins.Off()))
	var val uint64
	if ins.Op()&0x07 == asm.ClassStx {
		val = v.regs[ins.Src()]
	} else {
		val = uint64(int64(ins.Imm()))
	}
	switch ins.Op() {
	case asm.OpStb, asm.OpStxb:
		return v.mem.Write8(addr, uint8(val))
	case asm.OpSth, asm.OpStxh:
		return v.mem.Write16(addr, uint16(val))
	case asm.OpStw, asm.OpStxw:
		return v.mem.Write32(addr, uint32(val))
	case asm.OpStdw, asm.OpStxdw:
		return v.mem.Write64(addr, val)
	default:
		return fmt.Errorf("%w: opcode %#02x", ErrIllegalInstruction, ins.Op())
	}
}

// stepCall invokes the helper the verifier resolved for this call slot.
func (v *vm) stepCall(ins asm.Instruction, pc int) error {
	h, ok := v.prog.HelperRefs[pc]
	if !ok {
		return fmt.Errorf("%w: unresolved call at %d", ErrIllegalInstruction, pc)
	}
	ret, err := h.Fn(v.mem, v.regs[asm.R1], v.regs[asm.R2], v.regs[asm.R3], v.regs[asm.R4], v.regs[asm.R5])
	if err != nil {
		return fmt.Errorf("helper %s: %w", h.Name, err)
	}
	v.regs[asm.R0] = ret
	return nil
}

func (v *vm) jumpTaken(ins asm.Instruction, is32 bool) bool {
	op := ins.Op()
	a := v.regs[ins.Dst()]
	var b uint64
	if op&0x08 == asm.SrcX {
		b = v.regs[ins.Src()]
	} else if is32 {
		b = uint64(ins.Uimm())
	} else {
		b = uint64(int64(ins.Imm()))
	}
	if is32 {
		a = uint64(uint32(a))
		b = uint64(uint32(b))
	}

	var sa, sb int64
	if is32 {
		sa = int64(int32(uint32(a)))
		sb = int64(int32(uint32(b)))
	} else {
		sa = int64(a)
		sb = int64(b)
	}

	switch op & 0xf0 {
	case asm.JmpJeq:
		return a == b
	case asm.JmpJgt:
		return a > b
	case asm.JmpJge:
		return a >= b
	case asm.JmpJset:
		return a&b != 0
	case asm.JmpJne:
		return a != b
	case asm.JmpJsgt:
		return sa > sb
	case asm.JmpJsge:
		return sa >= sb
	case asm.JmpJlt:
		return a < b
	case asm.JmpJle:
		return a <= b
	case asm.JmpJslt:
		return sa < sb
	case asm.JmpJsle:
		return sa <= sb
	default:
		return false
	}
}
