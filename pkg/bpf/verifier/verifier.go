// Package verifier proves untrusted programs safe before they can run. It
// abstractly interprets the block graph to a fixed point, tracking per-
// register value ranges and stack initialization, and rejects anything it
// cannot prove: uninitialized reads, out-of-bounds memory access, unknown
// or impermissible helper calls, and cyclic control flow.
//
// Verification is deterministic. Identical input always yields the identical
// verdict and, on rejection, the identical reason.
package verifier

import (
	"math"

	"github.com/axiomos/kbpf/internal/types"
	"github.com/axiomos/kbpf/pkg/bpf/asm"
	"github.com/axiomos/kbpf/pkg/bpf/cfg"
	"github.com/axiomos/kbpf/pkg/bpf/helpers"
	"github.com/axiomos/kbpf/pkg/bpf/maps"
)

// Config bounds one verification run.
type Config struct {
	// MaxInstructions caps program length in whole instructions.
	MaxInstructions int

	// MaxStates caps processed block states before giving up.
	MaxStates int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxInstructions: 4096,
		MaxStates:       10000,
	}
}

// Result is the certificate attached to an accepted program.
type Result struct {
	// Budget is the maximum number of instructions any run can execute.
	// Control flow is acyclic, so it equals the instruction count.
	Budget uint64

	// HelperRefs maps call slot index to the resolved helper. Dispatch
	// never consults the registry again.
	HelperRefs map[int]*helpers.Helper
}

// Verifier checks programs against a sealed helper registry and the shared
// map set.
type Verifier struct {
	conf   Config
	reg    *helpers.Registry
	mapset *maps.Set
}

// New creates a verifier.
func New(reg *helpers.Registry, mapset *maps.Set, conf Config) *Verifier {
	return &Verifier{conf: conf, reg: reg, mapset: mapset}
}

// Verify proves the program rooted in g safe for progType, or explains why
// it is not.
func (v *Verifier) Verify(g *cfg.Graph, progType types.ProgType) (*Result, error) {
	if n := g.NumInsns(); n > v.conf.MaxInstructions {
		return nil, errAt(-1, ErrTooManyInstructions, "%d instructions, limit %d", n, v.conf.MaxInstructions)
	}
	if len(g.BackEdges) > 0 {
		e := g.BackEdges[0]
		return nil, errAt(terminator(g, e.From), ErrUnboundedLoop,
			"jump back to instruction %d", g.Blocks[e.To].Start)
	}
	if err := checkRegisters(g); err != nil {
		return nil, err
	}

	ctxSize := int64(progType.ContextSize())
	refs := make(map[int]*helpers.Helper)

	entry := make([]*State, len(g.Blocks))
	entry[0] = NewEntryState()

	queue := []int{0}
	inQueue := make([]bool, len(g.Blocks))
	inQueue[0] = true
	processed := 0

	for len(queue) > 0 {
		bi := queue[0]
		queue = queue[1:]
		inQueue[bi] = false

		processed++
		if processed > v.conf.MaxStates {
			return nil, errAt(-1, ErrComplexityExceeded, "%d block states processed", processed)
		}

		st := entry[bi].Clone()
		block := &g.Blocks[bi]

		term := block.Start
		for i := block.Start; i < block.End; i = nextSlot(g.Insns, i) {
			term = i
			if err := v.step(st, g.Insns, i, progType, ctxSize, refs); err != nil {
				return nil, err
			}
		}

		for si, succ := range successorStates(g.Insns[term], term, block, st) {
			if succ.state == nil {
				continue // branch proven infeasible
			}
			target := block.Succs[si]
			if entry[target] == nil {
				entry[target] = succ.state
				if !inQueue[target] {
					queue = append(queue, target)
					inQueue[target] = true
				}
				continue
			}
			if entry[target].Merge(succ.state) && !inQueue[target] {
				queue = append(queue, target)
				inQueue[target] = true
			}
		}
	}

	return &Result{
		Budget:     uint64(g.NumInsns()),
		HelperRefs: refs,
	}, nil
}

// terminator returns the slot index of a block's last whole instruction.
func terminator(g *cfg.Graph, bi int) int {
	b := g.Blocks[bi]
	term := b.Start
	for i := b.Start; i < b.End; i = nextSlot(g.Insns, i) {
		term = i
	}
	return term
}

func nextSlot(insns []asm.Instruction, i int) int {
	if insns[i].IsWide() {
		return i + 2
	}
	return i + 1
}

// checkRegisters rejects register numbers outside r0-r10 anywhere in the
// stream. The 4-bit fields can encode 11-15.
func checkRegisters(g *cfg.Graph) error {
	for i := 0; i < len(g.Insns); i = nextSlot(g.Insns, i) {
		ins := g.Insns[i]
		if ins.Dst() > asm.R10 || ins.Src() > asm.R10 {
			return errAt(i, ErrInvalidRegister, "r%d/r%d", ins.Dst(), ins.Src())
		}
	}
	return nil
}

// succState pairs an outgoing edge with its (possibly refined) state.
// A nil state marks a branch the value analysis proved cannot be taken.
type succState struct {
	state *State
}

// successorStates produces one state per successor in the block's edge
// order, refining scalar ranges on 64-bit conditional jumps against
// immediates.
func successorStates(term asm.Instruction, termIdx int, block *cfg.Block, st *State) []succState {
	op := term.Op()
	class := op & 0x07
	conditional := (class == asm.ClassJmp || class == asm.ClassJmp32) &&
		op != asm.OpJa && op != asm.OpExit && op != asm.OpCall

	out := make([]succState, len(block.Succs))
	if !conditional || len(block.Succs) != 2 {
		for i := range out {
			out[i] = succState{state: st.Clone()}
		}
		return out
	}

	// Succs[0] is the fallthrough, Succs[1] the taken edge.
	fall, fallOK := refineCond(st, term, false)
	take, takeOK := refineCond(st, term, true)
	if fallOK {
		out[0] = succState{state: fall}
	}
	if takeOK {
		out[1] = succState{state: take}
	}
	return out
}

// refineCond narrows the jump's dst register for one edge. Only 64-bit
// unsigned comparisons against immediates refine; everything else passes
// the state through. ok is false when the edge is infeasible.
func refineCond(st *State, ins asm.Instruction, taken bool) (*State, bool) {
	out := st.Clone()
	op := ins.Op()
	if op&0x07 != asm.ClassJmp || op&asm.SrcX != 0 {
		return out, true
	}
	reg := &out.Regs[ins.Dst()]
	if reg.Type != RegScalar {
		return out, true
	}
	k := uint64(int64(ins.Imm()))

	lo, hi := reg.UMin, reg.UMax
	switch op & 0xf0 {
	case asm.JmpJeq:
		if taken {
			lo, hi = maxU(lo, k), minU(hi, k)
		}
	case asm.JmpJne:
		if !taken {
			lo, hi = maxU(lo, k), minU(hi, k)
		}
	case asm.JmpJgt:
		if taken {
			if k == math.MaxUint64 {
				return nil, false
			}
			lo = maxU(lo, k+1)
		} else {
			hi = minU(hi, k)
		}
	case asm.JmpJge:
		if taken {
			lo = maxU(lo, k)
		} else {
			if k == 0 {
				return nil, false
			}
			hi = minU(hi, k-1)
		}
	case asm.JmpJlt:
		if taken {
			if k == 0 {
				return nil, false
			}
			hi = minU(hi, k-1)
		} else {
			lo = maxU(lo, k)
		}
	case asm.JmpJle:
		if taken {
			hi = minU(hi, k)
		} else {
			if k == math.MaxUint64 {
				return nil, false
			}
			lo = maxU(lo, k+1)
		}
	default:
		return out, true
	}
	if lo > hi {
		return nil, false
	}
	reg.UMin, reg.UMax = lo, hi
	return out, true
}

func minU(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// step applies one instruction to the abstract state.
func (v *Verifier) step(st *State, insns []asm.Instruction, idx int, progType types.ProgType, ctxSize int64, refs map[int]*helpers.Helper) error {
	ins := insns[idx]
	op := ins.Op()
	class := op & 0x07

	switch {
	case op == asm.OpLddw:
		if ins.Dst() == asm.R10 {
			return errAt(idx, ErrWriteToReadOnly, "r10 is the frame pointer")
		}
		st.Regs[ins.Dst()] = ScalarExact(asm.WideImm(ins, insns[idx+1]))
		return nil

	case class == asm.ClassAlu || class == asm.ClassAlu64:
		return v.stepALU(st, ins, idx)

	case class == asm.ClassLdx:
		return v.stepLoad(st, ins, idx, ctxSize)

	case class == asm.ClassSt || class == asm.ClassStx:
		return v.stepStore(st, ins, idx, ctxSize)

	case op == asm.OpCall:
		return v.stepCall(st, ins, idx, progType, ctxSize, refs)

	case op == asm.OpExit:
		if !st.Regs[asm.R0].IsInit() {
			return errAt(idx, ErrUninitializedRead, "r0 must be set before exit")
		}
		return nil

	case class == asm.ClassJmp || class == asm.ClassJmp32:
		if op == asm.OpJa {
			return nil
		}
		// Conditional: both operands must be readable.
		if !st.Regs[ins.Dst()].IsInit() {
			return errAt(idx, ErrUninitializedRead, "r%d in comparison", ins.Dst())
		}
		if op&asm.SrcX != 0 && !st.Regs[ins.Src()].IsInit() {
			return errAt(idx, ErrUninitializedRead, "r%d in comparison", ins.Src())
		}
		return nil

	default:
		// asm.Decode admits only catalogued opcodes.
		return errAt(idx, ErrOutOfBoundsAccess, "unhandled opcode 0x%02x", op)
	}
}

func (v *Verifier) stepALU(st *State, ins asm.Instruction, idx int) error {
	op := ins.Op()
	is64 := op&0x07 == asm.ClassAlu64
	nib := op & 0xf0
	dst := ins.Dst()

	if dst == asm.R10 {
		return errAt(idx, ErrWriteToReadOnly, "r10 is the frame pointer")
	}

	var src RegState
	if nib == asm.AluNeg {
		src = ScalarExact(0)
	} else if op&asm.SrcX != 0 {
		src = st.Regs[ins.Src()]
		if !src.IsInit() {
			return errAt(idx, ErrUninitializedRead, "r%d", ins.Src())
		}
	} else {
		if is64 {
			src = ScalarExact(uint64(int64(ins.Imm())))
		} else {
			src = ScalarExact(uint64(ins.Uimm()))
		}
	}

	if nib != asm.AluMov && !st.Regs[dst].IsInit() {
		return errAt(idx, ErrUninitializedRead, "r%d", dst)
	}

	if nib == asm.AluDiv || nib == asm.AluMod {
		if k, exact := src.Exact(); exact && k == 0 {
			return errAt(idx, ErrDivisionByZero, "%s by zero", asm.OpName(op))
		}
	}

	st.Regs[dst] = aluResult(nib, is64, st.Regs[dst], src)
	return nil
}

// aluResult computes the abstract result of an ALU operation. Pointer
// arithmetic survives add, sub, and mov; everything else collapses pointers
// to unknown scalars, which makes them undereferenceable.
func aluResult(nib uint8, is64 bool, dst, src RegState) RegState {
	truncate := func(r RegState) RegState {
		if is64 {
			return r
		}
		if r.Type != RegScalar {
			return ScalarRange(0, math.MaxUint32)
		}
		if v, ok := r.Exact(); ok {
			return ScalarExact(uint64(uint32(v)))
		}
		if r.UMax <= math.MaxUint32 {
			return r
		}
		return ScalarRange(0, math.MaxUint32)
	}

	switch nib {
	case asm.AluMov:
		return truncate(src)

	case asm.AluAdd:
		if is64 {
			if dst.Type == RegPtr && src.Type == RegScalar {
				return ptrAdd(dst, src, false)
			}
			if dst.Type == RegScalar && src.Type == RegPtr {
				return ptrAdd(src, dst, false)
			}
		}
		if a, ok := dst.Exact(); ok {
			if b, ok := src.Exact(); ok {
				return truncate(ScalarExact(a + b))
			}
		}
		if dst.Type == RegScalar && src.Type == RegScalar {
			lo, loOK := addNoWrap(dst.UMin, src.UMin)
			hi, hiOK := addNoWrap(dst.UMax, src.UMax)
			if loOK && hiOK {
				return truncate(ScalarRange(lo, hi))
			}
		}
		return truncate(ScalarUnknown())

	case asm.AluSub:
		if is64 && dst.Type == RegPtr && src.Type == RegScalar {
			return ptrAdd(dst, src, true)
		}
		if is64 && dst.Type == RegPtr && src.Type == RegPtr && dst.Region == src.Region {
			return ScalarUnknown()
		}
		if a, ok := dst.Exact(); ok {
			if b, ok := src.Exact(); ok {
				return truncate(ScalarExact(a - b))
			}
		}
		return truncate(ScalarUnknown())

	case asm.AluAnd:
		// Masking bounds the result by the mask.
		if m, ok := src.Exact(); ok {
			return truncate(ScalarRange(0, m))
		}
		if m, ok := dst.Exact(); ok {
			return truncate(ScalarRange(0, m))
		}
		return truncate(ScalarUnknown())

	default:
		if a, aOK := dst.Exact(); aOK {
			if b, bOK := src.Exact(); bOK {
				return truncate(ScalarExact(aluExact(nib, is64, a, b)))
			}
		}
		return truncate(ScalarUnknown())
	}
}

// aluExact mirrors the interpreter's concrete semantics for point values.
// Division by zero never reaches here.
func aluExact(nib uint8, is64 bool, a, b uint64) uint64 {
	if !is64 {
		a, b = uint64(uint32(a)), uint64(uint32(b))
	}
	shift := b & 63
	if !is64 {
		shift = b & 31
	}
	switch nib {
	case asm.AluMul:
		return a * b
	case asm.AluDiv:
		return a / b
	case asm.AluMod:
		return a % b
	case asm.AluOr:
		return a | b
	case asm.AluXor:
		return a ^ b
	case asm.AluLsh:
		return a << shift
	case asm.AluRsh:
		return a >> shift
	case asm.AluArsh:
		if is64 {
			return uint64(int64(a) >> shift)
		}
		return uint64(uint32(int32(uint32(a)) >> shift))
	case asm.AluNeg:
		return -a
	default:
		return 0
	}
}

func addNoWrap(a, b uint64) (uint64, bool) {
	s := a + b
	return s, s >= a
}

// offGuard keeps pointer offsets far from int64 overflow. Anything outside
// it is already out of every region.
const offGuard = int64(1) << 40

func ptrAdd(p, s RegState, negate bool) RegState {
	unbounded := RegState{Type: RegPtr, Region: p.Region, OffMin: math.MinInt64, OffMax: math.MaxInt64}
	lo, hi, ok := signedRange(s)
	if !ok || lo < -offGuard || hi > offGuard {
		return unbounded
	}
	if negate {
		lo, hi = -hi, -lo
	}
	out := p
	out.OffMin += lo
	out.OffMax += hi
	return out
}

// signedRange reinterprets an unsigned scalar range as signed. A range that
// straddles the sign boundary has no signed interval and reports !ok.
func signedRange(s RegState) (int64, int64, bool) {
	switch {
	case s.UMax <= math.MaxInt64:
		return int64(s.UMin), int64(s.UMax), true
	case s.UMin > math.MaxInt64:
		// Both ends negative; int64 conversion preserves order.
		return int64(s.UMin), int64(s.UMax), true
	default:
		return 0, 0, false
	}
}

// stepLoad handles ldx: dst = *(size *)(src + off).
func (v *Verifier) stepLoad(st *State, ins asm.Instruction, idx int, ctxSize int64) error {
	if ins.Dst() == asm.R10 {
		return errAt(idx, ErrWriteToReadOnly, "r10 is the frame pointer")
	}
	size := accessSize(ins.Op())
	if err := v.checkMem(st, st.Regs[ins.Src()], int64(ins.Off()), size, false, ctxSize, idx); err != nil {
		return err
	}
	st.Regs[ins.Dst()] = loadResult(size)
	return nil
}

func loadResult(size int) RegState {
	if size < 8 {
		return ScalarRange(0, (uint64(1)<<(size*8))-1)
	}
	return ScalarUnknown()
}

// stepStore handles st and stx: *(size *)(dst + off) = src | imm.
func (v *Verifier) stepStore(st *State, ins asm.Instruction, idx int, ctxSize int64) error {
	op := ins.Op()
	if op&0x07 == asm.ClassStx {
		if !st.Regs[ins.Src()].IsInit() {
			return errAt(idx, ErrUninitializedRead, "r%d in store", ins.Src())
		}
	}
	size := accessSize(op)
	return v.checkMem(st, st.Regs[ins.Dst()], int64(ins.Off()), size, true, ctxSize, idx)
}

func accessSize(op uint8) int {
	switch op & 0x18 {
	case asm.SizeB:
		return 1
	case asm.SizeH:
		return 2
	case asm.SizeW:
		return 4
	default:
		return 8
	}
}

// checkMem proves one memory access in bounds for every value the pointer
// may hold, and tracks stack initialization.
func (v *Verifier) checkMem(st *State, ptr RegState, off int64, size int, write bool, ctxSize int64, idx int) error {
	switch ptr.Type {
	case RegUninit:
		return errAt(idx, ErrUninitializedRead, "pointer register")
	case RegScalar:
		return errAt(idx, ErrOutOfBoundsAccess, "dereference of non-pointer value")
	case RegNull:
		return errAt(idx, ErrOutOfBoundsAccess, "dereference of possibly-null pointer")
	}

	if ptr.OffMin < -offGuard || ptr.OffMax > offGuard {
		return errAt(idx, ErrOutOfBoundsAccess, "pointer offset unbounded")
	}
	lo := ptr.OffMin + off
	hi := ptr.OffMax + off + int64(size)

	switch ptr.Region {
	case RegionStack:
		if lo < -asm.StackFrameSize || hi > 0 {
			return errAt(idx, ErrOutOfBoundsAccess,
				"stack access [%d, %d) outside [-%d, 0)", lo, hi, asm.StackFrameSize)
		}
		if write {
			// Only a pointer with one possible value proves which
			// bytes were written.
			if ptr.OffMin == ptr.OffMax {
				for b := lo; b < hi; b++ {
					st.Stack[b+asm.StackFrameSize] = true
				}
			}
			return nil
		}
		for b := lo; b < hi; b++ {
			if !st.Stack[b+asm.StackFrameSize] {
				return errAt(idx, ErrUninitializedRead, "stack byte fp%+d", b)
			}
		}
		return nil

	case RegionContext:
		if write {
			return errAt(idx, ErrWriteToReadOnly, "context buffer")
		}
		if lo < 0 || hi > ctxSize {
			return errAt(idx, ErrOutOfBoundsAccess,
				"context access [%d, %d) outside [0, %d)", lo, hi, ctxSize)
		}
		return nil

	default:
		return errAt(idx, ErrOutOfBoundsAccess, "unknown region")
	}
}

// stepCall checks a helper call site against the helper's signature, records
// the resolved reference, and applies the call's register effects.
func (v *Verifier) stepCall(st *State, ins asm.Instruction, idx int, progType types.ProgType, ctxSize int64, refs map[int]*helpers.Helper) error {
	id := ins.Uimm()
	h, err := v.reg.Resolve(id, progType)
	if err != nil {
		return &Error{Insn: idx, Reason: err}
	}

	var mapDef maps.Def
	haveMap := false

	args := h.Sig.Args
	for ai := 0; ai < h.Sig.NumArgs(); ai++ {
		reg := st.Regs[asm.R1+uint8(ai)]
		argN := ai + 1
		switch args[ai] {
		case helpers.ArgScalar:
			if reg.Type != RegScalar {
				return errAt(idx, ErrBadHelperArg, "%s arg %d: want scalar", h.Name, argN)
			}

		case helpers.ArgMapID:
			mid, exact := reg.Exact()
			if !exact {
				return errAt(idx, ErrBadHelperArg, "%s arg %d: map id must be a known constant", h.Name, argN)
			}
			if mid > math.MaxUint32 || !v.mapset.Contains(uint32(mid)) {
				return errAt(idx, ErrUnknownMapID, "%s arg %d: map %d", h.Name, argN, mid)
			}
			m, _ := v.mapset.Get(uint32(mid))
			mapDef = m.Def()
			haveMap = true

		case helpers.ArgPtrToMem:
			if ai+1 >= len(args) || args[ai+1] != helpers.ArgSize {
				return errAt(idx, ErrBadHelperArg, "%s arg %d: pointer without size", h.Name, argN)
			}
			sz := st.Regs[asm.R1+uint8(ai)+1]
			if sz.Type != RegScalar {
				return errAt(idx, ErrBadHelperArg, "%s arg %d: size must be scalar", h.Name, argN+1)
			}
			if sz.UMax > uint64(asm.StackFrameSize)+uint64(ctxSize) {
				return errAt(idx, ErrOutOfBoundsAccess,
					"%s arg %d: size may reach %d", h.Name, argN+1, sz.UMax)
			}
			if err := v.checkMem(st, reg, 0, int(sz.UMax), false, ctxSize, idx); err != nil {
				return err
			}

		case helpers.ArgSize:
			// Checked alongside the preceding pointer.

		case helpers.ArgPtrToMapKey:
			if !haveMap {
				return errAt(idx, ErrBadHelperArg, "%s arg %d: key pointer without map", h.Name, argN)
			}
			if err := v.checkMem(st, reg, 0, mapDef.KeySize, false, ctxSize, idx); err != nil {
				return err
			}

		case helpers.ArgPtrToMapValue:
			if !haveMap {
				return errAt(idx, ErrBadHelperArg, "%s arg %d: value pointer without map", h.Name, argN)
			}
			// The helper writes through it, so it must be a writable
			// region of ValueSize bytes.
			if err := v.checkMem(st, reg, 0, mapDef.ValueSize, true, ctxSize, idx); err != nil {
				return err
			}

		case helpers.ArgPtrToMapValueIn:
			if !haveMap {
				return errAt(idx, ErrBadHelperArg, "%s arg %d: value pointer without map", h.Name, argN)
			}
			if err := v.checkMem(st, reg, 0, mapDef.ValueSize, false, ctxSize, idx); err != nil {
				return err
			}
		}
	}

	refs[idx] = h

	// Calls clobber the caller-saved registers and produce a scalar.
	st.Regs[asm.R0] = ScalarUnknown()
	for r := asm.R1; r <= asm.R5; r++ {
		st.Regs[r] = RegState{Type: RegUninit}
	}
	return nil
}
