package verifier

import (
	"math"

	"github.com/axiomos/kbpf/pkg/bpf/asm"
)

// RegType classifies a register's abstract value.
type RegType uint8

const (
	// RegUninit holds no provable value. Reads are rejected.
	RegUninit RegType = iota

	// RegScalar is a plain number with an unsigned range.
	RegScalar

	// RegPtr points into a memory region at a known offset range.
	RegPtr

	// RegNull is a pointer that may be null. It only arises from merges
	// in this catalog; dereferencing it is rejected.
	RegNull
)

// Region names a memory region a pointer can reference.
type Region uint8

const (
	// RegionStack is the program's private 512-byte frame. R10 points at
	// its top; valid offsets are [-512, 0).
	RegionStack Region = iota

	// RegionContext is the read-only context buffer. R1 points at its
	// start on entry; valid offsets are [0, ctxSize).
	RegionContext
)

func (r Region) String() string {
	switch r {
	case RegionStack:
		return "stack"
	case RegionContext:
		return "context"
	default:
		return "region?"
	}
}

// RegState is the abstract value of one register. Scalars carry an unsigned
// range [UMin, UMax]; pointers carry a signed offset range [OffMin, OffMax]
// relative to their region's base.
type RegState struct {
	Type   RegType
	UMin   uint64
	UMax   uint64
	Region Region
	OffMin int64
	OffMax int64
}

// ScalarExact returns a scalar known to be exactly v.
func ScalarExact(v uint64) RegState {
	return RegState{Type: RegScalar, UMin: v, UMax: v}
}

// ScalarRange returns a scalar bounded to [min, max].
func ScalarRange(min, max uint64) RegState {
	return RegState{Type: RegScalar, UMin: min, UMax: max}
}

// ScalarUnknown returns a scalar with no known bounds.
func ScalarUnknown() RegState {
	return RegState{Type: RegScalar, UMin: 0, UMax: math.MaxUint64}
}

// Ptr returns a pointer into region at an exact offset.
func Ptr(region Region, off int64) RegState {
	return RegState{Type: RegPtr, Region: region, OffMin: off, OffMax: off}
}

// IsInit reports whether the register holds a provable value.
func (r RegState) IsInit() bool {
	return r.Type != RegUninit
}

// Exact returns the scalar's value when its range is a single point.
func (r RegState) Exact() (uint64, bool) {
	if r.Type == RegScalar && r.UMin == r.UMax {
		return r.UMin, true
	}
	return 0, false
}

// Equal reports field-wise equality.
func (r RegState) Equal(o RegState) bool {
	return r == o
}

// mergeReg joins two register states at a control-flow join. The result is
// sound for both inputs: differing types collapse to uninit (pointer vs
// null keeps null), and a scalar bound that grew is widened all the way so
// the fixed point is reached quickly.
func mergeReg(a, b RegState) RegState {
	if a.Equal(b) {
		return a
	}
	if a.Type != b.Type {
		ptrish := func(t RegType) bool { return t == RegPtr || t == RegNull }
		if ptrish(a.Type) && ptrish(b.Type) && a.Type != RegUninit && b.Type != RegUninit {
			if a.Region == b.Region {
				m := mergePtr(a, b)
				m.Type = RegNull
				return m
			}
		}
		return RegState{Type: RegUninit}
	}
	switch a.Type {
	case RegScalar:
		m := a
		if b.UMin < a.UMin {
			m.UMin = 0
		}
		if b.UMax > a.UMax {
			m.UMax = math.MaxUint64
		}
		return m
	case RegPtr, RegNull:
		if a.Region != b.Region {
			return RegState{Type: RegUninit}
		}
		return mergePtr(a, b)
	default:
		return RegState{Type: RegUninit}
	}
}

func mergePtr(a, b RegState) RegState {
	m := a
	if b.OffMin < a.OffMin {
		m.OffMin = math.MinInt64
	}
	if b.OffMax > a.OffMax {
		m.OffMax = math.MaxInt64
	}
	return m
}

// State is the abstract machine state at one program point: the register
// file plus byte-granular initialization of the stack frame. Stack index 0
// is fp-512, index 511 is fp-1.
type State struct {
	Regs  [asm.NumRegs]RegState
	Stack [asm.StackFrameSize]bool
}

// NewEntryState builds the state at program entry: R1 points at the context
// buffer, R10 at the frame top, everything else is uninitialized.
func NewEntryState() *State {
	s := &State{}
	s.Regs[asm.R1] = Ptr(RegionContext, 0)
	s.Regs[asm.R10] = Ptr(RegionStack, 0)
	return s
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	return &c
}

// Merge widens s to cover o and reports whether s changed. Stack bytes stay
// initialized only when both paths initialized them.
func (s *State) Merge(o *State) bool {
	changed := false
	for i := range s.Regs {
		m := mergeReg(s.Regs[i], o.Regs[i])
		if !m.Equal(s.Regs[i]) {
			s.Regs[i] = m
			changed = true
		}
	}
	for i := range s.Stack {
		if s.Stack[i] && !o.Stack[i] {
			s.Stack[i] = false
			changed = true
		}
	}
	return changed
}
