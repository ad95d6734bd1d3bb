// Package helpers implements the host-function catalog callable from
// programs. Each helper has a small integer ID, a signature the verifier
// checks call sites against, and a permission mask over program types.
// The registry is populated at construction, sealed before the first load,
// and read-only afterward.
package helpers

import (
	"errors"
	"fmt"
	"sort"

	"github.com/axiomos/kbpf/internal/types"
)

// Registry errors.
var (
	ErrUnknownHelper      = errors.New("unknown helper")
	ErrHelperNotPermitted = errors.New("helper not permitted for program type")
	ErrDuplicateHelperID  = errors.New("duplicate helper id")
	ErrRegistrySealed     = errors.New("registry is sealed")
)

// VM is the memory surface a helper sees during a dispatch. Addresses are
// program virtual addresses; the implementation translates and bound-checks
// them.
type VM interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
	Read64(addr uint64) (uint64, error)
}

// Func is a helper implementation. Arguments arrive in r1-r5; the result
// goes to r0. A returned error aborts the dispatch; recoverable conditions
// are signalled through negative r0 values instead.
type Func func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// ArgType describes one argument slot for verification.
type ArgType uint8

const (
	// ArgNone marks an unused slot.
	ArgNone ArgType = iota

	// ArgScalar is any plain number.
	ArgScalar

	// ArgMapID is a constant scalar naming an existing map.
	ArgMapID

	// ArgPtrToMem is a pointer into readable program memory; the next
	// ArgSize slot carries the byte count.
	ArgPtrToMem

	// ArgSize is the byte count for the preceding ArgPtrToMem.
	ArgSize

	// ArgPtrToMapKey is a pointer to KeySize readable bytes of the map
	// named by the preceding ArgMapID.
	ArgPtrToMapKey

	// ArgPtrToMapValue is a pointer to ValueSize writable bytes the
	// helper fills in, for the map named by the preceding ArgMapID.
	ArgPtrToMapValue

	// ArgPtrToMapValueIn is a pointer to ValueSize readable bytes the
	// helper consumes. Unlike ArgPtrToMapValue it may point into the
	// read-only context buffer.
	ArgPtrToMapValueIn
)

// Sig is a helper's argument shape.
type Sig struct {
	Args [5]ArgType
}

// NumArgs returns the count of used argument slots.
func (s Sig) NumArgs() int {
	n := 0
	for _, a := range s.Args {
		if a == ArgNone {
			break
		}
		n++
	}
	return n
}

// TypeMask is a bitmask over program types.
type TypeMask uint8

// MaskOf builds a mask from program types.
func MaskOf(ts ...types.ProgType) TypeMask {
	var m TypeMask
	for _, t := range ts {
		m |= 1 << t
	}
	return m
}

// AllTypes permits every installable program type.
var AllTypes = MaskOf(types.ProgTypeTracepoint, types.ProgTypeTimer)

// Permits reports whether the mask includes a program type.
func (m TypeMask) Permits(t types.ProgType) bool {
	return m&(1<<t) != 0
}

// Helper is one registered host function.
type Helper struct {
	ID        uint32
	Name      string
	Sig       Sig
	Permitted TypeMask
	Fn        Func
}

// Registry holds all registered helpers.
type Registry struct {
	helpers map[uint32]*Helper
	sealed  bool
}

// NewRegistry creates an empty registry. Most callers want NewDefault.
func NewRegistry() *Registry {
	return &Registry{helpers: make(map[uint32]*Helper)}
}

// Register adds a helper. It fails on a duplicate ID or a sealed registry.
func (r *Registry) Register(h Helper) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	if h.Fn == nil || h.Name == "" {
		return fmt.Errorf("helper %d: missing name or implementation", h.ID)
	}
	if _, exists := r.helpers[h.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateHelperID, h.ID)
	}
	hc := h
	r.helpers[h.ID] = &hc
	return nil
}

// Seal freezes the registry. Registration after Seal fails; lookups need no
// locking because the map never changes again.
func (r *Registry) Seal() {
	r.sealed = true
}

// Sealed reports whether the registry is frozen.
func (r *Registry) Sealed() bool {
	return r.sealed
}

// Resolve returns the helper for an ID if the program type may call it.
// The verifier resolves every call site exactly once; dispatch uses the
// returned reference directly.
func (r *Registry) Resolve(id uint32, progType types.ProgType) (*Helper, error) {
	h, ok := r.helpers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHelper, id)
	}
	if !h.Permitted.Permits(progType) {
		return nil, fmt.Errorf("%w: helper %d (%s) for %s", ErrHelperNotPermitted, id, h.Name, progType)
	}
	return h, nil
}

// Get returns a helper regardless of program type.
func (r *Registry) Get(id uint32) (*Helper, bool) {
	h, ok := r.helpers[id]
	return h, ok
}

// IDs returns all registered helper IDs in ascending order.
func (r *Registry) IDs() []uint32 {
	ids := make([]uint32, 0, len(r.helpers))
	for id := range r.helpers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
