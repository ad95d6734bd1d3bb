package helpers

import (
	"errors"

	"github.com/axiomos/kbpf/internal/types"
	"github.com/axiomos/kbpf/pkg/bpf/maps"
)

// Builtin helper IDs. The catalog is project-defined and stable; programs
// reference helpers by these numbers in call immediates.
const (
	FnKtimeGetNs     = 1
	FnTracePrintk    = 2
	FnMapLookupElem  = 3
	FnMapUpdateElem  = 4
	FnMapDeleteElem  = 5
	FnRingbufOutput  = 6
	FnPrandomU32     = 7
	FnSmpProcessorID = 8
)

// MaxTraceLen caps a single trace_printk record.
const MaxTraceLen = 512

// Negative return codes helpers hand back in r0. They mirror the usual
// errno numbers so trace consumers can tell conditions apart.
const (
	RetNotFound = -2  // no such key
	RetInvalid  = -22 // bad argument
	RetNoSpace  = -28 // ring buffer full
)

func neg(code int64) uint64 {
	return uint64(code)
}

// Env supplies the host facilities builtins depend on. The runtime provides
// the production implementation; tests substitute fixed clocks and sinks.
type Env interface {
	// Now returns monotonic nanoseconds.
	Now() uint64

	// Trace consumes one trace record and returns the bytes accepted,
	// or a negative code.
	Trace(line []byte) int

	// Maps returns the shared map set.
	Maps() *maps.Set

	// Rand returns a pseudo-random value.
	Rand() uint32

	// CPU returns the logical processor the dispatch runs on.
	CPU() uint32
}

// NewDefault builds a sealed registry holding the builtin catalog.
func NewDefault(env Env) (*Registry, error) {
	r := NewRegistry()
	for _, h := range builtins(env) {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	r.Seal()
	return r, nil
}

func builtins(env Env) []Helper {
	return []Helper{
		{
			ID:        FnKtimeGetNs,
			Name:      "ktime_get_ns",
			Sig:       Sig{},
			Permitted: AllTypes,
			Fn: func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
				return env.Now(), nil
			},
		},
		{
			ID:        FnTracePrintk,
			Name:      "trace_printk",
			Sig:       Sig{Args: [5]ArgType{ArgPtrToMem, ArgSize}},
			Permitted: AllTypes,
			Fn: func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
				if r2 > MaxTraceLen {
					return neg(RetInvalid), nil
				}
				buf := make([]byte, r2)
				if err := vm.Read(r1, buf); err != nil {
					return 0, err
				}
				n := env.Trace(buf)
				return uint64(int64(n)), nil
			},
		},
		{
			ID:        FnMapLookupElem,
			Name:      "map_lookup_elem",
			Sig:       Sig{Args: [5]ArgType{ArgMapID, ArgPtrToMapKey, ArgPtrToMapValue}},
			Permitted: AllTypes,
			Fn: func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
				m, err := env.Maps().Get(uint32(r1))
				if err != nil {
					return neg(RetInvalid), nil
				}
				key := make([]byte, m.Def().KeySize)
				if err := vm.Read(r2, key); err != nil {
					return 0, err
				}
				val, err := m.Lookup(key)
				if errors.Is(err, maps.ErrKeyNotFound) {
					return neg(RetNotFound), nil
				}
				if err != nil {
					return neg(RetInvalid), nil
				}
				if err := vm.Write(r3, val); err != nil {
					return 0, err
				}
				return 0, nil
			},
		},
		{
			ID:        FnMapUpdateElem,
			Name:      "map_update_elem",
			Sig:       Sig{Args: [5]ArgType{ArgMapID, ArgPtrToMapKey, ArgPtrToMapValueIn}},
			Permitted: AllTypes,
			Fn: func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
				m, err := env.Maps().Get(uint32(r1))
				if err != nil {
					return neg(RetInvalid), nil
				}
				key := make([]byte, m.Def().KeySize)
				if err := vm.Read(r2, key); err != nil {
					return 0, err
				}
				val := make([]byte, m.Def().ValueSize)
				if err := vm.Read(r3, val); err != nil {
					return 0, err
				}
				if err := m.Update(key, val); err != nil {
					if errors.Is(err, maps.ErrMapFull) {
						return neg(RetNoSpace), nil
					}
					return neg(RetInvalid), nil
				}
				return 0, nil
			},
		},
		{
			ID:        FnMapDeleteElem,
			Name:      "map_delete_elem",
			Sig:       Sig{Args: [5]ArgType{ArgMapID, ArgPtrToMapKey}},
			Permitted: AllTypes,
			Fn: func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
				m, err := env.Maps().Get(uint32(r1))
				if err != nil {
					return neg(RetInvalid), nil
				}
				key := make([]byte, m.Def().KeySize)
				if err := vm.Read(r2, key); err != nil {
					return 0, err
				}
				if err := m.Delete(key); err != nil {
					if errors.Is(err, maps.ErrKeyNotFound) {
						return neg(RetNotFound), nil
					}
					return neg(RetInvalid), nil
				}
				return 0, nil
			},
		},
		{
			ID:   FnRingbufOutput,
			Name: "ringbuf_output",
			Sig:  Sig{Args: [5]ArgType{ArgMapID, ArgPtrToMem, ArgSize}},
			// Timer programs have no event payload worth publishing;
			// the ring is reserved for tracepoint-driven records.
			Permitted: MaskOf(types.ProgTypeTracepoint),
			Fn: func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
				m, err := env.Maps().Get(uint32(r1))
				if err != nil {
					return neg(RetInvalid), nil
				}
				rb, ok := maps.AsRingBuf(m)
				if !ok {
					return neg(RetInvalid), nil
				}
				data := make([]byte, r3)
				if err := vm.Read(r2, data); err != nil {
					return 0, err
				}
				if err := rb.Output(data); err != nil {
					if errors.Is(err, maps.ErrRingFull) {
						return neg(RetNoSpace), nil
					}
					return neg(RetInvalid), nil
				}
				return 0, nil
			},
		},
		{
			ID:        FnPrandomU32,
			Name:      "prandom_u32",
			Sig:       Sig{},
			Permitted: AllTypes,
			Fn: func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
				return uint64(env.Rand()), nil
			},
		},
		{
			ID:        FnSmpProcessorID,
			Name:      "smp_processor_id",
			Sig:       Sig{},
			Permitted: AllTypes,
			Fn: func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
				return uint64(env.CPU()), nil
			},
		},
	}
}
