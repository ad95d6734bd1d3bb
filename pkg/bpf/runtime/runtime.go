// Package runtime loads, installs, and dispatches verified programs. Load
// is all-or-nothing per object: every program section must decode, build a
// valid block graph, and pass verification before any of them is installed.
// Dispatch runs the programs attached to a point against a fresh address
// space each and never blocks on concurrent loads.
package runtime

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/axiomos/kbpf/internal/types"
	"github.com/axiomos/kbpf/pkg/bpf/asm"
	"github.com/axiomos/kbpf/pkg/bpf/cfg"
	"github.com/axiomos/kbpf/pkg/bpf/helpers"
	"github.com/axiomos/kbpf/pkg/bpf/loader"
	"github.com/axiomos/kbpf/pkg/bpf/maps"
	"github.com/axiomos/kbpf/pkg/bpf/signing"
	"github.com/axiomos/kbpf/pkg/bpf/verifier"
)

// ErrSignatureRequired is returned on loading an unsigned object into a
// runtime that enforces signing.
var ErrSignatureRequired = errors.New("object signature required")

// DefaultTraceCap bounds the buffered trace lines.
const DefaultTraceCap = 1024

// Config configures a Runtime.
type Config struct {
	// Verifier bounds each verification run. Zero means defaults.
	Verifier verifier.Config

	// TraceCap bounds buffered trace lines; the oldest are dropped when
	// full. Zero means DefaultTraceCap.
	TraceCap int

	// RandSeed seeds the prandom_u32 helper. Zero means a time-derived
	// seed.
	RandSeed int64

	// Clock returns monotonic nanoseconds for ktime_get_ns. Nil means a
	// process-start-relative monotonic clock.
	Clock func() uint64

	// Keyring verifies object signatures when present. Nil skips
	// signature checking entirely.
	Keyring *signing.Keyring

	// RequireSignature rejects unsigned objects. Needs a Keyring.
	RequireSignature bool
}

// Runtime owns the map set, the helper registry, and the program table.
type Runtime struct {
	conf   Config
	mapset *maps.Set
	reg    *helpers.Registry
	table  *Table

	start time.Time
	clock func() uint64

	randMu sync.Mutex
	rand   *rand.Rand

	traceMu      sync.Mutex
	traceLines   [][]byte
	traceDropped uint64
}

// New creates a runtime with the builtin helper catalog and an empty map
// set and program table.
func New(conf Config) (*Runtime, error) {
	if conf.Verifier == (verifier.Config{}) {
		conf.Verifier = verifier.DefaultConfig()
	}
	if conf.TraceCap == 0 {
		conf.TraceCap = DefaultTraceCap
	}
	if conf.RandSeed == 0 {
		conf.RandSeed = time.Now().UnixNano()
	}
	if conf.RequireSignature && conf.Keyring == nil {
		return nil, errors.New("RequireSignature needs a Keyring")
	}

	rt := &Runtime{
		conf:   conf,
		mapset: maps.NewSet(),
		table:  NewTable(),
		start:  time.Now(),
		rand:   rand.New(rand.NewSource(conf.RandSeed)),
	}
	rt.clock = conf.Clock
	if rt.clock == nil {
		rt.clock = func() uint64 { return uint64(time.Since(rt.start)) }
	}

	reg, err := helpers.NewDefault(rt)
	if err != nil {
		return nil, err
	}
	rt.reg = reg
	return rt, nil
}

// Now implements the helper environment clock.
func (rt *Runtime) Now() uint64 {
	return rt.clock()
}

// Trace buffers one trace line, dropping the oldest beyond the cap.
func (rt *Runtime) Trace(line []byte) int {
	cp := append([]byte(nil), line...)
	rt.traceMu.Lock()
	defer rt.traceMu.Unlock()
	if len(rt.traceLines) >= rt.conf.TraceCap {
		rt.traceLines = rt.traceLines[1:]
		rt.traceDropped++
	}
	rt.traceLines = append(rt.traceLines, cp)
	return len(cp)
}

// Maps returns the shared map set.
func (rt *Runtime) Maps() *maps.Set {
	return rt.mapset
}

// Rand returns the next pseudo-random value for prandom_u32.
func (rt *Runtime) Rand() uint32 {
	rt.randMu.Lock()
	defer rt.randMu.Unlock()
	return rt.rand.Uint32()
}

// CPU returns the logical processor ID. Dispatch is single-threaded per
// call, so the runtime reports processor zero.
func (rt *Runtime) CPU() uint32 {
	return 0
}

// DrainTrace returns and clears all buffered trace lines, plus the count
// dropped since the last drain.
func (rt *Runtime) DrainTrace() ([][]byte, uint64) {
	rt.traceMu.Lock()
	defer rt.traceMu.Unlock()
	lines := rt.traceLines
	dropped := rt.traceDropped
	rt.traceLines = nil
	rt.traceDropped = 0
	return lines, dropped
}

// CreateMap creates a shared map and returns its ID.
func (rt *Runtime) CreateMap(def maps.Def) (uint32, error) {
	return rt.mapset.Create(def)
}

// Registry returns the sealed helper registry.
func (rt *Runtime) Registry() *helpers.Registry {
	return rt.reg
}

// Table returns the program table.
func (rt *Runtime) Table() *Table {
	return rt.table
}

// Load parses, verifies, and installs an object image. On any failure no
// program from the image is installed. It returns the IDs of the installed
// programs in section order.
func (rt *Runtime) Load(image []byte) ([]types.ProgramID, error) {
	obj, err := loader.Parse(image)
	if err != nil {
		return nil, err
	}

	var signer types.Pubkey
	if rt.conf.Keyring != nil {
		switch {
		case obj.Signature != nil:
			signer, err = rt.conf.Keyring.Verify(obj.Signature, obj.SignedContent)
			if err != nil {
				return nil, err
			}
		case rt.conf.RequireSignature:
			return nil, ErrSignatureRequired
		}
	}

	v := verifier.New(rt.reg, rt.mapset, rt.conf.Verifier)
	progs := make([]*Program, 0, len(obj.Programs))
	for _, rp := range obj.Programs {
		insns, err := asm.Decode(rp.Text)
		if err != nil {
			return nil, fmt.Errorf("section %q: %w", rp.Section, err)
		}
		g, err := cfg.Build(insns)
		if err != nil {
			return nil, fmt.Errorf("section %q: %w", rp.Section, err)
		}
		res, err := v.Verify(g, rp.Attach.Type)
		if err != nil {
			return nil, fmt.Errorf("section %q: %w", rp.Section, err)
		}
		progs = append(progs, &Program{
			ID:         rp.ID,
			Section:    rp.Section,
			Attach:     rp.Attach,
			License:    obj.License,
			Signer:     signer,
			Insns:      insns,
			Budget:     res.Budget,
			HelperRefs: res.HelperRefs,
		})
	}

	if err := rt.table.Install(progs); err != nil {
		return nil, err
	}
	ids := make([]types.ProgramID, len(progs))
	for i, p := range progs {
		ids[i] = p.ID
	}
	return ids, nil
}

// Remove uninstalls a program by ID.
func (rt *Runtime) Remove(id types.ProgramID) error {
	return rt.table.Remove(id)
}

// DispatchResult is one program's outcome for a dispatch.
type DispatchResult struct {
	ID  types.ProgramID
	R0  uint64
	Err error
}

// Dispatch runs every program attached to a point, each against a fresh
// zeroed stack and a private copy of ctx, in installation order. A program
// fault is recorded in its result and does not stop the others. An
// unattached point returns no results.
func (rt *Runtime) Dispatch(ap types.AttachPoint, ctx []byte) []DispatchResult {
	progs := rt.table.Attached(ap)
	if len(progs) == 0 {
		return nil
	}
	out := make([]DispatchResult, len(progs))
	ctxSize := ap.Type.ContextSize()
	for i, p := range progs {
		mem := NewMemory(ctx, ctxSize)
		r0, err := Execute(p, mem)
		out[i] = DispatchResult{ID: p.ID, R0: r0, Err: err}
	}
	return out
}

// DispatchValue runs the programs attached to a point and returns the last
// successful program's result as a signed value. An unattached point and a
// faulting program both yield 0.
func (rt *Runtime) DispatchValue(ap types.AttachPoint, ctx []byte) int64 {
	var out int64
	for _, r := range rt.Dispatch(ap, ctx) {
		if r.Err == nil {
			out = int64(r.R0)
		}
	}
	return out
}

// FireTracepoint dispatches a tracepoint event.
func (rt *Runtime) FireTracepoint(category, event string, ctx []byte) []DispatchResult {
	return rt.Dispatch(types.TracepointAttachPoint(category, event), ctx)
}
