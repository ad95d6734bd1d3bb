package runtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/axiomos/kbpf/internal/types"
	"github.com/axiomos/kbpf/pkg/bpf/asm"
	"github.com/axiomos/kbpf/pkg/bpf/helpers"
)

// Table errors.
var (
	ErrProgramExists   = errors.New("program already installed")
	ErrProgramNotFound = errors.New("program not installed")
)

// Program is a verified program ready to dispatch. Fields are immutable
// after installation.
type Program struct {
	ID      types.ProgramID
	Section string
	Attach  types.AttachPoint
	License string

	// Signer is the trusted key that signed the program's object, zero
	// when the object was admitted unsigned.
	Signer types.Pubkey

	// Insns is the decoded instruction stream, wide continuation slots
	// included so slot indices match jump arithmetic.
	Insns []asm.Instruction

	// Budget is the instruction bound the verifier proved.
	Budget uint64

	// HelperRefs maps call slot index to the resolved helper.
	HelperRefs map[int]*helpers.Helper
}

// tableSnap is one immutable generation of the table.
type tableSnap struct {
	byID     map[types.ProgramID]*Program
	byAttach map[types.AttachPoint][]*Program
}

func emptySnap() *tableSnap {
	return &tableSnap{
		byID:     make(map[types.ProgramID]*Program),
		byAttach: make(map[types.AttachPoint][]*Program),
	}
}

// Table holds installed programs. Dispatch reads an atomic snapshot and
// never blocks on installers; installs and removals copy the snapshot under
// a writer lock.
type Table struct {
	mu   sync.Mutex
	snap atomic.Value // *tableSnap
}

// NewTable creates an empty table.
func NewTable() *Table {
	t := &Table{}
	t.snap.Store(emptySnap())
	return t
}

func (t *Table) load() *tableSnap {
	return t.snap.Load().(*tableSnap)
}

// Install adds a batch of programs atomically. If any program's ID is
// already installed, nothing is added. Within an attachment point, programs
// dispatch in installation order.
func (t *Table) Install(progs []*Program) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.load()
	for _, p := range progs {
		if _, exists := cur.byID[p.ID]; exists {
			return fmt.Errorf("%w: %s", ErrProgramExists, p.ID.Short())
		}
	}

	next := t.copySnap(cur)
	for _, p := range progs {
		next.byID[p.ID] = p
		next.byAttach[p.Attach] = append(next.byAttach[p.Attach], p)
	}
	t.snap.Store(next)
	return nil
}

// Remove uninstalls one program.
func (t *Table) Remove(id types.ProgramID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.load()
	p, ok := cur.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, id.Short())
	}

	next := t.copySnap(cur)
	delete(next.byID, id)
	kept := next.byAttach[p.Attach][:0]
	for _, q := range next.byAttach[p.Attach] {
		if q.ID != id {
			kept = append(kept, q)
		}
	}
	if len(kept) == 0 {
		delete(next.byAttach, p.Attach)
	} else {
		next.byAttach[p.Attach] = kept
	}
	t.snap.Store(next)
	return nil
}

func (t *Table) copySnap(cur *tableSnap) *tableSnap {
	next := emptySnap()
	for id, p := range cur.byID {
		next.byID[id] = p
	}
	for ap, ps := range cur.byAttach {
		next.byAttach[ap] = append([]*Program(nil), ps...)
	}
	return next
}

// Get returns an installed program by ID.
func (t *Table) Get(id types.ProgramID) (*Program, bool) {
	p, ok := t.load().byID[id]
	return p, ok
}

// Attached returns the programs attached to a point, in installation order.
func (t *Table) Attached(ap types.AttachPoint) []*Program {
	return t.load().byAttach[ap]
}

// List returns all installed programs ordered by section then ID.
func (t *Table) List() []*Program {
	snap := t.load()
	out := make([]*Program, 0, len(snap.byID))
	for _, p := range snap.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Section != out[j].Section {
			return out[i].Section < out[j].Section
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Len returns the installed program count.
func (t *Table) Len() int {
	return len(t.load().byID)
}
