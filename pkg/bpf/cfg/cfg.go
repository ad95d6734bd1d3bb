// Package cfg builds a basic-block control-flow graph over a decoded
// instruction stream and checks its structural soundness: every jump lands
// on a real instruction boundary inside the program, and every instruction
// is reachable from the entry.
package cfg

import (
	"errors"
	"fmt"
	"sort"

	"github.com/axiomos/kbpf/pkg/bpf/asm"
)

var (
	// ErrInvalidJumpTarget is returned for a jump outside the program or
	// onto a wide-instruction continuation slot.
	ErrInvalidJumpTarget = errors.New("invalid jump target")

	// ErrUnreachableCode is returned when instructions cannot be reached
	// from the entry.
	ErrUnreachableCode = errors.New("unreachable code")

	// ErrNoExit is returned when no exit instruction is reachable.
	ErrNoExit = errors.New("program has no reachable exit")

	// ErrEmptyProgram is returned for an empty instruction stream.
	ErrEmptyProgram = errors.New("empty program")
)

// Block is a maximal straight-line run of instructions. Start and End are
// slot indexes, End exclusive. Succs holds successor block indexes in
// deterministic order (fallthrough first, then jump target).
type Block struct {
	Start int
	End   int
	Succs []int
}

// Edge is a directed edge between blocks.
type Edge struct {
	From, To int
}

// Graph is the control-flow graph of one program.
type Graph struct {
	Insns  []asm.Instruction
	Blocks []Block

	// BackEdges lists edges whose target lies at or before the source in
	// depth-first order. A non-empty list means the graph has a cycle.
	BackEdges []Edge

	blockAt map[int]int // leader slot index -> block index
}

// BlockAt returns the index of the block whose leader is slot idx.
func (g *Graph) BlockAt(idx int) (int, bool) {
	b, ok := g.blockAt[idx]
	return b, ok
}

// jumpTarget computes the slot a jump at slot i with offset off lands on.
func jumpTarget(i int, off int16) int {
	return i + 1 + int(off)
}

// isContinuation reports whether slot i is the second half of a lddw.
func isContinuation(insns []asm.Instruction, i int) bool {
	return i > 0 && insns[i-1].IsWide()
}

// next returns the slot index following instruction i, accounting for wide
// instructions.
func next(insns []asm.Instruction, i int) int {
	if insns[i].IsWide() {
		return i + 2
	}
	return i + 1
}

// Build partitions a decoded stream into basic blocks and validates its
// control flow. The stream must already be well-formed per asm.Decode.
func Build(insns []asm.Instruction) (*Graph, error) {
	if len(insns) == 0 {
		return nil, ErrEmptyProgram
	}

	n := len(insns)

	// Pass 1: find leaders and validate every jump target.
	leaders := map[int]bool{0: true}
	for i := 0; i < n; i = next(insns, i) {
		ins := insns[i]
		op := ins.Op()
		class := op & 0x07
		if class != asm.ClassJmp && class != asm.ClassJmp32 {
			continue
		}
		if op == asm.OpCall {
			continue // helper calls fall through
		}
		if op == asm.OpExit {
			if nx := next(insns, i); nx < n {
				leaders[nx] = true
			}
			continue
		}
		target := jumpTarget(i, ins.Off())
		if target < 0 || target >= n {
			return nil, fmt.Errorf("%w: instruction %d jumps to %d (program has %d slots)",
				ErrInvalidJumpTarget, i, target, n)
		}
		if isContinuation(insns, target) {
			return nil, fmt.Errorf("%w: instruction %d jumps into the middle of a wide instruction at %d",
				ErrInvalidJumpTarget, i, target)
		}
		leaders[target] = true
		// The slot after any jump starts a block. For a conditional it is
		// the fallthrough; after a ja it is reachable only via another
		// jump, and pass 3 rejects it otherwise.
		if nx := next(insns, i); nx < n {
			leaders[nx] = true
		}
	}

	leaderList := make([]int, 0, len(leaders))
	for l := range leaders {
		leaderList = append(leaderList, l)
	}
	sort.Ints(leaderList)

	g := &Graph{
		Insns:   insns,
		blockAt: make(map[int]int, len(leaderList)),
	}
	for bi, l := range leaderList {
		end := n
		if bi+1 < len(leaderList) {
			end = leaderList[bi+1]
		}
		g.Blocks = append(g.Blocks, Block{Start: l, End: end})
		g.blockAt[l] = bi
	}

	// Pass 2: successor edges from each block's terminator.
	sawExit := false
	for bi := range g.Blocks {
		b := &g.Blocks[bi]

		// Locate the terminator, the last whole instruction in the block.
		term := b.Start
		for i := b.Start; i < b.End; i = next(insns, i) {
			term = i
		}

		ins := insns[term]
		op := ins.Op()
		class := op & 0x07

		nextSlot := next(insns, term)
		switch {
		case op == asm.OpExit:
			sawExit = true
		case op == asm.OpJa:
			b.Succs = append(b.Succs, g.blockAt[jumpTarget(term, ins.Off())])
		case (class == asm.ClassJmp || class == asm.ClassJmp32) && op != asm.OpCall:
			if nextSlot >= n {
				return nil, fmt.Errorf("%w: instruction %d falls through past the end",
					ErrInvalidJumpTarget, term)
			}
			b.Succs = append(b.Succs, g.blockAt[nextSlot])
			target := g.blockAt[jumpTarget(term, ins.Off())]
			if target != b.Succs[0] {
				b.Succs = append(b.Succs, target)
			}
		default:
			// Straight-line code or a call: control continues at the
			// next slot.
			if nextSlot >= n {
				return nil, fmt.Errorf("%w: instruction %d falls through past the end",
					ErrInvalidJumpTarget, term)
			}
			b.Succs = append(b.Succs, g.blockAt[nextSlot])
		}
	}

	// Pass 3: reachability from the entry block.
	reached := make([]bool, len(g.Blocks))
	queue := []int{0}
	reached[0] = true
	for len(queue) > 0 {
		bi := queue[0]
		queue = queue[1:]
		for _, s := range g.Blocks[bi].Succs {
			if !reached[s] {
				reached[s] = true
				queue = append(queue, s)
			}
		}
	}
	for bi, r := range reached {
		if !r {
			return nil, fmt.Errorf("%w: instruction %d is never reached",
				ErrUnreachableCode, g.Blocks[bi].Start)
		}
	}
	if !sawExit {
		return nil, ErrNoExit
	}

	// Pass 4: back edges via iterative DFS with colors.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make([]int, len(g.Blocks))
	type frame struct {
		block int
		succ  int
	}
	stack := []frame{{block: 0}}
	color[0] = grey
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		b := &g.Blocks[f.block]
		if f.succ < len(b.Succs) {
			s := b.Succs[f.succ]
			f.succ++
			switch color[s] {
			case white:
				color[s] = grey
				stack = append(stack, frame{block: s})
			case grey:
				g.BackEdges = append(g.BackEdges, Edge{From: f.block, To: s})
			}
			continue
		}
		color[f.block] = black
		stack = stack[:len(stack)-1]
	}

	return g, nil
}

// NumInsns returns the count of whole instructions (a wide pair counts once).
func (g *Graph) NumInsns() int {
	count := 0
	for i := 0; i < len(g.Insns); i = next(g.Insns, i) {
		count++
	}
	return count
}
