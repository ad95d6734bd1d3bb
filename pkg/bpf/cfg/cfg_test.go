package cfg

import (
	"errors"
	"testing"

	"github.com/axiomos/kbpf/pkg/bpf/asm"
)

func TestBuildStraightLine(t *testing.T) {
	g, err := Build([]asm.Instruction{
		asm.Mov64Imm(asm.R0, 0),
		asm.Exit(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(g.Blocks) != 1 {
		t.Errorf("blocks = %d, want 1", len(g.Blocks))
	}
	if len(g.BackEdges) != 0 {
		t.Errorf("back edges = %d, want 0", len(g.BackEdges))
	}
	if g.NumInsns() != 2 {
		t.Errorf("NumInsns = %d, want 2", g.NumInsns())
	}
}

func TestBuildDiamond(t *testing.T) {
	// if r1 == 0 { r0 = 1 } else { r0 = 2 }; exit
	g, err := Build([]asm.Instruction{
		asm.JeqImm(asm.R1, 0, 2), // 0: to 3
		asm.Mov64Imm(asm.R0, 2),  // 1
		asm.Ja(1),                // 2: to 4
		asm.Mov64Imm(asm.R0, 1),  // 3
		asm.Exit(),               // 4
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(g.Blocks) != 4 {
		t.Fatalf("blocks = %d, want 4", len(g.Blocks))
	}
	if len(g.Blocks[0].Succs) != 2 {
		t.Errorf("entry succs = %v, want two", g.Blocks[0].Succs)
	}
	if len(g.BackEdges) != 0 {
		t.Errorf("back edges = %v, want none", g.BackEdges)
	}
}

func TestBuildLoopHasBackEdge(t *testing.T) {
	// r0 = 10; loop: r0 -= 1; if r0 != 0 goto loop; exit
	g, err := Build([]asm.Instruction{
		asm.Mov64Imm(asm.R0, 10), // 0
		asm.Sub64Imm(asm.R0, 1),  // 1
		asm.JneImm(asm.R0, 0, -2), // 2: back to 1
		asm.Exit(),               // 3
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(g.BackEdges) == 0 {
		t.Error("expected a back edge for the loop")
	}
}

func TestBuildJumpOutOfRange(t *testing.T) {
	_, err := Build([]asm.Instruction{
		asm.Ja(5),
		asm.Exit(),
	})
	if !errors.Is(err, ErrInvalidJumpTarget) {
		t.Errorf("expected ErrInvalidJumpTarget, got %v", err)
	}
}

func TestBuildJumpBeforeStart(t *testing.T) {
	_, err := Build([]asm.Instruction{
		asm.Mov64Imm(asm.R0, 0),
		asm.Ja(-3),
		asm.Exit(),
	})
	if !errors.Is(err, ErrInvalidJumpTarget) {
		t.Errorf("expected ErrInvalidJumpTarget, got %v", err)
	}
}

func TestBuildJumpIntoWideInstruction(t *testing.T) {
	wide := asm.LoadImm64(asm.R1, 0x1122334455667788)
	_, err := Build([]asm.Instruction{
		asm.Ja(1), // 0: lands on slot 2, the continuation
		wide[0],   // 1
		wide[1],   // 2
		asm.Exit(),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	// Slot 2 is the continuation of the lddw at slot 1.
	if !errors.Is(err, ErrInvalidJumpTarget) {
		t.Errorf("expected ErrInvalidJumpTarget, got %v", err)
	}
}

func TestBuildUnreachableCode(t *testing.T) {
	_, err := Build([]asm.Instruction{
		asm.Exit(),
		asm.Mov64Imm(asm.R0, 1), // never reached
		asm.Exit(),
	})
	if !errors.Is(err, ErrUnreachableCode) {
		t.Errorf("expected ErrUnreachableCode, got %v", err)
	}
}

func TestBuildDeadCodeAfterJa(t *testing.T) {
	_, err := Build([]asm.Instruction{
		asm.Ja(1),               // 0: to 2
		asm.Mov64Imm(asm.R0, 1), // 1: dead
		asm.Exit(),              // 2
	})
	if !errors.Is(err, ErrUnreachableCode) {
		t.Errorf("expected ErrUnreachableCode, got %v", err)
	}
}

func TestBuildFallsOffEnd(t *testing.T) {
	_, err := Build([]asm.Instruction{
		asm.Mov64Imm(asm.R0, 0),
	})
	if !errors.Is(err, ErrInvalidJumpTarget) {
		t.Errorf("expected ErrInvalidJumpTarget, got %v", err)
	}
}

func TestBuildEmpty(t *testing.T) {
	_, err := Build(nil)
	if !errors.Is(err, ErrEmptyProgram) {
		t.Errorf("expected ErrEmptyProgram, got %v", err)
	}
}

func TestBuildCallFallsThrough(t *testing.T) {
	g, err := Build([]asm.Instruction{
		asm.Mov64Imm(asm.R1, 0),
		asm.Call(1),
		asm.Exit(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(g.Blocks) != 1 {
		t.Errorf("blocks = %d, want 1 (call does not end a block)", len(g.Blocks))
	}
}
