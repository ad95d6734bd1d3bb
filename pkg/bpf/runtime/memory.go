package runtime

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/axiomos/kbpf/pkg/bpf/asm"
)

// Virtual address regions. The high 32 bits select the region; the low 32
// bits are the offset within it.
const (
	// VaddrStack is the base of the 512-byte stack frame. The frame
	// pointer R10 is VaddrStack + StackFrameSize.
	VaddrStack = uint64(0x2_00000000)

	// VaddrContext is the base of the read-only context buffer.
	VaddrContext = uint64(0x4_00000000)
)

// ErrBadMemoryAccess is returned on any access outside the mapped regions
// or a write to read-only memory. A verified program never triggers it
// through its own loads and stores.
var ErrBadMemoryAccess = errors.New("bad memory access")

// Memory is one dispatch's address space: a fresh zeroed stack frame and a
// fixed-size copy of the caller's context. It implements the helper memory
// surface.
type Memory struct {
	stack [asm.StackFrameSize]byte
	ctx   []byte
}

// NewMemory builds the address space for one dispatch. The caller's context
// bytes are copied into a zeroed buffer of the program type's context size,
// so short inputs read as zero padding and the caller's slice is never
// aliased.
func NewMemory(ctx []byte, ctxSize int) *Memory {
	m := &Memory{ctx: make([]byte, ctxSize)}
	copy(m.ctx, ctx)
	return m
}

// Translate maps a virtual address span to host memory. Writes to the
// context region are refused.
func (m *Memory) Translate(addr, size uint64, write bool) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	region := addr >> 32
	switch region << 32 {
	case VaddrStack:
		off := addr - VaddrStack
		if off+size > uint64(len(m.stack)) || off+size < off {
			return nil, fmt.Errorf("%w: stack %#x+%d", ErrBadMemoryAccess, addr, size)
		}
		return m.stack[off : off+size], nil
	case VaddrContext:
		if write {
			return nil, fmt.Errorf("%w: context is read-only at %#x", ErrBadMemoryAccess, addr)
		}
		off := addr - VaddrContext
		if off+size > uint64(len(m.ctx)) || off+size < off {
			return nil, fmt.Errorf("%w: context %#x+%d", ErrBadMemoryAccess, addr, size)
		}
		return m.ctx[off : off+size], nil
	default:
		return nil, fmt.Errorf("%w: unmapped address %#x", ErrBadMemoryAccess, addr)
	}
}

// Read copies len(p) bytes from program memory into p.
func (m *Memory) Read(addr uint64, p []byte) error {
	src, err := m.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

// Write copies p into program memory.
func (m *Memory) Write(addr uint64, p []byte) error {
	dst, err := m.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

// Read8 reads one byte.
func (m *Memory) Read8(addr uint64) (uint8, error) {
	b, err := m.Translate(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read16 reads a little-endian half-word.
func (m *Memory) Read16(addr uint64) (uint16, error) {
	b, err := m.Translate(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Read32 reads a little-endian word.
func (m *Memory) Read32(addr uint64) (uint32, error) {
	b, err := m.Translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Read64 reads a little-endian double-word.
func (m *Memory) Read64(addr uint64) (uint64, error) {
	b, err := m.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Write8 writes one byte.
func (m *Memory) Write8(addr uint64, v uint8) error {
	b, err := m.Translate(addr, 1, true)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// Write16 writes a little-endian half-word.
func (m *Memory) Write16(addr uint64, v uint16) error {
	b, err := m.Translate(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// Write32 writes a little-endian word.
func (m *Memory) Write32(addr uint64, v uint32) error {
	b, err := m.Translate(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// Write64 writes a little-endian double-word.
func (m *Memory) Write64(addr uint64, v uint64) error {
	b, err := m.Translate(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}
