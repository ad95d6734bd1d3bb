// Package types defines the core identifiers shared across the kbpf runtime.
//
// A ProgramID is the BLAKE3-256 digest of a program's instruction stream plus
// the section name it was packaged under, rendered base58 for logs and CLI
// output. Attach points name the event source a verified program is bound to.
package types

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Size constants for core types.
const (
	ProgramIDSize = 32
	PubkeySize    = 32
	SignatureSize = 64
)

var (
	// ErrInvalidProgramID is returned when a program ID has invalid length.
	ErrInvalidProgramID = errors.New("invalid program id: must be 32 bytes")

	// ErrInvalidPubkey is returned when a pubkey has invalid length.
	ErrInvalidPubkey = errors.New("invalid pubkey: must be 32 bytes")

	// ErrInvalidSignature is returned when a signature has invalid length.
	ErrInvalidSignature = errors.New("invalid signature: must be 64 bytes")

	// ErrInvalidAttachPoint is returned for malformed attach point strings.
	ErrInvalidAttachPoint = errors.New("invalid attach point")
)

// ProgramID is the 32-byte BLAKE3 digest identifying a loaded program.
type ProgramID [ProgramIDSize]byte

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], b)
	return id, nil
}

// ProgramIDFromBase58 parses a base58-encoded program ID.
func ProgramIDFromBase58(s string) (ProgramID, error) {
	data, err := base58.Decode(s)
	if err != nil {
		return ProgramID{}, fmt.Errorf("base58 decode: %w", err)
	}
	return ProgramIDFromBytes(data)
}

// HashProgram computes the ProgramID for a program's raw text plus the
// section name it was found under. Including the section name means the same
// bytecode attached to two different points yields two distinct IDs.
func HashProgram(section string, text []byte) ProgramID {
	h := blake3.New()
	h.Write([]byte(section))
	h.Write([]byte{0})
	h.Write(text)
	var id ProgramID
	copy(id[:], h.Sum(nil))
	return id
}

// String returns the base58-encoded representation.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// Short returns a truncated base58 form for log lines.
func (id ProgramID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero returns true if the ID is all zeros.
func (id ProgramID) IsZero() bool {
	return id == ProgramID{}
}

// Equals returns true if two program IDs are equal.
func (id ProgramID) Equals(other ProgramID) bool {
	return id == other
}

// Bytes returns the ID as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ProgramIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Pubkey represents a 32-byte Ed25519 public key used for program signing.
type Pubkey [PubkeySize]byte

// PubkeyFromBase58 parses a base58-encoded public key.
func PubkeyFromBase58(s string) (Pubkey, error) {
	var p Pubkey
	data, err := base58.Decode(s)
	if err != nil {
		return p, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != PubkeySize {
		return p, ErrInvalidPubkey
	}
	copy(p[:], data)
	return p, nil
}

// PubkeyFromBytes creates a Pubkey from a byte slice.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var p Pubkey
	if len(b) != PubkeySize {
		return p, ErrInvalidPubkey
	}
	copy(p[:], b)
	return p, nil
}

// String returns the base58-encoded representation.
func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// IsZero returns true if the pubkey is all zeros.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// Bytes returns the pubkey as a byte slice.
func (p Pubkey) Bytes() []byte {
	return p[:]
}

// Signature represents a 64-byte Ed25519 signature.
type Signature [SignatureSize]byte

// SignatureFromBytes creates a Signature from a byte slice.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureSize {
		return sig, ErrInvalidSignature
	}
	copy(sig[:], b)
	return sig, nil
}

// String returns the base58-encoded representation.
func (s Signature) String() string {
	return base58.Encode(s[:])
}

// Verify verifies this signature against a message and public key.
func (s Signature) Verify(pubkey Pubkey, message []byte) bool {
	return ed25519.Verify(pubkey[:], message, s[:])
}

// Bytes returns the signature as a byte slice.
func (s Signature) Bytes() []byte {
	return s[:]
}

// ProgType classifies a program by the section-name family it was packaged
// under. The type determines which helpers the program may call and the
// shape of the context buffer it receives at dispatch.
type ProgType uint8

const (
	// ProgTypeUnspec is the zero value; never installed.
	ProgTypeUnspec ProgType = iota

	// ProgTypeTracepoint runs when a named tracepoint fires.
	ProgTypeTracepoint

	// ProgTypeTimer runs on timer ticks.
	ProgTypeTimer
)

// String returns the section-name prefix for the program type.
func (t ProgType) String() string {
	switch t {
	case ProgTypeTracepoint:
		return "tracepoint"
	case ProgTypeTimer:
		return "timer"
	default:
		return "unspec"
	}
}

// Context buffer sizes per program type.
const (
	// TracepointContextSize covers a u64 timestamp, a u64 event id, a u64
	// pid, and five u64 arguments.
	TracepointContextSize = 64

	// TimerContextSize covers a u64 now (ns) and a u64 tick count.
	TimerContextSize = 16
)

// ContextSize returns the size in bytes of the read-only context buffer
// handed to programs of this type. The verifier bounds all context loads
// against this size; dispatch supplies a buffer of exactly this size.
func (t ProgType) ContextSize() int {
	switch t {
	case ProgTypeTracepoint:
		return TracepointContextSize
	case ProgTypeTimer:
		return TimerContextSize
	default:
		return 0
	}
}

// AttachPoint identifies where an accepted program is installed.
//
// For tracepoints the form is "tracepoint/<category>/<event>"; the timer
// channel is the single point "timer". The string form doubles as the
// program table key and the section name in object files.
type AttachPoint struct {
	Type ProgType

	// Category and Event are set for tracepoints only.
	Category string
	Event    string
}

// TimerAttachPoint is the single attachment point for the timer channel.
var TimerAttachPoint = AttachPoint{Type: ProgTypeTimer}

// TracepointAttachPoint builds a tracepoint attachment point.
func TracepointAttachPoint(category, event string) AttachPoint {
	return AttachPoint{Type: ProgTypeTracepoint, Category: category, Event: event}
}

// ParseAttachPoint parses a section-name-shaped attach point string.
func ParseAttachPoint(s string) (AttachPoint, error) {
	if s == "timer" {
		return TimerAttachPoint, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) == 3 && parts[0] == "tracepoint" && parts[1] != "" && parts[2] != "" {
		return TracepointAttachPoint(parts[1], parts[2]), nil
	}
	return AttachPoint{}, fmt.Errorf("%w: %q", ErrInvalidAttachPoint, s)
}

// String renders the canonical section-name form.
func (ap AttachPoint) String() string {
	switch ap.Type {
	case ProgTypeTracepoint:
		return "tracepoint/" + ap.Category + "/" + ap.Event
	case ProgTypeTimer:
		return "timer"
	default:
		return "unspec"
	}
}

// Valid reports whether the attach point is fully specified.
func (ap AttachPoint) Valid() bool {
	switch ap.Type {
	case ProgTypeTracepoint:
		return ap.Category != "" && ap.Event != ""
	case ProgTypeTimer:
		return true
	default:
		return false
	}
}
