// Package signing implements detached object signatures. A signature covers
// a digest of the object's program sections and license, so any change to
// the code or its license invalidates it. The signature section layout is
// one byte of digest scheme, the 32-byte signer public key, then the 64-byte
// Ed25519 signature over the digest.
package signing

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/axiomos/kbpf/internal/types"
)

// Signing errors.
var (
	ErrMalformedSignature = errors.New("malformed signature section")
	ErrUnknownScheme      = errors.New("unknown digest scheme")
	ErrUntrustedKey       = errors.New("signer key is not trusted")
	ErrBadSignature       = errors.New("signature does not verify")
	ErrNoSignature        = errors.New("object carries no signature")
)

// Scheme selects the digest algorithm a signature covers.
type Scheme uint8

const (
	// SchemeBlake3 is BLAKE3-256, the default.
	SchemeBlake3 Scheme = 1

	// SchemeSHA3 is SHA3-256.
	SchemeSHA3 Scheme = 2
)

func (s Scheme) String() string {
	switch s {
	case SchemeBlake3:
		return "blake3-256"
	case SchemeSHA3:
		return "sha3-256"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// SectionLen is the exact byte length of a signature section.
const SectionLen = 1 + 32 + ed25519.SignatureSize

// Digest hashes signed content under the given scheme.
func Digest(scheme Scheme, content []byte) ([32]byte, error) {
	switch scheme {
	case SchemeBlake3:
		return blake3.Sum256(content), nil
	case SchemeSHA3:
		return sha3.Sum256(content), nil
	default:
		return [32]byte{}, fmt.Errorf("%w: %d", ErrUnknownScheme, scheme)
	}
}

// Sign produces a signature section body for the given content.
func Sign(priv ed25519.PrivateKey, scheme Scheme, content []byte) ([]byte, error) {
	digest, err := Digest(scheme, content)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, SectionLen)
	out = append(out, byte(scheme))
	out = append(out, priv.Public().(ed25519.PublicKey)...)
	out = append(out, ed25519.Sign(priv, digest[:])...)
	return out, nil
}

// Keyring is the set of signer keys an operator trusts. It is safe for
// concurrent use.
type Keyring struct {
	mu   sync.RWMutex
	keys map[types.Pubkey]struct{}
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[types.Pubkey]struct{})}
}

// Trust adds a signer key.
func (k *Keyring) Trust(pub types.Pubkey) {
	k.mu.Lock()
	k.keys[pub] = struct{}{}
	k.mu.Unlock()
}

// Revoke removes a signer key.
func (k *Keyring) Revoke(pub types.Pubkey) {
	k.mu.Lock()
	delete(k.keys, pub)
	k.mu.Unlock()
}

// Trusted reports whether a key is in the ring.
func (k *Keyring) Trusted(pub types.Pubkey) bool {
	k.mu.RLock()
	_, ok := k.keys[pub]
	k.mu.RUnlock()
	return ok
}

// Len returns the number of trusted keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Verify checks a signature section against signed content. The signer key
// must be in the ring and the Ed25519 signature must cover the content's
// digest under the declared scheme.
func (k *Keyring) Verify(section, content []byte) (types.Pubkey, error) {
	if len(section) != SectionLen {
		return types.Pubkey{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedSignature, len(section), SectionLen)
	}
	scheme := Scheme(section[0])
	var pub types.Pubkey
	copy(pub[:], section[1:33])
	var sig types.Signature
	copy(sig[:], section[33:])

	digest, err := Digest(scheme, content)
	if err != nil {
		return pub, err
	}
	if !k.Trusted(pub) {
		return pub, fmt.Errorf("%w: %x", ErrUntrustedKey, pub[:8])
	}
	if !sig.Verify(pub, digest[:]) {
		return pub, ErrBadSignature
	}
	return pub, nil
}
