package signing

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/axiomos/kbpf/internal/types"
)

func newKey(t *testing.T) (types.Pubkey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var p types.Pubkey
	copy(p[:], pub)
	return p, priv
}

func TestSignAndVerify(t *testing.T) {
	for _, scheme := range []Scheme{SchemeBlake3, SchemeSHA3} {
		t.Run(scheme.String(), func(t *testing.T) {
			pub, priv := newKey(t)
			content := []byte("timer\x00program text here")

			section, err := Sign(priv, scheme, content)
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			if len(section) != SectionLen {
				t.Fatalf("section length = %d, want %d", len(section), SectionLen)
			}

			ring := NewKeyring()
			ring.Trust(pub)
			signer, err := ring.Verify(section, content)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if signer != pub {
				t.Errorf("signer = %s, want %s", signer, pub)
			}
		})
	}
}

func TestVerifyUntrustedKey(t *testing.T) {
	_, priv := newKey(t)
	content := []byte("content")
	section, err := Sign(priv, SchemeBlake3, content)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ring := NewKeyring()
	if _, err := ring.Verify(section, content); !errors.Is(err, ErrUntrustedKey) {
		t.Errorf("Verify error = %v, want %v", err, ErrUntrustedKey)
	}
}

func TestVerifyTamperedContent(t *testing.T) {
	pub, priv := newKey(t)
	content := []byte("original content")
	section, err := Sign(priv, SchemeBlake3, content)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ring := NewKeyring()
	ring.Trust(pub)
	tampered := append([]byte(nil), content...)
	tampered[0] ^= 0xff
	if _, err := ring.Verify(section, tampered); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify error = %v, want %v", err, ErrBadSignature)
	}
}

func TestVerifyMalformedSection(t *testing.T) {
	ring := NewKeyring()
	if _, err := ring.Verify(make([]byte, 10), []byte("x")); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("Verify error = %v, want %v", err, ErrMalformedSignature)
	}
}

func TestVerifyUnknownScheme(t *testing.T) {
	pub, priv := newKey(t)
	content := []byte("content")
	section, err := Sign(priv, SchemeBlake3, content)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	section[0] = 0x7f

	ring := NewKeyring()
	ring.Trust(pub)
	if _, err := ring.Verify(section, content); !errors.Is(err, ErrUnknownScheme) {
		t.Errorf("Verify error = %v, want %v", err, ErrUnknownScheme)
	}
}

func TestKeyringRevoke(t *testing.T) {
	pub, _ := newKey(t)
	ring := NewKeyring()
	ring.Trust(pub)
	if !ring.Trusted(pub) {
		t.Fatal("key not trusted after Trust")
	}
	ring.Revoke(pub)
	if ring.Trusted(pub) {
		t.Error("key still trusted after Revoke")
	}
	if ring.Len() != 0 {
		t.Errorf("Len = %d, want 0", ring.Len())
	}
}
