package signer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Signer signs transaction digests.
//
// Sign may block until the caller's context is done; implementations backed
// by a human approval step have no latency bound of their own.
type Signer interface {
	PublicKey() PublicKey
	Sign(ctx context.Context, digest []byte) (Signature, error)
}

// SeedSize is the seed length for both supported schemes.
const SeedSize = 32

// LocalSigner holds a private key in memory.
type LocalSigner struct {
	pub  PublicKey
	ed   ed25519.PrivateKey
	dl3  *mode3.PrivateKey
	seed []byte
}

var _ Signer = (*LocalSigner)(nil)

// NewFromSeed derives a key of the given type from a 32-byte seed.
func NewFromSeed(t KeyType, seed []byte) (*LocalSigner, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	s := &LocalSigner{seed: append([]byte(nil), seed...)}
	switch t {
	case KeyTypeEd25519:
		s.ed = ed25519.NewKeyFromSeed(seed)
		s.pub = PublicKey{Type: t, Data: append([]byte(nil), s.ed.Public().(ed25519.PublicKey)...)}
	case KeyTypeDilithium3:
		var sd [mode3.SeedSize]byte
		copy(sd[:], seed)
		pk, sk := mode3.NewKeyFromSeed(&sd)
		s.dl3 = sk
		s.pub = PublicKey{Type: t, Data: pk.Bytes()}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, t)
	}
	return s, nil
}

// NewEd25519 wraps an existing Ed25519 private key.
func NewEd25519(priv ed25519.PrivateKey) (*LocalSigner, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: ed25519 private key must be %d bytes", ErrInvalidKeyFormat, ed25519.PrivateKeySize)
	}
	return NewFromSeed(KeyTypeEd25519, priv.Seed())
}

// Generate creates a fresh key from rand.
func Generate(t KeyType, rand io.Reader) (*LocalSigner, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, fmt.Errorf("signer: read entropy: %w", err)
	}
	return NewFromSeed(t, seed)
}

func (s *LocalSigner) PublicKey() PublicKey { return s.pub }

// Seed returns a copy of the key seed.
func (s *LocalSigner) Seed() []byte { return append([]byte(nil), s.seed...) }

func (s *LocalSigner) Sign(ctx context.Context, digest []byte) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	switch s.pub.Type {
	case KeyTypeEd25519:
		return Signature{Type: KeyTypeEd25519, Data: ed25519.Sign(s.ed, digest)}, nil
	case KeyTypeDilithium3:
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(s.dl3, digest, sig)
		return Signature{Type: KeyTypeDilithium3, Data: sig}, nil
	default:
		return Signature{}, ErrUnsupportedKey
	}
}
