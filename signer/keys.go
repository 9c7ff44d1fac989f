package signer

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/mr-tron/base58"
)

// KeyType identifies a signature scheme.
type KeyType uint8

const (
	KeyTypeEd25519 KeyType = iota
	KeyTypeDilithium3
)

func (t KeyType) String() string {
	switch t {
	case KeyTypeEd25519:
		return "ED"
	case KeyTypeDilithium3:
		return "DL3"
	default:
		return fmt.Sprintf("KeyType(%d)", uint8(t))
	}
}

// ParseKeyType accepts the short tag ("ED", "DL3") or a friendly name
// ("ed25519", "dilithium3").
func ParseKeyType(s string) (KeyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ed", "ed25519":
		return KeyTypeEd25519, nil
	case "dl3", "dilithium3", "mldsa65":
		return KeyTypeDilithium3, nil
	default:
		return 0, fmt.Errorf("signer: unknown key type %q", s)
	}
}

// PublicKeySize is the encoded public key length for t.
func (t KeyType) PublicKeySize() int {
	if t == KeyTypeDilithium3 {
		return mode3.PublicKeySize
	}
	return ed25519.PublicKeySize
}

func (t KeyType) SignatureSize() int {
	if t == KeyTypeDilithium3 {
		return mode3.SignatureSize
	}
	return ed25519.SignatureSize
}

var (
	ErrInvalidKeyFormat = errors.New("signer: invalid key format")
	ErrUnsupportedKey   = errors.New("signer: unsupported key type")
	ErrKeyDecryption    = errors.New("signer: key is encrypted (passphrase required)")
	// ErrRejected is returned when a delegated signer (usually a human)
	// declines to sign.
	ErrRejected = errors.New("signer: signing request rejected")
)

// PublicKey is a typed public key.
type PublicKey struct {
	Type KeyType
	Data []byte
}

func (k PublicKey) String() string {
	return "PUB_" + k.Type.String() + "_" + base58.Encode(k.Data)
}

func (k PublicKey) IsZero() bool { return len(k.Data) == 0 }

func (k PublicKey) Equal(o PublicKey) bool {
	return k.Type == o.Type && bytes.Equal(k.Data, o.Data)
}

func (k PublicKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PublicKey) UnmarshalText(b []byte) error {
	p, err := ParsePublicKey(string(b))
	if err != nil {
		return err
	}
	*k = p
	return nil
}

// ParsePublicKey parses PUB_ED_... or PUB_DL3_....
func ParsePublicKey(s string) (PublicKey, error) {
	t, data, err := parseTagged(s, "PUB_")
	if err != nil {
		return PublicKey{}, err
	}
	if len(data) != t.PublicKeySize() {
		return PublicKey{}, fmt.Errorf("%w: %s public key must be %d bytes, got %d", ErrInvalidKeyFormat, t, t.PublicKeySize(), len(data))
	}
	return PublicKey{Type: t, Data: data}, nil
}

// Signature is a typed signature.
type Signature struct {
	Type KeyType
	Data []byte
}

func (s Signature) String() string {
	return "SIG_" + s.Type.String() + "_" + base58.Encode(s.Data)
}

func (s Signature) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Signature) UnmarshalText(b []byte) error {
	p, err := ParseSignature(string(b))
	if err != nil {
		return err
	}
	*s = p
	return nil
}

// ParseSignature parses SIG_ED_... or SIG_DL3_....
func ParseSignature(s string) (Signature, error) {
	t, data, err := parseTagged(s, "SIG_")
	if err != nil {
		return Signature{}, err
	}
	if len(data) != t.SignatureSize() {
		return Signature{}, fmt.Errorf("%w: %s signature must be %d bytes, got %d", ErrInvalidKeyFormat, t, t.SignatureSize(), len(data))
	}
	return Signature{Type: t, Data: data}, nil
}

func parseTagged(s, prefix string) (KeyType, []byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, prefix) {
		return 0, nil, fmt.Errorf("%w: missing %s prefix", ErrInvalidKeyFormat, prefix)
	}
	rest := strings.TrimPrefix(s, prefix)
	tag, body, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, nil, fmt.Errorf("%w: missing key type", ErrInvalidKeyFormat)
	}
	var t KeyType
	switch tag {
	case "ED":
		t = KeyTypeEd25519
	case "DL3":
		t = KeyTypeDilithium3
	default:
		return 0, nil, fmt.Errorf("%w: %q", ErrUnsupportedKey, tag)
	}
	data, err := base58.Decode(body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return t, data, nil
}

// Verify reports whether sig is a valid signature of digest under pub.
func Verify(pub PublicKey, digest []byte, sig Signature) bool {
	if pub.Type != sig.Type || len(sig.Data) != sig.Type.SignatureSize() {
		return false
	}
	switch pub.Type {
	case KeyTypeEd25519:
		if len(pub.Data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Data), digest, sig.Data)
	case KeyTypeDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub.Data); err != nil {
			return false
		}
		return mode3.Verify(&pk, digest, sig.Data)
	default:
		return false
	}
}
