package signer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// LoadPrivateKey reads a private key from path. See ParsePrivateKey.
func LoadPrivateKey(path string) (*LocalSigner, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return ParsePrivateKey(keyData)
}

// ParsePrivateKey accepts a raw 32-byte Ed25519 seed, a raw 64-byte Ed25519
// private key, a hex seed (optionally prefixed "dl3:" for Dilithium3, as
// written by Keystore), or an OpenSSH Ed25519 private key.
func ParsePrivateKey(keyData []byte) (*LocalSigner, error) {
	// Hex text first: a 64-character hex seed is also 64 bytes long.
	if t, seed, err := ParseSeedText(string(keyData)); err == nil {
		return NewFromSeed(t, seed)
	}
	if block, _ := pem.Decode(keyData); block != nil {
		return parseOpenSSHKey(keyData)
	}
	switch len(keyData) {
	case ed25519.SeedSize:
		return NewFromSeed(KeyTypeEd25519, keyData)
	case ed25519.PrivateKeySize:
		return NewEd25519(ed25519.PrivateKey(keyData))
	}
	return nil, ErrInvalidKeyFormat
}

// ParseSeedText parses "[ed:|dl3:]<hex seed>".
func ParseSeedText(s string) (KeyType, []byte, error) {
	s = strings.TrimSpace(s)
	t := KeyTypeEd25519
	if tag, rest, ok := strings.Cut(s, ":"); ok {
		kt, err := ParseKeyType(tag)
		if err != nil {
			return 0, nil, err
		}
		t, s = kt, rest
	}
	s = strings.TrimPrefix(s, "0x")
	seed, err := hex.DecodeString(s)
	if err != nil {
		return 0, nil, err
	}
	if len(seed) != SeedSize {
		return 0, nil, fmt.Errorf("expected seed length of %d bytes, got %d", SeedSize, len(seed))
	}
	return t, seed, nil
}

// FormatSeedText is the inverse of ParseSeedText.
func FormatSeedText(t KeyType, seed []byte) string {
	if t == KeyTypeDilithium3 {
		return "dl3:" + hex.EncodeToString(seed)
	}
	return hex.EncodeToString(seed)
}

func parseOpenSSHKey(keyData []byte) (*LocalSigner, error) {
	parsedKey, err := ssh.ParseRawPrivateKey(keyData)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrKeyDecryption
		}
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return fromSSHKey(parsedKey)
}

// LoadPrivateKeyWithPassphrase loads a passphrase-protected OpenSSH key.
func LoadPrivateKeyWithPassphrase(path string, passphrase []byte) (*LocalSigner, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	parsedKey, err := ssh.ParseRawPrivateKeyWithPassphrase(bytes.TrimSpace(keyData), passphrase)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return fromSSHKey(parsedKey)
}

func fromSSHKey(parsedKey any) (*LocalSigner, error) {
	switch k := parsedKey.(type) {
	case *ed25519.PrivateKey:
		return NewEd25519(*k)
	case ed25519.PrivateKey:
		return NewEd25519(k)
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsedKey)
	}
}
