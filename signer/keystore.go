package signer

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Keystore is a directory of named private keys.
//
// Each key lives in <Directory>/<name>.key as a hex seed (prefixed "dl3:"
// for Dilithium3), mode 0600.
type Keystore struct {
	Directory string
}

type KeyEntry struct {
	Name      string
	PublicKey PublicKey
	Path      string
}

// DefaultDirectory returns ~/.npc/keys.
func DefaultDirectory() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".npc", "keys"), nil
}

// OpenKeystore returns a keystore rooted at directory, or at
// DefaultDirectory when directory is empty. Nothing is created until a key
// is written.
func OpenKeystore(directory string) (*Keystore, error) {
	if directory == "" {
		var err error
		directory, err = DefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	return &Keystore{Directory: directory}, nil
}

func CheckKeyName(name string) error {
	if name == "" {
		return errors.New("key name cannot be empty")
	}
	for _, char := range name {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9') || char == '-' || char == '_' || char == '.' {
			continue
		}
		return fmt.Errorf("invalid character %q in key name", char)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("key name %q cannot start with '.'", name)
	}
	return nil
}

func (ks *Keystore) path(name string) string {
	return filepath.Join(ks.Directory, name+".key")
}

// Generate creates and stores a new key.
func (ks *Keystore) Generate(name string, t KeyType, rand io.Reader, overwrite bool) (*LocalSigner, string, error) {
	s, err := Generate(t, rand)
	if err != nil {
		return nil, "", err
	}
	path, err := ks.Save(name, s, overwrite)
	if err != nil {
		return nil, "", err
	}
	return s, path, nil
}

// Derive deterministically derives a labelled key from an existing key and
// stores it as <from>.<label>. The same inputs always derive the same key.
func (ks *Keystore) Derive(from, label string, overwrite bool) (*LocalSigner, string, error) {
	root, err := ks.Load(from)
	if err != nil {
		return nil, "", err
	}
	seed, err := DeriveSeed(root.Seed(), label)
	if err != nil {
		return nil, "", err
	}
	s, err := NewFromSeed(root.PublicKey().Type, seed)
	if err != nil {
		return nil, "", err
	}
	path, err := ks.Save(from+"."+label, s, overwrite)
	if err != nil {
		return nil, "", err
	}
	return s, path, nil
}

// Save writes s under name.
func (ks *Keystore) Save(name string, s *LocalSigner, overwrite bool) (string, error) {
	if err := CheckKeyName(name); err != nil {
		return "", err
	}
	path := ks.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return "", err
	}
	defer file.Close()
	if _, err := file.WriteString(FormatSeedText(s.PublicKey().Type, s.seed) + "\n"); err != nil {
		return "", err
	}
	return path, file.Close()
}

// Load reads the key stored under name.
func (ks *Keystore) Load(name string) (*LocalSigner, error) {
	if err := CheckKeyName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ks.path(name))
	if err != nil {
		return nil, err
	}
	t, seed, err := ParseSeedText(string(data))
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", name, err)
	}
	return NewFromSeed(t, seed)
}

// List returns all keys sorted by name. A missing directory is empty.
func (ks *Keystore) List() ([]KeyEntry, error) {
	entries, err := os.ReadDir(ks.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".key") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".key"))
	}
	sort.Strings(names)

	result := make([]KeyEntry, 0, len(names))
	for _, name := range names {
		s, err := ks.Load(name)
		if err != nil {
			return nil, err
		}
		result = append(result, KeyEntry{Name: name, PublicKey: s.PublicKey(), Path: ks.path(name)})
	}
	return result, nil
}

// DeriveSeed derives a label-specific seed from a root seed.
func DeriveSeed(rootSeed []byte, label string) ([]byte, error) {
	if len(rootSeed) != SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", SeedSize)
	}
	if err := CheckKeyName(label); err != nil {
		return nil, err
	}

	h := sha256.New()
	_, _ = h.Write(rootSeed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("npc-keystore-v1"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("label:"))
	_, _ = h.Write([]byte(label))
	return h.Sum(nil), nil
}
