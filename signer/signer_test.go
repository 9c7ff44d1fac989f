package signer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type deterministicReader struct{ b byte }

func (r *deterministicReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
		r.b++
	}
	return len(p), nil
}

func seed(b byte) []byte { return bytes.Repeat([]byte{b}, SeedSize) }

func TestLocalSigner_SignVerify(t *testing.T) {
	digest := sha256.Sum256([]byte("transaction"))
	for _, kt := range []KeyType{KeyTypeEd25519, KeyTypeDilithium3} {
		t.Run(kt.String(), func(t *testing.T) {
			s, err := NewFromSeed(kt, seed(7))
			require.NoError(t, err)

			sig, err := s.Sign(context.Background(), digest[:])
			require.NoError(t, err)
			assert.Equal(t, kt, sig.Type)
			assert.True(t, Verify(s.PublicKey(), digest[:], sig))

			other := sha256.Sum256([]byte("other chain"))
			assert.False(t, Verify(s.PublicKey(), other[:], sig))

			again, err := NewFromSeed(kt, seed(7))
			require.NoError(t, err)
			assert.True(t, again.PublicKey().Equal(s.PublicKey()))
		})
	}
}

func TestLocalSigner_CanceledContext(t *testing.T) {
	s, err := NewFromSeed(KeyTypeEd25519, seed(1))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sign(ctx, make([]byte, 32))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyStrings_RoundTrip(t *testing.T) {
	for _, kt := range []KeyType{KeyTypeEd25519, KeyTypeDilithium3} {
		s, err := Generate(kt, &deterministicReader{})
		require.NoError(t, err)

		pubStr := s.PublicKey().String()
		assert.Contains(t, pubStr, "PUB_"+kt.String()+"_")
		pub, err := ParsePublicKey(pubStr)
		require.NoError(t, err)
		assert.True(t, pub.Equal(s.PublicKey()))

		sig, err := s.Sign(context.Background(), []byte("digest"))
		require.NoError(t, err)
		parsed, err := ParseSignature(sig.String())
		require.NoError(t, err)
		assert.Equal(t, sig.Data, parsed.Data)
	}
}

func TestParsePublicKey_Errors(t *testing.T) {
	for _, in := range []string{"", "EOS6MRyAjQq8ud7hVNYcfnVPJqcVpscN5So8BhtHuGYqET5GDW5CV", "PUB_K1_abc", "PUB_ED_0OIl", "PUB_ED_2"} {
		_, err := ParsePublicKey(in)
		assert.Error(t, err, in)
	}
	assert.False(t, Verify(PublicKey{Type: KeyTypeEd25519, Data: []byte{1}}, nil, Signature{Type: KeyTypeEd25519}))
}

func TestParseKeyType(t *testing.T) {
	kt, err := ParseKeyType("dilithium3")
	require.NoError(t, err)
	assert.Equal(t, KeyTypeDilithium3, kt)
	_, err = ParseKeyType("secp256k1")
	assert.Error(t, err)
}

func TestParsePrivateKey_Formats(t *testing.T) {
	priv := ed25519.NewKeyFromSeed(seed(3))
	want, err := NewFromSeed(KeyTypeEd25519, seed(3))
	require.NoError(t, err)

	fromSeed, err := ParsePrivateKey(seed(3))
	require.NoError(t, err)
	assert.True(t, fromSeed.PublicKey().Equal(want.PublicKey()))

	fromRaw, err := ParsePrivateKey(priv)
	require.NoError(t, err)
	assert.True(t, fromRaw.PublicKey().Equal(want.PublicKey()))

	fromHex, err := ParsePrivateKey([]byte(FormatSeedText(KeyTypeEd25519, seed(3)) + "\n"))
	require.NoError(t, err)
	assert.True(t, fromHex.PublicKey().Equal(want.PublicKey()))

	dl3, err := ParsePrivateKey([]byte(FormatSeedText(KeyTypeDilithium3, seed(3))))
	require.NoError(t, err)
	assert.Equal(t, KeyTypeDilithium3, dl3.PublicKey().Type)

	_, err = ParsePrivateKey([]byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestLoadPrivateKey_OpenSSH(t *testing.T) {
	dir := t.TempDir()
	priv := ed25519.NewKeyFromSeed(seed(9))

	block, err := ssh.MarshalPrivateKey(priv, "npc test")
	require.NoError(t, err)
	plain := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(plain, pem.EncodeToMemory(block), 0o600))

	s, err := LoadPrivateKey(plain)
	require.NoError(t, err)
	assert.Equal(t, []byte(priv.Public().(ed25519.PublicKey)), s.PublicKey().Data)

	block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "npc test", []byte("hunter2"))
	require.NoError(t, err)
	locked := filepath.Join(dir, "id_locked")
	require.NoError(t, os.WriteFile(locked, pem.EncodeToMemory(block), 0o600))

	_, err = LoadPrivateKey(locked)
	assert.True(t, errors.Is(err, ErrKeyDecryption), "got %v", err)

	s, err = LoadPrivateKeyWithPassphrase(locked, []byte("hunter2"))
	require.NoError(t, err)
	assert.Equal(t, []byte(priv.Public().(ed25519.PublicKey)), s.PublicKey().Data)
}

func TestKeystore_GenerateLoadList(t *testing.T) {
	ks, err := OpenKeystore(t.TempDir())
	require.NoError(t, err)

	entries, err := ks.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	alice, path, err := ks.Generate("alice", KeyTypeEd25519, &deterministicReader{}, false)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, _, err = ks.Generate("alice", KeyTypeEd25519, &deterministicReader{b: 9}, false)
	assert.Error(t, err, "existing keys are not overwritten")

	_, _, err = ks.Generate("pq", KeyTypeDilithium3, &deterministicReader{b: 5}, false)
	require.NoError(t, err)

	loaded, err := ks.Load("alice")
	require.NoError(t, err)
	assert.True(t, loaded.PublicKey().Equal(alice.PublicKey()))

	entries, err = ks.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].Name)
	assert.Equal(t, KeyTypeDilithium3, entries[1].PublicKey.Type)

	_, err = ks.Load("../etc/passwd")
	assert.Error(t, err)
}

func TestKeystore_DeriveIsDeterministic(t *testing.T) {
	ks, err := OpenKeystore(t.TempDir())
	require.NoError(t, err)
	_, _, err = ks.Generate("root", KeyTypeEd25519, &deterministicReader{}, false)
	require.NoError(t, err)

	a, _, err := ks.Derive("root", "zeta12345", false)
	require.NoError(t, err)
	b, _, err := ks.Derive("root", "zeta12345", true)
	require.NoError(t, err)
	c, _, err := ks.Derive("root", "other", false)
	require.NoError(t, err)

	assert.True(t, a.PublicKey().Equal(b.PublicKey()))
	assert.False(t, a.PublicKey().Equal(c.PublicKey()))

	loaded, err := ks.Load("root.zeta12345")
	require.NoError(t, err)
	assert.True(t, loaded.PublicKey().Equal(a.PublicKey()))
}
