package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/memory"
	"github.com/immutablenpc/npc/storage/testkit"
)

// lyingCAS returns a fixed CID regardless of input.
type lyingCAS struct{ id cid.Cid }

func (l lyingCAS) Put(context.Context, []byte) (cid.Cid, error) { return l.id, nil }
func (l lyingCAS) Get(context.Context, cid.Cid) ([]byte, error) { return nil, storage.ErrNotFound }
func (l lyingCAS) Has(context.Context, cid.Cid) bool            { return false }

type brokenCAS struct{}

var errBroken = errors.New("backend offline")

func (brokenCAS) Put(context.Context, []byte) (cid.Cid, error) { return cid.Undef, errBroken }
func (brokenCAS) Get(context.Context, cid.Cid) ([]byte, error) { return nil, errBroken }
func (brokenCAS) Has(context.Context, cid.Cid) bool            { return false }

func TestMultiCAS_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		return storage.MultiCAS{Adapters: []storage.CAS{memory.New(memory.Options{}), memory.New(memory.Options{})}}
	})
}

func TestMultiCAS_FallsBackInOrder(t *testing.T) {
	ctx := context.Background()
	cache := memory.New(memory.Options{})
	remote := memory.New(memory.Options{})

	id, err := remote.Put(ctx, []byte("only remote"))
	require.NoError(t, err)

	m := storage.MultiCAS{Adapters: []storage.CAS{cache, remote}}
	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "only remote", string(got))
	assert.True(t, m.Has(ctx, id))

	_, err = m.Put(ctx, []byte("written locally"))
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestMultiCAS_StopsOnHardError(t *testing.T) {
	ctx := context.Background()
	remote := memory.New(memory.Options{})
	id, err := remote.Put(ctx, []byte("x"))
	require.NoError(t, err)

	m := storage.MultiCAS{Adapters: []storage.CAS{brokenCAS{}, remote}}
	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, errBroken)

	_, err = storage.MultiCAS{}.Put(ctx, []byte("x"))
	assert.Error(t, err)
}

func TestReplicatingCAS_WritesEverywhere(t *testing.T) {
	ctx := context.Background()
	a := memory.New(memory.Options{})
	b := memory.New(memory.Options{})
	r := storage.ReplicatingCAS{Backends: []storage.NamedCAS{{Name: "a", CAS: a}, {Name: "b", CAS: b}}}

	id, per, err := r.PutAll(ctx, []byte("pin me"))
	require.NoError(t, err)
	assert.True(t, per["a"].Equals(id))
	assert.True(t, per["b"].Equals(id))
	assert.True(t, a.Has(ctx, id))
	assert.True(t, b.Has(ctx, id))
}

func TestReplicatingCAS_DetectsCIDMismatch(t *testing.T) {
	ctx := context.Background()
	other, err := memory.New(memory.Options{}).Put(ctx, []byte("other"))
	require.NoError(t, err)

	r := storage.ReplicatingCAS{Backends: []storage.NamedCAS{
		{Name: "good", CAS: memory.New(memory.Options{})},
		{Name: "liar", CAS: lyingCAS{id: other}},
	}}
	_, err = r.Put(ctx, []byte("payload"))
	assert.ErrorIs(t, err, storage.ErrCIDMismatch)
	assert.True(t, storage.IsIntegrity(err))
}
