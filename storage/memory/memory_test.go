package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/testkit"
)

func TestMemory_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		return New(Options{})
	})
}

func TestMemory_PropagationDelay(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	cas := New(Options{PropagationDelay: 5 * time.Second, Now: func() time.Time { return now }})

	id, err := cas.Put(ctx, []byte("late"))
	require.NoError(t, err)

	assert.False(t, cas.Has(ctx, id))
	_, err = cas.Get(ctx, id)
	assert.True(t, storage.IsNotFound(err))

	now = now.Add(5 * time.Second)
	assert.True(t, cas.Has(ctx, id))
	got, err := cas.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "late", string(got))
}

func TestMemory_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{}).Put(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
