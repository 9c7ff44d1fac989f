package contentstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/cidutil"
	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/memory"
)

// gatedCAS blocks Get until release is closed and counts calls.
type gatedCAS struct {
	storage.CAS
	release chan struct{}
	gets    atomic.Int32
}

func (g *gatedCAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	g.gets.Add(1)
	<-g.release
	return g.CAS.Get(ctx, id)
}

type failingCAS struct{ storage.CAS }

func (failingCAS) Put(context.Context, []byte) (cid.Cid, error) {
	return cid.Undef, errors.New("connection reset")
}

func TestStore_PutGetHello(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(memory.Options{}), Options{})

	id, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, cidutil.CIDv1RawSHA256([]byte("hello")), id.String())

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	again, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, id.Equals(again))
}

func TestStore_UnknownCIDFailsAfterRetryDelay(t *testing.T) {
	const delay = 100 * time.Millisecond
	s := New(memory.New(memory.Options{}), Options{RetryDelay: delay})
	id, err := cidutil.CIDv1RawSHA256CID([]byte("never stored"))
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Get(context.Background(), id)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound), "got %v", err)
	assert.GreaterOrEqual(t, elapsed, delay)
}

func TestStore_WaitsForPropagation(t *testing.T) {
	ctx := context.Background()
	backend := memory.New(memory.Options{PropagationDelay: 30 * time.Millisecond})
	s := New(backend, Options{RetryDelay: 80 * time.Millisecond})

	id, err := s.Put(ctx, []byte("fresh"))
	require.NoError(t, err)
	assert.False(t, backend.Has(ctx, id))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
}

func TestStore_CancellationAbortsWait(t *testing.T) {
	s := New(memory.New(memory.Options{}), Options{RetryDelay: time.Minute})
	id, err := cidutil.CIDv1RawSHA256CID([]byte("missing"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStore_ConcurrentGetsShareOneFetch(t *testing.T) {
	ctx := context.Background()
	backend := &gatedCAS{CAS: memory.New(memory.Options{}), release: make(chan struct{})}
	s := New(backend, Options{})

	id, err := s.Put(ctx, []byte("popular"))
	require.NoError(t, err)

	const readers = 8
	var wg sync.WaitGroup
	results := make([]string, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := s.Get(ctx, id)
			if err == nil {
				results[i] = string(b)
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	assert.Equal(t, int32(1), backend.gets.Load())
	for _, r := range results {
		assert.Equal(t, "popular", r)
	}
}

func TestStore_JSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(memory.Options{}), Options{})

	type doc struct {
		Text string `json:"text"`
	}
	id, err := s.PutJSON(ctx, doc{Text: "hi"})
	require.NoError(t, err)

	var out doc
	require.NoError(t, s.GetJSON(ctx, id, &out))
	assert.Equal(t, "hi", out.Text)

	raw, err := s.GetString(ctx, id.String())
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(raw))

	_, err = s.GetString(ctx, "not-a-cid")
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	err = s.GetJSON(ctx, mustPut(t, s, []byte("not json")), &out)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestStore_BackendErrorsAreNetworkErrors(t *testing.T) {
	s := New(failingCAS{memory.New(memory.Options{})}, Options{})
	_, err := s.Put(context.Background(), []byte("x"))
	assert.True(t, errs.IsKind(err, errs.KindNetwork), "got %v", err)
}

func TestStore_MemoizeComputesOnce(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(memory.Options{}), Options{})

	var calls atomic.Int32
	gen := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return []byte("avatar bytes"), nil
	}

	var wg sync.WaitGroup
	ids := make([]cid.Cid, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Memoize(ctx, "avatar:zeta12345", gen)
			if err == nil {
				ids[i] = id
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, id := range ids {
		assert.True(t, id.Equals(ids[0]))
	}

	memo, ok := s.Memoized("avatar:zeta12345")
	require.True(t, ok)
	assert.True(t, memo.Equals(ids[0]))
}

func TestStore_MemoizeDoesNotRememberFailures(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(memory.Options{}), Options{})

	_, err := s.Memoize(ctx, "k", func(context.Context) ([]byte, error) { return nil, errors.New("generator down") })
	require.Error(t, err)

	id, err := s.Memoize(ctx, "k", func(context.Context) ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	assert.Equal(t, cidutil.CIDv1RawSHA256([]byte("ok")), id.String())
}

func mustPut(t *testing.T, s *Store, b []byte) cid.Cid {
	t.Helper()
	id, err := s.Put(context.Background(), b)
	require.NoError(t, err)
	return id
}
