package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/errs"
)

type countingFetcher struct {
	abi   *ABI
	delay time.Duration
	err   error
	calls atomic.Int32

	mu   sync.Mutex
	seen map[Name]int
}

func (f *countingFetcher) GetABI(ctx context.Context, account Name) (*ABI, error) {
	f.calls.Add(1)
	f.mu.Lock()
	if f.seen == nil {
		f.seen = map[Name]int{}
	}
	f.seen[account]++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.abi, nil
}

func noteRequest(account string) ActionRequest {
	return ActionRequest{
		Account:       MustName(account),
		Name:          MustName("note"),
		Authorization: []PermissionLevel{Active(MustName("alice"))},
		Data:          map[string]any{"owner": "alice", "count": 1, "text": "x"},
	}
}

func TestResolver_OneLookupPerAccount(t *testing.T) {
	f := &countingFetcher{abi: MustParseABI([]byte(testABI))}
	r := NewResolver(f)
	ctx := context.Background()

	_, err := r.Resolve(ctx, noteRequest("alice"), noteRequest("alice"))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, noteRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestResolver_ConcurrentLookupsShareFetch(t *testing.T) {
	f := &countingFetcher{abi: MustParseABI([]byte(testABI)), delay: 50 * time.Millisecond}
	r := NewResolver(f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ABI(context.Background(), MustName("bob"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestResolver_DistinctAccountsFetchedOnce(t *testing.T) {
	f := &countingFetcher{abi: MustParseABI([]byte(testABI))}
	r := NewResolver(f)
	_, err := r.Resolve(context.Background(), noteRequest("alice"), noteRequest("bob"), noteRequest("alice"))
	require.NoError(t, err)
	assert.Equal(t, map[Name]int{MustName("alice"): 1, MustName("bob"): 1}, f.seen)
}

func TestResolver_RegisteredSkipsNetwork(t *testing.T) {
	f := &countingFetcher{err: errors.New("should not be called")}
	r := NewResolver(f)
	r.Register(MustName("alice"), MustParseABI([]byte(testABI)))
	acts, err := r.Resolve(context.Background(), noteRequest("alice"))
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Zero(t, f.calls.Load())
}

func TestResolver_ValidationBeforeNetwork(t *testing.T) {
	r := NewResolver(nil)
	r.Register(MustName("alice"), MustParseABI([]byte(testABI)))
	ctx := context.Background()

	bad := noteRequest("alice")
	bad.Data = map[string]any{"owner": "alice"}
	_, err := r.Resolve(ctx, bad)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	unknown := noteRequest("alice")
	unknown.Name = MustName("nosuch")
	_, err = r.Resolve(ctx, unknown)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	_, err = r.Resolve(ctx, noteRequest("carol"))
	assert.True(t, errs.IsKind(err, errs.KindValidation), "no fetcher and not registered")

	noAuth := noteRequest("alice")
	noAuth.Authorization = nil
	_, err = r.Resolve(ctx, noAuth)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestResolver_RejectedLookupIsValidation(t *testing.T) {
	f := &countingFetcher{err: &Rejection{Name: ExceptionUnknownAcct, Message: "unknown key"}}
	r := NewResolver(f)
	_, err := r.Resolve(context.Background(), noteRequest("ghost"))
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	net := &countingFetcher{err: errs.New(errs.KindNetwork, "ledger.get_abi", "refused")}
	_, err = NewResolver(net).Resolve(context.Background(), noteRequest("ghost"))
	assert.Equal(t, errs.KindNetwork, errs.KindOf(err))
}
