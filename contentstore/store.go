// Package contentstore is the client-side content-addressable store used by
// provisioning and chat. It sits on top of any storage.CAS backend and adds
// the availability probe, a single bounded retry for objects that have not
// propagated yet, request coalescing, and a logical memo cache.
package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/singleflight"

	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/storage"
)

const (
	// DefaultRetryDelay is how long Get waits for a missing object to
	// propagate before its single retry.
	DefaultRetryDelay = 5 * time.Second
	// DefaultProbeTimeout bounds the availability probe.
	DefaultProbeTimeout = 2 * time.Second
)

type Options struct {
	RetryDelay   time.Duration
	ProbeTimeout time.Duration
	Logger       *slog.Logger

	// After replaces time.After in tests.
	After func(time.Duration) <-chan time.Time
}

// Store is safe for concurrent use.
type Store struct {
	cas          storage.CAS
	retryDelay   time.Duration
	probeTimeout time.Duration
	log          *slog.Logger
	after        func(time.Duration) <-chan time.Time

	gets singleflight.Group

	memoMu sync.Mutex
	memo   map[string]cid.Cid
	memoSF singleflight.Group
}

func New(cas storage.CAS, opts Options) *Store {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &Store{
		cas:          cas,
		retryDelay:   opts.RetryDelay,
		probeTimeout: opts.ProbeTimeout,
		log:          logging.OrDiscard(opts.Logger),
		after:        opts.After,
		memo:         map[string]cid.Cid{},
	}
}

// Backend returns the underlying CAS.
func (s *Store) Backend() storage.CAS { return s.cas }

// Put stores data and returns its CID. Storing the same bytes twice returns
// the same CID.
func (s *Store) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	id, err := s.cas.Put(ctx, data)
	if err != nil {
		return cid.Undef, classify("store.put", err)
	}
	s.log.Debug("stored object", "cid", id.String(), "bytes", len(data))
	return id, nil
}

// PutJSON marshals v and stores the result.
func (s *Store) PutJSON(ctx context.Context, v any) (cid.Cid, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return cid.Undef, errs.Wrapf(errs.KindValidation, "store.put", err, "encode %T", v)
	}
	return s.Put(ctx, b)
}

// Get fetches the bytes for id.
//
// A bounded Has probe runs first. When the object is not yet reachable Get
// waits the retry delay once and then fetches; a still-missing object fails
// with a NotFound error. Concurrent Gets of one CID share a single fetch.
func (s *Store) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, errs.Wrap(errs.KindValidation, "store.get", storage.ErrInvalidCID)
	}
	key := id.KeyString()
	ch := s.gets.DoChan(key, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		return s.fetch(context.WithoutCancel(ctx), id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		b := res.Val.([]byte)
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	}
}

func (s *Store) fetch(ctx context.Context, id cid.Cid) ([]byte, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	available := s.cas.Has(probeCtx, id)
	cancel()

	if !available {
		s.log.Debug("object not yet available, waiting", "cid", id.String(), "delay", s.retryDelay)
		<-s.after(s.retryDelay)
	}

	b, err := s.cas.Get(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, errs.Wrapf(errs.KindNotFound, "store.get", err, "cid %s", id)
		}
		return nil, classify("store.get", err)
	}
	return b, nil
}

// GetString parses s as a CID and fetches it.
func (s *Store) GetString(ctx context.Context, raw string) ([]byte, error) {
	id, err := cid.Decode(raw)
	if err != nil {
		return nil, errs.Wrapf(errs.KindValidation, "store.get", err, "invalid cid %q", raw)
	}
	return s.Get(ctx, id)
}

// GetJSON fetches id and unmarshals it into v.
func (s *Store) GetJSON(ctx context.Context, id cid.Cid, v any) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errs.Wrapf(errs.KindValidation, "store.get", err, "decode %s", id)
	}
	return nil
}

// Memoize returns the CID remembered under key, computing and storing it with
// fn on first use. Entries are never evicted, and concurrent callers for one
// key share a single computation. Failed computations are not remembered.
func (s *Store) Memoize(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) (cid.Cid, error) {
	if id, ok := s.Memoized(key); ok {
		return id, nil
	}
	v, err, _ := s.memoSF.Do(key, func() (any, error) {
		if id, ok := s.Memoized(key); ok {
			return id, nil
		}
		data, err := fn(ctx)
		if err != nil {
			return cid.Undef, err
		}
		id, err := s.Put(ctx, data)
		if err != nil {
			return cid.Undef, err
		}
		s.memoMu.Lock()
		s.memo[key] = id
		s.memoMu.Unlock()
		return id, nil
	})
	if err != nil {
		return cid.Undef, err
	}
	return v.(cid.Cid), nil
}

// Memoized reports the CID remembered under key.
func (s *Store) Memoized(key string) (cid.Cid, bool) {
	s.memoMu.Lock()
	defer s.memoMu.Unlock()
	id, ok := s.memo[key]
	return id, ok
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case storage.IsNotFound(err):
		return errs.Wrap(errs.KindNotFound, op, err)
	case storage.IsIntegrity(err):
		return errs.Wrap(errs.KindValidation, op, err)
	default:
		return errs.Wrap(errs.KindNetwork, op, fmt.Errorf("backend: %w", err))
	}
}
