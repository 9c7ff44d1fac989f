// Package memory is an in-process CAS.
//
// It can simulate network propagation: with a non-zero PropagationDelay an
// object is invisible to Has and Get until that long after its first Put.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/immutablenpc/npc/cidutil"
	"github.com/immutablenpc/npc/storage"
)

type Options struct {
	// PropagationDelay hides freshly written objects from readers.
	PropagationDelay time.Duration
	// Now overrides the clock used for propagation. Defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	data    []byte
	visible time.Time
}

// CAS is safe for concurrent use.
type CAS struct {
	mu      sync.RWMutex
	objects map[string]entry
	delay   time.Duration
	now     func() time.Time

	puts int
	gets int
}

var _ storage.CAS = (*CAS)(nil)

func New(opts Options) *CAS {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CAS{objects: map[string]entry{}, delay: opts.PropagationDelay, now: now}
}

func (c *CAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	id, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return cid.Undef, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	if _, ok := c.objects[id.KeyString()]; ok {
		return id, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.objects[id.KeyString()] = entry{data: cp, visible: c.now().Add(c.delay)}
	return id, nil
}

func (c *CAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	c.mu.Lock()
	c.gets++
	e, ok := c.objects[id.KeyString()]
	c.mu.Unlock()
	if !ok || c.now().Before(e.visible) {
		return nil, storage.ErrNotFound
	}
	cp := make([]byte, len(e.data))
	copy(cp, e.data)
	return cp, nil
}

func (c *CAS) Has(ctx context.Context, id cid.Cid) bool {
	if ctx.Err() != nil || !id.Defined() {
		return false
	}
	c.mu.RLock()
	e, ok := c.objects[id.KeyString()]
	c.mu.RUnlock()
	return ok && !c.now().Before(e.visible)
}

// Len returns the number of stored objects, visible or not.
func (c *CAS) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.objects)
}

// Stats returns the number of Put and Get calls served so far.
func (c *CAS) Stats() (puts, gets int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.puts, c.gets
}
