// Package storage defines the content-addressable storage contract used for
// message bodies, persona state documents and avatars, plus the composite
// adapters that fan out over several backends.
package storage

import (
	"context"

	"github.com/ipfs/go-cid"
)

// CAS is a minimal content-addressable storage interface.
//
// Contract:
//   - Put MUST be idempotent.
//   - Stored objects MUST be immutable.
//   - CIDs MUST be derived from the bytes written (CIDv1 raw + sha2-256).
//   - Get MUST return ErrNotFound when the CID is absent.
//   - Has is an availability probe: false means "not reachable right now",
//     which for networked backends includes "not propagated yet".
type CAS interface {
	Put(ctx context.Context, data []byte) (cid.Cid, error)
	Get(ctx context.Context, id cid.Cid) ([]byte, error)
	Has(ctx context.Context, id cid.Cid) bool
}
