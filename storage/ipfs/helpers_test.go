package ipfs

import (
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/immutablenpc/npc/cidutil"
)

func mustCID(t *testing.T, s string) cid.Cid {
	t.Helper()
	id, err := cidutil.CIDv1RawSHA256CID([]byte(s))
	if err != nil {
		t.Fatalf("cid: %v", err)
	}
	return id
}
