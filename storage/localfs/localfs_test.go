package localfs

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/immutablenpc/npc/cidutil"
	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/casregistry"
	"github.com/immutablenpc/npc/storage/testkit"
)

func TestLocalFS_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		t.Helper()
		cas, err := New(t.TempDir())
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		return cas
	})
}

func TestLocalFS_RejectMutationByOverwrite(t *testing.T) {
	ctx := context.Background()
	cas, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	orig := []byte("original")
	id, err := cas.Put(ctx, orig)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Corrupt the stored object out-of-band.
	path := cas.pathFor(id)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := cas.Get(ctx, id); !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("Get mismatch: got %v want %v", err, storage.ErrCIDMismatch)
	}
	if _, err := cas.Put(ctx, orig); !errors.Is(err, storage.ErrImmutable) {
		t.Fatalf("Put after corruption: got %v want %v", err, storage.ErrImmutable)
	}

	wantID, err := cidutil.CIDv1RawSHA256CID(orig)
	if err != nil {
		t.Fatalf("CIDv1RawSHA256CID failed: %v", err)
	}
	if id != wantID {
		t.Fatalf("unexpected CID: got %s want %s", id, wantID)
	}
}

func TestLocalFS_OpenWithConfig(t *testing.T) {
	dir := t.TempDir()
	cas, closeFn, err := casregistry.OpenWithConfig("localfs", casregistry.UsageCLI, map[string]string{"localfs-dir": dir})
	if err != nil {
		t.Fatalf("OpenWithConfig: %v", err)
	}
	if closeFn != nil {
		t.Fatalf("unexpected close func")
	}
	fs, ok := cas.(*CAS)
	if !ok || fs.Root() != dir {
		t.Fatalf("unexpected backend %T", cas)
	}
	if _, _, err := casregistry.OpenWithConfig("localfs", casregistry.UsageCLI, nil); err == nil {
		t.Fatalf("expected missing dir error")
	}
}
