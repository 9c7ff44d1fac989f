package bundle_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/immutablenpc/npc/cidutil"
	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/bundle"
	"github.com/immutablenpc/npc/storage/localfs"
	"github.com/immutablenpc/npc/storage/memory"
)

func TestBundle_ExportIsDeterministic(t *testing.T) {
	ctx := context.Background()
	cas, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	id1, err := cas.Put(ctx, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := cas.Put(ctx, []byte("world"))
	if err != nil {
		t.Fatal(err)
	}

	var outA bytes.Buffer
	if err := bundle.Export(ctx, &outA, cas, []cid.Cid{id2, id1}, bundle.ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatal(err)
	}
	var outB bytes.Buffer
	if err := bundle.Export(ctx, &outB, cas, []cid.Cid{id1, id2, id1}, bundle.ExportOptions{IncludeIndex: true}); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(outA.Bytes(), outB.Bytes()) {
		t.Fatalf("expected deterministic bundle bytes")
	}
}

func TestBundle_ImportRoundTripWithLabels(t *testing.T) {
	ctx := context.Background()
	src := memory.New(memory.Options{})

	payload := []byte(`{"text":"a wandering bard"}`)
	id, err := src.Put(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	opts := bundle.ExportOptions{IncludeIndex: true, Labels: map[string]cid.Cid{"state": id}}
	if err := bundle.Export(ctx, &buf, src, []cid.Cid{id}, opts); err != nil {
		t.Fatal(err)
	}

	dst, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	res, err := bundle.Import(ctx, bytes.NewReader(buf.Bytes()), dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Imported) != 1 || !res.Imported[0].Equals(id) {
		t.Fatalf("unexpected imported set: %v", res.Imported)
	}
	if got, ok := res.Index.Label("state"); !ok || !got.Equals(id) {
		t.Fatalf("label lookup failed: %v %v", got, ok)
	}

	got, err := dst.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestBundle_ExportMissingBlock(t *testing.T) {
	ctx := context.Background()
	id, err := cidutil.CIDv1RawSHA256CID([]byte("absent"))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	err = bundle.Export(ctx, &buf, memory.New(memory.Options{}), []cid.Cid{id}, bundle.ExportOptions{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBundle_ImportRejectsCIDMismatch(t *testing.T) {
	good := []byte("good")
	otherCID, err := cidutil.CIDv1RawSHA256CID([]byte("other"))
	if err != nil {
		t.Fatal(err)
	}

	// Name says "otherCID" but bytes are "good" => computed CID mismatch.
	bundleBytes := makeDeterministicTar(t, "blocks/"+otherCID.String(), good)

	dst := memory.New(memory.Options{})
	if _, err := bundle.Import(context.Background(), bytes.NewReader(bundleBytes), dst); !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("expected ErrCIDMismatch, got %v", err)
	}
	if dst.Len() != 0 {
		t.Fatalf("nothing should have been written")
	}
}

func TestBundle_UnknownEntries(t *testing.T) {
	raw := makeDeterministicTar(t, "notes.txt", []byte("hi"))
	dst := memory.New(memory.Options{})

	if _, err := bundle.Import(context.Background(), bytes.NewReader(raw), dst); err == nil {
		t.Fatalf("expected fail-closed import to reject unknown entry")
	}
	if _, err := bundle.ImportWithOptions(context.Background(), bytes.NewReader(raw), dst, bundle.ImportOptions{IgnoreUnknown: true}); err != nil {
		t.Fatalf("IgnoreUnknown import failed: %v", err)
	}
	if _, err := bundle.Import(context.Background(), bytes.NewReader(makeDeterministicTar(t, "../escape", nil)), dst); err == nil {
		t.Fatalf("expected path traversal to be rejected")
	}
}

func makeDeterministicTar(t *testing.T, name string, content []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	h := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  time.Unix(0, 0).UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(h); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
