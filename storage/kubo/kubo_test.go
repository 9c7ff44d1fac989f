package kubo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/cidutil"
	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/memory"
	"github.com/immutablenpc/npc/storage/testkit"
)

// fakeKubo answers the three block RPCs from an in-memory CAS.
func fakeKubo(t *testing.T) *httptest.Server {
	t.Helper()
	backing := memory.New(memory.Options{})
	fail := func(w http.ResponseWriter, msg string) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(rpcError{Message: msg, Type: "error"})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/block/put", func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("data")
		if err != nil {
			fail(w, err.Error())
			return
		}
		data, _ := io.ReadAll(f)
		id, err := backing.Put(r.Context(), data)
		if err != nil {
			fail(w, err.Error())
			return
		}
		_ = json.NewEncoder(w).Encode(blockPutResponse{Key: id.String(), Size: len(data)})
	})
	lookup := func(w http.ResponseWriter, r *http.Request) (cid.Cid, bool) {
		id, err := cid.Decode(r.URL.Query().Get("arg"))
		if err != nil {
			fail(w, "invalid path: "+err.Error())
			return cid.Undef, false
		}
		return id, true
	}
	mux.HandleFunc("/api/v0/block/get", func(w http.ResponseWriter, r *http.Request) {
		id, ok := lookup(w, r)
		if !ok {
			return
		}
		data, err := backing.Get(r.Context(), id)
		if err != nil {
			fail(w, "block was not found locally (offline): ipld: could not find "+id.String())
			return
		}
		_, _ = w.Write(data)
	})
	mux.HandleFunc("/api/v0/block/stat", func(w http.ResponseWriter, r *http.Request) {
		id, ok := lookup(w, r)
		if !ok {
			return
		}
		if !backing.Has(r.Context(), id) {
			fail(w, "block was not found locally (offline)")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"Key": id.String(), "Size": 1})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestKubo_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		c, err := New(Options{API: fakeKubo(t).URL})
		require.NoError(t, err)
		return c
	})
}

func TestKubo_RejectsTamperedBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	c, err := New(Options{API: srv.URL})
	require.NoError(t, err)
	id, err := cidutil.CIDv1RawSHA256CID([]byte("original"))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), id)
	assert.True(t, errors.Is(err, storage.ErrCIDMismatch), "got %v", err)
}

func TestKubo_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := New(Options{API: srv.URL})
	require.NoError(t, err)
	_, err = c.Put(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}
