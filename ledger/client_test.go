package ledger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/errs"
)

type recordedCall struct {
	Path string
	Body map[string]any
}

// fakeNode answers each RPC with the handler registered for its method.
type fakeNode struct {
	mu       sync.Mutex
	calls    []recordedCall
	handlers map[string]func(body map[string]any) (int, any)
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Path: r.URL.Path, Body: body})
	h := f.handlers[r.URL.Path]
	f.mu.Unlock()

	if h == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	status, out := h(body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

func (f *fakeNode) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Path == path {
			n++
		}
	}
	return n
}

func newFakeNode(t *testing.T) (*fakeNode, *Client) {
	t.Helper()
	f := &fakeNode{handlers: map[string]func(map[string]any) (int, any){}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, NewClient(ClientConfig{Endpoint: srv.URL, HTTPClient: srv.Client()})
}

func rejection(name, msg string) any {
	return (&Rejection{HTTPStatus: 500, Code: 3050003, Name: name, What: "failed", Details: []ErrorDetail{{Message: msg}}}).ErrorBody()
}

func TestClient_GetInfo(t *testing.T) {
	f, c := newFakeNode(t)
	f.handlers["/v1/chain/get_info"] = func(map[string]any) (int, any) {
		return 200, map[string]any{
			"chain_id":                    "aa00000000000000000000000000000000000000000000000000000000000000",
			"head_block_num":              10,
			"last_irreversible_block_num": 9,
			"last_irreversible_block_id":  "0000000900000000010203040000000000000000000000000000000000000000",
			"head_block_time":             "2025-01-01T00:00:00.500",
		}
	}
	info, err := c.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(10), info.HeadBlockNum)
	assert.Equal(t, byte(0xaa), info.ChainID[0])
	assert.Equal(t, uint32(0x04030201), info.TransactionHeader(0).RefBlockPrefix)
}

func TestClient_RejectionSurfacesFirstDetail(t *testing.T) {
	f, c := newFakeNode(t)
	f.handlers["/v1/chain/push_transaction"] = func(map[string]any) (int, any) {
		return 500, rejection(ExceptionAssert, "assertion failure with message: Persona info already exists")
	}
	_, err := c.PushTransaction(context.Background(), &SignedTransaction{Transaction: *sampleTransaction()})
	require.Error(t, err)

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "assertion failure with message: Persona info already exists", rej.Message)
	assert.Equal(t, ExceptionAssert, rej.Name)
	assert.True(t, errs.IsKind(err, errs.KindRejected))
	assert.False(t, errs.IsAlreadyExists(err))
}

func TestClient_PushTransactionBody(t *testing.T) {
	f, c := newFakeNode(t)
	var got map[string]any
	f.handlers["/v1/chain/push_transaction"] = func(body map[string]any) (int, any) {
		got = body
		return 202, map[string]any{"transaction_id": "0100000000000000000000000000000000000000000000000000000000000000", "processed": map[string]any{"block_num": 11}}
	}
	trx := sampleTransaction()
	res, err := c.PushTransaction(context.Background(), &SignedTransaction{Transaction: *trx})
	require.NoError(t, err)
	assert.Equal(t, uint32(11), res.Processed.BlockNum)
	assert.Equal(t, "none", got["compression"])
	assert.Equal(t, []any{}, got["signatures"])

	p := PackedTransaction{Compression: "none", PackedTrx: got["packed_trx"].(string)}
	back, err := p.Unpack()
	require.NoError(t, err)
	assert.Equal(t, trx.ID(), back.ID())
}

func TestClient_AccountExistsClassification(t *testing.T) {
	f, c := newFakeNode(t)
	f.handlers["/v1/chain/push_transaction"] = func(map[string]any) (int, any) {
		return 500, rejection(ExceptionAccountExists, "Cannot create account named zeta12345.ai, as that name is already taken")
	}
	_, err := c.PushTransaction(context.Background(), &SignedTransaction{Transaction: *sampleTransaction()})
	assert.True(t, errs.IsAlreadyExists(err))
}

func TestClient_GetTableRows(t *testing.T) {
	f, c := newFakeNode(t)
	var req map[string]any
	f.handlers["/v1/chain/get_table_rows"] = func(body map[string]any) (int, any) {
		req = body
		return 200, map[string]any{"rows": []any{map[string]any{"key": 0, "msg_cid": "c1"}}, "more": true, "next_key": "1"}
	}
	rows, err := c.GetTableRows(context.Background(), TableQuery{Code: MustName("zeta12345.ai"), Scope: "alice", Table: MustName("messages")})
	require.NoError(t, err)
	assert.True(t, rows.More)
	assert.Equal(t, "1", rows.NextKey)
	assert.Equal(t, true, req["json"])
	assert.Equal(t, "i64", req["key_type"])
	assert.Equal(t, float64(DefaultRowLimit), req["limit"])
	assert.Equal(t, "alice", req["scope"])

	var decoded []struct {
		Key    uint64 `json:"key"`
		MsgCID string `json:"msg_cid"`
	}
	require.NoError(t, rows.Decode(&decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "c1", decoded[0].MsgCID)
}

func TestClient_GetTableRowsMissingTable(t *testing.T) {
	f, c := newFakeNode(t)
	f.handlers["/v1/chain/get_table_rows"] = func(map[string]any) (int, any) {
		return 500, rejection(ExceptionTable, "Table does not exist")
	}
	rows, err := c.GetTableRows(context.Background(), TableQuery{Code: MustName("alice"), Table: MustName("messages")})
	require.NoError(t, err)
	assert.Empty(t, rows.Rows)
	assert.False(t, rows.More)
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(ClientConfig{Endpoint: url})
	_, err := c.GetInfo(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNetwork))
}

func TestClient_UnknownAccount(t *testing.T) {
	f, c := newFakeNode(t)
	f.handlers["/v1/chain/get_account"] = func(map[string]any) (int, any) {
		return 500, rejection(ExceptionUnknownAcct, "unknown key (sysio::chain::name): nobody")
	}
	_, err := c.GetAccount(context.Background(), MustName("nobody"))
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}
