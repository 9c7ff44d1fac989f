// Package kubo stores blocks through a Kubo node's HTTP RPC API
// (/api/v0/block/put, /api/v0/block/get, /api/v0/block/stat).
package kubo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/immutablenpc/npc/cidutil"
	"github.com/immutablenpc/npc/storage"
)

// DefaultAPI is the address Kubo listens on for RPC by default.
const DefaultAPI = "http://127.0.0.1:5001"

type Options struct {
	// API is the RPC base URL. Defaults to DefaultAPI.
	API string
	// HTTPClient overrides the transport. Defaults to a client with a 60s timeout.
	HTTPClient *http.Client
}

// CAS is a storage.CAS backed by a remote Kubo node.
type CAS struct {
	base string
	hc   *http.Client
}

var _ storage.CAS = (*CAS)(nil)

func New(opts Options) (*CAS, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.API), "/")
	if base == "" {
		base = DefaultAPI
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("kubo: invalid api url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &CAS{base: base, hc: hc}, nil
}

// rpcError is the body Kubo returns with non-200 responses.
type rpcError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

type blockPutResponse struct {
	Key  string `json:"Key"`
	Size int    `json:"Size"`
}

func (c *CAS) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	id, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return cid.Undef, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("data", "block")
	if err != nil {
		return cid.Undef, err
	}
	if _, err := fw.Write(data); err != nil {
		return cid.Undef, err
	}
	if err := mw.Close(); err != nil {
		return cid.Undef, err
	}

	q := url.Values{}
	q.Set("cid-codec", "raw")
	q.Set("mhtype", "sha2-256")
	q.Set("mhlen", "-1")
	q.Set("pin", "false")
	out, err := c.call(ctx, "block/put", q, mw.FormDataContentType(), &body)
	if err != nil {
		return cid.Undef, err
	}

	var resp blockPutResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return cid.Undef, fmt.Errorf("kubo: decode block/put: %w", err)
	}
	got, err := cid.Decode(resp.Key)
	if err != nil {
		return cid.Undef, fmt.Errorf("kubo: unexpected block/put key: %w", err)
	}
	if !got.Equals(id) {
		return cid.Undef, storage.ErrCIDMismatch
	}
	return id, nil
}

func (c *CAS) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}
	q := url.Values{}
	q.Set("arg", id.String())
	out, err := c.call(ctx, "block/get", q, "", nil)
	if err != nil {
		return nil, err
	}
	if !cidutil.Verify(id, out) {
		return nil, storage.ErrCIDMismatch
	}
	return out, nil
}

// Has asks the node whether the block is available locally, without
// triggering a network fetch.
func (c *CAS) Has(ctx context.Context, id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	q := url.Values{}
	q.Set("arg", id.String())
	q.Set("offline", "true")
	_, err := c.call(ctx, "block/stat", q, "", nil)
	return err == nil
}

func (c *CAS) call(ctx context.Context, path string, q url.Values, contentType string, body io.Reader) ([]byte, error) {
	endpoint := c.base + "/api/v0/" + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kubo: %s: %w", path, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kubo: %s: read body: %w", path, err)
	}
	if resp.StatusCode == http.StatusOK {
		return out, nil
	}

	var re rpcError
	if jerr := json.Unmarshal(out, &re); jerr != nil || re.Message == "" {
		re.Message = strings.TrimSpace(string(out))
	}
	if isNotFound(re.Message) {
		return nil, storage.ErrNotFound
	}
	return nil, fmt.Errorf("kubo: %s: %s (http %d)", path, re.Message, resp.StatusCode)
}

func isNotFound(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "could not find")
}

// IsNotFound reports whether err is a missing-block error from this backend.
func IsNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
