package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/signer"
)

// DefaultEndpoint is a node running locally (for example `personactl devnode`).
const DefaultEndpoint = "http://127.0.0.1:8888"

// DefaultRowLimit is used when a table query leaves Limit at zero.
const DefaultRowLimit = 100

// ClientConfig configures a Client.
type ClientConfig struct {
	// Endpoint is the node's base URL.
	Endpoint string

	// HTTPClient overrides the transport. Tests use httptest clients.
	HTTPClient *http.Client

	// Timeout bounds each RPC when HTTPClient is nil.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client is a stateless façade over the node's /v1/chain RPC surface.
type Client struct {
	endpoint string
	http     *http.Client
	log      *slog.Logger
}

// NewClient creates a Client with defaults applied.
func NewClient(cfg ClientConfig) *Client {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{endpoint: endpoint, http: hc, log: logging.OrDiscard(cfg.Logger)}
}

// Endpoint returns the node base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// ChainInfo is the subset of get_info used to build transactions.
type ChainInfo struct {
	ServerVersion            string      `json:"server_version"`
	ChainID                  Checksum256 `json:"chain_id"`
	HeadBlockNum             uint32      `json:"head_block_num"`
	LastIrreversibleBlockNum uint32      `json:"last_irreversible_block_num"`
	LastIrreversibleBlockID  Checksum256 `json:"last_irreversible_block_id"`
	HeadBlockID              Checksum256 `json:"head_block_id"`
	HeadBlockTime            TimePoint   `json:"head_block_time"`
	HeadBlockProducer        Name        `json:"head_block_producer"`
}

// DefaultExpiration is how long a built transaction stays valid.
const DefaultExpiration = 60 * time.Second

// TransactionHeader derives a header bound to the last irreversible block.
func (i *ChainInfo) TransactionHeader(expireIn time.Duration) TransactionHeader {
	if expireIn <= 0 {
		expireIn = DefaultExpiration
	}
	return TransactionHeader{
		Expiration:     NewTimePointSec(i.HeadBlockTime.Add(expireIn)),
		RefBlockNum:    uint16(i.LastIrreversibleBlockNum & 0xffff),
		RefBlockPrefix: RefBlockPrefix(i.LastIrreversibleBlockID),
	}
}

// RefBlockPrefix is the TaPoS prefix of a block id: bytes 8..12 read
// little-endian.
func RefBlockPrefix(blockID Checksum256) uint32 {
	return binary.LittleEndian.Uint32(blockID[8:12])
}

func (c *Client) GetInfo(ctx context.Context) (*ChainInfo, error) {
	var out ChainInfo
	if err := c.call(ctx, "get_info", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type getABIResponse struct {
	AccountName Name `json:"account_name"`
	ABI         *ABI `json:"abi"`
}

// GetABI returns the account's ABI, or a Validation error when the account
// has no contract.
func (c *Client) GetABI(ctx context.Context, account Name) (*ABI, error) {
	var out getABIResponse
	if err := c.call(ctx, "get_abi", map[string]any{"account_name": account}, &out); err != nil {
		return nil, err
	}
	if out.ABI == nil {
		return nil, errs.Newf(errs.KindValidation, "ledger.get_abi", "account %s has no ABI", account)
	}
	if err := out.ABI.Validate(); err != nil {
		return nil, errs.Wrapf(errs.KindValidation, "ledger.get_abi", err, "account %s", account)
	}
	return out.ABI, nil
}

// KeyWeight is one key of an authority.
type KeyWeight struct {
	Key    signer.PublicKey `json:"key"`
	Weight uint16           `json:"weight"`
}

type PermissionLevelWeight struct {
	Permission PermissionLevel `json:"permission"`
	Weight     uint16          `json:"weight"`
}

type WaitWeight struct {
	WaitSec uint32 `json:"wait_sec"`
	Weight  uint16 `json:"weight"`
}

// Authority is a weighted threshold over keys, accounts and waits.
type Authority struct {
	Threshold uint32                  `json:"threshold"`
	Keys      []KeyWeight             `json:"keys"`
	Accounts  []PermissionLevelWeight `json:"accounts"`
	Waits     []WaitWeight            `json:"waits"`
}

// SingleKeyAuthority is threshold 1 satisfied by key alone.
func SingleKeyAuthority(key signer.PublicKey) Authority {
	return Authority{
		Threshold: 1,
		Keys:      []KeyWeight{{Key: key, Weight: 1}},
		Accounts:  []PermissionLevelWeight{},
		Waits:     []WaitWeight{},
	}
}

// SatisfiedBy reports whether the given keys alone meet the threshold.
func (a Authority) SatisfiedBy(keys []signer.PublicKey) bool {
	var total uint32
	for _, kw := range a.Keys {
		for _, k := range keys {
			if kw.Key.Equal(k) {
				total += uint32(kw.Weight)
				break
			}
		}
	}
	return a.Threshold > 0 && total >= a.Threshold
}

type Permission struct {
	PermName     Name      `json:"perm_name"`
	Parent       Name      `json:"parent"`
	RequiredAuth Authority `json:"required_auth"`
}

// Account is the get_account response subset used here.
type Account struct {
	AccountName Name         `json:"account_name"`
	Created     TimePoint    `json:"created"`
	Privileged  bool         `json:"privileged"`
	CodeHash    Checksum256  `json:"code_hash"`
	Permissions []Permission `json:"permissions"`
}

// HasCode reports whether a contract is deployed.
func (a *Account) HasCode() bool { return !a.CodeHash.IsZero() }

// Permission returns the named permission, if present.
func (a *Account) Permission(name Name) (Permission, bool) {
	for _, p := range a.Permissions {
		if p.PermName == name {
			return p, true
		}
	}
	return Permission{}, false
}

// GetAccount fetches an account. A missing account is a NotFound error.
func (c *Client) GetAccount(ctx context.Context, account Name) (*Account, error) {
	var out Account
	err := c.call(ctx, "get_account", map[string]any{"account_name": account}, &out)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) && (rej.Name == ExceptionUnknownAcct || rej.Contains("unknown key")) {
			return nil, errs.Wrapf(errs.KindNotFound, "ledger.get_account", err, "account %s", account)
		}
		return nil, err
	}
	return &out, nil
}

// TableQuery selects rows of a contract table.
type TableQuery struct {
	Code  Name
	Scope string
	Table Name
	// IndexPosition selects a secondary index ("2", "3", ...); empty is primary.
	IndexPosition string
	KeyType       string
	LowerBound    string
	UpperBound    string
	Limit         int
	Reverse       bool
}

type tableRequest struct {
	JSON          bool   `json:"json"`
	Code          Name   `json:"code"`
	Scope         string `json:"scope"`
	Table         Name   `json:"table"`
	IndexPosition string `json:"index_position,omitempty"`
	KeyType       string `json:"key_type"`
	LowerBound    string `json:"lower_bound,omitempty"`
	UpperBound    string `json:"upper_bound,omitempty"`
	Limit         int    `json:"limit"`
	Reverse       bool   `json:"reverse,omitempty"`
}

// TableRows is one page of a table query.
type TableRows struct {
	Rows    []json.RawMessage `json:"rows"`
	More    bool              `json:"more"`
	NextKey string            `json:"next_key"`
}

// Decode unmarshals every row into out, which must point to a slice.
func (t *TableRows) Decode(out any) error {
	raw, err := json.Marshal(t.Rows)
	if err != nil {
		return err
	}
	if t.Rows == nil {
		raw = []byte("[]")
	}
	return json.Unmarshal(raw, out)
}

// GetTableRows runs a table query. A table that does not exist yet yields
// an empty page rather than an error.
func (c *Client) GetTableRows(ctx context.Context, q TableQuery) (*TableRows, error) {
	req := tableRequest{
		JSON:          true,
		Code:          q.Code,
		Scope:         q.Scope,
		Table:         q.Table,
		IndexPosition: q.IndexPosition,
		KeyType:       q.KeyType,
		LowerBound:    q.LowerBound,
		UpperBound:    q.UpperBound,
		Limit:         q.Limit,
		Reverse:       q.Reverse,
	}
	if req.Scope == "" {
		req.Scope = q.Code.String()
	}
	if req.KeyType == "" {
		req.KeyType = "i64"
	}
	if req.Limit <= 0 {
		req.Limit = DefaultRowLimit
	}
	var out TableRows
	if err := c.call(ctx, "get_table_rows", req, &out); err != nil {
		var rej *Rejection
		if errors.As(err, &rej) && (rej.Contains("Table does not exist") || rej.Contains("Fail to retrieve")) {
			return &TableRows{Rows: []json.RawMessage{}}, nil
		}
		return nil, err
	}
	if out.Rows == nil {
		out.Rows = []json.RawMessage{}
	}
	return &out, nil
}

// SignedTransaction is a transaction plus its signatures.
type SignedTransaction struct {
	Transaction
	Signatures []signer.Signature `json:"signatures"`
}

// PackedTransaction is the push_transaction request body.
type PackedTransaction struct {
	Signatures            []signer.Signature `json:"signatures"`
	Compression           string             `json:"compression"`
	PackedContextFreeData string             `json:"packed_context_free_data"`
	PackedTrx             string             `json:"packed_trx"`
}

// Pack builds the wire form of st.
func (st *SignedTransaction) Pack() PackedTransaction {
	sigs := st.Signatures
	if sigs == nil {
		sigs = []signer.Signature{}
	}
	return PackedTransaction{
		Signatures:  sigs,
		Compression: "none",
		PackedTrx:   hex.EncodeToString(st.Transaction.Pack()),
	}
}

// Unpack decodes the transaction carried by p.
func (p *PackedTransaction) Unpack() (*SignedTransaction, error) {
	if p.Compression != "" && p.Compression != "none" && p.Compression != "0" {
		return nil, fmt.Errorf("unsupported compression %q", p.Compression)
	}
	raw, err := hex.DecodeString(p.PackedTrx)
	if err != nil {
		return nil, fmt.Errorf("packed_trx: %w", err)
	}
	trx, err := UnpackTransaction(raw)
	if err != nil {
		return nil, err
	}
	return &SignedTransaction{Transaction: *trx, Signatures: p.Signatures}, nil
}

// PushResult is the node's acknowledgement of an accepted transaction.
type PushResult struct {
	TransactionID Checksum256 `json:"transaction_id"`
	Processed     struct {
		BlockNum  uint32    `json:"block_num"`
		BlockTime TimePoint `json:"block_time"`
	} `json:"processed"`
}

func (c *Client) PushTransaction(ctx context.Context, st *SignedTransaction) (*PushResult, error) {
	var out PushResult
	if err := c.call(ctx, "push_transaction", st.Pack(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call POSTs body to /v1/chain/<method>. Transport failures are Network
// errors; structured error bodies become *Rejection.
func (c *Client) call(ctx context.Context, method string, body, out any) error {
	op := "ledger." + method
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.KindValidation, op, err)
	}
	url := c.endpoint + "/v1/chain/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errs.Wrap(errs.KindValidation, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindNetwork, op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return errs.Wrap(errs.KindNetwork, op, err)
	}
	c.log.Debug("rpc", "method", method, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if rej, ok := parseRejection(resp.StatusCode, data); ok {
			return rej
		}
		return errs.Newf(errs.KindNetwork, op, "unexpected status %d: %s", resp.StatusCode, truncate(data, 256))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errs.Wrapf(errs.KindNetwork, op, err, "decode response")
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
