package devchain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/persona"
	"github.com/immutablenpc/npc/signer"
)

// MaxTransactionLifetime bounds how far in the future a transaction may
// expire.
const MaxTransactionLifetime = time.Hour

// Config configures a Chain.
type Config struct {
	// ChainID defaults to sha256("npc-devchain").
	ChainID ledger.Checksum256

	// SystemKey controls sysio and sysio.roa.
	SystemKey signer.PublicKey

	// Registry is the persona registry account, deployed at genesis.
	// Defaults to persona.DefaultRegistry.
	Registry ledger.Name

	// RegistryKey controls the registry account. Defaults to SystemKey.
	RegistryKey signer.PublicKey

	// Now defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Chain is an in-memory ledger. All methods are safe for concurrent use.
type Chain struct {
	chainID  ledger.Checksum256
	registry ledger.Name
	now      func() time.Time
	log      *slog.Logger

	contracts map[ledger.Checksum256]Contract

	mu       sync.Mutex
	st       *state
	head     uint32
	headTime time.Time
	blocks   map[uint32]ledger.Checksum256
	seen     map[ledger.Checksum256]ledger.TimePointSec
}

// New creates a chain with sysio, sysio.roa and the registry account.
func New(cfg Config) (*Chain, error) {
	if cfg.SystemKey.IsZero() {
		return nil, fmt.Errorf("devchain: system key is required")
	}
	if cfg.ChainID.IsZero() {
		cfg.ChainID = sha256.Sum256([]byte("npc-devchain"))
	}
	if cfg.Registry == 0 {
		cfg.Registry = persona.DefaultRegistry
	}
	if cfg.RegistryKey.IsZero() {
		cfg.RegistryKey = cfg.SystemKey
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Chain{
		chainID:   cfg.ChainID,
		registry:  cfg.Registry,
		now:       cfg.Now,
		log:       logging.OrDiscard(cfg.Logger),
		contracts: make(map[ledger.Checksum256]Contract),
		st:        newState(),
		blocks:    make(map[uint32]ledger.Checksum256),
		seen:      make(map[ledger.Checksum256]ledger.TimePointSec),
	}
	c.RegisterContract(persona.ContractCode(), personaContract{})
	c.RegisterContract(persona.RegistryCode(), registryContract{})

	genesis := c.now()
	c.produceBlock(genesis, nil)

	c.createAccount(c.st, persona.SystemAccount, cfg.SystemKey, genesis)
	c.st.updateAccount(persona.SystemAccount, func(a *account) {
		a.privileged = true
		a.abi = persona.SystemABI()
	})
	c.createAccount(c.st, persona.ROAAccount, cfg.SystemKey, genesis)
	c.st.updateAccount(persona.ROAAccount, func(a *account) {
		a.privileged = true
		a.abi = persona.ROAABI()
	})
	c.createAccount(c.st, c.registry, cfg.RegistryKey, genesis)
	c.st.updateAccount(c.registry, func(a *account) {
		a.code = persona.RegistryCode()
		a.codeHash = persona.CodeHash(a.code)
		a.abi = persona.RegistryABI()
	})
	return c, nil
}

// RegisterContract binds a native implementation to code. Accounts whose
// deployed code hashes to the same value run impl.
func (c *Chain) RegisterContract(code []byte, impl Contract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contracts[persona.CodeHash(code)] = impl
}

// ChainID returns the chain identifier.
func (c *Chain) ChainID() ledger.Checksum256 { return c.chainID }

// Registry returns the registry account name.
func (c *Chain) Registry() ledger.Name { return c.registry }

// CreateAccount adds an account outside of any transaction, for tests and
// genesis setup.
func (c *Chain) CreateAccount(name ledger.Name, key signer.PublicKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.st.accounts[name]; ok {
		return accountExists(name)
	}
	c.createAccount(c.st, name, key, c.now())
	return nil
}

func (c *Chain) createAccount(st *state, name ledger.Name, key signer.PublicKey, at time.Time) {
	auth := ledger.SingleKeyAuthority(key)
	st.accounts[name] = &account{
		name:    name,
		created: at,
		permissions: map[ledger.Name]permission{
			ledger.PermissionOwner:  {auth: auth},
			ledger.PermissionActive: {parent: ledger.PermissionOwner, auth: auth},
		},
	}
}

// blockID follows the usual layout: the block number big-endian in the
// first four bytes, a hash in the rest.
func blockID(num uint32, prev ledger.Checksum256, at time.Time, trx []ledger.Checksum256) ledger.Checksum256 {
	h := sha256.New()
	h.Write(prev[:])
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[:4], num)
	binary.BigEndian.PutUint64(buf[4:], uint64(at.UnixNano()))
	h.Write(buf[:])
	for _, id := range trx {
		h.Write(id[:])
	}
	var id ledger.Checksum256
	copy(id[:], h.Sum(nil))
	binary.BigEndian.PutUint32(id[:4], num)
	return id
}

func (c *Chain) produceBlock(at time.Time, trx []ledger.Checksum256) uint32 {
	num := c.head + 1
	c.blocks[num] = blockID(num, c.blocks[c.head], at, trx)
	c.head = num
	c.headTime = at
	return num
}

// Info reports the head. Every block is final as soon as it is produced.
func (c *Chain) Info() ledger.ChainInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC().Truncate(500 * time.Millisecond)
	return ledger.ChainInfo{
		ServerVersion:            "devchain",
		ChainID:                  c.chainID,
		HeadBlockNum:             c.head,
		HeadBlockID:              c.blocks[c.head],
		HeadBlockTime:            ledger.TimePoint{Time: now},
		HeadBlockProducer:        persona.SystemAccount,
		LastIrreversibleBlockNum: c.head,
		LastIrreversibleBlockID:  c.blocks[c.head],
	}
}

// ABI returns the account's ABI, or nil when it has none.
func (c *Chain) ABI(name ledger.Name) (*ledger.ABI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.st.accounts[name]
	if !ok {
		return nil, unknownAccount(name)
	}
	return a.abi, nil
}

// Account describes an account the way get_account does.
func (c *Chain) Account(name ledger.Name) (*ledger.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.st.accounts[name]
	if !ok {
		return nil, unknownAccount(name)
	}
	out := &ledger.Account{
		AccountName: a.name,
		Created:     ledger.TimePoint{Time: a.created.UTC()},
		Privileged:  a.privileged,
		CodeHash:    a.codeHash,
	}
	for _, perm := range []ledger.Name{ledger.PermissionOwner, ledger.PermissionActive} {
		if p, ok := a.permissions[perm]; ok {
			out.Permissions = append(out.Permissions, ledger.Permission{PermName: perm, Parent: p.parent, RequiredAuth: p.auth})
		}
	}
	return out, nil
}

// TableRowsRequest mirrors the get_table_rows body.
type TableRowsRequest struct {
	JSON          bool        `json:"json"`
	Code          ledger.Name `json:"code"`
	Scope         string      `json:"scope"`
	Table         ledger.Name `json:"table"`
	IndexPosition string      `json:"index_position"`
	KeyType       string      `json:"key_type"`
	LowerBound    string      `json:"lower_bound"`
	UpperBound    string      `json:"upper_bound"`
	Limit         int         `json:"limit"`
	Reverse       bool        `json:"reverse"`
}

// TableRows answers a primary-index table query.
func (c *Chain) TableRows(req TableRowsRequest) (*ledger.TableRows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.st.accounts[req.Code]
	if !ok || a.abi == nil {
		return nil, tableQueryError("Fail to retrieve account abi for %s", req.Code)
	}
	if _, ok := a.abi.TableType(req.Table); !ok {
		return nil, tableQueryError("Table does not exist in ABI: %s", req.Table)
	}
	if req.IndexPosition != "" && req.IndexPosition != "1" && req.IndexPosition != "primary" {
		return nil, tableQueryError("secondary index %s not supported", req.IndexPosition)
	}
	scope := req.Scope
	if scope == "" {
		scope = req.Code.String()
	}
	scopeName, err := ledger.ParseName(scope)
	if err != nil {
		return nil, tableQueryError("invalid scope %q", scope)
	}
	lower, upper := uint64(0), ^uint64(0)
	if req.LowerBound != "" {
		if lower, err = parseBound(req.LowerBound); err != nil {
			return nil, tableQueryError("invalid lower bound: %v", err)
		}
	}
	if req.UpperBound != "" {
		if upper, err = parseBound(req.UpperBound); err != nil {
			return nil, tableQueryError("invalid upper bound: %v", err)
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	out := &ledger.TableRows{Rows: []json.RawMessage{}}
	t := c.st.readTable(tableID{code: req.Code, scope: scopeName, table: req.Table})
	if t == nil {
		return out, nil
	}
	keys := t.sortedKeys()
	if req.Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	for _, k := range keys {
		if k < lower || k > upper {
			continue
		}
		if len(out.Rows) == limit {
			out.More = true
			out.NextKey = strconv.FormatUint(k, 10)
			break
		}
		out.Rows = append(out.Rows, t.rows[k])
	}
	return out, nil
}

// parseBound accepts a decimal key or a name.
func parseBound(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	n, err := ledger.ParseName(s)
	return uint64(n), err
}

// Head returns the current head block number.
func (c *Chain) Head() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}
