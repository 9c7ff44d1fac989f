package devchain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/immutablenpc/npc/ledger"
)

type permission struct {
	parent ledger.Name
	auth   ledger.Authority
}

type account struct {
	name        ledger.Name
	created     time.Time
	privileged  bool
	permissions map[ledger.Name]permission
	code        []byte
	codeHash    ledger.Checksum256
	abi         *ledger.ABI
}

func (a *account) clone() *account {
	c := *a
	c.permissions = make(map[ledger.Name]permission, len(a.permissions))
	for k, v := range a.permissions {
		c.permissions[k] = v
	}
	return &c
}

type tableID struct {
	code  ledger.Name
	scope ledger.Name
	table ledger.Name
}

type table struct {
	rows map[uint64]json.RawMessage
}

func (t *table) clone() *table {
	c := &table{rows: make(map[uint64]json.RawMessage, len(t.rows))}
	for k, v := range t.rows {
		c.rows[k] = v
	}
	return c
}

func (t *table) sortedKeys() []uint64 {
	keys := make([]uint64, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// state is the chain database. A transaction works on a fork and the fork
// replaces the committed state only when every action succeeded.
type state struct {
	accounts map[ledger.Name]*account
	tables   map[tableID]*table

	// ownedTables marks tables already copied into this fork.
	ownedTables map[tableID]bool
}

func newState() *state {
	return &state{
		accounts:    make(map[ledger.Name]*account),
		tables:      make(map[tableID]*table),
		ownedTables: make(map[tableID]bool),
	}
}

func (s *state) fork() *state {
	f := &state{
		accounts:    make(map[ledger.Name]*account, len(s.accounts)),
		tables:      make(map[tableID]*table, len(s.tables)),
		ownedTables: make(map[tableID]bool),
	}
	for k, v := range s.accounts {
		f.accounts[k] = v
	}
	for k, v := range s.tables {
		f.tables[k] = v
	}
	return f
}

// updateAccount replaces an account with a modified copy.
func (s *state) updateAccount(name ledger.Name, fn func(a *account)) {
	a := s.accounts[name].clone()
	fn(a)
	s.accounts[name] = a
}

func (s *state) readTable(id tableID) *table {
	return s.tables[id]
}

func (s *state) writeTable(id tableID) *table {
	t, ok := s.tables[id]
	switch {
	case !ok:
		t = &table{rows: make(map[uint64]json.RawMessage)}
	case !s.ownedTables[id]:
		t = t.clone()
	}
	s.tables[id] = t
	s.ownedTables[id] = true
	return t
}
