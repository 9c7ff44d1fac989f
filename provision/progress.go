package provision

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/immutablenpc/npc/ledger"
)

// Status summarizes a provisioning record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
	StatusComplete   Status = "complete"
)

// Progress is the durable record of one persona's provisioning.
type Progress struct {
	Account ledger.Name `json:"account" yaml:"account"`
	// OwnerKey is the public key the account was created for.
	OwnerKey        string    `json:"owner_key" yaml:"owner_key"`
	InitialStateCID string    `json:"initial_state_cid" yaml:"initial_state_cid"`
	AvatarCID       string    `json:"avatar_cid,omitempty" yaml:"avatar_cid,omitempty"`
	Completed       Step      `json:"completed" yaml:"completed"`
	Status          Status    `json:"status" yaml:"status"`
	LastError       string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"updated_at"`
}

// Done reports whether every step has completed.
func (p Progress) Done() bool { return p.Completed >= LastStep }

// ProgressStore persists provisioning records keyed by account.
type ProgressStore interface {
	Load(ctx context.Context, account ledger.Name) (Progress, bool, error)
	Save(ctx context.Context, p Progress) error
	Delete(ctx context.Context, account ledger.Name) error
	List(ctx context.Context) ([]Progress, error)
}

// MemoryProgress is a process-local ProgressStore.
type MemoryProgress struct {
	mu      sync.Mutex
	records map[ledger.Name]Progress
}

func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{records: map[ledger.Name]Progress{}}
}

func (m *MemoryProgress) Load(_ context.Context, account ledger.Name) (Progress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[account]
	return p, ok, nil
}

func (m *MemoryProgress) Save(_ context.Context, p Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p.Account] = p
	return nil
}

func (m *MemoryProgress) Delete(_ context.Context, account ledger.Name) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, account)
	return nil
}

// List returns records ordered by account name.
func (m *MemoryProgress) List(context.Context) ([]Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Progress, 0, len(m.records))
	for _, p := range m.records {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.String() < out[j].Account.String() })
	return out, nil
}
