package ledger

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/immutablenpc/npc/errs"
)

// ABIFetcher is the part of Client the resolver needs.
type ABIFetcher interface {
	GetABI(ctx context.Context, account Name) (*ABI, error)
}

// ActionRequest is an action whose payload has not been encoded yet.
// Data is any value whose JSON form matches the action's ABI struct.
type ActionRequest struct {
	Account       Name
	Name          Name
	Authorization []PermissionLevel
	Data          any
}

// Resolver encodes action requests against each target account's ABI.
//
// ABIs are fetched lazily, at most once per account per Resolver, and are
// never invalidated: a contract redeployed after its ABI was cached is not
// observed until a new Resolver is built.
type Resolver struct {
	fetcher ABIFetcher

	mu    sync.RWMutex
	cache map[Name]*ABI
	group singleflight.Group
}

func NewResolver(fetcher ABIFetcher) *Resolver {
	return &Resolver{fetcher: fetcher, cache: make(map[Name]*ABI)}
}

// Register pre-loads the ABI for account, skipping the network lookup.
func (r *Resolver) Register(account Name, abi *ABI) {
	r.mu.Lock()
	r.cache[account] = abi
	r.mu.Unlock()
}

func (r *Resolver) cached(account Name) (*ABI, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	abi, ok := r.cache[account]
	return abi, ok
}

// ABI returns the schema for account, fetching it on first use. Concurrent
// callers for the same account share one fetch.
func (r *Resolver) ABI(ctx context.Context, account Name) (*ABI, error) {
	if abi, ok := r.cached(account); ok {
		return abi, nil
	}
	if r.fetcher == nil {
		return nil, errs.Newf(errs.KindValidation, "ledger.resolve", "no ABI registered for %s", account)
	}
	v, err, _ := r.group.Do(account.String(), func() (any, error) {
		if abi, ok := r.cached(account); ok {
			return abi, nil
		}
		abi, err := r.fetcher.GetABI(ctx, account)
		if err != nil {
			return nil, err
		}
		r.Register(account, abi)
		return abi, nil
	})
	if err != nil {
		return nil, classifyABIError(account, err)
	}
	return v.(*ABI), nil
}

// A node rejecting the lookup means the account cannot be resolved, which
// is a validation failure for the caller. Transport failures stay Network.
func classifyABIError(account Name, err error) error {
	var rej *Rejection
	if errors.As(err, &rej) {
		return errs.Wrapf(errs.KindValidation, "ledger.resolve", err, "resolve ABI for %s", account)
	}
	return err
}

// Resolve encodes every request. ABIs for distinct accounts not yet cached
// are fetched concurrently. Nothing is sent to the node besides get_abi.
func (r *Resolver) Resolve(ctx context.Context, reqs ...ActionRequest) ([]Action, error) {
	if len(reqs) == 0 {
		return nil, errs.New(errs.KindValidation, "ledger.resolve", "no actions")
	}
	seen := make(map[Name]bool)
	g, gctx := errgroup.WithContext(ctx)
	for _, req := range reqs {
		account := req.Account
		if seen[account] {
			continue
		}
		seen[account] = true
		if _, ok := r.cached(account); ok {
			continue
		}
		g.Go(func() error {
			_, err := r.ABI(gctx, account)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	actions := make([]Action, 0, len(reqs))
	for _, req := range reqs {
		abi, err := r.ABI(ctx, req.Account)
		if err != nil {
			return nil, err
		}
		if len(req.Authorization) == 0 {
			return nil, errs.Newf(errs.KindValidation, "ledger.resolve", "%s::%s has no authorization", req.Account, req.Name)
		}
		data, err := abi.EncodeAction(req.Name, req.Data)
		if err != nil {
			return nil, errs.Wrapf(errs.KindValidation, "ledger.resolve", err, "encode %s::%s", req.Account, req.Name)
		}
		actions = append(actions, Action{
			Account:       req.Account,
			Name:          req.Name,
			Authorization: req.Authorization,
			Data:          data,
		})
	}
	return actions, nil
}
