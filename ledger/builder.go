package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/signer"
)

// Node is the part of Client the builder needs.
type Node interface {
	GetInfo(ctx context.Context) (*ChainInfo, error)
	PushTransaction(ctx context.Context, st *SignedTransaction) (*PushResult, error)
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Node     Node
	Resolver *Resolver
	// Signers all sign every transaction, in order.
	Signers []signer.Signer
	// Expiration defaults to DefaultExpiration.
	Expiration time.Duration
	Logger     *slog.Logger
}

// Builder turns action requests into signed, pushed transactions.
type Builder struct {
	node       Node
	resolver   *Resolver
	signers    []signer.Signer
	expiration time.Duration
	log        *slog.Logger
}

// TransactionResult identifies an accepted transaction.
type TransactionResult struct {
	ID       Checksum256
	BlockNum uint32
}

func NewBuilder(cfg BuilderConfig) *Builder {
	return &Builder{
		node:       cfg.Node,
		resolver:   cfg.Resolver,
		signers:    cfg.Signers,
		expiration: cfg.Expiration,
		log:        logging.OrDiscard(cfg.Logger),
	}
}

// Resolver returns the builder's schema resolver.
func (b *Builder) Resolver() *Resolver { return b.resolver }

// WithSigners returns a builder sharing b's node and resolver but signing
// with signers instead.
func (b *Builder) WithSigners(signers ...signer.Signer) *Builder {
	nb := *b
	nb.signers = signers
	return &nb
}

// Sign builds the transaction for reqs without pushing it.
func (b *Builder) Sign(ctx context.Context, reqs ...ActionRequest) (*SignedTransaction, error) {
	if len(b.signers) == 0 {
		return nil, errs.New(errs.KindSigning, "ledger.sign", "no signers configured")
	}
	actions, err := b.resolver.Resolve(ctx, reqs...)
	if err != nil {
		return nil, err
	}
	info, err := b.node.GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	trx := Transaction{
		TransactionHeader:  info.TransactionHeader(b.expiration),
		ContextFreeActions: []Action{},
		Actions:            actions,
		Extensions:         []Extension{},
	}
	digest := trx.SigningDigest(info.ChainID)

	st := &SignedTransaction{Transaction: trx}
	for _, s := range b.signers {
		sig, err := s.Sign(ctx, digest[:])
		if err != nil {
			return nil, errs.Wrapf(errs.KindSigning, "ledger.sign", err, "sign with %s", s.PublicKey())
		}
		st.Signatures = append(st.Signatures, sig)
	}
	return st, nil
}

// Submit resolves, signs and pushes one transaction carrying reqs.
// Failures are returned as-is; there are no retries.
func (b *Builder) Submit(ctx context.Context, reqs ...ActionRequest) (TransactionResult, error) {
	st, err := b.Sign(ctx, reqs...)
	if err != nil {
		return TransactionResult{}, err
	}
	res, err := b.node.PushTransaction(ctx, st)
	if err != nil {
		b.log.Warn("push rejected", "actions", actionNames(reqs), "err", err)
		return TransactionResult{}, err
	}
	b.log.Info("transaction accepted", "id", res.TransactionID.String(), "block", res.Processed.BlockNum, "actions", actionNames(reqs))
	return TransactionResult{ID: res.TransactionID, BlockNum: res.Processed.BlockNum}, nil
}

func actionNames(reqs []ActionRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Account.String() + "::" + r.Name.String()
	}
	return out
}
