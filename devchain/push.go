package devchain

import (
	"time"

	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/signer"
)

// PushTransaction validates, authorizes and applies a signed transaction.
// Either every action applies or none does.
func (c *Chain) PushTransaction(packed ledger.PackedTransaction) (*ledger.PushResult, error) {
	st, err := packed.Unpack()
	if err != nil {
		return nil, parseError("Invalid packed transaction: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	id := st.ID()
	if err := c.checkHeader(st, now); err != nil {
		return nil, err
	}
	if _, ok := c.seen[id]; ok {
		return nil, duplicate(id)
	}
	if len(st.Actions) == 0 {
		return nil, actionInvalid("transaction must have at least one action")
	}

	auth := newAuthChecker(c.st, st.SigningDigest(c.chainID), st.Signatures)
	for _, act := range st.Actions {
		for _, level := range act.Authorization {
			if err := auth.check(level); err != nil {
				return nil, err
			}
		}
	}

	fork := c.st.fork()
	for i := range st.Actions {
		if err := c.apply(fork, &st.Actions[i], now); err != nil {
			c.log.Debug("transaction rejected", "id", id.String(), "action", st.Actions[i].Name.String(), "err", err)
			return nil, err
		}
	}
	c.st = fork
	c.pruneSeen(now)
	c.seen[id] = st.Expiration
	num := c.produceBlock(now, []ledger.Checksum256{id})
	c.log.Info("transaction applied", "id", id.String(), "block", num, "actions", len(st.Actions))

	res := &ledger.PushResult{TransactionID: id}
	res.Processed.BlockNum = num
	res.Processed.BlockTime = ledger.TimePoint{Time: now}
	return res, nil
}

func (c *Chain) checkHeader(st *ledger.SignedTransaction, now time.Time) error {
	exp := st.Expiration.Time()
	if !exp.After(now) {
		return expired("expired transaction %s, expiration %s, block time %s",
			st.ID(), exp.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	if exp.Sub(now) > MaxTransactionLifetime {
		return expired("transaction expiration %s too far in the future", exp.Format(time.RFC3339))
	}

	num := (c.head &^ 0xffff) | uint32(st.RefBlockNum)
	if num > c.head {
		if num < 0x10000 {
			return badTaPoS("reference block %d is in the future", st.RefBlockNum)
		}
		num -= 0x10000
	}
	blk, ok := c.blocks[num]
	if !ok {
		return badTaPoS("reference block %d not found", num)
	}
	if ledger.RefBlockPrefix(blk) != st.RefBlockPrefix {
		return badTaPoS("transaction's reference block did not match; is this transaction from a different fork?")
	}
	return nil
}

func (c *Chain) pruneSeen(now time.Time) {
	for id, exp := range c.seen {
		if !exp.Time().After(now) {
			delete(c.seen, id)
		}
	}
}

// authChecker evaluates declared authorizations against the keys whose
// signatures verify over the transaction digest.
type authChecker struct {
	st       *state
	digest   ledger.Checksum256
	sigs     []signer.Signature
	verified map[string]bool
}

func newAuthChecker(st *state, digest ledger.Checksum256, sigs []signer.Signature) *authChecker {
	return &authChecker{st: st, digest: digest, sigs: sigs, verified: make(map[string]bool)}
}

func (a *authChecker) signed(key signer.PublicKey) bool {
	k := key.String()
	if v, ok := a.verified[k]; ok {
		return v
	}
	ok := false
	for _, sig := range a.sigs {
		if signer.Verify(key, a.digest[:], sig) {
			ok = true
			break
		}
	}
	a.verified[k] = ok
	return ok
}

func (a *authChecker) check(level ledger.PermissionLevel) error {
	acct, ok := a.st.accounts[level.Actor]
	if !ok {
		return unknownAccount(level.Actor)
	}
	if _, ok := acct.permissions[level.Permission]; !ok {
		return unsatisfied(level)
	}
	if !a.satisfied(level, 0) {
		return unsatisfied(level)
	}
	return nil
}

const maxAuthDepth = 6

// satisfied walks the permission and then its parents: owner satisfies
// active.
func (a *authChecker) satisfied(level ledger.PermissionLevel, depth int) bool {
	if depth > maxAuthDepth {
		return false
	}
	acct, ok := a.st.accounts[level.Actor]
	if !ok {
		return false
	}
	perm := level.Permission
	for i := 0; i < maxAuthDepth; i++ {
		p, ok := acct.permissions[perm]
		if !ok {
			return false
		}
		if a.meets(p.auth, depth) {
			return true
		}
		if p.parent == 0 {
			return false
		}
		perm = p.parent
	}
	return false
}

func (a *authChecker) meets(auth ledger.Authority, depth int) bool {
	var total uint32
	for _, kw := range auth.Keys {
		if a.signed(kw.Key) {
			total += uint32(kw.Weight)
		}
	}
	for _, aw := range auth.Accounts {
		if total >= auth.Threshold {
			break
		}
		if a.satisfied(aw.Permission, depth+1) {
			total += uint32(aw.Weight)
		}
	}
	return auth.Threshold > 0 && total >= auth.Threshold
}
