// Package ledger talks to a permissioned ledger node over its HTTP/JSON RPC
// interface and builds signed transactions for it.
//
// The pieces compose as follows: a Resolver turns action requests into
// binary actions using each contract's ABI (fetched once per account and
// cached), a Builder wraps the actions in a transaction bound to the current
// chain head, signs the digest with every configured signer and pushes it.
// Client is the stateless RPC façade underneath both.
package ledger
