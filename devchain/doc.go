// Package devchain is an in-process ledger node for development and tests.
//
// It serves the same /v1/chain RPC surface the ledger client uses and
// enforces what the client depends on: account permissions checked against
// Ed25519 and Dilithium3 signatures, expiration and reference-block checks,
// duplicate detection and all-or-nothing transactions. Contracts are native
// Go implementations selected by the hash of the deployed code; there is no
// WebAssembly runtime.
package devchain
