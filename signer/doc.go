// Package signer produces transaction signatures.
//
// A Signer exposes its public key and signs 32-byte digests. LocalSigner
// holds key material in memory and answers immediately; the agent
// subpackage delegates to a separate signing process that may wait on a
// human, so Sign always takes a context and may block for a long time.
//
// Keys and signatures use the ledger's text form: PUB_<T>_<base58> and
// SIG_<T>_<base58>, where T is ED (Ed25519) or DL3 (Dilithium mode 3).
package signer
