// Package cidutil derives and parses the content identifiers used by every
// store backend: CIDv1, raw codec, sha2-256 multihash.
package cidutil

import (
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CIDv1RawSHA256 returns a CIDv1 string using the "raw" multicodec
// and a sha2-256 multihash.
func CIDv1RawSHA256(data []byte) string {
	id, err := CIDv1RawSHA256CID(data)
	if err != nil {
		// multihash.Sum only errors for invalid inputs; with SHA2_256 and -1 length,
		// this should be unreachable.
		return ""
	}
	return id.String()
}

// CIDv1RawSHA256CID returns a CIDv1 (raw + sha2-256) derived from data.
func CIDv1RawSHA256CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Parse decodes s and rejects identifiers that are not sha2-256 based.
//
// CIDv0 strings ("Qm...") are accepted because gateways still hand them out;
// the multihash check is what keeps Verify meaningful.
func Parse(s string) (cid.Cid, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return cid.Undef, fmt.Errorf("cidutil: empty cid")
	}
	id, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidutil: decode %q: %w", s, err)
	}
	if id.Prefix().MhType != multihash.SHA2_256 {
		return cid.Undef, fmt.Errorf("cidutil: unsupported multihash 0x%x", id.Prefix().MhType)
	}
	return id, nil
}

// LooksLikeCID reports whether s parses as a supported CID.
func LooksLikeCID(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Verify reports whether data hashes to id under id's own prefix.
func Verify(id cid.Cid, data []byte) bool {
	if !id.Defined() {
		return false
	}
	got, err := id.Prefix().Sum(data)
	if err != nil {
		return false
	}
	return got.Equals(id)
}
