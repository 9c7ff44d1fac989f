package persona

import (
	"crypto/rand"
	"io"
	"strings"

	"github.com/immutablenpc/npc/errs"
	"github.com/immutablenpc/npc/ledger"
)

const (
	// BaseNameLength is the exact length of a persona base name.
	BaseNameLength = 9
	// Suffix is appended to the base name to form the account.
	Suffix = ".ai"

	baseAlphabet = "abcdefghijklmnopqrstuvwxyz12345"
)

// ValidateBaseName checks the canonical rule: exactly nine characters from
// [a-z1-5].
func ValidateBaseName(base string) error {
	if len(base) != BaseNameLength {
		return errs.Newf(errs.KindValidation, "persona.name", "persona name %q must be exactly %d characters", base, BaseNameLength)
	}
	for i := 0; i < len(base); i++ {
		if !strings.ContainsRune(baseAlphabet, rune(base[i])) {
			return errs.Newf(errs.KindValidation, "persona.name", "persona name %q: only a-z and 1-5 are allowed", base)
		}
	}
	return nil
}

// Account normalizes s ("zeta12345" or "zeta12345.ai") to the persona's
// ledger account.
func Account(s string) (ledger.Name, error) {
	base := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), Suffix)
	if err := ValidateBaseName(base); err != nil {
		return 0, err
	}
	return ledger.ParseName(base + Suffix)
}

// MustAccount is Account for constants.
func MustAccount(s string) ledger.Name {
	n, err := Account(s)
	if err != nil {
		panic(err)
	}
	return n
}

// BaseName strips the suffix from a persona account.
func BaseName(account ledger.Name) string {
	return strings.TrimSuffix(account.String(), Suffix)
}

// IsPersonaAccount reports whether account follows the persona rule.
func IsPersonaAccount(account ledger.Name) bool {
	s := account.String()
	return strings.HasSuffix(s, Suffix) && ValidateBaseName(strings.TrimSuffix(s, Suffix)) == nil
}

// RandomBaseName draws a valid base name from r (crypto/rand when nil).
func RandomBaseName(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, BaseNameLength)
	out := make([]byte, BaseNameLength)
	for i := 0; i < BaseNameLength; {
		if _, err := io.ReadFull(r, buf[:1]); err != nil {
			return "", err
		}
		// 248 is the largest multiple of 31 below 256.
		if buf[0] >= 248 {
			continue
		}
		out[i] = baseAlphabet[int(buf[0])%len(baseAlphabet)]
		i++
	}
	return string(out), nil
}
