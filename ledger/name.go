package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/immutablenpc/npc/errs"
)

// Name is a 64-bit account, action, table or permission name.
//
// Names are at most 13 characters from ".12345abcdefghijklmnopqrstuvwxyz";
// the 13th character is limited to ".12345abcdefghij" because only four bits
// remain for it.
type Name uint64

const nameCharmap = ".12345abcdefghijklmnopqrstuvwxyz"

func charToSymbol(c byte) (uint64, bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return uint64(c-'a') + 6, true
	case c >= '1' && c <= '5':
		return uint64(c-'1') + 1, true
	case c == '.':
		return 0, true
	default:
		return 0, false
	}
}

// ParseName validates s and returns its 64-bit value. Only canonical names
// are accepted: a name must survive the round trip through its numeric form,
// which rules out trailing dots and an oversized 13th character.
func ParseName(s string) (Name, error) {
	if s == "" {
		return 0, errs.New(errs.KindValidation, "ledger.name", "empty name")
	}
	if len(s) > 13 {
		return 0, errs.Newf(errs.KindValidation, "ledger.name", "name %q longer than 13 characters", s)
	}
	var value uint64
	for i := 0; i < len(s); i++ {
		c, ok := charToSymbol(s[i])
		if !ok {
			return 0, errs.Newf(errs.KindValidation, "ledger.name", "name %q contains invalid character %q", s, s[i])
		}
		if i < 12 {
			value |= (c & 0x1f) << (64 - 5*(i+1))
		} else {
			if c > 0x0f {
				return 0, errs.Newf(errs.KindValidation, "ledger.name", "name %q: 13th character must be one of .12345abcdefghij", s)
			}
			value |= c & 0x0f
		}
	}
	n := Name(value)
	if n.String() != s {
		return 0, errs.Newf(errs.KindValidation, "ledger.name", "name %q is not canonical", s)
	}
	return n, nil
}

// MustName is ParseName for constants; it panics on invalid input.
func MustName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// IsValidName reports whether s is a canonical name.
func IsValidName(s string) bool {
	_, err := ParseName(s)
	return err == nil
}

func (n Name) String() string {
	var str [13]byte
	tmp := uint64(n)
	for i := 0; i <= 12; i++ {
		var c byte
		if i == 0 {
			c = nameCharmap[tmp&0x0f]
			tmp >>= 4
		} else {
			c = nameCharmap[tmp&0x1f]
			tmp >>= 5
		}
		str[12-i] = c
	}
	return strings.TrimRight(string(str[:]), ".")
}

func (n Name) MarshalJSON() ([]byte, error) { return json.Marshal(n.String()) }

func (n *Name) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("name: %w", err)
	}
	if s == "" {
		*n = 0
		return nil
	}
	v, err := ParseName(s)
	if err != nil {
		return err
	}
	*n = v
	return nil
}

func (n Name) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Name) UnmarshalText(b []byte) error {
	v, err := ParseName(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// PermissionLevel names one authority of one account, e.g. alice@active.
type PermissionLevel struct {
	Actor      Name `json:"actor"`
	Permission Name `json:"permission"`
}

func (p PermissionLevel) String() string { return p.Actor.String() + "@" + p.Permission.String() }

// Commonly used names.
var (
	PermissionActive = MustName("active")
	PermissionOwner  = MustName("owner")
)

// Active returns account@active.
func Active(account Name) PermissionLevel {
	return PermissionLevel{Actor: account, Permission: PermissionActive}
}

// ParsePermissionLevel parses "actor@permission"; the permission defaults to active.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	actor, perm, ok := strings.Cut(s, "@")
	a, err := ParseName(actor)
	if err != nil {
		return PermissionLevel{}, err
	}
	if !ok || perm == "" {
		return Active(a), nil
	}
	p, err := ParseName(perm)
	if err != nil {
		return PermissionLevel{}, err
	}
	return PermissionLevel{Actor: a, Permission: p}, nil
}
