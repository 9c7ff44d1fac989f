package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SymbolCode is up to 7 upper-case letters packed little-endian.
type SymbolCode uint64

func ParseSymbolCode(s string) (SymbolCode, error) {
	if len(s) == 0 || len(s) > 7 {
		return 0, fmt.Errorf("symbol code %q must be 1-7 characters", s)
	}
	var v uint64
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return 0, fmt.Errorf("symbol code %q: invalid character %q", s, c)
		}
		v = v<<8 | uint64(c)
	}
	return SymbolCode(v), nil
}

func (c SymbolCode) String() string {
	var b strings.Builder
	for v := uint64(c); v != 0; v >>= 8 {
		b.WriteByte(byte(v & 0xff))
	}
	return b.String()
}

// Symbol is a token symbol with its decimal precision, written "4,SYS".
type Symbol struct {
	Precision uint8
	Code      SymbolCode
}

func ParseSymbol(s string) (Symbol, error) {
	p, code, ok := strings.Cut(s, ",")
	if !ok {
		return Symbol{}, fmt.Errorf("symbol %q: expected precision,CODE", s)
	}
	prec, err := strconv.ParseUint(p, 10, 8)
	if err != nil || prec > 18 {
		return Symbol{}, fmt.Errorf("symbol %q: invalid precision", s)
	}
	c, err := ParseSymbolCode(code)
	if err != nil {
		return Symbol{}, err
	}
	return Symbol{Precision: uint8(prec), Code: c}, nil
}

func (s Symbol) String() string { return fmt.Sprintf("%d,%s", s.Precision, s.Code) }

func (s Symbol) raw() uint64 { return uint64(s.Code)<<8 | uint64(s.Precision) }

func symbolFromRaw(v uint64) Symbol {
	return Symbol{Precision: uint8(v & 0xff), Code: SymbolCode(v >> 8)}
}

// Asset is a fixed-point token quantity such as "1.0000 SYS".
type Asset struct {
	Amount int64
	Symbol Symbol
}

func ParseAsset(s string) (Asset, error) {
	qty, code, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return Asset{}, fmt.Errorf("asset %q: expected \"amount CODE\"", s)
	}
	c, err := ParseSymbolCode(strings.TrimSpace(code))
	if err != nil {
		return Asset{}, err
	}
	neg := strings.HasPrefix(qty, "-")
	qty = strings.TrimPrefix(qty, "-")
	whole, frac, _ := strings.Cut(qty, ".")
	if whole == "" || len(frac) > 18 {
		return Asset{}, fmt.Errorf("asset %q: invalid amount", s)
	}
	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return Asset{}, fmt.Errorf("asset %q: %w", s, err)
	}
	if neg {
		n = -n
	}
	return Asset{Amount: n, Symbol: Symbol{Precision: uint8(len(frac)), Code: c}}, nil
}

func MustAsset(s string) Asset {
	a, err := ParseAsset(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Asset) String() string {
	n := a.Amount
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	digits := strconv.FormatInt(n, 10)
	p := int(a.Symbol.Precision)
	if p > 0 {
		if len(digits) <= p {
			digits = strings.Repeat("0", p-len(digits)+1) + digits
		}
		digits = digits[:len(digits)-p] + "." + digits[len(digits)-p:]
	}
	return sign + digits + " " + a.Symbol.Code.String()
}

func (a Asset) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a *Asset) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("asset: %w", err)
	}
	v, err := ParseAsset(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
