package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Bytes is binary data carried as hex in JSON.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) { return json.Marshal(hex.EncodeToString(b)) }

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("bytes: %w", err)
	}
	v, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("bytes: %w", err)
	}
	*b = v
	return nil
}

// Checksum256 is a sha256 digest carried as hex in JSON.
type Checksum256 [32]byte

func (c Checksum256) String() string { return hex.EncodeToString(c[:]) }

func (c Checksum256) IsZero() bool { return c == Checksum256{} }

func (c Checksum256) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *Checksum256) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("checksum256: %w", err)
	}
	v, err := ParseChecksum256(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func ParseChecksum256(s string) (Checksum256, error) {
	var c Checksum256
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return c, fmt.Errorf("checksum256: %w", err)
	}
	if len(b) != len(c) {
		return c, fmt.Errorf("checksum256: expected 32 bytes, got %d", len(b))
	}
	copy(c[:], b)
	return c, nil
}

const (
	timePointSecLayout = "2006-01-02T15:04:05"
	timePointLayout    = "2006-01-02T15:04:05.000"
)

// TimePointSec is whole seconds since the Unix epoch, UTC, without zone in JSON.
type TimePointSec uint32

func NewTimePointSec(t time.Time) TimePointSec { return TimePointSec(t.Unix()) }

func (t TimePointSec) Time() time.Time { return time.Unix(int64(t), 0).UTC() }

func (t TimePointSec) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time().Format(timePointSecLayout))
}

func (t *TimePointSec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time_point_sec: %w", err)
	}
	v, err := parseLedgerTime(s)
	if err != nil {
		return err
	}
	*t = NewTimePointSec(v)
	return nil
}

// TimePoint is a millisecond-precision timestamp as printed by get_info.
type TimePoint struct{ time.Time }

func (t TimePoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timePointLayout))
}

func (t *TimePoint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time_point: %w", err)
	}
	v, err := parseLedgerTime(s)
	if err != nil {
		return err
	}
	t.Time = v
	return nil
}

func parseLedgerTime(s string) (time.Time, error) {
	for _, layout := range []string{timePointLayout, timePointSecLayout, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ledger time %q", s)
}

// Action is one contract call with ABI-encoded data.
type Action struct {
	Account       Name              `json:"account"`
	Name          Name              `json:"name"`
	Authorization []PermissionLevel `json:"authorization"`
	Data          Bytes             `json:"data"`
}

func (a Action) pack(e *Encoder) {
	e.WriteName(a.Account)
	e.WriteName(a.Name)
	e.WriteVarUint32(uint32(len(a.Authorization)))
	for _, p := range a.Authorization {
		e.WriteName(p.Actor)
		e.WriteName(p.Permission)
	}
	e.WriteBytes(a.Data)
}

func unpackAction(d *Decoder) (Action, error) {
	var a Action
	var err error
	if a.Account, err = d.ReadName(); err != nil {
		return a, err
	}
	if a.Name, err = d.ReadName(); err != nil {
		return a, err
	}
	n, err := d.ReadVarUint32()
	if err != nil {
		return a, err
	}
	if int(n) > d.Remaining()/16 {
		return a, ErrShortBuffer
	}
	a.Authorization = make([]PermissionLevel, n)
	for i := range a.Authorization {
		if a.Authorization[i].Actor, err = d.ReadName(); err != nil {
			return a, err
		}
		if a.Authorization[i].Permission, err = d.ReadName(); err != nil {
			return a, err
		}
	}
	a.Data, err = d.ReadBytes()
	return a, err
}

// TransactionHeader binds a transaction to a recent block (TaPoS) and
// bounds its lifetime.
type TransactionHeader struct {
	Expiration       TimePointSec `json:"expiration"`
	RefBlockNum      uint16       `json:"ref_block_num"`
	RefBlockPrefix   uint32       `json:"ref_block_prefix"`
	MaxNetUsageWords uint32       `json:"max_net_usage_words"`
	MaxCPUUsageMS    uint8        `json:"max_cpu_usage_ms"`
	DelaySec         uint32       `json:"delay_sec"`
}

// Extension is an opaque transaction extension.
type Extension struct {
	Type uint16 `json:"type"`
	Data Bytes  `json:"data"`
}

type Transaction struct {
	TransactionHeader
	ContextFreeActions []Action    `json:"context_free_actions"`
	Actions            []Action    `json:"actions"`
	Extensions         []Extension `json:"transaction_extensions"`
}

// Pack returns the binary serialization.
func (t *Transaction) Pack() []byte {
	e := NewEncoder()
	e.WriteUint32(uint32(t.Expiration))
	e.WriteUint16(t.RefBlockNum)
	e.WriteUint32(t.RefBlockPrefix)
	e.WriteVarUint32(t.MaxNetUsageWords)
	e.WriteUint8(t.MaxCPUUsageMS)
	e.WriteVarUint32(t.DelaySec)
	for _, list := range [][]Action{t.ContextFreeActions, t.Actions} {
		e.WriteVarUint32(uint32(len(list)))
		for _, a := range list {
			a.pack(e)
		}
	}
	e.WriteVarUint32(uint32(len(t.Extensions)))
	for _, x := range t.Extensions {
		e.WriteUint16(x.Type)
		e.WriteBytes(x.Data)
	}
	return e.Bytes()
}

// UnpackTransaction is the inverse of Pack. Trailing bytes are an error.
func UnpackTransaction(b []byte) (*Transaction, error) {
	d := NewDecoder(b)
	t := &Transaction{}
	exp, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	t.Expiration = TimePointSec(exp)
	if t.RefBlockNum, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	if t.RefBlockPrefix, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if t.MaxNetUsageWords, err = d.ReadVarUint32(); err != nil {
		return nil, err
	}
	if t.MaxCPUUsageMS, err = d.ReadUint8(); err != nil {
		return nil, err
	}
	if t.DelaySec, err = d.ReadVarUint32(); err != nil {
		return nil, err
	}
	for _, dst := range []*[]Action{&t.ContextFreeActions, &t.Actions} {
		n, err := d.ReadVarUint32()
		if err != nil {
			return nil, err
		}
		if int(n) > d.Remaining() {
			return nil, ErrShortBuffer
		}
		list := make([]Action, 0, n)
		for i := uint32(0); i < n; i++ {
			a, err := unpackAction(d)
			if err != nil {
				return nil, err
			}
			list = append(list, a)
		}
		*dst = list
	}
	n, err := d.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	if int(n) > d.Remaining() {
		return nil, ErrShortBuffer
	}
	for i := uint32(0); i < n; i++ {
		var x Extension
		if x.Type, err = d.ReadUint16(); err != nil {
			return nil, err
		}
		if x.Data, err = d.ReadBytes(); err != nil {
			return nil, err
		}
		t.Extensions = append(t.Extensions, x)
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("ledger: %d trailing bytes after transaction", d.Remaining())
	}
	return t, nil
}

// ID is sha256 of the packed transaction.
func (t *Transaction) ID() Checksum256 { return sha256.Sum256(t.Pack()) }

// SigningDigest is sha256(chainID || packed transaction). A signature over
// one chain's digest never verifies on another chain.
func (t *Transaction) SigningDigest(chainID Checksum256) Checksum256 {
	return SigningDigest(chainID, t.Pack())
}

// SigningDigest computes the digest for an already packed transaction.
func SigningDigest(chainID Checksum256, packed []byte) Checksum256 {
	h := sha256.New()
	h.Write(chainID[:])
	h.Write(packed)
	var out Checksum256
	copy(out[:], h.Sum(nil))
	return out
}
