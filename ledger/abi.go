package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/immutablenpc/npc/signer"
)

// ABI describes a contract's actions and tables. Only the subset of the ABI
// format needed by the persona contracts is supported: typedefs, structs
// with a base, T[] and T? modifiers and the builtin types listed in
// encodeBuiltin.
type ABI struct {
	Version string       `json:"version"`
	Types   []ABITypeDef `json:"types"`
	Structs []ABIStruct  `json:"structs"`
	Actions []ABIAction  `json:"actions"`
	Tables  []ABITable   `json:"tables"`
}

type ABITypeDef struct {
	NewTypeName string `json:"new_type_name"`
	Type        string `json:"type"`
}

type ABIField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type ABIStruct struct {
	Name   string     `json:"name"`
	Base   string     `json:"base"`
	Fields []ABIField `json:"fields"`
}

type ABIAction struct {
	Name              Name   `json:"name"`
	Type              string `json:"type"`
	RicardianContract string `json:"ricardian_contract"`
}

type ABITable struct {
	Name      Name     `json:"name"`
	IndexType string   `json:"index_type"`
	KeyNames  []string `json:"key_names"`
	KeyTypes  []string `json:"key_types"`
	Type      string   `json:"type"`
}

// ABIVersion is written into ABIs produced by this module.
const ABIVersion = "sysio::abi/1.2"

// ParseABI decodes an ABI JSON document and checks that every referenced
// type resolves.
func ParseABI(data []byte) (*ABI, error) {
	var a ABI
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("abi: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// MustParseABI is ParseABI for embedded ABIs.
func MustParseABI(data []byte) *ABI {
	a, err := ParseABI(data)
	if err != nil {
		panic(err)
	}
	return a
}

// Validate checks that action, table and field types all resolve.
func (a *ABI) Validate() error {
	c := a.codec()
	for _, s := range a.Structs {
		if s.Base != "" {
			if _, ok := c.structs[c.resolve(s.Base)]; !ok {
				return fmt.Errorf("abi: struct %s: unknown base %q", s.Name, s.Base)
			}
		}
		for _, f := range s.Fields {
			if !c.known(f.Type) {
				return fmt.Errorf("abi: struct %s: field %s: unknown type %q", s.Name, f.Name, f.Type)
			}
		}
	}
	for _, act := range a.Actions {
		if !c.known(act.Type) {
			return fmt.Errorf("abi: action %s: unknown type %q", act.Name, act.Type)
		}
	}
	for _, t := range a.Tables {
		if !c.known(t.Type) {
			return fmt.Errorf("abi: table %s: unknown type %q", t.Name, t.Type)
		}
	}
	return nil
}

// ActionType returns the struct type of action, if declared.
func (a *ABI) ActionType(action Name) (string, bool) {
	for _, act := range a.Actions {
		if act.Name == action {
			return act.Type, true
		}
	}
	return "", false
}

// TableType returns the row type of table, if declared.
func (a *ABI) TableType(table Name) (string, bool) {
	for _, t := range a.Tables {
		if t.Name == table {
			return t.Type, true
		}
	}
	return "", false
}

// EncodeAction encodes v as the payload of action. v may be any value
// whose JSON form matches the action's struct.
func (a *ABI) EncodeAction(action Name, v any) ([]byte, error) {
	typ, ok := a.ActionType(action)
	if !ok {
		return nil, fmt.Errorf("abi: unknown action %q", action)
	}
	return a.EncodeType(typ, v)
}

// EncodeType encodes v as typ.
func (a *ABI) EncodeType(typ string, v any) ([]byte, error) {
	norm, err := normalizeJSON(v)
	if err != nil {
		return nil, fmt.Errorf("abi: %w", err)
	}
	e := NewEncoder()
	if err := a.codec().encode(e, typ, norm, typ); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// DecodeAction decodes an action payload into its JSON form. Integers
// come back as json.Number.
func (a *ABI) DecodeAction(action Name, data []byte) (map[string]any, error) {
	typ, ok := a.ActionType(action)
	if !ok {
		return nil, fmt.Errorf("abi: unknown action %q", action)
	}
	v, err := a.DecodeType(typ, data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("abi: action %s does not decode to a struct", action)
	}
	return m, nil
}

// DecodeType decodes data as typ. All of data must be consumed.
func (a *ABI) DecodeType(typ string, data []byte) (any, error) {
	d := NewDecoder(data)
	v, err := a.codec().decode(d, typ, typ)
	if err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("abi: %s: %d trailing bytes", typ, d.Remaining())
	}
	return v, nil
}

// DecodeInto decodes data as typ and unmarshals the JSON form into out.
func (a *ABI) DecodeInto(typ string, data []byte, out any) error {
	v, err := a.DecodeType(typ, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("abi: %w", err)
	}
	return json.Unmarshal(raw, out)
}

func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

type abiCodec struct {
	typedefs map[string]string
	structs  map[string]*ABIStruct
}

func (a *ABI) codec() *abiCodec {
	c := &abiCodec{
		typedefs: make(map[string]string, len(a.Types)),
		structs:  make(map[string]*ABIStruct, len(a.Structs)),
	}
	for _, t := range a.Types {
		c.typedefs[t.NewTypeName] = t.Type
	}
	for i := range a.Structs {
		c.structs[a.Structs[i].Name] = &a.Structs[i]
	}
	return c
}

func (c *abiCodec) resolve(typ string) string {
	for i := 0; i < 32; i++ {
		next, ok := c.typedefs[typ]
		if !ok {
			return typ
		}
		typ = next
	}
	return typ
}

func (c *abiCodec) known(typ string) bool {
	typ = c.resolve(typ)
	switch {
	case strings.HasSuffix(typ, "[]"):
		return c.known(strings.TrimSuffix(typ, "[]"))
	case strings.HasSuffix(typ, "?"):
		return c.known(strings.TrimSuffix(typ, "?"))
	}
	if _, ok := c.structs[typ]; ok {
		return true
	}
	_, ok := builtinTypes[typ]
	return ok
}

var builtinTypes = map[string]struct{}{
	"bool": {}, "int8": {}, "int16": {}, "int32": {}, "int64": {},
	"uint8": {}, "uint16": {}, "uint32": {}, "uint64": {},
	"varint32": {}, "varuint32": {}, "name": {}, "string": {}, "bytes": {},
	"checksum256": {}, "public_key": {}, "time_point_sec": {},
	"symbol": {}, "symbol_code": {}, "asset": {},
}

func (c *abiCodec) encode(e *Encoder, typ string, v any, path string) error {
	typ = c.resolve(typ)
	switch {
	case strings.HasSuffix(typ, "[]"):
		elem := strings.TrimSuffix(typ, "[]")
		var list []any
		if v != nil {
			var ok bool
			if list, ok = v.([]any); !ok {
				return fmt.Errorf("abi: %s: expected array, got %T", path, v)
			}
		}
		e.WriteVarUint32(uint32(len(list)))
		for i, item := range list {
			if err := c.encode(e, elem, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case strings.HasSuffix(typ, "?"):
		if v == nil {
			e.WriteUint8(0)
			return nil
		}
		e.WriteUint8(1)
		return c.encode(e, strings.TrimSuffix(typ, "?"), v, path)
	}
	if st, ok := c.structs[typ]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("abi: %s: expected object for %s, got %T", path, typ, v)
		}
		return c.encodeStruct(e, st, m, path)
	}
	return encodeBuiltin(e, typ, v, path)
}

func (c *abiCodec) encodeStruct(e *Encoder, st *ABIStruct, m map[string]any, path string) error {
	if st.Base != "" {
		base, ok := c.structs[c.resolve(st.Base)]
		if !ok {
			return fmt.Errorf("abi: %s: unknown base %q", path, st.Base)
		}
		if err := c.encodeStruct(e, base, m, path); err != nil {
			return err
		}
	}
	for _, f := range st.Fields {
		v, ok := m[f.Name]
		if !ok && !strings.HasSuffix(c.resolve(f.Type), "?") {
			return fmt.Errorf("abi: %s: missing field %q", path, f.Name)
		}
		if err := c.encode(e, f.Type, v, path+"."+f.Name); err != nil {
			return err
		}
	}
	return nil
}

func encodeBuiltin(e *Encoder, typ string, v any, path string) error {
	bad := func(err error) error {
		return fmt.Errorf("abi: %s: invalid %s: %w", path, typ, err)
	}
	switch typ {
	case "bool":
		b, ok := v.(bool)
		if !ok {
			return bad(fmt.Errorf("expected bool, got %T", v))
		}
		e.WriteBool(b)
	case "int8", "int16", "int32", "int64", "varint32":
		bits := intBits(typ)
		n, err := strconv.ParseInt(numberText(v), 10, bits)
		if err != nil {
			return bad(err)
		}
		switch typ {
		case "int8":
			e.WriteUint8(uint8(n))
		case "int16":
			e.WriteUint16(uint16(n))
		case "int32":
			e.WriteUint32(uint32(n))
		case "int64":
			e.WriteUint64(uint64(n))
		default:
			e.WriteVarInt32(int32(n))
		}
	case "uint8", "uint16", "uint32", "uint64", "varuint32":
		bits := intBits(typ)
		n, err := strconv.ParseUint(numberText(v), 10, bits)
		if err != nil {
			return bad(err)
		}
		switch typ {
		case "uint8":
			e.WriteUint8(uint8(n))
		case "uint16":
			e.WriteUint16(uint16(n))
		case "uint32":
			e.WriteUint32(uint32(n))
		case "uint64":
			e.WriteUint64(n)
		default:
			e.WriteVarUint32(uint32(n))
		}
	case "name":
		s, ok := v.(string)
		if !ok {
			return bad(fmt.Errorf("expected string, got %T", v))
		}
		n, err := ParseName(s)
		if err != nil {
			return bad(err)
		}
		e.WriteName(n)
	case "string":
		s, ok := v.(string)
		if !ok {
			return bad(fmt.Errorf("expected string, got %T", v))
		}
		e.WriteString(s)
	case "bytes":
		s, ok := v.(string)
		if !ok {
			return bad(fmt.Errorf("expected hex string, got %T", v))
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return bad(err)
		}
		e.WriteBytes(b)
	case "checksum256":
		s, ok := v.(string)
		if !ok {
			return bad(fmt.Errorf("expected hex string, got %T", v))
		}
		sum, err := ParseChecksum256(s)
		if err != nil {
			return bad(err)
		}
		e.WriteRaw(sum[:])
	case "public_key":
		s, ok := v.(string)
		if !ok {
			return bad(fmt.Errorf("expected string, got %T", v))
		}
		pk, err := signer.ParsePublicKey(s)
		if err != nil {
			return bad(err)
		}
		e.WriteUint8(uint8(pk.Type))
		e.WriteRaw(pk.Data)
	case "time_point_sec":
		if s, ok := v.(string); ok {
			t, err := parseLedgerTime(s)
			if err != nil {
				return bad(err)
			}
			e.WriteUint32(uint32(NewTimePointSec(t)))
			return nil
		}
		n, err := strconv.ParseUint(numberText(v), 10, 32)
		if err != nil {
			return bad(err)
		}
		e.WriteUint32(uint32(n))
	case "symbol_code":
		s, ok := v.(string)
		if !ok {
			return bad(fmt.Errorf("expected string, got %T", v))
		}
		code, err := ParseSymbolCode(s)
		if err != nil {
			return bad(err)
		}
		e.WriteUint64(uint64(code))
	case "symbol":
		s, ok := v.(string)
		if !ok {
			return bad(fmt.Errorf("expected string, got %T", v))
		}
		sym, err := ParseSymbol(s)
		if err != nil {
			return bad(err)
		}
		e.WriteUint64(sym.raw())
	case "asset":
		s, ok := v.(string)
		if !ok {
			return bad(fmt.Errorf("expected string, got %T", v))
		}
		a, err := ParseAsset(s)
		if err != nil {
			return bad(err)
		}
		e.WriteUint64(uint64(a.Amount))
		e.WriteUint64(a.Symbol.raw())
	default:
		return fmt.Errorf("abi: %s: unknown type %q", path, typ)
	}
	return nil
}

func intBits(typ string) int {
	switch strings.TrimPrefix(strings.TrimPrefix(typ, "u"), "var") {
	case "int8":
		return 8
	case "int16":
		return 16
	case "int32", "uint32":
		return 32
	default:
		return 64
	}
}

func numberText(v any) string {
	switch n := v.(type) {
	case json.Number:
		return n.String()
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (c *abiCodec) decode(d *Decoder, typ string, path string) (any, error) {
	typ = c.resolve(typ)
	switch {
	case strings.HasSuffix(typ, "[]"):
		n, err := d.ReadVarUint32()
		if err != nil {
			return nil, fmt.Errorf("abi: %s: %w", path, err)
		}
		if int(n) > d.Remaining() {
			return nil, fmt.Errorf("abi: %s: %w", path, ErrShortBuffer)
		}
		elem := strings.TrimSuffix(typ, "[]")
		list := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := c.decode(d, elem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case strings.HasSuffix(typ, "?"):
		present, err := d.ReadBool()
		if err != nil {
			return nil, fmt.Errorf("abi: %s: %w", path, err)
		}
		if !present {
			return nil, nil
		}
		return c.decode(d, strings.TrimSuffix(typ, "?"), path)
	}
	if st, ok := c.structs[typ]; ok {
		m := make(map[string]any)
		if err := c.decodeStruct(d, st, m, path); err != nil {
			return nil, err
		}
		return m, nil
	}
	v, err := decodeBuiltin(d, typ)
	if err != nil {
		return nil, fmt.Errorf("abi: %s: %w", path, err)
	}
	return v, nil
}

func (c *abiCodec) decodeStruct(d *Decoder, st *ABIStruct, m map[string]any, path string) error {
	if st.Base != "" {
		base, ok := c.structs[c.resolve(st.Base)]
		if !ok {
			return fmt.Errorf("abi: %s: unknown base %q", path, st.Base)
		}
		if err := c.decodeStruct(d, base, m, path); err != nil {
			return err
		}
	}
	for _, f := range st.Fields {
		v, err := c.decode(d, f.Type, path+"."+f.Name)
		if err != nil {
			return err
		}
		m[f.Name] = v
	}
	return nil
}

func decodeBuiltin(d *Decoder, typ string) (any, error) {
	num := func(s string) json.Number { return json.Number(s) }
	switch typ {
	case "bool":
		return d.ReadBool()
	case "int8":
		v, err := d.ReadUint8()
		return num(strconv.FormatInt(int64(int8(v)), 10)), err
	case "int16":
		v, err := d.ReadUint16()
		return num(strconv.FormatInt(int64(int16(v)), 10)), err
	case "int32":
		v, err := d.ReadUint32()
		return num(strconv.FormatInt(int64(int32(v)), 10)), err
	case "int64":
		v, err := d.ReadUint64()
		return num(strconv.FormatInt(int64(v), 10)), err
	case "varint32":
		v, err := d.ReadVarInt32()
		return num(strconv.FormatInt(int64(v), 10)), err
	case "uint8":
		v, err := d.ReadUint8()
		return num(strconv.FormatUint(uint64(v), 10)), err
	case "uint16":
		v, err := d.ReadUint16()
		return num(strconv.FormatUint(uint64(v), 10)), err
	case "uint32":
		v, err := d.ReadUint32()
		return num(strconv.FormatUint(uint64(v), 10)), err
	case "uint64":
		v, err := d.ReadUint64()
		return num(strconv.FormatUint(v, 10)), err
	case "varuint32":
		v, err := d.ReadVarUint32()
		return num(strconv.FormatUint(uint64(v), 10)), err
	case "name":
		v, err := d.ReadName()
		return v.String(), err
	case "string":
		return d.ReadString()
	case "bytes":
		b, err := d.ReadBytes()
		return hex.EncodeToString(b), err
	case "checksum256":
		b, err := d.ReadRaw(32)
		return hex.EncodeToString(b), err
	case "public_key":
		t, err := d.ReadUint8()
		if err != nil {
			return nil, err
		}
		kt := signer.KeyType(t)
		if kt != signer.KeyTypeEd25519 && kt != signer.KeyTypeDilithium3 {
			return nil, fmt.Errorf("%w: %d", signer.ErrUnsupportedKey, t)
		}
		data, err := d.ReadRaw(kt.PublicKeySize())
		if err != nil {
			return nil, err
		}
		return signer.PublicKey{Type: kt, Data: data}.String(), nil
	case "time_point_sec":
		v, err := d.ReadUint32()
		return TimePointSec(v).Time().Format(timePointSecLayout), err
	case "symbol_code":
		v, err := d.ReadUint64()
		return SymbolCode(v).String(), err
	case "symbol":
		v, err := d.ReadUint64()
		return symbolFromRaw(v).String(), err
	case "asset":
		amount, err := d.ReadUint64()
		if err != nil {
			return nil, err
		}
		sym, err := d.ReadUint64()
		return Asset{Amount: int64(amount), Symbol: symbolFromRaw(sym)}.String(), err
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
}
