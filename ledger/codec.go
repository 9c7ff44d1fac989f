package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Encoder appends the ledger's little-endian binary serialization.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) WriteUint8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) WriteUint16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *Encoder) WriteUint32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *Encoder) WriteUint64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *Encoder) WriteRaw(b []byte)    { e.buf = append(e.buf, b...) }
func (e *Encoder) WriteName(n Name)     { e.WriteUint64(uint64(n)) }

func (e *Encoder) WriteBool(v bool) {
	if v {
		e.WriteUint8(1)
	} else {
		e.WriteUint8(0)
	}
}

// WriteVarUint32 writes v as LEB128.
func (e *Encoder) WriteVarUint32(v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		e.buf = append(e.buf, b)
		if v == 0 {
			return
		}
	}
}

// WriteVarInt32 writes v zigzag-encoded.
func (e *Encoder) WriteVarInt32(v int32) {
	e.WriteVarUint32(uint32((v << 1) ^ (v >> 31)))
}

func (e *Encoder) WriteBytes(b []byte) {
	e.WriteVarUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteString(s string) { e.WriteBytes([]byte(s)) }

// ErrShortBuffer is returned when a decoder runs out of input.
var ErrShortBuffer = errors.New("ledger: unexpected end of data")

// Decoder reads the ledger's binary serialization.
type Decoder struct {
	data []byte
	pos  int
}

func NewDecoder(data []byte) *Decoder { return &Decoder{data: data} }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.data) - d.pos }

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) ReadUint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.ReadUint8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("ledger: invalid bool byte 0x%02x", b)
	}
}

func (d *Decoder) ReadUint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Decoder) ReadUint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) ReadUint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *Decoder) ReadName() (Name, error) {
	v, err := d.ReadUint64()
	return Name(v), err
}

func (d *Decoder) ReadVarUint32() (uint32, error) {
	var v uint64
	for shift := uint(0); shift < 35; shift += 7 {
		b, err := d.ReadUint8()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			if v > math.MaxUint32 {
				return 0, errors.New("ledger: varuint32 overflow")
			}
			return uint32(v), nil
		}
	}
	return 0, errors.New("ledger: varuint32 too long")
}

func (d *Decoder) ReadVarInt32() (int32, error) {
	u, err := d.ReadVarUint32()
	if err != nil {
		return 0, err
	}
	return int32(u>>1) ^ -int32(u&1), nil
}

func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadVarUint32()
	if err != nil {
		return nil, err
	}
	b, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (d *Decoder) ReadRaw(n int) ([]byte, error) {
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	return string(b), err
}
