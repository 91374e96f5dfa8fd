package ledger

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// The ledger wire format is a plain tagged binary encoding: fixed-width
// big-endian integers, length-prefixed byte strings, and map entries written
// in ascending key order so that serialization is deterministic.

type encoder struct {
	buf []byte
}

func newEncoder() *encoder {
	return &encoder{buf: make([]byte, 0, 256)}
}

func (e *encoder) bytes() []byte {
	return e.buf
}

func (e *encoder) writeU8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) writeBool(v bool) {
	if v {
		e.writeU8(1)
	} else {
		e.writeU8(0)
	}
}

func (e *encoder) writeU16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) writeU32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) writeU64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *encoder) writeU128(v Uint128) {
	e.buf = append(e.buf, v.Bytes()...)
}

func (e *encoder) writeBytes32(v Bytes32) {
	e.buf = append(e.buf, v[:]...)
}

func (e *encoder) writeBytes(v []byte) {
	e.writeU32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

type decoder struct {
	buf []byte
	off int
	err error
}

func newDecoder(buf []byte) *decoder {
	return &decoder{buf: buf}
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("truncated input reading %s at offset %d", what, d.off)
	}
}

func (d *decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.fail(what)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) readU8(what string) uint8 {
	b := d.take(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) readBool(what string) bool {
	return d.readU8(what) != 0
}

func (d *decoder) readU16(what string) uint16 {
	b := d.take(2, what)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) readU32(what string) uint32 {
	b := d.take(4, what)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) readU64(what string) uint64 {
	b := d.take(8, what)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) readU128(what string) Uint128 {
	b := d.take(16, what)
	if b == nil {
		return Uint128{}
	}
	v, _ := U128FromBytes(b)
	return v
}

func (d *decoder) readBytes32(what string) Bytes32 {
	var v Bytes32
	b := d.take(32, what)
	if b != nil {
		copy(v[:], b)
	}
	return v
}

func (d *decoder) readBytes(what string) []byte {
	n := d.readU32(what)
	if d.err != nil {
		return nil
	}
	if int(n) > len(d.buf)-d.off {
		d.fail(what)
		return nil
	}
	b := d.take(int(n), what)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

// sortedSegments returns map keys in ascending order for deterministic output.
func sortedSegments[V any](m map[uint16]V) []uint16 {
	keys := make([]uint16, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func sortedBytes32Keys[V any](m map[Bytes32]V) []Bytes32 {
	keys := make([]Bytes32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return string(keys[i][:]) < string(keys[j][:])
	})
	return keys
}
