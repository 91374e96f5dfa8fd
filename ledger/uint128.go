package ledger

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Uint128 holds a 128-bit token amount. Amounts are stored in the database as
// 16-byte big-endian blobs so that byte order equals numeric order.
type Uint128 struct {
	Hi uint64
	Lo uint64
}

func U128FromUint64(v uint64) Uint128 {
	return Uint128{Lo: v}
}

// U128FromBytes decodes a 16-byte big-endian amount.
func U128FromBytes(b []byte) (Uint128, error) {
	if len(b) != 16 {
		return Uint128{}, fmt.Errorf("expected 16 bytes, got %d", len(b))
	}
	return Uint128{
		Hi: binary.BigEndian.Uint64(b[:8]),
		Lo: binary.BigEndian.Uint64(b[8:]),
	}, nil
}

// Bytes returns the 16-byte big-endian encoding.
func (u Uint128) Bytes() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], u.Hi)
	binary.BigEndian.PutUint64(b[8:], u.Lo)
	return b
}

// Add returns u+v, wrapping on overflow like the ledger's native arithmetic.
func (u Uint128) Add(v Uint128) Uint128 {
	lo := u.Lo + v.Lo
	hi := u.Hi + v.Hi
	if lo < u.Lo {
		hi++
	}
	return Uint128{Hi: hi, Lo: lo}
}

// Cmp returns -1, 0 or 1.
func (u Uint128) Cmp(v Uint128) int {
	switch {
	case u.Hi < v.Hi:
		return -1
	case u.Hi > v.Hi:
		return 1
	case u.Lo < v.Lo:
		return -1
	case u.Lo > v.Lo:
		return 1
	default:
		return 0
	}
}

func (u Uint128) IsZero() bool {
	return u.Hi == 0 && u.Lo == 0
}

func (u Uint128) String() string {
	v := new(big.Int).SetUint64(u.Hi)
	v.Lsh(v, 64)
	v.Add(v, new(big.Int).SetUint64(u.Lo))
	return v.String()
}

// MarshalText encodes as a decimal string, for JSON columns and API payloads.
func (u Uint128) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Uint128) UnmarshalText(text []byte) error {
	v, ok := new(big.Int).SetString(string(text), 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 128 {
		return fmt.Errorf("invalid uint128 %q", text)
	}
	lo := new(big.Int).And(v, new(big.Int).SetUint64(^uint64(0)))
	hi := new(big.Int).Rsh(v, 64)
	u.Lo = lo.Uint64()
	u.Hi = hi.Uint64()
	return nil
}
