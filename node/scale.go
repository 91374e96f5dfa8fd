package node

import (
	"encoding/binary"
	"fmt"
)

// Minimal SCALE helpers: the adapter only needs the compact integer
// encoding, length-prefixed byte vectors and fixed-width integers to take
// apart headers, digests and extrinsics.

// compactDecode reads a SCALE compact unsigned integer, returning the value
// and the number of bytes consumed.
func compactDecode(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("empty compact")
	}
	switch b[0] & 0b11 {
	case 0b00:
		return uint64(b[0] >> 2), 1, nil
	case 0b01:
		if len(b) < 2 {
			return 0, 0, fmt.Errorf("truncated two-byte compact")
		}
		return uint64(binary.LittleEndian.Uint16(b[:2]) >> 2), 2, nil
	case 0b10:
		if len(b) < 4 {
			return 0, 0, fmt.Errorf("truncated four-byte compact")
		}
		return uint64(binary.LittleEndian.Uint32(b[:4]) >> 2), 4, nil
	default:
		n := int(b[0]>>2) + 4
		if n > 8 {
			return 0, 0, fmt.Errorf("compact too large (%d bytes)", n)
		}
		if len(b) < 1+n {
			return 0, 0, fmt.Errorf("truncated big compact")
		}
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[1+i])
		}
		return v, 1 + n, nil
	}
}

// compactEncode writes a SCALE compact unsigned integer.
func compactEncode(v uint64) []byte {
	switch {
	case v < 1<<6:
		return []byte{byte(v) << 2}
	case v < 1<<14:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v)<<2|0b01)
		return b[:]
	case v < 1<<30:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v)<<2|0b10)
		return b[:]
	default:
		var payload [8]byte
		binary.LittleEndian.PutUint64(payload[:], v)
		n := 8
		for n > 4 && payload[n-1] == 0 {
			n--
		}
		out := make([]byte, 0, 1+n)
		out = append(out, byte(n-4)<<2|0b11)
		return append(out, payload[:n]...)
	}
}

// scaleBytes reads a compact-length-prefixed byte vector.
func scaleBytes(b []byte) ([]byte, int, error) {
	length, consumed, err := compactDecode(b)
	if err != nil {
		return nil, 0, err
	}
	end := consumed + int(length)
	if end > len(b) {
		return nil, 0, fmt.Errorf("truncated byte vector")
	}
	return b[consumed:end], end, nil
}
