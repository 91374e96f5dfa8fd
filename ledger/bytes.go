package ledger

import (
	"encoding/hex"
	"fmt"
)

// Bytes32 is a fixed 32-byte value: hashes, addresses, nonces, commitments.
type Bytes32 [32]byte

// ZeroHash is the parent hash of the genesis block.
var ZeroHash = Bytes32{}

func (b Bytes32) String() string {
	return hex.EncodeToString(b[:])
}

func (b Bytes32) IsZero() bool {
	return b == Bytes32{}
}

// MarshalText encodes as lowercase hex, for JSON columns and API payloads.
func (b Bytes32) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b[:])), nil
}

func (b *Bytes32) UnmarshalText(text []byte) error {
	v, err := Bytes32FromHex(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// Bytes32FromSlice converts a slice into a Bytes32, failing on wrong length.
func Bytes32FromSlice(s []byte) (Bytes32, error) {
	var b Bytes32
	if len(s) != 32 {
		return b, fmt.Errorf("expected 32 bytes, got %d", len(s))
	}
	copy(b[:], s)
	return b, nil
}

// Bytes32FromHex parses a hex string (with or without 0x prefix) into a Bytes32.
func Bytes32FromHex(s string) (Bytes32, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Bytes32{}, err
	}
	return Bytes32FromSlice(raw)
}
