package node

import (
	"bytes"
	"testing"
)

func TestCompactRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 63, 64, 16_383, 16_384, 1<<30 - 1, 1 << 30, 1 << 40, 1<<64 - 1}
	for _, v := range values {
		encoded := compactEncode(v)
		decoded, consumed, err := compactDecode(encoded)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if decoded != v {
			t.Fatalf("round trip %d -> %d", v, decoded)
		}
		if consumed != len(encoded) {
			t.Fatalf("consumed %d of %d bytes for %d", consumed, len(encoded), v)
		}
	}
}

func TestCompactDecodeTruncated(t *testing.T) {
	inputs := [][]byte{
		{},
		{0b01},       // two-byte mode, one byte
		{0b10, 0, 0}, // four-byte mode, three bytes
		{0b11},       // big mode, no payload
	}
	for _, input := range inputs {
		if _, _, err := compactDecode(input); err == nil {
			t.Fatalf("expected error for % x", input)
		}
	}
}

func TestScaleBytes(t *testing.T) {
	payload := []byte("hello midnight")
	encoded := append(compactEncode(uint64(len(payload))), payload...)

	decoded, consumed, err := scaleBytes(encoded)
	if err != nil {
		t.Fatalf("scaleBytes: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("got %q, want %q", decoded, payload)
	}
	if consumed != len(encoded) {
		t.Fatalf("consumed = %d, want %d", consumed, len(encoded))
	}

	if _, _, err := scaleBytes(encoded[:3]); err == nil {
		t.Fatal("expected error for truncated vector")
	}
}
