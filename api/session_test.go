package api

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

func encodeViewingKey(t *testing.T, hrp string, key []byte) string {
	t.Helper()
	converted, err := bech32.ConvertBits(key, 8, 5, true)
	if err != nil {
		t.Fatalf("convert bits: %v", err)
	}
	encoded, err := bech32.EncodeM(hrp, converted)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return encoded
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestDecodeViewingKey(t *testing.T) {
	key := testKey()

	encoded := encodeViewingKey(t, "mn_shield-esk_undeployed", key)
	decoded, err := DecodeViewingKey(encoded, "undeployed")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(key) {
		t.Fatalf("key length = %d, want %d", len(decoded), len(key))
	}
	for i := range key {
		if decoded[i] != key[i] {
			t.Fatal("key bytes corrupted")
		}
	}

	// Mainnet keys carry no network suffix.
	mainnet := encodeViewingKey(t, "mn_shield-esk", key)
	if _, err := DecodeViewingKey(mainnet, "mainnet"); err != nil {
		t.Fatalf("mainnet decode: %v", err)
	}
}

func TestDecodeViewingKeyRejections(t *testing.T) {
	key := testKey()

	tests := []struct {
		name    string
		encoded string
		network string
	}{
		{"wrong network", encodeViewingKey(t, "mn_shield-esk_testnet", key), "undeployed"},
		{"wrong hrp", encodeViewingKey(t, "mn_addr_undeployed", key), "undeployed"},
		{"garbage", "not-a-key", "undeployed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeViewingKey(tt.encoded, tt.network)
			if err == nil {
				t.Fatal("expected error")
			}
			if _, ok := err.(*ClientError); !ok {
				t.Fatalf("error type = %T, want ClientError", err)
			}
		})
	}
}

func TestSessionIDDeterministic(t *testing.T) {
	key := testKey()
	if SessionID(key) != SessionID(key) {
		t.Fatal("session id not deterministic")
	}
	other := testKey()
	other[0] ^= 1
	if SessionID(key) == SessionID(other) {
		t.Fatal("different keys produced the same session id")
	}
	if len(SessionID(key)) != 64 {
		t.Fatalf("session id length = %d, want 64 hex chars", len(SessionID(key)))
	}
}

func TestSessionsConnectDisconnect(t *testing.T) {
	sessions := NewSessions("undeployed")
	encoded := encodeViewingKey(t, "mn_shield-esk_undeployed", testKey())

	id, err := sessions.Connect(encoded)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !sessions.Valid(id) {
		t.Fatal("session not valid after connect")
	}

	// Reconnecting with the same key yields the same id.
	id2, err := sessions.Connect(encoded)
	if err != nil || id2 != id {
		t.Fatalf("reconnect id = %s (%v), want %s", id2, err, id)
	}

	if err := sessions.Disconnect(id); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if sessions.Valid(id) {
		t.Fatal("session valid after disconnect")
	}
	if err := sessions.Disconnect(id); err == nil {
		t.Fatal("double disconnect must fail")
	}
}
