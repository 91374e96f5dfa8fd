// Package api serves the read model: point queries over HTTP and streaming
// subscriptions over WebSocket, each merging data batches with periodic
// progress frames.
package api

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/blake2b"
)

// Viewing keys are Bech32m-encoded with network-dependent HRPs:
// mn_shield-esk for mainnet, mn_shield-esk_<network> otherwise.
const viewingKeyHRP = "mn_shield-esk"

// ClientError marks malformed input or unknown entities; everything else is
// a server error.
type ClientError struct {
	msg string
}

func (e *ClientError) Error() string {
	return e.msg
}

func clientErrorf(format string, args ...any) error {
	return &ClientError{msg: fmt.Sprintf(format, args...)}
}

// DecodeViewingKey validates a Bech32m viewing key for the given network
// and returns the raw key bytes.
func DecodeViewingKey(encoded, networkID string) ([]byte, error) {
	hrp, data, version, err := bech32.DecodeGeneric(encoded)
	if err != nil {
		return nil, clientErrorf("invalid viewing key: %v", err)
	}
	if version != bech32.VersionM {
		return nil, clientErrorf("viewing key must be bech32m encoded")
	}

	expected := viewingKeyHRP
	if networkID != "" && networkID != "mainnet" {
		expected = viewingKeyHRP + "_" + networkID
	}
	if !strings.EqualFold(hrp, expected) {
		return nil, clientErrorf("viewing key HRP %q does not match network %q", hrp, networkID)
	}

	key, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, clientErrorf("invalid viewing key payload: %v", err)
	}
	return key, nil
}

// SessionID derives the opaque session id from a viewing key. The
// derivation is deterministic so reconnecting with the same key addresses
// the same subscriber without exposing the key.
func SessionID(viewingKey []byte) string {
	sum := blake2b.Sum256(viewingKey)
	return hex.EncodeToString(sum[:])
}

// Sessions is the in-memory session table.
type Sessions struct {
	mu        sync.RWMutex
	networkID string
	byID      map[string][]byte
}

func NewSessions(networkID string) *Sessions {
	return &Sessions{
		networkID: networkID,
		byID:      make(map[string][]byte),
	}
}

// Connect registers a viewing key and returns its session id.
func (s *Sessions) Connect(viewingKeyBech32 string) (string, error) {
	key, err := DecodeViewingKey(viewingKeyBech32, s.networkID)
	if err != nil {
		return "", err
	}
	id := SessionID(key)
	s.mu.Lock()
	s.byID[id] = key
	s.mu.Unlock()
	return id, nil
}

// Disconnect removes a session. Unknown ids are a client error.
func (s *Sessions) Disconnect(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return clientErrorf("unknown session %q", id)
	}
	delete(s.byID, id)
	return nil
}

// Valid reports whether a session id is connected.
func (s *Sessions) Valid(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}
