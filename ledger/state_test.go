package ledger

import (
	"bytes"
	"testing"
)

const (
	testNetwork = "undeployed"
	pvV7        = ProtocolVersion(7_000)
	pvV8        = ProtocolVersion(8_000)
)

func addr(b byte) Bytes32 {
	var a Bytes32
	a[0] = b
	return a
}

func TestSerializeRoundTrip(t *testing.T) {
	for _, pv := range []ProtocolVersion{pvV7, pvV8} {
		t.Run(pv.String(), func(t *testing.T) {
			state, err := New(testNetwork, pv)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			// Give the state some content.
			tx := &Transaction{
				Kind: TxClaimRewards,
				Claim: &ClaimRewards{
					Owner: addr(1),
					Value: U128FromUint64(500),
					Nonce: addr(2),
				},
			}
			if _, err := state.ApplyRegularTransaction(tx.Encode(), ZeroHash, 1_000_000, 0); err != nil {
				t.Fatalf("apply: %v", err)
			}

			blob, err := state.Serialize()
			if err != nil {
				t.Fatalf("Serialize: %v", err)
			}
			restored, err := Deserialize(blob, pv)
			if err != nil {
				t.Fatalf("Deserialize: %v", err)
			}

			blob2, err := restored.Serialize()
			if err != nil {
				t.Fatalf("re-Serialize: %v", err)
			}
			if !bytes.Equal(blob, blob2) {
				t.Fatal("serialize/deserialize is not the identity")
			}
			if restored.ZswapMerkleTreeRoot() != state.ZswapMerkleTreeRoot() {
				t.Fatal("zswap root changed across round trip")
			}
		})
	}
}

func TestTranslate(t *testing.T) {
	state, err := New(testNetwork, pvV7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if state.Version() != LedgerV7 {
		t.Fatalf("version = %s, want V7", state.Version())
	}

	same, err := state.Translate(LedgerV7)
	if err != nil {
		t.Fatalf("V7 -> V7: %v", err)
	}
	if same.Version() != LedgerV7 {
		t.Fatal("V7 -> V7 changed the version")
	}

	upgraded, err := state.Translate(LedgerV8)
	if err != nil {
		t.Fatalf("V7 -> V8: %v", err)
	}
	if upgraded.Version() != LedgerV8 {
		t.Fatal("upgrade did not produce a V8 state")
	}

	if _, err := upgraded.Translate(LedgerV7); err == nil {
		t.Fatal("V8 -> V7 must be rejected")
	} else if !IsKind(err, ErrBackwardsTranslation) {
		t.Fatalf("error kind = %v, want BackwardsLedgerStateTranslation", err)
	}
}

func TestPersistLoad(t *testing.T) {
	InitArena(NewMemoryBackend())

	state, err := New(testNetwork, pvV8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tx := &Transaction{
		Kind:  TxClaimRewards,
		Claim: &ClaimRewards{Owner: addr(3), Value: U128FromUint64(7), Nonce: addr(4)},
	}
	if _, err := state.ApplyRegularTransaction(tx.Encode(), ZeroHash, 2_000_000, 1_000_000); err != nil {
		t.Fatalf("apply: %v", err)
	}

	key, err := state.Persist()
	if err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if key != state.ComputeStateRoot() {
		t.Fatal("Persist key differs from ComputeStateRoot")
	}
	if DefaultArena().GetRootCount(key) != 1 {
		t.Fatalf("root count = %d, want 1", DefaultArena().GetRootCount(key))
	}

	loaded, err := Load(key, pvV8)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ZswapMerkleTreeRoot() != state.ZswapMerkleTreeRoot() {
		t.Fatal("loaded state differs from persisted state")
	}

	// Persisting the same state again bumps the root count.
	if _, err := state.Persist(); err != nil {
		t.Fatalf("second Persist: %v", err)
	}
	if DefaultArena().GetRootCount(key) != 2 {
		t.Fatalf("root count = %d, want 2", DefaultArena().GetRootCount(key))
	}
}

func TestGenesisSettings(t *testing.T) {
	if _, err := WithGenesisSettings(testNetwork, pvV7, U128FromUint64(1), U128FromUint64(2), U128FromUint64(3)); err == nil {
		t.Fatal("genesis settings must be rejected for V7")
	}

	state, err := WithGenesisSettings(testNetwork, pvV8, U128FromUint64(1), U128FromUint64(2), U128FromUint64(3))
	if err != nil {
		t.Fatalf("WithGenesisSettings: %v", err)
	}

	blob, err := state.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	// from_genesis round trip preserves the pools.
	restored, err := FromGenesis(blob, pvV8)
	if err != nil {
		t.Fatalf("FromGenesis: %v", err)
	}
	if restored.treasury != state.treasury || restored.reservePool != state.reservePool {
		t.Fatal("genesis pools lost in round trip")
	}

	if _, err := FromGenesis(blob, pvV7); err == nil {
		t.Fatal("FromGenesis must be rejected for V7")
	}
}

func TestReplayFromSnapshotEqualsFromGenesis(t *testing.T) {
	txs := [][]byte{
		(&Transaction{Kind: TxClaimRewards, Claim: &ClaimRewards{Owner: addr(1), Value: U128FromUint64(10), Nonce: addr(9)}}).Encode(),
		(&Transaction{Kind: TxStandard, GuaranteedZswapOutputs: []Bytes32{addr(5), addr(6)}, Intents: map[uint16]*Intent{}}).Encode(),
		(&Transaction{Kind: TxStandard, GuaranteedZswapOutputs: []Bytes32{addr(7)}, Intents: map[uint16]*Intent{}}).Encode(),
	}

	run := func(from int, base *State) *State {
		state := base
		for i := from; i < len(txs); i++ {
			ts := uint64(1_000_000 * (i + 1))
			if _, err := state.ApplyRegularTransaction(txs[i], ZeroHash, ts, ts-1_000_000); err != nil {
				t.Fatalf("apply tx %d: %v", i, err)
			}
			if _, err := state.FinalizeApplyTransactions(ts); err != nil {
				t.Fatalf("finalize %d: %v", i, err)
			}
		}
		return state
	}

	fresh := func() *State {
		s, err := New(testNetwork, pvV8)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	}

	full := run(0, fresh())

	// Snapshot after the first transaction, then resume from it.
	snapshotted := runPrefix(t, fresh(), txs[:1])
	blob, err := snapshotted.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	resumed, err := Deserialize(blob, pvV8)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	resumed = runTail(t, resumed, txs, 1)

	if full.ZswapMerkleTreeRoot() != resumed.ZswapMerkleTreeRoot() {
		t.Fatal("replay from snapshot diverged from replay from genesis")
	}
}

func runPrefix(t *testing.T, state *State, txs [][]byte) *State {
	t.Helper()
	for i, raw := range txs {
		ts := uint64(1_000_000 * (i + 1))
		if _, err := state.ApplyRegularTransaction(raw, ZeroHash, ts, ts-1_000_000); err != nil {
			t.Fatalf("apply tx %d: %v", i, err)
		}
		if _, err := state.FinalizeApplyTransactions(ts); err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
	}
	return state
}

func runTail(t *testing.T, state *State, txs [][]byte, from int) *State {
	t.Helper()
	for i := from; i < len(txs); i++ {
		ts := uint64(1_000_000 * (i + 1))
		if _, err := state.ApplyRegularTransaction(txs[i], ZeroHash, ts, ts-1_000_000); err != nil {
			t.Fatalf("apply tx %d: %v", i, err)
		}
		if _, err := state.FinalizeApplyTransactions(ts); err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
	}
	return state
}
