package storage

import (
	"context"
	"testing"

	"github.com/containerman17/midnight-indexer/ledger"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func b32(b byte) ledger.Bytes32 {
	var v ledger.Bytes32
	v[0] = b
	return v
}

func testBlock(height uint32, hash, parent byte) *Block {
	return &Block{
		Hash:            b32(hash),
		Height:          height,
		ProtocolVersion: 8_000,
		ParentHash:      b32(parent),
		TimestampMs:     1_000_000 + uint64(height)*6_000,
		ZswapStateRoot:  []byte{0xAA},
	}
}

func u64ptr(v uint64) *uint64 {
	return &v
}

func TestSaveBlockAssignsMonotoneIDs(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	block := testBlock(0, 1, 0)
	transactions := []*Transaction{
		{Variant: VariantRegular, Hash: b32(0x10), ProtocolVersion: 8_000, Raw: []byte{1}},
		{Variant: VariantSystem, Hash: b32(0x11), ProtocolVersion: 8_000, Raw: []byte{2}},
	}
	maxID, err := store.SaveBlock(ctx, block, transactions, nil, nil, nil)
	if err != nil {
		t.Fatalf("save block: %v", err)
	}
	if transactions[0].ID >= transactions[1].ID {
		t.Fatalf("ids not monotone: %d, %d", transactions[0].ID, transactions[1].ID)
	}
	if maxID != transactions[1].ID {
		t.Fatalf("max id = %d, want %d", maxID, transactions[1].ID)
	}

	info, err := store.GetHighestBlockInfo(ctx)
	if err != nil {
		t.Fatalf("highest block: %v", err)
	}
	if info == nil || info.Height != 0 || info.Hash != block.Hash {
		t.Fatalf("highest block = %+v", info)
	}

	count, err := store.GetTransactionCount(ctx)
	if err != nil || count != 2 {
		t.Fatalf("transaction count = %d (%v), want 2", count, err)
	}
}

func TestUnshieldedSpendIdempotence(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	owner := b32(0x20)
	utxo := ledger.UnshieldedUtxo{
		Owner:       owner,
		TokenType:   ledger.Bytes32{},
		Value:       ledger.U128FromUint64(100),
		IntentHash:  b32(0x30),
		OutputIndex: 0,
		Ctime:       u64ptr(1_000),
	}

	// Block 0 creates the UTXO.
	createTx := &Transaction{
		Variant: VariantRegular, Hash: b32(0x40), ProtocolVersion: 8_000, Raw: []byte{1},
		CreatedUnshieldedUtxos: []ledger.UnshieldedUtxo{utxo},
	}
	if _, err := store.SaveBlock(ctx, testBlock(0, 1, 0), []*Transaction{createTx}, nil, nil, nil); err != nil {
		t.Fatalf("save create block: %v", err)
	}

	// Block 1 spends it.
	spendTx := &Transaction{
		Variant: VariantRegular, Hash: b32(0x41), ProtocolVersion: 8_000, Raw: []byte{2},
		SpentUnshieldedUtxos: []ledger.UnshieldedUtxo{utxo},
	}
	if _, err := store.SaveBlock(ctx, testBlock(1, 2, 1), []*Transaction{spendTx}, nil, nil, nil); err != nil {
		t.Fatalf("save spend block: %v", err)
	}

	rows, err := store.GetUnshieldedUtxosByOwner(ctx, owner)
	if err != nil {
		t.Fatalf("get utxos: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 (uniqueness of intent_hash/output_index)", len(rows))
	}
	if rows[0].SpendingTransactionID == nil {
		t.Fatal("spend not recorded")
	}
	firstSpender := *rows[0].SpendingTransactionID

	// Replaying the spend (different transaction id) must not change the
	// original spender.
	replayTx := &Transaction{
		Variant: VariantRegular, Hash: b32(0x41), ProtocolVersion: 8_000, Raw: []byte{2},
		SpentUnshieldedUtxos: []ledger.UnshieldedUtxo{utxo},
	}
	if _, err := store.SaveBlock(ctx, testBlock(2, 3, 2), []*Transaction{replayTx}, nil, nil, nil); err != nil {
		t.Fatalf("save replay block: %v", err)
	}

	rows, err = store.GetUnshieldedUtxosByOwner(ctx, owner)
	if err != nil {
		t.Fatalf("get utxos after replay: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows after replay = %d, want 1", len(rows))
	}
	if *rows[0].SpendingTransactionID != firstSpender {
		t.Fatalf("spender changed: %d -> %d", firstSpender, *rows[0].SpendingTransactionID)
	}
}

func TestSystemParametersChangeOnlyOnChange(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	d, err := store.GetLatestDParameter(ctx)
	if err != nil || d != nil {
		t.Fatalf("fresh db: %v %v", d, err)
	}

	change := &SystemParametersChange{
		BlockHeight: 5,
		BlockHash:   b32(1),
		TimestampMs: 1_000,
		DParameter:  &DParameter{NumPermissionedCandidates: 3, NumRegisteredCandidates: 7},
	}
	if err := store.SaveSystemParametersChange(ctx, change); err != nil {
		t.Fatalf("save change: %v", err)
	}

	d, err = store.GetLatestDParameter(ctx)
	if err != nil || d == nil || d.NumRegisteredCandidates != 7 {
		t.Fatalf("latest d-parameter = %+v (%v)", d, err)
	}

	history, err := store.GetDParameterHistory(ctx)
	if err != nil || len(history) != 1 {
		t.Fatalf("history = %d (%v), want 1", len(history), err)
	}

	tc, err := store.GetLatestTermsAndConditions(ctx)
	if err != nil || tc != nil {
		t.Fatalf("terms and conditions should be empty: %+v (%v)", tc, err)
	}
}

func dustCreateEvent(commitment, owner ledger.Bytes32, generationIndex uint64) ledger.DustEvent {
	output := &ledger.QualifiedDustOutput{
		InitialValue: ledger.U128FromUint64(1_000),
		Owner:        owner,
		Nonce:        commitment,
		Ctime:        100,
	}
	generation := &ledger.DustGenerationInfo{
		Value:       ledger.U128FromUint64(1_000),
		Owner:       owner,
		Nonce:       commitment,
		Ctime:       100,
		Dtime:       ledger.DtimeUnspent,
		MerkleIndex: generationIndex,
	}
	return ledger.DustEvent{
		TransactionHash: b32(0x50),
		Details: ledger.DustEventDetails{
			Kind:            ledger.EventDustInitialUtxo,
			Output:          output,
			Generation:      generation,
			GenerationIndex: generationIndex,
		},
	}
}

func dustSpendEvent(commitment, nullifier ledger.Bytes32) ledger.DustEvent {
	vFee := ledger.U128FromUint64(1)
	c := commitment
	n := nullifier
	return ledger.DustEvent{
		TransactionHash: b32(0x51),
		Details: ledger.DustEventDetails{
			Kind:       ledger.EventDustSpendProcessed,
			Commitment: &c,
			Nullifier:  &n,
			VFee:       &vFee,
			Time:       200,
		},
	}
}

func TestDustUtxoLifecycle(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	owner := b32(0x60)
	commitment := b32(0x61)

	createTx := &Transaction{
		Variant: VariantSystem, Hash: b32(0x50), ProtocolVersion: 8_000, Raw: []byte{1},
		DustEvents: []ledger.DustEvent{dustCreateEvent(commitment, owner, 0)},
	}
	if _, err := store.SaveBlock(ctx, testBlock(0, 1, 0), []*Transaction{createTx}, nil, nil, nil); err != nil {
		t.Fatalf("save create: %v", err)
	}

	utxos, err := store.GetDustUtxosByOwner(ctx, owner)
	if err != nil || len(utxos) != 1 {
		t.Fatalf("utxos = %d (%v), want 1", len(utxos), err)
	}
	// Unspent: nullifier and spent_at are both null.
	if utxos[0].Nullifier != nil || utxos[0].SpentAtTransactionID != nil {
		t.Fatal("fresh dust utxo must be unspent")
	}
	// The u64 max dtime sentinel maps to a NULL dtime.
	generations, err := store.GetDustGenerationsByOwner(ctx, owner)
	if err != nil || len(generations) != 1 {
		t.Fatalf("generations = %d (%v), want 1", len(generations), err)
	}
	if generations[0].Dtime != nil {
		t.Fatal("unspent generation must have NULL dtime")
	}

	nullifier := b32(0x62)
	spendTx := &Transaction{
		Variant: VariantRegular, Hash: b32(0x51), ProtocolVersion: 8_000, Raw: []byte{2},
		DustEvents: []ledger.DustEvent{dustSpendEvent(commitment, nullifier)},
	}
	if _, err := store.SaveBlock(ctx, testBlock(1, 2, 1), []*Transaction{spendTx}, nil, nil, nil); err != nil {
		t.Fatalf("save spend: %v", err)
	}

	utxos, err = store.GetDustUtxosByOwner(ctx, owner)
	if err != nil || len(utxos) != 1 {
		t.Fatalf("utxos after spend = %d (%v)", len(utxos), err)
	}
	// Spent: nullifier set iff spent_at set.
	if utxos[0].Nullifier == nil || utxos[0].SpentAtTransactionID == nil {
		t.Fatal("spent dust utxo must carry nullifier and spender")
	}
	if *utxos[0].Nullifier != nullifier {
		t.Fatal("wrong nullifier")
	}
}

func TestNullifierPrefixSearch(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	owner := b32(0x70)
	commitment := b32(0x71)
	var nullifier ledger.Bytes32
	copy(nullifier[:], []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04})

	createTx := &Transaction{
		Variant: VariantSystem, Hash: b32(0x50), ProtocolVersion: 8_000, Raw: []byte{1},
		DustEvents: []ledger.DustEvent{dustCreateEvent(commitment, owner, 0)},
	}
	spendTx := &Transaction{
		Variant: VariantRegular, Hash: b32(0x51), ProtocolVersion: 8_000, Raw: []byte{2},
		DustEvents: []ledger.DustEvent{dustSpendEvent(commitment, nullifier)},
	}
	if _, err := store.SaveBlock(ctx, testBlock(0, 1, 0), []*Transaction{createTx}, nil, nil, nil); err != nil {
		t.Fatalf("save create: %v", err)
	}
	if _, err := store.SaveBlock(ctx, testBlock(1, 2, 1), []*Transaction{spendTx}, nil, nil, nil); err != nil {
		t.Fatalf("save spend: %v", err)
	}

	// A prefix below the minimum hex length matches nothing.
	short := [][]byte{{0xDE, 0xAD}}
	matches, err := store.GetDustNullifierTransactions(ctx, short, 0, 0, 10)
	if err != nil {
		t.Fatalf("short prefix: %v", err)
	}
	if len(matches) != 0 {
		t.Fatal("short prefix must be ignored")
	}

	// A 4-byte (8 hex chars) prefix matches.
	full := [][]byte{{0xDE, 0xAD, 0xBE, 0xEF}}
	matches, err = store.GetDustNullifierTransactions(ctx, full, 0, 0, 10)
	if err != nil {
		t.Fatalf("prefix search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].Nullifier != nullifier {
		t.Fatal("wrong nullifier matched")
	}

	count, err := store.CountNullifierMatches(ctx, full)
	if err != nil || count != 1 {
		t.Fatalf("matched count = %d (%v), want 1", count, err)
	}

	// A wrong prefix of sufficient length matches nothing.
	wrong := [][]byte{{0xDE, 0xAD, 0xBE, 0xAA}}
	matches, err = store.GetDustNullifierTransactions(ctx, wrong, 0, 0, 10)
	if err != nil || len(matches) != 0 {
		t.Fatalf("wrong prefix matched %d (%v)", len(matches), err)
	}
}

func TestGetBlockTransactionsForReplay(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	b0 := testBlock(0, 1, 0)
	if _, err := store.SaveBlock(ctx, b0, []*Transaction{
		{Variant: VariantRegular, Hash: b32(0x80), ProtocolVersion: 8_000, Raw: []byte{0xA}},
	}, nil, nil, nil); err != nil {
		t.Fatalf("save block 0: %v", err)
	}
	b1 := testBlock(1, 2, 1)
	if _, err := store.SaveBlock(ctx, b1, []*Transaction{
		{Variant: VariantSystem, Hash: b32(0x81), ProtocolVersion: 8_000, Raw: []byte{0xB}},
		{Variant: VariantRegular, Hash: b32(0x82), ProtocolVersion: 8_000, Raw: []byte{0xC}},
	}, nil, nil, nil); err != nil {
		t.Fatalf("save block 1: %v", err)
	}

	bt, err := store.GetBlockTransactions(ctx, 1)
	if err != nil {
		t.Fatalf("get block transactions: %v", err)
	}
	if bt.BlockParentHash != b1.ParentHash {
		t.Fatal("wrong parent hash")
	}
	if bt.BlockTimestampMs != b1.TimestampMs || bt.ParentTimestampMs != b0.TimestampMs {
		t.Fatalf("timestamps = %d/%d", bt.BlockTimestampMs, bt.ParentTimestampMs)
	}
	if len(bt.Transactions) != 2 {
		t.Fatalf("transactions = %d, want 2", len(bt.Transactions))
	}
	// Node order is preserved.
	if bt.Transactions[0].Variant != VariantSystem || bt.Transactions[1].Variant != VariantRegular {
		t.Fatal("transaction order lost")
	}
}

func TestLedgerStateSingleton(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	if row, err := store.GetLedgerState(ctx); err != nil || row != nil {
		t.Fatalf("fresh db: %+v (%v)", row, err)
	}

	if err := store.SaveLedgerState(ctx, &LedgerStateRow{Blob: []byte{1}, BlockHeight: 5, ProtocolVersion: 8_000}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveLedgerState(ctx, &LedgerStateRow{Blob: []byte{2}, BlockHeight: 9, ProtocolVersion: 8_000}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	row, err := store.GetLedgerState(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.BlockHeight != 9 || row.Blob[0] != 2 {
		t.Fatalf("row = %+v, want the latest write", row)
	}
}

func TestContractActionsAndBalances(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	address := b32(0x90)
	tx := &Transaction{
		Variant: VariantRegular, Hash: b32(0x91), ProtocolVersion: 8_000, Raw: []byte{1},
		ContractActions: []ContractAction{{
			Address:    address,
			Variant:    ledger.ContractDeploy,
			Attributes: []byte(`{"entry_point":"init"}`),
			Balances: []ledger.ContractBalance{
				{TokenType: ledger.Bytes32{}, Amount: ledger.U128FromUint64(42)},
			},
		}},
	}
	if _, err := store.SaveBlock(ctx, testBlock(0, 1, 0), []*Transaction{tx}, nil, nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	action, err := store.GetLatestContractAction(ctx, address)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if action == nil || action.Variant != ledger.ContractDeploy {
		t.Fatalf("action = %+v", action)
	}
	if len(action.Balances) != 1 || action.Balances[0].Amount.Cmp(ledger.U128FromUint64(42)) != 0 {
		t.Fatalf("balances = %+v", action.Balances)
	}

	deploys, calls, updates, err := store.GetContractActionCounts(ctx)
	if err != nil || deploys != 1 || calls != 0 || updates != 0 {
		t.Fatalf("counts = %d/%d/%d (%v)", deploys, calls, updates, err)
	}
}
