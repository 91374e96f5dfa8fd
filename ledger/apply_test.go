package ledger

import (
	"testing"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	state, err := New(testNetwork, pvV8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return state
}

// fundState creates a spendable UTXO via a ClaimRewards transaction and
// returns the spend referencing it.
func fundState(t *testing.T, state *State, owner Bytes32, value uint64) Spend {
	t.Helper()
	claim := &Transaction{
		Kind:  TxClaimRewards,
		Claim: &ClaimRewards{Owner: owner, Value: U128FromUint64(value), Nonce: addr(0x42)},
	}
	outcome, err := state.ApplyRegularTransaction(claim.Encode(), ZeroHash, 1_000_000, 0)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if len(outcome.CreatedUnshieldedUtxos) != 1 {
		t.Fatalf("fund created %d utxos, want 1", len(outcome.CreatedUnshieldedUtxos))
	}
	utxo := outcome.CreatedUnshieldedUtxos[0]
	return Spend{
		IntentHash: utxo.IntentHash,
		OutputNo:   utxo.OutputIndex,
		Owner:      utxo.Owner,
		TokenType:  utxo.TokenType,
		Value:      utxo.Value,
	}
}

func TestClaimRewardsDerivation(t *testing.T) {
	state := newTestState(t)
	owner := addr(0x11)
	claim := &Transaction{
		Kind:  TxClaimRewards,
		Claim: &ClaimRewards{Owner: owner, Value: U128FromUint64(1_000), Nonce: addr(0x22)},
	}

	outcome, err := state.ApplyRegularTransaction(claim.Encode(), ZeroHash, 5_000_000, 4_000_000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.TransactionResult.Status != ResultSuccess {
		t.Fatalf("status = %s, want Success", outcome.TransactionResult.Status)
	}
	if len(outcome.CreatedUnshieldedUtxos) != 1 || len(outcome.SpentUnshieldedUtxos) != 0 {
		t.Fatalf("created=%d spent=%d, want 1/0",
			len(outcome.CreatedUnshieldedUtxos), len(outcome.SpentUnshieldedUtxos))
	}

	utxo := outcome.CreatedUnshieldedUtxos[0]
	if utxo.Owner != owner {
		t.Fatal("wrong owner")
	}
	if utxo.OutputIndex != 0 {
		t.Fatal("claim rewards output index must be 0")
	}
	if !utxo.TokenType.IsZero() {
		t.Fatal("claim rewards must pay the native token")
	}
	// The initial nonce binds the output index to the intent hash.
	if utxo.InitialNonce != persistentCommit(0, utxo.IntentHash) {
		t.Fatal("initial nonce derivation mismatch")
	}
	if utxo.Ctime == nil || *utxo.Ctime != 5_000 {
		t.Fatalf("ctime = %v, want 5000", utxo.Ctime)
	}
}

func TestGuaranteedSpendMissingFailsTransaction(t *testing.T) {
	state := newTestState(t)
	rootBefore := state.ZswapMerkleTreeRoot()

	tx := &Transaction{
		Kind: TxStandard,
		Intents: map[uint16]*Intent{
			1: {
				GuaranteedSpends: []Spend{{IntentHash: addr(0xAA), OutputNo: 0, Owner: addr(1), Value: U128FromUint64(5)}},
			},
		},
		GuaranteedZswapOutputs: []Bytes32{addr(0xBB)},
	}

	outcome, err := state.ApplyRegularTransaction(tx.Encode(), ZeroHash, 1_000_000, 0)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.TransactionResult.Status != ResultFailure {
		t.Fatalf("status = %s, want Failure", outcome.TransactionResult.Status)
	}
	if len(outcome.CreatedUnshieldedUtxos) != 0 || len(outcome.SpentUnshieldedUtxos) != 0 {
		t.Fatal("failed transactions must not derive UTXOs")
	}
	if state.ZswapMerkleTreeRoot() != rootBefore {
		t.Fatal("failed transaction mutated the zswap tree")
	}
	if state.blockFullness != (SyntheticCost{}) {
		t.Fatal("failed transaction must not count cost")
	}
}

func TestPartialSuccessSegments(t *testing.T) {
	state := newTestState(t)
	spend := fundState(t, state, addr(0x33), 100)

	tx := &Transaction{
		Kind: TxStandard,
		Intents: map[uint16]*Intent{
			1: { // spends the funded UTXO: succeeds
				FallibleSpends:  []Spend{spend},
				FallibleOutputs: []Output{{Owner: addr(0x44), TokenType: Bytes32{}, Value: U128FromUint64(100)}},
			},
			2: { // spends a UTXO that does not exist: fails
				FallibleSpends: []Spend{{IntentHash: addr(0xEE), OutputNo: 3, Owner: addr(9), Value: U128FromUint64(1)}},
			},
		},
	}

	outcome, err := state.ApplyRegularTransaction(tx.Encode(), ZeroHash, 2_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome.TransactionResult.Status != ResultPartialSuccess {
		t.Fatalf("status = %s, want PartialSuccess", outcome.TransactionResult.Status)
	}

	results := map[uint16]bool{}
	for _, sr := range outcome.TransactionResult.Segments {
		results[sr.ID] = sr.Success
	}
	if !results[1] || results[2] {
		t.Fatalf("segment results = %v, want 1=true 2=false", results)
	}

	// Only the successful segment derives UTXOs.
	if len(outcome.CreatedUnshieldedUtxos) != 1 {
		t.Fatalf("created = %d, want 1", len(outcome.CreatedUnshieldedUtxos))
	}
	if len(outcome.SpentUnshieldedUtxos) != 1 {
		t.Fatalf("spent = %d, want 1", len(outcome.SpentUnshieldedUtxos))
	}
	if outcome.SpentUnshieldedUtxos[0].IntentHash != spend.IntentHash {
		t.Fatal("wrong spent utxo")
	}
}

func TestZswapIndicesAdvance(t *testing.T) {
	state := newTestState(t)

	tx := &Transaction{
		Kind:                   TxStandard,
		Intents:                map[uint16]*Intent{},
		GuaranteedZswapOutputs: []Bytes32{addr(1), addr(2), addr(3)},
	}

	if state.ZswapFirstFree() != 0 {
		t.Fatal("fresh state must start at index 0")
	}
	if _, err := state.ApplyRegularTransaction(tx.Encode(), ZeroHash, 1_000_000, 0); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if state.ZswapFirstFree() != 3 {
		t.Fatalf("first free = %d, want 3", state.ZswapFirstFree())
	}

	update, err := state.CollapsedUpdate(0, 2)
	if err != nil {
		t.Fatalf("collapsed update: %v", err)
	}
	if len(update) == 0 {
		t.Fatal("empty collapsed update")
	}
}

func TestMalformedTransaction(t *testing.T) {
	state := newTestState(t)

	tests := []struct {
		name string
		tx   *Transaction
	}{
		{
			"intent in guaranteed segment",
			&Transaction{Kind: TxStandard, Intents: map[uint16]*Intent{0: {}}},
		},
		{
			"zero value output",
			&Transaction{Kind: TxStandard, Intents: map[uint16]*Intent{
				1: {FallibleOutputs: []Output{{Owner: addr(1)}}},
			}},
		},
		{
			"zero value claim",
			&Transaction{Kind: TxClaimRewards, Claim: &ClaimRewards{Owner: addr(1)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := state.ApplyRegularTransaction(tt.tx.Encode(), ZeroHash, 1_000_000, 0)
			if err == nil {
				t.Fatal("expected malformed error")
			}
			if !IsKind(err, ErrMalformed) {
				t.Fatalf("error kind = %v, want Malformed", err)
			}
		})
	}
}

func TestDeserializeGarbage(t *testing.T) {
	state := newTestState(t)
	_, err := state.ApplyRegularTransaction([]byte{0xFF, 0x00, 0x01}, ZeroHash, 1_000_000, 0)
	if err == nil {
		t.Fatal("expected deserialize error")
	}
	if !IsKind(err, ErrDeserialize) {
		t.Fatalf("error kind = %v, want Deserialize", err)
	}
}

func TestSystemTransactionDustLifecycle(t *testing.T) {
	state := newTestState(t)
	owner := addr(0x55)
	nonce := addr(0x66)

	create := &SystemTransaction{
		Kind: SysCNightGeneratesDustUpdate,
		CNightEvents: []CNightEvent{{
			Action: CNightCreate,
			Owner:  owner,
			Nonce:  nonce,
			Value:  U128FromUint64(10_000),
			Time:   1_000,
		}},
	}
	outcome, err := state.ApplySystemTransaction(create.Encode(), 1_000_000)
	if err != nil {
		t.Fatalf("apply create: %v", err)
	}
	if len(outcome.LedgerEvents) != 1 {
		t.Fatalf("events = %d, want 1", len(outcome.LedgerEvents))
	}
	event := outcome.LedgerEvents[0]
	if event.Kind != EventDustInitialUtxo {
		t.Fatalf("event kind = %s, want DustInitialUtxo", event.Kind)
	}
	if event.Generation.Dtime != DtimeUnspent {
		t.Fatal("fresh generation must be unspent")
	}
	if !state.dust.registeredForGeneration(nonce) {
		t.Fatal("nonce not registered for generation")
	}
	if state.DustCommitmentFirstFree() != 1 || state.DustGenerationFirstFree() != 1 {
		t.Fatal("dust trees did not advance")
	}

	// Spending a NIGHT UTXO whose initial nonce backs a generation closes
	// it with a dtime update. Here the generation was registered under the
	// cNIGHT nonce, so a regular spend does not touch it; destroy it via
	// the cNIGHT path instead.
	destroy := &SystemTransaction{
		Kind: SysCNightGeneratesDustUpdate,
		CNightEvents: []CNightEvent{{
			Action: CNightDestroy,
			Owner:  owner,
			Nonce:  nonce,
			Time:   2_000,
		}},
	}
	if _, err := state.ApplySystemTransaction(destroy.Encode(), 2_000_000); err != nil {
		t.Fatalf("apply destroy: %v", err)
	}
	if state.dust.registeredForGeneration(nonce) {
		t.Fatal("generation still registered after destroy")
	}
	if state.dust.generations[0].Dtime != 2_000 {
		t.Fatalf("dtime = %d, want 2000", state.dust.generations[0].Dtime)
	}
}

func TestTreasuryPaymentDerivesUtxos(t *testing.T) {
	state := newTestState(t)
	tokenType := addr(0x77)

	pay := &SystemTransaction{
		Kind:      SysPayFromTreasuryUnshielded,
		TokenType: tokenType,
		Outputs: []OutputInstruction{
			{Amount: U128FromUint64(100), TargetAddress: addr(1), Nonce: addr(2)},
			{Amount: U128FromUint64(200), TargetAddress: addr(3), Nonce: addr(4)},
		},
	}
	outcome, err := state.ApplySystemTransaction(pay.Encode(), 1_000_000)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(outcome.CreatedUnshieldedUtxos) != 2 {
		t.Fatalf("created = %d, want 2", len(outcome.CreatedUnshieldedUtxos))
	}
	for i, utxo := range outcome.CreatedUnshieldedUtxos {
		if utxo.TokenType != tokenType {
			t.Fatal("wrong token type")
		}
		if utxo.OutputIndex != uint32(i) {
			t.Fatalf("output index = %d, want %d", utxo.OutputIndex, i)
		}
		if utxo.InitialNonce != persistentCommit(utxo.OutputIndex, utxo.IntentHash) {
			t.Fatal("initial nonce derivation mismatch")
		}
	}
	if outcome.Metadata.TreasuryPaymentUnshielded == nil {
		t.Fatal("missing treasury payment metadata")
	}

	// System transaction cost counts unconditionally.
	if state.blockFullness == (SyntheticCost{}) {
		t.Fatal("system transaction cost not counted")
	}
}

func TestDustSpendEvent(t *testing.T) {
	state := newTestState(t)
	nonce := addr(0x88)

	create := &SystemTransaction{
		Kind: SysCNightGeneratesDustUpdate,
		CNightEvents: []CNightEvent{{
			Action: CNightCreate,
			Owner:  addr(0x99),
			Nonce:  nonce,
			Value:  U128FromUint64(500),
			Time:   100,
		}},
	}
	if _, err := state.ApplySystemTransaction(create.Encode(), 1_000_000); err != nil {
		t.Fatalf("create: %v", err)
	}

	nullifier := addr(0xAB)
	spendTx := &Transaction{
		Kind: TxStandard,
		Intents: map[uint16]*Intent{
			1: {DustSpends: []DustSpend{{Commitment: nonce, Nullifier: nullifier, VFee: U128FromUint64(3)}}},
		},
	}
	outcome, err := state.ApplyRegularTransaction(spendTx.Encode(), ZeroHash, 2_000_000, 1_000_000)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if outcome.TransactionResult.Status != ResultSuccess {
		t.Fatalf("status = %s, want Success", outcome.TransactionResult.Status)
	}

	var spendEvent *Event
	for i := range outcome.LedgerEvents {
		if outcome.LedgerEvents[i].Kind == EventDustSpendProcessed {
			spendEvent = &outcome.LedgerEvents[i]
		}
	}
	if spendEvent == nil {
		t.Fatal("no DustSpendProcessed event")
	}
	if spendEvent.Nullifier != nullifier {
		t.Fatal("wrong nullifier in event")
	}
	if spendEvent.Segment != 1 {
		t.Fatalf("segment = %d, want 1", spendEvent.Segment)
	}

	// Spending the same commitment again fails its segment.
	reSpend := &Transaction{
		Kind: TxStandard,
		Intents: map[uint16]*Intent{
			1: {DustSpends: []DustSpend{{Commitment: nonce, Nullifier: addr(0xAC), VFee: U128FromUint64(1)}}},
		},
	}
	outcome2, err := state.ApplyRegularTransaction(reSpend.Encode(), ZeroHash, 3_000_000, 2_000_000)
	if err != nil {
		t.Fatalf("re-spend: %v", err)
	}
	if outcome2.TransactionResult.Status != ResultPartialSuccess {
		t.Fatalf("status = %s, want PartialSuccess", outcome2.TransactionResult.Status)
	}
}

func TestBlockLimitExceeded(t *testing.T) {
	state := newTestState(t)
	state.params.BlockLimits = SyntheticCost{
		ReadTime: 1, ComputeTime: 1, BlockUsage: 1, BytesWritten: 1, BytesChurned: 1,
	}

	claim := &Transaction{
		Kind:  TxClaimRewards,
		Claim: &ClaimRewards{Owner: addr(1), Value: U128FromUint64(1), Nonce: addr(2)},
	}
	if _, err := state.ApplyRegularTransaction(claim.Encode(), ZeroHash, 1_000_000, 0); err != nil {
		t.Fatalf("apply: %v", err)
	}

	_, err := state.FinalizeApplyTransactions(1_000_000)
	if err == nil {
		t.Fatal("expected block limit error")
	}
	if !IsKind(err, ErrBlockLimitExceeded) {
		t.Fatalf("error kind = %v, want BlockLimitExceeded", err)
	}
}

func TestFinalizeResetsFullness(t *testing.T) {
	state := newTestState(t)
	claim := &Transaction{
		Kind:  TxClaimRewards,
		Claim: &ClaimRewards{Owner: addr(1), Value: U128FromUint64(1), Nonce: addr(2)},
	}
	if _, err := state.ApplyRegularTransaction(claim.Encode(), ZeroHash, 1_000_000, 0); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if state.blockFullness == (SyntheticCost{}) {
		t.Fatal("cost not accumulated")
	}
	if _, err := state.FinalizeApplyTransactions(1_000_000); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if state.blockFullness != (SyntheticCost{}) {
		t.Fatal("fullness not reset")
	}
}
