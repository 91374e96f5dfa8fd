package ledger

import (
	"encoding/json"
	"fmt"
)

// tblockErr is the tolerated block timestamp error in seconds, part of the
// transaction context.
const tblockErr = 30

// blockContext is the per-block context a transaction is applied under.
type blockContext struct {
	tblock          uint64 // seconds
	tblockErr       uint64
	parentBlockHash Bytes32
	lastBlockTime   uint64 // seconds, V8 only
}

func timestampSecs(timestampMs uint64) uint64 {
	return timestampMs / 1_000
}

// ApplyRegularTransaction deserializes and applies a regular transaction.
// The cost is accumulated into block fullness only when the result is a
// success or partial success, matching node behavior.
func (s *State) ApplyRegularTransaction(raw []byte, parentBlockHash Bytes32, blockTimestamp, parentBlockTimestamp uint64) (*RegularOutcome, error) {
	tx, err := DecodeTransaction(raw)
	if err != nil {
		return nil, err
	}

	cx := blockContext{
		tblock:          timestampSecs(blockTimestamp),
		tblockErr:       tblockErr,
		parentBlockHash: parentBlockHash,
		lastBlockTime:   timestampSecs(parentBlockTimestamp),
	}

	cost := tx.cost(s.params, len(raw))

	if err := tx.wellFormed(); err != nil {
		return nil, err
	}

	result, events := s.apply(tx, cx)

	if result.Status != ResultFailure {
		s.blockFullness = s.blockFullness.Add(cost)
	}

	created, spent := s.deriveUnshieldedUtxos(tx, result, cx)

	return &RegularOutcome{
		TransactionResult:      result,
		CreatedUnshieldedUtxos: created,
		SpentUnshieldedUtxos:   spent,
		LedgerEvents:           events,
	}, nil
}

func (s *State) apply(tx *Transaction, cx blockContext) (TransactionResult, []Event) {
	if tx.Kind == TxClaimRewards {
		return s.applyClaimRewards(tx.Claim, cx), nil
	}

	var events []Event
	segments := sortedSegments(tx.Intents)

	// The guaranteed phase must succeed as a whole; a missing guaranteed
	// spend fails the entire transaction without touching state.
	for _, segment := range segments {
		intent := tx.Intents[segment]
		for _, spend := range intent.GuaranteedSpends {
			if !s.spendable(spend) {
				return TransactionResult{Status: ResultFailure}, nil
			}
		}
	}

	for _, nullifier := range tx.ZswapInputs {
		events = append(events, zswapInputEvent(nullifier))
	}
	for _, commitment := range tx.GuaranteedZswapOutputs {
		index := s.zswap.Append(commitment)
		events = append(events, zswapOutputEvent(commitment, index))
	}

	for _, segment := range segments {
		intent := tx.Intents[segment]
		guaranteedIntentHash := tx.IntentHash(0, intent)
		for _, spend := range intent.GuaranteedSpends {
			events = append(events, s.consume(spend, cx)...)
		}
		for index, output := range intent.GuaranteedOutputs {
			s.createOutput(guaranteedIntentHash, uint32(index), output, cx)
		}
	}

	// Fallible segments succeed or fail independently; a segment is checked
	// in full before any of its effects are applied.
	var segmentResults []SegmentResult
	anyFailed := false
	for _, segment := range segments {
		intent := tx.Intents[segment]
		ok := s.segmentValid(intent)
		segmentResults = append(segmentResults, SegmentResult{ID: segment, Success: ok})
		if !ok {
			anyFailed = true
			continue
		}

		intentHash := tx.IntentHash(segment, intent)
		contract := intentContract(intent)

		for _, spend := range intent.FallibleSpends {
			for _, ev := range s.consume(spend, cx) {
				ev.Segment = segment
				events = append(events, ev)
			}
		}
		for index, output := range intent.FallibleOutputs {
			s.createOutput(intentHash, uint32(index), output, cx)
		}
		for _, commitment := range intent.FallibleZswapOutputs {
			index := s.zswap.Append(commitment)
			if !contract.IsZero() {
				s.coinContract[index] = contract
			}
			ev := zswapOutputEvent(commitment, index)
			ev.Segment = segment
			events = append(events, ev)
		}
		for _, ds := range intent.DustSpends {
			index := s.dust.commitmentIndex[ds.Commitment]
			s.dust.spend(ds.Commitment, ds.Nullifier)
			params := s.dust.params
			events = append(events, Event{
				Kind:            EventDustSpendProcessed,
				Raw:             dustSpendRaw(ds),
				Segment:         segment,
				Commitment:      ds.Commitment,
				CommitmentIndex: index,
				Nullifier:       ds.Nullifier,
				VFee:            ds.VFee,
				Time:            cx.tblock,
				Params:          &params,
			})
		}
	}

	if anyFailed {
		return TransactionResult{Status: ResultPartialSuccess, Segments: segmentResults}, events
	}
	return TransactionResult{Status: ResultSuccess}, events
}

func (s *State) applyClaimRewards(claim *ClaimRewards, cx blockContext) TransactionResult {
	intentHash := mkOutputIntentHash(claim.Value, claim.Owner, claim.Nonce, Bytes32{})
	s.createOutput(intentHash, 0, Output{
		Owner:     claim.Owner,
		TokenType: Bytes32{}, // native token
		Value:     claim.Value,
	}, cx)
	return TransactionResult{Status: ResultSuccess}
}

func (s *State) spendable(spend Spend) bool {
	_, ok := s.utxos[UtxoKey{IntentHash: spend.IntentHash, OutputIndex: spend.OutputNo}]
	return ok
}

func (s *State) segmentValid(intent *Intent) bool {
	for _, spend := range intent.FallibleSpends {
		if !s.spendable(spend) {
			return false
		}
	}
	for _, ds := range intent.DustSpends {
		spent, known := s.dust.utxoSpent[ds.Commitment]
		if !known || spent {
			return false
		}
		if _, dup := s.dust.nullifiers[ds.Nullifier]; dup {
			return false
		}
	}
	return true
}

// consume removes an unshielded UTXO. Spending a NIGHT UTXO registered for
// DUST generation closes its generation and yields a dtime update event.
func (s *State) consume(spend Spend, cx blockContext) []Event {
	key := UtxoKey{IntentHash: spend.IntentHash, OutputIndex: spend.OutputNo}
	meta, ok := s.utxos[key]
	if !ok {
		return nil
	}
	delete(s.utxos, key)

	info, path, closed := s.dust.closeGeneration(meta.InitialNonce, cx.tblock)
	if !closed {
		return nil
	}
	generation := info
	return []Event{{
		Kind:            EventDustGenerationDtimeUpdate,
		Raw:             generationUpdateRaw(generation),
		Generation:      &generation,
		GenerationIndex: generation.MerkleIndex,
		MerklePath:      path,
	}}
}

func (s *State) createOutput(intentHash Bytes32, outputIndex uint32, output Output, cx blockContext) {
	key := UtxoKey{IntentHash: intentHash, OutputIndex: outputIndex}
	s.utxos[key] = UtxoMeta{
		Owner:        output.Owner,
		TokenType:    output.TokenType,
		Value:        output.Value,
		Ctime:        cx.tblock,
		InitialNonce: persistentCommit(outputIndex, intentHash),
	}
}

func intentContract(intent *Intent) Bytes32 {
	if len(intent.ContractActions) == 0 {
		return Bytes32{}
	}
	return intent.ContractActions[0].Address
}

// deriveUnshieldedUtxos mirrors the ledger's own walk over intents: the
// guaranteed phase of every intent for segment 0, then the fallible phase of
// each successful segment. Failed transactions derive nothing because no
// state changes occurred.
func (s *State) deriveUnshieldedUtxos(tx *Transaction, result TransactionResult, cx blockContext) (created, spent []UnshieldedUtxo) {
	if result.Status == ResultFailure {
		return nil, nil
	}

	if tx.Kind == TxClaimRewards {
		claim := tx.Claim
		intentHash := mkOutputIntentHash(claim.Value, claim.Owner, claim.Nonce, Bytes32{})
		created = append(created, s.makeUnshieldedUtxo(claim.Owner, Bytes32{}, claim.Value, intentHash, 0))
		return created, nil
	}

	successful := make(map[uint16]bool)
	switch result.Status {
	case ResultSuccess:
		for _, segment := range sortedSegments(tx.Intents) {
			successful[segment] = true
		}
	case ResultPartialSuccess:
		for _, sr := range result.Segments {
			if sr.Success {
				successful[sr.ID] = true
			}
		}
	}

	for _, segment := range tx.Segments() {
		if segment == 0 {
			for _, inner := range sortedSegments(tx.Intents) {
				intent := tx.Intents[inner]
				c, sp := s.intentUnshieldedUtxos(tx, 0, intent, true)
				created = append(created, c...)
				spent = append(spent, sp...)
			}
			continue
		}
		intent, ok := tx.Intents[segment]
		if !ok || !successful[segment] {
			continue
		}
		c, sp := s.intentUnshieldedUtxos(tx, segment, intent, false)
		created = append(created, c...)
		spent = append(spent, sp...)
	}
	return created, spent
}

func (s *State) intentUnshieldedUtxos(tx *Transaction, segment uint16, intent *Intent, guaranteed bool) (created, spent []UnshieldedUtxo) {
	intentHash := tx.IntentHash(segment, intent)

	outputs := intent.FallibleOutputs
	spends := intent.FallibleSpends
	if guaranteed {
		outputs = intent.GuaranteedOutputs
		spends = intent.GuaranteedSpends
	}

	for index, output := range outputs {
		created = append(created, s.makeUnshieldedUtxo(output.Owner, output.TokenType, output.Value, intentHash, uint32(index)))
	}
	for _, spend := range spends {
		spent = append(spent, s.makeUnshieldedUtxo(spend.Owner, spend.TokenType, spend.Value, spend.IntentHash, spend.OutputNo))
	}
	return created, spent
}

// makeUnshieldedUtxo assembles the storage-facing UTXO record, looking up
// ctime and dust registration in the post-apply state.
func (s *State) makeUnshieldedUtxo(owner, tokenType Bytes32, value Uint128, intentHash Bytes32, outputIndex uint32) UnshieldedUtxo {
	initialNonce := persistentCommit(outputIndex, intentHash)
	var ctime *uint64
	if meta, ok := s.utxos[UtxoKey{IntentHash: intentHash, OutputIndex: outputIndex}]; ok {
		t := meta.Ctime
		ctime = &t
	}
	return UnshieldedUtxo{
		Owner:                       owner,
		TokenType:                   tokenType,
		Value:                       value,
		IntentHash:                  intentHash,
		OutputIndex:                 outputIndex,
		Ctime:                       ctime,
		InitialNonce:                initialNonce,
		RegisteredForDustGeneration: s.dust.registeredForGeneration(initialNonce),
	}
}

// ApplySystemTransaction deserializes and applies a system transaction.
// Cost is accumulated unconditionally.
func (s *State) ApplySystemTransaction(raw []byte, blockTimestamp uint64) (*SystemOutcome, error) {
	tx, err := DecodeSystemTransaction(raw)
	if err != nil {
		return nil, err
	}

	cost := tx.cost(s.params, len(raw))
	s.blockFullness = s.blockFullness.Add(cost)

	tsec := timestampSecs(blockTimestamp)
	outcome := &SystemOutcome{}

	switch tx.Kind {
	case SysCNightGeneratesDustUpdate:
		outcome.LedgerEvents = s.applyCNightUpdate(tx.CNightEvents)

	case SysDistributeReserve:
		amount := tx.Amount
		outcome.Metadata.ReserveDistribution = &amount
		if s.version >= LedgerV8 && s.reservePool.Cmp(amount) >= 0 {
			s.reservePool = subU128(s.reservePool, amount)
		}

	case SysOverwriteParameters:
		if tx.Params == nil {
			return nil, newError(ErrSystemTransaction, "OverwriteParameters", fmt.Errorf("missing parameters"))
		}
		s.params.Dust = *tx.Params
		s.dust.params = *tx.Params
		outcome.Metadata.ParameterUpdate = mustJSON(map[string]any{
			"night_dust_ratio":          tx.Params.NightDustRatio,
			"generation_decay_rate":     tx.Params.GenerationDecayRate,
			"dust_grace_period_seconds": tx.Params.DustGracePeriodSeconds,
		})
		outcome.LedgerEvents = append(outcome.LedgerEvents, Event{
			Kind: EventParamChange,
			Raw:  mustJSON(tx.Params),
		})

	case SysDistributeNight:
		total := Uint128{}
		for _, o := range tx.NightOutputs {
			total = total.Add(o.Value)
		}
		outcome.Metadata.NightDistributionKind = tx.ClaimKind
		outcome.Metadata.NightDistribution = mustJSON(map[string]any{
			"output_count": len(tx.NightOutputs),
			"claim_type":   tx.ClaimKind,
			"total_amount": total.String(),
		})

	case SysPayBlockRewardsToTreasury:
		amount := tx.Amount
		outcome.Metadata.TreasuryIncome = &amount
		outcome.Metadata.TreasuryIncomeSource = "block_rewards"
		if s.version >= LedgerV8 {
			s.treasury = s.treasury.Add(amount)
		}

	case SysPayFromTreasuryShielded:
		outcome.Metadata.TreasuryPaymentShielded = mustJSON(map[string]any{
			"output_count": tx.ShieldedLen,
			"payment_type": "shielded",
			"nonce":        tx.Nonce.String(),
			"token_type":   tx.TokenType.String(),
		})

	case SysPayFromTreasuryUnshielded:
		total := Uint128{}
		for index, output := range tx.Outputs {
			intentHash := mkOutputIntentHash(output.Amount, output.TargetAddress, output.Nonce, tx.TokenType)
			s.createOutput(intentHash, uint32(index), Output{
				Owner:     output.TargetAddress,
				TokenType: tx.TokenType,
				Value:     output.Amount,
			}, blockContext{tblock: tsec})
			outcome.CreatedUnshieldedUtxos = append(outcome.CreatedUnshieldedUtxos,
				s.makeUnshieldedUtxo(output.TargetAddress, tx.TokenType, output.Amount, intentHash, uint32(index)))
			total = total.Add(output.Amount)
		}
		if s.version >= LedgerV8 && s.treasury.Cmp(total) >= 0 {
			s.treasury = subU128(s.treasury, total)
		}
		outcome.Metadata.TreasuryPaymentUnshielded = mustJSON(map[string]any{
			"output_count": len(tx.Outputs),
			"payment_type": "unshielded",
			"total_amount": total.String(),
			"token_type":   tx.TokenType.String(),
		})
	}

	return outcome, nil
}

func (s *State) applyCNightUpdate(events []CNightEvent) []Event {
	var out []Event
	for eventIndex, ev := range events {
		switch ev.Action {
		case CNightCreate:
			seq := s.dust.nextSeq()
			generation := DustGenerationInfo{
				Value: ev.Value,
				Owner: ev.Owner,
				Nonce: ev.Nonce,
				Ctime: ev.Time,
				Dtime: DtimeUnspent,
			}
			generationIndex := s.dust.addGeneration(generation, ev.Nonce)
			generation.MerkleIndex = generationIndex

			// The commitment is to be supplied by the ledger library once
			// available; until then the nonce stands in for it.
			commitment := ev.Nonce
			commitmentIndex := s.dust.addCommitment(commitment)

			output := QualifiedDustOutput{
				InitialValue: ev.Value,
				Owner:        ev.Owner,
				Nonce:        ev.Nonce,
				Seq:          seq,
				Ctime:        ev.Time,
				MtIndex:      commitmentIndex,
			}
			o := output
			g := generation
			out = append(out, Event{
				Kind:            EventDustInitialUtxo,
				Raw:             mustJSON(o),
				Segment:         uint16(eventIndex),
				Output:          &o,
				Generation:      &g,
				GenerationIndex: generationIndex,
			})

		case CNightDestroy:
			s.dust.closeGeneration(ev.Nonce, ev.Time)
			params := s.dust.params
			out = append(out, Event{
				Kind:    EventDustSpendProcessed,
				Raw:     mustJSON(ev),
				Segment: uint16(eventIndex),
				Time:    ev.Time,
				Params:  &params,
			})
		}
	}
	return out
}

// FinalizeApplyTransactions normalizes the accumulated block fullness, runs
// the post-block update and resets the fullness. It returns the (possibly
// adjusted) ledger parameters for storage in the block row.
func (s *State) FinalizeApplyTransactions(blockTimestamp uint64) (LedgerParameters, error) {
	normalized := s.blockFullness.Normalize(s.params.BlockLimits)
	overall := normalized.Overall()

	if overall > fixedPointScale {
		s.blockFullness = SyntheticCost{}
		return LedgerParameters{}, newError(ErrBlockLimitExceeded,
			fmt.Sprintf("overall fullness %d", overall), nil)
	}

	// Fee price follows fullness: raise above 3/4 full, relax below 1/4.
	switch {
	case overall > 3*fixedPointScale/4:
		s.params.FeePrice += maxU64(1, s.params.FeePrice/8)
	case overall < fixedPointScale/4 && s.params.FeePrice > 1:
		step := maxU64(1, s.params.FeePrice/8)
		if s.params.FeePrice > step {
			s.params.FeePrice -= step
		} else {
			s.params.FeePrice = 1
		}
	}

	s.blockFullness = SyntheticCost{}
	return s.params, nil
}

func zswapInputEvent(nullifier Bytes32) Event {
	e := newEncoder()
	e.writeU8(uint8(EventZswapInput))
	e.writeBytes32(nullifier)
	return Event{Kind: EventZswapInput, Raw: e.bytes()}
}

func zswapOutputEvent(commitment Bytes32, index uint64) Event {
	e := newEncoder()
	e.writeU8(uint8(EventZswapOutput))
	e.writeBytes32(commitment)
	e.writeU64(index)
	return Event{Kind: EventZswapOutput, Raw: e.bytes()}
}

func dustSpendRaw(ds DustSpend) []byte {
	e := newEncoder()
	e.writeU8(uint8(EventDustSpendProcessed))
	e.writeBytes32(ds.Commitment)
	e.writeBytes32(ds.Nullifier)
	e.writeU128(ds.VFee)
	return e.bytes()
}

func generationUpdateRaw(info DustGenerationInfo) []byte {
	e := newEncoder()
	e.writeU8(uint8(EventDustGenerationDtimeUpdate))
	e.writeBytes32(info.Nonce)
	e.writeU64(info.Dtime)
	e.writeU64(info.MerkleIndex)
	return e.bytes()
}

func subU128(a, b Uint128) Uint128 {
	lo := a.Lo - b.Lo
	hi := a.Hi - b.Hi
	if a.Lo < b.Lo {
		hi--
	}
	return Uint128{Hi: hi, Lo: lo}
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
