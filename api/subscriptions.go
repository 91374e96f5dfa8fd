package api

import (
	"context"
	"net/url"
	"sync/atomic"

	"github.com/containerman17/midnight-indexer/consts"
	"github.com/containerman17/midnight-indexer/ledger"
)

// Each subscription merges a data-batch stream with a progress stream (see
// stream.go). When storage is exhausted the data stream parks on the
// pub/sub bus until the indexer commits more blocks, which keeps the
// subscription live without polling.

func (s *Server) subscribeBlocks(ctx context.Context, query url.Values, send sendFunc) error {
	var fromHeight uint32
	switch {
	case query.Get("hash") != "":
		hash, err := ledger.Bytes32FromHex(query.Get("hash"))
		if err != nil {
			return clientErrorf("invalid block hash: %v", err)
		}
		block, err := s.store.GetBlockByHash(ctx, hash)
		if err != nil {
			return err
		}
		if block == nil {
			return clientErrorf("block not found")
		}
		fromHeight = block.Height
	case query.Get("height") != "":
		height, err := parseUintParam(query, "height", 0)
		if err != nil {
			return err
		}
		fromHeight = uint32(height)
	default:
		if latest, err := s.store.GetLatestBlock(ctx); err != nil {
			return err
		} else if latest != nil {
			fromHeight = latest.Height
		}
	}

	sub := s.bus.SubscribeBlocks()
	defer s.bus.UnsubscribeBlocks(sub.ID)

	cursor := fromHeight
	next := func(ctx context.Context) ([]any, bool, error) {
		blocks, err := s.store.GetBlocksFrom(ctx, cursor, consts.BatchSize)
		if err != nil {
			return nil, false, err
		}
		if len(blocks) == 0 {
			if !waitForSignal(ctx, sub.C) {
				return nil, true, sub.Err()
			}
			return nil, false, nil
		}
		items := make([]any, 0, len(blocks))
		for i := range blocks {
			items = append(items, makeBlockDTO(&blocks[i]))
		}
		cursor = blocks[len(blocks)-1].Height + 1
		return items, false, nil
	}

	progress := func(ctx context.Context) (any, error) {
		latest, err := s.store.GetLatestBlock(ctx)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, nil
		}
		return progressDTO{Type: "blockProgress", HighestHeight: latest.Height}, nil
	}

	return runMergedStream(ctx, send, consts.ProgressUpdatesInterval, next, progress)
}

func (s *Server) subscribeContractActions(ctx context.Context, query url.Values, send sendFunc) error {
	address, err := ledger.Bytes32FromHex(query.Get("address"))
	if err != nil {
		return clientErrorf("invalid contract address: %v", err)
	}
	fromTxID, err := parseUintParam(query, "fromTransactionId", 0)
	if err != nil {
		return err
	}

	sub := s.bus.SubscribeBlocks()
	defer s.bus.UnsubscribeBlocks(sub.ID)

	cursor := int64(fromTxID)
	next := func(ctx context.Context) ([]any, bool, error) {
		actions, err := s.store.GetContractActionsFrom(ctx, address, cursor, consts.BatchSize)
		if err != nil {
			return nil, false, err
		}
		if len(actions) == 0 {
			if !waitForSignal(ctx, sub.C) {
				return nil, true, sub.Err()
			}
			return nil, false, nil
		}
		items := make([]any, 0, len(actions))
		for i := range actions {
			items = append(items, makeContractActionDTO(&actions[i]))
		}
		cursor = actions[len(actions)-1].TransactionID
		return items, false, nil
	}

	progress := func(ctx context.Context) (any, error) {
		highest, err := s.store.GetHighestTransactionID(ctx)
		if err != nil {
			return nil, err
		}
		return progressDTO{Type: "contractActionProgress", HighestTransactionID: highest}, nil
	}

	return runMergedStream(ctx, send, consts.ProgressUpdatesInterval, next, progress)
}

func (s *Server) subscribeShieldedTransactions(ctx context.Context, query url.Values, send sendFunc) error {
	sessionID := query.Get("sessionId")
	if !s.sessions.Valid(sessionID) {
		return clientErrorf("unknown session %q", sessionID)
	}
	fromIndex, err := parseUintParam(query, "index", 0)
	if err != nil {
		return err
	}

	sub := s.bus.SubscribeBlocks()
	defer s.bus.UnsubscribeBlocks(sub.ID)

	// The cursor is read by the progress stream while the data stream
	// advances it.
	var cursor atomic.Uint64
	cursor.Store(fromIndex)
	next := func(ctx context.Context) ([]any, bool, error) {
		transactions, err := s.store.GetTransactionsFromIndex(ctx, cursor.Load(), consts.BatchSize)
		if err != nil {
			return nil, false, err
		}
		if len(transactions) == 0 {
			if !waitForSignal(ctx, sub.C) {
				return nil, true, sub.Err()
			}
			return nil, false, nil
		}
		items := make([]any, 0, len(transactions))
		for i := range transactions {
			t := &transactions[i]
			items = append(items, viewingUpdateDTO{
				Type:        "viewingUpdate",
				Index:       t.EndIndex,
				Transaction: makeTransactionDTO(t),
			})
		}
		cursor.Store(transactions[len(transactions)-1].EndIndex)
		return items, false, nil
	}

	progress := func(ctx context.Context) (any, error) {
		highest, err := s.store.GetHighestEndIndex(ctx)
		if err != nil {
			return nil, err
		}
		return shieldedProgressDTO{
			Type:                       "shieldedTransactionsProgress",
			HighestIndex:               highest,
			HighestRelevantIndex:       highest,
			HighestRelevantWalletIndex: cursor.Load(),
		}, nil
	}

	return runMergedStream(ctx, send, consts.ProgressUpdatesInterval, next, progress)
}

func (s *Server) subscribeUnshieldedTransactions(ctx context.Context, query url.Values, send sendFunc) error {
	address, err := ledger.Bytes32FromHex(query.Get("address"))
	if err != nil {
		return clientErrorf("invalid address: %v", err)
	}
	fromTxID, err := parseUintParam(query, "fromTransactionId", 0)
	if err != nil {
		return err
	}

	sub := s.bus.SubscribeUnshieldedUtxos(address)
	defer s.bus.UnsubscribeUnshieldedUtxos(address, sub.ID)

	cursor := int64(fromTxID)
	next := func(ctx context.Context) ([]any, bool, error) {
		transactions, err := s.store.GetTransactionsByAddressFrom(ctx, address, cursor, consts.BatchSize)
		if err != nil {
			return nil, false, err
		}
		if len(transactions) == 0 {
			if !waitForSignal(ctx, sub.C) {
				return nil, true, sub.Err()
			}
			return nil, false, nil
		}
		items := make([]any, 0, len(transactions))
		for i := range transactions {
			items = append(items, makeTransactionDTO(&transactions[i]))
		}
		cursor = transactions[len(transactions)-1].ID
		return items, false, nil
	}

	progress := func(ctx context.Context) (any, error) {
		highest, err := s.store.GetHighestTransactionID(ctx)
		if err != nil {
			return nil, err
		}
		return progressDTO{Type: "unshieldedTransactionsProgress", HighestTransactionID: highest}, nil
	}

	return runMergedStream(ctx, send, consts.ProgressUpdatesInterval, next, progress)
}

func (s *Server) subscribeLedgerEvents(ctx context.Context, query url.Values, send sendFunc) error {
	fromTxID, err := parseUintParam(query, "fromTransactionId", 0)
	if err != nil {
		return err
	}

	sub := s.bus.SubscribeBlocks()
	defer s.bus.UnsubscribeBlocks(sub.ID)

	cursor := int64(fromTxID)
	next := func(ctx context.Context) ([]any, bool, error) {
		events, err := s.store.GetDustEventsFrom(ctx, cursor, consts.BatchSize)
		if err != nil {
			return nil, false, err
		}
		if len(events) == 0 {
			if !waitForSignal(ctx, sub.C) {
				return nil, true, sub.Err()
			}
			return nil, false, nil
		}
		items := make([]any, 0, len(events))
		for i := range events {
			items = append(items, makeDustEventDTO(&events[i]))
		}
		cursor = events[len(events)-1].TransactionID
		return items, false, nil
	}

	progress := func(ctx context.Context) (any, error) {
		highest, err := s.store.GetHighestTransactionID(ctx)
		if err != nil {
			return nil, err
		}
		return progressDTO{Type: "ledgerEventsProgress", HighestTransactionID: highest}, nil
	}

	return runMergedStream(ctx, send, consts.ProgressUpdatesInterval, next, progress)
}

func (s *Server) subscribeDustGenerations(ctx context.Context, query url.Values, send sendFunc) error {
	owner, err := ledger.Bytes32FromHex(query.Get("owner"))
	if err != nil {
		return clientErrorf("invalid owner: %v", err)
	}
	fromIndex, err := parseUintParam(query, "fromGenerationIndex", 0)
	if err != nil {
		return err
	}

	sub := s.bus.SubscribeBlocks()
	defer s.bus.UnsubscribeBlocks(sub.ID)

	cursor := fromIndex
	next := func(ctx context.Context) ([]any, bool, error) {
		generations, err := s.store.GetDustGenerationsFrom(ctx, owner, cursor, consts.BatchSize)
		if err != nil {
			return nil, false, err
		}
		if len(generations) == 0 {
			if !waitForSignal(ctx, sub.C) {
				return nil, true, sub.Err()
			}
			return nil, false, nil
		}
		items := make([]any, 0, len(generations))
		for i := range generations {
			items = append(items, makeDustGenerationDTO(&generations[i]))
		}
		cursor = generations[len(generations)-1].MerkleIndex + 1
		return items, false, nil
	}

	progress := func(ctx context.Context) (any, error) {
		highest, err := s.store.GetHighestGenerationIndex(ctx, owner)
		if err != nil {
			return nil, err
		}
		active, err := s.store.CountActiveGenerations(ctx, owner)
		if err != nil {
			return nil, err
		}
		return progressDTO{
			Type:                  "dustGenerationProgress",
			HighestIndex:          highest,
			ActiveGenerationCount: active,
		}, nil
	}

	return runMergedStream(ctx, send, consts.ProgressUpdatesInterval, next, progress)
}

func (s *Server) subscribeDustCommitments(ctx context.Context, query url.Values, send sendFunc) error {
	prefixes, err := parsePrefixes(query.Get("prefixes"))
	if err != nil {
		return err
	}
	fromIndex, err := parseUintParam(query, "fromIndex", 0)
	if err != nil {
		return err
	}

	sub := s.bus.SubscribeBlocks()
	defer s.bus.UnsubscribeBlocks(sub.ID)

	cursor := fromIndex
	next := func(ctx context.Context) ([]any, bool, error) {
		utxos, err := s.store.GetDustCommitmentsFrom(ctx, prefixes, cursor, consts.BatchSize)
		if err != nil {
			return nil, false, err
		}
		if len(utxos) == 0 {
			if !waitForSignal(ctx, sub.C) {
				return nil, true, sub.Err()
			}
			return nil, false, nil
		}
		items := make([]any, 0, len(utxos))
		for i := range utxos {
			items = append(items, makeDustUtxoDTO(&utxos[i]))
		}
		// Advance past the last row's generation index; rows without one
		// sort at zero and are only served from the initial cursor.
		last := utxos[len(utxos)-1]
		if last.GenerationInfoID != nil && uint64(*last.GenerationInfoID) >= cursor {
			cursor = uint64(*last.GenerationInfoID) + 1
		} else {
			cursor++
		}
		return items, false, nil
	}

	progress := func(ctx context.Context) (any, error) {
		highest, err := s.store.GetHighestTransactionID(ctx)
		if err != nil {
			return nil, err
		}
		return progressDTO{Type: "dustCommitmentProgress", HighestTransactionID: highest}, nil
	}

	return runMergedStream(ctx, send, consts.ProgressUpdatesInterval, next, progress)
}

func (s *Server) subscribeDustNullifierTransactions(ctx context.Context, query url.Values, send sendFunc) error {
	prefixes, err := parsePrefixes(query.Get("prefixes"))
	if err != nil {
		return err
	}
	afterBlock, err := parseUintParam(query, "afterBlock", 0)
	if err != nil {
		return err
	}

	sub := s.bus.SubscribeBlocks()
	defer s.bus.UnsubscribeBlocks(sub.ID)

	// The spending transaction id pages the underlying query.
	var lastTxID int64
	next := func(ctx context.Context) ([]any, bool, error) {
		matches, err := s.store.GetDustNullifierTransactions(ctx, prefixes, uint32(afterBlock), lastTxID, consts.BatchSize)
		if err != nil {
			return nil, false, err
		}
		if len(matches) == 0 {
			if !waitForSignal(ctx, sub.C) {
				return nil, true, sub.Err()
			}
			return nil, false, nil
		}
		items := make([]any, 0, len(matches))
		for _, match := range matches {
			items = append(items, nullifierTransactionDTO{
				Type:          "dustNullifierTransaction",
				TransactionID: match.TransactionID,
				Nullifier:     match.Nullifier,
			})
		}
		lastTxID = matches[len(matches)-1].TransactionID
		return items, false, nil
	}

	progress := func(ctx context.Context) (any, error) {
		matched, err := s.store.CountNullifierMatches(ctx, prefixes)
		if err != nil {
			return nil, err
		}
		return progressDTO{Type: "dustNullifierProgress", MatchedCount: matched}, nil
	}

	return runMergedStream(ctx, send, consts.ProgressUpdatesInterval, next, progress)
}

func (s *Server) subscribeDustRegistrations(ctx context.Context, query url.Values, send sendFunc) error {
	addressesParam := query.Get("addresses")
	if addressesParam == "" {
		return clientErrorf("addresses are required")
	}
	addresses, err := parsePrefixes(addressesParam)
	if err != nil {
		return err
	}

	sub := s.bus.SubscribeBlocks()
	defer s.bus.UnsubscribeBlocks(sub.ID)

	var cursor int64
	next := func(ctx context.Context) ([]any, bool, error) {
		registrations, err := s.store.GetRegistrationUpdatesFrom(ctx, addresses, cursor, consts.BatchSize)
		if err != nil {
			return nil, false, err
		}
		if len(registrations) == 0 {
			if !waitForSignal(ctx, sub.C) {
				return nil, true, sub.Err()
			}
			return nil, false, nil
		}
		items := make([]any, 0, len(registrations))
		for i := range registrations {
			items = append(items, makeRegistrationDTO(&registrations[i]))
		}
		cursor = registrations[len(registrations)-1].ID
		return items, false, nil
	}

	progress := func(ctx context.Context) (any, error) {
		highest, err := s.store.GetHighestTransactionID(ctx)
		if err != nil {
			return nil, err
		}
		return progressDTO{Type: "dustRegistrationProgress", HighestTransactionID: highest}, nil
	}

	return runMergedStream(ctx, send, consts.ProgressUpdatesInterval, next, progress)
}
