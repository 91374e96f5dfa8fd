package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/containerman17/midnight-indexer/consts"
	"github.com/containerman17/midnight-indexer/ledger"
	"github.com/containerman17/midnight-indexer/node"
	"github.com/containerman17/midnight-indexer/pubsub"
	"github.com/containerman17/midnight-indexer/storage"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// Config of the indexer application.
type Config struct {
	NetworkID              string
	GenesisProtocolVersion uint32
	BlocksBuffer           int
	SaveLedgerStateAfter   uint32
	CaughtUpMaxDistance    uint32
	CaughtUpLeeway         uint32
}

func (c *Config) applyDefaults() {
	if c.BlocksBuffer <= 0 {
		c.BlocksBuffer = consts.DefaultBlocksBuffer
	}
	if c.SaveLedgerStateAfter == 0 {
		c.SaveLedgerStateAfter = consts.DefaultSaveLedgerStateAfter
	}
	if c.CaughtUpMaxDistance == 0 {
		c.CaughtUpMaxDistance = consts.DefaultCaughtUpMaxDistance
	}
	if c.CaughtUpLeeway == 0 {
		c.CaughtUpLeeway = consts.DefaultCaughtUpLeeway
	}
}

// HeadSource delivers the node's finalized head stream.
type HeadSource interface {
	HighestBlocks(ctx context.Context) (<-chan node.BlockInfo, error)
}

// ParamsSource fetches governance parameters at a block.
type ParamsSource interface {
	FetchSystemParameters(ctx context.Context, blockHash ledger.Bytes32) (*node.SystemParameters, error)
}

// BlockSource is the chain follower.
type BlockSource interface {
	Blocks(ctx context.Context, resume *node.BlockInfo) <-chan node.BlockResult
}

// headCell is the shared cell between the head tracker (single writer) and
// the index loop (reader). The lock is held only around the access.
type headCell struct {
	mu   sync.RWMutex
	info *node.BlockInfo
}

func newHeadCell() *headCell {
	return &headCell{}
}

func (c *headCell) set(info node.BlockInfo) {
	c.mu.Lock()
	c.info = &info
	c.mu.Unlock()
}

func (c *headCell) get() *node.BlockInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// App wires the chain follower, the ledger engine, the storage layer and
// the pub/sub bus into the indexing loop.
type App struct {
	cfg      Config
	heads    HeadSource
	params   ParamsSource
	follower BlockSource
	storage  storage.Storage
	bus      *pubsub.Bus

	state         *ledger.State
	lastTimestamp uint64

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

func New(cfg Config, heads HeadSource, params ParamsSource, follower BlockSource, store storage.Storage, bus *pubsub.Bus) *App {
	cfg.applyDefaults()
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	dec, _ := zstd.NewReader(nil)
	return &App{
		cfg:      cfg,
		heads:    heads,
		params:   params,
		follower: follower,
		storage:  store,
		bus:      bus,
		zstdEnc:  enc,
		zstdDec:  dec,
	}
}

// Run indexes until the context is cancelled (SIGTERM). Completion of either
// internal task is unexpected and returns an error so an external supervisor
// restarts the process.
func (a *App) Run(ctx context.Context) error {
	highestBlock, err := a.storage.GetHighestBlockInfo(ctx)
	if err != nil {
		return fmt.Errorf("get highest block: %w", err)
	}
	if highestBlock != nil {
		log.Printf("[indexer] starting indexing at height %d", highestBlock.Height)
	} else {
		log.Printf("[indexer] starting indexing from genesis")
	}

	transactionCount, err := a.storage.GetTransactionCount(ctx)
	if err != nil {
		return fmt.Errorf("get transaction count: %w", err)
	}
	deploys, calls, updates, err := a.storage.GetContractActionCounts(ctx)
	if err != nil {
		return fmt.Errorf("get contract action count: %w", err)
	}
	seedCounters(a.cfg.NetworkID, transactionCount, deploys, calls, updates)

	if err := a.loadLedgerState(ctx, highestBlock); err != nil {
		return err
	}

	if latest, err := a.storage.GetLatestBlock(ctx); err == nil && latest != nil {
		a.lastTimestamp = latest.TimestampMs
	}

	head := newHeadCell()

	group, groupCtx := errgroup.WithContext(ctx)

	// Head tracker: single writer into the shared cell.
	group.Go(func() error {
		heads, err := a.heads.HighestBlocks(groupCtx)
		if err != nil {
			return fmt.Errorf("get stream of highest blocks: %w", err)
		}
		for {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case info, ok := <-heads:
				if !ok {
					if groupCtx.Err() != nil {
						return groupCtx.Err()
					}
					return fmt.Errorf("head tracker completed unexpectedly")
				}
				log.Printf("[head-tracker] highest finalized block on node: height=%d hash=%s", info.Height, info.Hash)
				head.set(info)
				NodeHead.WithLabelValues(a.cfg.NetworkID).Set(float64(info.Height))
			}
		}
	})

	// Index loop.
	group.Go(func() error {
		var resume *node.BlockInfo
		if highestBlock != nil {
			resume = &node.BlockInfo{Hash: highestBlock.Hash, Height: highestBlock.Height}
		}

		blocks := a.follower.Blocks(groupCtx, resume)
		buffered := make(chan node.BlockResult, a.cfg.BlocksBuffer)
		go func() {
			defer close(buffered)
			for result := range blocks {
				select {
				case <-groupCtx.Done():
					return
				case buffered <- result:
				}
			}
		}()

		caughtUp := false
		for {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			case result, ok := <-buffered:
				if !ok {
					if groupCtx.Err() != nil {
						return groupCtx.Err()
					}
					return fmt.Errorf("index loop completed unexpectedly")
				}
				if result.Err != nil {
					return fmt.Errorf("get next block for indexing: %w", result.Err)
				}
				if err := a.indexBlock(groupCtx, result.Block, head, &caughtUp); err != nil {
					return err
				}
			}
		}
	})

	err = group.Wait()
	if ctx.Err() != nil {
		log.Printf("[indexer] shutdown requested")
		return nil
	}
	return err
}

// loadLedgerState restores the persisted ledger state and catches it up to
// the highest indexed block by replaying stored transactions.
func (a *App) loadLedgerState(ctx context.Context, highestBlock *storage.BlockInfo) error {
	row, err := a.storage.GetLedgerState(ctx)
	if err != nil {
		return fmt.Errorf("load ledger state: %w", err)
	}

	var stateHeight *uint32
	if row != nil {
		blob, err := a.zstdDec.DecodeAll(row.Blob, nil)
		if err != nil {
			return fmt.Errorf("decompress ledger state: %w", err)
		}
		state, err := ledger.Deserialize(blob, ledger.ProtocolVersion(row.ProtocolVersion))
		if err != nil {
			return fmt.Errorf("deserialize ledger state: %w", err)
		}
		a.state = state
		height := row.BlockHeight
		stateHeight = &height
	} else {
		state, err := ledger.New(a.cfg.NetworkID, ledger.ProtocolVersion(a.cfg.GenesisProtocolVersion))
		if err != nil {
			return err
		}
		a.state = state
	}

	// A saved state ahead of storage means the database was reset without
	// the arena; start the ledger state fresh.
	if stateHeight != nil && (highestBlock == nil || *stateHeight > highestBlock.Height) {
		log.Printf("[indexer] ledger state at height %d is ahead of storage, resetting", *stateHeight)
		state, err := ledger.New(a.cfg.NetworkID, ledger.ProtocolVersion(a.cfg.GenesisProtocolVersion))
		if err != nil {
			return err
		}
		a.state = state
		stateHeight = nil
	}

	if highestBlock == nil {
		return nil
	}
	if stateHeight != nil && *stateHeight == highestBlock.Height {
		return nil
	}

	from := uint32(0)
	if stateHeight != nil {
		from = *stateHeight + 1
	}
	log.Printf("[indexer] updating ledger state: replaying blocks %d..=%d", from, highestBlock.Height)

	var protocolVersion uint32
	for height := from; height <= highestBlock.Height; height++ {
		blockTransactions, err := a.storage.GetBlockTransactions(ctx, height)
		if err != nil {
			return fmt.Errorf("get block transactions at height %d: %w", height, err)
		}
		if err := a.replayBlock(blockTransactions); err != nil {
			return fmt.Errorf("apply transactions for block at height %d: %w", height, err)
		}
		protocolVersion = blockTransactions.ProtocolVersion
	}

	blob, err := a.state.Serialize()
	if err != nil {
		return fmt.Errorf("serialize ledger state: %w", err)
	}
	if err := a.storage.SaveLedgerState(ctx, &storage.LedgerStateRow{
		Blob:            a.zstdEnc.EncodeAll(blob, nil),
		BlockHeight:     highestBlock.Height,
		ProtocolVersion: protocolVersion,
	}); err != nil {
		return fmt.Errorf("save ledger state: %w", err)
	}
	return nil
}

// replayBlock re-applies one stored block's transactions, translating the
// state schema first when the protocol version requires a newer one.
func (a *App) replayBlock(blockTransactions *storage.BlockTransactions) error {
	if err := a.maybeTranslate(blockTransactions.ProtocolVersion); err != nil {
		return err
	}
	for _, stored := range blockTransactions.Transactions {
		switch stored.Variant {
		case storage.VariantSystem:
			if _, err := a.state.ApplySystemTransaction(stored.Raw, blockTransactions.BlockTimestampMs); err != nil {
				return err
			}
		default:
			if _, err := a.state.ApplyRegularTransaction(stored.Raw, blockTransactions.BlockParentHash,
				blockTransactions.BlockTimestampMs, blockTransactions.ParentTimestampMs); err != nil {
				return err
			}
		}
	}
	if _, err := a.state.FinalizeApplyTransactions(blockTransactions.BlockTimestampMs); err != nil {
		return err
	}
	return nil
}

func (a *App) maybeTranslate(protocolVersion uint32) error {
	target, err := ledger.LedgerVersionFor(ledger.ProtocolVersion(protocolVersion))
	if err != nil {
		return err
	}
	if target == a.state.Version() {
		return nil
	}
	state, err := a.state.Translate(target)
	if err != nil {
		return err
	}
	log.Printf("[indexer] ledger state translated to %s", target)
	a.state = state
	return nil
}

// indexBlock applies, verifies, commits and publishes one block.
func (a *App) indexBlock(ctx context.Context, block *node.Block, head *headCell, caughtUp *bool) error {
	if err := a.maybeTranslate(block.ProtocolVersion); err != nil {
		return err
	}

	commitmentFirstFree := a.state.DustCommitmentFirstFree()
	generationFirstFree := a.state.DustGenerationFirstFree()

	transactions, err := a.applyTransactions(block)
	if err != nil {
		return err
	}

	params, err := a.state.FinalizeApplyTransactions(block.TimestampMs)
	if err != nil {
		return err
	}

	root := a.state.ZswapMerkleTreeRoot()
	if !bytes.Equal(root[:], block.ZswapStateRoot) {
		return fmt.Errorf("zswap state root mismatch for block %s at height %d", block.Hash, block.Height)
	}

	// Caught-up hysteresis: while caught up, tolerate extra distance so
	// brief regressions do not flap the flag. The two subscriptions are
	// independently ordered, hence the saturating subtraction.
	var nodeHeight uint32
	if info := head.get(); info != nil {
		nodeHeight = info.Height
	}
	distance := uint32(0)
	if nodeHeight > block.Height {
		distance = nodeHeight - block.Height
	}
	maxDistance := a.cfg.CaughtUpMaxDistance
	if *caughtUp {
		maxDistance += a.cfg.CaughtUpLeeway
	}
	wasCaughtUp := *caughtUp
	*caughtUp = distance <= maxDistance
	if wasCaughtUp != *caughtUp {
		log.Printf("[indexer] caught-up status changed: %v", *caughtUp)
	}

	var ledgerStateRow *storage.LedgerStateRow
	var ledgerStateSize int
	if *caughtUp || block.Height%a.cfg.SaveLedgerStateAfter == 0 {
		blob, err := a.state.Serialize()
		if err != nil {
			return fmt.Errorf("serialize ledger state: %w", err)
		}
		ledgerStateSize = len(blob)
		ledgerStateRow = &storage.LedgerStateRow{
			Blob:            a.zstdEnc.EncodeAll(blob, nil),
			BlockHeight:     block.Height,
			ProtocolVersion: block.ProtocolVersion,
		}
		if _, err := a.state.Persist(); err != nil {
			return fmt.Errorf("persist ledger state: %w", err)
		}
	}

	storageBlock := &storage.Block{
		Hash:             block.Hash,
		Height:           block.Height,
		ProtocolVersion:  block.ProtocolVersion,
		ParentHash:       block.ParentHash,
		Author:           block.Author,
		TimestampMs:      block.TimestampMs,
		ZswapStateRoot:   block.ZswapStateRoot,
		LedgerParameters: params.Serialize(),
	}

	treeUpdates := a.dustTreeUpdates(block.Height, commitmentFirstFree, generationFirstFree)
	registrations := processRegistrations(block.DustRegistrationEvents)

	maxTransactionID, err := a.storage.SaveBlock(ctx, storageBlock, transactions, registrations, treeUpdates, ledgerStateRow)
	if err != nil {
		return fmt.Errorf("save block: %w", err)
	}

	// Fetch and store system parameters if changed; failures here must not
	// stall indexing.
	if err := a.updateSystemParameters(ctx, block); err != nil {
		log.Printf("[indexer] failed to update system parameters, continuing: %v", err)
	}

	log.Printf("[indexer] block indexed: height=%d hash=%s txs=%d distance=%d caught_up=%v",
		block.Height, block.Hash, len(transactions), distance, *caughtUp)

	network := a.cfg.NetworkID
	BlocksIndexed.WithLabelValues(network).Inc()
	HighestBlock.WithLabelValues(network).Set(float64(block.Height))
	BlocksBehind.WithLabelValues(network).Set(float64(distance))
	if *caughtUp {
		CaughtUp.WithLabelValues(network).Set(1)
	} else {
		CaughtUp.WithLabelValues(network).Set(0)
	}
	TransactionsIndexed.WithLabelValues(network).Add(float64(len(transactions)))
	for _, transaction := range transactions {
		for _, action := range transaction.ContractActions {
			ContractActionsIndexed.WithLabelValues(network, action.Variant.String()).Inc()
		}
	}
	if ledgerStateSize > 0 {
		LedgerStateSize.WithLabelValues(network).Set(float64(ledgerStateSize))
	}

	a.bus.PublishBlockIndexed(pubsub.BlockIndexed{
		Height:           block.Height,
		MaxTransactionID: maxTransactionID,
		CaughtUp:         *caughtUp,
	})

	addresses := make(map[ledger.Bytes32]struct{})
	for _, transaction := range transactions {
		for _, utxo := range transaction.CreatedUnshieldedUtxos {
			addresses[utxo.Owner] = struct{}{}
		}
		for _, utxo := range transaction.SpentUnshieldedUtxos {
			addresses[utxo.Owner] = struct{}{}
		}
	}
	sorted := make([]ledger.Bytes32, 0, len(addresses))
	for address := range addresses {
		sorted = append(sorted, address)
	}
	sort.Slice(sorted, func(i, j int) bool { return string(sorted[i][:]) < string(sorted[j][:]) })
	for _, address := range sorted {
		a.bus.PublishUnshieldedUtxoIndexed(pubsub.UnshieldedUtxoIndexed{Address: address})
	}

	a.lastTimestamp = block.TimestampMs
	return nil
}

// applyTransactions runs all of a block's transactions through the ledger
// state in node order and assembles the storage records.
func (a *App) applyTransactions(block *node.Block) ([]*storage.Transaction, error) {
	transactions := make([]*storage.Transaction, 0, len(block.Transactions))
	for i := range block.Transactions {
		nodeTx := &block.Transactions[i]
		stored := &storage.Transaction{
			Hash:            nodeTx.Hash,
			ProtocolVersion: nodeTx.ProtocolVersion,
			Raw:             nodeTx.Raw,
		}

		switch nodeTx.Variant {
		case node.TxSystem:
			stored.Variant = storage.VariantSystem
			outcome, err := a.state.ApplySystemTransaction(nodeTx.Raw, block.TimestampMs)
			if err != nil {
				return nil, fmt.Errorf("apply system transaction %s: %w", nodeTx.Hash, err)
			}
			stored.TransactionResult = ledger.TransactionResult{Status: ledger.ResultSuccess}
			stored.CreatedUnshieldedUtxos = outcome.CreatedUnshieldedUtxos
			stored.DustEvents = ledger.DustEventsOf(outcome.LedgerEvents, nodeTx.Hash)
			metadata := outcome.Metadata
			stored.Metadata = &metadata

		default:
			stored.Variant = storage.VariantRegular
			stored.Identifiers = nodeTx.Identifiers
			stored.PaidFees = nodeTx.PaidFees
			stored.EstimatedFees = nodeTx.EstimatedFees

			startIndex := a.state.ZswapFirstFree()
			outcome, err := a.state.ApplyRegularTransaction(nodeTx.Raw, block.ParentHash, block.TimestampMs, a.lastTimestamp)
			if err != nil {
				return nil, fmt.Errorf("apply transaction %s: %w", nodeTx.Hash, err)
			}
			root := a.state.ZswapMerkleTreeRoot()

			stored.TransactionResult = outcome.TransactionResult
			stored.MerkleTreeRoot = root[:]
			stored.StartIndex = startIndex
			stored.EndIndex = a.state.ZswapFirstFree()
			stored.CreatedUnshieldedUtxos = outcome.CreatedUnshieldedUtxos
			stored.SpentUnshieldedUtxos = outcome.SpentUnshieldedUtxos
			stored.DustEvents = ledger.DustEventsOf(outcome.LedgerEvents, nodeTx.Hash)
			stored.ContractActions = a.makeContractActions(nodeTx)
		}

		transactions = append(transactions, stored)
	}
	return transactions, nil
}

func (a *App) makeContractActions(nodeTx *node.Transaction) []storage.ContractAction {
	var actions []storage.ContractAction
	for _, action := range nodeTx.ContractActions {
		attributes, _ := json.Marshal(map[string]string{
			"variant":     action.Variant.String(),
			"entry_point": action.EntryPoint,
		})
		actions = append(actions, storage.ContractAction{
			Address:    action.Address,
			State:      action.State,
			ZswapState: a.state.ExtractContractZswapState(action.Address),
			Variant:    action.Variant,
			Attributes: attributes,
			Balances:   action.Deposits,
		})
	}
	return actions
}

// dustTreeUpdates records the per-block tree rows when either DUST tree
// advanced.
func (a *App) dustTreeUpdates(height uint32, commitmentFirstFree, generationFirstFree uint64) []storage.MerkleTreeUpdate {
	var updates []storage.MerkleTreeUpdate
	if free := a.state.DustCommitmentFirstFree(); free > commitmentFirstFree {
		root := a.state.DustCommitmentRoot()
		path, _ := a.state.DustCommitmentPath(free - 1)
		updates = append(updates, storage.MerkleTreeUpdate{
			Kind:        storage.TreeCommitment,
			BlockHeight: height,
			MerkleIndex: free - 1,
			Root:        root[:],
			TreeData:    path,
		})
	}
	if free := a.state.DustGenerationFirstFree(); free > generationFirstFree {
		root := a.state.DustGenerationRoot()
		path, _ := a.state.DustGenerationPath(free - 1)
		updates = append(updates, storage.MerkleTreeUpdate{
			Kind:        storage.TreeGeneration,
			BlockHeight: height,
			MerkleIndex: free - 1,
			Root:        root[:],
			TreeData:    path,
		})
	}
	return updates
}

// processRegistrations validates the one-active-mapping rule and converts
// node events into storage rows.
func processRegistrations(events []node.DustRegistrationEvent) []storage.Registration {
	if len(events) == 0 {
		return nil
	}
	active := make(map[string]ledger.Bytes32)
	registrations := make([]storage.Registration, 0, len(events))
	for _, event := range events {
		key := string(event.CardanoAddress)
		if existing, ok := active[key]; ok && event.IsValid && existing != event.DustAddress {
			log.Printf("[indexer] replacing existing DUST registration for cardano address %x", event.CardanoAddress)
		}
		if event.IsValid {
			active[key] = event.DustAddress
		} else {
			delete(active, key)
		}
		registrations = append(registrations, storage.Registration{
			CardanoAddress: event.CardanoAddress,
			DustAddress:    event.DustAddress,
			IsValid:        event.IsValid,
			RegisteredAt:   event.Timestamp,
			RemovedAt:      event.RemovedAt,
		})
	}
	return registrations
}

// updateSystemParameters persists a governance change only when the fetched
// values differ from the last stored ones.
func (a *App) updateSystemParameters(ctx context.Context, block *node.Block) error {
	current, err := a.params.FetchSystemParameters(ctx, block.Hash)
	if err != nil {
		return fmt.Errorf("fetch system parameters: %w", err)
	}

	storedDParam, err := a.storage.GetLatestDParameter(ctx)
	if err != nil {
		return fmt.Errorf("get latest D-parameter: %w", err)
	}
	storedTC, err := a.storage.GetLatestTermsAndConditions(ctx)
	if err != nil {
		return fmt.Errorf("get latest terms and conditions: %w", err)
	}

	dParamChanged := current.DParameter != nil &&
		(storedDParam == nil ||
			current.DParameter.NumPermissionedCandidates != storedDParam.NumPermissionedCandidates ||
			current.DParameter.NumRegisteredCandidates != storedDParam.NumRegisteredCandidates)

	tcChanged := false
	switch {
	case current.TermsAndConditions != nil && storedTC != nil:
		tcChanged = current.TermsAndConditions.URL != storedTC.URL ||
			!bytes.Equal(current.TermsAndConditions.Hash, storedTC.Hash)
	case current.TermsAndConditions != nil && storedTC == nil:
		tcChanged = true
		// A removed T&C is not recorded as a change.
	}

	if !dParamChanged && !tcChanged {
		return nil
	}

	change := &storage.SystemParametersChange{
		BlockHeight: block.Height,
		BlockHash:   block.Hash,
		TimestampMs: block.TimestampMs,
	}
	if dParamChanged {
		change.DParameter = &storage.DParameter{
			NumPermissionedCandidates: current.DParameter.NumPermissionedCandidates,
			NumRegisteredCandidates:   current.DParameter.NumRegisteredCandidates,
		}
	}
	if tcChanged {
		change.TermsAndConditions = &storage.TermsAndConditions{
			URL:  current.TermsAndConditions.URL,
			Hash: current.TermsAndConditions.Hash,
		}
	}
	return a.storage.SaveSystemParametersChange(ctx, change)
}
