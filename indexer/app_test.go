package indexer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerman17/midnight-indexer/ledger"
	"github.com/containerman17/midnight-indexer/node"
	"github.com/containerman17/midnight-indexer/pubsub"
	"github.com/containerman17/midnight-indexer/storage"
	"github.com/klauspost/compress/zstd"
)

const testNetwork = "undeployed"

func b32(b byte) ledger.Bytes32 {
	var v ledger.Bytes32
	v[0] = b
	return v
}

// fakeStorage records committed blocks in memory. Methods the application
// does not touch stay on the embedded nil interface.
type fakeStorage struct {
	storage.Storage

	mu           sync.Mutex
	blocks       []*storage.Block
	transactions [][]*storage.Transaction
	ledgerState  *storage.LedgerStateRow
	replayed     []uint32
	highest      *storage.BlockInfo
	// stored transactions per height, for catch-up replay
	storedTxs map[uint32]*storage.BlockTransactions

	paramChanges []*storage.SystemParametersChange
	nextTxID     int64
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{storedTxs: make(map[uint32]*storage.BlockTransactions)}
}

func (f *fakeStorage) GetHighestBlockInfo(ctx context.Context) (*storage.BlockInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.highest, nil
}

func (f *fakeStorage) GetTransactionCount(ctx context.Context) (uint64, error) {
	return 0, nil
}

func (f *fakeStorage) GetContractActionCounts(ctx context.Context) (uint64, uint64, uint64, error) {
	return 0, 0, 0, nil
}

func (f *fakeStorage) GetLedgerState(ctx context.Context) (*storage.LedgerStateRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ledgerState, nil
}

func (f *fakeStorage) GetLatestBlock(ctx context.Context) (*storage.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.blocks) == 0 {
		return nil, nil
	}
	return f.blocks[len(f.blocks)-1], nil
}

func (f *fakeStorage) GetBlockTransactions(ctx context.Context, height uint32) (*storage.BlockTransactions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replayed = append(f.replayed, height)
	if bt, ok := f.storedTxs[height]; ok {
		return bt, nil
	}
	return &storage.BlockTransactions{ProtocolVersion: 8_000, BlockTimestampMs: uint64(height) * 6_000}, nil
}

func (f *fakeStorage) SaveBlock(ctx context.Context, block *storage.Block, transactions []*storage.Transaction, registrations []storage.Registration, treeUpdates []storage.MerkleTreeUpdate, ledgerState *storage.LedgerStateRow) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, block)
	f.transactions = append(f.transactions, transactions)
	var maxID int64
	for _, tx := range transactions {
		f.nextTxID++
		tx.ID = f.nextTxID
		maxID = f.nextTxID
	}
	if ledgerState != nil {
		f.ledgerState = ledgerState
	}
	f.highest = &storage.BlockInfo{Hash: block.Hash, Height: block.Height}
	return maxID, nil
}

func (f *fakeStorage) SaveLedgerState(ctx context.Context, row *storage.LedgerStateRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledgerState = row
	return nil
}

func (f *fakeStorage) SaveSystemParametersChange(ctx context.Context, change *storage.SystemParametersChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paramChanges = append(f.paramChanges, change)
	return nil
}

func (f *fakeStorage) GetLatestDParameter(ctx context.Context) (*storage.DParameter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.paramChanges) - 1; i >= 0; i-- {
		if f.paramChanges[i].DParameter != nil {
			return f.paramChanges[i].DParameter, nil
		}
	}
	return nil, nil
}

func (f *fakeStorage) GetLatestTermsAndConditions(ctx context.Context) (*storage.TermsAndConditions, error) {
	return nil, nil
}

func (f *fakeStorage) committedHeights() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	heights := make([]uint32, 0, len(f.blocks))
	for _, b := range f.blocks {
		heights = append(heights, b.Height)
	}
	return heights
}

type fakeHeads struct {
	ch chan node.BlockInfo
}

func (f *fakeHeads) HighestBlocks(ctx context.Context) (<-chan node.BlockInfo, error) {
	return f.ch, nil
}

type fakeParams struct{}

func (fakeParams) FetchSystemParameters(ctx context.Context, blockHash ledger.Bytes32) (*node.SystemParameters, error) {
	return &node.SystemParameters{}, nil
}

type fakeFollower struct {
	ch chan node.BlockResult
}

func (f *fakeFollower) Blocks(ctx context.Context, resume *node.BlockInfo) <-chan node.BlockResult {
	return f.ch
}

// emptyBlockRoot is the declared zswap root of a block with no transactions
// applied to a fresh state.
func emptyBlockRoot(t *testing.T) []byte {
	t.Helper()
	state, err := ledger.New(testNetwork, ledger.ProtocolVersion(8_000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	root := state.ZswapMerkleTreeRoot()
	return root[:]
}

func makeBlocks(t *testing.T, n int, root []byte) []*node.Block {
	t.Helper()
	blocks := make([]*node.Block, 0, n)
	parent := ledger.ZeroHash
	for i := 0; i < n; i++ {
		block := &node.Block{
			Hash:            b32(byte(i + 1)),
			Height:          uint32(i),
			ParentHash:      parent,
			ProtocolVersion: 8_000,
			TimestampMs:     uint64(i+1) * 6_000,
			ZswapStateRoot:  root,
		}
		parent = block.Hash
		blocks = append(blocks, block)
	}
	return blocks
}

func newTestApp(store storage.Storage, heads *fakeHeads, follower *fakeFollower, bus *pubsub.Bus, cfg Config) *App {
	if cfg.NetworkID == "" {
		cfg.NetworkID = testNetwork
	}
	if cfg.GenesisProtocolVersion == 0 {
		cfg.GenesisProtocolVersion = 8_000
	}
	return New(cfg, heads, fakeParams{}, follower, store, bus)
}

func TestIndexFourSequentialBlocks(t *testing.T) {
	store := newFakeStorage()
	heads := &fakeHeads{ch: make(chan node.BlockInfo)}
	follower := &fakeFollower{ch: make(chan node.BlockResult, 8)}
	bus := pubsub.NewBus()
	defer bus.Close()

	sub := bus.SubscribeBlocks()
	defer bus.UnsubscribeBlocks(sub.ID)

	root := emptyBlockRoot(t)
	for _, block := range makeBlocks(t, 4, root) {
		follower.ch <- node.BlockResult{Block: block}
	}

	app := newTestApp(store, heads, follower, bus, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	// BlockIndexed published once per block in strictly increasing order.
	var events []pubsub.BlockIndexed
	timeout := time.After(5 * time.Second)
	for len(events) < 4 {
		select {
		case <-timeout:
			t.Fatalf("timed out after %d events", len(events))
		case event := <-sub.C:
			events = append(events, event)
		}
	}
	for i, event := range events {
		if event.Height != uint32(i) {
			t.Fatalf("published height[%d] = %d", i, event.Height)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	heights := store.committedHeights()
	if len(heights) != 4 {
		t.Fatalf("committed %d blocks, want 4", len(heights))
	}
	for i, h := range heights {
		if h != uint32(i) {
			t.Fatalf("committed heights = %v", heights)
		}
	}
}

func TestZswapRootMismatchHalts(t *testing.T) {
	store := newFakeStorage()
	heads := &fakeHeads{ch: make(chan node.BlockInfo)}
	follower := &fakeFollower{ch: make(chan node.BlockResult, 1)}
	bus := pubsub.NewBus()
	defer bus.Close()

	bad := makeBlocks(t, 1, []byte{0xBA, 0xD0})[0]
	follower.ch <- node.BlockResult{Block: bad}

	app := newTestApp(store, heads, follower, bus, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected fatal error")
		}
		if !strings.Contains(err.Error(), "zswap state root mismatch") {
			t.Fatalf("error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("indexer did not halt")
	}

	if len(store.committedHeights()) != 0 {
		t.Fatal("bad block was committed")
	}
}

func TestCatchUpFromSnapshot(t *testing.T) {
	store := newFakeStorage()

	// Pre-seed storage: blocks at heights 0..=9 exist, ledger snapshot at 5.
	store.highest = &storage.BlockInfo{Hash: b32(10), Height: 9}
	state, err := ledger.New(testNetwork, ledger.ProtocolVersion(8_000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	blob, err := state.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	enc, _ := zstd.NewWriter(nil)
	store.ledgerState = &storage.LedgerStateRow{
		Blob:            enc.EncodeAll(blob, nil),
		BlockHeight:     5,
		ProtocolVersion: 8_000,
	}

	heads := &fakeHeads{ch: make(chan node.BlockInfo)}
	follower := &fakeFollower{ch: make(chan node.BlockResult, 1)}
	bus := pubsub.NewBus()
	defer bus.Close()

	sub := bus.SubscribeBlocks()
	defer bus.UnsubscribeBlocks(sub.ID)

	// Live block 10 follows the stored tip.
	live := &node.Block{
		Hash:            b32(11),
		Height:          10,
		ParentHash:      b32(10),
		ProtocolVersion: 8_000,
		TimestampMs:     66_000,
		ZswapStateRoot:  emptyBlockRoot(t),
	}
	follower.ch <- node.BlockResult{Block: live}

	app := newTestApp(store, heads, follower, bus, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-time.After(5 * time.Second):
		t.Fatal("live block not indexed")
	case event := <-sub.C:
		if event.Height != 10 {
			t.Fatalf("published height = %d, want 10", event.Height)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	// Blocks 6..=9 were replayed into the in-memory state.
	store.mu.Lock()
	replayed := append([]uint32{}, store.replayed...)
	snapshotHeight := store.ledgerState.BlockHeight
	store.mu.Unlock()

	want := []uint32{6, 7, 8, 9}
	if len(replayed) < len(want) {
		t.Fatalf("replayed = %v, want %v", replayed, want)
	}
	for i, h := range want {
		if replayed[i] != h {
			t.Fatalf("replayed = %v, want %v", replayed, want)
		}
	}
	if snapshotHeight < 9 {
		t.Fatalf("snapshot height = %d, want >= 9", snapshotHeight)
	}
}

func TestLedgerStateAheadOfStorageIsReset(t *testing.T) {
	store := newFakeStorage()
	// Storage empty but a ledger snapshot claims height 7: database was
	// reset without the arena.
	state, err := ledger.New(testNetwork, ledger.ProtocolVersion(8_000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	blob, _ := state.Serialize()
	enc, _ := zstd.NewWriter(nil)
	store.ledgerState = &storage.LedgerStateRow{
		Blob:            enc.EncodeAll(blob, nil),
		BlockHeight:     7,
		ProtocolVersion: 8_000,
	}

	app := newTestApp(store, &fakeHeads{ch: make(chan node.BlockInfo)}, &fakeFollower{ch: make(chan node.BlockResult)}, pubsub.NewBus(), Config{})
	if err := app.loadLedgerState(context.Background(), nil); err != nil {
		t.Fatalf("loadLedgerState: %v", err)
	}
	if app.state == nil {
		t.Fatal("no ledger state")
	}
	if app.state.ZswapFirstFree() != 0 {
		t.Fatal("expected a fresh state")
	}
}

func TestCaughtUpHysteresis(t *testing.T) {
	store := newFakeStorage()
	heads := &fakeHeads{ch: make(chan node.BlockInfo, 8)}
	follower := &fakeFollower{ch: make(chan node.BlockResult, 8)}
	bus := pubsub.NewBus()
	defer bus.Close()

	sub := bus.SubscribeBlocks()
	defer bus.UnsubscribeBlocks(sub.ID)

	cfg := Config{CaughtUpMaxDistance: 2, CaughtUpLeeway: 2}
	app := newTestApp(store, heads, follower, bus, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	root := emptyBlockRoot(t)
	blocks := makeBlocks(t, 3, root)

	nextEvent := func() pubsub.BlockIndexed {
		select {
		case event := <-sub.C:
			return event
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for BlockIndexed")
			return pubsub.BlockIndexed{}
		}
	}

	feed := func(headHeight uint32, block *node.Block) pubsub.BlockIndexed {
		heads.ch <- node.BlockInfo{Hash: b32(0xFF), Height: headHeight}
		// Give the head tracker task time to write the cell.
		time.Sleep(50 * time.Millisecond)
		follower.ch <- node.BlockResult{Block: block}
		return nextEvent()
	}

	// Block 0 at distance 2 == max: flips to caught up.
	if event := feed(2, blocks[0]); !event.CaughtUp {
		t.Fatal("distance == max must be caught up")
	}
	// Block 1 at distance 4 == max+leeway: stays caught up.
	if event := feed(5, blocks[1]); !event.CaughtUp {
		t.Fatal("distance within leeway must stay caught up")
	}
	// Block 2 at distance 5 > max+leeway: falls behind.
	if event := feed(7, blocks[2]); event.CaughtUp {
		t.Fatal("distance above max+leeway must fall behind")
	}

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
}

func TestSystemParametersRecordedOnlyOnChange(t *testing.T) {
	store := newFakeStorage()
	bus := pubsub.NewBus()
	defer bus.Close()
	app := newTestApp(store, &fakeHeads{ch: make(chan node.BlockInfo)}, &fakeFollower{ch: make(chan node.BlockResult)}, bus, Config{})

	params := &node.SystemParameters{
		DParameter: &node.DParameter{NumPermissionedCandidates: 3, NumRegisteredCandidates: 5},
	}
	app.params = staticParams{params}

	block := &node.Block{Hash: b32(1), Height: 0, TimestampMs: 1_000}
	for i := 0; i < 3; i++ {
		if err := app.updateSystemParameters(context.Background(), block); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	store.mu.Lock()
	changes := len(store.paramChanges)
	store.mu.Unlock()
	if changes != 1 {
		t.Fatalf("changes = %d, want exactly 1 for identical fetches", changes)
	}
}

type staticParams struct {
	params *node.SystemParameters
}

func (s staticParams) FetchSystemParameters(ctx context.Context, blockHash ledger.Bytes32) (*node.SystemParameters, error) {
	return s.params, nil
}
