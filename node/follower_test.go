package node

import (
	"context"
	"testing"
	"time"

	"github.com/containerman17/midnight-indexer/ledger"
)

func blockHash(b byte) ledger.Bytes32 {
	var h ledger.Bytes32
	h[0] = b
	return h
}

func makeChain(hashes ...byte) []*Block {
	blocks := make([]*Block, 0, len(hashes))
	parent := ledger.ZeroHash
	for i, h := range hashes {
		block := &Block{
			Hash:       blockHash(h),
			Height:     uint32(i),
			ParentHash: parent,
		}
		parent = block.Hash
		blocks = append(blocks, block)
	}
	return blocks
}

// fakeSource replays prepared rounds of blocks: one round per subscription.
type fakeSource struct {
	rounds      [][]*Block
	subscribeAt []*BlockInfo
}

func (f *fakeSource) FinalizedBlocks(ctx context.Context, after *BlockInfo) <-chan BlockResult {
	f.subscribeAt = append(f.subscribeAt, after)
	out := make(chan BlockResult)
	var round []*Block
	if len(f.rounds) > 0 {
		round = f.rounds[0]
		f.rounds = f.rounds[1:]
	}
	go func() {
		defer close(out)
		for _, block := range round {
			select {
			case <-ctx.Done():
				return
			case out <- BlockResult{Block: block}:
			}
		}
	}()
	return out
}

func collect(t *testing.T, blocks <-chan BlockResult, n int) []*Block {
	t.Helper()
	var out []*Block
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case <-timeout:
			t.Fatalf("timed out after %d of %d blocks", len(out), n)
		case result, ok := <-blocks:
			if !ok {
				t.Fatalf("stream closed after %d of %d blocks", len(out), n)
			}
			if result.Err != nil {
				t.Fatalf("unexpected error: %v", result.Err)
			}
			out = append(out, result.Block)
		}
	}
	return out
}

func TestFollowerSequentialBlocks(t *testing.T) {
	chain := makeChain(1, 2, 3, 4)
	source := &fakeSource{rounds: [][]*Block{chain}}
	follower := NewFollower(source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocks := collect(t, follower.Blocks(ctx, nil), 4)

	for i, block := range blocks {
		if block.Height != uint32(i) {
			t.Fatalf("height[%d] = %d", i, block.Height)
		}
	}
	// Parent linkage holds across the emitted stream.
	for i := 1; i < len(blocks); i++ {
		if blocks[i].ParentHash != blocks[i-1].Hash {
			t.Fatalf("block %d parent hash mismatch", i)
		}
	}
	if blocks[0].ParentHash != ledger.ZeroHash {
		t.Fatal("first block must chain from the zero hash")
	}
}

func TestFollowerBreaksOnUnexpectedParent(t *testing.T) {
	good := makeChain(1, 2)
	bad := &Block{
		Hash:       blockHash(9),
		Height:     2,
		ParentHash: blockHash(0x42), // does not match block 2's hash
	}
	recovery := &Block{
		Hash:       blockHash(3),
		Height:     2,
		ParentHash: blockHash(2),
	}

	source := &fakeSource{rounds: [][]*Block{
		append(append([]*Block{}, good...), bad),
		{recovery},
	}}
	follower := NewFollower(source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocks := collect(t, follower.Blocks(ctx, nil), 3)

	heights := []uint32{blocks[0].Height, blocks[1].Height, blocks[2].Height}
	if heights[0] != 0 || heights[1] != 1 || heights[2] != 2 {
		t.Fatalf("heights = %v", heights)
	}
	if blocks[2].Hash != recovery.Hash {
		t.Fatal("bad block was emitted instead of being dropped")
	}

	// The resubscription resumed from the last good block.
	if len(source.subscribeAt) < 2 {
		t.Fatalf("subscriptions = %d, want >= 2", len(source.subscribeAt))
	}
	second := source.subscribeAt[1]
	if second == nil || second.Hash != good[1].Hash || second.Height != 1 {
		t.Fatalf("resubscribed at %+v, want block 1", second)
	}
}

func TestFollowerResumePassedThrough(t *testing.T) {
	resume := &BlockInfo{Hash: blockHash(7), Height: 41}
	next := &Block{Hash: blockHash(8), Height: 42, ParentHash: blockHash(7)}
	source := &fakeSource{rounds: [][]*Block{{next}}}
	follower := NewFollower(source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocks := collect(t, follower.Blocks(ctx, resume), 1)
	if blocks[0].Hash != next.Hash {
		t.Fatal("wrong block emitted")
	}
	if source.subscribeAt[0] == nil || *source.subscribeAt[0] != *resume {
		t.Fatalf("subscribed at %+v, want %+v", source.subscribeAt[0], resume)
	}
}
