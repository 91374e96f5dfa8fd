package node

import (
	"context"
	"log"
	"time"

	"github.com/containerman17/midnight-indexer/consts"
	"github.com/containerman17/midnight-indexer/ledger"
)

// Source is the part of the node adapter the follower consumes. *Client
// implements it; tests substitute fakes.
type Source interface {
	FinalizedBlocks(ctx context.Context, after *BlockInfo) <-chan BlockResult
}

// Follower wraps the adapter's finalized-blocks stream into an infinite,
// self-healing stream: no gaps, no duplicates, every emitted block's parent
// hash equals the previously emitted block's hash. On any unexpected block
// the inner subscription is torn down and restarted from the last good
// block, which absorbs node lag, flapping subscriptions and finalized-chain
// anomalies.
type Follower struct {
	source Source
}

func NewFollower(source Source) *Follower {
	return &Follower{source: source}
}

// Blocks emits finalized blocks after the given resume point, forever, until
// the context is cancelled. Adapter errors are logged and handled like an
// unexpected block: the inner subscription is restarted from the last good
// block, so no error result is ever emitted.
func (f *Follower) Blocks(ctx context.Context, resume *BlockInfo) <-chan BlockResult {
	out := make(chan BlockResult)

	go func() {
		defer close(out)
		highest := resume

		for {
			if ctx.Err() != nil {
				return
			}

			innerCtx, cancel := context.WithCancel(ctx)
			blocks := f.source.FinalizedBlocks(innerCtx, highest)

			for result := range blocks {
				if result.Err != nil {
					log.Printf("[follower] stream error: %v", result.Err)
					break
				}
				block := result.Block

				expectedParent := ledger.ZeroHash
				if highest != nil {
					expectedParent = highest.Hash
				}
				if block.ParentHash != expectedParent {
					log.Printf("[follower] unexpected block: height=%d parent=%s expected=%s, resubscribing",
						block.Height, block.ParentHash, expectedParent)
					break
				}

				info := block.Info()
				highest = &info

				select {
				case <-ctx.Done():
					cancel()
					return
				case out <- result:
				}
			}
			cancel()

			// Sleep to avoid busy-spin.
			select {
			case <-ctx.Done():
				return
			case <-time.After(consts.FollowerRetrySleep):
			}
		}
	}()

	return out
}
