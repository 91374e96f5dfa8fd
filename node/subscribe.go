package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/containerman17/midnight-indexer/consts"
	"github.com/containerman17/midnight-indexer/ledger"
	"github.com/gorilla/websocket"
)

// headSubscription is one WebSocket subscription to finalized heads.
type headSubscription struct {
	conn *websocket.Conn
}

func (c *Client) subscribeFinalizedHeads(ctx context.Context) (*headSubscription, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}

	subReq := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "chain_subscribeFinalizedHeads",
		"params":  []string{},
	}
	if err := conn.WriteJSON(subReq); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	var subResp struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *JSONRPCError   `json:"error"`
	}
	if err := conn.ReadJSON(&subResp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read subscribe response: %w", err)
	}
	if subResp.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe error: %s", subResp.Error.Message)
	}

	return &headSubscription{conn: conn}, nil
}

func (s *headSubscription) close() {
	s.conn.Close()
}

// next blocks until the next finalized header arrives.
func (s *headSubscription) next() (*headerJSON, error) {
	for {
		var msg struct {
			Method string `json:"method"`
			Params struct {
				Result headerJSON `json:"result"`
			} `json:"params"`
		}
		if err := s.conn.ReadJSON(&msg); err != nil {
			return nil, err
		}
		if msg.Method != "chain_finalizedHead" || msg.Params.Result.Number == "" {
			continue
		}
		header := msg.Params.Result
		return &header, nil
	}
}

// backoffDelay computes the exponential reconnect delay for an attempt.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := consts.NodeReconnectBaseDelay
	for i := 0; i < attempt && delay < c.reconnectMaxDelay; i++ {
		delay *= 2
	}
	if delay > c.reconnectMaxDelay {
		delay = c.reconnectMaxDelay
	}
	return delay
}

// HighestBlocks streams the node's finalized head, one BlockInfo per
// finalized block. It reconnects transparently and skips any block whose
// height is not strictly increasing (duplicates after reconnects).
func (c *Client) HighestBlocks(ctx context.Context) (<-chan BlockInfo, error) {
	out := make(chan BlockInfo)

	go func() {
		defer close(out)
		var lastHeight *uint32
		attempt := 0

		for {
			if ctx.Err() != nil {
				return
			}

			sub, err := c.subscribeFinalizedHeads(ctx)
			if err != nil {
				attempt++
				if attempt > c.reconnectMaxAttempts {
					log.Printf("[head-tracker] giving up after %d attempts: %v", attempt, err)
					return
				}
				log.Printf("[head-tracker] subscribe failed: %v, reconnecting", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.backoffDelay(attempt)):
				}
				continue
			}
			attempt = 0

			// Close the socket on cancellation so the blocked read returns.
			done := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					sub.close()
				case <-done:
				}
			}()

			for {
				header, err := sub.next()
				if err != nil {
					log.Printf("[head-tracker] subscription ended: %v, reconnecting", err)
					break
				}
				height64, err := parseHexNumber(header.Number)
				if err != nil {
					continue
				}
				height := uint32(height64)
				if lastHeight != nil && height <= *lastHeight {
					log.Printf("[head-tracker] duplicate head at height %d, skipping", height)
					continue
				}
				hash, err := c.GetBlockHash(ctx, height)
				if err != nil {
					log.Printf("[head-tracker] cannot resolve hash at height %d: %v", height, err)
					continue
				}
				h := height
				lastHeight = &h
				select {
				case <-ctx.Done():
					close(done)
					sub.close()
					return
				case out <- BlockInfo{Hash: hash, Height: height}:
				}
			}
			close(done)
			sub.close()
		}
	}()

	return out, nil
}

// FinalizedBlocks streams the canonical chain after the given block,
// starting at the next one. If the resume point is behind the node's first
// finalized block, earlier blocks are fetched by traversing parent hashes
// back to the resume hash (exclusive) or genesis (inclusive) and emitted in
// forward order. The stream ends (channel closed) on subscription loss; the
// chain follower resubscribes.
func (c *Client) FinalizedBlocks(ctx context.Context, after *BlockInfo) <-chan BlockResult {
	out := make(chan BlockResult)

	go func() {
		defer close(out)

		emit := func(br BlockResult) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- br:
				return true
			}
		}

		sub, err := c.subscribeFinalizedHeads(ctx)
		if err != nil {
			emit(BlockResult{Err: err})
			return
		}
		defer sub.close()

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				sub.close()
			case <-done:
			}
		}()

		firstHeader, err := sub.next()
		if err != nil {
			emit(BlockResult{Err: fmt.Errorf("receive first finalized head: %w", err)})
			return
		}
		firstHeight64, err := parseHexNumber(firstHeader.Number)
		if err != nil {
			emit(BlockResult{Err: err})
			return
		}
		firstHeight := uint32(firstHeight64)
		firstHash, err := c.GetBlockHash(ctx, firstHeight)
		if err != nil {
			emit(BlockResult{Err: err})
			return
		}

		var afterHash ledger.Bytes32
		if after != nil {
			afterHash = after.Hash
		}

		lastEmitted := uint32(0)
		emittedAny := false

		if firstHash != afterHash {
			// Traverse back via parent hashes until the resume hash
			// (exclusive) or genesis (inclusive).
			var hashes []ledger.Bytes32
			parentHash, err := ledger.Bytes32FromHex(firstHeader.ParentHash)
			if err != nil {
				emit(BlockResult{Err: err})
				return
			}
			if after != nil {
				log.Printf("[node] traversing back via parent hashes from height %d to stored height %d, this may take some time",
					firstHeight, after.Height)
			} else {
				log.Printf("[node] traversing back via parent hashes from height %d to genesis, this may take some time", firstHeight)
			}
			for parentHash != afterHash && parentHash != ledger.ZeroHash {
				header, err := c.getHeader(ctx, parentHash)
				if err != nil {
					emit(BlockResult{Err: fmt.Errorf("traverse back: %w", err)})
					return
				}
				height64, err := parseHexNumber(header.Number)
				if err != nil {
					emit(BlockResult{Err: err})
					return
				}
				if uint32(height64)%consts.NodeTraverseBackLogAfter == 0 {
					log.Printf("[node] traversing back via parent hashes at height %d", height64)
				}
				hashes = append(hashes, parentHash)
				parentHash, err = ledger.Bytes32FromHex(header.ParentHash)
				if err != nil {
					emit(BlockResult{Err: err})
					return
				}
			}

			for i := len(hashes) - 1; i >= 0; i-- {
				block, err := c.FetchBlock(ctx, hashes[i])
				if err != nil {
					emit(BlockResult{Err: err})
					return
				}
				if !emit(BlockResult{Block: block}) {
					return
				}
				lastEmitted = block.Height
				emittedAny = true
			}

			firstBlock, err := c.FetchBlock(ctx, firstHash)
			if err != nil {
				emit(BlockResult{Err: err})
				return
			}
			if !emit(BlockResult{Block: firstBlock}) {
				return
			}
			lastEmitted = firstBlock.Height
			emittedAny = true
		} else {
			lastEmitted = firstHeight
			emittedAny = true
		}

		// Live tail. Finalization can jump several blocks per notification;
		// fill the range by height so the stream stays gap-free.
		for {
			header, err := sub.next()
			if err != nil {
				log.Printf("[node] finalized heads subscription ended: %v", err)
				return
			}
			height64, err := parseHexNumber(header.Number)
			if err != nil {
				continue
			}
			height := uint32(height64)
			start := height
			if emittedAny {
				if height <= lastEmitted {
					continue
				}
				start = lastEmitted + 1
			}
			for h := start; h <= height; h++ {
				hash, err := c.GetBlockHash(ctx, h)
				if err != nil {
					emit(BlockResult{Err: err})
					return
				}
				block, err := c.FetchBlock(ctx, hash)
				if err != nil {
					emit(BlockResult{Err: err})
					return
				}
				if !emit(BlockResult{Block: block}) {
					return
				}
				lastEmitted = h
				emittedAny = true
			}
		}
	}()

	return out
}
