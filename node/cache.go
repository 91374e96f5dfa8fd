package node

import (
	"github.com/cockroachdb/pebble/v2"
	"github.com/containerman17/midnight-indexer/ledger"
	"github.com/klauspost/compress/zstd"
)

// BlockCache caches immutable RPC responses forever, keyed by block hash.
// Finalized block payloads never change, so the cache directory can be
// deleted at any time to force re-fetch; it repopulates on demand. Payloads
// are zstd-compressed.
type BlockCache struct {
	db  *pebble.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewBlockCache(dir string) (*BlockCache, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	dec, _ := zstd.NewReader(nil)
	return &BlockCache{db: db, enc: enc, dec: dec}, nil
}

func (c *BlockCache) Close() error {
	return c.db.Close()
}

func blockCacheKey(hash ledger.Bytes32) []byte {
	return append([]byte("block:"), hash[:]...)
}

// Get returns the cached payload for a block hash.
func (c *BlockCache) Get(hash ledger.Bytes32) ([]byte, bool) {
	val, closer, err := c.db.Get(blockCacheKey(hash))
	if err != nil {
		return nil, false
	}
	defer closer.Close()
	decompressed, err := c.dec.DecodeAll(val, nil)
	if err != nil {
		return nil, false
	}
	return decompressed, true
}

// Put stores a block payload. Write failures only cost a future re-fetch.
func (c *BlockCache) Put(hash ledger.Bytes32, payload []byte) {
	compressed := c.enc.EncodeAll(payload, nil)
	_ = c.db.Set(blockCacheKey(hash), compressed, pebble.NoSync)
}
