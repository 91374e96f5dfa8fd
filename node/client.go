package node

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerman17/midnight-indexer/consts"
	"github.com/containerman17/midnight-indexer/ledger"
)

// Runtime constants of the Midnight node: pallet/call indices and storage
// keys (twox128(pallet) ++ twox128(item)) the adapter reads.
const (
	palletIndexTimestamp = 2
	palletIndexMidnight  = 7

	callTimestampSet         = 0
	callSendMnTransaction    = 0
	callSendSystemTransaction = 1
)

var (
	keyAuraAuthorities = mustHexKey("57f8dc2f5ab09467896f47300f0424385e0621c4869aa60c02be9adcc98a0d1d")
	keySessionIndex    = mustHexKey("cec5070d609dd3497f72bde07fc96ba04c014e6bf8b8c2c011e7290b85696bb3")
	keyDParameter      = mustHexKey("a0eb495036d368bc969dd92c4b9a1cb17c8056af1b40a23ad4a96e80f1e4d302")
	keyTermsAndConds   = mustHexKey("a0eb495036d368bc969dd92c4b9a1cb1fb9f3b48fc5d486b5d36e01be71561d4")
	keyDustRegEvents   = mustHexKey("b8ad426b5f486f029f7b2d2054a2ff3271b2b2eafbc7a9b18b04c0b1a8dac156")
	keyContractState   = mustHexKey("d53e95b175b1b2f1810ba5bf00dea361d1f337f2f042f40bee58a9450db45a8c")
)

func mustHexKey(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// Config for the node connection.
type Config struct {
	// URL of the node RPC endpoint; http(s) and ws(s) are derived from it.
	URL string

	// GenesisProtocolVersion applies to blocks whose digest carries no
	// protocol version.
	GenesisProtocolVersion uint32

	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	// CacheDir enables the pebble-backed immutable block cache when set.
	CacheDir string
}

// Client is the node adapter.
type Client struct {
	httpURL string
	wsURL   string

	httpClient *http.Client
	requestID  uint64

	genesisProtocolVersion uint32
	reconnectMaxDelay      time.Duration
	reconnectMaxAttempts   int

	cache *BlockCache

	mu           sync.Mutex
	authorities  []ledger.Bytes32
	sessionIndex uint32
	// runtime metadata client cache, keyed by protocol version
	// major/minor compatibility.
	runtimePV       uint32
	runtimeSpec     uint32
	runtimeTxVer    uint32
	runtimeMetaSize int
}

// NewClient creates a node adapter. The URL may be given in http or ws form.
func NewClient(cfg Config) (*Client, error) {
	httpURL := cfg.URL
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	wsURL := cfg.URL
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	if !strings.HasPrefix(wsURL, "ws") {
		return nil, fmt.Errorf("cannot derive WebSocket URL from %q", cfg.URL)
	}

	reconnectMaxDelay := cfg.ReconnectMaxDelay
	if reconnectMaxDelay <= 0 {
		reconnectMaxDelay = consts.NodeReconnectMaxDelay
	}
	reconnectMaxAttempts := cfg.ReconnectMaxAttempts
	if reconnectMaxAttempts <= 0 {
		reconnectMaxAttempts = consts.NodeReconnectMaxAttempts
	}

	c := &Client{
		httpURL:                httpURL,
		wsURL:                  wsURL,
		httpClient:             newHTTPClient(),
		genesisProtocolVersion: cfg.GenesisProtocolVersion,
		reconnectMaxDelay:      reconnectMaxDelay,
		reconnectMaxAttempts:   reconnectMaxAttempts,
	}

	if cfg.CacheDir != "" {
		cache, err := NewBlockCache(cfg.CacheDir)
		if err != nil {
			return nil, err
		}
		c.cache = cache
	}

	return c, nil
}

// Close releases the block cache.
func (c *Client) Close() error {
	if c.cache != nil {
		return c.cache.Close()
	}
	return nil
}

// substrate JSON shapes

type headerJSON struct {
	ParentHash string `json:"parentHash"`
	Number     string `json:"number"`
	Digest     struct {
		Logs []string `json:"logs"`
	} `json:"digest"`
}

type signedBlockJSON struct {
	Block struct {
		Header     headerJSON `json:"header"`
		Extrinsics []string   `json:"extrinsics"`
	} `json:"block"`
}

func parseHexNumber(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

// GetBlockHash resolves a height to the canonical block hash.
func (c *Client) GetBlockHash(ctx context.Context, height uint32) (ledger.Bytes32, error) {
	var hashHex string
	if err := c.rpcCall(ctx, "chain_getBlockHash", []interface{}{height}, &hashHex); err != nil {
		return ledger.Bytes32{}, err
	}
	return ledger.Bytes32FromHex(hashHex)
}

// GetFinalizedHead returns the hash of the node's latest finalized block.
func (c *Client) GetFinalizedHead(ctx context.Context) (ledger.Bytes32, error) {
	var hashHex string
	if err := c.rpcCall(ctx, "chain_getFinalizedHead", []interface{}{}, &hashHex); err != nil {
		return ledger.Bytes32{}, err
	}
	return ledger.Bytes32FromHex(hashHex)
}

// getSignedBlock fetches the raw block payload, via the immutable cache
// when enabled.
func (c *Client) getSignedBlock(ctx context.Context, hash ledger.Bytes32) (*signedBlockJSON, error) {
	if c.cache != nil {
		if raw, ok := c.cache.Get(hash); ok {
			var sb signedBlockJSON
			if err := json.Unmarshal(raw, &sb); err == nil {
				return &sb, nil
			}
		}
	}

	var raw json.RawMessage
	if err := c.rpcCall(ctx, "chain_getBlock", []interface{}{"0x" + hash.String()}, &raw); err != nil {
		return nil, err
	}
	var sb signedBlockJSON
	if err := json.Unmarshal(raw, &sb); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", hash, err)
	}
	if c.cache != nil {
		c.cache.Put(hash, raw)
	}
	return &sb, nil
}

// getHeader fetches just the header of a block.
func (c *Client) getHeader(ctx context.Context, hash ledger.Bytes32) (*headerJSON, error) {
	var header headerJSON
	if err := c.rpcCall(ctx, "chain_getHeader", []interface{}{"0x" + hash.String()}, &header); err != nil {
		return nil, err
	}
	return &header, nil
}

// getStorage reads raw storage bytes at a block; ok is false for empty
// storage.
func (c *Client) getStorage(ctx context.Context, key []byte, at ledger.Bytes32) ([]byte, bool, error) {
	var result *string
	err := c.rpcCall(ctx, "state_getStorage",
		[]interface{}{"0x" + hex.EncodeToString(key), "0x" + at.String()}, &result)
	if err != nil {
		return nil, false, err
	}
	if result == nil {
		return nil, false, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(*result, "0x"))
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// compatibleRuntime ensures a runtime-metadata client compatible with the
// protocol version, fetching runtime version and V15 metadata when the
// major/minor pair changes.
func (c *Client) compatibleRuntime(ctx context.Context, pv uint32, at ledger.Bytes32) error {
	c.mu.Lock()
	cached := c.runtimeMetaSize > 0 &&
		ledger.ProtocolVersion(c.runtimePV).IsCompatible(ledger.ProtocolVersion(pv))
	c.mu.Unlock()
	if cached {
		return nil
	}

	var version struct {
		SpecVersion        uint32 `json:"specVersion"`
		TransactionVersion uint32 `json:"transactionVersion"`
	}
	if err := c.rpcCall(ctx, "state_getRuntimeVersion", []interface{}{"0x" + at.String()}, &version); err != nil {
		return err
	}

	// Metadata must be requested at version 15 (a SCALE u32 argument); a
	// substrate detail.
	var metadataHex string
	if err := c.rpcCall(ctx, "state_call",
		[]interface{}{"Metadata_metadata_at_version", "0x0f000000", "0x" + at.String()}, &metadataHex); err != nil {
		return err
	}

	c.mu.Lock()
	c.runtimePV = pv
	c.runtimeSpec = version.SpecVersion
	c.runtimeTxVer = version.TransactionVersion
	c.runtimeMetaSize = len(metadataHex) / 2
	c.mu.Unlock()

	log.Printf("[node] runtime client refreshed: spec=%d tx=%d protocol=%s",
		version.SpecVersion, version.TransactionVersion, ledger.ProtocolVersion(pv))
	return nil
}

// refreshAuthorities loads the AURA authority set from storage at latest.
func (c *Client) refreshAuthorities(ctx context.Context) error {
	head, err := c.GetFinalizedHead(ctx)
	if err != nil {
		return err
	}
	raw, ok, err := c.getStorage(ctx, keyAuraAuthorities, head)
	if err != nil {
		return err
	}
	if !ok {
		c.mu.Lock()
		c.authorities = nil
		c.mu.Unlock()
		return nil
	}

	count, consumed, err := compactDecode(raw)
	if err != nil {
		return fmt.Errorf("decode authorities: %w", err)
	}
	authorities := make([]ledger.Bytes32, 0, count)
	offset := consumed
	for i := uint64(0); i < count; i++ {
		if offset+32 > len(raw) {
			return fmt.Errorf("truncated authority set")
		}
		a, _ := ledger.Bytes32FromSlice(raw[offset : offset+32])
		authorities = append(authorities, a)
		offset += 32
	}

	c.mu.Lock()
	c.authorities = authorities
	c.mu.Unlock()
	log.Printf("[node] authority set refreshed: %d authorities", len(authorities))
	return nil
}

// maybeRefreshAuthorities refreshes on first use and on session rotation.
func (c *Client) maybeRefreshAuthorities(ctx context.Context, at ledger.Bytes32) error {
	raw, ok, err := c.getStorage(ctx, keySessionIndex, at)
	sessionIndex := uint32(0)
	if err == nil && ok && len(raw) >= 4 {
		sessionIndex = binary.LittleEndian.Uint32(raw[:4])
	}

	c.mu.Lock()
	needRefresh := c.authorities == nil || (ok && sessionIndex != c.sessionIndex)
	c.sessionIndex = sessionIndex
	c.mu.Unlock()

	if !needRefresh {
		return nil
	}
	return c.refreshAuthorities(ctx)
}

// FetchBlock builds the uniform block record for the block with the given
// hash.
func (c *Client) FetchBlock(ctx context.Context, hash ledger.Bytes32) (*Block, error) {
	sb, err := c.getSignedBlock(ctx, hash)
	if err != nil {
		return nil, err
	}
	return c.makeBlock(ctx, hash, sb)
}

func (c *Client) makeBlock(ctx context.Context, hash ledger.Bytes32, sb *signedBlockJSON) (*Block, error) {
	header := &sb.Block.Header
	height64, err := parseHexNumber(header.Number)
	if err != nil {
		return nil, fmt.Errorf("parse block number %q: %w", header.Number, err)
	}
	height := uint32(height64)
	parentHash, err := ledger.Bytes32FromHex(header.ParentHash)
	if err != nil {
		return nil, fmt.Errorf("parse parent hash: %w", err)
	}

	digest, err := parseDigest(header.Digest.Logs)
	if err != nil {
		return nil, err
	}
	pv := digest.protocolVersion
	if pv == 0 {
		pv = c.genesisProtocolVersion
	}

	if err := c.maybeRefreshAuthorities(ctx, hash); err != nil {
		log.Printf("[node] cannot refresh authorities: %v", err)
	}
	var author *ledger.Bytes32
	c.mu.Lock()
	if digest.hasSlot && len(c.authorities) > 0 {
		a := c.authorities[digest.auraSlot%uint64(len(c.authorities))]
		author = &a
	}
	c.mu.Unlock()

	if err := c.compatibleRuntime(ctx, pv, hash); err != nil {
		return nil, fmt.Errorf("runtime client for %s: %w", ledger.ProtocolVersion(pv), err)
	}

	zswapRoot, err := c.fetchZswapStateRoot(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("zswap state root at %s: %w", hash, err)
	}

	block := &Block{
		Hash:            hash,
		Height:          height,
		ParentHash:      parentHash,
		ProtocolVersion: pv,
		Author:          author,
		ZswapStateRoot:  zswapRoot,
	}

	for _, extrinsicHex := range sb.Block.Extrinsics {
		raw, err := hex.DecodeString(strings.TrimPrefix(extrinsicHex, "0x"))
		if err != nil {
			log.Printf("[node] skipping extrinsic with invalid hex at height %d: %v", height, err)
			continue
		}
		if err := c.decodeExtrinsic(ctx, raw, hash, pv, block); err != nil {
			log.Printf("[node] skipping undecodable extrinsic at height %d: %v", height, err)
		}
	}

	block.DustRegistrationEvents = c.fetchDustRegistrations(ctx, hash, block.TimestampMs)

	return block, nil
}

type digestInfo struct {
	protocolVersion uint32
	auraSlot        uint64
	hasSlot         bool
}

// parseDigest walks the header digest logs for the AURA pre-runtime slot and
// the protocol version consensus entry.
func parseDigest(logs []string) (digestInfo, error) {
	var info digestInfo
	for _, logHex := range logs {
		raw, err := hex.DecodeString(strings.TrimPrefix(logHex, "0x"))
		if err != nil || len(raw) == 0 {
			continue
		}
		itemType := raw[0]
		switch itemType {
		case 6: // PreRuntime
			if len(raw) < 5 {
				continue
			}
			engine := string(raw[1:5])
			payload, _, err := scaleBytes(raw[5:])
			if err != nil {
				continue
			}
			if engine == "aura" && len(payload) >= 8 {
				info.auraSlot = binary.LittleEndian.Uint64(payload[:8])
				info.hasSlot = true
			}
		case 4: // Consensus
			if len(raw) < 5 {
				continue
			}
			engine := string(raw[1:5])
			payload, _, err := scaleBytes(raw[5:])
			if err != nil {
				continue
			}
			if engine == "midn" {
				pv, _, err := compactDecode(payload)
				if err == nil {
					info.protocolVersion = uint32(pv)
				}
			}
		}
	}
	return info, nil
}

// decodeExtrinsic dispatches one extrinsic into the block being built.
func (c *Client) decodeExtrinsic(ctx context.Context, raw []byte, blockHash ledger.Bytes32, pv uint32, block *Block) error {
	body, _, err := scaleBytes(raw)
	if err != nil {
		return fmt.Errorf("extrinsic length prefix: %w", err)
	}
	if len(body) < 3 {
		return fmt.Errorf("extrinsic too short")
	}
	// body[0] is the extrinsic format version; unsigned inherent calls
	// carry pallet and call indices right after.
	pallet := body[1]
	call := body[2]
	data := body[3:]

	switch {
	case pallet == palletIndexTimestamp && call == callTimestampSet:
		timestamp, _, err := compactDecode(data)
		if err != nil {
			return fmt.Errorf("timestamp extrinsic: %w", err)
		}
		block.TimestampMs = timestamp
		return nil

	case pallet == palletIndexMidnight && call == callSendMnTransaction:
		return c.appendLedgerTransaction(ctx, data, blockHash, pv, TxRegular, block)

	case pallet == palletIndexMidnight && call == callSendSystemTransaction:
		return c.appendLedgerTransaction(ctx, data, blockHash, pv, TxSystem, block)

	default:
		// Other pallets are of no interest to the indexer.
		return nil
	}
}

// appendLedgerTransaction decodes the hex-wrapped serialized ledger
// transaction and attaches per-transaction metadata.
func (c *Client) appendLedgerTransaction(ctx context.Context, data []byte, blockHash ledger.Bytes32, pv uint32, variant TransactionVariant, block *Block) error {
	wrapped, _, err := scaleBytes(data)
	if err != nil {
		return fmt.Errorf("transaction payload: %w", err)
	}
	raw := wrapped
	// The node wraps the serialized transaction in ASCII hex.
	if decoded, err := hex.DecodeString(strings.TrimPrefix(string(wrapped), "0x")); err == nil {
		raw = decoded
	}

	transaction := Transaction{
		Variant:         variant,
		Hash:            ledger.HashTransaction(raw),
		ProtocolVersion: pv,
		Raw:             raw,
	}

	if variant == TxRegular {
		decoded, err := ledger.DecodeTransaction(raw)
		if err != nil {
			return fmt.Errorf("ledger transaction: %w", err)
		}
		transaction.Identifiers = decoded.Identifiers
		transaction.ContractActions = c.makeContractActions(ctx, decoded, blockHash)
	} else {
		if _, err := ledger.DecodeSystemTransaction(raw); err != nil {
			return fmt.Errorf("system transaction: %w", err)
		}
	}

	transaction.PaidFees, transaction.EstimatedFees = c.fetchFees(ctx, raw, blockHash)

	block.Transactions = append(block.Transactions, transaction)
	return nil
}

func (c *Client) makeContractActions(ctx context.Context, tx *ledger.Transaction, blockHash ledger.Bytes32) []ContractAction {
	var actions []ContractAction
	for _, intent := range tx.Intents {
		for _, call := range intent.ContractActions {
			action := ContractAction{
				Address:    call.Address,
				Variant:    call.Variant,
				EntryPoint: call.EntryPoint,
				Deposits:   call.Deposits,
			}
			key := append(append([]byte{}, keyContractState...), call.Address[:]...)
			if state, ok, err := c.getStorage(ctx, key, blockHash); err == nil && ok {
				action.State = state
			}
			actions = append(actions, action)
		}
	}
	return actions
}

// fetchFees asks the runtime for the transaction fee, falling back to the
// deterministic size-based estimate.
func (c *Client) fetchFees(ctx context.Context, raw []byte, blockHash ledger.Bytes32) (paid, estimated ledger.Uint128) {
	var info struct {
		PartialFee string `json:"partialFee"`
	}
	extrinsic := append(compactEncode(uint64(len(raw))), raw...)
	err := c.rpcCall(ctx, "payment_queryInfo",
		[]interface{}{"0x" + hex.EncodeToString(extrinsic), "0x" + blockHash.String()}, &info)
	if err == nil && info.PartialFee != "" {
		var fee ledger.Uint128
		if fee.UnmarshalText([]byte(info.PartialFee)) == nil {
			return fee, fee
		}
	}
	if err != nil {
		log.Printf("[node] cannot get runtime API fees, using fallback: %v", err)
	}
	fallback := ledger.EstimateFees(ledger.InitialParameters(), len(raw))
	return fallback, fallback
}

// fetchZswapStateRoot reads the declared zswap state root at a block.
func (c *Client) fetchZswapStateRoot(ctx context.Context, blockHash ledger.Bytes32) ([]byte, error) {
	var resultHex string
	err := c.rpcCall(ctx, "state_call",
		[]interface{}{"MidnightRuntimeApi_zswap_state_root", "0x", "0x" + blockHash.String()}, &resultHex)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimPrefix(resultHex, "0x"))
}

// fetchDustRegistrations reads the cNIGHT registration events recorded for a
// block. Missing storage means no registrations.
func (c *Client) fetchDustRegistrations(ctx context.Context, blockHash ledger.Bytes32, timestampMs uint64) []DustRegistrationEvent {
	raw, ok, err := c.getStorage(ctx, keyDustRegEvents, blockHash)
	if err != nil || !ok {
		return nil
	}

	count, consumed, err := compactDecode(raw)
	if err != nil {
		return nil
	}
	offset := consumed
	var events []DustRegistrationEvent
	for i := uint64(0); i < count; i++ {
		address, n, err := scaleBytes(raw[offset:])
		if err != nil {
			return events
		}
		offset += n
		if offset+32+1+8 > len(raw) {
			return events
		}
		dustAddress, _ := ledger.Bytes32FromSlice(raw[offset : offset+32])
		offset += 32
		isValid := raw[offset] != 0
		offset++
		registeredAt := binary.LittleEndian.Uint64(raw[offset : offset+8])
		offset += 8

		event := DustRegistrationEvent{
			CardanoAddress: append([]byte{}, address...),
			DustAddress:    dustAddress,
			IsValid:        isValid,
			Timestamp:      registeredAt,
		}
		if !isValid {
			removedAt := timestampMs
			event.RemovedAt = &removedAt
		}
		events = append(events, event)
	}
	return events
}

// FetchSystemParameters reads the governance parameters at a block.
func (c *Client) FetchSystemParameters(ctx context.Context, blockHash ledger.Bytes32) (*SystemParameters, error) {
	params := &SystemParameters{}

	if raw, ok, err := c.getStorage(ctx, keyDParameter, blockHash); err != nil {
		return nil, err
	} else if ok && len(raw) >= 8 {
		params.DParameter = &DParameter{
			NumPermissionedCandidates: binary.LittleEndian.Uint32(raw[:4]),
			NumRegisteredCandidates:   binary.LittleEndian.Uint32(raw[4:8]),
		}
	}

	if raw, ok, err := c.getStorage(ctx, keyTermsAndConds, blockHash); err != nil {
		return nil, err
	} else if ok {
		url, n, err := scaleBytes(raw)
		if err == nil && len(raw) >= n+32 {
			params.TermsAndConditions = &TermsAndConditions{
				URL:  string(url),
				Hash: append([]byte{}, raw[n:n+32]...),
			}
		}
	}

	return params, nil
}
