package ledger

import (
	"fmt"
	"sort"
)

// UtxoKey is the unique name of an unshielded UTXO.
type UtxoKey struct {
	IntentHash  Bytes32
	OutputIndex uint32
}

// UtxoMeta is the state the ledger keeps per unshielded UTXO.
type UtxoMeta struct {
	Owner        Bytes32
	TokenType    Bytes32
	Value        Uint128
	Ctime        uint64
	InitialNonce Bytes32
}

// State is the versioned, arena-backed ledger state. It is owned by exactly
// one holder; Apply* methods mutate it in place. The V8 schema adds the
// genesis pools; everything else is shared with V7.
type State struct {
	version LedgerVersion
	network string
	params  LedgerParameters

	utxos map[UtxoKey]UtxoMeta

	zswap *MerkleTree
	// coinContract maps zswap leaf indices onto the contract address whose
	// action produced the coin; zero for plain wallet outputs.
	coinContract map[uint64]Bytes32

	dust *dustState

	// V8 only.
	lockedPool  Uint128
	reservePool Uint128
	treasury    Uint128

	blockFullness SyntheticCost

	arena Backend
}

// New creates an empty ledger state for the given network, using the
// process-wide arena.
func New(networkID string, pv ProtocolVersion) (*State, error) {
	version, err := LedgerVersionFor(pv)
	if err != nil {
		return nil, err
	}
	return newState(networkID, version, DefaultArena()), nil
}

func newState(networkID string, version LedgerVersion, arena Backend) *State {
	return &State{
		version:      version,
		network:      networkID,
		params:       InitialParameters(),
		utxos:        make(map[UtxoKey]UtxoMeta),
		zswap:        NewMerkleTree(),
		coinContract: make(map[uint64]Bytes32),
		dust:         newDustState(),
		arena:        arena,
	}
}

// FromGenesis deserializes a chain-spec-embedded genesis state. The state
// already includes block 0, so block 0 transactions must not be re-applied.
// Only defined for V8.
func FromGenesis(raw []byte, pv ProtocolVersion) (*State, error) {
	version, err := LedgerVersionFor(pv)
	if err != nil {
		return nil, err
	}
	if version != LedgerV8 {
		return nil, newError(ErrDeserialize, "GenesisLedgerState",
			fmt.Errorf("genesis state from chain spec is not supported for %s", version))
	}
	return decodeState(raw, version, DefaultArena())
}

// WithGenesisSettings creates a pre-block-0 state with the given pools, so
// block 0 transactions must be applied normally. Only defined for V8.
func WithGenesisSettings(networkID string, pv ProtocolVersion, lockedPool, reservePool, treasury Uint128) (*State, error) {
	version, err := LedgerVersionFor(pv)
	if err != nil {
		return nil, err
	}
	if version != LedgerV8 {
		return nil, newError(ErrGenesisSettings, version.String(),
			fmt.Errorf("genesis settings are not supported for %s", version))
	}
	s := newState(networkID, version, DefaultArena())
	s.lockedPool = lockedPool
	s.reservePool = reservePool
	s.treasury = treasury
	return s, nil
}

// Version returns the ledger schema version of this state.
func (s *State) Version() LedgerVersion {
	return s.version
}

// Network returns the network id the state was created for.
func (s *State) Network() string {
	return s.network
}

// Parameters returns the current ledger parameters without mutation.
func (s *State) Parameters() LedgerParameters {
	return s.params
}

// ZswapFirstFree is the first free index of the zswap commitment tree.
func (s *State) ZswapFirstFree() uint64 {
	return s.zswap.FirstFree()
}

// ZswapMerkleTreeRoot returns the rehashed zswap tree root.
func (s *State) ZswapMerkleTreeRoot() Bytes32 {
	return s.zswap.Rehash()
}

// CollapsedUpdate returns the zswap merkle-tree collapsed update blob for
// the inclusive index range.
func (s *State) CollapsedUpdate(start, end uint64) ([]byte, error) {
	return s.zswap.CollapsedUpdate(start, end)
}

// ExtractContractZswapState serializes the zswap sub-state filtered to the
// coins produced by the given contract address.
func (s *State) ExtractContractZswapState(address Bytes32) []byte {
	filtered := NewMerkleTree()
	for index := uint64(0); index < s.zswap.FirstFree(); index++ {
		if s.coinContract[index] != address {
			continue
		}
		leaf, _ := s.zswap.Leaf(index)
		filtered.Append(leaf)
	}
	e := newEncoder()
	filtered.encode(e)
	return e.bytes()
}

// Translate upgrades the state schema in place. Upgrades are one-way:
// downgrading is an error. Translation re-reads the encoded state at the
// target version; the node encoding is compatible across versions.
func (s *State) Translate(target LedgerVersion) (*State, error) {
	switch {
	case s.version == target:
		return s, nil
	case s.version == LedgerV7 && target == LedgerV8:
		raw := s.encodeState()
		next, err := decodeState(raw, target, s.arena)
		if err != nil {
			return nil, err
		}
		next.blockFullness = s.blockFullness
		return next, nil
	default:
		return nil, newError(ErrBackwardsTranslation,
			fmt.Sprintf("%s to %s", s.version, target), nil)
	}
}

// encodeState writes the full state in its node encoding. The version tag is
// the writer's schema; readers accept any tag not newer than their own.
func (s *State) encodeState() []byte {
	e := newEncoder()
	e.writeU8(uint8(s.version))
	e.writeBytes([]byte(s.network))
	s.params.encode(e)

	e.writeU64(uint64(len(s.utxos)))
	for _, key := range sortedUtxoKeys(s.utxos) {
		meta := s.utxos[key]
		e.writeBytes32(key.IntentHash)
		e.writeU32(key.OutputIndex)
		e.writeBytes32(meta.Owner)
		e.writeBytes32(meta.TokenType)
		e.writeU128(meta.Value)
		e.writeU64(meta.Ctime)
		e.writeBytes32(meta.InitialNonce)
	}

	s.zswap.encode(e)
	e.writeU64(uint64(len(s.coinContract)))
	for _, index := range sortedUint64Keys(s.coinContract) {
		e.writeU64(index)
		e.writeBytes32(s.coinContract[index])
	}

	s.dust.encode(e)

	if s.version >= LedgerV8 {
		e.writeU128(s.lockedPool)
		e.writeU128(s.reservePool)
		e.writeU128(s.treasury)
	}
	return e.bytes()
}

func decodeState(raw []byte, target LedgerVersion, arena Backend) (*State, error) {
	d := newDecoder(raw)
	tag := LedgerVersion(d.readU8("version tag"))
	if d.err == nil && tag > target {
		return nil, newError(ErrBackwardsTranslation,
			fmt.Sprintf("%s to %s", tag, target), nil)
	}
	if d.err == nil && tag != LedgerV7 && tag != LedgerV8 {
		return nil, newError(ErrDeserialize, "LedgerState", fmt.Errorf("unknown version tag %d", tag))
	}

	s := newState("", target, arena)
	s.network = string(d.readBytes("network id"))
	s.params = decodeParameters(d)

	n := d.readU64("utxos")
	for i := uint64(0); i < n && d.err == nil; i++ {
		key := UtxoKey{
			IntentHash:  d.readBytes32("utxo key"),
			OutputIndex: d.readU32("utxo key"),
		}
		s.utxos[key] = UtxoMeta{
			Owner:        d.readBytes32("utxo meta"),
			TokenType:    d.readBytes32("utxo meta"),
			Value:        d.readU128("utxo meta"),
			Ctime:        d.readU64("utxo meta"),
			InitialNonce: d.readBytes32("utxo meta"),
		}
	}

	s.zswap = decodeMerkleTree(d, "zswap tree")
	n = d.readU64("coin contracts")
	for i := uint64(0); i < n && d.err == nil; i++ {
		index := d.readU64("coin contract index")
		s.coinContract[index] = d.readBytes32("coin contract address")
	}

	s.dust = decodeDustState(d)

	if tag >= LedgerV8 {
		s.lockedPool = d.readU128("locked pool")
		s.reservePool = d.readU128("reserve pool")
		s.treasury = d.readU128("treasury")
	}

	if d.err != nil {
		return nil, newError(ErrDeserialize, "LedgerState", d.err)
	}
	return s, nil
}

// Serialize returns the full node encoding of the state, the blob the
// indexer snapshots alongside the block height that produced it.
func (s *State) Serialize() ([]byte, error) {
	return s.encodeState(), nil
}

// Deserialize is the inverse of Serialize.
func Deserialize(raw []byte, pv ProtocolVersion) (*State, error) {
	version, err := LedgerVersionFor(pv)
	if err != nil {
		return nil, err
	}
	return decodeState(raw, version, DefaultArena())
}

// ComputeStateRoot produces the same key bytes as Persist without touching
// the arena.
func (s *State) ComputeStateRoot() Bytes32 {
	return hashNode(s.encodeState())
}

// Persist flushes the state into the arena, registers the new root and
// returns the state key. The previous root (if any) keeps its count; GC of
// stale snapshots is driven by the roots table.
func (s *State) Persist() (Bytes32, error) {
	object := s.encodeState()
	key := hashNode(object)
	count := s.arena.GetRootCount(key)
	s.arena.BatchUpdate([]Update{
		{Kind: UpdateInsertNode, Key: key, Object: object, RefCount: 0},
		{Kind: UpdateSetRootCount, Key: key, RootCount: count + 1},
	})
	return key, nil
}

// Load rehydrates a persisted state from its key.
func Load(key Bytes32, pv ProtocolVersion) (*State, error) {
	version, err := LedgerVersionFor(pv)
	if err != nil {
		return nil, err
	}
	arena := DefaultArena()
	object, ok := arena.GetNode(key)
	if !ok {
		return nil, newError(ErrLoadLedgerState, key.String(), nil)
	}
	return decodeState(object, version, arena)
}

func sortedUtxoKeys(m map[UtxoKey]UtxoMeta) []UtxoKey {
	keys := make([]UtxoKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].IntentHash != keys[j].IntentHash {
			return string(keys[i].IntentHash[:]) < string(keys[j].IntentHash[:])
		}
		return keys[i].OutputIndex < keys[j].OutputIndex
	})
	return keys
}

func sortedUint64Keys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
