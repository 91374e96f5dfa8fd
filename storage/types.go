// Package storage persists everything the indexer derives. Two backends
// implement the same contract: an embedded single-file SQLite database and a
// networked Postgres database.
package storage

import (
	"context"
	"encoding/json"

	"github.com/containerman17/midnight-indexer/ledger"
)

// BlockInfo identifies a block by hash and height.
type BlockInfo struct {
	Hash   ledger.Bytes32
	Height uint32
}

// Block is one row of the blocks table.
type Block struct {
	ID               int64
	Hash             ledger.Bytes32
	Height           uint32
	ProtocolVersion  uint32
	ParentHash       ledger.Bytes32
	Author           *ledger.Bytes32
	TimestampMs      uint64
	ZswapStateRoot   []byte
	LedgerParameters []byte
}

// TransactionVariant tags a stored transaction.
type TransactionVariant string

const (
	VariantRegular TransactionVariant = "Regular"
	VariantSystem  TransactionVariant = "System"
)

// Transaction is a fully derived transaction ready for storage. The ID is
// assigned by the database in node order at commit time.
type Transaction struct {
	ID              int64
	Variant         TransactionVariant
	Hash            ledger.Bytes32
	ProtocolVersion uint32
	Raw             []byte

	// Regular transactions only.
	TransactionResult ledger.TransactionResult
	Identifiers       [][]byte
	MerkleTreeRoot    []byte
	StartIndex        uint64
	EndIndex          uint64
	PaidFees          ledger.Uint128
	EstimatedFees     ledger.Uint128
	ContractActions   []ContractAction

	CreatedUnshieldedUtxos []ledger.UnshieldedUtxo
	SpentUnshieldedUtxos   []ledger.UnshieldedUtxo
	DustEvents             []ledger.DustEvent

	// System transactions only.
	Metadata *ledger.SystemMetadata
}

// ContractAction is one row of the contract_actions table plus its balances.
type ContractAction struct {
	ID            int64
	TransactionID int64
	Address       ledger.Bytes32
	State         []byte
	ZswapState    []byte
	Variant       ledger.ContractActionVariant
	Attributes    json.RawMessage
	Balances      []ledger.ContractBalance
}

// UnshieldedUtxoRow is a read-side row of the unshielded_utxos table.
type UnshieldedUtxoRow struct {
	CreatingTransactionID int64
	SpendingTransactionID *int64
	Owner                 ledger.Bytes32
	TokenType             ledger.Bytes32
	Value                 ledger.Uint128
	IntentHash            ledger.Bytes32
	OutputIndex           uint32
	Ctime                 *uint64
	InitialNonce          ledger.Bytes32
	RegisteredForDust     bool
}

// DustUtxoRow is a row of the dust_utxos table.
type DustUtxoRow struct {
	Commitment           ledger.Bytes32
	Nullifier            *ledger.Bytes32
	InitialValue         ledger.Uint128
	Owner                ledger.Bytes32
	Nonce                ledger.Bytes32
	Seq                  uint32
	Ctime                uint64
	GenerationInfoID     *int64
	SpentAtTransactionID *int64
}

// DustGenerationRow is a row of the dust_generation_info table. A NULL dtime
// means the generation is ongoing.
type DustGenerationRow struct {
	ID          int64
	Value       ledger.Uint128
	Owner       ledger.Bytes32
	Nonce       ledger.Bytes32
	Ctime       uint64
	Dtime       *uint64
	MerkleIndex uint64
}

// TreeKind selects one of the two DUST merkle trees.
type TreeKind string

const (
	TreeCommitment TreeKind = "commitment"
	TreeGeneration TreeKind = "generation"
)

// MerkleTreeUpdate is one row of the dust_*_tree tables: the tree state
// after a block, one row per block per tree kind.
type MerkleTreeUpdate struct {
	Kind        TreeKind
	BlockHeight uint32
	MerkleIndex uint64
	Root        []byte
	TreeData    []ledger.PathEntry
}

// DParameter is the committee composition governance parameter.
type DParameter struct {
	NumPermissionedCandidates uint32 `json:"num_permissioned_candidates"`
	NumRegisteredCandidates   uint32 `json:"num_registered_candidates"`
}

// TermsAndConditions is the governance-published T&C document reference.
type TermsAndConditions struct {
	URL  string `json:"url"`
	Hash []byte `json:"hash"`
}

// SystemParametersChange is one row of the append-only
// system_parameters_changes table. Only the values that actually changed are
// set.
type SystemParametersChange struct {
	BlockHeight        uint32
	BlockHash          ledger.Bytes32
	TimestampMs        uint64
	DParameter         *DParameter
	TermsAndConditions *TermsAndConditions
}

// Registration is one row of the cnight_registrations table.
type Registration struct {
	CardanoAddress []byte
	DustAddress    ledger.Bytes32
	IsValid        bool
	RegisteredAt   uint64
	RemovedAt      *uint64
	ID             int64
}

// LedgerStateRow is the single-row ledger_state record.
type LedgerStateRow struct {
	Blob            []byte
	BlockHeight     uint32
	ProtocolVersion uint32
}

// StoredTransaction is one serialized transaction read back for replay.
type StoredTransaction struct {
	Variant TransactionVariant
	Raw     []byte
}

// BlockTransactions is everything needed to re-apply one block's
// transactions to the ledger state.
type BlockTransactions struct {
	Transactions     []StoredTransaction
	ProtocolVersion  uint32
	BlockParentHash  ledger.Bytes32
	BlockTimestampMs uint64
	ParentTimestampMs uint64
}

// TransactionReadRow is the read-side transaction projection served by the
// API. Hashes are not unique: failed transactions may reuse a hash, so hash
// lookups return multiple rows.
type TransactionReadRow struct {
	ID                int64
	BlockHash         ledger.Bytes32
	BlockHeight       uint32
	Variant           TransactionVariant
	Hash              ledger.Bytes32
	ProtocolVersion   uint32
	TransactionResult json.RawMessage
	MerkleTreeRoot    []byte
	StartIndex        uint64
	EndIndex          uint64
	PaidFees          ledger.Uint128
	EstimatedFees     ledger.Uint128
}

// DustEventRow is a read-side row of the dust_events table.
type DustEventRow struct {
	TransactionID   int64
	TransactionHash ledger.Bytes32
	LogicalSegment  uint16
	PhysicalSegment uint16
	EventType       string
	EventData       json.RawMessage
}

// NullifierTransaction pairs a spending transaction with the nullifier that
// matched a search prefix.
type NullifierTransaction struct {
	TransactionID int64
	Nullifier     ledger.Bytes32
}

// Storage is the contract both backends implement. All calls are safe for
// concurrent use; SaveBlock serializes all writes of one block into a single
// database transaction.
type Storage interface {
	Migrate(ctx context.Context) error
	Close() error

	// Write path.
	SaveBlock(ctx context.Context, block *Block, transactions []*Transaction, registrations []Registration, treeUpdates []MerkleTreeUpdate, ledgerState *LedgerStateRow) (maxTransactionID int64, err error)
	SaveLedgerState(ctx context.Context, row *LedgerStateRow) error
	SaveSystemParametersChange(ctx context.Context, change *SystemParametersChange) error

	// Startup reads.
	GetHighestBlockInfo(ctx context.Context) (*BlockInfo, error)
	GetTransactionCount(ctx context.Context) (uint64, error)
	GetContractActionCounts(ctx context.Context) (deploy, call, update uint64, err error)
	GetLedgerState(ctx context.Context) (*LedgerStateRow, error)
	GetBlockTransactions(ctx context.Context, height uint32) (*BlockTransactions, error)

	// Governance parameters.
	GetLatestDParameter(ctx context.Context) (*DParameter, error)
	GetLatestTermsAndConditions(ctx context.Context) (*TermsAndConditions, error)
	GetDParameterHistory(ctx context.Context) ([]SystemParametersChange, error)
	GetTermsAndConditionsHistory(ctx context.Context) ([]SystemParametersChange, error)

	// Point reads.
	GetBlockByHash(ctx context.Context, hash ledger.Bytes32) (*Block, error)
	GetBlockByHeight(ctx context.Context, height uint32) (*Block, error)
	GetLatestBlock(ctx context.Context) (*Block, error)
	GetTransactionsByHash(ctx context.Context, hash ledger.Bytes32) ([]TransactionReadRow, error)
	GetLatestContractAction(ctx context.Context, address ledger.Bytes32) (*ContractAction, error)
	GetUnshieldedUtxosByOwner(ctx context.Context, owner ledger.Bytes32) ([]UnshieldedUtxoRow, error)
	GetDustGenerationsByOwner(ctx context.Context, owner ledger.Bytes32) ([]DustGenerationRow, error)
	GetDustUtxosByOwner(ctx context.Context, owner ledger.Bytes32) ([]DustUtxoRow, error)
	GetRegistrationsByCardanoAddresses(ctx context.Context, addresses [][]byte) ([]Registration, error)

	// Batched stream reads. Each returns at most limit rows ordered by its
	// cursor; an empty result means the stream is exhausted.
	GetBlocksFrom(ctx context.Context, fromHeight uint32, limit int) ([]Block, error)
	GetContractActionsFrom(ctx context.Context, address ledger.Bytes32, fromTransactionID int64, limit int) ([]ContractAction, error)
	GetTransactionsByAddressFrom(ctx context.Context, address ledger.Bytes32, fromTransactionID int64, limit int) ([]TransactionReadRow, error)
	GetTransactionsFromIndex(ctx context.Context, fromEndIndex uint64, limit int) ([]TransactionReadRow, error)
	GetDustEventsFrom(ctx context.Context, fromTransactionID int64, limit int) ([]DustEventRow, error)
	GetDustGenerationsFrom(ctx context.Context, owner ledger.Bytes32, fromMerkleIndex uint64, limit int) ([]DustGenerationRow, error)
	GetDustCommitmentsFrom(ctx context.Context, prefixes [][]byte, fromMerkleIndex uint64, limit int) ([]DustUtxoRow, error)
	GetDustNullifierTransactions(ctx context.Context, prefixes [][]byte, afterBlock uint32, fromTransactionID int64, limit int) ([]NullifierTransaction, error)
	GetRegistrationUpdatesFrom(ctx context.Context, addresses [][]byte, fromID int64, limit int) ([]Registration, error)

	// Progress scalars.
	GetHighestTransactionID(ctx context.Context) (int64, error)
	GetHighestEndIndex(ctx context.Context) (uint64, error)
	GetHighestGenerationIndex(ctx context.Context, owner ledger.Bytes32) (uint64, error)
	CountActiveGenerations(ctx context.Context, owner ledger.Bytes32) (uint64, error)
	CountNullifierMatches(ctx context.Context, prefixes [][]byte) (uint64, error)
}
