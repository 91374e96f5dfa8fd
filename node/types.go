// Package node talks to the Midnight node over JSON-RPC and WebSocket and
// turns runtime blocks into uniform block records for indexing.
package node

import (
	"github.com/containerman17/midnight-indexer/ledger"
)

// BlockInfo identifies a block by hash and height.
type BlockInfo struct {
	Hash   ledger.Bytes32
	Height uint32
}

// TransactionVariant distinguishes user-submitted from node-injected
// transactions.
type TransactionVariant uint8

const (
	TxRegular TransactionVariant = iota
	TxSystem
)

// ContractAction is a contract action decoded from a transaction, with the
// contract state fetched from the node at the block. The zswap state is
// filled in later from the re-executed ledger state.
type ContractAction struct {
	Address    ledger.Bytes32
	Variant    ledger.ContractActionVariant
	EntryPoint string
	State      []byte
	Deposits   []ledger.ContractBalance
}

// Transaction is one decoded transaction of a block.
type Transaction struct {
	Variant         TransactionVariant
	Hash            ledger.Bytes32
	ProtocolVersion uint32
	Raw             []byte
	Identifiers     [][]byte
	ContractActions []ContractAction
	PaidFees        ledger.Uint128
	EstimatedFees   ledger.Uint128
}

// DustRegistrationEvent is a cNIGHT registration change found in a block's
// events.
type DustRegistrationEvent struct {
	CardanoAddress []byte
	DustAddress    ledger.Bytes32
	IsValid        bool
	Timestamp      uint64
	RemovedAt      *uint64
}

// Block is the uniform block record the indexer consumes.
type Block struct {
	Hash                   ledger.Bytes32
	Height                 uint32
	ParentHash             ledger.Bytes32
	ProtocolVersion        uint32
	Author                 *ledger.Bytes32
	TimestampMs            uint64
	ZswapStateRoot         []byte
	Transactions           []Transaction
	DustRegistrationEvents []DustRegistrationEvent
}

// Info returns the block's identifying pair.
func (b *Block) Info() BlockInfo {
	return BlockInfo{Hash: b.Hash, Height: b.Height}
}

// BlockResult is one item of a block stream.
type BlockResult struct {
	Block *Block
	Err   error
}

// DParameter mirrors the on-chain committee composition parameter.
type DParameter struct {
	NumPermissionedCandidates uint32
	NumRegisteredCandidates   uint32
}

// TermsAndConditions mirrors the on-chain T&C document reference.
type TermsAndConditions struct {
	URL  string
	Hash []byte
}

// SystemParameters is the governance parameter snapshot fetched per block.
type SystemParameters struct {
	DParameter         *DParameter
	TermsAndConditions *TermsAndConditions
}
