package api

import (
	"encoding/json"

	"github.com/containerman17/midnight-indexer/ledger"
	"github.com/containerman17/midnight-indexer/storage"
)

// Wire DTOs. Byte values render as hex, amounts as decimal strings.

type blockDTO struct {
	Type             string          `json:"type"`
	Hash             ledger.Bytes32  `json:"hash"`
	Height           uint32          `json:"height"`
	ProtocolVersion  uint32          `json:"protocolVersion"`
	ParentHash       ledger.Bytes32  `json:"parentHash"`
	Author           *ledger.Bytes32 `json:"author,omitempty"`
	Timestamp        uint64          `json:"timestamp"`
	ZswapStateRoot   string          `json:"zswapStateRoot"`
	LedgerParameters string          `json:"ledgerParameters,omitempty"`
}

func makeBlockDTO(b *storage.Block) blockDTO {
	return blockDTO{
		Type:             "block",
		Hash:             b.Hash,
		Height:           b.Height,
		ProtocolVersion:  b.ProtocolVersion,
		ParentHash:       b.ParentHash,
		Author:           b.Author,
		Timestamp:        b.TimestampMs,
		ZswapStateRoot:   hexString(b.ZswapStateRoot),
		LedgerParameters: hexString(b.LedgerParameters),
	}
}

type transactionDTO struct {
	Type              string          `json:"type"`
	ID                int64           `json:"id"`
	BlockHash         ledger.Bytes32  `json:"blockHash"`
	BlockHeight       uint32          `json:"blockHeight"`
	Variant           string          `json:"variant"`
	Hash              ledger.Bytes32  `json:"hash"`
	ProtocolVersion   uint32          `json:"protocolVersion"`
	TransactionResult json.RawMessage `json:"transactionResult,omitempty"`
	MerkleTreeRoot    string          `json:"merkleTreeRoot,omitempty"`
	StartIndex        uint64          `json:"startIndex"`
	EndIndex          uint64          `json:"endIndex"`
	PaidFees          ledger.Uint128  `json:"paidFees"`
	EstimatedFees     ledger.Uint128  `json:"estimatedFees"`
}

func makeTransactionDTO(t *storage.TransactionReadRow) transactionDTO {
	return transactionDTO{
		Type:              "transaction",
		ID:                t.ID,
		BlockHash:         t.BlockHash,
		BlockHeight:       t.BlockHeight,
		Variant:           string(t.Variant),
		Hash:              t.Hash,
		ProtocolVersion:   t.ProtocolVersion,
		TransactionResult: t.TransactionResult,
		MerkleTreeRoot:    hexString(t.MerkleTreeRoot),
		StartIndex:        t.StartIndex,
		EndIndex:          t.EndIndex,
		PaidFees:          t.PaidFees,
		EstimatedFees:     t.EstimatedFees,
	}
}

type contractActionDTO struct {
	Type          string          `json:"type"`
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transactionId"`
	Address       ledger.Bytes32  `json:"address"`
	Variant       string          `json:"variant"`
	State         string          `json:"state,omitempty"`
	ZswapState    string          `json:"zswapState,omitempty"`
	Attributes    json.RawMessage `json:"attributes,omitempty"`
	Balances      []balanceDTO    `json:"balances,omitempty"`
}

type balanceDTO struct {
	TokenType ledger.Bytes32 `json:"tokenType"`
	Amount    ledger.Uint128 `json:"amount"`
}

func makeContractActionDTO(a *storage.ContractAction) contractActionDTO {
	dto := contractActionDTO{
		Type:          "contractAction",
		ID:            a.ID,
		TransactionID: a.TransactionID,
		Address:       a.Address,
		Variant:       a.Variant.String(),
		State:         hexString(a.State),
		ZswapState:    hexString(a.ZswapState),
		Attributes:    a.Attributes,
	}
	for _, b := range a.Balances {
		dto.Balances = append(dto.Balances, balanceDTO{TokenType: b.TokenType, Amount: b.Amount})
	}
	return dto
}

type dustGenerationDTO struct {
	Type        string          `json:"type"`
	Value       ledger.Uint128  `json:"value"`
	Owner       ledger.Bytes32  `json:"owner"`
	Nonce       ledger.Bytes32  `json:"nonce"`
	Ctime       uint64          `json:"ctime"`
	Dtime       *uint64         `json:"dtime,omitempty"`
	MerkleIndex uint64          `json:"merkleIndex"`
}

func makeDustGenerationDTO(g *storage.DustGenerationRow) dustGenerationDTO {
	return dustGenerationDTO{
		Type:        "dustGeneration",
		Value:       g.Value,
		Owner:       g.Owner,
		Nonce:       g.Nonce,
		Ctime:       g.Ctime,
		Dtime:       g.Dtime,
		MerkleIndex: g.MerkleIndex,
	}
}

type dustUtxoDTO struct {
	Type                 string          `json:"type"`
	Commitment           ledger.Bytes32  `json:"commitment"`
	Nullifier            *ledger.Bytes32 `json:"nullifier,omitempty"`
	InitialValue         ledger.Uint128  `json:"initialValue"`
	Owner                ledger.Bytes32  `json:"owner"`
	Ctime                uint64          `json:"ctime"`
	MerkleIndex          *int64          `json:"merkleIndex,omitempty"`
	SpentAtTransactionID *int64          `json:"spentAtTransactionId,omitempty"`
}

func makeDustUtxoDTO(u *storage.DustUtxoRow) dustUtxoDTO {
	return dustUtxoDTO{
		Type:                 "dustCommitment",
		Commitment:           u.Commitment,
		Nullifier:            u.Nullifier,
		InitialValue:         u.InitialValue,
		Owner:                u.Owner,
		Ctime:                u.Ctime,
		MerkleIndex:          u.GenerationInfoID,
		SpentAtTransactionID: u.SpentAtTransactionID,
	}
}

type dustEventDTO struct {
	Type            string          `json:"type"`
	TransactionID   int64           `json:"transactionId"`
	TransactionHash ledger.Bytes32  `json:"transactionHash"`
	LogicalSegment  uint16          `json:"logicalSegment"`
	PhysicalSegment uint16          `json:"physicalSegment"`
	EventType       string          `json:"eventType"`
	EventData       json.RawMessage `json:"eventData"`
}

func makeDustEventDTO(e *storage.DustEventRow) dustEventDTO {
	return dustEventDTO{
		Type:            "ledgerEvent",
		TransactionID:   e.TransactionID,
		TransactionHash: e.TransactionHash,
		LogicalSegment:  e.LogicalSegment,
		PhysicalSegment: e.PhysicalSegment,
		EventType:       e.EventType,
		EventData:       e.EventData,
	}
}

type registrationDTO struct {
	Type           string         `json:"type"`
	CardanoAddress string         `json:"cardanoAddress"`
	DustAddress    ledger.Bytes32 `json:"dustAddress"`
	IsValid        bool           `json:"isValid"`
	RegisteredAt   uint64         `json:"registeredAt"`
	RemovedAt      *uint64        `json:"removedAt,omitempty"`
}

func makeRegistrationDTO(r *storage.Registration) registrationDTO {
	return registrationDTO{
		Type:           "dustRegistration",
		CardanoAddress: hexString(r.CardanoAddress),
		DustAddress:    r.DustAddress,
		IsValid:        r.IsValid,
		RegisteredAt:   r.RegisteredAt,
		RemovedAt:      r.RemovedAt,
	}
}

type nullifierTransactionDTO struct {
	Type          string         `json:"type"`
	TransactionID int64          `json:"transactionId"`
	Nullifier     ledger.Bytes32 `json:"nullifier"`
}

type viewingUpdateDTO struct {
	Type        string         `json:"type"`
	Index       uint64         `json:"index"`
	Transaction transactionDTO `json:"update"`
}

type shieldedProgressDTO struct {
	Type                       string `json:"type"`
	HighestIndex               uint64 `json:"highestIndex"`
	HighestRelevantIndex       uint64 `json:"highestRelevantIndex"`
	HighestRelevantWalletIndex uint64 `json:"highestRelevantWalletIndex"`
}

type progressDTO struct {
	Type                  string `json:"type"`
	HighestHeight         uint32 `json:"highestHeight,omitempty"`
	HighestTransactionID  int64  `json:"highestTransactionId,omitempty"`
	HighestIndex          uint64 `json:"highestIndex,omitempty"`
	ActiveGenerationCount uint64 `json:"activeGenerationCount,omitempty"`
	MatchedCount          uint64 `json:"matchedCount,omitempty"`
}

type errorDTO struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"` // client or server
	Message string `json:"message"`
}
