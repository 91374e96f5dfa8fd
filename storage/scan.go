package storage

import (
	"database/sql"
	"encoding/json"

	"github.com/containerman17/midnight-indexer/consts"
	"github.com/containerman17/midnight-indexer/ledger"
)

const minPrefixLength = consts.MinPrefixLength

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx rows alike, so both
// backends share the per-row scanning logic.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (*Block, error) {
	var (
		block            Block
		hash, parentHash []byte
		author           []byte
	)
	err := row.Scan(&block.ID, &hash, &block.Height, &block.ProtocolVersion,
		&parentHash, &author, &block.TimestampMs, &block.ZswapStateRoot, &block.LedgerParameters)
	if err != nil {
		return nil, err
	}
	if block.Hash, err = ledger.Bytes32FromSlice(hash); err != nil {
		return nil, err
	}
	if block.ParentHash, err = ledger.Bytes32FromSlice(parentHash); err != nil {
		return nil, err
	}
	if len(author) == 32 {
		a, _ := ledger.Bytes32FromSlice(author)
		block.Author = &a
	}
	return &block, nil
}

func scanBlockRows(rows *sql.Rows) (*Block, error) {
	return scanBlock(rows)
}

func scanTransactionReadRow(row rowScanner) (*TransactionReadRow, error) {
	var (
		t                       TransactionReadRow
		blockHash, txHash       []byte
		variant, resultJSON     string
		paidFees, estimatedFees []byte
	)
	err := row.Scan(&t.ID, &blockHash, &t.BlockHeight, &variant, &txHash, &t.ProtocolVersion,
		&resultJSON, &t.MerkleTreeRoot, &t.StartIndex, &t.EndIndex, &paidFees, &estimatedFees)
	if err != nil {
		return nil, err
	}
	t.Variant = TransactionVariant(variant)
	if t.BlockHash, err = ledger.Bytes32FromSlice(blockHash); err != nil {
		return nil, err
	}
	if t.Hash, err = ledger.Bytes32FromSlice(txHash); err != nil {
		return nil, err
	}
	t.TransactionResult = json.RawMessage(resultJSON)
	if len(paidFees) == 16 {
		t.PaidFees, _ = ledger.U128FromBytes(paidFees)
	}
	if len(estimatedFees) == 16 {
		t.EstimatedFees, _ = ledger.U128FromBytes(estimatedFees)
	}
	return &t, nil
}

func scanTransactionReadRows(rows *sql.Rows) ([]TransactionReadRow, error) {
	var result []TransactionReadRow
	for rows.Next() {
		t, err := scanTransactionReadRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func scanContractAction(row rowScanner) (*ContractAction, error) {
	var (
		action     ContractAction
		address    []byte
		variant    string
		attributes sql.NullString
	)
	err := row.Scan(&action.ID, &action.TransactionID, &address, &action.State,
		&action.ZswapState, &variant, &attributes)
	if err != nil {
		return nil, err
	}
	if action.Address, err = ledger.Bytes32FromSlice(address); err != nil {
		return nil, err
	}
	switch variant {
	case "Deploy":
		action.Variant = ledger.ContractDeploy
	case "Update":
		action.Variant = ledger.ContractUpdate
	default:
		action.Variant = ledger.ContractCallVariant
	}
	if attributes.Valid {
		action.Attributes = json.RawMessage(attributes.String)
	}
	return &action, nil
}

func scanContractActionRows(rows *sql.Rows) (*ContractAction, error) {
	return scanContractAction(rows)
}

func scanUnshieldedRow(row rowScanner) (*UnshieldedUtxoRow, error) {
	var (
		utxo                     UnshieldedUtxoRow
		spendingID, ctime        sql.NullInt64
		owner, tokenType, value  []byte
		intentHash, initialNonce []byte
	)
	err := row.Scan(&utxo.CreatingTransactionID, &spendingID, &owner, &tokenType, &value,
		&intentHash, &utxo.OutputIndex, &ctime, &initialNonce, &utxo.RegisteredForDust)
	if err != nil {
		return nil, err
	}
	if spendingID.Valid {
		id := spendingID.Int64
		utxo.SpendingTransactionID = &id
	}
	if ctime.Valid {
		t := uint64(ctime.Int64)
		utxo.Ctime = &t
	}
	if utxo.Owner, err = ledger.Bytes32FromSlice(owner); err != nil {
		return nil, err
	}
	if utxo.TokenType, err = ledger.Bytes32FromSlice(tokenType); err != nil {
		return nil, err
	}
	if utxo.Value, err = ledger.U128FromBytes(value); err != nil {
		return nil, err
	}
	if utxo.IntentHash, err = ledger.Bytes32FromSlice(intentHash); err != nil {
		return nil, err
	}
	if len(initialNonce) == 32 {
		utxo.InitialNonce, _ = ledger.Bytes32FromSlice(initialNonce)
	}
	return &utxo, nil
}

func scanUnshieldedRows(rows *sql.Rows) ([]UnshieldedUtxoRow, error) {
	var result []UnshieldedUtxoRow
	for rows.Next() {
		utxo, err := scanUnshieldedRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *utxo)
	}
	return result, rows.Err()
}

func scanDustGenerationRow(row rowScanner) (*DustGenerationRow, error) {
	var (
		gen                 DustGenerationRow
		value, owner, nonce []byte
		dtime               sql.NullInt64
	)
	err := row.Scan(&gen.ID, &value, &owner, &nonce, &gen.Ctime, &dtime, &gen.MerkleIndex)
	if err != nil {
		return nil, err
	}
	if gen.Value, err = ledger.U128FromBytes(value); err != nil {
		return nil, err
	}
	if gen.Owner, err = ledger.Bytes32FromSlice(owner); err != nil {
		return nil, err
	}
	if gen.Nonce, err = ledger.Bytes32FromSlice(nonce); err != nil {
		return nil, err
	}
	if dtime.Valid {
		t := uint64(dtime.Int64)
		gen.Dtime = &t
	}
	return &gen, nil
}

func scanDustGenerationRows(rows *sql.Rows) ([]DustGenerationRow, error) {
	var result []DustGenerationRow
	for rows.Next() {
		gen, err := scanDustGenerationRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *gen)
	}
	return result, rows.Err()
}

func scanDustUtxoRow(row rowScanner) (*DustUtxoRow, error) {
	var (
		utxo                      DustUtxoRow
		commitment, owner, nonce  []byte
		nullifier, value          []byte
		generationID, spentAtTxID sql.NullInt64
	)
	err := row.Scan(&commitment, &nullifier, &value, &owner, &nonce, &utxo.Seq, &utxo.Ctime,
		&generationID, &spentAtTxID)
	if err != nil {
		return nil, err
	}
	if utxo.Commitment, err = ledger.Bytes32FromSlice(commitment); err != nil {
		return nil, err
	}
	if len(nullifier) == 32 {
		n, _ := ledger.Bytes32FromSlice(nullifier)
		utxo.Nullifier = &n
	}
	if utxo.InitialValue, err = ledger.U128FromBytes(value); err != nil {
		return nil, err
	}
	if utxo.Owner, err = ledger.Bytes32FromSlice(owner); err != nil {
		return nil, err
	}
	if utxo.Nonce, err = ledger.Bytes32FromSlice(nonce); err != nil {
		return nil, err
	}
	if generationID.Valid {
		id := generationID.Int64
		utxo.GenerationInfoID = &id
	}
	if spentAtTxID.Valid {
		id := spentAtTxID.Int64
		utxo.SpentAtTransactionID = &id
	}
	return &utxo, nil
}

func scanDustUtxoRows(rows *sql.Rows) ([]DustUtxoRow, error) {
	var result []DustUtxoRow
	for rows.Next() {
		utxo, err := scanDustUtxoRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *utxo)
	}
	return result, rows.Err()
}

func scanRegistration(row rowScanner) (*Registration, error) {
	var (
		reg         Registration
		dustAddress []byte
		removedAt   sql.NullInt64
	)
	err := row.Scan(&reg.ID, &reg.CardanoAddress, &dustAddress, &reg.IsValid, &reg.RegisteredAt, &removedAt)
	if err != nil {
		return nil, err
	}
	if reg.DustAddress, err = ledger.Bytes32FromSlice(dustAddress); err != nil {
		return nil, err
	}
	if removedAt.Valid {
		t := uint64(removedAt.Int64)
		reg.RemovedAt = &t
	}
	return &reg, nil
}

func scanRegistrations(rows *sql.Rows) ([]Registration, error) {
	var result []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *reg)
	}
	return result, rows.Err()
}

func scanParameterChange(row rowScanner) (*SystemParametersChange, error) {
	var (
		change    SystemParametersChange
		blockHash []byte
		dParam    sql.NullString
		tc        sql.NullString
	)
	err := row.Scan(&change.BlockHeight, &blockHash, &change.TimestampMs, &dParam, &tc)
	if err != nil {
		return nil, err
	}
	if change.BlockHash, err = ledger.Bytes32FromSlice(blockHash); err != nil {
		return nil, err
	}
	if dParam.Valid {
		var d DParameter
		if err := json.Unmarshal([]byte(dParam.String), &d); err == nil {
			change.DParameter = &d
		}
	}
	if tc.Valid {
		var t TermsAndConditions
		if err := json.Unmarshal([]byte(tc.String), &t); err == nil {
			change.TermsAndConditions = &t
		}
	}
	return &change, nil
}

func scanParameterChanges(rows *sql.Rows) ([]SystemParametersChange, error) {
	var result []SystemParametersChange
	for rows.Next() {
		change, err := scanParameterChange(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *change)
	}
	return result, rows.Err()
}
