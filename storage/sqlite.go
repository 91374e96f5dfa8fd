package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/containerman17/midnight-indexer/ledger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage is the embedded single-file backend. SQLite has no batched
// RETURNING inserts worth the trouble, so multi-row writes insert one by one
// inside the block transaction.
type SQLiteStorage struct {
	db *sql.DB
}

// Ensure SQLiteStorage implements the storage contract
var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (or creates) the database file. Use ":memory:" for
// tests.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer keeps SQLITE_BUSY out of the write path.
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

// DB exposes the underlying handle for the arena backend.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS blocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hash BLOB NOT NULL UNIQUE,
		height INTEGER NOT NULL UNIQUE,
		protocol_version INTEGER NOT NULL,
		parent_hash BLOB NOT NULL,
		author BLOB,
		timestamp INTEGER NOT NULL,
		zswap_state_root BLOB,
		ledger_parameters BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		block_id INTEGER NOT NULL REFERENCES blocks(id),
		variant TEXT NOT NULL,
		hash BLOB NOT NULL,
		protocol_version INTEGER NOT NULL,
		transaction_result TEXT,
		raw BLOB NOT NULL,
		merkle_tree_root BLOB,
		start_index INTEGER NOT NULL DEFAULT 0,
		end_index INTEGER NOT NULL DEFAULT 0,
		paid_fees BLOB,
		estimated_fees BLOB,
		reserve_distribution BLOB,
		parameter_update TEXT,
		night_distribution_kind TEXT,
		night_distribution TEXT,
		treasury_income BLOB,
		treasury_income_source TEXT,
		treasury_payment_shielded TEXT,
		treasury_payment_unshielded TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_hash ON transactions(hash)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_block ON transactions(block_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_end_index ON transactions(end_index)`,
	`CREATE TABLE IF NOT EXISTS transaction_identifiers (
		transaction_id INTEGER NOT NULL REFERENCES transactions(id),
		identifier BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_identifiers ON transaction_identifiers(identifier)`,
	`CREATE TABLE IF NOT EXISTS contract_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id INTEGER NOT NULL REFERENCES transactions(id),
		address BLOB NOT NULL,
		state BLOB,
		zswap_state BLOB,
		variant TEXT NOT NULL,
		attributes TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contract_actions_address ON contract_actions(address)`,
	`CREATE TABLE IF NOT EXISTS contract_balances (
		contract_action_id INTEGER NOT NULL REFERENCES contract_actions(id),
		token_type BLOB NOT NULL,
		amount BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS unshielded_utxos (
		creating_transaction_id INTEGER NOT NULL,
		spending_transaction_id INTEGER,
		owner BLOB NOT NULL,
		token_type BLOB NOT NULL,
		value BLOB NOT NULL,
		intent_hash BLOB NOT NULL,
		output_index INTEGER NOT NULL,
		ctime INTEGER,
		initial_nonce BLOB,
		registered_for_dust_generation INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (intent_hash, output_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_unshielded_owner ON unshielded_utxos(owner)`,
	`CREATE TABLE IF NOT EXISTS dust_events (
		transaction_id INTEGER NOT NULL,
		transaction_hash BLOB NOT NULL,
		logical_segment INTEGER NOT NULL,
		physical_segment INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dust_events_tx ON dust_events(transaction_id)`,
	`CREATE TABLE IF NOT EXISTS dust_utxos (
		commitment BLOB PRIMARY KEY,
		nullifier BLOB,
		initial_value BLOB NOT NULL,
		owner BLOB NOT NULL,
		nonce BLOB NOT NULL,
		seq INTEGER NOT NULL,
		ctime INTEGER NOT NULL,
		generation_info_id INTEGER,
		spent_at_transaction_id INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dust_utxos_owner ON dust_utxos(owner)`,
	`CREATE TABLE IF NOT EXISTS dust_generation_info (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		value BLOB NOT NULL,
		owner BLOB NOT NULL,
		nonce BLOB NOT NULL,
		ctime INTEGER NOT NULL,
		dtime INTEGER,
		merkle_index INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dust_generation_owner ON dust_generation_info(owner)`,
	`CREATE INDEX IF NOT EXISTS idx_dust_generation_merkle ON dust_generation_info(merkle_index)`,
	`CREATE TABLE IF NOT EXISTS dust_commitment_tree (
		block_height INTEGER NOT NULL,
		merkle_index INTEGER NOT NULL,
		root BLOB NOT NULL,
		tree_data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dust_generation_tree (
		block_height INTEGER NOT NULL,
		merkle_index INTEGER NOT NULL,
		root BLOB NOT NULL,
		tree_data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cnight_registrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cardano_address BLOB NOT NULL,
		dust_address BLOB NOT NULL,
		is_valid INTEGER NOT NULL,
		registered_at INTEGER NOT NULL,
		removed_at INTEGER,
		UNIQUE (cardano_address, dust_address)
	)`,
	`CREATE TABLE IF NOT EXISTS system_parameters_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		block_height INTEGER NOT NULL,
		block_hash BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		d_parameter TEXT,
		terms_and_conditions TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_state (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		blob BLOB NOT NULL,
		block_height INTEGER NOT NULL,
		protocol_version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_db_nodes (
		key BLOB PRIMARY KEY,
		object BLOB NOT NULL,
		ref_count INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_db_roots (
		key BLOB PRIMARY KEY,
		count INTEGER NOT NULL
	)`,
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) SaveBlock(ctx context.Context, block *Block, transactions []*Transaction, registrations []Registration, treeUpdates []MerkleTreeUpdate, ledgerState *LedgerStateRow) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var author any
	if block.Author != nil {
		author = block.Author[:]
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (hash, height, protocol_version, parent_hash, author, timestamp, zswap_state_root, ledger_parameters)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		block.Hash[:], block.Height, block.ProtocolVersion, block.ParentHash[:],
		author, block.TimestampMs, block.ZswapStateRoot, block.LedgerParameters)
	if err != nil {
		return 0, fmt.Errorf("insert block: %w", err)
	}
	blockID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	block.ID = blockID

	var maxTransactionID int64
	for _, transaction := range transactions {
		id, err := s.saveTransaction(ctx, tx, blockID, transaction)
		if err != nil {
			return 0, err
		}
		transaction.ID = id
		if id > maxTransactionID {
			maxTransactionID = id
		}
	}

	for _, reg := range registrations {
		var removedAt any
		if reg.RemovedAt != nil {
			removedAt = *reg.RemovedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cnight_registrations (cardano_address, dust_address, is_valid, registered_at, removed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (cardano_address, dust_address)
			DO UPDATE SET is_valid = excluded.is_valid, removed_at = excluded.removed_at`,
			reg.CardanoAddress, reg.DustAddress[:], reg.IsValid, reg.RegisteredAt, removedAt); err != nil {
			return 0, fmt.Errorf("insert registration: %w", err)
		}
	}

	for _, update := range treeUpdates {
		table := "dust_commitment_tree"
		if update.Kind == TreeGeneration {
			table = "dust_generation_tree"
		}
		treeData, err := json.Marshal(update.TreeData)
		if err != nil {
			return 0, fmt.Errorf("marshal tree data: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+` (block_height, merkle_index, root, tree_data) VALUES (?, ?, ?, ?)`,
			update.BlockHeight, update.MerkleIndex, update.Root, string(treeData)); err != nil {
			return 0, fmt.Errorf("insert tree update: %w", err)
		}
	}

	if ledgerState != nil {
		if err := saveLedgerStateSQLite(ctx, tx, ledgerState); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return maxTransactionID, nil
}

func (s *SQLiteStorage) saveTransaction(ctx context.Context, tx *sql.Tx, blockID int64, transaction *Transaction) (int64, error) {
	resultJSON, err := json.Marshal(transaction.TransactionResult)
	if err != nil {
		return 0, fmt.Errorf("marshal transaction result: %w", err)
	}

	var (
		reserveDistribution, treasuryIncome            any
		parameterUpdate, nightKind, nightDistribution  any
		treasuryIncomeSource                           any
		treasuryPaymentShielded, treasuryPaymentUnshld any
	)
	if m := transaction.Metadata; m != nil {
		if m.ReserveDistribution != nil {
			reserveDistribution = m.ReserveDistribution.Bytes()
		}
		if m.ParameterUpdate != nil {
			parameterUpdate = string(m.ParameterUpdate)
		}
		if m.NightDistributionKind != "" {
			nightKind = m.NightDistributionKind
		}
		if m.NightDistribution != nil {
			nightDistribution = string(m.NightDistribution)
		}
		if m.TreasuryIncome != nil {
			treasuryIncome = m.TreasuryIncome.Bytes()
			treasuryIncomeSource = m.TreasuryIncomeSource
		}
		if m.TreasuryPaymentShielded != nil {
			treasuryPaymentShielded = string(m.TreasuryPaymentShielded)
		}
		if m.TreasuryPaymentUnshielded != nil {
			treasuryPaymentUnshld = string(m.TreasuryPaymentUnshielded)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (
			block_id, variant, hash, protocol_version, transaction_result, raw,
			merkle_tree_root, start_index, end_index, paid_fees, estimated_fees,
			reserve_distribution, parameter_update, night_distribution_kind, night_distribution,
			treasury_income, treasury_income_source, treasury_payment_shielded, treasury_payment_unshielded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		blockID, string(transaction.Variant), transaction.Hash[:], transaction.ProtocolVersion,
		string(resultJSON), transaction.Raw, transaction.MerkleTreeRoot,
		transaction.StartIndex, transaction.EndIndex,
		transaction.PaidFees.Bytes(), transaction.EstimatedFees.Bytes(),
		reserveDistribution, parameterUpdate, nightKind, nightDistribution,
		treasuryIncome, treasuryIncomeSource, treasuryPaymentShielded, treasuryPaymentUnshld)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	transactionID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, identifier := range transaction.Identifiers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transaction_identifiers (transaction_id, identifier) VALUES (?, ?)`,
			transactionID, identifier); err != nil {
			return 0, fmt.Errorf("insert identifier: %w", err)
		}
	}

	for i := range transaction.ContractActions {
		action := &transaction.ContractActions[i]
		res, err := tx.ExecContext(ctx, `
			INSERT INTO contract_actions (transaction_id, address, state, zswap_state, variant, attributes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			transactionID, action.Address[:], action.State, action.ZswapState,
			action.Variant.String(), string(action.Attributes))
		if err != nil {
			return 0, fmt.Errorf("insert contract action: %w", err)
		}
		actionID, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		action.ID = actionID
		action.TransactionID = transactionID
		for _, balance := range action.Balances {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO contract_balances (contract_action_id, token_type, amount) VALUES (?, ?, ?)`,
				actionID, balance.TokenType[:], balance.Amount.Bytes()); err != nil {
				return 0, fmt.Errorf("insert contract balance: %w", err)
			}
		}
	}

	for _, utxo := range transaction.CreatedUnshieldedUtxos {
		var ctime any
		if utxo.Ctime != nil {
			ctime = *utxo.Ctime
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO unshielded_utxos (
				creating_transaction_id, owner, token_type, value, intent_hash, output_index,
				ctime, initial_nonce, registered_for_dust_generation
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (intent_hash, output_index) DO NOTHING`,
			transactionID, utxo.Owner[:], utxo.TokenType[:], utxo.Value.Bytes(),
			utxo.IntentHash[:], utxo.OutputIndex, ctime, utxo.InitialNonce[:],
			utxo.RegisteredForDustGeneration); err != nil {
			return 0, fmt.Errorf("insert created utxo: %w", err)
		}
	}

	// Spends upsert: the spending transaction id is only set if still null,
	// which makes deterministic replays idempotent.
	for _, utxo := range transaction.SpentUnshieldedUtxos {
		var ctime any
		if utxo.Ctime != nil {
			ctime = *utxo.Ctime
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO unshielded_utxos (
				creating_transaction_id, owner, token_type, value, intent_hash, output_index,
				ctime, initial_nonce, registered_for_dust_generation, spending_transaction_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (intent_hash, output_index)
			DO UPDATE SET spending_transaction_id = excluded.spending_transaction_id
			WHERE unshielded_utxos.spending_transaction_id IS NULL`,
			transactionID, utxo.Owner[:], utxo.TokenType[:], utxo.Value.Bytes(),
			utxo.IntentHash[:], utxo.OutputIndex, ctime, utxo.InitialNonce[:],
			utxo.RegisteredForDustGeneration, transactionID); err != nil {
			return 0, fmt.Errorf("upsert spent utxo: %w", err)
		}
	}

	for _, event := range transaction.DustEvents {
		eventData, err := json.Marshal(event.Details)
		if err != nil {
			return 0, fmt.Errorf("marshal dust event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dust_events (transaction_id, transaction_hash, logical_segment, physical_segment, event_type, event_data)
			VALUES (?, ?, ?, ?, ?, ?)`,
			transactionID, event.TransactionHash[:], event.LogicalSegment, event.PhysicalSegment,
			dustEventType(event.Details.Kind), string(eventData)); err != nil {
			return 0, fmt.Errorf("insert dust event: %w", err)
		}
	}

	writes := deriveDustWrites(transaction.DustEvents, transactionID)
	for _, gen := range writes.generations {
		var dtime any
		if gen.Dtime != nil {
			dtime = *gen.Dtime
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dust_generation_info (value, owner, nonce, ctime, dtime, merkle_index)
			VALUES (?, ?, ?, ?, ?, ?)`,
			gen.Value.Bytes(), gen.Owner[:], gen.Nonce[:], gen.Ctime, dtime, gen.MerkleIndex); err != nil {
			return 0, fmt.Errorf("insert dust generation: %w", err)
		}
	}
	for _, utxo := range writes.utxos {
		var generationID any
		if utxo.GenerationInfoID != nil {
			generationID = *utxo.GenerationInfoID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dust_utxos (commitment, initial_value, owner, nonce, seq, ctime, generation_info_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (commitment) DO NOTHING`,
			utxo.Commitment[:], utxo.InitialValue.Bytes(), utxo.Owner[:], utxo.Nonce[:],
			utxo.Seq, utxo.Ctime, generationID); err != nil {
			return 0, fmt.Errorf("insert dust utxo: %w", err)
		}
	}
	for _, update := range writes.dtimeUpdates {
		if _, err := tx.ExecContext(ctx,
			`UPDATE dust_generation_info SET dtime = ? WHERE merkle_index = ?`,
			update.dtime, update.merkleIndex); err != nil {
			return 0, fmt.Errorf("update dust generation dtime: %w", err)
		}
	}
	for _, spend := range writes.spends {
		if _, err := tx.ExecContext(ctx, `
			UPDATE dust_utxos
			SET nullifier = ?, spent_at_transaction_id = ?
			WHERE commitment = ? AND spent_at_transaction_id IS NULL`,
			spend.nullifier[:], spend.transactionID, spend.commitment[:]); err != nil {
			return 0, fmt.Errorf("mark dust utxo spent: %w", err)
		}
	}

	return transactionID, nil
}

func saveLedgerStateSQLite(ctx context.Context, tx *sql.Tx, row *LedgerStateRow) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_state (id, blob, block_height, protocol_version)
		VALUES (0, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			blob = excluded.blob,
			block_height = excluded.block_height,
			protocol_version = excluded.protocol_version`,
		row.Blob, row.BlockHeight, row.ProtocolVersion); err != nil {
		return fmt.Errorf("upsert ledger state: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SaveLedgerState(ctx context.Context, row *LedgerStateRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := saveLedgerStateSQLite(ctx, tx, row); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) SaveSystemParametersChange(ctx context.Context, change *SystemParametersChange) error {
	var dParam, tc any
	if change.DParameter != nil {
		raw, err := json.Marshal(change.DParameter)
		if err != nil {
			return err
		}
		dParam = string(raw)
	}
	if change.TermsAndConditions != nil {
		raw, err := json.Marshal(change.TermsAndConditions)
		if err != nil {
			return err
		}
		tc = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_parameters_changes (block_height, block_hash, timestamp, d_parameter, terms_and_conditions)
		VALUES (?, ?, ?, ?, ?)`,
		change.BlockHeight, change.BlockHash[:], change.TimestampMs, dParam, tc)
	return err
}

func (s *SQLiteStorage) GetHighestBlockInfo(ctx context.Context) (*BlockInfo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT hash, height FROM blocks ORDER BY height DESC LIMIT 1`)
	var hash []byte
	var height uint32
	if err := row.Scan(&hash, &height); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	h, err := ledger.Bytes32FromSlice(hash)
	if err != nil {
		return nil, err
	}
	return &BlockInfo{Hash: h, Height: height}, nil
}

func (s *SQLiteStorage) GetTransactionCount(ctx context.Context) (uint64, error) {
	var count uint64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM transactions`).Scan(&count)
	return count, err
}

func (s *SQLiteStorage) GetContractActionCounts(ctx context.Context) (uint64, uint64, uint64, error) {
	counts := map[string]uint64{}
	rows, err := s.db.QueryContext(ctx, `SELECT variant, count(*) FROM contract_actions GROUP BY variant`)
	if err != nil {
		return 0, 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var variant string
		var count uint64
		if err := rows.Scan(&variant, &count); err != nil {
			return 0, 0, 0, err
		}
		counts[variant] = count
	}
	return counts["Deploy"], counts["Call"], counts["Update"], rows.Err()
}

func (s *SQLiteStorage) GetLedgerState(ctx context.Context) (*LedgerStateRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT blob, block_height, protocol_version FROM ledger_state WHERE id = 0`)
	var state LedgerStateRow
	if err := row.Scan(&state.Blob, &state.BlockHeight, &state.ProtocolVersion); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func (s *SQLiteStorage) GetBlockTransactions(ctx context.Context, height uint32) (*BlockTransactions, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, protocol_version, parent_hash, timestamp FROM blocks WHERE height = ?`, height)
	var (
		blockID    int64
		pv         uint32
		parentHash []byte
		timestamp  uint64
	)
	if err := row.Scan(&blockID, &pv, &parentHash, &timestamp); err != nil {
		return nil, fmt.Errorf("block at height %d: %w", height, err)
	}
	parent, err := ledger.Bytes32FromSlice(parentHash)
	if err != nil {
		return nil, err
	}

	var parentTimestamp uint64
	if height > 0 {
		_ = s.db.QueryRowContext(ctx, `SELECT timestamp FROM blocks WHERE height = ?`, height-1).
			Scan(&parentTimestamp)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT variant, raw FROM transactions WHERE block_id = ? ORDER BY id`, blockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &BlockTransactions{
		ProtocolVersion:   pv,
		BlockParentHash:   parent,
		BlockTimestampMs:  timestamp,
		ParentTimestampMs: parentTimestamp,
	}
	for rows.Next() {
		var st StoredTransaction
		var variant string
		if err := rows.Scan(&variant, &st.Raw); err != nil {
			return nil, err
		}
		st.Variant = TransactionVariant(variant)
		result.Transactions = append(result.Transactions, st)
	}
	return result, rows.Err()
}

func (s *SQLiteStorage) GetLatestDParameter(ctx context.Context) (*DParameter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT d_parameter FROM system_parameters_changes
		WHERE d_parameter IS NOT NULL ORDER BY id DESC LIMIT 1`)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var d DParameter
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStorage) GetLatestTermsAndConditions(ctx context.Context) (*TermsAndConditions, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT terms_and_conditions FROM system_parameters_changes
		WHERE terms_and_conditions IS NOT NULL ORDER BY id DESC LIMIT 1`)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var tc TermsAndConditions
	if err := json.Unmarshal([]byte(raw), &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

func (s *SQLiteStorage) getHistory(ctx context.Context, column string) ([]SystemParametersChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_height, block_hash, timestamp, d_parameter, terms_and_conditions
		FROM system_parameters_changes
		WHERE `+column+` IS NOT NULL
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanParameterChanges(rows)
}

func (s *SQLiteStorage) GetDParameterHistory(ctx context.Context) ([]SystemParametersChange, error) {
	return s.getHistory(ctx, "d_parameter")
}

func (s *SQLiteStorage) GetTermsAndConditionsHistory(ctx context.Context) ([]SystemParametersChange, error) {
	return s.getHistory(ctx, "terms_and_conditions")
}

const blockColumns = `id, hash, height, protocol_version, parent_hash, author, timestamp, zswap_state_root, ledger_parameters`

func (s *SQLiteStorage) getBlock(ctx context.Context, where string, args ...any) (*Block, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks `+where, args...)
	block, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return block, err
}

func (s *SQLiteStorage) GetBlockByHash(ctx context.Context, hash ledger.Bytes32) (*Block, error) {
	return s.getBlock(ctx, `WHERE hash = ?`, hash[:])
}

func (s *SQLiteStorage) GetBlockByHeight(ctx context.Context, height uint32) (*Block, error) {
	return s.getBlock(ctx, `WHERE height = ?`, height)
}

func (s *SQLiteStorage) GetLatestBlock(ctx context.Context) (*Block, error) {
	return s.getBlock(ctx, `ORDER BY height DESC LIMIT 1`)
}

const transactionReadColumns = `
	t.id, b.hash, b.height, t.variant, t.hash, t.protocol_version,
	t.transaction_result, t.merkle_tree_root, t.start_index, t.end_index,
	t.paid_fees, t.estimated_fees`

func (s *SQLiteStorage) GetTransactionsByHash(ctx context.Context, hash ledger.Bytes32) ([]TransactionReadRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionReadColumns+`
		FROM transactions t JOIN blocks b ON t.block_id = b.id
		WHERE t.hash = ? ORDER BY t.id`, hash[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactionReadRows(rows)
}

func (s *SQLiteStorage) GetLatestContractAction(ctx context.Context, address ledger.Bytes32) (*ContractAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, address, state, zswap_state, variant, attributes
		FROM contract_actions WHERE address = ? ORDER BY id DESC LIMIT 1`, address[:])
	action, err := scanContractAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	action.Balances, err = s.contractBalances(ctx, action.ID)
	return action, err
}

func (s *SQLiteStorage) contractBalances(ctx context.Context, actionID int64) ([]ledger.ContractBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_type, amount FROM contract_balances WHERE contract_action_id = ?`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var balances []ledger.ContractBalance
	for rows.Next() {
		var tokenType, amount []byte
		if err := rows.Scan(&tokenType, &amount); err != nil {
			return nil, err
		}
		balance := ledger.ContractBalance{}
		if balance.TokenType, err = ledger.Bytes32FromSlice(tokenType); err != nil {
			return nil, err
		}
		if balance.Amount, err = ledger.U128FromBytes(amount); err != nil {
			return nil, err
		}
		balances = append(balances, balance)
	}
	return balances, rows.Err()
}

const unshieldedColumns = `
	creating_transaction_id, spending_transaction_id, owner, token_type, value,
	intent_hash, output_index, ctime, initial_nonce, registered_for_dust_generation`

func (s *SQLiteStorage) GetUnshieldedUtxosByOwner(ctx context.Context, owner ledger.Bytes32) ([]UnshieldedUtxoRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+unshieldedColumns+` FROM unshielded_utxos
		WHERE owner = ? ORDER BY creating_transaction_id, output_index`, owner[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUnshieldedRows(rows)
}

const dustGenerationColumns = `id, value, owner, nonce, ctime, dtime, merkle_index`

func (s *SQLiteStorage) GetDustGenerationsByOwner(ctx context.Context, owner ledger.Bytes32) ([]DustGenerationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+dustGenerationColumns+` FROM dust_generation_info
		WHERE owner = ? ORDER BY ctime DESC`, owner[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDustGenerationRows(rows)
}

const dustUtxoColumns = `
	commitment, nullifier, initial_value, owner, nonce, seq, ctime,
	generation_info_id, spent_at_transaction_id`

func (s *SQLiteStorage) GetDustUtxosByOwner(ctx context.Context, owner ledger.Bytes32) ([]DustUtxoRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+dustUtxoColumns+` FROM dust_utxos
		WHERE owner = ? ORDER BY ctime DESC`, owner[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDustUtxoRows(rows)
}

func (s *SQLiteStorage) GetRegistrationsByCardanoAddresses(ctx context.Context, addresses [][]byte) ([]Registration, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(addresses)), ",")
	args := make([]any, len(addresses))
	for i, addr := range addresses {
		args[i] = addr
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cardano_address, dust_address, is_valid, registered_at, removed_at
		FROM cnight_registrations WHERE cardano_address IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

func (s *SQLiteStorage) GetBlocksFrom(ctx context.Context, fromHeight uint32, limit int) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+blockColumns+` FROM blocks WHERE height >= ? ORDER BY height LIMIT ?`,
		fromHeight, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var blocks []Block
	for rows.Next() {
		block, err := scanBlockRows(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, *block)
	}
	return blocks, rows.Err()
}

func (s *SQLiteStorage) GetContractActionsFrom(ctx context.Context, address ledger.Bytes32, fromTransactionID int64, limit int) ([]ContractAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, address, state, zswap_state, variant, attributes
		FROM contract_actions
		WHERE address = ? AND transaction_id > ?
		ORDER BY transaction_id, id LIMIT ?`, address[:], fromTransactionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var actions []ContractAction
	for rows.Next() {
		action, err := scanContractActionRows(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, *action)
	}
	return actions, rows.Err()
}

func (s *SQLiteStorage) GetTransactionsByAddressFrom(ctx context.Context, address ledger.Bytes32, fromTransactionID int64, limit int) ([]TransactionReadRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+transactionReadColumns+`
		FROM transactions t
		JOIN blocks b ON t.block_id = b.id
		JOIN unshielded_utxos u
			ON u.creating_transaction_id = t.id OR u.spending_transaction_id = t.id
		WHERE u.owner = ? AND t.id > ?
		ORDER BY t.id LIMIT ?`, address[:], fromTransactionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactionReadRows(rows)
}

func (s *SQLiteStorage) GetTransactionsFromIndex(ctx context.Context, fromEndIndex uint64, limit int) ([]TransactionReadRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionReadColumns+`
		FROM transactions t JOIN blocks b ON t.block_id = b.id
		WHERE t.variant = 'Regular' AND t.end_index > ?
		ORDER BY t.end_index LIMIT ?`, fromEndIndex, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactionReadRows(rows)
}

func (s *SQLiteStorage) GetDustEventsFrom(ctx context.Context, fromTransactionID int64, limit int) ([]DustEventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, transaction_hash, logical_segment, physical_segment, event_type, event_data
		FROM dust_events WHERE transaction_id > ?
		ORDER BY transaction_id, logical_segment LIMIT ?`, fromTransactionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []DustEventRow
	for rows.Next() {
		var (
			row     DustEventRow
			hash    []byte
			rawData string
		)
		if err := rows.Scan(&row.TransactionID, &hash, &row.LogicalSegment, &row.PhysicalSegment, &row.EventType, &rawData); err != nil {
			return nil, err
		}
		if row.TransactionHash, err = ledger.Bytes32FromSlice(hash); err != nil {
			return nil, err
		}
		row.EventData = json.RawMessage(rawData)
		events = append(events, row)
	}
	return events, rows.Err()
}

func (s *SQLiteStorage) GetDustGenerationsFrom(ctx context.Context, owner ledger.Bytes32, fromMerkleIndex uint64, limit int) ([]DustGenerationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+dustGenerationColumns+` FROM dust_generation_info
		WHERE owner = ? AND merkle_index >= ?
		ORDER BY merkle_index LIMIT ?`, owner[:], fromMerkleIndex, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDustGenerationRows(rows)
}

// prefixConditionsSQLite builds hex-substring conditions over a BLOB column
// for every prefix of at least MinPrefixLength hex chars. SQLite's hex() is
// uppercase.
func prefixConditionsSQLite(column string, prefixes [][]byte, minPrefixLength int) (string, []any) {
	var conditions []string
	var args []any
	for _, prefix := range prefixes {
		hexPrefix := strings.ToUpper(hex.EncodeToString(prefix))
		if len(hexPrefix) < minPrefixLength {
			continue
		}
		conditions = append(conditions, fmt.Sprintf("substr(hex(%s), 1, %d) = ?", column, len(hexPrefix)))
		args = append(args, hexPrefix)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return "(" + strings.Join(conditions, " OR ") + ")", args
}

func (s *SQLiteStorage) GetDustCommitmentsFrom(ctx context.Context, prefixes [][]byte, fromMerkleIndex uint64, limit int) ([]DustUtxoRow, error) {
	condition, args := prefixConditionsSQLite("du.commitment", prefixes, minPrefixLength)
	if condition == "" {
		return nil, nil
	}
	// generation_info_id is the cursor: the ordering column and the filter
	// must agree for paging to be monotone.
	query := `
		SELECT du.commitment, du.nullifier, du.initial_value, du.owner, du.nonce, du.seq, du.ctime,
		       du.generation_info_id, du.spent_at_transaction_id
		FROM dust_utxos du
		WHERE ` + condition + ` AND COALESCE(du.generation_info_id, 0) >= ?
		ORDER BY COALESCE(du.generation_info_id, 0), du.commitment LIMIT ?`
	args = append(args, fromMerkleIndex, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDustUtxoRows(rows)
}

func (s *SQLiteStorage) GetDustNullifierTransactions(ctx context.Context, prefixes [][]byte, afterBlock uint32, fromTransactionID int64, limit int) ([]NullifierTransaction, error) {
	condition, args := prefixConditionsSQLite("du.nullifier", prefixes, minPrefixLength)
	if condition == "" {
		return nil, nil
	}
	query := `
		SELECT DISTINCT du.spent_at_transaction_id, du.nullifier
		FROM dust_utxos du
		JOIN transactions t ON du.spent_at_transaction_id = t.id
		JOIN blocks b ON t.block_id = b.id
		WHERE ` + condition + `
		  AND du.nullifier IS NOT NULL
		  AND du.spent_at_transaction_id > ?
		  AND b.height > ?
		ORDER BY du.spent_at_transaction_id LIMIT ?`
	args = append(args, fromTransactionID, afterBlock, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []NullifierTransaction
	for rows.Next() {
		var nt NullifierTransaction
		var nullifier []byte
		if err := rows.Scan(&nt.TransactionID, &nullifier); err != nil {
			return nil, err
		}
		if nt.Nullifier, err = ledger.Bytes32FromSlice(nullifier); err != nil {
			return nil, err
		}
		result = append(result, nt)
	}
	return result, rows.Err()
}

func (s *SQLiteStorage) GetRegistrationUpdatesFrom(ctx context.Context, addresses [][]byte, fromID int64, limit int) ([]Registration, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(addresses)), ",")
	args := make([]any, 0, len(addresses)+2)
	for _, addr := range addresses {
		args = append(args, addr)
	}
	args = append(args, fromID, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cardano_address, dust_address, is_valid, registered_at, removed_at
		FROM cnight_registrations
		WHERE cardano_address IN (`+placeholders+`) AND id > ?
		ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRegistrations(rows)
}

func (s *SQLiteStorage) GetHighestTransactionID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT max(id) FROM transactions`).Scan(&id)
	return id.Int64, err
}

func (s *SQLiteStorage) GetHighestEndIndex(ctx context.Context) (uint64, error) {
	var index sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT max(end_index) FROM transactions WHERE variant = 'Regular'`).Scan(&index)
	return uint64(index.Int64), err
}

func (s *SQLiteStorage) GetHighestGenerationIndex(ctx context.Context, owner ledger.Bytes32) (uint64, error) {
	var index sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT max(merkle_index) FROM dust_generation_info WHERE owner = ?`, owner[:]).Scan(&index)
	return uint64(index.Int64), err
}

func (s *SQLiteStorage) CountActiveGenerations(ctx context.Context, owner ledger.Bytes32) (uint64, error) {
	var count uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM dust_generation_info WHERE owner = ? AND dtime IS NULL`, owner[:]).Scan(&count)
	return count, err
}

func (s *SQLiteStorage) CountNullifierMatches(ctx context.Context, prefixes [][]byte) (uint64, error) {
	condition, args := prefixConditionsSQLite("nullifier", prefixes, minPrefixLength)
	if condition == "" {
		return 0, nil
	}
	var count uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM dust_utxos
		WHERE `+condition+` AND nullifier IS NOT NULL`, args...).Scan(&count)
	return count, err
}
