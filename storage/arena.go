package storage

import (
	"context"
	"database/sql"
	"log"

	"github.com/containerman17/midnight-indexer/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The arena backends bridge the ledger's synchronous storage calls onto the
// SQL connections: the ledger calls block the calling goroutine for the
// duration of the query, which the Go scheduler parks on a worker thread.
// Errors here mean the database is gone; like the ledger library itself, the
// bridge treats that as unrecoverable.

// SQLiteArena implements ledger.Backend over the embedded database.
type SQLiteArena struct {
	db *sql.DB
}

var (
	_ ledger.Backend = (*SQLiteArena)(nil)
	_ ledger.Backend = (*PostgresArena)(nil)
)

func NewSQLiteArena(s *SQLiteStorage) *SQLiteArena {
	return &SQLiteArena{db: s.DB()}
}

func (a *SQLiteArena) GetNode(key ledger.Bytes32) ([]byte, bool) {
	var object []byte
	err := a.db.QueryRow(`SELECT object FROM ledger_db_nodes WHERE key = ?`, key[:]).Scan(&object)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		log.Panicf("cannot get node: %v", err)
	}
	return object, true
}

func (a *SQLiteArena) InsertNode(key ledger.Bytes32, object []byte, refCount uint32) {
	a.BatchUpdate([]ledger.Update{{Kind: ledger.UpdateInsertNode, Key: key, Object: object, RefCount: refCount}})
}

func (a *SQLiteArena) DeleteNode(key ledger.Bytes32) {
	a.BatchUpdate([]ledger.Update{{Kind: ledger.UpdateDeleteNode, Key: key}})
}

func (a *SQLiteArena) BatchUpdate(updates []ledger.Update) {
	tx, err := a.db.Begin()
	if err != nil {
		log.Panicf("cannot begin batch update: %v", err)
	}
	defer tx.Rollback()
	for _, u := range updates {
		switch u.Kind {
		case ledger.UpdateInsertNode:
			_, err = tx.Exec(`
				INSERT INTO ledger_db_nodes (key, object, ref_count)
				VALUES (?, ?, ?)
				ON CONFLICT (key) DO UPDATE SET object = excluded.object, ref_count = excluded.ref_count`,
				u.Key[:], u.Object, u.RefCount)
		case ledger.UpdateDeleteNode:
			_, err = tx.Exec(`DELETE FROM ledger_db_nodes WHERE key = ?`, u.Key[:])
		case ledger.UpdateSetRootCount:
			if u.RootCount > 0 {
				_, err = tx.Exec(`
					INSERT INTO ledger_db_roots (key, count) VALUES (?, ?)
					ON CONFLICT (key) DO UPDATE SET count = excluded.count`,
					u.Key[:], u.RootCount)
			} else {
				_, err = tx.Exec(`DELETE FROM ledger_db_roots WHERE key = ?`, u.Key[:])
			}
		}
		if err != nil {
			log.Panicf("cannot apply batch update: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		log.Panicf("cannot commit batch update: %v", err)
	}
}

func (a *SQLiteArena) GetRootCount(key ledger.Bytes32) uint32 {
	var count uint32
	err := a.db.QueryRow(`SELECT count FROM ledger_db_roots WHERE key = ?`, key[:]).Scan(&count)
	if err == sql.ErrNoRows {
		return 0
	}
	if err != nil {
		log.Panicf("cannot get root count: %v", err)
	}
	return count
}

func (a *SQLiteArena) SetRootCount(key ledger.Bytes32, count uint32) {
	a.BatchUpdate([]ledger.Update{{Kind: ledger.UpdateSetRootCount, Key: key, RootCount: count}})
}

func (a *SQLiteArena) GetRoots() map[ledger.Bytes32]uint32 {
	rows, err := a.db.Query(`SELECT key, count FROM ledger_db_roots`)
	if err != nil {
		log.Panicf("cannot get roots: %v", err)
	}
	defer rows.Close()
	roots := make(map[ledger.Bytes32]uint32)
	for rows.Next() {
		var key []byte
		var count uint32
		if err := rows.Scan(&key, &count); err != nil {
			log.Panicf("cannot scan root: %v", err)
		}
		k, err := ledger.Bytes32FromSlice(key)
		if err != nil {
			log.Panicf("cannot decode root key: %v", err)
		}
		roots[k] = count
	}
	return roots
}

func (a *SQLiteArena) GetUnreachableKeys() []ledger.Bytes32 {
	rows, err := a.db.Query(`
		SELECT key FROM ledger_db_nodes
		WHERE key NOT IN (SELECT key FROM ledger_db_roots)
		AND ref_count = 0`)
	if err != nil {
		log.Panicf("cannot get unreachable keys: %v", err)
	}
	defer rows.Close()
	var keys []ledger.Bytes32
	for rows.Next() {
		var key []byte
		if err := rows.Scan(&key); err != nil {
			log.Panicf("cannot scan key: %v", err)
		}
		k, err := ledger.Bytes32FromSlice(key)
		if err != nil {
			log.Panicf("cannot decode node key: %v", err)
		}
		keys = append(keys, k)
	}
	return keys
}

func (a *SQLiteArena) Size() int {
	var count int
	if err := a.db.QueryRow(`SELECT count(1) FROM ledger_db_nodes`).Scan(&count); err != nil {
		log.Panicf("cannot get size: %v", err)
	}
	return count
}

// PostgresArena implements ledger.Backend over the networked database.
type PostgresArena struct {
	pool *pgxpool.Pool
}

func NewPostgresArena(s *PostgresStorage) *PostgresArena {
	return &PostgresArena{pool: s.Pool()}
}

func (a *PostgresArena) GetNode(key ledger.Bytes32) ([]byte, bool) {
	var object []byte
	err := a.pool.QueryRow(context.Background(),
		`SELECT object FROM ledger_db_nodes WHERE key = $1`, key[:]).Scan(&object)
	if err == pgx.ErrNoRows {
		return nil, false
	}
	if err != nil {
		log.Panicf("cannot get node: %v", err)
	}
	return object, true
}

func (a *PostgresArena) InsertNode(key ledger.Bytes32, object []byte, refCount uint32) {
	a.BatchUpdate([]ledger.Update{{Kind: ledger.UpdateInsertNode, Key: key, Object: object, RefCount: refCount}})
}

func (a *PostgresArena) DeleteNode(key ledger.Bytes32) {
	a.BatchUpdate([]ledger.Update{{Kind: ledger.UpdateDeleteNode, Key: key}})
}

func (a *PostgresArena) BatchUpdate(updates []ledger.Update) {
	ctx := context.Background()
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		log.Panicf("cannot begin batch update: %v", err)
	}
	defer tx.Rollback(ctx)
	for _, u := range updates {
		switch u.Kind {
		case ledger.UpdateInsertNode:
			_, err = tx.Exec(ctx, `
				INSERT INTO ledger_db_nodes (key, object, ref_count)
				VALUES ($1, $2, $3)
				ON CONFLICT (key) DO UPDATE SET object = EXCLUDED.object, ref_count = EXCLUDED.ref_count`,
				u.Key[:], u.Object, u.RefCount)
		case ledger.UpdateDeleteNode:
			_, err = tx.Exec(ctx, `DELETE FROM ledger_db_nodes WHERE key = $1`, u.Key[:])
		case ledger.UpdateSetRootCount:
			if u.RootCount > 0 {
				_, err = tx.Exec(ctx, `
					INSERT INTO ledger_db_roots (key, count) VALUES ($1, $2)
					ON CONFLICT (key) DO UPDATE SET count = EXCLUDED.count`,
					u.Key[:], u.RootCount)
			} else {
				_, err = tx.Exec(ctx, `DELETE FROM ledger_db_roots WHERE key = $1`, u.Key[:])
			}
		}
		if err != nil {
			log.Panicf("cannot apply batch update: %v", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		log.Panicf("cannot commit batch update: %v", err)
	}
}

func (a *PostgresArena) GetRootCount(key ledger.Bytes32) uint32 {
	var count uint32
	err := a.pool.QueryRow(context.Background(),
		`SELECT count FROM ledger_db_roots WHERE key = $1`, key[:]).Scan(&count)
	if err == pgx.ErrNoRows {
		return 0
	}
	if err != nil {
		log.Panicf("cannot get root count: %v", err)
	}
	return count
}

func (a *PostgresArena) SetRootCount(key ledger.Bytes32, count uint32) {
	a.BatchUpdate([]ledger.Update{{Kind: ledger.UpdateSetRootCount, Key: key, RootCount: count}})
}

func (a *PostgresArena) GetRoots() map[ledger.Bytes32]uint32 {
	rows, err := a.pool.Query(context.Background(), `SELECT key, count FROM ledger_db_roots`)
	if err != nil {
		log.Panicf("cannot get roots: %v", err)
	}
	defer rows.Close()
	roots := make(map[ledger.Bytes32]uint32)
	for rows.Next() {
		var key []byte
		var count uint32
		if err := rows.Scan(&key, &count); err != nil {
			log.Panicf("cannot scan root: %v", err)
		}
		k, err := ledger.Bytes32FromSlice(key)
		if err != nil {
			log.Panicf("cannot decode root key: %v", err)
		}
		roots[k] = count
	}
	return roots
}

func (a *PostgresArena) GetUnreachableKeys() []ledger.Bytes32 {
	rows, err := a.pool.Query(context.Background(), `
		SELECT key FROM ledger_db_nodes
		WHERE key NOT IN (SELECT key FROM ledger_db_roots)
		AND ref_count = 0`)
	if err != nil {
		log.Panicf("cannot get unreachable keys: %v", err)
	}
	defer rows.Close()
	var keys []ledger.Bytes32
	for rows.Next() {
		var key []byte
		if err := rows.Scan(&key); err != nil {
			log.Panicf("cannot scan key: %v", err)
		}
		k, err := ledger.Bytes32FromSlice(key)
		if err != nil {
			log.Panicf("cannot decode node key: %v", err)
		}
		keys = append(keys, k)
	}
	return keys
}

func (a *PostgresArena) Size() int {
	var count int
	if err := a.pool.QueryRow(context.Background(),
		`SELECT count(1) FROM ledger_db_nodes`).Scan(&count); err != nil {
		log.Panicf("cannot get size: %v", err)
	}
	return count
}
