package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRecordsTableName = "notifytrack_change_records"
	postgresMetaTableName    = "notifytrack_change_meta"
	postgresCollectionKey    = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStateBackend stores the collection as rows in Postgres. Save
// replaces every row of the collection in one transaction guarded by an
// advisory lock, so concurrent writers from other processes cannot interleave.
type PostgresStateBackend struct {
	dsn           string
	recordsTable  string
	metaTable     string
	collectionKey string
	openDB        sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:           dsn,
		recordsTable:  postgresRecordsTableName,
		metaTable:     postgresMetaTableName,
		collectionKey: postgresCollectionKey,
		openDB:        sql.Open,
	}, nil
}

func (b *PostgresStateBackend) Load(ctx context.Context) (*Snapshot, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, corruptf("postgres unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, corruptf("begin load: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	var meta metaRow
	metaQuery := fmt.Sprintf("SELECT version, next_unique_id FROM %s WHERE collection_key = $1", postgresQuoteIdentifier(b.metaTable))
	err = tx.QueryRowContext(ctx, metaQuery, b.collectionKey).Scan(&meta.Version, &meta.NextUniqueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, corruptf("collection missing")
	}
	if err != nil {
		return nil, corruptf("read collection meta: %v", err)
	}

	rowsQuery := fmt.Sprintf(`
		SELECT unique_id, tag, grp, status, cause, date_added, date_removed,
			expiration_time, payload, payload_arguments, additional_data
		FROM %s
		WHERE collection_key = $1
		ORDER BY unique_id ASC`, postgresQuoteIdentifier(b.recordsTable))
	result, err := tx.QueryContext(ctx, rowsQuery, b.collectionKey)
	if err != nil {
		return nil, corruptf("read collection rows: %v", err)
	}
	defer result.Close()

	var rows []recordRow
	for result.Next() {
		var row recordRow
		if err := result.Scan(
			&row.UniqueID, &row.Tag, &row.Grp, &row.Status, &row.Cause,
			&row.DateAdded, &row.DateRemoved, &row.ExpirationTime,
			&row.Payload, &row.PayloadArguments, &row.AdditionalData,
		); err != nil {
			return nil, corruptf("scan collection row: %v", err)
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, corruptf("iterate collection rows: %v", err)
	}
	return snapshotFromRows(meta, rows)
}

func (b *PostgresStateBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresCollectionLockKey(b.recordsTable, b.collectionKey)); err != nil {
		return err
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE collection_key = $1", postgresQuoteIdentifier(b.recordsTable))
	if _, err := tx.ExecContext(ctx, deleteQuery, b.collectionKey); err != nil {
		return err
	}
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			collection_key, unique_id, tag, grp, status, cause,
			date_added, date_removed, expiration_time,
			payload, payload_arguments, additional_data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, postgresQuoteIdentifier(b.recordsTable))
	stmt, err := tx.PrepareContext(ctx, insertQuery)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, record := range snapshot.Records {
		row := rowFromRecord(record)
		if _, err := stmt.ExecContext(ctx,
			b.collectionKey, row.UniqueID, row.Tag, row.Grp, row.Status, row.Cause,
			row.DateAdded, row.DateRemoved, row.ExpirationTime,
			row.Payload, row.PayloadArguments, row.AdditionalData,
		); err != nil {
			return fmt.Errorf("insert record %d: %w", record.UniqueID, err)
		}
	}
	metaQuery := fmt.Sprintf(`
		INSERT INTO %s (collection_key, version, next_unique_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection_key)
		DO UPDATE SET version = EXCLUDED.version, next_unique_id = EXCLUDED.next_unique_id, updated_at = NOW()`, postgresQuoteIdentifier(b.metaTable))
	if _, err := tx.ExecContext(ctx, metaQuery, b.collectionKey, snapshotVersion, snapshot.NextUniqueID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresStateBackend) Delete(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresCollectionLockKey(b.recordsTable, b.collectionKey)); err != nil {
		return err
	}
	for _, table := range []string{b.recordsTable, b.metaTable} {
		query := fmt.Sprintf("DELETE FROM %s WHERE collection_key = $1", postgresQuoteIdentifier(table))
		if _, err := tx.ExecContext(ctx, query, b.collectionKey); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					collection_key TEXT PRIMARY KEY,
					version INTEGER NOT NULL,
					next_unique_id BIGINT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(b.metaTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					collection_key TEXT NOT NULL,
					unique_id BIGINT NOT NULL,
					tag TEXT NOT NULL,
					grp TEXT NOT NULL DEFAULT '',
					status INTEGER NOT NULL,
					cause INTEGER NOT NULL DEFAULT 0,
					date_added TEXT NOT NULL,
					date_removed TEXT NOT NULL DEFAULT '',
					expiration_time TEXT NOT NULL DEFAULT '',
					payload TEXT NOT NULL DEFAULT '',
					payload_arguments TEXT NOT NULL DEFAULT '',
					additional_data TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (collection_key, unique_id)
				)`, postgresQuoteIdentifier(b.recordsTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresCollectionLockKey(tableName, collectionKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(collectionKey)))
	return int64(hasher.Sum64())
}
