package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteCollectionKey = "default"

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// sqliteMigrations must stay sequential starting from 1.
var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS change_meta (
	collection_key TEXT PRIMARY KEY,
	version        INTEGER NOT NULL,
	next_unique_id INTEGER NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS change_records (
	collection_key    TEXT NOT NULL,
	unique_id         INTEGER NOT NULL,
	tag               TEXT NOT NULL,
	grp               TEXT NOT NULL DEFAULT '',
	status            INTEGER NOT NULL,
	cause             INTEGER NOT NULL DEFAULT 0,
	date_added        TEXT NOT NULL,
	date_removed      TEXT NOT NULL DEFAULT '',
	expiration_time   TEXT NOT NULL DEFAULT '',
	payload           TEXT NOT NULL DEFAULT '',
	payload_arguments TEXT NOT NULL DEFAULT '',
	additional_data   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (collection_key, unique_id)
);

CREATE INDEX IF NOT EXISTS idx_change_records_identity ON change_records(collection_key, tag, grp);
`,
	},
}

// SQLiteStateBackend keeps the collection in an embedded SQLite database.
// Every Save replaces the collection inside one transaction.
type SQLiteStateBackend struct {
	db  *sqlx.DB
	key string
}

// NewSQLiteStateBackend opens (or creates) the database at path, enables WAL
// mode, and runs any pending schema migrations.
func NewSQLiteStateBackend(path string) (*SQLiteStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	b := &SQLiteStateBackend{db: db, key: sqliteCollectionKey}
	if err := b.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return b, nil
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteStateBackend) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := b.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		err = b.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range sqliteMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := b.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := b.db.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (b *SQLiteStateBackend) Load(ctx context.Context) (*Snapshot, error) {
	if b == nil || b.db == nil {
		return nil, ErrInvalidInput
	}
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, corruptf("begin load: %v", err)
	}
	defer tx.Rollback()

	var meta metaRow
	err = tx.GetContext(ctx, &meta,
		"SELECT version, next_unique_id FROM change_meta WHERE collection_key = ?", b.key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, corruptf("collection missing")
	}
	if err != nil {
		return nil, corruptf("read collection meta: %v", err)
	}

	var rows []recordRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT unique_id, tag, grp, status, cause, date_added, date_removed,
			expiration_time, payload, payload_arguments, additional_data
		FROM change_records
		WHERE collection_key = ?
		ORDER BY unique_id`, b.key)
	if err != nil {
		return nil, corruptf("read collection rows: %v", err)
	}
	return snapshotFromRows(meta, rows)
}

func (b *SQLiteStateBackend) Save(ctx context.Context, snapshot *Snapshot) error {
	if b == nil || b.db == nil || snapshot == nil {
		return ErrInvalidInput
	}
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM change_records WHERE collection_key = ?", b.key); err != nil {
		return fmt.Errorf("clearing records: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO change_records (
			collection_key, unique_id, tag, grp, status, cause,
			date_added, date_removed, expiration_time,
			payload, payload_arguments, additional_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, record := range snapshot.Records {
		row := rowFromRecord(record)
		_, err := stmt.ExecContext(ctx,
			b.key, row.UniqueID, row.Tag, row.Grp, row.Status, row.Cause,
			row.DateAdded, row.DateRemoved, row.ExpirationTime,
			row.Payload, row.PayloadArguments, row.AdditionalData,
		)
		if err != nil {
			return fmt.Errorf("inserting record %d: %w", record.UniqueID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO change_meta (collection_key, version, next_unique_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection_key)
		DO UPDATE SET version = excluded.version, next_unique_id = excluded.next_unique_id, updated_at = excluded.updated_at`,
		b.key, snapshotVersion, snapshot.NextUniqueID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("writing collection meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing collection: %w", err)
	}
	return nil
}

func (b *SQLiteStateBackend) Delete(ctx context.Context) error {
	if b == nil || b.db == nil {
		return ErrInvalidInput
	}
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM change_records WHERE collection_key = ?", b.key); err != nil {
		return fmt.Errorf("deleting records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM change_meta WHERE collection_key = ?", b.key); err != nil {
		return fmt.Errorf("deleting collection meta: %w", err)
	}
	return tx.Commit()
}
