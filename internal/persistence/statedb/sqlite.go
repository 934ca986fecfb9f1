// Package statedb is the SQLite charstate.Backend: one row per character
// plus one row per field with its field version.
package statedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/gc-lover/necpgame-monorepo-sub025/internal/charstate"
)

var errVersionDrift = errors.New("stored document version does not match")

type Store struct {
	db *sql.DB
}

var _ charstate.Backend = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS characters (
			character_id TEXT PRIMARY KEY,
			document_version INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS character_fields (
			character_id TEXT NOT NULL REFERENCES characters(character_id),
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (character_id, field)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Load(ctx context.Context, characterID string) (charstate.CharacterState, bool, error) {
	var (
		st      charstate.CharacterState
		updated string
	)
	err := s.db.QueryRowContext(ctx, `SELECT document_version, updated_at FROM characters WHERE character_id = ?`, characterID).
		Scan(&st.DocumentVersion, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, unavailable(err)
	}
	st.CharacterID = characterID
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	st.Fields = map[string]json.RawMessage{}
	st.FieldVersions = map[string]uint64{}

	rows, err := s.db.QueryContext(ctx, `SELECT field, value, version FROM character_fields WHERE character_id = ?`, characterID)
	if err != nil {
		return st, false, unavailable(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			field, value string
			version      uint64
		)
		if err := rows.Scan(&field, &value, &version); err != nil {
			return st, false, unavailable(err)
		}
		st.Fields[field] = json.RawMessage(value)
		st.FieldVersions[field] = version
	}
	if err := rows.Err(); err != nil {
		return st, false, unavailable(err)
	}
	return st, true, nil
}

// Create inserts a brand-new document. A concurrent creator surfaces as
// charstate.ErrAlreadyExists.
func (s *Store) Create(ctx context.Context, st charstate.CharacterState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO characters(character_id, document_version, updated_at) VALUES(?,?,?)`,
		st.CharacterID, int64(st.DocumentVersion), st.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		if isUniqueViolation(err) {
			return charstate.ErrAlreadyExists
		}
		return unavailable(err)
	}
	for _, f := range st.FieldNames() {
		if err := upsertField(ctx, tx, st.CharacterID, f, st.Fields[f], st.FieldVersions[f]); err != nil {
			return unavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Save writes the touched fields and the new document version in one
// transaction. The stored version must be the one st was derived from.
func (s *Store) Save(ctx context.Context, st charstate.CharacterState, touched []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE characters SET document_version = ?, updated_at = ? WHERE character_id = ? AND document_version < ?`,
		int64(st.DocumentVersion), st.UpdatedAt.UTC().Format(time.RFC3339Nano), st.CharacterID, int64(st.DocumentVersion))
	if err != nil {
		return unavailable(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return unavailable(err)
	} else if n != 1 {
		return fmt.Errorf("save %s at v%d: %w", st.CharacterID, st.DocumentVersion, errVersionDrift)
	}
	for _, f := range touched {
		if err := upsertField(ctx, tx, st.CharacterID, f, st.Fields[f], st.FieldVersions[f]); err != nil {
			return unavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// CharacterIDs lists stored characters, sorted.
func (s *Store) CharacterIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT character_id FROM characters ORDER BY character_id`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func upsertField(ctx context.Context, tx *sql.Tx, characterID, field string, value json.RawMessage, version uint64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO character_fields(character_id, field, value, version) VALUES(?,?,?,?)
		ON CONFLICT(character_id, field) DO UPDATE SET value = excluded.value, version = excluded.version`,
		characterID, field, string(value), int64(version))
	return err
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", charstate.ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
