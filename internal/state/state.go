// SPDX-License-Identifier: Apache-2.0

// Package state manages pgmg's own bookkeeping inside the target database:
// the advisory lock guarding a single active run, and the two tables that
// record which migrations have been applied and which code objects are
// currently installed along with the hash of the text that produced them.
// The advisory-lock idiom follows the same acquire-inside-the-run-transaction
// pattern used elsewhere in this codebase, dropping the JSONB/versioned-schema
// machinery pgmg has no use for in favour of the two flat tables described in
// spec.md §3.2.
package state

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pgmg-io/pgmg/internal/codeobject"
	"github.com/pgmg-io/pgmg/internal/pgmgerr"
)

const sqlInit = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.pgmg_migrations (
	name		TEXT PRIMARY KEY,
	applied_at	TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]s.pgmg_state (
	object_name		TEXT PRIMARY KEY,
	object_hash		TEXT NOT NULL,
	last_applied	TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]s.pgmg_lock_holder (
	id			BOOLEAN PRIMARY KEY DEFAULT true CHECK (id),
	run_id		TEXT NOT NULL,
	acquired_at	TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// lockKey is the fixed advisory lock key shared by every pgmg process
// regardless of which schema or database it targets, derived from the
// first 8 bytes of sha256("pgmg") interpreted as a big-endian signed
// int64. Deriving the key from the binary name, rather than hardcoding an
// arbitrary literal, keeps it stable across recompiles while still being
// effectively collision-free against unrelated advisory locks taken out by
// other tools.
var lockKey = func() int64 {
	sum := sha256.Sum256([]byte("pgmg"))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}()

// Bootstrapped tables, keyed by object_name ("<kind>.<qualified_name>").
type Record struct {
	ObjectHash  [32]byte
	LastApplied time.Time
}

// Store is the bookkeeping schema inside the target database, operating
// entirely within the caller-supplied transaction so that migration
// execution, object creation/drop and bookkeeping updates commit or roll
// back together.
type Store struct {
	schema string
	// RunID identifies this process's attempt to acquire the advisory lock,
	// recorded in pgmg_lock_holder once the lock is held. The row is written
	// inside the locked transaction, so other sessions (the status command,
	// a blocked AcquireLock) only see it after that transaction commits, as
	// the last recorded holder.
	RunID string
}

// New returns a Store that reads and writes its bookkeeping tables under
// schema.
func New(schema string) *Store {
	return &Store{schema: schema, RunID: uuid.NewString()}
}

// AcquireLock takes the transaction-scoped advisory lock that ensures a single
// pgmg run is active against a given database at a time, using the
// non-blocking pg_try_advisory_xact_lock so a second concurrent run fails
// fast with pgmgerr.LockBusyError instead of blocking indefinitely. The lock
// is held for the lifetime of tx and is released automatically on commit or
// rollback. Once held, the run's RunID is recorded in pgmg_lock_holder for
// diagnostic purposes only; it plays no part in lock exclusion itself. The
// schema and the pgmg_lock_holder table are created here if absent, since
// callers take the lock before EnsureBootstrapped runs.
func (s *Store) AcquireLock(ctx context.Context, tx *sql.Tx) error {
	var acquired bool
	if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockKey).Scan(&acquired); err != nil {
		return err
	}
	if !acquired {
		holder, _, _ := s.LoadLockHolder(ctx, tx)
		return pgmgerr.LockBusyError{Holder: holder}
	}

	query := fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %[1]s;
		CREATE TABLE IF NOT EXISTS %[1]s.pgmg_lock_holder (
			id			BOOLEAN PRIMARY KEY DEFAULT true CHECK (id),
			run_id		TEXT NOT NULL,
			acquired_at	TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		INSERT INTO %[1]s.pgmg_lock_holder (id, run_id, acquired_at)
		VALUES (true, %[2]s, now())
		ON CONFLICT (id) DO UPDATE SET run_id = EXCLUDED.run_id, acquired_at = EXCLUDED.acquired_at
	`, pq.QuoteIdentifier(s.schema), pq.QuoteLiteral(s.RunID))
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return pgmgerr.DatabaseError{Statement: query, Err: err}
	}
	return nil
}

// LoadLockHolder reports the run_id and acquired_at time last recorded by a
// successful AcquireLock, for the status command's diagnostics. It does not
// itself take or wait for the advisory lock, so it is safe to call while
// another run holds it. A nil *time.Time means no run has ever recorded
// holding the lock.
func (s *Store) LoadLockHolder(ctx context.Context, tx *sql.Tx) (runID string, acquiredAt *time.Time, err error) {
	query := fmt.Sprintf("SELECT run_id, acquired_at FROM %s.pgmg_lock_holder WHERE id = true", pq.QuoteIdentifier(s.schema))
	row := tx.QueryRowContext(ctx, query)

	var t time.Time
	switch err := row.Scan(&runID, &t); err {
	case nil:
		return runID, &t, nil
	case sql.ErrNoRows:
		return "", nil, nil
	default:
		return "", nil, pgmgerr.DatabaseError{Statement: query, Err: err}
	}
}

// IsBootstrapped reports whether pgmg's bookkeeping tables already exist
// under schema, so callers can distinguish "nothing recorded yet" from
// "pgmg has never been initialized against this database".
func (s *Store) IsBootstrapped(ctx context.Context, tx *sql.Tx) (bool, error) {
	query := "SELECT to_regclass(format('%I.%I', $1, 'pgmg_migrations')) IS NOT NULL"
	var exists bool
	if err := tx.QueryRowContext(ctx, query, s.schema).Scan(&exists); err != nil {
		return false, pgmgerr.DatabaseError{Statement: query, Err: err}
	}
	return exists, nil
}

// EnsureBootstrapped creates the bookkeeping schema and tables if absent.
func (s *Store) EnsureBootstrapped(ctx context.Context, tx *sql.Tx) error {
	stmt := fmt.Sprintf(sqlInit, pq.QuoteIdentifier(s.schema))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return pgmgerr.DatabaseError{Statement: stmt, Err: err}
	}
	return nil
}

// LoadAppliedMigrations returns the set of migration names already recorded
// as applied.
func (s *Store) LoadAppliedMigrations(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	query := fmt.Sprintf("SELECT name FROM %s.pgmg_migrations", pq.QuoteIdentifier(s.schema))
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, pgmgerr.DatabaseError{Statement: query, Err: err}
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// LoadObjectState returns the recorded hash and last-applied time for every
// code object pgmg has previously created, keyed by "<kind>.<qualified_name>".
func (s *Store) LoadObjectState(ctx context.Context, tx *sql.Tx) (map[string]Record, error) {
	query := fmt.Sprintf("SELECT object_name, object_hash, last_applied FROM %s.pgmg_state", pq.QuoteIdentifier(s.schema))
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, pgmgerr.DatabaseError{Statement: query, Err: err}
	}
	defer rows.Close()

	records := make(map[string]Record)
	for rows.Next() {
		var (
			name        string
			hexHash     string
			lastApplied time.Time
		)
		if err := rows.Scan(&name, &hexHash, &lastApplied); err != nil {
			return nil, err
		}
		decoded, err := hex.DecodeString(hexHash)
		if err != nil {
			return nil, fmt.Errorf("decoding stored hash for %q: %w", name, err)
		}
		var fixed [32]byte
		copy(fixed[:], decoded)
		records[name] = Record{ObjectHash: fixed, LastApplied: lastApplied}
	}
	return records, rows.Err()
}

// RecordMigration inserts a row marking name as applied.
func (s *Store) RecordMigration(ctx context.Context, tx *sql.Tx, name string) error {
	query := fmt.Sprintf("INSERT INTO %s.pgmg_migrations (name) VALUES ($1)", pq.QuoteIdentifier(s.schema))
	if _, err := tx.ExecContext(ctx, query, name); err != nil {
		return pgmgerr.DatabaseError{Statement: query, Err: err}
	}
	return nil
}

// UpsertObjectState records or updates the hash for a created or modified
// code object, keyed by its "<kind>.<qualified_name>" identity.
func (s *Store) UpsertObjectState(ctx context.Context, tx *sql.Tx, key string, hash [32]byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s.pgmg_state (object_name, object_hash, last_applied)
		VALUES ($1, $2, now())
		ON CONFLICT (object_name) DO UPDATE SET object_hash = EXCLUDED.object_hash, last_applied = now()
	`, pq.QuoteIdentifier(s.schema))
	if _, err := tx.ExecContext(ctx, query, key, hex.EncodeToString(hash[:])); err != nil {
		return pgmgerr.DatabaseError{Statement: query, Err: err}
	}
	return nil
}

// DeleteObjectState removes the bookkeeping row for an object that has been
// dropped.
func (s *Store) DeleteObjectState(ctx context.Context, tx *sql.Tx, key string) error {
	query := fmt.Sprintf("DELETE FROM %s.pgmg_state WHERE object_name = $1", pq.QuoteIdentifier(s.schema))
	if _, err := tx.ExecContext(ctx, query, key); err != nil {
		return pgmgerr.DatabaseError{Statement: query, Err: err}
	}
	return nil
}

// ObjectKey is a convenience re-export so callers need not import
// codeobject solely to build a bookkeeping key.
func ObjectKey(kind codeobject.Kind, qualifiedName string) string {
	return codeobject.Key(kind, qualifiedName)
}
