// SPDX-License-Identifier: Apache-2.0

// Package pgdb wraps a *sql.DB with retry-on-lock_timeout semantics, and
// extends it with a savepoint-scoped executor used by the dependency probe
// to attempt a statement and roll it back without aborting the enclosing
// transaction.
package pgdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/lib/pq"
)

const (
	lockNotAvailableErrorCode pq.ErrorCode = "55P03"
	maxBackoffDuration                     = 1 * time.Minute
	backoffInterval                        = 1 * time.Second
)

// DB is the minimal capability pgmg's planner and applier need from a
// connection pool.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error
	Close() error
}

// RDB wraps a *sql.DB and retries queries using an exponential backoff (with
// jitter) on lock_timeout errors.
type RDB struct {
	DB *sql.DB
}

func (db *RDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	for {
		res, err := db.DB.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}

		pqErr := &pq.Error{}
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailableErrorCode {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return nil, err
			}
			continue
		}

		return nil, err
	}
}

func (db *RDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	for {
		rows, err := db.DB.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}

		pqErr := &pq.Error{}
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailableErrorCode {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return nil, err
			}
			continue
		}

		return nil, err
	}
}

// WithRetryableTransaction runs f in a transaction, retrying the whole
// attempt on lock_timeout errors.
func (db *RDB) WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error {
	b := backoff.New(maxBackoffDuration, backoffInterval)

	for {
		tx, err := db.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		err = f(ctx, tx)
		if err == nil {
			return tx.Commit()
		}

		if errRollback := tx.Rollback(); errRollback != nil {
			return errors.Join(err, errRollback)
		}

		pqErr := &pq.Error{}
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailableErrorCode {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return err
			}
			continue
		}

		return err
	}
}

func (db *RDB) Close() error {
	return db.DB.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// savepointCounter gives every probe attempt within a process a distinct
// savepoint name; Postgres savepoints are scoped to the transaction so
// collisions only matter within a single *sql.Tx, but a monotonic counter
// keeps names unique there too.
var savepointCounter int

// TrySavepoint executes stmt inside a fresh savepoint on tx. If stmt
// succeeds the savepoint is released and the effects remain part of tx. If
// stmt fails, the transaction is rolled back to the savepoint (undoing
// stmt's effects while keeping tx itself usable) and the original error
// from stmt is returned unchanged so the caller can inspect its *pq.Error.
func TrySavepoint(ctx context.Context, tx *sql.Tx, stmt string) error {
	savepointCounter++
	name := fmt.Sprintf("pgmg_probe_%d", savepointCounter)

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SAVEPOINT %s", name)); err != nil {
		return fmt.Errorf("creating savepoint: %w", err)
	}

	_, execErr := tx.ExecContext(ctx, stmt)
	if execErr == nil {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", name)); err != nil {
			return fmt.Errorf("releasing savepoint: %w", err)
		}
		return nil
	}

	if _, rbErr := tx.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", name)); rbErr != nil {
		return errors.Join(execErr, fmt.Errorf("rolling back to savepoint: %w", rbErr))
	}

	return execErr
}
