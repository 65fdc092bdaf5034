// SPDX-License-Identifier: Apache-2.0

// Package applier executes a computed Plan against the target database
// inside a single transaction, holding the advisory lock for the duration
// of the run, and optionally runs the plpgsql_check extension afterwards.
package applier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/pgmg-io/pgmg/internal/codeobject"
	"github.com/pgmg-io/pgmg/internal/pgdb"
	"github.com/pgmg-io/pgmg/internal/pgmgerr"
	"github.com/pgmg-io/pgmg/internal/planner"
	"github.com/pgmg-io/pgmg/internal/plog"
	"github.com/pgmg-io/pgmg/internal/result"
	"github.com/pgmg-io/pgmg/internal/state"
)

// NotifyChannel is the well-known channel apply sends a NOTIFY on after
// commit when the emit_notify_events option is enabled. The source left the
// channel name unspecified; pgmg fixes it to this constant.
const NotifyChannel = "pgmg"

// Applier runs a Plan to completion or rolls back the entire run on the
// first failing step.
type Applier struct {
	DB     pgdb.DB
	Store  *state.Store
	Logger plog.Logger
	// EmitNotify, when true, sends a NOTIFY on NotifyChannel from within the
	// committing transaction once every step has applied successfully.
	// It is issued after the last plan step, before commit; Postgres queues
	// NOTIFY payloads issued inside a transaction and delivers them only
	// once that transaction commits.
	EmitNotify bool
}

// New returns an Applier bookkeeping under schema. A nil logger is replaced
// with a no-op one.
func New(db pgdb.DB, schema string, logger plog.Logger) *Applier {
	if logger == nil {
		logger = plog.NewNoopLogger()
	}
	return &Applier{DB: db, Store: state.New(schema), Logger: logger}
}

// Apply executes plan inside a single retryable transaction that also holds
// the advisory lock, so a run either commits in full or leaves the database
// exactly as it found it. recordedObjects is the object state read before
// planning, used only to tell a genuinely new object apart from one being
// recreated (objects_created vs objects_updated) in the returned Result.
func (a *Applier) Apply(ctx context.Context, plan planner.Plan, recordedObjects map[string]state.Record) (*result.Result, error) {
	res := &result.Result{}

	recreated := map[string]bool{}
	for _, step := range plan {
		if step.Kind == planner.StepCreate {
			recreated[step.Key] = true
		}
	}

	err := a.DB.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := a.Store.AcquireLock(ctx, tx); err != nil {
			return err
		}
		if err := a.Store.EnsureBootstrapped(ctx, tx); err != nil {
			return err
		}

		for i, step := range plan {
			a.Logger.LogStep(step)

			if err := a.applyStep(ctx, tx, step, recordedObjects, recreated, res); err != nil {
				if step.Kind == planner.StepRunMigration {
					return pgmgerr.MigrationFailedError{Name: step.MigrationName, StatementIndex: i, Err: err}
				}
				return pgmgerr.DatabaseError{Statement: step.SQLText, Err: err}
			}
		}

		if a.EmitNotify {
			if err := a.notify(ctx, tx, res); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	a.Logger.LogApplyComplete()
	return res, nil
}

func (a *Applier) applyStep(
	ctx context.Context,
	tx *sql.Tx,
	step planner.Step,
	recordedObjects map[string]state.Record,
	recreated map[string]bool,
	res *result.Result,
) error {
	switch step.Kind {
	case planner.StepDrop:
		if _, err := tx.ExecContext(ctx, step.SQLText); err != nil {
			return err
		}
		if !recreated[step.Key] {
			res.ObjectsDropped = append(res.ObjectsDropped, step.Key)
		}

	case planner.StepRunMigration:
		if _, err := tx.ExecContext(ctx, step.SQLText); err != nil {
			return err
		}

	case planner.StepRecordMigration:
		if err := a.Store.RecordMigration(ctx, tx, step.MigrationName); err != nil {
			return err
		}
		res.MigrationsApplied = append(res.MigrationsApplied, step.MigrationName)

	case planner.StepCreate:
		if _, err := tx.ExecContext(ctx, step.SQLText); err != nil {
			return err
		}

	case planner.StepUpsertStateHash:
		if err := a.Store.UpsertObjectState(ctx, tx, step.Key, step.Hash); err != nil {
			return err
		}
		if _, existed := recordedObjects[step.Key]; existed {
			res.ObjectsUpdated = append(res.ObjectsUpdated, step.Key)
		} else {
			res.ObjectsCreated = append(res.ObjectsCreated, step.Key)
		}

	case planner.StepDeleteStateRow:
		if err := a.Store.DeleteObjectState(ctx, tx, step.Key); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown plan step kind %q", step.Kind)
	}
	return nil
}

func (a *Applier) notify(ctx context.Context, tx *sql.Tx, res *result.Result) error {
	payload, err := json.Marshal(map[string]int{
		"migrations_applied": len(res.MigrationsApplied),
		"objects_created":     len(res.ObjectsCreated),
		"objects_updated":     len(res.ObjectsUpdated),
		"objects_dropped":     len(res.ObjectsDropped),
	})
	if err != nil {
		return fmt.Errorf("encoding notify payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(payload)); err != nil {
		return fmt.Errorf("sending notify: %w", err)
	}
	return nil
}

// CheckPlpgsql runs the plpgsql_check extension's plpgsql_check_function_tb
// over every declared function, after a successful commit, per spec.md
// §4.5 step 4. A target database without the extension installed reports
// zero findings rather than failing the run: the check is informational,
// not a gate.
func (a *Applier) CheckPlpgsql(ctx context.Context, objects []*codeobject.Object) ([]result.PlpgsqlFinding, error) {
	var findings []result.PlpgsqlFinding

	for _, obj := range objects {
		if obj.Kind != codeobject.KindFunction {
			continue
		}

		query := fmt.Sprintf(
			"SELECT level, message FROM plpgsql_check_function_tb(%s::regproc)",
			pq.QuoteLiteral(obj.QualifiedName),
		)
		rows, err := a.DB.QueryContext(ctx, query)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "42883" {
				// plpgsql_check is not installed in this database: treat as
				// "nothing to report" rather than a failure of the run.
				continue
			}
			return findings, fmt.Errorf("checking function %s: %w", obj.QualifiedName, err)
		}

		for rows.Next() {
			var level, message string
			if err := rows.Scan(&level, &message); err != nil {
				rows.Close()
				return findings, err
			}
			findings = append(findings, result.PlpgsqlFinding{
				Function: obj.QualifiedName,
				Level:    level,
				Message:  message,
			})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return findings, err
		}
		rows.Close()
	}

	return findings, nil
}

// ApplyPlpgsqlFindings folds CheckPlpgsql's output into a Result's error and
// warning counters.
func ApplyPlpgsqlFindings(res *result.Result, findings []result.PlpgsqlFinding) {
	for _, f := range findings {
		switch f.Level {
		case "error":
			res.PlpgsqlErrorsFound++
		default:
			res.PlpgsqlWarningsFound++
		}
	}
}
