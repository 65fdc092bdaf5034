// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgmg-io/pgmg/internal/state"
)

type statusReport struct {
	Schema             string     `json:"schema"`
	MigrationsRecorded int        `json:"migrations_recorded"`
	ObjectsRecorded    int        `json:"objects_recorded"`
	LastRunID          string     `json:"last_run_id,omitempty"`
	LastLockAcquiredAt *time.Time `json:"last_lock_acquired_at,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pgmg's recorded migration/object counts and lock-holder diagnostics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		report, err := statusForSchema(ctx, db, cfg.PgmgSchema)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func statusForSchema(ctx context.Context, db *sql.DB, schema string) (*statusReport, error) {
	store := state.New(schema)
	report := &statusReport{Schema: schema}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	bootstrapped, err := store.IsBootstrapped(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !bootstrapped {
		return nil, errPGMGNotInitialized
	}

	migrations, err := store.LoadAppliedMigrations(ctx, tx)
	if err != nil {
		return nil, err
	}
	report.MigrationsRecorded = len(migrations)

	objects, err := store.LoadObjectState(ctx, tx)
	if err != nil {
		return nil, err
	}
	report.ObjectsRecorded = len(objects)

	runID, acquiredAt, err := store.LoadLockHolder(ctx, tx)
	if err != nil {
		return nil, err
	}
	report.LastRunID = runID
	report.LastLockAcquiredAt = acquiredAt

	return report, nil
}
