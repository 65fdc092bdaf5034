// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pgmg-io/pgmg/internal/fsloader"
	"github.com/pgmg-io/pgmg/internal/pgdb"
	"github.com/pgmg-io/pgmg/internal/pgmgerr"
	"github.com/pgmg-io/pgmg/internal/state"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap pgmg's bookkeeping tables in the target database",
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

		sp, _ := pterm.DefaultSpinner.WithText("Initializing pgmg...").Start()

		rdb := &pgdb.RDB{DB: db}
		store := state.New(cfg.PgmgSchema)
		seeded := false
		err = rdb.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if err := store.AcquireLock(ctx, tx); err != nil {
				return err
			}

			alreadyBootstrapped, err := store.IsBootstrapped(ctx, tx)
			if err != nil {
				return err
			}
			if err := store.EnsureBootstrapped(ctx, tx); err != nil {
				return err
			}

			if alreadyBootstrapped || cfg.SeedDir == "" {
				return nil
			}
			if err := runSeeds(ctx, tx, cfg.SeedDir); err != nil {
				return err
			}
			seeded = true
			return nil
		})
		if err != nil {
			sp.Fail(fmt.Sprintf("Failed to initialize pgmg: %s", err))
			return err
		}

		if seeded {
			sp.Success("Initialization complete, seed data loaded")
		} else {
			sp.Success("Initialization complete")
		}
		return nil
	},
}

// runSeeds executes every *.sql file directly inside seedDir, in
// byte-lexicographic order, as a single statement each. It only ever runs
// once: init only calls it the first time a target database is bootstrapped,
// so re-running init against an already-initialized database never reseeds.
func runSeeds(ctx context.Context, tx *sql.Tx, seedDir string) error {
	seeds, err := fsloader.LoadMigrations(os.DirFS(seedDir), ".")
	if err != nil {
		return err
	}

	for _, seed := range seeds {
		if _, err := tx.ExecContext(ctx, seed.SQLText); err != nil {
			return pgmgerr.MigrationFailedError{Name: seed.Name, Err: err}
		}
	}
	return nil
}
