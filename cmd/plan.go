// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pgmg-io/pgmg/internal/codeobject"
	"github.com/pgmg-io/pgmg/internal/config"
	"github.com/pgmg-io/pgmg/internal/fsloader"
	"github.com/pgmg-io/pgmg/internal/planner"
	"github.com/pgmg-io/pgmg/internal/plog"
	"github.com/pgmg-io/pgmg/internal/state"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Compute and print pending migrations and code object changes without applying them",
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

		res, err := computePlan(ctx, db, cfg)
		if err != nil {
			return err
		}

		renderPlan(res)
		return nil
	},
}

// planOutcome is everything a rendered plan or a subsequent Apply needs:
// the ordered steps themselves, and the object state recorded before
// planning, used to tell a genuinely new object apart from a recreated one.
type planOutcome struct {
	Plan            planner.Plan
	Objects         []*codeobject.Object
	RecordedObjects map[string]state.Record
}

// loadInputs reads the two on-disk inputs rooted at cfg's configured
// directories. pgmg never caches these between invocations, so
// development_mode has nothing to disable yet; it only announces the reread
// so a developer iterating on code objects can see each run is picking up
// their edits.
func loadInputs(cfg *config.Config) ([]fsloader.Migration, []*codeobject.Object, error) {
	if cfg.DevelopmentMode {
		plog.NewLogger().Info("development mode: rereading migrations and code objects from disk",
			"migrations_dir", cfg.MigrationsDir, "code_dir", cfg.CodeDir)
	}

	migrations, err := fsloader.LoadMigrations(os.DirFS(cfg.MigrationsDir), ".")
	if err != nil {
		return nil, nil, err
	}
	objects, err := fsloader.LoadCodeObjects(os.DirFS(cfg.CodeDir), ".")
	if err != nil {
		return nil, nil, err
	}
	return migrations, objects, nil
}

// computePlan loads the on-disk inputs and the recorded state, then runs the
// planner against a throwaway transaction that is always rolled back: the
// probes it issues never leave a trace, and planning itself performs no
// writes. It fails with errPGMGNotInitialized if pgmg's bookkeeping tables
// are not yet present.
func computePlan(ctx context.Context, db *sql.DB, cfg *config.Config) (*planOutcome, error) {
	migrations, objects, err := loadInputs(cfg)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	store := state.New(cfg.PgmgSchema)
	bootstrapped, err := store.IsBootstrapped(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !bootstrapped {
		return nil, errPGMGNotInitialized
	}

	recordedMigrations, err := store.LoadAppliedMigrations(ctx, tx)
	if err != nil {
		return nil, err
	}
	recordedObjects, err := store.LoadObjectState(ctx, tx)
	if err != nil {
		return nil, err
	}

	prober := &planner.TxProber{Tx: tx}
	plan, err := planner.Compute(ctx, prober, planner.Input{
		Migrations:         migrations,
		Objects:            objects,
		RecordedMigrations: recordedMigrations,
		RecordedObjects:    recordedObjects,
	})
	if err != nil {
		return nil, err
	}

	return &planOutcome{Plan: plan, Objects: objects, RecordedObjects: recordedObjects}, nil
}

func renderPlan(res *planOutcome) {
	var pendingMigrations, affected, creationOrder, created, updated, deleted []string

	for _, step := range res.Plan {
		switch step.Kind {
		case planner.StepRunMigration:
			pendingMigrations = append(pendingMigrations, step.MigrationName)
		case planner.StepDrop:
			affected = append(affected, step.Key)
		case planner.StepCreate:
			creationOrder = append(creationOrder, step.Key)
		case planner.StepUpsertStateHash:
			if _, existed := res.RecordedObjects[step.Key]; existed {
				updated = append(updated, step.Key)
			} else {
				created = append(created, step.Key)
			}
		case planner.StepDeleteStateRow:
			deleted = append(deleted, step.Key)
		}
	}

	pterm.DefaultSection.Println("Pending data migrations")
	printSection(pendingMigrations, "no pending migrations")

	pterm.DefaultSection.Println("Affected objects")
	printSection(affected, "no objects affected")

	pterm.DefaultSection.Println("Code changes")
	if len(created)+len(updated)+len(deleted) == 0 {
		fmt.Println("no code changes")
	} else {
		printSection(prefixed("new", created), "")
		printSection(prefixed("modified", updated), "")
		printSection(prefixed("deleted", deleted), "")
	}

	pterm.DefaultSection.Println("Execution order")
	printSection(creationOrder, "nothing to create")
}

func printSection(items []string, emptyMessage string) {
	if len(items) == 0 {
		if emptyMessage != "" {
			fmt.Println(emptyMessage)
		}
		return
	}
	list := make([]pterm.BulletListItem, len(items))
	for i, item := range items {
		list[i] = pterm.BulletListItem{Level: 0, Text: item}
	}
	pterm.DefaultBulletList.WithItems(list).Render()
}

func prefixed(label string, keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fmt.Sprintf("%s: %s", label, k)
	}
	return out
}
