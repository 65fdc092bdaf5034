// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pgmg-io/pgmg/internal/applier"
	"github.com/pgmg-io/pgmg/internal/pgdb"
	"github.com/pgmg-io/pgmg/internal/plog"
)

func applyCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the pending migrations and code object changes",
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

			planRes, err := computePlan(ctx, db, cfg)
			if err != nil {
				return err
			}

			if dryRun {
				renderPlan(planRes)
				return nil
			}

			sp, _ := pterm.DefaultSpinner.WithText("Applying plan...").Start()

			a := applier.New(&pgdb.RDB{DB: db}, cfg.PgmgSchema, plog.NewLogger())
			a.EmitNotify = cfg.EmitNotifyEvents

			res, err := a.Apply(ctx, planRes.Plan, planRes.RecordedObjects)
			if err != nil {
				sp.Fail(fmt.Sprintf("Apply failed: %s", err))
				return err
			}

			if cfg.CheckPlpgsql {
				findings, err := a.CheckPlpgsql(ctx, planRes.Objects)
				if err != nil {
					sp.Fail(fmt.Sprintf("plpgsql check failed: %s", err))
					return err
				}
				applier.ApplyPlpgsqlFindings(res, findings)
			}

			sp.Success(fmt.Sprintf(
				"applied %d migration(s); created %d, updated %d, dropped %d object(s)",
				len(res.MigrationsApplied), len(res.ObjectsCreated), len(res.ObjectsUpdated), len(res.ObjectsDropped),
			))
			if res.PlpgsqlErrorsFound+res.PlpgsqlWarningsFound > 0 {
				pterm.Warning.Printfln(
					"plpgsql_check reported %d error(s) and %d warning(s)",
					res.PlpgsqlErrorsFound, res.PlpgsqlWarningsFound,
				)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate connectivity and print the plan without acquiring the write lock")
	return cmd
}
