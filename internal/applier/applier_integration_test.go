// SPDX-License-Identifier: Apache-2.0

package applier_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmg-io/pgmg/internal/applier"
	"github.com/pgmg-io/pgmg/internal/codeobject"
	"github.com/pgmg-io/pgmg/internal/fsloader"
	"github.com/pgmg-io/pgmg/internal/pgdb"
	"github.com/pgmg-io/pgmg/internal/planner"
	"github.com/pgmg-io/pgmg/internal/state"
	"github.com/pgmg-io/pgmg/internal/testutils"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

// TestApplyEndToEndAgainstRealDatabase runs a migration that creates a table
// and a view that depends on it through the real planner and applier against
// a live Postgres instance, with no fakes standing in for either the probe
// or the executor.
func TestApplyEndToEndAgainstRealDatabase(t *testing.T) {
	schema := testutils.TestSchema()

	testutils.WithBootstrappedStore(t, schema, func(st *state.Store, db *sql.DB, _ string) {
		ctx := context.Background()

		migrations := []fsloader.Migration{{
			Name:    "001_create_widgets.sql",
			SQLText: "CREATE TABLE widgets (id serial primary key, name text not null);",
		}}

		objects, err := codeobject.Parse("sql/widget_names.sql",
			"CREATE VIEW widget_names AS SELECT name FROM widgets;")
		require.NoError(t, err)
		require.Len(t, objects, 1)

		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)

		prober := &planner.TxProber{Tx: tx}
		plan, err := planner.Compute(ctx, prober, planner.Input{
			Migrations:         migrations,
			Objects:            objects,
			RecordedMigrations: map[string]bool{},
			RecordedObjects:    map[string]state.Record{},
		})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		a := applier.New(&pgdb.RDB{DB: db}, schema, nil)
		res, err := a.Apply(ctx, plan, map[string]state.Record{})
		require.NoError(t, err)

		assert.Equal(t, []string{"001_create_widgets.sql"}, res.MigrationsApplied)
		assert.Equal(t, []string{"view.public.widget_names"}, res.ObjectsCreated)

		_, err = db.ExecContext(ctx, "INSERT INTO widgets (name) VALUES ('sprocket')")
		require.NoError(t, err)

		var name string
		require.NoError(t, db.QueryRowContext(ctx, "SELECT name FROM widget_names").Scan(&name))
		assert.Equal(t, "sprocket", name)

		recorded, err := st.LoadAppliedMigrations(ctx, mustTx(t, db))
		require.NoError(t, err)
		assert.True(t, recorded["001_create_widgets.sql"])
	})
}

// TestApplyReplanIsEmptyAfterSuccessfulApply exercises the self-healing
// property from the project's idempotent-re-apply scenario: with no file
// changes, a second plan against the now-converged database has nothing to
// do.
func TestApplyReplanIsEmptyAfterSuccessfulApply(t *testing.T) {
	schema := testutils.TestSchema()

	testutils.WithBootstrappedStore(t, schema, func(st *state.Store, db *sql.DB, _ string) {
		ctx := context.Background()

		objects, err := codeobject.Parse("sql/one.sql", "CREATE VIEW one AS SELECT 1 AS n;")
		require.NoError(t, err)

		plan := func(recordedObjects map[string]state.Record) planner.Plan {
			tx, err := db.BeginTx(ctx, nil)
			require.NoError(t, err)
			defer tx.Rollback()

			prober := &planner.TxProber{Tx: tx}
			p, err := planner.Compute(ctx, prober, planner.Input{
				Objects:            objects,
				RecordedMigrations: map[string]bool{},
				RecordedObjects:    recordedObjects,
			})
			require.NoError(t, err)
			return p
		}

		firstPlan := plan(map[string]state.Record{})
		require.NotEmpty(t, firstPlan)

		a := applier.New(&pgdb.RDB{DB: db}, schema, nil)
		_, err = a.Apply(ctx, firstPlan, map[string]state.Record{})
		require.NoError(t, err)

		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		recordedObjects, err := st.LoadObjectState(ctx, tx)
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		secondPlan := plan(recordedObjects)
		assert.Empty(t, secondPlan)
	})
}

func mustTx(t *testing.T, db *sql.DB) *sql.Tx {
	t.Helper()
	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })
	return tx
}
