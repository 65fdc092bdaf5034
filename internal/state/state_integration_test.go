// SPDX-License-Identifier: Apache-2.0

package state_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmg-io/pgmg/internal/codeobject"
	"github.com/pgmg-io/pgmg/internal/state"
	"github.com/pgmg-io/pgmg/internal/testutils"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestIsBootstrappedReflectsEnsureBootstrapped(t *testing.T) {
	schema := testutils.TestSchema()

	testutils.WithConnectionToContainer(t, func(db *sql.DB, _ string) {
		ctx := context.Background()
		st := state.New(schema)

		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)

		before, err := st.IsBootstrapped(ctx, tx)
		require.NoError(t, err)
		assert.False(t, before)

		require.NoError(t, st.AcquireLock(ctx, tx))
		require.NoError(t, st.EnsureBootstrapped(ctx, tx))

		after, err := st.IsBootstrapped(ctx, tx)
		require.NoError(t, err)
		assert.True(t, after)

		require.NoError(t, tx.Commit())
	})
}

func TestLockHolderRecordedByAcquireLock(t *testing.T) {
	schema := testutils.TestSchema()

	testutils.WithBootstrappedStore(t, schema, func(st *state.Store, db *sql.DB, _ string) {
		ctx := context.Background()

		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()

		runID, acquiredAt, err := st.LoadLockHolder(ctx, tx)
		require.NoError(t, err)
		require.NotNil(t, acquiredAt)
		assert.Equal(t, st.RunID, runID)
	})
}

func TestMigrationAndObjectStateRoundTrip(t *testing.T) {
	schema := testutils.TestSchema()

	testutils.WithBootstrappedStore(t, schema, func(st *state.Store, db *sql.DB, _ string) {
		ctx := context.Background()

		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()

		require.NoError(t, st.RecordMigration(ctx, tx, "001_create_widgets.sql"))
		applied, err := st.LoadAppliedMigrations(ctx, tx)
		require.NoError(t, err)
		assert.True(t, applied["001_create_widgets.sql"])

		key := state.ObjectKey(codeobject.KindView, "public.widget_names")
		hash := [32]byte{1, 2, 3}
		require.NoError(t, st.UpsertObjectState(ctx, tx, key, hash))

		recorded, err := st.LoadObjectState(ctx, tx)
		require.NoError(t, err)
		require.Contains(t, recorded, key)
		assert.Equal(t, hash, recorded[key].ObjectHash)

		require.NoError(t, st.DeleteObjectState(ctx, tx, key))
		recorded, err = st.LoadObjectState(ctx, tx)
		require.NoError(t, err)
		assert.NotContains(t, recorded, key)
	})
}
