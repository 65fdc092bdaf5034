// SPDX-License-Identifier: Apache-2.0

package fsloader_test

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmg-io/pgmg/internal/codeobject"
	"github.com/pgmg-io/pgmg/internal/fsloader"
	"github.com/pgmg-io/pgmg/internal/pgmgerr"
)

func TestLoadMigrationsOrdersByNameAndIgnoresNonSQL(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"002_second.sql": &fstest.MapFile{Data: []byte("ALTER TABLE widgets ADD COLUMN qty int;")},
		"001_first.sql":  &fstest.MapFile{Data: []byte("CREATE TABLE widgets (id serial primary key);")},
		"README.md":      &fstest.MapFile{Data: []byte("not a migration")},
	}

	migrations, err := fsloader.LoadMigrations(fsys, ".")
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001_first.sql", migrations[0].Name)
	assert.Equal(t, "002_second.sql", migrations[1].Name)
}

func TestLoadMigrationsRejectsNonUTF8(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"001_bad.sql": &fstest.MapFile{Data: []byte{0xff, 0xfe, 0x00}},
	}

	_, err := fsloader.LoadMigrations(fsys, ".")
	require.Error(t, err)
	assert.IsType(t, pgmgerr.ConfigInvalidError{}, err)
}

func TestLoadMigrationsMissingDirIsEmptyNotError(t *testing.T) {
	t.Parallel()

	migrations, err := fsloader.LoadMigrations(fstest.MapFS{}, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, migrations)
}

func TestLoadCodeObjectsWalksSubdirectoriesAndSkipsTestFiles(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"views/widget_names.sql":      &fstest.MapFile{Data: []byte("CREATE VIEW widget_names AS SELECT name FROM widgets;")},
		"functions/add_one.sql":       &fstest.MapFile{Data: []byte("CREATE FUNCTION add_one(n int) RETURNS int AS $$ SELECT n + 1; $$ LANGUAGE sql;")},
		"views/widget_names.test.sql": &fstest.MapFile{Data: []byte("SELECT widget_names_test_fixture();")},
	}

	objects, err := fsloader.LoadCodeObjects(fsys, ".")
	require.NoError(t, err)
	require.Len(t, objects, 2)

	keys := make([]string, len(objects))
	for i, o := range objects {
		keys[i] = o.Key()
	}
	assert.ElementsMatch(t, []string{
		codeobject.Key(codeobject.KindView, "public.widget_names"),
		codeobject.Key(codeobject.KindFunction, "public.add_one"),
	}, keys)
}

func TestLoadCodeObjectsMissingDirIsEmptyNotError(t *testing.T) {
	t.Parallel()

	objects, err := fsloader.LoadCodeObjects(fstest.MapFS{}, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, objects)
}
