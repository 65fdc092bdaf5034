// SPDX-License-Identifier: Apache-2.0

// Package fsloader reads the two on-disk inputs pgmg reconciles against: the
// ordered sequence of one-shot data migrations and the recursive tree of
// declarative code objects.
package fsloader

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pgmg-io/pgmg/internal/codeobject"
	"github.com/pgmg-io/pgmg/internal/pgmgerr"
)

// Migration is a single one-shot data migration loaded from migrations_dir.
type Migration struct {
	Name    string // file name, including extension, used as the bookkeeping key
	Path    string
	SQLText string
}

// FS is the minimal file-system capability fsloader needs, satisfied by
// os.DirFS-backed implementations in production and by fstest.MapFS in
// tests.
type FS interface {
	fs.FS
}

// LoadMigrations enumerates *.sql files directly inside dir (no
// recursion), sorted byte-lexicographically by name, and fails on a
// duplicate name or a non-UTF-8 file.
func LoadMigrations(fsys FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, pgmgerr.FileReadError{Path: dir, Err: err}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	seen := make(map[string]bool, len(names))
	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, pgmgerr.ConfigInvalidError{Reason: fmt.Sprintf("duplicate migration file name %q", name)}
		}
		seen[name] = true

		path := filepath.ToSlash(filepath.Join(dir, name))
		raw, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, pgmgerr.FileReadError{Path: path, Err: err}
		}
		if !utf8.Valid(raw) {
			return nil, pgmgerr.ConfigInvalidError{Reason: fmt.Sprintf("migration file %q is not valid UTF-8", path)}
		}

		migrations = append(migrations, Migration{
			Name:    name,
			Path:    path,
			SQLText: string(raw),
		})
	}

	return migrations, nil
}

// LoadCodeObjects recursively enumerates *.sql files under dir, excluding
// *.test.sql, and parses each into zero or more codeobject.Object values.
func LoadCodeObjects(fsys FS, dir string) ([]*codeobject.Object, error) {
	var objects []*codeobject.Object

	err := fs.WalkDir(fsys, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if isNotExist(err) && path == dir {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".sql") || strings.HasSuffix(path, ".test.sql") {
			return nil
		}

		raw, readErr := fs.ReadFile(fsys, path)
		if readErr != nil {
			return pgmgerr.FileReadError{Path: path, Err: readErr}
		}
		if !utf8.Valid(raw) {
			return pgmgerr.ConfigInvalidError{Reason: fmt.Sprintf("code object file %q is not valid UTF-8", path)}
		}

		found, parseErr := codeobject.Parse(path, string(raw))
		if parseErr != nil {
			return parseErr
		}
		objects = append(objects, found...)
		return nil
	})
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	return objects, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
