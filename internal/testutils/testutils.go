// SPDX-License-Identifier: Apache-2.0

// Package testutils spins up a single shared Postgres testcontainer for a
// whole test package and hands each test a fresh, empty database within it,
// so integration tests that need a live server don't pay container-startup
// cost per test.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pgmg-io/pgmg/internal/state"
)

const defaultPostgresVersion = "16.3"

// tConnStr holds the connection string to the container started by
// SharedTestMain.
var tConnStr string

// SharedTestMain starts a Postgres container shared by every test in a
// package. Call it from the package's TestMain.
func SharedTestMain(m *testing.M) {
	ctx := context.Background()

	waitForLogs := wait.
		ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(5 * time.Second)

	pgVersion := os.Getenv("POSTGRES_VERSION")
	if pgVersion == "" {
		pgVersion = defaultPostgresVersion
	}

	ctr, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:"+pgVersion),
		testcontainers.WithWaitStrategy(waitForLogs),
	)
	if err != nil {
		os.Exit(1)
	}

	tConnStr, err = ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		os.Exit(1)
	}

	exitCode := m.Run()

	if err := ctr.Terminate(ctx); err != nil {
		log.Printf("failed to terminate container: %v", err)
	}

	os.Exit(exitCode)
}

// TestSchema returns the schema pgmg's bookkeeping tables are created under
// for a test run. Defaults to "pgmg".
func TestSchema() string {
	if s := os.Getenv("PGMG_TEST_SCHEMA"); s != "" {
		return s
	}
	return "pgmg"
}

func randomDBName() string {
	const length = 15
	const charset = "abcdefghijklmnopqrstuvwxyz"

	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))] // #nosec G404
	}

	return "testdb_" + string(b)
}

// WithConnectionToContainer creates a fresh database inside the shared
// container and calls fn with a connection to it and its connection string.
// The connections are closed via t.Cleanup; the database itself is not
// dropped and stays in the container until SharedTestMain terminates it.
func WithConnectionToContainer(t *testing.T, fn func(db *sql.DB, connStr string)) {
	t.Helper()
	db, connStr, _ := setupTestDatabase(t)
	fn(db, connStr)
}

// WithBootstrappedStore creates a fresh database, bootstraps pgmg's
// bookkeeping tables under schema, and calls fn with the resulting Store and
// connection.
func WithBootstrappedStore(t *testing.T, schema string, fn func(st *state.Store, db *sql.DB, connStr string)) {
	t.Helper()
	ctx := context.Background()

	db, connStr, _ := setupTestDatabase(t)

	st := state.New(schema)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.AcquireLock(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if err := st.EnsureBootstrapped(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	fn(st, db, connStr)
}

// setupTestDatabase creates a new database in the shared container and
// returns a connection to it, its connection string, and its name.
func setupTestDatabase(t *testing.T) (*sql.DB, string, string) {
	t.Helper()
	ctx := context.Background()

	tDB, err := sql.Open("postgres", tConnStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := tDB.Close(); err != nil {
			t.Fatalf("closing admin connection: %v", err)
		}
	})

	dbName := randomDBName()
	if _, err := tDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
		t.Fatal(err)
	}

	u, err := url.Parse(tConnStr)
	if err != nil {
		t.Fatal(err)
	}
	u.Path = "/" + dbName
	connStr := u.String()

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("closing test database connection: %v", err)
		}
	})

	return db, connStr, dbName
}
