// SPDX-License-Identifier: Apache-2.0

// Package pgmgerr defines the distinct error kinds produced by pgmg's
// planner, applier and dependency probe, rather than relying on the
// database driver's own error type.
package pgmgerr

import (
	"fmt"
	"strings"
)

// ConfigInvalidError reports missing or inconsistent configuration.
type ConfigInvalidError struct {
	Reason string
}

func (e ConfigInvalidError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// FileReadError reports a file-system read failure, with the offending path.
type FileReadError struct {
	Path string
	Err  error
}

func (e FileReadError) Unwrap() error { return e.Err }

func (e FileReadError) Error() string {
	return fmt.Sprintf("reading %q: %s", e.Path, e.Err)
}

// FileWriteError reports a file-system write failure, with the offending path.
type FileWriteError struct {
	Path string
	Err  error
}

func (e FileWriteError) Unwrap() error { return e.Err }

func (e FileWriteError) Error() string {
	return fmt.Sprintf("writing %q: %s", e.Path, e.Err)
}

// SqlParseHintError reports that the Dep Probe could not interpret a
// Postgres error message, but the raw diagnostic is still available.
type SqlParseHintError struct {
	Statement string
	RawErr    error
}

func (e SqlParseHintError) Unwrap() error { return e.RawErr }

func (e SqlParseHintError) Error() string {
	return fmt.Sprintf("unable to interpret postgres diagnostic for %q: %s", e.Statement, e.RawErr)
}

// DatabaseConnectError reports a connection failure, with credentials
// redacted by the caller before this error is constructed.
type DatabaseConnectError struct {
	Err error
}

func (e DatabaseConnectError) Unwrap() error { return e.Err }

func (e DatabaseConnectError) Error() string {
	return fmt.Sprintf("connecting to database: %s", e.Err)
}

// DatabaseError wraps a statement execution failure.
type DatabaseError struct {
	Statement string
	Err       error
}

func (e DatabaseError) Unwrap() error { return e.Err }

func (e DatabaseError) Error() string {
	return fmt.Sprintf("executing statement: %s", e.Err)
}

// MigrationFailedError reports that a specific migration failed at a given
// statement index.
type MigrationFailedError struct {
	Name           string
	StatementIndex int
	Err            error
}

func (e MigrationFailedError) Unwrap() error { return e.Err }

func (e MigrationFailedError) Error() string {
	return fmt.Sprintf("migration %q failed at statement %d: %s", e.Name, e.StatementIndex, e.Err)
}

// DependencyCycleError reports a cycle among code objects discovered while
// computing the creation order.
type DependencyCycleError struct {
	Members []string
}

func (e DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among objects: %s", strings.Join(e.Members, " -> "))
}

// LockBusyError reports that another runner currently holds the advisory
// lock.
type LockBusyError struct {
	Holder string
}

func (e LockBusyError) Error() string {
	if e.Holder == "" {
		return "another process is running migrations"
	}
	return fmt.Sprintf("another process is running migrations (last recorded holder %s)", e.Holder)
}

// DriftDetectedError reports a recorded migration with no corresponding
// file on disk, or a recorded object with no file that the user has not
// opted to delete.
type DriftDetectedError struct {
	Reason string
}

func (e DriftDetectedError) Error() string {
	return fmt.Sprintf("drift detected: %s", e.Reason)
}
