// SPDX-License-Identifier: Apache-2.0

// Package depprobe implements the Dep Probe: a savepoint-scoped attempt to
// create or drop a single code object, classifying the resulting Postgres
// error by SQLSTATE instead of parsing the object's SQL text. Its dispatch
// on *pq.Error fields (Code, Message, Detail) is grounded on the
// golang-migrate Postgres driver's handling of the same error type.
package depprobe

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strconv"

	"github.com/lib/pq"

	"github.com/pgmg-io/pgmg/internal/pgdb"
	"github.com/pgmg-io/pgmg/internal/pgmgerr"
)

// Outcome classifies the result of a single probe attempt.
type Outcome int

const (
	// OutcomeOK means the statement executed without error.
	OutcomeOK Outcome = iota
	// OutcomeMissing means the statement failed because it referenced an
	// object that does not yet exist; Missing names that object.
	OutcomeMissing
	// OutcomeBlockers means a DROP failed because other objects still
	// depend on the target; Blockers lists them.
	OutcomeBlockers
	// OutcomeFatal means the statement failed for a reason unrelated to
	// ordering (a syntax error, a permissions error, etc).
	OutcomeFatal
)

// Result is the classified outcome of one probe attempt.
type Result struct {
	Outcome  Outcome
	Missing  string   // populated when Outcome == OutcomeMissing
	Blockers []string // populated when Outcome == OutcomeBlockers, "kind name" pairs as reported by Postgres
	Err      error    // the underlying error; always populated when Outcome != OutcomeOK
}

// SQLSTATE codes relevant to dependency discovery. See Postgres Appendix A.
const (
	sqlstateUndefinedColumn   pq.ErrorCode = "42703"
	sqlstateUndefinedFunction pq.ErrorCode = "42883"
	sqlstateUndefinedTable    pq.ErrorCode = "42P01"
	sqlstateUndefinedObject   pq.ErrorCode = "42704"
	sqlstateUndefinedSchema   pq.ErrorCode = "3F000"
	sqlstateUndefinedParam    pq.ErrorCode = "42P02"
	sqlstateDuplicateObject   pq.ErrorCode = "42710"
	sqlstateDependentObjects  pq.ErrorCode = "2BP01"
)

var missingStates = map[pq.ErrorCode]bool{
	sqlstateUndefinedColumn:   true,
	sqlstateUndefinedFunction: true,
	sqlstateUndefinedTable:    true,
	sqlstateUndefinedObject:   true,
	sqlstateUndefinedSchema:   true,
	sqlstateUndefinedParam:    true,
}

// ProbeCreate attempts stmt (a CREATE statement) inside a savepoint on tx.
// Only a failed attempt is rolled back to the savepoint; on success the
// savepoint is released, so the created object stays in tx for the rest of
// the planning run and is not undone until tx itself is rolled back. The
// applier re-issues the statement for real once a full, dependency-ordered
// plan has been computed.
func ProbeCreate(ctx context.Context, tx *sql.Tx, stmt string) Result {
	return classify(pgdb.TrySavepoint(ctx, tx, stmt))
}

// ProbeDrop attempts stmt (a DROP ... statement, without CASCADE) inside a
// savepoint on tx, to discover which other objects currently depend on the
// target.
func ProbeDrop(ctx context.Context, tx *sql.Tx, stmt string) Result {
	return classify(pgdb.TrySavepoint(ctx, tx, stmt))
}

func classify(err error) Result {
	if err == nil {
		return Result{Outcome: OutcomeOK}
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return Result{Outcome: OutcomeFatal, Err: pgmgerr.SqlParseHintError{RawErr: err}}
	}

	switch {
	case missingStates[pqErr.Code]:
		symbol := extractMissingSymbol(pqErr)
		if symbol == "" {
			return Result{Outcome: OutcomeFatal, Err: pqErr}
		}
		return Result{Outcome: OutcomeMissing, Missing: symbol, Err: pqErr}

	case pqErr.Code == sqlstateDependentObjects:
		blockers := extractBlockers(pqErr)
		if len(blockers) == 0 {
			return Result{Outcome: OutcomeFatal, Err: pqErr}
		}
		return Result{Outcome: OutcomeBlockers, Blockers: blockers, Err: pqErr}

	case pqErr.Code == sqlstateDuplicateObject:
		// The object already exists under this name; from the probe's
		// perspective that is not a missing-dependency signal, but it is
		// also not fatal to the overall plan (the planner treats an
		// already-present object as satisfied).
		return Result{Outcome: OutcomeOK}

	default:
		return Result{Outcome: OutcomeFatal, Err: pqErr}
	}
}

// missingSymbolRe extracts the quoted identifier from messages of the form
// `relation "bar" does not exist` or `type "baz" does not exist`.
var missingSymbolRe = regexp.MustCompile(`"([^"]+)"`)

// missingFunctionRe extracts an unquoted function signature from messages
// of the form `function foo(integer) does not exist`.
var missingFunctionRe = regexp.MustCompile(`function ([a-zA-Z0-9_.]+)\(`)

func extractMissingSymbol(pqErr *pq.Error) string {
	if m := missingSymbolRe.FindStringSubmatch(pqErr.Message); m != nil {
		return m[1]
	}
	if m := missingFunctionRe.FindStringSubmatch(pqErr.Message); m != nil {
		return m[1]
	}
	return ""
}

// blockerRe extracts one "kind name" pair per DETAIL line of the form
// `view foo.bar depends on function foo.baz`, which Postgres emits
// (potentially repeated across multiple DETAIL lines) when a DROP without
// CASCADE is blocked.
var blockerRe = regexp.MustCompile(`(?m)^(view|materialized view|function|trigger|type|table|index) ([a-zA-Z0-9_."]+) depends on`)

func extractBlockers(pqErr *pq.Error) []string {
	var blockers []string
	for _, m := range blockerRe.FindAllStringSubmatch(pqErr.Detail, -1) {
		blockers = append(blockers, m[1]+" "+m[2])
	}
	return blockers
}

// StatementPosition returns the 1-based character offset Postgres reported
// for the failing statement, or 0 if none was reported or it could not be
// parsed.
func StatementPosition(err error) int {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Position == "" {
		return 0
	}
	pos, convErr := strconv.Atoi(pqErr.Position)
	if convErr != nil {
		return 0
	}
	return pos
}
