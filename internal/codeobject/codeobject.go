// SPDX-License-Identifier: Apache-2.0

// Package codeobject models the declarative, rederivable SQL objects (views,
// functions, types, domains, operators, aggregates, triggers) whose on-disk
// text is the source of truth for the schema.
package codeobject

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind is the fixed vocabulary of rederivable SQL object kinds.
type Kind string

const (
	KindView      Kind = "view"
	KindFunction  Kind = "function"
	KindType      Kind = "type"
	KindDomain    Kind = "domain"
	KindOperator  Kind = "operator"
	KindAggregate Kind = "aggregate"
	KindTrigger   Kind = "trigger"
	KindOther     Kind = "other"
)

// Rank orders kinds for the planner's creation-order tie-break:
// type < domain < function < operator < aggregate < view < trigger.
func (k Kind) Rank() int {
	switch k {
	case KindType:
		return 0
	case KindDomain:
		return 1
	case KindFunction:
		return 2
	case KindOperator:
		return 3
	case KindAggregate:
		return 4
	case KindView:
		return 5
	case KindTrigger:
		return 6
	default:
		return 7
	}
}

var lowerer = cases.Lower(language.Und)

// DefaultSchema is the schema assigned to unqualified object names. The
// source's treatment of unqualified names across schemas is inconsistent
// (spec.md §9); pgmg always defaults to "public".
const DefaultSchema = "public"

// Object is a single rederivable SQL object loaded from disk.
type Object struct {
	Kind          Kind
	QualifiedName string // schema-qualified, lowercased, unquoted
	SourcePath    string
	SQLText       string // the full, normalized CREATE statement
	DropText      string // derived DROP ... CASCADE statement
	Hash          [32]byte

	// TriggerTable is populated only for KindTrigger: the table named in
	// the trigger's ON clause, used to build DropText.
	TriggerTable string
	// OperatorArgs is populated only for KindOperator: the left and right
	// argument types parsed from the operator's argument list, used to
	// build DropText.
	OperatorArgs [2]string
}

// Key returns the canonical "<kind>.<qualified_name>" identity used as the
// map key throughout the planner and as the pgmg_state.object_name column.
func (o *Object) Key() string {
	return Key(o.Kind, o.QualifiedName)
}

// Key builds the canonical "<kind>.<qualified_name>" identity for a kind and
// qualified name pair without requiring an Object value.
func Key(kind Kind, qualifiedName string) string {
	return fmt.Sprintf("%s.%s", kind, qualifiedName)
}

// DropRestrictText derives the RESTRICT-mode counterpart of DropText, used
// by the dependency probe to test for existing dependents without cascading
// over them.
func (o *Object) DropRestrictText() string {
	switch o.Kind {
	case KindTrigger:
		return fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s RESTRICT;", lastSegment(o.QualifiedName), o.TriggerTable)
	case KindOperator:
		schema, op := splitSchema(o.QualifiedName)
		return fmt.Sprintf("DROP OPERATOR IF EXISTS %s.%s(%s,%s) RESTRICT;", schema, op, o.OperatorArgs[0], o.OperatorArgs[1])
	default:
		return fmt.Sprintf("DROP %s IF EXISTS %s RESTRICT;", strings.ToUpper(string(o.Kind)), o.QualifiedName)
	}
}

// NormalizeSQL strips trailing whitespace from every line and unifies line
// endings to "\n", matching spec.md §4.1's definition of the hashed text.
func NormalizeSQL(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// HashSQL computes the 32-byte digest over the normalized text. The engine
// only needs collision-resistance appropriate to change detection, so a
// plain sha256 over the normalized bytes is sufficient.
func HashSQL(text string) [32]byte {
	return sha256.Sum256([]byte(NormalizeSQL(text)))
}

// QualifyName lowercases and unquotes an identifier, defaulting an
// unqualified name to codeobject.DefaultSchema.
func QualifyName(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.ReplaceAll(raw, `"`, "")
	raw = lowerer.String(raw)

	if strings.Contains(raw, ".") {
		return raw
	}
	return DefaultSchema + "." + raw
}
