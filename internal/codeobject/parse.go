// SPDX-License-Identifier: Apache-2.0

package codeobject

import (
	"fmt"
	"regexp"
	"strings"
)

// kindKeywords maps the token that follows CREATE [OR REPLACE] to a Kind.
// Multi-word keywords (MATERIALIZED VIEW) are not matched: such a statement
// yields no Object, the same as a statement that is not a CREATE.
var kindKeywords = map[string]Kind{
	"VIEW":      KindView,
	"FUNCTION":  KindFunction,
	"TYPE":      KindType,
	"DOMAIN":    KindDomain,
	"OPERATOR":  KindOperator,
	"AGGREGATE": KindAggregate,
	"TRIGGER":   KindTrigger,
}

// createHeaderRe matches a top-level `CREATE [OR REPLACE] <KIND>` token
// sequence at the start of a statement, capturing the kind keyword.
var createHeaderRe = regexp.MustCompile(`(?is)^\s*CREATE\s+(?:OR\s+REPLACE\s+)?(VIEW|FUNCTION|TYPE|DOMAIN|OPERATOR|AGGREGATE|TRIGGER)\b`)

// identifierRe captures the first schema-qualified identifier following the
// kind keyword: optionally quoted segments joined by dots.
var identifierRe = regexp.MustCompile(`^\s*(?:IF\s+NOT\s+EXISTS\s+)?((?:"[^"]+"|[A-Za-z_][A-Za-z0-9_]*)(?:\s*\.\s*(?:"[^"]+"|[A-Za-z_][A-Za-z0-9_]*))?)`)

// triggerOnRe extracts the table name from a trigger's ON clause.
var triggerOnRe = regexp.MustCompile(`(?is)\bON\s+((?:"[^"]+"|[A-Za-z_][A-Za-z0-9_]*)(?:\s*\.\s*(?:"[^"]+"|[A-Za-z_][A-Za-z0-9_]*))?)`)

// operatorCharClass is Postgres's allowed operator-symbol character set
// (CREATE OPERATOR documentation): any run of these, not an identifier, is
// what follows CREATE OPERATOR [schema.].
const operatorCharClass = "+\\-*/<>=~!@#%^&|`?"

// operatorNameRe captures an optional schema qualifier followed by the
// symbolic operator name up to its argument list, e.g. "===" or
// `public.===` in "CREATE OPERATOR public.=== (...)".
var operatorNameRe = regexp.MustCompile(`^\s*((?:(?:"[^"]+"|[A-Za-z_][A-Za-z0-9_]*)\s*\.\s*)?[` + operatorCharClass + `]+)\s*\(`)

// operatorArgsRe extracts the LEFTARG/RIGHTARG type names from an operator's
// argument list, e.g. "(leftarg, rightarg)" or "(LEFTARG = int, RIGHTARG = int)".
var operatorArgsRe = regexp.MustCompile(`(?is)\(([^)]*)\)`)
var leftArgRe = regexp.MustCompile(`(?is)LEFTARG\s*=\s*([A-Za-z_][A-Za-z0-9_]*)`)
var rightArgRe = regexp.MustCompile(`(?is)RIGHTARG\s*=\s*([A-Za-z_][A-Za-z0-9_]*)`)

// Parse splits the given file text into its top-level statements and returns
// one Object per CREATE statement found. A file that declares no CREATE is
// dropped from the set entirely (treated as documentation), matching
// spec.md §4.1.
func Parse(sourcePath, text string) ([]*Object, error) {
	statements, err := splitStatements(text)
	if err != nil {
		return nil, fmt.Errorf("splitting statements in %q: %w", sourcePath, err)
	}

	var objects []*Object
	for _, stmt := range statements {
		obj, ok := parseStatement(sourcePath, stmt)
		if !ok {
			continue
		}
		objects = append(objects, obj)
	}

	return objects, nil
}

func parseStatement(sourcePath, stmt string) (*Object, bool) {
	m := createHeaderRe.FindStringSubmatchIndex(stmt)
	if m == nil {
		return nil, false
	}

	kindToken := strings.ToUpper(stmt[m[2]:m[3]])
	kind, ok := kindKeywords[kindToken]
	if !ok {
		return nil, false
	}

	rest := stmt[m[1]:]

	switch kind {
	case KindTrigger:
		return parseTrigger(sourcePath, stmt, rest)
	case KindOperator:
		return parseOperator(sourcePath, stmt, rest)
	default:
		return parseNamed(sourcePath, stmt, kind, rest)
	}
}

func parseNamed(sourcePath, stmt string, kind Kind, rest string) (*Object, bool) {
	idMatch := identifierRe.FindStringSubmatch(rest)
	if idMatch == nil {
		return nil, false
	}

	name := QualifyName(idMatch[1])

	return &Object{
		Kind:          kind,
		QualifiedName: name,
		SourcePath:    sourcePath,
		SQLText:       NormalizeSQL(stmt),
		Hash:          HashSQL(stmt),
		DropText:      fmt.Sprintf("DROP %s IF EXISTS %s CASCADE;", strings.ToUpper(string(kind)), name),
	}, true
}

func parseTrigger(sourcePath, stmt, rest string) (*Object, bool) {
	idMatch := identifierRe.FindStringSubmatch(rest)
	if idMatch == nil {
		return nil, false
	}
	name := QualifyName(idMatch[1])

	onMatch := triggerOnRe.FindStringSubmatch(stmt)
	if onMatch == nil {
		return nil, false
	}
	table := QualifyName(onMatch[1])

	return &Object{
		Kind:          KindTrigger,
		QualifiedName: name,
		SourcePath:    sourcePath,
		SQLText:       NormalizeSQL(stmt),
		Hash:          HashSQL(stmt),
		TriggerTable:  table,
		DropText:      fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s CASCADE;", lastSegment(name), table),
	}, true
}

func parseOperator(sourcePath, stmt, rest string) (*Object, bool) {
	nameMatch := operatorNameRe.FindStringSubmatch(rest)
	if nameMatch == nil {
		return nil, false
	}
	name := QualifyName(strings.TrimSpace(nameMatch[1]))

	argsMatch := operatorArgsRe.FindStringSubmatch(stmt)
	var left, right string
	if argsMatch != nil {
		if lm := leftArgRe.FindStringSubmatch(argsMatch[1]); lm != nil {
			left = lm[1]
		}
		if rm := rightArgRe.FindStringSubmatch(argsMatch[1]); rm != nil {
			right = rm[1]
		}
	}
	if left == "" {
		left = "NONE"
	}
	if right == "" {
		right = "NONE"
	}

	schema, op := splitSchema(name)

	return &Object{
		Kind:          KindOperator,
		QualifiedName: name,
		SourcePath:    sourcePath,
		SQLText:       NormalizeSQL(stmt),
		Hash:          HashSQL(stmt),
		OperatorArgs:  [2]string{left, right},
		DropText: fmt.Sprintf("DROP OPERATOR IF EXISTS %s.%s(%s,%s) CASCADE;",
			schema, op, left, right),
	}, true
}

func splitSchema(qualifiedName string) (schema, name string) {
	idx := strings.LastIndex(qualifiedName, ".")
	if idx < 0 {
		return DefaultSchema, qualifiedName
	}
	return qualifiedName[:idx], qualifiedName[idx+1:]
}

func lastSegment(qualifiedName string) string {
	idx := strings.LastIndex(qualifiedName, ".")
	if idx < 0 {
		return qualifiedName
	}
	return qualifiedName[idx+1:]
}
