// SPDX-License-Identifier: Apache-2.0

// Package planner computes the ordered set of database operations that
// reconciles recorded state with the two on-disk inputs, using the
// dependency probe instead of a SQL parser to discover creation order and
// the blast radius of pending migrations.
package planner

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pgmg-io/pgmg/internal/codeobject"
	"github.com/pgmg-io/pgmg/internal/depprobe"
	"github.com/pgmg-io/pgmg/internal/fsloader"
	"github.com/pgmg-io/pgmg/internal/pgmgerr"
	"github.com/pgmg-io/pgmg/internal/state"
)

// Prober is the dependency-discovery capability the planner needs. TxProber
// is the production implementation, backed by a single *sql.Tx shared for
// the whole planning run; tests substitute a fake.
type Prober interface {
	ProbeCreate(ctx context.Context, stmt string) depprobe.Result
	ProbeDrop(ctx context.Context, stmt string) depprobe.Result
}

// StepKind tags the variant of a Plan Step.
type StepKind int

const (
	StepDrop StepKind = iota
	StepRunMigration
	StepRecordMigration
	StepCreate
	StepUpsertStateHash
	StepDeleteStateRow
)

func (k StepKind) String() string {
	switch k {
	case StepDrop:
		return "drop"
	case StepRunMigration:
		return "run_migration"
	case StepRecordMigration:
		return "record_migration"
	case StepCreate:
		return "create"
	case StepUpsertStateHash:
		return "upsert_state_hash"
	case StepDeleteStateRow:
		return "delete_state_row"
	default:
		return "unknown"
	}
}

// Step is one entry of an ordered Plan.
type Step struct {
	Kind          StepKind
	ObjectKind    codeobject.Kind
	QualifiedName string
	Key           string // "<kind>.<qualified_name>" for object-shaped steps
	MigrationName string
	SQLText       string
	Hash          [32]byte
}

// Plan is an ordered sequence of Steps.
type Plan []Step

// Input is everything the planner needs to compute a Plan: the desired
// state loaded from disk, and the state recorded in the target database at
// the start of the run.
type Input struct {
	Migrations          []fsloader.Migration
	Objects             []*codeobject.Object
	RecordedMigrations  map[string]bool
	RecordedObjects     map[string]state.Record
}

// Compute implements spec.md §4.4's eight-step planning procedure.
func Compute(ctx context.Context, prober Prober, in Input) (Plan, error) {
	desired := make(map[string]*codeobject.Object, len(in.Objects))
	bySpaceForm := make(map[string]*codeobject.Object, len(in.Objects))
	for _, o := range in.Objects {
		desired[o.Key()] = o
		bySpaceForm[string(o.Kind)+" "+o.QualifiedName] = o
	}

	// Step 2: diff migrations.
	onDisk := make(map[string]bool, len(in.Migrations))
	for _, m := range in.Migrations {
		onDisk[m.Name] = true
	}
	for name := range in.RecordedMigrations {
		if !onDisk[name] {
			return nil, pgmgerr.DriftDetectedError{
				Reason: fmt.Sprintf("migration %q is recorded as applied but is missing from disk", name),
			}
		}
	}

	var pending []fsloader.Migration
	for _, m := range in.Migrations {
		if !in.RecordedMigrations[m.Name] {
			pending = append(pending, m)
		}
	}

	// Step 3: classify code objects.
	var newKeys, modifiedKeys []string
	for key, obj := range desired {
		rec, ok := in.RecordedObjects[key]
		switch {
		case !ok:
			newKeys = append(newKeys, key)
		case rec.ObjectHash != obj.Hash:
			modifiedKeys = append(modifiedKeys, key)
		}
	}
	var deletedKeys []string
	for key := range in.RecordedObjects {
		if _, ok := desired[key]; !ok {
			deletedKeys = append(deletedKeys, key)
		}
	}
	sort.Strings(newKeys)
	sort.Strings(modifiedKeys)
	sort.Strings(deletedKeys)

	// Step 4: migration blast radius.
	affected, err := blastRadius(ctx, prober, pending, in.RecordedObjects, desired, bySpaceForm)
	if err != nil {
		return nil, err
	}

	// Step 5: union to rebuild.
	rebuild := map[string]bool{}
	for _, k := range newKeys {
		rebuild[k] = true
	}
	for _, k := range modifiedKeys {
		rebuild[k] = true
	}
	for k := range affected {
		rebuild[k] = true
	}

	// Step 6: creation order via the probe's forward-dependency discovery.
	// Roots are visited in the same (kind_rank, qualified_name) order used
	// to break topological ties, so that which root happens to surface a
	// shared dependency first is deterministic across runs: a successful
	// probe_create's effects persist for the rest of planning, so visiting
	// order can in principle mask an edge between two unrelated-looking
	// roots that happen to reference the same object. Processing the more
	// foundational kinds (per Rank) first keeps that masking aligned with
	// the order the Applier will actually use.
	rebuildRoots := make([]string, 0, len(rebuild))
	for key := range rebuild {
		rebuildRoots = append(rebuildRoots, key)
	}
	sort.Slice(rebuildRoots, func(i, j int) bool {
		oi, oj := desired[rebuildRoots[i]], desired[rebuildRoots[j]]
		if oi.Kind.Rank() != oj.Kind.Rank() {
			return oi.Kind.Rank() < oj.Kind.Rank()
		}
		return oi.QualifiedName < oj.QualifiedName
	})

	edges := map[string][]string{}
	resolved := map[string]bool{}
	visiting := map[string]bool{}
	for _, key := range rebuildRoots {
		if err := discoverCreateDeps(ctx, prober, desired[key], desired, edges, resolved, visiting); err != nil {
			return nil, err
		}
	}

	creationOrder, err := topoSort(rebuild, edges, desired)
	if err != nil {
		return nil, err
	}

	// Step 7: drop order = reverse(creationOrder) restricted to objects
	// that currently exist, plus deleted.
	existing := make(map[string]bool, len(in.RecordedObjects))
	for key := range in.RecordedObjects {
		existing[key] = true
	}
	var dropOrder []string
	for i := len(creationOrder) - 1; i >= 0; i-- {
		key := creationOrder[i]
		if existing[key] || affected[key] {
			dropOrder = append(dropOrder, key)
		}
	}
	dropOrder = append(dropOrder, deletedKeys...)

	// Step 8: emit the plan.
	return emit(dropOrder, pending, creationOrder, deletedKeys, desired)
}

// mentionedTableRe extracts the table name operated on by an ALTER, DROP or
// TRUNCATE TABLE statement. A migration that reshapes or removes a table is
// the common way a pending migration endangers an existing code object,
// even though the table itself is never a tracked Code Object.
var mentionedTableRe = regexp.MustCompile(`(?is)\b(?:alter|drop|truncate)\s+table\s+(?:if\s+(?:exists|not\s+exists)\s+)?("?[a-z0-9_.]+"?)`)

func blastRadius(
	ctx context.Context,
	prober Prober,
	pending []fsloader.Migration,
	recordedObjects map[string]state.Record,
	desired map[string]*codeobject.Object,
	bySpaceForm map[string]*codeobject.Object,
) (map[string]bool, error) {
	affected := map[string]bool{}
	if len(pending) == 0 {
		return affected, nil
	}

	var combined strings.Builder
	for _, m := range pending {
		combined.WriteString(strings.ToLower(codeobject.NormalizeSQL(m.SQLText)))
		combined.WriteByte('\n')
	}
	text := combined.String()

	var queue []string
	for key := range recordedObjects {
		obj, ok := desired[key]
		if !ok {
			continue // no longer on disk; already captured by deletedKeys
		}
		if strings.Contains(text, obj.QualifiedName) {
			queue = append(queue, key)
		}
	}

	visited := map[string]bool{}
	enqueueBlockers := func(blockers []string) {
		for _, blocker := range blockers {
			dep, ok := bySpaceForm[blocker]
			if !ok || visited[dep.Key()] {
				continue
			}
			queue = append(queue, dep.Key())
		}
	}

	// Seed additional roots from tables the pending migrations alter, drop
	// or truncate: these are not Code Objects, but existing views and
	// functions may depend on their current shape.
	for _, m := range mentionedTableRe.FindAllStringSubmatch(text, -1) {
		table := codeobject.QualifyName(m[1])
		stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s RESTRICT;", table)
		result := prober.ProbeDrop(ctx, stmt)
		if result.Outcome == depprobe.OutcomeBlockers {
			enqueueBlockers(result.Blockers)
		}
	}

	sort.Strings(queue)
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if visited[key] {
			continue
		}
		visited[key] = true
		affected[key] = true

		obj, ok := desired[key]
		if !ok {
			continue
		}
		result := prober.ProbeDrop(ctx, obj.DropRestrictText())
		if result.Outcome == depprobe.OutcomeBlockers {
			enqueueBlockers(result.Blockers)
		}
	}

	return affected, nil
}

// discoverCreateDeps implements probe_create: it attempts obj's CREATE
// statement, and on a Missing(symbol) result resolves the symbol against
// the desired object set, recursively resolving that dependency first
// before retrying. Resolution is cached in resolved so an object already
// proven satisfiable is never re-probed; visiting detects a cycle.
func discoverCreateDeps(
	ctx context.Context,
	prober Prober,
	obj *codeobject.Object,
	desired map[string]*codeobject.Object,
	edges map[string][]string,
	resolved map[string]bool,
	visiting map[string]bool,
) error {
	if resolved[obj.Key()] {
		return nil
	}
	if visiting[obj.Key()] {
		return pgmgerr.DependencyCycleError{Members: []string{obj.Key()}}
	}
	visiting[obj.Key()] = true
	defer delete(visiting, obj.Key())

	maxAttempts := len(desired) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result := prober.ProbeCreate(ctx, obj.SQLText)
		switch result.Outcome {
		case depprobe.OutcomeOK:
			resolved[obj.Key()] = true
			return nil

		case depprobe.OutcomeMissing:
			dep := findByQualifiedName(desired, result.Missing)
			if dep == nil {
				// Not one of our code objects (a table from a migration, a
				// built-in, or an extension symbol): the environment is
				// expected to already provide it.
				resolved[obj.Key()] = true
				return nil
			}
			edges[obj.Key()] = appendUnique(edges[obj.Key()], dep.Key())
			if err := discoverCreateDeps(ctx, prober, dep, desired, edges, resolved, visiting); err != nil {
				return err
			}
			continue

		case depprobe.OutcomeBlockers:
			return fmt.Errorf("unexpected dependent-objects error while probing create of %s", obj.Key())

		default:
			return result.Err
		}
	}

	return pgmgerr.DependencyCycleError{Members: []string{obj.Key()}}
}

// findByQualifiedName resolves a missing-symbol name reported by Postgres
// against the desired object set. Function and operator references may
// appear with or without an argument-type suffix the caller has already
// stripped, so exact qualified-name matches are tried first and a
// kind-fuzzy match on the trailing identifier segment follows.
func findByQualifiedName(desired map[string]*codeobject.Object, symbol string) *codeobject.Object {
	symbol = strings.ToLower(strings.Trim(symbol, `"`))

	for _, o := range desired {
		if o.QualifiedName == symbol {
			return o
		}
	}

	unqualified := symbol
	if idx := strings.LastIndex(symbol, "."); idx >= 0 {
		unqualified = symbol[idx+1:]
	}

	var best *codeobject.Object
	for _, o := range desired {
		name := o.QualifiedName
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			name = name[idx+1:]
		}
		if name != unqualified {
			continue
		}
		if o.Kind == codeobject.KindFunction || o.Kind == codeobject.KindOperator {
			return o
		}
		if best == nil {
			best = o
		}
	}
	return best
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// topoSort runs Kahn's algorithm over the objects in rebuild, using only
// the edges whose dependency is itself being rebuilt (an edge to an object
// that is not being recreated needs no ordering: it is assumed already
// present). Ties are broken by (kind_rank, qualified_name) as required by
// spec.md §4.4 step 6.
func topoSort(rebuild map[string]bool, edges map[string][]string, desired map[string]*codeobject.Object) ([]string, error) {
	nodes := make([]string, 0, len(rebuild))
	for k := range rebuild {
		nodes = append(nodes, k)
	}

	inDegree := make(map[string]int, len(nodes))
	adj := map[string][]string{}
	for _, k := range nodes {
		inDegree[k] = 0
	}
	for _, k := range nodes {
		for _, dep := range edges[k] {
			if !rebuild[dep] {
				continue
			}
			adj[dep] = append(adj[dep], k)
			inDegree[k]++
		}
	}

	less := func(a, b string) bool {
		oa, ob := desired[a], desired[b]
		if oa.Kind.Rank() != ob.Kind.Rank() {
			return oa.Kind.Rank() < ob.Kind.Rank()
		}
		return oa.QualifiedName < ob.QualifiedName
	}

	var ready []string
	for _, k := range nodes {
		if inDegree[k] == 0 {
			ready = append(ready, k)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		k := ready[0]
		ready = ready[1:]
		order = append(order, k)

		for _, dependent := range adj[k] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(nodes) {
		var remaining []string
		for _, k := range nodes {
			if inDegree[k] > 0 {
				remaining = append(remaining, k)
			}
		}
		sort.Strings(remaining)
		return nil, pgmgerr.DependencyCycleError{Members: remaining}
	}

	return order, nil
}

func splitKey(key string) (codeobject.Kind, string) {
	idx := strings.Index(key, ".")
	if idx < 0 {
		return codeobject.Kind(key), ""
	}
	return codeobject.Kind(key[:idx]), key[idx+1:]
}

func emit(dropOrder []string, pending []fsloader.Migration, creationOrder, deletedKeys []string, desired map[string]*codeobject.Object) (Plan, error) {
	var plan Plan

	for _, key := range dropOrder {
		if obj, ok := desired[key]; ok {
			plan = append(plan, Step{
				Kind: StepDrop, ObjectKind: obj.Kind, QualifiedName: obj.QualifiedName,
				Key: key, SQLText: obj.DropText,
			})
			continue
		}

		kind, name := splitKey(key)
		if kind == codeobject.KindTrigger || kind == codeobject.KindOperator {
			return nil, pgmgerr.DriftDetectedError{
				Reason: fmt.Sprintf("recorded object %q has no file on disk and its drop statement cannot be derived automatically; restore the file or remove the object manually", key),
			}
		}
		plan = append(plan, Step{
			Kind: StepDrop, ObjectKind: kind, QualifiedName: name, Key: key,
			SQLText: fmt.Sprintf("DROP %s IF EXISTS %s CASCADE;", strings.ToUpper(string(kind)), name),
		})
	}

	for _, m := range pending {
		plan = append(plan, Step{Kind: StepRunMigration, MigrationName: m.Name, SQLText: m.SQLText})
		plan = append(plan, Step{Kind: StepRecordMigration, MigrationName: m.Name})
	}

	for _, key := range creationOrder {
		obj := desired[key]
		plan = append(plan, Step{
			Kind: StepCreate, ObjectKind: obj.Kind, QualifiedName: obj.QualifiedName,
			Key: key, SQLText: obj.SQLText,
		})
	}
	for _, key := range creationOrder {
		obj := desired[key]
		plan = append(plan, Step{Kind: StepUpsertStateHash, Key: key, Hash: obj.Hash})
	}
	for _, key := range deletedKeys {
		plan = append(plan, Step{Kind: StepDeleteStateRow, Key: key})
	}

	return plan, nil
}
