// SPDX-License-Identifier: Apache-2.0

package planner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgmg-io/pgmg/internal/codeobject"
	"github.com/pgmg-io/pgmg/internal/depprobe"
	"github.com/pgmg-io/pgmg/internal/fsloader"
	"github.com/pgmg-io/pgmg/internal/planner"
	"github.com/pgmg-io/pgmg/internal/state"
)

type fakeProber struct {
	create func(stmt string) depprobe.Result
	drop   func(stmt string) depprobe.Result
}

func (f *fakeProber) ProbeCreate(_ context.Context, stmt string) depprobe.Result {
	if f.create == nil {
		return depprobe.Result{Outcome: depprobe.OutcomeOK}
	}
	return f.create(stmt)
}

func (f *fakeProber) ProbeDrop(_ context.Context, stmt string) depprobe.Result {
	if f.drop == nil {
		return depprobe.Result{Outcome: depprobe.OutcomeOK}
	}
	return f.drop(stmt)
}

func newView(name, sqlText string) *codeobject.Object {
	return &codeobject.Object{
		Kind:          codeobject.KindView,
		QualifiedName: name,
		SQLText:       sqlText,
		DropText:      "DROP VIEW IF EXISTS " + name + " CASCADE;",
		Hash:          codeobject.HashSQL(sqlText),
	}
}

func newFunction(name, sqlText string) *codeobject.Object {
	return &codeobject.Object{
		Kind:          codeobject.KindFunction,
		QualifiedName: name,
		SQLText:       sqlText,
		DropText:      "DROP FUNCTION IF EXISTS " + name + " CASCADE;",
		Hash:          codeobject.HashSQL(sqlText),
	}
}

func TestComputeOrdersFunctionDependencyBeforeDependent(t *testing.T) {
	a := newFunction("public.a", "CREATE FUNCTION a() RETURNS int AS $$ SELECT b() $$ LANGUAGE sql;")
	b := newFunction("public.b", "CREATE FUNCTION b() RETURNS int AS $$ SELECT 1 $$ LANGUAGE sql;")

	existing := map[string]bool{}
	prober := &fakeProber{
		create: func(stmt string) depprobe.Result {
			switch stmt {
			case a.SQLText:
				if !existing["function.public.b"] {
					return depprobe.Result{Outcome: depprobe.OutcomeMissing, Missing: "b"}
				}
				existing["function.public.a"] = true
				return depprobe.Result{Outcome: depprobe.OutcomeOK}
			case b.SQLText:
				existing["function.public.b"] = true
				return depprobe.Result{Outcome: depprobe.OutcomeOK}
			}
			return depprobe.Result{Outcome: depprobe.OutcomeOK}
		},
	}

	plan, err := planner.Compute(context.Background(), prober, planner.Input{
		Objects:            []*codeobject.Object{a, b},
		RecordedMigrations: map[string]bool{},
		RecordedObjects:    map[string]state.Record{},
	})
	require.NoError(t, err)

	var createOrder []string
	for _, step := range plan {
		if step.Kind == planner.StepCreate {
			createOrder = append(createOrder, step.Key)
		}
	}
	require.Equal(t, []string{"function.public.b", "function.public.a"}, createOrder)
}

func TestComputeDetectsCycle(t *testing.T) {
	a := newFunction("public.a", "CREATE FUNCTION a() RETURNS int AS $$ SELECT b() $$ LANGUAGE sql;")
	b := newFunction("public.b", "CREATE FUNCTION b() RETURNS int AS $$ SELECT a() $$ LANGUAGE sql;")

	prober := &fakeProber{
		create: func(stmt string) depprobe.Result {
			switch stmt {
			case a.SQLText:
				return depprobe.Result{Outcome: depprobe.OutcomeMissing, Missing: "b"}
			case b.SQLText:
				return depprobe.Result{Outcome: depprobe.OutcomeMissing, Missing: "a"}
			}
			return depprobe.Result{Outcome: depprobe.OutcomeOK}
		},
	}

	_, err := planner.Compute(context.Background(), prober, planner.Input{
		Objects:            []*codeobject.Object{a, b},
		RecordedMigrations: map[string]bool{},
		RecordedObjects:    map[string]state.Record{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestComputeIdempotentReapplyProducesEmptyPlan(t *testing.T) {
	v := newView("public.v", "CREATE VIEW v AS SELECT 1;")

	plan, err := planner.Compute(context.Background(), &fakeProber{}, planner.Input{
		Objects:            []*codeobject.Object{v},
		RecordedMigrations: map[string]bool{},
		RecordedObjects: map[string]state.Record{
			v.Key(): {ObjectHash: v.Hash},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, plan)
}

func TestComputeDropsObjectDeletedFromDisk(t *testing.T) {
	plan, err := planner.Compute(context.Background(), &fakeProber{}, planner.Input{
		Objects:            nil,
		RecordedMigrations: map[string]bool{},
		RecordedObjects: map[string]state.Record{
			"view.public.old": {},
		},
	})
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, planner.StepDrop, plan[0].Kind)
	assert.Equal(t, "view.public.old", plan[0].Key)
	assert.Contains(t, plan[0].SQLText, "CASCADE")
	assert.Equal(t, planner.StepDeleteStateRow, plan[1].Kind)
	assert.Equal(t, "view.public.old", plan[1].Key)
}

func TestComputeMigrationBlastRadiusRecreatesDependentView(t *testing.T) {
	v := newView("public.v", "CREATE VIEW v AS SELECT id FROM t;")

	migration := fsloader.Migration{
		Name:    "002_add_col.sql",
		SQLText: "ALTER TABLE t ADD COLUMN x int;",
	}

	prober := &fakeProber{
		drop: func(stmt string) depprobe.Result {
			if stmt == "DROP TABLE IF EXISTS public.t RESTRICT;" {
				return depprobe.Result{
					Outcome:  depprobe.OutcomeBlockers,
					Blockers: []string{"view public.v"},
				}
			}
			return depprobe.Result{Outcome: depprobe.OutcomeOK}
		},
	}

	plan, err := planner.Compute(context.Background(), prober, planner.Input{
		Migrations:         []fsloader.Migration{migration},
		Objects:            []*codeobject.Object{v},
		RecordedMigrations: map[string]bool{},
		RecordedObjects: map[string]state.Record{
			v.Key(): {ObjectHash: v.Hash},
		},
	})
	require.NoError(t, err)

	var kinds []planner.StepKind
	for _, step := range plan {
		kinds = append(kinds, step.Kind)
	}
	assert.Contains(t, kinds, planner.StepDrop)
	assert.Contains(t, kinds, planner.StepRunMigration)
	assert.Contains(t, kinds, planner.StepCreate)
}

func TestComputeFailsOnMissingRecordedMigration(t *testing.T) {
	_, err := planner.Compute(context.Background(), &fakeProber{}, planner.Input{
		Migrations:         nil,
		RecordedMigrations: map[string]bool{"001_init.sql": true},
		RecordedObjects:    map[string]state.Record{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drift")
}
