// SPDX-License-Identifier: Apache-2.0

package depprobe

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassifyMissingRelation(t *testing.T) {
	err := &pq.Error{
		Code:    sqlstateUndefinedTable,
		Message: `relation "public.widgets" does not exist`,
	}
	result := classify(err)
	assert.Equal(t, OutcomeMissing, result.Outcome)
	assert.Equal(t, "public.widgets", result.Missing)
}

func TestClassifyMissingFunction(t *testing.T) {
	err := &pq.Error{
		Code:    sqlstateUndefinedFunction,
		Message: `function app.touch_updated_at() does not exist`,
	}
	result := classify(err)
	assert.Equal(t, OutcomeMissing, result.Outcome)
	assert.Equal(t, "app.touch_updated_at", result.Missing)
}

func TestClassifyBlockers(t *testing.T) {
	err := &pq.Error{
		Code:   sqlstateDependentObjects,
		Detail: "view public.active_users depends on function public.is_active\nfunction public.helper depends on function public.is_active",
	}
	result := classify(err)
	assert.Equal(t, OutcomeBlockers, result.Outcome)
	assert.Equal(t, []string{"view public.active_users", "function public.helper"}, result.Blockers)
}

func TestClassifyDuplicateObjectIsOK(t *testing.T) {
	err := &pq.Error{Code: sqlstateDuplicateObject, Message: "trigger already exists"}
	result := classify(err)
	assert.Equal(t, OutcomeOK, result.Outcome)
}

func TestClassifyFatalForUnrecognizedCode(t *testing.T) {
	err := &pq.Error{Code: "42601", Message: "syntax error"}
	result := classify(err)
	assert.Equal(t, OutcomeFatal, result.Outcome)
}

func TestClassifyNilIsOK(t *testing.T) {
	assert.Equal(t, OutcomeOK, classify(nil).Outcome)
}

func TestStatementPosition(t *testing.T) {
	err := &pq.Error{Position: "42"}
	assert.Equal(t, 42, StatementPosition(err))

	assert.Equal(t, 0, StatementPosition(nil))
}
