// SPDX-License-Identifier: Apache-2.0

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pgmg-io/pgmg/internal/codeobject"
)

func TestLockKeyIsDeterministic(t *testing.T) {
	assert.NotZero(t, lockKey)
	assert.Equal(t, lockKey, lockKey)
}

func TestObjectKeyMatchesCodeobjectKey(t *testing.T) {
	assert.Equal(t, codeobject.Key(codeobject.KindView, "public.widgets"), ObjectKey(codeobject.KindView, "public.widgets"))
}

func TestNewAssignsDistinctRunIDs(t *testing.T) {
	a := New("pgmg")
	b := New("pgmg")
	assert.NotEmpty(t, a.RunID)
	assert.NotEqual(t, a.RunID, b.RunID)
}
