// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	"database/sql"

	"github.com/pgmg-io/pgmg/internal/depprobe"
)

// TxProber is the production Prober, backed by a single *sql.Tx held open
// for the whole planning run. Every probe_create or probe_drop attempt runs
// in its own nested savepoint on this transaction; a successful attempt's
// effects are kept (not rolled back) so that later probes in the same run
// see them, matching the recursive "pretend-create, then retry" algorithm
// in spec.md §4.3. The caller is responsible for beginning the transaction
// and always rolling it back once planning finishes, so none of this ever
// becomes visible to another session.
type TxProber struct {
	Tx *sql.Tx
}

func (p *TxProber) ProbeCreate(ctx context.Context, stmt string) depprobe.Result {
	return depprobe.ProbeCreate(ctx, p.Tx, stmt)
}

func (p *TxProber) ProbeDrop(ctx context.Context, stmt string) depprobe.Result {
	return depprobe.ProbeDrop(ctx, p.Tx, stmt)
}
