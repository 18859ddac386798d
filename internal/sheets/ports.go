package sheets

import (
	"context"
	"time"

	"expenseview/internal/core"
)

// RollupExport is one snapshot of the category rollups ready to be written.
type RollupExport struct {
	Version uint64
	AsOf    time.Time
	Total   core.Money
	Count   int
	Rollups []core.CategoryRollup
}

// NewRollupExport derives the export for a list version.
func NewRollupExport(list []core.Expense, version uint64, asOf time.Time) RollupExport {
	return RollupExport{
		Version: version,
		AsOf:    asOf,
		Total:   core.Total(list),
		Count:   len(list),
		Rollups: core.Rollup(list),
	}
}

// Ports for outbound adapters.
type (
	// RollupWriter replaces the exported rollup table with a new one.
	RollupWriter interface {
		WriteRollups(ctx context.Context, export RollupExport) (ref string, err error)
	}
)
