package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	ports "expenseview/internal/sheets"
)

// Writer keeps exported rollups in memory. It stands in for Google Sheets
// when no spreadsheet is configured.
// Only the latest export is retained.
type Writer struct {
	mu    sync.Mutex
	last  ports.RollupExport
	count int
}

var _ ports.RollupWriter = (*Writer)(nil)

func New() *Writer {
	return &Writer{}
}

// WriteRollups stores the export and returns a synthetic reference.
func (w *Writer) WriteRollups(ctx context.Context, export ports.RollupExport) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	export.Rollups = slices.Clone(export.Rollups)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = export
	w.count++
	return fmt.Sprintf("mem:%d", w.count), nil
}

// Last returns the most recent export.
func (w *Writer) Last() (ports.RollupExport, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return ports.RollupExport{}, false
	}
	return w.last, true
}

// Count returns how many exports were written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
