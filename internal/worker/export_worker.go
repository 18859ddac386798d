package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"expenseview/internal/amqp"
	"expenseview/internal/core"
	"expenseview/internal/log"
	"expenseview/internal/metrics"
	"expenseview/internal/services"
	"expenseview/internal/sheets"
)

// ExportWorkerConfig holds the worker intervals.
type ExportWorkerConfig struct {
	// RefreshInterval is how often the full list is fetched again (default: 5m)
	RefreshInterval time.Duration

	// ExportInterval is how often unexported changes are flushed (default: 15m)
	ExportInterval time.Duration
}

// DefaultExportWorkerConfig returns sensible defaults
func DefaultExportWorkerConfig() ExportWorkerConfig {
	return ExportWorkerConfig{
		RefreshInterval: 5 * time.Minute,
		ExportInterval:  15 * time.Minute,
	}
}

// ExportWorker keeps its own expense book in sync with expense.changed
// events and writes the category rollups to the configured writer.
type ExportWorker struct {
	book   *services.ExpenseBook
	writer sheets.RollupWriter
	config ExportWorkerConfig
	logger *log.Logger
	now    func() time.Time

	// Serializes exports and tracks the last exported version.
	mu              sync.Mutex
	exported        bool
	exportedVersion uint64
}

func NewExportWorker(book *services.ExpenseBook, writer sheets.RollupWriter, config ExportWorkerConfig, logger *log.Logger) *ExportWorker {
	if logger == nil {
		logger = log.Default()
	}
	defaults := DefaultExportWorkerConfig()
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if config.ExportInterval <= 0 {
		config.ExportInterval = defaults.ExportInterval
	}
	return &ExportWorker{
		book:   book,
		writer: writer,
		config: config,
		logger: logger.WithComponent(log.ComponentWorker),
		now:    time.Now,
	}
}

// HandleChange applies one expense.changed message to the book and exports
// the new rollups. Records that cannot be normalized are dropped; export
// failures are left to the periodic export.
func (w *ExportWorker) HandleChange(ctx context.Context, msg *amqp.ExpenseChangedMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	// Apply changes on top of a loaded list, never an empty placeholder.
	if _, err := w.book.EnsureLoaded(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	w.logger.InfoContext(ctx, "Processing expense.changed",
		log.FieldExpenseID, msg.ExpenseID,
		log.FieldOperation, string(msg.Op))

	switch msg.Op {
	case amqp.OpUpsert:
		e, err := core.Normalize(*msg.Record)
		if err != nil {
			w.logger.WarnContext(ctx, "Dropping change with malformed record",
				log.FieldExpenseID, msg.ExpenseID,
				log.FieldError, err.Error())
			return nil
		}
		w.book.Upsert(ctx, e)
	case amqp.OpDelete:
		if _, found := w.book.Remove(ctx, msg.ExpenseID); !found {
			w.logger.DebugContext(ctx, "Deleted expense not in list", log.FieldExpenseID, msg.ExpenseID)
			return nil
		}
	}

	if _, err := w.ExportNow(ctx); err != nil {
		w.logger.WarnContext(ctx, "Export after change failed, will retry on schedule",
			log.FieldError, err.Error())
	}
	return nil
}

// ExportNow writes the rollups for the current list version. It returns an
// empty reference when there is nothing new to export or the list is only
// a fallback after a failed fetch.
func (w *ExportWorker) ExportNow(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := w.book.State()
	if !st.Loaded || st.Stale || st.Err != "" {
		w.logger.DebugContext(ctx, "Skipping export of unavailable list",
			log.FieldListVersion, st.Version,
			"stale", st.Stale)
		return "", nil
	}
	if w.exported && st.Version == w.exportedVersion {
		return "", nil
	}

	export := sheets.NewRollupExport(st.Expenses, st.Version, w.now())
	ref, err := w.writer.WriteRollups(ctx, export)
	if err != nil {
		metrics.RollupExportsTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return "", fmt.Errorf("write rollups: %w", err)
	}
	metrics.RollupExportsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()

	w.exported = true
	w.exportedVersion = st.Version

	fields := log.NewFields().
		WithOperation(log.OpExport).
		WithGeneration(st.Generation, st.Version)
	fields[log.FieldSheetsRef] = ref
	fields[log.FieldExpenseCount] = len(st.Expenses)
	w.logger.InfoContext(ctx, "Rollups exported", fields.ToSlice()...)
	return ref, nil
}

// Run refreshes and exports once, then on every tick until ctx is done.
func (w *ExportWorker) Run(ctx context.Context) error {
	refreshTicker := time.NewTicker(w.config.RefreshInterval)
	defer refreshTicker.Stop()

	exportTicker := time.NewTicker(w.config.ExportInterval)
	defer exportTicker.Stop()

	w.logger.InfoContext(ctx, "Export worker started",
		"refresh_interval", w.config.RefreshInterval,
		"export_interval", w.config.ExportInterval)

	w.refreshAndExport(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "Export worker stopped")
			return nil
		case <-refreshTicker.C:
			w.refreshAndExport(ctx)
		case <-exportTicker.C:
			if _, err := w.ExportNow(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Scheduled export failed", log.FieldError, err.Error())
			}
		}
	}
}

func (w *ExportWorker) refreshAndExport(ctx context.Context) {
	_, err := w.book.Refresh(ctx)
	switch {
	case errors.Is(err, services.ErrStaleGeneration):
		return
	case ctx.Err() != nil:
		return
	case err != nil:
		w.logger.WarnContext(ctx, "Refresh failed", log.FieldError, err.Error())
		return
	}
	if _, err := w.ExportNow(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Export after refresh failed", log.FieldError, err.Error())
	}
}
