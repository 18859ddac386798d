package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expenseview/internal/amqp"
	"expenseview/internal/core"
	"expenseview/internal/services"
	"expenseview/internal/sheets"
	"expenseview/internal/sheets/memory"
)

type listSource struct {
	raws  []core.RawExpense
	err   error
	calls atomic.Int32
}

func (s *listSource) ListExpenses(context.Context) ([]core.RawExpense, error) {
	s.calls.Add(1)
	return s.raws, s.err
}

type failingWriter struct {
	failures int
	inner    *memory.Writer
}

func (f *failingWriter) WriteRollups(ctx context.Context, export sheets.RollupExport) (string, error) {
	if f.failures > 0 {
		f.failures--
		return "", errors.New("quota exceeded")
	}
	return f.inner.WriteRollups(ctx, export)
}

func seeded() *listSource {
	return &listSource{raws: []core.RawExpense{
		{ID: "1", Amount: "10.00", Category: "Food", Timestamp: "2025-01-01T00:00:00Z"},
		{ID: "2", Amount: "30.00", Category: "Rent", Timestamp: "2025-01-02T00:00:00Z"},
	}}
}

func newWorker(src *listSource, writer sheets.RollupWriter) (*ExportWorker, *services.ExpenseBook) {
	book := services.NewExpenseBook(src, nil, nil)
	return NewExportWorker(book, writer, ExportWorkerConfig{}, nil), book
}

func rollupNames(export sheets.RollupExport) []string {
	out := make([]string, len(export.Rollups))
	for i, r := range export.Rollups {
		out[i] = r.Name
	}
	return out
}

func TestHandleChangeUpsertExports(t *testing.T) {
	writer := memory.New()
	w, _ := newWorker(seeded(), writer)

	msg := amqp.NewUpsertMessage(core.Expense{
		ID:        "3",
		Amount:    core.Money{Cents: 5000},
		Category:  "Travel",
		Timestamp: time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, w.HandleChange(context.Background(), msg))

	last, ok := writer.Last()
	require.True(t, ok)
	assert.Equal(t, []string{"Travel", "Rent", "Food"}, rollupNames(last))
	assert.Equal(t, int64(9000), last.Total.Cents)
	assert.Equal(t, 3, last.Count)
}

func TestHandleChangeDelete(t *testing.T) {
	writer := memory.New()
	w, book := newWorker(seeded(), writer)

	require.NoError(t, w.HandleChange(context.Background(), amqp.NewDeleteMessage("2")))
	assert.Len(t, book.State().Expenses, 1)
	last, ok := writer.Last()
	require.True(t, ok)
	assert.Equal(t, []string{"Food"}, rollupNames(last))

	require.NoError(t, w.HandleChange(context.Background(), amqp.NewDeleteMessage("missing")))
	assert.Equal(t, 1, writer.Count(), "unknown ids must not trigger an export")
}

func TestHandleChangeDropsMalformedRecord(t *testing.T) {
	writer := memory.New()
	w, book := newWorker(seeded(), writer)

	msg := &amqp.ExpenseChangedMessage{
		Event:     amqp.RoutingKeyExpenseChanged,
		Op:        amqp.OpUpsert,
		ExpenseID: "9",
		Record:    &core.RawExpense{ID: "9", Amount: "lots", Timestamp: "2025-01-01T00:00:00Z"},
	}
	require.NoError(t, w.HandleChange(context.Background(), msg))
	assert.Len(t, book.State().Expenses, 2)
	assert.Equal(t, 0, writer.Count())
}

func TestHandleChangeRejectsInvalidMessage(t *testing.T) {
	w, _ := newWorker(seeded(), memory.New())
	err := w.HandleChange(context.Background(), &amqp.ExpenseChangedMessage{Op: amqp.OpDelete})
	assert.Error(t, err)
}

func TestExportNowSkipsUnchangedVersion(t *testing.T) {
	writer := memory.New()
	w, book := newWorker(seeded(), writer)
	_, err := book.Refresh(context.Background())
	require.NoError(t, err)

	ref, err := w.ExportNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mem:1", ref)

	ref, err = w.ExportNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ref)
	assert.Equal(t, 1, writer.Count())
}

func TestExportNowSkipsFailedFetch(t *testing.T) {
	writer := memory.New()
	src := &listSource{err: errors.New("connection refused")}
	w, book := newWorker(src, writer)
	_, err := book.Refresh(context.Background())
	require.Error(t, err)

	ref, err := w.ExportNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ref)
	assert.Equal(t, 0, writer.Count())
}

func TestExportFailureRetriedLater(t *testing.T) {
	writer := &failingWriter{failures: 1, inner: memory.New()}
	w, _ := newWorker(seeded(), writer)

	require.NoError(t, w.HandleChange(context.Background(), amqp.NewDeleteMessage("1")))
	assert.Equal(t, 0, writer.inner.Count())

	ref, err := w.ExportNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mem:1", ref)
}

func TestRunExportsOnStartAndStops(t *testing.T) {
	writer := memory.New()
	src := seeded()
	w, _ := newWorker(src, writer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return writer.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, int32(1), src.calls.Load())
}
