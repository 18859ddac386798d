package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expenseview/internal/api"
	"expenseview/internal/core"
	"expenseview/internal/storage"
)

type fakeSource struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int32) ([]core.RawExpense, error)
}

func (f *fakeSource) ListExpenses(ctx context.Context) ([]core.RawExpense, error) {
	return f.fn(ctx, f.calls.Add(1))
}

func staticSource(raws []core.RawExpense, err error) *fakeSource {
	return &fakeSource{fn: func(context.Context, int32) ([]core.RawExpense, error) { return raws, err }}
}

func raw(id, amount, category, ts string) core.RawExpense {
	return core.RawExpense{ID: core.Scalar(id), Amount: core.Scalar(amount), Category: category, Timestamp: ts}
}

func listIDs(list []core.Expense) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ID
	}
	return out
}

func TestRefreshNormalizesAndPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	src := staticSource([]core.RawExpense{
		raw("1", "10.00", "Food", "2025-01-01T00:00:00Z"),
		raw("", "5.00", "Food", "2025-01-02T00:00:00Z"),
		raw("3", "abc", "Food", "2025-01-03T00:00:00Z"),
		{ExpenseID: "4", Amount: "2.50", Timestamp: "2025-01-04T00:00:00Z"},
	}, nil)
	book := NewExpenseBook(src, store, nil)

	st, err := book.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "4"}, listIDs(st.Expenses))
	assert.Equal(t, uint64(1), st.Version)
	assert.Equal(t, uint64(1), st.Generation)
	assert.True(t, st.Loaded)
	assert.False(t, st.Stale)
	assert.Empty(t, st.Err)

	snap, err := store.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "4"}, listIDs(snap.Expenses))
	assert.Equal(t, uint64(1), snap.Version)
}

func TestRefreshDiscardsSupersededResult(t *testing.T) {
	firstStarted := make(chan struct{})
	release := make(chan struct{})
	src := &fakeSource{fn: func(ctx context.Context, call int32) ([]core.RawExpense, error) {
		if call == 1 {
			close(firstStarted)
			<-release
			// Ignores cancellation and answers late with old data.
			return []core.RawExpense{raw("old", "1.00", "A", "2025-01-01T00:00:00Z")}, nil
		}
		return []core.RawExpense{raw("new", "2.00", "B", "2025-01-02T00:00:00Z")}, nil
	}}
	book := NewExpenseBook(src, nil, nil)

	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = book.Refresh(context.Background())
	}()
	<-firstStarted

	st, err := book.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, listIDs(st.Expenses))

	close(release)
	wg.Wait()
	assert.ErrorIs(t, firstErr, ErrStaleGeneration)

	final := book.State()
	assert.Equal(t, []string{"new"}, listIDs(final.Expenses))
	assert.Equal(t, uint64(2), final.Generation)
	assert.Equal(t, uint64(1), final.Version)
}

func TestRefreshCancelsPreviousFetch(t *testing.T) {
	firstStarted := make(chan struct{})
	canceled := make(chan struct{})
	src := &fakeSource{fn: func(ctx context.Context, call int32) ([]core.RawExpense, error) {
		if call == 1 {
			close(firstStarted)
			<-ctx.Done()
			close(canceled)
			return nil, ctx.Err()
		}
		return nil, nil
	}}
	book := NewExpenseBook(src, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := book.Refresh(context.Background())
		done <- err
	}()
	<-firstStarted

	_, err := book.Refresh(context.Background())
	require.NoError(t, err)

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("first fetch was not canceled")
	}
	assert.ErrorIs(t, <-done, ErrStaleGeneration)
	assert.Empty(t, book.State().Err)
}

func TestRefreshFailureFallsBackToSnapshot(t *testing.T) {
	store := storage.NewMemoryStore()
	fail := &api.APIError{Status: 500, Message: "Failed to retrieve expenses"}
	src := &fakeSource{fn: func(ctx context.Context, call int32) ([]core.RawExpense, error) {
		if call == 1 {
			return []core.RawExpense{raw("1", "10.00", "Food", "2025-01-01T00:00:00Z")}, nil
		}
		return nil, fail
	}}
	book := NewExpenseBook(src, store, nil)

	_, err := book.Refresh(context.Background())
	require.NoError(t, err)

	st, err := book.Refresh(context.Background())
	require.Error(t, err)
	var apiErr *api.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.Status)

	assert.True(t, st.Stale)
	assert.Equal(t, "Failed to retrieve expenses", st.Err)
	assert.Equal(t, []string{"1"}, listIDs(st.Expenses))
	assert.Equal(t, uint64(2), st.Version)
}

func TestRefreshFailureWithoutSnapshotIsEmpty(t *testing.T) {
	book := NewExpenseBook(staticSource(nil, errors.New("connection refused")), storage.NewMemoryStore(), nil)

	st, err := book.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, st.Loaded)
	assert.False(t, st.Stale)
	assert.Empty(t, st.Expenses)
	assert.NotNil(t, st.Expenses)
	assert.Equal(t, "connection refused", st.Err)
}

func TestRefreshCallerCancellationKeepsList(t *testing.T) {
	src := &fakeSource{fn: func(ctx context.Context, call int32) ([]core.RawExpense, error) {
		if call == 1 {
			return []core.RawExpense{raw("1", "1.00", "A", "2025-01-01T00:00:00Z")}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	book := NewExpenseBook(src, nil, nil)
	_, err := book.Refresh(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = book.Refresh(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	st := book.State()
	assert.Equal(t, []string{"1"}, listIDs(st.Expenses))
	assert.Empty(t, st.Err)
}

func TestEnsureLoadedCoalescesConcurrentCallers(t *testing.T) {
	gate := make(chan struct{})
	src := &fakeSource{fn: func(ctx context.Context, call int32) ([]core.RawExpense, error) {
		<-gate
		return []core.RawExpense{raw("1", "1.00", "A", "2025-01-01T00:00:00Z")}, nil
	}}
	book := NewExpenseBook(src, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := book.EnsureLoaded(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, []string{"1"}, listIDs(st.Expenses))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())

	_, err := book.EnsureLoaded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestUpsertAndRemoveBumpVersion(t *testing.T) {
	book := NewExpenseBook(staticSource([]core.RawExpense{
		raw("1", "1.00", "A", "2025-01-01T00:00:00Z"),
		raw("2", "2.00", "B", "2025-01-02T00:00:00Z"),
	}, nil), nil, nil)
	ctx := context.Background()
	before, err := book.Refresh(ctx)
	require.NoError(t, err)

	edited := before.Expenses[0]
	edited.Amount = core.Money{Cents: 999}
	st := book.Upsert(ctx, edited)
	assert.Equal(t, before.Version+1, st.Version)
	assert.Equal(t, []string{"1", "2"}, listIDs(st.Expenses))
	assert.Equal(t, int64(999), st.Expenses[0].Amount.Cents)
	assert.Equal(t, int64(100), before.Expenses[0].Amount.Cents, "earlier state must not change")

	st = book.Upsert(ctx, core.Expense{ID: "3", Timestamp: time.Now()})
	assert.Equal(t, []string{"1", "2", "3"}, listIDs(st.Expenses))

	st, found := book.Remove(ctx, "2")
	assert.True(t, found)
	assert.Equal(t, []string{"1", "3"}, listIDs(st.Expenses))
	assert.Equal(t, before.Version+3, st.Version)

	st, found = book.Remove(ctx, "missing")
	assert.False(t, found)
	assert.Equal(t, before.Version+3, st.Version)
}

func TestEnsureLoadedSurvivesFirstCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	src := &fakeSource{fn: func(ctx context.Context, call int32) ([]core.RawExpense, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []core.RawExpense{raw("1", "4.00", "Food", "2025-01-01T00:00:00Z")}, nil
	}}
	book := NewExpenseBook(src, nil, nil)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := book.EnsureLoaded(firstCtx)
		firstErr <- err
	}()
	<-started

	type result struct {
		st  BookState
		err error
	}
	second := make(chan result, 1)
	go func() {
		st, err := book.EnsureLoaded(context.Background())
		second <- result{st, err}
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.True(t, got.st.Loaded)
	assert.Equal(t, []string{"1"}, listIDs(got.st.Expenses))
	assert.Empty(t, got.st.Err)
	assert.Equal(t, int32(1), src.calls.Load())
}
