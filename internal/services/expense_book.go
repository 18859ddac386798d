package services

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"expenseview/internal/core"
	"expenseview/internal/log"
	"expenseview/internal/metrics"
	"expenseview/internal/storage"
)

// ErrStaleGeneration is returned by Refresh when a newer refresh started
// before this one finished. The superseded result is discarded.
var ErrStaleGeneration = errors.New("fetch superseded by a newer refresh")

// ExpenseSource is the backend listing used by the book.
type ExpenseSource interface {
	ListExpenses(ctx context.Context) ([]core.RawExpense, error)
}

// BookState is an immutable view of the book at one list version.
// Expenses must not be modified by callers.
type BookState struct {
	Expenses   []core.Expense
	Version    uint64
	Generation uint64
	Loaded     bool
	Stale      bool // served from the persisted snapshot after a failed fetch
	Err        string
	FetchedAt  time.Time
}

// ExpenseBook owns the canonical expense list of the session. Every refresh
// gets a new generation id; only the latest generation may apply its
// result, so out-of-order responses can never overwrite newer data.
type ExpenseBook struct {
	source ExpenseSource
	store  storage.SnapshotStore
	logger *log.Logger
	now    func() time.Time

	mu     sync.RWMutex
	gen    uint64
	cancel context.CancelFunc
	state  BookState

	saveMu       sync.Mutex
	savedVersion uint64

	loads singleflight.Group
}

// NewExpenseBook creates an empty book. store may be nil, in which case a
// failed fetch degrades to an empty list.
func NewExpenseBook(source ExpenseSource, store storage.SnapshotStore, logger *log.Logger) *ExpenseBook {
	if logger == nil {
		logger = log.Default()
	}
	return &ExpenseBook{
		source: source,
		store:  store,
		logger: logger.WithComponent(log.ComponentBook),
		now:    time.Now,
	}
}

// State returns the current state.
func (b *ExpenseBook) State() BookState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// EnsureLoaded returns the current state, running the first fetch if none
// happened yet. Concurrent first callers share one fetch, which is not
// tied to any single caller: a caller that gives up gets ctx.Err() while
// the fetch completes for the others.
func (b *ExpenseBook) EnsureLoaded(ctx context.Context) (BookState, error) {
	if st := b.State(); st.Loaded {
		return st, nil
	}
	ch := b.loads.DoChan("initial", func() (any, error) {
		if st := b.State(); st.Loaded {
			return st, nil
		}
		return b.Refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		st, _ := res.Val.(BookState)
		return st, res.Err
	case <-ctx.Done():
		return b.State(), ctx.Err()
	}
}

// Refresh fetches the list from the backend under a new generation and
// cancels any fetch still in flight. On failure the book falls back to the
// persisted snapshot, flagged stale, or to an empty list, and the returned
// error is the fetch failure.
func (b *ExpenseBook) Refresh(ctx context.Context) (BookState, error) {
	b.mu.Lock()
	b.gen++
	gen := b.gen
	if b.cancel != nil {
		b.cancel()
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()
	defer cancel()

	logger := b.logger.With(log.FieldGeneration, gen)
	start := time.Now()
	raws, fetchErr := b.source.ListExpenses(fetchCtx)
	metrics.FetchDuration.Observe(time.Since(start).Seconds())

	if b.superseded(gen) {
		metrics.FetchesTotal.WithLabelValues(metrics.OutcomeStale).Inc()
		logger.DebugContext(ctx, "Discarding superseded fetch result")
		return b.State(), ErrStaleGeneration
	}

	if err := ctx.Err(); err != nil {
		// The caller went away; leave the list untouched.
		b.clearCancel(gen)
		return b.State(), err
	}
	if fetchErr != nil {
		return b.applyFailure(ctx, gen, fetchErr)
	}

	list, rejected := core.NormalizeAll(raws)
	for _, r := range rejected {
		metrics.MalformedRecordsTotal.WithLabelValues(r.Field).Inc()
		logger.WarnContext(ctx, "Dropping malformed expense record",
			log.FieldExpenseID, r.ID,
			log.FieldRecordField, r.Field,
			log.FieldError, r.Err.Error())
	}

	st, ok := b.commit(gen, func(prev BookState) BookState {
		return BookState{
			Expenses:  list,
			Version:   prev.Version + 1,
			Loaded:    true,
			FetchedAt: b.now(),
		}
	})
	if !ok {
		metrics.FetchesTotal.WithLabelValues(metrics.OutcomeStale).Inc()
		return b.State(), ErrStaleGeneration
	}

	metrics.FetchesTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	logger.InfoContext(ctx, "Expense list refreshed",
		log.FieldListVersion, st.Version,
		log.FieldExpenseCount, len(st.Expenses),
		"rejected", len(rejected))

	b.persist(ctx, st)
	return st, nil
}

func (b *ExpenseBook) applyFailure(ctx context.Context, gen uint64, fetchErr error) (BookState, error) {
	metrics.FetchesTotal.WithLabelValues(metrics.OutcomeFailure).Inc()

	var fallback []core.Expense
	stale := false
	if b.store != nil {
		snap, err := b.store.LoadSnapshot(ctx)
		switch {
		case err == nil:
			fallback = snap.Expenses
			stale = true
			metrics.SnapshotFallbacksTotal.Inc()
		case errors.Is(err, storage.ErrNoSnapshot):
		default:
			b.logger.WarnContext(ctx, "Failed to load snapshot", log.FieldError, err.Error())
		}
	}
	if fallback == nil {
		fallback = []core.Expense{}
	}

	st, ok := b.commit(gen, func(prev BookState) BookState {
		return BookState{
			Expenses:  fallback,
			Version:   prev.Version + 1,
			Loaded:    true,
			Stale:     stale,
			Err:       fetchErr.Error(),
			FetchedAt: prev.FetchedAt,
		}
	})
	if !ok {
		return b.State(), ErrStaleGeneration
	}

	b.logger.WarnContext(ctx, "Expense fetch failed",
		log.FieldGeneration, gen,
		log.FieldListVersion, st.Version,
		log.FieldError, fetchErr.Error(),
		"snapshot_fallback", stale)
	return st, fetchErr
}

// Upsert replaces the expense with the same id, or appends it.
func (b *ExpenseBook) Upsert(ctx context.Context, e core.Expense) BookState {
	st, _ := b.mutate(func(prev []core.Expense) ([]core.Expense, bool) {
		next := slices.Clone(prev)
		if i := slices.IndexFunc(next, func(x core.Expense) bool { return x.ID == e.ID }); i >= 0 {
			next[i] = e
			return next, true
		}
		return append(next, e), true
	})
	b.logger.DebugContext(ctx, "Expense upserted",
		log.FieldExpenseID, e.ID,
		log.FieldListVersion, st.Version)
	b.persist(ctx, st)
	return st
}

// Remove deletes the expense with id. It reports whether it was present.
func (b *ExpenseBook) Remove(ctx context.Context, id string) (BookState, bool) {
	st, found := b.mutate(func(prev []core.Expense) ([]core.Expense, bool) {
		i := slices.IndexFunc(prev, func(x core.Expense) bool { return x.ID == id })
		if i < 0 {
			return prev, false
		}
		return slices.Delete(slices.Clone(prev), i, i+1), true
	})
	if found {
		b.persist(ctx, st)
	}
	return st, found
}

// mutate applies a copy-on-write change to the list and bumps the version
// when change reports a modification.
func (b *ExpenseBook) mutate(change func([]core.Expense) ([]core.Expense, bool)) (BookState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, changed := change(b.state.Expenses)
	if !changed {
		return b.state, false
	}
	b.state.Expenses = next
	b.state.Version++
	b.publishGauges()
	return b.state, true
}

// commit installs the state built by next if gen is still the latest
// generation.
func (b *ExpenseBook) commit(gen uint64, next func(prev BookState) BookState) (BookState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		return BookState{}, false
	}
	st := next(b.state)
	st.Generation = gen
	b.state = st
	b.cancel = nil
	b.publishGauges()
	return st, true
}

func (b *ExpenseBook) clearCancel(gen uint64) {
	b.mu.Lock()
	if gen == b.gen {
		b.cancel = nil
	}
	b.mu.Unlock()
}

func (b *ExpenseBook) superseded(gen uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return gen != b.gen
}

func (b *ExpenseBook) publishGauges() {
	metrics.ListVersion.Set(float64(b.state.Version))
	metrics.ExpensesLoaded.Set(float64(len(b.state.Expenses)))
}

// persist writes st as the snapshot unless a newer version was saved.
// Stale fallbacks are never written back.
func (b *ExpenseBook) persist(ctx context.Context, st BookState) {
	if b.store == nil || st.Stale || st.Err != "" {
		return
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	if st.Version <= b.savedVersion {
		return
	}
	err := b.store.SaveSnapshot(ctx, storage.Snapshot{
		Version:  st.Version,
		TakenAt:  b.now(),
		Expenses: st.Expenses,
	})
	if err != nil {
		b.logger.WarnContext(ctx, "Failed to persist snapshot",
			log.FieldListVersion, st.Version,
			log.FieldError, err.Error())
		return
	}
	b.savedVersion = st.Version
}
