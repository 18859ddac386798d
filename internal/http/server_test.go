package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expenseview/internal/api"
	"expenseview/internal/core"
	"expenseview/internal/log"
	"expenseview/internal/middleware/ratelimit"
	"expenseview/internal/services"
	"expenseview/internal/storage"
)

type fakeSource struct {
	mu   sync.Mutex
	raws []core.RawExpense
	err  error
}

func (f *fakeSource) ListExpenses(context.Context) ([]core.RawExpense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raws, f.err
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeBackend struct {
	err      error
	nextID   int
	received []api.ExpenseInput
}

func (f *fakeBackend) CreateExpense(_ context.Context, in api.ExpenseInput) (core.RawExpense, error) {
	if f.err != nil {
		return core.RawExpense{}, f.err
	}
	f.received = append(f.received, in)
	f.nextID++
	return core.RawExpense{
		ID:          core.Scalar("new-" + string(rune('0'+f.nextID))),
		Amount:      core.Scalar(in.Amount),
		Category:    in.Category,
		Description: in.Description,
		Timestamp:   "2025-02-01T00:00:00Z",
	}, nil
}

func (f *fakeBackend) UpdateExpense(_ context.Context, _ string, in api.ExpenseInput) (*core.RawExpense, error) {
	f.received = append(f.received, in)
	return nil, f.err
}

func (f *fakeBackend) DeleteExpense(context.Context, string) error {
	return f.err
}

func (f *fakeBackend) UploadReceipt(_ context.Context, up api.ReceiptUpload) (api.ReceiptResult, error) {
	if f.err != nil {
		return api.ReceiptResult{}, f.err
	}
	return api.ReceiptResult{FileURL: "/media/" + up.Filename, FileName: up.Filename, ExpenseID: up.ExpenseID}, nil
}

type fixture struct {
	srv     *Server
	source  *fakeSource
	backend *fakeBackend
	book    *services.ExpenseBook
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	src := &fakeSource{raws: []core.RawExpense{
		{ID: "1", Amount: "12.50", Category: "Food", Description: "lunch", Timestamp: "2025-01-03T12:00:00Z"},
		{ID: "2", Amount: "800", Category: "Rent", Timestamp: "2025-01-01T09:00:00Z"},
		{ID: "3", Amount: "7.50", Category: "Fast food", Timestamp: "2025-01-05T20:00:00Z"},
		{ID: "4", Amount: "3.00", Timestamp: "2025-01-04T08:00:00Z"},
	}}
	backend := &fakeBackend{}
	book := services.NewExpenseBook(src, storage.NewMemoryStore(), nil)
	svc := services.NewExpenseService(backend, book, nil, nil)
	if opts.RateLimit == (ratelimit.Config{}) {
		opts.RateLimit = ratelimit.Config{RequestsPerSecond: 1000, Burst: 1000}
	}
	return &fixture{
		srv:     NewServer(":0", book, svc, opts, log.Default()),
		source:  src,
		backend: backend,
		book:    book,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func ids(list []expenseJSON) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ID
	}
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, Options{})

	rr := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get(log.RequestIDHeader))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", "").Code)
	f.do(t, http.MethodGet, "/api/expenses", "")
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "").Code)
}

func TestListExpensesDefaultView(t *testing.T) {
	f := newFixture(t, Options{})

	rr := f.do(t, http.MethodGet, "/api/expenses", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[expensesPayload](t, rr)

	assert.Equal(t, []string{"3", "4", "1", "2"}, ids(got.Expenses))
	assert.Equal(t, "823.00", got.Total)
	assert.Equal(t, int64(82300), got.TotalCents)
	assert.Equal(t, 4, got.Count)
	assert.Equal(t, core.SortDateDesc, got.Sort)
	assert.Equal(t, []string{"Food", "Rent", "Fast food"}, got.Categories)
	assert.Equal(t, uint64(1), got.Version)
	assert.False(t, got.Stale)
}

func TestListExpensesFilterAndSort(t *testing.T) {
	f := newFixture(t, Options{})

	rr := f.do(t, http.MethodGet, "/api/expenses?q=FOOD&sort=amount_asc", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[expensesPayload](t, rr)
	assert.Equal(t, []string{"3", "1"}, ids(got.Expenses))
	assert.Equal(t, "20.00", got.Total)
	assert.Equal(t, "FOOD", got.ActiveFilter)
	assert.Equal(t, []string{"Food", "Fast food"}, got.Suggestions)

	// Navigation category wins over the typed filter.
	rr = f.do(t, http.MethodGet, "/api/expenses?category=Rent&q=food", "")
	got = decode[expensesPayload](t, rr)
	assert.Equal(t, []string{"2"}, ids(got.Expenses))
	assert.Equal(t, "Rent", got.ActiveFilter)

}

func TestListExpensesUnknownSortKeepsBackendOrder(t *testing.T) {
	f := newFixture(t, Options{})

	rr := f.do(t, http.MethodGet, "/api/expenses?sort=category_asc", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[expensesPayload](t, rr)
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids(got.Expenses))
	assert.Equal(t, core.SortKey("category_asc"), got.Sort)
	assert.Equal(t, "823.00", got.Total)
}

func TestViewCacheKeySeparatesParameters(t *testing.T) {
	f := newFixture(t, Options{})

	rr := f.do(t, http.MethodGet, "/api/expenses?category=Fo%7C&q=od", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[expensesPayload](t, rr)
	assert.Equal(t, "Fo|", got.ActiveFilter)
	assert.Empty(t, got.Expenses)

	rr = f.do(t, http.MethodGet, "/api/expenses?category=Fo&q=%7Cod", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got = decode[expensesPayload](t, rr)
	assert.Equal(t, "Fo", got.ActiveFilter)
	assert.Equal(t, []string{"3", "1"}, ids(got.Expenses))
	assert.Equal(t, 2, f.srv.viewCache.Size())
}

func TestCategoriesRollupIgnoresFilter(t *testing.T) {
	f := newFixture(t, Options{})

	rr := f.do(t, http.MethodGet, "/api/categories?category=Food", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[categoriesPayload](t, rr)

	require.Len(t, got.Rollups, 4)
	assert.Equal(t, "Rent", got.Rollups[0].Name)
	assert.Equal(t, "800.00", got.Rollups[0].Total)
	assert.Equal(t, core.UncategorizedLabel, got.Rollups[3].Name)
	assert.Equal(t, "823.00", got.Total)
}

func TestDashboardSummary(t *testing.T) {
	f := newFixture(t, Options{})

	rr := f.do(t, http.MethodGet, "/api/dashboard", "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[dashboardPayload](t, rr)
	assert.Equal(t, 4, got.Count)
	assert.Equal(t, "205.75", got.Average)
	assert.Equal(t, []string{"3", "4", "1", "2"}, ids(got.Recent))
}

func TestCreateExpenseUpdatesViews(t *testing.T) {
	f := newFixture(t, Options{})
	f.do(t, http.MethodGet, "/api/expenses", "")

	rr := f.do(t, http.MethodPost, "/api/expenses", `{"amount": 4.2, "category": "Food", "description": "coffee"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[expenseJSON](t, rr)
	assert.Equal(t, "4.20", created.Amount)
	assert.Equal(t, "4.20", f.backend.received[0].Amount)

	got := decode[expensesPayload](t, f.do(t, http.MethodGet, "/api/expenses?q=food", ""))
	assert.Contains(t, ids(got.Expenses), created.ID)
	assert.Equal(t, uint64(2), got.Version)
}

func TestCreateExpenseValidation(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid amount", `{"amount": "abc", "category": "Food"}`, http.StatusUnprocessableEntity},
		{"negative amount", `{"amount": "-1", "category": "Food"}`, http.StatusUnprocessableEntity},
		{"missing category", `{"amount": "1.00", "category": "  "}`, http.StatusUnprocessableEntity},
		{"malformed JSON", `{"amount": `, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/api/expenses", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rr)["error"])
		})
	}
	assert.Empty(t, f.backend.received)
}

func TestBackendErrorsAreMapped(t *testing.T) {
	f := newFixture(t, Options{})

	f.backend.err = &api.APIError{Status: http.StatusBadRequest, Message: "Amount and category required"}
	rr := f.do(t, http.MethodPost, "/api/expenses", `{"amount": "1", "category": "Food"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Amount and category required", decode[map[string]string](t, rr)["error"])

	f.backend.err = &api.APIError{Status: http.StatusInternalServerError, Message: "HTTP 500"}
	rr = f.do(t, http.MethodDelete, "/api/expenses/1", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	f.backend.err = errors.New("dial tcp: connection refused")
	rr = f.do(t, http.MethodPut, "/api/expenses/1", `{"amount": "1", "category": "Food"}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestUpdateAndDelete(t *testing.T) {
	f := newFixture(t, Options{})
	f.do(t, http.MethodGet, "/api/expenses", "")

	rr := f.do(t, http.MethodPut, "/api/expenses/1", `{"amount": "99.99", "category": "Dining"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decode[expenseJSON](t, rr)
	assert.Equal(t, "1", updated.ID)
	assert.Equal(t, "Dining", updated.Category)

	rr = f.do(t, http.MethodDelete, "/api/expenses/2", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	got := decode[expensesPayload](t, f.do(t, http.MethodGet, "/api/expenses", ""))
	assert.NotContains(t, ids(got.Expenses), "2")

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPatch, "/api/expenses/1", "{}").Code)
}

func TestUploadReceipt(t *testing.T) {
	f := newFixture(t, Options{})

	payload := base64.StdEncoding.EncodeToString([]byte("fake image"))
	body := `{"expense_id": "1", "filename": "r.png", "file": "data:image/png;base64,` + payload + `"}`
	rr := f.do(t, http.MethodPost, "/api/receipts", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "/media/r.png", decode[map[string]string](t, rr)["file_url"])

	rr = f.do(t, http.MethodPost, "/api/receipts", `{"expense_id": "1", "filename": "r.png", "file": "%%%"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/receipts", `{"expense_id": "1", "filename": "r.png"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	big := base64.StdEncoding.EncodeToString(make([]byte, api.MaxReceiptBytes+1))
	rr = f.do(t, http.MethodPost, "/api/receipts", `{"expense_id": "1", "filename": "big.png", "file": "`+big+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestRefreshFailureServesSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/refresh", "").Code)

	f.source.fail(&api.APIError{Status: 500, Message: "Failed to retrieve expenses"})
	rr := f.do(t, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	got := decode[expensesPayload](t, f.do(t, http.MethodGet, "/api/expenses", ""))
	assert.True(t, got.Stale)
	assert.Equal(t, "Failed to retrieve expenses", got.Error)
	assert.Len(t, got.Expenses, 4)
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	f := newFixture(t, Options{RateLimit: ratelimit.Config{RequestsPerSecond: 0.001, Burst: 1}})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/refresh", "").Code)
	rr := f.do(t, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/expenses", "").Code)
}

func TestViewCacheFollowsVersion(t *testing.T) {
	f := newFixture(t, Options{})

	f.do(t, http.MethodGet, "/api/expenses", "")
	f.do(t, http.MethodGet, "/api/expenses", "")
	assert.Equal(t, 1, f.srv.viewCache.Size())

	f.book.Upsert(context.Background(), core.Expense{ID: "9", Category: "Food"})
	got := decode[expensesPayload](t, f.do(t, http.MethodGet, "/api/expenses", ""))
	assert.Len(t, got.Expenses, 5)
	assert.Equal(t, 2, f.srv.viewCache.Size())
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	f := newFixture(t, Options{RateLimit: ratelimit.Config{RequestsPerSecond: 0.001, Burst: 1}})

	refresh := func(fwd string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
		req.Header.Set("X-Forwarded-For", fwd)
		rr := httptest.NewRecorder()
		f.srv.Handler.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, refresh("1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, refresh("2.2.2.2"))
}

func TestRateLimitKeysOnForwardedClientBehindTrustedProxy(t *testing.T) {
	f := newFixture(t, Options{
		RateLimit:      ratelimit.Config{RequestsPerSecond: 0.001, Burst: 1},
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
	})

	refresh := func(fwd string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		req.Header.Set("X-Forwarded-For", fwd)
		rr := httptest.NewRecorder()
		f.srv.Handler.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, refresh("1.1.1.1"))
	assert.Equal(t, http.StatusOK, refresh("2.2.2.2"))
	assert.Equal(t, http.StatusTooManyRequests, refresh("1.1.1.1"))
}
