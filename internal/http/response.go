package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"expenseview/internal/api"
	"expenseview/internal/core"
	"expenseview/internal/services"
)

type expenseJSON struct {
	ID          string    `json:"id"`
	Amount      string    `json:"amount"`
	AmountCents int64     `json:"amount_cents"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

type rollupJSON struct {
	Name         string `json:"name"`
	Total        string `json:"total"`
	TotalCents   int64  `json:"total_cents"`
	ExpenseCount int    `json:"expense_count"`
}

// listStatus is attached to every read so clients can tell fresh data
// from a fallback.
type listStatus struct {
	Version   uint64     `json:"version"`
	Stale     bool       `json:"stale"`
	Error     string     `json:"error,omitempty"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
}

type expensesPayload struct {
	listStatus
	Expenses     []expenseJSON `json:"expenses"`
	Total        string        `json:"total"`
	TotalCents   int64         `json:"total_cents"`
	Count        int           `json:"count"`
	ActiveFilter string        `json:"active_filter"`
	Sort         core.SortKey  `json:"sort"`
	Categories   []string      `json:"categories"`
	Suggestions  []string      `json:"suggestions"`
}

type categoriesPayload struct {
	listStatus
	Rollups    []rollupJSON `json:"rollups"`
	Total      string       `json:"total"`
	TotalCents int64        `json:"total_cents"`
}

type dashboardPayload struct {
	listStatus
	Total        string        `json:"total"`
	TotalCents   int64         `json:"total_cents"`
	Count        int           `json:"count"`
	Average      string        `json:"average"`
	AverageCents int64         `json:"average_cents"`
	Recent       []expenseJSON `json:"recent"`
}

func toExpenseJSON(e core.Expense) expenseJSON {
	return expenseJSON{
		ID:          e.ID,
		Amount:      e.Amount.String(),
		AmountCents: e.Amount.Cents,
		Category:    e.Category,
		Description: e.Description,
		Timestamp:   e.Timestamp,
	}
}

func toExpenseList(list []core.Expense) []expenseJSON {
	out := make([]expenseJSON, len(list))
	for i, e := range list {
		out[i] = toExpenseJSON(e)
	}
	return out
}

func statusOf(st services.BookState) listStatus {
	ls := listStatus{Version: st.Version, Stale: st.Stale, Error: st.Err}
	if !st.FetchedAt.IsZero() {
		t := st.FetchedAt
		ls.FetchedAt = &t
	}
	return ls
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeBackendError maps a failed call-through to a response. Client
// errors from the backend keep their status and message; everything else
// becomes 502.
func writeBackendError(w http.ResponseWriter, err error) {
	var apiErr *api.APIError
	switch {
	case errors.Is(err, api.ErrReceiptTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500:
		writeError(w, apiErr.Status, apiErr.Message)
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, apiErr.Message)
	default:
		writeError(w, http.StatusBadGateway, "expense backend unavailable")
	}
}
