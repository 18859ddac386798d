package http

import (
	"net/http"
	"strconv"

	"expenseview/internal/core"
	"expenseview/internal/services"
)

// handleCategories serves the rollups over the whole list, ignoring any
// filter of the expense view.
func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	st, err := s.loadState(r.Context())
	if err != nil {
		writeLoadError(w, err)
		return
	}

	payload := s.rollupCache.GetOrCompute(strconv.FormatUint(st.Version, 10), func() categoriesPayload {
		return buildCategoriesPayload(st)
	})
	payload.listStatus = statusOf(st)
	writeJSON(w, http.StatusOK, payload)
}

func buildCategoriesPayload(st services.BookState) categoriesPayload {
	rollups := core.Rollup(st.Expenses)
	out := make([]rollupJSON, len(rollups))
	for i, r := range rollups {
		out[i] = rollupJSON{
			Name:         r.Name,
			Total:        r.TotalSpent.String(),
			TotalCents:   r.TotalSpent.Cents,
			ExpenseCount: r.ExpenseCount,
		}
	}
	total := core.Total(st.Expenses)
	return categoriesPayload{
		Rollups:    out,
		Total:      total.String(),
		TotalCents: total.Cents,
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	st, err := s.loadState(r.Context())
	if err != nil {
		writeLoadError(w, err)
		return
	}

	payload := s.dashboardCache.GetOrCompute(strconv.FormatUint(st.Version, 10), func() dashboardPayload {
		sum := core.Summarize(st.Expenses, st.Version)
		return dashboardPayload{
			Total:        sum.Total.String(),
			TotalCents:   sum.Total.Cents,
			Count:        sum.Count,
			Average:      sum.Average.String(),
			AverageCents: sum.Average.Cents,
			Recent:       toExpenseList(sum.Recent),
		}
	})
	payload.listStatus = statusOf(st)
	writeJSON(w, http.StatusOK, payload)
}
