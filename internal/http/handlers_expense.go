package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"expenseview/internal/api"
	"expenseview/internal/core"
	"expenseview/internal/log"
	"expenseview/internal/services"
)

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := ParseViewParams(r.URL.Query())
	if !params.Sort.Valid() {
		log.FromContext(ctx).DebugContext(ctx, "Unknown sort key, keeping backend order",
			log.FieldSortKey, string(params.Sort))
	}

	st, err := s.loadState(ctx)
	if err != nil {
		writeLoadError(w, err)
		return
	}

	key := viewCacheKey(st.Version, params)
	payload := s.viewCache.GetOrCompute(key, func() expensesPayload {
		return buildExpensesPayload(st, params)
	})
	// Status fields may change without a version bump.
	payload.listStatus = statusOf(st)

	log.FromContext(ctx).DebugContext(ctx, "Expense view served",
		log.NewFields().
			WithView(payload.ActiveFilter, string(params.Sort)).
			WithGeneration(st.Generation, st.Version).
			ToSlice()...)
	writeJSON(w, http.StatusOK, payload)
}

// viewCacheKey quotes the free-text fields so no pair of parameter sets
// shares a key.
func viewCacheKey(version uint64, params core.ViewParams) string {
	return fmt.Sprintf("%d|%q|%q|%q", version, params.NavigationCategory, params.ManualCategory, params.Sort)
}

func buildExpensesPayload(st services.BookState, params core.ViewParams) expensesPayload {
	view := core.Derive(st.Expenses, st.Version, params)
	categories := core.Categories(st.Expenses)
	return expensesPayload{
		Expenses:     toExpenseList(view.Expenses),
		Total:        view.Total.String(),
		TotalCents:   view.Total.Cents,
		Count:        len(view.Expenses),
		ActiveFilter: view.ActiveFilter,
		Sort:         view.Sort,
		Categories:   nonNil(categories),
		Suggestions:  nonNil(core.SuggestCategories(categories, params.ManualCategory)),
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.book.Refresh(ctx)
	switch {
	case errors.Is(err, services.ErrStaleGeneration):
		writeError(w, http.StatusConflict, "superseded by a newer refresh")
		return
	case err != nil && ctx.Err() != nil:
		writeError(w, http.StatusServiceUnavailable, "request canceled")
		return
	case err != nil:
		log.FromContext(ctx).WarnContext(ctx, "Refresh failed",
			log.FieldError, err.Error(),
			log.FieldListVersion, st.Version)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   st.Err,
			"stale":   st.Stale,
			"version": st.Version,
			"count":   len(st.Expenses),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":    st.Version,
		"generation": st.Generation,
		"count":      len(st.Expenses),
	})
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	draft, err := decodeExpenseDraft(r)
	if err != nil {
		writeError(w, statusForRequestError(err), err.Error())
		return
	}

	e, err := s.expenses.Create(ctx, draft)
	if err != nil {
		s.writeMutationError(ctx, w, log.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, toExpenseJSON(e))
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	draft, err := decodeExpenseDraft(r)
	if err != nil {
		writeError(w, statusForRequestError(err), err.Error())
		return
	}

	e, err := s.expenses.Update(ctx, id, draft)
	if err != nil {
		s.writeMutationError(ctx, w, log.OpUpdate, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseJSON(e))
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.expenses.Delete(ctx, mux.Vars(r)["id"]); err != nil {
		s.writeMutationError(ctx, w, log.OpDelete, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	up, err := decodeReceipt(r)
	if err != nil {
		writeError(w, statusForRequestError(err), err.Error())
		return
	}
	if len(up.Data) > api.MaxReceiptBytes {
		writeError(w, http.StatusRequestEntityTooLarge, api.ErrReceiptTooLarge.Error())
		return
	}

	res, err := s.expenses.UploadReceipt(ctx, up)
	if err != nil {
		s.writeMutationError(ctx, w, log.OpUpload, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"file_url":   res.FileURL,
		"file_name":  res.FileName,
		"expense_id": res.ExpenseID,
	})
}

func (s *Server) writeMutationError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	if errors.Is(err, services.ErrCategoryRequired) || errors.Is(err, services.ErrIDRequired) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	log.FromContext(ctx).WarnContext(ctx, "Backend call failed",
		log.NewFields().WithOperation(op).WithError(err).ToSlice()...)
	writeBackendError(w, err)
}
