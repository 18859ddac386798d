package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"expenseview/internal/api"
	"expenseview/internal/core"
	"expenseview/internal/services"
)

// maxJSONBody bounds expense bodies. Receipts get room for base64 overhead.
const (
	maxJSONBody    = 64 << 10
	maxReceiptBody = api.MaxReceiptBytes*4/3 + 64<<10
)

var (
	errInvalidAmount = errors.New("amount must be a non-negative decimal")
	errEmptyReceipt  = errors.New("receipt file is required")
)

// ParseViewParams reads the view controls from the query string.
// category is the navigation filter, q the manually typed one. An unknown
// sort key is passed through and leaves the list in backend order.
func ParseViewParams(query url.Values) core.ViewParams {
	return core.ViewParams{
		NavigationCategory: strings.TrimSpace(query.Get("category")),
		ManualCategory:     query.Get("q"),
		Sort:               sortOrDefault(core.SortKey(strings.TrimSpace(query.Get("sort")))),
	}
}

type expenseRequest struct {
	Amount      core.Scalar `json:"amount"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
}

// decodeExpenseDraft reads a create or edit body. amount may be a JSON
// string or number.
func decodeExpenseDraft(r *http.Request) (services.ExpenseDraft, error) {
	var req expenseRequest
	if err := decodeJSON(r, maxJSONBody, &req); err != nil {
		return services.ExpenseDraft{}, err
	}
	amount, err := core.ParseAmount(string(req.Amount))
	if err != nil {
		return services.ExpenseDraft{}, errInvalidAmount
	}
	return services.ExpenseDraft{
		Amount:      amount,
		Category:    req.Category,
		Description: req.Description,
	}, nil
}

type receiptRequest struct {
	ExpenseID string `json:"expense_id"`
	Filename  string `json:"filename"`
	File      string `json:"file"`
}

// decodeReceipt reads a receipt body. file is base64, optionally as a
// data URL.
func decodeReceipt(r *http.Request) (api.ReceiptUpload, error) {
	var req receiptRequest
	if err := decodeJSON(r, maxReceiptBody, &req); err != nil {
		return api.ReceiptUpload{}, err
	}
	encoded := strings.TrimSpace(req.File)
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.IndexByte(encoded, ','); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	if encoded == "" {
		return api.ReceiptUpload{}, errEmptyReceipt
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return api.ReceiptUpload{}, fmt.Errorf("file is not valid base64: %w", err)
	}
	return api.ReceiptUpload{
		Filename:  strings.TrimSpace(req.Filename),
		Data:      data,
		ExpenseID: strings.TrimSpace(req.ExpenseID),
	}, nil
}

type bodyTooLargeError struct{ limit int64 }

func (e *bodyTooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds %d bytes", e.limit)
}

func decodeJSON(r *http.Request, limit int64, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return &bodyTooLargeError{limit: limit}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// statusForRequestError maps a body or parameter problem to a status.
func statusForRequestError(err error) int {
	var tooLarge *bodyTooLargeError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errInvalidAmount),
		errors.Is(err, services.ErrCategoryRequired),
		errors.Is(err, services.ErrIDRequired),
		errors.Is(err, errEmptyReceipt):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}
