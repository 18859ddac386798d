package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrReceiptTooLarge is returned before any network call when a receipt
// exceeds MaxReceiptBytes.
var ErrReceiptTooLarge = errors.New("receipt exceeds 5 MiB limit")

// APIError is a non-2xx answer from the expense backend.
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	return e.Message
}

// newAPIError extracts a user-facing message from an error body: the
// `error` field first, then `message`, then a generic "HTTP <status>".
func newAPIError(status int, body []byte) *APIError {
	return &APIError{
		Status:  status,
		Message: errorMessage(status, body),
		Body:    body,
	}
}

func errorMessage(status int, body []byte) string {
	var payload struct {
		Error   any `json:"error"`
		Message any `json:"message"`
	}
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		if msg := asText(payload.Error); msg != "" {
			return msg
		}
		if msg := asText(payload.Message); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

func asText(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// StatusCode returns the backend status carried by err, or 0 when err is
// not an *APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
