// Package api is the HTTP client for the expense REST backend. It keeps the
// session cookie in a jar and sends the CSRF token on mutating calls.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"expenseview/internal/core"
	"expenseview/internal/log"
)

// Backend endpoints
const (
	PathCSRFToken     = "/api/csrf-token/"
	PathLogin         = "/api/login/"
	PathExpensesList  = "/api/expenses/list/"
	PathExpenses      = "/api/expenses/"
	PathReceiptUpload = "/api/receipts/upload/"

	CSRFCookieName = "csrftoken"
	CSRFHeaderName = "X-CSRFToken"

	// MaxReceiptBytes caps receipt uploads before encoding.
	MaxReceiptBytes = 5 << 20

	maxResponseBytes = 10 << 20
)

// ExpenseInput is the body of create and update calls. Amount is sent as
// decimal text so no precision is lost on the wire.
type ExpenseInput struct {
	Amount      string `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// ReceiptUpload describes one receipt file.
type ReceiptUpload struct {
	Filename  string
	Data      []byte
	ExpenseID string
}

// ReceiptResult is what the backend returns after storing a receipt.
type ReceiptResult struct {
	FileURL   string `json:"file_url"`
	FileName  string `json:"file_name"`
	ExpenseID string `json:"expense_id,omitempty"`
}

// Client talks to the expense backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger

	mu        sync.Mutex
	csrfToken string
}

// NewClient builds a client for baseURL with its own cookie jar.
func NewClient(baseURL string, timeout time.Duration, logger *log.Logger) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
		logger:     logger.WithComponent(log.ComponentBackend),
	}, nil
}

// ListExpenses fetches the raw expense records of the session user.
func (c *Client) ListExpenses(ctx context.Context) ([]core.RawExpense, error) {
	var resp struct {
		Expenses []core.RawExpense `json:"expenses"`
	}
	if err := c.do(ctx, http.MethodGet, PathExpensesList, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Expenses, nil
}

// CreateExpense creates an expense and returns the stored record.
func (c *Client) CreateExpense(ctx context.Context, in ExpenseInput) (core.RawExpense, error) {
	var body json.RawMessage
	if err := c.do(ctx, http.MethodPost, PathExpenses, in, &body); err != nil {
		return core.RawExpense{}, err
	}
	raw, ok := decodeRecord(body)
	if !ok {
		return core.RawExpense{}, fmt.Errorf("create expense: backend returned no record")
	}
	return raw, nil
}

// UpdateExpense replaces an expense. The returned record is nil when the
// backend only acknowledges the update without echoing the record.
func (c *Client) UpdateExpense(ctx context.Context, id string, in ExpenseInput) (*core.RawExpense, error) {
	var body json.RawMessage
	if err := c.do(ctx, http.MethodPut, expensePath(id), in, &body); err != nil {
		return nil, err
	}
	if raw, ok := decodeRecord(body); ok {
		return &raw, nil
	}
	return nil, nil
}

// DeleteExpense removes an expense by id.
func (c *Client) DeleteExpense(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, expensePath(id), nil, nil)
}

// UploadReceipt sends a receipt as base64 JSON. Files over MaxReceiptBytes
// are rejected locally.
func (c *Client) UploadReceipt(ctx context.Context, up ReceiptUpload) (ReceiptResult, error) {
	if len(up.Data) > MaxReceiptBytes {
		return ReceiptResult{}, ErrReceiptTooLarge
	}
	payload := map[string]string{
		"file":     base64.StdEncoding.EncodeToString(up.Data),
		"filename": up.Filename,
	}
	if up.ExpenseID != "" {
		payload["expense_id"] = up.ExpenseID
	}
	var res ReceiptResult
	if err := c.do(ctx, http.MethodPost, PathReceiptUpload, payload, &res); err != nil {
		return ReceiptResult{}, err
	}
	return res, nil
}

// Login opens a backend session. The backend rotates the CSRF token on
// login, so the cached token is dropped afterwards.
func (c *Client) Login(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	err := c.do(ctx, http.MethodPost, PathLogin, body, nil)
	c.ClearCSRFToken()
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.logger.InfoContext(ctx, "Backend session established")
	return nil
}

// ClearCSRFToken forgets the cached CSRF token.
func (c *Client) ClearCSRFToken() {
	c.mu.Lock()
	c.csrfToken = ""
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet && path != PathLogin {
		if token := c.csrf(ctx); token != "" {
			req.Header.Set(CSRFHeaderName, token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	c.logger.DebugContext(ctx, "Backend call completed",
		log.FieldMethod, method,
		log.FieldPath, path,
		log.FieldStatusCode, resp.StatusCode,
		log.FieldDuration, time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// csrf returns the cached token, fetching it once when missing. The token is
// read from the csrftoken cookie, falling back to the JSON body.
func (c *Client) csrf(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.csrfToken != "" {
		return c.csrfToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathCSRFToken, nil)
	if err != nil {
		return ""
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to fetch CSRF token", log.FieldError, err.Error())
		return ""
	}
	defer resp.Body.Close()

	if u, err := url.Parse(c.baseURL); err == nil {
		for _, ck := range c.httpClient.Jar.Cookies(u) {
			if ck.Name == CSRFCookieName && ck.Value != "" {
				c.csrfToken = ck.Value
				return c.csrfToken
			}
		}
	}

	var payload struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&payload); err == nil {
		c.csrfToken = payload.CSRFToken
	}
	return c.csrfToken
}

func expensePath(id string) string {
	return PathExpenses + url.PathEscape(id) + "/"
}

// decodeRecord accepts either a bare record or an envelope with an
// `expense` field.
func decodeRecord(body json.RawMessage) (core.RawExpense, bool) {
	if len(bytes.TrimSpace(body)) == 0 {
		return core.RawExpense{}, false
	}
	var envelope struct {
		Expense *core.RawExpense `json:"expense"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Expense != nil && hasID(*envelope.Expense) {
		return *envelope.Expense, true
	}
	var raw core.RawExpense
	if json.Unmarshal(body, &raw) == nil && hasID(raw) {
		return raw, true
	}
	return core.RawExpense{}, false
}

func hasID(raw core.RawExpense) bool {
	return strings.TrimSpace(string(raw.ID)) != "" || strings.TrimSpace(string(raw.ExpenseID)) != ""
}
