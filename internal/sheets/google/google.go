package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"expenseview/internal/log"
	ports "expenseview/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

// Columns written by the exporter: Category, Total, Expenses.
const lastColumn = "C"

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	logger        *log.Logger
}

// Ensure interface conformance
var _ ports.RollupWriter = (*Client)(nil)

// Options configures the Sheets client. CredentialsJSON wins over
// CredentialsFile when both are set.
type Options struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsJSON string
	CredentialsFile string
}

// New creates a Sheets client authenticated with a service account.
func New(ctx context.Context, opts Options, logger *log.Logger) (*Client, error) {
	if strings.TrimSpace(opts.SpreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	if strings.TrimSpace(opts.SheetName) == "" {
		return nil, errors.New("missing GOOGLE_SHEET_NAME")
	}

	credentialsJSON, err := loadCredentials(opts)
	if err != nil {
		return nil, err
	}

	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return NewWithService(svc, opts.SpreadsheetID, opts.SheetName, logger), nil
}

// NewWithService wraps an already configured Sheets service.
func NewWithService(svc *gsheet.Service, spreadsheetID, sheetName string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		svc:           svc,
		spreadsheetID: strings.TrimSpace(spreadsheetID),
		sheetName:     strings.TrimSpace(sheetName),
		logger:        logger.WithComponent(log.ComponentSheets),
	}
}

func loadCredentials(opts Options) ([]byte, error) {
	switch {
	case strings.TrimSpace(opts.CredentialsJSON) != "":
		return []byte(opts.CredentialsJSON), nil
	case strings.TrimSpace(opts.CredentialsFile) != "":
		data, err := os.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}
}

// WriteRollups clears the rollup sheet and writes the table from A1.
func (c *Client) WriteRollups(ctx context.Context, export ports.RollupExport) (string, error) {
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	clearRange := fmt.Sprintf("%s!A:%s", quoteSheetName(c.sheetName), lastColumn)
	_, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, clearRange, &gsheet.ClearValuesRequest{}).
		Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to clear %s: %w", clearRange, err)
	}

	values := buildRollupValues(export)
	ref := fmt.Sprintf("%s!A1:%s%d", quoteSheetName(c.sheetName), lastColumn, len(values))
	vr := &gsheet.ValueRange{Values: values}

	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, ref, vr).
		ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to update %s: %w", ref, err)
	}

	c.logger.InfoContext(ctx, "Rollups written",
		log.FieldSheetsRef, ref,
		log.FieldListVersion, export.Version,
		"rollups", len(export.Rollups))
	return ref, nil
}

// buildRollupValues lays out the table: a header, one row per category in
// rollup order, a grand total and a trailer with the list version.
func buildRollupValues(export ports.RollupExport) [][]any {
	values := make([][]any, 0, len(export.Rollups)+4)
	values = append(values, []any{"Category", "Total", "Expenses"})
	for _, r := range export.Rollups {
		values = append(values, []any{textCell(r.Name), r.TotalSpent.String(), r.ExpenseCount})
	}
	values = append(values,
		[]any{"Total", export.Total.String(), export.Count},
		[]any{"Updated", export.AsOf.UTC().Format(time.RFC3339), fmt.Sprintf("v%d", export.Version)},
	)
	return values
}

// textCell forces a user supplied value to be stored as text. With
// USER_ENTERED a leading apostrophe is consumed by Sheets and never shown.
func textCell(s string) string {
	return "'" + s
}

// quoteSheetName quotes names that A1 notation would otherwise misread.
func quoteSheetName(name string) string {
	if name == "" || strings.ContainsAny(name, " '!:-") {
		return "'" + strings.ReplaceAll(name, "'", "''") + "'"
	}
	return name
}
