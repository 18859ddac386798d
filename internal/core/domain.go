package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// UncategorizedLabel names the rollup bucket for expenses without a category.
const UncategorizedLabel = "Uncategorized"

const (
	SortDateDesc   SortKey = "date_desc"
	SortDateAsc    SortKey = "date_asc"
	SortAmountDesc SortKey = "amount_desc"
	SortAmountAsc  SortKey = "amount_asc"
)

// DefaultSort is the order used when the caller does not pick one.
const DefaultSort = SortDateDesc

type (
	SortKey string

	Money struct {
		Cents int64
	}

	// Expense is the canonical in-memory shape shared by every view.
	Expense struct {
		ID          string
		Amount      Money
		Category    string
		Description string
		Timestamp   time.Time
	}

	// CategoryRollup aggregates the expenses sharing one category label.
	// Expenses point into the list the rollup was computed from.
	CategoryRollup struct {
		Name         string
		TotalSpent   Money
		ExpenseCount int
		Expenses     []*Expense
	}

	// ViewParams carries the view controls for a single derivation.
	ViewParams struct {
		NavigationCategory string // seeded by navigation (URL parameter)
		ManualCategory     string // typed by the user
		Sort               SortKey
	}
)

var (
	ErrMissingID        = errors.New("missing id and expense_id")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrDuplicateID      = errors.New("duplicate id")
)

// MalformedRecordError reports a raw record that cannot be normalized.
type MalformedRecordError struct {
	ID    string // best-effort identifier, may be empty
	Field string
	Err   error
}

func (e *MalformedRecordError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("malformed expense record: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("malformed expense record %q: %s: %v", e.ID, e.Field, e.Err)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// Valid reports whether the key is one of the known sort orders.
func (k SortKey) Valid() bool {
	switch k {
	case SortDateDesc, SortDateAsc, SortAmountDesc, SortAmountAsc:
		return true
	default:
		return false
	}
}

// ActiveFilter resolves the category filter in force. A non-blank
// navigation value wins over the manually typed one.
func (p ViewParams) ActiveFilter() string {
	if strings.TrimSpace(p.NavigationCategory) != "" {
		return p.NavigationCategory
	}
	return p.ManualCategory
}

// RollupName returns the label used when grouping the expense by category.
func (e Expense) RollupName() string {
	if strings.TrimSpace(e.Category) == "" {
		return UncategorizedLabel
	}
	return e.Category
}
