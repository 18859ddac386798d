package core

import (
	"cmp"
	"slices"
	"strings"
)

// ExpenseView is the Expenses screen for one list version and one set of
// view parameters.
type ExpenseView struct {
	Version      uint64
	ActiveFilter string
	Sort         SortKey
	Expenses     []Expense // filtered and sorted
	Total        Money     // sum over the filtered subset
}

// Filter keeps the expenses whose category contains the filter,
// case-insensitively. A blank filter keeps everything in input order.
func Filter(list []Expense, activeFilter string) []Expense {
	needle := strings.ToLower(strings.TrimSpace(activeFilter))
	if needle == "" {
		return slices.Clone(list)
	}
	out := make([]Expense, 0, len(list))
	for _, e := range list {
		if e.Category == "" {
			continue
		}
		if strings.Contains(strings.ToLower(e.Category), needle) {
			out = append(out, e)
		}
	}
	return out
}

// Sort returns a new slice ordered by key. Ties keep their input order and
// an unknown key leaves the order unchanged.
func Sort(list []Expense, key SortKey) []Expense {
	out := slices.Clone(list)
	var less func(a, b Expense) int
	switch key {
	case SortDateDesc:
		less = func(a, b Expense) int { return b.Timestamp.Compare(a.Timestamp) }
	case SortDateAsc:
		less = func(a, b Expense) int { return a.Timestamp.Compare(b.Timestamp) }
	case SortAmountDesc:
		less = func(a, b Expense) int { return cmp.Compare(b.Amount.Cents, a.Amount.Cents) }
	case SortAmountAsc:
		less = func(a, b Expense) int { return cmp.Compare(a.Amount.Cents, b.Amount.Cents) }
	default:
		return out
	}
	slices.SortStableFunc(out, less)
	return out
}

// Total sums the amounts in cents.
func Total(list []Expense) Money {
	var sum Money
	for _, e := range list {
		sum = sum.Add(e.Amount)
	}
	return sum
}

// Rollup groups the whole list by category, largest total first. Groups with
// equal totals keep the order in which their category first appeared.
func Rollup(list []Expense) []CategoryRollup {
	index := make(map[string]int)
	var rollups []CategoryRollup
	for i := range list {
		e := &list[i]
		name := e.RollupName()
		pos, ok := index[name]
		if !ok {
			pos = len(rollups)
			index[name] = pos
			rollups = append(rollups, CategoryRollup{Name: name})
		}
		r := &rollups[pos]
		r.TotalSpent = r.TotalSpent.Add(e.Amount)
		r.ExpenseCount++
		r.Expenses = append(r.Expenses, e)
	}
	slices.SortStableFunc(rollups, func(a, b CategoryRollup) int {
		return cmp.Compare(b.TotalSpent.Cents, a.TotalSpent.Cents)
	})
	return rollups
}

// Derive computes the Expenses screen from the canonical list. It reads
// nothing but its arguments.
func Derive(list []Expense, version uint64, params ViewParams) ExpenseView {
	active := params.ActiveFilter()
	filtered := Filter(list, active)
	return ExpenseView{
		Version:      version,
		ActiveFilter: strings.TrimSpace(active),
		Sort:         params.Sort,
		Expenses:     Sort(filtered, params.Sort),
		Total:        Total(filtered),
	}
}

// Categories lists the distinct non-empty categories in first-seen order.
func Categories(list []Expense) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range list {
		if e.Category == "" {
			continue
		}
		if _, ok := seen[e.Category]; ok {
			continue
		}
		seen[e.Category] = struct{}{}
		out = append(out, e.Category)
	}
	return out
}

// SuggestCategories returns the categories containing typed, ignoring case.
// An empty typed value returns every category.
func SuggestCategories(categories []string, typed string) []string {
	if typed == "" {
		return slices.Clone(categories)
	}
	needle := strings.ToLower(typed)
	var out []string
	for _, c := range categories {
		if strings.Contains(strings.ToLower(c), needle) {
			out = append(out, c)
		}
	}
	return out
}
