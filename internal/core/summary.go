package core

// RecentLimit is how many expenses the dashboard lists.
const RecentLimit = 5

// DashboardSummary is a compact overview of the whole list.
type DashboardSummary struct {
	Version uint64
	Total   Money
	Count   int
	Average Money // per transaction, zero when the list is empty
	Recent  []Expense
}

// Summarize builds the dashboard overview. The list is not reordered.
func Summarize(list []Expense, version uint64) DashboardSummary {
	total := Total(list)
	recent := Sort(list, SortDateDesc)
	if len(recent) > RecentLimit {
		recent = recent[:RecentLimit]
	}
	return DashboardSummary{
		Version: version,
		Total:   total,
		Count:   len(list),
		Average: total.DivRound(len(list)),
		Recent:  recent,
	}
}
