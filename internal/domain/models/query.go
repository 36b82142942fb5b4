package models

import (
	"sort"
	"strings"
)

// SortOrder selects the ordering of the stock read model.
type SortOrder string

const (
	SortByName     SortOrder = "NAME"
	SortByPrice    SortOrder = "PRICE"
	SortByQuantity SortOrder = "QUANTITY"
)

// ParseSortOrder maps user input to a SortOrder, defaulting to SortByName.
func ParseSortOrder(value string) SortOrder {
	switch SortOrder(strings.ToUpper(strings.TrimSpace(value))) {
	case SortByPrice:
		return SortByPrice
	case SortByQuantity:
		return SortByQuantity
	default:
		return SortByName
	}
}

// StockQuery filters and orders the stock read model.
type StockQuery struct {
	Search string
	Sort   SortOrder
}

// Apply returns the matching records in the requested order. The input slice
// is not modified.
func (q StockQuery) Apply(records []StockRecord) []StockRecord {
	needle := strings.ToLower(strings.TrimSpace(q.Search))
	out := make([]StockRecord, 0, len(records))
	for _, r := range records {
		if needle != "" && !strings.Contains(strings.ToLower(r.Name), needle) {
			continue
		}
		out = append(out, r)
	}

	var less func(a, b StockRecord) bool
	switch q.Sort {
	case SortByPrice:
		less = func(a, b StockRecord) bool { return a.Price < b.Price }
	case SortByQuantity:
		less = func(a, b StockRecord) bool { return a.Quantity < b.Quantity }
	default:
		less = func(a, b StockRecord) bool { return a.Name < b.Name }
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// StockSummary aggregates the current stock for the counter dashboard.
type StockSummary struct {
	LowStock   []StockRecord
	TotalValue float64
	TotalUnits int
	Items      int
}

// Summarize computes low-stock lines (quantity <= threshold) and totals.
func Summarize(records []StockRecord, threshold int) StockSummary {
	summary := StockSummary{Items: len(records)}
	for _, r := range records {
		summary.TotalValue += r.Value()
		summary.TotalUnits += r.Quantity
		if r.Quantity <= threshold {
			summary.LowStock = append(summary.LowStock, r)
		}
	}
	return summary
}
