package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action enumerates the kinds of audited stock changes.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionSale   Action = "SALE"
)

// ParseAction validates a wire action name.
func ParseAction(value string) (Action, error) {
	switch a := Action(value); a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionSale:
		return a, nil
	default:
		return "", fmt.Errorf("unknown history action %q", value)
	}
}

// HistoryEntry is an immutable audit record of a quantity or price change.
type HistoryEntry struct {
	ID              string
	StockID         int64
	Timestamp       time.Time
	OldQuantity     int
	NewQuantity     int
	OldPrice        float64
	NewPrice        float64
	Action          Action
	InvoiceRef      *int
	RegularQuantity int
	FreeQuantity    int
	Description     string
}

// NewHistoryEntry stamps a fresh entry with a random id and the given time,
// truncated to millisecond precision so local and remote copies compare equal.
func NewHistoryEntry(stockID int64, action Action, at time.Time) HistoryEntry {
	return HistoryEntry{
		ID:        uuid.NewString(),
		StockID:   stockID,
		Timestamp: at.UTC().Truncate(time.Millisecond),
		Action:    action,
	}
}

// DedupKey identifies entries describing the same logical change.
type DedupKey struct {
	StockID     int64
	Action      Action
	OldQuantity int
	NewQuantity int
	OldPrice    float64
	NewPrice    float64
}

// DedupKey returns the match key used before writing an entry remotely.
func (h HistoryEntry) DedupKey() DedupKey {
	return DedupKey{
		StockID:     h.StockID,
		Action:      h.Action,
		OldQuantity: h.OldQuantity,
		NewQuantity: h.NewQuantity,
		OldPrice:    h.OldPrice,
		NewPrice:    h.NewPrice,
	}
}

// DisplayKey identifies an entry in merged local+remote listings.
type DisplayKey struct {
	UnixMilli int64
	Action    Action
}

// DisplayKey returns the (timestamp, action) pair.
func (h HistoryEntry) DisplayKey() DisplayKey {
	return DisplayKey{UnixMilli: h.Timestamp.UnixMilli(), Action: h.Action}
}
