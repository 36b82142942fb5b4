package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Category enumerates product families sold at the counter.
type Category string

const (
	CategoryUncategorized   Category = "UNCATEGORIZED"
	CategorySoapBar         Category = "SOAP_BAR"
	CategoryDetergentPowder Category = "DETERGENT_POWDER"
)

// String returns the display name of the category.
func (c Category) String() string {
	switch c {
	case CategorySoapBar:
		return "Soap Bar"
	case CategoryDetergentPowder:
		return "Detergent Powder"
	default:
		return "Uncategorized"
	}
}

// ParseCategory accepts either the wire name (SOAP_BAR) or the display name
// (Soap Bar), case-insensitively. An empty value maps to CategoryUncategorized.
func ParseCategory(value string) (Category, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", "uncategorized":
		return CategoryUncategorized, nil
	case "soap_bar", "soap bar":
		return CategorySoapBar, nil
	case "detergent_powder", "detergent powder":
		return CategoryDetergentPowder, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, value)
	}
}

// RemoteID is the optional remote document identity of a stock record.
// The zero value means the record has never been synced.
type RemoteID struct {
	id    string
	valid bool
}

// SomeRemoteID wraps a document id. An empty id yields the unset value.
func SomeRemoteID(id string) RemoteID {
	if id == "" {
		return RemoteID{}
	}
	return RemoteID{id: id, valid: true}
}

// Get returns the id and whether it is set.
func (r RemoteID) Get() (string, bool) {
	return r.id, r.valid
}

// IsSet reports whether the record has been synced at least once.
func (r RemoteID) IsSet() bool {
	return r.valid
}

// String returns the id, or an empty string when unset. Intended for logs.
func (r RemoteID) String() string {
	return r.id
}

// StockRecord is one inventory line owned by the local store.
type StockRecord struct {
	LocalID     int64
	RemoteID    RemoteID
	Name        string
	Price       float64
	Quantity    int
	Description string
	Category    Category
	// Dirty counts local edits the remote store has not confirmed yet.
	// Zero when the remote document matches the row.
	Dirty int64
}

// Validate checks the invariants enforced on writes coming from the counter.
func (s StockRecord) Validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return fmt.Errorf("%w: name must not be empty", ErrInvalidStock)
	case math.IsNaN(s.Price) || math.IsInf(s.Price, 0):
		return fmt.Errorf("%w: price must be a finite number", ErrInvalidStock)
	case s.Price < 0:
		return fmt.Errorf("%w: price must not be negative", ErrInvalidStock)
	case s.Quantity < 0:
		return fmt.Errorf("%w: quantity must not be negative", ErrInvalidStock)
	}
	if _, err := ParseCategory(string(s.Category)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStock, err)
	}
	return nil
}

// Value returns the stock value of the line (price x quantity).
func (s StockRecord) Value() float64 {
	return s.Price * float64(s.Quantity)
}

// PendingDelete is a locally deleted line whose remote document has not been
// removed yet.
type PendingDelete struct {
	RemoteID  string
	LocalID   int64
	DeletedAt time.Time
}

// Sale describes units leaving the shop for one stock line on an invoice.
type Sale struct {
	LocalID         int64
	RegularQuantity int
	FreeQuantity    int
	InvoiceRef      *int
}

// Total returns the number of units that leave stock.
func (s Sale) Total() int {
	return s.RegularQuantity + s.FreeQuantity
}
