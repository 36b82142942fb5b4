package remote

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mamadbah2/stocksync/internal/domain/models"
)

// StockDocument is the typed schema of a document in the stocks collection.
// The remote document id is not part of the body.
type StockDocument struct {
	LocalID     int64     `bson:"localId" json:"localId"`
	Name        string    `bson:"name" json:"name"`
	Price       float64   `bson:"price" json:"price"`
	Quantity    int       `bson:"quantity" json:"quantity"`
	Description string    `bson:"description" json:"description"`
	Category    string    `bson:"category" json:"category"`
	LastUpdated time.Time `bson:"lastUpdated" json:"lastUpdated"`
}

// RawStock is a stocks document as delivered by a listener or a query, before
// decoding. Decoding is deferred so a single malformed document can be skipped
// without failing the whole snapshot.
type RawStock struct {
	ID   string
	Body bson.Raw
}

// HistoryDocument is the typed schema of a document in the stock_history
// collection. The document id equals the entry id.
type HistoryDocument struct {
	ID              string    `bson:"_id" json:"id"`
	StockID         int64     `bson:"stockId" json:"stockId"`
	Timestamp       time.Time `bson:"timestamp" json:"timestamp"`
	OldQuantity     int       `bson:"oldQuantity" json:"oldQuantity"`
	NewQuantity     int       `bson:"newQuantity" json:"newQuantity"`
	OldPrice        float64   `bson:"oldPrice" json:"oldPrice"`
	NewPrice        float64   `bson:"newPrice" json:"newPrice"`
	Action          string    `bson:"action" json:"action"`
	InvoiceRef      *int      `bson:"invoiceRef,omitempty" json:"invoiceRef,omitempty"`
	RegularQuantity int       `bson:"regularQuantity" json:"regularQuantity"`
	FreeQuantity    int       `bson:"freeQuantity" json:"freeQuantity"`
	Description     string    `bson:"description" json:"description"`
}

// wireStock mirrors StockDocument with pointers so missing fields can be told
// apart from zero values while decoding.
type wireStock struct {
	LocalID     *int64     `bson:"localId"`
	Name        *string    `bson:"name"`
	Price       *float64   `bson:"price"`
	Quantity    *int       `bson:"quantity"`
	Description string     `bson:"description"`
	Category    string     `bson:"category"`
	LastUpdated *time.Time `bson:"lastUpdated"`
}

// EncodeStock builds the remote document for a local record.
func EncodeStock(rec models.StockRecord, now time.Time) (StockDocument, error) {
	category := rec.Category
	if category == "" {
		category = models.CategoryUncategorized
	}
	doc := StockDocument{
		LocalID:     rec.LocalID,
		Name:        rec.Name,
		Price:       rec.Price,
		Quantity:    rec.Quantity,
		Description: rec.Description,
		Category:    string(category),
		LastUpdated: now.UTC().Truncate(time.Millisecond),
	}
	if err := doc.Validate(); err != nil {
		return StockDocument{}, fmt.Errorf("encode stock %d: %w", rec.LocalID, err)
	}
	return doc, nil
}

// Validate checks the document invariants shared by the write and read paths.
// Quantity is not range-checked: the remote store is the reconciliation
// authority and may legitimately carry oversold stock.
func (d StockDocument) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("name must not be empty")
	}
	if math.IsNaN(d.Price) || math.IsInf(d.Price, 0) {
		return fmt.Errorf("price %v is not a finite number", d.Price)
	}
	if d.Price < 0 {
		return fmt.Errorf("price %v must not be negative", d.Price)
	}
	if d.LocalID < 0 {
		return fmt.Errorf("localId %d must not be negative", d.LocalID)
	}
	if _, err := models.ParseCategory(d.Category); err != nil {
		return err
	}
	return nil
}

// Record converts the document into a local record bound to id.
func (d StockDocument) Record(id string) models.StockRecord {
	category, err := models.ParseCategory(d.Category)
	if err != nil {
		category = models.CategoryUncategorized
	}
	return models.StockRecord{
		LocalID:     d.LocalID,
		RemoteID:    models.SomeRemoteID(id),
		Name:        d.Name,
		Price:       d.Price,
		Quantity:    d.Quantity,
		Description: d.Description,
		Category:    category,
	}
}

// DecodeStock parses and validates a raw stocks document. Failures wrap
// models.ErrReconciliationParse.
func DecodeStock(raw RawStock) (StockDocument, error) {
	if raw.ID == "" {
		return StockDocument{}, fmt.Errorf("%w: missing document id", models.ErrReconciliationParse)
	}

	var wire wireStock
	if err := bson.Unmarshal(raw.Body, &wire); err != nil {
		return StockDocument{}, fmt.Errorf("%w: document %s: %v", models.ErrReconciliationParse, raw.ID, err)
	}

	switch {
	case wire.Name == nil:
		return StockDocument{}, fmt.Errorf("%w: document %s: missing name", models.ErrReconciliationParse, raw.ID)
	case wire.Price == nil:
		return StockDocument{}, fmt.Errorf("%w: document %s: missing price", models.ErrReconciliationParse, raw.ID)
	case wire.Quantity == nil:
		return StockDocument{}, fmt.Errorf("%w: document %s: missing quantity", models.ErrReconciliationParse, raw.ID)
	}

	doc := StockDocument{
		Name:        *wire.Name,
		Price:       *wire.Price,
		Quantity:    *wire.Quantity,
		Description: wire.Description,
		Category:    wire.Category,
	}
	if wire.LocalID != nil {
		doc.LocalID = *wire.LocalID
	}
	if wire.LastUpdated != nil {
		doc.LastUpdated = wire.LastUpdated.UTC()
	}
	if doc.Category == "" {
		doc.Category = string(models.CategoryUncategorized)
	}

	if err := doc.Validate(); err != nil {
		return StockDocument{}, fmt.Errorf("%w: document %s: %v", models.ErrReconciliationParse, raw.ID, err)
	}
	return doc, nil
}

// MarshalStock renders a document body, as stored by a backend.
func MarshalStock(id string, doc StockDocument) (RawStock, error) {
	body, err := bson.Marshal(doc)
	if err != nil {
		return RawStock{}, fmt.Errorf("marshal stock %s: %w", id, err)
	}
	return RawStock{ID: id, Body: body}, nil
}

// EncodeHistory builds the remote document for an audit entry.
func EncodeHistory(h models.HistoryEntry) HistoryDocument {
	return HistoryDocument{
		ID:              h.ID,
		StockID:         h.StockID,
		Timestamp:       h.Timestamp.UTC().Truncate(time.Millisecond),
		OldQuantity:     h.OldQuantity,
		NewQuantity:     h.NewQuantity,
		OldPrice:        h.OldPrice,
		NewPrice:        h.NewPrice,
		Action:          string(h.Action),
		InvoiceRef:      h.InvoiceRef,
		RegularQuantity: h.RegularQuantity,
		FreeQuantity:    h.FreeQuantity,
		Description:     h.Description,
	}
}

// DecodeHistory validates a history document and converts it to an entry.
func DecodeHistory(doc HistoryDocument) (models.HistoryEntry, error) {
	if doc.ID == "" {
		return models.HistoryEntry{}, fmt.Errorf("%w: history document without id", models.ErrReconciliationParse)
	}
	if doc.Timestamp.IsZero() {
		return models.HistoryEntry{}, fmt.Errorf("%w: history %s: missing timestamp", models.ErrReconciliationParse, doc.ID)
	}
	action, err := models.ParseAction(doc.Action)
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("%w: history %s: %v", models.ErrReconciliationParse, doc.ID, err)
	}
	return models.HistoryEntry{
		ID:              doc.ID,
		StockID:         doc.StockID,
		Timestamp:       doc.Timestamp.UTC(),
		OldQuantity:     doc.OldQuantity,
		NewQuantity:     doc.NewQuantity,
		OldPrice:        doc.OldPrice,
		NewPrice:        doc.NewPrice,
		Action:          action,
		InvoiceRef:      doc.InvoiceRef,
		RegularQuantity: doc.RegularQuantity,
		FreeQuantity:    doc.FreeQuantity,
		Description:     doc.Description,
	}, nil
}

// MatchesKey reports whether the document carries the given dedup key.
func (d HistoryDocument) MatchesKey(key models.DedupKey) bool {
	return d.StockID == key.StockID &&
		d.Action == string(key.Action) &&
		d.OldQuantity == key.OldQuantity &&
		d.NewQuantity == key.NewQuantity &&
		d.OldPrice == key.OldPrice &&
		d.NewPrice == key.NewPrice
}
