package handlers

import (
	"time"

	"github.com/mamadbah2/stocksync/internal/domain/models"
)

type stockRequest struct {
	Name        string  `json:"name" binding:"required"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
}

func (r stockRequest) record(localID int64) (models.StockRecord, error) {
	category, err := models.ParseCategory(r.Category)
	if err != nil {
		return models.StockRecord{}, err
	}
	return models.StockRecord{
		LocalID:     localID,
		Name:        r.Name,
		Price:       r.Price,
		Quantity:    r.Quantity,
		Description: r.Description,
		Category:    category,
	}, nil
}

type saleRequest struct {
	Regular    int  `json:"regular"`
	Free       int  `json:"free"`
	InvoiceRef *int `json:"invoice_ref"`
}

type stockResponse struct {
	ID          int64   `json:"id"`
	RemoteID    string  `json:"remote_id,omitempty"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Value       float64 `json:"value"`
}

func toStockResponse(r models.StockRecord) stockResponse {
	return stockResponse{
		ID:          r.LocalID,
		RemoteID:    r.RemoteID.String(),
		Name:        r.Name,
		Price:       r.Price,
		Quantity:    r.Quantity,
		Description: r.Description,
		Category:    string(r.Category),
		Value:       r.Value(),
	}
}

func toStockResponses(records []models.StockRecord) []stockResponse {
	out := make([]stockResponse, 0, len(records))
	for _, r := range records {
		out = append(out, toStockResponse(r))
	}
	return out
}

type historyResponse struct {
	ID              string    `json:"id"`
	StockID         int64     `json:"stock_id"`
	Timestamp       time.Time `json:"timestamp"`
	Action          string    `json:"action"`
	OldQuantity     int       `json:"old_quantity"`
	NewQuantity     int       `json:"new_quantity"`
	OldPrice        float64   `json:"old_price"`
	NewPrice        float64   `json:"new_price"`
	InvoiceRef      *int      `json:"invoice_ref,omitempty"`
	RegularQuantity int       `json:"regular_quantity,omitempty"`
	FreeQuantity    int       `json:"free_quantity,omitempty"`
	Description     string    `json:"description,omitempty"`
}

func toHistoryResponses(entries []models.HistoryEntry) []historyResponse {
	out := make([]historyResponse, 0, len(entries))
	for _, h := range entries {
		out = append(out, historyResponse{
			ID:              h.ID,
			StockID:         h.StockID,
			Timestamp:       h.Timestamp,
			Action:          string(h.Action),
			OldQuantity:     h.OldQuantity,
			NewQuantity:     h.NewQuantity,
			OldPrice:        h.OldPrice,
			NewPrice:        h.NewPrice,
			InvoiceRef:      h.InvoiceRef,
			RegularQuantity: h.RegularQuantity,
			FreeQuantity:    h.FreeQuantity,
			Description:     h.Description,
		})
	}
	return out
}

type summaryResponse struct {
	Items      int             `json:"items"`
	TotalUnits int             `json:"total_units"`
	TotalValue float64         `json:"total_value"`
	Threshold  int             `json:"threshold"`
	LowStock   []stockResponse `json:"low_stock"`
}
