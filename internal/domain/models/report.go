package models

import "time"

// StockReport represents the aggregated stock position stored in MongoDB.
type StockReport struct {
	Date       time.Time `bson:"date" json:"date"`
	Items      int       `bson:"items" json:"items"`
	TotalUnits int       `bson:"total_units" json:"total_units"`
	TotalValue float64   `bson:"total_value" json:"total_value"`
	LowStock   []string  `bson:"low_stock" json:"low_stock"`
	Threshold  int       `bson:"threshold" json:"threshold"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}
