package stocksync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
)

// Get returns one record.
func (e *Engine) Get(ctx context.Context, localID int64) (models.StockRecord, error) {
	return e.local.GetStock(ctx, localID)
}

// List returns the current records matching q.
func (e *Engine) List(ctx context.Context, q models.StockQuery) ([]models.StockRecord, error) {
	records, err := e.local.ListStocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stocks: %w", err)
	}
	return q.Apply(records), nil
}

// Stocks streams the records matching q: once immediately, then after every
// local change. A slow reader only sees the latest list. The channel closes
// when ctx is done.
func (e *Engine) Stocks(ctx context.Context, q models.StockQuery) <-chan []models.StockRecord {
	out := make(chan []models.StockRecord, 1)
	changes, unsubscribe := e.local.Subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()

		emit := func() {
			records, err := e.List(ctx, q)
			if err != nil {
				e.logger.Error("refresh stock list", zap.Error(err))
				return
			}
			select {
			case <-out:
			default:
			}
			out <- records
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				emit()
			}
		}
	}()
	return out
}

// Summary reports low-stock lines and totals. A threshold <= 0 uses the
// configured default.
func (e *Engine) Summary(ctx context.Context, threshold int) (models.StockSummary, error) {
	if threshold <= 0 {
		threshold = e.opts.LowStockThreshold
	}
	records, err := e.local.ListStocks(ctx)
	if err != nil {
		return models.StockSummary{}, fmt.Errorf("summarize stocks: %w", err)
	}
	return models.Summarize(records, threshold), nil
}

// LowStockThreshold returns the configured default threshold.
func (e *Engine) LowStockThreshold() int {
	return e.opts.LowStockThreshold
}
