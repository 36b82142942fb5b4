package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/mamadbah2/stocksync/internal/domain/models"
)

const historyColumns = `id, stock_id, timestamp, old_quantity, new_quantity, old_price, new_price,
	action, invoice_ref, regular_quantity, free_quantity, description`

// InsertHistory appends an audit entry and queues it in the outbox for the
// remote store. Entries are immutable: re-inserting an existing id is
// silently ignored.
func (s *Store) InsertHistory(ctx context.Context, h models.HistoryEntry) error {
	return s.withTx(ctx, "insert history", func(tx *sql.Tx) error {
		for _, table := range []string{"stock_history", "history_outbox"} {
			if err := insertHistoryRow(ctx, tx, table, h); err != nil {
				return localErr("insert history", err)
			}
		}
		return nil
	})
}

// HistoryOutbox returns entries not yet confirmed by the remote store, oldest
// first. It still holds entries whose stock has been deleted.
func (s *Store) HistoryOutbox(ctx context.Context) ([]models.HistoryEntry, error) {
	return s.queryHistory(ctx, "history outbox", `
		SELECT `+historyColumns+` FROM history_outbox
		ORDER BY timestamp ASC, id ASC
	`)
}

// ClearHistoryOutbox drops an entry from the outbox once it is stored remotely.
func (s *Store) ClearHistoryOutbox(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history_outbox WHERE id = ?`, id); err != nil {
		return localErr("clear history outbox", err)
	}
	return nil
}

func insertHistoryRow(ctx context.Context, tx *sql.Tx, table string, h models.HistoryEntry) error {
	var invoice sql.NullInt64
	if h.InvoiceRef != nil {
		invoice = sql.NullInt64{Int64: int64(*h.InvoiceRef), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+table+` (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		h.ID,
		h.StockID,
		h.Timestamp.UTC().UnixMilli(),
		h.OldQuantity,
		h.NewQuantity,
		h.OldPrice,
		h.NewPrice,
		string(h.Action),
		invoice,
		h.RegularQuantity,
		h.FreeQuantity,
		h.Description,
	)
	return err
}

// HistoryForStock returns the entries of one stock line, newest first.
func (s *Store) HistoryForStock(ctx context.Context, stockID int64) ([]models.HistoryEntry, error) {
	return s.queryHistory(ctx, "history for stock", `
		SELECT `+historyColumns+` FROM stock_history
		WHERE stock_id = ?
		ORDER BY timestamp DESC, id ASC
	`, stockID)
}

// RecentHistory returns the latest entries across all stock lines.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryHistory(ctx, "recent history", `
		SELECT `+historyColumns+` FROM stock_history
		ORDER BY timestamp DESC, id ASC
		LIMIT ?
	`, limit)
}

// HistoryBetween returns entries whose timestamp falls in [from, to], newest first.
func (s *Store) HistoryBetween(ctx context.Context, from, to time.Time) ([]models.HistoryEntry, error) {
	return s.queryHistory(ctx, "history between", `
		SELECT `+historyColumns+` FROM stock_history
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC, id ASC
	`, from.UTC().UnixMilli(), to.UTC().UnixMilli())
}

func (s *Store) queryHistory(ctx context.Context, op, query string, args ...any) ([]models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, localErr(op, err)
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var (
			h       models.HistoryEntry
			millis  int64
			action  string
			invoice sql.NullInt64
		)
		if err := rows.Scan(
			&h.ID, &h.StockID, &millis,
			&h.OldQuantity, &h.NewQuantity, &h.OldPrice, &h.NewPrice,
			&action, &invoice, &h.RegularQuantity, &h.FreeQuantity, &h.Description,
		); err != nil {
			return nil, localErr(op+": scan", err)
		}
		h.Timestamp = time.UnixMilli(millis).UTC()
		h.Action = models.Action(action)
		if invoice.Valid {
			ref := int(invoice.Int64)
			h.InvoiceRef = &ref
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, localErr(op, err)
	}
	return out, nil
}
