package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mamadbah2/stocksync/internal/domain/models"
)

const stockColumns = `local_id, remote_id, name, price, quantity, description, category, dirty`

// InsertStock stores a new stock line and returns its freshly assigned local id.
// The record's LocalID is ignored. A set RemoteID is stored as is; this is how
// reconciliation adopts documents created on another device.
func (s *Store) InsertStock(ctx context.Context, rec models.StockRecord) (int64, error) {
	var id int64
	err := s.withTx(ctx, "insert stock", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO stocks (remote_id, name, price, quantity, description, category)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			nullableRemoteID(rec.RemoteID),
			rec.Name,
			rec.Price,
			rec.Quantity,
			rec.Description,
			string(categoryOrDefault(rec.Category)),
		)
		if err != nil {
			return localErr("insert stock", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return localErr("insert stock: last insert id", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateStock overwrites the mutable fields of an existing line with values
// that came from the remote store. The remote id and the dirty counter are
// never written here; see SetRemoteID and EditStock.
func (s *Store) UpdateStock(ctx context.Context, rec models.StockRecord) error {
	return s.updateStock(ctx, "update stock", rec, "")
}

// EditStock is UpdateStock for changes made on this device: it also bumps the
// dirty counter, so the line stays pending until ClearDirty confirms the
// remote write.
func (s *Store) EditStock(ctx context.Context, rec models.StockRecord) error {
	return s.updateStock(ctx, "edit stock", rec, ", dirty = dirty + 1")
}

func (s *Store) updateStock(ctx context.Context, op string, rec models.StockRecord, extra string) error {
	return s.withTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE stocks
			SET name = ?, price = ?, quantity = ?, description = ?, category = ?`+extra+`
			WHERE local_id = ?
		`,
			rec.Name,
			rec.Price,
			rec.Quantity,
			rec.Description,
			string(categoryOrDefault(rec.Category)),
			rec.LocalID,
		)
		if err != nil {
			return localErr(op, err)
		}
		return requireAffected(res, op, rec.LocalID)
	})
}

// ClearDirty marks a line as in sync, but only if no edit happened since the
// pushed state was read (dirty still equals seen). It reports whether the
// counter was reset.
func (s *Store) ClearDirty(ctx context.Context, localID, seen int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE stocks SET dirty = 0 WHERE local_id = ? AND dirty = ?`, localID, seen)
	if err != nil {
		return false, localErr("clear dirty", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, localErr("clear dirty: rows affected", err)
	}
	return n > 0, nil
}

// DeleteStock removes a line. Its history rows go with it (ON DELETE CASCADE).
func (s *Store) DeleteStock(ctx context.Context, localID int64) error {
	return s.withTx(ctx, "delete stock", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM stocks WHERE local_id = ?`, localID)
		if err != nil {
			return localErr("delete stock", err)
		}
		return requireAffected(res, "delete stock", localID)
	})
}

// TombstoneStock deletes a synced line and records, in the same transaction,
// that its remote document still has to be removed. The record stays in
// pending_deletes until ClearPendingDelete.
func (s *Store) TombstoneStock(ctx context.Context, localID int64, remoteID string, at time.Time) error {
	return s.withTx(ctx, "tombstone stock", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_deletes (remote_id, local_id, deleted_at)
			VALUES (?, ?, ?)
			ON CONFLICT(remote_id) DO NOTHING
		`, remoteID, localID, at.UTC().UnixMilli()); err != nil {
			return localErr("tombstone stock", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM stocks WHERE local_id = ?`, localID)
		if err != nil {
			return localErr("tombstone stock", err)
		}
		return requireAffected(res, "tombstone stock", localID)
	})
}

// PendingDeletes lists remote documents deleted locally but not yet remotely,
// oldest first.
func (s *Store) PendingDeletes(ctx context.Context) ([]models.PendingDelete, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT remote_id, local_id, deleted_at FROM pending_deletes ORDER BY deleted_at ASC`)
	if err != nil {
		return nil, localErr("pending deletes", err)
	}
	defer rows.Close()

	var out []models.PendingDelete
	for rows.Next() {
		var (
			pd     models.PendingDelete
			millis int64
		)
		if err := rows.Scan(&pd.RemoteID, &pd.LocalID, &millis); err != nil {
			return nil, localErr("pending deletes: scan", err)
		}
		pd.DeletedAt = time.UnixMilli(millis).UTC()
		out = append(out, pd)
	}
	if err := rows.Err(); err != nil {
		return nil, localErr("pending deletes", err)
	}
	return out, nil
}

// ClearPendingDelete forgets a remote delete once the store confirmed it.
func (s *Store) ClearPendingDelete(ctx context.Context, remoteID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_deletes WHERE remote_id = ?`, remoteID); err != nil {
		return localErr("clear pending delete", err)
	}
	return nil
}

// GetStock reads one line. Returns models.ErrStockNotFound if absent.
func (s *Store) GetStock(ctx context.Context, localID int64) (models.StockRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stockColumns+` FROM stocks WHERE local_id = ?`, localID)
	rec, err := scanStock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StockRecord{}, fmt.Errorf("get stock %d: %w", localID, models.ErrStockNotFound)
	}
	if err != nil {
		return models.StockRecord{}, localErr("get stock", err)
	}
	return rec, nil
}

// ListStocks returns every line ordered by name.
func (s *Store) ListStocks(ctx context.Context) ([]models.StockRecord, error) {
	return s.queryStocks(ctx, "list stocks", `SELECT `+stockColumns+` FROM stocks ORDER BY name ASC, local_id ASC`)
}

// ListPending returns lines the remote store has not caught up with: never
// written remotely, or edited since the last confirmed write.
func (s *Store) ListPending(ctx context.Context) ([]models.StockRecord, error) {
	return s.queryStocks(ctx, "list pending stocks", `SELECT `+stockColumns+` FROM stocks WHERE remote_id IS NULL OR dirty > 0 ORDER BY local_id ASC`)
}

// ListSynced returns lines that carry a remote id.
func (s *Store) ListSynced(ctx context.Context) ([]models.StockRecord, error) {
	return s.queryStocks(ctx, "list synced stocks", `SELECT `+stockColumns+` FROM stocks WHERE remote_id IS NOT NULL ORDER BY local_id ASC`)
}

// RemoteIDOf returns the remote identity of a line (unset if never synced).
func (s *Store) RemoteIDOf(ctx context.Context, localID int64) (models.RemoteID, error) {
	var remote sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT remote_id FROM stocks WHERE local_id = ?`, localID).Scan(&remote)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RemoteID{}, fmt.Errorf("remote id of %d: %w", localID, models.ErrStockNotFound)
	}
	if err != nil {
		return models.RemoteID{}, localErr("remote id lookup", err)
	}
	if !remote.Valid {
		return models.RemoteID{}, nil
	}
	return models.SomeRemoteID(remote.String), nil
}

// LocalIDOf resolves a remote document id through the unique remote_id index.
func (s *Store) LocalIDOf(ctx context.Context, remoteID string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT local_id FROM stocks WHERE remote_id = ?`, remoteID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, localErr("local id lookup", err)
	}
	return id, true, nil
}

// SetRemoteID binds a remote id to a line that has none yet (or already has
// the same one). It reports whether the stored value now equals remoteID; a
// row bound to a different id is left untouched and reported as false.
func (s *Store) SetRemoteID(ctx context.Context, localID int64, remoteID string) (bool, error) {
	var bound bool
	err := s.withTx(ctx, "set remote id", func(tx *sql.Tx) error {
		var current sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT remote_id FROM stocks WHERE local_id = ?`, localID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("set remote id of %d: %w", localID, models.ErrStockNotFound)
		}
		if err != nil {
			return localErr("set remote id", err)
		}

		switch {
		case current.Valid && current.String == remoteID:
			bound = true
			return nil
		case current.Valid:
			bound = false
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE stocks SET remote_id = ? WHERE local_id = ?`, remoteID, localID); err != nil {
			return localErr("set remote id", err)
		}
		bound = true
		return nil
	})
	return bound, err
}

func (s *Store) queryStocks(ctx context.Context, op, query string, args ...any) ([]models.StockRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, localErr(op, err)
	}
	defer rows.Close()

	var out []models.StockRecord
	for rows.Next() {
		rec, err := scanStock(rows)
		if err != nil {
			return nil, localErr(op+": scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, localErr(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStock(row rowScanner) (models.StockRecord, error) {
	var (
		rec      models.StockRecord
		remote   sql.NullString
		category string
	)
	if err := row.Scan(&rec.LocalID, &remote, &rec.Name, &rec.Price, &rec.Quantity, &rec.Description, &category, &rec.Dirty); err != nil {
		return models.StockRecord{}, err
	}
	if remote.Valid {
		rec.RemoteID = models.SomeRemoteID(remote.String)
	}
	rec.Category = models.Category(category)
	return rec, nil
}

func nullableRemoteID(id models.RemoteID) sql.NullString {
	value, ok := id.Get()
	return sql.NullString{String: value, Valid: ok}
}

func categoryOrDefault(c models.Category) models.Category {
	if c == "" {
		return models.CategoryUncategorized
	}
	return c
}

func requireAffected(res sql.Result, op string, localID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return localErr(op+": rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", op, localID, models.ErrStockNotFound)
	}
	return nil
}
