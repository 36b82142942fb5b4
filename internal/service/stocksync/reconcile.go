package stocksync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
	"github.com/mamadbah2/stocksync/internal/metrics"
	"github.com/mamadbah2/stocksync/internal/repository/remote"
	"github.com/mamadbah2/stocksync/internal/service/guard"
)

// ReconcileResult counts what one pass changed locally.
type ReconcileResult struct {
	Inserted  int
	Updated   int
	Deleted   int
	Unchanged int
	Skipped   int
	// Deferred counts rows kept as they are because local edits are still
	// waiting for the remote store.
	Deferred int
}

// Reconcile merges a full snapshot of the remote stocks collection into the
// local store:
//   - documents matched by remote id, or by embedded localId on a row that is
//     still unsynced, overwrite the local row (last writer wins);
//   - unmatched documents become new local rows, and the new local id is
//     written back to the document in the background;
//   - synced rows whose remote id is missing from the snapshot are deleted;
//   - malformed documents are skipped but still count as present;
//   - documents deleted on this device but not yet remotely are ignored.
//
// Unsynced rows are never touched and no history is written. Dirty rows keep
// their local fields: their pending write will replace the document. Local
// failures abort the pass.
func (e *Engine) Reconcile(ctx context.Context, snapshot []remote.RawStock) (ReconcileResult, error) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	started := time.Now()
	var res ReconcileResult

	present := make(map[string]struct{}, len(snapshot))
	for _, raw := range snapshot {
		if raw.ID != "" {
			present[raw.ID] = struct{}{}
			e.mints.Delete(raw.ID)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pending, err := e.local.PendingDeletes(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	deleted := make(map[string]struct{}, len(pending))
	for _, pd := range pending {
		deleted[pd.RemoteID] = struct{}{}
	}

	for _, raw := range snapshot {
		if _, ok := deleted[raw.ID]; ok {
			res.Skipped++
			continue
		}
		if err := e.applyDocument(ctx, raw, &res); err != nil {
			return res, err
		}
	}

	synced, err := e.local.ListSynced(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	for _, rec := range synced {
		remoteID, _ := rec.RemoteID.Get()
		if _, ok := present[remoteID]; ok {
			continue
		}
		if _, fresh := e.mints.Get(remoteID); fresh {
			continue
		}
		if rec.Dirty > 0 {
			// The pending overwrite recreates the document.
			res.Deferred++
			e.logger.Warn("stock removed remotely while edited here, keeping local edit",
				zap.Int64("local_id", rec.LocalID), zap.String("remote_id", remoteID))
			continue
		}
		if err := e.local.DeleteStock(ctx, rec.LocalID); err != nil && !errors.Is(err, models.ErrStockNotFound) {
			return res, fmt.Errorf("reconcile: remove orphan %d: %w", rec.LocalID, err)
		}
		res.Deleted++
		e.logger.Info("stock removed remotely", zap.Int64("local_id", rec.LocalID), zap.String("remote_id", remoteID))
	}

	metrics.ObserveReconcile(time.Since(started), res.Inserted, res.Updated, res.Deleted, res.Skipped)
	e.logger.Debug("reconcile pass finished",
		zap.Int("documents", len(snapshot)),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("skipped", res.Skipped),
		zap.Int("deferred", res.Deferred),
		zap.Duration("took", time.Since(started)),
	)
	return res, nil
}

func (e *Engine) applyDocument(ctx context.Context, raw remote.RawStock, res *ReconcileResult) error {
	doc, err := remote.DecodeStock(raw)
	if err != nil {
		res.Skipped++
		e.logger.Warn("skip malformed stock document", zap.String("remote_id", raw.ID), zap.Error(err))
		return nil
	}
	if _, deleted := e.tombstones.Get(raw.ID); deleted {
		res.Skipped++
		return nil
	}
	if doc.Quantity < 0 {
		e.logger.Warn("remote stock has negative quantity", zap.String("remote_id", raw.ID), zap.Int("quantity", doc.Quantity))
	}

	existing, found, err := e.match(ctx, raw.ID, doc.LocalID)
	if err != nil {
		return err
	}

	incoming := doc.Record(raw.ID)
	if !found {
		incoming.LocalID = 0
		id, err := e.local.InsertStock(ctx, incoming)
		if err != nil {
			return fmt.Errorf("reconcile: adopt %s: %w", raw.ID, err)
		}
		res.Inserted++
		e.logger.Info("stock adopted from remote", zap.Int64("local_id", id), zap.String("remote_id", raw.ID))
		e.scheduleLocalIDWriteBack(raw.ID, id, doc)
		return nil
	}

	incoming.LocalID = existing.LocalID
	if existing.Dirty > 0 {
		if !existing.RemoteID.IsSet() {
			if err := e.bind(ctx, existing.LocalID, raw.ID); err != nil {
				return err
			}
			e.schedulePush(existing.LocalID)
		}
		res.Deferred++
		e.logger.Debug("keep locally edited stock", zap.Int64("local_id", existing.LocalID), zap.Int64("dirty", existing.Dirty))
		return nil
	}
	if existing.RemoteID.IsSet() && sameFields(existing, incoming) {
		res.Unchanged++
		return nil
	}

	if err := e.local.UpdateStock(ctx, incoming); err != nil {
		return fmt.Errorf("reconcile: overwrite %d: %w", existing.LocalID, err)
	}
	if !existing.RemoteID.IsSet() {
		if err := e.bind(ctx, existing.LocalID, raw.ID); err != nil {
			return err
		}
	}
	res.Updated++
	return nil
}

// bind assigns a remote id found during reconcile. Conflicts are logged, not
// fatal.
func (e *Engine) bind(ctx context.Context, localID int64, remoteID string) error {
	err := e.mapper.Assign(ctx, localID, remoteID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrIdentityConflict) {
		return fmt.Errorf("reconcile: bind %d: %w", localID, err)
	}
	e.logger.Warn("identity conflict during reconcile", zap.Int64("local_id", localID), zap.String("remote_id", remoteID), zap.Error(err))
	return nil
}

// match finds the local row a document belongs to: first by remote id, then
// by the document's embedded localId when that row has not been synced yet.
func (e *Engine) match(ctx context.Context, remoteID string, embedded int64) (models.StockRecord, bool, error) {
	localID, found, err := e.mapper.LookupLocal(ctx, remoteID)
	if err != nil {
		return models.StockRecord{}, false, fmt.Errorf("reconcile: lookup %s: %w", remoteID, err)
	}
	if !found {
		if embedded <= 0 {
			return models.StockRecord{}, false, nil
		}
		localID = embedded
	}

	rec, err := e.local.GetStock(ctx, localID)
	if errors.Is(err, models.ErrStockNotFound) {
		return models.StockRecord{}, false, nil
	}
	if err != nil {
		return models.StockRecord{}, false, fmt.Errorf("reconcile: load %d: %w", localID, err)
	}
	if !found && rec.RemoteID.IsSet() {
		return models.StockRecord{}, false, nil
	}
	return rec, true, nil
}

// scheduleLocalIDWriteBack stamps an adopted document with its new local id.
func (e *Engine) scheduleLocalIDWriteBack(remoteID string, localID int64, doc remote.StockDocument) {
	doc.LocalID = localID
	e.pool.Submit(stockKey(localID), func(ctx context.Context) {
		_ = e.guard.Do(ctx, "write_back_local_id", func(ctx context.Context) error {
			return e.remote.SetStock(ctx, remoteID, doc)
		})
	})
}

func sameFields(a, b models.StockRecord) bool {
	return a.Name == b.Name &&
		a.Price == b.Price &&
		a.Quantity == b.Quantity &&
		a.Description == b.Description &&
		a.Category == b.Category
}

// Resync reads the whole remote collection once and reconciles it. Offline it
// does nothing. Used by the scheduler as a catch-up when no listener runs.
func (e *Engine) Resync(ctx context.Context) (ReconcileResult, error) {
	snapshot, err := guard.Call(ctx, e.guard, "stocks", e.remote.Stocks)
	if err != nil {
		return ReconcileResult{}, nil
	}
	return e.Reconcile(ctx, snapshot)
}
