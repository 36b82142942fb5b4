// Package stocksync keeps the local stock record set consistent with the
// shared remote document store.
//
// Every mutation is applied to the local store synchronously and audited by
// the history recorder; the equivalent remote write is scheduled in the
// background and never fails the caller. Work the remote store did not
// accept is persisted locally (unsynced or dirty rows, pending deletes, the
// history outbox) and replayed by PushPending, which Listen runs before every
// subscription. Reconciliation never overwrites a row with unconfirmed
// local edits.
//
// Thread-safety model:
//   - Local mutations (Insert, Update, Delete, RecordSale, Reconcile) are
//     serialized by one mutex, so read-modify-write sequences are atomic.
//   - Remote writes for one record run in submission order on the pool.
//   - Reconcile passes run one at a time.
package stocksync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
	"github.com/mamadbah2/stocksync/internal/repository/remote"
	"github.com/mamadbah2/stocksync/internal/service/guard"
	"github.com/mamadbah2/stocksync/internal/service/history"
	"github.com/mamadbah2/stocksync/internal/service/identity"
	"github.com/mamadbah2/stocksync/internal/service/remotework"
)

// DefaultLowStockThreshold is the quantity at or below which a line is low.
const DefaultLowStockThreshold = 5

// LocalStore is the slice of the local store the engine needs.
type LocalStore interface {
	InsertStock(ctx context.Context, rec models.StockRecord) (int64, error)
	UpdateStock(ctx context.Context, rec models.StockRecord) error
	EditStock(ctx context.Context, rec models.StockRecord) error
	ClearDirty(ctx context.Context, localID, seen int64) (bool, error)
	DeleteStock(ctx context.Context, localID int64) error
	TombstoneStock(ctx context.Context, localID int64, remoteID string, at time.Time) error
	PendingDeletes(ctx context.Context) ([]models.PendingDelete, error)
	ClearPendingDelete(ctx context.Context, remoteID string) error
	GetStock(ctx context.Context, localID int64) (models.StockRecord, error)
	ListStocks(ctx context.Context) ([]models.StockRecord, error)
	ListPending(ctx context.Context) ([]models.StockRecord, error)
	ListSynced(ctx context.Context) ([]models.StockRecord, error)
	Subscribe() (<-chan struct{}, func())
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Local    LocalStore
	Remote   remote.Store
	Mapper   *identity.Mapper
	Recorder *history.Recorder
	Guard    *guard.Guard
	Pool     *remotework.Pool
}

// Options tunes an Engine.
type Options struct {
	// ResubscribeInterval is the pause before a failed listener is re-opened.
	ResubscribeInterval time.Duration
	// LowStockThreshold is used by Summary when no threshold is given.
	LowStockThreshold int
	// MintGrace is how long a freshly minted remote id is protected from
	// orphan removal, and a remotely deleted one from re-import, while
	// snapshots taken before the change are still arriving.
	MintGrace time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Engine is the stock synchronization engine.
type Engine struct {
	local    LocalStore
	remote   remote.Store
	mapper   *identity.Mapper
	recorder *history.Recorder
	guard    *guard.Guard
	pool     *remotework.Pool
	opts     Options
	logger   *zap.Logger

	mu          sync.Mutex
	reconcileMu sync.Mutex
	mints       *cache.Cache
	tombstones  *cache.Cache
}

// NewEngine wires an engine.
func NewEngine(deps Deps, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ResubscribeInterval <= 0 {
		opts.ResubscribeInterval = 30 * time.Second
	}
	if opts.LowStockThreshold <= 0 {
		opts.LowStockThreshold = DefaultLowStockThreshold
	}
	if opts.MintGrace <= 0 {
		opts.MintGrace = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		local:      deps.Local,
		remote:     deps.Remote,
		mapper:     deps.Mapper,
		recorder:   deps.Recorder,
		guard:      deps.Guard,
		pool:       deps.Pool,
		opts:       opts,
		logger:     logger,
		mints:      cache.New(opts.MintGrace, 2*opts.MintGrace),
		tombstones: cache.New(opts.MintGrace, 2*opts.MintGrace),
	}
}

// Insert stores a new record and schedules its remote creation. The record's
// LocalID and RemoteID are ignored. It returns the new local id.
func (e *Engine) Insert(ctx context.Context, rec models.StockRecord) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.insertLocked(ctx, rec)
}

func (e *Engine) insertLocked(ctx context.Context, rec models.StockRecord) (int64, error) {
	rec.LocalID = 0
	rec.RemoteID = models.RemoteID{}

	id, err := e.local.InsertStock(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("insert stock %q: %w", rec.Name, err)
	}

	h := models.NewHistoryEntry(id, models.ActionCreate, e.opts.Now())
	h.NewQuantity, h.NewPrice = rec.Quantity, rec.Price
	if err := e.recorder.AddEntry(ctx, h); err != nil {
		return id, err
	}

	e.schedulePush(id)
	e.logger.Info("stock created", zap.Int64("local_id", id), zap.String("name", rec.Name))
	return id, nil
}

// Update overwrites a record's fields. A record without a LocalID is treated
// as an Insert. An UPDATE entry is recorded only when quantity or price
// changed.
func (e *Engine) Update(ctx context.Context, rec models.StockRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if rec.LocalID == 0 {
		_, err := e.insertLocked(ctx, rec)
		return err
	}

	prior, err := e.local.GetStock(ctx, rec.LocalID)
	if err != nil {
		return fmt.Errorf("update stock %d: %w", rec.LocalID, err)
	}
	if err := e.local.EditStock(ctx, rec); err != nil {
		return fmt.Errorf("update stock %d: %w", rec.LocalID, err)
	}

	if prior.Quantity != rec.Quantity || prior.Price != rec.Price {
		h := models.NewHistoryEntry(rec.LocalID, models.ActionUpdate, e.opts.Now())
		h.OldQuantity, h.NewQuantity = prior.Quantity, rec.Quantity
		h.OldPrice, h.NewPrice = prior.Price, rec.Price
		if err := e.recorder.AddEntry(ctx, h); err != nil {
			return err
		}
	}

	e.schedulePush(rec.LocalID)
	return nil
}

// Delete removes a record. The DELETE entry is written before the row goes
// away; the local copy of it is removed with the row, the remote copy stays.
func (e *Engine) Delete(ctx context.Context, rec models.StockRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prior, err := e.local.GetStock(ctx, rec.LocalID)
	if err != nil {
		return fmt.Errorf("delete stock %d: %w", rec.LocalID, err)
	}

	h := models.NewHistoryEntry(prior.LocalID, models.ActionDelete, e.opts.Now())
	h.OldQuantity, h.OldPrice = prior.Quantity, prior.Price
	if err := e.recorder.AddEntry(ctx, h); err != nil {
		return err
	}

	remoteID, synced := prior.RemoteID.Get()
	if synced {
		err = e.local.TombstoneStock(ctx, prior.LocalID, remoteID, e.opts.Now())
	} else {
		err = e.local.DeleteStock(ctx, prior.LocalID)
	}
	if err != nil {
		return fmt.Errorf("delete stock %d: %w", prior.LocalID, err)
	}

	if synced {
		e.scheduleRemoteDelete(models.PendingDelete{RemoteID: remoteID, LocalID: prior.LocalID})
	}
	e.logger.Info("stock deleted", zap.Int64("local_id", prior.LocalID), zap.Stringer("remote_id", prior.RemoteID))
	return nil
}

// RecordSale takes regular and free units out of stock for an invoice and
// returns the updated record. Overselling fails with
// models.ErrInsufficientStock and changes nothing.
func (e *Engine) RecordSale(ctx context.Context, sale models.Sale) (models.StockRecord, error) {
	if sale.RegularQuantity < 0 || sale.FreeQuantity < 0 || sale.Total() == 0 {
		return models.StockRecord{}, fmt.Errorf("%w: sale of %d regular and %d free units", models.ErrInvalidStock, sale.RegularQuantity, sale.FreeQuantity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prior, err := e.local.GetStock(ctx, sale.LocalID)
	if err != nil {
		return models.StockRecord{}, fmt.Errorf("record sale on %d: %w", sale.LocalID, err)
	}
	if sale.Total() > prior.Quantity {
		return models.StockRecord{}, fmt.Errorf("sell %d of %q with %d in stock: %w", sale.Total(), prior.Name, prior.Quantity, models.ErrInsufficientStock)
	}

	updated := prior
	updated.Quantity -= sale.Total()
	if err := e.local.EditStock(ctx, updated); err != nil {
		return models.StockRecord{}, fmt.Errorf("record sale on %d: %w", sale.LocalID, err)
	}

	h := models.NewHistoryEntry(prior.LocalID, models.ActionSale, e.opts.Now())
	h.OldQuantity, h.NewQuantity = prior.Quantity, updated.Quantity
	h.OldPrice, h.NewPrice = prior.Price, prior.Price
	h.InvoiceRef = sale.InvoiceRef
	h.RegularQuantity, h.FreeQuantity = sale.RegularQuantity, sale.FreeQuantity
	if sale.FreeQuantity > 0 {
		h.Description = fmt.Sprintf("Includes %d free items", sale.FreeQuantity)
	}
	if err := e.recorder.AddEntry(ctx, h); err != nil {
		return updated, err
	}

	e.schedulePush(prior.LocalID)
	return updated, nil
}

// Drain waits until every scheduled remote write has finished.
func (e *Engine) Drain(ctx context.Context) error {
	return e.pool.Drain(ctx)
}

func stockKey(localID int64) string {
	return "stock:" + strconv.FormatInt(localID, 10)
}

func (e *Engine) schedulePush(localID int64) {
	e.pool.Submit(stockKey(localID), func(ctx context.Context) {
		e.pushStock(ctx, localID)
	})
}

// pushStock writes the current local state of a row to the remote store:
// a full overwrite when the row is synced, otherwise an add whose minted id
// is bound to the row. It reports whether an id was minted. Must run on the
// pool under the row's key.
func (e *Engine) pushStock(ctx context.Context, localID int64) bool {
	rec, err := e.local.GetStock(ctx, localID)
	if errors.Is(err, models.ErrStockNotFound) {
		e.logger.Debug("stock gone before remote write", zap.Int64("local_id", localID))
		return false
	}
	if err != nil {
		e.logger.Error("load stock for remote write", zap.Int64("local_id", localID), zap.Error(err))
		return false
	}

	doc, err := remote.EncodeStock(rec, e.opts.Now())
	if err != nil {
		e.logger.Error("encode stock for remote write", zap.Int64("local_id", localID), zap.Error(err))
		return false
	}

	if remoteID, ok := rec.RemoteID.Get(); ok {
		err := e.guard.Do(ctx, "set_stock", func(ctx context.Context) error {
			return e.remote.SetStock(ctx, remoteID, doc)
		})
		if err == nil {
			e.clearDirty(ctx, rec)
		}
		return false
	}

	remoteID, err := guard.Call(ctx, e.guard, "add_stock", func(ctx context.Context) (string, error) {
		return e.remote.AddStock(ctx, doc)
	})
	if err != nil {
		return false
	}
	e.mints.SetDefault(remoteID, localID)

	if err := e.mapper.Assign(ctx, localID, remoteID); err != nil {
		// The row was deleted or bound elsewhere meanwhile; the new document
		// would come back as a foreign record on the next reconcile.
		e.logger.Warn("discard minted document", zap.Int64("local_id", localID), zap.String("remote_id", remoteID), zap.Error(err))
		e.mints.Delete(remoteID)
		_ = e.guard.Do(ctx, "delete_stock", func(ctx context.Context) error {
			return e.remote.DeleteStock(ctx, remoteID)
		})
		return false
	}
	e.clearDirty(ctx, rec)
	e.logger.Debug("stock synced", zap.Int64("local_id", localID), zap.String("remote_id", remoteID))
	return true
}

// clearDirty records that the state read into rec is now stored remotely.
func (e *Engine) clearDirty(ctx context.Context, rec models.StockRecord) {
	if rec.Dirty == 0 {
		return
	}
	if _, err := e.local.ClearDirty(ctx, rec.LocalID, rec.Dirty); err != nil {
		e.logger.Error("clear dirty stock", zap.Int64("local_id", rec.LocalID), zap.Error(err))
	}
}

func (e *Engine) scheduleRemoteDelete(pd models.PendingDelete) bool {
	return e.pool.Submit(stockKey(pd.LocalID), func(ctx context.Context) {
		e.pushDelete(ctx, pd)
	})
}

// pushDelete removes a locally deleted document from the remote store and
// forgets the pending delete once the store confirmed it.
func (e *Engine) pushDelete(ctx context.Context, pd models.PendingDelete) {
	err := e.guard.Do(ctx, "delete_stock", func(ctx context.Context) error {
		return e.remote.DeleteStock(ctx, pd.RemoteID)
	})
	if err != nil {
		return
	}
	// Snapshots taken before the delete may still list the document.
	e.tombstones.SetDefault(pd.RemoteID, pd.LocalID)
	if err := e.local.ClearPendingDelete(ctx, pd.RemoteID); err != nil {
		e.logger.Error("clear pending delete", zap.String("remote_id", pd.RemoteID), zap.Error(err))
	}
}

// PushPending replays everything the remote store has not confirmed yet:
// pending deletes, unsynced and dirty rows, and the history outbox. It waits
// for the stock writes and returns how many rows were bound to a newly
// minted remote id. Offline, it returns immediately.
func (e *Engine) PushPending(ctx context.Context) (int, error) {
	deletes, err := e.local.PendingDeletes(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending deletes: %w", err)
	}
	rows, err := e.local.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending stocks: %w", err)
	}
	if !e.guard.EnsureAuthenticated(ctx) {
		return 0, nil
	}

	entries, err := e.recorder.PushPending(ctx)
	if err != nil {
		e.logger.Error("push pending history", zap.Error(err))
	}
	if len(rows) == 0 && len(deletes) == 0 {
		return 0, nil
	}

	var (
		wg     sync.WaitGroup
		minted atomic.Int64
	)
	submit := func(localID int64, task remotework.Task) {
		wg.Add(1)
		scheduled := e.pool.Submit(stockKey(localID), func(ctx context.Context) {
			defer wg.Done()
			task(ctx)
		})
		if !scheduled {
			wg.Done()
		}
	}
	for _, pd := range deletes {
		submit(pd.LocalID, func(ctx context.Context) { e.pushDelete(ctx, pd) })
	}
	for _, rec := range rows {
		localID := rec.LocalID
		submit(localID, func(ctx context.Context) {
			if e.pushStock(ctx, localID) {
				minted.Add(1)
			}
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-e.pool.Closed():
		return 0, errors.New("push pending stocks: remote work pool closed")
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	e.logger.Info("pending changes pushed",
		zap.Int64("minted", minted.Load()),
		zap.Int("stocks", len(rows)),
		zap.Int("deletes", len(deletes)),
		zap.Int("history", entries),
	)
	return int(minted.Load()), nil
}
