// Package history maintains the append-only audit trail of stock changes.
// Entries are written locally first; the remote copy is written in the
// background after a duplicate check, so retries from any device never
// produce two remote documents for the same logical change.
package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
	"github.com/mamadbah2/stocksync/internal/metrics"
	"github.com/mamadbah2/stocksync/internal/repository/remote"
	"github.com/mamadbah2/stocksync/internal/service/guard"
	"github.com/mamadbah2/stocksync/internal/service/remotework"
)

// LocalStore is the slice of the local store the recorder needs.
type LocalStore interface {
	InsertHistory(ctx context.Context, h models.HistoryEntry) error
	HistoryForStock(ctx context.Context, stockID int64) ([]models.HistoryEntry, error)
	RecentHistory(ctx context.Context, limit int) ([]models.HistoryEntry, error)
	HistoryBetween(ctx context.Context, from, to time.Time) ([]models.HistoryEntry, error)
	HistoryOutbox(ctx context.Context) ([]models.HistoryEntry, error)
	ClearHistoryOutbox(ctx context.Context, id string) error
	Subscribe() (<-chan struct{}, func())
}

// Options tunes a Recorder.
type Options struct {
	// ResubscribeInterval is the pause before a history stream re-opens a
	// remote listener that failed or could not be opened.
	ResubscribeInterval time.Duration
}

// Recorder appends history entries and serves merged history views.
type Recorder struct {
	local  LocalStore
	remote remote.Store
	guard  *guard.Guard
	pool   *remotework.Pool
	locks  *mapmutex.Mutex
	opts   Options
	logger *zap.Logger
}

// NewRecorder wires a recorder. Remote writes are scheduled on pool.
func NewRecorder(local LocalStore, remoteStore remote.Store, g *guard.Guard, pool *remotework.Pool, opts Options, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ResubscribeInterval <= 0 {
		opts.ResubscribeInterval = 30 * time.Second
	}
	return &Recorder{
		local:  local,
		remote: remoteStore,
		guard:  g,
		pool:   pool,
		locks:  mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		opts:   opts,
		logger: logger,
	}
}

// AddEntry stores h locally and schedules its remote copy. Local failures are
// returned; remote failures are only logged and the entry stays in the
// outbox until PushPending stores it.
func (r *Recorder) AddEntry(ctx context.Context, h models.HistoryEntry) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}
	h.Timestamp = h.Timestamp.UTC().Truncate(time.Millisecond)

	if err := r.local.InsertHistory(ctx, h); err != nil {
		return fmt.Errorf("add %s entry for stock %d: %w", h.Action, h.StockID, err)
	}
	metrics.HistoryAppended(string(h.Action))

	r.pool.Submit("history:"+h.ID, func(ctx context.Context) {
		_ = r.pushEntry(ctx, h)
	})
	return nil
}

// pushEntry writes h remotely unless an entry with the same dedup key exists,
// then drops it from the outbox. The check and the write are atomic per key
// within this process. It reports whether the remote store now holds h.
func (r *Recorder) pushEntry(ctx context.Context, h models.HistoryEntry) bool {
	key := h.DedupKey()
	lockKey := fmt.Sprintf("%d|%s|%d|%d|%g|%g", key.StockID, key.Action, key.OldQuantity, key.NewQuantity, key.OldPrice, key.NewPrice)
	for !r.locks.TryLock(lockKey) {
		if ctx.Err() != nil {
			return false
		}
	}
	defer r.locks.Unlock(lockKey)

	err := r.guard.Do(ctx, "add_history", func(ctx context.Context) error {
		exists, err := r.remote.HistoryExists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			r.logger.Debug("history entry already stored remotely", zap.String("id", h.ID), zap.Int64("stock_id", h.StockID))
			return nil
		}
		return r.remote.SetHistory(ctx, remote.EncodeHistory(h))
	})
	if err != nil {
		r.logger.Debug("history entry queued for later", zap.String("id", h.ID), zap.Error(err))
		return false
	}

	if err := r.local.ClearHistoryOutbox(ctx, h.ID); err != nil {
		r.logger.Error("clear history outbox", zap.String("id", h.ID), zap.Error(err))
	}
	return true
}

// PushPending stores every outbox entry remotely, oldest first, and returns
// how many were confirmed. It stops at the first entry the remote store did
// not accept; the rest waits for the next call. Offline it returns at once.
func (r *Recorder) PushPending(ctx context.Context) (int, error) {
	entries, err := r.local.HistoryOutbox(ctx)
	if err != nil {
		return 0, fmt.Errorf("list history outbox: %w", err)
	}
	if len(entries) == 0 || !r.guard.EnsureAuthenticated(ctx) {
		return 0, nil
	}

	pushed := 0
	for _, h := range entries {
		if !r.pushEntry(ctx, h) {
			break
		}
		pushed++
	}
	if pushed > 0 {
		r.logger.Info("history outbox pushed", zap.Int("pushed", pushed), zap.Int("queued", len(entries)))
	}
	return pushed, ctx.Err()
}

// Recent returns the latest local entries across all stocks.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	return r.local.RecentHistory(ctx, limit)
}

// Between returns local entries with from <= timestamp <= to, newest first.
func (r *Recorder) Between(ctx context.Context, from, to time.Time) ([]models.HistoryEntry, error) {
	return r.local.HistoryBetween(ctx, from, to)
}

// Merge combines local and remote entries: union, dedup by (timestamp,
// action) keeping the local copy, newest first.
func Merge(local, remoteEntries []models.HistoryEntry) []models.HistoryEntry {
	seen := make(map[models.DisplayKey]struct{}, len(local)+len(remoteEntries))
	out := make([]models.HistoryEntry, 0, len(local)+len(remoteEntries))
	for _, group := range [][]models.HistoryEntry{local, remoteEntries} {
		for _, h := range group {
			k := h.DisplayKey()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (r *Recorder) decode(docs []remote.HistoryDocument) []models.HistoryEntry {
	out := make([]models.HistoryEntry, 0, len(docs))
	for _, doc := range docs {
		h, err := remote.DecodeHistory(doc)
		if err != nil {
			r.logger.Warn("skip malformed remote history entry", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		out = append(out, h)
	}
	return out
}
