package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
	"github.com/mamadbah2/stocksync/internal/repository/remote"
)

// StreamHistory emits the merged history of one stock every time either the
// local store or the remote listener changes. The first emission carries the
// local entries only; the remote listener is opened on the stream's own
// goroutine and re-opened after ResubscribeInterval whenever it fails or
// cannot be opened. Until then the local store alone drives emissions. A
// slow reader only sees the latest merge. The channel closes when ctx is
// done, which also releases the remote listener.
func (r *Recorder) StreamHistory(ctx context.Context, stockID int64) <-chan []models.HistoryEntry {
	out := make(chan []models.HistoryEntry, 1)
	changes, unsubscribe := r.local.Subscribe()

	go r.mergeLoop(ctx, stockID, out, changes, unsubscribe)
	return out
}

func (r *Recorder) mergeLoop(
	ctx context.Context,
	stockID int64,
	out chan []models.HistoryEntry,
	changes <-chan struct{},
	unsubscribe func(),
) {
	defer close(out)
	defer unsubscribe()

	logger := r.logger.With(zap.Int64("stock_id", stockID))

	var (
		sub       remote.Subscription[[]remote.HistoryDocument]
		snapshots <-chan []remote.HistoryDocument
		retry     <-chan time.Time
	)
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	subscribe := func() {
		err := r.guard.Do(ctx, "subscribe_history", func(context.Context) error {
			// The listener lives as long as the stream, not the guarded call.
			s, err := r.remote.SubscribeHistory(ctx, stockID)
			if err != nil {
				return err
			}
			sub = s
			return nil
		})
		if err != nil {
			retry = time.After(r.opts.ResubscribeInterval)
			return
		}
		snapshots = sub.Snapshots()
		retry = nil
	}

	var local, remoteEntries []models.HistoryEntry

	reloadLocal := func() {
		entries, err := r.local.HistoryForStock(ctx, stockID)
		if err != nil {
			logger.Error("reload local history", zap.Error(err))
			return
		}
		local = entries
	}
	emit := func() {
		merged := Merge(local, remoteEntries)
		select {
		case <-out:
		default:
		}
		out <- merged
	}

	reloadLocal()
	emit()
	subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-retry:
			subscribe()
			continue
		case _, ok := <-changes:
			if !ok {
				return
			}
			reloadLocal()
		case docs, ok := <-snapshots:
			if !ok {
				logger.Warn("remote history listener ended, continuing with local history",
					zap.Duration("retry_in", r.opts.ResubscribeInterval),
					zap.Error(sub.Err()),
				)
				sub.Close()
				sub, snapshots = nil, nil
				retry = time.After(r.opts.ResubscribeInterval)
				continue
			}
			remoteEntries = r.decode(docs)
		}
		emit()
	}
}

// Snapshot returns one merged view of a stock's history. When the remote
// store is unavailable only local entries are returned.
func (r *Recorder) Snapshot(ctx context.Context, stockID int64) ([]models.HistoryEntry, error) {
	local, err := r.local.HistoryForStock(ctx, stockID)
	if err != nil {
		return nil, fmt.Errorf("load history of stock %d: %w", stockID, err)
	}

	var docs []remote.HistoryDocument
	_ = r.guard.Do(ctx, "history_snapshot", func(ctx context.Context) error {
		sub, err := r.remote.SubscribeHistory(ctx, stockID)
		if err != nil {
			return err
		}
		defer sub.Close()
		select {
		case snap, ok := <-sub.Snapshots():
			if !ok {
				return sub.Err()
			}
			docs = snap
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	return Merge(local, r.decode(docs)), nil
}
