package stocksync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/repository/remote"
	"github.com/mamadbah2/stocksync/internal/service/guard"
)

// Listen keeps a listener on the remote stocks collection and reconciles
// every snapshot it delivers, one at a time. Before each subscription the
// pending local changes are pushed. When the handshake or the listener
// fails, Listen waits ResubscribeInterval and tries again. It returns nil
// once ctx is done.
func (e *Engine) Listen(ctx context.Context) error {
	for {
		e.listenOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.opts.ResubscribeInterval):
		}
	}
}

func (e *Engine) listenOnce(ctx context.Context) {
	if !e.guard.EnsureAuthenticated(ctx) {
		return
	}

	if _, err := e.PushPending(ctx); err != nil {
		e.logger.Error("push pending stocks", zap.Error(err))
	}

	var sub remote.Subscription[[]remote.RawStock]
	err := e.guard.Do(ctx, "subscribe_stocks", func(context.Context) error {
		// The listener outlives the guarded call.
		s, err := e.remote.SubscribeStocks(ctx)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		return
	}
	defer sub.Close()
	e.logger.Info("listening for remote stock changes")

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-sub.Snapshots():
			if !ok {
				err := sub.Err()
				e.logger.Warn("remote stock listener ended",
					zap.Stringer("kind", guard.Classify(err)),
					zap.Duration("retry_in", e.opts.ResubscribeInterval),
					zap.Error(err),
				)
				return
			}
			if _, err := e.Reconcile(ctx, snapshot); err != nil {
				e.logger.Error("reconcile remote snapshot", zap.Error(err))
			}
		}
	}
}
