package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/repository/remote"
)

// SubscribeStocks opens a change stream on the stocks collection. Every change
// triggers a fresh read of the whole collection, so each delivered value is a
// complete snapshot. The stream is opened before the first read so no change
// between the two is lost. Change streams require a replica set.
func (s *Store) SubscribeStocks(ctx context.Context) (remote.Subscription[[]remote.RawStock], error) {
	return subscribe(ctx, s, s.stocks(), mongo.Pipeline{}, "stocks", s.Stocks)
}

// SubscribeHistory opens a change stream filtered to one stock's entries.
func (s *Store) SubscribeHistory(ctx context.Context, stockID int64) (remote.Subscription[[]remote.HistoryDocument], error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"fullDocument.stockId": stockID}}},
	}
	query := func(ctx context.Context) ([]remote.HistoryDocument, error) {
		return s.HistoryForStock(ctx, stockID)
	}
	return subscribe(ctx, s, s.history(), pipeline, "stock_history", query)
}

func subscribe[T any](
	ctx context.Context,
	s *Store,
	coll *mongo.Collection,
	pipeline mongo.Pipeline,
	name string,
	query func(context.Context) (T, error),
) (remote.Subscription[T], error) {
	watchCtx, cancel := context.WithCancel(ctx)
	stream, err := coll.Watch(watchCtx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", name, err)
	}

	initial, err := query(watchCtx)
	if err != nil {
		_ = stream.Close(context.Background())
		cancel()
		return nil, err
	}

	feed := remote.NewFeed[T](cancel)
	feed.Publish(initial)

	go func() {
		defer stream.Close(context.Background())
		for stream.Next(watchCtx) {
			snapshot, err := query(watchCtx)
			if err != nil {
				feed.Fail(err)
				return
			}
			if !feed.Publish(snapshot) {
				return
			}
		}
		if err := stream.Err(); err != nil && watchCtx.Err() == nil {
			s.logger.Warn("change stream ended", zap.String("collection", name), zap.Error(err))
			feed.Fail(fmt.Errorf("watch %s: %w", name, err))
			return
		}
		feed.Close()
	}()

	return feed, nil
}
