// Package remote defines the protocol the sync engine speaks with the shared
// document store: typed documents, their codec, and the store and listener
// contracts that concrete backends (MongoDB, in-memory) implement.
package remote

import (
	"context"
	"time"

	"github.com/mamadbah2/stocksync/internal/domain/models"
)

// Collection names in the remote store.
const (
	StocksCollection  = "stocks"
	HistoryCollection = "stock_history"
	DevicesCollection = "devices"
)

// Store is the remote document collection set owned by the shop's cloud
// account. Implementations must be safe for concurrent use.
type Store interface {
	// AddStock creates a document with a store-minted id and returns that id.
	AddStock(ctx context.Context, doc StockDocument) (string, error)
	// SetStock overwrites the full document with the given id, creating it if needed.
	SetStock(ctx context.Context, id string, doc StockDocument) error
	// DeleteStock removes a document. Deleting a missing document is not an error.
	DeleteStock(ctx context.Context, id string) error
	// Stocks returns the current contents of the stocks collection.
	Stocks(ctx context.Context) ([]RawStock, error)
	// SubscribeStocks starts a snapshot listener over the stocks collection.
	SubscribeStocks(ctx context.Context) (Subscription[[]RawStock], error)

	// HistoryExists reports whether an entry with the same dedup key is stored.
	HistoryExists(ctx context.Context, key models.DedupKey) (bool, error)
	// SetHistory writes an entry document under its own id.
	SetHistory(ctx context.Context, doc HistoryDocument) error
	// SubscribeHistory starts a snapshot listener over one stock's entries.
	SubscribeHistory(ctx context.Context, stockID int64) (Subscription[[]HistoryDocument], error)
}

// Subscription is a cancellable handle on a snapshot listener. Every value
// received from Snapshots is the full current result set. The channel closes
// after Close or when the listener fails; Err then reports the failure.
type Subscription[T any] interface {
	Snapshots() <-chan T
	// Close stops the listener and releases its connection. It is idempotent.
	Close() error
	// Err returns the error that ended the listener, if any.
	Err() error
}

// Identity is an anonymous device identity issued by the remote store.
type Identity struct {
	DeviceID string
	IssuedAt time.Time
}

// Authenticator performs the anonymous identity handshake.
type Authenticator interface {
	SignInAnonymously(ctx context.Context) (Identity, error)
}
