// Package memory is an in-process remote document store with snapshot
// listener semantics. It backs local development (REMOTE_DRIVER=memory) and
// the sync engine tests, which use its fault injection to simulate an
// unreachable or misbehaving cloud store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mamadbah2/stocksync/internal/domain/models"
	"github.com/mamadbah2/stocksync/internal/repository/remote"
)

type historyWatch struct {
	stockID int64
	feed    *remote.Feed[[]remote.HistoryDocument]
}

// Store implements remote.Store and remote.Authenticator.
type Store struct {
	mu sync.Mutex

	stocks     map[string]bson.Raw
	stockOrder []string
	history    map[string]remote.HistoryDocument
	reports    []models.StockReport

	stockWatches   map[int]*remote.Feed[[]remote.RawStock]
	historyWatches map[int]historyWatch
	nextWatch      int

	failure     error
	authFailure error
	calls       map[string]int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		stocks:         make(map[string]bson.Raw),
		history:        make(map[string]remote.HistoryDocument),
		stockWatches:   make(map[int]*remote.Feed[[]remote.RawStock]),
		historyWatches: make(map[int]historyWatch),
		calls:          make(map[string]int),
	}
}

// SetFailure makes every subsequent data call fail with err until cleared
// with nil. Active listeners are not affected; see Disconnect.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// SetAuthFailure makes SignInAnonymously fail with err until cleared.
func (s *Store) SetAuthFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailure = err
}

// Disconnect ends every active listener with err.
func (s *Store) Disconnect(err error) {
	s.mu.Lock()
	stockFeeds := make([]*remote.Feed[[]remote.RawStock], 0, len(s.stockWatches))
	for _, f := range s.stockWatches {
		stockFeeds = append(stockFeeds, f)
	}
	historyFeeds := make([]*remote.Feed[[]remote.HistoryDocument], 0, len(s.historyWatches))
	for _, w := range s.historyWatches {
		historyFeeds = append(historyFeeds, w.feed)
	}
	s.mu.Unlock()

	for _, f := range stockFeeds {
		f.Fail(err)
	}
	for _, f := range historyFeeds {
		f.Fail(err)
	}
}

// Calls returns how many times op has been invoked, including failed calls.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Watchers returns the number of active stock and history listeners.
func (s *Store) Watchers() (stocks, history int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stockWatches), len(s.historyWatches)
}

// SignInAnonymously implements remote.Authenticator.
func (s *Store) SignInAnonymously(context.Context) (remote.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["auth"]++
	if s.authFailure != nil {
		return remote.Identity{}, s.authFailure
	}
	return remote.Identity{DeviceID: uuid.NewString(), IssuedAt: time.Now().UTC()}, nil
}

// AddStock implements remote.Store.
func (s *Store) AddStock(ctx context.Context, doc remote.StockDocument) (string, error) {
	id := uuid.NewString()
	if err := s.writeStock(ctx, "add", id, doc); err != nil {
		return "", err
	}
	return id, nil
}

// SetStock implements remote.Store.
func (s *Store) SetStock(ctx context.Context, id string, doc remote.StockDocument) error {
	return s.writeStock(ctx, "set", id, doc)
}

func (s *Store) writeStock(ctx context.Context, op, id string, doc remote.StockDocument) error {
	raw, err := remote.MarshalStock(id, doc)
	if err != nil {
		return err
	}
	return s.PutRawStock(ctx, op, raw)
}

// PutRawStock stores an arbitrary document body, bypassing the typed schema.
// Tests use it to plant documents written by other devices, malformed ones
// included.
func (s *Store) PutRawStock(ctx context.Context, op string, raw remote.RawStock) error {
	s.mu.Lock()
	if err := s.begin(ctx, op); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, exists := s.stocks[raw.ID]; !exists {
		s.stockOrder = append(s.stockOrder, raw.ID)
	}
	s.stocks[raw.ID] = raw.Body
	s.publishStocksLocked()
	s.mu.Unlock()
	return nil
}

// DeleteStock implements remote.Store.
func (s *Store) DeleteStock(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.begin(ctx, "delete"); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, exists := s.stocks[id]; !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.stocks, id)
	for i, existing := range s.stockOrder {
		if existing == id {
			s.stockOrder = append(s.stockOrder[:i], s.stockOrder[i+1:]...)
			break
		}
	}
	s.publishStocksLocked()
	s.mu.Unlock()
	return nil
}

// Stocks implements remote.Store.
func (s *Store) Stocks(ctx context.Context) ([]remote.RawStock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "stocks"); err != nil {
		return nil, err
	}
	return s.stockSnapshotLocked(), nil
}

// StockDocument returns the decoded document with the given id.
func (s *Store) StockDocument(id string) (remote.StockDocument, bool) {
	s.mu.Lock()
	body, ok := s.stocks[id]
	s.mu.Unlock()
	if !ok {
		return remote.StockDocument{}, false
	}
	doc, err := remote.DecodeStock(remote.RawStock{ID: id, Body: body})
	if err != nil {
		return remote.StockDocument{}, false
	}
	return doc, true
}

// StockCount returns the number of stock documents.
func (s *Store) StockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stocks)
}

// SubscribeStocks implements remote.Store. The current snapshot is delivered
// immediately.
func (s *Store) SubscribeStocks(ctx context.Context) (remote.Subscription[[]remote.RawStock], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "subscribe_stocks"); err != nil {
		return nil, err
	}

	id := s.nextWatch
	s.nextWatch++
	feed := remote.NewFeed[[]remote.RawStock](func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.stockWatches, id)
	})
	s.stockWatches[id] = feed
	feed.Publish(s.stockSnapshotLocked())
	return feed, nil
}

// HistoryExists implements remote.Store.
func (s *Store) HistoryExists(ctx context.Context, key models.DedupKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "history_exists"); err != nil {
		return false, err
	}
	for _, doc := range s.history {
		if doc.MatchesKey(key) {
			return true, nil
		}
	}
	return false, nil
}

// SetHistory implements remote.Store.
func (s *Store) SetHistory(ctx context.Context, doc remote.HistoryDocument) error {
	s.mu.Lock()
	if err := s.begin(ctx, "set_history"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.history[doc.ID] = doc

	snapshot := s.historySnapshotLocked(doc.StockID)
	for _, w := range s.historyWatches {
		if w.stockID == doc.StockID {
			w.feed.Publish(snapshot)
		}
	}
	s.mu.Unlock()
	return nil
}

// HistoryDocuments returns every stored history document of a stock, newest first.
func (s *Store) HistoryDocuments(stockID int64) []remote.HistoryDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historySnapshotLocked(stockID)
}

// SubscribeHistory implements remote.Store.
func (s *Store) SubscribeHistory(ctx context.Context, stockID int64) (remote.Subscription[[]remote.HistoryDocument], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "subscribe_history"); err != nil {
		return nil, err
	}

	id := s.nextWatch
	s.nextWatch++
	feed := remote.NewFeed[[]remote.HistoryDocument](func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.historyWatches, id)
	})
	s.historyWatches[id] = historyWatch{stockID: stockID, feed: feed}
	feed.Publish(s.historySnapshotLocked(stockID))
	return feed, nil
}

// begin records the call and returns the injected failure or ctx error.
// Callers hold s.mu.
func (s *Store) begin(ctx context.Context, op string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.failure
}

func (s *Store) stockSnapshotLocked() []remote.RawStock {
	out := make([]remote.RawStock, 0, len(s.stockOrder))
	for _, id := range s.stockOrder {
		out = append(out, remote.RawStock{ID: id, Body: s.stocks[id]})
	}
	return out
}

// publishStocksLocked pushes the current snapshot to every stock listener.
// Publishing under s.mu keeps listeners from observing snapshots out of order.
func (s *Store) publishStocksLocked() {
	snapshot := s.stockSnapshotLocked()
	for _, f := range s.stockWatches {
		f.Publish(snapshot)
	}
}

func (s *Store) historySnapshotLocked(stockID int64) []remote.HistoryDocument {
	var out []remote.HistoryDocument
	for _, doc := range s.history {
		if doc.StockID == stockID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// SaveStockReport stores a daily report.
func (s *Store) SaveStockReport(ctx context.Context, report models.StockReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "report"); err != nil {
		return err
	}
	s.reports = append(s.reports, report)
	return nil
}

// Reports returns the saved daily reports in save order.
func (s *Store) Reports() []models.StockReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StockReport(nil), s.reports...)
}
