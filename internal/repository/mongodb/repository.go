package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
	"github.com/mamadbah2/stocksync/internal/repository/remote"
)

const reportsCollection = "daily_reports"

// Store implements remote.Store, remote.Authenticator and the report sink on
// top of a MongoDB database. It owns the client connection; release it with
// Close.
type Store struct {
	client   *mongo.Client
	db       *mongo.Database
	deviceID string
	logger   *zap.Logger
}

// stockEnvelope adds the string document id to the typed stock schema.
type stockEnvelope struct {
	ID                   string `bson:"_id"`
	remote.StockDocument `bson:",inline"`
}

// NewStore connects to MongoDB. An unreachable server is not an error: the
// driver connects lazily and the sync engine runs offline until it answers.
// deviceID names this installation in the devices collection; a random one is
// generated when empty.
func NewStore(ctx context.Context, uri, dbName, deviceID string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		logger.Warn("mongodb not reachable yet, starting offline", zap.Error(err))
	}

	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	return &Store{
		client:   client,
		db:       client.Database(dbName),
		deviceID: deviceID,
		logger:   logger,
	}, nil
}

// Close closes the MongoDB connection.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) stocks() *mongo.Collection {
	return s.db.Collection(remote.StocksCollection)
}

func (s *Store) history() *mongo.Collection {
	return s.db.Collection(remote.HistoryCollection)
}

// SignInAnonymously registers (or refreshes) this device's anonymous identity.
func (s *Store) SignInAnonymously(ctx context.Context) (remote.Identity, error) {
	now := time.Now().UTC()
	_, err := s.db.Collection(remote.DevicesCollection).UpdateOne(ctx,
		bson.M{"_id": s.deviceID},
		bson.M{
			"$set":         bson.M{"lastSeen": now},
			"$setOnInsert": bson.M{"createdAt": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return remote.Identity{}, fmt.Errorf("register device %s: %w", s.deviceID, err)
	}
	return remote.Identity{DeviceID: s.deviceID, IssuedAt: now}, nil
}

// AddStock inserts a document under a freshly minted id.
func (s *Store) AddStock(ctx context.Context, doc remote.StockDocument) (string, error) {
	id := primitive.NewObjectID().Hex()
	if _, err := s.stocks().InsertOne(ctx, stockEnvelope{ID: id, StockDocument: doc}); err != nil {
		return "", fmt.Errorf("insert stock document: %w", err)
	}
	return id, nil
}

// SetStock replaces the whole document, creating it if needed.
func (s *Store) SetStock(ctx context.Context, id string, doc remote.StockDocument) error {
	_, err := s.stocks().ReplaceOne(ctx,
		bson.M{"_id": id},
		stockEnvelope{ID: id, StockDocument: doc},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("replace stock document %s: %w", id, err)
	}
	return nil
}

// DeleteStock removes a document; a missing document is not an error.
func (s *Store) DeleteStock(ctx context.Context, id string) error {
	if _, err := s.stocks().DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete stock document %s: %w", id, err)
	}
	return nil
}

// Stocks reads the whole stocks collection as raw documents.
func (s *Store) Stocks(ctx context.Context) ([]remote.RawStock, error) {
	cur, err := s.stocks().Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find stock documents: %w", err)
	}
	defer cur.Close(ctx)

	var out []remote.RawStock
	for cur.Next(ctx) {
		id, ok := documentID(cur.Current)
		if !ok {
			s.logger.Warn("skip stock document without usable _id")
			continue
		}
		body := make(bson.Raw, len(cur.Current))
		copy(body, cur.Current)
		out = append(out, remote.RawStock{ID: id, Body: body})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock documents: %w", err)
	}
	return out, nil
}

// HistoryExists looks for an entry with the same dedup key.
func (s *Store) HistoryExists(ctx context.Context, key models.DedupKey) (bool, error) {
	n, err := s.history().CountDocuments(ctx, bson.M{
		"stockId":     key.StockID,
		"action":      string(key.Action),
		"oldQuantity": key.OldQuantity,
		"newQuantity": key.NewQuantity,
		"oldPrice":    key.OldPrice,
		"newPrice":    key.NewPrice,
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count history documents: %w", err)
	}
	return n > 0, nil
}

// SetHistory writes an entry under its own id.
func (s *Store) SetHistory(ctx context.Context, doc remote.HistoryDocument) error {
	_, err := s.history().ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace history document %s: %w", doc.ID, err)
	}
	return nil
}

// HistoryForStock reads one stock's entries, newest first. Undecodable
// documents are skipped.
func (s *Store) HistoryForStock(ctx context.Context, stockID int64) ([]remote.HistoryDocument, error) {
	cur, err := s.history().Find(ctx,
		bson.M{"stockId": stockID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find history documents: %w", err)
	}
	defer cur.Close(ctx)

	var out []remote.HistoryDocument
	for cur.Next(ctx) {
		var doc remote.HistoryDocument
		if err := cur.Decode(&doc); err != nil {
			s.logger.Warn("skip malformed history document", zap.Int64("stock_id", stockID), zap.Error(err))
			continue
		}
		out = append(out, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate history documents: %w", err)
	}
	return out, nil
}

// SaveStockReport saves a stock report to the database.
func (s *Store) SaveStockReport(ctx context.Context, report models.StockReport) error {
	collection := s.db.Collection(reportsCollection)
	_, err := collection.InsertOne(ctx, report)
	if err != nil {
		return fmt.Errorf("failed to insert stock report: %w", err)
	}
	return nil
}

func documentID(doc bson.Raw) (string, bool) {
	value, err := doc.LookupErr("_id")
	if err != nil {
		return "", false
	}
	if id, ok := value.StringValueOK(); ok {
		return id, id != ""
	}
	if oid, ok := value.ObjectIDOK(); ok {
		return oid.Hex(), true
	}
	return "", false
}
