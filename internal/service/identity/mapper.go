// Package identity keeps the association between local stock ids and remote
// document ids. The association lives in the local store's remote_id column;
// a unique index makes it injective.
package identity

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mamadbah2/stocksync/internal/domain/models"
)

// Store is the slice of the local store the mapper needs.
type Store interface {
	RemoteIDOf(ctx context.Context, localID int64) (models.RemoteID, error)
	LocalIDOf(ctx context.Context, remoteID string) (int64, bool, error)
	SetRemoteID(ctx context.Context, localID int64, remoteID string) (bool, error)
}

// Mapper binds local ids to remote ids. Bindings are set once and never
// cleared or replaced.
type Mapper struct {
	store  Store
	logger *zap.Logger
}

// NewMapper wires a mapper over the local store.
func NewMapper(store Store, logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{store: store, logger: logger}
}

// Assign binds remoteID to localID. Repeating an existing binding is a no-op.
// It fails with models.ErrIdentityConflict when either side is already bound
// to something else.
func (m *Mapper) Assign(ctx context.Context, localID int64, remoteID string) error {
	if remoteID == "" {
		return fmt.Errorf("assign identity to %d: empty remote id", localID)
	}

	owner, found, err := m.store.LocalIDOf(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("assign identity to %d: %w", localID, err)
	}
	if found && owner != localID {
		return fmt.Errorf("remote id %s already bound to %d: %w", remoteID, owner, models.ErrIdentityConflict)
	}

	bound, err := m.store.SetRemoteID(ctx, localID, remoteID)
	if err != nil {
		return fmt.Errorf("assign identity to %d: %w", localID, err)
	}
	if !bound {
		current, _ := m.store.RemoteIDOf(ctx, localID)
		return fmt.Errorf("stock %d already bound to %s: %w", localID, current, models.ErrIdentityConflict)
	}

	m.logger.Debug("identity bound", zap.Int64("local_id", localID), zap.String("remote_id", remoteID))
	return nil
}

// Lookup returns the remote id of a local row; unset if never synced.
func (m *Mapper) Lookup(ctx context.Context, localID int64) (models.RemoteID, error) {
	return m.store.RemoteIDOf(ctx, localID)
}

// LookupLocal resolves a remote id to the local row bound to it.
func (m *Mapper) LookupLocal(ctx context.Context, remoteID string) (int64, bool, error) {
	return m.store.LocalIDOf(ctx, remoteID)
}
