package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/stocksync/internal/domain/models"
	"github.com/mamadbah2/stocksync/internal/repository/sqlite"
)

func newMapper(t *testing.T) (*Mapper, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "stock.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewMapper(store, nil), store
}

func insert(t *testing.T, store *sqlite.Store, name string) int64 {
	t.Helper()
	id, err := store.InsertStock(context.Background(), models.StockRecord{Name: name, Price: 1, Quantity: 1})
	require.NoError(t, err)
	return id
}

func TestAssign_BindsAndLooksUpBothWays(t *testing.T) {
	ctx := context.Background()
	m, store := newMapper(t)
	id := insert(t, store, "Soap")

	remoteID, err := m.Lookup(ctx, id)
	require.NoError(t, err)
	assert.False(t, remoteID.IsSet())

	require.NoError(t, m.Assign(ctx, id, "doc-1"))

	remoteID, err = m.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SomeRemoteID("doc-1"), remoteID)

	local, found, err := m.LookupLocal(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, local)

	_, found, err = m.LookupLocal(ctx, "doc-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAssign_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, store := newMapper(t)
	id := insert(t, store, "Soap")

	require.NoError(t, m.Assign(ctx, id, "doc-1"))
	require.NoError(t, m.Assign(ctx, id, "doc-1"))
}

func TestAssign_NeverReplaces(t *testing.T) {
	ctx := context.Background()
	m, store := newMapper(t)
	id := insert(t, store, "Soap")

	require.NoError(t, m.Assign(ctx, id, "doc-1"))
	err := m.Assign(ctx, id, "doc-2")
	assert.ErrorIs(t, err, models.ErrIdentityConflict)

	remoteID, err := m.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SomeRemoteID("doc-1"), remoteID)
}

func TestAssign_RemoteIDIsInjective(t *testing.T) {
	ctx := context.Background()
	m, store := newMapper(t)
	a := insert(t, store, "Soap")
	b := insert(t, store, "Powder")

	require.NoError(t, m.Assign(ctx, a, "doc-1"))
	err := m.Assign(ctx, b, "doc-1")
	assert.ErrorIs(t, err, models.ErrIdentityConflict)

	remoteID, err := m.Lookup(ctx, b)
	require.NoError(t, err)
	assert.False(t, remoteID.IsSet())
}

func TestAssign_MissingRow(t *testing.T) {
	m, _ := newMapper(t)
	err := m.Assign(context.Background(), 42, "doc-1")
	assert.ErrorIs(t, err, models.ErrStockNotFound)

	assert.Error(t, m.Assign(context.Background(), 42, ""))
}
