package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagegate/internal/warehouse"
	"stagegate/internal/warehouse/memory"
	apperrors "stagegate/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var equipment = warehouse.TableRef{Dataset: "production", Name: "equipment_registry"}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T) (*memory.Store, *Manager, *clock) {
	t.Helper()
	store := memory.New()
	store.AddDataset("snapshots")
	store.Seed(equipment, []warehouse.Column{
		{Name: "id", Type: "STRING"},
		{Name: "status", Type: "STRING", Nullable: true},
		{Name: "updated_at", Type: "TIMESTAMP", Nullable: true},
	}, []warehouse.Row{
		{"id": "ABC123", "status": "active", "updated_at": "2025-09-16T20:00:00Z"},
		{"id": "DEF456", "status": "maintenance", "updated_at": "2025-09-16T21:00:00Z"},
	})

	c := &clock{t: time.Date(2025, 9, 16, 22, 30, 0, 0, time.UTC)}
	m, err := NewManager(store, Config{StateDir: t.TempDir(), Dataset: "snapshots", Now: c.now})
	require.NoError(t, err)
	return store, m, c
}

func TestNewBatchID(t *testing.T) {
	ts := time.Date(2025, 9, 16, 18, 30, 0, 0, time.FixedZone("EDT", -4*3600))
	assert.Equal(t, "20250916_223000", NewBatchID(ts))
	assert.Equal(t, "equipment_registry__snap_20250916_223000", CloneName("equipment_registry", "20250916_223000"))
}

func TestRestoreUndoesMerge(t *testing.T) {
	ctx := context.Background()
	store, m, _ := setup(t)
	batch := "20250916_223000"

	before := store.Rows(equipment)

	snap, err := m.Create(ctx, equipment, batch)
	require.NoError(t, err)
	assert.Equal(t, "equipment_registry__snap_20250916_223000", snap.CloneName)
	assert.Equal(t, int64(2), snap.RowCount)
	assert.Equal(t, time.Date(2025, 9, 17, 22, 30, 0, 0, time.UTC), snap.ExpiresAt)

	require.NoError(t, store.Apply(ctx, equipment, warehouse.ChangeSet{
		Key:     []string{"id"},
		Updates: []warehouse.Row{{"id": "ABC123", "status": "retired"}},
		Inserts: []warehouse.Row{{"id": "GHI789", "status": "active"}},
	}))
	require.Len(t, store.Rows(equipment), 3)

	result, err := m.Restore(ctx, equipment, batch)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, snap.Checksum, result.Checksum)
	assert.ElementsMatch(t, before, store.Rows(equipment))
}

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, m, _ := setup(t)

	first, err := m.Create(ctx, equipment, "20250916_223000")
	require.NoError(t, err)
	writes := store.Mutations()

	second, err := m.Create(ctx, equipment, "20250916_223000")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, writes, store.Mutations())
	assert.Len(t, m.List(""), 1)
}

func TestRestoreMissingOrExpired(t *testing.T) {
	ctx := context.Background()
	_, m, c := setup(t)

	_, err := m.Restore(ctx, equipment, "20250101_000000")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSnapshotNotFound))

	_, err = m.Create(ctx, equipment, "20250916_223000")
	require.NoError(t, err)

	c.t = c.t.Add(DefaultTTL)
	_, err = m.Restore(ctx, equipment, "20250916_223000")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSnapshotNotFound))
}

func TestRestoreWhenCloneWasDropped(t *testing.T) {
	ctx := context.Background()
	store, m, _ := setup(t)

	snap, err := m.Create(ctx, equipment, "20250916_223000")
	require.NoError(t, err)
	require.NoError(t, store.DropTable(ctx, snap.Clone()))

	_, err = m.Restore(ctx, equipment, "20250916_223000")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSnapshotNotFound))
}

func TestCreateFailureIsSnapshotError(t *testing.T) {
	ctx := context.Background()
	store, m, _ := setup(t)
	store.InjectFault("clone", "equipment_registry", errors.New("insufficient privileges"))

	_, err := m.Create(ctx, equipment, "20250916_223000")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSnapshotFailed))
	assert.Empty(t, m.List(""))

	_, err = m.Create(ctx, warehouse.TableRef{Dataset: "production", Name: "absent"}, "20250916_223000")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSnapshotFailed))
}

func TestCatalogSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	store.AddDataset("snapshots")
	store.Seed(equipment, []warehouse.Column{{Name: "id", Type: "STRING"}}, []warehouse.Row{{"id": "ABC123"}})
	dir := t.TempDir()
	now := func() time.Time { return time.Date(2025, 9, 16, 22, 30, 0, 0, time.UTC) }

	m1, err := NewManager(store, Config{StateDir: dir, Dataset: "snapshots", Now: now})
	require.NoError(t, err)
	created, err := m1.Create(ctx, equipment, "20250916_223000")
	require.NoError(t, err)

	m2, err := NewManager(store, Config{StateDir: dir, Dataset: "snapshots", Now: now})
	require.NoError(t, err)
	got, err := m2.Get(equipment, "20250916_223000")
	require.NoError(t, err)
	assert.Equal(t, created.Checksum, got.Checksum)
	assert.True(t, created.CreatedAt.Equal(got.CreatedAt))
}

func TestCreateAdoptsUncataloguedClone(t *testing.T) {
	ctx := context.Background()
	store, m, _ := setup(t)
	clone := warehouse.TableRef{Dataset: "snapshots", Name: CloneName("equipment_registry", "20250916_223000")}
	require.NoError(t, store.CloneTable(ctx, equipment, clone))
	writes := store.Mutations()

	snap, err := m.Create(ctx, equipment, "20250916_223000")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.RowCount)
	assert.Equal(t, writes, store.Mutations())
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	store, m, c := setup(t)

	old, err := m.Create(ctx, equipment, "20250915_100000")
	require.NoError(t, err)
	c.t = c.t.Add(20 * time.Hour)
	_, err = m.Create(ctx, equipment, "20250917_183000")
	require.NoError(t, err)

	c.t = c.t.Add(5 * time.Hour)
	purged, err := m.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, old.BatchID, purged[0].BatchID)

	exists, err := store.TableExists(ctx, old.Clone())
	require.NoError(t, err)
	assert.False(t, exists)

	remaining := m.List("equipment_registry")
	require.Len(t, remaining, 1)
	assert.Equal(t, "20250917_183000", remaining[0].BatchID)
}
