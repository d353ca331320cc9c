package merge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"stagegate/internal/contract"
	"stagegate/internal/metrics"
	"stagegate/internal/warehouse"
	"stagegate/internal/warehouse/memory"
	apperrors "stagegate/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	t0 = "2025-09-15T08:00:00Z"
	t1 = "2025-09-16T08:00:00Z"
	t2 = "2025-09-16T12:00:00Z"
	t3 = "2025-09-16T18:00:00Z"
)

var (
	vehicles = warehouse.TableRef{Dataset: "production", Name: "vehicles"}
	fixedNow = time.Date(2025, 9, 16, 22, 30, 0, 0, time.UTC)
)

func vehicleContract() contract.TableContract {
	return contract.TableContract{
		Name:         "vehicles",
		Key:          []string{"id"},
		Strategy:     contract.StrategyUpsert,
		GeneratedKey: "row_uuid",
		Timestamps:   contract.Timestamps{Created: "created_at", Updated: "updated_at", Deleted: "deleted_at"},
	}
}

var vehicleColumns = []warehouse.Column{
	{Name: "id", Type: "STRING"},
	{Name: "row_uuid", Type: "STRING", Nullable: true},
	{Name: "status", Type: "STRING", Nullable: true},
	{Name: "created_at", Type: "TIMESTAMP", Nullable: true},
	{Name: "updated_at", Type: "TIMESTAMP", Nullable: true},
	{Name: "deleted_at", Type: "TIMESTAMP", Nullable: true},
}

func newEngine(store warehouse.Store) *Engine {
	return NewEngine(store, Options{
		Now:   func() time.Time { return fixedNow },
		NewID: func() string { return "00000000-0000-0000-0000-000000000001" },
	})
}

func seedVehicles(rows ...warehouse.Row) *memory.Store {
	store := memory.New()
	store.Seed(vehicles, vehicleColumns, rows)
	return store
}

func findRow(t *testing.T, rows []warehouse.Row, id string) warehouse.Row {
	t.Helper()
	for _, r := range rows {
		if r["id"] == id {
			return r
		}
	}
	t.Fatalf("row %s not found", id)
	return nil
}

func TestDedupKeepsLatestVersion(t *testing.T) {
	rows := []warehouse.Row{
		{"id": "ABC123", "status": "maintenance", "updated_at": t2},
		{"id": "ABC123", "status": "retired", "updated_at": t3},
		{"id": "DEF456", "status": "active", "updated_at": t1},
		{"id": "ABC123", "status": "active", "updated_at": t1},
	}

	d, err := Dedup(vehicleContract(), rows)
	require.NoError(t, err)

	require.Len(t, d.Rows, 2)
	assert.Equal(t, "ABC123", d.Rows[0]["id"])
	assert.Equal(t, "retired", d.Rows[0]["status"])
	assert.Equal(t, 4, d.Received)
	assert.Equal(t, 2, d.Collapsed)
	assert.Zero(t, d.Excluded)
}

func TestDedupTieBreaks(t *testing.T) {
	c := vehicleContract()

	t.Run("equal updated falls back to created", func(t *testing.T) {
		d, err := Dedup(c, []warehouse.Row{
			{"id": "A", "status": "newer", "created_at": t1, "updated_at": t2},
			{"id": "A", "status": "older", "created_at": t0, "updated_at": t2},
		})
		require.NoError(t, err)
		assert.Equal(t, "newer", d.Rows[0]["status"])
	})

	t.Run("identical timestamps pick the later row", func(t *testing.T) {
		d, err := Dedup(c, []warehouse.Row{
			{"id": "A", "status": "first", "created_at": t1, "updated_at": t2},
			{"id": "A", "status": "second", "created_at": t1, "updated_at": t2},
		})
		require.NoError(t, err)
		assert.Equal(t, "second", d.Rows[0]["status"])
	})

	t.Run("a timestamp beats a missing one", func(t *testing.T) {
		d, err := Dedup(c, []warehouse.Row{
			{"id": "A", "status": "stamped", "updated_at": t1},
			{"id": "A", "status": "unstamped", "updated_at": nil},
		})
		require.NoError(t, err)
		assert.Equal(t, "stamped", d.Rows[0]["status"])
	})
}

func TestDedupConflictWithoutTimestamps(t *testing.T) {
	c := contract.TableContract{Name: "codes", Key: []string{"code"}, Strategy: contract.StrategyUpsert}

	d, err := Dedup(c, []warehouse.Row{
		{"code": "P0420", "label": "catalyst"},
		{"code": "P0420", "label": "catalyst"},
	})
	require.NoError(t, err)
	assert.Len(t, d.Rows, 1)
	assert.Equal(t, 1, d.Collapsed)

	_, err = Dedup(c, []warehouse.Row{
		{"code": "P0420", "label": "catalyst"},
		{"code": "P0420", "label": "oxygen sensor"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMergeConflict))
}

func TestMalformedThreshold(t *testing.T) {
	batch := func(total, missing int) []warehouse.Row {
		rows := make([]warehouse.Row, 0, total)
		for i := 0; i < total; i++ {
			id := any(fmt.Sprintf("V%03d", i))
			if i < missing {
				id = ""
			}
			rows = append(rows, warehouse.Row{"id": id, "status": "active", "updated_at": t1})
		}
		return rows
	}
	e := newEngine(seedVehicles())

	plan, err := e.Plan(context.Background(), vehicleContract(), vehicles, batch(20, 1))
	require.NoError(t, err, "five percent malformed is within the threshold")
	assert.Equal(t, 1, plan.Result.Excluded)
	assert.Equal(t, 19, plan.Result.Inserted)

	_, err = e.Plan(context.Background(), vehicleContract(), vehicles, batch(10, 1))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBatchQuality))
}

func TestMergeConvergesOnLatestVersion(t *testing.T) {
	ctx := context.Background()
	store := seedVehicles(warehouse.Row{
		"id": "ABC123", "row_uuid": "u-1", "status": "active", "created_at": t0, "updated_at": t1, "deleted_at": nil,
	})
	e := newEngine(store)
	staging := []warehouse.Row{
		{"id": "ABC123", "status": "maintenance", "created_at": t1, "updated_at": t2, "deleted_at": nil},
		{"id": "ABC123", "status": "retired", "created_at": t1, "updated_at": t3, "deleted_at": nil},
		{"id": "ABC123", "status": "active", "created_at": t1, "updated_at": t1, "deleted_at": nil},
	}

	result, err := e.Merge(ctx, vehicleContract(), vehicles, staging)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 2, result.Collapsed)
	assert.True(t, result.Applied)

	row := findRow(t, store.Rows(vehicles), "ABC123")
	assert.Equal(t, "retired", row["status"])
	assert.Equal(t, t3, row["updated_at"])
	assert.Equal(t, t0, row["created_at"], "creation time is preserved")
	assert.Equal(t, "u-1", row["row_uuid"])

	writes := store.Mutations()
	again, err := e.Merge(ctx, vehicleContract(), vehicles, staging)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Unchanged)
	assert.Zero(t, again.Written())
	assert.Equal(t, writes, store.Mutations(), "a repeated batch writes nothing")
}

func TestMergeSkipsStaleRows(t *testing.T) {
	store := seedVehicles(warehouse.Row{"id": "ABC123", "status": "retired", "updated_at": t3})

	result, err := newEngine(store).Merge(context.Background(), vehicleContract(), vehicles, []warehouse.Row{
		{"id": "ABC123", "status": "active", "updated_at": t2},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stale)
	assert.Equal(t, "retired", findRow(t, store.Rows(vehicles), "ABC123")["status"])
}

func TestMergeInsertFillsGeneratedKeyAndTimestamps(t *testing.T) {
	store := seedVehicles()

	result, err := newEngine(store).Merge(context.Background(), vehicleContract(), vehicles, []warehouse.Row{
		{"id": "GHI789", "status": "active"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)

	row := findRow(t, store.Rows(vehicles), "GHI789")
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", row["row_uuid"])
	assert.Equal(t, fixedNow, row["created_at"])
	assert.Equal(t, fixedNow, row["updated_at"])
}

func TestMergeStampsUpdateTimeWhenAbsent(t *testing.T) {
	store := seedVehicles(warehouse.Row{"id": "ABC123", "status": "active", "created_at": t0, "updated_at": t1})

	result, err := newEngine(store).Merge(context.Background(), vehicleContract(), vehicles, []warehouse.Row{
		{"id": "ABC123", "status": "retired", "updated_at": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	row := findRow(t, store.Rows(vehicles), "ABC123")
	assert.Equal(t, fixedNow, row["updated_at"])
	assert.Equal(t, t0, row["created_at"])
}

func TestSoftDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	store := seedVehicles(warehouse.Row{"id": "ABC123", "status": "active", "updated_at": t1, "deleted_at": nil})
	e := newEngine(store)

	result, err := e.Merge(ctx, vehicleContract(), vehicles, []warehouse.Row{
		{"id": "ABC123", "status": "active", "updated_at": t2, "deleted_at": t2},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Tombstoned)
	assert.Len(t, store.Rows(vehicles), 1, "rows are never physically deleted")

	result, err = e.Merge(ctx, vehicleContract(), vehicles, []warehouse.Row{
		{"id": "ABC123", "status": "active", "updated_at": t3, "deleted_at": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Restored)
	assert.Nil(t, findRow(t, store.Rows(vehicles), "ABC123")["deleted_at"])
}

func TestAppendOnlyNeverUpdates(t *testing.T) {
	logs := warehouse.TableRef{Dataset: "production", Name: "audit_log"}
	store := memory.New()
	store.Seed(logs, []warehouse.Column{
		{Name: "event_id", Type: "STRING"},
		{Name: "action", Type: "STRING"},
		{Name: "created_at", Type: "TIMESTAMP"},
	}, []warehouse.Row{{"event_id": "e1", "action": "login", "created_at": t1}})

	c := contract.TableContract{
		Name:       "audit_log",
		Key:        []string{"id"},
		NaturalKey: []string{"event_id"},
		Strategy:   contract.StrategyAppendOnly,
		Timestamps: contract.Timestamps{Created: "created_at"},
	}
	result, err := newEngine(store).Merge(context.Background(), c, logs, []warehouse.Row{
		{"event_id": "e1", "action": "tampered", "created_at": t2},
		{"event_id": "e2", "action": "logout", "created_at": t2},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Skipped)

	rows := store.Rows(logs)
	require.Len(t, rows, 2)
	for _, r := range rows {
		if r["event_id"] == "e1" {
			assert.Equal(t, "login", r["action"])
		}
	}
}

func TestReplaceSwapsContent(t *testing.T) {
	store := seedVehicles(
		warehouse.Row{"id": "OLD1", "status": "active", "updated_at": t0},
		warehouse.Row{"id": "OLD2", "status": "active", "updated_at": t0},
	)
	c := vehicleContract()
	c.Strategy = contract.StrategyReplace

	result, err := newEngine(store).Merge(context.Background(), c, vehicles, []warehouse.Row{
		{"id": "NEW1", "status": "active", "updated_at": t1},
		{"id": "NEW1", "status": "retired", "updated_at": t2},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Replaced)

	rows := store.Rows(vehicles)
	require.Len(t, rows, 1)
	assert.Equal(t, "retired", rows[0]["status"])
}

func TestPlanDoesNotWriteAndReportsDroppedColumns(t *testing.T) {
	store := seedVehicles(warehouse.Row{"id": "ABC123", "status": "active", "updated_at": t1})
	writes := store.Mutations()

	plan, err := newEngine(store).Plan(context.Background(), vehicleContract(), vehicles, []warehouse.Row{
		{"id": "ABC123", "STATUS": "retired", "updated_at": t2, "mileage": 120000},
		{"id": "XYZ999", "STATUS": "active", "updated_at": t2, "mileage": 5},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, plan.Result.Updated)
	assert.Equal(t, 1, plan.Result.Inserted)
	assert.Equal(t, []string{"mileage"}, plan.Result.DroppedColumns)
	assert.False(t, plan.Result.Applied)
	require.Len(t, plan.Changes.Updates, 1)
	assert.Equal(t, "retired", plan.Changes.Updates[0]["status"])
	assert.Equal(t, writes, store.Mutations())
}

func TestPlanForMissingTableInsertsEverything(t *testing.T) {
	store := memory.New()
	store.AddDataset("production")

	plan, err := newEngine(store).Plan(context.Background(), vehicleContract(), vehicles, []warehouse.Row{
		{"id": "A", "updated_at": t1},
		{"id": "B", "updated_at": t1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Result.Inserted)
}

func TestMergeRecordsMetrics(t *testing.T) {
	rec := metrics.NewRecorder()
	store := seedVehicles()
	e := NewEngine(store, Options{Metrics: rec, Now: func() time.Time { return fixedNow }})

	_, err := e.Merge(context.Background(), vehicleContract(), vehicles, []warehouse.Row{
		{"id": "A", "updated_at": t1},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), rec.Counter(metrics.RecordsTotal, metrics.Labels{"kind": "inserted"}))
}

func TestMergeApplyFailureLeavesTableUntouched(t *testing.T) {
	store := seedVehicles(warehouse.Row{"id": "ABC123", "status": "active", "updated_at": t1})
	store.InjectFault("apply", "vehicles", apperrors.InfraError("connection reset", nil))

	_, err := newEngine(store).Merge(context.Background(), vehicleContract(), vehicles, []warehouse.Row{
		{"id": "ABC123", "status": "retired", "updated_at": t2},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInfra))
	assert.Equal(t, "active", findRow(t, store.Rows(vehicles), "ABC123")["status"])
}

func TestStagingSourceReadsBatch(t *testing.T) {
	store := memory.New()
	ref := warehouse.TableRef{Dataset: "staging", Name: "vehicles"}
	store.Seed(ref, vehicleColumns[:1], []warehouse.Row{{"id": "A"}, {"id": "B"}})

	rows, err := NewStagingSource(store, "staging").Rows(context.Background(), "vehicles")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = NewStagingSource(store, "staging").Rows(context.Background(), "absent")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}
