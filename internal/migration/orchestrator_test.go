package migration

import (
	"context"
	"sync"
	"testing"
	"time"

	"stagegate/internal/contract"
	"stagegate/internal/lease"
	"stagegate/internal/merge"
	"stagegate/internal/metrics"
	"stagegate/internal/snapshot"
	"stagegate/internal/validation"
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
	prodVehicles = warehouse.TableRef{Dataset: "production", Name: "vehicles"}
	prodDrivers  = warehouse.TableRef{Dataset: "production", Name: "drivers"}
	columns      = []warehouse.Column{
		{Name: "id", Type: "STRING"},
		{Name: "status", Type: "STRING", Nullable: true},
		{Name: "created_at", Type: "TIMESTAMP", Nullable: true},
		{Name: "updated_at", Type: "TIMESTAMP", Nullable: true},
	}
)

func tableContract(name string) contract.TableContract {
	return contract.TableContract{
		Name:       name,
		Key:        []string{"id"},
		Strategy:   contract.StrategyUpsert,
		Timestamps: contract.Timestamps{Created: "created_at", Updated: "updated_at"},
		Fields: []contract.Field{
			{Name: "id", Type: contract.TypeString, Required: true},
			{Name: "status", Type: contract.TypeString},
			{Name: "created_at", Type: contract.TypeTimestamp, Required: true},
			{Name: "updated_at", Type: contract.TypeTimestamp},
		},
		Rules: contract.QualityRules{
			Enums: []contract.EnumRule{{Field: "status", Values: []string{"active", "maintenance", "retired"}}},
		},
	}
}

type harness struct {
	store    *memory.Store
	registry *contract.Registry
	runs     *RunStore
	snaps    *snapshot.Manager
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		registry: contract.NewRegistry(tableContract("vehicles"), tableContract("drivers")),
		now:      time.Date(2025, 9, 16, 22, 30, 0, 0, time.UTC),
	}
	h.store.AddDataset("staging")
	h.store.AddDataset("production")
	h.store.AddDataset("snapshots")

	h.store.Seed(warehouse.TableRef{Dataset: "staging", Name: "vehicles"}, columns, []warehouse.Row{
		{"id": "ABC123", "status": "active", "created_at": t0, "updated_at": t1},
		{"id": "ABC123", "status": "maintenance", "created_at": t0, "updated_at": t2},
		{"id": "ABC123", "status": "retired", "created_at": t0, "updated_at": t3},
		{"id": "DEF456", "status": "active", "created_at": t0, "updated_at": t1},
	})
	h.store.Seed(prodVehicles, columns, []warehouse.Row{
		{"id": "ABC123", "status": "active", "created_at": t0, "updated_at": t0},
	})

	state := t.TempDir()
	runs, err := NewRunStore(state + "/runs")
	require.NoError(t, err)
	h.runs = runs
	snaps, err := snapshot.NewManager(h.store, snapshot.Config{StateDir: state, Dataset: "snapshots", Now: h.clock})
	require.NoError(t, err)
	h.snaps = snaps
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) seedDrivers(staging, production []warehouse.Row) {
	h.store.Seed(warehouse.TableRef{Dataset: "staging", Name: "drivers"}, columns, staging)
	if production != nil {
		h.store.Seed(prodDrivers, columns, production)
	}
}

func (h *harness) orchestrator(t *testing.T, cfg Config, tweak ...func(*Deps)) *Orchestrator {
	t.Helper()
	deps := Deps{
		Store:     h.store,
		Registry:  h.registry,
		Snapshots: h.snaps,
		Engine:    merge.NewEngine(h.store, merge.Options{Now: h.clock}),
		Validator: validation.NewValidator(h.store, validation.Options{Now: h.clock}),
		Runs:      h.runs,
	}
	for _, f := range tweak {
		f(&deps)
	}
	cfg.StagingDataset = "staging"
	cfg.ProductionDataset = "production"
	cfg.Now = h.clock
	o, err := NewOrchestrator(deps, cfg)
	require.NoError(t, err)
	return o
}

func TestLiveRunMergesAndValidates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := metrics.NewRecorder()

	o := h.orchestrator(t, Config{Mode: ModeLive}, func(d *Deps) { d.Metrics = rec })
	run, err := o.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, PhaseSuccess, run.Phase)
	assert.Equal(t, validation.OutcomeSuccess, run.Outcome)
	assert.Equal(t, "20250916_223000", run.BatchID)
	assert.Empty(t, run.RollbackRef)
	require.NotNil(t, run.FinishedAt)

	vt := run.Table("vehicles")
	require.NotNil(t, vt)
	assert.Equal(t, TableValidated, vt.Status)
	assert.Equal(t, "vehicles__snap_20250916_223000", vt.Snapshot)
	require.NotNil(t, vt.Merge)
	assert.Equal(t, 1, vt.Merge.Inserted)
	assert.Equal(t, 1, vt.Merge.Updated)
	assert.Equal(t, 2, vt.Merge.Collapsed)

	rows := h.store.Rows(prodVehicles)
	require.Len(t, rows, 2)
	for _, r := range rows {
		if r["id"] == "ABC123" {
			assert.Equal(t, "retired", r["status"])
		}
	}

	saved, err := h.runs.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseSuccess, saved.Phase)
	assert.Equal(t, TableValidated, saved.Table("vehicles").Status)

	assert.Equal(t, 1.0, rec.Counter(metrics.TablesTotal, metrics.Labels{"phase": "SUCCESS", "status": "validated"}))
	assert.NotEmpty(t, rec.Samples(metrics.PhaseDurationSeconds, metrics.Labels{"phase": "MERGE"}))
}

func TestRerunIsIdempotentWithFreshBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.orchestrator(t, Config{Mode: ModeLive}).Run(ctx)
	require.NoError(t, err)
	before := h.store.Rows(prodVehicles)

	h.now = h.now.Add(time.Minute)
	second, err := h.orchestrator(t, Config{Mode: ModeLive}).Run(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.BatchID, second.BatchID)
	assert.Equal(t, "20250916_223100", second.BatchID)
	m := second.Table("vehicles").Merge
	require.NotNil(t, m)
	assert.Zero(t, m.Inserted)
	assert.Zero(t, m.Updated)
	assert.Equal(t, 2, m.Unchanged)
	assert.ElementsMatch(t, before, h.store.Rows(prodVehicles))
}

func TestSameSecondRunsGetDistinctBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.orchestrator(t, Config{Mode: ModeLive}).Run(ctx)
	require.NoError(t, err)
	require.Len(t, h.store.Rows(prodVehicles), 2)

	h.store.Seed(warehouse.TableRef{Dataset: "staging", Name: "vehicles"}, columns, []warehouse.Row{
		{"id": "GHI789", "status": "scrapped", "created_at": t0, "updated_at": t3},
	})
	second, err := h.orchestrator(t, Config{Mode: ModeLive}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "20250916_223000", first.BatchID)
	assert.Equal(t, "20250916_223001", second.BatchID)
	assert.Equal(t, second.BatchID, second.RollbackRef)

	snap, err := h.snaps.Get(prodVehicles, second.BatchID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.RowCount, "taken after the first run merged")

	res, err := h.snaps.Restore(ctx, prodVehicles, second.RollbackRef)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Len(t, h.store.Rows(prodVehicles), 2, "restoring the second run keeps the first run's rows")
}

func TestDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedDrivers([]warehouse.Row{{"id": "D1", "status": "active", "created_at": t0, "updated_at": t1}}, nil)
	locker := &countingLocker{}

	o := h.orchestrator(t, Config{Mode: ModeDryRun}, func(d *Deps) {
		d.Snapshots = nil
		d.Locker = locker
	})
	run, err := o.Run(ctx)
	require.NoError(t, err)

	assert.Zero(t, h.store.Mutations())
	assert.Zero(t, locker.acquired)
	snaps, err := h.store.ListTables(ctx, "snapshots")
	require.NoError(t, err)
	assert.Empty(t, snaps)

	assert.Equal(t, PhaseSuccess, run.Phase)
	vt := run.Table("vehicles")
	require.NotNil(t, vt.Merge)
	assert.False(t, vt.Merge.Applied)
	assert.Equal(t, 1, vt.Merge.Updated)
	assert.Equal(t, TablePending, vt.Status)
	require.NotNil(t, vt.Validation, "current production is validated")

	dt := run.Table("drivers")
	require.NotNil(t, dt)
	assert.False(t, dt.Existed)
	assert.False(t, dt.Created)
	assert.Nil(t, dt.Validation)
	assert.NotEmpty(t, dt.Note)
	require.NotNil(t, dt.Merge)
	assert.Equal(t, 1, dt.Merge.Inserted)
}

func TestSnapshotFailureAbortsBeforeMerge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedDrivers(
		[]warehouse.Row{{"id": "D1", "status": "active", "created_at": t0, "updated_at": t1}},
		[]warehouse.Row{{"id": "D0", "status": "active", "created_at": t0, "updated_at": t0}},
	)
	vehiclesBefore := h.store.Rows(prodVehicles)
	driversBefore := h.store.Rows(prodDrivers)
	h.store.InjectFault("clone", "vehicles", apperrors.InfraError("clone refused", nil))

	run, err := h.orchestrator(t, Config{Mode: ModeLive}).Run(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSnapshotFailed))

	assert.Equal(t, PhaseHardFailure, run.Phase)
	assert.Equal(t, PhaseSnapshot, run.FailedPhase)
	assert.Equal(t, validation.OutcomeHardFailure, run.Outcome)
	assert.Equal(t, run.BatchID, run.RollbackRef, "drivers snapshot is retained")
	assert.Equal(t, TableFailed, run.Table("vehicles").Status)
	for _, tbl := range run.Tables {
		assert.Nil(t, tbl.Merge)
	}
	assert.ElementsMatch(t, vehiclesBefore, h.store.Rows(prodVehicles))
	assert.ElementsMatch(t, driversBefore, h.store.Rows(prodDrivers))
}

func TestHardFailureRetainsSnapshots(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.Seed(warehouse.TableRef{Dataset: "staging", Name: "vehicles"}, columns, []warehouse.Row{
		{"id": "ABC123", "status": "scrapped", "created_at": t0, "updated_at": t2},
	})

	run, err := h.orchestrator(t, Config{Mode: ModeLive}).Run(ctx)
	require.NoError(t, err, "a validation verdict is not an error")

	assert.Equal(t, PhaseHardFailure, run.Phase)
	assert.Equal(t, validation.OutcomeHardFailure, run.Outcome)
	assert.Equal(t, run.BatchID, run.RollbackRef)
	assert.False(t, run.Aborted())
	assert.Equal(t, TableValidated, run.Table("vehicles").Status)

	// without auto rollback the bad batch stays and the snapshot can restore it
	rows := h.store.Rows(prodVehicles)
	require.Len(t, rows, 1)
	assert.Equal(t, "scrapped", rows[0]["status"])

	res, err := h.snaps.Restore(ctx, prodVehicles, run.RollbackRef)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, "active", h.store.Rows(prodVehicles)[0]["status"])
}

func TestAutoRollbackRestoresMergedTables(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	before := h.store.Rows(prodVehicles)
	h.store.Seed(warehouse.TableRef{Dataset: "staging", Name: "vehicles"}, columns, []warehouse.Row{
		{"id": "ABC123", "status": "scrapped", "created_at": t0, "updated_at": t2},
	})
	h.seedDrivers([]warehouse.Row{{"id": "D1", "status": "active", "created_at": t0, "updated_at": t1}}, nil)

	run, err := h.orchestrator(t, Config{Mode: ModeLive, AutoRollback: true}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, PhaseHardFailure, run.Phase)
	assert.Equal(t, TableRolledBack, run.Table("vehicles").Status)
	assert.ElementsMatch(t, before, h.store.Rows(prodVehicles))

	dt := run.Table("drivers")
	assert.True(t, dt.Created)
	assert.Equal(t, TableRolledBack, dt.Status)
	exists, err := h.store.TableExists(ctx, prodDrivers)
	require.NoError(t, err)
	assert.False(t, exists, "tables created by the run are dropped")
}

func TestLeaseHeldAbortsLiveRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	locker, err := lease.NewFileLocker(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "production.vehicles", "other-run", time.Hour)
	require.NoError(t, err)

	run, err := h.orchestrator(t, Config{Mode: ModeLive}, func(d *Deps) { d.Locker = locker }).Run(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeLeaseHeld))
	assert.Equal(t, PhasePrecheck, run.FailedPhase)
	assert.Zero(t, h.store.Mutations())
	assert.Empty(t, run.RollbackRef)
}

func TestLeasesReleasedAfterRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	locker, err := lease.NewFileLocker(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = h.orchestrator(t, Config{Mode: ModeLive}, func(d *Deps) { d.Locker = locker }).Run(ctx)
	require.NoError(t, err)

	l, err := locker.Acquire(ctx, "production.vehicles", "next-run", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "next-run", l.Holder)
}

func TestLeasesAreScopedToProductionDataset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	locker, err := lease.NewFileLocker(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "archive.vehicles", "other-run", time.Hour)
	require.NoError(t, err)

	run, err := h.orchestrator(t, Config{Mode: ModeLive}, func(d *Deps) { d.Locker = locker }).Run(ctx)
	require.NoError(t, err, "a lease on another dataset's vehicles table does not block production")
	assert.Equal(t, PhaseSuccess, run.Phase)
}

func TestMergeFailureStopsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.InjectFault("apply", "vehicles", apperrors.InfraError("warehouse went away", nil))

	run, err := h.orchestrator(t, Config{Mode: ModeLive}).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, PhaseHardFailure, run.Phase)
	assert.Equal(t, PhaseMerge, run.FailedPhase)
	assert.Equal(t, TableFailed, run.Table("vehicles").Status)
	assert.Equal(t, run.BatchID, run.RollbackRef)
	assert.True(t, run.Aborted())
}

func TestValidationInfraErrorAbortsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.store.InjectFault("count_duplicates", "vehicles", apperrors.TimeoutError("count duplicates", context.DeadlineExceeded))

	run, err := h.orchestrator(t, Config{Mode: ModeLive}).Run(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationInfra))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTimeout))
	assert.Equal(t, PhaseValidate, run.FailedPhase)
	assert.Equal(t, string(apperrors.ErrCodeValidationInfra), run.ErrorCode)
}

func TestNoMatchingTables(t *testing.T) {
	h := newHarness(t)
	run, err := h.orchestrator(t, Config{Mode: ModeDryRun, Tables: "trips_*"}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	assert.Equal(t, PhaseHardFailure, run.Phase)
}

func TestMissingDatasetFailsPrecheck(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, Config{Mode: ModeDryRun})
	o.cfg.ProductionDataset = "prod_typo"
	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatasetNotFound))
}

func TestInterruptedRunResumes(t *testing.T) {
	h := newHarness(t)
	h.seedDrivers(
		[]warehouse.Row{{"id": "D1", "status": "active", "created_at": t0, "updated_at": t1}},
		[]warehouse.Row{{"id": "D0", "status": "active", "created_at": t0, "updated_at": t0}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &cancelingSource{
		inner:  merge.NewStagingSource(h.store, "staging"),
		after:  "drivers",
		cancel: cancel,
	}
	o := h.orchestrator(t, Config{Mode: ModeLive, MaxParallel: 1}, func(d *Deps) { d.Source = src })
	run, err := o.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// drivers was in flight and completed; vehicles never started
	assert.Equal(t, PhaseMerge, run.Phase)
	assert.Equal(t, TableMerged, run.Table("drivers").Status)
	assert.Equal(t, TableSnapshotted, run.Table("vehicles").Status)
	assert.Len(t, h.store.Rows(prodDrivers), 2)

	saved, err := h.runs.Get(run.ID)
	require.NoError(t, err)
	assert.False(t, saved.Phase.Terminal())

	h.now = h.now.Add(5 * time.Minute)
	resumed, err := h.orchestrator(t, Config{Mode: ModeLive}).Resume(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, resumed.ID)
	assert.Equal(t, run.BatchID, resumed.BatchID)
	assert.Equal(t, PhaseSuccess, resumed.Phase)
	assert.Equal(t, TableValidated, resumed.Table("vehicles").Status)
	assert.Equal(t, TableValidated, resumed.Table("drivers").Status)
	assert.Equal(t, 1, resumed.Table("drivers").Merge.Inserted, "drivers keeps its first merge result")
	assert.Empty(t, resumed.Error)

	_, err = h.orchestrator(t, Config{Mode: ModeLive}).Resume(context.Background(), run.ID)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestResumeUnknownRun(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator(t, Config{Mode: ModeLive}).Resume(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestLiveModeNeedsSnapshots(t *testing.T) {
	h := newHarness(t)
	_, err := NewOrchestrator(Deps{
		Store:     h.store,
		Registry:  h.registry,
		Engine:    merge.NewEngine(h.store, merge.Options{}),
		Validator: validation.NewValidator(h.store, validation.Options{}),
		Runs:      h.runs,
	}, Config{Mode: ModeLive})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfigInvalid))
}

type countingLocker struct {
	mu       sync.Mutex
	acquired int
}

func (c *countingLocker) Acquire(ctx context.Context, table, holder string, ttl time.Duration) (*lease.Lease, error) {
	c.mu.Lock()
	c.acquired++
	c.mu.Unlock()
	return lease.Noop{}.Acquire(ctx, table, holder, ttl)
}

func (c *countingLocker) Release(context.Context, *lease.Lease) error { return nil }

// cancelingSource cancels the run's context once a given table has been read.
type cancelingSource struct {
	inner  merge.Source
	after  string
	cancel context.CancelFunc
}

func (s *cancelingSource) Rows(ctx context.Context, table string) ([]warehouse.Row, error) {
	rows, err := s.inner.Rows(ctx, table)
	if table == s.after {
		s.cancel()
	}
	return rows, err
}
