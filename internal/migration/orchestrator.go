// Package migration drives a staging to production migration through a
// persisted state machine:
//
//	INIT -> PRECHECK -> SNAPSHOT -> SCHEMA_RECONCILE -> MERGE -> VALIDATE -> SUCCESS | HARD_FAILURE
//
// The run is saved after every transition so an interrupted run can be resumed
// with the same batch id.
package migration

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stagegate/internal/contract"
	"stagegate/internal/lease"
	"stagegate/internal/merge"
	"stagegate/internal/metrics"
	"stagegate/internal/observability"
	"stagegate/internal/schema"
	"stagegate/internal/snapshot"
	"stagegate/internal/validation"
	"stagegate/internal/warehouse"
	"stagegate/pkg/errors"
)

// DefaultMaxParallel bounds concurrent table merges when unset.
const DefaultMaxParallel = 4

// Config holds per-run settings.
type Config struct {
	Mode              Mode
	StagingDataset    string
	ProductionDataset string
	// Tables is a glob or comma-separated list matched against staging tables.
	Tables       string
	MaxParallel  int
	AutoRollback bool
	LeaseTTL     time.Duration
	Retry        *errors.RetryConfig
	Now          func() time.Time
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store      warehouse.Store
	Registry   *contract.Registry
	Snapshots  *snapshot.Manager // required for live runs
	Engine     *merge.Engine
	Validator  *validation.Validator
	Reconciler *schema.Reconciler
	Source     merge.Source // defaults to the staging dataset
	Locker     lease.Locker // defaults to lease.Noop
	Runs       *RunStore
	Logger     *observability.Logger
	Metrics    metrics.Backend
}

// Orchestrator executes migration runs.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu            sync.Mutex // guards run state while merges run in parallel
	leases        []*lease.Lease
	defaultSource bool
	logger        *observability.Logger
}

// NewOrchestrator validates deps and fills defaults.
func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Engine == nil || deps.Validator == nil || deps.Runs == nil {
		return nil, errors.New(errors.ErrCodeInternal, "orchestrator is missing a collaborator")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDryRun
	}
	if cfg.Mode == ModeLive && deps.Snapshots == nil {
		return nil, errors.ConfigError("live runs need a snapshot manager", "datasets.snapshots")
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lease.DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Reconciler == nil {
		deps.Reconciler = schema.NewReconciler(deps.Store, deps.Logger)
	}
	defaultSource := deps.Source == nil
	if defaultSource {
		deps.Source = merge.NewStagingSource(deps.Store, cfg.StagingDataset)
	}
	if deps.Locker == nil {
		deps.Locker = lease.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	return &Orchestrator{
		deps:          deps,
		cfg:           cfg,
		defaultSource: defaultSource,
		logger:        deps.Logger.Named("migration"),
	}, nil
}

// Run starts a new run. The returned run is never nil once INIT has been
// persisted; err reports why it did not reach SUCCESS by its own steps.
func (o *Orchestrator) Run(ctx context.Context) (*Run, error) {
	now := o.cfg.Now().UTC()
	batchID, err := o.freshBatchID(now)
	if err != nil {
		return nil, err
	}
	run := &Run{
		ID:                uuid.NewString(),
		BatchID:           batchID,
		Mode:              o.cfg.Mode,
		StagingDataset:    o.cfg.StagingDataset,
		ProductionDataset: o.cfg.ProductionDataset,
		TablePattern:      o.cfg.Tables,
		AutoRollback:      o.cfg.AutoRollback,
		Phase:             PhaseInit,
		Outcome:           validation.OutcomeRunning,
		StartedAt:         now,
	}
	if err := o.save(run); err != nil {
		return nil, err
	}
	return run, o.execute(ctx, run)
}

// freshBatchID formats now as a batch id, moving forward a second at a time
// past ids already used by a stored run or a catalogued snapshot.
func (o *Orchestrator) freshBatchID(now time.Time) (string, error) {
	for t := now; ; t = t.Add(time.Second) {
		id := snapshot.NewBatchID(t)
		taken, err := o.deps.Runs.BatchInUse(id)
		if err != nil {
			return "", err
		}
		if !taken && (o.deps.Snapshots == nil || !o.deps.Snapshots.HasBatch(id)) {
			return id, nil
		}
	}
}

// Resume continues a persisted run that has not reached a terminal phase. The
// batch id is kept and tables already merged are not merged again.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*Run, error) {
	run, err := o.deps.Runs.Get(runID)
	if err != nil {
		return nil, err
	}
	if run.Phase.Terminal() {
		return run, errors.New(errors.ErrCodeInvalidState, "run already finished").
			WithContext("run_id", run.ID).
			WithContext("phase", string(run.Phase))
	}
	if run.Mode != o.cfg.Mode {
		return run, errors.New(errors.ErrCodeInvalidState, "run was started in a different mode").
			WithContext("run_id", run.ID).
			WithContext("mode", string(run.Mode))
	}
	o.cfg.StagingDataset = run.StagingDataset
	o.cfg.ProductionDataset = run.ProductionDataset
	o.cfg.AutoRollback = run.AutoRollback
	if o.defaultSource {
		o.deps.Source = merge.NewStagingSource(o.deps.Store, run.StagingDataset)
	}
	run.Error, run.ErrorCode, run.FailedPhase = "", "", ""
	o.logger.Info("resuming run",
		observability.String("run_id", run.ID),
		observability.String("batch_id", run.BatchID),
		observability.String("phase", string(run.Phase)))
	return run, o.execute(ctx, run)
}

func (o *Orchestrator) execute(ctx context.Context, run *Run) error {
	ctx = observability.ContextWithRunID(ctx, run.ID)
	log := o.logger.With(
		observability.String("run_id", run.ID),
		observability.String("batch_id", run.BatchID),
		observability.String("mode", string(run.Mode)))
	defer o.releaseLeases(ctx, log)

	steps := map[Phase]func(context.Context, *Run, *observability.Logger) error{
		PhasePrecheck:        o.precheck,
		PhaseSnapshot:        o.snapshot,
		PhaseSchemaReconcile: o.reconcile,
		PhaseMerge:           o.merge,
		PhaseValidate:        o.validate,
	}

	// precheck always runs so leases are held again after a resume
	resumeAt := 0
	for i, p := range phaseOrder {
		if p == run.Phase {
			resumeAt = i
		}
	}

	for i, phase := range phaseOrder {
		if i > 0 && i < resumeAt {
			continue
		}
		if err := o.transition(run, phase, log); err != nil {
			return err
		}
		start := time.Now()
		err := steps[phase](ctx, run, log)
		o.deps.Metrics.ObserveHistogram(metrics.PhaseDurationSeconds, time.Since(start).Seconds(), metrics.Labels{"phase": string(phase)})
		if err != nil {
			return o.fail(run, phase, err, log)
		}
	}
	return o.finish(ctx, run, log)
}

func (o *Orchestrator) transition(run *Run, phase Phase, log *observability.Logger) error {
	o.mu.Lock()
	run.Phase = phase
	o.mu.Unlock()
	log.Info("phase started", observability.String("phase", string(phase)))
	return o.save(run)
}

// fail records err. Cancellation leaves the run resumable; anything else is terminal.
func (o *Orchestrator) fail(run *Run, phase Phase, err error, log *observability.Logger) error {
	o.mu.Lock()
	run.Error = err.Error()
	run.ErrorCode = string(errors.GetErrorCode(err))
	run.FailedPhase = phase
	interrupted := stderrors.Is(err, context.Canceled)
	if !interrupted {
		run.Phase = PhaseHardFailure
		run.Outcome = validation.OutcomeHardFailure
		now := o.cfg.Now().UTC()
		run.FinishedAt = &now
	}
	if run.Mode == ModeLive && o.snapshotsTaken(run) {
		run.RollbackRef = run.BatchID
	}
	o.mu.Unlock()

	if interrupted {
		log.Warn("run interrupted, resume with the run id",
			observability.String("phase", string(phase)),
			observability.Err(err))
	} else {
		log.Error("run aborted",
			observability.String("phase", string(phase)),
			observability.String("rollback_ref", run.RollbackRef),
			observability.Err(err))
	}
	if saveErr := o.save(run); saveErr != nil {
		log.Error("failed to persist run", observability.Err(saveErr))
	}
	return err
}

func (o *Orchestrator) finish(ctx context.Context, run *Run, log *observability.Logger) error {
	outcome := validation.OutcomeSuccess
	for _, t := range run.Tables {
		if t.Validation == nil {
			continue
		}
		switch t.Validation.Outcome {
		case validation.OutcomeHardFailure:
			outcome = validation.OutcomeHardFailure
		case validation.OutcomeSoftFailure:
			if outcome == validation.OutcomeSuccess {
				outcome = validation.OutcomeSoftFailure
			}
		}
	}
	run.Outcome = outcome

	if outcome == validation.OutcomeHardFailure {
		run.Phase = PhaseHardFailure
		if run.Mode == ModeLive {
			if run.AutoRollback {
				o.rollback(ctx, run, log)
			}
			if o.snapshotsTaken(run) {
				run.RollbackRef = run.BatchID
			}
		}
	} else {
		run.Phase = PhaseSuccess
	}
	now := o.cfg.Now().UTC()
	run.FinishedAt = &now

	for _, t := range run.Tables {
		o.deps.Metrics.IncCounter(metrics.TablesTotal, 1, metrics.Labels{"phase": string(run.Phase), "status": string(t.Status)})
	}
	log.Info("run finished",
		observability.String("phase", string(run.Phase)),
		observability.String("outcome", string(run.Outcome)),
		observability.Int("tables", len(run.Tables)),
		observability.String("rollback_ref", run.RollbackRef))
	return o.save(run)
}

func (o *Orchestrator) precheck(ctx context.Context, run *Run, log *observability.Logger) error {
	store := o.deps.Store
	if err := errors.Retry(ctx, o.cfg.Retry, store.Ping); err != nil {
		return err
	}
	for _, ds := range []string{run.StagingDataset, run.ProductionDataset} {
		ok, err := store.DatasetExists(ctx, ds)
		if err != nil {
			return err
		}
		if !ok {
			return errors.DatasetNotFoundError(ds)
		}
	}

	if len(run.Tables) == 0 {
		available, err := store.ListTables(ctx, run.StagingDataset)
		if err != nil {
			return err
		}
		names, err := SelectTables(available, run.TablePattern)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return errors.New(errors.ErrCodeNotFound, "no staging tables match").
				WithContext("dataset", run.StagingDataset).
				WithContext("pattern", run.TablePattern)
		}
		for _, name := range names {
			exists, err := store.TableExists(ctx, o.production(name))
			if err != nil {
				return err
			}
			run.Tables = append(run.Tables, &TableState{Name: name, Status: TablePending, Existed: exists})
		}
		log.Info("tables resolved", observability.Strings("tables", run.TableNames()))
	}

	if run.Mode != ModeLive {
		return nil
	}
	targets := make([]string, len(run.Tables))
	for i, t := range run.Tables {
		targets[i] = o.production(t.Name).String()
	}
	leases, err := lease.AcquireAll(ctx, o.deps.Locker, targets, run.ID, o.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	o.leases = leases
	return nil
}

// snapshot clones every existing production table before anything is written.
// The first failure aborts the run.
func (o *Orchestrator) snapshot(ctx context.Context, run *Run, log *observability.Logger) error {
	for _, t := range run.Tables {
		if !t.Existed || t.Snapshot != "" || t.merged() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if run.Mode != ModeLive {
			log.Info("would snapshot table", observability.String("table", t.Name),
				observability.String("clone", snapshot.CloneName(t.Name, run.BatchID)))
			continue
		}
		snap, err := o.deps.Snapshots.Create(ctx, o.production(t.Name), run.BatchID)
		if err != nil {
			t.Status = TableFailed
			t.Error = err.Error()
			return err
		}
		t.Snapshot = snap.CloneName
		t.Status = TableSnapshotted
		if err := o.save(run); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) reconcile(ctx context.Context, run *Run, log *observability.Logger) error {
	apply := run.Mode == ModeLive
	for _, t := range run.Tables {
		if t.merged() {
			continue
		}
		res, err := o.deps.Reconciler.Reconcile(ctx, o.staging(t.Name), o.production(t.Name), apply)
		if err != nil {
			t.Status = TableFailed
			t.Error = err.Error()
			return err
		}
		if res.Created && !t.Existed {
			if apply {
				t.Created = true
			} else {
				t.Note = "would be created from staging columns"
			}
		}
		t.SchemaDrift = nil
		for _, d := range res.Drift.Differences {
			t.SchemaDrift = append(t.SchemaDrift, d.Description)
		}
	}
	return nil
}

// merge writes each table's batch on a bounded pool. A table that has started
// merging always finishes; cancellation and failures stop tables not yet started.
func (o *Orchestrator) merge(ctx context.Context, run *Run, log *observability.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallel)

	for _, t := range run.Tables {
		if t.merged() {
			log.Debug("already merged", observability.String("table", t.Name))
			continue
		}
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return o.mergeTable(context.WithoutCancel(gctx), run, t, log)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// cancellation that arrived while the last tables were merging
	return ctx.Err()
}

func (o *Orchestrator) mergeTable(ctx context.Context, run *Run, t *TableState, log *observability.Logger) error {
	c := o.deps.Registry.Resolve(t.Name)
	tlog := log.With(observability.String("table", t.Name), observability.String("strategy", string(c.Strategy)))

	rows, err := o.deps.Source.Rows(ctx, t.Name)
	if err == nil {
		var res *merge.Result
		if run.Mode == ModeLive {
			res, err = o.deps.Engine.Merge(ctx, c, o.production(t.Name), rows)
		} else {
			var plan *merge.Plan
			plan, err = o.deps.Engine.Plan(ctx, c, o.production(t.Name), rows)
			if plan != nil {
				res = &plan.Result
				tlog.Info("would merge",
					observability.Int("inserts", res.Inserted),
					observability.Int("updates", res.Updated),
					observability.Int("unchanged", res.Unchanged),
					observability.Int("stale", res.Stale),
					observability.Int("replaced", res.Replaced))
			}
		}
		if err == nil {
			o.mu.Lock()
			t.Merge = res
			if run.Mode == ModeLive {
				t.Status = TableMerged
			}
			o.mu.Unlock()
			return o.save(run)
		}
	}

	o.mu.Lock()
	t.Status = TableFailed
	t.Error = err.Error()
	o.mu.Unlock()
	tlog.Error("merge failed", observability.Err(err))
	return fmt.Errorf("table %s: %w", t.Name, err)
}

// validate checks every table in production. In a dry run this is the current
// production content; tables that do not exist yet are skipped.
func (o *Orchestrator) validate(ctx context.Context, run *Run, log *observability.Logger) error {
	for _, t := range run.Tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if run.Mode != ModeLive && !t.Existed {
			t.Note = "not in production yet; validation skipped"
			continue
		}
		report, err := o.deps.Validator.Validate(ctx, o.deps.Registry.Resolve(t.Name), o.production(t.Name))
		if err != nil {
			t.Error = err.Error()
			return err
		}
		t.Validation = report
		if run.Mode == ModeLive {
			t.Status = TableValidated
		}
		if report.Outcome != validation.OutcomeSuccess {
			log.Warn("table did not pass validation",
				observability.String("table", t.Name),
				observability.String("outcome", string(report.Outcome)),
				observability.Int("failed_checks", len(report.Failures())))
		}
	}
	return nil
}

// rollback restores every merged table from its snapshot and drops tables the
// run created. Failures are recorded per table and do not stop the others.
func (o *Orchestrator) rollback(ctx context.Context, run *Run, log *observability.Logger) {
	log.Warn("hard failure, rolling back merged tables")
	for _, t := range run.Tables {
		if !t.merged() {
			continue
		}
		target := o.production(t.Name)
		var err error
		switch {
		case t.Snapshot != "":
			var res *snapshot.RestoreResult
			res, err = o.deps.Snapshots.Restore(ctx, target, run.BatchID)
			if err == nil && !res.Verified {
				err = errors.New(errors.ErrCodeSnapshotFailed, "restored content does not match snapshot").
					WithContext("table", t.Name)
			}
		case t.Created:
			err = o.deps.Store.DropTable(ctx, target)
		default:
			continue
		}
		if err != nil {
			t.Error = "rollback: " + err.Error()
			log.Error("rollback failed", observability.String("table", t.Name), observability.Err(err))
			continue
		}
		t.Status = TableRolledBack
		log.Info("table rolled back", observability.String("table", t.Name))
	}
}

func (o *Orchestrator) snapshotsTaken(run *Run) bool {
	for _, t := range run.Tables {
		if t.Snapshot != "" {
			return true
		}
	}
	return false
}

func (o *Orchestrator) releaseLeases(ctx context.Context, log *observability.Logger) {
	if len(o.leases) == 0 {
		return
	}
	if err := lease.ReleaseAll(context.WithoutCancel(ctx), o.deps.Locker, o.leases); err != nil {
		log.Warn("failed to release leases", observability.Err(err))
	}
	o.leases = nil
}

func (o *Orchestrator) save(run *Run) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	run.UpdatedAt = o.cfg.Now().UTC()
	return o.deps.Runs.Save(run)
}

func (o *Orchestrator) staging(table string) warehouse.TableRef {
	return warehouse.TableRef{Dataset: o.cfg.StagingDataset, Name: table}
}

func (o *Orchestrator) production(table string) warehouse.TableRef {
	return warehouse.TableRef{Dataset: o.cfg.ProductionDataset, Name: table}
}
