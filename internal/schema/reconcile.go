package schema

import (
	"context"

	"stagegate/internal/observability"
	"stagegate/internal/warehouse"
	"stagegate/pkg/errors"
)

// ReconcileResult describes what Reconcile found and did for one table.
type ReconcileResult struct {
	Table   string
	Created bool
	// Drift is production relative to staging; empty when the table was just created.
	Drift ComparisonResult
}

// Reconciler brings production table structure in line with staging.
// It only creates missing tables; existing tables are never altered.
type Reconciler struct {
	store  warehouse.Store
	logger *observability.Logger
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store warehouse.Store, logger *observability.Logger) *Reconciler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Reconciler{store: store, logger: logger.Named("schema")}
}

// Reconcile creates target from source's columns when target is absent, otherwise reports drift.
// With apply unset nothing is written and Created reports what would happen.
func (r *Reconciler) Reconcile(ctx context.Context, source, target warehouse.TableRef, apply bool) (*ReconcileResult, error) {
	srcCols, err := r.store.Columns(ctx, source)
	if err != nil {
		return nil, err
	}
	if len(srcCols) == 0 {
		return nil, errors.New(errors.ErrCodeNotFound, "source table has no columns").
			WithContext("table", source.String())
	}

	exists, err := r.store.TableExists(ctx, target)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{Table: target.Name}
	if !exists {
		result.Created = true
		if !apply {
			r.logger.Info("would create missing table",
				observability.String("table", target.String()),
				observability.Int("columns", len(srcCols)))
			return result, nil
		}
		if err := r.store.CreateTable(ctx, target, srcCols); err != nil {
			return nil, err
		}
		r.logger.Info("created missing table",
			observability.String("table", target.String()),
			observability.Int("columns", len(srcCols)))
		return result, nil
	}

	dstCols, err := r.store.Columns(ctx, target)
	if err != nil {
		return nil, err
	}
	result.Drift = CompareColumns(target.Name, srcCols, dstCols)
	if len(result.Drift.Differences) > 0 {
		r.logger.Warn("schema drift between staging and production",
			observability.String("table", target.String()),
			observability.String("drift", result.Drift.Summary()))
	}
	return result, nil
}
