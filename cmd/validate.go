package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stagegate/internal/contract"
	"stagegate/internal/migration"
	"stagegate/internal/observability"
	"stagegate/internal/report"
	"stagegate/internal/validation"
	"stagegate/internal/warehouse"
	"stagegate/pkg/errors"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate tables in a dataset without migrating",
		Long: `Run the format, relational and freshness checks of each table's contract
against a dataset and report the outcome. Nothing is written.`,
		Example: `  stagegate validate --dataset production --tables "*" --fail-on error --output json`,
		Args:    cobra.NoArgs,
		RunE:    runValidate,
	}
	reportFlags(cmd)
	cmd.Flags().Int("max-parallel", 0, "tables validated concurrently (default 4)")
	return cmd
}

func runValidate(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd, withBindings(map[string]string{"max-parallel": "run.max_parallel"}))
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	store, err := a.warehouse(ctx)
	if err != nil {
		return err
	}
	reg, err := a.contracts()
	if err != nil {
		return err
	}

	dataset := a.cfg.Datasets.Production
	reports, err := validateDataset(ctx, store, reg, a.validator(store), dataset, a.cfg.Run.Tables, a.cfg.Run.MaxParallel, a.logger)
	if err != nil && reports == nil {
		return err
	}

	s := report.SummarizeReports(dataset, reports, a.now())
	if err != nil {
		s.Aborted = true
		s.Error = err.Error()
		s.ErrorCode = string(errors.GetErrorCode(err))
	}
	return emitReport(cmd, a, s)
}

// validateDataset validates every matching table. On a warehouse error the
// reports gathered so far are returned with the error; nil reports mean
// nothing could be checked.
func validateDataset(ctx context.Context, store warehouse.Store, reg *contract.Registry, v *validation.Validator,
	dataset, pattern string, parallel int, logger *observability.Logger) ([]*validation.TableReport, error) {
	exists, err := store.DatasetExists(ctx, dataset)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.DatasetNotFoundError(dataset)
	}
	available, err := store.ListTables(ctx, dataset)
	if err != nil {
		return nil, err
	}
	tables, err := migration.SelectTables(available, pattern)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, errors.New(errors.ErrCodeNotFound, "no tables match "+pattern).
			WithContext("dataset", dataset)
	}

	reports := make([]*validation.TableReport, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, table := range tables {
		i, table := i, table
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ref := warehouse.TableRef{Dataset: dataset, Name: table}
			r, err := v.Validate(gctx, reg.Resolve(table), ref)
			if err != nil {
				return err
			}
			logger.Info("table validated",
				observability.String("table", table),
				observability.String("outcome", string(r.Outcome)))
			reports[i] = r
			return nil
		})
	}
	err = g.Wait()

	done := make([]*validation.TableReport, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			done = append(done, r)
		}
	}
	return done, err
}
