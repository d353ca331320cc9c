package cmd

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/spf13/cobra"

	"stagegate/internal/migration"
	"stagegate/internal/report"
	"stagegate/internal/ui"
	"stagegate/pkg/errors"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate staging tables into production",
		Long: `Run a staging to production migration.

A live run snapshots every production table it will touch, reconciles the schema,
merges the staging batch according to each table's contract and validates the
result. A dry run does everything except write: merges are planned, not applied.

Exit codes: 0 success, 1 hard failure or aborted run, 2 freshness warnings only.`,
		Example: `  stagegate migrate --mode dry_run --dataset production --tables "equipment_*"
  stagegate migrate --mode live --dataset production --tables vehicles,drivers --fail-on error
  stagegate migrate --mode live --resume 3f7c2d0e-...`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}

	reportFlags(cmd)
	f := cmd.Flags()
	f.String("mode", "", "dry_run or live (default \"dry_run\")")
	f.String("staging-dataset", "", "staging dataset (overrides datasets.staging)")
	f.Int("max-parallel", 0, "tables merged concurrently (default 4)")
	f.Bool("auto-rollback", false, "restore snapshots when validation hard-fails")
	f.String("resume", "", "continue an interrupted run by id")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd, withBindings(map[string]string{
		"staging-dataset": "datasets.staging",
		"max-parallel":    "run.max_parallel",
		"auto-rollback":   "run.auto_rollback",
	}))
	if err != nil {
		return err
	}
	defer a.close()

	mode, err := resolveMode(cmd, a.cfg.Run.Mode)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(cmd.Context(), mode)
	if err != nil {
		return err
	}

	resumeID, _ := cmd.Flags().GetString("resume")
	ui.ShowHeader("stagegate migrate")
	ui.PrintKeyValue("Mode", string(mode))
	ui.PrintKeyValue("Staging", a.cfg.Datasets.Staging)
	ui.PrintKeyValue("Production", a.cfg.Datasets.Production)
	if a.cfg.Run.Tables != "" {
		ui.PrintKeyValue("Tables", a.cfg.Run.Tables)
	}

	label := fmt.Sprintf("Migrating %s -> %s (%s)", a.cfg.Datasets.Staging, a.cfg.Datasets.Production, mode)
	if resumeID != "" {
		label = "Resuming run " + resumeID
	}
	spinner := ui.NewSpinner(label)
	spinner.Start()

	var run *migration.Run
	if resumeID != "" {
		run, err = orch.Resume(cmd.Context(), resumeID)
	} else {
		run, err = orch.Run(cmd.Context())
	}
	spinner.Stop(err == nil, label)

	if run == nil || (err != nil && errors.HasCode(err, errors.ErrCodeInvalidState)) {
		return err
	}
	if stderrors.Is(err, context.Canceled) {
		ui.ShowWarning(fmt.Sprintf("run interrupted; continue it with: stagegate migrate --mode %s --resume %s", run.Mode, run.ID))
	}
	return emitReport(cmd, a, report.Summarize(run, a.now()))
}

// resolveMode reads --mode when given, else the configured mode.
func resolveMode(cmd *cobra.Command, configured string) (migration.Mode, error) {
	raw := configured
	if cmd.Flags().Changed("mode") {
		raw, _ = cmd.Flags().GetString("mode")
	}
	mode, ok := migration.ParseMode(raw)
	if !ok {
		return "", errors.ConfigError(fmt.Sprintf("unknown mode %q, want dry_run or live", raw), "run.mode")
	}
	return mode, nil
}
