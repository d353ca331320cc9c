package cmd

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"stagegate/internal/config"
	"stagegate/internal/contract"
	"stagegate/internal/credentials"
	"stagegate/internal/lease"
	"stagegate/internal/merge"
	"stagegate/internal/metrics"
	"stagegate/internal/metrics/datadog"
	"stagegate/internal/migration"
	"stagegate/internal/observability"
	"stagegate/internal/report"
	"stagegate/internal/snapshot"
	"stagegate/internal/validation"
	"stagegate/internal/warehouse"
	_ "stagegate/internal/warehouse/memory"
	"stagegate/internal/warehouse/sqlstore"
	"stagegate/pkg/errors"
	"stagegate/pkg/models"
)

// app holds the collaborators one command invocation needs. Fields are built
// lazily so commands that never touch the warehouse do not connect to it.
type app struct {
	cfg     *models.Config
	logger  *observability.Logger
	metrics metrics.Backend
	now     func() time.Time

	store    warehouse.Store
	registry *contract.Registry
	closers  []func() error
}

// loadConfig reads stagegate.yaml with env overrides, then layers the flags
// named in bindings (flag name to config key) on top.
func loadConfig(cmd *cobra.Command, bindings map[string]string) (*models.Config, error) {
	v := config.NewViper(rootFlags.configFile)
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := bindings[f.Name]
		if !ok || bindErr != nil {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = errors.Wrap(err, errors.ErrCodeInternal, "failed to bind flag --"+f.Name)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}
	if rootFlags.logLevel != "" {
		v.Set("logging.level", rootFlags.logLevel)
	}
	return config.Load(v)
}

// newApp loads configuration and sets up logging and metrics.
func newApp(cmd *cobra.Command, bindings map[string]string) (*app, error) {
	cfg, err := loadConfig(cmd, bindings)
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(observability.LoggerConfig{
		Level:      cfg.Logging.Level,
		Encoding:   cfg.Logging.Encoding,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Service:    "stagegate",
		Version:    Version,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid logging configuration").
			WithContext("field", "logging")
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.Nop{}, now: time.Now}
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	if cfg.Metrics.Backend == "datadog" {
		dd, err := datadog.NewBackend(cmd.Context(), datadog.Options{
			Tags:       cfg.Metrics.Tags,
			FlushEvery: cfg.Metrics.FlushEvery,
		})
		if err != nil {
			return nil, err
		}
		a.metrics = dd
		a.closers = append(a.closers, dd.Close)
	}
	return a, nil
}

// close releases everything in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", observability.Err(err))
		}
	}
	a.closers = nil
}

func credentialsDir(cfg *models.Config) string {
	return filepath.Join(cfg.Run.StateDir, "credentials")
}

func (a *app) credentials() (*credentials.Store, error) {
	return credentials.NewStore(credentialsDir(a.cfg))
}

func (a *app) retry() *errors.RetryConfig {
	rc := errors.DefaultRetryConfig()
	rc.MaxRetries = a.cfg.Run.Retry.MaxRetries
	if a.cfg.Run.Retry.InitialDelay > 0 {
		rc.InitialDelay = a.cfg.Run.Retry.InitialDelay
	}
	if a.cfg.Run.Retry.MaxDelay > 0 {
		rc.MaxDelay = a.cfg.Run.Retry.MaxDelay
	}
	rc.OnRetry = func(attempt int, delay time.Duration, err error) {
		a.logger.Warn("retrying warehouse call",
			observability.Int("attempt", attempt),
			observability.Duration("delay", delay),
			observability.Err(err))
	}
	return rc
}

// warehouse opens the configured store once.
func (a *app) warehouse(ctx context.Context) (warehouse.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	wc := a.cfg.Warehouse
	dsn := wc.DSN
	if wc.Kind == "snowflake" && dsn == "" {
		creds, err := a.credentials()
		if err != nil {
			return nil, err
		}
		password, err := creds.Resolve(wc.Password)
		if err != nil {
			return nil, err
		}
		dsn, err = sqlstore.SnowflakeDSN(wc.Account, wc.Username, password, wc.Database, wc.Warehouse, wc.Role)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid snowflake settings").
				WithContext("field", "warehouse")
		}
	}

	store, err := warehouse.Open(ctx, warehouse.Config{
		Kind:                wc.Kind,
		DSN:                 dsn,
		QueryTimeout:        wc.QueryTimeout,
		MaxQueriesPerSecond: wc.MaxQueriesPerSecond,
		MaxOpenConns:        wc.MaxOpenConns,
		Retry:               a.retry(),
		Database:            wc.Database,
	})
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	a.logger.Debug("warehouse connected", observability.String("kind", wc.Kind))
	return store, nil
}

// contracts loads the registry from contracts.path.
func (a *app) contracts() (*contract.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	reg, err := contract.LoadFile(a.cfg.Contracts.Path)
	if err != nil {
		return nil, err
	}
	a.registry = reg
	return reg, nil
}

func (a *app) snapshots(store warehouse.Store) (*snapshot.Manager, error) {
	return snapshot.NewManager(store, snapshot.Config{
		StateDir: a.cfg.Run.StateDir,
		Dataset:  a.cfg.Datasets.Snapshots,
		TTL:      a.cfg.Run.SnapshotTTL,
		Logger:   a.logger,
		Now:      a.now,
	})
}

func (a *app) validator(store warehouse.Store) *validation.Validator {
	return validation.NewValidator(store, validation.Options{
		SampleSize: a.cfg.Run.FailingKeySample,
		Logger:     a.logger,
		Metrics:    a.metrics,
		Now:        a.now,
	})
}

func (a *app) runs() (*migration.RunStore, error) {
	return migration.NewRunStore(filepath.Join(a.cfg.Run.StateDir, "runs"))
}

// orchestrator wires every collaborator a migration needs.
func (a *app) orchestrator(ctx context.Context, mode migration.Mode) (*migration.Orchestrator, error) {
	store, err := a.warehouse(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := a.contracts()
	if err != nil {
		return nil, err
	}
	runs, err := a.runs()
	if err != nil {
		return nil, err
	}

	deps := migration.Deps{
		Store:    store,
		Registry: reg,
		Engine: merge.NewEngine(store, merge.Options{
			MalformedThreshold: a.cfg.Run.MalformedThreshold,
			Logger:             a.logger,
			Metrics:            a.metrics,
			Now:                a.now,
		}),
		Validator: a.validator(store),
		Runs:      runs,
		Logger:    a.logger,
		Metrics:   a.metrics,
	}
	if mode == migration.ModeLive {
		if deps.Snapshots, err = a.snapshots(store); err != nil {
			return nil, err
		}
		if deps.Locker, err = lease.New(a.cfg.Lease, a.cfg.Run.StateDir, a.logger); err != nil {
			return nil, err
		}
	}

	return migration.NewOrchestrator(deps, migration.Config{
		Mode:              mode,
		StagingDataset:    a.cfg.Datasets.Staging,
		ProductionDataset: a.cfg.Datasets.Production,
		Tables:            a.cfg.Run.Tables,
		MaxParallel:       a.cfg.Run.MaxParallel,
		AutoRollback:      a.cfg.Run.AutoRollback,
		LeaseTTL:          a.cfg.Lease.TTL,
		Retry:             a.retry(),
		Now:               a.now,
	})
}

// archivers returns the report sinks enabled in configuration.
func (a *app) archivers() ([]report.Archiver, error) {
	var out []report.Archiver
	if a.cfg.Report.Dir != "" {
		out = append(out, report.FileArchiver{Dir: a.cfg.Report.Dir})
	}
	if a.cfg.Report.Archive.Enabled {
		archive := a.cfg.Report.Archive
		if archive.SecretKey != "" {
			creds, err := a.credentials()
			if err != nil {
				return nil, err
			}
			if archive.SecretKey, err = creds.Resolve(archive.SecretKey); err != nil {
				return nil, err
			}
		}
		m, err := report.NewMinioArchiver(archive)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
