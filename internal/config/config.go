package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stagegate/internal/common"
	apperrors "stagegate/pkg/errors"
	"stagegate/pkg/models"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STAGEGATE_WAREHOUSE_PASSWORD.
const EnvPrefix = "STAGEGATE"

func GetConfigPath() string {
	if configFile := os.Getenv(EnvPrefix + "_CONFIG"); configFile != "" {
		return filepath.Dir(configFile)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stagegate")
}

func GetConfigFile() string {
	if configFile := os.Getenv(EnvPrefix + "_CONFIG"); configFile != "" {
		cleaned, err := common.CleanPath(configFile)
		if err != nil {
			return filepath.Join(GetConfigPath(), "stagegate.yaml")
		}
		return cleaned
	}
	return filepath.Join(GetConfigPath(), "stagegate.yaml")
}

// SetDefaults registers every default so env overrides work for keys absent from the file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("warehouse.kind", "snowflake")
	v.SetDefault("warehouse.query_timeout", 5*time.Minute)
	v.SetDefault("warehouse.max_queries_per_second", 0)
	v.SetDefault("warehouse.max_open_conns", 8)
	v.SetDefault("warehouse.dsn", "")
	v.SetDefault("warehouse.account", "")
	v.SetDefault("warehouse.username", "")
	v.SetDefault("warehouse.password", "")
	v.SetDefault("warehouse.role", "")
	v.SetDefault("warehouse.warehouse", "")
	v.SetDefault("warehouse.database", "")

	v.SetDefault("datasets.staging", "staging")
	v.SetDefault("datasets.production", "production")
	v.SetDefault("datasets.snapshots", "snapshots")

	v.SetDefault("contracts.path", "contracts.yaml")

	v.SetDefault("run.mode", "dry_run")
	v.SetDefault("run.tables", "*")
	v.SetDefault("run.fail_on", "warning")
	v.SetDefault("run.max_parallel", 4)
	v.SetDefault("run.malformed_threshold", 0.05)
	v.SetDefault("run.snapshot_ttl", 24*time.Hour)
	v.SetDefault("run.auto_rollback", false)
	v.SetDefault("run.state_dir", filepath.Join(GetConfigPath(), "state"))
	v.SetDefault("run.failing_key_sample", 10)
	v.SetDefault("run.retry.max_retries", 3)
	v.SetDefault("run.retry.initial_delay", time.Second)
	v.SetDefault("run.retry.max_delay", 30*time.Second)

	v.SetDefault("lease.backend", "file")
	v.SetDefault("lease.ttl", 2*time.Hour)
	v.SetDefault("lease.dir", "")
	v.SetDefault("lease.redis_addr", "localhost:6379")
	v.SetDefault("lease.redis_password", "")
	v.SetDefault("lease.redis_db", 0)

	v.SetDefault("report.output", "text")
	v.SetDefault("report.dir", "")
	v.SetDefault("report.archive.enabled", false)
	v.SetDefault("report.archive.endpoint", "")
	v.SetDefault("report.archive.access_key", "")
	v.SetDefault("report.archive.secret_key", "")
	v.SetDefault("report.archive.bucket", "")
	v.SetDefault("report.archive.prefix", "runs/")
	v.SetDefault("report.archive.use_ssl", true)

	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.flush_every", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// NewViper returns a viper instance wired for stagegate.yaml, a .env file and env overrides.
// An explicit cfgFile wins over the search path.
func NewViper(cfgFile string) *viper.Viper {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if env := os.Getenv(EnvPrefix + "_CONFIG"); env != "" {
		v.SetConfigFile(GetConfigFile())
	} else {
		v.SetConfigName("stagegate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(GetConfigPath())
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file if present and returns the validated configuration.
func Load(v *viper.Viper) (*models.Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "failed to read config file")
		}
	}

	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "failed to decode config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no run could use.
func Validate(cfg *models.Config) error {
	switch cfg.Warehouse.Kind {
	case "snowflake", "postgres", "sqlite", "sqlserver", "memory":
	default:
		return apperrors.ConfigError("unknown warehouse kind "+cfg.Warehouse.Kind, "warehouse.kind")
	}
	if cfg.Warehouse.Kind == "snowflake" && cfg.Warehouse.DSN == "" && cfg.Warehouse.Account == "" {
		return apperrors.ConfigError("snowflake needs either a dsn or an account", "warehouse.account")
	}
	if cfg.Warehouse.QueryTimeout <= 0 {
		return apperrors.ConfigError("query timeout must be positive", "warehouse.query_timeout")
	}
	if cfg.Warehouse.MaxQueriesPerSecond < 0 {
		return apperrors.ConfigError("query rate cannot be negative", "warehouse.max_queries_per_second")
	}

	if cfg.Datasets.Staging == "" || cfg.Datasets.Production == "" || cfg.Datasets.Snapshots == "" {
		return apperrors.ConfigError("staging, production and snapshot datasets are required", "datasets")
	}
	if cfg.Datasets.Staging == cfg.Datasets.Production {
		return apperrors.ConfigError("staging and production must be different datasets", "datasets.production")
	}

	switch cfg.Run.Mode {
	case "dry_run", "live":
	default:
		return apperrors.ConfigError("mode must be dry_run or live", "run.mode")
	}
	switch cfg.Run.FailOn {
	case "error", "warning":
	default:
		return apperrors.ConfigError("fail_on must be error or warning", "run.fail_on")
	}
	if cfg.Run.MaxParallel < 1 {
		return apperrors.ConfigError("max_parallel must be at least 1", "run.max_parallel")
	}
	if cfg.Run.MalformedThreshold < 0 || cfg.Run.MalformedThreshold > 1 {
		return apperrors.ConfigError("malformed_threshold must be between 0 and 1", "run.malformed_threshold")
	}
	if cfg.Run.SnapshotTTL <= 0 {
		return apperrors.ConfigError("snapshot_ttl must be positive", "run.snapshot_ttl")
	}
	if cfg.Run.StateDir == "" {
		return apperrors.ConfigError("state_dir is required", "run.state_dir")
	}

	switch cfg.Lease.Backend {
	case "file", "redis", "none":
	default:
		return apperrors.ConfigError("lease backend must be file, redis or none", "lease.backend")
	}
	if cfg.Lease.TTL <= 0 {
		return apperrors.ConfigError("lease ttl must be positive", "lease.ttl")
	}

	switch cfg.Report.Output {
	case "text", "json":
	default:
		return apperrors.ConfigError("output must be text or json", "report.output")
	}
	if cfg.Report.Archive.Enabled && (cfg.Report.Archive.Endpoint == "" || cfg.Report.Archive.Bucket == "") {
		return apperrors.ConfigError("archive needs an endpoint and a bucket", "report.archive")
	}

	switch cfg.Metrics.Backend {
	case "none", "datadog":
	default:
		return apperrors.ConfigError("metrics backend must be none or datadog", "metrics.backend")
	}
	return nil
}

func Exists() bool {
	_, err := os.Stat(GetConfigFile())
	return err == nil
}
