package models

import "time"

// Config is the root of stagegate.yaml.
type Config struct {
	Warehouse Warehouse       `mapstructure:"warehouse" yaml:"warehouse"`
	Datasets  Datasets        `mapstructure:"datasets" yaml:"datasets"`
	Contracts ContractsConfig `mapstructure:"contracts" yaml:"contracts"`
	Run       RunConfig       `mapstructure:"run" yaml:"run"`
	Lease     LeaseConfig     `mapstructure:"lease" yaml:"lease"`
	Report    ReportConfig    `mapstructure:"report" yaml:"report"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// Warehouse describes how to reach the query engine.
type Warehouse struct {
	Kind                string        `mapstructure:"kind" yaml:"kind"` // snowflake, postgres, sqlite, sqlserver, memory
	DSN                 string        `mapstructure:"dsn" yaml:"dsn"`
	Account             string        `mapstructure:"account" yaml:"account"`
	Username            string        `mapstructure:"username" yaml:"username"`
	Password            string        `mapstructure:"password" yaml:"password"` // literal or keyring:<name>
	Role                string        `mapstructure:"role" yaml:"role"`
	Warehouse           string        `mapstructure:"warehouse" yaml:"warehouse"`
	Database            string        `mapstructure:"database" yaml:"database"`
	QueryTimeout        time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	MaxQueriesPerSecond float64       `mapstructure:"max_queries_per_second" yaml:"max_queries_per_second"`
	MaxOpenConns        int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// Datasets names the three schemas a run touches.
type Datasets struct {
	Staging    string `mapstructure:"staging" yaml:"staging"`
	Production string `mapstructure:"production" yaml:"production"`
	Snapshots  string `mapstructure:"snapshots" yaml:"snapshots"`
}

type ContractsConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RunConfig holds migration defaults that flags can override.
type RunConfig struct {
	Mode               string        `mapstructure:"mode" yaml:"mode"`       // dry_run or live
	Tables             string        `mapstructure:"tables" yaml:"tables"`   // glob or comma list
	FailOn             string        `mapstructure:"fail_on" yaml:"fail_on"` // error or warning
	MaxParallel        int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	MalformedThreshold float64       `mapstructure:"malformed_threshold" yaml:"malformed_threshold"`
	SnapshotTTL        time.Duration `mapstructure:"snapshot_ttl" yaml:"snapshot_ttl"`
	AutoRollback       bool          `mapstructure:"auto_rollback" yaml:"auto_rollback"`
	StateDir           string        `mapstructure:"state_dir" yaml:"state_dir"`
	FailingKeySample   int           `mapstructure:"failing_key_sample" yaml:"failing_key_sample"`
	Retry              RetryConfig   `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig contains retry policy for transient warehouse failures
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// LeaseConfig selects the write-lease backend.
type LeaseConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"` // file, redis, none
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db"`
}

type ReportConfig struct {
	Output  string        `mapstructure:"output" yaml:"output"` // text or json
	Dir     string        `mapstructure:"dir" yaml:"dir"`
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
}

// ArchiveConfig points at S3-compatible storage for run summaries.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

type MetricsConfig struct {
	Backend    string        `mapstructure:"backend" yaml:"backend"` // none or datadog
	Tags       []string      `mapstructure:"tags" yaml:"tags"`
	FlushEvery time.Duration `mapstructure:"flush_every" yaml:"flush_every"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Encoding   string `mapstructure:"encoding" yaml:"encoding"` // json or console
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}
