// Package warehouse is the query-engine seam. Engine code talks to Store; each
// backend (Snowflake, Postgres, SQL Server, SQLite, in-memory) registers a
// factory under its kind and is selected by configuration.
package warehouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stagegate/pkg/errors"
)

// Row is one record keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Column is catalog metadata for one column. Type is the backend's native type name.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// TableRef names a table inside a dataset (schema).
type TableRef struct {
	Dataset string
	Name    string
}

func (t TableRef) String() string {
	return t.Dataset + "." + t.Name
}

// ChangeSet is a batch of writes applied in one transaction.
// Updates are matched on Key and overwrite only the columns present in each row.
type ChangeSet struct {
	Key     []string
	Inserts []Row
	Updates []Row
}

// Empty reports whether the change set has nothing to write.
func (c ChangeSet) Empty() bool {
	return len(c.Inserts) == 0 && len(c.Updates) == 0
}

// KeyCount is the result of a uniqueness count.
type KeyCount struct {
	Rows          int64    // rows scanned
	DuplicateRows int64    // rows belonging to a key seen more than once
	DuplicateKeys int64    // distinct keys seen more than once
	SampleKeys    []string // up to the requested sample size
}

// OrphanCount is the result of a foreign-key count.
type OrphanCount struct {
	Checked    int64 // child rows with a non-null reference
	Orphans    int64
	SampleKeys []string
}

// Store is everything the engine needs from a warehouse.
type Store interface {
	Ping(ctx context.Context) error
	DatasetExists(ctx context.Context, dataset string) (bool, error)
	ListTables(ctx context.Context, dataset string) ([]string, error)
	TableExists(ctx context.Context, table TableRef) (bool, error)
	Columns(ctx context.Context, table TableRef) ([]Column, error)
	CreateTable(ctx context.Context, table TableRef, columns []Column) error
	DropTable(ctx context.Context, table TableRef) error

	// CloneTable copies src into a new table dst. Fails if dst exists.
	CloneTable(ctx context.Context, src, dst TableRef) error
	// RestoreTable replaces the content of target with the content of src.
	RestoreTable(ctx context.Context, src, target TableRef) error

	Scan(ctx context.Context, table TableRef, fn func(Row) error) error
	FetchByKeys(ctx context.Context, table TableRef, key []string, keys [][]any) ([]Row, error)
	Apply(ctx context.Context, table TableRef, changes ChangeSet) error
	Replace(ctx context.Context, table TableRef, rows []Row) error

	RowCount(ctx context.Context, table TableRef) (int64, error)
	CountDuplicates(ctx context.Context, table TableRef, key []string, sample int) (KeyCount, error)
	CountOrphans(ctx context.Context, child TableRef, column string, parent TableRef, parentColumn string, sample int) (OrphanCount, error)
	// MaxTimestamp returns the newest value of column. A value that does not
	// parse as a timestamp yields a *NotTimestampError.
	MaxTimestamp(ctx context.Context, table TableRef, column string) (time.Time, bool, error)

	Close() error
}

// NotTimestampError is a data problem: a timestamp column holds a value that
// does not parse as a time.
type NotTimestampError struct {
	Table  TableRef
	Column string
	Value  string
}

func (e *NotTimestampError) Error() string {
	return fmt.Sprintf("column %s of %s is not a timestamp: %q", e.Column, e.Table, e.Value)
}

// Config selects and configures a backend.
type Config struct {
	Kind                string
	DSN                 string
	QueryTimeout        time.Duration
	MaxQueriesPerSecond float64
	MaxOpenConns        int
	Retry               *errors.RetryConfig
	// Database scopes information-schema lookups on engines with three-part names.
	Database string
}

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register makes a backend available under kind. Duplicate registration panics.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("warehouse: Register called with empty kind")
	}
	if f == nil {
		panic("warehouse: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("warehouse: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open constructs the Store registered under cfg.Kind.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, errors.ConfigError("warehouse kind is empty", "warehouse.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, errors.ConfigError(fmt.Sprintf("unsupported warehouse kind %q", cfg.Kind), "warehouse.kind")
	}
	return f(ctx, cfg)
}

// Kinds lists registered backends.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}
