package sqlstore

import (
	"fmt"
	"strings"

	"stagegate/internal/warehouse"

	"github.com/snowflakedb/gosnowflake"
)

// Dialect hides the SQL differences between engines.
type Dialect interface {
	// Kind is the warehouse.kind this dialect registers under.
	Kind() string
	// Driver is the database/sql driver name.
	Driver() string
	Quote(ident string) string
	Table(ref warehouse.TableRef) string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	// ColumnName maps a catalog or result-set column name to the engine-neutral form.
	ColumnName(name string) string

	DatasetExistsQuery(dataset string) (string, []any)
	ListTablesQuery(dataset string) (string, []any)
	// ListedName maps a name returned by ListTablesQuery back to a table name. ok is false for
	// names that belong to another dataset.
	ListedName(dataset, raw string) (name string, ok bool)
	// ColumnsQuery returns name, type and nullability ("YES"/"NO") per column in ordinal order.
	ColumnsQuery(ref warehouse.TableRef) (string, []any)
	NativeType(logical string) string

	CloneStatements(src, dst warehouse.TableRef) []string
	RestoreStatements(src, target warehouse.TableRef) []string
}

// Snowflake stores unquoted identifiers upper-cased; stagegate uses lower-case names throughout.
type snowflakeDialect struct{}

func (snowflakeDialect) Kind() string   { return "snowflake" }
func (snowflakeDialect) Driver() string { return "snowflake" }

func (snowflakeDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(strings.ToUpper(ident), `"`, `""`) + `"`
}

func (d snowflakeDialect) Table(ref warehouse.TableRef) string {
	return d.Quote(ref.Dataset) + "." + d.Quote(ref.Name)
}

func (snowflakeDialect) Placeholder(int) string          { return "?" }
func (snowflakeDialect) ColumnName(name string) string   { return strings.ToLower(name) }

func (snowflakeDialect) DatasetExistsQuery(dataset string) (string, []any) {
	return "SELECT COUNT(*) FROM INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME = ?", []any{strings.ToUpper(dataset)}
}

func (snowflakeDialect) ListTablesQuery(dataset string) (string, []any) {
	return "SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME",
		[]any{strings.ToUpper(dataset)}
}

func (snowflakeDialect) ListedName(_, raw string) (string, bool) { return strings.ToLower(raw), true }

func (snowflakeDialect) ColumnsQuery(ref warehouse.TableRef) (string, []any) {
	return "SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION",
		[]any{strings.ToUpper(ref.Dataset), strings.ToUpper(ref.Name)}
}

func (snowflakeDialect) NativeType(logical string) string {
	switch strings.ToUpper(logical) {
	case "INTEGER":
		return "NUMBER(38,0)"
	case "FLOAT":
		return "FLOAT"
	case "NUMERIC":
		return "NUMBER(38,9)"
	case "BOOLEAN":
		return "BOOLEAN"
	case "TIMESTAMP":
		return "TIMESTAMP_TZ"
	case "DATE":
		return "DATE"
	case "JSON":
		return "VARIANT"
	}
	return "VARCHAR"
}

func (d snowflakeDialect) CloneStatements(src, dst warehouse.TableRef) []string {
	return []string{fmt.Sprintf("CREATE TABLE %s CLONE %s", d.Table(dst), d.Table(src))}
}

func (d snowflakeDialect) RestoreStatements(src, target warehouse.TableRef) []string {
	return []string{fmt.Sprintf("CREATE OR REPLACE TABLE %s CLONE %s", d.Table(target), d.Table(src))}
}

// SnowflakeDSN builds a gosnowflake DSN from discrete settings.
func SnowflakeDSN(account, user, password, database, warehouseName, role string) (string, error) {
	return gosnowflake.DSN(&gosnowflake.Config{
		Account:   account,
		User:      user,
		Password:  password,
		Database:  database,
		Warehouse: warehouseName,
		Role:      role,
	})
}

type postgresDialect struct{}

func (postgresDialect) Kind() string   { return "postgres" }
func (postgresDialect) Driver() string { return "pgx" }

func (postgresDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (d postgresDialect) Table(ref warehouse.TableRef) string {
	return d.Quote(ref.Dataset) + "." + d.Quote(ref.Name)
}

func (postgresDialect) Placeholder(n int) string        { return fmt.Sprintf("$%d", n) }
func (postgresDialect) ColumnName(name string) string   { return name }

func (postgresDialect) DatasetExistsQuery(dataset string) (string, []any) {
	return "SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = $1", []any{dataset}
}

func (postgresDialect) ListTablesQuery(dataset string) (string, []any) {
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_type = 'BASE TABLE' ORDER BY table_name",
		[]any{dataset}
}

func (postgresDialect) ListedName(_, raw string) (string, bool) { return raw, true }

func (postgresDialect) ColumnsQuery(ref warehouse.TableRef) (string, []any) {
	return "SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position",
		[]any{ref.Dataset, ref.Name}
}

func (postgresDialect) NativeType(logical string) string {
	switch strings.ToUpper(logical) {
	case "INTEGER":
		return "BIGINT"
	case "FLOAT":
		return "DOUBLE PRECISION"
	case "NUMERIC":
		return "NUMERIC"
	case "BOOLEAN":
		return "BOOLEAN"
	case "TIMESTAMP":
		return "TIMESTAMPTZ"
	case "DATE":
		return "DATE"
	case "JSON":
		return "JSONB"
	}
	return "TEXT"
}

func (d postgresDialect) CloneStatements(src, dst warehouse.TableRef) []string {
	return []string{
		fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", d.Table(dst), d.Table(src)),
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", d.Table(dst), d.Table(src)),
	}
}

func (d postgresDialect) RestoreStatements(src, target warehouse.TableRef) []string {
	return []string{
		fmt.Sprintf("DELETE FROM %s", d.Table(target)),
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", d.Table(target), d.Table(src)),
	}
}

type sqlServerDialect struct{}

func (sqlServerDialect) Kind() string   { return "sqlserver" }
func (sqlServerDialect) Driver() string { return "sqlserver" }

func (sqlServerDialect) Quote(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

func (d sqlServerDialect) Table(ref warehouse.TableRef) string {
	return d.Quote(ref.Dataset) + "." + d.Quote(ref.Name)
}

func (sqlServerDialect) Placeholder(n int) string      { return fmt.Sprintf("@p%d", n) }
func (sqlServerDialect) ColumnName(name string) string { return name }

func (sqlServerDialect) DatasetExistsQuery(dataset string) (string, []any) {
	return "SELECT COUNT(*) FROM INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME = @p1", []any{dataset}
}

func (sqlServerDialect) ListTablesQuery(dataset string) (string, []any) {
	return "SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @p1 AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME",
		[]any{dataset}
}

func (sqlServerDialect) ListedName(_, raw string) (string, bool) { return raw, true }

func (sqlServerDialect) ColumnsQuery(ref warehouse.TableRef) (string, []any) {
	return "SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2 ORDER BY ORDINAL_POSITION",
		[]any{ref.Dataset, ref.Name}
}

func (sqlServerDialect) NativeType(logical string) string {
	switch strings.ToUpper(logical) {
	case "INTEGER":
		return "BIGINT"
	case "FLOAT":
		return "FLOAT"
	case "NUMERIC":
		return "DECIMAL(38,9)"
	case "BOOLEAN":
		return "BIT"
	case "TIMESTAMP":
		return "DATETIMEOFFSET"
	case "DATE":
		return "DATE"
	}
	return "NVARCHAR(MAX)"
}

func (d sqlServerDialect) CloneStatements(src, dst warehouse.TableRef) []string {
	return []string{fmt.Sprintf("SELECT * INTO %s FROM %s", d.Table(dst), d.Table(src))}
}

func (d sqlServerDialect) RestoreStatements(src, target warehouse.TableRef) []string {
	return []string{
		fmt.Sprintf("DELETE FROM %s", d.Table(target)),
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", d.Table(target), d.Table(src)),
	}
}

// SQLite has no schemas, so a dataset becomes a table-name prefix: staging.users is
// stored as "staging__users". Every dataset exists.
type sqliteDialect struct{}

const sqliteSep = "__"

func (sqliteDialect) Kind() string   { return "sqlite" }
func (sqliteDialect) Driver() string { return "sqlite" }

func (sqliteDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (d sqliteDialect) Table(ref warehouse.TableRef) string {
	return d.Quote(ref.Dataset + sqliteSep + ref.Name)
}

func (sqliteDialect) Placeholder(int) string          { return "?" }
func (sqliteDialect) ColumnName(name string) string   { return name }

func (sqliteDialect) DatasetExistsQuery(string) (string, []any) {
	return "SELECT 1", nil
}

func (sqliteDialect) ListTablesQuery(dataset string) (string, []any) {
	return "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name", nil
}

func (sqliteDialect) ListedName(dataset, raw string) (string, bool) {
	prefix := dataset + sqliteSep
	if !strings.HasPrefix(raw, prefix) {
		return "", false
	}
	return strings.TrimPrefix(raw, prefix), true
}

func (sqliteDialect) ColumnsQuery(ref warehouse.TableRef) (string, []any) {
	return `SELECT name, type, CASE WHEN "notnull" = 1 THEN 'NO' ELSE 'YES' END FROM pragma_table_info(?) ORDER BY cid`,
		[]any{ref.Dataset + sqliteSep + ref.Name}
}

func (sqliteDialect) NativeType(logical string) string {
	switch strings.ToUpper(logical) {
	case "INTEGER", "BOOLEAN":
		return "INTEGER"
	case "FLOAT", "NUMERIC":
		return "REAL"
	case "TIMESTAMP", "DATE":
		return "TIMESTAMP"
	}
	return "TEXT"
}

func (d sqliteDialect) CloneStatements(src, dst warehouse.TableRef) []string {
	return []string{fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", d.Table(dst), d.Table(src))}
}

func (d sqliteDialect) RestoreStatements(src, target warehouse.TableRef) []string {
	return []string{
		fmt.Sprintf("DELETE FROM %s", d.Table(target)),
		fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", d.Table(target), d.Table(src)),
	}
}

// Dialects lists every built-in dialect.
func Dialects() []Dialect {
	return []Dialect{snowflakeDialect{}, postgresDialect{}, sqlServerDialect{}, sqliteDialect{}}
}

// DialectFor returns the built-in dialect for kind.
func DialectFor(kind string) (Dialect, bool) {
	for _, d := range Dialects() {
		if d.Kind() == kind {
			return d, true
		}
	}
	return nil, false
}
