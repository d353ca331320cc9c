// Package sqlstore implements warehouse.Store over database/sql. One Store type
// serves every engine; a Dialect supplies the SQL that differs between them.
package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"stagegate/internal/warehouse"
	"stagegate/pkg/errors"

	"golang.org/x/time/rate"
)

const fetchChunk = 200

// Options tunes a Store.
type Options struct {
	QueryTimeout        time.Duration
	MaxQueriesPerSecond float64
	Retry               *errors.RetryConfig
}

// Store is a warehouse.Store backed by a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
	limiter *rate.Limiter
	retry   *errors.RetryConfig
}

// New wraps an open database handle.
func New(db *sql.DB, d Dialect, opts Options) *Store {
	s := &Store{db: db, dialect: d, timeout: opts.QueryTimeout, retry: opts.Retry}
	if opts.MaxQueriesPerSecond > 0 {
		burst := int(opts.MaxQueriesPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.MaxQueriesPerSecond), burst)
	}
	return s
}

// Open connects with the dialect's driver and verifies connectivity.
func Open(ctx context.Context, d Dialect, cfg warehouse.Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.ConfigError(fmt.Sprintf("%s warehouse requires a dsn", d.Kind()), "warehouse.dsn")
	}
	db, err := sql.Open(d.Driver(), cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to open warehouse connection").
			WithContext("kind", d.Kind())
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(10 * time.Minute)

	s := New(db, d, Options{
		QueryTimeout:        cfg.QueryTimeout,
		MaxQueriesPerSecond: cfg.MaxQueriesPerSecond,
		Retry:               cfg.Retry,
	})
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// run executes one warehouse round trip under the rate limit and query timeout,
// classifying failures. Transient failures are retried when retryable is set.
func (s *Store) run(ctx context.Context, op string, retryable bool, fn func(ctx context.Context) error) error {
	if !retryable {
		return s.runWith(ctx, op, nil, fn)
	}
	return s.runWith(ctx, op, s.retry, fn)
}

func (s *Store) runWith(ctx context.Context, op string, retry *errors.RetryConfig, fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return errors.ClassifyQueryError(op, err)
			}
		}
		qctx := ctx
		cancel := func() {}
		if s.timeout > 0 {
			qctx, cancel = context.WithTimeout(ctx, s.timeout)
		}
		defer cancel()

		err := fn(qctx)
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && stderrors.Is(qctx.Err(), context.DeadlineExceeded) {
			return errors.TimeoutError(op, err).WithContext("timeout", s.timeout.String())
		}
		return errors.ClassifyQueryError(op, err)
	}

	if retry == nil {
		return attempt(ctx)
	}
	return errors.Retry(ctx, retry, attempt)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.run(ctx, "ping", true, func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	})
}

func (s *Store) count(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	err := s.run(ctx, op, true, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	return n, err
}

func (s *Store) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	q, args := s.dialect.DatasetExistsQuery(dataset)
	n, err := s.count(ctx, "dataset exists "+dataset, q, args...)
	return n > 0, err
}

func (s *Store) ListTables(ctx context.Context, dataset string) ([]string, error) {
	q, args := s.dialect.ListTablesQuery(dataset)
	var names []string
	err := s.run(ctx, "list tables "+dataset, true, func(ctx context.Context) error {
		names = names[:0]
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			if name, ok := s.dialect.ListedName(dataset, raw); ok {
				names = append(names, name)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) TableExists(ctx context.Context, ref warehouse.TableRef) (bool, error) {
	cols, err := s.Columns(ctx, ref)
	if err != nil {
		return false, err
	}
	return len(cols) > 0, nil
}

func (s *Store) Columns(ctx context.Context, ref warehouse.TableRef) ([]warehouse.Column, error) {
	q, args := s.dialect.ColumnsQuery(ref)
	var cols []warehouse.Column
	err := s.run(ctx, "columns "+ref.String(), true, func(ctx context.Context) error {
		cols = cols[:0]
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name, typ, nullable string
			if err := rows.Scan(&name, &typ, &nullable); err != nil {
				return err
			}
			cols = append(cols, warehouse.Column{
				Name:     s.dialect.ColumnName(name),
				Type:     typ,
				Nullable: strings.EqualFold(nullable, "YES"),
			})
		}
		return rows.Err()
	})
	return cols, err
}

func (s *Store) CreateTable(ctx context.Context, ref warehouse.TableRef, columns []warehouse.Column) error {
	if len(columns) == 0 {
		return errors.New(errors.ErrCodeInvalidState, fmt.Sprintf("cannot create %s without columns", ref))
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		def := s.dialect.Quote(c.Name) + " " + s.dialect.NativeType(warehouse.LogicalType(c.Type))
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs[i] = def
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", s.dialect.Table(ref), strings.Join(defs, ", "))
	return s.exec(ctx, "create "+ref.String(), stmt)
}

func (s *Store) DropTable(ctx context.Context, ref warehouse.TableRef) error {
	return s.exec(ctx, "drop "+ref.String(), "DROP TABLE IF EXISTS "+s.dialect.Table(ref))
}

func (s *Store) exec(ctx context.Context, op, stmt string, args ...any) error {
	return s.run(ctx, op, true, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, stmt, args...)
		return err
	})
}

// inTx runs fn in a transaction; the whole transaction is retried on transient failure.
func (s *Store) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return s.run(ctx, op, true, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) execStatements(ctx context.Context, op string, stmts []string) error {
	return s.inTx(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) CloneTable(ctx context.Context, src, dst warehouse.TableRef) error {
	return s.execStatements(ctx, "clone "+src.String(), s.dialect.CloneStatements(src, dst))
}

func (s *Store) RestoreTable(ctx context.Context, src, target warehouse.TableRef) error {
	return s.execStatements(ctx, "restore "+target.String(), s.dialect.RestoreStatements(src, target))
}

// errCallback carries an error returned by a Scan callback through run unclassified.
type errCallback struct{ err error }

func (e *errCallback) Error() string { return e.err.Error() }

func (s *Store) Scan(ctx context.Context, ref warehouse.TableRef, fn func(warehouse.Row) error) error {
	query := "SELECT * FROM " + s.dialect.Table(ref)
	delivered := false

	attempt := func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		return s.eachRow(rows, func(r warehouse.Row) error {
			delivered = true
			if err := fn(r); err != nil {
				return &errCallback{err}
			}
			return nil
		})
	}

	var retry *errors.RetryConfig
	if s.retry != nil {
		cfg := *s.retry
		// rows already handed to the caller cannot be taken back
		cfg.RetryableError = func(err error) bool { return !delivered && errors.IsTransient(err) }
		retry = &cfg
	}
	err := s.runWith(ctx, "scan "+ref.String(), retry, attempt)

	var cb *errCallback
	if stderrors.As(err, &cb) {
		return cb.err
	}
	return err
}

func (s *Store) eachRow(rows *sql.Rows, fn func(warehouse.Row) error) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = s.dialect.ColumnName(c)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		r := make(warehouse.Row, len(cols))
		for i, n := range names {
			if b, ok := values[i].([]byte); ok {
				r[n] = string(b)
			} else {
				r[n] = values[i]
			}
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// keyPredicate renders a WHERE clause matching any of keys, numbering binds from start.
func (s *Store) keyPredicate(key []string, keys [][]any, start int) (string, []any) {
	args := make([]any, 0, len(key)*len(keys))
	n := start
	if len(key) == 1 {
		marks := make([]string, len(keys))
		for i, k := range keys {
			marks[i] = s.dialect.Placeholder(n)
			args = append(args, k[0])
			n++
		}
		return fmt.Sprintf("%s IN (%s)", s.dialect.Quote(key[0]), strings.Join(marks, ", ")), args
	}

	groups := make([]string, len(keys))
	for i, k := range keys {
		parts := make([]string, len(key))
		for j, col := range key {
			parts[j] = fmt.Sprintf("%s = %s", s.dialect.Quote(col), s.dialect.Placeholder(n))
			args = append(args, k[j])
			n++
		}
		groups[i] = "(" + strings.Join(parts, " AND ") + ")"
	}
	return strings.Join(groups, " OR "), args
}

func (s *Store) FetchByKeys(ctx context.Context, ref warehouse.TableRef, key []string, keys [][]any) ([]warehouse.Row, error) {
	var out []warehouse.Row
	for start := 0; start < len(keys); start += fetchChunk {
		end := start + fetchChunk
		if end > len(keys) {
			end = len(keys)
		}
		where, args := s.keyPredicate(key, keys[start:end], 1)
		query := fmt.Sprintf("SELECT * FROM %s WHERE %s", s.dialect.Table(ref), where)

		var chunk []warehouse.Row
		err := s.run(ctx, "fetch "+ref.String(), true, func(ctx context.Context) error {
			chunk = chunk[:0]
			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			return s.eachRow(rows, func(r warehouse.Row) error {
				chunk = append(chunk, r)
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func sortedColumns(r warehouse.Row, skip map[string]bool) []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		if !skip[c] {
			cols = append(cols, c)
		}
	}
	sort.Strings(cols)
	return cols
}

func (s *Store) insertStmt(ref warehouse.TableRef, r warehouse.Row) (string, []any) {
	cols := sortedColumns(r, nil)
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = s.dialect.Quote(c)
		marks[i] = s.dialect.Placeholder(i + 1)
		args[i] = r[c]
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.dialect.Table(ref), strings.Join(quoted, ", "), strings.Join(marks, ", ")), args
}

func (s *Store) updateStmt(ref warehouse.TableRef, key []string, r warehouse.Row) (string, []any, bool) {
	skip := make(map[string]bool, len(key))
	for _, k := range key {
		skip[k] = true
	}
	cols := sortedColumns(r, skip)
	if len(cols) == 0 {
		return "", nil, false
	}

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(key))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = %s", s.dialect.Quote(c), s.dialect.Placeholder(i+1))
		args = append(args, r[c])
	}
	conds := make([]string, len(key))
	for i, k := range key {
		conds[i] = fmt.Sprintf("%s = %s", s.dialect.Quote(k), s.dialect.Placeholder(len(cols)+i+1))
		args = append(args, r[k])
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		s.dialect.Table(ref), strings.Join(sets, ", "), strings.Join(conds, " AND ")), args, true
}

func (s *Store) Apply(ctx context.Context, ref warehouse.TableRef, changes warehouse.ChangeSet) error {
	if changes.Empty() {
		return nil
	}
	return s.inTx(ctx, "apply "+ref.String(), func(ctx context.Context, tx *sql.Tx) error {
		for _, u := range changes.Updates {
			stmt, args, ok := s.updateStmt(ref, changes.Key, u)
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return err
			}
		}
		for _, r := range changes.Inserts {
			stmt, args := s.insertStmt(ref, r)
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Replace(ctx context.Context, ref warehouse.TableRef, rows []warehouse.Row) error {
	return s.inTx(ctx, "replace "+ref.String(), func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+s.dialect.Table(ref)); err != nil {
			return err
		}
		for _, r := range rows {
			stmt, args := s.insertStmt(ref, r)
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) RowCount(ctx context.Context, ref warehouse.TableRef) (int64, error) {
	return s.count(ctx, "row count "+ref.String(), "SELECT COUNT(*) FROM "+s.dialect.Table(ref))
}

func (s *Store) notNull(cols ...string) string {
	conds := make([]string, len(cols))
	for i, c := range cols {
		conds[i] = s.dialect.Quote(c) + " IS NOT NULL"
	}
	return strings.Join(conds, " AND ")
}

func (s *Store) CountDuplicates(ctx context.Context, ref warehouse.TableRef, key []string, sample int) (warehouse.KeyCount, error) {
	total, err := s.RowCount(ctx, ref)
	if err != nil {
		return warehouse.KeyCount{}, err
	}

	quoted := make([]string, len(key))
	for i, k := range key {
		quoted[i] = s.dialect.Quote(k)
	}
	cols := strings.Join(quoted, ", ")
	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM %s WHERE %s GROUP BY %s HAVING COUNT(*) > 1",
		cols, s.dialect.Table(ref), s.notNull(key...), cols)

	kc := warehouse.KeyCount{Rows: total}
	err = s.run(ctx, "duplicates "+ref.String(), true, func(ctx context.Context) error {
		kc = warehouse.KeyCount{Rows: total}
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		values := make([]any, len(key)+1)
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			n, _ := warehouse.AsFloat(values[len(key)])
			kc.DuplicateKeys++
			kc.DuplicateRows += int64(n)
			if len(kc.SampleKeys) < sample {
				parts := make([]string, len(key))
				for i := range key {
					parts[i] = warehouse.NormalizeKey(values[i])
				}
				kc.SampleKeys = append(kc.SampleKeys, strings.Join(parts, "|"))
			}
		}
		return rows.Err()
	})
	return kc, err
}

func (s *Store) CountOrphans(ctx context.Context, child warehouse.TableRef, column string, parent warehouse.TableRef, parentColumn string, sample int) (warehouse.OrphanCount, error) {
	checked, err := s.count(ctx, "fk checked "+child.String(),
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", s.dialect.Table(child), s.notNull(column)))
	if err != nil {
		return warehouse.OrphanCount{}, err
	}

	col := s.dialect.Quote(column)
	query := fmt.Sprintf("SELECT c.%s FROM %s c WHERE c.%s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %s p WHERE p.%s = c.%s)",
		col, s.dialect.Table(child), col, s.dialect.Table(parent), s.dialect.Quote(parentColumn), col)

	oc := warehouse.OrphanCount{Checked: checked}
	err = s.run(ctx, "fk orphans "+child.String(), true, func(ctx context.Context) error {
		oc = warehouse.OrphanCount{Checked: checked}
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v any
			if err := rows.Scan(&v); err != nil {
				return err
			}
			oc.Orphans++
			if len(oc.SampleKeys) < sample {
				oc.SampleKeys = append(oc.SampleKeys, warehouse.NormalizeKey(v))
			}
		}
		return rows.Err()
	})
	return oc, err
}

func (s *Store) MaxTimestamp(ctx context.Context, ref warehouse.TableRef, column string) (time.Time, bool, error) {
	var v any
	err := s.run(ctx, "max "+column+" "+ref.String(), true, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT MAX(%s) FROM %s", s.dialect.Quote(column), s.dialect.Table(ref))).Scan(&v)
	})
	if err != nil {
		return time.Time{}, false, err
	}
	if v == nil {
		return time.Time{}, false, nil
	}
	ts, ok := warehouse.AsTime(v)
	if !ok {
		return time.Time{}, false, &warehouse.NotTimestampError{Table: ref, Column: column, Value: fmt.Sprint(v)}
	}
	return ts, true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ warehouse.Store = (*Store)(nil)
