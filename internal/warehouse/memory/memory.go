// Package memory is an in-process warehouse used for local runs and engine tests.
// It honours the same transactional contract as the SQL backends: Apply and
// Replace either land completely or not at all.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"stagegate/internal/warehouse"
	"stagegate/pkg/errors"
)

func init() {
	warehouse.Register("memory", func(ctx context.Context, cfg warehouse.Config) (warehouse.Store, error) {
		s := New()
		if cfg.DSN != "" {
			if err := s.LoadFixtureFile(cfg.DSN); err != nil {
				return nil, err
			}
		}
		return s, nil
	})
}

type table struct {
	columns []warehouse.Column
	rows    []warehouse.Row
}

func (t *table) clone() *table {
	out := &table{columns: append([]warehouse.Column(nil), t.columns...)}
	out.rows = make([]warehouse.Row, len(t.rows))
	for i, r := range t.rows {
		out.rows[i] = r.Clone()
	}
	return out
}

func (t *table) hasColumn(name string) bool {
	for _, c := range t.columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

type faultKey struct {
	op    string
	table string
}

// Store is a thread-safe in-memory warehouse.
type Store struct {
	mu        sync.RWMutex
	datasets  map[string]map[string]*table
	faults    map[faultKey]error
	mutations int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		datasets: make(map[string]map[string]*table),
		faults:   make(map[faultKey]error),
	}
}

// AddDataset creates an empty dataset if it does not exist.
func (s *Store) AddDataset(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datasets[name]; !ok {
		s.datasets[name] = make(map[string]*table)
	}
}

// Seed creates or overwrites a table with the given columns and rows.
func (s *Store) Seed(ref warehouse.TableRef, columns []warehouse.Column, rows []warehouse.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[ref.Dataset]
	if !ok {
		ds = make(map[string]*table)
		s.datasets[ref.Dataset] = ds
	}
	t := &table{columns: append([]warehouse.Column(nil), columns...)}
	for _, r := range rows {
		t.rows = append(t.rows, r.Clone())
	}
	ds[ref.Name] = t
}

// InjectFault makes every later op against tableName fail with err.
// An empty tableName matches all tables. A nil err clears the fault.
func (s *Store) InjectFault(op, tableName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := faultKey{op: op, table: tableName}
	if err == nil {
		delete(s.faults, k)
		return
	}
	s.faults[k] = err
}

// Mutations counts successful writes of any kind.
func (s *Store) Mutations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mutations
}

// Rows returns a copy of a table's rows, or nil when it does not exist.
func (s *Store) Rows(ref warehouse.TableRef) []warehouse.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.lookup(ref)
	if t == nil {
		return nil
	}
	return t.clone().rows
}

// fault must be called with mu held.
func (s *Store) fault(op, tableName string) error {
	if err, ok := s.faults[faultKey{op, tableName}]; ok {
		return err
	}
	if err, ok := s.faults[faultKey{op, ""}]; ok {
		return err
	}
	return nil
}

func (s *Store) lookup(ref warehouse.TableRef) *table {
	ds, ok := s.datasets[ref.Dataset]
	if !ok {
		return nil
	}
	return ds[ref.Name]
}

func (s *Store) mustTable(ref warehouse.TableRef) (*table, error) {
	t := s.lookup(ref)
	if t == nil {
		return nil, errors.New(errors.ErrCodeNotFound, fmt.Sprintf("table %s does not exist", ref)).
			WithContext("table", ref.String())
	}
	return t, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault("ping", "")
}

func (s *Store) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("dataset_exists", ""); err != nil {
		return false, err
	}
	_, ok := s.datasets[dataset]
	return ok, nil
}

func (s *Store) ListTables(ctx context.Context, dataset string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("list_tables", ""); err != nil {
		return nil, err
	}
	ds, ok := s.datasets[dataset]
	if !ok {
		return nil, errors.DatasetNotFoundError(dataset)
	}
	names := make([]string, 0, len(ds))
	for n := range ds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) TableExists(ctx context.Context, ref warehouse.TableRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("table_exists", ref.Name); err != nil {
		return false, err
	}
	return s.lookup(ref) != nil, nil
}

func (s *Store) Columns(ctx context.Context, ref warehouse.TableRef) ([]warehouse.Column, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("columns", ref.Name); err != nil {
		return nil, err
	}
	t, err := s.mustTable(ref)
	if err != nil {
		return nil, err
	}
	return append([]warehouse.Column(nil), t.columns...), nil
}

func (s *Store) CreateTable(ctx context.Context, ref warehouse.TableRef, columns []warehouse.Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("create", ref.Name); err != nil {
		return err
	}
	ds, ok := s.datasets[ref.Dataset]
	if !ok {
		return errors.DatasetNotFoundError(ref.Dataset)
	}
	if _, exists := ds[ref.Name]; exists {
		return errors.New(errors.ErrCodeInvalidState, fmt.Sprintf("table %s already exists", ref))
	}
	ds[ref.Name] = &table{columns: append([]warehouse.Column(nil), columns...)}
	s.mutations++
	return nil
}

func (s *Store) DropTable(ctx context.Context, ref warehouse.TableRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("drop", ref.Name); err != nil {
		return err
	}
	if ds, ok := s.datasets[ref.Dataset]; ok {
		if _, exists := ds[ref.Name]; exists {
			delete(ds, ref.Name)
			s.mutations++
		}
	}
	return nil
}

func (s *Store) CloneTable(ctx context.Context, src, dst warehouse.TableRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("clone", src.Name); err != nil {
		return err
	}
	t, err := s.mustTable(src)
	if err != nil {
		return err
	}
	ds, ok := s.datasets[dst.Dataset]
	if !ok {
		return errors.DatasetNotFoundError(dst.Dataset)
	}
	if _, exists := ds[dst.Name]; exists {
		return errors.New(errors.ErrCodeInvalidState, fmt.Sprintf("table %s already exists", dst))
	}
	ds[dst.Name] = t.clone()
	s.mutations++
	return nil
}

func (s *Store) RestoreTable(ctx context.Context, src, target warehouse.TableRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("restore", target.Name); err != nil {
		return err
	}
	t, err := s.mustTable(src)
	if err != nil {
		return err
	}
	ds, ok := s.datasets[target.Dataset]
	if !ok {
		return errors.DatasetNotFoundError(target.Dataset)
	}
	ds[target.Name] = t.clone()
	s.mutations++
	return nil
}

func (s *Store) Scan(ctx context.Context, ref warehouse.TableRef, fn func(warehouse.Row) error) error {
	s.mu.RLock()
	if err := s.fault("scan", ref.Name); err != nil {
		s.mu.RUnlock()
		return err
	}
	t, err := s.mustTable(ref)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	rows := t.clone().rows
	s.mu.RUnlock()

	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) FetchByKeys(ctx context.Context, ref warehouse.TableRef, key []string, keys [][]any) ([]warehouse.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("fetch", ref.Name); err != nil {
		return nil, err
	}
	t, err := s.mustTable(ref)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[keyID(k)] = struct{}{}
	}
	var out []warehouse.Row
	for _, r := range t.rows {
		_, id, ok := warehouse.KeyOf(r, key)
		if !ok {
			continue
		}
		if _, hit := wanted[id]; hit {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func keyID(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = warehouse.NormalizeKey(v)
	}
	return strings.Join(parts, "\x1f")
}

func (s *Store) Apply(ctx context.Context, ref warehouse.TableRef, changes warehouse.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("apply", ref.Name); err != nil {
		return err
	}
	t, err := s.mustTable(ref)
	if err != nil {
		return err
	}

	// stage on a copy so a failure leaves the table untouched
	next := t.clone()
	index := make(map[string]int, len(next.rows))
	for i, r := range next.rows {
		if _, id, ok := warehouse.KeyOf(r, changes.Key); ok {
			index[id] = i
		}
	}

	for _, u := range changes.Updates {
		_, id, ok := warehouse.KeyOf(u, changes.Key)
		if !ok {
			return errors.New(errors.ErrCodeQueryFailed, "update row is missing key columns")
		}
		i, found := index[id]
		if !found {
			return errors.New(errors.ErrCodeQueryFailed, fmt.Sprintf("update target %s not found", warehouse.DisplayKey(id)))
		}
		for col, v := range u {
			if !next.hasColumn(col) {
				return unknownColumn(ref, col)
			}
			next.rows[i][col] = v
		}
	}

	for _, in := range changes.Inserts {
		row := make(warehouse.Row, len(next.columns))
		for _, c := range next.columns {
			row[c.Name] = nil
		}
		for col, v := range in {
			if !next.hasColumn(col) {
				return unknownColumn(ref, col)
			}
			row[col] = v
		}
		next.rows = append(next.rows, row)
	}

	s.datasets[ref.Dataset][ref.Name] = next
	s.mutations++
	return nil
}

func (s *Store) Replace(ctx context.Context, ref warehouse.TableRef, rows []warehouse.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("replace", ref.Name); err != nil {
		return err
	}
	t, err := s.mustTable(ref)
	if err != nil {
		return err
	}

	next := &table{columns: append([]warehouse.Column(nil), t.columns...)}
	for _, in := range rows {
		row := make(warehouse.Row, len(next.columns))
		for _, c := range next.columns {
			row[c.Name] = nil
		}
		for col, v := range in {
			if !next.hasColumn(col) {
				return unknownColumn(ref, col)
			}
			row[col] = v
		}
		next.rows = append(next.rows, row)
	}
	s.datasets[ref.Dataset][ref.Name] = next
	s.mutations++
	return nil
}

func unknownColumn(ref warehouse.TableRef, col string) error {
	return errors.New(errors.ErrCodeQueryFailed, fmt.Sprintf("column %q does not exist in %s", col, ref)).
		WithContext("table", ref.String()).
		WithContext("column", col)
}

func (s *Store) RowCount(ctx context.Context, ref warehouse.TableRef) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("row_count", ref.Name); err != nil {
		return 0, err
	}
	t, err := s.mustTable(ref)
	if err != nil {
		return 0, err
	}
	return int64(len(t.rows)), nil
}

func (s *Store) CountDuplicates(ctx context.Context, ref warehouse.TableRef, key []string, sample int) (warehouse.KeyCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("count_duplicates", ref.Name); err != nil {
		return warehouse.KeyCount{}, err
	}
	t, err := s.mustTable(ref)
	if err != nil {
		return warehouse.KeyCount{}, err
	}

	counts := make(map[string]int64)
	var order []string
	for _, r := range t.rows {
		_, id, ok := warehouse.KeyOf(r, key)
		if !ok {
			continue
		}
		if counts[id] == 0 {
			order = append(order, id)
		}
		counts[id]++
	}

	kc := warehouse.KeyCount{Rows: int64(len(t.rows))}
	for _, id := range order {
		n := counts[id]
		if n < 2 {
			continue
		}
		kc.DuplicateKeys++
		kc.DuplicateRows += n
		if len(kc.SampleKeys) < sample {
			kc.SampleKeys = append(kc.SampleKeys, warehouse.DisplayKey(id))
		}
	}
	return kc, nil
}

func (s *Store) CountOrphans(ctx context.Context, child warehouse.TableRef, column string, parent warehouse.TableRef, parentColumn string, sample int) (warehouse.OrphanCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("count_orphans", child.Name); err != nil {
		return warehouse.OrphanCount{}, err
	}
	ct, err := s.mustTable(child)
	if err != nil {
		return warehouse.OrphanCount{}, err
	}
	pt, err := s.mustTable(parent)
	if err != nil {
		return warehouse.OrphanCount{}, err
	}

	known := make(map[string]struct{}, len(pt.rows))
	for _, r := range pt.rows {
		if v := r[parentColumn]; !warehouse.IsNull(v) {
			known[warehouse.NormalizeKey(v)] = struct{}{}
		}
	}

	var oc warehouse.OrphanCount
	for _, r := range ct.rows {
		v := r[column]
		if warehouse.IsNull(v) {
			continue
		}
		oc.Checked++
		k := warehouse.NormalizeKey(v)
		if _, ok := known[k]; ok {
			continue
		}
		oc.Orphans++
		if len(oc.SampleKeys) < sample {
			oc.SampleKeys = append(oc.SampleKeys, k)
		}
	}
	return oc, nil
}

func (s *Store) MaxTimestamp(ctx context.Context, ref warehouse.TableRef, column string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("max_timestamp", ref.Name); err != nil {
		return time.Time{}, false, err
	}
	t, err := s.mustTable(ref)
	if err != nil {
		return time.Time{}, false, err
	}
	if !t.hasColumn(column) {
		return time.Time{}, false, unknownColumn(ref, column)
	}

	var latest time.Time
	found := false
	for _, r := range t.rows {
		v := r[column]
		if warehouse.IsNull(v) {
			continue
		}
		ts, ok := warehouse.AsTime(v)
		if !ok {
			return time.Time{}, false, &warehouse.NotTimestampError{Table: ref, Column: column, Value: fmt.Sprint(v)}
		}
		if !found || ts.After(latest) {
			latest = ts
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) Close() error { return nil }

var _ warehouse.Store = (*Store)(nil)
