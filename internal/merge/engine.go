// Package merge lands a staging batch in a production table. A batch is
// deduplicated to one row per logical record, then inserted, updated or used
// to replace the table according to the contract's load strategy.
package merge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"stagegate/internal/contract"
	"stagegate/internal/metrics"
	"stagegate/internal/observability"
	"stagegate/internal/warehouse"
	"stagegate/pkg/errors"
)

// DefaultMalformedThreshold is the largest tolerated share of rows missing a key field.
const DefaultMalformedThreshold = 0.05

// Result counts what a merge did, or would do for a plan.
type Result struct {
	Table      string                `json:"table"`
	Strategy   contract.LoadStrategy `json:"strategy"`
	Received   int                   `json:"received"`
	Excluded   int                   `json:"excluded"`
	Collapsed  int                   `json:"collapsed"`
	Inserted   int                   `json:"inserted"`
	Updated    int                   `json:"updated"`
	Unchanged  int                   `json:"unchanged"`
	Stale      int                   `json:"stale"`
	Skipped    int                   `json:"skipped"`
	Tombstoned int                   `json:"tombstoned"`
	Restored   int                   `json:"restored"`
	Replaced   int                   `json:"replaced"`
	// DroppedColumns are staging columns production does not have.
	DroppedColumns []string      `json:"dropped_columns,omitempty"`
	Applied        bool          `json:"applied"`
	Duration       time.Duration `json:"duration"`
}

// Written is the number of rows the merge writes.
func (r *Result) Written() int {
	return r.Inserted + r.Updated + r.Tombstoned + r.Restored + r.Replaced
}

// Plan is the change set for one table, computed without writing.
type Plan struct {
	Table    warehouse.TableRef
	Strategy contract.LoadStrategy
	Changes  warehouse.ChangeSet
	// Rows is the full new content for REPLACE.
	Rows   []warehouse.Row
	Result Result
}

// Options configures an Engine.
type Options struct {
	MalformedThreshold float64
	Logger             *observability.Logger
	Metrics            metrics.Backend
	Now                func() time.Time
	NewID              func() string
}

// Engine plans and applies merges against one warehouse.
type Engine struct {
	store     warehouse.Store
	threshold float64
	logger    *observability.Logger
	metrics   metrics.Backend
	now       func() time.Time
	newID     func() string
}

// NewEngine creates an engine over store.
func NewEngine(store warehouse.Store, opts Options) *Engine {
	e := &Engine{
		store:     store,
		threshold: opts.MalformedThreshold,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if e.threshold <= 0 {
		e.threshold = DefaultMalformedThreshold
	}
	if e.logger == nil {
		e.logger = observability.NewNopLogger()
	}
	e.logger = e.logger.Named("merge")
	if e.metrics == nil {
		e.metrics = metrics.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// Merge plans the batch and applies it to target in one transaction.
func (e *Engine) Merge(ctx context.Context, c contract.TableContract, target warehouse.TableRef, rows []warehouse.Row) (*Result, error) {
	start := time.Now()
	plan, err := e.Plan(ctx, c, target, rows)
	if err != nil {
		return nil, err
	}

	switch plan.Strategy {
	case contract.StrategyReplace:
		err = e.store.Replace(ctx, target, plan.Rows)
	default:
		if !plan.Changes.Empty() {
			err = e.store.Apply(ctx, target, plan.Changes)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("merge into %s: %w", target, err)
	}

	result := plan.Result
	result.Applied = true
	result.Duration = time.Since(start)
	e.record(&result)

	e.logger.Info("merge applied",
		observability.String("table", target.String()),
		observability.String("strategy", string(plan.Strategy)),
		observability.Int("inserted", result.Inserted),
		observability.Int("updated", result.Updated),
		observability.Int("unchanged", result.Unchanged),
		observability.Int("stale", result.Stale),
		observability.Int("tombstoned", result.Tombstoned),
		observability.Int("restored", result.Restored),
		observability.Int("replaced", result.Replaced),
		observability.Duration("duration", result.Duration))
	return &result, nil
}

// Plan computes what Merge would write. It only reads from the warehouse.
// When target does not exist yet every deduplicated row is planned as an insert.
func (e *Engine) Plan(ctx context.Context, c contract.TableContract, target warehouse.TableRef, rows []warehouse.Row) (*Plan, error) {
	if c.Strategy == "" {
		c.Strategy = contract.StrategyUpsert
	}

	d, err := Dedup(c, rows)
	if err != nil {
		return nil, err
	}
	if err := CheckQuality(c.Name, d, e.threshold); err != nil {
		return nil, err
	}
	if d.Excluded > 0 {
		e.logger.Warn("rows missing key fields excluded",
			observability.String("table", target.String()),
			observability.Int("excluded", d.Excluded),
			observability.Int("received", d.Received))
	}

	plan := &Plan{
		Table:    target,
		Strategy: c.Strategy,
		Result: Result{
			Table:     target.Name,
			Strategy:  c.Strategy,
			Received:  d.Received,
			Excluded:  d.Excluded,
			Collapsed: d.Collapsed,
		},
	}

	exists, err := e.store.TableExists(ctx, target)
	if err != nil {
		return nil, err
	}

	var proj *projection
	if exists {
		cols, err := e.store.Columns(ctx, target)
		if err != nil {
			return nil, err
		}
		proj = newProjection(cols)
	}

	batch := make([]warehouse.Row, 0, len(d.Rows))
	for _, r := range d.Rows {
		batch = append(batch, proj.apply(r))
	}
	plan.Result.DroppedColumns = proj.droppedColumns()
	if len(plan.Result.DroppedColumns) > 0 {
		e.logger.Warn("staging columns not present in production are not written",
			observability.String("table", target.String()),
			observability.Strings("columns", plan.Result.DroppedColumns))
	}

	key, err := proj.columns(c.MatchKey())
	if err != nil {
		return nil, errors.SchemaMismatchError(target.String(), err.Error())
	}
	ts := contract.Timestamps{
		Created: proj.column(c.Timestamps.Created),
		Updated: proj.column(c.Timestamps.Updated),
		Deleted: proj.column(c.Timestamps.Deleted),
	}
	gen := proj.column(c.GeneratedKey)
	now := e.now().UTC()

	if c.Strategy == contract.StrategyReplace {
		for _, r := range batch {
			plan.Rows = append(plan.Rows, e.stamp(r, ts, gen, now))
		}
		plan.Result.Replaced = len(plan.Rows)
		return plan, nil
	}

	plan.Changes.Key = key
	var existing map[string]warehouse.Row
	if exists {
		existing, err = e.fetchExisting(ctx, target, key, batch)
		if err != nil {
			return nil, err
		}
	}

	for _, r := range batch {
		_, id, _ := warehouse.KeyOf(r, key)
		cur, found := existing[id]
		if !found {
			plan.Changes.Inserts = append(plan.Changes.Inserts, e.stamp(r, ts, gen, now))
			plan.Result.Inserted++
			continue
		}
		if c.Strategy == contract.StrategyAppendOnly {
			plan.Result.Skipped++
			continue
		}
		e.planUpdate(plan, key, ts, gen, cur, r, now)
	}
	return plan, nil
}

// planUpdate diffs incoming against the production row cur.
func (e *Engine) planUpdate(plan *Plan, key []string, ts contract.Timestamps, gen string, cur, incoming warehouse.Row, now time.Time) {
	if ts.Updated != "" {
		in, okIn := warehouse.AsTime(incoming[ts.Updated])
		prod, okProd := warehouse.AsTime(cur[ts.Updated])
		if okIn && okProd && in.Before(prod) {
			plan.Result.Stale++
			return
		}
	}

	immutable := map[string]bool{ts.Created: true, gen: true}
	for _, k := range key {
		immutable[k] = true
	}

	update := make(warehouse.Row)
	for _, col := range sortedColumns(incoming) {
		if immutable[col] || (col == ts.Updated && warehouse.IsNull(incoming[col])) {
			continue
		}
		if !warehouse.Equal(cur[col], incoming[col]) {
			update[col] = incoming[col]
		}
	}
	if len(update) == 0 {
		plan.Result.Unchanged++
		return
	}

	if ts.Updated != "" && warehouse.IsNull(incoming[ts.Updated]) {
		update[ts.Updated] = now
	}
	for _, k := range key {
		update[k] = cur[k]
	}
	plan.Changes.Updates = append(plan.Changes.Updates, update)

	wasDeleted, isDeleted := false, false
	if _, changed := update[ts.Deleted]; ts.Deleted != "" && changed {
		wasDeleted, isDeleted = deleted(cur[ts.Deleted]), deleted(incoming[ts.Deleted])
	}
	switch {
	case isDeleted && !wasDeleted:
		plan.Result.Tombstoned++
	case wasDeleted && !isDeleted:
		plan.Result.Restored++
	default:
		plan.Result.Updated++
	}
}

// stamp fills the generated key and lifecycle timestamps of a row about to be inserted.
func (e *Engine) stamp(r warehouse.Row, ts contract.Timestamps, gen string, now time.Time) warehouse.Row {
	out := r.Clone()
	if gen != "" && warehouse.IsNull(out[gen]) {
		out[gen] = e.newID()
	}
	if ts.Created != "" && warehouse.IsNull(out[ts.Created]) {
		out[ts.Created] = now
	}
	if ts.Updated != "" && warehouse.IsNull(out[ts.Updated]) {
		out[ts.Updated] = now
	}
	return out
}

func (e *Engine) fetchExisting(ctx context.Context, target warehouse.TableRef, key []string, batch []warehouse.Row) (map[string]warehouse.Row, error) {
	keys := make([][]any, 0, len(batch))
	for _, r := range batch {
		values, _, ok := warehouse.KeyOf(r, key)
		if ok {
			keys = append(keys, values)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	rows, err := e.store.FetchByKeys(ctx, target, key, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]warehouse.Row, len(rows))
	for _, r := range rows {
		if _, id, ok := warehouse.KeyOf(r, key); ok {
			out[id] = r
		}
	}
	return out, nil
}

func (e *Engine) record(r *Result) {
	for kind, n := range map[string]int{
		"received":   r.Received,
		"excluded":   r.Excluded,
		"inserted":   r.Inserted,
		"updated":    r.Updated,
		"unchanged":  r.Unchanged,
		"stale":      r.Stale,
		"skipped":    r.Skipped,
		"tombstoned": r.Tombstoned,
		"restored":   r.Restored,
		"replaced":   r.Replaced,
	} {
		if n > 0 {
			e.metrics.IncCounter(metrics.RecordsTotal, float64(n), metrics.Labels{"kind": kind})
		}
	}
}

// deleted reads a soft-delete marker: a timestamp, or a boolean flag.
func deleted(v any) bool {
	if b, ok := warehouse.AsBool(v); ok {
		return b
	}
	return !warehouse.IsNull(v)
}

// projection maps batch columns onto production's, matching names case-insensitively.
// A nil projection passes rows through unchanged.
type projection struct {
	names   map[string]string
	dropped map[string]struct{}
}

func newProjection(cols []warehouse.Column) *projection {
	p := &projection{names: make(map[string]string, len(cols)), dropped: make(map[string]struct{})}
	for _, c := range cols {
		p.names[strings.ToLower(c.Name)] = c.Name
	}
	return p
}

func (p *projection) apply(r warehouse.Row) warehouse.Row {
	if p == nil {
		return r
	}
	out := make(warehouse.Row, len(r))
	for k, v := range r {
		name, ok := p.names[strings.ToLower(k)]
		if !ok {
			p.dropped[k] = struct{}{}
			continue
		}
		out[name] = v
	}
	return out
}

// column returns production's name for col, or "" when production lacks it.
func (p *projection) column(col string) string {
	if p == nil || col == "" {
		return col
	}
	return p.names[strings.ToLower(col)]
}

func (p *projection) columns(cols []string) ([]string, error) {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = p.column(c)
		if out[i] == "" {
			return nil, fmt.Errorf("key column %s is missing from production", c)
		}
	}
	return out, nil
}

func (p *projection) droppedColumns() []string {
	if p == nil || len(p.dropped) == 0 {
		return nil
	}
	out := make([]string, 0, len(p.dropped))
	for k := range p.dropped {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
