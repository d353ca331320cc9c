package validation

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"stagegate/internal/contract"
	"stagegate/internal/metrics"
	"stagegate/internal/observability"
	"stagegate/internal/schema"
	"stagegate/internal/warehouse"
	"stagegate/pkg/errors"
)

// DefaultSampleSize bounds the failing keys kept per check.
const DefaultSampleSize = 10

// Options configures a Validator.
type Options struct {
	SampleSize int
	Logger     *observability.Logger
	Metrics    metrics.Backend
	Now        func() time.Time
}

// Validator runs contract checks against warehouse tables.
type Validator struct {
	store      warehouse.Store
	sampleSize int
	logger     *observability.Logger
	metrics    metrics.Backend
	now        func() time.Time
}

// NewValidator creates a validator over store.
func NewValidator(store warehouse.Store, opts Options) *Validator {
	v := &Validator{
		store:      store,
		sampleSize: opts.SampleSize,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if v.sampleSize <= 0 {
		v.sampleSize = DefaultSampleSize
	}
	if v.logger == nil {
		v.logger = observability.NewNopLogger()
	}
	v.logger = v.logger.Named("validation")
	if v.metrics == nil {
		v.metrics = metrics.Nop{}
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Validate checks ref against c. Data problems become failed results; an error is
// returned only when the warehouse could not answer, as a ValidationInfraError.
func (v *Validator) Validate(ctx context.Context, c contract.TableContract, ref warehouse.TableRef) (*TableReport, error) {
	report := &TableReport{
		Table:     ref.Name,
		Dataset:   ref.Dataset,
		Outcome:   OutcomeRunning,
		StartedAt: v.now().UTC(),
	}
	start := time.Now()

	if err := v.run(ctx, c, ref, report); err != nil {
		v.logger.Error("validation could not complete",
			observability.String("table", ref.String()),
			observability.Err(err))
		return nil, errors.ValidationInfraError(ref.String(), err)
	}

	report.Outcome = Classify(report.Results)
	report.Duration = time.Since(start)

	for _, r := range report.Results {
		v.metrics.IncCounter(metrics.ChecksTotal, 1, metrics.Labels{"category": string(r.Category), "status": string(r.Status)})
		if !r.Passed() {
			v.logger.Warn("check failed",
				observability.String("table", ref.String()),
				observability.String("check", r.Check),
				observability.String("category", string(r.Category)),
				observability.Int64("failed", r.RecordsFailed),
				observability.Strings("sample_keys", r.SampleKeys))
		}
	}
	v.logger.Info("table validated",
		observability.String("table", ref.String()),
		observability.String("outcome", string(report.Outcome)),
		observability.Int("checks", len(report.Results)),
		observability.Duration("duration", report.Duration))
	return report, nil
}

func (v *Validator) run(ctx context.Context, c contract.TableContract, ref warehouse.TableRef, report *TableReport) error {
	add := func(r Result, since time.Time) {
		r.Table = ref.Name
		r.Duration = time.Since(since)
		report.Results = append(report.Results, r)
	}

	// Layer 1: format
	t0 := time.Now()
	exists, err := v.store.TableExists(ctx, ref)
	if err != nil {
		return err
	}
	if !exists {
		r := newResult(ref.Name, "table_exists", CategoryFormat, LayerFormat, 1, 1)
		r.Details = fmt.Sprintf("table %s does not exist", ref)
		add(r, t0)
		return nil
	}
	add(newResult(ref.Name, "table_exists", CategoryFormat, LayerFormat, 1, 0), t0)

	t0 = time.Now()
	columns, err := v.store.Columns(ctx, ref)
	if err != nil {
		return err
	}
	structure := v.structureResult(c, ref, columns)
	structureOK := structure.Passed()
	if !structureOK {
		structure.Details += "; relational checks skipped"
		v.logger.Warn("relational checks skipped",
			observability.String("table", ref.String()),
			observability.String("reason", structure.Details))
	}
	add(structure, t0)

	present := make(map[string]bool, len(columns))
	for _, col := range columns {
		present[strings.ToLower(col.Name)] = true
	}
	if !c.Explicit {
		c = applicableRules(c, present)
	}
	format, relational, unresolved := rowChecks(c, present, v.now().UTC())
	if !structureOK {
		relational = nil
	}

	t0 = time.Now()
	if len(format)+len(relational) > 0 {
		scanned := append(append([]*tally(nil), format...), relational...)
		key := c.MatchKey()
		var n int64
		err := v.store.Scan(ctx, ref, func(r warehouse.Row) error {
			n++
			r = lowerKeys(r)
			label := rowLabel(r, key, n)
			for _, t := range scanned {
				t.observe(r, label, v.sampleSize)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	for _, t := range format {
		add(t.result(ref.Name), t0)
	}
	for _, r := range unresolved {
		add(r, t0)
	}

	// Layer 2: relational
	if structureOK {
		if err := v.relational(ctx, c, ref, present, add); err != nil {
			return err
		}
		for _, t := range relational {
			add(t.result(ref.Name), t0)
		}
	}

	// Layer 3: freshness
	if c.SLA.MaxStaleness > 0 {
		t0 = time.Now()
		r, err := v.freshness(ctx, c, ref, present)
		if err != nil {
			return err
		}
		add(r, t0)
	}
	return nil
}

func (v *Validator) structureResult(c contract.TableContract, ref warehouse.TableRef, columns []warehouse.Column) Result {
	if len(c.Fields) == 0 {
		r := newResult(ref.Name, "structure", CategoryFormat, LayerFormat, 0, 0)
		r.Details = "no declared fields"
		return r
	}
	cmp := schema.CompareContract(ref.Name, c.Fields, columns)
	bad := append(cmp.Missing(), cmp.TypeMismatches()...)
	r := newResult(ref.Name, "structure", CategoryFormat, LayerFormat, int64(len(c.Fields)), int64(len(bad)))
	r.Details = cmp.Summary()
	if len(bad) > v.sampleSize {
		bad = bad[:v.sampleSize]
	}
	r.SampleKeys = bad
	return r
}

func (v *Validator) relational(ctx context.Context, c contract.TableContract, ref warehouse.TableRef, present map[string]bool, add func(Result, time.Time)) error {
	key := c.MatchKey()
	t0 := time.Now()
	if len(key) > 0 && allPresent(present, key) {
		kc, err := v.store.CountDuplicates(ctx, ref, key, v.sampleSize)
		if err != nil {
			return err
		}
		r := newResult(ref.Name, "unique:"+strings.Join(key, ","), CategoryUnique, LayerRelational, kc.Rows, kc.DuplicateRows)
		r.SampleKeys = kc.SampleKeys
		if kc.DuplicateKeys > 0 {
			r.Details = fmt.Sprintf("%d keys appear more than once across %d rows", kc.DuplicateKeys, kc.DuplicateRows)
		}
		add(r, t0)
	}

	for _, fk := range c.Rules.ForeignKeys {
		t0 = time.Now()
		check := fmt.Sprintf("foreign_key:%s->%s.%s", fk.Field, fk.RefTable, fk.RefField)
		parent := warehouse.TableRef{Dataset: ref.Dataset, Name: fk.RefTable}

		if !present[strings.ToLower(fk.Field)] {
			// reported as a format failure by rowChecks
			continue
		}
		parentExists, err := v.store.TableExists(ctx, parent)
		if err != nil {
			return err
		}
		if !parentExists {
			r := newResult(ref.Name, check, CategoryForeignKey, LayerRelational, 0, 0)
			r.Status = StatusFail
			r.Details = fmt.Sprintf("referenced table %s does not exist", parent)
			add(r, t0)
			continue
		}

		oc, err := v.store.CountOrphans(ctx, ref, fk.Field, parent, fk.RefField, v.sampleSize)
		if err != nil {
			return err
		}
		r := newResult(ref.Name, check, CategoryForeignKey, LayerRelational, oc.Checked, oc.Orphans)
		r.SampleKeys = oc.SampleKeys
		if oc.Orphans > 0 {
			r.Details = fmt.Sprintf("%d of %d references have no match in %s", oc.Orphans, oc.Checked, parent)
		}
		add(r, t0)
	}
	return nil
}

// freshness fails when the newest record is older than the SLA. Exactly at the
// SLA passes, and a table with no timestamped records passes. The first
// candidate column the table has is used.
func (v *Validator) freshness(ctx context.Context, c contract.TableContract, ref warehouse.TableRef, present map[string]bool) (Result, error) {
	candidates := c.FreshnessCandidates()
	col := ""
	for _, name := range candidates {
		if present[strings.ToLower(name)] {
			col = name
			break
		}
	}
	if col == "" {
		r := newResult(ref.Name, "freshness", CategoryFreshness, LayerFreshness, 0, 0)
		r.Status = StatusFail
		if len(candidates) == 0 {
			r.Details = "no timestamp column to measure freshness against"
		} else {
			r.Details = fmt.Sprintf("freshness column %s does not exist", strings.Join(candidates, " or "))
		}
		return r, nil
	}
	check := "freshness:" + col

	newest, found, err := v.store.MaxTimestamp(ctx, ref, col)
	var notTimestamp *warehouse.NotTimestampError
	if stderrors.As(err, &notTimestamp) {
		// unparseable timestamps are malformed data, not staleness
		r := newResult(ref.Name, "timestamp_format:"+col, CategoryFormat, LayerFormat, 1, 1)
		r.Details = fmt.Sprintf("column %s holds a value that is not a timestamp: %q; freshness not measured", col, notTimestamp.Value)
		return r, nil
	}
	if err != nil {
		return Result{}, err
	}
	if !found {
		r := newResult(ref.Name, check, CategoryFreshness, LayerFreshness, 0, 0)
		r.Details = "no timestamped records"
		return r, nil
	}

	age := v.now().Sub(newest)
	var failed int64
	if age > c.SLA.MaxStaleness {
		failed = 1
	}
	r := newResult(ref.Name, check, CategoryFreshness, LayerFreshness, 1, failed)
	switch {
	case failed > 0:
		r.Details = fmt.Sprintf("newest record is %.1fh old, SLA is %.1fh", age.Hours(), c.SLA.MaxStaleness.Hours())
	case c.SLA.ExpectedCadence > 0 && age > c.SLA.ExpectedCadence:
		r.Details = fmt.Sprintf("approaching staleness: newest record is %.1fh old, expected cadence is %.1fh", age.Hours(), c.SLA.ExpectedCadence.Hours())
	default:
		r.Details = fmt.Sprintf("newest record is %.1fh old", age.Hours())
	}
	return r, nil
}

func allPresent(present map[string]bool, cols []string) bool {
	for _, c := range cols {
		if !present[strings.ToLower(c)] {
			return false
		}
	}
	return true
}

func lowerKeys(r warehouse.Row) warehouse.Row {
	for k := range r {
		if k != strings.ToLower(k) {
			out := make(warehouse.Row, len(r))
			for k, v := range r {
				out[strings.ToLower(k)] = v
			}
			return out
		}
	}
	return r
}

func rowLabel(r warehouse.Row, key []string, n int64) string {
	if _, id, ok := warehouse.KeyOf(r, key); ok {
		return warehouse.DisplayKey(id)
	}
	return fmt.Sprintf("row %d", n)
}
