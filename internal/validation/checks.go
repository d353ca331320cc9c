package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"stagegate/internal/contract"
	"stagegate/internal/warehouse"
)

// tally accumulates one check over a table scan.
type tally struct {
	check    string
	category Category
	layer    Layer
	checked  int64
	failed   int64
	samples  []string
	details  string
	// eval returns whether the row is in scope and whether it passes.
	eval func(r warehouse.Row) (applies, ok bool)
}

func (t *tally) observe(r warehouse.Row, key string, limit int) {
	applies, ok := t.eval(r)
	if !applies {
		return
	}
	t.checked++
	if ok {
		return
	}
	t.failed++
	if len(t.samples) < limit {
		t.samples = append(t.samples, key)
	}
}

func (t *tally) result(table string) Result {
	r := newResult(table, t.check, t.category, t.layer, t.checked, t.failed)
	r.SampleKeys = t.samples
	r.Details = t.details
	if r.Details == "" && t.failed > 0 {
		r.Details = fmt.Sprintf("%d of %d records failed", t.failed, t.checked)
	}
	return r
}

// rowChecks builds the scan-based checks for c. A rule on a column the table
// does not have is a structural mismatch and comes back as a failed format
// result instead.
func rowChecks(c contract.TableContract, present map[string]bool, now time.Time) (format, relational []*tally, unresolved []Result) {
	unresolvedRule := func(check, column string) {
		r := newResult(c.Name, check, CategoryFormat, LayerFormat, 0, 0)
		r.Status = StatusFail
		r.Details = fmt.Sprintf("rule references column %s, which does not exist", column)
		unresolved = append(unresolved, r)
	}

	required := requiredColumns(c)
	var have []string
	for _, col := range required {
		if present[col] {
			have = append(have, col)
		}
	}
	if len(have) > 0 {
		format = append(format, &tally{
			check: "required_fields", category: CategoryFormat, layer: LayerFormat,
			eval: func(r warehouse.Row) (bool, bool) {
				for _, col := range have {
					if warehouse.IsNull(r[col]) {
						return true, false
					}
				}
				return true, true
			},
		})
	}

	var typed []contract.Field
	for _, f := range c.Fields {
		if f.Type != "" && f.Type != contract.TypeString && present[f.Name] {
			typed = append(typed, f)
		}
	}
	if len(typed) > 0 {
		format = append(format, &tally{
			check: "type_conformance", category: CategoryFormat, layer: LayerFormat,
			eval: func(r warehouse.Row) (bool, bool) {
				for _, f := range typed {
					if v := r[f.Name]; !warehouse.IsNull(v) && !conforms(f.Type, v) {
						return true, false
					}
				}
				return true, true
			},
		})
	}

	for _, p := range c.Rules.Patterns {
		check := "pattern:" + p.Field
		if !present[p.Field] {
			unresolvedRule(check, p.Field)
			continue
		}
		format = append(format, &tally{
			check: check, category: CategoryFormat, layer: LayerFormat,
			eval: func(r warehouse.Row) (bool, bool) {
				v := r[p.Field]
				if warehouse.IsNull(v) {
					return false, false
				}
				return true, p.Pattern.MatchString(text(v))
			},
		})
	}

	for _, e := range c.Rules.Enums {
		check := "enum:" + e.Field
		if !present[e.Field] {
			unresolvedRule(check, e.Field)
			continue
		}
		allowed := make(map[string]bool, len(e.Values))
		for _, v := range e.Values {
			allowed[v] = true
		}
		relational = append(relational, &tally{
			check: check, category: CategoryBusinessRule, layer: LayerRelational,
			eval: func(r warehouse.Row) (bool, bool) {
				v := r[e.Field]
				if warehouse.IsNull(v) {
					return false, false
				}
				return true, allowed[text(v)]
			},
		})
	}

	for _, rg := range c.Rules.Ranges {
		check := "range:" + rg.Field
		if !present[rg.Field] {
			unresolvedRule(check, rg.Field)
			continue
		}
		relational = append(relational, &tally{
			check: check, category: CategoryBusinessRule, layer: LayerRelational,
			eval: func(r warehouse.Row) (bool, bool) {
				v := r[rg.Field]
				if warehouse.IsNull(v) {
					return false, false
				}
				f, ok := warehouse.AsFloat(v)
				if !ok {
					return true, false
				}
				if rg.Min != nil && f < *rg.Min {
					return true, false
				}
				if rg.Max != nil && f > *rg.Max {
					return true, false
				}
				return true, true
			},
		})
	}

	for _, cf := range c.Rules.CrossField {
		check := "rule:" + cf.Name
		missing := ""
		for _, col := range []string{cf.If, cf.Then} {
			if col != "" && !present[col] {
				missing = col
			}
		}
		if missing != "" {
			unresolvedRule(check, missing)
			continue
		}
		relational = append(relational, &tally{
			check: check, category: CategoryBusinessRule, layer: LayerRelational,
			eval: crossField(cf, now),
		})
	}

	for _, fk := range c.Rules.ForeignKeys {
		if !present[fk.Field] {
			unresolvedRule(fmt.Sprintf("foreign_key:%s->%s.%s", fk.Field, fk.RefTable, fk.RefField), fk.Field)
		}
	}
	return format, relational, unresolved
}

// applicableRules drops the rules of a category-default contract that name
// columns the table does not have. Defaults describe a naming convention, and
// a table that does not follow part of it has nothing to check there.
func applicableRules(c contract.TableContract, present map[string]bool) contract.TableContract {
	has := func(cols ...string) bool {
		for _, col := range cols {
			if col != "" && !present[strings.ToLower(col)] {
				return false
			}
		}
		return true
	}
	rules := contract.QualityRules{Required: c.Rules.Required}
	for _, p := range c.Rules.Patterns {
		if has(p.Field) {
			rules.Patterns = append(rules.Patterns, p)
		}
	}
	for _, e := range c.Rules.Enums {
		if has(e.Field) {
			rules.Enums = append(rules.Enums, e)
		}
	}
	for _, rg := range c.Rules.Ranges {
		if has(rg.Field) {
			rules.Ranges = append(rules.Ranges, rg)
		}
	}
	for _, fk := range c.Rules.ForeignKeys {
		if has(fk.Field) {
			rules.ForeignKeys = append(rules.ForeignKeys, fk)
		}
	}
	for _, cf := range c.Rules.CrossField {
		if has(cf.If, cf.Then) {
			rules.CrossField = append(rules.CrossField, cf)
		}
	}
	c.Rules = rules
	return c
}

func crossField(cf contract.CrossFieldRule, now time.Time) func(warehouse.Row) (bool, bool) {
	switch cf.Kind {
	case contract.CrossImplies:
		return func(r warehouse.Row) (bool, bool) {
			if !triggered(r[cf.If], cf.Equals) {
				return false, false
			}
			return true, !warehouse.IsNull(r[cf.Then])
		}
	case contract.CrossNotBefore:
		return func(r warehouse.Row) (bool, bool) {
			a, okA := warehouse.AsTime(r[cf.If])
			b, okB := warehouse.AsTime(r[cf.Then])
			if !okA || !okB {
				return false, false
			}
			return true, !a.Before(b)
		}
	case contract.CrossNotFuture:
		return func(r warehouse.Row) (bool, bool) {
			a, ok := warehouse.AsTime(r[cf.If])
			if !ok {
				return false, false
			}
			return true, !a.After(now)
		}
	}
	return func(warehouse.Row) (bool, bool) { return false, false }
}

// triggered reports whether v meets an implies condition. An empty want means
// "set": non-null and not false.
func triggered(v any, want string) bool {
	if warehouse.IsNull(v) {
		return false
	}
	if want == "" {
		if b, ok := warehouse.AsBool(v); ok {
			return b
		}
		return true
	}
	if wb, err := strconv.ParseBool(want); err == nil {
		if b, ok := warehouse.AsBool(v); ok {
			return b == wb
		}
	}
	return text(v) == want
}

func requiredColumns(c contract.TableContract) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(col string) {
		if !seen[col] {
			seen[col] = true
			out = append(out, col)
		}
	}
	for _, col := range c.Rules.Required {
		add(col)
	}
	for _, f := range c.Fields {
		if f.Required {
			add(f.Name)
		}
	}
	return out
}

func conforms(t contract.FieldType, v any) bool {
	switch t {
	case contract.TypeInteger:
		f, ok := warehouse.AsFloat(v)
		return ok && f == math.Trunc(f)
	case contract.TypeFloat, contract.TypeNumeric:
		_, ok := warehouse.AsFloat(v)
		return ok
	case contract.TypeBoolean:
		_, ok := warehouse.AsBool(v)
		return ok
	case contract.TypeTimestamp, contract.TypeDate:
		_, ok := warehouse.AsTime(v)
		return ok
	case contract.TypeJSON:
		switch j := v.(type) {
		case map[string]any, []any:
			return true
		case string:
			return json.Valid([]byte(j))
		case []byte:
			return json.Valid(j)
		}
		return false
	}
	return true
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	}
	return warehouse.Canonical(v)
}
