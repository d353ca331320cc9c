package contract

import (
	"regexp"
	"time"
)

// LoadStrategy decides how a staging batch lands in production.
type LoadStrategy string

const (
	StrategyUpsert     LoadStrategy = "UPSERT"
	StrategyAppendOnly LoadStrategy = "APPEND_ONLY"
	StrategyReplace    LoadStrategy = "REPLACE"
)

// Category groups tables that share defaults.
type Category string

const (
	CategoryReference   Category = "reference"
	CategoryTransaction Category = "transaction"
	CategoryAuth        Category = "auth"
	CategoryAudit       Category = "audit"
	CategoryTelemetry   Category = "telemetry"
	CategoryUtility     Category = "utility"
)

// FieldType is the logical type a column is expected to hold.
type FieldType string

const (
	TypeString    FieldType = "STRING"
	TypeInteger   FieldType = "INTEGER"
	TypeFloat     FieldType = "FLOAT"
	TypeNumeric   FieldType = "NUMERIC"
	TypeBoolean   FieldType = "BOOLEAN"
	TypeTimestamp FieldType = "TIMESTAMP"
	TypeDate      FieldType = "DATE"
	TypeJSON      FieldType = "JSON"
)

// Field is one declared column.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// FreshnessSLA bounds how old the newest record may be.
type FreshnessSLA struct {
	MaxStaleness    time.Duration
	ExpectedCadence time.Duration
	Column          string
}

// Timestamps names the lifecycle columns. Any may be empty.
type Timestamps struct {
	Created string
	Updated string
	Deleted string
}

// PatternRule requires non-null values of Field to match Pattern.
type PatternRule struct {
	Field   string
	Expr    string
	Pattern *regexp.Regexp
}

// EnumRule restricts non-null values of Field to Values.
type EnumRule struct {
	Field  string
	Values []string
}

// RangeRule bounds numeric values of Field. Nil bounds are open.
type RangeRule struct {
	Field string
	Min   *float64
	Max   *float64
}

// ForeignKey requires non-null Field values to exist in RefTable.RefField.
type ForeignKey struct {
	Field    string
	RefTable string
	RefField string
}

// CrossFieldKind selects how a CrossFieldRule is evaluated.
type CrossFieldKind string

const (
	// CrossImplies: when If equals Equals, Then must be non-null.
	CrossImplies CrossFieldKind = "implies"
	// CrossNotBefore: when both are set, If must not be earlier than Then.
	CrossNotBefore CrossFieldKind = "not_before"
	// CrossNotFuture: If must not be later than the validation clock.
	CrossNotFuture CrossFieldKind = "not_future"
)

// CrossFieldRule relates two fields of one record.
type CrossFieldRule struct {
	Name   string
	Kind   CrossFieldKind
	If     string
	Equals string
	Then   string
}

// QualityRules are the row-level and relational checks for a table.
type QualityRules struct {
	Required    []string
	Patterns    []PatternRule
	Enums       []EnumRule
	Ranges      []RangeRule
	ForeignKeys []ForeignKey
	CrossField  []CrossFieldRule
}

// TableContract is the declared shape and policy of one table.
type TableContract struct {
	Name         string
	Category     Category
	Key          []string
	NaturalKey   []string
	Strategy     LoadStrategy
	GeneratedKey string
	Timestamps   Timestamps
	Fields       []Field
	SLA          FreshnessSLA
	Rules        QualityRules
	Retention    time.Duration
	Partition    string
	Cluster      []string
	// Explicit is false for contracts derived from category defaults.
	Explicit bool
}

// MatchKey returns the columns that identify a logical record for this
// contract's strategy.
func (c TableContract) MatchKey() []string {
	if c.Strategy == StrategyAppendOnly && len(c.NaturalKey) > 0 {
		return c.NaturalKey
	}
	return c.Key
}

// Field looks up a declared field by name.
func (c TableContract) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FreshnessColumn is the timestamp the SLA is measured against.
func (c TableContract) FreshnessColumn() string {
	if c.SLA.Column != "" {
		return c.SLA.Column
	}
	if c.Timestamps.Updated != "" {
		return c.Timestamps.Updated
	}
	return c.Timestamps.Created
}

// FreshnessCandidates lists the columns the SLA may be measured against, in
// order of preference. An explicit SLA column is the only candidate.
func (c TableContract) FreshnessCandidates() []string {
	if c.SLA.Column != "" {
		return []string{c.SLA.Column}
	}
	var out []string
	for _, col := range []string{c.Timestamps.Updated, c.Timestamps.Created} {
		if col != "" {
			out = append(out, col)
		}
	}
	return out
}

// Clone returns a deep copy.
func (c TableContract) Clone() TableContract {
	out := c
	out.Key = cloneStrings(c.Key)
	out.NaturalKey = cloneStrings(c.NaturalKey)
	out.Cluster = cloneStrings(c.Cluster)
	out.Fields = append([]Field(nil), c.Fields...)
	out.Rules.Required = cloneStrings(c.Rules.Required)
	out.Rules.Patterns = append([]PatternRule(nil), c.Rules.Patterns...)
	out.Rules.Enums = make([]EnumRule, len(c.Rules.Enums))
	for i, e := range c.Rules.Enums {
		out.Rules.Enums[i] = EnumRule{Field: e.Field, Values: cloneStrings(e.Values)}
	}
	out.Rules.Ranges = make([]RangeRule, len(c.Rules.Ranges))
	for i, r := range c.Rules.Ranges {
		out.Rules.Ranges[i] = RangeRule{Field: r.Field, Min: cloneFloat(r.Min), Max: cloneFloat(r.Max)}
	}
	out.Rules.ForeignKeys = append([]ForeignKey(nil), c.Rules.ForeignKeys...)
	out.Rules.CrossField = append([]CrossFieldRule(nil), c.Rules.CrossField...)
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
