// Package contract loads table contracts: the declared key, load strategy,
// freshness SLA and quality rules for each table a run may touch.
package contract

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"stagegate/internal/common"
	apperrors "stagegate/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Named patterns usable in place of a regular expression.
var patternAliases = map[string]string{
	"uuid":     `^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`,
	"email":    `^[^@\s]+@[^@\s]+\.[^@\s]+$`,
	"vin":      `^[A-HJ-NPR-Z0-9]{17}$`,
	"iso_date": `^\d{4}-\d{2}-\d{2}$`,
	"dtc_code": `^[PBCU][0-3][0-9A-F]{3}$`,
}

// Registry holds immutable contracts. Lookups return copies.
type Registry struct {
	contracts  map[string]TableContract
	categories map[string]Category
}

type rawFile struct {
	Categories map[string]string   `yaml:"categories"`
	Tables     map[string]rawTable `yaml:"tables"`
}

type rawTable struct {
	Category     string         `yaml:"category"`
	Key          []string       `yaml:"key"`
	NaturalKey   []string       `yaml:"natural_key"`
	Strategy     string         `yaml:"strategy"`
	GeneratedKey string         `yaml:"generated_key"`
	Timestamps   *rawTimestamps `yaml:"timestamps"`
	Fields       []rawField     `yaml:"fields"`
	SLA          *rawSLA        `yaml:"sla"`
	Retention    string         `yaml:"retention"`
	Partition    string         `yaml:"partition"`
	Cluster      []string       `yaml:"cluster"`
	Rules        rawRules       `yaml:"rules"`
}

type rawTimestamps struct {
	Created string `yaml:"created"`
	Updated string `yaml:"updated"`
	Deleted string `yaml:"deleted"`
}

type rawField struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

type rawSLA struct {
	MaxStaleness    string `yaml:"max_staleness"`
	ExpectedCadence string `yaml:"expected_cadence"`
	Column          string `yaml:"column"`
}

type rawRange struct {
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
}

type rawForeignKey struct {
	Field      string `yaml:"field"`
	References string `yaml:"references"`
}

type rawCrossField struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	If     string `yaml:"if"`
	Equals string `yaml:"equals"`
	Then   string `yaml:"then"`
}

type rawRules struct {
	Required    []string             `yaml:"required"`
	Patterns    map[string]string    `yaml:"patterns"`
	Enums       map[string][]string  `yaml:"enums"`
	Ranges      map[string]rawRange  `yaml:"ranges"`
	ForeignKeys []rawForeignKey      `yaml:"foreign_keys"`
	CrossField  []rawCrossField      `yaml:"cross_field"`
}

// LoadFile reads contracts from a YAML file.
func LoadFile(path string) (*Registry, error) {
	cleaned, err := common.CleanPath(path)
	if err != nil {
		return nil, apperrors.ConfigError(err.Error(), "contracts.path")
	}
	data, err := os.ReadFile(cleaned) // #nosec G304 - path is validated
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "failed to read contracts file").
			WithContext("field", "contracts.path")
	}
	return Parse(data)
}

// Load reads contracts from r.
func Load(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates every contract. The first malformed entry fails the whole load.
func Parse(data []byte) (*Registry, error) {
	var raw rawFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "contracts file is not valid YAML").
			WithContext("field", "contracts")
	}

	reg := &Registry{
		contracts:  make(map[string]TableContract, len(raw.Tables)),
		categories: make(map[string]Category, len(raw.Categories)),
	}

	for table, cat := range raw.Categories {
		c, err := parseCategory(cat)
		if err != nil {
			return nil, apperrors.ConfigError(err.Error(), "categories."+table)
		}
		reg.categories[table] = c
	}

	names := make([]string, 0, len(raw.Tables))
	for name := range raw.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c, err := reg.compile(name, raw.Tables[name])
		if err != nil {
			return nil, err
		}
		reg.contracts[name] = c
	}
	return reg, nil
}

// NewRegistry builds a registry from already-typed contracts.
func NewRegistry(contracts ...TableContract) *Registry {
	reg := &Registry{
		contracts:  make(map[string]TableContract, len(contracts)),
		categories: make(map[string]Category),
	}
	for _, c := range contracts {
		c.Explicit = true
		reg.contracts[c.Name] = c.Clone()
	}
	return reg
}

// Get returns the explicit contract for table.
func (r *Registry) Get(table string) (TableContract, bool) {
	c, ok := r.contracts[table]
	if !ok {
		return TableContract{}, false
	}
	return c.Clone(), true
}

// Resolve returns the explicit contract for table, or the category default.
func (r *Registry) Resolve(table string) TableContract {
	if c, ok := r.Get(table); ok {
		return c
	}
	return r.ResolveDefault(table, r.CategoryOf(table))
}

// ResolveDefault returns the contract derived from category defaults.
func (r *Registry) ResolveDefault(table string, category Category) TableContract {
	return defaultContract(table, category)
}

// CategoryOf returns the configured or inferred category of table.
func (r *Registry) CategoryOf(table string) Category {
	if c, ok := r.contracts[table]; ok {
		return c.Category
	}
	if c, ok := r.categories[table]; ok {
		return c
	}
	return InferCategory(table)
}

// Tables lists tables with explicit contracts, sorted.
func (r *Registry) Tables() []string {
	out := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) compile(name string, raw rawTable) (TableContract, error) {
	field := func(f string) string { return "tables." + name + "." + f }
	fail := func(f, format string, args ...interface{}) (TableContract, error) {
		return TableContract{}, apperrors.ConfigError(fmt.Sprintf("%s: %s", name, fmt.Sprintf(format, args...)), field(f))
	}

	category := r.categories[name]
	if raw.Category != "" {
		c, err := parseCategory(raw.Category)
		if err != nil {
			return fail("category", "%v", err)
		}
		category = c
	}
	if category == "" {
		category = InferCategory(name)
	}
	base := defaultContract(name, category)

	c := TableContract{
		Name:       name,
		Category:   category,
		Strategy:   base.Strategy,
		Timestamps: base.Timestamps,
		SLA:        base.SLA,
		Retention:  base.Retention,
		Partition:  raw.Partition,
		Cluster:    raw.Cluster,
		Explicit:   true,
	}

	if raw.Strategy != "" {
		switch s := LoadStrategy(strings.ToUpper(raw.Strategy)); s {
		case StrategyUpsert, StrategyAppendOnly, StrategyReplace:
			c.Strategy = s
		default:
			return fail("strategy", "unknown load strategy %q", raw.Strategy)
		}
	}

	if len(raw.Key) == 0 {
		return fail("key", "key must name at least one field")
	}
	if err := checkColumns(raw.Key); err != nil {
		return fail("key", "%v", err)
	}
	c.Key = raw.Key
	if len(raw.NaturalKey) > 0 {
		if err := checkColumns(raw.NaturalKey); err != nil {
			return fail("natural_key", "%v", err)
		}
		c.NaturalKey = raw.NaturalKey
	} else if c.Strategy == StrategyAppendOnly {
		c.NaturalKey = raw.Key
	}
	c.GeneratedKey = raw.GeneratedKey

	if raw.Timestamps != nil {
		c.Timestamps = Timestamps{Created: raw.Timestamps.Created, Updated: raw.Timestamps.Updated, Deleted: raw.Timestamps.Deleted}
	}

	seen := make(map[string]bool)
	for i, f := range raw.Fields {
		if f.Name == "" {
			return fail(fmt.Sprintf("fields[%d].name", i), "field name is empty")
		}
		if seen[f.Name] {
			return fail(fmt.Sprintf("fields[%d].name", i), "field %q declared twice", f.Name)
		}
		seen[f.Name] = true
		t, err := parseFieldType(f.Type)
		if err != nil {
			return fail(fmt.Sprintf("fields[%d].type", i), "%v", err)
		}
		c.Fields = append(c.Fields, Field{Name: f.Name, Type: t, Required: f.Required})
	}

	if raw.SLA != nil {
		if raw.SLA.MaxStaleness != "" {
			d, err := ParseDuration(raw.SLA.MaxStaleness)
			if err != nil {
				return fail("sla.max_staleness", "%v", err)
			}
			c.SLA.MaxStaleness = d
		}
		if raw.SLA.ExpectedCadence != "" {
			d, err := ParseDuration(raw.SLA.ExpectedCadence)
			if err != nil {
				return fail("sla.expected_cadence", "%v", err)
			}
			c.SLA.ExpectedCadence = d
		}
		if raw.SLA.Column != "" {
			c.SLA.Column = raw.SLA.Column
		}
	}
	if raw.SLA == nil || raw.SLA.Column == "" {
		c.SLA.Column = ""
	}

	if raw.Retention != "" {
		d, err := ParseDuration(raw.Retention)
		if err != nil {
			return fail("retention", "%v", err)
		}
		c.Retention = d
	}

	rules, err := compileRules(raw.Rules)
	if err != nil {
		return fail("rules", "%v", err)
	}
	c.Rules = rules
	for _, f := range c.Fields {
		if f.Required && !contains(c.Rules.Required, f.Name) {
			c.Rules.Required = append(c.Rules.Required, f.Name)
		}
	}
	return c, nil
}

func compileRules(raw rawRules) (QualityRules, error) {
	var rules QualityRules

	if err := checkColumns(raw.Required); err != nil && len(raw.Required) > 0 {
		return rules, fmt.Errorf("required: %v", err)
	}
	rules.Required = raw.Required

	for _, f := range sortedKeys(raw.Patterns) {
		expr := raw.Patterns[f]
		if alias, ok := patternAliases[expr]; ok {
			expr = alias
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return rules, fmt.Errorf("pattern for %s does not compile: %v", f, err)
		}
		rules.Patterns = append(rules.Patterns, PatternRule{Field: f, Expr: expr, Pattern: re})
	}

	for _, f := range sortedKeys(raw.Enums) {
		values := raw.Enums[f]
		if len(values) == 0 {
			return rules, fmt.Errorf("enum for %s has no values", f)
		}
		rules.Enums = append(rules.Enums, EnumRule{Field: f, Values: values})
	}

	for _, f := range sortedKeys(raw.Ranges) {
		rg := raw.Ranges[f]
		if rg.Min == nil && rg.Max == nil {
			return rules, fmt.Errorf("range for %s has neither min nor max", f)
		}
		if rg.Min != nil && rg.Max != nil && *rg.Min > *rg.Max {
			return rules, fmt.Errorf("range for %s has min %v above max %v", f, *rg.Min, *rg.Max)
		}
		rules.Ranges = append(rules.Ranges, RangeRule{Field: f, Min: rg.Min, Max: rg.Max})
	}

	for _, fk := range raw.ForeignKeys {
		table, col, ok := strings.Cut(fk.References, ".")
		if fk.Field == "" || !ok || table == "" || col == "" {
			return rules, fmt.Errorf("foreign key %q -> %q must reference table.field", fk.Field, fk.References)
		}
		rules.ForeignKeys = append(rules.ForeignKeys, ForeignKey{Field: fk.Field, RefTable: table, RefField: col})
	}

	names := make(map[string]bool)
	for i, cf := range raw.CrossField {
		rule := CrossFieldRule{Name: cf.Name, Kind: CrossFieldKind(cf.Kind), If: cf.If, Equals: cf.Equals, Then: cf.Then}
		if rule.Name == "" {
			rule.Name = "cross_field_" + strconv.Itoa(i)
		}
		if names[rule.Name] {
			return rules, fmt.Errorf("cross-field rule %q declared twice", rule.Name)
		}
		names[rule.Name] = true
		if rule.If == "" {
			return rules, fmt.Errorf("cross-field rule %q needs an if field", rule.Name)
		}
		switch rule.Kind {
		case CrossImplies:
			if rule.Then == "" {
				return rules, fmt.Errorf("cross-field rule %q needs a then field", rule.Name)
			}
			if rule.Equals == "" {
				rule.Equals = "true"
			}
		case CrossNotBefore:
			if rule.Then == "" {
				return rules, fmt.Errorf("cross-field rule %q needs a then field", rule.Name)
			}
		case CrossNotFuture:
		default:
			return rules, fmt.Errorf("cross-field rule %q has unknown kind %q", rule.Name, cf.Kind)
		}
		rules.CrossField = append(rules.CrossField, rule)
	}
	return rules, nil
}

func parseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(s)); c {
	case CategoryReference, CategoryTransaction, CategoryAuth, CategoryAudit, CategoryTelemetry, CategoryUtility:
		return c, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

func parseFieldType(s string) (FieldType, error) {
	switch t := FieldType(strings.ToUpper(s)); t {
	case TypeString, TypeInteger, TypeFloat, TypeNumeric, TypeBoolean, TypeTimestamp, TypeDate, TypeJSON:
		return t, nil
	case "":
		return TypeString, nil
	}
	return "", fmt.Errorf("unknown field type %q", s)
}

func checkColumns(cols []string) error {
	seen := make(map[string]bool, len(cols))
	for _, col := range cols {
		if strings.TrimSpace(col) == "" {
			return fmt.Errorf("empty column name")
		}
		if seen[col] {
			return fmt.Errorf("column %q listed twice", col)
		}
		seen[col] = true
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
