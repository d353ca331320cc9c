package contract

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Staleness tiers.
const (
	SLARealTime = time.Hour
	SLAHourly   = 2 * time.Hour
	SLADaily    = 24 * time.Hour
	SLAWeekly   = 7 * day
)

type categoryDefaults struct {
	strategy  LoadStrategy
	staleness time.Duration
	retention time.Duration
}

var defaultsByCategory = map[Category]categoryDefaults{
	CategoryReference:   {StrategyUpsert, SLAWeekly, 0},
	CategoryTransaction: {StrategyUpsert, SLADaily, 7 * 365 * day},
	CategoryAuth:        {StrategyUpsert, SLAWeekly, 0},
	CategoryAudit:       {StrategyAppendOnly, SLADaily, 7 * 365 * day},
	CategoryTelemetry:   {StrategyAppendOnly, SLARealTime, 400 * day},
	CategoryUtility:     {StrategyUpsert, SLAWeekly, 365 * day},
}

var knownTables = map[string]Category{
	"users":               CategoryAuth,
	"roles":               CategoryAuth,
	"permissions":         CategoryAuth,
	"user_roles":          CategoryAuth,
	"sessions":            CategoryAuth,
	"countries":           CategoryReference,
	"states":              CategoryReference,
	"cities":              CategoryReference,
	"vehicle_makes":       CategoryReference,
	"vehicle_models":      CategoryReference,
	"vehicle_model_years": CategoryReference,
	"equipment_registry":  CategoryReference,
	"parts_catalog":       CategoryReference,
	"dtc_codes":           CategoryReference,
	"appointments":        CategoryTransaction,
	"diagnostic_sessions": CategoryTransaction,
	"work_orders":         CategoryTransaction,
	"invoices":            CategoryTransaction,
	"payments":            CategoryTransaction,
	"diagnostic_reports":  CategoryTransaction,
	"fleet_maintenance":   CategoryTransaction,
}

// InferCategory guesses a table's category from its name.
func InferCategory(table string) Category {
	name := strings.ToLower(table)
	if c, ok := knownTables[name]; ok {
		return c
	}
	switch {
	case strings.HasPrefix(name, "audit") || strings.HasSuffix(name, "_log") || strings.HasSuffix(name, "_logs") || strings.HasSuffix(name, "_history"):
		return CategoryAudit
	case strings.Contains(name, "telemetry") || strings.Contains(name, "readings") || strings.Contains(name, "_events"):
		return CategoryTelemetry
	case strings.HasSuffix(name, "permissions") || strings.HasSuffix(name, "_roles") || strings.HasPrefix(name, "auth_"):
		return CategoryAuth
	case strings.HasSuffix(name, "_registry") || strings.HasSuffix(name, "_catalog") || strings.HasSuffix(name, "_types") || strings.HasSuffix(name, "_codes"):
		return CategoryReference
	}
	return CategoryUtility
}

// defaultContract builds the contract assumed for a table with no explicit entry.
func defaultContract(table string, category Category) TableContract {
	d, ok := defaultsByCategory[category]
	if !ok {
		category = CategoryUtility
		d = defaultsByCategory[category]
	}

	c := TableContract{
		Name:     table,
		Category: category,
		Key:      []string{"id"},
		Strategy: d.strategy,
		Timestamps: Timestamps{
			Created: "created_at",
			Updated: "updated_at",
			Deleted: "deleted_at",
		},
		Fields: []Field{
			{Name: "id", Type: TypeString, Required: true},
			{Name: "created_at", Type: TypeTimestamp, Required: true},
		},
		SLA:       FreshnessSLA{MaxStaleness: d.staleness},
		Retention: d.retention,
		Partition: "created_at",
		Rules: QualityRules{
			Required: []string{"id", "created_at"},
			CrossField: []CrossFieldRule{
				{Name: "updated_not_before_created", Kind: CrossNotBefore, If: "updated_at", Then: "created_at"},
				{Name: "created_not_in_future", Kind: CrossNotFuture, If: "created_at"},
			},
		},
	}
	if d.strategy == StrategyAppendOnly {
		// append-only rows are never updated
		c.Timestamps.Updated = ""
		c.Timestamps.Deleted = ""
		c.NaturalKey = []string{"id"}
		c.Rules.CrossField = c.Rules.CrossField[1:]
	}
	return c
}

// ParseDuration accepts Go durations plus a d suffix for days, e.g. "7d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "d") {
		n, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n * float64(day)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
