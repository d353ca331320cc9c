package contract

import (
	"strings"
	"testing"
	"time"

	apperrors "stagegate/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleContracts = `
categories:
  shop_settings: utility
tables:
  equipment_registry:
    category: reference
    key: [id]
    strategy: upsert
    timestamps: {created: created_at, updated: updated_at, deleted: deleted_at}
    fields:
      - {name: id, type: string, required: true}
      - {name: serial_number, type: string, required: true}
      - {name: status, type: string}
      - {name: model_year, type: integer}
      - {name: created_at, type: timestamp, required: true}
      - {name: updated_at, type: timestamp}
    sla: {max_staleness: 6h, expected_cadence: 1h}
    retention: 30d
    partition: created_at
    cluster: [serial_number]
    rules:
      patterns: {id: uuid}
      enums: {status: [active, inactive, maintenance, retired, sold]}
      ranges: {model_year: {min: 1900, max: 2030}}
      foreign_keys:
        - {field: owner_id, references: users.id}
      cross_field:
        - {name: retired_has_date, kind: implies, if: is_retired, then: retired_at}
        - {name: updated_after_created, kind: not_before, if: updated_at, then: created_at}
  sensor_readings:
    key: [reading_id]
    natural_key: [sensor_id, recorded_at]
    strategy: APPEND_ONLY
    timestamps: {created: recorded_at}
`

func TestParseCompilesTypedContracts(t *testing.T) {
	reg, err := Parse([]byte(sampleContracts))
	require.NoError(t, err)

	assert.Equal(t, []string{"equipment_registry", "sensor_readings"}, reg.Tables())

	c, ok := reg.Get("equipment_registry")
	require.True(t, ok)
	assert.True(t, c.Explicit)
	assert.Equal(t, CategoryReference, c.Category)
	assert.Equal(t, StrategyUpsert, c.Strategy)
	assert.Equal(t, []string{"id"}, c.MatchKey())
	assert.Equal(t, 6*time.Hour, c.SLA.MaxStaleness)
	assert.Equal(t, time.Hour, c.SLA.ExpectedCadence)
	assert.Equal(t, "updated_at", c.FreshnessColumn())
	assert.Equal(t, 30*24*time.Hour, c.Retention)
	assert.Equal(t, "deleted_at", c.Timestamps.Deleted)
	assert.ElementsMatch(t, []string{"id", "serial_number", "created_at"}, c.Rules.Required)

	require.Len(t, c.Rules.Patterns, 1)
	assert.True(t, c.Rules.Patterns[0].Pattern.MatchString("0b5e3c7a-1d2f-4a6b-9c8d-7e6f5a4b3c2d"))
	assert.False(t, c.Rules.Patterns[0].Pattern.MatchString("ABC123"))

	require.Len(t, c.Rules.Ranges, 1)
	assert.Equal(t, 1900.0, *c.Rules.Ranges[0].Min)
	require.Len(t, c.Rules.ForeignKeys, 1)
	assert.Equal(t, ForeignKey{Field: "owner_id", RefTable: "users", RefField: "id"}, c.Rules.ForeignKeys[0])
	require.Len(t, c.Rules.CrossField, 2)
	assert.Equal(t, "true", c.Rules.CrossField[0].Equals)

	readings, ok := reg.Get("sensor_readings")
	require.True(t, ok)
	assert.Equal(t, CategoryTelemetry, readings.Category)
	assert.Equal(t, []string{"sensor_id", "recorded_at"}, readings.MatchKey())
	assert.Equal(t, "recorded_at", readings.FreshnessColumn())
	assert.Equal(t, SLARealTime, readings.SLA.MaxStaleness)
}

func TestParseRejectsMalformedEntries(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"unknown strategy", "tables:\n  t:\n    key: [id]\n    strategy: MERGE_ALL\n", "tables.t.strategy"},
		{"empty key", "tables:\n  t:\n    strategy: UPSERT\n", "tables.t.key"},
		{"duplicate key column", "tables:\n  t:\n    key: [id, id]\n", "tables.t.key"},
		{"bad pattern", "tables:\n  t:\n    key: [id]\n    rules:\n      patterns: {id: '[a-'}\n", "tables.t.rules"},
		{"bad duration", "tables:\n  t:\n    key: [id]\n    sla: {max_staleness: soon}\n", "tables.t.sla.max_staleness"},
		{"inverted range", "tables:\n  t:\n    key: [id]\n    rules:\n      ranges: {x: {min: 5, max: 1}}\n", "tables.t.rules"},
		{"bad fk", "tables:\n  t:\n    key: [id]\n    rules:\n      foreign_keys: [{field: a, references: users}]\n", "tables.t.rules"},
		{"unknown type", "tables:\n  t:\n    key: [id]\n    fields: [{name: a, type: blob}]\n", "tables.t.fields[0].type"},
		{"unknown category", "tables:\n  t:\n    key: [id]\n    category: misc\n", "tables.t.category"},
		{"cross field kind", "tables:\n  t:\n    key: [id]\n    rules:\n      cross_field: [{name: c, kind: xor, if: a}]\n", "tables.t.rules"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfigInvalid))

			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.field, appErr.Context["field"])
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("tables:\n  t:\n    key: [id]\n    stratgy: UPSERT\n"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfigInvalid))
}

func TestResolveFallsBackToCategoryDefaults(t *testing.T) {
	reg, err := Load(strings.NewReader(sampleContracts))
	require.NoError(t, err)

	tests := []struct {
		table     string
		category  Category
		strategy  LoadStrategy
		staleness time.Duration
	}{
		{"work_orders", CategoryTransaction, StrategyUpsert, SLADaily},
		{"login_audit_log", CategoryAudit, StrategyAppendOnly, SLADaily},
		{"vehicle_telemetry", CategoryTelemetry, StrategyAppendOnly, SLARealTime},
		{"countries", CategoryReference, StrategyUpsert, SLAWeekly},
		{"shop_settings", CategoryUtility, StrategyUpsert, SLAWeekly},
	}

	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			c := reg.Resolve(tt.table)
			assert.False(t, c.Explicit)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, tt.strategy, c.Strategy)
			assert.Equal(t, tt.staleness, c.SLA.MaxStaleness)
			assert.Equal(t, []string{"id"}, c.Key)
			assert.Equal(t, "created_at", c.Partition)
		})
	}

	audit := reg.Resolve("login_audit_log")
	assert.Empty(t, audit.Timestamps.Updated)
	assert.Equal(t, "created_at", audit.FreshnessColumn())
	assert.Equal(t, []string{"created_at"}, audit.FreshnessCandidates())

	orders := reg.Resolve("work_orders")
	assert.Empty(t, orders.SLA.Column)
	assert.Equal(t, []string{"updated_at", "created_at"}, orders.FreshnessCandidates())
}

func TestContractsAreImmutable(t *testing.T) {
	reg, err := Parse([]byte(sampleContracts))
	require.NoError(t, err)

	c, _ := reg.Get("equipment_registry")
	c.Key[0] = "hacked"
	c.Rules.Enums[0].Values[0] = "hacked"
	*c.Rules.Ranges[0].Min = -1

	again, _ := reg.Get("equipment_registry")
	assert.Equal(t, "id", again.Key[0])
	assert.Equal(t, "active", again.Rules.Enums[0].Values[0])
	assert.Equal(t, 1900.0, *again.Rules.Ranges[0].Min)
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"24h": 24 * time.Hour,
		"2d":  48 * time.Hour,
		"30m": 30 * time.Minute,
		"":    0,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"xd", "-1h", "soon"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(t.TempDir() + "/absent.yaml")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfigInvalid))
}
