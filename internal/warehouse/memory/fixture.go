package memory

import (
	"fmt"
	"os"
	"sort"
	"time"

	"stagegate/internal/common"
	"stagegate/internal/warehouse"
	"stagegate/pkg/errors"

	"gopkg.in/yaml.v3"
)

// fixture is the on-disk layout accepted by LoadFixture:
//
//	datasets:
//	  staging:
//	    equipment_registry:
//	      columns: [{name: id, type: STRING}]
//	      rows: [{id: ABC123}]
type fixture struct {
	Datasets map[string]map[string]fixtureTable `yaml:"datasets"`
}

type fixtureTable struct {
	Columns []fixtureColumn  `yaml:"columns"`
	Rows    []map[string]any `yaml:"rows"`
}

type fixtureColumn struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Nullable *bool  `yaml:"nullable"`
}

// LoadFixtureFile seeds the store from a YAML (or JSON) file.
func (s *Store) LoadFixtureFile(path string) error {
	cleaned, err := common.CleanPath(path)
	if err != nil {
		return errors.ConfigError(err.Error(), "warehouse.dsn")
	}
	data, err := os.ReadFile(cleaned)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read warehouse fixture").
			WithContext("field", "warehouse.dsn").
			WithContext("path", path)
	}
	return s.LoadFixture(data)
}

// LoadFixture seeds the store from YAML. Datasets listed without tables are created empty.
// Columns omitted from a table are inferred from its rows.
func (s *Store) LoadFixture(data []byte) error {
	var fx fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid warehouse fixture").
			WithContext("field", "warehouse.dsn")
	}

	for dsName, tables := range fx.Datasets {
		s.AddDataset(dsName)
		for name, ft := range tables {
			rows := make([]warehouse.Row, len(ft.Rows))
			for i, r := range ft.Rows {
				rows[i] = warehouse.Row(r)
			}

			var cols []warehouse.Column
			for _, c := range ft.Columns {
				if c.Name == "" {
					return errors.ConfigError(fmt.Sprintf("fixture table %s.%s has a column without a name", dsName, name), "warehouse.dsn")
				}
				nullable := true
				if c.Nullable != nil {
					nullable = *c.Nullable
				}
				cols = append(cols, warehouse.Column{Name: c.Name, Type: c.Type, Nullable: nullable})
			}
			if len(cols) == 0 {
				cols = inferColumns(rows)
			}
			s.Seed(warehouse.TableRef{Dataset: dsName, Name: name}, cols, rows)
		}
	}
	return nil
}

func inferColumns(rows []warehouse.Row) []warehouse.Column {
	types := map[string]string{}
	for _, r := range rows {
		for col, v := range r {
			if t := inferType(v); t != "" {
				types[col] = t
			} else if _, seen := types[col]; !seen {
				types[col] = ""
			}
		}
	}

	names := make([]string, 0, len(types))
	for n := range types {
		names = append(names, n)
	}
	sort.Strings(names)

	cols := make([]warehouse.Column, len(names))
	for i, n := range names {
		t := types[n]
		if t == "" {
			t = "STRING"
		}
		cols[i] = warehouse.Column{Name: n, Type: t, Nullable: true}
	}
	return cols
}

func inferType(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return "BOOLEAN"
	case int, int64:
		return "INTEGER"
	case float64:
		return "FLOAT"
	case time.Time:
		return "TIMESTAMP"
	case string:
		if _, ok := warehouse.AsTime(t); ok {
			return "TIMESTAMP"
		}
		return "STRING"
	case map[string]any, []any:
		return "JSON"
	}
	return "STRING"
}
