package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"stagegate/internal/contract"
	"stagegate/internal/warehouse"
)

// CompareContract checks declared fields against catalog columns. Names compare
// case-insensitively; types compare by logical family.
func CompareContract(table string, fields []contract.Field, columns []warehouse.Column) ComparisonResult {
	result := ComparisonResult{Table: table, ComparedAt: time.Now().UTC()}
	actual := columnMap(columns)

	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		key := strings.ToLower(f.Name)
		declared[key] = true

		col, ok := actual[key]
		if !ok {
			result.Differences = append(result.Differences, Difference{
				Column:      f.Name,
				DiffType:    DiffTypeRemoved,
				Expected:    string(f.Type),
				Description: fmt.Sprintf("declared column %s is missing", f.Name),
			})
			continue
		}
		if f.Type != "" && !warehouse.TypesCompatible(string(f.Type), col.Type) {
			result.Differences = append(result.Differences, Difference{
				Column:      f.Name,
				DiffType:    DiffTypeModified,
				Expected:    string(f.Type),
				Actual:      col.Type,
				Description: fmt.Sprintf("column %s is %s, declared %s", f.Name, col.Type, f.Type),
			})
		}
	}

	for _, c := range columns {
		if !declared[strings.ToLower(c.Name)] {
			result.Differences = append(result.Differences, Difference{
				Column:      c.Name,
				DiffType:    DiffTypeAdded,
				Actual:      c.Type,
				Description: fmt.Sprintf("column %s is not declared", c.Name),
			})
		}
	}

	sortDifferences(result.Differences)
	return result
}

// CompareColumns reports drift of target relative to source, e.g. production relative to staging.
func CompareColumns(table string, source, target []warehouse.Column) ComparisonResult {
	result := ComparisonResult{Table: table, ComparedAt: time.Now().UTC()}
	tmap := columnMap(target)
	smap := columnMap(source)

	for _, sc := range source {
		tc, ok := tmap[strings.ToLower(sc.Name)]
		if !ok {
			result.Differences = append(result.Differences, Difference{
				Column:      sc.Name,
				DiffType:    DiffTypeRemoved,
				Expected:    sc.Type,
				Description: fmt.Sprintf("column %s is missing from the target", sc.Name),
			})
			continue
		}
		if !warehouse.TypesCompatible(warehouse.LogicalType(sc.Type), tc.Type) {
			result.Differences = append(result.Differences, Difference{
				Column:      sc.Name,
				DiffType:    DiffTypeModified,
				Expected:    sc.Type,
				Actual:      tc.Type,
				Description: fmt.Sprintf("column %s is %s in the target, %s in the source", sc.Name, tc.Type, sc.Type),
			})
		}
	}
	for _, tc := range target {
		if _, ok := smap[strings.ToLower(tc.Name)]; !ok {
			result.Differences = append(result.Differences, Difference{
				Column:      tc.Name,
				DiffType:    DiffTypeAdded,
				Actual:      tc.Type,
				Description: fmt.Sprintf("column %s exists only in the target", tc.Name),
			})
		}
	}

	sortDifferences(result.Differences)
	return result
}

func columnMap(columns []warehouse.Column) map[string]warehouse.Column {
	m := make(map[string]warehouse.Column, len(columns))
	for _, c := range columns {
		m[strings.ToLower(c.Name)] = c
	}
	return m
}

// sortDifferences orders by severity (removed, modified, added) then column name.
func sortDifferences(differences []Difference) {
	rank := map[DifferenceType]int{DiffTypeRemoved: 0, DiffTypeModified: 1, DiffTypeAdded: 2}
	sort.SliceStable(differences, func(i, j int) bool {
		if rank[differences[i].DiffType] != rank[differences[j].DiffType] {
			return rank[differences[i].DiffType] < rank[differences[j].DiffType]
		}
		return differences[i].Column < differences[j].Column
	})
}
