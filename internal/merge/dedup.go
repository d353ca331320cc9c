package merge

import (
	"sort"
	"time"

	"stagegate/internal/contract"
	"stagegate/internal/warehouse"
	"stagegate/pkg/errors"
)

// DedupResult is a batch collapsed to one row per logical record.
type DedupResult struct {
	// Rows are the winners in order of each key's first appearance.
	Rows      []warehouse.Row
	Received  int
	Excluded  int // rows missing a key field
	Collapsed int // rows that lost to a newer version of the same key
}

// MalformedRatio is Excluded over Received, zero for an empty batch.
func (d *DedupResult) MalformedRatio() float64 {
	if d.Received == 0 {
		return 0
	}
	return float64(d.Excluded) / float64(d.Received)
}

type candidate struct {
	row   warehouse.Row
	index int
}

// Dedup keeps the newest version of each record. Versions are ordered by the
// updated timestamp, then the created timestamp, then input position (later wins).
// Without either timestamp column, duplicates must be identical.
func Dedup(c contract.TableContract, rows []warehouse.Row) (*DedupResult, error) {
	key := c.MatchKey()
	res := &DedupResult{Received: len(rows)}

	winners := make(map[string]candidate, len(rows))
	var order []string
	for i, r := range rows {
		_, id, ok := warehouse.KeyOf(r, key)
		if !ok {
			res.Excluded++
			continue
		}

		cur, seen := winners[id]
		if !seen {
			winners[id] = candidate{row: r, index: i}
			order = append(order, id)
			continue
		}

		res.Collapsed++
		if c.Timestamps.Updated == "" && c.Timestamps.Created == "" {
			if !samePayload(cur.row, r) {
				return nil, errors.MergeConflictError(c.Name, warehouse.DisplayKey(id))
			}
			continue
		}
		if newer(c.Timestamps, r, cur.row) {
			winners[id] = candidate{row: r, index: i}
		}
	}

	res.Rows = make([]warehouse.Row, 0, len(order))
	for _, id := range order {
		res.Rows = append(res.Rows, winners[id].row)
	}
	return res, nil
}

// CheckQuality fails when the batch's malformed share is above threshold.
func CheckQuality(table string, d *DedupResult, threshold float64) error {
	if d.MalformedRatio() > threshold {
		return errors.BatchQualityError(table, d.Excluded, d.Received, threshold)
	}
	return nil
}

// newer reports whether cand (later in input) should replace cur.
func newer(ts contract.Timestamps, cand, cur warehouse.Row) bool {
	for _, col := range []string{ts.Updated, ts.Created} {
		if col == "" {
			continue
		}
		if d := compareTimes(cand[col], cur[col]); d != 0 {
			return d > 0
		}
	}
	return true
}

// compareTimes orders two timestamp values; a present value beats a missing one.
func compareTimes(a, b any) int {
	ta, okA := warehouse.AsTime(a)
	tb, okB := warehouse.AsTime(b)
	switch {
	case okA && okB:
		return compareInstant(ta, tb)
	case okA:
		return 1
	case okB:
		return -1
	}
	return 0
}

func compareInstant(a, b time.Time) int {
	switch {
	case a.After(b):
		return 1
	case a.Before(b):
		return -1
	}
	return 0
}

func samePayload(a, b warehouse.Row) bool {
	cols := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		cols[k] = struct{}{}
	}
	for k := range b {
		cols[k] = struct{}{}
	}
	for k := range cols {
		if !warehouse.Equal(a[k], b[k]) {
			return false
		}
	}
	return true
}

func sortedColumns(r warehouse.Row) []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
