package schema

import (
	"fmt"
	"strings"
	"time"
)

// DifferenceType represents the type of difference
type DifferenceType string

const (
	// DiffTypeAdded: the column exists only on the actual side.
	DiffTypeAdded DifferenceType = "ADDED"
	// DiffTypeRemoved: the column is expected but absent.
	DiffTypeRemoved DifferenceType = "REMOVED"
	// DiffTypeModified: both sides have the column with incompatible types.
	DiffTypeModified DifferenceType = "MODIFIED"
)

// Difference is one column-level difference.
type Difference struct {
	Column      string
	DiffType    DifferenceType
	Expected    string
	Actual      string
	Description string
}

// ComparisonResult is the outcome of comparing an expected column set with an actual one.
type ComparisonResult struct {
	Table       string
	ComparedAt  time.Time
	Differences []Difference
}

// Missing lists expected columns that are absent.
func (r ComparisonResult) Missing() []string {
	return r.columns(DiffTypeRemoved)
}

// Extra lists actual columns that were not expected.
func (r ComparisonResult) Extra() []string {
	return r.columns(DiffTypeAdded)
}

// TypeMismatches lists columns present on both sides with incompatible types.
func (r ComparisonResult) TypeMismatches() []string {
	return r.columns(DiffTypeModified)
}

func (r ComparisonResult) columns(t DifferenceType) []string {
	var out []string
	for _, d := range r.Differences {
		if d.DiffType == t {
			out = append(out, d.Column)
		}
	}
	return out
}

// Compatible is true when nothing expected is missing or mistyped. Extra columns are allowed.
func (r ComparisonResult) Compatible() bool {
	return len(r.Missing()) == 0 && len(r.TypeMismatches()) == 0
}

// Summary renders the differences on one line.
func (r ComparisonResult) Summary() string {
	if len(r.Differences) == 0 {
		return "no differences"
	}
	parts := make([]string, 0, 3)
	if m := r.Missing(); len(m) > 0 {
		parts = append(parts, fmt.Sprintf("missing columns: %s", strings.Join(m, ", ")))
	}
	if m := r.TypeMismatches(); len(m) > 0 {
		descs := make([]string, 0, len(m))
		for _, d := range r.Differences {
			if d.DiffType == DiffTypeModified {
				descs = append(descs, fmt.Sprintf("%s (expected %s, got %s)", d.Column, d.Expected, d.Actual))
			}
		}
		parts = append(parts, "type mismatches: "+strings.Join(descs, ", "))
	}
	if m := r.Extra(); len(m) > 0 {
		parts = append(parts, fmt.Sprintf("extra columns: %s", strings.Join(m, ", ")))
	}
	return strings.Join(parts, "; ")
}
