// Package validation checks a production table against its contract in three
// layers: format (structure and values), relational (keys, references and
// business rules) and freshness. Layer 1 and 2 failures are hard, freshness
// failures are soft.
package validation

import (
	"time"
)

// Category groups checks for reporting.
type Category string

const (
	CategoryFormat       Category = "format"
	CategoryUnique       Category = "unique"
	CategoryForeignKey   Category = "foreign_key"
	CategoryFreshness    Category = "freshness"
	CategoryBusinessRule Category = "business_rule"
)

// Layer is the validation pass a check belongs to.
type Layer int

const (
	LayerFormat     Layer = 1
	LayerRelational Layer = 2
	LayerFreshness  Layer = 3
)

// Status is the verdict of one check.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Outcome classifies a set of results.
type Outcome string

const (
	OutcomeRunning     Outcome = "RUNNING"
	OutcomeSuccess     Outcome = "SUCCESS"
	OutcomeHardFailure Outcome = "HARD_FAILURE"
	OutcomeSoftFailure Outcome = "SOFT_FAILURE"
)

// Result is the outcome of one check on one table.
type Result struct {
	Check          string        `json:"check"`
	Category       Category      `json:"category"`
	Layer          Layer         `json:"layer"`
	Table          string        `json:"table"`
	Status         Status        `json:"status"`
	RecordsChecked int64         `json:"records_checked"`
	RecordsFailed  int64         `json:"records_failed"`
	FailureRate    float64       `json:"failure_rate"`
	Details        string        `json:"details,omitempty"`
	SampleKeys     []string      `json:"sample_keys,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Passed reports whether the check passed.
func (r Result) Passed() bool {
	return r.Status == StatusPass
}

// Hard reports whether a failure of this check blocks promotion.
func (r Result) Hard() bool {
	return r.Layer != LayerFreshness
}

// newResult fills status and failure rate from the counts. A check that looked
// at nothing passes with a zero failure rate.
func newResult(table, check string, category Category, layer Layer, checked, failed int64) Result {
	r := Result{
		Check:          check,
		Category:       category,
		Layer:          layer,
		Table:          table,
		Status:         StatusPass,
		RecordsChecked: checked,
		RecordsFailed:  failed,
	}
	if checked > 0 {
		r.FailureRate = float64(failed) / float64(checked)
	}
	if failed > 0 {
		r.Status = StatusFail
	}
	return r
}

// TableReport is every result for one table.
type TableReport struct {
	Table     string        `json:"table"`
	Dataset   string        `json:"dataset"`
	Outcome   Outcome       `json:"outcome"`
	Results   []Result      `json:"results"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Failures returns the failed results.
func (r *TableReport) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed() {
			out = append(out, res)
		}
	}
	return out
}

// Classify reduces results to an outcome: any failed format or relational
// check is a hard failure, failed freshness checks alone are a soft failure.
func Classify(results []Result) Outcome {
	soft := false
	for _, r := range results {
		if r.Passed() {
			continue
		}
		if r.Hard() {
			return OutcomeHardFailure
		}
		soft = true
	}
	if soft {
		return OutcomeSoftFailure
	}
	return OutcomeSuccess
}
