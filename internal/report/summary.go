// Package report turns a finished run into a summary, an outcome and a process
// exit code, and renders or archives the summary.
package report

import (
	"math"
	"sort"
	"time"

	"stagegate/internal/merge"
	"stagegate/internal/migration"
	"stagegate/internal/validation"
)

// Failure is one failing check.
type Failure struct {
	Table         string              `json:"table"`
	Check         string              `json:"check"`
	Category      validation.Category `json:"category"`
	Hard          bool                `json:"hard"`
	RecordsFailed int64               `json:"records_failed"`
	FailureRate   float64             `json:"failure_rate"`
	Details       string              `json:"details,omitempty"`
	SampleKeys    []string            `json:"sample_keys,omitempty"`
}

// TableSummary is the per-table line of a summary.
type TableSummary struct {
	Table    string             `json:"table"`
	Status   string             `json:"status,omitempty"`
	Outcome  validation.Outcome `json:"outcome,omitempty"`
	Checks   int                `json:"checks"`
	Passed   int                `json:"passed"`
	Failed   int                `json:"failed"`
	Snapshot string             `json:"snapshot,omitempty"`
	Created  bool               `json:"created,omitempty"`
	Drift    []string           `json:"schema_drift,omitempty"`
	Merge    *merge.Result      `json:"merge,omitempty"`
	Note     string             `json:"note,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Summary aggregates a run for people and machines.
type Summary struct {
	RunID       string    `json:"run_id,omitempty"`
	BatchID     string    `json:"batch_id,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	Dataset     string    `json:"dataset"`
	Staging     string    `json:"staging_dataset,omitempty"`
	Phase       string    `json:"phase,omitempty"`
	GeneratedAt time.Time `json:"timestamp"`

	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	PassRate float64 `json:"pass_rate"` // percent, 100 when nothing ran
	Hard     int     `json:"hard_failures"`
	Soft     int     `json:"soft_failures"`

	FailuresByCategory map[string]int `json:"failures_by_category"`
	FailuresByTable    map[string]int `json:"failures_by_table"`

	Tables   []TableSummary `json:"tables"`
	Failures []Failure      `json:"failures,omitempty"`

	RollbackRef string `json:"rollback_ref,omitempty"`
	Aborted     bool   `json:"aborted,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
}

// Summarize aggregates a migration run.
func Summarize(run *migration.Run, now time.Time) Summary {
	s := Summary{
		RunID:       run.ID,
		BatchID:     run.BatchID,
		Mode:        string(run.Mode),
		Dataset:     run.ProductionDataset,
		Staging:     run.StagingDataset,
		Phase:       string(run.Phase),
		GeneratedAt: now.UTC(),
		RollbackRef: run.RollbackRef,
		Aborted:     run.Aborted(),
		Error:       run.Error,
		ErrorCode:   run.ErrorCode,
	}
	for _, t := range run.Tables {
		ts := tally(&s, t.Name, t.Validation)
		ts.Status = string(t.Status)
		ts.Snapshot = t.Snapshot
		ts.Created = t.Created
		ts.Drift = t.SchemaDrift
		ts.Merge = t.Merge
		ts.Note = t.Note
		ts.Error = t.Error
		s.Tables = append(s.Tables, ts)
	}
	finalize(&s)
	return s
}

// SummarizeReports aggregates validation reports produced outside a migration run.
func SummarizeReports(dataset string, reports []*validation.TableReport, now time.Time) Summary {
	s := Summary{Dataset: dataset, GeneratedAt: now.UTC()}
	for _, r := range reports {
		s.Tables = append(s.Tables, tally(&s, r.Table, r))
	}
	finalize(&s)
	return s
}

func tally(s *Summary, table string, r *validation.TableReport) TableSummary {
	ts := TableSummary{Table: table}
	if r == nil {
		return ts
	}
	ts.Outcome = r.Outcome
	for _, res := range r.Results {
		ts.Checks++
		s.Total++
		if res.Passed() {
			ts.Passed++
			s.Passed++
			continue
		}
		ts.Failed++
		s.Failed++
		f := Failure{
			Table:         table,
			Check:         res.Check,
			Category:      res.Category,
			Hard:          res.Hard(),
			RecordsFailed: res.RecordsFailed,
			FailureRate:   res.FailureRate,
			Details:       res.Details,
		}
		if f.Hard {
			s.Hard++
			f.SampleKeys = res.SampleKeys
		} else {
			s.Soft++
		}
		if s.FailuresByCategory == nil {
			s.FailuresByCategory = make(map[string]int)
			s.FailuresByTable = make(map[string]int)
		}
		s.FailuresByCategory[string(res.Category)]++
		s.FailuresByTable[table]++
		s.Failures = append(s.Failures, f)
	}
	return ts
}

func finalize(s *Summary) {
	if s.FailuresByCategory == nil {
		s.FailuresByCategory = map[string]int{}
		s.FailuresByTable = map[string]int{}
	}
	s.PassRate = 100
	if s.Total > 0 {
		s.PassRate = math.Round(float64(s.Passed)/float64(s.Total)*10000) / 100
	}
	// hard failures first, then by table and check
	sort.SliceStable(s.Failures, func(i, j int) bool {
		a, b := s.Failures[i], s.Failures[j]
		if a.Hard != b.Hard {
			return a.Hard
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.Check < b.Check
	})
}
