package migration

import (
	"time"

	"stagegate/internal/merge"
	"stagegate/internal/validation"
)

// Mode selects whether a run mutates production.
type Mode string

const (
	ModeDryRun Mode = "dry_run"
	ModeLive   Mode = "live"
)

// ParseMode accepts dry_run, dry-run and live.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "dry_run", "dry-run", "dryrun":
		return ModeDryRun, true
	case "live":
		return ModeLive, true
	}
	return "", false
}

// Phase is a state of the run state machine.
type Phase string

const (
	PhaseInit            Phase = "INIT"
	PhasePrecheck        Phase = "PRECHECK"
	PhaseSnapshot        Phase = "SNAPSHOT"
	PhaseSchemaReconcile Phase = "SCHEMA_RECONCILE"
	PhaseMerge           Phase = "MERGE"
	PhaseValidate        Phase = "VALIDATE"
	PhaseSuccess         Phase = "SUCCESS"
	PhaseHardFailure     Phase = "HARD_FAILURE"
)

// phaseOrder lists the working phases in execution order.
var phaseOrder = []Phase{PhasePrecheck, PhaseSnapshot, PhaseSchemaReconcile, PhaseMerge, PhaseValidate}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseHardFailure
}

// TableStatus tracks one table through a run.
type TableStatus string

const (
	TablePending     TableStatus = "pending"
	TableSnapshotted TableStatus = "snapshotted"
	TableMerged      TableStatus = "merged"
	TableValidated   TableStatus = "validated"
	TableFailed      TableStatus = "failed"
	TableRolledBack  TableStatus = "rolled_back"
)

// TableState is the per-table record of a run.
type TableState struct {
	Name   string      `json:"name"`
	Status TableStatus `json:"status"`

	// Existed is whether the production table was present at precheck.
	Existed  bool   `json:"existed"`
	Created  bool   `json:"created,omitempty"`
	Snapshot string `json:"snapshot,omitempty"`

	SchemaDrift []string                `json:"schema_drift,omitempty"`
	Merge       *merge.Result           `json:"merge,omitempty"`
	Validation  *validation.TableReport `json:"validation,omitempty"`

	Note  string `json:"note,omitempty"`
	Error string `json:"error,omitempty"`
}

// merged is true once the table's batch has been written.
func (t *TableState) merged() bool {
	return t.Status == TableMerged || t.Status == TableValidated
}

// Run is a persisted migration run.
type Run struct {
	ID      string `json:"id"`
	BatchID string `json:"batch_id"`
	Mode    Mode   `json:"mode"`

	StagingDataset    string `json:"staging_dataset"`
	ProductionDataset string `json:"production_dataset"`
	TablePattern      string `json:"table_pattern"`
	AutoRollback      bool   `json:"auto_rollback"`

	Phase   Phase              `json:"phase"`
	Outcome validation.Outcome `json:"outcome"`
	Tables  []*TableState      `json:"tables"`

	// RollbackRef is the batch id to restore from after a failed live run.
	RollbackRef string `json:"rollback_ref,omitempty"`
	FailedPhase Phase  `json:"failed_phase,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Table returns the state of name, or nil.
func (r *Run) Table(name string) *TableState {
	for _, t := range r.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// TableNames lists the run's tables in order.
func (r *Run) TableNames() []string {
	names := make([]string, len(r.Tables))
	for i, t := range r.Tables {
		names[i] = t.Name
	}
	return names
}

// Reports collects the validation reports of every validated table.
func (r *Run) Reports() []*validation.TableReport {
	var out []*validation.TableReport
	for _, t := range r.Tables {
		if t.Validation != nil {
			out = append(out, t.Validation)
		}
	}
	return out
}

// Aborted is true when the run stopped on an error rather than a validation verdict.
func (r *Run) Aborted() bool {
	return r.Error != ""
}
