package report

import (
	"fmt"
	"strings"

	"stagegate/pkg/errors"
)

// Outcome is the verdict on a run: Success, HardFailure or SoftFailure.
type Outcome interface {
	Kind() string
	isOutcome()
}

// Success means every check passed.
type Success struct{}

// HardFailure blocks promotion. Reasons name each blocking problem.
type HardFailure struct {
	Reasons []string
}

// SoftFailure is advisory. Warnings name each freshness problem.
type SoftFailure struct {
	Warnings []string
}

func (Success) Kind() string     { return "SUCCESS" }
func (HardFailure) Kind() string { return "HARD_FAILURE" }
func (SoftFailure) Kind() string { return "SOFT_FAILURE" }

func (Success) isOutcome()     {}
func (HardFailure) isOutcome() {}
func (SoftFailure) isOutcome() {}

// Decide maps a summary to its outcome. An aborted run is always a hard failure.
func Decide(s Summary) Outcome {
	var reasons, warnings []string
	if s.Aborted {
		msg := "run aborted: " + s.Error
		if s.ErrorCode != "" {
			msg = fmt.Sprintf("run aborted [%s]: %s", s.ErrorCode, s.Error)
		}
		reasons = append(reasons, msg)
	}
	for _, f := range s.Failures {
		line := describe(f)
		if f.Hard {
			reasons = append(reasons, line)
		} else {
			warnings = append(warnings, line)
		}
	}
	switch {
	case len(reasons) > 0:
		return HardFailure{Reasons: reasons}
	case len(warnings) > 0:
		return SoftFailure{Warnings: warnings}
	}
	return Success{}
}

func describe(f Failure) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", f.Table, f.Check)
	if f.RecordsFailed > 0 {
		fmt.Fprintf(&b, ": %d records", f.RecordsFailed)
	}
	if f.Details != "" {
		fmt.Fprintf(&b, " (%s)", f.Details)
	}
	return b.String()
}

// FailOn selects which failures produce a non-zero exit code.
type FailOn string

const (
	// FailOnWarning keeps the full contract: hard failures exit 1, soft-only exit 2.
	FailOnWarning FailOn = "warning"
	// FailOnError exits 0 on soft-only failures.
	FailOnError FailOn = "error"
)

// ParseFailOn accepts error and warning; empty means warning.
func ParseFailOn(s string) (FailOn, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(FailOnWarning):
		return FailOnWarning, nil
	case string(FailOnError):
		return FailOnError, nil
	}
	return "", errors.ConfigError(fmt.Sprintf("invalid --fail-on value %q (use error or warning)", s), "run.fail_on")
}

// Exit codes.
const (
	ExitSuccess  = 0
	ExitHard     = 1
	ExitSoftOnly = 2
)

// ExitCode translates an outcome into the process exit code.
func ExitCode(o Outcome, failOn FailOn) int {
	switch o.(type) {
	case HardFailure:
		return ExitHard
	case SoftFailure:
		if failOn == FailOnError {
			return ExitSuccess
		}
		return ExitSoftOnly
	}
	return ExitSuccess
}
