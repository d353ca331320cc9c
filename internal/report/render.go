package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
)

// Document is the JSON form of a report.
type Document struct {
	Outcome  string   `json:"outcome"`
	ExitCode int      `json:"exit_code"`
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Summary  Summary  `json:"summary"`
}

// NewDocument bundles a summary with its verdict.
func NewDocument(s Summary, o Outcome, failOn FailOn) Document {
	d := Document{Outcome: o.Kind(), ExitCode: ExitCode(o, failOn), Summary: s}
	switch v := o.(type) {
	case HardFailure:
		d.Reasons = v.Reasons
	case SoftFailure:
		d.Warnings = v.Warnings
	}
	return d
}

// RenderJSON writes the report as indented JSON.
func RenderJSON(w io.Writer, s Summary, o Outcome, failOn FailOn) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(NewDocument(s, o, failOn))
}

// ColorEnabled reports whether w is a terminal that can show colors.
func ColorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type palette struct {
	ok, warn, bad, bold *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		bad:  color.New(color.FgRed),
		bold: color.New(color.Bold),
	}
	for _, c := range []*color.Color{p.ok, p.warn, p.bad, p.bold} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// RenderText writes a human readable report. Colors are used only when useColor is set.
func RenderText(w io.Writer, s Summary, o Outcome, failOn FailOn, useColor bool) error {
	p := newPalette(useColor)

	header := "Validation report: " + s.Dataset
	if s.RunID != "" {
		header = fmt.Sprintf("Migration %s (%s) %s -> %s", s.RunID, s.Mode, s.Staging, s.Dataset)
	}
	fmt.Fprintln(w, p.bold.Sprint(header))
	if s.BatchID != "" {
		fmt.Fprintf(w, "Batch %s, phase %s\n", s.BatchID, s.Phase)
	}
	fmt.Fprintln(w)

	if len(s.Tables) > 0 {
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Table", "Status", "Checks", "Passed", "Failed", "Merge", "Outcome"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, t := range s.Tables {
			table.Append([]string{
				t.Table,
				t.Status,
				strconv.Itoa(t.Checks),
				strconv.Itoa(t.Passed),
				strconv.Itoa(t.Failed),
				mergeCell(t),
				outcomeCell(p, string(t.Outcome)),
			})
		}
		table.Render()
		fmt.Fprintln(w)
	}

	if len(s.Failures) > 0 {
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Severity", "Table", "Check", "Failed", "Rate", "Sample keys"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, f := range s.Failures {
			sev := p.warn.Sprint("soft")
			if f.Hard {
				sev = p.bad.Sprint("hard")
			}
			table.Append([]string{
				sev,
				f.Table,
				f.Check,
				strconv.FormatInt(f.RecordsFailed, 10),
				fmt.Sprintf("%.2f%%", f.FailureRate*100),
				strings.Join(f.SampleKeys, ", "),
			})
		}
		table.Render()
		fmt.Fprintln(w)
	}

	if len(s.FailuresByCategory) > 0 {
		cats := make([]string, 0, len(s.FailuresByCategory))
		for c := range s.FailuresByCategory {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		parts := make([]string, len(cats))
		for i, c := range cats {
			parts[i] = fmt.Sprintf("%s=%d", c, s.FailuresByCategory[c])
		}
		fmt.Fprintf(w, "Failures by category: %s\n", strings.Join(parts, ", "))
	}
	fmt.Fprintf(w, "Checks: %d total, %d passed, %d failed (%.2f%% pass rate), %d hard, %d soft\n",
		s.Total, s.Passed, s.Failed, s.PassRate, s.Hard, s.Soft)
	if s.Error != "" {
		fmt.Fprintf(w, "%s %s\n", p.bad.Sprint("Error:"), s.Error)
	}
	if s.RollbackRef != "" {
		fmt.Fprintf(w, "Rollback reference: %s (stagegate snapshot restore <table> %s)\n", s.RollbackRef, s.RollbackRef)
	}

	switch v := o.(type) {
	case Success:
		fmt.Fprintln(w, p.ok.Sprint("SUCCESS"))
	case HardFailure:
		fmt.Fprintf(w, "%s: %d blocking problem(s)\n", p.bad.Sprint("HARD FAILURE"), len(v.Reasons))
	case SoftFailure:
		label := "SOFT FAILURE"
		if failOn == FailOnError {
			label += " (not failing the build)"
		}
		fmt.Fprintf(w, "%s: %d warning(s)\n", p.warn.Sprint(label), len(v.Warnings))
	}
	return nil
}

func mergeCell(t TableSummary) string {
	m := t.Merge
	if m == nil {
		return "-"
	}
	var parts []string
	add := func(label string, n int) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", label, n))
		}
	}
	add("+", m.Inserted)
	add("~", m.Updated)
	add("=", m.Unchanged)
	add("stale", m.Stale)
	add("skip", m.Skipped)
	add("del", m.Tombstoned)
	add("undel", m.Restored)
	add("repl", m.Replaced)
	if len(parts) == 0 {
		parts = append(parts, "no rows")
	}
	cell := strings.Join(parts, " ")
	if !m.Applied {
		cell += " (planned)"
	}
	return cell
}

func outcomeCell(p palette, outcome string) string {
	switch outcome {
	case "SUCCESS":
		return p.ok.Sprint(outcome)
	case "SOFT_FAILURE":
		return p.warn.Sprint(outcome)
	case "HARD_FAILURE":
		return p.bad.Sprint(outcome)
	case "":
		return "-"
	}
	return outcome
}
