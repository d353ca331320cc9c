package cmd

import (
	"github.com/spf13/cobra"

	"stagegate/internal/report"
)

// emitReport renders s on stdout, archives it and turns the outcome into the
// command's exit status.
func emitReport(cmd *cobra.Command, a *app, s report.Summary) error {
	failOn, err := report.ParseFailOn(a.cfg.Run.FailOn)
	if err != nil {
		return err
	}
	outcome := report.Decide(s)

	out := cmd.OutOrStdout()
	if a.cfg.Report.Output == "json" {
		err = report.RenderJSON(out, s, outcome, failOn)
	} else {
		err = report.RenderText(out, s, outcome, failOn, !rootFlags.noColor && report.ColorEnabled(out))
	}
	if err != nil {
		return err
	}

	archivers, err := a.archivers()
	if err != nil {
		return err
	}
	if len(archivers) > 0 {
		report.ArchiveAll(cmd.Context(), report.NewDocument(s, outcome, failOn), a.logger, archivers...)
	}

	if code := report.ExitCode(outcome, failOn); code != report.ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

// reportFlags adds the flags shared by migrate and validate.
func reportFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("dataset", "", "production dataset (overrides datasets.production)")
	f.String("tables", "", "table glob or comma-separated list (default \"*\")")
	f.String("fail-on", "", "error: freshness warnings exit 0; warning: they exit 2 (default \"warning\")")
	f.StringP("output", "o", "", "report format: text or json")
}

var reportBindings = map[string]string{
	"dataset": "datasets.production",
	"tables":  "run.tables",
	"fail-on": "run.fail_on",
	"output":  "report.output",
}

func withBindings(extra map[string]string) map[string]string {
	out := make(map[string]string, len(reportBindings)+len(extra))
	for k, v := range reportBindings {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
