package cmd

import (
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"stagegate/internal/report"
	"stagegate/internal/ui"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect persisted migration runs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runRunsList,
	}
	list.Flags().Int("limit", 20, "maximum runs to show (0 for all)")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the report of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShow,
	}
	show.Flags().StringP("output", "o", "", "report format: text or json")

	cmd.AddCommand(list, show)
	return cmd
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.close()

	store, err := a.runs()
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	runs, err := store.List(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		ui.ShowInfo("no runs recorded in " + a.cfg.Run.StateDir)
		return nil
	}

	tw := tablewriter.NewWriter(cmd.OutOrStdout())
	tw.SetHeader([]string{"Run", "Batch", "Mode", "Phase", "Outcome", "Tables", "Started", "Took", "Error"})
	tw.SetBorder(false)
	tw.SetAutoWrapText(false)
	for _, r := range runs {
		took := "-"
		if r.FinishedAt != nil {
			took = ui.FormatDuration(r.FinishedAt.Sub(r.StartedAt))
		}
		tw.Append([]string{
			r.ID,
			r.BatchID,
			string(r.Mode),
			string(r.Phase),
			string(r.Outcome),
			strconv.Itoa(len(r.Tables)),
			r.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			took,
			ui.Truncate(r.Error, 40),
		})
	}
	tw.Render()
	return nil
}

// runRunsShow renders a stored run. The exit code reflects the command, not the run.
func runRunsShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, map[string]string{"output": "report.output"})
	if err != nil {
		return err
	}
	defer a.close()

	store, err := a.runs()
	if err != nil {
		return err
	}
	run, err := store.Get(args[0])
	if err != nil {
		return err
	}
	failOn, err := report.ParseFailOn(a.cfg.Run.FailOn)
	if err != nil {
		return err
	}

	at := run.UpdatedAt
	if run.FinishedAt != nil {
		at = *run.FinishedAt
	}
	s := report.Summarize(run, at)
	outcome := report.Decide(s)
	out := cmd.OutOrStdout()
	if a.cfg.Report.Output == "json" {
		return report.RenderJSON(out, s, outcome, failOn)
	}
	return report.RenderText(out, s, outcome, failOn, !rootFlags.noColor && report.ColorEnabled(out))
}
