package cmd

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"stagegate/internal/contract"
	"stagegate/internal/ui"
)

func newContractsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Inspect table contracts",
	}

	check := &cobra.Command{
		Use:   "check [file]",
		Short: "Parse a contracts file and report the first problem",
		Long: `Check loads a contracts file the way a migration would. Without an argument
the file named by contracts.path is checked.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runContractsCheck,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List declared contracts",
		Args:  cobra.NoArgs,
		RunE:  runContractsList,
	}

	cmd.AddCommand(check, list)
	return cmd
}

// contractsPath is the explicit argument, else contracts.path from config.
func contractsPath(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return "", err
	}
	return cfg.Contracts.Path, nil
}

func runContractsCheck(cmd *cobra.Command, args []string) error {
	path, err := contractsPath(cmd, args)
	if err != nil {
		return err
	}
	reg, err := contract.LoadFile(path)
	if err != nil {
		return err
	}
	ui.ShowSuccess(fmt.Sprintf("%s: %d contract(s) valid", path, len(reg.Tables())))
	return nil
}

func runContractsList(cmd *cobra.Command, args []string) error {
	path, err := contractsPath(cmd, args)
	if err != nil {
		return err
	}
	reg, err := contract.LoadFile(path)
	if err != nil {
		return err
	}
	names := reg.Tables()
	if len(names) == 0 {
		ui.ShowInfo(path + " declares no tables; every table uses its category defaults")
		return nil
	}

	tw := tablewriter.NewWriter(cmd.OutOrStdout())
	tw.SetHeader([]string{"Table", "Category", "Strategy", "Key", "Freshness", "Foreign keys"})
	tw.SetBorder(false)
	tw.SetAutoWrapText(false)
	for _, name := range names {
		c, _ := reg.Get(name)
		sla := "-"
		if c.SLA.MaxStaleness > 0 {
			sla = c.SLA.MaxStaleness.String() + " on " + c.FreshnessColumn()
		}
		fks := make([]string, 0, len(c.Rules.ForeignKeys))
		for _, fk := range c.Rules.ForeignKeys {
			fks = append(fks, fmt.Sprintf("%s->%s.%s", fk.Field, fk.RefTable, fk.RefField))
		}
		tw.Append([]string{
			c.Name,
			string(c.Category),
			string(c.Strategy),
			strings.Join(c.MatchKey(), ","),
			sla,
			strings.Join(fks, " "),
		})
	}
	tw.Render()
	return nil
}
