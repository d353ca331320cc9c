package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stagegate/internal/ui"
)

var rootFlags struct {
	configFile string
	logLevel   string
	noColor    bool
}

// exitError carries a process exit code out of a command whose report has
// already been written.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// NewRootCmd builds the stagegate command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stagegate",
		Short: "Promote staging data to production behind validation gates",
		Long: `stagegate migrates tables from a staging dataset into production.
Each run snapshots the production tables it touches, merges the staging batch
according to the table's contract, and validates the result. The exit code
tells CI whether to promote: 0 success, 1 hard failure, 2 freshness warnings only.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Out = cmd.ErrOrStderr()
			if rootFlags.noColor || os.Getenv("NO_COLOR") != "" {
				ui.SetColor(false)
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&rootFlags.configFile, "config", "", "config file (default ./stagegate.yaml or $HOME/.stagegate/stagegate.yaml)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "override logging.level")
	pf.BoolVar(&rootFlags.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newMigrateCmd(),
		newValidateCmd(),
		newSnapshotCmd(),
		newContractsCmd(),
		newRunsCmd(),
		newCredentialsCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, NewRootCmd(), os.Args[1:])
}

func run(ctx context.Context, root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if stderrors.As(err, &exit) {
		return exit.code
	}
	ui.Out = root.ErrOrStderr()
	ui.ShowError(err)
	return 1
}
