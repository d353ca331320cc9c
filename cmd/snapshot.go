package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"stagegate/internal/lease"
	"stagegate/internal/snapshot"
	"stagegate/internal/ui"
	"stagegate/internal/warehouse"
	"stagegate/pkg/errors"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, list, restore and purge production snapshots",
		Long: `Snapshots are zero-copy clones of production tables, named
<table>__snap_<batch_id> in the snapshot dataset. Migrations take them
automatically; these commands manage them by hand.`,
	}
	cmd.PersistentFlags().String("dataset", "", "production dataset (overrides datasets.production)")

	create := &cobra.Command{
		Use:   "create <table>",
		Short: "Snapshot a production table",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotCreate,
	}
	create.Flags().String("batch-id", "", "batch id to file the snapshot under (default now, 20060102_150405 UTC)")

	list := &cobra.Command{
		Use:   "list [table]",
		Short: "List snapshots, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSnapshotList,
	}

	restore := &cobra.Command{
		Use:   "restore <table> <batch-id>",
		Short: "Replace a production table with its snapshot",
		Long: `Restore overwrites the production table with the snapshot taken for batch-id.
Rows written since the snapshot are lost. You are asked to confirm unless --force is given.`,
		Args: cobra.ExactArgs(2),
		RunE: runSnapshotRestore,
	}
	restore.Flags().Bool("force", false, "skip the confirmation prompt")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Drop snapshots past their retention",
		Args:  cobra.NoArgs,
		RunE:  runSnapshotPurge,
	}
	purge.Flags().Bool("force", false, "skip the confirmation prompt")

	cmd.AddCommand(create, list, restore, purge)
	return cmd
}

var snapshotBindings = map[string]string{"dataset": "datasets.production"}

// snapshotApp opens the warehouse and the snapshot catalog.
func snapshotApp(cmd *cobra.Command) (*app, *snapshot.Manager, error) {
	a, err := newApp(cmd, snapshotBindings)
	if err != nil {
		return nil, nil, err
	}
	store, err := a.warehouse(cmd.Context())
	if err != nil {
		a.close()
		return nil, nil, err
	}
	m, err := a.snapshots(store)
	if err != nil {
		a.close()
		return nil, nil, err
	}
	return a, m, nil
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	a, m, err := snapshotApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	batchID, _ := cmd.Flags().GetString("batch-id")
	if batchID == "" {
		batchID = snapshot.NewBatchID(a.now())
	}
	ref := warehouse.TableRef{Dataset: a.cfg.Datasets.Production, Name: args[0]}
	s, err := m.Create(cmd.Context(), ref, batchID)
	if err != nil {
		return err
	}
	ui.ShowSuccess(fmt.Sprintf("snapshot %s.%s created for %s (%d rows, expires %s)",
		s.CloneDataset, s.CloneName, ref, s.RowCount, s.ExpiresAt.Format("2006-01-02 15:04 MST")))
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	a, m, err := snapshotApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	var table string
	if len(args) == 1 {
		table = args[0]
	}
	snaps := m.List(table)
	if len(snaps) == 0 {
		ui.ShowInfo("no snapshots")
		return nil
	}

	now := a.now()
	tw := tablewriter.NewWriter(cmd.OutOrStdout())
	tw.SetHeader([]string{"Table", "Batch", "Clone", "Rows", "Created", "Expires"})
	tw.SetBorder(false)
	tw.SetAutoWrapText(false)
	for _, s := range snaps {
		expires := s.ExpiresAt.UTC().Format("2006-01-02 15:04")
		if s.Expired(now) {
			expires += " (expired)"
		}
		tw.Append([]string{
			s.Source().String(),
			s.BatchID,
			s.Clone().String(),
			strconv.FormatInt(s.RowCount, 10),
			s.CreatedAt.UTC().Format("2006-01-02 15:04"),
			expires,
		})
	}
	tw.Render()
	return nil
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	a, m, err := snapshotApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	table, batchID := args[0], args[1]
	ref := warehouse.TableRef{Dataset: a.cfg.Datasets.Production, Name: table}
	if _, err := m.Get(ref, batchID); err != nil {
		return err
	}

	force, _ := cmd.Flags().GetBool("force")
	if !force {
		ok, err := ui.ConfirmDestructive(
			fmt.Sprintf("Restore %s from batch %s? Changes since the snapshot will be lost. Type the table name:", ref, batchID),
			table)
		if err != nil {
			return err
		}
		if !ok {
			ui.ShowWarning("restore cancelled")
			return nil
		}
	}

	locker, err := lease.New(a.cfg.Lease, a.cfg.Run.StateDir, a.logger)
	if err != nil {
		return err
	}
	held, err := locker.Acquire(ctx, ref.String(), "restore-"+batchID, a.cfg.Lease.TTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := locker.Release(context.WithoutCancel(ctx), held); err != nil {
			ui.ShowWarning("failed to release lease on " + ref.String() + ": " + err.Error())
		}
	}()

	res, err := m.Restore(ctx, ref, batchID)
	if err != nil {
		return err
	}
	if !res.Verified {
		return errors.New(errors.ErrCodeSnapshotFailed, "restored table does not match the snapshot").
			WithContext("table", ref.String()).
			WithContext("batch_id", batchID).
			WithContext("rows", res.RowCount)
	}
	ui.ShowSuccess(fmt.Sprintf("%s restored from %s (%d rows, checksum verified)", ref, batchID, res.RowCount))
	return nil
}

func runSnapshotPurge(cmd *cobra.Command, _ []string) error {
	a, m, err := snapshotApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if force, _ := cmd.Flags().GetBool("force"); !force {
		ok, err := ui.Confirm("Drop every snapshot past its retention?", false)
		if err != nil {
			return err
		}
		if !ok {
			ui.ShowInfo("purge cancelled")
			return nil
		}
	}

	purged, err := m.PurgeExpired(cmd.Context())
	if len(purged) > 0 {
		ui.PrintSection("Purged snapshots")
	}
	for _, s := range purged {
		ui.ShowInfo(fmt.Sprintf("purged %s (batch %s)", s.Clone(), s.BatchID))
	}
	if err != nil {
		return err
	}
	ui.ShowSuccess(fmt.Sprintf("%d expired snapshot(s) purged", len(purged)))
	return nil
}
