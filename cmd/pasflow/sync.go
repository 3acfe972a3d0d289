package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/pasflow/pasflow/cms"
	"github.com/pasflow/pasflow/cmssync"
	"github.com/pasflow/pasflow/dpres"
	"github.com/pasflow/pasflow/heartbeat"
)

var (
	syncObjectsCmd = &cobra.Command{
		Use:   "sync-objects",
		Short: "Synchronize object records from the CMS export",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdSyncObjects),
	}
	syncAttachmentsCmd = &cobra.Command{
		Use:   "sync-attachments",
		Short: "Synchronize attachment records from the CMS export",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdSyncAttachments),
	}
	syncHashesCmd = &cobra.Command{
		Use:   "sync-hashes",
		Short: "Recompute per-object attachment metadata hashes",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdSyncHashes),
	}
	syncProcessedSIPsCmd = &cobra.Command{
		Use:   "sync-processed-sips",
		Short: "Reconcile accepted and rejected SIPs from the preservation service",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdSyncProcessedSIPs),
	}
	heartbeatsCmd = &cobra.Command{
		Use:   "heartbeats",
		Short: "Show when each recurring task last completed",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdHeartbeats),
	}

	syncFlags struct {
		objectsFile     string
		attachmentsFile string
		saveProgress    bool
		days            int
	}
)

func init() {
	rootCmd.AddCommand(
		syncObjectsCmd, syncAttachmentsCmd, syncHashesCmd,
		syncProcessedSIPsCmd, heartbeatsCmd,
	)

	syncObjectsCmd.Flags().StringVar(&syncFlags.objectsFile,
		"objects-file", "", "newline-delimited JSON export of object records")
	syncObjectsCmd.Flags().BoolVar(&syncFlags.saveProgress,
		"save-progress", true, "persist the sync cursor for resuming and incremental runs")
	syncAttachmentsCmd.Flags().StringVar(&syncFlags.attachmentsFile,
		"attachments-file", "", "newline-delimited JSON export of attachment records")
	syncAttachmentsCmd.Flags().BoolVar(&syncFlags.saveProgress,
		"save-progress", true, "persist the sync cursor for resuming and incremental runs")
	syncProcessedSIPsCmd.Flags().IntVar(&syncFlags.days,
		"days", dpres.DefaultDays, "how many day folders to scan")
}

func newSyncer(env *environment, source cms.Source) *cmssync.Syncer {
	return cmssync.NewSyncer(
		env.log.Named("cmssync"), env.db, source, env.heartbeatMonitor())
}

func cmdSyncObjects(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	source := cms.NewFileSource(syncFlags.objectsFile, "")
	defer func() { _ = source.Close() }()
	return newSyncer(env, source).SyncObjects(ctx, syncFlags.saveProgress)
}

func cmdSyncAttachments(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	source := cms.NewFileSource("", syncFlags.attachmentsFile)
	defer func() { _ = source.Close() }()
	return newSyncer(env, source).SyncAttachments(ctx, syncFlags.saveProgress)
}

func cmdSyncHashes(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	updated, skipped, err := newSyncer(env, nil).SyncHashes(ctx)
	if err != nil {
		return err
	}
	printf(cmd, "updated %d objects, skipped %d\n", updated, skipped)
	return nil
}

func cmdSyncProcessedSIPs(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	client, err := env.dialDPRES()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	reconciler := dpres.NewReconciler(
		env.log.Named("dpres"), env.db, env.queues, client,
		env.heartbeatMonitor(), env.config.Workflow.PackageDir)
	updated, err := reconciler.SyncProcessedSIPs(ctx, syncFlags.days)
	if err != nil {
		return err
	}
	printf(cmd, "reconciled %d SIPs\n", updated)
	return nil
}

func cmdHeartbeats(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	beats, err := env.heartbeatMonitor().Heartbeats(ctx)
	if err != nil {
		return err
	}
	for _, source := range heartbeat.Sources {
		if beats[source] == nil {
			printf(cmd, "%-20s never\n", source)
			continue
		}
		printf(cmd, "%-20s %s\n", source, beats[source].Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}
