package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pasflow/pasflow/cms"
	"github.com/pasflow/pasflow/dpres"
	"github.com/pasflow/pasflow/internal/sync2"
	"github.com/pasflow/pasflow/queue"
)

var (
	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Process stage jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdWorker),
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the recurring synchronization tasks on a schedule",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdRun),
	}

	serviceFlags struct {
		objectsFile       string
		attachmentsFile   string
		syncInterval      time.Duration
		reconcileInterval time.Duration
	}
)

func init() {
	rootCmd.AddCommand(workerCmd, runCmd)

	runCmd.Flags().StringVar(&serviceFlags.objectsFile,
		"objects-file", "", "newline-delimited JSON export of object records")
	runCmd.Flags().StringVar(&serviceFlags.attachmentsFile,
		"attachments-file", "", "newline-delimited JSON export of attachment records")
	runCmd.Flags().DurationVar(&serviceFlags.syncInterval,
		"sync-interval", time.Hour, "interval between CMS synchronization runs")
	runCmd.Flags().DurationVar(&serviceFlags.reconcileInterval,
		"reconcile-interval", time.Hour, "interval between preservation service scans")
}

func cmdWorker(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := queue.NewWorker(env.log.Named("worker"), env.queues)
	env.workflowService().RegisterHandlers(worker)

	env.log.Info("worker started")
	return worker.Run(ctx)
}

// cmdRun hosts the recurring tasks: CMS synchronization (when export
// files are configured), hash synchronization, and the preservation
// service reconciler.
func cmdRun(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	if serviceFlags.objectsFile != "" || serviceFlags.attachmentsFile != "" {
		source := cms.NewFileSource(serviceFlags.objectsFile, serviceFlags.attachmentsFile)
		syncer := newSyncer(env, source)

		syncCycle := sync2.NewCycle(serviceFlags.syncInterval)
		group.Go(func() error {
			return syncCycle.Run(ctx, func(ctx context.Context) error {
				if serviceFlags.objectsFile != "" {
					if err := syncer.SyncObjects(ctx, true); err != nil {
						return err
					}
				}
				if serviceFlags.attachmentsFile != "" {
					if err := syncer.SyncAttachments(ctx, true); err != nil {
						return err
					}
				}
				_, _, err := syncer.SyncHashes(ctx)
				return err
			})
		})
	} else {
		hashCycle := sync2.NewCycle(serviceFlags.syncInterval)
		hashSyncer := newSyncer(env, nil)
		group.Go(func() error {
			return hashCycle.Run(ctx, func(ctx context.Context) error {
				_, _, err := hashSyncer.SyncHashes(ctx)
				return err
			})
		})
	}

	reconcileCycle := sync2.NewCycle(serviceFlags.reconcileInterval)
	group.Go(func() error {
		return reconcileCycle.Run(ctx, func(ctx context.Context) error {
			client, err := env.dialDPRES()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			reconciler := dpres.NewReconciler(
				env.log.Named("dpres"), env.db, env.queues, client,
				env.heartbeatMonitor(), env.config.Workflow.PackageDir)
			_, err = reconciler.SyncProcessedSIPs(ctx, dpres.DefaultDays)
			return err
		})
	})

	env.log.Info("recurring tasks started")
	err := group.Wait()
	if ctx.Err() != nil {
		// Interrupted; a cancelled cycle is a clean shutdown.
		return nil
	}
	return err
}
