package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"github.com/pasflow/pasflow/pasdb"
)

var (
	createDBCmd = &cobra.Command{
		Use:   "create-pas-db",
		Short: "Create the workflow database tables",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdCreateDB),
	}
	enqueueObjectsCmd = &cobra.Command{
		Use:   "enqueue-objects",
		Short: "Enqueue objects pending preservation",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdEnqueueObjects),
	}
	deferredEnqueueObjectsCmd = &cobra.Command{
		Use:   "deferred-enqueue-objects",
		Short: "Schedule the enqueue planner as a background job",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdDeferredEnqueueObjects),
	}
	reenqueueObjectCmd = &cobra.Command{
		Use:   "reenqueue-object OBJECT_ID",
		Short: "Retry a rejected object from the beginning",
		Args:  cobra.ExactArgs(1),
		RunE:  withEnvironment(cmdReenqueueObject),
	}
	freezeObjectsCmd = &cobra.Command{
		Use:   "freeze-objects OBJECT_ID...",
		Short: "Freeze objects so they no longer enter the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE:  withEnvironment(cmdFreezeObjects),
	}
	unfreezeObjectsCmd = &cobra.Command{
		Use:   "unfreeze-objects [OBJECT_ID...]",
		Short: "Unfreeze objects by reason and/or explicit ids",
		RunE:  withEnvironment(cmdUnfreezeObjects),
	}
	resetWorkflowCmd = &cobra.Command{
		Use:   "reset-workflow",
		Short: "Discard in-flight packaging attempts after a database restore",
		Args:  cobra.NoArgs,
		RunE:  withEnvironment(cmdResetWorkflow),
	}

	workflowFlags struct {
		objectCount  int
		random       bool
		objectIDs    []int64
		reason       string
		source       string
		deleteJobs   bool
		enqueue      bool
		confirmReset bool
	}
)

func init() {
	rootCmd.AddCommand(
		createDBCmd, enqueueObjectsCmd, deferredEnqueueObjectsCmd,
		reenqueueObjectCmd, freezeObjectsCmd, unfreezeObjectsCmd,
		resetWorkflowCmd,
	)

	enqueueObjectsCmd.Flags().IntVar(&workflowFlags.objectCount,
		"object-count", 10, "how many objects to enqueue")
	enqueueObjectsCmd.Flags().BoolVar(&workflowFlags.random,
		"random", false, "pick eligible objects in random order")
	enqueueObjectsCmd.Flags().Int64SliceVar(&workflowFlags.objectIDs,
		"object-ids", nil, "restrict to these candidate object ids")
	deferredEnqueueObjectsCmd.Flags().IntVar(&workflowFlags.objectCount,
		"object-count", 10, "how many objects the planner should enqueue")
	freezeObjectsCmd.Flags().StringVar(&workflowFlags.reason,
		"reason", "", "freeze reason shown to operators")
	freezeObjectsCmd.Flags().StringVar(&workflowFlags.source,
		"source", string(pasdb.FreezeSourceUser), "freeze source: user or automatic")
	freezeObjectsCmd.Flags().BoolVar(&workflowFlags.deleteJobs,
		"delete-jobs", true, "remove pending and failed jobs and working directories")
	unfreezeObjectsCmd.Flags().StringVar(&workflowFlags.reason,
		"reason", "", "unfreeze every object frozen with this reason")
	unfreezeObjectsCmd.Flags().BoolVar(&workflowFlags.enqueue,
		"enqueue", false, "enqueue a download job for every unfrozen object")
	resetWorkflowCmd.Flags().BoolVar(&workflowFlags.confirmReset,
		"perform-reset", false, "actually perform the reset")
}

func cmdCreateDB(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	if err := env.db.CreateTables(ctx); err != nil {
		return err
	}
	printf(cmd, "database tables created\n")
	return nil
}

func cmdEnqueueObjects(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	enqueued, err := env.workflowService().EnqueueObjects(
		ctx, workflowFlags.objectCount, workflowFlags.random, workflowFlags.objectIDs)
	if err != nil {
		return err
	}
	printf(cmd, "enqueued %d objects\n", enqueued)
	return nil
}

func cmdDeferredEnqueueObjects(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	err := env.workflowService().DeferredEnqueueObjects(ctx, workflowFlags.objectCount)
	if err != nil {
		return err
	}
	printf(cmd, "planner scheduled for %d objects\n", workflowFlags.objectCount)
	return nil
}

func cmdReenqueueObject(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	objectIDs, err := parseObjectIDs(args)
	if err != nil {
		return err
	}
	if err := env.workflowService().ReenqueueObject(ctx, objectIDs[0]); err != nil {
		return err
	}
	printf(cmd, "object %d reenqueued\n", objectIDs[0])
	return nil
}

func cmdFreezeObjects(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	objectIDs, err := parseObjectIDs(args)
	if err != nil {
		return err
	}
	source, err := pasdb.ParseFreezeSource(workflowFlags.source)
	if err != nil {
		return err
	}
	if workflowFlags.reason == "" {
		return errs.New("a freeze reason is required")
	}

	frozen, cancelled, err := env.workflowService().FreezeObjects(
		ctx, objectIDs, workflowFlags.reason, source, workflowFlags.deleteJobs)
	if err != nil {
		return err
	}
	printf(cmd, "froze %d objects, cancelled %d packages\n", frozen, cancelled)
	return nil
}

func cmdUnfreezeObjects(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	objectIDs, err := parseObjectIDs(args)
	if err != nil {
		return err
	}
	unfrozen, err := env.workflowService().UnfreezeObjects(
		ctx, workflowFlags.reason, objectIDs, workflowFlags.enqueue)
	if err != nil {
		return err
	}
	printf(cmd, "unfroze %d objects\n", len(unfrozen))
	return nil
}

func cmdResetWorkflow(ctx context.Context, env *environment, cmd *cobra.Command, args []string) error {
	if !workflowFlags.confirmReset {
		return errs.New("pass --perform-reset to discard in-flight packaging attempts")
	}
	objectIDs, err := env.workflowService().ResetWorkflow(ctx)
	if err != nil {
		return err
	}
	printf(cmd, "reset %d objects\n", len(objectIDs))
	return nil
}
