package workflow

import (
	"context"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/pasflow/pasflow/pas"
	"github.com/pasflow/pasflow/pasdb"
	"github.com/pasflow/pasflow/queue"
)

// FreezeObjects freezes the given objects so they no longer enter the
// pipeline, cancelling their in-flight packaging attempts. Refuses with
// ErrJobRunning when any of the objects has a currently executing job;
// pending and failed jobs are fine and are removed when deleteJobs is
// set, together with each object's working directory. Returns how many
// objects were frozen and how many attempts were cancelled.
func (service *Service) FreezeObjects(ctx context.Context, objectIDs []int64, reason string, source pasdb.FreezeSource, deleteJobs bool) (frozen, cancelled int64, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(objectIDs) == 0 {
		return 0, 0, Error.New("no objects given")
	}

	err = service.queues.WithWorkflowLock(ctx, func(ctx context.Context) error {
		running, err := service.queues.RunningObjectIDs(ctx)
		if err != nil {
			return err
		}
		var busy []int64
		for _, objectID := range objectIDs {
			if running[objectID] {
				busy = append(busy, objectID)
			}
		}
		if len(busy) > 0 {
			sort.Slice(busy, func(i, j int) bool { return busy[i] < busy[j] })
			return ErrJobRunning.New("objects have running jobs: %v", busy)
		}

		frozenCount, cancelledPackages, err := service.db.FreezeObjects(ctx, objectIDs, reason, source)
		if err != nil {
			return err
		}
		frozen = frozenCount
		cancelled = int64(len(cancelledPackages))

		for _, pkg := range cancelledPackages {
			err := service.packager.CopyLogsToArchive(
				pkg.MuseumObjectID, service.config.PackageDir,
				service.config.ArchiveDir, pkg.SIPID)
			if err != nil {
				service.log.Warn("failed to archive logs of cancelled package",
					zap.Int64("object_id", pkg.MuseumObjectID),
					zap.String("sip_id", pkg.SIPID),
					zap.Error(err))
			}
		}

		if deleteJobs {
			for _, objectID := range objectIDs {
				if _, err := service.queues.DeleteJobsForObject(ctx, objectID); err != nil {
					return err
				}
				err := os.RemoveAll(pas.ObjectDir(service.config.PackageDir, objectID))
				if err != nil {
					service.log.Warn("failed to remove working directory",
						zap.Int64("object_id", objectID), zap.Error(err))
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return frozen, cancelled, nil
}

// UnfreezeObjects clears the frozen state of objects selected by freeze
// reason and/or explicit ids; at least one selector is required. When
// enqueue is set, every unfrozen object gets a download job
// immediately. Returns the ids of the unfrozen objects.
func (service *Service) UnfreezeObjects(ctx context.Context, reason string, objectIDs []int64, enqueue bool) (unfrozen []int64, err error) {
	defer mon.Task()(&ctx)(&err)
	if reason == "" && len(objectIDs) == 0 {
		return nil, Error.New("either a reason or object ids must be given")
	}

	err = service.queues.WithWorkflowLock(ctx, func(ctx context.Context) error {
		unfrozen, err = service.db.UnfreezeObjects(ctx, reason, objectIDs)
		if err != nil {
			return err
		}
		if !enqueue {
			return nil
		}
		for _, objectID := range unfrozen {
			if err := service.queues.Enqueue(ctx, queue.DownloadObject, objectID, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unfrozen, nil
}

// ResetWorkflow discards packaging attempts that were in flight but
// never uploaded, typically after restoring a database backup, so their
// objects become eligible again. Residual jobs and working directories
// of the affected objects are removed. Returns the affected object ids.
func (service *Service) ResetWorkflow(ctx context.Context) (objectIDs []int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = service.queues.WithWorkflowLock(ctx, func(ctx context.Context) error {
		objectIDs, err = service.db.ResetWorkflow(ctx)
		if err != nil {
			return err
		}
		for _, objectID := range objectIDs {
			if _, err := service.queues.DeleteJobsForObject(ctx, objectID); err != nil {
				return err
			}
			err := os.RemoveAll(pas.ObjectDir(service.config.PackageDir, objectID))
			if err != nil {
				service.log.Warn("failed to remove working directory",
					zap.Int64("object_id", objectID), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objectIDs, nil
}

// ReenqueueObject retries a rejected object: its latest package must be
// rejected and it must not be enqueued already. The latest-package
// reference and any residual jobs are cleared before a fresh download
// job is scheduled.
func (service *Service) ReenqueueObject(ctx context.Context, objectID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.queues.WithWorkflowLock(ctx, func(ctx context.Context) error {
		enqueued, err := service.queues.EnqueuedObjectIDs(ctx)
		if err != nil {
			return err
		}
		if enqueued[objectID] {
			return Error.New("object %d is already enqueued", objectID)
		}

		_, latest, err := service.db.GetObjectWithLatestPackage(ctx, objectID)
		if err != nil {
			return err
		}
		if latest == nil || !latest.Rejected {
			return Error.New("latest package of object %d is not rejected", objectID)
		}

		if err := service.db.SetLatestPackage(ctx, objectID, nil); err != nil {
			return err
		}
		if _, err := service.queues.DeleteJobsForObject(ctx, objectID); err != nil {
			return err
		}
		return service.queues.Enqueue(ctx, queue.DownloadObject, objectID, "")
	})
}
