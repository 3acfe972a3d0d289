package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/pasflow/pasflow/queue"
)

// EnqueueObjects schedules download jobs for up to objectCount objects
// pending preservation. Objects that already have a job on any queue
// are skipped. When objectIDs is non-empty only those candidates are
// considered; when random is set, candidates are picked in random order
// instead of id order. Returns how many jobs were scheduled.
func (service *Service) EnqueueObjects(ctx context.Context, objectCount int, random bool, objectIDs []int64) (enqueued int, err error) {
	defer mon.Task()(&ctx)(&err)
	if objectCount <= 0 {
		return 0, nil
	}

	err = service.queues.WithWorkflowLock(ctx, func(ctx context.Context) error {
		alreadyEnqueued, err := service.queues.EnqueuedObjectIDs(ctx)
		if err != nil {
			return err
		}

		err = service.db.ForEachPendingObjectID(ctx, service.criteria(), objectIDs, random,
			func(objectID int64) (bool, error) {
				if alreadyEnqueued[objectID] {
					return true, nil
				}
				if err := service.queues.Enqueue(ctx, queue.DownloadObject, objectID, ""); err != nil {
					return false, err
				}
				enqueued++
				return enqueued < objectCount, nil
			})
		return err
	})
	if err != nil {
		return 0, err
	}

	service.log.Info("enqueued objects for preservation",
		zap.Int("count", enqueued), zap.Int("requested", objectCount))
	return enqueued, nil
}

// DeferredEnqueueObjects schedules the planner itself as a job, keeping
// interactive commands from blocking on the workflow lock. At most one
// planner job is scheduled at a time.
func (service *Service) DeferredEnqueueObjects(ctx context.Context, objectCount int) (err error) {
	defer mon.Task()(&ctx)(&err)
	return service.queues.EnqueuePlanner(ctx, objectCount)
}
