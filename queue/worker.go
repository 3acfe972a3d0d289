package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Handler processes one job. A nil return completes the job and removes
// its record; an error moves the job to the failed registry.
type Handler func(ctx context.Context, job Job) error

// Worker consumes jobs from a set of stage queues and dispatches them
// to registered handlers. Multiple workers may run concurrently against
// the same queues.
type Worker struct {
	log      *zap.Logger
	queues   *Queues
	handlers map[Stage]Handler
	order    []Stage
	timeout  time.Duration
}

// NewWorker creates a worker without any registered handlers.
func NewWorker(log *zap.Logger, queues *Queues) *Worker {
	return &Worker{
		log:      log,
		queues:   queues,
		handlers: make(map[Stage]Handler),
		timeout:  queues.timeout,
	}
}

// Register adds a handler for a stage. Registration order decides which
// queue is drained first when several have pending jobs.
func (worker *Worker) Register(stage Stage, handler Handler) {
	if _, exists := worker.handlers[stage]; !exists {
		worker.order = append(worker.order, stage)
	}
	worker.handlers[stage] = handler
}

// Run consumes jobs until the context is cancelled.
func (worker *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(worker.order) == 0 {
		return Error.New("no handlers registered")
	}

	keys := make([]string, 0, len(worker.order))
	for _, stage := range worker.order {
		keys = append(keys, queueKey(stage))
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		for _, stage := range worker.order {
			if err := worker.queues.expireStarted(ctx, stage); err != nil {
				return err
			}
		}

		result, err := worker.queues.client.BRPop(ctx, time.Second, keys...).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return Error.Wrap(err)
		}
		// BRPop returns the popped key and the value.
		worker.process(ctx, result[1])
	}
}

func (worker *Worker) process(ctx context.Context, jobID string) {
	job, err := worker.queues.GetJob(ctx, jobID)
	if err != nil {
		worker.log.Error("failed to load job",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job == nil {
		// The job was deleted (object frozen) after it was popped.
		worker.log.Debug("skipping deleted job", zap.String("job_id", jobID))
		return
	}

	handler := worker.handlers[job.Stage]
	if handler == nil {
		worker.log.Error("no handler for stage",
			zap.String("job_id", jobID), zap.String("stage", string(job.Stage)))
		return
	}

	now := time.Now()
	deadline := now.Add(worker.timeout)
	pipe := worker.queues.client.TxPipeline()
	pipe.ZAdd(ctx, startedKey(job.Stage), redis.Z{
		Score:  float64(deadline.Unix()),
		Member: jobID,
	})
	pipe.HSet(ctx, jobKey(jobID),
		"state", string(StateStarted),
		"started_at", now.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		worker.log.Error("failed to mark job started",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}

	worker.log.Info("processing job",
		zap.String("job_id", jobID),
		zap.String("stage", string(job.Stage)),
		zap.Int64("object_id", job.ObjectID))

	jobCtx, cancel := context.WithTimeout(ctx, worker.timeout)
	handlerErr := handler(jobCtx, *job)
	cancel()

	if handlerErr != nil {
		worker.fail(ctx, *job, handlerErr)
		return
	}
	worker.finish(ctx, *job)
}

func (worker *Worker) finish(ctx context.Context, job Job) {
	pipe := worker.queues.client.TxPipeline()
	pipe.ZRem(ctx, startedKey(job.Stage), job.ID)
	pipe.Del(ctx, jobKey(job.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		worker.log.Error("failed to finish job",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	worker.log.Info("job finished", zap.String("job_id", job.ID))
}

func (worker *Worker) fail(ctx context.Context, job Job, jobErr error) {
	mon.Counter("worker_job_failures").Inc(1)

	pipe := worker.queues.client.TxPipeline()
	pipe.ZRem(ctx, startedKey(job.Stage), job.ID)
	pipe.ZAdd(ctx, failedKey(job.Stage), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: job.ID,
	})
	pipe.HSet(ctx, jobKey(job.ID),
		"state", string(StateFailed),
		"error", jobErr.Error())
	if _, err := pipe.Exec(ctx); err != nil {
		worker.log.Error("failed to mark job failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	worker.log.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("stage", string(job.Stage)),
		zap.Int64("object_id", job.ObjectID),
		zap.Error(jobErr))
}
