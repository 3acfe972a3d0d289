// Package queue implements the durable stage queues of the preservation
// workflow on Redis, together with the distributed locks that serialize
// work per object and guard enqueue decisions.
//
// Every stage job has the id `<stage>_<object_id>`, which enforces
// at-most-one scheduled job per (stage, object) and lets any component
// recover the object id from a job id alone.
package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	// Error is the default error class for the queue package.
	Error = errs.Class("queue")

	mon = monkit.Package()
)

// Stage identifies one queue of the workflow.
type Stage string

// Workflow stages. EnqueueObjects is the auxiliary queue hosting the
// deferred planner; it is not part of the per-object pipeline.
const (
	DownloadObject Stage = "download_object"
	CreateSIP      Stage = "create_sip"
	SubmitSIP      Stage = "submit_sip"
	ConfirmSIP     Stage = "confirm_sip"
	EnqueueObjects Stage = "enqueue_objects"
)

// Stages lists the per-object pipeline stages in execution order.
var Stages = []Stage{DownloadObject, CreateSIP, SubmitSIP, ConfirmSIP}

// allStages additionally includes the auxiliary planner queue.
var allStages = []Stage{
	DownloadObject, CreateSIP, SubmitSIP, ConfirmSIP, EnqueueObjects,
}

// DefaultTimeout is how long a job may execute before it is considered
// failed.
const DefaultTimeout = 4 * time.Hour

// JobID builds the canonical job id for a stage and object.
func JobID(stage Stage, objectID int64) string {
	return string(stage) + "_" + strconv.FormatInt(objectID, 10)
}

// JobIDToObjectID extracts the object id from a job id. ok is false for
// job ids that do not follow the `<stage>_<object_id>` convention.
func JobIDToObjectID(jobID string) (objectID int64, ok bool) {
	idx := strings.LastIndex(jobID, "_")
	if idx < 0 {
		return 0, false
	}
	objectID, err := strconv.ParseInt(jobID[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return objectID, true
}

// State describes the lifecycle of a job record.
type State string

// Job states.
const (
	StateQueued  State = "queued"
	StateStarted State = "started"
	StateFailed  State = "failed"
)

// Job is one durable job record.
type Job struct {
	ID       string
	Stage    Stage
	ObjectID int64
	// SIPID identifies the packaging attempt; empty for the download
	// stage, which creates the attempt.
	SIPID string
	// Count is only used by the deferred planner job.
	Count int

	State      State
	Error      string
	EnqueuedAt time.Time
	StartedAt  time.Time
}

// Queues provides access to the workflow queues.
type Queues struct {
	log     *zap.Logger
	client  redis.UniversalClient
	timeout time.Duration
}

// NewQueues creates a Queues on the given Redis client.
func NewQueues(log *zap.Logger, client redis.UniversalClient) *Queues {
	return &Queues{log: log, client: client, timeout: DefaultTimeout}
}

// Client exposes the underlying Redis client, shared with heartbeats.
func (queues *Queues) Client() redis.UniversalClient { return queues.client }

func queueKey(stage Stage) string   { return "pasflow:queue:" + string(stage) }
func startedKey(stage Stage) string { return "pasflow:started:" + string(stage) }
func failedKey(stage Stage) string  { return "pasflow:failed:" + string(stage) }
func jobKey(jobID string) string    { return "pasflow:job:" + jobID }

// Enqueue schedules a stage job for an object. Enqueueing is idempotent:
// when a job with the same id is already queued or started, nothing
// happens.
func (queues *Queues) Enqueue(ctx context.Context, stage Stage, objectID int64, sipID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return queues.enqueue(ctx, Job{
		ID:       JobID(stage, objectID),
		Stage:    stage,
		ObjectID: objectID,
		SIPID:    sipID,
	})
}

// EnqueuePlanner schedules the deferred enqueue planner. Its fixed job
// id keeps at most one planner job scheduled at a time.
func (queues *Queues) EnqueuePlanner(ctx context.Context, objectCount int) (err error) {
	defer mon.Task()(&ctx)(&err)

	return queues.enqueue(ctx, Job{
		ID:    string(EnqueueObjects),
		Stage: EnqueueObjects,
		Count: objectCount,
	})
}

func (queues *Queues) enqueue(ctx context.Context, job Job) error {
	exists, err := queues.client.Exists(ctx, jobKey(job.ID)).Result()
	if err != nil {
		return Error.Wrap(err)
	}
	if exists > 0 {
		state, err := queues.client.HGet(ctx, jobKey(job.ID), "state").Result()
		if err != nil && err != redis.Nil {
			return Error.Wrap(err)
		}
		if State(state) == StateQueued || State(state) == StateStarted {
			queues.log.Debug("job already scheduled", zap.String("job_id", job.ID))
			return nil
		}
		// A failed record with the same id is superseded by the new job.
		if err := queues.deleteJob(ctx, job.ID, job.Stage); err != nil {
			return err
		}
	}

	err = queues.client.HSet(ctx, jobKey(job.ID), map[string]interface{}{
		"stage":       string(job.Stage),
		"object_id":   job.ObjectID,
		"sip_id":      job.SIPID,
		"count":       job.Count,
		"state":       string(StateQueued),
		"error":       "",
		"enqueued_at": time.Now().Unix(),
	}).Err()
	if err != nil {
		return Error.Wrap(err)
	}
	if err := queues.client.LPush(ctx, queueKey(job.Stage), job.ID).Err(); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// GetJob loads a job record by id. Returns nil when no such job exists.
func (queues *Queues) GetJob(ctx context.Context, jobID string) (_ *Job, err error) {
	defer mon.Task()(&ctx)(&err)

	fields, err := queues.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job := &Job{
		ID:    jobID,
		Stage: Stage(fields["stage"]),
		SIPID: fields["sip_id"],
		State: State(fields["state"]),
		Error: fields["error"],
	}
	job.ObjectID, _ = strconv.ParseInt(fields["object_id"], 10, 64)
	count, _ := strconv.Atoi(fields["count"])
	job.Count = count
	if unix, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.Unix(unix, 0).UTC()
	}
	if unix, err := strconv.ParseInt(fields["started_at"], 10, 64); err == nil {
		job.StartedAt = time.Unix(unix, 0).UTC()
	}
	return job, nil
}

// EnqueuedObjectIDs returns the object ids with a pending, started or
// failed job on any stage queue. The planner uses this set to avoid
// scheduling duplicates.
func (queues *Queues) EnqueuedObjectIDs(ctx context.Context) (_ map[int64]bool, err error) {
	defer mon.Task()(&ctx)(&err)

	objectIDs := make(map[int64]bool)
	for _, stage := range allStages {
		if err := queues.expireStarted(ctx, stage); err != nil {
			return nil, err
		}

		pending, err := queues.client.LRange(ctx, queueKey(stage), 0, -1).Result()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		started, err := queues.client.ZRange(ctx, startedKey(stage), 0, -1).Result()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		failed, err := queues.client.ZRange(ctx, failedKey(stage), 0, -1).Result()
		if err != nil {
			return nil, Error.Wrap(err)
		}

		for _, jobID := range pending {
			if objectID, ok := JobIDToObjectID(jobID); ok {
				objectIDs[objectID] = true
			}
		}
		for _, jobID := range started {
			if objectID, ok := JobIDToObjectID(jobID); ok {
				objectIDs[objectID] = true
			}
		}
		for _, jobID := range failed {
			if objectID, ok := JobIDToObjectID(jobID); ok {
				objectIDs[objectID] = true
			}
		}
	}
	return objectIDs, nil
}

// RunningObjectIDs returns the object ids with a currently executing
// job.
func (queues *Queues) RunningObjectIDs(ctx context.Context) (_ map[int64]bool, err error) {
	defer mon.Task()(&ctx)(&err)

	objectIDs := make(map[int64]bool)
	for _, stage := range allStages {
		if err := queues.expireStarted(ctx, stage); err != nil {
			return nil, err
		}
		started, err := queues.client.ZRange(ctx, startedKey(stage), 0, -1).Result()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		for _, jobID := range started {
			if objectID, ok := JobIDToObjectID(jobID); ok {
				objectIDs[objectID] = true
			}
		}
	}
	return objectIDs, nil
}

// ObjectIDToQueues maps each given object id to the queues it currently
// has jobs on. Objects with a failed job additionally list the virtual
// queue name "failed".
func (queues *Queues) ObjectIDToQueues(ctx context.Context, objectIDs []int64) (_ map[int64][]string, err error) {
	defer mon.Task()(&ctx)(&err)

	membership := make(map[string]map[int64]bool)
	record := func(queueName string, jobIDs []string) {
		byObject := membership[queueName]
		if byObject == nil {
			byObject = make(map[int64]bool)
			membership[queueName] = byObject
		}
		for _, jobID := range jobIDs {
			if objectID, ok := JobIDToObjectID(jobID); ok {
				byObject[objectID] = true
			}
		}
	}

	for _, stage := range allStages {
		if err := queues.expireStarted(ctx, stage); err != nil {
			return nil, err
		}
		pending, err := queues.client.LRange(ctx, queueKey(stage), 0, -1).Result()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		started, err := queues.client.ZRange(ctx, startedKey(stage), 0, -1).Result()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		failed, err := queues.client.ZRange(ctx, failedKey(stage), 0, -1).Result()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		record(string(stage), pending)
		record(string(stage), started)
		record(string(stage), failed)
		record("failed", failed)
	}

	queueNames := make([]string, 0, len(allStages)+1)
	for _, stage := range allStages {
		queueNames = append(queueNames, string(stage))
	}
	queueNames = append(queueNames, "failed")

	result := make(map[int64][]string, len(objectIDs))
	for _, objectID := range objectIDs {
		names := []string{}
		for _, queueName := range queueNames {
			if membership[queueName][objectID] {
				names = append(names, queueName)
			}
		}
		result[objectID] = names
	}
	return result, nil
}

// DeleteJobsForObject removes every job of the object across all stages
// and registries. Returns how many job records were deleted.
func (queues *Queues) DeleteJobsForObject(ctx context.Context, objectID int64) (deleted int, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, stage := range allStages {
		jobID := JobID(stage, objectID)
		exists, err := queues.client.Exists(ctx, jobKey(jobID)).Result()
		if err != nil {
			return deleted, Error.Wrap(err)
		}
		if exists == 0 {
			continue
		}
		if err := queues.deleteJob(ctx, jobID, stage); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (queues *Queues) deleteJob(ctx context.Context, jobID string, stage Stage) error {
	pipe := queues.client.TxPipeline()
	pipe.Del(ctx, jobKey(jobID))
	pipe.LRem(ctx, queueKey(stage), 0, jobID)
	pipe.ZRem(ctx, startedKey(stage), jobID)
	pipe.ZRem(ctx, failedKey(stage), jobID)
	_, err := pipe.Exec(ctx)
	return Error.Wrap(err)
}

// expireStarted moves started jobs whose execution deadline has passed
// to the failed registry.
func (queues *Queues) expireStarted(ctx context.Context, stage Stage) error {
	now := time.Now()
	expired, err := queues.client.ZRangeByScore(ctx, startedKey(stage), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return Error.Wrap(err)
	}

	for _, jobID := range expired {
		pipe := queues.client.TxPipeline()
		pipe.ZRem(ctx, startedKey(stage), jobID)
		pipe.ZAdd(ctx, failedKey(stage), redis.Z{
			Score:  float64(now.Unix()),
			Member: jobID,
		})
		pipe.HSet(ctx, jobKey(jobID),
			"state", string(StateFailed),
			"error", "job exceeded its execution deadline")
		if _, err := pipe.Exec(ctx); err != nil {
			return Error.Wrap(err)
		}
		queues.log.Warn("job expired",
			zap.String("job_id", jobID),
			zap.String("stage", string(stage)))
	}
	return nil
}
