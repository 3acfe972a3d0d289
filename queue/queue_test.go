package queue_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pasflow/pasflow/internal/testcontext"
	"github.com/pasflow/pasflow/queue"
)

func openTestQueues(t *testing.T) (*queue.Queues, *miniredis.Miniredis) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewQueues(zaptest.NewLogger(t), client), server
}

func TestJobIDConvention(t *testing.T) {
	require.Equal(t, "download_object_42", queue.JobID(queue.DownloadObject, 42))

	objectID, ok := queue.JobIDToObjectID("create_sip_1337")
	require.True(t, ok)
	require.Equal(t, int64(1337), objectID)

	_, ok = queue.JobIDToObjectID("enqueue_objects")
	require.False(t, ok)
	_, ok = queue.JobIDToObjectID("no-separator")
	require.False(t, ok)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queues, _ := openTestQueues(t)

	require.NoError(t, queues.Enqueue(ctx, queue.DownloadObject, 1, ""))
	require.NoError(t, queues.Enqueue(ctx, queue.DownloadObject, 1, ""))

	enqueued, err := queues.EnqueuedObjectIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, map[int64]bool{1: true}, enqueued)

	job, err := queues.GetJob(ctx, queue.JobID(queue.DownloadObject, 1))
	require.NoError(t, err)
	require.Equal(t, queue.StateQueued, job.State)
	require.Equal(t, int64(1), job.ObjectID)
}

func TestEnqueueCarriesSIPID(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queues, _ := openTestQueues(t)

	require.NoError(t, queues.Enqueue(ctx, queue.ConfirmSIP, 7, "20260314-120000"))

	job, err := queues.GetJob(ctx, queue.JobID(queue.ConfirmSIP, 7))
	require.NoError(t, err)
	require.Equal(t, queue.ConfirmSIP, job.Stage)
	require.Equal(t, "20260314-120000", job.SIPID)
}

func TestEnqueuePlannerSingleton(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queues, _ := openTestQueues(t)

	require.NoError(t, queues.EnqueuePlanner(ctx, 10))
	require.NoError(t, queues.EnqueuePlanner(ctx, 50))

	job, err := queues.GetJob(ctx, "enqueue_objects")
	require.NoError(t, err)
	// The second enqueue was a no-op while the first is scheduled.
	require.Equal(t, 10, job.Count)

	// The planner job id has no trailing object id, so it never shows
	// up as an enqueued object.
	enqueued, err := queues.EnqueuedObjectIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, enqueued)
}

func TestDeleteJobsForObject(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queues, _ := openTestQueues(t)

	require.NoError(t, queues.Enqueue(ctx, queue.DownloadObject, 1, ""))
	require.NoError(t, queues.Enqueue(ctx, queue.CreateSIP, 1, "a"))
	require.NoError(t, queues.Enqueue(ctx, queue.DownloadObject, 2, ""))

	deleted, err := queues.DeleteJobsForObject(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	// Deleting again finds nothing.
	deleted, err = queues.DeleteJobsForObject(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, deleted)

	enqueued, err := queues.EnqueuedObjectIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, map[int64]bool{2: true}, enqueued)
}

func TestObjectIDToQueues(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queues, server := openTestQueues(t)

	require.NoError(t, queues.Enqueue(ctx, queue.DownloadObject, 1, ""))
	require.NoError(t, queues.Enqueue(ctx, queue.SubmitSIP, 2, "a"))

	// Simulate a failed job for object 3.
	require.NoError(t, queues.Enqueue(ctx, queue.CreateSIP, 3, "a"))
	jobID := queue.JobID(queue.CreateSIP, 3)
	_, err := server.Lpop("pasflow:queue:create_sip")
	require.NoError(t, err)
	_, err = server.ZAdd("pasflow:failed:create_sip", float64(time.Now().Unix()), jobID)
	require.NoError(t, err)
	server.HSet("pasflow:job:"+jobID, "state", string(queue.StateFailed))

	mapping, err := queues.ObjectIDToQueues(ctx, []int64{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, []string{"download_object"}, mapping[1])
	require.Equal(t, []string{"submit_sip"}, mapping[2])
	require.Equal(t, []string{"create_sip", "failed"}, mapping[3])
	require.Empty(t, mapping[4])
}

func TestFailedJobIsSuperseded(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	queues, server := openTestQueues(t)

	require.NoError(t, queues.Enqueue(ctx, queue.DownloadObject, 1, ""))
	jobID := queue.JobID(queue.DownloadObject, 1)
	_, err := server.Lpop("pasflow:queue:download_object")
	require.NoError(t, err)
	_, err = server.ZAdd("pasflow:failed:download_object", float64(time.Now().Unix()), jobID)
	require.NoError(t, err)
	server.HSet("pasflow:job:"+jobID, "state", string(queue.StateFailed))
	server.HSet("pasflow:job:"+jobID, "error", "boom")

	// Enqueueing over a failed record replaces it.
	require.NoError(t, queues.Enqueue(ctx, queue.DownloadObject, 1, ""))

	job, err := queues.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, queue.StateQueued, job.State)
	require.Empty(t, job.Error)

	running, err := queues.RunningObjectIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, running)
}
