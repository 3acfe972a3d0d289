package workflow_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pasflow/pasflow/internal/testcontext"
	"github.com/pasflow/pasflow/pas"
	"github.com/pasflow/pasflow/pasdb"
	"github.com/pasflow/pasflow/queue"
	"github.com/pasflow/pasflow/workflow"
)

type createCall struct {
	ObjectID   int64
	SIPID      string
	CreateDate time.Time
	ModifyDate *time.Time
	Update     bool
}

// fakePackager is an in-memory Packager that reports success unless an
// error is injected for a stage.
type fakePackager struct {
	mu sync.Mutex

	downloadErr error
	createErr   error
	submitErr   error

	attachmentIDs []int64
	archivePath   string

	createCalls  []createCall
	confirmed    []string
	logsArchived []string
}

func (fake *fakePackager) info(objectID int64, sipID string) *pas.PackageInfo {
	modified := time.Now().UTC().Truncate(time.Second)
	return &pas.PackageInfo{
		SIPFilename:        pas.SIPFilename(objectID, sipID),
		SIPArchivePath:     fake.archivePath,
		AttachmentIDs:      fake.attachmentIDs,
		ObjectModifiedDate: &modified,
	}
}

func (fake *fakePackager) DownloadObject(ctx context.Context, objectID int64, packageDir, sipID string) (*pas.PackageInfo, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.downloadErr != nil {
		return nil, fake.downloadErr
	}
	return fake.info(objectID, sipID), nil
}

func (fake *fakePackager) CreateSIP(ctx context.Context, objectID int64, packageDir, sipID string, createDate time.Time, modifyDate *time.Time, update bool) (*pas.PackageInfo, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.createCalls = append(fake.createCalls, createCall{
		ObjectID:   objectID,
		SIPID:      sipID,
		CreateDate: createDate,
		ModifyDate: modifyDate,
		Update:     update,
	})
	if fake.createErr != nil {
		return nil, fake.createErr
	}
	return fake.info(objectID, sipID), nil
}

func (fake *fakePackager) SubmitSIP(ctx context.Context, objectID int64, packageDir, sipID string) (*pas.PackageInfo, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.submitErr != nil {
		return nil, fake.submitErr
	}
	return fake.info(objectID, sipID), nil
}

func (fake *fakePackager) ConfirmSIP(ctx context.Context, objectID int64, packageDir, archiveDir, sipID, status string) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.confirmed = append(fake.confirmed, status)
	return nil
}

func (fake *fakePackager) LoadPackage(objectID int64, packageDir, sipID string) (*pas.PackageInfo, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.info(objectID, sipID), nil
}

func (fake *fakePackager) CopyLogsToArchive(objectID int64, packageDir, archiveDir, sipID string) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.logsArchived = append(fake.logsArchived, sipID)
	return nil
}

type testEnv struct {
	db       *pasdb.DB
	queues   *queue.Queues
	server   *miniredis.Miniredis
	packager *fakePackager
	service  *workflow.Service
	config   workflow.Config
}

func openTestEnv(t *testing.T, ctx *testcontext.Context) *testEnv {
	log := zaptest.NewLogger(t)

	db, err := pasdb.Open(ctx, log, "sqlite3://"+ctx.File("db", "pasflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.CreateTables(ctx))

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	packager := &fakePackager{}
	queues := queue.NewQueues(log, client)
	config := workflow.Config{
		PackageDir: ctx.Dir("packages"),
		ArchiveDir: ctx.Dir("archive"),
		// Zero delays keep freshly inserted fixtures eligible.
	}
	service := workflow.NewService(log, db, queues, packager, config)

	return &testEnv{
		db:       db,
		queues:   queues,
		server:   server,
		packager: packager,
		service:  service,
		config:   config,
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func strPtr(value string) *string { return &value }

// insertEligibleObject inserts an object that qualifies for its first
// preservation.
func insertEligibleObject(t *testing.T, ctx *testcontext.Context, env *testEnv, objectID int64) {
	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, env.db.InsertObjects(ctx, []pasdb.MuseumObject{{
		ID:                     objectID,
		CreatedDate:            &created,
		ModifiedDate:           &created,
		MetadataHash:           strPtr("hash"),
		AttachmentMetadataHash: strPtr(""),
	}}))
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)

	enqueued, err := env.service.EnqueueObjects(ctx, 10, false, nil)
	require.NoError(t, err)
	require.Equal(t, 1, enqueued)

	// Stage 1: download opens the packaging attempt.
	require.NoError(t, env.service.DownloadObject(ctx, 1))

	object, latest, err := env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.True(t, latest.Downloaded)
	require.Equal(t, object.MetadataHash, latest.MetadataHash)
	sipID := latest.SIPID

	job, err := env.queues.GetJob(ctx, queue.JobID(queue.CreateSIP, 1))
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, sipID, job.SIPID)

	// Stage 2: first-time SIPs are not updates.
	require.NoError(t, env.service.CreateSIP(ctx, 1, sipID))
	require.Len(t, env.packager.createCalls, 1)
	call := env.packager.createCalls[0]
	require.False(t, call.Update)
	require.Nil(t, call.ModifyDate)
	require.True(t, call.CreateDate.Equal(latest.CreatedDate))

	_, latest, err = env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)
	require.True(t, latest.Packaged)

	// Stage 3: submit uploads and stops; confirmation comes from the
	// reconciler.
	require.NoError(t, env.service.SubmitSIP(ctx, 1, sipID))
	_, latest, err = env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)
	require.True(t, latest.Uploaded)
	job, err = env.queues.GetJob(ctx, queue.JobID(queue.ConfirmSIP, 1))
	require.NoError(t, err)
	require.Nil(t, job)

	// Stage 4: the reconciler wrote the verdict.
	statusPath := pas.StatusFile(env.config.PackageDir, 1, latest.SIPFilename)
	writeFile(t, statusPath, "accepted\n")
	require.NoError(t, env.service.ConfirmSIP(ctx, 1, sipID))

	object, latest, err = env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)
	require.True(t, object.Preserved)
	require.True(t, latest.Preserved)
	require.Equal(t, []string{"accepted"}, env.packager.confirmed)
}

func TestDownloadPreservationErrorFreezesObject(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)
	env.packager.downloadErr = &pas.PreservationError{Reason: "unsupported file format"}

	// A terminal packaging condition completes the job instead of
	// failing it.
	require.NoError(t, env.service.DownloadObject(ctx, 1))

	object, err := env.db.GetObject(ctx, 1)
	require.NoError(t, err)
	require.True(t, object.Frozen)
	require.Equal(t, "unsupported file format", *object.FreezeReason)
	require.Equal(t, pasdb.FreezeSourceAutomatic, *object.FreezeSource)
}

func TestCreateSIPPreservationErrorCancelsAttempt(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)
	require.NoError(t, env.service.DownloadObject(ctx, 1))
	_, latest, err := env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)

	env.packager.createErr = &pas.PreservationError{Reason: "invalid mets"}
	require.NoError(t, env.service.CreateSIP(ctx, 1, latest.SIPID))

	object, latest, err := env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)
	require.True(t, object.Frozen)
	require.True(t, latest.Cancelled)
	require.Equal(t, []string{latest.SIPID}, env.packager.logsArchived)
}

func TestCreateSIPBuildsUpdateAfterPreservation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)

	// An earlier attempt was preserved.
	preservedDate := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	require.NoError(t, env.db.CreatePackage(ctx, &pasdb.MuseumPackage{
		SIPFilename: "1_old.tar", SIPID: "old",
		CreatedDate: preservedDate, Preserved: true, MuseumObjectID: 1,
	}, nil))

	require.NoError(t, env.service.DownloadObject(ctx, 1))
	_, latest, err := env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, env.service.CreateSIP(ctx, 1, latest.SIPID))
	require.Len(t, env.packager.createCalls, 1)
	call := env.packager.createCalls[0]
	require.True(t, call.Update)
	require.True(t, call.CreateDate.Equal(preservedDate))
	require.NotNil(t, call.ModifyDate)
	require.True(t, call.ModifyDate.Equal(latest.CreatedDate))
}

func TestCreateSIPRejectsUnknownAttempt(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)
	require.NoError(t, env.service.DownloadObject(ctx, 1))

	err := env.service.CreateSIP(ctx, 1, "some-other-attempt")
	require.Error(t, err)
	require.Empty(t, env.packager.createCalls)
}

func TestSubmitSIPRefusesReupload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)
	require.NoError(t, env.service.DownloadObject(ctx, 1))
	_, latest, err := env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, env.db.MarkPackageUploaded(ctx, latest.SIPFilename))

	err = env.service.SubmitSIP(ctx, 1, latest.SIPID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already uploaded")
}

func TestConfirmSIPRequiresValidStatus(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)
	require.NoError(t, env.service.DownloadObject(ctx, 1))
	_, latest, err := env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)

	// Missing status file.
	require.Error(t, env.service.ConfirmSIP(ctx, 1, latest.SIPID))

	// Garbage verdict.
	statusPath := pas.StatusFile(env.config.PackageDir, 1, latest.SIPFilename)
	writeFile(t, statusPath, "pending")
	err = env.service.ConfirmSIP(ctx, 1, latest.SIPID)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid status")
	require.Empty(t, env.packager.confirmed)
}

func TestConfirmSIPRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)
	require.NoError(t, env.service.DownloadObject(ctx, 1))
	_, latest, err := env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)

	statusPath := pas.StatusFile(env.config.PackageDir, 1, latest.SIPFilename)
	writeFile(t, statusPath, "rejected")
	require.NoError(t, env.service.ConfirmSIP(ctx, 1, latest.SIPID))

	object, latest, err := env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)
	require.False(t, object.Preserved)
	require.True(t, latest.Rejected)
}

func TestFreezeObjectsRefusesRunningJobs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)

	// Simulate a running job with a live deadline.
	jobID := queue.JobID(queue.DownloadObject, 1)
	_, err := env.server.ZAdd("pasflow:started:download_object",
		float64(time.Now().Add(time.Hour).Unix()), jobID)
	require.NoError(t, err)
	env.server.HSet("pasflow:job:"+jobID,
		"stage", "download_object", "object_id", "1",
		"state", string(queue.StateStarted))

	_, _, err = env.service.FreezeObjects(
		ctx, []int64{1}, "manual", pasdb.FreezeSourceUser, true)
	require.True(t, workflow.ErrJobRunning.Has(err))

	object, err := env.db.GetObject(ctx, 1)
	require.NoError(t, err)
	require.False(t, object.Frozen)
}

func TestFreezeObjectsDeletesPendingJobs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)
	require.NoError(t, env.queues.Enqueue(ctx, queue.DownloadObject, 1, ""))

	frozen, cancelled, err := env.service.FreezeObjects(
		ctx, []int64{1}, "manual", pasdb.FreezeSourceUser, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), frozen)
	require.Zero(t, cancelled)

	enqueued, err := env.queues.EnqueuedObjectIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, enqueued)
}

func TestUnfreezeObjectsEnqueues(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)
	_, _, err := env.service.FreezeObjects(
		ctx, []int64{1}, "stuck", pasdb.FreezeSourceUser, true)
	require.NoError(t, err)

	unfrozen, err := env.service.UnfreezeObjects(ctx, "stuck", nil, true)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, unfrozen)

	job, err := env.queues.GetJob(ctx, queue.JobID(queue.DownloadObject, 1))
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestUnfreezeObjectsRequiresSelector(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	_, err := env.service.UnfreezeObjects(ctx, "", nil, false)
	require.Error(t, err)
}

func TestReenqueueObjectRequiresRejection(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)
	require.NoError(t, env.service.DownloadObject(ctx, 1))

	// The latest package is still in flight.
	err := env.service.ReenqueueObject(ctx, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already enqueued")

	// Not enqueued anymore, but not rejected either.
	_, err = env.queues.DeleteJobsForObject(ctx, 1)
	require.NoError(t, err)
	err = env.service.ReenqueueObject(ctx, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not rejected")
}

func TestReenqueueObjectRetriesRejected(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	insertEligibleObject(t, ctx, env, 1)
	require.NoError(t, env.service.DownloadObject(ctx, 1))
	_, latest, err := env.db.GetObjectWithLatestPackage(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, env.db.ConfirmPackage(ctx, latest.SIPFilename, false))
	_, err = env.queues.DeleteJobsForObject(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, env.service.ReenqueueObject(ctx, 1))

	object, err := env.db.GetObject(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, object.LatestPackageID)
	job, err := env.queues.GetJob(ctx, queue.JobID(queue.DownloadObject, 1))
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestEnqueueObjectsSkipsScheduledAndStopsAtCount(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	for id := int64(1); id <= 4; id++ {
		insertEligibleObject(t, ctx, env, id)
	}
	// Object 2 is already scheduled.
	require.NoError(t, env.queues.Enqueue(ctx, queue.CreateSIP, 2, "a"))

	enqueued, err := env.service.EnqueueObjects(ctx, 2, false, nil)
	require.NoError(t, err)
	require.Equal(t, 2, enqueued)

	// Ids are visited in order: 1 and 3 got download jobs, 4 was cut off
	// by the count.
	for id, expected := range map[int64]bool{1: true, 3: true, 4: false} {
		job, err := env.queues.GetJob(ctx, queue.JobID(queue.DownloadObject, id))
		require.NoError(t, err)
		require.Equal(t, expected, job != nil, "object %d", id)
	}

	// Nothing pending is left below the requested count.
	enqueued, err = env.service.EnqueueObjects(ctx, 10, false, nil)
	require.NoError(t, err)
	require.Equal(t, 1, enqueued)
}

func TestDeferredEnqueueObjects(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openTestEnv(t, ctx)

	require.NoError(t, env.service.DeferredEnqueueObjects(ctx, 25))

	job, err := env.queues.GetJob(ctx, "enqueue_objects")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 25, job.Count)
	require.Equal(t, queue.EnqueueObjects, job.Stage)
}
