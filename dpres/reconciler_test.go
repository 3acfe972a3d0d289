package dpres_test

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/pasflow/pasflow/dpres"
	"github.com/pasflow/pasflow/internal/testcontext"
	"github.com/pasflow/pasflow/pas"
	"github.com/pasflow/pasflow/pasdb"
	"github.com/pasflow/pasflow/queue"
)

type fakeFile struct {
	data  []byte
	mtime time.Time
}

// fakeClient is an in-memory remote filesystem.
type fakeClient struct {
	dirs  map[string][]string
	files map[string]fakeFile

	removedDirs []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		dirs:  map[string][]string{},
		files: map[string]fakeFile{},
	}
}

// addFile registers a file, creating its parent directory chain.
func (fake *fakeClient) addFile(filePath string, mtime time.Time) {
	fake.files[filePath] = fakeFile{
		data:  []byte("report for " + filePath),
		mtime: mtime,
	}
	for {
		dir, name := path.Split(filePath)
		dir = path.Clean(dir)
		if dir == "." || dir == "/" {
			break
		}
		fake.addDirEntry(dir, name)
		filePath = dir
	}
}

func (fake *fakeClient) addDirEntry(dir, name string) {
	for _, existing := range fake.dirs[dir] {
		if existing == name {
			return
		}
	}
	fake.dirs[dir] = append(fake.dirs[dir], name)
}

func (fake *fakeClient) ListDir(dirPath string) ([]string, error) {
	entries, ok := fake.dirs[dirPath]
	if !ok {
		return nil, errs.New("no such directory: %s", dirPath)
	}
	return append([]string(nil), entries...), nil
}

func (fake *fakeClient) ModTime(filePath string) (time.Time, error) {
	file, ok := fake.files[filePath]
	if !ok {
		return time.Time{}, errs.New("no such file: %s", filePath)
	}
	return file.mtime, nil
}

func (fake *fakeClient) Download(remotePath, localPath string) error {
	file, ok := fake.files[remotePath]
	if !ok {
		return errs.New("no such file: %s", remotePath)
	}
	return os.WriteFile(localPath, file.data, 0o644)
}

func (fake *fakeClient) Remove(filePath string) error {
	if _, ok := fake.files[filePath]; !ok {
		return errs.New("not a file: %s", filePath)
	}
	delete(fake.files, filePath)
	fake.removeDirEntry(filePath)
	return nil
}

func (fake *fakeClient) RemoveDirectory(dirPath string) error {
	if entries, ok := fake.dirs[dirPath]; !ok {
		return errs.New("no such directory: %s", dirPath)
	} else if len(entries) > 0 {
		return errs.New("directory not empty: %s", dirPath)
	}
	delete(fake.dirs, dirPath)
	fake.removeDirEntry(dirPath)
	fake.removedDirs = append(fake.removedDirs, dirPath)
	return nil
}

func (fake *fakeClient) removeDirEntry(entryPath string) {
	dir, name := path.Split(entryPath)
	dir = path.Clean(dir)
	entries := fake.dirs[dir]
	for i, existing := range entries {
		if existing == name {
			fake.dirs[dir] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (fake *fakeClient) Close() error { return nil }

type reconcilerEnv struct {
	db         *pasdb.DB
	queues     *queue.Queues
	client     *fakeClient
	reconciler *dpres.Reconciler
	packageDir string
}

func openReconcilerEnv(t *testing.T, ctx *testcontext.Context) *reconcilerEnv {
	log := zaptest.NewLogger(t)

	db, err := pasdb.Open(ctx, log, "sqlite3://"+ctx.File("db", "pasflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.CreateTables(ctx))

	server := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	queues := queue.NewQueues(log, redisClient)

	client := newFakeClient()
	client.dirs["accepted"] = nil
	client.dirs["rejected"] = nil
	packageDir := ctx.Dir("packages")

	return &reconcilerEnv{
		db:         db,
		queues:     queues,
		client:     client,
		reconciler: dpres.NewReconciler(log, db, queues, client, nil, packageDir),
		packageDir: packageDir,
	}
}

// addReport places the ingest report pair of a transfer on the remote.
func (env *reconcilerEnv) addReport(status, day, sipFilename, transferID string, mtime time.Time) string {
	sipDir := path.Join(status, day, sipFilename)
	env.client.addFile(path.Join(sipDir, transferID+"-ingest-report.xml"), mtime)
	env.client.addFile(path.Join(sipDir, transferID+"-ingest-report.html"), mtime)
	return sipDir
}

func insertUploadedPackage(t *testing.T, ctx *testcontext.Context, db *pasdb.DB, objectID int64, sipID string) string {
	require.NoError(t, db.InsertObjects(ctx, []pasdb.MuseumObject{{ID: objectID}}))
	sipFilename := pas.SIPFilename(objectID, sipID)
	require.NoError(t, db.CreatePackage(ctx, &pasdb.MuseumPackage{
		SIPFilename: sipFilename, SIPID: sipID,
		CreatedDate: time.Now().UTC().Truncate(time.Second),
		Downloaded:  true, Packaged: true, Uploaded: true,
		MuseumObjectID: objectID,
	}, nil))
	return sipFilename
}

func TestSyncProcessedSIPs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openReconcilerEnv(t, ctx)

	acceptedSIP := insertUploadedPackage(t, ctx, env.db, 1, "a")
	rejectedSIP := insertUploadedPackage(t, ctx, env.db, 2, "b")

	today := time.Now().UTC().Format("2006-01-02")
	env.addReport("accepted", today, acceptedSIP, "transfer-1", time.Now())
	rejectedDir := env.addReport("rejected", today, rejectedSIP, "transfer-2", time.Now())

	// Rejected transfers keep their SIP content on the remote until the
	// reconciler cleans it up.
	transferPath := path.Join(rejectedDir, rejectedSIP)
	env.client.addFile(path.Join(transferPath, "mets.xml"), time.Now())

	updated, err := env.reconciler.SyncProcessedSIPs(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 2, updated)

	// Verdicts are persisted.
	pkg, err := env.db.GetPackageBySIPFilename(ctx, acceptedSIP)
	require.NoError(t, err)
	require.True(t, pkg.Preserved)
	pkg, err = env.db.GetPackageBySIPFilename(ctx, rejectedSIP)
	require.NoError(t, err)
	require.True(t, pkg.Rejected)

	// Reports landed in the objects' log directories.
	for _, objectID := range []int64{1, 2} {
		logDir := pas.LogDir(env.packageDir, objectID)
		_, err = os.Stat(path.Join(logDir, "ingest-report.xml"))
		require.NoError(t, err)
		_, err = os.Stat(path.Join(logDir, "ingest-report.html"))
		require.NoError(t, err)
	}

	// Status files carry the verdict for the confirm stage.
	data, err := os.ReadFile(pas.StatusFile(env.packageDir, 1, acceptedSIP))
	require.NoError(t, err)
	require.Equal(t, "accepted", string(data))
	data, err = os.ReadFile(pas.StatusFile(env.packageDir, 2, rejectedSIP))
	require.NoError(t, err)
	require.Equal(t, "rejected", string(data))

	// Confirm jobs reference the packaging attempts.
	job, err := env.queues.GetJob(ctx, queue.JobID(queue.ConfirmSIP, 1))
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "a", job.SIPID)
	job, err = env.queues.GetJob(ctx, queue.JobID(queue.ConfirmSIP, 2))
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "b", job.SIPID)

	// The rejected transfer content was removed from the remote.
	require.Contains(t, env.client.removedDirs, transferPath)
}

func TestSyncProcessedSIPsRetriesAfterReportFetchFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openReconcilerEnv(t, ctx)

	sipFilename := insertUploadedPackage(t, ctx, env.db, 1, "a")

	// Only the XML report is on the remote, so fetching the HTML one
	// fails after the verdict was discovered.
	today := time.Now().UTC().Format("2006-01-02")
	sipDir := path.Join("accepted", today, sipFilename)
	env.client.addFile(path.Join(sipDir, "transfer-1-ingest-report.xml"), time.Now())

	_, err := env.reconciler.SyncProcessedSIPs(ctx, 5)
	require.Error(t, err)

	// The package stays unconfirmed, no status file exists and no
	// confirm job was enqueued; nothing about the failed attempt is
	// terminal.
	pkg, err := env.db.GetPackageBySIPFilename(ctx, sipFilename)
	require.NoError(t, err)
	require.False(t, pkg.Preserved)
	require.False(t, pkg.Rejected)
	_, err = os.Stat(pas.StatusFile(env.packageDir, 1, sipFilename))
	require.True(t, os.IsNotExist(err))
	job, err := env.queues.GetJob(ctx, queue.JobID(queue.ConfirmSIP, 1))
	require.NoError(t, err)
	require.Nil(t, job)

	// Once the report pair is complete, the rerun picks the SIP up
	// again and confirms it.
	env.client.addFile(path.Join(sipDir, "transfer-1-ingest-report.html"), time.Now())

	updated, err := env.reconciler.SyncProcessedSIPs(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	pkg, err = env.db.GetPackageBySIPFilename(ctx, sipFilename)
	require.NoError(t, err)
	require.True(t, pkg.Preserved)
	data, err := os.ReadFile(pas.StatusFile(env.packageDir, 1, sipFilename))
	require.NoError(t, err)
	require.Equal(t, "accepted", string(data))
	job, err = env.queues.GetJob(ctx, queue.JobID(queue.ConfirmSIP, 1))
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "a", job.SIPID)
}

func TestSyncProcessedSIPsKeepsNewestTransfer(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openReconcilerEnv(t, ctx)

	sipFilename := insertUploadedPackage(t, ctx, env.db, 1, "a")

	// The SIP was first rejected, then resubmitted and accepted; the
	// newest report decides.
	today := time.Now().UTC().Format("2006-01-02")
	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	rejectedDir := env.addReport("rejected", yesterday, sipFilename, "transfer-1",
		time.Now().Add(-24*time.Hour))
	env.client.addFile(path.Join(rejectedDir, sipFilename, "mets.xml"),
		time.Now().Add(-24*time.Hour))
	env.addReport("accepted", today, sipFilename, "transfer-2", time.Now())

	updated, err := env.reconciler.SyncProcessedSIPs(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	pkg, err := env.db.GetPackageBySIPFilename(ctx, sipFilename)
	require.NoError(t, err)
	require.True(t, pkg.Preserved)
	require.False(t, pkg.Rejected)

	// The losing rejected transfer is left alone.
	require.Empty(t, env.client.removedDirs)
}

func TestSyncProcessedSIPsSkipsRecentlyConfirmed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openReconcilerEnv(t, ctx)

	// Already confirmed on a recent run.
	require.NoError(t, env.db.InsertObjects(ctx, []pasdb.MuseumObject{{ID: 1}}))
	sipFilename := pas.SIPFilename(1, "a")
	require.NoError(t, env.db.CreatePackage(ctx, &pasdb.MuseumPackage{
		SIPFilename: sipFilename, SIPID: "a",
		CreatedDate: time.Now().UTC().Truncate(time.Second),
		Preserved:   true, MuseumObjectID: 1,
	}, nil))

	// The SIP directory exists in the listing but contains nothing the
	// fake would serve; listing it would fail the test.
	today := time.Now().UTC().Format("2006-01-02")
	env.client.addDirEntry("accepted", today)
	env.client.dirs[path.Join("accepted", today)] = []string{sipFilename}

	updated, err := env.reconciler.SyncProcessedSIPs(ctx, 5)
	require.NoError(t, err)
	require.Zero(t, updated)
}

func TestSyncProcessedSIPsIgnoresUnknownSIPs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := openReconcilerEnv(t, ctx)

	today := time.Now().UTC().Format("2006-01-02")
	env.addReport("accepted", today, "ghost.tar", "transfer-1", time.Now())

	// No package matches; nothing is claimed and nothing fails.
	updated, err := env.reconciler.SyncProcessedSIPs(ctx, 5)
	require.NoError(t, err)
	require.Zero(t, updated)
}
