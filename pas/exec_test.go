package pas_test

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pasflow/pasflow/internal/testcontext"
	"github.com/pasflow/pasflow/pas"
)

const toolManifest = `{"sip_filename": "1_20260314-120000.tar", ` +
	`"sip_archive_path": "", "attachment_ids": [5, 6], ` +
	`"object_modified_date": "2026-03-14T11:00:00Z"}`

// writeTool creates an executable shell script standing in for one of
// the packaging tools.
func writeTool(t *testing.T, ctx *testcontext.Context, name, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script tools require a POSIX shell")
	}
	path := ctx.File("tools", name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func newPackager(t *testing.T, config pas.ExecConfig) *pas.ExecPackager {
	return pas.NewExecPackager(zaptest.NewLogger(t), config)
}

func TestExecPackagerDownload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tool := writeTool(t, ctx, "download-object", "echo '"+toolManifest+"'")
	packager := newPackager(t, pas.ExecConfig{DownloadCommand: tool})
	packageDir := ctx.Dir("packages")

	info, err := packager.DownloadObject(ctx, 1, packageDir, "20260314-120000")
	require.NoError(t, err)
	require.Equal(t, "1_20260314-120000.tar", info.SIPFilename)
	require.Equal(t, []int64{5, 6}, info.AttachmentIDs)
	require.NotNil(t, info.ObjectModifiedDate)
	expected := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	require.True(t, info.ObjectModifiedDate.Equal(expected))

	// The manifest persists, so the attempt can be resolved later
	// without re-running any tool.
	loaded, err := packager.LoadPackage(1, packageDir, "20260314-120000")
	require.NoError(t, err)
	require.Equal(t, info, loaded)
}

func TestExecPackagerPreservationError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tool := writeTool(t, ctx, "download-object",
		`echo "PRESERVATION ERROR: file format not supported" >&2; exit 1`)
	packager := newPackager(t, pas.ExecConfig{DownloadCommand: tool})

	_, err := packager.DownloadObject(ctx, 1, ctx.Dir("packages"), "a")
	perr, ok := pas.AsPreservationError(err)
	require.True(t, ok)
	require.Equal(t, "file format not supported", perr.Reason)
}

func TestExecPackagerOutOfDiskSpace(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tool := writeTool(t, ctx, "create-sip",
		`echo "tar: write failed: no space left on device" >&2; exit 1`)
	packager := newPackager(t, pas.ExecConfig{CreateCommand: tool})

	_, err := packager.CreateSIP(ctx, 1, ctx.Dir("packages"), "a",
		time.Now(), nil, false)
	require.True(t, pas.IsOutOfDiskSpace(err))
}

func TestExecPackagerToolFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tool := writeTool(t, ctx, "submit-sip",
		`echo "connection refused" >&2; exit 3`)
	packager := newPackager(t, pas.ExecConfig{SubmitCommand: tool})

	_, err := packager.SubmitSIP(ctx, 1, ctx.Dir("packages"), "a")
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
	require.False(t, pas.IsOutOfDiskSpace(err))
	_, ok := pas.AsPreservationError(err)
	require.False(t, ok)
}

func TestExecPackagerInvalidManifest(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tool := writeTool(t, ctx, "download-object", `echo "not json"`)
	packager := newPackager(t, pas.ExecConfig{DownloadCommand: tool})

	_, err := packager.DownloadObject(ctx, 1, ctx.Dir("packages"), "a")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid manifest")
}

func TestExecPackagerCreateSIPArguments(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	argsFile := ctx.File("out", "args")
	tool := writeTool(t, ctx, "create-sip", fmt.Sprintf(
		`echo "$@" > %q`+"\n"+`echo '%s'`, argsFile, toolManifest))
	packager := newPackager(t, pas.ExecConfig{CreateCommand: tool})

	createDate := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	modifyDate := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	_, err := packager.CreateSIP(ctx, 42, ctx.Dir("packages"), "20260314-120000",
		createDate, &modifyDate, true)
	require.NoError(t, err)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Fields(string(data))
	require.Contains(t, args, "--package-dir")
	require.Contains(t, args, "--sip-id")
	require.Contains(t, args, "20260314-120000")
	require.Contains(t, args, "--create-date")
	require.Contains(t, args, "2026-01-01T10:00:00Z")
	require.Contains(t, args, "--modify-date")
	require.Contains(t, args, "2026-02-01T10:00:00Z")
	require.Contains(t, args, "--update")
	// The object id is the positional argument.
	require.Equal(t, "42", args[len(args)-1])
}

func TestCopyLogsToArchive(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tool := writeTool(t, ctx, "download-object", "echo '"+toolManifest+"'")
	packager := newPackager(t, pas.ExecConfig{DownloadCommand: tool})
	packageDir := ctx.Dir("packages")
	archiveDir := ctx.Dir("archive")

	// Download writes the manifest the log archiving resolves the
	// attempt from.
	_, err := packager.DownloadObject(ctx, 1, packageDir, "20260314-120000")
	require.NoError(t, err)

	logDir := pas.LogDir(packageDir, 1)
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(logDir, "create-sip.log"), []byte("log contents"), 0o644))

	require.NoError(t, packager.CopyLogsToArchive(1, packageDir, archiveDir, "20260314-120000"))

	copied := filepath.Join(
		pas.ArchiveLogDir(archiveDir, 1, "1_20260314-120000.tar"), "create-sip.log")
	data, err := os.ReadFile(copied)
	require.NoError(t, err)
	require.Equal(t, "log contents", string(data))

	// Without a log directory there is nothing to do.
	require.NoError(t, packager.CopyLogsToArchive(99, packageDir, archiveDir, "x"))
}
