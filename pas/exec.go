package pas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// manifestName is the file inside an object's working directory where
// the packager records the state of the in-flight attempt.
const manifestName = ".package.json"

// preservationErrorPrefix marks a line on the tooling's stderr that
// reports a terminal preservation problem rather than a transient
// failure.
const preservationErrorPrefix = "PRESERVATION ERROR:"

// ExecConfig names the external packaging tools. Each tool is invoked
// as `<command> --package-dir <dir> --sip-id <id> <object-id>` and
// prints a JSON manifest on stdout.
type ExecConfig struct {
	DownloadCommand string
	CreateCommand   string
	SubmitCommand   string
	ConfirmCommand  string
}

// DefaultExecConfig returns the conventional tool names, resolved via
// PATH.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		DownloadCommand: "download-object",
		CreateCommand:   "create-sip",
		SubmitCommand:   "submit-sip",
		ConfirmCommand:  "confirm-sip",
	}
}

// manifest is the JSON document the external tools print.
type manifest struct {
	SIPFilename        string     `json:"sip_filename"`
	SIPArchivePath     string     `json:"sip_archive_path"`
	AttachmentIDs      []int64    `json:"attachment_ids"`
	ObjectModifiedDate *time.Time `json:"object_modified_date"`
}

// ExecPackager implements Packager by invoking the external packaging
// toolkit.
type ExecPackager struct {
	log    *zap.Logger
	config ExecConfig
}

// NewExecPackager creates an ExecPackager.
func NewExecPackager(log *zap.Logger, config ExecConfig) *ExecPackager {
	return &ExecPackager{log: log, config: config}
}

func (packager *ExecPackager) run(ctx context.Context, command string, objectID int64, packageDir, sipID string, extra ...string) (*PackageInfo, error) {
	args := []string{
		"--package-dir", packageDir,
		"--sip-id", sipID,
	}
	args = append(args, extra...)
	args = append(args, strconv.FormatInt(objectID, 10))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	packager.log.Debug("invoking packaging tool",
		zap.String("command", command),
		zap.Int64("object_id", objectID),
		zap.String("sip_id", sipID))

	if err := cmd.Run(); err != nil {
		if reason, ok := scanPreservationError(stderr.String()); ok {
			return nil, &PreservationError{Reason: reason}
		}
		if strings.Contains(stderr.String(), "no space left on device") {
			return nil, Error.New("%s failed: %w", command, syscall.ENOSPC)
		}
		return nil, Error.New("%s failed: %w: %s",
			command, err, strings.TrimSpace(stderr.String()))
	}

	var m manifest
	if err := json.Unmarshal(stdout.Bytes(), &m); err != nil {
		return nil, Error.New("%s produced an invalid manifest: %w", command, err)
	}
	info := &PackageInfo{
		SIPFilename:        m.SIPFilename,
		SIPArchivePath:     m.SIPArchivePath,
		AttachmentIDs:      m.AttachmentIDs,
		ObjectModifiedDate: m.ObjectModifiedDate,
	}

	if err := packager.writeManifest(objectID, packageDir, &m); err != nil {
		return nil, err
	}
	return info, nil
}

// scanPreservationError extracts a preservation error reason from the
// tooling's stderr, if one was reported.
func scanPreservationError(stderr string) (reason string, ok bool) {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, preservationErrorPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, preservationErrorPrefix)), true
		}
	}
	return "", false
}

func (packager *ExecPackager) writeManifest(objectID int64, packageDir string, m *manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return Error.Wrap(err)
	}
	dir := ObjectDir(packageDir, objectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.WriteFile(filepath.Join(dir, manifestName), data, 0o644))
}

// DownloadObject implements Packager.
func (packager *ExecPackager) DownloadObject(ctx context.Context, objectID int64, packageDir, sipID string) (*PackageInfo, error) {
	return packager.run(ctx, packager.config.DownloadCommand, objectID, packageDir, sipID)
}

// CreateSIP implements Packager.
func (packager *ExecPackager) CreateSIP(ctx context.Context, objectID int64, packageDir, sipID string, createDate time.Time, modifyDate *time.Time, update bool) (*PackageInfo, error) {
	extra := []string{"--create-date", createDate.UTC().Format(time.RFC3339)}
	if modifyDate != nil {
		extra = append(extra, "--modify-date", modifyDate.UTC().Format(time.RFC3339))
	}
	if update {
		extra = append(extra, "--update")
	}
	return packager.run(ctx, packager.config.CreateCommand, objectID, packageDir, sipID, extra...)
}

// SubmitSIP implements Packager.
func (packager *ExecPackager) SubmitSIP(ctx context.Context, objectID int64, packageDir, sipID string) (*PackageInfo, error) {
	return packager.run(ctx, packager.config.SubmitCommand, objectID, packageDir, sipID)
}

// ConfirmSIP implements Packager.
func (packager *ExecPackager) ConfirmSIP(ctx context.Context, objectID int64, packageDir, archiveDir, sipID, status string) error {
	_, err := packager.run(ctx, packager.config.ConfirmCommand, objectID, packageDir, sipID,
		"--archive-dir", archiveDir, "--status", status)
	return err
}

// LoadPackage implements Packager by reading back the manifest of the
// in-flight attempt.
func (packager *ExecPackager) LoadPackage(objectID int64, packageDir, sipID string) (*PackageInfo, error) {
	path := filepath.Join(ObjectDir(packageDir, objectID), manifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, Error.New("invalid manifest for object %d: %w", objectID, err)
	}
	return &PackageInfo{
		SIPFilename:        m.SIPFilename,
		SIPArchivePath:     m.SIPArchivePath,
		AttachmentIDs:      m.AttachmentIDs,
		ObjectModifiedDate: m.ObjectModifiedDate,
	}, nil
}

// CopyLogsToArchive implements Packager by copying every log file of
// the attempt into the archive layout.
func (packager *ExecPackager) CopyLogsToArchive(objectID int64, packageDir, archiveDir, sipID string) error {
	logDir := LogDir(packageDir, objectID)
	entries, err := os.ReadDir(logDir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return Error.Wrap(err)
	}

	info, err := packager.LoadPackage(objectID, packageDir, sipID)
	if err != nil {
		return err
	}
	target := ArchiveLogDir(archiveDir, objectID, info.SIPFilename)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return Error.Wrap(err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		err := copyFile(
			filepath.Join(logDir, entry.Name()),
			filepath.Join(target, entry.Name()))
		if err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return Error.Wrap(err)
	}
	return Error.Wrap(out.Close())
}

var _ Packager = (*ExecPackager)(nil)

// SIPFilename builds the conventional SIP archive filename of an
// attempt.
func SIPFilename(objectID int64, sipID string) string {
	return fmt.Sprintf("%d_%s.tar", objectID, sipID)
}
