// Package pas is the boundary to the lower-level SIP construction tooling.
//
// The workflow never transforms file bytes itself; downloading source
// material, building the actual SIP archives, submitting them and moving
// reports into the long-term archive layout are all delegated to an
// implementation of Packager.
package pas

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default error class for the pas package.
var Error = errs.Class("pas")

// PreservationError indicates that an object cannot be preserved in its
// current state, for example because one of its files is in an unsupported
// format. It is a terminal condition for the packaging attempt: the
// workflow reacts by freezing the object instead of retrying.
type PreservationError struct {
	// Reason is a short operator-readable explanation. It becomes the
	// freeze reason of the object.
	Reason string
}

func (e *PreservationError) Error() string {
	return fmt.Sprintf("preservation error: %s", e.Reason)
}

// AsPreservationError returns the underlying PreservationError, if any.
func AsPreservationError(err error) (*PreservationError, bool) {
	var perr *PreservationError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IsOutOfDiskSpace reports whether err was caused by the package directory
// running out of space.
func IsOutOfDiskSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// PackageInfo describes one packaging attempt as reported by the external
// tooling.
type PackageInfo struct {
	// SIPFilename is the globally unique filename of the SIP archive.
	SIPFilename string
	// SIPArchivePath is the local path of the finished SIP archive, once
	// one has been produced.
	SIPArchivePath string
	// AttachmentIDs lists the attachments embedded into this attempt.
	AttachmentIDs []int64
	// ObjectModifiedDate is the modification date of the object at
	// download time, as reported by the CMS.
	ObjectModifiedDate *time.Time
}

// Packager builds, submits and confirms SIPs. Implementations wrap the
// external packaging tooling; the workflow owns all bookkeeping around it.
type Packager interface {
	// DownloadObject downloads the object and its attachments into the
	// package directory.
	DownloadObject(ctx context.Context, objectID int64, packageDir, sipID string) (*PackageInfo, error)
	// CreateSIP builds the SIP archive from a downloaded object.
	// For an update SIP modifyDate is non-nil and update is true.
	CreateSIP(ctx context.Context, objectID int64, packageDir, sipID string, createDate time.Time, modifyDate *time.Time, update bool) (*PackageInfo, error)
	// SubmitSIP uploads the SIP archive to the preservation service.
	SubmitSIP(ctx context.Context, objectID int64, packageDir, sipID string) (*PackageInfo, error)
	// ConfirmSIP moves logs and reports of an accepted or rejected SIP
	// into the archive layout and clears the working directory.
	ConfirmSIP(ctx context.Context, objectID int64, packageDir, archiveDir, sipID, status string) error
	// LoadPackage resolves an in-flight attempt from the working
	// directory without performing any work.
	LoadPackage(objectID int64, packageDir, sipID string) (*PackageInfo, error)
	// CopyLogsToArchive copies any log files produced so far into the
	// archive layout. Used when an attempt is cancelled.
	CopyLogsToArchive(objectID int64, packageDir, archiveDir, sipID string) error
}
