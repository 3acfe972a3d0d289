package workflow

import (
	"context"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pasflow/pasflow/pas"
	"github.com/pasflow/pasflow/pasdb"
	"github.com/pasflow/pasflow/queue"
)

// DownloadObject downloads the object's source material and opens a new
// packaging attempt for it. On success the create-sip stage is
// enqueued.
func (service *Service) DownloadObject(ctx context.Context, objectID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.queues.WithObjectLock(ctx, objectID, func(ctx context.Context) error {
		now := service.now().UTC()
		sipID := now.Format(sipIDFormat)

		info, err := service.packager.DownloadObject(ctx, objectID, service.config.PackageDir, sipID)
		if perr, ok := pas.AsPreservationError(err); ok {
			service.freezeRunningObject(ctx, objectID, sipID, perr.Reason)
			return nil
		}
		if pas.IsOutOfDiskSpace(err) {
			return Error.New(
				"out of disk space while downloading object %d; "+
					"free space under %s and retry the failed job: %w",
				objectID, service.config.PackageDir, err)
		}
		if err != nil {
			return Error.Wrap(err)
		}

		object, err := service.db.GetObject(ctx, objectID)
		if err != nil {
			return err
		}

		pkg := &pasdb.MuseumPackage{
			SIPFilename:        info.SIPFilename,
			SIPID:              sipID,
			ObjectModifiedDate: info.ObjectModifiedDate,
			CreatedDate:        now,
			// Hash snapshots decide later whether the object changed
			// after this attempt.
			MetadataHash:           object.MetadataHash,
			AttachmentMetadataHash: object.AttachmentMetadataHash,
			Downloaded:             true,
			MuseumObjectID:         objectID,
		}
		if err := service.db.CreatePackage(ctx, pkg, info.AttachmentIDs); err != nil {
			return err
		}

		return service.queues.Enqueue(ctx, queue.CreateSIP, objectID, sipID)
	})
}

// CreateSIP builds the SIP archive for a downloaded attempt and
// enqueues submission. Whether the SIP is a first submission or an
// update depends on whether the object has a previously preserved
// package.
func (service *Service) CreateSIP(ctx context.Context, objectID int64, sipID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.queues.WithObjectLock(ctx, objectID, func(ctx context.Context) error {
		_, latest, err := service.db.GetObjectWithLatestPackage(ctx, objectID)
		if err != nil {
			return err
		}
		if latest == nil || latest.SIPID != sipID {
			return Error.New("object %d has no in-flight package %s", objectID, sipID)
		}

		preserved, err := service.db.LastPreservedPackage(ctx, objectID)
		if err != nil {
			return err
		}

		createDate := latest.CreatedDate
		var modifyDate *time.Time
		update := false
		if preserved != nil {
			// The object was preserved before, so this SIP updates the
			// earlier submission.
			createDate = preserved.CreatedDate
			modified := latest.CreatedDate
			modifyDate = &modified
			update = true
		}

		info, err := service.packager.CreateSIP(
			ctx, objectID, service.config.PackageDir, sipID,
			createDate, modifyDate, update)
		if perr, ok := pas.AsPreservationError(err); ok {
			service.freezeRunningObject(ctx, objectID, sipID, perr.Reason)
			return nil
		}
		if pas.IsOutOfDiskSpace(err) {
			return Error.New(
				"out of disk space while packaging object %d; "+
					"free space under %s and retry the failed job: %w",
				objectID, service.config.PackageDir, err)
		}
		if err != nil {
			return Error.Wrap(err)
		}

		if err := service.db.MarkPackagePackaged(ctx, info.SIPFilename); err != nil {
			return err
		}
		return service.queues.Enqueue(ctx, queue.SubmitSIP, objectID, sipID)
	})
}

// SubmitSIP uploads the SIP archive to the preservation service and
// removes the local copy. Confirmation is driven by the reconciler, so
// no next stage is enqueued here.
func (service *Service) SubmitSIP(ctx context.Context, objectID int64, sipID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.queues.WithObjectLock(ctx, objectID, func(ctx context.Context) error {
		_, latest, err := service.db.GetObjectWithLatestPackage(ctx, objectID)
		if err != nil {
			return err
		}
		if latest == nil || latest.SIPID != sipID {
			return Error.New("object %d has no in-flight package %s", objectID, sipID)
		}
		if latest.Uploaded {
			return Error.New("package %s was already uploaded", latest.SIPFilename)
		}

		info, err := service.packager.SubmitSIP(ctx, objectID, service.config.PackageDir, sipID)
		if err != nil {
			return Error.Wrap(err)
		}

		if err := service.db.MarkPackageUploaded(ctx, latest.SIPFilename); err != nil {
			return err
		}

		if info.SIPArchivePath != "" {
			if err := os.Remove(info.SIPArchivePath); err != nil && !os.IsNotExist(err) {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// ConfirmSIP finalizes a processed attempt based on the verdict the
// reconciler recorded in the status file.
func (service *Service) ConfirmSIP(ctx context.Context, objectID int64, sipID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.queues.WithObjectLock(ctx, objectID, func(ctx context.Context) error {
		_, latest, err := service.db.GetObjectWithLatestPackage(ctx, objectID)
		if err != nil {
			return err
		}
		if latest == nil || latest.SIPID != sipID {
			return Error.New("object %d has no in-flight package %s", objectID, sipID)
		}

		statusPath := pas.StatusFile(service.config.PackageDir, objectID, latest.SIPFilename)
		data, err := os.ReadFile(statusPath)
		if err != nil {
			return Error.Wrap(err)
		}
		status := strings.TrimSpace(string(data))
		if status != "accepted" && status != "rejected" {
			return Error.New("package %s has invalid status %q", latest.SIPFilename, status)
		}

		err = service.packager.ConfirmSIP(
			ctx, objectID, service.config.PackageDir, service.config.ArchiveDir,
			sipID, status)
		if err != nil {
			return Error.Wrap(err)
		}

		return service.db.ConfirmPackage(ctx, latest.SIPFilename, status == "accepted")
	})
}

// freezeRunningObject freezes an object from inside a stage handler
// after the packaging tooling reported a terminal condition. The
// attempt identified by sipID is cancelled, produced logs are archived
// and the working directory is removed. Filesystem cleanup is best
// effort.
func (service *Service) freezeRunningObject(ctx context.Context, objectID int64, sipID, reason string) {
	service.log.Warn("freezing object after preservation error",
		zap.Int64("object_id", objectID),
		zap.String("sip_id", sipID),
		zap.String("reason", reason))

	err := service.db.SetObjectFrozen(ctx, objectID, reason, pasdb.FreezeSourceAutomatic)
	if err != nil {
		service.log.Error("failed to freeze object",
			zap.Int64("object_id", objectID), zap.Error(err))
		return
	}
	if _, err := service.db.CancelPackageBySIPID(ctx, objectID, sipID); err != nil {
		service.log.Error("failed to cancel package",
			zap.Int64("object_id", objectID), zap.Error(err))
	}

	err = service.packager.CopyLogsToArchive(
		objectID, service.config.PackageDir, service.config.ArchiveDir, sipID)
	if err != nil {
		service.log.Warn("failed to archive logs of frozen object",
			zap.Int64("object_id", objectID), zap.Error(err))
	}
	err = os.RemoveAll(pas.ObjectDir(service.config.PackageDir, objectID))
	if err != nil {
		service.log.Warn("failed to remove working directory of frozen object",
			zap.Int64("object_id", objectID), zap.Error(err))
	}
}
