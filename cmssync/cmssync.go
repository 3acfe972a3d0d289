// Package cmssync keeps the local database in step with the collection
// management system.
//
// Object and attachment synchronization pull paged record streams from
// the CMS and apply them chunk by chunk; their cursors persist in the
// database so an interrupted run resumes where it stopped and the next
// full run only fetches records modified since the previous one. Hash
// synchronization is purely local: it recomputes the per-object
// attachment metadata hash from the attachment rows.
package cmssync

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/pasflow/pasflow/cms"
	"github.com/pasflow/pasflow/heartbeat"
	"github.com/pasflow/pasflow/pasdb"
)

var (
	// Error is the default error class for the cmssync package.
	Error = errs.Class("cmssync")

	mon = monkit.Package()
)

const (
	// defaultChunkSize is how many CMS records are applied per
	// transaction.
	defaultChunkSize = 500
	// hashPageSize is how many objects hash synchronization rehashes
	// per page.
	hashPageSize = 2000
)

// Sync status names; these key the persisted cursors.
const (
	SyncObjectsName     = "sync_objects"
	SyncAttachmentsName = "sync_attachments"
)

// Syncer runs the CMS synchronization tasks.
type Syncer struct {
	log       *zap.Logger
	db        *pasdb.DB
	source    cms.Source
	heartbeat *heartbeat.Monitor
	chunkSize int
}

// NewSyncer creates a Syncer. The heartbeat monitor may be nil, in
// which case no heartbeats are submitted.
func NewSyncer(log *zap.Logger, db *pasdb.DB, source cms.Source, monitor *heartbeat.Monitor) *Syncer {
	return &Syncer{
		log:       log,
		db:        db,
		source:    source,
		heartbeat: monitor,
		chunkSize: defaultChunkSize,
	}
}

// SetChunkSize changes how many records are applied per transaction.
// Tests use small sizes to exercise the chunk boundaries.
func (syncer *Syncer) SetChunkSize(size int) {
	syncer.chunkSize = size
}

func (syncer *Syncer) submitHeartbeat(ctx context.Context, source heartbeat.Source) {
	if syncer.heartbeat == nil {
		return
	}
	if err := syncer.heartbeat.Submit(ctx, source); err != nil {
		syncer.log.Warn("failed to submit heartbeat",
			zap.String("source", string(source)), zap.Error(err))
	}
}

// cursor resolves the resume point of a named sync. Without
// saveProgress the sync always performs a full sweep from the
// beginning.
func (syncer *Syncer) cursor(ctx context.Context, name string, saveProgress bool) (offset int64, modifiedSince *time.Time, err error) {
	if !saveProgress {
		return 0, nil, nil
	}
	status, err := syncer.db.GetSyncStatus(ctx, name)
	if err != nil {
		return 0, nil, err
	}
	return status.Offset, status.PrevStartSyncDate, nil
}

// SyncObjects pulls object records from the CMS and upserts them.
func (syncer *Syncer) SyncObjects(ctx context.Context, saveProgress bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	offset, modifiedSince, err := syncer.cursor(ctx, SyncObjectsName, saveProgress)
	if err != nil {
		return err
	}
	syncer.log.Info("starting object sync",
		zap.Int64("offset", offset), zap.Timep("modified_since", modifiedSince))

	iter, err := syncer.source.Objects(ctx, offset, modifiedSince)
	if err != nil {
		return Error.Wrap(err)
	}

	chunk := make([]cms.ObjectRecord, 0, syncer.chunkSize)
	total := 0
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := syncer.applyObjectChunk(ctx, chunk); err != nil {
			return err
		}
		offset += int64(len(chunk))
		total += len(chunk)
		chunk = chunk[:0]

		syncer.submitHeartbeat(ctx, heartbeat.SourceSyncObjects)
		if saveProgress {
			return syncer.db.UpdateSyncOffset(ctx, SyncObjectsName, offset)
		}
		return nil
	}

	var record cms.ObjectRecord
	for iter.Next(ctx, &record) {
		chunk = append(chunk, record)
		if len(chunk) == syncer.chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return Error.Wrap(err)
	}
	if err := flush(); err != nil {
		return err
	}

	if saveProgress {
		if err := syncer.db.FinishSyncProgress(ctx, SyncObjectsName); err != nil {
			return err
		}
	}
	syncer.log.Info("object sync finished", zap.Int("records", total))
	return nil
}

func (syncer *Syncer) applyObjectChunk(ctx context.Context, chunk []cms.ObjectRecord) error {
	ids := make([]int64, 0, len(chunk))
	for _, record := range chunk {
		ids = append(ids, record.ID)
	}
	existing, err := syncer.db.ExistingObjectIDs(ctx, ids)
	if err != nil {
		return err
	}

	var inserts []pasdb.MuseumObject
	var updates []pasdb.ObjectSyncUpdate
	attachmentsByObject := make(map[int64][]int64, len(chunk))
	var referenced []int64

	for _, record := range chunk {
		title := record.Title
		hash := record.XMLHash
		if existing[record.ID] {
			updates = append(updates, pasdb.ObjectSyncUpdate{
				ID:           record.ID,
				Title:        &title,
				ModifiedDate: record.ModifiedDate,
				MetadataHash: &hash,
			})
		} else {
			inserts = append(inserts, pasdb.MuseumObject{
				ID:           record.ID,
				Title:        &title,
				CreatedDate:  record.CreatedDate,
				ModifiedDate: record.ModifiedDate,
				MetadataHash: &hash,
			})
		}
		attachmentsByObject[record.ID] = record.MultimediaIDs
		referenced = append(referenced, record.MultimediaIDs...)
	}

	if err := syncer.db.InsertObjects(ctx, inserts); err != nil {
		return err
	}
	if err := syncer.db.UpdateObjectsFromSync(ctx, updates); err != nil {
		return err
	}
	// Cross-referenced attachments may not have been synced yet.
	if err := syncer.db.EnsureAttachments(ctx, referenced); err != nil {
		return err
	}
	return syncer.db.ReplaceObjectAttachments(ctx, attachmentsByObject)
}

// SyncAttachments pulls attachment records from the CMS and upserts
// them. Attachment modifications propagate onto the linked objects'
// modification dates, which is how attachment changes make objects
// eligible for an update SIP.
func (syncer *Syncer) SyncAttachments(ctx context.Context, saveProgress bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	offset, modifiedSince, err := syncer.cursor(ctx, SyncAttachmentsName, saveProgress)
	if err != nil {
		return err
	}
	syncer.log.Info("starting attachment sync",
		zap.Int64("offset", offset), zap.Timep("modified_since", modifiedSince))

	iter, err := syncer.source.Attachments(ctx, offset, modifiedSince)
	if err != nil {
		return Error.Wrap(err)
	}

	chunk := make([]cms.AttachmentRecord, 0, syncer.chunkSize)
	total := 0
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := syncer.applyAttachmentChunk(ctx, chunk); err != nil {
			return err
		}
		offset += int64(len(chunk))
		total += len(chunk)
		chunk = chunk[:0]

		syncer.submitHeartbeat(ctx, heartbeat.SourceSyncAttachments)
		if saveProgress {
			return syncer.db.UpdateSyncOffset(ctx, SyncAttachmentsName, offset)
		}
		return nil
	}

	var record cms.AttachmentRecord
	for iter.Next(ctx, &record) {
		chunk = append(chunk, record)
		if len(chunk) == syncer.chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return Error.Wrap(err)
	}
	if err := flush(); err != nil {
		return err
	}

	if saveProgress {
		if err := syncer.db.FinishSyncProgress(ctx, SyncAttachmentsName); err != nil {
			return err
		}
	}
	syncer.log.Info("attachment sync finished", zap.Int("records", total))
	return nil
}

func (syncer *Syncer) applyAttachmentChunk(ctx context.Context, chunk []cms.AttachmentRecord) error {
	ids := make([]int64, 0, len(chunk))
	for _, record := range chunk {
		ids = append(ids, record.ID)
	}
	existing, err := syncer.db.ExistingAttachmentIDs(ctx, ids)
	if err != nil {
		return err
	}

	var inserts []pasdb.MuseumAttachment
	var updates []pasdb.AttachmentSyncUpdate
	objectsByAttachment := make(map[int64][]int64, len(chunk))
	var referenced []int64

	for _, record := range chunk {
		filename := record.Filename
		hash := record.XMLHash
		if existing[record.ID] {
			updates = append(updates, pasdb.AttachmentSyncUpdate{
				ID:           record.ID,
				Filename:     &filename,
				CreatedDate:  record.CreatedDate,
				ModifiedDate: record.ModifiedDate,
				MetadataHash: &hash,
			})
		} else {
			inserts = append(inserts, pasdb.MuseumAttachment{
				ID:           record.ID,
				Filename:     &filename,
				CreatedDate:  record.CreatedDate,
				ModifiedDate: record.ModifiedDate,
				MetadataHash: &hash,
			})
		}
		objectsByAttachment[record.ID] = record.ObjectIDs
		referenced = append(referenced, record.ObjectIDs...)
	}

	if err := syncer.db.InsertAttachments(ctx, inserts); err != nil {
		return err
	}
	if err := syncer.db.UpdateAttachmentsFromSync(ctx, updates); err != nil {
		return err
	}
	// Cross-referenced objects may not have been synced yet.
	if err := syncer.db.EnsureObjects(ctx, referenced); err != nil {
		return err
	}
	if err := syncer.db.ReplaceAttachmentObjects(ctx, objectsByAttachment); err != nil {
		return err
	}

	// Propagate each attachment's modification onto its objects so the
	// eligibility predicate sees attachment-only changes. The date only
	// ever moves forward.
	for _, record := range chunk {
		if record.ModifiedDate == nil || len(record.ObjectIDs) == 0 {
			continue
		}
		err := syncer.db.AdvanceObjectModifiedDates(ctx, record.ObjectIDs, *record.ModifiedDate)
		if err != nil {
			return err
		}
	}
	return nil
}
