package cmssync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"go.uber.org/zap"

	"github.com/pasflow/pasflow/heartbeat"
	"github.com/pasflow/pasflow/pasdb"
)

// SyncHashes recomputes the attachment metadata hash of every object
// from its attachments' metadata hashes. An object changes its hash
// when an attachment is added, removed or modified; the eligibility
// predicate compares the hash against the latest package's snapshot.
//
// Objects with an attachment whose own hash is still unknown are
// skipped until the attachment sync catches up. Returns how many
// objects were updated and how many skipped.
func (syncer *Syncer) SyncHashes(ctx context.Context) (updated, skipped int, err error) {
	defer mon.Task()(&ctx)(&err)

	fromID := int64(-1)
	for {
		page, err := syncer.db.ObjectHashPage(ctx, fromID, hashPageSize)
		if err != nil {
			return updated, skipped, err
		}
		if len(page) == 0 {
			break
		}
		fromID = page[len(page)-1].ID

		pageUpdated, pageSkipped, err := syncer.syncHashPage(ctx, page)
		if err != nil {
			return updated, skipped, err
		}
		updated += pageUpdated
		skipped += pageSkipped
	}

	syncer.submitHeartbeat(ctx, heartbeat.SourceSyncHashes)
	syncer.log.Info("hash sync finished",
		zap.Int("updated", updated), zap.Int("skipped", skipped))
	return updated, skipped, nil
}

func (syncer *Syncer) syncHashPage(ctx context.Context, page []pasdb.ObjectHashRow) (updated, skipped int, err error) {
	objectIDs := make([]int64, 0, len(page))
	for _, row := range page {
		objectIDs = append(objectIDs, row.ID)
	}

	// Two bulk queries instead of a per-object lookup: association rows
	// for the page, then the hashes of every referenced attachment.
	associations, err := syncer.db.ObjectAttachmentAssociations(ctx, objectIDs)
	if err != nil {
		return 0, 0, err
	}
	attachmentsByObject := make(map[int64][]int64)
	attachmentIDSet := make(map[int64]bool)
	for _, assoc := range associations {
		attachmentsByObject[assoc.ObjectID] = append(
			attachmentsByObject[assoc.ObjectID], assoc.AttachmentID)
		attachmentIDSet[assoc.AttachmentID] = true
	}
	attachmentIDs := make([]int64, 0, len(attachmentIDSet))
	for attachmentID := range attachmentIDSet {
		attachmentIDs = append(attachmentIDs, attachmentID)
	}
	attachmentRows, err := syncer.db.AttachmentHashes(ctx, attachmentIDs)
	if err != nil {
		return 0, 0, err
	}
	hashByAttachment := make(map[int64]*string, len(attachmentRows))
	for _, row := range attachmentRows {
		hashByAttachment[row.ID] = row.MetadataHash
	}

	var updates []pasdb.AttachmentHashUpdate
	for _, row := range page {
		hashes := make([]string, 0, len(attachmentsByObject[row.ID]))
		incomplete := false
		for _, attachmentID := range attachmentsByObject[row.ID] {
			hash := hashByAttachment[attachmentID]
			if hash == nil {
				incomplete = true
				break
			}
			hashes = append(hashes, *hash)
		}
		if incomplete {
			skipped++
			continue
		}

		combined := combineHashes(hashes)
		if row.AttachmentMetadataHash != nil && *row.AttachmentMetadataHash == combined {
			continue
		}
		updates = append(updates, pasdb.AttachmentHashUpdate{
			ObjectID:               row.ID,
			AttachmentMetadataHash: combined,
		})
	}

	if err := syncer.db.UpdateAttachmentMetadataHashes(ctx, updates); err != nil {
		return 0, 0, err
	}
	return len(updates), skipped, nil
}

// combineHashes reduces a set of attachment hashes to one digest that
// is independent of attachment order. An object without attachments
// maps to the empty string, distinguishing "no attachments" from
// "attachments not known yet" (null).
func combineHashes(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	sort.Strings(hashes)
	digest := sha256.New()
	for _, hash := range hashes {
		digest.Write([]byte(hash))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
