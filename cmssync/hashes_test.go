package cmssync_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pasflow/pasflow/internal/testcontext"
	"github.com/pasflow/pasflow/pasdb"
)

func combinedHash(hashes ...string) string {
	// Order-independent: the implementation sorts before digesting.
	digest := sha256.New()
	for _, hash := range hashes {
		digest.Write([]byte(hash))
	}
	return hex.EncodeToString(digest.Sum(nil))
}

func strPtr(value string) *string { return &value }

func TestSyncHashes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db, _, syncer := openSyncTest(t, ctx)

	require.NoError(t, db.InsertObjects(ctx, []pasdb.MuseumObject{
		{ID: 1}, {ID: 2}, {ID: 3},
	}))
	require.NoError(t, db.InsertAttachments(ctx, []pasdb.MuseumAttachment{
		{ID: 100, MetadataHash: strPtr("bbbb")},
		{ID: 101, MetadataHash: strPtr("aaaa")},
		{ID: 102}, // hash not synced yet
	}))
	require.NoError(t, db.ReplaceObjectAttachments(ctx, map[int64][]int64{
		1: {100, 101},
		2: {102},
	}))

	updated, skipped, err := syncer.SyncHashes(ctx)
	require.NoError(t, err)
	// Objects 1 and 3 got a hash; 2 waits for attachment 102.
	require.Equal(t, 2, updated)
	require.Equal(t, 1, skipped)

	object, err := db.GetObject(ctx, 1)
	require.NoError(t, err)
	// Sorted before digesting, so the order of association does not
	// matter.
	require.Equal(t, combinedHash("aaaa", "bbbb"), *object.AttachmentMetadataHash)

	object, err = db.GetObject(ctx, 2)
	require.NoError(t, err)
	require.Nil(t, object.AttachmentMetadataHash)

	// No attachments maps to the empty sentinel, not null.
	object, err = db.GetObject(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "", *object.AttachmentMetadataHash)
}

func TestSyncHashesIsStable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db, _, syncer := openSyncTest(t, ctx)

	require.NoError(t, db.InsertObjects(ctx, []pasdb.MuseumObject{{ID: 1}}))
	require.NoError(t, db.InsertAttachments(ctx, []pasdb.MuseumAttachment{
		{ID: 100, MetadataHash: strPtr("aaaa")},
	}))
	require.NoError(t, db.ReplaceObjectAttachments(ctx, map[int64][]int64{
		1: {100},
	}))

	updated, _, err := syncer.SyncHashes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	// A second run finds nothing to change.
	updated, skipped, err := syncer.SyncHashes(ctx)
	require.NoError(t, err)
	require.Zero(t, updated)
	require.Zero(t, skipped)

	// An attachment update changes the combined hash.
	require.NoError(t, db.UpdateAttachmentsFromSync(ctx, []pasdb.AttachmentSyncUpdate{
		{ID: 100, MetadataHash: strPtr("cccc")},
	}))
	updated, _, err = syncer.SyncHashes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	object, err := db.GetObject(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, combinedHash("cccc"), *object.AttachmentMetadataHash)
}
