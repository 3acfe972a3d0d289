package pasdb

import (
	"time"
)

// FreezeSource records who froze an object.
type FreezeSource string

// Freeze sources. Administrative freezes are attributed to the user,
// failure-path freezes to the workflow itself.
const (
	FreezeSourceUser      FreezeSource = "user"
	FreezeSourceAutomatic FreezeSource = "automatic"
)

// ParseFreezeSource parses the CLI spelling of a freeze source.
func ParseFreezeSource(value string) (FreezeSource, error) {
	switch FreezeSource(value) {
	case FreezeSourceUser:
		return FreezeSourceUser, nil
	case FreezeSourceAutomatic:
		return FreezeSourceAutomatic, nil
	}
	return "", Error.New("invalid freeze source %q", value)
}

// MuseumObject is one record selected for preservation in the CMS.
//
// ModifiedDate is the most recent modification of the object itself or
// any of its attachments. AttachmentMetadataHash is nil while attachment
// information is still unknown and the empty string when the object has
// no attachments.
type MuseumObject struct {
	ID        int64   `db:"id"`
	Title     *string `db:"title"`
	Preserved bool    `db:"preserved"`

	Frozen       bool          `db:"frozen"`
	FreezeReason *string       `db:"freeze_reason"`
	FreezeSource *FreezeSource `db:"freeze_source"`

	CreatedDate  *time.Time `db:"created_date"`
	ModifiedDate *time.Time `db:"modified_date"`

	MetadataHash           *string `db:"metadata_hash"`
	AttachmentMetadataHash *string `db:"attachment_metadata_hash"`

	LatestPackageID *int64 `db:"latest_package_id"`
}

// MuseumPackage is one packaging attempt of a museum object at a point
// in time. The hash columns and ObjectModifiedDate are snapshots of the
// object's values when the attempt started.
type MuseumPackage struct {
	ID          int64  `db:"id"`
	SIPFilename string `db:"sip_filename"`
	SIPID       string `db:"sip_id"`

	ObjectModifiedDate *time.Time `db:"object_modified_date"`
	CreatedDate        time.Time  `db:"created_date"`

	MetadataHash           *string `db:"metadata_hash"`
	AttachmentMetadataHash *string `db:"attachment_metadata_hash"`

	Downloaded bool `db:"downloaded"`
	Packaged   bool `db:"packaged"`
	Uploaded   bool `db:"uploaded"`
	Rejected   bool `db:"rejected"`
	Preserved  bool `db:"preserved"`
	Cancelled  bool `db:"cancelled"`

	MuseumObjectID int64 `db:"museum_object_id"`
}

// MuseumAttachment is one multimedia record, possibly shared by several
// museum objects.
type MuseumAttachment struct {
	ID           int64      `db:"id"`
	Filename     *string    `db:"filename"`
	ModifiedDate *time.Time `db:"modified_date"`
	CreatedDate  *time.Time `db:"created_date"`
	MetadataHash *string    `db:"metadata_hash"`
}

// SyncStatus is the persisted cursor of one named recurring sync.
//
// StartSyncDate is set while a run is in progress and rolls into
// PrevStartSyncDate when the run finishes; Offset is the resume point of
// an interrupted run.
type SyncStatus struct {
	Name              string     `db:"name"`
	StartSyncDate     *time.Time `db:"start_sync_date"`
	PrevStartSyncDate *time.Time `db:"prev_start_sync_date"`
	Offset            int64      `db:"offset"`
}

// timeEqual compares two nullable timestamps, treating nil as a
// distinguished value equal only to nil.
func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
