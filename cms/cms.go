// Package cms is the boundary to the collection management system.
//
// The workflow only needs a paged, resumable view of object and
// attachment records; speaking the CMS wire protocol is out of scope.
package cms

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default error class for the cms package.
var Error = errs.Class("cms")

// ObjectRecord is one object as reported by the CMS.
type ObjectRecord struct {
	ID           int64
	Title        string
	CreatedDate  *time.Time
	ModifiedDate *time.Time
	// MultimediaIDs cross-references the attachments of this object.
	MultimediaIDs []int64
	// XMLHash is the hex digest of the object's metadata document.
	XMLHash string
}

// AttachmentRecord is one multimedia record as reported by the CMS.
type AttachmentRecord struct {
	ID           int64
	Filename     string
	CreatedDate  *time.Time
	ModifiedDate *time.Time
	// ObjectIDs cross-references the objects this attachment belongs to.
	ObjectIDs []int64
	// XMLHash is the hex digest of the attachment's metadata document.
	XMLHash string
}

// ObjectIterator pulls object records one at a time. Next returns false
// once the stream is exhausted or an error occurred; Err distinguishes
// the two.
type ObjectIterator interface {
	Next(ctx context.Context, record *ObjectRecord) bool
	Err() error
}

// AttachmentIterator pulls attachment records one at a time, with the
// same contract as ObjectIterator.
type AttachmentIterator interface {
	Next(ctx context.Context, record *AttachmentRecord) bool
	Err() error
}

// Source is a connected CMS session. Iterators restart from an offset so
// an interrupted synchronization can resume where it stopped, and accept
// a modified-since cursor so incremental runs skip unchanged records.
type Source interface {
	Objects(ctx context.Context, offset int64, modifiedSince *time.Time) (ObjectIterator, error)
	Attachments(ctx context.Context, offset int64, modifiedSince *time.Time) (AttachmentIterator, error)
	Close() error
}
