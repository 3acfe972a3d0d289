package pasdb

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// ExistingAttachmentIDs returns which of the given ids already have rows.
func (db *DB) ExistingAttachmentIDs(ctx context.Context, attachmentIDs []int64) (_ map[int64]bool, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.existingIDs(ctx, "museum_attachments", attachmentIDs)
}

// InsertAttachments bulk-inserts new attachment rows.
func (db *DB) InsertAttachments(ctx context.Context, attachments []MuseumAttachment) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(attachments) == 0 {
		return nil
	}

	_, err = db.db.NamedExecContext(ctx, `
		INSERT INTO museum_attachments (
			id, filename, modified_date, created_date, metadata_hash
		) VALUES (
			:id, :filename, :modified_date, :created_date, :metadata_hash
		)`, attachments)
	return Error.Wrap(err)
}

// AttachmentSyncUpdate carries the fields CMS attachment synchronization
// may change on an existing row.
type AttachmentSyncUpdate struct {
	ID           int64      `db:"id"`
	Filename     *string    `db:"filename"`
	CreatedDate  *time.Time `db:"created_date"`
	ModifiedDate *time.Time `db:"modified_date"`
	MetadataHash *string    `db:"metadata_hash"`
}

// UpdateAttachmentsFromSync applies CMS attachment updates in bulk.
func (db *DB) UpdateAttachmentsFromSync(ctx context.Context, updates []AttachmentSyncUpdate) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(updates) == 0 {
		return nil
	}

	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, `
			UPDATE museum_attachments
			SET filename = :filename, created_date = :created_date,
				modified_date = :modified_date,
				metadata_hash = :metadata_hash
			WHERE id = :id`)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = stmt.Close() }()

		for _, update := range updates {
			if _, err := stmt.ExecContext(ctx, update); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// EnsureAttachments creates placeholder rows for any of the given ids
// that do not exist yet. Placeholders are filled in by a later
// attachment sync.
func (db *DB) EnsureAttachments(ctx context.Context, attachmentIDs []int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.ensureIDs(ctx, "museum_attachments", attachmentIDs)
}

// ObjectHashRow is the projection the hash synchronization works on.
type ObjectHashRow struct {
	ID                     int64   `db:"id"`
	MetadataHash           *string `db:"metadata_hash"`
	AttachmentMetadataHash *string `db:"attachment_metadata_hash"`
}

// ObjectHashPage returns up to limit objects with id greater than
// fromID, in id order. Used to walk the whole object table in pages.
func (db *DB) ObjectHashPage(ctx context.Context, fromID int64, limit int) (_ []ObjectHashRow, err error) {
	defer mon.Task()(&ctx)(&err)

	var page []ObjectHashRow
	err = db.db.SelectContext(ctx, &page, db.Rebind(`
		SELECT id, metadata_hash, attachment_metadata_hash
		FROM museum_objects
		WHERE id > ?
		ORDER BY id
		LIMIT ?`), fromID, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return page, nil
}

// ObjectAttachmentAssociation is one row of the object-attachment
// association table.
type ObjectAttachmentAssociation struct {
	ObjectID     int64 `db:"museum_object_id"`
	AttachmentID int64 `db:"museum_attachment_id"`
}

// ObjectAttachmentAssociations returns the association rows for the
// given object ids in one query, avoiding per-object lookups.
func (db *DB) ObjectAttachmentAssociations(ctx context.Context, objectIDs []int64) (_ []ObjectAttachmentAssociation, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(objectIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT museum_object_id, museum_attachment_id
		FROM object_attachment_association
		WHERE museum_object_id IN (?)`, objectIDs)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var associations []ObjectAttachmentAssociation
	err = db.db.SelectContext(ctx, &associations, db.Rebind(query), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return associations, nil
}

// AttachmentHashRow is the projection of an attachment the hash
// synchronization works on.
type AttachmentHashRow struct {
	ID           int64   `db:"id"`
	MetadataHash *string `db:"metadata_hash"`
}

// AttachmentHashes returns the metadata hashes for the given attachment
// ids in one query.
func (db *DB) AttachmentHashes(ctx context.Context, attachmentIDs []int64) (_ []AttachmentHashRow, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(attachmentIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT id, metadata_hash
		FROM museum_attachments
		WHERE id IN (?)`, attachmentIDs)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var hashes []AttachmentHashRow
	err = db.db.SelectContext(ctx, &hashes, db.Rebind(query), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return hashes, nil
}

// AttachmentHashUpdate sets a new attachment metadata hash on an object.
type AttachmentHashUpdate struct {
	ObjectID               int64  `db:"id"`
	AttachmentMetadataHash string `db:"attachment_metadata_hash"`
}

// UpdateAttachmentMetadataHashes bulk-applies recomputed attachment
// metadata hashes.
func (db *DB) UpdateAttachmentMetadataHashes(ctx context.Context, updates []AttachmentHashUpdate) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(updates) == 0 {
		return nil
	}

	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, `
			UPDATE museum_objects
			SET attachment_metadata_hash = :attachment_metadata_hash
			WHERE id = :id`)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = stmt.Close() }()

		for _, update := range updates {
			if _, err := stmt.ExecContext(ctx, update); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// GetAttachment returns the attachment with the given id, or nil when it
// does not exist.
func (db *DB) GetAttachment(ctx context.Context, attachmentID int64) (_ *MuseumAttachment, err error) {
	defer mon.Task()(&ctx)(&err)

	var attachments []MuseumAttachment
	err = db.db.SelectContext(ctx, &attachments,
		db.Rebind(`
			SELECT id, filename, modified_date, created_date, metadata_hash
			FROM museum_attachments WHERE id = ?`),
		attachmentID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(attachments) == 0 {
		return nil, nil
	}
	return &attachments[0], nil
}
