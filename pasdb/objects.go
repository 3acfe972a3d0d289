package pasdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/zeebo/errs"
)

// ErrObjectNotFound is returned when an object id does not exist.
var ErrObjectNotFound = errs.Class("object not found")

const objectColumns = `
	id, title, preserved, frozen, freeze_reason, freeze_source,
	created_date, modified_date, metadata_hash, attachment_metadata_hash,
	latest_package_id
`

// GetObject returns the object with the given id.
func (db *DB) GetObject(ctx context.Context, objectID int64) (_ *MuseumObject, err error) {
	defer mon.Task()(&ctx)(&err)

	var object MuseumObject
	err = db.db.GetContext(ctx, &object,
		db.Rebind(`SELECT`+objectColumns+`FROM museum_objects WHERE id = ?`),
		objectID)
	if err == sql.ErrNoRows {
		return nil, ErrObjectNotFound.New("%d", objectID)
	} else if err != nil {
		return nil, Error.Wrap(err)
	}
	return &object, nil
}

// GetObjectWithLatestPackage returns the object together with its latest
// package, which is nil when the object has none.
func (db *DB) GetObjectWithLatestPackage(ctx context.Context, objectID int64) (_ *MuseumObject, _ *MuseumPackage, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := db.GetObject(ctx, objectID)
	if err != nil {
		return nil, nil, err
	}
	if object.LatestPackageID == nil {
		return object, nil, nil
	}
	latest, err := db.GetPackage(ctx, *object.LatestPackageID)
	if err != nil {
		return nil, nil, err
	}
	return object, latest, nil
}

// ExistingObjectIDs returns which of the given ids already have rows.
func (db *DB) ExistingObjectIDs(ctx context.Context, objectIDs []int64) (_ map[int64]bool, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.existingIDs(ctx, "museum_objects", objectIDs)
}

func (db *DB) existingIDs(ctx context.Context, table string, ids []int64) (map[int64]bool, error) {
	existing := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}

	query, args, err := sqlx.In(`SELECT id FROM `+table+` WHERE id IN (?)`, ids)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var found []int64
	if err := db.db.SelectContext(ctx, &found, db.Rebind(query), args...); err != nil {
		return nil, Error.Wrap(err)
	}
	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}

// InsertObjects bulk-inserts new object rows.
func (db *DB) InsertObjects(ctx context.Context, objects []MuseumObject) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(objects) == 0 {
		return nil
	}

	_, err = db.db.NamedExecContext(ctx, `
		INSERT INTO museum_objects (
			id, title, preserved, frozen, created_date, modified_date,
			metadata_hash, attachment_metadata_hash
		) VALUES (
			:id, :title, :preserved, :frozen, :created_date, :modified_date,
			:metadata_hash, :attachment_metadata_hash
		)`, objects)
	return Error.Wrap(err)
}

// ObjectSyncUpdate carries the fields CMS object synchronization may
// change on an existing row.
type ObjectSyncUpdate struct {
	ID           int64      `db:"id"`
	Title        *string    `db:"title"`
	ModifiedDate *time.Time `db:"modified_date"`
	MetadataHash *string    `db:"metadata_hash"`
}

// UpdateObjectsFromSync applies CMS object updates in bulk. Title and
// metadata hash are overwritten; the modification date only ever moves
// forward.
func (db *DB) UpdateObjectsFromSync(ctx context.Context, updates []ObjectSyncUpdate) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(updates) == 0 {
		return nil
	}

	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		metaStmt, err := tx.PrepareNamedContext(ctx, `
			UPDATE museum_objects
			SET title = :title, metadata_hash = :metadata_hash
			WHERE id = :id`)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = metaStmt.Close() }()

		dateStmt, err := tx.PrepareNamedContext(ctx, `
			UPDATE museum_objects
			SET modified_date = :modified_date
			WHERE id = :id
			AND (modified_date IS NULL OR modified_date < :modified_date)`)
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = dateStmt.Close() }()

		for _, update := range updates {
			if _, err := metaStmt.ExecContext(ctx, update); err != nil {
				return Error.Wrap(err)
			}
			if update.ModifiedDate == nil {
				continue
			}
			if _, err := dateStmt.ExecContext(ctx, update); err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// EnsureObjects creates placeholder rows for any of the given ids that
// do not exist yet. Placeholders are filled in by a later object sync.
func (db *DB) EnsureObjects(ctx context.Context, objectIDs []int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.ensureIDs(ctx, "museum_objects", objectIDs)
}

func (db *DB) ensureIDs(ctx context.Context, table string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	existing, err := db.existingIDs(ctx, table, ids)
	if err != nil {
		return err
	}

	insert := db.Rebind(`INSERT INTO ` + table + ` (id) VALUES (?)`)
	for _, id := range ids {
		if existing[id] {
			continue
		}
		if _, err := db.db.ExecContext(ctx, insert, id); err != nil {
			return Error.Wrap(err)
		}
		existing[id] = true
	}
	return nil
}

// ReplaceObjectAttachments atomically replaces the attachment
// cross-references of each object in the map.
func (db *DB) ReplaceObjectAttachments(ctx context.Context, attachmentsByObject map[int64][]int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		for objectID, attachmentIDs := range attachmentsByObject {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				DELETE FROM object_attachment_association
				WHERE museum_object_id = ?`), objectID)
			if err != nil {
				return Error.Wrap(err)
			}
			for _, attachmentID := range attachmentIDs {
				_, err := tx.ExecContext(ctx, tx.Rebind(`
					INSERT INTO object_attachment_association
						(museum_object_id, museum_attachment_id)
					VALUES (?, ?)`), objectID, attachmentID)
				if err != nil {
					return Error.Wrap(err)
				}
			}
		}
		return nil
	})
}

// ReplaceAttachmentObjects atomically replaces the object
// cross-references of each attachment in the map.
func (db *DB) ReplaceAttachmentObjects(ctx context.Context, objectsByAttachment map[int64][]int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		for attachmentID, objectIDs := range objectsByAttachment {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				DELETE FROM object_attachment_association
				WHERE museum_attachment_id = ?`), attachmentID)
			if err != nil {
				return Error.Wrap(err)
			}
			for _, objectID := range objectIDs {
				_, err := tx.ExecContext(ctx, tx.Rebind(`
					INSERT INTO object_attachment_association
						(museum_object_id, museum_attachment_id)
					VALUES (?, ?)`), objectID, attachmentID)
				if err != nil {
					return Error.Wrap(err)
				}
			}
		}
		return nil
	})
}

// AdvanceObjectModifiedDates moves the modification date of the given
// objects forward to the attachment's modification date, never backward.
// This is how attachment changes become visible to the eligibility
// queries.
func (db *DB) AdvanceObjectModifiedDates(ctx context.Context, objectIDs []int64, modifiedDate time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(objectIDs) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`
		UPDATE museum_objects
		SET modified_date = ?
		WHERE id IN (?)
		AND (modified_date IS NULL OR modified_date < ?)`,
		modifiedDate, objectIDs, modifiedDate)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = db.db.ExecContext(ctx, db.Rebind(query), args...)
	return Error.Wrap(err)
}

// SetLatestPackage points the object's latest-package reference at the
// given package id, or clears it when packageID is nil.
func (db *DB) SetLatestPackage(ctx context.Context, objectID int64, packageID *int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx,
		db.Rebind(`UPDATE museum_objects SET latest_package_id = ? WHERE id = ?`),
		packageID, objectID)
	return Error.Wrap(err)
}

// CountObjects returns the total number of object rows.
func (db *DB) CountObjects(ctx context.Context) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.GetContext(ctx, &count, `SELECT count(*) FROM museum_objects`)
	return count, Error.Wrap(err)
}
