package pasdb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
)

// ErrPackageExists is returned when a package with the same SIP filename
// already exists. Filenames embed the packaging timestamp at second
// granularity, so a collision means two attempts within the same second,
// which is a bug rather than a retryable condition.
var ErrPackageExists = errs.Class("package exists")

// ErrPackageNotFound is returned when a package cannot be located.
var ErrPackageNotFound = errs.Class("package not found")

const packageColumns = `
	id, sip_filename, sip_id, object_modified_date, created_date,
	metadata_hash, attachment_metadata_hash, downloaded, packaged,
	uploaded, rejected, preserved, cancelled, museum_object_id
`

// GetPackage returns the package with the given id.
func (db *DB) GetPackage(ctx context.Context, packageID int64) (_ *MuseumPackage, err error) {
	defer mon.Task()(&ctx)(&err)

	var pkg MuseumPackage
	err = db.db.GetContext(ctx, &pkg,
		db.Rebind(`SELECT`+packageColumns+`FROM museum_packages WHERE id = ?`),
		packageID)
	if err == sql.ErrNoRows {
		return nil, ErrPackageNotFound.New("id %d", packageID)
	} else if err != nil {
		return nil, Error.Wrap(err)
	}
	return &pkg, nil
}

// GetPackageBySIPFilename returns the package with the given SIP
// filename.
func (db *DB) GetPackageBySIPFilename(ctx context.Context, sipFilename string) (_ *MuseumPackage, err error) {
	defer mon.Task()(&ctx)(&err)

	var pkg MuseumPackage
	err = db.db.GetContext(ctx, &pkg,
		db.Rebind(`SELECT`+packageColumns+`FROM museum_packages WHERE sip_filename = ?`),
		sipFilename)
	if err == sql.ErrNoRows {
		return nil, ErrPackageNotFound.New("%s", sipFilename)
	} else if err != nil {
		return nil, Error.Wrap(err)
	}
	return &pkg, nil
}

// CreatePackage inserts a new packaging attempt, links its attachment
// snapshot (creating placeholder attachment rows for unknown ids) and
// points the owning object's latest-package reference at it, all in one
// transaction. Returns ErrPackageExists on a SIP filename collision.
func (db *DB) CreatePackage(ctx context.Context, pkg *MuseumPackage, attachmentIDs []int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := db.ensureIDs(ctx, "museum_attachments", attachmentIDs); err != nil {
		return err
	}

	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		var packageID int64
		insert := `
			INSERT INTO museum_packages (
				sip_filename, sip_id, object_modified_date, created_date,
				metadata_hash, attachment_metadata_hash, downloaded,
				packaged, uploaded, rejected, preserved, cancelled,
				museum_object_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		args := []interface{}{
			pkg.SIPFilename, pkg.SIPID, pkg.ObjectModifiedDate,
			pkg.CreatedDate, pkg.MetadataHash, pkg.AttachmentMetadataHash,
			pkg.Downloaded, pkg.Packaged, pkg.Uploaded, pkg.Rejected,
			pkg.Preserved, pkg.Cancelled, pkg.MuseumObjectID,
		}

		if db.impl == Postgres {
			err := tx.GetContext(ctx, &packageID,
				tx.Rebind(insert+` RETURNING id`), args...)
			if err != nil {
				return wrapUniqueViolation(err)
			}
		} else {
			result, err := tx.ExecContext(ctx, tx.Rebind(insert), args...)
			if err != nil {
				return wrapUniqueViolation(err)
			}
			packageID, err = result.LastInsertId()
			if err != nil {
				return Error.Wrap(err)
			}
		}
		pkg.ID = packageID

		for _, attachmentID := range attachmentIDs {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO package_attachment_association
					(museum_package_id, museum_attachment_id)
				VALUES (?, ?)`), packageID, attachmentID)
			if err != nil {
				return Error.Wrap(err)
			}
		}

		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE museum_objects SET latest_package_id = ? WHERE id = ?`),
			packageID, pkg.MuseumObjectID)
		return Error.Wrap(err)
	})
}

func wrapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return ErrPackageExists.Wrap(err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrPackageExists.Wrap(err)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrPackageExists.Wrap(err)
	}
	return Error.Wrap(err)
}

// LastPreservedPackage returns the most recently created preserved
// package of the object, or nil if the object has never been preserved.
func (db *DB) LastPreservedPackage(ctx context.Context, objectID int64) (_ *MuseumPackage, err error) {
	defer mon.Task()(&ctx)(&err)

	var pkg MuseumPackage
	err = db.db.GetContext(ctx, &pkg, db.Rebind(`
		SELECT`+packageColumns+`
		FROM museum_packages
		WHERE museum_object_id = ? AND preserved
		ORDER BY created_date DESC
		LIMIT 1`), objectID)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, Error.Wrap(err)
	}
	return &pkg, nil
}

// MarkPackagePackaged flags the package as packaged and repoints the
// owning object's latest-package reference at it.
func (db *DB) MarkPackagePackaged(ctx context.Context, sipFilename string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		var pkg MuseumPackage
		err := tx.GetContext(ctx, &pkg,
			tx.Rebind(`SELECT`+packageColumns+`FROM museum_packages WHERE sip_filename = ?`),
			sipFilename)
		if err == sql.ErrNoRows {
			return ErrPackageNotFound.New("%s", sipFilename)
		} else if err != nil {
			return Error.Wrap(err)
		}

		_, err = tx.ExecContext(ctx,
			tx.Rebind(`UPDATE museum_packages SET packaged = true WHERE id = ?`),
			pkg.ID)
		if err != nil {
			return Error.Wrap(err)
		}
		_, err = tx.ExecContext(ctx,
			tx.Rebind(`UPDATE museum_objects SET latest_package_id = ? WHERE id = ?`),
			pkg.ID, pkg.MuseumObjectID)
		return Error.Wrap(err)
	})
}

// MarkPackageUploaded flags the package as uploaded.
func (db *DB) MarkPackageUploaded(ctx context.Context, sipFilename string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx,
		db.Rebind(`UPDATE museum_packages SET uploaded = true WHERE sip_filename = ?`),
		sipFilename)
	return Error.Wrap(err)
}

// ConfirmPackage records the final verdict of the preservation service:
// accepted packages become preserved (and mark the owning object
// preserved), rejected ones become rejected.
func (db *DB) ConfirmPackage(ctx context.Context, sipFilename string, accepted bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		var pkg MuseumPackage
		err := tx.GetContext(ctx, &pkg,
			tx.Rebind(`SELECT`+packageColumns+`FROM museum_packages WHERE sip_filename = ?`),
			sipFilename)
		if err == sql.ErrNoRows {
			return ErrPackageNotFound.New("%s", sipFilename)
		} else if err != nil {
			return Error.Wrap(err)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE museum_packages SET preserved = ?, rejected = ? WHERE id = ?`),
			accepted, !accepted, pkg.ID)
		if err != nil {
			return Error.Wrap(err)
		}
		if accepted {
			_, err = tx.ExecContext(ctx,
				tx.Rebind(`UPDATE museum_objects SET preserved = true WHERE id = ?`),
				pkg.MuseumObjectID)
			if err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
}

// UnconfirmedPackageBySIPFilename returns the package with the given
// SIP filename that has not been confirmed yet, or nil when none
// matches.
func (db *DB) UnconfirmedPackageBySIPFilename(ctx context.Context, sipFilename string) (_ *MuseumPackage, err error) {
	defer mon.Task()(&ctx)(&err)

	var pkg MuseumPackage
	err = db.db.GetContext(ctx, &pkg, db.Rebind(`
		SELECT`+packageColumns+`
		FROM museum_packages
		WHERE sip_filename = ? AND NOT preserved AND NOT rejected`),
		sipFilename)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, Error.Wrap(err)
	}
	return &pkg, nil
}

// ClaimProcessedPackage looks up a package by SIP filename that has not
// been confirmed yet and marks it preserved or rejected. Returns nil
// without error when no unconfirmed package matches.
func (db *DB) ClaimProcessedPackage(ctx context.Context, sipFilename string, accepted bool) (_ *MuseumPackage, err error) {
	defer mon.Task()(&ctx)(&err)

	var claimed *MuseumPackage
	err = db.withTx(ctx, func(tx *sqlx.Tx) error {
		var pkg MuseumPackage
		err := tx.GetContext(ctx, &pkg, tx.Rebind(`
			SELECT`+packageColumns+`
			FROM museum_packages
			WHERE sip_filename = ? AND NOT preserved AND NOT rejected`),
			sipFilename)
		if err == sql.ErrNoRows {
			return nil
		} else if err != nil {
			return Error.Wrap(err)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE museum_packages SET preserved = ?, rejected = ? WHERE id = ?`),
			accepted, !accepted, pkg.ID)
		if err != nil {
			return Error.Wrap(err)
		}
		pkg.Preserved = accepted
		pkg.Rejected = !accepted
		claimed = &pkg
		return nil
	})
	return claimed, err
}

// RecentConfirmedSIPFilenames returns the SIP filenames of packages
// created after the cutoff that are already preserved or rejected. The
// reconciler skips these when scanning the preservation service.
func (db *DB) RecentConfirmedSIPFilenames(ctx context.Context, cutoff time.Time) (_ map[string]bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var filenames []string
	err = db.db.SelectContext(ctx, &filenames, db.Rebind(`
		SELECT sip_filename FROM museum_packages
		WHERE created_date > ? AND (preserved OR rejected)`), cutoff)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	confirmed := make(map[string]bool, len(filenames))
	for _, filename := range filenames {
		confirmed[filename] = true
	}
	return confirmed, nil
}

// CancelPackageBySIPID marks the object's latest package cancelled if it
// matches the given SIP id. Used when a running attempt is frozen.
func (db *DB) CancelPackageBySIPID(ctx context.Context, objectID int64, sipID string) (cancelled bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.Rebind(`
		UPDATE museum_packages SET cancelled = true
		WHERE sip_id = ? AND museum_object_id = ?
		AND id IN (
			SELECT latest_package_id FROM museum_objects WHERE id = ?
		)`), sipID, objectID, objectID)
	if err != nil {
		return false, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return affected > 0, nil
}
