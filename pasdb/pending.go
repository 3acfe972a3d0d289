package pasdb

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/zeebo/errs"
)

// PendingCriteria parameterizes the preservation-eligibility decision.
// Delays and the current time are always passed in explicitly so queries
// stay deterministic under test.
type PendingCriteria struct {
	Now time.Time
	// PreservationDelay is the time an object has to exist before its
	// first preservation.
	PreservationDelay time.Duration
	// UpdateDelay is the time a modification has to settle before a
	// preserved object is packaged again.
	UpdateDelay time.Duration
}

func (criteria PendingCriteria) preservationBoundary() time.Time {
	return criteria.Now.Add(-criteria.PreservationDelay)
}

func (criteria PendingCriteria) updateBoundary() time.Time {
	return criteria.Now.Add(-criteria.UpdateDelay)
}

// sentinelTime stands in for NULL timestamps in null-safe SQL equality.
// It predates any plausible modification date.
var sentinelTime = time.Time{}

// PreservationPending decides whether the object should enter the
// workflow. latest is the object's latest package, or nil if it has
// none. The decision is true iff the object is not frozen, its metadata
// hashes are complete, and one of three branches holds:
//
//   - the object has never been packaged and its creation date has
//     passed the preservation delay (or is unknown);
//   - the latest package no longer matches the object (modification date
//     differs null-safely, the packaged modification date has passed the
//     update delay or is null, and at least one metadata hash changed);
//   - the latest package was cancelled, so the attempt may restart
//     immediately.
func (object *MuseumObject) PreservationPending(latest *MuseumPackage, criteria PendingCriteria) bool {
	if object.Frozen {
		return false
	}
	if object.MetadataHash == nil || object.AttachmentMetadataHash == nil {
		return false
	}

	if latest == nil {
		return object.CreatedDate == nil ||
			object.CreatedDate.Before(criteria.preservationBoundary())
	}

	updated := !timeEqual(latest.ObjectModifiedDate, object.ModifiedDate) &&
		(latest.ObjectModifiedDate == nil ||
			latest.ObjectModifiedDate.Before(criteria.updateBoundary())) &&
		(!stringPtrEqual(latest.MetadataHash, object.MetadataHash) ||
			!stringPtrEqual(latest.AttachmentMetadataHash, object.AttachmentMetadataHash))

	return updated || latest.Cancelled
}

// pendingJoin is the left join both eligibility queries run over.
const pendingJoin = `
	FROM museum_objects o
	LEFT JOIN museum_packages p ON p.id = o.latest_package_id
`

// pendingCondition restricts to objects that are pending preservation.
// NULL modification dates are compared through a coalesce to a sentinel
// minimum date so that NULL equals only NULL.
func pendingCondition(criteria PendingCriteria) (condition string, args []interface{}) {
	condition = `
		NOT o.frozen
		AND o.metadata_hash IS NOT NULL
		AND o.attachment_metadata_hash IS NOT NULL
		AND (
			(
				o.latest_package_id IS NULL
				AND (o.created_date IS NULL OR o.created_date < ?)
			)
			OR (
				o.latest_package_id IS NOT NULL
				AND coalesce(p.object_modified_date, ?) <> coalesce(o.modified_date, ?)
				AND (p.object_modified_date IS NULL OR p.object_modified_date < ?)
				AND (
					o.metadata_hash <> p.metadata_hash
					OR o.attachment_metadata_hash <> p.attachment_metadata_hash
				)
			)
			OR (o.latest_package_id IS NOT NULL AND p.cancelled)
		)`
	args = []interface{}{
		criteria.preservationBoundary(),
		sentinelTime, sentinelTime,
		criteria.updateBoundary(),
	}
	return condition, args
}

// notPendingCondition restricts to objects that are not pending
// preservation. Together with pendingCondition it partitions the object
// table: every object matches exactly one of the two.
func notPendingCondition(criteria PendingCriteria) (condition string, args []interface{}) {
	condition = `
		o.metadata_hash IS NULL
		OR o.attachment_metadata_hash IS NULL
		OR o.frozen
		OR (
			o.latest_package_id IS NULL
			AND coalesce(o.created_date, ?) > ?
		)
		OR (
			o.latest_package_id IS NOT NULL
			AND NOT p.cancelled
			AND (
				coalesce(p.object_modified_date, ?) = coalesce(o.modified_date, ?)
				OR coalesce(p.object_modified_date, ?) > ?
				OR (
					p.metadata_hash = o.metadata_hash
					AND p.attachment_metadata_hash = o.attachment_metadata_hash
				)
			)
		)`
	args = []interface{}{
		sentinelTime, criteria.preservationBoundary(),
		sentinelTime, sentinelTime,
		sentinelTime, criteria.updateBoundary(),
	}
	return condition, args
}

// CountPendingObjects counts the objects pending preservation.
func (db *DB) CountPendingObjects(ctx context.Context, criteria PendingCriteria) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	condition, args := pendingCondition(criteria)
	query := db.Rebind(`SELECT count(*)` + pendingJoin + `WHERE` + condition)
	if err := db.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, Error.Wrap(err)
	}
	return count, nil
}

// CountNotPendingObjects counts the objects excluded from preservation.
func (db *DB) CountNotPendingObjects(ctx context.Context, criteria PendingCriteria) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	condition, args := notPendingCondition(criteria)
	query := db.Rebind(`SELECT count(*)` + pendingJoin + `WHERE` + condition)
	if err := db.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, Error.Wrap(err)
	}
	return count, nil
}

// ForEachPendingObjectID streams the ids of objects pending
// preservation, in id order or randomly shuffled, optionally restricted
// to a set of candidate ids. Iteration stops early when fn returns
// false.
func (db *DB) ForEachPendingObjectID(
	ctx context.Context, criteria PendingCriteria,
	onlyIDs []int64, random bool,
	fn func(objectID int64) (more bool, err error),
) (err error) {
	defer mon.Task()(&ctx)(&err)

	condition, args := pendingCondition(criteria)
	query := `SELECT o.id` + pendingJoin + `WHERE` + condition

	if len(onlyIDs) > 0 {
		inCondition, inArgs, err := sqlx.In(` AND o.id IN (?)`, onlyIDs)
		if err != nil {
			return Error.Wrap(err)
		}
		query += inCondition
		args = append(args, inArgs...)
	}

	if random {
		query += ` ORDER BY random()`
	} else {
		query += ` ORDER BY o.id`
	}

	rows, err := db.db.QueryxContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var objectID int64
		if err := rows.Scan(&objectID); err != nil {
			return Error.Wrap(err)
		}
		more, err := fn(objectID)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return Error.Wrap(rows.Err())
}
