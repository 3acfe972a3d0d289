package pasdb

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// FreezeObjects marks the given objects frozen and cancels their
// non-terminal latest packages. Returns how many objects were frozen and
// the packages that were cancelled, so the caller can archive their
// logs.
func (db *DB) FreezeObjects(ctx context.Context, objectIDs []int64, reason string, source FreezeSource) (frozen int64, cancelled []MuseumPackage, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(objectIDs) == 0 {
		return 0, nil, nil
	}

	err = db.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(`
			UPDATE museum_objects
			SET frozen = true, freeze_reason = ?, freeze_source = ?
			WHERE id IN (?)`, reason, source, objectIDs)
		if err != nil {
			return Error.Wrap(err)
		}
		result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return Error.Wrap(err)
		}
		frozen, err = result.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}

		query, args, err = sqlx.In(`
			SELECT`+packageColumns+`
			FROM museum_packages
			WHERE id IN (
				SELECT latest_package_id FROM museum_objects WHERE id IN (?)
			)
			AND museum_object_id IN (?)
			AND NOT preserved AND NOT rejected AND NOT cancelled`,
			objectIDs, objectIDs)
		if err != nil {
			return Error.Wrap(err)
		}
		if err := tx.SelectContext(ctx, &cancelled, tx.Rebind(query), args...); err != nil {
			return Error.Wrap(err)
		}

		for i := range cancelled {
			_, err := tx.ExecContext(ctx,
				tx.Rebind(`UPDATE museum_packages SET cancelled = true WHERE id = ?`),
				cancelled[i].ID)
			if err != nil {
				return Error.Wrap(err)
			}
			cancelled[i].Cancelled = true
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return frozen, cancelled, nil
}

// SetObjectFrozen marks a single object frozen without touching its
// packages. The failure path of a stage handler uses this together with
// CancelPackageBySIPID, which cancels only the attempt that failed.
func (db *DB) SetObjectFrozen(ctx context.Context, objectID int64, reason string, source FreezeSource) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.Rebind(`
		UPDATE museum_objects
		SET frozen = true, freeze_reason = ?, freeze_source = ?
		WHERE id = ?`), reason, source, objectID)
	return Error.Wrap(err)
}

// UnfreezeObjects clears the frozen state of objects matched by reason
// and/or explicit ids. When the latest package of an unfrozen object was
// not preserved, the latest-package reference is cleared so the object
// re-enters eligibility evaluation. Returns the ids of the unfrozen
// objects.
func (db *DB) UnfreezeObjects(ctx context.Context, reason string, objectIDs []int64) (unfrozen []int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			SELECT o.id, coalesce(p.preserved, false)
			FROM museum_objects o
			LEFT JOIN museum_packages p ON p.id = o.latest_package_id
			WHERE o.frozen`
		var args []interface{}
		if reason != "" {
			query += ` AND o.freeze_reason = ?`
			args = append(args, reason)
		}
		if len(objectIDs) > 0 {
			var err error
			query, args, err = sqlx.In(query+` AND o.id IN (?)`, append(args, objectIDs)...)
			if err != nil {
				return Error.Wrap(err)
			}
		}

		rows, err := tx.QueryContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return Error.Wrap(err)
		}
		type match struct {
			id        int64
			preserved bool
		}
		var matches []match
		for rows.Next() {
			var m match
			if err := rows.Scan(&m.id, &m.preserved); err != nil {
				_ = rows.Close()
				return Error.Wrap(err)
			}
			matches = append(matches, m)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return Error.Wrap(err)
		}
		if err := rows.Close(); err != nil {
			return Error.Wrap(err)
		}

		for _, m := range matches {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE museum_objects
				SET frozen = false, freeze_reason = NULL, freeze_source = NULL
				WHERE id = ?`), m.id)
			if err != nil {
				return Error.Wrap(err)
			}
			if !m.preserved {
				_, err := tx.ExecContext(ctx, tx.Rebind(`
					UPDATE museum_objects SET latest_package_id = NULL WHERE id = ?`),
					m.id)
				if err != nil {
					return Error.Wrap(err)
				}
			}
			unfrozen = append(unfrozen, m.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unfrozen, nil
}

// ResetWorkflow removes packaging attempts that were in flight but never
// uploaded, clearing the owning objects' latest-package references so
// they become eligible again. Used after restoring a database backup.
// Returns the ids of the affected objects.
func (db *DB) ResetWorkflow(ctx context.Context) (objectIDs []int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.withTx(ctx, func(tx *sqlx.Tx) error {
		type dangling struct {
			ObjectID  int64 `db:"object_id"`
			PackageID int64 `db:"package_id"`
		}
		var rows []dangling
		err := tx.SelectContext(ctx, &rows, `
			SELECT o.id AS object_id, p.id AS package_id
			FROM museum_objects o
			JOIN museum_packages p ON p.id = o.latest_package_id
			WHERE NOT p.uploaded AND (p.downloaded OR p.packaged)`)
		if err != nil {
			return Error.Wrap(err)
		}

		for _, row := range rows {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE museum_objects SET latest_package_id = NULL WHERE id = ?`),
				row.ObjectID)
			if err != nil {
				return Error.Wrap(err)
			}
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				DELETE FROM package_attachment_association
				WHERE museum_package_id = ?`), row.PackageID)
			if err != nil {
				return Error.Wrap(err)
			}
			_, err = tx.ExecContext(ctx,
				tx.Rebind(`DELETE FROM museum_packages WHERE id = ?`),
				row.PackageID)
			if err != nil {
				return Error.Wrap(err)
			}
			objectIDs = append(objectIDs, row.ObjectID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return objectIDs, nil
}
