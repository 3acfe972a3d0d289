package pasdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// GetSyncStatus loads the cursor of a named sync, creating it lazily.
// When no run is in progress the current time is recorded as the start
// of a new one; it rolls into the modified-since cursor when
// FinishSyncProgress is called.
func (db *DB) GetSyncStatus(ctx context.Context, name string) (_ *SyncStatus, err error) {
	defer mon.Task()(&ctx)(&err)

	var status SyncStatus
	err = db.withTx(ctx, func(tx *sqlx.Tx) error {
		return db.getSyncStatus(ctx, tx, name, &status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (db *DB) getSyncStatus(ctx context.Context, tx *sqlx.Tx, name string, status *SyncStatus) error {
	err := tx.GetContext(ctx, status, tx.Rebind(`
		SELECT name, start_sync_date, prev_start_sync_date, "offset"
		FROM sync_statuses WHERE name = ?`), name)
	if err == sql.ErrNoRows {
		*status = SyncStatus{Name: name}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO sync_statuses (name, "offset") VALUES (?, 0)`), name)
		if err != nil {
			return Error.Wrap(err)
		}
	} else if err != nil {
		return Error.Wrap(err)
	}

	if status.StartSyncDate == nil {
		// A new synchronization run is starting; remember when, so the
		// next run only needs records modified since this date.
		started := time.Now().UTC()
		status.StartSyncDate = &started
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE sync_statuses SET start_sync_date = ? WHERE name = ?`),
			started, name)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// UpdateSyncOffset persists the resume point of an in-progress sync.
func (db *DB) UpdateSyncOffset(ctx context.Context, name string, offset int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		var status SyncStatus
		if err := db.getSyncStatus(ctx, tx, name, &status); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE sync_statuses SET "offset" = ? WHERE name = ?`),
			offset, name)
		return Error.Wrap(err)
	})
}

// FinishSyncProgress completes the current run: the run's start date
// becomes the modified-since cursor of the next run and the offset
// resets, so the next run starts from the beginning.
func (db *DB) FinishSyncProgress(ctx context.Context, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.withTx(ctx, func(tx *sqlx.Tx) error {
		var status SyncStatus
		if err := db.getSyncStatus(ctx, tx, name, &status); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE sync_statuses
			SET "offset" = 0,
				prev_start_sync_date = start_sync_date,
				start_sync_date = NULL
			WHERE name = ?`), name)
		return Error.Wrap(err)
	})
}
