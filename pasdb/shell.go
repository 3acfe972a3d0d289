package pasdb

import (
	"context"
	"database/sql"
)

// QueryRows runs an arbitrary query and renders every value as a
// string, for the interactive shell. NULLs render as "NULL".
func (db *DB) QueryRows(ctx context.Context, query string) (columns []string, rows [][]string, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	defer func() { _ = result.Close() }()

	columns, err = result.Columns()
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}

	for result.Next() {
		values := make([]sql.NullString, len(columns))
		scan := make([]interface{}, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := result.Scan(scan...); err != nil {
			return nil, nil, Error.Wrap(err)
		}

		row := make([]string, len(columns))
		for i, value := range values {
			if !value.Valid {
				row[i] = "NULL"
				continue
			}
			row[i] = value.String
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return columns, rows, nil
}

// Exec runs an arbitrary statement and returns how many rows it
// affected. Used by the interactive shell.
func (db *DB) Exec(ctx context.Context, statement string) (affected int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, statement)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return affected, nil
}
