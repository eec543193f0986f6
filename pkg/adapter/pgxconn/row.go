package pgxconn

import (
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// row adapts the first row of a dispatched Query to pgx.Row, so that
// QueryRow gets the same failover as Query.
type row struct {
	rows pgx.Rows
	err  error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return pgx.ErrNoRows
	}
	if err := r.rows.Scan(dest...); err != nil {
		return err
	}
	r.rows.Close()
	return r.rows.Err()
}

type errBatchResults struct {
	err error
}

func (b errBatchResults) Exec() (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, b.err
}

func (b errBatchResults) Query() (pgx.Rows, error) {
	return nil, b.err
}

func (b errBatchResults) QueryRow() pgx.Row {
	return &row{err: b.err}
}

func (b errBatchResults) Close() error {
	return b.err
}
