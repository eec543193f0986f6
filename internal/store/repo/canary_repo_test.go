package repo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kong/db-cluster-pool/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	canary *Canary
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.canary == nil {
		return pgx.ErrNoRows
	}
	*(dest[0].(*int64)) = r.canary.ID
	*(dest[1].(*time.Time)) = r.canary.LastUpdated
	*(dest[2].(*float64)) = r.canary.DiffMS
	return nil
}

type fakeDB struct {
	tag     string
	execErr error
	replica fakeRow
	primary fakeRow
	queries []string
}

func (db *fakeDB) Exec(_ context.Context, sql string, _ ...interface{}) (pgconn.CommandTag, error) {
	db.queries = append(db.queries, sql)
	return pgconn.NewCommandTag(db.tag), db.execErr
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, _ ...interface{}) pgx.Row {
	db.queries = append(db.queries, sql)
	return db.replica
}

func (db *fakeDB) QueryRowPrimary(_ context.Context, sql string, _ ...interface{}) pgx.Row {
	db.queries = append(db.queries, sql)
	return db.primary
}

func TestCanaryRepo_Queries(t *testing.T) {
	repo := NewCanaryRepo(nil, ReplicationCanaryTable)

	query, args := repo.touchQuery()
	require.True(t, strings.HasPrefix(query, `UPDATE "replication_canary" SET "id" = `), query)
	require.Contains(t, query, `"ts" = CURRENT_TIMESTAMP`)
	require.Equal(t, []any{1}, args)

	query, args = repo.getQuery()
	require.True(t, strings.HasPrefix(query, `SELECT "id", "ts", EXTRACT(`), query)
	require.Contains(t, query, `AS "diff_ms"`)
	require.Contains(t, query, `FROM "replication_canary"`)
	require.Contains(t, query, `LIMIT 1`)
	require.Empty(t, args)
}

func TestCanaryRepo_Touch(t *testing.T) {
	now := time.Now()
	db := &fakeDB{tag: "UPDATE 1", primary: fakeRow{canary: &Canary{ID: 42, LastUpdated: now}}}
	canary, err := NewCanaryRepo(db, CanaryTable).Touch(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), canary.ID)
	require.Equal(t, now, canary.LastUpdated)
	require.Len(t, db.queries, 2)

	db = &fakeDB{tag: "UPDATE 0"}
	_, err = NewCanaryRepo(db, CanaryTable).Touch(context.Background())
	require.ErrorIs(t, err, ErrNoCanary)
	require.Len(t, db.queries, 1)

	failed := errors.New("connection reset by peer")
	_, err = NewCanaryRepo(&fakeDB{execErr: failed}, CanaryTable).Touch(context.Background())
	require.ErrorIs(t, err, failed)
}

func TestCanaryRepo_Get(t *testing.T) {
	db := &fakeDB{
		replica: fakeRow{canary: &Canary{ID: 7, DiffMS: 12.5}},
		primary: fakeRow{canary: &Canary{ID: 8}},
	}
	repo := NewCanaryRepo(db, CanaryTable)

	canary, err := repo.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), canary.ID)
	require.Equal(t, 12.5, canary.DiffMS)

	canary, err = repo.GetPrimary(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(8), canary.ID)

	_, err = NewCanaryRepo(&fakeDB{}, CanaryTable).Get(context.Background())
	require.ErrorIs(t, err, ErrNoCanary)
}

func TestCanaryRepo_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()
	dbContainer, connPool, _, err := store.SetupTestDatabase(ctx)
	if dbContainer != nil {
		defer dbContainer.Terminate(ctx)
	}
	require.NoError(t, err)
	defer connPool.Close()

	for _, table := range []string{CanaryTable, ReplicationCanaryTable} {
		t.Run(table, func(t *testing.T) {
			repo := NewCanaryRepo(connPool, table)
			before, err := repo.Get(ctx)
			require.NoError(t, err)
			written, err := repo.Touch(ctx)
			require.NoError(t, err)
			require.Equal(t, before.ID+1, written.ID)
			read, err := repo.Get(ctx)
			require.NoError(t, err)
			require.Equal(t, written.ID, read.ID)
		})
	}
}
