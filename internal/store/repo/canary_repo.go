package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	CanaryTable            = "canary"
	ReplicationCanaryTable = "replication_canary"
)

var ErrNoCanary = errors.New("canary row is missing")

// DB is the part of pgxconn.ClusterPool the repositories need.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	QueryRowPrimary(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Canary struct {
	ID          int64     `json:"ID"`
	LastUpdated time.Time `json:"lastUpdated"`
	DiffMS      float64   `json:"diffMS"`
}

// CanaryRepo reads and bumps the single row of a canary table. Each bump
// increments id and stamps ts, so a reader can tell which write it sees.
type CanaryRepo struct {
	db    DB
	table string
}

func NewCanaryRepo(db DB, table string) *CanaryRepo {
	return &CanaryRepo{db: db, table: table}
}

func (repo CanaryRepo) touchQuery() (string, []any) {
	return sql.Dialect(dialect.Postgres).
		Update(repo.table).
		Add("id", 1).
		Set("ts", sql.Expr("CURRENT_TIMESTAMP")).
		Query()
}

func (repo CanaryRepo) getQuery() (string, []any) {
	d := sql.Dialect(dialect.Postgres)
	return d.Select("id", "ts", sql.As("EXTRACT(EPOCH FROM (CURRENT_TIMESTAMP - ts)) * 1000", "diff_ms")).
		From(d.Table(repo.table)).
		Limit(1).
		Query()
}

// Touch bumps the canary on the primary and returns the row as written.
func (repo CanaryRepo) Touch(ctx context.Context) (*Canary, error) {
	query, args := repo.touchQuery()
	tag, err := repo.db.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%s: %w", repo.table, ErrNoCanary)
	}
	return repo.GetPrimary(ctx)
}

// Get reads the canary from a replica.
func (repo CanaryRepo) Get(ctx context.Context) (*Canary, error) {
	query, args := repo.getQuery()
	return repo.scan(repo.db.QueryRow(ctx, query, args...))
}

func (repo CanaryRepo) GetPrimary(ctx context.Context) (*Canary, error) {
	query, args := repo.getQuery()
	return repo.scan(repo.db.QueryRowPrimary(ctx, query, args...))
}

func (repo CanaryRepo) scan(row pgx.Row) (*Canary, error) {
	var canary Canary
	err := row.Scan(&canary.ID, &canary.LastUpdated, &canary.DiffMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", repo.table, ErrNoCanary)
	}
	if err != nil {
		return nil, err
	}
	return &canary, nil
}
