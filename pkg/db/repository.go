package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// Repository provides database access for the delegate registry.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetDelegate finds the delegate for a key. Returns nil, nil when absent.
func (r *Repository) GetDelegate(ctx context.Context, key DelegateKey) (*Delegate, error) {
	slog.Debug(fmt.Sprintf("%s - GetDelegate conn=%s port=%s principal=%s", repoLogPrefix, key.ConnectionID, key.PortID, key.Principal))

	row := r.pool.QueryRow(ctx,
		`SELECT connection_id, port_id, principal, delegate, created
		 FROM delegates
		 WHERE connection_id = $1 AND port_id = $2 AND principal = $3`,
		key.ConnectionID, key.PortID, key.Principal)

	return scanDelegate(row)
}

// InsertDelegate inserts a row unless the key already exists. inserted is
// false when a row for the key was already present; the existing row is left
// untouched.
func (r *Repository) InsertDelegate(ctx context.Context, key DelegateKey, delegate string) (inserted bool, err error) {
	slog.Info(fmt.Sprintf("%s - InsertDelegate conn=%s port=%s principal=%s delegate=%s",
		repoLogPrefix, key.ConnectionID, key.PortID, key.Principal, delegate))

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO delegates (connection_id, port_id, principal, delegate)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (connection_id, port_id, principal) DO NOTHING`,
		key.ConnectionID, key.PortID, key.Principal, delegate)
	if err != nil {
		return false, fmt.Errorf("%s - InsertDelegate failed: %w", repoLogPrefix, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDelegates returns up to limit rows in ascending key order, starting
// strictly after the given key when after is non-nil.
func (r *Repository) ListDelegates(ctx context.Context, after *DelegateKey, limit int) ([]Delegate, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = r.pool.Query(ctx,
			`SELECT connection_id, port_id, principal, delegate, created
			 FROM delegates
			 ORDER BY connection_id, port_id, principal
			 LIMIT $1`, limit)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT connection_id, port_id, principal, delegate, created
			 FROM delegates
			 WHERE (connection_id, port_id, principal) > ($1, $2, $3)
			 ORDER BY connection_id, port_id, principal
			 LIMIT $4`, after.ConnectionID, after.PortID, after.Principal, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - ListDelegates failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []Delegate
	for rows.Next() {
		var d Delegate
		if err := rows.Scan(&d.ConnectionID, &d.PortID, &d.Principal, &d.Delegate, &d.Created); err != nil {
			return nil, fmt.Errorf("%s - scan delegate from rows failed: %w", repoLogPrefix, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - ListDelegates rows: %w", repoLogPrefix, err)
	}
	return out, nil
}

// CountDelegates returns the number of registered delegates.
func (r *Repository) CountDelegates(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM delegates`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s - CountDelegates failed: %w", repoLogPrefix, err)
	}
	return n, nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanDelegate(row pgx.Row) (*Delegate, error) {
	var d Delegate
	err := row.Scan(&d.ConnectionID, &d.PortID, &d.Principal, &d.Delegate, &d.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan delegate failed: %w", repoLogPrefix, err)
	}
	return &d, nil
}
