package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearDelegates truncates the delegates and delegate_instances tables.
// Schema is preserved.
// Intended for test environments; the registry is otherwise append-only.
func ClearDelegates(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing delegates", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE delegates, delegate_instances`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Delegates cleared", clearLogPrefix))
	return nil
}
