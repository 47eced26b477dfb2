package db

import (
	"context"
	"fmt"
	"log/slog"
)

const instancesLogPrefix = "db:instances"

// SaveInstance inserts or replaces the instance row for inst.Address.
func (r *Repository) SaveInstance(ctx context.Context, inst Instance) error {
	slog.Debug(fmt.Sprintf("%s - SaveInstance address=%s code=%d", instancesLogPrefix, inst.Address, inst.CodeID))

	_, err := r.pool.Exec(ctx,
		`INSERT INTO delegate_instances (address, admin, code_id, label, created)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (address) DO UPDATE
		 SET admin = EXCLUDED.admin, code_id = EXCLUDED.code_id, label = EXCLUDED.label, updated = now()`,
		inst.Address, inst.Admin, int64(inst.CodeID), inst.Label, inst.Created)
	if err != nil {
		return fmt.Errorf("%s - SaveInstance failed: %w", instancesLogPrefix, err)
	}
	return nil
}

// SetInstanceCode changes the code an instance runs. Returns an error when
// no row exists for address.
func (r *Repository) SetInstanceCode(ctx context.Context, address string, codeID uint64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE delegate_instances SET code_id = $2, updated = now() WHERE address = $1`,
		address, int64(codeID))
	if err != nil {
		return fmt.Errorf("%s - SetInstanceCode failed: %w", instancesLogPrefix, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s - SetInstanceCode: no instance at %s", instancesLogPrefix, address)
	}
	return nil
}

// DeleteInstance removes the row for address. Missing rows are ignored.
func (r *Repository) DeleteInstance(ctx context.Context, address string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM delegate_instances WHERE address = $1`, address); err != nil {
		return fmt.Errorf("%s - DeleteInstance failed: %w", instancesLogPrefix, err)
	}
	return nil
}

// ListInstances returns every instance ordered by address.
func (r *Repository) ListInstances(ctx context.Context) ([]Instance, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT address, admin, code_id, label, created
		 FROM delegate_instances
		 ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListInstances failed: %w", instancesLogPrefix, err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var (
			inst   Instance
			codeID int64
		)
		if err := rows.Scan(&inst.Address, &inst.Admin, &codeID, &inst.Label, &inst.Created); err != nil {
			return nil, fmt.Errorf("%s - scan instance failed: %w", instancesLogPrefix, err)
		}
		inst.CodeID = uint64(codeID)
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - ListInstances rows: %w", instancesLogPrefix, err)
	}
	return out, nil
}
