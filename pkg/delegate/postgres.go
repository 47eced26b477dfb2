package delegate

import (
	"context"

	"github.com/morezero/delegate-tunnel/pkg/db"
)

// PostgresStore is a Store backed by the delegate_instances table.
type PostgresStore struct {
	repo *db.Repository
}

// NewPostgresStore creates a PostgresStore over repo.
func NewPostgresStore(repo *db.Repository) *PostgresStore {
	return &PostgresStore{repo: repo}
}

func (s *PostgresStore) Load(ctx context.Context) ([]Instance, error) {
	rows, err := s.repo.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Instance, 0, len(rows))
	for _, row := range rows {
		out = append(out, Instance(row))
	}
	return out, nil
}

func (s *PostgresStore) Save(ctx context.Context, inst Instance) error {
	return s.repo.SaveInstance(ctx, db.Instance(inst))
}

func (s *PostgresStore) SetCode(ctx context.Context, address string, codeID uint64) error {
	return s.repo.SetInstanceCode(ctx, address, codeID)
}

func (s *PostgresStore) Delete(ctx context.Context, address string) error {
	return s.repo.DeleteInstance(ctx, address)
}
