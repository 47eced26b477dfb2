package registry

import (
	"context"

	"github.com/morezero/delegate-tunnel/pkg/db"
)

// PostgresStore is a Store backed by the delegates table.
type PostgresStore struct {
	repo *db.Repository
}

// NewPostgresStore creates a PostgresStore over repo.
func NewPostgresStore(repo *db.Repository) *PostgresStore {
	return &PostgresStore{repo: repo}
}

func toDBKey(k Key) db.DelegateKey {
	return db.DelegateKey{ConnectionID: k.ConnectionID, PortID: k.PortID, Principal: k.Principal}
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (string, bool, error) {
	d, err := s.repo.GetDelegate(ctx, toDBKey(key))
	if err != nil || d == nil {
		return "", false, err
	}
	return d.Delegate, true, nil
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, key Key, delegate string) (bool, error) {
	return s.repo.InsertDelegate(ctx, toDBKey(key), delegate)
}

func (s *PostgresStore) List(ctx context.Context, after *Key, limit int) ([]Record, error) {
	var cursor *db.DelegateKey
	if after != nil {
		k := toDBKey(*after)
		cursor = &k
	}
	rows, err := s.repo.ListDelegates(ctx, cursor, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, Record{Delegate: r.Delegate, Connection: r.ConnectionID, Port: r.PortID, Principal: r.Principal})
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	return s.repo.CountDelegates(ctx)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
