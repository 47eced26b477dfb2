package registry

import (
	"context"
	"fmt"
	"log/slog"
)

const logPrefix = "registry:registry"

const (
	defaultListLimit = 50
	maxListLimit     = 300
)

// Config holds registry configuration.
type Config struct {
	DefaultListLimit int
	MaxListLimit     int
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		DefaultListLimit: defaultListLimit,
		MaxListLimit:     maxListLimit,
	}
}

// Registry owns the delegate mapping. Only the executor writes to it.
type Registry struct {
	store  Store
	config Config
}

// NewRegistryParams holds parameters for NewRegistry.
type NewRegistryParams struct {
	Store  Store
	Config Config
}

// NewRegistry creates a new Registry instance. A nil Store selects an
// in-memory store.
func NewRegistry(params NewRegistryParams) *Registry {
	cfg := params.Config
	if cfg.DefaultListLimit <= 0 {
		cfg.DefaultListLimit = defaultListLimit
	}
	if cfg.MaxListLimit <= 0 {
		cfg.MaxListLimit = maxListLimit
	}
	if cfg.DefaultListLimit > cfg.MaxListLimit {
		cfg.DefaultListLimit = cfg.MaxListLimit
	}

	store := params.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Registry{store: store, config: cfg}
}

// Lookup returns the delegate registered for key.
func (r *Registry) Lookup(ctx context.Context, key Key) (string, bool, error) {
	addr, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("%s - lookup %s/%s/%s: %w", logPrefix, key.ConnectionID, key.PortID, key.Principal, err)
	}
	return addr, ok, nil
}

// Register records delegate for key. A key can be registered once; a second
// attempt returns a CONFLICT RegistryError and leaves the first entry intact.
func (r *Registry) Register(ctx context.Context, key Key, delegate string) error {
	inserted, err := r.store.InsertIfAbsent(ctx, key, delegate)
	if err != nil {
		return fmt.Errorf("%s - register %s/%s/%s: %w", logPrefix, key.ConnectionID, key.PortID, key.Principal, err)
	}
	if !inserted {
		return &RegistryError{
			Code:    CodeConflict,
			Message: "delegate already registered for this channel and principal",
			Details: key,
		}
	}
	slog.Info(fmt.Sprintf("%s - Registered delegate %s for %s/%s/%s", logPrefix, delegate, key.ConnectionID, key.PortID, key.Principal))
	return nil
}

// GetDelegate returns the delegate for the given triple, or NOT_FOUND.
func (r *Registry) GetDelegate(ctx context.Context, input GetDelegateInput) (*GetDelegateOutput, error) {
	key := Key(input)
	addr, ok, err := r.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &RegistryError{
			Code:    CodeNotFound,
			Message: fmt.Sprintf("no delegate for %s/%s/%s", key.ConnectionID, key.PortID, key.Principal),
		}
	}
	return &GetDelegateOutput{Delegate: addr}, nil
}

// ListDelegates returns a page of records in (connection, port, principal)
// order. The cursor is exclusive. A missing limit uses the default page
// size; larger limits are clamped to the maximum.
func (r *Registry) ListDelegates(ctx context.Context, input ListDelegatesInput) (*ListDelegatesOutput, error) {
	var after *Key
	switch len(input.StartAfter) {
	case 0:
	case 3:
		after = &Key{ConnectionID: input.StartAfter[0], PortID: input.StartAfter[1], Principal: input.StartAfter[2]}
	default:
		return nil, NewRegistryError(CodeInvalidArgument, "startAfter must be [connection, port, principal]")
	}

	limit := r.config.DefaultListLimit
	if input.Limit != nil {
		if *input.Limit < 0 {
			return nil, NewRegistryError(CodeInvalidArgument, "limit must not be negative")
		}
		limit = *input.Limit
	}
	if limit > r.config.MaxListLimit {
		limit = r.config.MaxListLimit
	}

	recs, err := r.store.List(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - list: %w", logPrefix, err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return &ListDelegatesOutput{Delegates: recs}, nil
}

// Count returns the number of registered delegates.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	return r.store.Count(ctx)
}
