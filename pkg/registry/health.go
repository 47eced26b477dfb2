package registry

import (
	"context"
	"time"
)

// Health checks the registry store.
func (r *Registry) Health(ctx context.Context) *HealthOutput {
	storeOk := r.store.Ping(ctx) == nil

	var count int64
	if storeOk {
		n, err := r.store.Count(ctx)
		if err != nil {
			storeOk = false
		}
		count = n
	}

	status := "healthy"
	if !storeOk {
		status = "unhealthy"
	}

	return &HealthOutput{
		Status:    status,
		Checks:    HealthChecks{Store: storeOk},
		Delegates: count,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
