package cache

import (
	"context"
	"time"

	"possync/backend/internal/domain"
)

// StatusCache holds per-shop queue counts. Derived fields such as has_issues
// are never cached.
type StatusCache interface {
	Get(ctx context.Context, shopID string) (*domain.QueueCounts, bool, error)
	Set(ctx context.Context, shopID string, value *domain.QueueCounts, ttl time.Duration) error
	Invalidate(ctx context.Context, shopID string) error
}

type NoopStatusCache struct{}

func (NoopStatusCache) Get(_ context.Context, _ string) (*domain.QueueCounts, bool, error) {
	return nil, false, nil
}

func (NoopStatusCache) Set(_ context.Context, _ string, _ *domain.QueueCounts, _ time.Duration) error {
	return nil
}

func (NoopStatusCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
