package service

import (
	"context"
	"fmt"
	"log"

	"possync/backend/internal/domain"
)

// Status summarizes the shop's queue. Counts may come from the status cache;
// HasIssues is always derived on the way out.
func (s *Service) Status(ctx context.Context, caller domain.Caller, shopID string) (domain.StatusSummary, error) {
	if shopID == "" {
		shopID = caller.ShopID
	}
	if !canAccessShop(caller, shopID) {
		return domain.StatusSummary{}, fmt.Errorf("%w: shop %q", ErrForbidden, shopID)
	}

	counts, err := s.queueCounts(ctx, shopID)
	if err != nil {
		return domain.StatusSummary{}, err
	}

	return domain.StatusSummary{
		ShopID:     shopID,
		Pending:    counts.Pending,
		Conflicts:  counts.Conflicts,
		Failed:     counts.Failed,
		LastSyncAt: counts.LastSyncAt,
		HasIssues:  counts.Conflicts > 0 || counts.Failed > 0,
	}, nil
}

func (s *Service) queueCounts(ctx context.Context, shopID string) (domain.QueueCounts, error) {
	if cached, ok, err := s.statusCache.Get(ctx, shopID); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		log.Printf("[sync] WARN: status cache read failed shop=%s: %v", shopID, err)
	}

	counts, err := s.repo.CountQueueItems(ctx, shopID)
	if err != nil {
		return domain.QueueCounts{}, err
	}
	if err := s.statusCache.Set(ctx, shopID, &counts, s.statusTTL); err != nil {
		log.Printf("[sync] WARN: status cache write failed shop=%s: %v", shopID, err)
	}
	return counts, nil
}
