package service

import (
	"context"
	"fmt"

	"possync/backend/internal/domain"
	"possync/backend/internal/notify"
	"possync/backend/internal/store"
)

// ResolveConflict applies an operator's decision to an item in conflict.
//
// client_wins and merge send the item back through the full pipeline, so the
// conflict check runs again and the item may land in conflict a second time if
// the server moved on. server_wins completes the item without touching
// entity data.
func (s *Service) ResolveConflict(ctx context.Context, caller domain.Caller, itemID string, resolution domain.Resolution, mergedData map[string]any) (domain.ResolutionResult, error) {
	if !resolution.Valid() {
		return domain.ResolutionResult{}, fmt.Errorf("%w: unsupported resolution %q", store.ErrInvalidInput, resolution)
	}
	if resolution == domain.ResolutionMerge && mergedData == nil {
		return domain.ResolutionResult{}, fmt.Errorf("%w: merged_data is required for merge", store.ErrInvalidInput)
	}

	item, err := s.getAccessibleItem(ctx, caller, itemID)
	if err != nil {
		return domain.ResolutionResult{}, err
	}
	if item.Status != domain.QueueStatusConflict {
		return domain.ResolutionResult{}, fmt.Errorf("%w: item %s is %s, not conflict", store.ErrInvalidState, item.ID, item.Status)
	}

	from := item.Status
	resolvedAt := s.now()
	item.Resolution = resolution
	item.ResolvedBy = caller.UserID
	item.ResolvedAt = &resolvedAt

	switch resolution {
	case domain.ResolutionServerWins:
		item.Status = domain.QueueStatusCompleted
		item.ProcessedAt = &resolvedAt
		if err := s.repo.TransitionQueueItem(ctx, *item, from); err != nil {
			return domain.ResolutionResult{}, err
		}
		s.afterResolve(ctx, caller, *item)
		return domain.ResolutionResult{Item: *item, Outcome: item.Status}, nil
	case domain.ResolutionMerge:
		item.Data = mergedData
	}

	item.Status = domain.QueueStatusPending
	if err := s.repo.TransitionQueueItem(ctx, *item, from); err != nil {
		return domain.ResolutionResult{}, err
	}

	processed, procErr := s.processItem(ctx, caller, *item)
	s.afterResolve(ctx, caller, processed)

	result := domain.ResolutionResult{Item: processed, Outcome: processed.Status}
	if procErr != nil {
		result.Error = procErr.Error()
	}
	return result, nil
}

func (s *Service) afterResolve(ctx context.Context, caller domain.Caller, item domain.QueueItem) {
	s.invalidateStatus(ctx, item.ShopID)
	s.publish(notify.EventItemResolved, item)
	s.logAudit(ctx, caller, item.ShopID, "sync_conflict_resolve", string(item.EntityType), item.EntityID,
		fmt.Sprintf("queue_item=%s,resolution=%s,outcome=%s", item.ID, item.Resolution, item.Status))
}
