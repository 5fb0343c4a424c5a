package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

func (s *Service) GetItem(ctx context.Context, caller domain.Caller, itemID string) (domain.QueueItem, error) {
	item, err := s.getAccessibleItem(ctx, caller, itemID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	return *item, nil
}

// getAccessibleItem hides items of other shops behind ErrNotFound.
func (s *Service) getAccessibleItem(ctx context.Context, caller domain.Caller, itemID string) (*domain.QueueItem, error) {
	if itemID == "" {
		return nil, fmt.Errorf("%w: queue item id is required", store.ErrInvalidInput)
	}
	item, err := s.repo.GetQueueItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !canAccessShop(caller, item.ShopID) {
		return nil, store.ErrNotFound
	}
	return item, nil
}

func (s *Service) ListPending(ctx context.Context, caller domain.Caller, limit int) ([]domain.QueueItem, error) {
	return s.repo.ListQueueItems(ctx, store.QueueFilter{
		ShopID:   caller.ShopID,
		Statuses: []domain.QueueStatus{domain.QueueStatusPending, domain.QueueStatusFailed},
		Limit:    clampLimit(limit),
	})
}

func (s *Service) ListConflicts(ctx context.Context, caller domain.Caller, limit int) ([]domain.QueueItem, error) {
	return s.repo.ListQueueItems(ctx, store.QueueFilter{
		ShopID:   caller.ShopID,
		Statuses: []domain.QueueStatus{domain.QueueStatusConflict},
		Limit:    clampLimit(limit),
	})
}

func (s *Service) ListHistory(ctx context.Context, caller domain.Caller, limit int) ([]domain.QueueItem, error) {
	return s.repo.ListQueueItems(ctx, store.QueueFilter{
		ShopID:               caller.ShopID,
		Statuses:             []domain.QueueStatus{domain.QueueStatusCompleted},
		Limit:                clampLimit(limit),
		NewestProcessedFirst: true,
	})
}

// Retry moves a failed item back to pending. The next ProcessPending pass
// picks it up. An item left in processing longer than the stale threshold,
// typically by a worker that died mid-item, can be retried the same way.
func (s *Service) Retry(ctx context.Context, caller domain.Caller, itemID string) (domain.QueueItem, error) {
	item, err := s.getAccessibleItem(ctx, caller, itemID)
	if err != nil {
		return domain.QueueItem{}, err
	}
	from := item.Status
	switch {
	case from == domain.QueueStatusFailed:
	case s.stuckInProcessing(*item):
		log.Printf("[sync] WARN: releasing item=%s stuck in processing attempts=%d", item.ID, item.Attempts)
	default:
		return domain.QueueItem{}, fmt.Errorf("%w: only failed items can be retried, item %s is %s", store.ErrInvalidState, item.ID, item.Status)
	}

	item.Status = domain.QueueStatusPending
	item.ErrorMessage = ""
	if err := s.repo.TransitionQueueItem(ctx, *item, from); err != nil {
		return domain.QueueItem{}, err
	}

	s.invalidateStatus(ctx, item.ShopID)
	s.logAudit(ctx, caller, item.ShopID, "sync_item_retry", string(item.EntityType), item.EntityID,
		fmt.Sprintf("queue_item=%s,attempts=%d,from=%s", item.ID, item.Attempts, from))
	return *item, nil
}

// Delete removes a queue item. Items mid-processing cannot be deleted unless
// they are stale.
func (s *Service) Delete(ctx context.Context, caller domain.Caller, itemID string) error {
	item, err := s.getAccessibleItem(ctx, caller, itemID)
	if err != nil {
		return err
	}
	if item.Status == domain.QueueStatusProcessing && !s.stuckInProcessing(*item) {
		return fmt.Errorf("%w: item %s is being processed", store.ErrInvalidState, item.ID)
	}

	if err := s.repo.DeleteQueueItem(ctx, item.ID); err != nil {
		return err
	}

	s.invalidateStatus(ctx, item.ShopID)
	s.logAudit(ctx, caller, item.ShopID, "sync_item_delete", string(item.EntityType), item.EntityID,
		fmt.Sprintf("queue_item=%s,status=%s", item.ID, item.Status))
	return nil
}

// stuckInProcessing reports a processing item whose last attempt started
// longer ago than the stale threshold.
func (s *Service) stuckInProcessing(item domain.QueueItem) bool {
	if item.Status != domain.QueueStatusProcessing {
		return false
	}
	if item.LastAttemptAt == nil {
		return true
	}
	return s.now().Sub(*item.LastAttemptAt) >= s.staleAfter
}

// ProcessPending runs one processing pass over the caller's shop, highest
// priority first, then oldest first. Items another pass claims first are
// skipped.
func (s *Service) ProcessPending(ctx context.Context, caller domain.Caller, limit int) (domain.ProcessPendingResult, error) {
	items, err := s.repo.ListQueueItems(ctx, store.QueueFilter{
		ShopID:   caller.ShopID,
		Statuses: []domain.QueueStatus{domain.QueueStatusPending},
		Limit:    clampLimit(limit),
	})
	if err != nil {
		return domain.ProcessPendingResult{}, err
	}

	result := domain.ProcessPendingResult{
		Completed: make([]domain.PushItemResult, 0, len(items)),
		Conflicts: make([]domain.PushItemResult, 0),
		Errors:    make([]domain.PushError, 0),
	}
	for i, item := range items {
		processed, err := s.processItem(ctx, caller, item)
		if errors.Is(err, errAlreadyClaimed) {
			continue
		}
		result.Processed++
		switch {
		case err != nil:
			result.Errors = append(result.Errors, domain.PushError{
				Index:       i,
				QueueItemID: processed.ID,
				EntityType:  string(processed.EntityType),
				EntityID:    processed.EntityID,
				Error:       err.Error(),
			})
		case processed.Status == domain.QueueStatusConflict:
			result.Conflicts = append(result.Conflicts, itemResult(processed))
		default:
			result.Completed = append(result.Completed, itemResult(processed))
		}
	}

	if len(items) > 0 {
		s.invalidateStatus(ctx, caller.ShopID)
	}
	return result, nil
}

// IsClientError reports whether err should be surfaced to the caller as a
// request problem rather than a server fault.
func IsClientError(err error) bool {
	return errors.Is(err, store.ErrInvalidInput) || errors.Is(err, store.ErrInvalidState)
}
