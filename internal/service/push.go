package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
	"possync/backend/internal/xid"
)

// Push enqueues each change and immediately attempts to process it. Changes
// are isolated from each other: a rejected or failing change never prevents
// its siblings from being queued and applied.
func (s *Service) Push(ctx context.Context, caller domain.Caller, deviceID string, changes []domain.ChangeRecord) (domain.PushResult, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return domain.PushResult{}, fmt.Errorf("%w: device_id is required", store.ErrInvalidInput)
	}
	if len(changes) == 0 {
		return domain.PushResult{}, fmt.Errorf("%w: changes must not be empty", store.ErrInvalidInput)
	}
	if caller.ShopID == "" {
		return domain.PushResult{}, fmt.Errorf("%w: caller has no shop", ErrForbidden)
	}

	result := domain.PushResult{
		Success:   make([]domain.PushItemResult, 0, len(changes)),
		Conflicts: make([]domain.PushItemResult, 0),
		Errors:    make([]domain.PushError, 0),
	}

	type queued struct {
		index int
		item  domain.QueueItem
	}
	receivedAt := s.now()
	accepted := make([]queued, 0, len(changes))

	for i, change := range changes {
		if err := validateChange(change); err != nil {
			result.Errors = append(result.Errors, domain.PushError{
				Index:      i,
				EntityType: change.EntityType,
				EntityID:   change.EntityID,
				Error:      err.Error(),
			})
			continue
		}

		item := newQueueItem(caller, deviceID, change, receivedAt)
		created, err := s.repo.CreateQueueItem(ctx, item)
		if err != nil {
			result.Errors = append(result.Errors, domain.PushError{
				Index:      i,
				EntityType: change.EntityType,
				EntityID:   change.EntityID,
				Error:      fmt.Sprintf("enqueue: %v", err),
			})
			continue
		}
		accepted = append(accepted, queued{index: i, item: *created})
	}

	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].item.Priority > accepted[j].item.Priority
	})

	for _, q := range accepted {
		processed, err := s.processItem(ctx, caller, q.item)
		switch {
		case err != nil:
			result.Errors = append(result.Errors, domain.PushError{
				Index:       q.index,
				QueueItemID: processed.ID,
				EntityType:  string(processed.EntityType),
				EntityID:    processed.EntityID,
				Error:       err.Error(),
			})
		case processed.Status == domain.QueueStatusConflict:
			result.Conflicts = append(result.Conflicts, itemResult(processed))
		default:
			result.Success = append(result.Success, itemResult(processed))
		}
	}

	if len(accepted) > 0 {
		s.invalidateStatus(ctx, caller.ShopID)
	}

	result.Summary = domain.PushSummary{
		Total:     len(changes),
		Processed: len(result.Success),
		Conflicts: len(result.Conflicts),
		Errors:    len(result.Errors),
	}
	return result, nil
}

func validateChange(change domain.ChangeRecord) error {
	switch {
	case strings.TrimSpace(change.EntityType) == "":
		return fmt.Errorf("%w: entity_type is required", store.ErrInvalidInput)
	case strings.TrimSpace(change.EntityID) == "":
		return fmt.Errorf("%w: entity_id is required", store.ErrInvalidInput)
	case strings.TrimSpace(change.Action) == "":
		return fmt.Errorf("%w: action is required", store.ErrInvalidInput)
	case change.Data == nil:
		return fmt.Errorf("%w: data is required", store.ErrInvalidInput)
	}
	if !domain.EntityType(change.EntityType).Valid() {
		return fmt.Errorf("%w: unsupported entity_type %q", store.ErrInvalidInput, change.EntityType)
	}
	if !domain.Action(change.Action).Valid() {
		return fmt.Errorf("%w: unsupported action %q", store.ErrInvalidInput, change.Action)
	}
	if change.Priority != 0 && (change.Priority < domain.MinPriority || change.Priority > domain.MaxPriority) {
		return fmt.Errorf("%w: priority must be between %d and %d", store.ErrInvalidInput, domain.MinPriority, domain.MaxPriority)
	}
	return nil
}

func newQueueItem(caller domain.Caller, deviceID string, change domain.ChangeRecord, receivedAt time.Time) domain.QueueItem {
	clientTimestamp := receivedAt
	if change.ClientTimestamp != nil && !change.ClientTimestamp.IsZero() {
		clientTimestamp = change.ClientTimestamp.UTC()
	}
	priority := change.Priority
	if priority == 0 {
		priority = domain.DefaultPriority
	}

	return domain.QueueItem{
		ID:              xid.New("sq"),
		ShopID:          caller.ShopID,
		UserID:          caller.UserID,
		DeviceID:        deviceID,
		EntityType:      domain.EntityType(change.EntityType),
		EntityID:        strings.TrimSpace(change.EntityID),
		Action:          domain.Action(change.Action),
		Data:            change.Data,
		ClientTimestamp: clientTimestamp,
		Priority:        priority,
		Status:          domain.QueueStatusPending,
		CreatedAt:       receivedAt,
		UpdatedAt:       receivedAt,
	}
}

func itemResult(item domain.QueueItem) domain.PushItemResult {
	out := domain.PushItemResult{
		QueueItemID: item.ID,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		Action:      item.Action,
		Status:      item.Status,
	}
	if item.Status == domain.QueueStatusConflict {
		out.ConflictData = item.ConflictData
	}
	return out
}
