package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"possync/backend/internal/domain"
	"possync/backend/internal/entity"
	"possync/backend/internal/notify"
	"possync/backend/internal/store"
)

// errAlreadyClaimed means another worker moved the item out of pending first.
var errAlreadyClaimed = errors.New("queue item already claimed")

// processItem runs one pending queue item through conflict detection and
// apply. Conflict detection and apply share a single unit of work so a
// concurrent writer to the same entity is either fully before or fully after
// this item.
//
// Every status change is a compare-and-set against the status this worker
// expects, so an item is claimed and finished by exactly one worker. The
// returned item reflects what was persisted. A non-nil error means the item
// ended in failed, unless it wraps errAlreadyClaimed.
func (s *Service) processItem(ctx context.Context, caller domain.Caller, item domain.QueueItem) (domain.QueueItem, error) {
	startedAt := s.now()
	claimed := item
	claimed.Status = domain.QueueStatusProcessing
	claimed.Attempts++
	claimed.LastAttemptAt = &startedAt
	if err := s.repo.TransitionQueueItem(ctx, claimed, domain.QueueStatusPending); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			return item, fmt.Errorf("%w: %w", errAlreadyClaimed, err)
		}
		return item, fmt.Errorf("mark processing: %w", err)
	}
	item = claimed

	var outcome domain.QueueItem
	err := s.repo.RunInTx(ctx, func(tx store.Repository) error {
		adapter, err := s.registry.Adapter(item.EntityType)
		if err != nil {
			return err
		}

		current, err := adapter.Find(ctx, tx, item.EntityID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("load %s %s: %w", item.EntityType, item.EntityID, err)
			}
			current = nil
		}
		if current != nil {
			if err := entity.CheckOwner(adapter, *current, item.ShopID, caller.Scope); err != nil {
				return err
			}
		}

		if snapshot := detectConflict(item, current, adapter.UpdatedAt, s.now()); snapshot != nil {
			next, err := s.markConflict(ctx, tx, item, snapshot)
			outcome = next
			return err
		}

		err = s.registry.Apply(ctx, tx, item, current, caller.Scope, s.now())
		if errors.Is(err, store.ErrAlreadyExists) {
			// Another writer created the id after our read. Its row is the
			// server state this change was not made against.
			winner, findErr := adapter.Find(ctx, tx, item.EntityID)
			if findErr != nil {
				return fmt.Errorf("%w: id %s is held by another owner", entity.ErrForeignOwner, item.EntityID)
			}
			if err := entity.CheckOwner(adapter, *winner, item.ShopID, caller.Scope); err != nil {
				return err
			}
			next, err := s.markConflict(ctx, tx, item, conflictSnapshot(item, *winner, adapter.UpdatedAt(*winner), s.now()))
			outcome = next
			return err
		}
		if err != nil {
			return err
		}

		processedAt := s.now()
		next := item
		next.Status = domain.QueueStatusCompleted
		next.ProcessedAt = &processedAt
		next.ErrorMessage = ""
		if err := tx.TransitionQueueItem(ctx, next, domain.QueueStatusProcessing); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		outcome = next
		return nil
	})
	if err != nil {
		if errors.Is(err, entity.ErrForeignOwner) {
			err = fmt.Errorf("%w: %w", ErrForbidden, err)
		}
		failed := item
		failed.Status = domain.QueueStatusFailed
		failed.ErrorMessage = err.Error()
		if updateErr := s.repo.TransitionQueueItem(ctx, failed, domain.QueueStatusProcessing); updateErr != nil {
			log.Printf("[sync] WARN: failed to persist failure for item=%s: %v", item.ID, updateErr)
		}
		log.Printf("[sync] item=%s %s %s/%s failed attempt=%d: %v", item.ID, item.Action, item.EntityType, item.EntityID, failed.Attempts, err)
		s.publish(notify.EventItemFailed, failed)
		return failed, err
	}

	if outcome.Status == domain.QueueStatusConflict {
		log.Printf("[sync] item=%s %s %s/%s conflict: server state is newer than client_timestamp=%s",
			outcome.ID, outcome.Action, outcome.EntityType, outcome.EntityID, outcome.ClientTimestamp.Format(time.RFC3339))
		s.publish(notify.EventItemConflict, outcome)
	} else {
		s.publish(notify.EventItemCompleted, outcome)
	}
	return outcome, nil
}

func (s *Service) markConflict(ctx context.Context, tx store.Repository, item domain.QueueItem, snapshot map[string]any) (domain.QueueItem, error) {
	next := item
	next.Status = domain.QueueStatusConflict
	next.ConflictData = snapshot
	if err := tx.TransitionQueueItem(ctx, next, domain.QueueStatusProcessing); err != nil {
		return item, fmt.Errorf("mark conflict: %w", err)
	}
	return next, nil
}
