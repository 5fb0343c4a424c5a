package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

// CheckOwner rejects a row that lies outside the shop a change was submitted
// for, or, for branch-owned types, outside the caller's branches.
func CheckOwner(adapter Adapter, row domain.Entity, shopID string, scope domain.AccessScope) error {
	if row.ShopID != shopID {
		return fmt.Errorf("%w: %s %s is not owned by shop %s", ErrForeignOwner, adapter.Type(), row.ID, shopID)
	}
	if adapter.Ownership() == OwnedByBranch && row.BranchID != "" && !scope.HasBranch(row.BranchID) {
		return fmt.Errorf("%w: %s %s is in branch %s", ErrForeignOwner, adapter.Type(), row.ID, row.BranchID)
	}
	return nil
}

// Apply performs a queued change against the server-of-record. current is the
// row read in the same unit of work, nil when it does not exist. Updates and
// deletes of missing entities are no-ops; a create over a live row replaces
// its fields.
func (r *Registry) Apply(ctx context.Context, repo store.EntityStore, item domain.QueueItem, current *domain.Entity, scope domain.AccessScope, at time.Time) error {
	adapter, err := r.Adapter(item.EntityType)
	if err != nil {
		return err
	}
	if current != nil {
		if err := CheckOwner(adapter, *current, item.ShopID, scope); err != nil {
			return err
		}
	}

	switch item.Action {
	case domain.ActionCreate:
		next, err := entityFromItem(item, scope)
		if err != nil {
			return err
		}
		if current != nil {
			if _, err := adapter.Update(ctx, repo, next); err != nil {
				return fmt.Errorf("replace %s %s: %w", item.EntityType, item.EntityID, err)
			}
			return nil
		}
		if _, err := adapter.Create(ctx, repo, next); err != nil {
			return fmt.Errorf("create %s %s: %w", item.EntityType, item.EntityID, err)
		}
		return nil
	case domain.ActionUpdate:
		if current == nil {
			return nil
		}
		next, err := entityFromItem(item, scope)
		if err != nil {
			return err
		}
		next.Data = mergeFields(current.Data, item.Data)
		if _, err := adapter.Update(ctx, repo, next); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("update %s %s: %w", item.EntityType, item.EntityID, err)
		}
		return nil
	case domain.ActionDelete:
		if current == nil {
			return nil
		}
		err := adapter.Delete(ctx, repo, item.EntityID, at)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete %s %s: %w", item.EntityType, item.EntityID, err)
		}
		return nil
	default:
		return fmt.Errorf("action %q: %w", item.Action, store.ErrInvalidInput)
	}
}

// entityFromItem lifts ownership columns out of the payload. A create without
// an explicit shop_id belongs to the submitting shop. A shop_id naming any
// other shop, or a branch_id outside scope, is rejected.
func entityFromItem(item domain.QueueItem, scope domain.AccessScope) (domain.Entity, error) {
	data := make(map[string]any, len(item.Data))
	entity := domain.Entity{ID: item.EntityID}
	for k, v := range item.Data {
		switch k {
		case "id", "updated_at", "created_at", "deleted_at":
			continue
		case "shop_id":
			if s, ok := v.(string); ok {
				entity.ShopID = s
			}
			continue
		case "branch_id":
			if s, ok := v.(string); ok {
				entity.BranchID = s
			}
			continue
		}
		data[k] = v
	}
	if entity.ShopID != "" && entity.ShopID != item.ShopID {
		return domain.Entity{}, fmt.Errorf("%w: shop_id %s does not match shop %s", ErrForeignOwner, entity.ShopID, item.ShopID)
	}
	if entity.BranchID != "" && !scope.HasBranch(entity.BranchID) {
		return domain.Entity{}, fmt.Errorf("%w: branch_id %s is outside the caller's branches", ErrForeignOwner, entity.BranchID)
	}
	if entity.ShopID == "" && item.Action == domain.ActionCreate {
		entity.ShopID = item.ShopID
	}
	entity.Data = data
	return entity, nil
}

// mergeFields overwrites current with the fields present in incoming.
func mergeFields(current map[string]any, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(incoming))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range incoming {
		switch k {
		case "id", "shop_id", "branch_id", "updated_at", "created_at", "deleted_at":
			continue
		}
		out[k] = v
	}
	return out
}
