// Package entity maps each syncable entity type to the adapter that reads and
// writes it. The set of adapters is closed: NewRegistry builds exactly one per
// domain.SupportedEntityTypes entry.
package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

var (
	ErrUnsupportedEntity = errors.New("unsupported entity type")
	// ErrForeignOwner rejects a change that would read or write a row outside
	// the submitting shop and the caller's branches.
	ErrForeignOwner = errors.New("entity belongs to another owner")
)

// Ownership names the column that decides which callers can see a row.
type Ownership string

const (
	OwnedByShop   Ownership = "shop_id"
	OwnedByBranch Ownership = "branch_id"
)

// Adapter is the capability set the sync engine needs for one entity type.
type Adapter interface {
	Type() domain.EntityType
	Ownership() Ownership
	Find(ctx context.Context, repo store.EntityStore, id string) (*domain.Entity, error)
	Create(ctx context.Context, repo store.EntityStore, entity domain.Entity) (*domain.Entity, error)
	Update(ctx context.Context, repo store.EntityStore, entity domain.Entity) (*domain.Entity, error)
	Delete(ctx context.Context, repo store.EntityStore, id string, at time.Time) error
	UpdatedAt(entity domain.Entity) time.Time
	ListChangedSince(ctx context.Context, repo store.EntityStore, scope domain.AccessScope, since time.Time, limit int) ([]domain.Entity, error)
}

type Registry struct {
	adapters map[domain.EntityType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: map[domain.EntityType]Adapter{
			domain.EntitySale:     tableAdapter{entityType: domain.EntitySale, ownership: OwnedByBranch},
			domain.EntityProduct:  tableAdapter{entityType: domain.EntityProduct, ownership: OwnedByBranch},
			domain.EntityCustomer: tableAdapter{entityType: domain.EntityCustomer, ownership: OwnedByShop},
			domain.EntityPayment:  tableAdapter{entityType: domain.EntityPayment, ownership: OwnedByShop},
			domain.EntityCredit:   tableAdapter{entityType: domain.EntityCredit, ownership: OwnedByShop},
		},
	}
}

func (r *Registry) Adapter(entityType domain.EntityType) (Adapter, error) {
	adapter, ok := r.adapters[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntity, entityType)
	}
	return adapter, nil
}

// Types returns the registered types in their canonical order.
func (r *Registry) Types() []domain.EntityType {
	out := make([]domain.EntityType, 0, len(r.adapters))
	for _, t := range domain.SupportedEntityTypes {
		if _, ok := r.adapters[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// tableAdapter backs an entity type by its own table (or memory map) in the
// EntityStore.
type tableAdapter struct {
	entityType domain.EntityType
	ownership  Ownership
}

func (a tableAdapter) Type() domain.EntityType { return a.entityType }

func (a tableAdapter) Ownership() Ownership { return a.ownership }

func (a tableAdapter) Find(ctx context.Context, repo store.EntityStore, id string) (*domain.Entity, error) {
	return repo.FindEntity(ctx, a.entityType, id)
}

func (a tableAdapter) Create(ctx context.Context, repo store.EntityStore, entity domain.Entity) (*domain.Entity, error) {
	return repo.CreateEntity(ctx, a.entityType, entity)
}

func (a tableAdapter) Update(ctx context.Context, repo store.EntityStore, entity domain.Entity) (*domain.Entity, error) {
	return repo.UpdateEntity(ctx, a.entityType, entity)
}

func (a tableAdapter) Delete(ctx context.Context, repo store.EntityStore, id string, at time.Time) error {
	return repo.SoftDeleteEntity(ctx, a.entityType, id, at)
}

func (a tableAdapter) UpdatedAt(entity domain.Entity) time.Time {
	return entity.UpdatedAt
}

func (a tableAdapter) ListChangedSince(ctx context.Context, repo store.EntityStore, scope domain.AccessScope, since time.Time, limit int) ([]domain.Entity, error) {
	ids := scope.ShopIDs
	if a.ownership == OwnedByBranch {
		ids = scope.BranchIDs
	}
	if len(ids) == 0 {
		return []domain.Entity{}, nil
	}
	return repo.ListEntitiesChangedSince(ctx, a.entityType, store.ScopeFilter{Column: string(a.ownership), IDs: ids}, since, limit)
}
