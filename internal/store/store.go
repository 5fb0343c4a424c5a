package store

import (
	"context"
	"errors"
	"time"

	"possync/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyExists is returned by CreateEntity when the id is held by a
	// live row, or by a soft-deleted row of another shop.
	ErrAlreadyExists = errors.New("already exists")
)

// QueueFilter selects queue items. Zero fields do not filter.
type QueueFilter struct {
	ShopID   string
	Statuses []domain.QueueStatus
	Limit    int
	// NewestProcessedFirst orders by processed_at desc instead of the
	// default priority desc, created_at asc.
	NewestProcessedFirst bool
}

// ScopeFilter restricts entity listings to an ownership column.
type ScopeFilter struct {
	Column string
	IDs    []string
}

type QueueStore interface {
	CreateQueueItem(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, error)
	GetQueueItem(ctx context.Context, id string) (*domain.QueueItem, error)
	UpdateQueueItem(ctx context.Context, item domain.QueueItem) error
	// TransitionQueueItem writes item only while the stored status is still
	// from. A lost race returns ErrInvalidState.
	TransitionQueueItem(ctx context.Context, item domain.QueueItem, from domain.QueueStatus) error
	DeleteQueueItem(ctx context.Context, id string) error
	ListQueueItems(ctx context.Context, filter QueueFilter) ([]domain.QueueItem, error)
	CountQueueItems(ctx context.Context, shopID string) (domain.QueueCounts, error)
}

// EntityStore persists the five syncable entity types. Soft-deleted rows are
// invisible to FindEntity and ListEntitiesChangedSince.
type EntityStore interface {
	FindEntity(ctx context.Context, entityType domain.EntityType, id string) (*domain.Entity, error)
	CreateEntity(ctx context.Context, entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error)
	UpdateEntity(ctx context.Context, entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error)
	SoftDeleteEntity(ctx context.Context, entityType domain.EntityType, id string, at time.Time) error
	ListEntitiesChangedSince(ctx context.Context, entityType domain.EntityType, scope ScopeFilter, since time.Time, limit int) ([]domain.Entity, error)
	// ServerTime reads the clock that stamps updated_at.
	ServerTime(ctx context.Context) (time.Time, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, shopID string, limit int) ([]domain.AuditLog, error)
}

type Repository interface {
	QueueStore
	EntityStore
	UserStore
	AuditStore
	// RunInTx runs fn as one unit of work. Entity reads made through the
	// Repository passed to fn hold a row lock until fn returns. A non-nil
	// error from fn rolls the unit back.
	RunInTx(ctx context.Context, fn func(tx Repository) error) error
}
