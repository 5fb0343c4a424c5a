package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"possync/backend/internal/cache"
	"possync/backend/internal/domain"
	"possync/backend/internal/entity"
	"possync/backend/internal/notify"
	"possync/backend/internal/store"
	"possync/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// AccessResolver returns the shops and branches an actor may sync.
type AccessResolver interface {
	Resolve(ctx context.Context, actor domain.Actor) (domain.AccessScope, error)
}

// UserScopeResolver reads the scope from the actor's user account. The
// actor's own shop is always included.
type UserScopeResolver struct {
	Users store.UserStore
}

func (r UserScopeResolver) Resolve(ctx context.Context, actor domain.Actor) (domain.AccessScope, error) {
	user, err := r.Users.GetUser(ctx, actor.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.AccessScope{}, nil
		}
		return domain.AccessScope{}, err
	}
	if !user.Active {
		return domain.AccessScope{}, nil
	}

	scope := domain.AccessScope{
		ShopIDs:   append([]string(nil), user.ShopIDs...),
		BranchIDs: append([]string(nil), user.BranchIDs...),
	}
	if actor.ShopID != "" && !scope.HasShop(actor.ShopID) {
		scope.ShopIDs = append(scope.ShopIDs, actor.ShopID)
	}
	return scope, nil
}

type Options struct {
	StatusCache    cache.StatusCache
	StatusCacheTTL time.Duration
	Publisher      notify.Publisher
	AccessResolver AccessResolver
	PullBatchSize  int
	Clock          func() time.Time

	// PullSafetyWindow is subtracted from the server clock when handing out
	// a pull cursor, so rows stamped by transactions still committing at
	// pull time are picked up by the next pull.
	PullSafetyWindow time.Duration

	// StaleProcessingAfter is how long an item may sit in processing before
	// an operator may retry or delete it.
	StaleProcessingAfter time.Duration
}

type Service struct {
	repo          store.Repository
	registry      *entity.Registry
	statusCache   cache.StatusCache
	statusTTL     time.Duration
	publisher     notify.Publisher
	resolver      AccessResolver
	pullBatchSize int
	pullWindow    time.Duration
	staleAfter    time.Duration
	now           func() time.Time
}

func New(repo store.Repository, registry *entity.Registry, opts Options) *Service {
	if registry == nil {
		registry = entity.NewRegistry()
	}
	if opts.StatusCache == nil {
		opts.StatusCache = cache.NoopStatusCache{}
	}
	if opts.StatusCacheTTL <= 0 {
		opts.StatusCacheTTL = 10 * time.Second
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.NoopPublisher{}
	}
	if opts.AccessResolver == nil {
		opts.AccessResolver = UserScopeResolver{Users: repo}
	}
	if opts.PullBatchSize < 1 {
		opts.PullBatchSize = 100
	}
	if opts.PullSafetyWindow <= 0 {
		opts.PullSafetyWindow = 5 * time.Second
	}
	if opts.StaleProcessingAfter <= 0 {
		opts.StaleProcessingAfter = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:          repo,
		registry:      registry,
		statusCache:   opts.StatusCache,
		statusTTL:     opts.StatusCacheTTL,
		publisher:     opts.Publisher,
		resolver:      opts.AccessResolver,
		pullBatchSize: opts.PullBatchSize,
		pullWindow:    opts.PullSafetyWindow,
		staleAfter:    opts.StaleProcessingAfter,
		now:           opts.Clock,
	}
}

// CallerFromContext turns the authenticated actor into a Caller with its
// accessible scope resolved.
func (s *Service) CallerFromContext(ctx context.Context) (domain.Caller, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return domain.Caller{}, fmt.Errorf("%w: missing actor", ErrForbidden)
	}
	scope, err := s.resolver.Resolve(ctx, actor)
	if err != nil {
		return domain.Caller{}, fmt.Errorf("resolve access scope: %w", err)
	}
	return domain.Caller{
		UserID: actor.Username,
		Role:   actor.Role,
		ShopID: actor.ShopID,
		Scope:  scope,
	}, nil
}

func canAccessShop(caller domain.Caller, shopID string) bool {
	return shopID != "" && (shopID == caller.ShopID || caller.Scope.HasShop(shopID))
}

func (s *Service) invalidateStatus(ctx context.Context, shopID string) {
	if err := s.statusCache.Invalidate(ctx, shopID); err != nil {
		log.Printf("[sync] WARN: failed to invalidate status cache shop=%s: %v", shopID, err)
	}
}

func (s *Service) publish(eventType notify.EventType, item domain.QueueItem) {
	s.publisher.Publish(notify.SyncEvent{
		Type:        eventType,
		QueueItemID: item.ID,
		ShopID:      item.ShopID,
		DeviceID:    item.DeviceID,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		Action:      item.Action,
		Status:      item.Status,
		Resolution:  item.Resolution,
		At:          s.now(),
	})
}

func (s *Service) logAudit(ctx context.Context, caller domain.Caller, shopID string, action string, entityType string, entityID string, detail string) {
	if shopID == "" {
		shopID = caller.ShopID
	}
	username, role := caller.UserID, caller.Role
	if username == "" {
		username, role = "system", "system"
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ShopID:        shopID,
		ActorUsername: username,
		ActorRole:     role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, caller domain.Caller, limit int) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, caller.ShopID, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
