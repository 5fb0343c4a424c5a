package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

// Store is the in-memory repository used for dev/demo mode and tests.
//
// Writes are serialized by txMu so that a RunInTx unit of work observes no
// interleaved writers and can be rolled back from a snapshot.
type Store struct {
	txMu      sync.Mutex
	mu        sync.RWMutex
	now       func() time.Time
	queue     map[string]domain.QueueItem
	entities  map[domain.EntityType]map[string]domain.Entity
	users     map[string]domain.UserAccount
	auditLogs []domain.AuditLog
}

func New() *Store {
	entities := make(map[domain.EntityType]map[string]domain.Entity, len(domain.SupportedEntityTypes))
	for _, t := range domain.SupportedEntityTypes {
		entities[t] = make(map[string]domain.Entity)
	}
	return &Store{
		now:       func() time.Time { return time.Now().UTC() },
		queue:     make(map[string]domain.QueueItem),
		entities:  entities,
		users:     make(map[string]domain.UserAccount),
		auditLogs: make([]domain.AuditLog, 0, 64),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// hardcoded dev defaults are used otherwise. Postgres deployments never call
// this.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			ShopID:    "main-shop",
			ShopIDs:   []string{"main-shop"},
			BranchIDs: []string{"main-branch"},
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	s.users = seedUsers()

	now := s.now()
	for _, p := range []struct {
		id    string
		name  string
		price int64
	}{
		{"prod-mie-01", "Mie Goreng Instan", 3500},
		{"prod-kopi-01", "Kopi Sachet", 2600},
		{"prod-roti-01", "Roti Tawar", 17800},
	} {
		s.PutEntity(domain.EntityProduct, domain.Entity{
			ID:        p.id,
			ShopID:    "main-shop",
			BranchID:  "main-branch",
			Data:      map[string]any{"name": p.name, "price_cents": p.price},
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return s
}

// SetClock overrides the server clock used to stamp entity timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutEntity stores an entity verbatim, timestamps included.
func (s *Store) PutEntity(entityType domain.EntityType, entity domain.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[entityType]; !ok {
		s.entities[entityType] = make(map[string]domain.Entity)
	}
	entity.Data = cloneMap(entity.Data)
	s.entities[entityType][entity.ID] = entity
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Repository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(&txStore{Store: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	queue    map[string]domain.QueueItem
	entities map[domain.EntityType]map[string]domain.Entity
}

func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := snapshot{
		queue:    make(map[string]domain.QueueItem, len(s.queue)),
		entities: make(map[domain.EntityType]map[string]domain.Entity, len(s.entities)),
	}
	for id, item := range s.queue {
		snap.queue[id] = item
	}
	for t, rows := range s.entities {
		copied := make(map[string]domain.Entity, len(rows))
		for id, row := range rows {
			copied[id] = row
		}
		snap.entities[t] = copied
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = snap.queue
	s.entities = snap.entities
}

// txStore is the Repository handed to RunInTx callbacks. The caller already
// holds txMu, so its writes skip it.
type txStore struct {
	*Store
}

func (t *txStore) RunInTx(_ context.Context, fn func(tx store.Repository) error) error {
	return fn(t)
}

func (t *txStore) CreateQueueItem(_ context.Context, item domain.QueueItem) (*domain.QueueItem, error) {
	return t.createQueueItem(item)
}

func (t *txStore) UpdateQueueItem(_ context.Context, item domain.QueueItem) error {
	return t.updateQueueItem(item)
}

func (t *txStore) TransitionQueueItem(_ context.Context, item domain.QueueItem, from domain.QueueStatus) error {
	return t.transitionQueueItem(item, from)
}

func (t *txStore) DeleteQueueItem(_ context.Context, id string) error {
	return t.deleteQueueItem(id)
}

func (t *txStore) CreateEntity(_ context.Context, entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error) {
	return t.createEntity(entityType, entity)
}

func (t *txStore) UpdateEntity(_ context.Context, entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error) {
	return t.updateEntity(entityType, entity)
}

func (t *txStore) SoftDeleteEntity(_ context.Context, entityType domain.EntityType, id string, at time.Time) error {
	return t.softDeleteEntity(entityType, id, at)
}

func (s *Store) CreateQueueItem(_ context.Context, item domain.QueueItem) (*domain.QueueItem, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.createQueueItem(item)
}

func (s *Store) createQueueItem(item domain.QueueItem) (*domain.QueueItem, error) {
	if item.ID == "" || !item.EntityType.Valid() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queue[item.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	stored := cloneQueueItem(item)
	s.queue[item.ID] = stored
	created := cloneQueueItem(stored)
	return &created, nil
}

func (s *Store) GetQueueItem(_ context.Context, id string) (*domain.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.queue[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneQueueItem(item)
	return &out, nil
}

func (s *Store) UpdateQueueItem(_ context.Context, item domain.QueueItem) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.updateQueueItem(item)
}

func (s *Store) updateQueueItem(item domain.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[item.ID]; !ok {
		return store.ErrNotFound
	}
	s.queue[item.ID] = cloneQueueItem(item)
	return nil
}

func (s *Store) TransitionQueueItem(_ context.Context, item domain.QueueItem, from domain.QueueStatus) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.transitionQueueItem(item, from)
}

func (s *Store) transitionQueueItem(item domain.QueueItem, from domain.QueueStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.queue[item.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Status != from {
		return fmt.Errorf("%w: item %s is %s, expected %s", store.ErrInvalidState, item.ID, existing.Status, from)
	}
	s.queue[item.ID] = cloneQueueItem(item)
	return nil
}

func (s *Store) DeleteQueueItem(_ context.Context, id string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.deleteQueueItem(id)
}

func (s *Store) deleteQueueItem(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.queue, id)
	return nil
}

func (s *Store) ListQueueItems(_ context.Context, filter store.QueueFilter) ([]domain.QueueItem, error) {
	s.mu.RLock()
	items := make([]domain.QueueItem, 0, len(s.queue))
	for _, item := range s.queue {
		if filter.ShopID != "" && item.ShopID != filter.ShopID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, item.Status) {
			continue
		}
		items = append(items, cloneQueueItem(item))
	}
	s.mu.RUnlock()

	if filter.NewestProcessedFirst {
		sort.SliceStable(items, func(i, j int) bool {
			a, b := timeOrZero(items[i].ProcessedAt), timeOrZero(items[j].ProcessedAt)
			if !a.Equal(b) {
				return a.After(b)
			}
			return items[i].ID < items[j].ID
		})
	} else {
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].Priority != items[j].Priority {
				return items[i].Priority > items[j].Priority
			}
			if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
				return items[i].CreatedAt.Before(items[j].CreatedAt)
			}
			return items[i].ID < items[j].ID
		})
	}

	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *Store) CountQueueItems(_ context.Context, shopID string) (domain.QueueCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts domain.QueueCounts
	for _, item := range s.queue {
		if item.ShopID != shopID {
			continue
		}
		switch item.Status {
		case domain.QueueStatusPending:
			counts.Pending++
		case domain.QueueStatusConflict:
			counts.Conflicts++
		case domain.QueueStatusFailed:
			counts.Failed++
		case domain.QueueStatusCompleted:
			if item.ProcessedAt != nil && (counts.LastSyncAt == nil || item.ProcessedAt.After(*counts.LastSyncAt)) {
				at := *item.ProcessedAt
				counts.LastSyncAt = &at
			}
		}
	}
	return counts, nil
}

func (s *Store) FindEntity(_ context.Context, entityType domain.EntityType, id string) (*domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.entities[entityType]
	if !ok {
		return nil, store.ErrInvalidInput
	}
	entity, ok := rows[id]
	if !ok || entity.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	out := cloneEntity(entity)
	return &out, nil
}

func (s *Store) CreateEntity(_ context.Context, entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.createEntity(entityType, entity)
}

// createEntity inserts a new row or revives a soft-deleted row of the same
// shop. Any other holder of the id wins and ErrAlreadyExists is returned.
func (s *Store) createEntity(entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error) {
	if entity.ID == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.entities[entityType]
	if !ok {
		return nil, store.ErrInvalidInput
	}

	now := s.now()
	if existing, ok := rows[entity.ID]; ok {
		if existing.DeletedAt == nil || existing.ShopID != entity.ShopID {
			return nil, fmt.Errorf("%w: %s %s", store.ErrAlreadyExists, entityType, entity.ID)
		}
		entity.CreatedAt = existing.CreatedAt
	} else {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	entity.DeletedAt = nil
	entity.Data = cloneMap(entity.Data)
	rows[entity.ID] = entity

	out := cloneEntity(entity)
	return &out, nil
}

func (s *Store) UpdateEntity(_ context.Context, entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.updateEntity(entityType, entity)
}

func (s *Store) updateEntity(entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.entities[entityType]
	if !ok {
		return nil, store.ErrInvalidInput
	}
	existing, ok := rows[entity.ID]
	if !ok || existing.DeletedAt != nil {
		return nil, store.ErrNotFound
	}

	existing.Data = cloneMap(entity.Data)
	if entity.ShopID != "" {
		existing.ShopID = entity.ShopID
	}
	if entity.BranchID != "" {
		existing.BranchID = entity.BranchID
	}
	existing.UpdatedAt = s.now()
	rows[entity.ID] = existing

	out := cloneEntity(existing)
	return &out, nil
}

func (s *Store) SoftDeleteEntity(_ context.Context, entityType domain.EntityType, id string, at time.Time) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.softDeleteEntity(entityType, id, at)
}

func (s *Store) softDeleteEntity(entityType domain.EntityType, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.entities[entityType]
	if !ok {
		return store.ErrInvalidInput
	}
	existing, ok := rows[id]
	if !ok || existing.DeletedAt != nil {
		return store.ErrNotFound
	}
	deletedAt := at.UTC()
	existing.DeletedAt = &deletedAt
	existing.UpdatedAt = s.now()
	rows[id] = existing
	return nil
}

func (s *Store) ListEntitiesChangedSince(_ context.Context, entityType domain.EntityType, scope store.ScopeFilter, since time.Time, limit int) ([]domain.Entity, error) {
	if len(scope.IDs) == 0 {
		return []domain.Entity{}, nil
	}

	s.mu.RLock()
	rows, ok := s.entities[entityType]
	if !ok {
		s.mu.RUnlock()
		return nil, store.ErrInvalidInput
	}
	out := make([]domain.Entity, 0, 16)
	for _, entity := range rows {
		if entity.DeletedAt != nil || !entity.UpdatedAt.After(since) {
			continue
		}
		owner := entity.ShopID
		if scope.Column == "branch_id" {
			owner = entity.BranchID
		}
		if !slices.Contains(scope.IDs, owner) {
			continue
		}
		out = append(out, cloneEntity(entity))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ServerTime(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now(), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" || user.Role == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.Username]; exists {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	user.ShopIDs = slices.Clone(user.ShopIDs)
	user.BranchIDs = slices.Clone(user.BranchIDs)
	return &user, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, shopID string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if shopID != "" && entry.ShopID != shopID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	t := *src
	return &t
}

func cloneQueueItem(src domain.QueueItem) domain.QueueItem {
	out := src
	out.Data = cloneMap(src.Data)
	out.ConflictData = cloneMap(src.ConflictData)
	out.LastAttemptAt = cloneTime(src.LastAttemptAt)
	out.ProcessedAt = cloneTime(src.ProcessedAt)
	out.ResolvedAt = cloneTime(src.ResolvedAt)
	return out
}

func cloneEntity(src domain.Entity) domain.Entity {
	out := src
	out.Data = cloneMap(src.Data)
	out.DeletedAt = cloneTime(src.DeletedAt)
	return out
}
