package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"possync/backend/internal/domain"
	"possync/backend/internal/notify"
	"possync/backend/internal/store"
	"possync/backend/internal/store/memory"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(hh, mm int) time.Time {
	return time.Date(2026, 3, 2, hh, mm, 0, 0, time.UTC)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.SyncEvent
}

func (p *recordingPublisher) Publish(event notify.SyncEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Types() []notify.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) EntityIDs(eventType notify.EventType) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []string{}
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e.EntityID)
		}
	}
	return out
}

type mapStatusCache struct {
	mu          sync.Mutex
	values      map[string]domain.QueueCounts
	sets        int
	invalidated int
}

func newMapStatusCache() *mapStatusCache {
	return &mapStatusCache{values: map[string]domain.QueueCounts{}}
}

func (c *mapStatusCache) Get(_ context.Context, shopID string) (*domain.QueueCounts, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[shopID]
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (c *mapStatusCache) Set(_ context.Context, shopID string, value *domain.QueueCounts, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[shopID] = *value
	c.sets++
	return nil
}

func (c *mapStatusCache) Invalidate(_ context.Context, shopID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, shopID)
	c.invalidated++
	return nil
}

// flakyRepo fails entity writes for the listed entity ids, inside and outside
// transactions.
type flakyRepo struct {
	store.Repository
	mu      *sync.Mutex
	failIDs map[string]bool
}

var errInjected = errors.New("injected write failure")

func newFlakyRepo(inner store.Repository, ids ...string) *flakyRepo {
	fail := map[string]bool{}
	for _, id := range ids {
		fail[id] = true
	}
	return &flakyRepo{Repository: inner, mu: &sync.Mutex{}, failIDs: fail}
}

func (r *flakyRepo) heal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failIDs, id)
}

func (r *flakyRepo) failing(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failIDs[id]
}

func (r *flakyRepo) RunInTx(ctx context.Context, fn func(tx store.Repository) error) error {
	return r.Repository.RunInTx(ctx, func(tx store.Repository) error {
		return fn(&flakyRepo{Repository: tx, mu: r.mu, failIDs: r.failIDs})
	})
}

func (r *flakyRepo) CreateEntity(ctx context.Context, entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error) {
	if r.failing(entity.ID) {
		return nil, errInjected
	}
	return r.Repository.CreateEntity(ctx, entityType, entity)
}

func (r *flakyRepo) UpdateEntity(ctx context.Context, entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error) {
	if r.failing(entity.ID) {
		return nil, errInjected
	}
	return r.Repository.UpdateEntity(ctx, entityType, entity)
}

// rivalCreateRepo commits rival the first time its id is read inside a
// transaction, and reports it missing to that read, as a create from another
// device committing between our read and our insert would.
type rivalCreateRepo struct {
	store.Repository
	backing    *memory.Store
	entityType domain.EntityType
	rival      domain.Entity
	once       *sync.Once
}

func newRivalCreateRepo(inner store.Repository, entityType domain.EntityType, rival domain.Entity) *rivalCreateRepo {
	return &rivalCreateRepo{
		Repository: inner,
		backing:    inner.(*memory.Store),
		entityType: entityType,
		rival:      rival,
		once:       &sync.Once{},
	}
}

func (r *rivalCreateRepo) RunInTx(ctx context.Context, fn func(tx store.Repository) error) error {
	return r.Repository.RunInTx(ctx, func(tx store.Repository) error {
		inTx := *r
		inTx.Repository = tx
		return fn(&inTx)
	})
}

func (r *rivalCreateRepo) FindEntity(ctx context.Context, entityType domain.EntityType, id string) (*domain.Entity, error) {
	raced := false
	if entityType == r.entityType && id == r.rival.ID {
		r.once.Do(func() { raced = true })
	}
	if raced {
		r.backing.PutEntity(entityType, r.rival)
		return nil, store.ErrNotFound
	}
	return r.Repository.FindEntity(ctx, entityType, id)
}

// afterReadRepo runs a one-shot hook right after the next GetQueueItem
// returns, letting a test land a write between a service's read and its
// write.
type afterReadRepo struct {
	store.Repository
	mu   sync.Mutex
	hook func()
}

func (r *afterReadRepo) onNextRead(hook func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

func (r *afterReadRepo) GetQueueItem(ctx context.Context, id string) (*domain.QueueItem, error) {
	item, err := r.Repository.GetQueueItem(ctx, id)
	r.mu.Lock()
	hook := r.hook
	r.hook = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return item, err
}

type harness struct {
	svc    *Service
	repo   *memory.Store
	clock  *testClock
	events *recordingPublisher
	cache  *mapStatusCache
	caller domain.Caller
	admin  domain.Caller
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	pullBatchSize int
	wrap          func(store.Repository) store.Repository
}

func withPullBatchSize(n int) harnessOption {
	return func(c *harnessConfig) { c.pullBatchSize = n }
}

func withRepo(wrap func(store.Repository) store.Repository) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := &testClock{now: baseTime}
	repo := memory.New()
	repo.SetClock(clock.Now)

	var backing store.Repository = repo
	if cfg.wrap != nil {
		backing = cfg.wrap(repo)
	}

	events := &recordingPublisher{}
	statusCache := newMapStatusCache()
	svc := New(backing, nil, Options{
		StatusCache:   statusCache,
		Publisher:     events,
		PullBatchSize: cfg.pullBatchSize,
		Clock:         clock.Now,
	})

	scope := domain.AccessScope{ShopIDs: []string{"shop-a"}, BranchIDs: []string{"branch-a"}}
	return &harness{
		svc:    svc,
		repo:   repo,
		clock:  clock,
		events: events,
		cache:  statusCache,
		caller: domain.Caller{UserID: "cashier", Role: "cashier", ShopID: "shop-a", Scope: scope},
		admin:  domain.Caller{UserID: "admin", Role: "admin", ShopID: "shop-a", Scope: scope},
	}
}

func (h *harness) putCustomer(id string, updatedAt time.Time, data map[string]any) {
	h.repo.PutEntity(domain.EntityCustomer, domain.Entity{
		ID:        id,
		ShopID:    "shop-a",
		Data:      data,
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	})
}

func (h *harness) findEntity(t *testing.T, entityType domain.EntityType, id string) *domain.Entity {
	t.Helper()
	entity, err := h.repo.FindEntity(context.Background(), entityType, id)
	if err != nil {
		t.Fatalf("find %s %s: %v", entityType, id, err)
	}
	return entity
}

func (h *harness) queueItems(t *testing.T) []domain.QueueItem {
	t.Helper()
	items, err := h.repo.ListQueueItems(context.Background(), store.QueueFilter{ShopID: "shop-a"})
	if err != nil {
		t.Fatalf("list queue items: %v", err)
	}
	return items
}

func ts(t time.Time) *time.Time {
	return &t
}
