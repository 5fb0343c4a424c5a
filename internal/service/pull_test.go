package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

func seedPullFixtures(h *harness) {
	put := func(entityType domain.EntityType, id, shopID, branchID string, updatedAt time.Time) {
		h.repo.PutEntity(entityType, domain.Entity{
			ID:        id,
			ShopID:    shopID,
			BranchID:  branchID,
			Data:      map[string]any{"label": id},
			CreatedAt: updatedAt,
			UpdatedAt: updatedAt,
		})
	}
	put(domain.EntityProduct, "prod-1", "shop-a", "branch-a", at(8, 10))
	put(domain.EntityProduct, "prod-2", "shop-a", "branch-a", at(8, 20))
	put(domain.EntitySale, "sale-other-branch", "shop-a", "branch-b", at(8, 30))
	put(domain.EntityCustomer, "cust-1", "shop-a", "", at(8, 40))
	put(domain.EntityPayment, "pay-other-shop", "shop-b", "", at(8, 50))
	put(domain.EntityCredit, "credit-1", "shop-a", "", at(8, 55))
}

func TestPullFiltersByOwnershipColumn(t *testing.T) {
	h := newHarness(t)
	seedPullFixtures(h)

	result, err := h.svc.Pull(context.Background(), h.caller, at(8, 0), nil)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	got := map[domain.EntityType][]string{}
	for entityType, changes := range result.Data {
		for _, c := range changes {
			got[entityType] = append(got[entityType], c.EntityID)
		}
	}
	want := map[domain.EntityType][]string{
		domain.EntityProduct:  {"prod-1", "prod-2"},
		domain.EntityCustomer: {"cust-1"},
		domain.EntityCredit:   {"credit-1"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected pull contents:\n got %v\nwant %v", got, want)
	}
	if result.HasMore {
		t.Fatalf("expected has_more=false")
	}
	if want := baseTime.Add(-h.svc.pullWindow); !result.ServerTimestamp.Equal(want) {
		t.Fatalf("expected server timestamp %s, got %s", want, result.ServerTimestamp)
	}
}

func TestPullIsRepeatableAndMonotonic(t *testing.T) {
	h := newHarness(t)
	seedPullFixtures(h)
	ctx := context.Background()

	first, err := h.svc.Pull(ctx, h.caller, at(8, 15), nil)
	if err != nil {
		t.Fatalf("first pull failed: %v", err)
	}
	second, err := h.svc.Pull(ctx, h.caller, at(8, 15), nil)
	if err != nil {
		t.Fatalf("second pull failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("pull must be side-effect free:\n first %+v\nsecond %+v", first, second)
	}
	if _, ok := first.Data[domain.EntityProduct]; !ok || len(first.Data[domain.EntityProduct]) != 1 {
		t.Fatalf("expected only prod-2 after 08:15, got %+v", first.Data[domain.EntityProduct])
	}

	later, err := h.svc.Pull(ctx, h.caller, at(8, 55), nil)
	if err != nil {
		t.Fatalf("later pull failed: %v", err)
	}
	if len(later.Data) != 0 {
		t.Fatalf("expected nothing after the newest change, got %+v", later.Data)
	}

	h.clock.Set(at(9, 30))
	if _, err := h.svc.Push(ctx, h.caller, "device-2", []domain.ChangeRecord{{
		EntityType:      "product",
		EntityID:        "prod-1",
		Action:          "update",
		Data:            map[string]any{"label": "renamed"},
		ClientTimestamp: ts(at(9, 29)),
	}}); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	again, err := h.svc.Pull(ctx, h.caller, at(8, 55), nil)
	if err != nil {
		t.Fatalf("pull after update failed: %v", err)
	}
	products := again.Data[domain.EntityProduct]
	if len(products) != 1 || products[0].EntityID != "prod-1" || products[0].Data["label"] != "renamed" {
		t.Fatalf("expected re-updated prod-1, got %+v", again.Data)
	}
	if !products[0].Timestamp.Equal(at(9, 30)) {
		t.Fatalf("expected server-stamped updated_at, got %s", products[0].Timestamp)
	}
}

func TestPullPaginatesPerType(t *testing.T) {
	h := newHarness(t, withPullBatchSize(2))
	for i, minute := range []int{5, 1, 3} {
		h.repo.PutEntity(domain.EntityProduct, domain.Entity{
			ID:        []string{"p-a", "p-b", "p-c"}[i],
			ShopID:    "shop-a",
			BranchID:  "branch-a",
			Data:      map[string]any{},
			UpdatedAt: at(8, minute),
		})
	}

	result, err := h.svc.Pull(context.Background(), h.caller, at(7, 0), []string{"product"})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if !result.HasMore {
		t.Fatalf("expected has_more when a page is truncated")
	}
	products := result.Data[domain.EntityProduct]
	if len(products) != 2 || products[0].EntityID != "p-b" || products[1].EntityID != "p-c" {
		t.Fatalf("expected oldest two products in order, got %+v", products)
	}

	rest, err := h.svc.Pull(context.Background(), h.caller, products[1].Timestamp, []string{"product"})
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if rest.HasMore || len(rest.Data[domain.EntityProduct]) != 1 || rest.Data[domain.EntityProduct][0].EntityID != "p-a" {
		t.Fatalf("unexpected second page: %+v", rest)
	}
}

func TestPullCursorResumesTruncatedPage(t *testing.T) {
	h := newHarness(t, withPullBatchSize(2))
	ctx := context.Background()
	for i, minute := range []int{5, 1, 3} {
		h.repo.PutEntity(domain.EntityProduct, domain.Entity{
			ID:        []string{"p-a", "p-b", "p-c"}[i],
			ShopID:    "shop-a",
			BranchID:  "branch-a",
			Data:      map[string]any{},
			UpdatedAt: at(8, minute),
		})
	}
	h.repo.PutEntity(domain.EntityCustomer, domain.Entity{ID: "cust-1", ShopID: "shop-a", UpdatedAt: at(8, 50)})

	first, err := h.svc.Pull(ctx, h.caller, at(7, 0), nil)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if !first.HasMore {
		t.Fatalf("expected has_more")
	}
	if want := at(8, 3).Add(-time.Microsecond); !first.ServerTimestamp.Equal(want) {
		t.Fatalf("expected cursor just before the last product handed out, got %s", first.ServerTimestamp)
	}

	second, err := h.svc.Pull(ctx, h.caller, first.ServerTimestamp, nil)
	if err != nil {
		t.Fatalf("second pull failed: %v", err)
	}
	var ids []string
	for _, c := range second.Data[domain.EntityProduct] {
		ids = append(ids, c.EntityID)
	}
	if second.HasMore || !reflect.DeepEqual(ids, []string{"p-c", "p-a"}) {
		t.Fatalf("expected remaining products after the cursor, got %v has_more=%v", ids, second.HasMore)
	}
}

func TestPullCursorCoversLateCommits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.clock.Set(at(9, 0))

	first, err := h.svc.Pull(ctx, h.caller, at(8, 0), []string{"customer"})
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(first.Data) != 0 {
		t.Fatalf("expected nothing yet, got %+v", first.Data)
	}

	// Stamped just before the pull read the clock, visible only after it.
	late := at(9, 0).Add(-2 * time.Second)
	h.repo.PutEntity(domain.EntityCustomer, domain.Entity{ID: "cust-late", ShopID: "shop-a", CreatedAt: late, UpdatedAt: late})

	second, err := h.svc.Pull(ctx, h.caller, first.ServerTimestamp, []string{"customer"})
	if err != nil {
		t.Fatalf("second pull failed: %v", err)
	}
	customers := second.Data[domain.EntityCustomer]
	if len(customers) != 1 || customers[0].EntityID != "cust-late" {
		t.Fatalf("expected late commit in next pull, got %+v", second.Data)
	}
}

func TestPullCursorNeverMovesBehindSince(t *testing.T) {
	h := newHarness(t)
	since := baseTime.Add(time.Minute)

	result, err := h.svc.Pull(context.Background(), h.caller, since, nil)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if !result.ServerTimestamp.Equal(since) {
		t.Fatalf("expected cursor to stay at since, got %s", result.ServerTimestamp)
	}
}

func TestPullWithNoAccessibleScopeReturnsEmpty(t *testing.T) {
	h := newHarness(t)
	seedPullFixtures(h)

	result, err := h.svc.Pull(context.Background(), domain.Caller{UserID: "nobody"}, h.clock.Now(), nil)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(result.Data) != 0 || result.HasMore {
		t.Fatalf("expected empty result, got %+v", result)
	}
	if result.Data == nil {
		t.Fatalf("expected non-nil data map")
	}
}

func TestPullRejectsUnknownEntityTypes(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Pull(context.Background(), h.caller, at(8, 0), []string{"product", "invoice"})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPullTypesDeduplicatesAndDefaults(t *testing.T) {
	h := newHarness(t)

	got, err := h.svc.pullTypes([]string{" sale", "sale", "", "credit"})
	if err != nil {
		t.Fatalf("pullTypes failed: %v", err)
	}
	if !reflect.DeepEqual(got, []domain.EntityType{domain.EntitySale, domain.EntityCredit}) {
		t.Fatalf("unexpected types: %v", got)
	}

	all, err := h.svc.pullTypes([]string{" "})
	if err != nil {
		t.Fatalf("pullTypes failed: %v", err)
	}
	if !reflect.DeepEqual(all, domain.SupportedEntityTypes) {
		t.Fatalf("expected all supported types, got %v", all)
	}
}
