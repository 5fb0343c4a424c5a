package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

// Pull returns server-side changes made after since, grouped by entity type.
// It is read-only: repeated calls with the same arguments return the same
// rows until the server changes.
//
// Each type's page is ordered by updated_at ascending and capped at the batch
// size, so a client that applies only part of a page can resume from the last
// timestamp it saw. HasMore is set when any type's page was truncated.
//
// ServerTimestamp is the cursor for the next pull. It is read from the store's
// clock, which also stamps updated_at, and held back by the safety window so a
// row written by a transaction that commits after this pull is still newer
// than the cursor. When a page was truncated the cursor stops just before the
// last row handed out, so following it never skips the rest of that type.
// Rows inside the window may be returned again.
func (s *Service) Pull(ctx context.Context, caller domain.Caller, since time.Time, entityTypes []string) (domain.PullResult, error) {
	types, err := s.pullTypes(entityTypes)
	if err != nil {
		return domain.PullResult{}, err
	}

	serverNow, err := s.repo.ServerTime(ctx)
	if err != nil {
		return domain.PullResult{}, fmt.Errorf("read server time: %w", err)
	}
	cursor := serverNow.Add(-s.pullWindow)

	result := domain.PullResult{
		Data: map[domain.EntityType][]domain.PulledChange{},
	}
	if caller.Scope.Empty() {
		result.ServerTimestamp = clampCursor(cursor, since)
		return result, nil
	}

	for _, entityType := range types {
		adapter, err := s.registry.Adapter(entityType)
		if err != nil {
			return domain.PullResult{}, err
		}

		rows, err := adapter.ListChangedSince(ctx, s.repo, caller.Scope, since, s.pullBatchSize+1)
		if err != nil {
			return domain.PullResult{}, fmt.Errorf("pull %s: %w", entityType, err)
		}
		if len(rows) > s.pullBatchSize {
			rows = rows[:s.pullBatchSize]
			result.HasMore = true
			if last := adapter.UpdatedAt(rows[len(rows)-1]).Add(-time.Microsecond); last.Before(cursor) {
				cursor = last
			}
		}
		if len(rows) == 0 {
			continue
		}

		changes := make([]domain.PulledChange, 0, len(rows))
		for _, row := range rows {
			changes = append(changes, domain.PulledChange{
				EntityType: entityType,
				EntityID:   row.ID,
				Action:     domain.ActionUpdate,
				Data:       row.Snapshot(),
				Timestamp:  adapter.UpdatedAt(row),
			})
		}
		result.Data[entityType] = changes
	}

	result.ServerTimestamp = clampCursor(cursor, since)
	return result, nil
}

// clampCursor never moves a client's cursor behind the since it sent.
func clampCursor(cursor time.Time, since time.Time) time.Time {
	if cursor.Before(since) {
		return since
	}
	return cursor
}

func (s *Service) pullTypes(requested []string) ([]domain.EntityType, error) {
	if len(requested) == 0 {
		return s.registry.Types(), nil
	}

	seen := make(map[domain.EntityType]struct{}, len(requested))
	types := make([]domain.EntityType, 0, len(requested))
	for _, raw := range requested {
		entityType := domain.EntityType(strings.TrimSpace(raw))
		if entityType == "" {
			continue
		}
		if !entityType.Valid() {
			return nil, fmt.Errorf("%w: unsupported entity_type %q", store.ErrInvalidInput, raw)
		}
		if _, dup := seen[entityType]; dup {
			continue
		}
		seen[entityType] = struct{}{}
		types = append(types, entityType)
	}
	if len(types) == 0 {
		return s.registry.Types(), nil
	}
	return types, nil
}
