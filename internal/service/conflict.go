package service

import (
	"time"

	"possync/backend/internal/domain"
)

// detectConflict reports whether the server holds state the client had not
// seen when it made the change. The server's updated_at is authoritative; the
// client timestamp is only a claim, so client clock skew can over-report
// conflicts but never hide one.
//
// A missing entity never conflicts: create proceeds and update/delete are
// no-ops.
func detectConflict(item domain.QueueItem, current *domain.Entity, updatedAt func(domain.Entity) time.Time, detectedAt time.Time) map[string]any {
	if current == nil {
		return nil
	}
	serverUpdatedAt := updatedAt(*current)
	if !serverUpdatedAt.After(seenAt(item)) {
		return nil
	}
	return conflictSnapshot(item, *current, serverUpdatedAt, detectedAt)
}

// conflictSnapshot is the server state stored on an item in conflict.
func conflictSnapshot(item domain.QueueItem, current domain.Entity, serverUpdatedAt time.Time, detectedAt time.Time) map[string]any {
	return map[string]any{
		"server_data":       current.Snapshot(),
		"server_updated_at": serverUpdatedAt.UTC().Format(time.RFC3339Nano),
		"client_timestamp":  item.ClientTimestamp.UTC().Format(time.RFC3339Nano),
		"detected_at":       detectedAt.UTC().Format(time.RFC3339Nano),
	}
}

// seenAt is the newest server state the change was made against. Once an
// operator resolves a conflict they have seen the snapshot stored with it, so
// only server writes after that snapshot conflict again.
func seenAt(item domain.QueueItem) time.Time {
	if item.Resolution == "" || item.ConflictData == nil {
		return item.ClientTimestamp
	}
	raw, ok := item.ConflictData["server_updated_at"].(string)
	if !ok {
		return item.ClientTimestamp
	}
	snapshotAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || !snapshotAt.After(item.ClientTimestamp) {
		return item.ClientTimestamp
	}
	return snapshotAt
}
