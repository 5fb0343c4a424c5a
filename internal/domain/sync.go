package domain

import "time"

type EntityType string

const (
	EntitySale     EntityType = "sale"
	EntityProduct  EntityType = "product"
	EntityCustomer EntityType = "customer"
	EntityPayment  EntityType = "payment"
	EntityCredit   EntityType = "credit"
)

// SupportedEntityTypes is the closed set of syncable entity types, in the
// order pull results are produced.
var SupportedEntityTypes = []EntityType{
	EntitySale,
	EntityProduct,
	EntityCustomer,
	EntityPayment,
	EntityCredit,
}

func (t EntityType) Valid() bool {
	for _, supported := range SupportedEntityTypes {
		if t == supported {
			return true
		}
	}
	return false
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusConflict   QueueStatus = "conflict"
)

type Resolution string

const (
	ResolutionClientWins Resolution = "client_wins"
	ResolutionServerWins Resolution = "server_wins"
	ResolutionMerge      Resolution = "merge"
)

func (r Resolution) Valid() bool {
	return r == ResolutionClientWins || r == ResolutionServerWins || r == ResolutionMerge
}

const (
	DefaultPriority = 5
	MinPriority     = 1
	MaxPriority     = 10
)

// ChangeRecord is one client-side mutation as submitted in a push.
type ChangeRecord struct {
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Action          string         `json:"action"`
	Data            map[string]any `json:"data"`
	ClientTimestamp *time.Time     `json:"client_timestamp,omitempty"`
	Priority        int            `json:"priority,omitempty"`
}

// QueueItem is the persisted form of an accepted ChangeRecord.
type QueueItem struct {
	ID              string         `json:"id"`
	ShopID          string         `json:"shop_id"`
	UserID          string         `json:"user_id"`
	DeviceID        string         `json:"device_id"`
	EntityType      EntityType     `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Action          Action         `json:"action"`
	Data            map[string]any `json:"data"`
	ClientTimestamp time.Time      `json:"client_timestamp"`
	Priority        int            `json:"priority"`
	Status          QueueStatus    `json:"status"`
	Attempts        int            `json:"attempts"`
	LastAttemptAt   *time.Time     `json:"last_attempt_at,omitempty"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ConflictData    map[string]any `json:"conflict_data,omitempty"`
	Resolution      Resolution     `json:"resolution,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Entity is the server-of-record row for any of the syncable entity types.
// Data holds the entity's own fields; the ownership columns and timestamps are
// kept outside it.
type Entity struct {
	ID        string         `json:"id"`
	ShopID    string         `json:"shop_id"`
	BranchID  string         `json:"branch_id,omitempty"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
}

// Snapshot flattens the entity into one document, the shape stored as
// conflict data and returned by pull.
func (e Entity) Snapshot() map[string]any {
	out := make(map[string]any, len(e.Data)+4)
	for k, v := range e.Data {
		out[k] = v
	}
	out["id"] = e.ID
	out["shop_id"] = e.ShopID
	if e.BranchID != "" {
		out["branch_id"] = e.BranchID
	}
	out["updated_at"] = e.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return out
}

type PushRequest struct {
	DeviceID string         `json:"device_id"`
	Changes  []ChangeRecord `json:"changes"`
}

type PushItemResult struct {
	QueueItemID  string         `json:"queue_item_id"`
	EntityType   EntityType     `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Action       Action         `json:"action"`
	Status       QueueStatus    `json:"status"`
	ConflictData map[string]any `json:"conflict_data,omitempty"`
}

// PushError reports a change that failed validation or processing. Index is
// the change's position in the submitted batch.
type PushError struct {
	Index       int    `json:"index"`
	QueueItemID string `json:"queue_item_id,omitempty"`
	EntityType  string `json:"entity_type,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	Error       string `json:"error"`
}

type PushSummary struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

type PushResult struct {
	Success   []PushItemResult `json:"success"`
	Conflicts []PushItemResult `json:"conflicts"`
	Errors    []PushError      `json:"errors"`
	Summary   PushSummary      `json:"summary"`
}

// PulledChange mirrors ChangeRecord so clients merge both directions with one
// code path. Action is always "update".
type PulledChange struct {
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     Action         `json:"action"`
	Data       map[string]any `json:"data"`
	Timestamp  time.Time      `json:"timestamp"`
}

type PullResult struct {
	Data            map[EntityType][]PulledChange `json:"data"`
	ServerTimestamp time.Time                     `json:"server_timestamp"`
	HasMore         bool                          `json:"has_more"`
}

type StatusSummary struct {
	ShopID     string     `json:"shop_id"`
	Pending    int        `json:"pending"`
	Conflicts  int        `json:"conflicts"`
	Failed     int        `json:"failed"`
	LastSyncAt *time.Time `json:"last_sync_at"`
	HasIssues  bool       `json:"has_issues"`
}

// QueueCounts is the stored/cached part of a StatusSummary.
type QueueCounts struct {
	Pending    int        `json:"pending"`
	Conflicts  int        `json:"conflicts"`
	Failed     int        `json:"failed"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

type ResolveRequest struct {
	Resolution Resolution     `json:"resolution"`
	MergedData map[string]any `json:"merged_data,omitempty"`
}

type ResolutionResult struct {
	Item    QueueItem   `json:"item"`
	Outcome QueueStatus `json:"outcome"`
	Error   string      `json:"error,omitempty"`
}

type ProcessPendingResult struct {
	Processed int              `json:"processed"`
	Completed []PushItemResult `json:"completed"`
	Conflicts []PushItemResult `json:"conflicts"`
	Errors    []PushError      `json:"errors"`
}
