package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"possync/backend/internal/domain"
	"possync/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db   *sql.DB
	q    queryer
	inTx bool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, q: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Repository) error) error {
	if s.inTx {
		return fn(s)
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&Store{db: s.db, q: pgTx, inTx: true}); err != nil {
		return err
	}
	return pgTx.Commit()
}

var entityTables = map[domain.EntityType]string{
	domain.EntitySale:     "sales",
	domain.EntityProduct:  "products",
	domain.EntityCustomer: "customers",
	domain.EntityPayment:  "payments",
	domain.EntityCredit:   "credits",
}

func tableFor(entityType domain.EntityType) (string, error) {
	table, ok := entityTables[entityType]
	if !ok {
		return "", fmt.Errorf("entity type %q: %w", entityType, store.ErrInvalidInput)
	}
	return table, nil
}

const queueColumns = `
	id, shop_id, user_id, device_id, entity_type, entity_id, action, data,
	client_timestamp, priority, status, attempts, last_attempt_at, processed_at,
	COALESCE(error_message,''), conflict_data, COALESCE(resolution,''), COALESCE(resolved_by,''),
	resolved_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*domain.QueueItem, error) {
	var (
		item          domain.QueueItem
		entityType    string
		action        string
		status        string
		resolution    string
		data          []byte
		conflictData  []byte
		lastAttemptAt sql.NullTime
		processedAt   sql.NullTime
		resolvedAt    sql.NullTime
	)
	err := row.Scan(
		&item.ID, &item.ShopID, &item.UserID, &item.DeviceID, &entityType, &item.EntityID, &action, &data,
		&item.ClientTimestamp, &item.Priority, &status, &item.Attempts, &lastAttemptAt, &processedAt,
		&item.ErrorMessage, &conflictData, &resolution, &item.ResolvedBy,
		&resolvedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.EntityType = domain.EntityType(entityType)
	item.Action = domain.Action(action)
	item.Status = domain.QueueStatus(status)
	item.Resolution = domain.Resolution(resolution)
	item.LastAttemptAt = fromNullTime(lastAttemptAt)
	item.ProcessedAt = fromNullTime(processedAt)
	item.ResolvedAt = fromNullTime(resolvedAt)
	if item.Data, err = decodeDocument(data); err != nil {
		return nil, err
	}
	if item.ConflictData, err = decodeDocument(conflictData); err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) CreateQueueItem(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, error) {
	if item.ID == "" || !item.EntityType.Valid() {
		return nil, store.ErrInvalidInput
	}
	data, err := encodeDocument(item.Data)
	if err != nil {
		return nil, err
	}
	conflictData, err := encodeNullableDocument(item.ConflictData)
	if err != nil {
		return nil, err
	}

	row := s.q.QueryRowContext(ctx, `
		INSERT INTO sync_queue_items (
			id, shop_id, user_id, device_id, entity_type, entity_id, action, data,
			client_timestamp, priority, status, attempts, last_attempt_at, processed_at,
			error_message, conflict_data, resolution, resolved_by, resolved_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,$12,$13,$14,$15,$16::jsonb,$17,$18,$19,$20,$20)
		RETURNING `+queueColumns,
		item.ID, item.ShopID, item.UserID, item.DeviceID, string(item.EntityType), item.EntityID, string(item.Action), data,
		item.ClientTimestamp, item.Priority, string(item.Status), item.Attempts, nullTime(item.LastAttemptAt), nullTime(item.ProcessedAt),
		nullIfEmpty(item.ErrorMessage), conflictData, nullIfEmpty(string(item.Resolution)), nullIfEmpty(item.ResolvedBy), nullTime(item.ResolvedAt),
		createdAtOrNow(item.CreatedAt),
	)
	created, err := scanQueueItem(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (*domain.QueueItem, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue_items WHERE id = $1`, id)
	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func (s *Store) UpdateQueueItem(ctx context.Context, item domain.QueueItem) error {
	res, err := s.writeQueueItem(ctx, item, "")
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// TransitionQueueItem guards the write with the expected current status so
// two workers cannot both move the same item.
func (s *Store) TransitionQueueItem(ctx context.Context, item domain.QueueItem, from domain.QueueStatus) error {
	res, err := s.writeQueueItem(ctx, item, from)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	current, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: item %s is %s, expected %s", store.ErrInvalidState, item.ID, current.Status, from)
}

func (s *Store) writeQueueItem(ctx context.Context, item domain.QueueItem, from domain.QueueStatus) (sql.Result, error) {
	data, err := encodeDocument(item.Data)
	if err != nil {
		return nil, err
	}
	conflictData, err := encodeNullableDocument(item.ConflictData)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE sync_queue_items
		SET data = $2::jsonb, status = $3, attempts = $4, last_attempt_at = $5, processed_at = $6,
			error_message = $7, conflict_data = $8::jsonb, resolution = $9, resolved_by = $10,
			resolved_at = $11, updated_at = now()
		WHERE id = $1`
	args := []any{item.ID, data, string(item.Status), item.Attempts, nullTime(item.LastAttemptAt), nullTime(item.ProcessedAt),
		nullIfEmpty(item.ErrorMessage), conflictData, nullIfEmpty(string(item.Resolution)), nullIfEmpty(item.ResolvedBy),
		nullTime(item.ResolvedAt)}
	if from != "" {
		query += ` AND status = $12`
		args = append(args, string(from))
	}
	return s.q.ExecContext(ctx, query, args...)
}

func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM sync_queue_items WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) ListQueueItems(ctx context.Context, filter store.QueueFilter) ([]domain.QueueItem, error) {
	var (
		where []string
		args  []any
	)
	if filter.ShopID != "" {
		args = append(args, filter.ShopID)
		where = append(where, fmt.Sprintf("shop_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + queueColumns + ` FROM sync_queue_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.NewestProcessedFirst {
		query += " ORDER BY processed_at DESC NULLS LAST, id"
	} else {
		query += " ORDER BY priority DESC, created_at ASC, id"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.QueueItem, 0, 32)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountQueueItems(ctx context.Context, shopID string) (domain.QueueCounts, error) {
	var (
		counts     domain.QueueCounts
		lastSyncAt sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'conflict'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			MAX(processed_at) FILTER (WHERE status = 'completed')
		FROM sync_queue_items
		WHERE shop_id = $1
	`, shopID).Scan(&counts.Pending, &counts.Conflicts, &counts.Failed, &lastSyncAt)
	if err != nil {
		return domain.QueueCounts{}, err
	}
	counts.LastSyncAt = fromNullTime(lastSyncAt)
	return counts, nil
}

func scanEntity(row rowScanner) (*domain.Entity, error) {
	var (
		entity    domain.Entity
		branchID  sql.NullString
		data      []byte
		deletedAt sql.NullTime
	)
	if err := row.Scan(&entity.ID, &entity.ShopID, &branchID, &data, &entity.CreatedAt, &entity.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	entity.BranchID = branchID.String
	entity.DeletedAt = fromNullTime(deletedAt)
	var err error
	if entity.Data, err = decodeDocument(data); err != nil {
		return nil, err
	}
	if entity.Data == nil {
		entity.Data = map[string]any{}
	}
	return &entity, nil
}

// FindEntity locks the row when called inside RunInTx so conflict detection
// and apply see the same version.
func (s *Store) FindEntity(ctx context.Context, entityType domain.EntityType, id string) (*domain.Entity, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}
	query := `SELECT id, shop_id, branch_id, data, created_at, updated_at, deleted_at FROM ` + table +
		` WHERE id = $1 AND deleted_at IS NULL`
	if s.inTx {
		query += " FOR UPDATE"
	}
	entity, err := scanEntity(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return entity, nil
}

func (s *Store) CreateEntity(ctx context.Context, entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}
	if entity.ID == "" {
		return nil, store.ErrInvalidInput
	}
	data, err := encodeDocument(entity.Data)
	if err != nil {
		return nil, err
	}

	// A soft-deleted row of the same shop is revived. A live row, or one held
	// by another shop, makes the upsert return no row.
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO `+table+` AS t (id, shop_id, branch_id, data, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4::jsonb, clock_timestamp(), clock_timestamp(), NULL)
		ON CONFLICT (id) DO UPDATE
		SET shop_id = EXCLUDED.shop_id, branch_id = EXCLUDED.branch_id, data = EXCLUDED.data,
			updated_at = clock_timestamp(), deleted_at = NULL
		WHERE t.deleted_at IS NOT NULL AND t.shop_id = EXCLUDED.shop_id
		RETURNING id, shop_id, branch_id, data, created_at, updated_at, deleted_at
	`, entity.ID, entity.ShopID, nullIfEmpty(entity.BranchID), data)
	created, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s %s", store.ErrAlreadyExists, entityType, entity.ID)
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) UpdateEntity(ctx context.Context, entityType domain.EntityType, entity domain.Entity) (*domain.Entity, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}
	data, err := encodeDocument(entity.Data)
	if err != nil {
		return nil, err
	}

	row := s.q.QueryRowContext(ctx, `
		UPDATE `+table+`
		SET data = $2::jsonb,
			shop_id = COALESCE(NULLIF($3, ''), shop_id),
			branch_id = COALESCE(NULLIF($4, ''), branch_id),
			updated_at = clock_timestamp()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING id, shop_id, branch_id, data, created_at, updated_at, deleted_at
	`, entity.ID, data, entity.ShopID, entity.BranchID)
	updated, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return updated, nil
}

func (s *Store) SoftDeleteEntity(ctx context.Context, entityType domain.EntityType, id string, at time.Time) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE `+table+` SET deleted_at = $2, updated_at = clock_timestamp()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, at.UTC())
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) ListEntitiesChangedSince(ctx context.Context, entityType domain.EntityType, scope store.ScopeFilter, since time.Time, limit int) ([]domain.Entity, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}
	if len(scope.IDs) == 0 {
		return []domain.Entity{}, nil
	}
	if scope.Column != "shop_id" && scope.Column != "branch_id" {
		return nil, fmt.Errorf("scope column %q: %w", scope.Column, store.ErrInvalidInput)
	}
	if limit < 1 {
		limit = 100
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, shop_id, branch_id, data, created_at, updated_at, deleted_at
		FROM `+table+`
		WHERE `+scope.Column+` = ANY($1) AND updated_at > $2 AND deleted_at IS NULL
		ORDER BY updated_at ASC, id ASC
		LIMIT $3
	`, scope.IDs, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := make([]domain.Entity, 0, limit)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *entity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entities, nil
}

// ServerTime reads clock_timestamp() rather than now(), which is frozen at the
// start of the enclosing transaction.
func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	var at time.Time
	if err := s.q.QueryRowContext(ctx, `SELECT clock_timestamp()`).Scan(&at); err != nil {
		return time.Time{}, err
	}
	return at.UTC(), nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	shopIDs, err := json.Marshal(nonNilStrings(user.ShopIDs))
	if err != nil {
		return err
	}
	branchIDs, err := json.Marshal(nonNilStrings(user.BranchIDs))
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO users (username, password, role, shop_id, shop_ids, branch_ids, active, created_at)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8)
	`, user.Username, user.Password, user.Role, user.ShopID, string(shopIDs), string(branchIDs), user.Active, createdAtOrNow(user.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func scanUser(row rowScanner) (*domain.UserAccount, error) {
	var (
		user      domain.UserAccount
		shopIDs   []byte
		branchIDs []byte
	)
	if err := row.Scan(&user.Username, &user.Password, &user.Role, &user.ShopID, &shopIDs, &branchIDs, &user.Active, &user.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(shopIDs, &user.ShopIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(branchIDs, &user.BranchIDs); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT username, password, role, shop_id, shop_ids, branch_ids, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	user, err := scanUser(s.q.QueryRowContext(ctx, `
		SELECT username, password, role, shop_id, shop_ids, branch_ids, active, created_at
		FROM users
		WHERE username = $1
	`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.q.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, shop_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ShopID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, createdAtOrNow(entry.CreatedAt))
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, shopID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, shop_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR shop_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, shopID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ShopID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func encodeDocument(doc map[string]any) (string, error) {
	if doc == nil {
		return "{}", nil
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func encodeNullableDocument(doc map[string]any) (any, error) {
	if doc == nil {
		return nil, nil
	}
	return encodeDocument(doc)
}

func decodeDocument(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func createdAtOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func fromNullTime(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
