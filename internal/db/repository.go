package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/models"
)

// Repository provides persistence for readings, the sync queue, conflicts and
// dead letters.
type Repository struct {
	db *sql.DB

	// Prepared statements are cached by query text for the hot read paths.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value any) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", kind, id), err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to load %s %s", kind, id), err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// =====================================================
// Reading Operations
// =====================================================

const readingColumns = `id, backend_id, value, unit, timestamp, meal_context, notes,
	synced, is_local_only, server_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (*models.Reading, error) {
	var reading models.Reading
	var backendID sql.NullString
	err := row.Scan(
		&reading.ID, &backendID, &reading.Value, &reading.Unit, &reading.Timestamp,
		&reading.MealContext, &reading.Notes, &reading.Synced, &reading.IsLocalOnly,
		&reading.ServerHash, &reading.CreatedAt, &reading.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	reading.BackendID = backendID.String
	return &reading, nil
}

// GetReading retrieves a reading by local ID.
func (r *Repository) GetReading(ctx context.Context, id string) (*models.Reading, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+readingColumns+` FROM readings WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	reading, err := scanReading(stmt.QueryRowContext(ctx, id))
	if err != nil {
		return nil, notFound("reading", id, err)
	}
	return reading, nil
}

// GetReadingByBackendID retrieves a reading by its server-side ID.
func (r *Repository) GetReadingByBackendID(ctx context.Context, backendID string) (*models.Reading, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+readingColumns+` FROM readings WHERE backend_id = ?`)
	if err != nil {
		return nil, err
	}
	reading, err := scanReading(stmt.QueryRowContext(ctx, backendID))
	if err != nil {
		return nil, notFound("reading with backend id", backendID, err)
	}
	return reading, nil
}

// ReadingFilter narrows ListReadings.
type ReadingFilter struct {
	// Synced, when set, selects only synced (true) or unsynced (false) readings.
	Synced *bool
	Limit  int
}

// ListReadings returns readings ordered by measurement time.
func (r *Repository) ListReadings(ctx context.Context, filter ReadingFilter) ([]*models.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings`
	var args []any
	if filter.Synced != nil {
		query += ` WHERE synced = ?`
		args = append(args, *filter.Synced)
	}
	query += ` ORDER BY timestamp ASC, created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list readings", err)
	}
	defer rows.Close()

	var readings []*models.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan reading", err)
		}
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list readings", err)
	}
	return readings, nil
}

const upsertReading = `
	INSERT INTO readings (` + readingColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		backend_id = excluded.backend_id,
		value = excluded.value,
		unit = excluded.unit,
		timestamp = excluded.timestamp,
		meal_context = excluded.meal_context,
		notes = excluded.notes,
		synced = excluded.synced,
		is_local_only = excluded.is_local_only,
		server_hash = excluded.server_hash,
		updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putReading(ctx context.Context, ex execer, reading *models.Reading) error {
	if err := reading.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid reading", err)
	}
	if reading.CreatedAt == 0 {
		reading.CreatedAt = reading.UpdatedAt
	}
	_, err := ex.ExecContext(ctx, upsertReading,
		reading.ID, nullString(reading.BackendID), reading.Value, reading.Unit, reading.Timestamp,
		reading.MealContext, reading.Notes, reading.Synced, reading.IsLocalOnly,
		reading.ServerHash, reading.CreatedAt, reading.UpdatedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to put reading "+reading.ID, err)
	}
	return nil
}

// PutReading inserts or replaces a reading.
func (r *Repository) PutReading(ctx context.Context, reading *models.Reading) error {
	return putReading(ctx, r.db, reading)
}

// BulkPutReadings inserts or replaces readings in one transaction.
func (r *Repository) BulkPutReadings(ctx context.Context, readings []*models.Reading) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	for _, reading := range readings {
		if err := putReading(ctx, tx, reading); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit readings", err)
	}
	return nil
}

// DeleteReading removes a reading. Deleting a missing reading is not an error.
func (r *Repository) DeleteReading(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM readings WHERE id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete reading "+id, err)
	}
	return nil
}

// =====================================================
// Sync Queue Operations
// =====================================================

// InsertQueueItem appends an item and assigns its sequence number.
func (r *Repository) InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_queue (operation, entity_id, payload, retry_count, revision, enqueued_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(item.Operation), item.EntityID, string(item.Payload), item.RetryCount,
		item.Revision, item.EnqueuedAt, item.UpdatedAt, item.LastError,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert queue item", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read queue sequence", err)
	}
	item.Seq = seq
	return nil
}

// UpdateQueueItem persists the mutable fields of a queue item.
func (r *Repository) UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET operation = ?, payload = ?, retry_count = ?, revision = ?, updated_at = ?, last_error = ?
		WHERE seq = ?`,
		string(item.Operation), string(item.Payload), item.RetryCount, item.Revision,
		item.UpdatedAt, item.LastError, item.Seq,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update queue item", err)
	}
	return nil
}

// DeleteQueueItem removes a queue item by sequence number.
func (r *Repository) DeleteQueueItem(ctx context.Context, seq int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, seq); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete queue item", err)
	}
	return nil
}

// ListQueueItems returns all queue items in enqueue order.
func (r *Repository) ListQueueItems(ctx context.Context) ([]*models.SyncQueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, operation, entity_id, payload, retry_count, revision, enqueued_at, updated_at, last_error
		FROM sync_queue ORDER BY seq ASC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list queue items", err)
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		var item models.SyncQueueItem
		var op, payload string
		if err := rows.Scan(&item.Seq, &op, &item.EntityID, &payload, &item.RetryCount,
			&item.Revision, &item.EnqueuedAt, &item.UpdatedAt, &item.LastError); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan queue item", err)
		}
		item.Operation = models.SyncOperation(op)
		item.Payload = json.RawMessage(payload)
		items = append(items, &item)
	}
	return items, rows.Err()
}

// InsertDeadLetter records a queue item that exhausted its retries.
func (r *Repository) InsertDeadLetter(ctx context.Context, letter *models.DeadLetter) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (operation, entity_id, payload, retry_count, last_error, enqueued_at, dropped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(letter.Operation), letter.EntityID, string(letter.Payload), letter.RetryCount,
		letter.LastError, letter.EnqueuedAt, letter.DroppedAt,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to insert dead letter", err)
	}
	letter.ID, _ = res.LastInsertId()
	return nil
}

// ListDeadLetters returns dropped queue items, oldest first.
func (r *Repository) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, operation, entity_id, payload, retry_count, last_error, enqueued_at, dropped_at
		FROM dead_letters ORDER BY id ASC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list dead letters", err)
	}
	defer rows.Close()

	var letters []*models.DeadLetter
	for rows.Next() {
		var letter models.DeadLetter
		var op, payload string
		if err := rows.Scan(&letter.ID, &op, &letter.EntityID, &payload, &letter.RetryCount,
			&letter.LastError, &letter.EnqueuedAt, &letter.DroppedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan dead letter", err)
		}
		letter.Operation = models.SyncOperation(op)
		letter.Payload = json.RawMessage(payload)
		letters = append(letters, &letter)
	}
	return letters, rows.Err()
}

// =====================================================
// Conflict Operations
// =====================================================

// PutConflict inserts or replaces the conflict for an entity.
func (r *Repository) PutConflict(ctx context.Context, c *models.ConflictRecord) error {
	local, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("failed to encode local version: %w", err)
	}
	server, err := json.Marshal(c.Server)
	if err != nil {
		return fmt.Errorf("failed to encode server version: %w", err)
	}
	fields, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO conflicts (entity_id, backend_id, local_version, server_version, fields, detected_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			backend_id = excluded.backend_id,
			local_version = excluded.local_version,
			server_version = excluded.server_version,
			fields = excluded.fields,
			detected_at = excluded.detected_at,
			status = excluded.status`,
		c.EntityID, c.BackendID, string(local), string(server), string(fields), c.DetectedAt, string(c.Status),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to put conflict "+c.EntityID, err)
	}
	return nil
}

func scanConflict(row rowScanner) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var local, server, fields, status string
	if err := row.Scan(&c.EntityID, &c.BackendID, &local, &server, &fields, &c.DetectedAt, &status); err != nil {
		return nil, err
	}
	c.Status = models.ConflictStatus(status)
	if err := json.Unmarshal([]byte(local), &c.Local); err != nil {
		return nil, fmt.Errorf("failed to decode local version: %w", err)
	}
	if err := json.Unmarshal([]byte(server), &c.Server); err != nil {
		return nil, fmt.Errorf("failed to decode server version: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	return &c, nil
}

const conflictColumns = `entity_id, backend_id, local_version, server_version, fields, detected_at, status`

// GetConflict retrieves the conflict recorded for an entity.
func (r *Repository) GetConflict(ctx context.Context, entityID string) (*models.ConflictRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE entity_id = ?`, entityID)
	c, err := scanConflict(row)
	if err != nil {
		return nil, notFound("conflict", entityID, err)
	}
	return c, nil
}

// ListConflicts returns all recorded conflicts, oldest first.
func (r *Repository) ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts ORDER BY detected_at ASC, entity_id ASC`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// DeleteConflict removes the conflict for an entity.
func (r *Repository) DeleteConflict(ctx context.Context, entityID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM conflicts WHERE entity_id = ?`, entityID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete conflict "+entityID, err)
	}
	return nil
}
