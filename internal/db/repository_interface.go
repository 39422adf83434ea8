package db

import (
	"context"

	"github.com/diabetactic/glucosync/internal/models"
)

// ReadingStore is the reading persistence used by the sync engine and export.
type ReadingStore interface {
	GetReading(ctx context.Context, id string) (*models.Reading, error)
	GetReadingByBackendID(ctx context.Context, backendID string) (*models.Reading, error)
	ListReadings(ctx context.Context, filter ReadingFilter) ([]*models.Reading, error)
	PutReading(ctx context.Context, reading *models.Reading) error
	BulkPutReadings(ctx context.Context, readings []*models.Reading) error
	DeleteReading(ctx context.Context, id string) error
}

// QueueStore persists the sync queue and its dead letters.
type QueueStore interface {
	InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	DeleteQueueItem(ctx context.Context, seq int64) error
	ListQueueItems(ctx context.Context) ([]*models.SyncQueueItem, error)
	InsertDeadLetter(ctx context.Context, letter *models.DeadLetter) error
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
}

// ConflictStore persists detected sync conflicts.
type ConflictStore interface {
	PutConflict(ctx context.Context, c *models.ConflictRecord) error
	GetConflict(ctx context.Context, entityID string) (*models.ConflictRecord, error)
	ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error)
	DeleteConflict(ctx context.Context, entityID string) error
}

// Ensure Repository implements the store interfaces.
var (
	_ ReadingStore  = (*Repository)(nil)
	_ QueueStore    = (*Repository)(nil)
	_ ConflictStore = (*Repository)(nil)
)
