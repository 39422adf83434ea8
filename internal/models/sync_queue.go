package models

import "encoding/json"

// SyncOperation is the kind of mutation a queue item carries.
type SyncOperation string

const (
	OperationCreate SyncOperation = "create"
	OperationUpdate SyncOperation = "update"
	OperationDelete SyncOperation = "delete"
)

// IsUpsert reports whether op belongs to the create/update class.
func (op SyncOperation) IsUpsert() bool {
	return op == OperationCreate || op == OperationUpdate
}

// Valid reports whether op is a known operation.
func (op SyncOperation) Valid() bool {
	return op.IsUpsert() || op == OperationDelete
}

// SyncQueueItem represents a pending mutation awaiting push.
type SyncQueueItem struct {
	Seq        int64           `db:"seq" json:"seq"` // auto-increment, preserves enqueue order
	Operation  SyncOperation   `db:"operation" json:"operation"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	Revision   int             `db:"revision" json:"revision"`
	EnqueuedAt int64           `db:"enqueued_at" json:"enqueued_at"`
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// DeadLetter is a queue item that exhausted its retries.
type DeadLetter struct {
	ID         int64           `db:"id" json:"id"`
	Operation  SyncOperation   `db:"operation" json:"operation"`
	EntityID   string          `db:"entity_id" json:"entity_id"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	EnqueuedAt int64           `db:"enqueued_at" json:"enqueued_at"`
	DroppedAt  int64           `db:"dropped_at" json:"dropped_at"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letters"
}
