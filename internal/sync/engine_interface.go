// Package sync reconciles locally recorded readings with the gateway.
package sync

import (
	"context"

	"github.com/diabetactic/glucosync/internal/db"
	"github.com/diabetactic/glucosync/internal/models"
	"github.com/diabetactic/glucosync/internal/sync/conflict"
)

// SyncEngineInterface is the sync surface used by the scheduler, the
// workflow orchestrator and the CLI.
type SyncEngineInterface interface {
	// Push sends queued mutations. It never fails; outcomes are counted.
	Push(ctx context.Context) PushResult

	// Pull merges remote readings into the local store.
	Pull(ctx context.Context) PullResult

	// FullSync pushes then pulls.
	FullSync(ctx context.Context) FullSyncResult

	// State returns the current sync state snapshot.
	State() State

	// Subscribe registers fn for state changes and returns a cancel function.
	Subscribe(fn func(State)) (cancel func())

	RecordReading(ctx context.Context, in ReadingInput) (*models.Reading, error)
	EditReading(ctx context.Context, id string, in ReadingInput) (*models.Reading, error)
	DeleteReading(ctx context.Context, id string) error
	ResolveConflict(ctx context.Context, entityID string, choice conflict.Choice) error
}

// LocalStore is the reading persistence the engine depends on.
type LocalStore = db.ReadingStore

// Ensure Engine implements SyncEngineInterface.
var _ SyncEngineInterface = (*Engine)(nil)
