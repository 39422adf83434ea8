// Package conflict detects and records divergence between unsynced local
// readings and their server versions. Conflicts are surfaced for the user to
// resolve; nothing is merged automatically.
package conflict

import (
	"context"
	"time"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/logging"
	"github.com/diabetactic/glucosync/internal/models"
)

// Choice selects the winning side when resolving a conflict.
type Choice string

const (
	KeepLocal  Choice = "keep_local"
	KeepServer Choice = "keep_server"
)

// Valid reports whether c is a known choice.
func (c Choice) Valid() bool {
	return c == KeepLocal || c == KeepServer
}

// Detect returns the content fields in which local and server differ.
func Detect(local, server *models.Reading) []string {
	if local == nil || server == nil {
		return nil
	}
	var fields []string
	if local.Value != server.Value {
		fields = append(fields, "value")
	}
	if local.Unit != server.Unit {
		fields = append(fields, "unit")
	}
	if local.Timestamp != server.Timestamp {
		fields = append(fields, "timestamp")
	}
	if local.MealContext != server.MealContext {
		fields = append(fields, "meal_context")
	}
	if local.Notes != server.Notes {
		fields = append(fields, "notes")
	}
	return fields
}

// Persister stores conflict records.
type Persister interface {
	PutConflict(ctx context.Context, c *models.ConflictRecord) error
	GetConflict(ctx context.Context, entityID string) (*models.ConflictRecord, error)
	ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error)
	DeleteConflict(ctx context.Context, entityID string) error
}

// Store keeps at most one conflict per entity.
type Store struct {
	persister Persister
}

// NewStore creates a Store.
func NewStore(p Persister) *Store {
	return &Store{persister: p}
}

// Record upserts the conflict for local.ID, replacing any earlier record.
func (s *Store) Record(ctx context.Context, local, server *models.Reading, fields []string) (*models.ConflictRecord, error) {
	if local == nil || server == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict requires both versions")
	}
	record := &models.ConflictRecord{
		EntityID:   local.ID,
		BackendID:  server.BackendID,
		Local:      local.Clone(),
		Server:     server.Clone(),
		Fields:     fields,
		DetectedAt: time.Now().Unix(),
		Status:     models.ConflictStatusPending,
	}
	if err := s.persister.PutConflict(ctx, record); err != nil {
		return nil, err
	}

	logging.WarnCtx(ctx, "sync conflict detected", map[string]any{
		"entity_id":  record.EntityID,
		"backend_id": record.BackendID,
		"fields":     fields,
	})
	return record, nil
}

// Get returns the conflict for entityID.
func (s *Store) Get(ctx context.Context, entityID string) (*models.ConflictRecord, error) {
	return s.persister.GetConflict(ctx, entityID)
}

// List returns all conflicts awaiting a decision.
func (s *Store) List(ctx context.Context) ([]*models.ConflictRecord, error) {
	return s.persister.ListConflicts(ctx)
}

// Count returns the number of recorded conflicts.
func (s *Store) Count(ctx context.Context) (int, error) {
	list, err := s.persister.ListConflicts(ctx)
	return len(list), err
}

// Delete forgets the conflict for entityID.
func (s *Store) Delete(ctx context.Context, entityID string) error {
	return s.persister.DeleteConflict(ctx, entityID)
}

// Resolve removes the conflict and returns the reading that should win.
// The caller persists the winner.
func (s *Store) Resolve(ctx context.Context, entityID string, choice Choice) (*models.Reading, *models.ConflictRecord, error) {
	if !choice.Valid() {
		return nil, nil, apperrors.Newf(apperrors.ErrInvalid, "unknown resolution %q", choice)
	}
	record, err := s.persister.GetConflict(ctx, entityID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.persister.DeleteConflict(ctx, entityID); err != nil {
		return nil, nil, err
	}

	winner := record.Local.Clone()
	if choice == KeepServer {
		winner = record.Server.Clone()
		winner.ID = entityID
	}

	logging.InfoCtx(ctx, "conflict resolved", map[string]any{"entity_id": entityID, "choice": string(choice)})
	return winner, record, nil
}
