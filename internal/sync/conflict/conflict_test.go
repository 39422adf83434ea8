package conflict

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diabetactic/glucosync/internal/db"
	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/models"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(db.NewRepository(database.DB))
}

func pair() (*models.Reading, *models.Reading) {
	local := &models.Reading{ID: "r-1", BackendID: "42", Value: 120, Unit: models.UnitMgDL, Timestamp: 1000, Notes: "mine"}
	server := &models.Reading{ID: "r-1", BackendID: "42", Value: 140, Unit: models.UnitMgDL, Timestamp: 1000, Notes: "mine", Synced: true}
	return local, server
}

func TestDetect(t *testing.T) {
	local, server := pair()
	assert.Equal(t, []string{"value"}, Detect(local, server))

	server.Value = local.Value
	assert.Empty(t, Detect(local, server))

	server.Unit = models.UnitMmolL
	server.MealContext = "fasting"
	assert.Equal(t, []string{"unit", "meal_context"}, Detect(local, server))

	assert.Nil(t, Detect(nil, server))
}

func TestRecord_onePerEntity(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	local, server := pair()

	_, err := s.Record(ctx, local, server, Detect(local, server))
	require.NoError(t, err)

	server.Value = 150
	_, err = s.Record(ctx, local, server, Detect(local, server))
	require.NoError(t, err)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := s.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 150.0, got.Server.Value)
	assert.Equal(t, models.ConflictStatusPending, got.Status)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	local, server := pair()

	t.Run("keep server", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Record(ctx, local, server, []string{"value"})
		require.NoError(t, err)

		winner, record, err := s.Resolve(ctx, "r-1", KeepServer)
		require.NoError(t, err)
		assert.Equal(t, 140.0, winner.Value)
		assert.Equal(t, "r-1", winner.ID)
		assert.Equal(t, "42", record.BackendID)

		_, err = s.Get(ctx, "r-1")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})

	t.Run("keep local", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Record(ctx, local, server, []string{"value"})
		require.NoError(t, err)

		winner, _, err := s.Resolve(ctx, "r-1", KeepLocal)
		require.NoError(t, err)
		assert.Equal(t, 120.0, winner.Value)
	})

	t.Run("invalid choice", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.Resolve(ctx, "r-1", "merge")
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	})

	t.Run("unknown entity", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.Resolve(ctx, "missing", KeepLocal)
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})
}
