package sync

import (
	"context"
	"net/http"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diabetactic/glucosync/internal/db"
	"github.com/diabetactic/glucosync/internal/gateway"
	"github.com/diabetactic/glucosync/internal/gateway/gatewaytest"
	"github.com/diabetactic/glucosync/internal/models"
	"github.com/diabetactic/glucosync/internal/network"
	"github.com/diabetactic/glucosync/internal/sync/conflict"
	"github.com/diabetactic/glucosync/internal/sync/queue"
)

type harness struct {
	engine    *Engine
	srv       *gatewaytest.Server
	repo      *db.Repository
	queue     *queue.SyncQueue
	conflicts *conflict.Store
	monitor   *network.StaticMonitor
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()

	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	repo := db.NewRepository(database.DB)

	srv := gatewaytest.New(t)
	client, err := gateway.NewHTTPClient(srv.URL, nil, 5*time.Second)
	require.NoError(t, err)

	h := &harness{
		srv:       srv,
		repo:      repo,
		queue:     queue.New(repo),
		conflicts: conflict.NewStore(repo),
		monitor:   network.NewStaticMonitor(online),
	}
	h.engine = NewEngine(EngineConfig{
		Store:     repo,
		Queue:     h.queue,
		Conflicts: h.conflicts,
		Client:    client,
		Network:   h.monitor,
		AutoSync:  true,
	})
	return h
}

func input(value float64) ReadingInput {
	return ReadingInput{Value: value, Unit: models.UnitMgDL, Timestamp: 1_700_000_000}
}

func (h *harness) reading(t *testing.T, id string) *models.Reading {
	t.Helper()
	r, err := h.repo.GetReading(context.Background(), id)
	require.NoError(t, err)
	return r
}

// syncedReading records a reading and pushes it.
func (h *harness) syncedReading(t *testing.T, value float64) *models.Reading {
	t.Helper()
	r, err := h.engine.RecordReading(context.Background(), input(value))
	require.NoError(t, err)
	require.Equal(t, 1, h.engine.Push(context.Background()).Success)
	return h.reading(t, r.ID)
}

func TestScenarioA_offlineCreatesThenFullSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	var ids []string
	for _, v := range []float64{100, 110, 120} {
		r, err := h.engine.RecordReading(ctx, input(v))
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	assert.Equal(t, 3, h.queue.Len())
	assert.Equal(t, FullSyncResult{}, h.engine.FullSync(ctx), "offline sync is a no-op")

	h.monitor.Set(true)
	result := h.engine.FullSync(ctx)

	assert.Equal(t, PushResult{Success: 3}, result.Push)
	assert.Zero(t, h.queue.Len())
	for _, id := range ids {
		r := h.reading(t, id)
		assert.True(t, r.Synced)
		assert.NotEmpty(t, r.BackendID)
		assert.False(t, r.IsLocalOnly)
	}
	assert.Len(t, h.srv.Readings(), 3)
	assert.Zero(t, result.Pull.Inserted, "pushed readings are matched, not duplicated")
}

func TestScenarioB_pendingEditConflicts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	r := h.syncedReading(t, 100)
	_, err := h.engine.EditReading(ctx, r.ID, input(110))
	require.NoError(t, err)

	h.srv.SetReading(r.BackendID, gateway.RemoteReading{Value: 120, Unit: models.UnitMgDL, Timestamp: 1_700_000_000})

	result := h.engine.Pull(ctx)
	assert.Equal(t, 1, result.Conflicts)
	assert.Zero(t, result.Merged)

	list, err := h.conflicts.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 110.0, list[0].Local.Value)
	assert.Equal(t, 120.0, list[0].Server.Value)
	assert.Equal(t, []string{"value"}, list[0].Fields)

	local := h.reading(t, r.ID)
	assert.Equal(t, 110.0, local.Value, "local is untouched")
	assert.False(t, local.Synced)

	// Pulling again keeps a single record.
	h.engine.Pull(ctx)
	count, err := h.conflicts.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, h.engine.State().Conflicts)

	// The queued edit is held back while the conflict is open.
	push := h.engine.Push(ctx)
	assert.Equal(t, 1, push.Skipped)
	rr, _ := h.srv.Reading(r.BackendID)
	assert.Equal(t, 120.0, rr.Value)
}

func TestPull_unchangedServerKeepsPendingEdit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	r := h.syncedReading(t, 100)
	_, err := h.engine.EditReading(ctx, r.ID, input(110))
	require.NoError(t, err)

	h.srv.SetFailure(http.StatusServiceUnavailable)
	failed := h.engine.FullSync(ctx)
	require.Equal(t, 1, failed.Push.Failed)
	h.srv.SetFailure(0)

	result := h.engine.Pull(ctx)
	assert.Equal(t, PullResult{}, result, "server still holds the last synced copy")
	assert.Zero(t, h.engine.State().Conflicts)

	local := h.reading(t, r.ID)
	assert.Equal(t, 110.0, local.Value)
	assert.False(t, local.Synced)
	assert.Equal(t, 1, h.queue.Len())

	push := h.engine.Push(ctx)
	assert.Equal(t, PushResult{Success: 1}, push)
	rr, _ := h.srv.Reading(r.BackendID)
	assert.Equal(t, 110.0, rr.Value)
	assert.True(t, h.reading(t, r.ID).Synced)
}

func TestPull_matchingServerEditAdvancesBaseline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	r := h.syncedReading(t, 100)
	_, err := h.engine.EditReading(ctx, r.ID, input(120))
	require.NoError(t, err)
	h.srv.SetReading(r.BackendID, gateway.RemoteReading{Value: 120, Unit: models.UnitMgDL, Timestamp: 1_700_000_000})

	assert.Zero(t, h.engine.Pull(ctx).Conflicts)
	local := h.reading(t, r.ID)
	assert.Equal(t, local.ContentHash(), local.ServerHash)

	// A later pull of the same server copy is still quiet.
	assert.Zero(t, h.engine.Pull(ctx).Conflicts)
	assert.Equal(t, PushResult{Success: 1}, h.engine.Push(ctx))
}

func TestPull_serverWinsWithoutPendingEdit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	r := h.syncedReading(t, 100)
	h.srv.SetReading(r.BackendID, gateway.RemoteReading{Value: 130, Unit: models.UnitMgDL, Timestamp: 1_700_000_000, Notes: "fixed"})

	result := h.engine.Pull(ctx)
	assert.Equal(t, 1, result.Merged)
	assert.Zero(t, result.Conflicts)

	local := h.reading(t, r.ID)
	assert.Equal(t, 130.0, local.Value)
	assert.Equal(t, "fixed", local.Notes)
	assert.True(t, local.Synced)
}

func TestPull_insertsUnseenAndNeverDeletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	kept := h.syncedReading(t, 90)
	backendID := h.srv.SeedReading(gateway.RemoteReading{Value: 150, Unit: models.UnitMgDL, Timestamp: 1_700_000_100})

	result := h.engine.Pull(ctx)
	assert.Equal(t, 1, result.Inserted)

	inserted, err := h.repo.GetReadingByBackendID(ctx, backendID)
	require.NoError(t, err)
	assert.True(t, inserted.Synced)
	assert.NotEmpty(t, inserted.ID)

	// Removing the server copy does not delete locally.
	h.srv.SetFailure(0)
	resp := gatewayDelete(t, h, kept.BackendID)
	require.True(t, resp.Success)
	h.engine.Pull(ctx)
	assert.NotNil(t, h.reading(t, kept.ID))
}

func gatewayDelete(t *testing.T, h *harness, backendID string) gateway.Response {
	t.Helper()
	client, err := gateway.NewHTTPClient(h.srv.URL, nil, time.Second)
	require.NoError(t, err)
	return client.Request(context.Background(), gateway.EndpointReadingDelete, gateway.Options{
		Params: map[string]string{"id": backendID},
	})
}

func TestPull_skipsPendingDeletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	r := h.syncedReading(t, 100)
	require.NoError(t, h.engine.DeleteReading(ctx, r.ID))

	result := h.engine.Pull(ctx)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Inserted, "deleted reading is not resurrected")

	push := h.engine.Push(ctx)
	assert.Equal(t, 1, push.Success)
	assert.Empty(t, h.srv.Readings())
}

func TestPull_fetchFailureReported(t *testing.T) {
	h := newHarness(t, true)
	h.srv.SetFailure(http.StatusInternalServerError)

	result := h.engine.Pull(context.Background())
	assert.NotEmpty(t, result.Error)
	assert.Zero(t, result.Merged)
}

func TestPush_failuresDropAfterThreeAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	r, err := h.engine.RecordReading(ctx, input(100))
	require.NoError(t, err)
	h.srv.SetFailure(http.StatusServiceUnavailable)

	assert.Equal(t, PushResult{Failed: 1}, h.engine.Push(ctx))
	assert.Equal(t, PushResult{Failed: 1}, h.engine.Push(ctx))
	assert.Equal(t, PushResult{Failed: 1, Dropped: 1}, h.engine.Push(ctx))

	assert.Zero(t, h.queue.Len())
	assert.Equal(t, int64(1), h.queue.Stats().Dropped)
	letters, err := h.queue.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Len(t, letters, 1)

	assert.False(t, h.reading(t, r.ID).Synced)
}

func TestPush_transportErrorConsumesRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	_, err := h.engine.RecordReading(ctx, input(100))
	require.NoError(t, err)
	h.srv.Close()

	assert.Equal(t, 1, h.engine.Push(ctx).Failed)
	assert.Equal(t, 1, h.queue.DequeueBatch()[0].RetryCount)
}

func TestPush_singleFlight(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.engine.RecordReading(context.Background(), input(100))
	require.NoError(t, err)

	release := h.srv.Block()

	const callers = 5
	results := make([]PushResult, callers)
	var wg gosync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.engine.Push(context.Background())
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	release()
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, PushResult{Success: 1}, r)
	}
	assert.Equal(t, 1, h.srv.Calls(gateway.EndpointReadingCreate))
}

func TestPull_singleFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.srv.SeedReading(gateway.RemoteReading{Value: 150, Unit: models.UnitMgDL, Timestamp: 1_700_000_100})

	release := h.srv.Block()

	const callers = 5
	results := make([]PullResult, callers)
	var wg gosync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.engine.Pull(ctx)
		}(i)
	}

	require.Eventually(t, func() bool {
		return h.engine.State().Status == SyncStatusPulling
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	release()
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, PullResult{Inserted: 1}, r)
	}
	assert.Equal(t, 1, h.srv.Calls(gateway.EndpointReadingsMine))

	local, err := h.repo.ListReadings(ctx, db.ReadingFilter{})
	require.NoError(t, err)
	assert.Len(t, local, 1, "one flight inserts once")
}

func TestPush_survivesCallerCancellation(t *testing.T) {
	h := newHarness(t, true)
	r, err := h.engine.RecordReading(context.Background(), input(100))
	require.NoError(t, err)

	release := h.srv.Block()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan PushResult)
	go func() { done <- h.engine.Push(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	release()

	assert.Equal(t, PushResult{Success: 1}, <-done)
	assert.True(t, h.reading(t, r.ID).Synced)
}

func TestPush_editDuringFlightStaysQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	r, err := h.engine.RecordReading(ctx, input(100))
	require.NoError(t, err)

	release := h.srv.Block()
	done := make(chan PushResult)
	go func() { done <- h.engine.Push(ctx) }()

	time.Sleep(50 * time.Millisecond)
	_, err = h.engine.EditReading(ctx, r.ID, input(105))
	require.NoError(t, err)
	release()
	require.Equal(t, 1, (<-done).Success)

	local := h.reading(t, r.ID)
	assert.NotEmpty(t, local.BackendID)
	assert.False(t, local.Synced)

	items := h.queue.DequeueBatch()
	require.Len(t, items, 1)
	assert.Equal(t, models.OperationUpdate, items[0].Operation, "pending create becomes an update")

	require.Equal(t, 1, h.engine.Push(ctx).Success)
	assert.Len(t, h.srv.Readings(), 1)
	rr, _ := h.srv.Reading(local.BackendID)
	assert.Equal(t, 105.0, rr.Value)
	assert.True(t, h.reading(t, r.ID).Synced)
}

func TestDeleteReading(t *testing.T) {
	ctx := context.Background()

	t.Run("synced reading deletes on server", func(t *testing.T) {
		h := newHarness(t, true)
		r := h.syncedReading(t, 100)

		require.NoError(t, h.engine.DeleteReading(ctx, r.ID))
		assert.Equal(t, 1, h.engine.Push(ctx).Success)
		assert.Equal(t, 1, h.srv.Calls(gateway.EndpointReadingDelete))
		assert.Empty(t, h.srv.Readings())
	})

	t.Run("never synced reading needs no network", func(t *testing.T) {
		h := newHarness(t, true)
		r, err := h.engine.RecordReading(ctx, input(100))
		require.NoError(t, err)

		require.NoError(t, h.engine.DeleteReading(ctx, r.ID))
		assert.Equal(t, 1, h.queue.Len(), "delete supersedes the create")

		assert.Equal(t, PushResult{Success: 1}, h.engine.Push(ctx))
		assert.Zero(t, h.srv.Calls(gateway.EndpointReadingCreate))
		assert.Zero(t, h.srv.Calls(gateway.EndpointReadingDelete))
	})

	t.Run("already gone on server", func(t *testing.T) {
		h := newHarness(t, true)
		r := h.syncedReading(t, 100)
		require.True(t, gatewayDelete(t, h, r.BackendID).Success)

		require.NoError(t, h.engine.DeleteReading(ctx, r.ID))
		assert.Equal(t, 1, h.engine.Push(ctx).Success)
	})
}

func TestResolveConflict(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*harness, *models.Reading) {
		h := newHarness(t, true)
		r := h.syncedReading(t, 100)
		_, err := h.engine.EditReading(ctx, r.ID, input(110))
		require.NoError(t, err)
		h.srv.SetReading(r.BackendID, gateway.RemoteReading{Value: 120, Unit: models.UnitMgDL, Timestamp: 1_700_000_000})
		require.Equal(t, 1, h.engine.Pull(ctx).Conflicts)
		return h, r
	}

	t.Run("keep server", func(t *testing.T) {
		h, r := setup(t)
		require.NoError(t, h.engine.ResolveConflict(ctx, r.ID, conflict.KeepServer))

		local := h.reading(t, r.ID)
		assert.Equal(t, 120.0, local.Value)
		assert.True(t, local.Synced)
		assert.Zero(t, h.queue.Len())
		assert.Zero(t, h.engine.State().Conflicts)
	})

	t.Run("keep local", func(t *testing.T) {
		h, r := setup(t)
		require.NoError(t, h.engine.ResolveConflict(ctx, r.ID, conflict.KeepLocal))

		assert.Equal(t, 1, h.engine.Push(ctx).Success)
		rr, _ := h.srv.Reading(r.BackendID)
		assert.Equal(t, 110.0, rr.Value)
		assert.True(t, h.reading(t, r.ID).Synced)
	})
}

func TestRecordReading_validates(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.RecordReading(context.Background(), ReadingInput{Value: -1, Unit: models.UnitMgDL, Timestamp: 1})
	assert.Error(t, err)
	assert.Zero(t, h.queue.Len())
}

func TestStart_reconnectTriggersFullSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	for i := 0; i < 3; i++ {
		_, err := h.engine.RecordReading(ctx, input(100+float64(i)))
		require.NoError(t, err)
	}

	var mu gosync.Mutex
	var states []State
	cancel := h.engine.Subscribe(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	defer cancel()

	h.engine.Start(ctx)
	h.monitor.Set(true)

	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	h.engine.Stop()

	assert.Equal(t, 3, h.srv.Calls(gateway.EndpointReadingCreate))
	assert.Equal(t, 1, h.srv.Calls(gateway.EndpointReadingsMine))
	state := h.engine.State()
	assert.True(t, state.Online)
	assert.Equal(t, 3, state.LastPush.Success)

	mu.Lock()
	assert.NotEmpty(t, states)
	mu.Unlock()

	// After Stop, transitions no longer trigger syncs.
	h.monitor.Set(false)
	h.monitor.Set(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.srv.Calls(gateway.EndpointReadingsMine))
}

func TestFullSync_joinsReconnectSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	for _, v := range []float64{100, 110} {
		_, err := h.engine.RecordReading(ctx, input(v))
		require.NoError(t, err)
	}

	release := h.srv.Block()
	h.engine.Start(ctx)
	defer h.engine.Stop()
	h.monitor.Set(true)

	require.Eventually(t, func() bool {
		return h.engine.State().Status == SyncStatusPushing
	}, 5*time.Second, 5*time.Millisecond)

	done := make(chan FullSyncResult, 1)
	go func() { done <- h.engine.FullSync(ctx) }()

	time.Sleep(50 * time.Millisecond)
	release()
	manual := <-done

	assert.Equal(t, PushResult{Success: 2}, manual.Push, "manual sync shares the reconnect flight")
	assert.Empty(t, manual.Pull.Error)
	assert.Equal(t, 2, h.srv.Calls(gateway.EndpointReadingCreate))
	assert.Equal(t, 1, h.srv.Calls(gateway.EndpointReadingsMine))
	assert.Len(t, h.srv.Readings(), 2)
	assert.Zero(t, h.queue.Len())
}
