package sync

import (
	"context"
	"encoding/json"
	"net/http"
	gosync "sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/gateway"
	"github.com/diabetactic/glucosync/internal/logging"
	"github.com/diabetactic/glucosync/internal/models"
	"github.com/diabetactic/glucosync/internal/network"
	"github.com/diabetactic/glucosync/internal/sync/conflict"
	"github.com/diabetactic/glucosync/internal/sync/queue"
	"github.com/diabetactic/glucosync/internal/telemetry"
	"github.com/diabetactic/glucosync/internal/uuid"
)

// SyncStatus is what the engine is doing right now.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusPushing SyncStatus = "pushing"
	SyncStatusPulling SyncStatus = "pulling"
)

// PushResult counts the outcome of one push.
type PushResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	// Skipped items belong to entities with an unresolved conflict.
	Skipped int `json:"skipped"`
	Dropped int `json:"dropped"`
}

// PullResult counts the outcome of one pull. Error is set when the remote
// readings could not be fetched.
type PullResult struct {
	Merged    int    `json:"merged"`
	Inserted  int    `json:"inserted"`
	Conflicts int    `json:"conflicts"`
	Skipped   int    `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// FullSyncResult combines a push and the pull that followed it.
type FullSyncResult struct {
	Push PushResult `json:"push"`
	Pull PullResult `json:"pull"`
}

// State is an observable snapshot of the engine.
type State struct {
	Status     SyncStatus `json:"status"`
	Online     bool       `json:"online"`
	Pending    int        `json:"pending"`
	Conflicts  int        `json:"conflicts"`
	LastSyncAt time.Time  `json:"last_sync_at,omitempty"`
	LastPush   PushResult `json:"last_push"`
	LastPull   PullResult `json:"last_pull"`
}

// ReadingInput carries user-editable reading fields.
type ReadingInput struct {
	Value       float64
	Unit        string
	Timestamp   int64
	MealContext string
	Notes       string
}

// deletePayload is the queue payload of a delete.
type deletePayload struct {
	BackendID string `json:"backend_id"`
}

// EngineConfig holds the engine's collaborators.
type EngineConfig struct {
	Store       LocalStore
	Queue       *queue.SyncQueue
	Conflicts   *conflict.Store
	Client      gateway.Client
	Network     network.Monitor
	Instruments *telemetry.Instruments
	// AutoSync runs a full sync on every offline to online transition.
	AutoSync bool
}

// Engine runs push and pull against the gateway. Each of push, pull and full
// sync is single-flight: concurrent callers share the running flight and its
// result. Flights are detached from caller cancellation.
type Engine struct {
	store     LocalStore
	queue     *queue.SyncQueue
	conflicts *conflict.Store
	client    gateway.Client
	network   network.Monitor
	inst      *telemetry.Instruments
	tracer    trace.Tracer
	autoSync  bool

	pushFlight singleflight.Group
	pullFlight singleflight.Group
	fullFlight singleflight.Group

	// storeMu serializes read-modify-write of local readings between user
	// mutations and flights.
	storeMu gosync.Mutex

	mu      gosync.Mutex
	state   State
	subs    map[int]func(State)
	nextSub int

	lifecycleMu gosync.Mutex
	unsubscribe func()
	autoWG      gosync.WaitGroup
}

// NewEngine creates an engine. Call Start to follow connectivity changes.
func NewEngine(cfg EngineConfig) *Engine {
	inst := cfg.Instruments
	if inst == nil {
		inst = telemetry.NoopInstruments()
	}
	monitor := cfg.Network
	if monitor == nil {
		monitor = network.NewStaticMonitor(true)
	}

	e := &Engine{
		store:     cfg.Store,
		queue:     cfg.Queue,
		conflicts: cfg.Conflicts,
		client:    cfg.Client,
		network:   monitor,
		inst:      inst,
		tracer:    telemetry.Tracer(),
		autoSync:  cfg.AutoSync,
		subs:      make(map[int]func(State)),
	}
	e.state = State{
		Status:  SyncStatusIdle,
		Online:  monitor.Status().Online,
		Pending: cfg.Queue.Len(),
	}
	return e
}

// Start follows the network monitor. Stop undoes it.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.unsubscribe != nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	e.refreshCounts(ctx)
	e.unsubscribe = e.network.Subscribe(func(s network.Status) {
		e.update(func(st *State) { st.Online = s.Online })
		if !s.Online || !e.autoSync {
			return
		}
		e.autoWG.Add(1)
		go func() {
			defer e.autoWG.Done()
			logging.Info("connectivity restored, syncing")
			e.FullSync(ctx)
		}()
	})
}

// Stop unsubscribes from the network monitor and waits for automatic syncs.
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.lifecycleMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.autoWG.Wait()
}

// State returns the current snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe registers fn for state changes.
func (e *Engine) Subscribe(fn func(State)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) update(mutate func(*State)) {
	e.mu.Lock()
	mutate(&e.state)
	state := e.state
	subs := make([]func(State), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

func (e *Engine) refreshCounts(ctx context.Context) {
	conflicts, err := e.conflicts.Count(ctx)
	if err != nil {
		logging.Warn("failed to count conflicts", map[string]any{"error": err.Error()})
	}
	pending := e.queue.Len()
	e.update(func(st *State) {
		st.Pending = pending
		if err == nil {
			st.Conflicts = conflicts
		}
	})
}

func (e *Engine) online() bool {
	return e.network.Status().Online
}

// =====================================================
// Flights
// =====================================================

// Push sends every queued item once. Offline it does nothing.
func (e *Engine) Push(ctx context.Context) PushResult {
	if !e.online() {
		return PushResult{}
	}
	ctx = context.WithoutCancel(ctx)
	v, _, _ := e.pushFlight.Do("push", func() (any, error) {
		return e.push(ctx), nil
	})
	return v.(PushResult)
}

// Pull merges the remote readings. Offline it does nothing.
func (e *Engine) Pull(ctx context.Context) PullResult {
	if !e.online() {
		return PullResult{}
	}
	ctx = context.WithoutCancel(ctx)
	v, _, _ := e.pullFlight.Do("pull", func() (any, error) {
		return e.pull(ctx), nil
	})
	return v.(PullResult)
}

// FullSync runs Push then Pull, sharing their flights with other callers.
func (e *Engine) FullSync(ctx context.Context) FullSyncResult {
	if !e.online() {
		return FullSyncResult{}
	}
	ctx = context.WithoutCancel(ctx)
	v, _, _ := e.fullFlight.Do("full", func() (any, error) {
		ctx, span := e.tracer.Start(ctx, "sync.full")
		defer span.End()

		result := FullSyncResult{Push: e.Push(ctx)}
		result.Pull = e.Pull(ctx)
		e.update(func(st *State) { st.LastSyncAt = time.Now() })
		return result, nil
	})
	return v.(FullSyncResult)
}

func (e *Engine) push(ctx context.Context) PushResult {
	ctx, span := e.tracer.Start(ctx, "sync.push")
	defer span.End()

	e.update(func(st *State) { st.Status = SyncStatusPushing })

	var result PushResult
	for _, it := range e.queue.DequeueBatch() {
		if it.Operation.IsUpsert() && e.hasConflict(ctx, it.EntityID) {
			result.Skipped++
			continue
		}

		if err := e.pushItem(ctx, it); err != nil {
			result.Failed++
			e.inst.PushFailed.Add(ctx, 1)
			if e.queue.RecordFailure(ctx, it, err.Error()) {
				result.Dropped++
			}
			logging.WarnCtx(ctx, "push failed", map[string]any{
				"operation": string(it.Operation),
				"entity_id": it.EntityID,
				"error":     err.Error(),
			})
			continue
		}
		result.Success++
		e.inst.PushSuccess.Add(ctx, 1)
	}

	span.SetAttributes(
		attribute.Int("push.success", result.Success),
		attribute.Int("push.failed", result.Failed),
	)
	logging.InfoCtx(ctx, "push finished", map[string]any{
		"success": result.Success,
		"failed":  result.Failed,
		"skipped": result.Skipped,
		"dropped": result.Dropped,
	})

	pending := e.queue.Len()
	e.update(func(st *State) {
		st.Status = SyncStatusIdle
		st.Pending = pending
		st.LastPush = result
	})
	return result
}

func (e *Engine) hasConflict(ctx context.Context, entityID string) bool {
	_, err := e.conflicts.Get(ctx, entityID)
	return err == nil
}

// pushItem sends one item. On success the item is completed and the local
// reading updated; a returned error means the item consumed a retry.
func (e *Engine) pushItem(ctx context.Context, it queue.Item) error {
	if it.Operation == models.OperationDelete {
		return e.pushDelete(ctx, it)
	}

	var snapshot models.Reading
	if err := json.Unmarshal(it.Payload, &snapshot); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "corrupt queue payload", err)
	}

	var resp gateway.Response
	if it.Operation == models.OperationCreate {
		resp = e.client.Request(ctx, gateway.EndpointReadingCreate, gateway.Options{
			Body: gateway.FromReading(&models.Reading{
				Value: snapshot.Value, Unit: snapshot.Unit, Timestamp: snapshot.Timestamp,
				MealContext: snapshot.MealContext, Notes: snapshot.Notes,
			}),
		})
	} else {
		backendID, err := e.backendIDFor(ctx, &snapshot)
		if err != nil {
			return err
		}
		snapshot.BackendID = backendID
		resp = e.client.Request(ctx, gateway.EndpointReadingUpdate, gateway.Options{
			Body:   gateway.FromReading(&snapshot),
			Params: map[string]string{"id": backendID},
		})
	}
	if err := resp.Err(); err != nil {
		return err
	}

	backendID := snapshot.BackendID
	if it.Operation == models.OperationCreate {
		var created gateway.RemoteReading
		if err := resp.Decode(&created); err != nil || created.ID.String() == "" {
			return apperrors.New(apperrors.ErrGatewayRejected, "create response has no id")
		}
		backendID = created.ID.String()
	}

	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	completed := e.queue.Complete(ctx, it)

	local, err := e.store.GetReading(ctx, it.EntityID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		// Deleted while in flight: make sure the server copy goes too.
		if it.Operation == models.OperationCreate {
			if err := e.enqueueDelete(ctx, it.EntityID, backendID); err != nil {
				logging.ErrorCtx(ctx, "failed to queue delete of orphaned reading", err, map[string]any{"backend_id": backendID})
			}
		}
		return nil
	}
	if err != nil {
		logging.ErrorCtx(ctx, "failed to load pushed reading", err, map[string]any{"entity_id": it.EntityID})
		return nil
	}

	if completed {
		local.MarkSynced(backendID)
	} else {
		// A newer edit is queued; it now targets the backend entity.
		local.BackendID = backendID
		local.IsLocalOnly = false
		if err := e.queue.PromoteToUpdate(ctx, it.EntityID); err != nil {
			logging.ErrorCtx(ctx, "failed to promote queued create", err, map[string]any{"entity_id": it.EntityID})
		}
	}
	local.ServerHash = snapshot.ContentHash()
	if err := e.store.PutReading(ctx, local); err != nil {
		logging.ErrorCtx(ctx, "failed to mark reading synced", err, map[string]any{"entity_id": it.EntityID})
	}
	return nil
}

func (e *Engine) backendIDFor(ctx context.Context, snapshot *models.Reading) (string, error) {
	if snapshot.BackendID != "" {
		return snapshot.BackendID, nil
	}
	local, err := e.store.GetReading(ctx, snapshot.ID)
	if err != nil {
		return "", err
	}
	if !local.HasBackendID() {
		return "", apperrors.Newf(apperrors.ErrInvalid, "update for %s has no backend id", snapshot.ID)
	}
	return local.BackendID, nil
}

func (e *Engine) pushDelete(ctx context.Context, it queue.Item) error {
	var payload deletePayload
	if err := json.Unmarshal(it.Payload, &payload); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "corrupt queue payload", err)
	}

	if payload.BackendID != "" {
		resp := e.client.Request(ctx, gateway.EndpointReadingDelete, gateway.Options{
			Params: map[string]string{"id": payload.BackendID},
		})
		// Already gone on the server counts as deleted.
		if resp.StatusCode != http.StatusNotFound {
			if err := resp.Err(); err != nil {
				return err
			}
		}
	}

	e.queue.Complete(ctx, it)
	return nil
}

func (e *Engine) pull(ctx context.Context) PullResult {
	ctx, span := e.tracer.Start(ctx, "sync.pull")
	defer span.End()

	e.update(func(st *State) { st.Status = SyncStatusPulling })
	result := e.merge(ctx)
	if result.Error != "" {
		span.SetStatus(codes.Error, result.Error)
		logging.WarnCtx(ctx, "pull failed", map[string]any{"error": result.Error})
	} else {
		logging.InfoCtx(ctx, "pull finished", map[string]any{
			"merged":    result.Merged,
			"inserted":  result.Inserted,
			"conflicts": result.Conflicts,
			"skipped":   result.Skipped,
		})
	}

	e.inst.PullMerged.Add(ctx, int64(result.Merged+result.Inserted))
	e.inst.ConflictsDetected.Add(ctx, int64(result.Conflicts))
	e.refreshCounts(ctx)
	e.update(func(st *State) {
		st.Status = SyncStatusIdle
		st.LastPull = result
	})
	return result
}

// merge applies the remote readings in server order. A server copy that
// still matches the reading's baseline changes nothing. One that moved while
// a local edit is pending yields a conflict and is left alone; otherwise the
// server version wins. Remote absence never deletes locally.
func (e *Engine) merge(ctx context.Context) PullResult {
	var result PullResult

	resp := e.client.Request(ctx, gateway.EndpointReadingsMine, gateway.Options{})
	if err := resp.Err(); err != nil {
		result.Error = err.Error()
		return result
	}
	var remote []gateway.RemoteReading
	if err := resp.Decode(&remote); err != nil {
		result.Error = apperrors.Wrap(apperrors.ErrGatewayRejected, "decode readings", err).Error()
		return result
	}

	deleting := e.pendingDeleteBackendIDs()

	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	now := time.Now().Unix()
	for _, rr := range remote {
		backendID := rr.ID.String()
		if backendID == "" {
			continue
		}
		if _, ok := deleting[backendID]; ok {
			result.Skipped++
			continue
		}

		local, err := e.store.GetReadingByBackendID(ctx, backendID)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			fresh := &models.Reading{ID: uuid.New(), CreatedAt: now, UpdatedAt: now}
			rr.ApplyTo(fresh)
			if err := e.store.PutReading(ctx, fresh); err != nil {
				logging.ErrorCtx(ctx, "failed to insert remote reading", err, map[string]any{"backend_id": backendID})
				continue
			}
			result.Inserted++
			continue
		}
		if err != nil {
			logging.ErrorCtx(ctx, "failed to load local reading", err, map[string]any{"backend_id": backendID})
			continue
		}

		server := local.Clone()
		rr.ApplyTo(server)
		serverMoved := local.ServerHash != server.ServerHash

		fields := conflict.Detect(local, server)
		if len(fields) == 0 {
			if serverMoved {
				local.ServerHash = server.ServerHash
				if err := e.store.PutReading(ctx, local); err != nil {
					logging.ErrorCtx(ctx, "failed to update server baseline", err, map[string]any{"entity_id": local.ID})
				}
			}
			continue
		}

		if !local.Synced || e.queue.HasPendingUpsert(local.ID) {
			if !serverMoved {
				// The server still holds what we last saw; the queued edit wins.
				continue
			}
			if _, err := e.conflicts.Record(ctx, local, server, fields); err != nil {
				logging.ErrorCtx(ctx, "failed to record conflict", err, map[string]any{"entity_id": local.ID})
				continue
			}
			result.Conflicts++
			continue
		}

		server.UpdatedAt = now
		if err := e.store.PutReading(ctx, server); err != nil {
			logging.ErrorCtx(ctx, "failed to merge remote reading", err, map[string]any{"entity_id": local.ID})
			continue
		}
		result.Merged++
	}
	return result
}

func (e *Engine) pendingDeleteBackendIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, it := range e.queue.Items() {
		if it.Operation != models.OperationDelete {
			continue
		}
		var payload deletePayload
		if err := json.Unmarshal(it.Payload, &payload); err == nil && payload.BackendID != "" {
			ids[payload.BackendID] = struct{}{}
		}
	}
	return ids
}

// =====================================================
// User mutations
// =====================================================

func (in ReadingInput) applyTo(r *models.Reading) {
	r.Value = in.Value
	r.Unit = in.Unit
	r.Timestamp = in.Timestamp
	r.MealContext = in.MealContext
	r.Notes = in.Notes
}

// RecordReading stores a new reading and queues its creation.
func (e *Engine) RecordReading(ctx context.Context, in ReadingInput) (*models.Reading, error) {
	now := time.Now().Unix()
	r := &models.Reading{ID: uuid.New(), IsLocalOnly: true, CreatedAt: now, UpdatedAt: now}
	in.applyTo(r)
	if err := r.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid reading", err)
	}

	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	if err := e.store.PutReading(ctx, r); err != nil {
		return nil, err
	}
	if err := e.enqueueUpsert(ctx, models.OperationCreate, r); err != nil {
		return nil, err
	}
	return r, nil
}

// EditReading replaces the editable fields of reading id and queues the
// change.
func (e *Engine) EditReading(ctx context.Context, id string, in ReadingInput) (*models.Reading, error) {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	r, err := e.store.GetReading(ctx, id)
	if err != nil {
		return nil, err
	}
	in.applyTo(r)
	r.Touch()
	if err := r.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid reading", err)
	}
	if err := e.store.PutReading(ctx, r); err != nil {
		return nil, err
	}

	op := models.OperationUpdate
	if !r.HasBackendID() {
		op = models.OperationCreate
	}
	if err := e.enqueueUpsert(ctx, op, r); err != nil {
		return nil, err
	}
	return r, nil
}

// DeleteReading removes reading id locally and queues the server delete.
func (e *Engine) DeleteReading(ctx context.Context, id string) error {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	r, err := e.store.GetReading(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteReading(ctx, id); err != nil {
		return err
	}
	if err := e.conflicts.Delete(ctx, id); err != nil {
		logging.Warn("failed to drop conflict of deleted reading", map[string]any{"entity_id": id, "error": err.Error()})
	}
	if err := e.enqueueDelete(ctx, id, r.BackendID); err != nil {
		return err
	}
	e.refreshCounts(ctx)
	return nil
}

// ResolveConflict applies the user's decision for entityID.
func (e *Engine) ResolveConflict(ctx context.Context, entityID string, choice conflict.Choice) error {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	winner, record, err := e.conflicts.Resolve(ctx, entityID, choice)
	if err != nil {
		return err
	}

	current, err := e.store.GetReading(ctx, entityID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	switch choice {
	case conflict.KeepServer:
		if current != nil {
			winner.CreatedAt = current.CreatedAt
		}
		winner.UpdatedAt = time.Now().Unix()
		winner.MarkSynced(record.BackendID)
		if err := e.queue.Discard(ctx, entityID); err != nil {
			return err
		}
		if err := e.store.PutReading(ctx, winner); err != nil {
			return err
		}

	case conflict.KeepLocal:
		if current == nil {
			break
		}
		current.BackendID = record.BackendID
		current.ServerHash = record.Server.ContentHash()
		current.Touch()
		if err := e.store.PutReading(ctx, current); err != nil {
			return err
		}
		if err := e.enqueueUpsert(ctx, models.OperationUpdate, current); err != nil {
			return err
		}
	}

	e.refreshCounts(ctx)
	return nil
}

func (e *Engine) enqueueUpsert(ctx context.Context, op models.SyncOperation, r *models.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := e.queue.Enqueue(ctx, op, r.ID, payload); err != nil {
		return err
	}
	e.refreshCounts(ctx)
	return nil
}

func (e *Engine) enqueueDelete(ctx context.Context, entityID, backendID string) error {
	payload, err := json.Marshal(deletePayload{BackendID: backendID})
	if err != nil {
		return err
	}
	_, err = e.queue.Enqueue(ctx, models.OperationDelete, entityID, payload)
	return err
}
