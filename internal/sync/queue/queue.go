// Package queue holds pending reading mutations until they are pushed.
//
// At most one item is pending per (entity, class), where create and update
// share the upsert class and delete is its own class. A new upsert collapses
// into the pending one, and a delete evicts any pending upsert for the
// entity. Items live in an arena addressed by slot index and are written
// through to a Persister.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
	"github.com/diabetactic/glucosync/internal/logging"
	"github.com/diabetactic/glucosync/internal/models"
	"github.com/diabetactic/glucosync/internal/telemetry"
)

// DefaultMaxRetries is the number of failed pushes after which an item is
// dropped.
const DefaultMaxRetries = 3

// Persister stores queue items durably.
type Persister interface {
	InsertQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	UpdateQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	DeleteQueueItem(ctx context.Context, seq int64) error
	ListQueueItems(ctx context.Context) ([]*models.SyncQueueItem, error)
	InsertDeadLetter(ctx context.Context, letter *models.DeadLetter) error
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
}

// Item is a snapshot of a queued mutation. The slot ties it back to its arena
// entry for Complete and RecordFailure.
type Item struct {
	models.SyncQueueItem
	slot int
}

type class uint8

const (
	classUpsert class = iota
	classDelete
)

func classOf(op models.SyncOperation) class {
	if op == models.OperationDelete {
		return classDelete
	}
	return classUpsert
}

type key struct {
	entityID string
	class    class
}

// Stats are aggregate queue counters.
type Stats struct {
	Pending   int   `json:"pending"`
	Upserts   int   `json:"upserts"`
	Deletes   int   `json:"deletes"`
	Collapsed int64 `json:"collapsed"`
	Completed int64 `json:"completed"`
	Dropped   int64 `json:"dropped"`
}

// SyncQueue is the durable, collapsing mutation queue.
type SyncQueue struct {
	mu         sync.Mutex
	store      Persister
	maxRetries int
	dropped    metric.Int64Counter

	slots []*models.SyncQueueItem
	free  []int
	index map[key]int

	nextSeq     int64 // used only without a store
	deadLetters []*models.DeadLetter

	stats Stats
}

// Option configures a SyncQueue.
type Option func(*SyncQueue)

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(q *SyncQueue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithInstruments reports drops on in.QueueDropped.
func WithInstruments(in *telemetry.Instruments) Option {
	return func(q *SyncQueue) {
		if in != nil {
			q.dropped = in.QueueDropped
		}
	}
}

// New creates an empty queue. A nil store keeps the queue in memory only.
func New(store Persister, opts ...Option) *SyncQueue {
	q := &SyncQueue{
		store:      store,
		maxRetries: DefaultMaxRetries,
		dropped:    telemetry.NoopInstruments().QueueDropped,
		index:      make(map[key]int),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxRetries returns the drop threshold.
func (q *SyncQueue) MaxRetries() int {
	return q.maxRetries
}

// Load replaces the in-memory state with the persisted queue.
func (q *SyncQueue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	items, err := q.store.ListQueueItems(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.slots = q.slots[:0]
	q.free = q.free[:0]
	q.index = make(map[key]int, len(items))
	for _, item := range items {
		k := key{item.EntityID, classOf(item.Operation)}
		if _, dup := q.index[k]; dup {
			// Keep the oldest; later duplicates cannot be produced by Enqueue.
			logging.Warn("dropping duplicate queue item on load", map[string]any{"seq": item.Seq, "entity_id": item.EntityID})
			_ = q.store.DeleteQueueItem(ctx, item.Seq)
			continue
		}
		q.index[k] = q.alloc(item)
	}
	q.recount()
	return nil
}

// Enqueue records a mutation for entityID, merging with what is pending.
func (q *SyncQueue) Enqueue(ctx context.Context, op models.SyncOperation, entityID string, payload json.RawMessage) (Item, error) {
	if !op.Valid() {
		return Item{}, apperrors.Newf(apperrors.ErrInvalid, "unknown sync operation %q", op)
	}
	if entityID == "" {
		return Item{}, apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().Unix()
	k := key{entityID, classOf(op)}

	if op == models.OperationDelete {
		if slot, ok := q.index[key{entityID, classUpsert}]; ok {
			if err := q.evict(ctx, slot); err != nil {
				return Item{}, err
			}
		}
	}

	if slot, ok := q.index[k]; ok {
		// Collapse: the pending item keeps its position and its operation.
		updated := *q.slots[slot]
		updated.Payload = payload
		updated.Revision++
		updated.UpdatedAt = now
		if q.store != nil {
			if err := q.store.UpdateQueueItem(ctx, &updated); err != nil {
				return Item{}, err
			}
		}
		*q.slots[slot] = updated
		q.stats.Collapsed++
		return Item{SyncQueueItem: updated, slot: slot}, nil
	}

	item := &models.SyncQueueItem{
		Operation:  op,
		EntityID:   entityID,
		Payload:    payload,
		Revision:   1,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if q.store != nil {
		if err := q.store.InsertQueueItem(ctx, item); err != nil {
			return Item{}, err
		}
	} else {
		q.nextSeq++
		item.Seq = q.nextSeq
	}

	slot := q.alloc(item)
	q.index[k] = slot
	q.recount()
	return Item{SyncQueueItem: *item, slot: slot}, nil
}

// DequeueBatch returns copies of all pending items in enqueue order. Items
// stay queued until Complete or a final RecordFailure.
func (q *SyncQueue) DequeueBatch() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot()
}

// Items is DequeueBatch for read-only callers.
func (q *SyncQueue) Items() []Item {
	return q.DequeueBatch()
}

func (q *SyncQueue) snapshot() []Item {
	items := make([]Item, 0, len(q.index))
	for slot, item := range q.slots {
		if item != nil {
			items = append(items, Item{SyncQueueItem: *item, slot: slot})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return items
}

// Complete removes a pushed item. If the item was collapsed after it was
// dequeued, the newer payload stays pending and Complete returns false.
func (q *SyncQueue) Complete(ctx context.Context, it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	current := q.lookup(it)
	if current == nil || current.Revision != it.Revision {
		return false
	}
	if err := q.evict(ctx, it.slot); err != nil {
		logging.Error("failed to remove completed queue item", err, map[string]any{"seq": it.Seq})
		return false
	}
	q.stats.Completed++
	return true
}

// RecordFailure counts a failed push. At MaxRetries the item is dropped into
// the dead letters and RecordFailure returns true.
func (q *SyncQueue) RecordFailure(ctx context.Context, it Item, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	current := q.lookup(it)
	if current == nil {
		return false
	}

	updated := *current
	updated.RetryCount++
	updated.LastError = reason
	updated.UpdatedAt = time.Now().Unix()

	if updated.RetryCount >= q.maxRetries {
		q.drop(ctx, it.slot, &updated)
		return true
	}

	if q.store != nil {
		if err := q.store.UpdateQueueItem(ctx, &updated); err != nil {
			logging.Error("failed to persist retry count", err, map[string]any{"seq": it.Seq})
		}
	}
	*current = updated
	return false
}

func (q *SyncQueue) drop(ctx context.Context, slot int, item *models.SyncQueueItem) {
	letter := &models.DeadLetter{
		Operation:  item.Operation,
		EntityID:   item.EntityID,
		Payload:    item.Payload,
		RetryCount: item.RetryCount,
		LastError:  item.LastError,
		EnqueuedAt: item.EnqueuedAt,
		DroppedAt:  time.Now().Unix(),
	}

	if err := q.evict(ctx, slot); err != nil {
		logging.Error("failed to remove dropped queue item", err, map[string]any{"seq": item.Seq})
	}
	if q.store != nil {
		if err := q.store.InsertDeadLetter(ctx, letter); err != nil {
			logging.Error("failed to record dead letter", err, map[string]any{"seq": item.Seq})
		}
	} else {
		q.deadLetters = append(q.deadLetters, letter)
	}

	q.stats.Dropped++
	q.dropped.Add(ctx, 1)
	logging.WarnCtx(ctx, "queue item dropped after max retries", map[string]any{
		"operation":   string(item.Operation),
		"entity_id":   item.EntityID,
		"retry_count": item.RetryCount,
		"last_error":  item.LastError,
	})
}

// PromoteToUpdate turns a pending create for entityID into an update. It is
// used once the entity received a backend id while a newer edit was queued.
func (q *SyncQueue) PromoteToUpdate(ctx context.Context, entityID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	slot, ok := q.index[key{entityID, classUpsert}]
	if !ok || q.slots[slot].Operation != models.OperationCreate {
		return nil
	}
	updated := *q.slots[slot]
	updated.Operation = models.OperationUpdate
	updated.UpdatedAt = time.Now().Unix()
	if q.store != nil {
		if err := q.store.UpdateQueueItem(ctx, &updated); err != nil {
			return err
		}
	}
	*q.slots[slot] = updated
	return nil
}

// HasPendingUpsert reports whether a create or update is queued for entityID.
func (q *SyncQueue) HasPendingUpsert(entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[key{entityID, classUpsert}]
	return ok
}

// HasPendingDelete reports whether a delete is queued for entityID.
func (q *SyncQueue) HasPendingDelete(entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[key{entityID, classDelete}]
	return ok
}

// Discard removes whatever is pending for entityID without pushing it.
func (q *SyncQueue) Discard(ctx context.Context, entityID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range []class{classUpsert, classDelete} {
		if slot, ok := q.index[key{entityID, c}]; ok {
			if err := q.evict(ctx, slot); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of pending items.
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Stats returns aggregate counters.
func (q *SyncQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// DeadLetters returns the items dropped after exhausting their retries.
func (q *SyncQueue) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	if q.store != nil {
		return q.store.ListDeadLetters(ctx)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.DeadLetter(nil), q.deadLetters...), nil
}

// lookup returns the live arena entry for it, or nil when the slot was
// evicted or reused.
func (q *SyncQueue) lookup(it Item) *models.SyncQueueItem {
	if it.slot < 0 || it.slot >= len(q.slots) {
		return nil
	}
	current := q.slots[it.slot]
	if current == nil || current.Seq != it.Seq {
		return nil
	}
	return current
}

func (q *SyncQueue) alloc(item *models.SyncQueueItem) int {
	if n := len(q.free); n > 0 {
		slot := q.free[n-1]
		q.free = q.free[:n-1]
		q.slots[slot] = item
		return slot
	}
	q.slots = append(q.slots, item)
	return len(q.slots) - 1
}

// evict removes the item at slot from the store, the key index and the arena.
func (q *SyncQueue) evict(ctx context.Context, slot int) error {
	item := q.slots[slot]
	if q.store != nil {
		if err := q.store.DeleteQueueItem(ctx, item.Seq); err != nil {
			return err
		}
	}
	delete(q.index, key{item.EntityID, classOf(item.Operation)})
	q.slots[slot] = nil
	q.free = append(q.free, slot)
	q.recount()
	return nil
}

func (q *SyncQueue) recount() {
	q.stats.Pending = len(q.index)
	q.stats.Upserts, q.stats.Deletes = 0, 0
	for k := range q.index {
		if k.class == classUpsert {
			q.stats.Upserts++
		} else {
			q.stats.Deletes++
		}
	}
}
