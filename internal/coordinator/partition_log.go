package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/hacluster/internal/cluster"
	"github.com/dreamware/hacluster/internal/storage"
)

const (
	eventPrefix  = "event/"
	eventSeqKey  = "seq/event"
	watermarkKey = "meta/partition-watermark"
)

func eventKey(id int64) string {
	return fmt.Sprintf("%s%020d", eventPrefix, id)
}

// PartitionEventLog is the append-only record of topology changes.
//
// Events are never modified once appended. A REQUESTED event stays
// REQUESTED forever; the log instead keeps a watermark, the highest event ID
// already covered by a completed repartition. Pending returns the REQUESTED
// events above the watermark.
//
// Thread Safety:
// All methods are safe for concurrent use. The log has its own lock and never
// calls back into the topology, so it may be used while the topology lock is
// held.
type PartitionEventLog struct {
	store   storage.Store
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu        sync.Mutex
	lastID    int64
	watermark int64
	subs      map[int]chan cluster.PartitionEvent
	nextSub   int

	// wake is signaled whenever a REQUESTED event is appended.
	wake chan struct{}
}

// NewPartitionEventLog opens the log kept in store.
//
// Parameters:
//   - store: backing storage, shared with the topology
//   - logger: may be nil
//   - metrics: may be nil
//
// Returns:
//   - The log, positioned after the last stored event
//   - Error if the stored sequence or watermark is unreadable
func NewPartitionEventLog(store storage.Store, logger *zap.Logger, metrics *Metrics) (*PartitionEventLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lastID, err := readCounter(store, eventSeqKey)
	if err != nil {
		return nil, err
	}
	watermark, err := readCounter(store, watermarkKey)
	if err != nil {
		return nil, err
	}
	return &PartitionEventLog{
		store:     store,
		logger:    logger.Named("partition-log"),
		metrics:   metrics,
		now:       time.Now,
		lastID:    lastID,
		watermark: watermark,
		subs:      make(map[int]chan cluster.PartitionEvent),
		wake:      make(chan struct{}, 1),
	}, nil
}

func readCounter(store storage.Store, key string) (int64, error) {
	value, err := store.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	n, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

// Audit appends a record-only event.
func (l *PartitionEventLog) Audit(ctx context.Context, subject string, typ cluster.PartitionEventType, detail string) (cluster.PartitionEvent, error) {
	if !typ.Valid() {
		return cluster.PartitionEvent{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, typ)
	}
	return l.append(ctx, cluster.PartitionEvent{
		Type:        typ,
		Detail:      detail,
		SubjectName: subject,
		Status:      cluster.StatusAudit,
	}, 0)
}

// Request appends a request for a full repartition and wakes the
// repartition worker. Only cloud event types may be requested.
func (l *PartitionEventLog) Request(ctx context.Context, subject string, typ cluster.PartitionEventType, detail string) (cluster.PartitionEvent, error) {
	if !typ.IsCloud() {
		return cluster.PartitionEvent{}, fmt.Errorf("%w: %s cannot request a repartition", ErrInvalidEvent, typ)
	}
	return l.append(ctx, cluster.PartitionEvent{
		Type:        typ,
		Detail:      detail,
		SubjectName: subject,
		Status:      cluster.StatusRequested,
	}, 0)
}

// Record appends an executed event (IMMEDIATE or COMPLETED) together with
// its details. ID and CreatedAt are assigned by the log.
func (l *PartitionEventLog) Record(ctx context.Context, event cluster.PartitionEvent) (cluster.PartitionEvent, error) {
	if err := validateExecuted(event); err != nil {
		return cluster.PartitionEvent{}, err
	}
	return l.append(ctx, event, 0)
}

// RecordRepartition appends the event of a full repartition and marks every
// request up to and including satisfiedUpTo as handled, in one write.
func (l *PartitionEventLog) RecordRepartition(ctx context.Context, event cluster.PartitionEvent, satisfiedUpTo int64) (cluster.PartitionEvent, error) {
	if err := validateExecuted(event); err != nil {
		return cluster.PartitionEvent{}, err
	}
	if !event.Type.IsCloud() {
		return cluster.PartitionEvent{}, fmt.Errorf("%w: %s is not a repartition", ErrInvalidEvent, event.Type)
	}
	return l.append(ctx, event, satisfiedUpTo)
}

func validateExecuted(event cluster.PartitionEvent) error {
	if !event.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, event.Type)
	}
	if event.Status != cluster.StatusImmediate && event.Status != cluster.StatusCompleted {
		return fmt.Errorf("%w: status %s cannot be recorded with details", ErrInvalidEvent, event.Status)
	}
	return nil
}

func (l *PartitionEventLog) append(ctx context.Context, event cluster.PartitionEvent, watermark int64) (cluster.PartitionEvent, error) {
	if err := ctx.Err(); err != nil {
		return cluster.PartitionEvent{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	event.ID = l.lastID + 1
	event.CreatedAt = l.now().UTC()
	event.Details = slices.Clone(event.Details)

	data, err := json.Marshal(event)
	if err != nil {
		return cluster.PartitionEvent{}, fmt.Errorf("encode partition event: %w", err)
	}

	var b storage.Batch
	b.Put(eventKey(event.ID), data)
	b.Put(eventSeqKey, []byte(strconv.FormatInt(event.ID, 10)))
	if watermark > l.watermark {
		b.Put(watermarkKey, []byte(strconv.FormatInt(watermark, 10)))
	}
	if err := l.store.Write(&b); err != nil {
		return cluster.PartitionEvent{}, fmt.Errorf("append partition event: %w", err)
	}

	l.lastID = event.ID
	if watermark > l.watermark {
		l.watermark = watermark
	}
	l.metrics.eventAppended(event)
	l.logger.Debug("partition event appended",
		zap.Int64("id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("status", string(event.Status)),
		zap.String("detail", event.Detail))

	for id, ch := range l.subs {
		select {
		case ch <- copyEvent(event):
		default:
			l.logger.Warn("partition event subscriber is full, dropping event",
				zap.Int("subscriber", id), zap.Int64("event", event.ID))
		}
	}

	if event.Status == cluster.StatusRequested {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	return copyEvent(event), nil
}

func copyEvent(e cluster.PartitionEvent) cluster.PartitionEvent {
	e.Details = slices.Clone(e.Details)
	return e
}

// Get returns one event.
func (l *PartitionEventLog) Get(ctx context.Context, id int64) (cluster.PartitionEvent, error) {
	if err := ctx.Err(); err != nil {
		return cluster.PartitionEvent{}, err
	}
	data, err := l.store.Get(eventKey(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return cluster.PartitionEvent{}, fmt.Errorf("partition event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return cluster.PartitionEvent{}, err
	}
	var event cluster.PartitionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return cluster.PartitionEvent{}, fmt.Errorf("decode partition event %d: %w", id, err)
	}
	return event, nil
}

// eventIDs lists stored event IDs in ascending order.
func (l *PartitionEventLog) eventIDs() ([]int64, error) {
	keys, err := l.store.List(eventPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(keys))
	for _, key := range keys {
		id, err := strconv.ParseInt(strings.TrimPrefix(key, eventPrefix), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed event key %q: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Find returns a page of events matching c. Events are ordered by creation,
// newest first unless c.Sort is SortAsc.
func (l *PartitionEventLog) Find(ctx context.Context, c EventCriteria) (cluster.Page[cluster.PartitionEvent], error) {
	ids, err := l.eventIDs()
	if err != nil {
		return cluster.Page[cluster.PartitionEvent]{}, err
	}
	if c.Sort != SortAsc {
		slices.Reverse(ids)
	}

	matched := make([]cluster.PartitionEvent, 0, len(ids))
	for _, id := range ids {
		event, err := l.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // deleted concurrently
		}
		if err != nil {
			return cluster.Page[cluster.PartitionEvent]{}, err
		}
		if c.matches(&event) {
			matched = append(matched, event)
		}
	}
	return paginate(matched, c.PageControl), nil
}

// Pending returns the REQUESTED events not yet covered by a repartition,
// oldest first.
func (l *PartitionEventLog) Pending(ctx context.Context) ([]cluster.PartitionEvent, error) {
	ids, err := l.eventIDs()
	if err != nil {
		return nil, err
	}
	watermark := l.Watermark()

	var pending []cluster.PartitionEvent
	for _, id := range ids {
		if id <= watermark {
			continue
		}
		event, err := l.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if event.Status == cluster.StatusRequested {
			pending = append(pending, event)
		}
	}
	return pending, nil
}

// Watermark returns the highest event ID covered by a completed repartition.
func (l *PartitionEventLog) Watermark() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.watermark
}

// Delete removes events from the audit history and returns how many existed.
func (l *PartitionEventLog) Delete(ctx context.Context, subject string, ids []int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var b storage.Batch
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := l.store.Get(eventKey(id)); err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				continue
			}
			return 0, err
		}
		b.Delete(eventKey(id))
	}
	if err := l.store.Write(&b); err != nil {
		return 0, fmt.Errorf("delete partition events: %w", err)
	}
	l.logger.Info("partition events deleted", zap.String("subject", subject), zap.Int("count", b.Len()))
	return b.Len(), nil
}

// Purge removes every event. Event IDs keep increasing afterwards.
func (l *PartitionEventLog) Purge(ctx context.Context, subject string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	keys, err := l.store.List(eventPrefix)
	if err != nil {
		return 0, err
	}
	var b storage.Batch
	for _, key := range keys {
		b.Delete(key)
	}
	if err := l.store.Write(&b); err != nil {
		return 0, fmt.Errorf("purge partition events: %w", err)
	}
	l.logger.Info("partition events purged", zap.String("subject", subject), zap.Int("count", b.Len()))
	return b.Len(), nil
}

// Subscribe returns a channel receiving every event appended from now on.
// A subscriber that falls more than buffer events behind misses events.
// The returned cancel function closes the channel; it may be called more
// than once.
func (l *PartitionEventLog) Subscribe(buffer int) (<-chan cluster.PartitionEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan cluster.PartitionEvent, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Wake is signaled after a REQUESTED event is appended.
func (l *PartitionEventLog) Wake() <-chan struct{} {
	return l.wake
}
