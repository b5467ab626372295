package ingest

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/noorguard/engine/internal/idgen"
	"github.com/noorguard/engine/internal/metrics"
	"github.com/noorguard/engine/internal/registry"
	"github.com/noorguard/engine/internal/syncutil"
	"github.com/noorguard/engine/internal/validation"
)

// Sink consumes accepted events. The signal aggregator implements this.
type Sink interface {
	Consume(e *UsageEvent)
}

// Queue validates, orders, and durably appends device events, then
// publishes them to the sink through bounded per-device buffers.
type Queue struct {
	store    EventStore
	devices  registry.Store
	sink     Sink
	logger   *slog.Logger
	capacity int

	// locks serializes ingest per device so the seq check and append are
	// one atomic step. Cross-device ingest stays concurrent.
	locks syncutil.ShardedMutex

	seqMu   sync.RWMutex
	lastSeq map[string]int64

	bufMu   sync.Mutex
	buffers map[string][]*UsageEvent
	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewQueue creates an ingest queue. capacity bounds each device's publish
// buffer; the durable log is unbounded.
func NewQueue(store EventStore, devices registry.Store, sink Sink, capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		store:    store,
		devices:  devices,
		sink:     sink,
		logger:   logger,
		capacity: capacity,
		lastSeq:  make(map[string]int64),
		buffers:  make(map[string][]*UsageEvent),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Ingest validates and accepts one event.
// Returns ErrUnknownDevice / ErrDeviceRetired for bad device IDs,
// ErrStaleEvent when seq is not strictly greater than the last accepted,
// and ErrInvalidEvent for malformed bodies.
func (q *Queue) Ingest(ctx context.Context, deviceID string, kind Kind, seq int64, ts time.Time, payload string) (*Result, error) {
	if !kind.Valid() || seq <= 0 || ts.IsZero() {
		return nil, ErrInvalidEvent
	}
	// Content-bearing events carry a hash, never the content itself.
	if kind == KindBlockedAttempt || kind == KindSearchTerm {
		if !validation.IsValidPayloadHash(payload) {
			return nil, ErrInvalidEvent
		}
	}

	device, err := q.devices.GetDevice(ctx, deviceID)
	if err != nil {
		metrics.EventsRejectedTotal.WithLabelValues("unknown_device").Inc()
		return nil, ErrUnknownDevice
	}
	if device.Status != registry.DeviceActive {
		metrics.EventsRejectedTotal.WithLabelValues("retired").Inc()
		return nil, ErrDeviceRetired
	}

	unlock := q.locks.Lock(deviceID)
	defer unlock()

	last, err := q.lastAccepted(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if seq <= last {
		metrics.EventsRejectedTotal.WithLabelValues("stale").Inc()
		return nil, ErrStaleEvent
	}

	e := &UsageEvent{
		ID:         idgen.WithPrefix("evt_"),
		DeviceID:   deviceID,
		ChildID:    device.ChildID,
		Kind:       kind,
		Seq:        seq,
		Timestamp:  ts,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	if err := q.store.Append(ctx, e); err != nil {
		return nil, err
	}

	q.seqMu.Lock()
	q.lastSeq[deviceID] = seq
	q.seqMu.Unlock()

	degraded := q.publish(e)
	metrics.EventsIngestedTotal.WithLabelValues(string(kind)).Inc()

	return &Result{EventID: e.ID, Seq: seq, Degraded: degraded}, nil
}

// lastAccepted reads the seq cache, falling through to the store once per
// device after a restart. Caller holds the device lock.
func (q *Queue) lastAccepted(ctx context.Context, deviceID string) (int64, error) {
	q.seqMu.RLock()
	last, ok := q.lastSeq[deviceID]
	q.seqMu.RUnlock()
	if ok {
		return last, nil
	}

	last, err := q.store.LastSeq(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	q.seqMu.Lock()
	q.lastSeq[deviceID] = last
	q.seqMu.Unlock()
	return last, nil
}

// publish appends e to the device's buffer, evicting the oldest buffered
// event when full. Reports whether eviction happened.
func (q *Queue) publish(e *UsageEvent) bool {
	q.bufMu.Lock()
	defer q.bufMu.Unlock()

	buf := q.buffers[e.DeviceID]
	degraded := false
	if len(buf) >= q.capacity {
		// The durable log already has the evicted event; only its
		// contribution to live aggregation is lost.
		buf = buf[1:]
		degraded = true
		metrics.EventsDroppedTotal.Inc()
		q.logger.Warn("ingest buffer full, evicted oldest", "device_id", e.DeviceID)
	}
	q.buffers[e.DeviceID] = append(buf, e)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return degraded
}

// Start runs the publish pump. Call in a goroutine.
func (q *Queue) Start(ctx context.Context) {
	defer close(q.done)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("ingest pump panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-q.notify:
			q.drain()
		}
	}
}

// Stop signals the pump to stop and waits for it to exit.
func (q *Queue) Stop() {
	close(q.stop)
	<-q.done
}

// drain hands all buffered events to the sink, one device at a time.
// Per-device ordering is preserved; cross-device order is not guaranteed
// and not required.
func (q *Queue) drain() {
	for {
		q.bufMu.Lock()
		var batch []*UsageEvent
		for id, buf := range q.buffers {
			if len(buf) > 0 {
				batch = buf
				delete(q.buffers, id)
				break
			}
		}
		q.bufMu.Unlock()

		if batch == nil {
			return
		}
		for _, e := range batch {
			q.sink.Consume(e)
		}
	}
}

// Replay feeds a child's stored events since a time back through the sink.
// Used to rebuild aggregator state after a restart.
func (q *Queue) Replay(ctx context.Context, childID string, since time.Time) (int, error) {
	events, err := q.store.ByChild(ctx, childID, since)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		q.sink.Consume(e)
	}
	return len(events), nil
}
