package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/gencore/internal/storage"
)

// EventStore abstracts the persistence operations the writer needs.
type EventStore interface {
	InsertEvent(e storage.Event) error
	PruneEvents(before time.Time) (int64, error)
}

// StoreRecorder queues events in memory and writes them from a single
// background goroutine. Events are dropped when the queue is full.
type StoreRecorder struct {
	store     EventStore
	queue     chan Event
	retention time.Duration
	prune     time.Duration
	dropped   atomic.Int64
	logger    *slog.Logger
}

// NewStoreRecorder creates a recorder with the given queue size. Events
// older than retention are pruned periodically; retention <= 0 keeps
// everything.
func NewStoreRecorder(store EventStore, queueSize int, retention time.Duration) *StoreRecorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &StoreRecorder{
		store:     store,
		queue:     make(chan Event, queueSize),
		retention: retention,
		prune:     time.Hour,
		logger:    slog.Default(),
	}
}

func (r *StoreRecorder) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (r *StoreRecorder) Dropped() int64 { return r.dropped.Load() }

// Run writes queued events until ctx is cancelled, then flushes what is
// left in the queue.
func (r *StoreRecorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.prune)
	defer ticker.Stop()
	r.pruneOld()

	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-ticker.C:
			r.pruneOld()
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *StoreRecorder) flush() {
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		default:
			return
		}
	}
}

func (r *StoreRecorder) write(e Event) {
	err := r.store.InsertEvent(storage.Event{
		ID:        e.ID,
		CreatedAt: e.Time,
		Name:      e.Name,
		Provider:  e.Provider,
		JobID:     e.JobID,
		Relay:     e.Relay,
		Attempt:   e.Attempt,
		Error:     e.Error,
		Duration:  e.Duration,
	})
	if err != nil {
		r.logger.Error("persisting telemetry event failed", "event", e.Name, "error", err)
	}
}

func (r *StoreRecorder) pruneOld() {
	if r.retention <= 0 {
		return
	}
	n, err := r.store.PruneEvents(time.Now().Add(-r.retention))
	if err != nil {
		r.logger.Warn("pruning telemetry events failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("pruned telemetry events", "count", n)
	}
}
