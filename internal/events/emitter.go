// ABOUTME: In-memory fan-out emitter for store lifecycle events
// ABOUTME: Subscribers register for a set of event kinds and receive them without blocking publishers

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Kind names a lifecycle event.
type Kind string

const (
	StoreOpened        Kind = "store_opened"
	StoreChanged       Kind = "store_changed"
	UnhandledException Kind = "unhandled_exception"
	FilesUpdated       Kind = "files_updated"
)

// Event is a single lifecycle notification.
type Event struct {
	Kind    Kind
	Backend string   // backend that owns the store, when relevant
	Devices []string // FilesUpdated: current device registry snapshot
	Err     error    // UnhandledException: the swallowed failure
	At      time.Time
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool // empty means all kinds
}

// Emitter provides pub/sub for lifecycle events. It is owned by the
// persistence manager rather than being a process-wide bus.
type Emitter struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	logger      *slog.Logger
}

// NewEmitter creates an emitter. Pass nil logger for default.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers for the given kinds (all kinds when none are given).
// The subscription is removed when ctx is cancelled.
func (e *Emitter) Subscribe(ctx context.Context, kinds ...Kind) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{
		ch:    make(chan Event, subscriberBufferSize),
		kinds: make(map[Kind]bool, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	e.subscribers[subID] = sub
	e.mu.Unlock()

	e.logger.Debug("subscriber added", "sub_id", subID, "kinds", kinds)

	go func() {
		<-ctx.Done()
		e.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish delivers ev to every interested subscriber. Events are dropped for
// subscribers whose buffers are full.
func (e *Emitter) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for id, sub := range e.subscribers {
		if len(sub.kinds) > 0 && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			e.logger.Debug("dropped event for slow subscriber", "sub_id", id, "kind", ev.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (e *Emitter) Unsubscribe(subID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subscribers[subID]
	if !ok {
		return
	}
	delete(e.subscribers, subID)
	close(sub.ch)

	e.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes all subscriber channels. Later publishes are no-ops.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, sub := range e.subscribers {
		close(sub.ch)
		delete(e.subscribers, id)
	}
	e.closed = true
}
