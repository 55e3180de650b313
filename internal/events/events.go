package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"remindsync/internal/domain"
)

// Record lifecycle events emitted by whatever owns record CRUD.
const (
	EventRecordSaved    = "record_saved"
	EventRecordArchived = "record_archived"
	EventRecordDeleted  = "record_deleted"
)

// RecordEventPayload identifies the record that changed.
type RecordEventPayload struct {
	RecordID string `json:"record_id"`
	OrgID    string `json:"org_id,omitempty"`
	Force    bool   `json:"force,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish runs every subscriber synchronously and joins their errors.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
}

// BindDispatcher turns record lifecycle events into queued sync tasks.
// Saves and archivals resync the record; deletions purge its events.
func BindDispatcher(bus *EventBus, dispatcher domain.Dispatcher, logger *zerolog.Logger) {
	enqueue := func(taskType string) EventHandler {
		return func(event *Event) error {
			var p RecordEventPayload
			if err := json.Unmarshal(event.Payload, &p); err != nil {
				return fmt.Errorf("%s: decode payload: %w", event.Type, err)
			}
			if p.RecordID == "" {
				return fmt.Errorf("%s: record id is required", event.Type)
			}
			task := domain.Task{Type: taskType, RecordID: p.RecordID, Force: p.Force}
			if err := dispatcher.Enqueue(context.Background(), task, 0); err != nil {
				logger.Error().Err(err).Str("event", event.Type).Str("record_id", p.RecordID).Msg("enqueue failed")
				return err
			}
			logger.Debug().Str("event", event.Type).Str("record_id", p.RecordID).Str("task", taskType).Msg("task enqueued")
			return nil
		}
	}

	bus.Subscribe(EventRecordSaved, enqueue(domain.TaskSyncRecord))
	bus.Subscribe(EventRecordArchived, enqueue(domain.TaskSyncRecord))
	bus.Subscribe(EventRecordDeleted, enqueue(domain.TaskPurgeRecord))
}
