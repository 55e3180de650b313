package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"remindsync/internal/domain"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	handler := func(event *Event) error {
		received = event
		callCount++
		return nil
	}

	bus.Subscribe("test_event", handler)

	payload := map[string]string{"foo": "bar"}
	if err := bus.PublishJSON("test_event", payload); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != "test_event" {
		t.Errorf("expected type test_event, got %s", received.Type)
	}
	if received.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	var decoded map[string]string
	if err := json.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded["foo"] != "bar" {
		t.Errorf("unexpected payload %v", decoded)
	}
}

func TestEventBusJoinsHandlerErrors(t *testing.T) {
	bus := NewEventBus()
	errA := errors.New("a")
	bus.Subscribe("x", func(*Event) error { return errA })
	bus.Subscribe("x", func(*Event) error { return nil })

	err := bus.PublishJSON("x", struct{}{})
	if !errors.Is(err, errA) {
		t.Fatalf("expected joined handler error, got %v", err)
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *EventBus
	if err := bus.PublishJSON("x", 1); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

type capturingDispatcher struct {
	tasks []domain.Task
	err   error
}

func (c *capturingDispatcher) Enqueue(_ context.Context, task domain.Task, _ time.Duration) error {
	if c.err != nil {
		return c.err
	}
	c.tasks = append(c.tasks, task)
	return nil
}

func TestBindDispatcher(t *testing.T) {
	bus := NewEventBus()
	d := &capturingDispatcher{}
	logger := zerolog.Nop()
	BindDispatcher(bus, d, &logger)

	if err := bus.PublishJSON(EventRecordSaved, RecordEventPayload{RecordID: "r1"}); err != nil {
		t.Fatalf("saved: %v", err)
	}
	if err := bus.PublishJSON(EventRecordArchived, RecordEventPayload{RecordID: "r2", Force: true}); err != nil {
		t.Fatalf("archived: %v", err)
	}
	if err := bus.PublishJSON(EventRecordDeleted, RecordEventPayload{RecordID: "r3"}); err != nil {
		t.Fatalf("deleted: %v", err)
	}

	want := []domain.Task{
		{Type: domain.TaskSyncRecord, RecordID: "r1"},
		{Type: domain.TaskSyncRecord, RecordID: "r2", Force: true},
		{Type: domain.TaskPurgeRecord, RecordID: "r3"},
	}
	if len(d.tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %v", len(want), d.tasks)
	}
	for i := range want {
		if d.tasks[i].Type != want[i].Type || d.tasks[i].RecordID != want[i].RecordID || d.tasks[i].Force != want[i].Force {
			t.Errorf("task %d: got %+v want %+v", i, d.tasks[i], want[i])
		}
	}

	if err := bus.PublishJSON(EventRecordSaved, RecordEventPayload{}); err == nil {
		t.Errorf("expected error for missing record id")
	}

	d.err = errors.New("queue down")
	if err := bus.PublishJSON(EventRecordSaved, RecordEventPayload{RecordID: "r4"}); err == nil {
		t.Errorf("expected dispatcher error to surface")
	}
}
