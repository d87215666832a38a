package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/genflow/pkg/eventbus"
	"github.com/dukex/genflow/pkg/events"
)

const subscriberBuffer = 32

// ExecutionEvent is an event bound to one execution.
type ExecutionEvent interface {
	eventbus.Event
	GetExecutionID() string
}

// Hub fans execution events from the event bus out to stream subscribers of that execution.
// Slow subscribers miss events instead of blocking the bus.
type Hub struct {
	logger      *slog.Logger
	mu          sync.RWMutex
	subscribers map[string]map[chan ExecutionEvent]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logger.With("module", "stream_hub"),
		subscribers: make(map[string]map[chan ExecutionEvent]struct{}),
	}
}

// Register routes the execution-level events of bus to the hub.
func (h *Hub) Register(bus eventbus.EventSubscriber) error {
	for _, eventType := range []events.EventType{
		events.ExecutionUpdatedEvent,
		events.NodeCompletedEvent,
		events.NodeFailedEvent,
	} {
		err := bus.Handle(eventType, h.Dispatch)
		if err != nil {
			return fmt.Errorf("failed to register %s handler: %w", eventType, err)
		}
	}

	return nil
}

// Dispatch delivers event to the subscribers of its execution.
func (h *Hub) Dispatch(_ context.Context, event any) error {
	executionEvent, ok := event.(ExecutionEvent)
	if !ok {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[executionEvent.GetExecutionID()] {
		select {
		case ch <- executionEvent:
		default:
			h.logger.Warn("Dropping event for slow subscriber",
				"execution_id", executionEvent.GetExecutionID(),
				"event_type", executionEvent.GetType())
		}
	}

	return nil
}

// Subscribe returns a channel of events for executionID and the function that releases it.
func (h *Hub) Subscribe(executionID string) (<-chan ExecutionEvent, func()) {
	ch := make(chan ExecutionEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subscribers[executionID] == nil {
		h.subscribers[executionID] = make(map[chan ExecutionEvent]struct{})
	}

	h.subscribers[executionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(h.subscribers[executionID], ch)

			if len(h.subscribers[executionID]) == 0 {
				delete(h.subscribers, executionID)
			}

			close(ch)
		})
	}
}

func (h *Hub) Subscribers(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subscribers[executionID])
}

func writeEvent(w *bufio.Writer, event ExecutionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.GetType(), payload)
	if err != nil {
		return err
	}

	return w.Flush()
}

func isFinalUpdate(event ExecutionEvent) bool {
	update, ok := event.(*events.ExecutionUpdated)

	return ok && update.IsTerminal()
}
