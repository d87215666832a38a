package web

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/dukex/genflow/pkg/events"
	"github.com/dukex/genflow/pkg/mocks"
	"github.com/dukex/genflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestHub_DispatchesPerExecution(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	ctx := context.Background()

	first, releaseFirst := hub.Subscribe("exec-1")
	other, releaseOther := hub.Subscribe("exec-2")

	defer releaseOther()

	completed := &events.NodeCompleted{BaseEvent: events.NewBaseEvent(events.NodeCompletedEvent, "exec-1", "wf"), NodeID: "img"}
	require.NoError(t, hub.Dispatch(ctx, completed))
	require.NoError(t, hub.Dispatch(ctx, "not an event"))

	received := <-first
	assert.Equal(t, events.NodeCompletedEvent, received.GetType())
	assert.Empty(t, other)

	releaseFirst()
	releaseFirst()

	_, open := <-first
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers("exec-1"))
	assert.Equal(t, 1, hub.Subscribers("exec-2"))

	require.NoError(t, hub.Dispatch(ctx, completed))
}

func TestHub_DropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	hub := newTestHub()
	updates, release := hub.Subscribe("exec-1")

	defer release()

	event := events.NewExecutionUpdated(&models.Execution{ID: "exec-1", Status: models.ExecutionStatusRunning})
	for range subscriberBuffer + 5 {
		require.NoError(t, hub.Dispatch(context.Background(), event))
	}

	assert.Len(t, updates, subscriberBuffer)
}

func TestWriteEvent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	update := events.NewExecutionUpdated(&models.Execution{ID: "exec-1", Status: models.ExecutionStatusFailed})
	require.NoError(t, writeEvent(w, update))

	assert.Contains(t, buf.String(), "event: execution.updated\ndata: {")
	assert.Contains(t, buf.String(), `"execution_id":"exec-1"`)
	assert.True(t, bytes.HasSuffix(buf.Bytes(), []byte("\n\n")))
	assert.True(t, isFinalUpdate(update))
	assert.False(t, isFinalUpdate(&events.NodeFailed{}))
}

func TestHub_Register(t *testing.T) {
	t.Parallel()

	hub := newTestHub()

	bus := &mocks.MockEventBus{}
	for _, eventType := range []events.EventType{events.ExecutionUpdatedEvent, events.NodeCompletedEvent, events.NodeFailedEvent} {
		bus.On("Handle", eventType, mock.Anything).Return(nil).Once()
	}

	require.NoError(t, hub.Register(bus))
	bus.AssertExpectations(t)

	failing := &mocks.MockEventBus{}
	failing.On("Handle", events.ExecutionUpdatedEvent, mock.Anything).Return(errors.New("closed"))

	err := hub.Register(failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution.updated")
}
