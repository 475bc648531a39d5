package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexfarlander/stitch-run-sub010/pkg/channels/gochannel"
	"github.com/alexfarlander/stitch-run-sub010/pkg/eventbus"
	"github.com/alexfarlander/stitch-run-sub010/pkg/events"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.RunStarted, 1)

	err := bus.Handle(events.RunStartedEvent, func(_ context.Context, event any) error {
		started, ok := event.(*events.RunStarted)
		require.True(t, ok)
		received <- started

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(ctx))

	event := events.RunStarted{
		BaseEvent: events.NewBaseEvent(events.RunStartedEvent, "flow-1"),
		RunID:     "run-1",
		Trigger:   "api",
	}
	require.NoError(t, bus.Publish(ctx, "flow-1", event))

	select {
	case got := <-received:
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, "flow-1", got.FlowID)
		assert.Equal(t, events.RunStartedEvent, got.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_UnhandledTypeIsAcked(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered: publish must still succeed and not block.
	event := events.NodeCompleted{
		BaseEvent: events.NewBaseEvent(events.NodeCompletedEvent, "flow-1"),
		RunID:     "run-1",
		NodeKey:   "a",
	}
	assert.NoError(t, bus.Publish(ctx, "flow-1", event))
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
