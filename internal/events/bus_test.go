package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(BusConfig{BufferSize: 64, MaxStoredEvents: 10}, nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bus.Stop(ctx)
	})
	return bus
}

func TestBusStartTwice(t *testing.T) {
	bus := newRunningBus(t)
	assert.Error(t, bus.Start(context.Background()))
}

func TestPublishAndSubscribe(t *testing.T) {
	bus := newRunningBus(t)

	var got atomic.Int32
	bus.Subscribe(EventFilter{Types: []EventType{EventRecordingStarted}}, func(Event) {
		got.Add(1)
	})

	bus.Publish(Event{Type: EventRecordingStarted, Source: "recorder"})
	bus.Publish(Event{Type: EventUploadProgress, Source: "upload-coordinator"})

	require.Eventually(t, func() bool { return got.Load() == 1 },
		time.Second, 5*time.Millisecond)
	// The non-matching event never fires the handler.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestFilterMatching(t *testing.T) {
	event := Event{
		Type:      EventSourceLost,
		Source:    "source-manager",
		SessionID: "s1",
	}

	assert.True(t, EventFilter{}.Matches(event))
	assert.True(t, EventFilter{Types: []EventType{EventSourceLost}}.Matches(event))
	assert.False(t, EventFilter{Types: []EventType{EventSourceAcquired}}.Matches(event))
	assert.True(t, EventFilter{Sources: []string{"source-manager"}}.Matches(event))
	assert.False(t, EventFilter{Sources: []string{"recorder"}}.Matches(event))
	assert.True(t, EventFilter{SessionID: "s1"}.Matches(event))
	assert.False(t, EventFilter{SessionID: "s2"}.Matches(event))
}

func TestPublishFillsDefaults(t *testing.T) {
	bus := newRunningBus(t)

	received := make(chan Event, 1)
	bus.Subscribe(EventFilter{}, func(e Event) { received <- e })

	bus.Publish(Event{Type: EventSystemStarted, Source: "server"})
	select {
	case e := <-received:
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
		assert.Equal(t, PriorityNormal, e.Priority)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRecentRespectsLimitAndCap(t *testing.T) {
	bus := newRunningBus(t)

	for i := 0; i < 15; i++ {
		bus.Publish(Event{Type: EventUploadProgress, Source: "upload-coordinator"})
	}
	require.Eventually(t, func() bool {
		return len(bus.Recent(EventFilter{}, 0)) == 10
	}, time.Second, 5*time.Millisecond, "stored events are capped at MaxStoredEvents")

	limited := bus.Recent(EventFilter{}, 3)
	assert.Len(t, limited, 3)

	none := bus.Recent(EventFilter{Types: []EventType{EventRecordingFailed}}, 0)
	assert.Empty(t, none)
}

func TestUnsubscribe(t *testing.T) {
	bus := newRunningBus(t)

	var got atomic.Int32
	sub := bus.Subscribe(EventFilter{}, func(Event) { got.Add(1) })
	require.NoError(t, bus.Unsubscribe(sub.ID))
	assert.Error(t, bus.Unsubscribe(sub.ID))

	bus.Publish(Event{Type: EventSystemStarted, Source: "server"})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, got.Load())
}

func TestPublishWhileStoppedIsDropped(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), nil)
	// Not started: publishing must not block or panic.
	bus.Publish(Event{Type: EventSystemStarted, Source: "server"})
	assert.Empty(t, bus.Recent(EventFilter{}, 0))
}

func TestHandlerPanicIsContained(t *testing.T) {
	bus := newRunningBus(t)

	bus.Subscribe(EventFilter{}, func(Event) { panic("handler bug") })
	var got atomic.Int32
	bus.Subscribe(EventFilter{}, func(Event) { got.Add(1) })

	bus.Publish(Event{Type: EventSystemStarted, Source: "server"})
	bus.Publish(Event{Type: EventSystemStarted, Source: "server"})

	require.Eventually(t, func() bool { return got.Load() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), nil)
	assert.Error(t, bus.Health(), "stopped bus is unhealthy")

	require.NoError(t, bus.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bus.Stop(ctx)
	}()
	assert.NoError(t, bus.Health())
}

func TestStopIdempotent(t *testing.T) {
	bus := NewBus(DefaultBusConfig(), nil)
	require.NoError(t, bus.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Stop(ctx))
}
