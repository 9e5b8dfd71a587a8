package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgeproject/surge/internal/domain"
)

func TestPublish_DeliversToLocalSubscriber(t *testing.T) {
	f := newTestFanout(t, newBusHub())
	events, cancel := f.Subscribe(context.Background(), "u1")
	defer cancel()

	f.Publish(statusEvent("u1", "r1", domain.RunStatusRunning))

	event := receiveMessage(t, events)
	assert.Equal(t, "r1", event.Status.RunHistoryId)
	assert.Equal(t, domain.RunStatusRunning, event.Status.Status)
}

func TestPublish_DoesNotCrossUsers(t *testing.T) {
	f := newTestFanout(t, newBusHub())
	events, cancel := f.Subscribe(context.Background(), "u2")
	defer cancel()

	f.Publish(statusEvent("u1", "r1", domain.RunStatusRunning))

	assertNoMessage(t, events)
}

func TestPublish_ReachesSubscribersOnOtherInstances(t *testing.T) {
	hub := newBusHub()
	local := newTestFanout(t, hub)
	remote := newTestFanout(t, hub)

	localEvents, cancelLocal := local.Subscribe(context.Background(), "u1")
	defer cancelLocal()
	remoteEvents, cancelRemote := remote.Subscribe(context.Background(), "u1")
	defer cancelRemote()

	local.Publish(statusEvent("u1", "r1", domain.RunStatusSuccess))

	event := receiveMessage(t, remoteEvents)
	assert.Equal(t, "r1", event.Status.RunHistoryId)

	// The publishing instance delivers exactly once: locally, with the bus
	// loopback skipped.
	receiveMessage(t, localEvents)
	assertNoMessage(t, localEvents)
}

func TestSubscribe_ReplaysInFlightRuns(t *testing.T) {
	f := newTestFanout(t, newBusHub())
	f.SetInFlightLister(inFlightListerFunc(func(ctx context.Context, userId string) ([]domain.StatusEvent, error) {
		return []domain.StatusEvent{statusEvent(userId, "r1", domain.RunStatusRunning)}, nil
	}))

	events, cancel := f.Subscribe(context.Background(), "u1")
	defer cancel()

	event := receiveMessage(t, events)
	assert.Equal(t, "r1", event.Status.RunHistoryId)
	assert.Equal(t, domain.RunStatusRunning, event.Status.Status)
}

func TestSubscribe_EmitsPeriodicPings(t *testing.T) {
	f := newTestFanout(t, newBusHub())
	f.heartbeatInterval = 10 * time.Millisecond

	events, cancel := f.Subscribe(context.Background(), "u1")
	defer cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == EventTypePing {
				return
			}
		case <-deadline:
			t.Fatal("no ping received")
		}
	}
}

func TestUnsubscribe_LastSubscriberTearsDownChannel(t *testing.T) {
	f := newTestFanout(t, newBusHub())

	_, cancelFirst := f.Subscribe(context.Background(), "u1")
	_, cancelSecond := f.Subscribe(context.Background(), "u1")

	cancelFirst()
	f.mu.Lock()
	_, stillThere := f.users["u1"]
	f.mu.Unlock()
	assert.True(t, stillThere, "channel must survive while a subscriber remains")

	cancelSecond()
	f.mu.Lock()
	_, stillThere = f.users["u1"]
	f.mu.Unlock()
	assert.False(t, stillThere, "last unsubscribe must tear the channel down")

	cancelSecond() // re-entrant cancel is a no-op
}

func newTestFanout(t *testing.T, hub *busHub) *Fanout {
	t.Helper()
	f := New(hub.endpoint())
	require.NoError(t, f.Start())
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func receiveMessage(t *testing.T, events <-chan Event) Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == EventTypeMessage {
				return event
			}
		case <-deadline:
			t.Fatal("no status message received")
			return Event{}
		}
	}
}

func assertNoMessage(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case event := <-events:
		if event.Type == EventTypeMessage {
			t.Fatalf("unexpected status message: %+v", event)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func statusEvent(userId, runId string, status domain.RunStatus) domain.StatusEvent {
	return domain.StatusEvent{
		RunHistoryId: runId,
		ScenarioId:   "s1",
		UserId:       userId,
		Status:       status,
	}
}

type inFlightListerFunc func(ctx context.Context, userId string) ([]domain.StatusEvent, error)

func (f inFlightListerFunc) InFlight(ctx context.Context, userId string) ([]domain.StatusEvent, error) {
	return f(ctx, userId)
}

// busHub fans published payloads out to every connected endpoint, standing in
// for the shared Redis topic.
type busHub struct {
	mu       sync.Mutex
	handlers []func([]byte)
}

func newBusHub() *busHub {
	return &busHub{}
}

func (h *busHub) endpoint() Bus {
	return &busEndpoint{hub: h}
}

func (h *busHub) publish(payload []byte) {
	h.mu.Lock()
	handlers := make([]func([]byte), len(h.handlers))
	copy(handlers, h.handlers)
	h.mu.Unlock()
	for _, handler := range handlers {
		handler(payload)
	}
}

type busEndpoint struct {
	hub *busHub
}

func (e *busEndpoint) Publish(payload []byte) error {
	e.hub.publish(payload)
	return nil
}

func (e *busEndpoint) Subscribe(handler func(payload []byte)) error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.hub.handlers = append(e.hub.handlers, handler)
	return nil
}

func (e *busEndpoint) Close() error { return nil }
