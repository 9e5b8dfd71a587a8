// Package fanout delivers live run status to subscribed clients. Delivery is
// two-tier: a per-user multicast channel for in-process subscribers, and a
// cross-instance bus so a status event raised on one server instance reaches
// clients connected to another.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/surgeproject/surge/internal/domain"
)

const (
	EventTypeMessage = "message"
	EventTypePing    = "ping"

	defaultHeartbeatInterval = 15 * time.Second
	subscriberBuffer         = 16
	// Retry hint passed to SSE clients, milliseconds.
	clientRetryMillis = 3000
)

// Event is one unit delivered to a subscriber: a status message or a
// synthetic ping keeping intermediary connections alive.
type Event struct {
	Type   string              `json:"type"`
	Id     string              `json:"id"`
	Retry  int                 `json:"retry"`
	Status *domain.StatusEvent `json:"status,omitempty"`
}

// InFlightLister reports the runs a user currently has in flight, queried
// fresh. Used to replay current status on (re)subscription so a client that
// connects after a run started is not left blank.
type InFlightLister interface {
	InFlight(ctx context.Context, userId string) ([]domain.StatusEvent, error)
}

// envelope is the bus wire format. Origin lets a process skip messages it
// published itself; those were already delivered locally.
type envelope struct {
	Origin string             `json:"origin"`
	Event  domain.StatusEvent `json:"event"`
}

type subscriber struct {
	events chan Event
}

type userChannel struct {
	subscribers   map[*subscriber]struct{}
	stopHeartbeat chan struct{}
}

type Fanout struct {
	instanceId        string
	bus               Bus
	lister            InFlightLister
	heartbeatInterval time.Duration

	mu    sync.Mutex
	users map[string]*userChannel
}

func New(bus Bus) *Fanout {
	return &Fanout{
		instanceId:        uuid.NewString(),
		bus:               bus,
		heartbeatInterval: defaultHeartbeatInterval,
		users:             map[string]*userChannel{},
	}
}

// SetInFlightLister wires the replay source. Set after construction because
// the run coordinator both publishes into the fanout and answers its replay
// queries.
func (f *Fanout) SetInFlightLister(lister InFlightLister) {
	f.lister = lister
}

// Start subscribes to the cross-instance bus. Messages whose user has a
// locally held channel are re-dispatched to it; everything else is dropped.
func (f *Fanout) Start() error {
	return f.bus.Subscribe(func(payload []byte) {
		var message envelope
		if err := json.Unmarshal(payload, &message); err != nil {
			log.WithError(err).Warn("discarding malformed status event from bus")
			return
		}
		if message.Origin == f.instanceId {
			return
		}
		f.deliverLocal(message.Event)
	})
}

// Subscribe registers a live-update channel for a user. The first
// subscription for a user lazily creates the multicast channel and its
// heartbeat; the returned cancel function drops the subscription and tears
// both down when it was the last one.
func (f *Fanout) Subscribe(ctx context.Context, userId string) (<-chan Event, func()) {
	sub := &subscriber{events: make(chan Event, subscriberBuffer)}

	f.mu.Lock()
	channel, ok := f.users[userId]
	if !ok {
		channel = &userChannel{
			subscribers:   map[*subscriber]struct{}{},
			stopHeartbeat: make(chan struct{}),
		}
		f.users[userId] = channel
		go f.heartbeat(userId, channel.stopHeartbeat)
	}
	channel.subscribers[sub] = struct{}{}
	f.mu.Unlock()

	go f.replay(ctx, userId, sub)

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		channel, ok := f.users[userId]
		if !ok {
			return
		}
		if _, subscribed := channel.subscribers[sub]; !subscribed {
			return
		}
		delete(channel.subscribers, sub)
		close(sub.events)
		if len(channel.subscribers) == 0 {
			close(channel.stopHeartbeat)
			delete(f.users, userId)
		}
	}
	return sub.events, cancel
}

// Publish delivers a status event to local subscribers of its user and to
// the cross-instance bus. Publish failures are logged, never fatal: a lost
// live update does not affect run state.
func (f *Fanout) Publish(event domain.StatusEvent) {
	f.deliverLocal(event)

	payload, err := json.Marshal(envelope{Origin: f.instanceId, Event: event})
	if err != nil {
		log.WithError(err).Error("cannot encode status event")
		return
	}
	if err := f.bus.Publish(payload); err != nil {
		log.WithError(err).Warnf("cannot publish status event for run %s to bus", event.RunHistoryId)
	}
}

func (f *Fanout) Close() error {
	f.mu.Lock()
	for userId, channel := range f.users {
		for sub := range channel.subscribers {
			close(sub.events)
		}
		close(channel.stopHeartbeat)
		delete(f.users, userId)
	}
	f.mu.Unlock()
	return f.bus.Close()
}

func (f *Fanout) deliverLocal(event domain.StatusEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.users[event.UserId]
	if !ok {
		return
	}
	message := statusMessage(event)
	for sub := range channel.subscribers {
		select {
		case sub.events <- message:
		default:
			// Slow consumer; dropping beats blocking every other subscriber.
			log.Warnf("dropping status event for slow subscriber of user %s", event.UserId)
		}
	}
}

func (f *Fanout) replay(ctx context.Context, userId string, sub *subscriber) {
	if f.lister == nil {
		return
	}
	inFlight, err := f.lister.InFlight(ctx, userId)
	if err != nil {
		log.WithError(err).Warnf("cannot replay in-flight runs for user %s", userId)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.users[userId]
	if !ok {
		return
	}
	if _, subscribed := channel.subscribers[sub]; !subscribed {
		return
	}
	for _, event := range inFlight {
		select {
		case sub.events <- statusMessage(event):
		default:
		}
	}
}

func (f *Fanout) heartbeat(userId string, stop chan struct{}) {
	ticker := time.NewTicker(f.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.mu.Lock()
			channel, ok := f.users[userId]
			if ok {
				for sub := range channel.subscribers {
					select {
					case sub.events <- Event{Type: EventTypePing, Retry: clientRetryMillis}:
					default:
					}
				}
			}
			f.mu.Unlock()
		}
	}
}

func statusMessage(event domain.StatusEvent) Event {
	return Event{
		Type:   EventTypeMessage,
		Id:     event.ScenarioId + ":" + event.RunHistoryId,
		Retry:  clientRetryMillis,
		Status: &event,
	}
}
