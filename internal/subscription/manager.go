package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Topics published by the services of this module.
const (
	TopicRoomPresenceChanged = "roomPresenceChanged"
	TopicMessageAdded        = "messageAdded"
)

/*
Trigger binds an operation to the topic it listens to.  When RoomVar is set,
only messages whose room equals the subscription's RoomVar variable are
delivered.
*/
type Trigger struct {
	Topic   string
	RoomVar string
}

/*
DefaultTriggers returns the operations clients can subscribe to.
*/
func DefaultTriggers() map[string]Trigger {
	return map[string]Trigger{
		"roomPresence": {Topic: TopicRoomPresenceChanged, RoomVar: "room"},
		"roomMessages": {Topic: TopicMessageAdded, RoomVar: "room"},
	}
}

/*
Message is the envelope shared by local and remote publishers.  Room is copied
from payloads implementing [RoomScoped] so that filtering does not require
decoding the payload.
*/
type Message struct {
	Topic   string          `json:"topic"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

/*
RoomScoped is implemented by payloads that belong to a single room.
*/
type RoomScoped interface {
	RoomId() string
}

/*
NewMessage encodes payload into a Message for the specified topic.
*/
func NewMessage(topic string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}

	m := Message{Topic: topic, Payload: raw}
	if rs, ok := payload.(RoomScoped); ok {
		m.Room = rs.RoomId()
	}
	return m, nil
}

// subscriber is a single live subscription.
type subscriber struct {
	handle  Handle
	topic   string
	room    string
	deliver func([]byte)
}

/*
Manager is the in-memory Transport.  It keeps the subscribers grouped by topic
so that a publish only visits the subscribers of a single topic.
*/
type Manager struct {
	mu       sync.RWMutex
	triggers map[string]Trigger
	byTopic  map[string]map[Handle]*subscriber
	byHandle map[Handle]*subscriber
	log      zerolog.Logger
}

func NewManager(triggers map[string]Trigger, log zerolog.Logger) *Manager {
	return &Manager{
		triggers: triggers,
		byTopic:  make(map[string]map[Handle]*subscriber),
		byHandle: make(map[Handle]*subscriber),
		log:      log.With().Str("component", "subscription-manager").Logger(),
	}
}

/*
Subscribe registers a new subscription and returns its handle.
*/
func (m *Manager) Subscribe(ctx context.Context, req Request) (Handle, error) {
	t, exists := m.triggers[req.OperationName]
	if !exists {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, req.OperationName)
	}

	s := &subscriber{
		handle:  Handle(uuid.NewString()),
		topic:   t.Topic,
		deliver: req.Deliver,
	}
	if t.RoomVar != "" {
		s.room = req.Variables.String(t.RoomVar)
		if s.room == "" {
			return "", fmt.Errorf("%w: %q", ErrMissingVariable, t.RoomVar)
		}
	}
	if s.deliver == nil {
		s.deliver = func([]byte) {}
	}

	m.mu.Lock()
	subs, ok := m.byTopic[s.topic]
	if !ok {
		subs = make(map[Handle]*subscriber)
		m.byTopic[s.topic] = subs
	}
	subs[s.handle] = s
	m.byHandle[s.handle] = s
	m.mu.Unlock()

	m.log.Debug().
		Str("handle", string(s.handle)).
		Str("operation", req.OperationName).
		Str("room", s.room).
		Msg("subscribed")

	return s.handle, nil
}

// Active reports whether the handle refers to a live subscription.
func (m *Manager) Active(h Handle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.byHandle[h]
	return exists
}

/*
Unsubscribe removes the subscription.  Unknown handles are ignored.
*/
func (m *Manager) Unsubscribe(ctx context.Context, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.byHandle[h]
	if !exists {
		return nil
	}

	delete(m.byHandle, h)
	if subs, ok := m.byTopic[s.topic]; ok {
		delete(subs, h)
		if len(subs) == 0 {
			delete(m.byTopic, s.topic)
		}
	}

	m.log.Debug().Str("handle", string(h)).Msg("unsubscribed")
	return nil
}

/*
Publish encodes the payload and dispatches it to the local subscribers.  It
satisfies the event bus contract of the presence gateway when no broker is
configured.
*/
func (m *Manager) Publish(ctx context.Context, topic string, payload any) error {
	msg, err := NewMessage(topic, payload)
	if err != nil {
		return err
	}
	m.Dispatch(msg)
	return nil
}

/*
Dispatch fans the message out among all matching subscribers.
*/
func (m *Manager) Dispatch(msg Message) {
	m.mu.RLock()
	targets := make([]*subscriber, 0, len(m.byTopic[msg.Topic]))
	for _, s := range m.byTopic[msg.Topic] {
		if s.room == "" || s.room == msg.Room {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		s.deliver(msg.Payload)
	}
}

/*
Len returns the number of live subscriptions.
*/
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byHandle)
}
