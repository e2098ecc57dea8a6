// Package events carries role and test-mode change notifications between
// components. The bus is synchronous and in-process: a publish invokes
// every subscriber for the topic, in registration order, before
// returning. Cross-process propagation rides a Redis channel and is
// best-effort only; anything that needs authoritative state must
// re-resolve instead of trusting a broadcast.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Topics published on the bus.
const (
	TopicRoleChanged         = "role:changed"
	TopicRolesUpdated        = "role:roles-updated"
	TopicTestModeActivated   = "testmode:activated"
	TopicTestModeDeactivated = "testmode:deactivated"
)

// RoleChanged is the payload for TopicRoleChanged. It is transient: emitted
// once, consumed by current subscribers, never stored.
type RoleChanged struct {
	UserID         int64     `json:"user_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	AvailableRoles []string  `json:"available_roles"`
	At             time.Time `json:"at"`
}

// RolesUpdated is the payload for TopicRolesUpdated, emitted when the
// grant set for a user changes.
type RolesUpdated struct {
	UserID int64     `json:"user_id"`
	At     time.Time `json:"at"`
}

// TestModeChanged is the payload for the testmode:* topics.
type TestModeChanged struct {
	UserID    int64     `json:"user_id"`
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handler receives published payloads.
type Handler func(topic string, payload any)

type subscriber struct {
	id int64
	fn Handler
}

// Bus is an injectable publish/subscribe channel. The composition root
// owns the single instance and passes it to every component that
// publishes or subscribes; there is no package-level default.
type Bus struct {
	mu     sync.Mutex
	nextID int64
	subs   map[string][]subscriber
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscriber)}
}

// Subscribe registers fn for topic and returns an unsubscribe function.
// Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(topic string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, sub := range list {
			if sub.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers payload to all current subscribers of topic in
// registration order. Handlers run to completion on the caller's
// goroutine before Publish returns.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	list := make([]subscriber, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.Unlock()
	for _, sub := range list {
		sub.fn(topic, payload)
	}
}

type wireMessage struct {
	Origin  string          `json:"origin"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Forwarder republishes local bus traffic on a Redis channel and feeds
// remote traffic back into the local bus, giving other processes (and
// other browser sessions polling them) a best-effort view of role
// changes.
type Forwarder struct {
	bus     *Bus
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewForwarder wires a Forwarder onto bus. Forwarding starts when Run is
// called.
func NewForwarder(bus *Bus, client *redis.Client, channel string, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		bus:     bus,
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Run subscribes to the Redis channel and bridges both directions until
// ctx is cancelled. Local publishes are forwarded from the topics listed;
// messages originating from this process are dropped on receipt to avoid
// echo.
func (f *Forwarder) Run(ctx context.Context, topics ...string) {
	for _, topic := range topics {
		topic := topic
		f.bus.Subscribe(topic, func(_ string, payload any) {
			raw, err := json.Marshal(payload)
			if err != nil {
				return
			}
			msg, err := json.Marshal(wireMessage{Origin: f.origin, Topic: topic, Payload: raw})
			if err != nil {
				return
			}
			if err := f.client.Publish(ctx, f.channel, msg).Err(); err != nil && f.logger != nil {
				f.logger.Warn("forward event", slog.String("topic", topic), slog.Any("error", err))
			}
		})
	}

	pubsub := f.client.Subscribe(ctx, f.channel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var wire wireMessage
				if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
					continue
				}
				if wire.Origin == f.origin {
					continue
				}
				f.bus.Publish(wire.Topic, wire.Payload)
			}
		}
	}()
}
