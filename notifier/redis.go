package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig for creating a Redis-backed notification source.
type RedisConfig struct {
	Addr     string // Redis address (e.g., "localhost:6379")
	Password string // Redis password (empty for no auth)
	DB       int    // Redis database number
	Prefix   string // Key prefix for pub/sub topics (default: "flowgate")
}

// RedisSource implements Source over Redis pub/sub. Change events are JSON
// payloads published on "<prefix>:changes:<schema>.<table>"; presence uses
// "<prefix>:presence:<channel>". Filtering and event-type restriction happen
// client-side, so many local subscriptions can share one topic.
type RedisSource struct {
	client *redis.Client
	prefix string
}

// NewRedisSource creates a Redis-backed notification source.
func NewRedisSource(config RedisConfig) *RedisSource {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	prefix := config.Prefix
	if prefix == "" {
		prefix = "flowgate"
	}

	return &RedisSource{client: client, prefix: prefix}
}

// changesTopic names the pub/sub channel carrying a table's change stream.
func (s *RedisSource) changesTopic(schema, table string) string {
	return fmt.Sprintf("%s:changes:%s.%s", s.prefix, schema, table)
}

// presenceTopic names the pub/sub channel carrying presence broadcasts.
func (s *RedisSource) presenceTopic(channel string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, channel)
}

// Publish sends a change event to the table's topic. Producer-side helper.
func (s *RedisSource) Publish(ctx context.Context, ev ChangeEvent) error {
	if ev.Schema == "" {
		ev.Schema = "public"
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	return s.client.Publish(ctx, s.changesTopic(ev.Schema, ev.Table), data).Err()
}

// Open creates a physical subscription backed by one Redis pub/sub
// subscription. The handle pumps messages until closed; an unexpected
// message-stream termination surfaces as StatusError so the channel manager
// can reconnect.
func (s *RedisSource) Open(ctx context.Context, sub Subscription) (Handle, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	var topic string
	if sub.Presence {
		topic = s.presenceTopic(sub.Channel)
	} else {
		topic = s.changesTopic(sub.SchemaOrDefault(), sub.Table)
	}

	pubsub := s.client.Subscribe(ctx, topic)
	// Force the subscribe round-trip so failures surface here, not in the pump
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	h := &redisHandle{
		id:       uuid.NewString(),
		source:   s,
		sub:      sub,
		pubsub:   pubsub,
		events:   make(chan ChangeEvent, 256),
		presence: make(chan PresenceState, 64),
		status:   make(chan Status, 4),
		state:    make(PresenceState),
	}

	h.sendStatus(StatusSubscribed)
	go h.pump()
	return h, nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisSource) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisSource) Close() error {
	return s.client.Close()
}

// presenceMessage is the wire form of one presence broadcast.
type presenceMessage struct {
	Member string          `json:"member"`
	Data   json.RawMessage `json:"data,omitempty"`
	Leave  bool            `json:"leave,omitempty"`
}

type redisHandle struct {
	id     string
	source *RedisSource
	sub    Subscription
	pubsub *redis.PubSub

	mu       sync.Mutex
	events   chan ChangeEvent
	presence chan PresenceState
	status   chan Status

	// state is this handle's merged view of channel presence, built from
	// received track/leave broadcasts
	state PresenceState

	closed  atomic.Bool
	tracked atomic.Bool
}

func (h *redisHandle) Events() <-chan ChangeEvent     { return h.events }
func (h *redisHandle) Presence() <-chan PresenceState { return h.presence }
func (h *redisHandle) Status() <-chan Status          { return h.status }

func (h *redisHandle) Track(ctx context.Context, data json.RawMessage) error {
	if !h.sub.Presence {
		return ErrNotPresence
	}
	if h.closed.Load() {
		return ErrClosed
	}
	if len(data) == 0 || !json.Valid(data) {
		return ErrTrackPayload
	}

	msg, err := json.Marshal(presenceMessage{Member: h.id, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode presence: %w", err)
	}
	h.tracked.Store(true)
	return h.source.client.Publish(ctx, h.source.presenceTopic(h.sub.Channel), msg).Err()
}

func (h *redisHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	if h.tracked.Load() {
		// Best-effort departure broadcast
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if msg, err := json.Marshal(presenceMessage{Member: h.id, Leave: true}); err == nil {
			h.source.client.Publish(ctx, h.source.presenceTopic(h.sub.Channel), msg)
		}
	}

	err := h.pubsub.Close()

	h.mu.Lock()
	select {
	case h.status <- StatusClosed:
	default:
	}
	close(h.events)
	close(h.presence)
	close(h.status)
	h.mu.Unlock()
	return err
}

// pump forwards pub/sub messages until the subscription ends.
func (h *redisHandle) pump() {
	ch := h.pubsub.Channel()
	for msg := range ch {
		if h.sub.Presence {
			h.handlePresence([]byte(msg.Payload))
		} else {
			h.handleChange([]byte(msg.Payload))
		}
	}

	// Stream ended. If we did not close it ourselves, the connection failed.
	if !h.closed.Load() {
		h.sendStatus(StatusError)
	}
}

func (h *redisHandle) handleChange(payload []byte) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	if !h.sub.Wants(ev) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return
	}
	select {
	case h.events <- ev:
	default:
		// Buffer full, drop event
	}
}

func (h *redisHandle) handlePresence(payload []byte) {
	var msg presenceMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Member == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return
	}
	if msg.Leave {
		delete(h.state, msg.Member)
	} else {
		h.state[msg.Member] = msg.Data
	}
	snapshot := h.state.clone()
	select {
	case h.presence <- snapshot:
	default:
	}
}

func (h *redisHandle) sendStatus(st Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return
	}
	select {
	case h.status <- st:
	default:
	}
}
