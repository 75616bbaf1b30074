package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebsocketSettings holds the timeouts governing a websocket subscription.
type WebsocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// DefaultWebsocketSettings returns conservative production timeouts.
func DefaultWebsocketSettings() WebsocketSettings {
	return WebsocketSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// WebsocketSource implements Source against a hosted realtime endpoint that
// speaks JSON frames over websocket. Each Open dials one connection; the
// channel manager's reconnect logic handles redialing after failures.
type WebsocketSource struct {
	url      string
	settings WebsocketSettings
	dialer   *websocket.Dialer
}

// NewWebsocketSource creates a source dialing the given websocket URL.
func NewWebsocketSource(url string, settings WebsocketSettings) *WebsocketSource {
	return &WebsocketSource{
		url:      url,
		settings: settings,
		dialer: &websocket.Dialer{
			HandshakeTimeout: settings.HandshakeTimeout,
		},
	}
}

// wsFrame is the JSON envelope exchanged with the realtime endpoint.
type wsFrame struct {
	Kind     string          `json:"kind"` // "subscribe", "change", "presence", "track"
	Channel  string          `json:"channel,omitempty"`
	Schema   string          `json:"schema,omitempty"`
	Table    string          `json:"table,omitempty"`
	Filter   string          `json:"filter,omitempty"`
	Events   []EventType     `json:"events,omitempty"`
	Presence bool            `json:"presence,omitempty"`
	Change   *ChangeEvent    `json:"change,omitempty"`
	Member   string          `json:"member,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Leave    bool            `json:"leave,omitempty"`
}

// Open dials the endpoint, sends the subscribe frame and starts the reader.
func (s *WebsocketSource) Open(ctx context.Context, sub Subscription) (Handle, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", s.url, err)
	}

	subscribe := wsFrame{
		Kind:     "subscribe",
		Channel:  sub.Channel,
		Schema:   sub.SchemaOrDefault(),
		Table:    sub.Table,
		Filter:   sub.Filter,
		Events:   sub.Events,
		Presence: sub.Presence,
	}
	conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
	if err := conn.WriteJSON(subscribe); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send subscribe frame: %w", err)
	}

	h := &wsHandle{
		id:       uuid.NewString(),
		source:   s,
		sub:      sub,
		conn:     conn,
		events:   make(chan ChangeEvent, 256),
		presence: make(chan PresenceState, 64),
		status:   make(chan Status, 4),
		state:    make(PresenceState),
	}

	h.sendStatus(StatusSubscribed)
	go h.readLoop()
	go h.pingLoop()
	return h, nil
}

type wsHandle struct {
	id     string
	source *WebsocketSource
	sub    Subscription
	conn   *websocket.Conn

	mu       sync.Mutex
	events   chan ChangeEvent
	presence chan PresenceState
	status   chan Status
	state    PresenceState

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (h *wsHandle) Events() <-chan ChangeEvent     { return h.events }
func (h *wsHandle) Presence() <-chan PresenceState { return h.presence }
func (h *wsHandle) Status() <-chan Status          { return h.status }

func (h *wsHandle) Track(ctx context.Context, data json.RawMessage) error {
	if !h.sub.Presence {
		return ErrNotPresence
	}
	if h.closed.Load() {
		return ErrClosed
	}
	if len(data) == 0 || !json.Valid(data) {
		return ErrTrackPayload
	}
	return h.writeFrame(wsFrame{Kind: "track", Channel: h.sub.Channel, Member: h.id, Data: data})
}

func (h *wsHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := h.conn.Close()

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

func (h *wsHandle) writeFrame(frame wsFrame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.conn.SetWriteDeadline(time.Now().Add(h.source.settings.WriteTimeout))
	return h.conn.WriteJSON(frame)
}

// readLoop decodes frames until the connection drops. An unexpected drop
// surfaces as StatusError so the channel manager can reconnect.
func (h *wsHandle) readLoop() {
	for {
		var frame wsFrame
		if err := h.conn.ReadJSON(&frame); err != nil {
			if !h.closed.Load() {
				h.sendStatus(StatusError)
			}
			return
		}

		switch frame.Kind {
		case "change":
			if frame.Change != nil && h.sub.Wants(*frame.Change) {
				h.deliverEvent(*frame.Change)
			}
		case "presence":
			h.mergePresence(frame)
		}
	}
}

// pingLoop keeps the connection alive; the server ends idle connections.
func (h *wsHandle) pingLoop() {
	interval := h.source.settings.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if h.closed.Load() {
			return
		}
		h.writeMu.Lock()
		h.conn.SetWriteDeadline(time.Now().Add(h.source.settings.WriteTimeout))
		err := h.conn.WriteMessage(websocket.PingMessage, nil)
		h.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (h *wsHandle) deliverEvent(ev ChangeEvent) {
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

func (h *wsHandle) mergePresence(frame wsFrame) {
	if frame.Member == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return
	}
	if frame.Leave {
		delete(h.state, frame.Member)
	} else {
		h.state[frame.Member] = frame.Data
	}
	snapshot := h.state.clone()
	select {
	case h.presence <- snapshot:
	default:
	}
}

func (h *wsHandle) sendStatus(st Status) {
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
