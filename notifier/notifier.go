// Package notifier defines the change-notification transport consumed by the
// channel manager, with in-memory, Redis pub/sub and websocket
// implementations. The transport is at-least-once and makes no ordering
// guarantee beyond arrival order; consumers must treat individual change
// events as idempotent-safe deltas.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
)

// Common errors.
var (
	ErrClosed       = errors.New("notifier closed")
	ErrNoSubject    = errors.New("subscription must name a channel or table")
	ErrNotPresence  = errors.New("subscription is not in presence mode")
	ErrTrackPayload = errors.New("invalid presence payload")
)

// EventType identifies the kind of row change a notification carries.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one server-pushed row change.
type ChangeEvent struct {
	Type   EventType       `json:"type"`
	Schema string          `json:"schema"`
	Table  string          `json:"table"`
	Old    json.RawMessage `json:"old,omitempty"`
	New    json.RawMessage `json:"new,omitempty"`
}

// Status reports the health of a physical subscription.
type Status string

const (
	StatusSubscribed Status = "subscribed"
	StatusError      Status = "error"
	StatusClosed     Status = "closed"
)

// Subscription describes one physical subscription request.
type Subscription struct {
	// Channel is the logical channel name; required for presence mode,
	// optional otherwise.
	Channel string

	// Schema and Table select the change stream. Schema defaults to "public".
	Schema string
	Table  string

	// Filter restricts events to matching rows, in "column=eq.value" form.
	// Empty means all rows.
	Filter string

	// Events restricts the delivered event types. Empty means all.
	Events []EventType

	// Presence switches the subscription into presence-tracking mode.
	Presence bool
}

// Validate checks the subscription is well formed.
func (s Subscription) Validate() error {
	if s.Presence && s.Channel == "" {
		return ErrNoSubject
	}
	if !s.Presence && s.Table == "" {
		return ErrNoSubject
	}
	return nil
}

// SchemaOrDefault returns the schema, defaulting to "public".
func (s Subscription) SchemaOrDefault() string {
	if s.Schema == "" {
		return "public"
	}
	return s.Schema
}

// Wants reports whether the subscription should receive ev, applying the
// event-type and filter restrictions.
func (s Subscription) Wants(ev ChangeEvent) bool {
	if ev.Schema != s.SchemaOrDefault() || ev.Table != s.Table {
		return false
	}
	if len(s.Events) > 0 {
		found := false
		for _, t := range s.Events {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return matchFilter(s.Filter, ev)
}

// PresenceState is the full presence map for a channel, keyed by the
// tracking member's identity.
type PresenceState map[string]json.RawMessage

// clone returns an independent copy so handles can't mutate shared state.
func (p PresenceState) clone() PresenceState {
	out := make(PresenceState, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Handle is one live physical subscription. Events, Presence and Status are
// delivered on channels that close when the handle closes.
type Handle interface {
	// Events delivers matching change notifications.
	Events() <-chan ChangeEvent

	// Presence delivers the full presence state after every sync.
	Presence() <-chan PresenceState

	// Status delivers subscription health transitions.
	Status() <-chan Status

	// Track broadcasts this member's presence data to the channel.
	// Only valid in presence mode.
	Track(ctx context.Context, data json.RawMessage) error

	// Close tears down the physical subscription.
	Close() error
}

// Source opens physical subscriptions. Implementations: MemorySource (tests,
// single process), RedisSource (Redis pub/sub), WebsocketSource (hosted
// realtime endpoints).
type Source interface {
	Open(ctx context.Context, sub Subscription) (Handle, error)
}
