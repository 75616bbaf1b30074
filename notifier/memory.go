package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemorySource implements Source using in-memory channels. Useful for tests
// and single-process scenarios; it doubles as the producer side via Publish.
type MemorySource struct {
	bufferSize int

	mu       sync.RWMutex
	handles  []*memoryHandle
	presence map[string]PresenceState // channel name -> state
	closed   atomic.Bool
}

// NewMemorySource creates a new in-memory notification source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		bufferSize: 256,
		presence:   make(map[string]PresenceState),
	}
}

// Open creates a physical subscription.
func (s *MemorySource) Open(ctx context.Context, sub Subscription) (Handle, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	h := &memoryHandle{
		id:       uuid.NewString(),
		source:   s,
		sub:      sub,
		events:   make(chan ChangeEvent, s.bufferSize),
		presence: make(chan PresenceState, s.bufferSize),
		status:   make(chan Status, 4),
	}

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	h.sendStatus(StatusSubscribed)
	return h, nil
}

// Publish fans a change event out to every subscription that wants it.
func (s *MemorySource) Publish(ev ChangeEvent) {
	if ev.Schema == "" {
		ev.Schema = "public"
	}

	s.mu.RLock()
	handles := make([]*memoryHandle, len(s.handles))
	copy(handles, s.handles)
	s.mu.RUnlock()

	for _, h := range handles {
		if h.sub.Presence || !h.sub.Wants(ev) {
			continue
		}
		h.deliverEvent(ev)
	}
}

// Fail simulates a transport failure on every handle matching the
// subscription, pushing an error status. Test hook for reconnect behavior.
func (s *MemorySource) Fail(sub Subscription) {
	s.mu.RLock()
	handles := make([]*memoryHandle, len(s.handles))
	copy(handles, s.handles)
	s.mu.RUnlock()

	for _, h := range handles {
		if h.sub.Channel == sub.Channel && h.sub.Table == sub.Table && h.sub.Filter == sub.Filter {
			h.sendStatus(StatusError)
		}
	}
}

// HandleCount returns the number of live physical subscriptions.
func (s *MemorySource) HandleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, h := range s.handles {
		if !h.closed.Load() {
			count++
		}
	}
	return count
}

// Close tears down the source and every open handle.
func (s *MemorySource) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	return nil
}

// track merges a member's presence data and broadcasts the full state to
// every presence handle on the channel.
func (s *MemorySource) track(channel, member string, data json.RawMessage) {
	s.mu.Lock()
	state, ok := s.presence[channel]
	if !ok {
		state = make(PresenceState)
		s.presence[channel] = state
	}
	state[member] = data
	snapshot := state.clone()

	handles := make([]*memoryHandle, 0, len(s.handles))
	for _, h := range s.handles {
		if h.sub.Presence && h.sub.Channel == channel && !h.closed.Load() {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.deliverPresence(snapshot)
	}
}

// untrack removes a departing member and broadcasts the shrunk state.
func (s *MemorySource) untrack(channel, member string) {
	s.mu.Lock()
	state, ok := s.presence[channel]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(state, member)
	snapshot := state.clone()

	handles := make([]*memoryHandle, 0, len(s.handles))
	for _, h := range s.handles {
		if h.sub.Presence && h.sub.Channel == channel && !h.closed.Load() {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.deliverPresence(snapshot)
	}
}

type memoryHandle struct {
	id     string
	source *MemorySource
	sub    Subscription

	// mu serializes channel sends against Close so a send never races a
	// channel close.
	mu       sync.Mutex
	events   chan ChangeEvent
	presence chan PresenceState
	status   chan Status

	closed  atomic.Bool
	tracked atomic.Bool
}

// deliverEvent sends a change event, dropping it when the buffer is full.
func (h *memoryHandle) deliverEvent(ev ChangeEvent) {
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

// deliverPresence sends a presence snapshot, dropping when the buffer is full.
func (h *memoryHandle) deliverPresence(state PresenceState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return
	}
	select {
	case h.presence <- state:
	default:
	}
}

func (h *memoryHandle) Events() <-chan ChangeEvent     { return h.events }
func (h *memoryHandle) Presence() <-chan PresenceState { return h.presence }
func (h *memoryHandle) Status() <-chan Status          { return h.status }

func (h *memoryHandle) Track(ctx context.Context, data json.RawMessage) error {
	if !h.sub.Presence {
		return ErrNotPresence
	}
	if h.closed.Load() {
		return ErrClosed
	}
	if len(data) == 0 || !json.Valid(data) {
		return ErrTrackPayload
	}
	h.tracked.Store(true)
	h.source.track(h.sub.Channel, h.id, data)
	return nil
}

func (h *memoryHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if h.tracked.Load() {
		h.source.untrack(h.sub.Channel, h.id)
	}

	h.mu.Lock()
	select {
	case h.status <- StatusClosed:
	default:
	}
	close(h.events)
	close(h.presence)
	close(h.status)
	h.mu.Unlock()
	return nil
}

func (h *memoryHandle) sendStatus(st Status) {
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
