// Package channel deduplicates realtime subscriptions: many logical
// subscribers multiplex onto one physical subscription per canonical key,
// idle subscriptions are lazily reaped, and failed ones reconnect
// automatically.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/yourusername/flowgate/core"
	"github.com/yourusername/flowgate/notifier"
)

// ErrManagerClosed is returned when subscribing after CloseAll.
var ErrManagerClosed = errors.New("channel manager closed")

// Status of a managed channel.
type Status string

const (
	StatusSubscribing Status = "subscribing"
	StatusSubscribed  Status = "subscribed"
	StatusError       Status = "error"
	StatusClosed      Status = "closed"
)

// Handler receives change notifications for one logical subscriber.
type Handler func(notifier.ChangeEvent)

// PresenceHandler receives coalesced presence sync snapshots.
type PresenceHandler func(notifier.PresenceState)

// Options tune the manager's lifecycle timing.
type Options struct {
	// ReconnectDelay before recreating a failed physical subscription.
	// Default: 5s
	ReconnectDelay time.Duration

	// IdleTimeout is the grace period a subscriber-less channel survives,
	// absorbing rapid mount/unmount churn. Default: 5m
	IdleTimeout time.Duration

	// SweepInterval between idle-reap passes. Default: 60s
	SweepInterval time.Duration

	// PresenceThrottle is the minimum interval between presence callbacks,
	// coalescing keystroke-driven updates. Default: 250ms
	PresenceThrottle time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 60 * time.Second
	}
	if o.PresenceThrottle == 0 {
		o.PresenceThrottle = 250 * time.Millisecond
	}
	return o
}

// managed is one deduplicated channel: a physical subscription shared by a
// set of logical subscribers.
type managed struct {
	key string
	sub notifier.Subscription

	mu           sync.Mutex
	handle       notifier.Handle
	subscribers  map[string]Handler
	presenceSubs map[string]PresenceHandler
	lastActivity time.Time
	status       Status

	throttle *core.Throttle
}

// Manager tracks live subscriptions keyed by canonical descriptor.
// The channel map is an explicit context object: construct one Manager per
// process (or per test) and inject it, rather than sharing a hidden global.
type Manager struct {
	source notifier.Source
	opts   Options

	mu       sync.Mutex
	channels map[string]*managed
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup

	now func() time.Time
}

// NewManager creates a manager over the given notification source and
// starts the idle sweep.
func NewManager(source notifier.Source, opts Options) *Manager {
	m := &Manager{
		source:   source,
		opts:     opts.withDefaults(),
		channels: make(map[string]*managed),
		stop:     make(chan struct{}),
		now:      time.Now,
	}

	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Subscribe registers handler under subscriberID for the subscription's
// canonical key. The key lookup is synchronous: a second caller arriving
// before the first physical subscription resolves attaches to the in-flight
// entry instead of creating a duplicate. The returned function removes only
// this subscriber.
func (m *Manager) Subscribe(subscriberID string, sub notifier.Subscription, handler Handler) (func(), error) {
	return m.subscribe(subscriberID, sub, handler, nil)
}

// SubscribePresence registers a presence handler on a presence-mode
// subscription. Sync callbacks are throttled on the leading edge so
// keystroke-frequency presence updates do not re-render every subscriber.
func (m *Manager) SubscribePresence(subscriberID string, sub notifier.Subscription, handler PresenceHandler) (func(), error) {
	sub.Presence = true
	return m.subscribe(subscriberID, sub, nil, handler)
}

func (m *Manager) subscribe(subscriberID string, sub notifier.Subscription, handler Handler, presence PresenceHandler) (func(), error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	key := Key(sub)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	ch, exists := m.channels[key]
	if !exists {
		ch = &managed{
			key:          key,
			sub:          sub,
			subscribers:  make(map[string]Handler),
			presenceSubs: make(map[string]PresenceHandler),
			lastActivity: m.now(),
			status:       StatusSubscribing,
			throttle:     core.NewThrottle(m.opts.PresenceThrottle),
		}
		m.channels[key] = ch
		m.wg.Add(1)
		go m.open(ch)
	}

	// Attach while still holding the registry lock: teardown decisions also
	// run under it, so a channel selected for removal either sees this
	// subscriber and survives, or is already gone and we created a fresh one.
	ch.mu.Lock()
	if handler != nil {
		ch.subscribers[subscriberID] = handler
	}
	if presence != nil {
		ch.presenceSubs[subscriberID] = presence
	}
	ch.lastActivity = m.now()
	ch.mu.Unlock()
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			ch.mu.Lock()
			delete(ch.subscribers, subscriberID)
			delete(ch.presenceSubs, subscriberID)
			// Dropping the last subscriber does not tear down the physical
			// subscription; the idle sweep reaps it after the grace period.
			ch.lastActivity = m.now()
			ch.mu.Unlock()
		})
	}
	return unsubscribe, nil
}

// Track broadcasts presence data on the managed channel matching sub.
func (m *Manager) Track(ctx context.Context, sub notifier.Subscription, data json.RawMessage) error {
	sub.Presence = true
	key := Key(sub)

	m.mu.Lock()
	ch, exists := m.channels[key]
	m.mu.Unlock()
	if !exists {
		return notifier.ErrNoSubject
	}

	ch.mu.Lock()
	handle := ch.handle
	ch.mu.Unlock()
	if handle == nil {
		return notifier.ErrClosed
	}
	return handle.Track(ctx, data)
}

// Status returns the state of the managed channel for sub.
func (m *Manager) Status(sub notifier.Subscription) Status {
	m.mu.Lock()
	ch, exists := m.channels[Key(sub)]
	m.mu.Unlock()
	if !exists {
		return StatusClosed
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status
}

// Count returns the number of managed channels.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// CloseAll tears down every managed channel and stops the sweep.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	channels := make([]*managed, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.channels = make(map[string]*managed)
	m.mu.Unlock()

	close(m.stop)
	for _, ch := range channels {
		m.closeChannel(ch)
	}
	m.wg.Wait()
}

// open requests the physical subscription for a newly created channel and
// starts its pump.
func (m *Manager) open(ch *managed) {
	defer m.wg.Done()

	handle, err := m.source.Open(context.Background(), ch.sub)
	if err != nil {
		ch.mu.Lock()
		ch.status = StatusError
		ch.mu.Unlock()
		m.scheduleReconnect(ch)
		return
	}

	ch.mu.Lock()
	if ch.status == StatusClosed {
		// Reaped or CloseAll'd while the subscribe was in flight
		ch.mu.Unlock()
		handle.Close()
		return
	}
	ch.handle = handle
	ch.status = StatusSubscribed
	ch.lastActivity = m.now()
	ch.mu.Unlock()

	m.wg.Add(1)
	go m.pump(ch, handle)
}

// pump fans events out to subscribers until the handle ends, then decides
// between reconnect and close.
func (m *Manager) pump(ch *managed, handle notifier.Handle) {
	defer m.wg.Done()

	events := handle.Events()
	presence := handle.Presence()
	status := handle.Status()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			ch.mu.Lock()
			ch.lastActivity = m.now()
			handlers := make([]Handler, 0, len(ch.subscribers))
			for _, h := range ch.subscribers {
				handlers = append(handlers, h)
			}
			ch.mu.Unlock()
			for _, h := range handlers {
				h(ev)
			}

		case state, ok := <-presence:
			if !ok {
				presence = nil
				break
			}
			ch.mu.Lock()
			ch.lastActivity = m.now()
			fire := ch.throttle.Allow(m.now())
			handlers := make([]PresenceHandler, 0, len(ch.presenceSubs))
			for _, h := range ch.presenceSubs {
				handlers = append(handlers, h)
			}
			ch.mu.Unlock()
			if !fire {
				continue
			}
			for _, h := range handlers {
				h(state)
			}

		case st, ok := <-status:
			if !ok {
				status = nil
				break
			}
			if st == notifier.StatusError {
				ch.mu.Lock()
				alreadyClosed := ch.status == StatusClosed
				if !alreadyClosed {
					ch.status = StatusError
				}
				ch.mu.Unlock()
				if !alreadyClosed {
					handle.Close()
					m.scheduleReconnect(ch)
				}
				return
			}
		}

		if events == nil && presence == nil && status == nil {
			return
		}
	}
}

// scheduleReconnect waits the fixed reconnect delay, then recreates the
// physical subscription if subscribers remain, preserving the subscriber
// set; with no subscribers left it closes the channel instead.
func (m *Manager) scheduleReconnect(ch *managed) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		timer := time.NewTimer(m.opts.ReconnectDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.stop:
			return
		}

		m.mu.Lock()
		ch.mu.Lock()
		if ch.status == StatusClosed {
			ch.mu.Unlock()
			m.mu.Unlock()
			return
		}
		if len(ch.subscribers)+len(ch.presenceSubs) == 0 {
			// Still nobody listening after the delay: tear down. Decided
			// under both locks so a concurrent Subscribe cannot slip in
			// between the check and the close.
			delete(m.channels, ch.key)
			handle := ch.handle
			ch.handle = nil
			ch.status = StatusClosed
			ch.mu.Unlock()
			m.mu.Unlock()
			if handle != nil {
				handle.Close()
			}
			return
		}
		ch.status = StatusSubscribing
		ch.handle = nil
		ch.mu.Unlock()
		m.mu.Unlock()

		m.wg.Add(1)
		m.open(ch) // open consumes the wg slot
	}()
}

// sweepLoop periodically reaps channels that have no subscribers and have
// been inactive past the idle timeout.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Sweep runs one idle-reap pass. Exported so tests and shutdown paths can
// trigger it deterministically.
func (m *Manager) Sweep() {
	cutoff := m.now().Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	idle := make([]*managed, 0)
	for _, ch := range m.channels {
		ch.mu.Lock()
		if len(ch.subscribers)+len(ch.presenceSubs) == 0 && ch.lastActivity.Before(cutoff) {
			idle = append(idle, ch)
		}
		ch.mu.Unlock()
	}
	m.mu.Unlock()

	for _, ch := range idle {
		m.removeIfIdle(ch, cutoff)
	}
}

// removeIfIdle deletes a channel from the map and tears it down, unless a
// subscriber attached (or activity was recorded) after the channel was
// selected for removal. Subscribe attaches under the same locks, so a late
// subscriber either vetoes the removal here or finds the channel already
// gone and creates a fresh one; it can never end up on a closed channel.
func (m *Manager) removeIfIdle(ch *managed, cutoff time.Time) bool {
	m.mu.Lock()
	ch.mu.Lock()
	if len(ch.subscribers)+len(ch.presenceSubs) > 0 || !ch.lastActivity.Before(cutoff) {
		ch.mu.Unlock()
		m.mu.Unlock()
		return false
	}
	delete(m.channels, ch.key)
	handle := ch.handle
	ch.handle = nil
	ch.status = StatusClosed
	ch.mu.Unlock()
	m.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	return true
}

func (m *Manager) closeChannel(ch *managed) {
	ch.mu.Lock()
	handle := ch.handle
	ch.handle = nil
	ch.status = StatusClosed
	ch.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
}
