// Package subs multiplexes logical topic subscriptions onto the single
// broker session. Any number of local callbacks can register interest in a
// topic; at most one transport subscription exists for it, and all
// registrations survive reconnects.
package subs

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-client/internal/session"
	"chat-client/internal/stomp"
)

var ErrNotConnected = errors.New("session is in terminal failed state")

// subscribeRetryWait spaces out re-attempts after a SUBSCRIBE frame fails
// to send on a healthy session (full send buffer and the like).
const subscribeRetryWait = 250 * time.Millisecond

// Handler receives every frame pushed on a topic.
type Handler func(*stomp.Frame)

// Sender is the slice of the session the mux needs.
type Sender interface {
	Send(*stomp.Frame) error
}

type registration struct {
	fn Handler
}

type topicSub struct {
	id        string // transport subscription id, empty while not established
	callbacks []*registration
}

// Mux is the subscription multiplexer.
type Mux struct {
	sender Sender
	logger *slog.Logger

	mu        sync.Mutex
	topics    map[string]*topicSub
	connected bool
	failed    bool
	retryWait time.Duration
	retry     *time.Timer
}

// New creates a mux bound to a sender. Wire HandleSessionState into the
// session's listeners and Dispatch into its frame router.
func New(sender Sender, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		sender:    sender,
		logger:    logger,
		topics:    make(map[string]*topicSub),
		retryWait: subscribeRetryWait,
	}
}

// Subscribe registers cb for topic. The first registration for a topic
// issues one transport subscription; while the session is down the intent
// is queued and issued on the next connect. Only a terminally failed
// session rejects the call. The returned function removes exactly this
// callback and releases the transport subscription with the last one.
func (m *Mux) Subscribe(topic string, cb Handler) (func(), error) {
	m.mu.Lock()
	if m.failed {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}

	ts := m.topics[topic]
	if ts == nil {
		ts = &topicSub{}
		m.topics[topic] = ts
	}
	reg := &registration{fn: cb}
	ts.callbacks = append(ts.callbacks, reg)

	if m.connected && ts.id == "" {
		m.establishLocked(topic, ts)
	}
	m.mu.Unlock()

	return func() { m.remove(topic, reg) }, nil
}

func (m *Mux) remove(topic string, reg *registration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.topics[topic]
	if ts == nil {
		return
	}
	for i, r := range ts.callbacks {
		if r == reg {
			ts.callbacks = append(ts.callbacks[:i], ts.callbacks[i+1:]...)
			break
		}
	}
	if len(ts.callbacks) > 0 {
		return
	}
	if ts.id != "" && m.connected {
		release := stomp.NewFrame(stomp.CommandUnsubscribe, nil)
		release.Set(stomp.HeaderID, ts.id)
		if err := m.sender.Send(release); err != nil {
			m.logger.Warn("unsubscribe not delivered", "topic", topic, "error", err)
		}
	}
	delete(m.topics, topic)
}

// establishLocked issues the transport subscription for a topic.
// Callers hold m.mu.
func (m *Mux) establishLocked(topic string, ts *topicSub) {
	ts.id = "sub-" + uuid.NewString()
	sub := stomp.NewFrame(stomp.CommandSubscribe, nil)
	sub.Set(stomp.HeaderID, ts.id)
	sub.Set(stomp.HeaderDestination, topic)
	if err := m.sender.Send(sub); err != nil {
		// Intent stays queued; re-attempt shortly rather than wait for
		// the next reconnect.
		ts.id = ""
		m.logger.Warn("subscribe not delivered", "topic", topic, "error", err)
		m.scheduleRetryLocked()
	}
}

// scheduleRetryLocked arms one timer that re-issues every unestablished
// intent while the session is still connected. Callers hold m.mu.
func (m *Mux) scheduleRetryLocked() {
	if m.retry != nil {
		return
	}
	m.retry = time.AfterFunc(m.retryWait, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.retry = nil
		if !m.connected {
			return
		}
		for topic, ts := range m.topics {
			if len(ts.callbacks) > 0 && ts.id == "" {
				m.establishLocked(topic, ts)
			}
		}
	})
}

// HandleSessionState reacts to connection transitions: a new transport
// session has no server-side subscription state, so every topic with at
// least one callback is re-issued on connect.
func (m *Mux) HandleSessionState(change session.StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch change.State {
	case session.StateConnected:
		m.connected = true
		m.failed = false
		for topic, ts := range m.topics {
			if len(ts.callbacks) > 0 {
				ts.id = ""
				m.establishLocked(topic, ts)
			}
		}
	case session.StateFailed:
		m.connected = false
		m.failed = true
		m.invalidateLocked()
	default:
		m.connected = false
		m.invalidateLocked()
	}
}

func (m *Mux) invalidateLocked() {
	for _, ts := range m.topics {
		ts.id = ""
	}
}

// Dispatch routes an inbound MESSAGE frame to every callback registered
// for its topic, in registration order. A panicking callback does not
// stop delivery to the rest.
func (m *Mux) Dispatch(frame *stomp.Frame) {
	subID := frame.Get(stomp.HeaderSubscription)
	dest := frame.Get(stomp.HeaderDestination)

	m.mu.Lock()
	var handlers []Handler
	for topic, ts := range m.topics {
		if (subID != "" && ts.id == subID) || (subID == "" && topic == dest) {
			handlers = make([]Handler, 0, len(ts.callbacks))
			for _, r := range ts.callbacks {
				handlers = append(handlers, r.fn)
			}
			break
		}
	}
	m.mu.Unlock()

	if handlers == nil {
		m.logger.Debug("frame for unknown subscription", "subscription", subID, "destination", dest)
		return
	}
	for _, h := range handlers {
		m.invoke(h, frame)
	}
}

func (m *Mux) invoke(h Handler, frame *stomp.Frame) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscription callback panicked",
				"destination", frame.Get(stomp.HeaderDestination), "panic", r)
		}
	}()
	h(frame)
}

// ActiveSubscriptions returns the number of live transport subscriptions.
func (m *Mux) ActiveSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ts := range m.topics {
		if ts.id != "" {
			n++
		}
	}
	return n
}
