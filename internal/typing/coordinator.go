// Package typing throttles outbound typing signals and expires stale
// inbound typing state, so a peer that vanished mid-keystroke never leaves
// a permanent indicator.
package typing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chat-client/internal/config"
)

// SendFunc transmits one typing transition for a conversation.
type SendFunc func(convID int64, started bool) error

// Coordinator owns both directions of typing state.
type Coordinator struct {
	cfg    config.TypingConfig
	send   SendFunc
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	lastStart  map[int64]time.Time
	stopTimers map[int64]*time.Timer
	inbound    map[int64]map[string]time.Time
	cancel     context.CancelFunc
}

func New(cfg config.TypingConfig, send SendFunc, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:        cfg,
		send:       send,
		logger:     logger,
		now:        time.Now,
		lastStart:  make(map[int64]time.Time),
		stopTimers: make(map[int64]*time.Timer),
		inbound:    make(map[int64]map[string]time.Time),
	}
}

// Start launches the background sweep that evicts expired inbound entries.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.sweep(ctx)
}

// Stop halts the sweep and every pending auto-stop timer.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	for conv, timer := range c.stopTimers {
		timer.Stop()
		delete(c.stopTimers, conv)
	}
}

// SetTyping reports the local user's typing state. Starts are throttled to
// one signal per ThrottleInterval per conversation and arm an automatic
// stop after IdleTimeout; explicit stops always go out immediately.
func (c *Coordinator) SetTyping(convID int64, active bool) {
	if !active {
		c.mu.Lock()
		if timer, ok := c.stopTimers[convID]; ok {
			timer.Stop()
			delete(c.stopTimers, convID)
		}
		delete(c.lastStart, convID)
		c.mu.Unlock()

		if err := c.send(convID, false); err != nil {
			c.logger.Debug("typing stop not delivered", "conversation", convID, "error", err)
		}
		return
	}

	now := c.now()
	c.mu.Lock()
	throttled := false
	if last, ok := c.lastStart[convID]; ok && now.Sub(last) < c.cfg.ThrottleInterval {
		throttled = true
	} else {
		c.lastStart[convID] = now
	}

	// Every keystroke pushes the auto-stop out, throttled or not.
	if timer, ok := c.stopTimers[convID]; ok {
		timer.Stop()
	}
	c.stopTimers[convID] = time.AfterFunc(c.cfg.IdleTimeout, func() { c.autoStop(convID) })
	c.mu.Unlock()

	if throttled {
		return
	}
	if err := c.send(convID, true); err != nil {
		c.logger.Debug("typing start not delivered", "conversation", convID, "error", err)
	}
}

func (c *Coordinator) autoStop(convID int64) {
	c.mu.Lock()
	delete(c.stopTimers, convID)
	delete(c.lastStart, convID)
	c.mu.Unlock()

	if err := c.send(convID, false); err != nil {
		c.logger.Debug("typing auto-stop not delivered", "conversation", convID, "error", err)
	}
}

// Observe records a peer's typing transition pushed by the server.
func (c *Coordinator) Observe(convID int64, userID string, started bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := c.inbound[convID]
	if started {
		if users == nil {
			users = make(map[string]time.Time)
			c.inbound[convID] = users
		}
		users[userID] = c.now()
		return
	}
	if users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(c.inbound, convID)
		}
	}
}

// Typists lists the users currently typing in a conversation, excluding
// entries older than the expiry window.
func (c *Coordinator) Typists(convID int64) []string {
	cutoff := c.now().Add(-c.cfg.ExpiryWindow)

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for userID, seen := range c.inbound[convID] {
		if seen.After(cutoff) {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := c.now().Add(-c.cfg.ExpiryWindow)
			c.mu.Lock()
			for convID, users := range c.inbound {
				for userID, seen := range users {
					if !seen.After(cutoff) {
						delete(users, userID)
					}
				}
				if len(users) == 0 {
					delete(c.inbound, convID)
				}
			}
			c.mu.Unlock()
		}
	}
}
