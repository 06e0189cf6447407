// Package cache holds the ordered local view of every conversation and
// reconciles optimistic sends, server pushes, status updates, reactions and
// paginated history into one duplicate-free sequence.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"chat-client/internal/models"
)

// conversation keeps messages oldest-first. Records are pointers so an
// optimistic entry can be confirmed in place without disturbing its
// position.
type conversation struct {
	messages []*models.Message
	byServer map[int64]*models.Message
	byClient map[string]*models.Message
}

// Store is the message cache. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	logger *slog.Logger
	convs  map[int64]*conversation
}

func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger: logger,
		convs:  make(map[int64]*conversation),
	}
}

func (s *Store) conv(id int64) *conversation {
	c := s.convs[id]
	if c == nil {
		c = &conversation{
			byServer: make(map[int64]*models.Message),
			byClient: make(map[string]*models.Message),
		}
		s.convs[id] = c
	}
	return c
}

// AddOptimistic inserts the local echo of a message the user just sent,
// before any server confirmation exists. The sender's own view starts at
// NOT_SENT.
func (s *Store) AddOptimistic(msg models.Message, selfID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.Statuses = map[string]models.StatusEntry{
		selfID: {Status: models.StatusNotSent, UpdatedAt: msg.CreatedAt},
	}
	c := s.conv(msg.ConversationID)
	rec := &msg
	c.messages = append(c.messages, rec)
	c.byClient[msg.ClientID] = rec
}

// ApplyIncoming merges a pushed message. A matching optimistic record
// (client-generated id correlation) is confirmed in place rather than
// appended again; an already-known server id is ignored.
func (s *Store) ApplyIncoming(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(msg.ConversationID)

	if msg.ClientID != "" {
		if rec, ok := c.byClient[msg.ClientID]; ok {
			// Keep the sender's own view at least at SENT once confirmed.
			if msg.Statuses == nil {
				msg.Statuses = make(map[string]models.StatusEntry)
			}
			for who, entry := range rec.Statuses {
				if have, ok := msg.Statuses[who]; !ok || entry.Status.Supersedes(have.Status) {
					msg.Statuses[who] = entry
				}
			}
			*rec = msg
			if msg.ID != 0 {
				c.byServer[msg.ID] = rec
			}
			return
		}
	}

	if msg.ID != 0 {
		if _, ok := c.byServer[msg.ID]; ok {
			s.logger.Debug("duplicate message push ignored",
				"conversation", msg.ConversationID, "message", msg.ID)
			return
		}
	}

	rec := &msg
	c.messages = append(c.messages, rec)
	if msg.ID != 0 {
		c.byServer[msg.ID] = rec
	}
	if msg.ClientID != "" {
		c.byClient[msg.ClientID] = rec
	}
}

// ApplyStatusUpdate advances one recipient's delivery status. Statuses are
// monotonic: an update that does not supersede the stored state is a no-op,
// so a late DELIVERED can never undo READ.
func (s *Store) ApplyStatusUpdate(convID, msgID int64, recipient string, status models.DeliveryStatus, at time.Time) {
	if !status.IsValid() {
		s.logger.Warn("invalid delivery status ignored", "status", string(status))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(convID)
	rec, ok := c.byServer[msgID]
	if !ok {
		s.logger.Debug("status update for unknown message",
			"conversation", convID, "message", msgID)
		return
	}
	if rec.Statuses == nil {
		rec.Statuses = make(map[string]models.StatusEntry)
	}
	if have, ok := rec.Statuses[recipient]; ok && !status.Supersedes(have.Status) {
		return
	}
	rec.Statuses[recipient] = models.StatusEntry{Status: status, UpdatedAt: at}
}

// MarkSent moves the sender's own view of an optimistic record to SENT,
// used when the broker acknowledges the SEND receipt.
func (s *Store) MarkSent(convID int64, clientID, selfID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conv(convID).byClient[clientID]
	if !ok {
		return
	}
	if rec.Statuses == nil {
		rec.Statuses = make(map[string]models.StatusEntry)
	}
	if have, ok := rec.Statuses[selfID]; ok && !models.StatusSent.Supersedes(have.Status) {
		return
	}
	rec.Statuses[selfID] = models.StatusEntry{Status: models.StatusSent, UpdatedAt: at}
}

// MarkFailed flags an optimistic record as permanently undeliverable so the
// UI can offer a manual retry.
func (s *Store) MarkFailed(convID int64, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.conv(convID).byClient[clientID]; ok {
		rec.Failed = true
	}
}

// MergeHistoryPage prepends a page of older messages, skipping records
// whose server identity is already loaded. Overlapping page boundaries
// therefore never produce duplicates.
func (s *Store) MergeHistoryPage(convID int64, older []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(convID)
	fresh := make([]*models.Message, 0, len(older))
	for i := range older {
		msg := older[i]
		if msg.ID != 0 {
			if _, ok := c.byServer[msg.ID]; ok {
				continue
			}
		}
		rec := &msg
		fresh = append(fresh, rec)
		if msg.ID != 0 {
			c.byServer[msg.ID] = rec
		}
		if msg.ClientID != "" {
			c.byClient[msg.ClientID] = rec
		}
	}
	c.messages = append(fresh, c.messages...)
}

// ApplyReaction toggles a reactor's reaction on a message. The same kind
// twice removes it; a different kind replaces the previous one, since a
// reactor holds at most one active reaction per message.
func (s *Store) ApplyReaction(convID, msgID int64, reactorID, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conv(convID).byServer[msgID]
	if !ok {
		return
	}
	if rec.Reactions == nil {
		rec.Reactions = make(map[string]string)
	}
	if rec.Reactions[reactorID] == kind {
		delete(rec.Reactions, reactorID)
		return
	}
	rec.Reactions[reactorID] = kind
}

// Messages returns a copy of the conversation's sequence, oldest first.
func (s *Store) Messages(convID int64) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.convs[convID]
	if c == nil {
		return nil
	}
	out := make([]models.Message, len(c.messages))
	for i, rec := range c.messages {
		out[i] = *rec
		if rec.Statuses != nil {
			statuses := make(map[string]models.StatusEntry, len(rec.Statuses))
			for k, v := range rec.Statuses {
				statuses[k] = v
			}
			out[i].Statuses = statuses
		}
		if rec.Reactions != nil {
			reactions := make(map[string]string, len(rec.Reactions))
			for k, v := range rec.Reactions {
				reactions[k] = v
			}
			out[i].Reactions = reactions
		}
	}
	return out
}

// Count returns the number of records loaded for a conversation.
func (s *Store) Count(convID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.convs[convID]; c != nil {
		return len(c.messages)
	}
	return 0
}
