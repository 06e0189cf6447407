package models

import (
	"fmt"
	"time"
)

// enum
type ConversationKind string

const (
	ConversationPrivate ConversationKind = "private"
	ConversationGroup   ConversationKind = "group"
)

// IsValid checks if the ConversationKind is a valid enum value
func (k ConversationKind) IsValid() bool {
	switch k {
	case ConversationPrivate, ConversationGroup:
		return true
	default:
		return false
	}
}

// DeliveryStatus is the per-recipient lifecycle state of a message.
// Transitions are monotonic: NOT_SENT -> SENT -> DELIVERED -> READ.
type DeliveryStatus string

const (
	StatusNotSent   DeliveryStatus = "NOT_SENT"
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
)

var statusRank = map[DeliveryStatus]int{
	StatusNotSent:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// IsValid checks if the DeliveryStatus is a valid enum value
func (s DeliveryStatus) IsValid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank returns the position of the status in the delivery lifecycle.
// Higher ranks supersede lower ones.
func (s DeliveryStatus) Rank() int {
	return statusRank[s]
}

// Supersedes reports whether s is a strictly later lifecycle state than other.
func (s DeliveryStatus) Supersedes(other DeliveryStatus) bool {
	return s.Rank() > other.Rank()
}

// ContentType of a message payload
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
)

// IsValid checks if the ContentType is a valid enum value
func (c ContentType) IsValid() bool {
	switch c {
	case ContentText, ContentImage, ContentFile:
		return true
	default:
		return false
	}
}

/** --------------------ENTITIES-------------------- */

// StatusEntry is one recipient's delivery state for a message.
type StatusEntry struct {
	Status    DeliveryStatus `json:"status"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Message is the canonical local representation of one conversation message.
// ID is the server identity and is zero for optimistic records that the
// server has not confirmed yet; ClientID correlates an optimistic record
// with its confirmed counterpart.
type Message struct {
	ID             int64                  `json:"id,omitempty"`
	ClientID       string                 `json:"clientId,omitempty"`
	ConversationID int64                  `json:"conversationId"`
	SenderID       string                 `json:"senderId"`
	Content        string                 `json:"content"`
	Type           ContentType            `json:"type"`
	MediaIDs       []string               `json:"mediaIds,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	Statuses       map[string]StatusEntry `json:"statuses,omitempty"`
	Reactions      map[string]string      `json:"reactions,omitempty"` // reactor -> reaction kind
	Failed         bool                   `json:"failed,omitempty"`    // terminal send failure, local only
}

// Confirmed reports whether the server has assigned an identity.
func (m *Message) Confirmed() bool {
	return m.ID != 0
}

// StatusFor returns the delivery status recorded for recipient, defaulting
// to NOT_SENT when nothing has been recorded.
func (m *Message) StatusFor(recipient string) DeliveryStatus {
	if e, ok := m.Statuses[recipient]; ok {
		return e.Status
	}
	return StatusNotSent
}

/** -------------------- DTOs -------------------- */

// SendPayload is the JSON body carried by an outbound SEND frame.
type SendPayload struct {
	ConversationID int64       `json:"conversationId"`
	Content        string      `json:"content"`
	Type           ContentType `json:"type"`
	MediaIDs       []string    `json:"mediaIds,omitempty"`
}

// Validate rejects payloads that must never enter the outbound queue.
func (p *SendPayload) Validate(maxContentBytes, maxMedia int) error {
	if p.ConversationID == 0 {
		return fmt.Errorf("conversation id is required")
	}
	if !p.Type.IsValid() {
		return fmt.Errorf("unsupported content type: %s", p.Type)
	}
	if p.Type == ContentText && p.Content == "" {
		return fmt.Errorf("text message content is empty")
	}
	if len(p.Content) > maxContentBytes {
		return fmt.Errorf("message content exceeds %d bytes", maxContentBytes)
	}
	if p.Type != ContentText && len(p.MediaIDs) == 0 {
		return fmt.Errorf("%s message has no media", p.Type)
	}
	if len(p.MediaIDs) > maxMedia {
		return fmt.Errorf("message carries more than %d media references", maxMedia)
	}
	return nil
}
