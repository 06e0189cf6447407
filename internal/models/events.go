package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags every inbound push event with its kind using a custom enum
// type for better type safety
type EventType string

const (
	// Message events
	EventMessageNew      EventType = "message.new"
	EventMessageStatus   EventType = "message.status"
	EventMessageReaction EventType = "message.reaction"

	// Typing events
	EventTypingStart EventType = "typing.start"
	EventTypingStop  EventType = "typing.stop"
)

// String returns the string representation of the EventType
func (et EventType) String() string {
	return string(et)
}

// IsValid checks if the EventType is a valid enum value
func (et EventType) IsValid() bool {
	switch et {
	case EventMessageNew, EventMessageStatus, EventMessageReaction,
		EventTypingStart, EventTypingStop:
		return true
	default:
		return false
	}
}

// Event is the envelope the server pushes on every topic. Data holds the
// type-specific body and is decoded lazily by the consumer.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeEvent parses a raw frame body into an Event, rejecting unknown types.
func DecodeEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	if !ev.Type.IsValid() {
		return nil, fmt.Errorf("unknown event type: %s", ev.Type)
	}
	return &ev, nil
}

// StatusUpdateData is the body of a message.status event.
type StatusUpdateData struct {
	ConversationID int64          `json:"conversationId"`
	MessageID      int64          `json:"messageId"`
	Recipient      string         `json:"recipient"`
	Status         DeliveryStatus `json:"status"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ReactionData is the body of a message.reaction event.
type ReactionData struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	ReactorID      string `json:"reactorId"`
	Kind           string `json:"kind"`
}

// TypingData is the body of typing.start and typing.stop events.
type TypingData struct {
	ConversationID int64  `json:"conversationId"`
	UserID         string `json:"userId"`
}
