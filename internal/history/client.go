// Package history talks to the REST side of the chat backend: paginated
// message fetches and delivery-status updates. The websocket path owns
// everything realtime; this client only backfills and confirms.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"chat-client/internal/models"
)

// Page is the server's pagination envelope.
type Page struct {
	Content       []models.Message `json:"content"`
	TotalPages    int              `json:"totalPages"`
	TotalElements int64            `json:"totalElements"`
	First         bool             `json:"first"`
	Last          bool             `json:"last"`
	Size          int              `json:"size"`
	Number        int              `json:"number"`
}

// Client is a thin wrapper over the chat REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchPage retrieves one page of a conversation's history, newest pages
// first (page 0 is the most recent).
func (c *Client) FetchPage(ctx context.Context, convID int64, page, size int) (*Page, error) {
	url := fmt.Sprintf("%s/conversations/%d/messages?page=%d&size=%d", c.baseURL, convID, page, size)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d of conversation %d: %w", page, convID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch page %d of conversation %d: status %d: %s",
			page, convID, resp.StatusCode, bytes.TrimSpace(body))
	}

	var out Page
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode page envelope: %w", err)
	}
	return &out, nil
}

type statusUpdate struct {
	Recipient string                `json:"recipient"`
	Status    models.DeliveryStatus `json:"status"`
}

// UpdateStatus reports a delivery-status transition for one message, e.g.
// marking it READ when the user views the conversation.
func (c *Client) UpdateStatus(ctx context.Context, convID, msgID int64, recipient string, status models.DeliveryStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid delivery status: %s", status)
	}

	body, err := json.Marshal(statusUpdate{Recipient: recipient, Status: status})
	if err != nil {
		return fmt.Errorf("encode status update: %w", err)
	}
	url := fmt.Sprintf("%s/conversations/%d/messages/%d/status", c.baseURL, convID, msgID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("update status of message %d: %w", msgID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("update status of message %d: status %d", msgID, resp.StatusCode)
	}
	return nil
}
