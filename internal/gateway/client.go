// Package gateway consumes pending messages from the GPS/communications
// gateway's REST API. Delivery is at-least-once: a message is deleted from
// the gateway queue only after a successful pipeline handoff, so a crash
// between handoff and delete can replay a message. Chat history is
// append-only and tolerates the resulting duplicate rows; no idempotency key
// is kept.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const requestTimeout = 15 * time.Second

// Message is one pending inbound message held by the gateway.
type Message struct {
	ID   int64  `json:"id"`
	From string `json:"from"`
	Text string `json:"text"`
}

// Client talks to the gateway's message-queue endpoints with bearer-token
// authentication.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a gateway Client for the given base URL and bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
		token:      token,
	}
}

// List fetches all pending messages from the gateway queue.
func (c *Client) List(ctx context.Context) ([]Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/messages", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list gateway messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("unexpected status %d listing gateway messages: %s", resp.StatusCode, string(body))
	}

	var messages []Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("failed to decode gateway messages: %w", err)
	}

	return messages, nil
}

// Delete removes a consumed message from the gateway queue.
func (c *Client) Delete(ctx context.Context, id int64) error {
	url := fmt.Sprintf("%s/api/messages/%d", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete gateway message %d: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d deleting gateway message %d: %s", resp.StatusCode, id, string(body))
	}

	return nil
}
