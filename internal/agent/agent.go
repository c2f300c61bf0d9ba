// Package agent dispatches conversation turns to the agent service.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/config"
)

// TurnRequest is one user message plus the routing context the agent
// needs to pick prompts and history.
type TurnRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	ChannelType    string `json:"channel_type"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	SenderName     string `json:"sender_name,omitempty"`
	Content        string `json:"content"`
}

// TurnResponse carries the agent's reply text.
type TurnResponse struct {
	Content string `json:"content"`
}

// Pipeline produces a reply for an inbound message. The HTTP client
// below is the production implementation; tests substitute fakes.
type Pipeline interface {
	RunTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error)
}

// Client talks to the agent service over HTTP.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(cfg config.AgentConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// RunTurn posts the turn and waits for the full reply. Long timeout:
// agent turns can involve several model calls.
func (c *Client) RunTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("agent base_url is not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/turns", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent service returned HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var tr TurnResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	return &tr, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
