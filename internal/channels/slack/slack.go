// Package slack implements the Slack channel over the Events API.
//
// Inbound messages arrive as signed webhook deliveries; outbound replies
// go through chat.postMessage. Workspace credentials are obtained via the
// OAuth v2 flow (see oauth.go).
package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/config"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

const (
	apiBase       = "https://slack.com/api"
	signatureSkew = 5 * time.Minute
	maxTextLength = 4000
)

// Connector handles one Slack workspace installation.
type Connector struct {
	account       *store.ChannelAccount
	sink          channels.InboundSink
	signingSecret string
	token         string
	botUserID     string
	client        *http.Client
}

// NewFactory returns a connector factory bound to the Slack app config.
// The signing secret lives in app config, not per-workspace credentials.
func NewFactory(cfg config.SlackAppConfig) channels.Factory {
	return func(account *store.ChannelAccount, deps channels.Deps) (channels.Connector, error) {
		if account.AccessToken == "" {
			return nil, fmt.Errorf("slack bot token is required")
		}
		if cfg.SigningSecret == "" {
			return nil, fmt.Errorf("slack signing secret is not configured")
		}
		return &Connector{
			account:       account,
			sink:          deps.Sink,
			signingSecret: cfg.SigningSecret,
			token:         account.AccessToken,
			client:        &http.Client{Timeout: 30 * time.Second},
		}, nil
	}
}

func (c *Connector) Type() string { return channels.TypeSlack }

// Connect validates the workspace token via auth.test. Slack delivers
// events over webhooks, so there is no long-lived socket to open.
func (c *Connector) Connect(ctx context.Context, account *store.ChannelAccount) (*channels.ConnectResult, error) {
	var resp struct {
		OK     bool   `json:"ok"`
		Error  string `json:"error"`
		Team   string `json:"team"`
		TeamID string `json:"team_id"`
		UserID string `json:"user_id"`
	}
	if err := c.apiCall(ctx, "auth.test", map[string]any{}, &resp); err != nil {
		return nil, fmt.Errorf("slack auth.test failed: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("slack auth.test failed: %s", resp.Error)
	}
	c.botUserID = resp.UserID

	slog.Info("slack workspace connected", "user", account.UserID, "team", resp.Team)
	return &channels.ConnectResult{AccountID: resp.TeamID, DisplayName: resp.Team}, nil
}

func (c *Connector) Disconnect(_ context.Context) error {
	// Webhook-driven; nothing to tear down.
	return nil
}

// Send posts a reply via chat.postMessage.
func (c *Connector) Send(ctx context.Context, msg bus.OutboundMessage) error {
	payload := map[string]any{
		"channel": msg.ChatID,
		"text":    channels.Truncate(msg.Content, maxTextLength),
	}
	if ts, ok := msg.Metadata["thread_ts"]; ok && ts != "" {
		payload["thread_ts"] = ts
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.apiCall(ctx, "chat.postMessage", payload, &resp); err != nil {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID, Err: err}
	}
	if !resp.OK {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID,
			Err: fmt.Errorf("chat.postMessage: %s", resp.Error)}
	}
	return nil
}

// ValidateRequest checks the v0 request signature before any payload
// is trusted. Timestamps outside the skew window are rejected to block
// replayed deliveries.
func (c *Connector) ValidateRequest(r *http.Request, body []byte) error {
	ts := r.Header.Get("X-Slack-Request-Timestamp")
	sig := r.Header.Get("X-Slack-Signature")
	if ts == "" || sig == "" {
		return channels.ErrUnauthorizedWebhook
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return channels.ErrUnauthorizedWebhook
	}
	age := time.Since(time.Unix(unix, 0))
	if age > signatureSkew || age < -signatureSkew {
		return channels.ErrUnauthorizedWebhook
	}

	mac := hmac.New(sha256.New, []byte(c.signingSecret))
	fmt.Fprintf(mac, "v0:%s:", ts)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return channels.ErrUnauthorizedWebhook
	}
	return nil
}

type eventEnvelope struct {
	Type   string `json:"type"`
	TeamID string `json:"team_id"`
	Event  struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		Text     string `json:"text"`
		Channel  string `json:"channel"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"event"`
}

// HandleActivity processes an already-validated Events API payload.
func (c *Connector) HandleActivity(ctx context.Context, body []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode slack event: %w", err)
	}
	if env.Type != "event_callback" {
		return nil
	}
	ev := env.Event
	if ev.Type != "message" || ev.Subtype != "" {
		return nil
	}
	// Drop our own messages and other bots to avoid loops.
	if ev.BotID != "" || ev.User == "" || ev.User == c.botUserID {
		return nil
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return nil
	}

	slog.Debug("slack message received",
		"channel", ev.Channel,
		"sender", ev.User,
		"preview", channels.Truncate(text, 60),
	)

	c.sink.HandleInbound(ctx, bus.InboundMessage{
		UserID:      c.account.UserID,
		ChannelType: c.Type(),
		ChannelID:   c.account.ChannelID,
		AccountID:   c.account.AccountID,
		SenderID:    ev.User,
		ChatID:      ev.Channel,
		Content:     text,
		Metadata: map[string]string{
			"ts":        ev.TS,
			"thread_ts": ev.ThreadTS,
			"team_id":   env.TeamID,
		},
	})
	return nil
}

func (c *Connector) apiCall(ctx context.Context, method string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", method, resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}
