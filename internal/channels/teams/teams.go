// Package teams implements the Microsoft Teams channel via the Bot
// Framework connector service.
//
// Inbound activities arrive as webhook deliveries carrying a Bot
// Framework JWT; replies are posted back to the serviceUrl named in the
// activity using a client-credentials token.
package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/config"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

const (
	botFrameworkIssuer = "https://api.botframework.com"
	tokenEndpoint      = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	tokenScope         = "https://api.botframework.com/.default"
)

// Connector handles one Teams bot registration for a tenant.
type Connector struct {
	account *store.ChannelAccount
	sink    channels.InboundSink
	appID   string
	secret  string
	client  *http.Client
	keys    *keyCache

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time

	// conversation id → serviceUrl, learned from inbound activities
	serviceURLs sync.Map
}

// NewFactory returns a connector factory bound to the Bot Framework
// app registration.
func NewFactory(cfg config.TeamsAppConfig) channels.Factory {
	return func(account *store.ChannelAccount, deps channels.Deps) (channels.Connector, error) {
		if cfg.AppID == "" || cfg.AppPassword == "" {
			return nil, fmt.Errorf("teams app credentials are not configured")
		}
		client := &http.Client{Timeout: 30 * time.Second}
		return &Connector{
			account: account,
			sink:    deps.Sink,
			appID:   cfg.AppID,
			secret:  cfg.AppPassword,
			client:  client,
			keys:    newKeyCache(client),
		}, nil
	}
}

func (c *Connector) Type() string { return channels.TypeTeams }

// Connect acquires an outbound token to prove the app registration is
// valid. Activities themselves arrive over webhooks.
func (c *Connector) Connect(ctx context.Context, account *store.ChannelAccount) (*channels.ConnectResult, error) {
	if _, err := c.outboundToken(ctx); err != nil {
		return nil, fmt.Errorf("teams token acquisition failed: %w", err)
	}
	slog.Info("teams bot connected", "user", account.UserID, "app_id", c.appID)
	return &channels.ConnectResult{AccountID: c.appID, DisplayName: account.DisplayName}, nil
}

func (c *Connector) Disconnect(_ context.Context) error {
	return nil
}

// ValidateRequest verifies the Bot Framework JWT on an incoming
// delivery: RS256 signature against the published keys, issuer, and
// audience equal to our app id. golang-jwt enforces expiry.
func (c *Connector) ValidateRequest(r *http.Request, _ []byte) error {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		return channels.ErrUnauthorizedWebhook
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return c.keys.key(r.Context(), kid)
	},
		jwt.WithIssuer(botFrameworkIssuer),
		jwt.WithAudience(c.appID),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		slog.Warn("teams webhook rejected", "error", err)
		return channels.ErrUnauthorizedWebhook
	}
	return nil
}

type activity struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Text       string `json:"text"`
	ServiceURL string `json:"serviceUrl"`
	From       struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

// HandleActivity processes a validated Bot Framework activity.
func (c *Connector) HandleActivity(ctx context.Context, body []byte) error {
	var act activity
	if err := json.Unmarshal(body, &act); err != nil {
		return fmt.Errorf("decode teams activity: %w", err)
	}
	if act.Type != "message" {
		return nil
	}
	text := strings.TrimSpace(stripMention(act.Text))
	if text == "" || act.From.ID == "" {
		return nil
	}

	convID := act.Conversation.ID
	if act.ServiceURL != "" && convID != "" {
		c.serviceURLs.Store(convID, strings.TrimRight(act.ServiceURL, "/"))
	}

	slog.Debug("teams activity received",
		"conversation", convID,
		"sender", act.From.ID,
		"preview", channels.Truncate(text, 60),
	)

	c.sink.HandleInbound(ctx, bus.InboundMessage{
		UserID:      c.account.UserID,
		ChannelType: c.Type(),
		ChannelID:   c.account.ChannelID,
		AccountID:   c.account.AccountID,
		SenderID:    act.From.ID,
		SenderName:  act.From.Name,
		ChatID:      convID,
		Content:     text,
		Metadata: map[string]string{
			"activity_id": act.ID,
			"service_url": act.ServiceURL,
		},
	})
	return nil
}

// Send posts a reply activity to the conversation's service URL.
func (c *Connector) Send(ctx context.Context, msg bus.OutboundMessage) error {
	serviceURL := msg.Metadata["service_url"]
	if serviceURL == "" {
		if v, ok := c.serviceURLs.Load(msg.ChatID); ok {
			serviceURL = v.(string)
		}
	}
	if serviceURL == "" {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID,
			Err: errors.New("no service url known for conversation")}
	}

	token, err := c.outboundToken(ctx)
	if err != nil {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID, Err: err}
	}

	reply := map[string]any{
		"type": "message",
		"text": msg.Content,
		"from": map[string]string{"id": c.appID},
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID, Err: err}
	}

	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities",
		strings.TrimRight(serviceURL, "/"), url.PathEscape(msg.ChatID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID,
			Err: fmt.Errorf("connector service returned HTTP %d", resp.StatusCode)}
	}
	return nil
}

// outboundToken returns a cached client-credentials token, refreshing
// it when within a minute of expiry.
func (c *Connector) outboundToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.appID)
	form.Set("client_secret", c.secret)
	form.Set("scope", tokenScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", err
	}
	if tr.AccessToken == "" {
		return "", errors.New("token endpoint returned no access_token")
	}
	c.accessToken = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// stripMention removes the leading <at>Bot</at> mention Teams adds to
// channel messages. The closing tag is only searched for after the
// opening one; an unmatched <at> is left in place.
func stripMention(text string) string {
	for {
		start := strings.Index(text, "<at>")
		if start < 0 {
			return text
		}
		rel := strings.Index(text[start:], "</at>")
		if rel < 0 {
			return text
		}
		end := start + rel + len("</at>")
		text = text[:start] + text[end:]
	}
}
