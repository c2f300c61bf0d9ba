// Package webhook receives platform callback deliveries (Slack Events
// API, Bot Framework activities) and hands them to the tenant's running
// connector. Deliveries are acknowledged before processing: platforms
// retry on slow responses, so the 200 goes out as soon as the signature
// checks and the payload is queued.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
)

const (
	maxBodySize    = 1 << 20
	processTimeout = 60 * time.Second
)

// ConnectorFinder locates a tenant's active connector by channel type.
// The channel manager implements it.
type ConnectorFinder interface {
	FindConnectorByType(userID, channelType string) (channels.Connector, bool)
}

// Ingestor validates and dispatches webhook deliveries.
type Ingestor struct {
	connectors ConnectorFinder
	limiter    *channels.RateLimiter
}

// New creates an ingestor over the manager's connector set. The limiter
// bounds deliveries per (tenant, channel type) source so one flooding
// integration cannot starve the rest.
func New(connectors ConnectorFinder, limiter *channels.RateLimiter) *Ingestor {
	return &Ingestor{connectors: connectors, limiter: limiter}
}

// Handle processes one platform callback addressed to a tenant's channel.
// The order is fixed: rate limit, locate connector, validate signature,
// answer any synchronous handshake, then ack and process detached.
func (i *Ingestor) Handle(w http.ResponseWriter, r *http.Request, userID, channelType string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	if i.limiter != nil {
		if res := i.limiter.Check(userID + ":" + channelType); !res.Allowed {
			slog.Warn("webhook delivery rate limited",
				"user", userID, "channel_type", channelType, "reset_at", res.ResetAt)
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	conn, ok := i.connectors.FindConnectorByType(userID, channelType)
	if !ok {
		http.Error(w, "channel not running", http.StatusNotFound)
		return
	}
	wh, ok := conn.(channels.WebhookConnector)
	if !ok {
		http.Error(w, "channel does not accept webhooks", http.StatusNotFound)
		return
	}

	if err := wh.ValidateRequest(r, body); err != nil {
		if !errors.Is(err, channels.ErrUnauthorizedWebhook) {
			slog.Error("webhook validation error", "user", userID, "channel_type", channelType, "error", err)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Slack's endpoint registration handshake expects the challenge
	// echoed in the response body, so it cannot go through the detached
	// path.
	if challenge, ok := urlVerificationChallenge(body); ok {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, challenge)
		return
	}

	go i.process(wh, userID, channelType, body)
	w.WriteHeader(http.StatusOK)
}

// process runs one delivery outside the request lifetime. A panicking
// connector must not take the process down with it.
func (i *Ingestor) process(wh channels.WebhookConnector, userID, channelType string, body []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("webhook processing panicked",
				"user", userID,
				"channel_type", channelType,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	if err := wh.HandleActivity(ctx, body); err != nil {
		slog.Error("webhook activity failed",
			"user", userID, "channel_type", channelType, "error", err)
	}
}

func urlVerificationChallenge(body []byte) (string, bool) {
	var probe struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", false
	}
	if probe.Type != "url_verification" || probe.Challenge == "" {
		return "", false
	}
	return probe.Challenge, true
}
