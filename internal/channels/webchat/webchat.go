// Package webchat implements the embedded web chat channel. Unlike the
// platform connectors it owns the server side: browsers open a
// WebSocket to this process and each socket becomes a chat session.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

const (
	writeTimeout = 10 * time.Second
	// Per-session inbound throttle. Generous for humans, tight enough
	// to stop a runaway client script.
	sessionRate  = rate.Limit(1)
	sessionBurst = 5
)

type connectorConfig struct {
	AllowOrigins []string `json:"allow_origins,omitempty"`
}

// frame is the JSON message exchanged with the browser.
type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

type session struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter
}

// Connector serves browser chat sessions for one tenant account.
type Connector struct {
	account *store.ChannelAccount
	sink    channels.InboundSink
	cfg     connectorConfig

	mu       sync.RWMutex
	open     bool
	sessions map[string]*session
}

// Factory builds a webchat connector. No platform credentials exist;
// access control happens at the HTTP layer that mounts the socket.
func Factory(account *store.ChannelAccount, deps channels.Deps) (channels.Connector, error) {
	var cfg connectorConfig
	if len(account.Config) > 0 {
		if err := json.Unmarshal(account.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode webchat config: %w", err)
		}
	}
	return &Connector{
		account:  account,
		sink:     deps.Sink,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}, nil
}

func (c *Connector) Type() string { return channels.TypeWebchat }

// Connect marks the connector open for new sessions.
func (c *Connector) Connect(_ context.Context, account *store.ChannelAccount) (*channels.ConnectResult, error) {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()

	slog.Info("webchat channel open", "user", account.UserID)
	return &channels.ConnectResult{AccountID: account.AccountID}, nil
}

// Disconnect closes every live session and refuses new ones.
func (c *Connector) Disconnect(_ context.Context) error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*session)
	c.open = false
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.conn.Close(websocket.StatusGoingAway, "channel stopped")
	}
	return nil
}

// Send routes a reply to the session named by ChatID.
func (c *Connector) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.RLock()
	s, ok := c.sessions[msg.ChatID]
	c.mu.RUnlock()
	if !ok {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID,
			Err: fmt.Errorf("session gone")}
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := wsjson.Write(wctx, s.conn, frame{
		Type:      "message",
		SessionID: s.id,
		Content:   msg.Content,
		Sender:    "assistant",
	})
	if err != nil {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID, Err: err}
	}
	return nil
}

// HandleWS upgrades an HTTP request into a chat session and blocks
// reading frames until the peer disconnects. Mounted by the HTTP layer.
func (c *Connector) HandleWS(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	open := c.open
	c.mu.RUnlock()
	if !open {
		http.Error(w, "webchat channel not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: c.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	s := &session{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(sessionRate, sessionBurst),
	}
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()

	slog.Info("webchat session opened", "user", c.account.UserID, "session", s.id)
	defer func() {
		c.mu.Lock()
		delete(c.sessions, s.id)
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		slog.Info("webchat session closed", "session", s.id)
	}()

	// Tell the browser its session id so it can resume rendering state.
	hello := frame{Type: "session", SessionID: s.id}
	wctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	err = wsjson.Write(wctx, conn, hello)
	cancel()
	if err != nil {
		return
	}

	for {
		var f frame
		if err := wsjson.Read(r.Context(), conn, &f); err != nil {
			return
		}
		c.handleFrame(r.Context(), s, f)
	}
}

func (c *Connector) handleFrame(ctx context.Context, s *session, f frame) {
	if f.Type != "message" {
		return
	}
	content := strings.TrimSpace(f.Content)
	if content == "" {
		return
	}
	if !s.limiter.Allow() {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		_ = wsjson.Write(wctx, s.conn, frame{
			Type:      "notice",
			SessionID: s.id,
			Content:   "You're sending messages too quickly. Give me a moment.",
		})
		cancel()
		return
	}

	c.sink.HandleInbound(ctx, bus.InboundMessage{
		UserID:      c.account.UserID,
		ChannelType: c.Type(),
		ChannelID:   c.account.ChannelID,
		AccountID:   c.account.AccountID,
		SenderID:    s.id,
		ChatID:      s.id,
		Content:     content,
	})
}

// SessionCount reports live sessions, used by the status endpoint.
func (c *Connector) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
