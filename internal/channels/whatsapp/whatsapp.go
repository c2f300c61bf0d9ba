// Package whatsapp connects to a WhatsApp bridge process over
// WebSocket. The bridge (whatsapp-web.js based) speaks the actual
// WhatsApp protocol; this connector exchanges JSON frames with it and
// surfaces the QR pairing handshake through the pairing tracker.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

const (
	handshakeTimeout = 10 * time.Second
	maxBackoff       = 30 * time.Second
)

type connectorConfig struct {
	BridgeURL string   `json:"bridge_url"`
	AllowFrom []string `json:"allow_from,omitempty"`
}

// Connector holds one bridge session for a tenant's WhatsApp account.
type Connector struct {
	account *store.ChannelAccount
	sink    channels.InboundSink
	pairing *channels.PairingTracker
	cfg     connectorConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Factory builds a WhatsApp connector. The bridge URL comes from the
// account config; there are no platform credentials, identity is
// established by scanning the QR code the bridge emits.
func Factory(account *store.ChannelAccount, deps channels.Deps) (channels.Connector, error) {
	var cfg connectorConfig
	if len(account.Config) > 0 {
		if err := json.Unmarshal(account.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode whatsapp config: %w", err)
		}
	}
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	return &Connector{
		account: account,
		sink:    deps.Sink,
		pairing: deps.Pairing,
		cfg:     cfg,
	}, nil
}

func (c *Connector) Type() string { return channels.TypeWhatsApp }

// Connect dials the bridge and starts the listen loop. A failed first
// dial does not fail the channel; the loop keeps retrying with backoff
// while the channel is running.
func (c *Connector) Connect(ctx context.Context, account *store.ChannelAccount) (*channels.ConnectResult, error) {
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.dial(); err != nil {
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop(loopCtx)

	slog.Info("whatsapp channel started",
		"user", account.UserID, "bridge_url", c.cfg.BridgeURL)
	return &channels.ConnectResult{AccountID: account.AccountID}, nil
}

// Disconnect stops the listen loop and closes the bridge socket.
func (c *Connector) Disconnect(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			slog.Warn("whatsapp listen loop did not stop in time")
		}
	}
	return nil
}

// Send delivers an outbound message through the bridge.
func (c *Connector) Send(_ context.Context, msg bus.OutboundMessage) error {
	if err := c.writeFrame(map[string]any{
		"type":    "message",
		"to":      msg.ChatID,
		"content": msg.Content,
	}); err != nil {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID, Err: err}
	}
	return nil
}

func (c *Connector) writeFrame(payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("bridge not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal bridge frame: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connector) dial() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	conn, _, err := dialer.Dial(c.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial whatsapp bridge %s: %w", c.cfg.BridgeURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.cfg.BridgeURL)
	return nil
}

// listenLoop reads bridge frames with automatic reconnection.
func (c *Connector) listenLoop(ctx context.Context) {
	defer close(c.done)
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.dial(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = time.Second
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		var frame map[string]any
		if err := json.Unmarshal(message, &frame); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

// handleFrame dispatches one bridge frame. Besides messages the bridge
// emits lifecycle events for the QR pairing handshake.
func (c *Connector) handleFrame(ctx context.Context, frame map[string]any) {
	frameType, _ := frame["type"].(string)
	switch frameType {
	case "message":
		c.handleIncomingMessage(ctx, frame)
	case "qr":
		payload, _ := frame["data"].(string)
		c.pairing.SetWaitingQR(c.pairingKey(), payload)
		slog.Info("whatsapp qr code received, waiting for scan", "user", c.account.UserID)
	case "ready", "authenticated":
		c.pairing.SetPaired(c.pairingKey())
		slog.Info("whatsapp session paired", "user", c.account.UserID)
	case "auth_failure", "disconnected":
		reason, _ := frame["reason"].(string)
		if reason == "" {
			reason = frameType
		}
		c.pairing.SetError(c.pairingKey(), fmt.Errorf("%s", reason))
		slog.Warn("whatsapp session lost", "user", c.account.UserID, "reason", reason)
	}
}

// handleIncomingMessage processes a message frame. Expected shape:
// {"type":"message","from":"...","chat":"...","content":"...","id":"...","from_name":"..."}
func (c *Connector) handleIncomingMessage(ctx context.Context, frame map[string]any) {
	senderID, ok := frame["from"].(string)
	if !ok || senderID == "" {
		return
	}
	chatID, _ := frame["chat"].(string)
	if chatID == "" {
		chatID = senderID
	}
	if !c.senderAllowed(senderID) {
		slog.Debug("whatsapp message rejected by allowlist", "sender_id", senderID)
		return
	}

	content, _ := frame["content"].(string)
	if strings.TrimSpace(content) == "" {
		return
	}

	metadata := map[string]string{}
	if id, ok := frame["id"].(string); ok {
		metadata["message_id"] = id
	}
	if strings.HasSuffix(chatID, "@g.us") {
		metadata["chat_type"] = "group"
	} else {
		metadata["chat_type"] = "direct"
	}
	senderName, _ := frame["from_name"].(string)

	slog.Debug("whatsapp message received",
		"sender_id", senderID,
		"chat_id", chatID,
		"preview", channels.Truncate(content, 50),
	)

	c.sink.HandleInbound(ctx, bus.InboundMessage{
		UserID:      c.account.UserID,
		ChannelType: c.Type(),
		ChannelID:   c.account.ChannelID,
		AccountID:   c.account.AccountID,
		SenderID:    senderID,
		SenderName:  senderName,
		ChatID:      chatID,
		Content:     content,
		Metadata:    metadata,
	})
}

func (c *Connector) pairingKey() string {
	return channels.PairingKey(c.account.UserID, c.account.AccountID)
}

func (c *Connector) senderAllowed(senderID string) bool {
	if len(c.cfg.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range c.cfg.AllowFrom {
		if allowed == senderID {
			return true
		}
	}
	return false
}
