// Package telegram implements the Telegram connector over the Bot API
// using long polling.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

// connectorConfig maps the non-secret config blob stored on the account.
type connectorConfig struct {
	AllowFrom []string `json:"allow_from,omitempty"`
}

// Connector polls the Telegram Bot API and forwards messages inbound.
type Connector struct {
	account    *store.ChannelAccount
	sink       channels.InboundSink
	cfg        connectorConfig
	bot        *telego.Bot
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// Factory builds a Telegram connector from a stored account.
func Factory(account *store.ChannelAccount, deps channels.Deps) (channels.Connector, error) {
	if account.AccessToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	var cfg connectorConfig
	if len(account.Config) > 0 {
		if err := json.Unmarshal(account.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode telegram config: %w", err)
		}
	}

	return &Connector{account: account, sink: deps.Sink, cfg: cfg}, nil
}

func (c *Connector) Type() string { return channels.TypeTelegram }

// Connect creates the bot client and begins long polling. The polling
// goroutine lives until Disconnect cancels it.
func (c *Connector) Connect(ctx context.Context, account *store.ChannelAccount) (*channels.ConnectResult, error) {
	bot, err := telego.NewBot(account.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = bot

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start long polling: %w", err)
	}

	go c.pollLoop(pollCtx, updates)

	slog.Info("telegram bot connected", "user", account.UserID, "username", bot.Username())
	return &channels.ConnectResult{
		AccountID:   bot.Username(),
		DisplayName: bot.Username(),
	}, nil
}

// Disconnect cancels long polling and waits for the poll goroutine to
// exit so Telegram releases the getUpdates lock before any restart.
func (c *Connector) Disconnect(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout",
				"user", c.account.UserID)
		}
	}
	return nil
}

// Send delivers a reply to a Telegram chat.
func (c *Connector) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID,
			Err: fmt.Errorf("invalid chat id: %w", err)}
	}
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Content)); err != nil {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID, Err: err}
	}
	return nil
}

func (c *Connector) pollLoop(ctx context.Context, updates <-chan telego.Update) {
	defer close(c.pollDone)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				slog.Info("telegram updates channel closed", "user", c.account.UserID)
				return
			}
			if update.Message != nil {
				c.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (c *Connector) handleMessage(ctx context.Context, message *telego.Message) {
	user := message.From
	if user == nil || message.Text == "" {
		return
	}

	senderID := strconv.FormatInt(user.ID, 10)
	if !c.senderAllowed(senderID, user.Username) {
		slog.Debug("telegram message rejected by allowlist", "sender_id", senderID)
		return
	}

	slog.Debug("telegram message received",
		"chat_id", message.Chat.ID,
		"sender_id", senderID,
		"preview", channels.Truncate(message.Text, 60),
	)

	c.sink.HandleInbound(ctx, bus.InboundMessage{
		UserID:      c.account.UserID,
		ChannelType: c.Type(),
		ChannelID:   c.account.ChannelID,
		AccountID:   c.account.AccountID,
		SenderID:    senderID,
		SenderName:  user.Username,
		ChatID:      strconv.FormatInt(message.Chat.ID, 10),
		Content:     message.Text,
		Metadata: map[string]string{
			"message_id": strconv.Itoa(message.MessageID),
			"chat_type":  message.Chat.Type,
		},
	})
}

// senderAllowed checks the optional allowlist. Empty list allows all.
func (c *Connector) senderAllowed(senderID, username string) bool {
	if len(c.cfg.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range c.cfg.AllowFrom {
		if allowed == senderID || allowed == username || allowed == "@"+username {
			return true
		}
	}
	return false
}
