// Package discord implements the Discord connector over the gateway
// socket using discordgo.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

type connectorConfig struct {
	AllowFrom []string `json:"allow_from,omitempty"`
	GuildID   string   `json:"guild_id,omitempty"` // restrict to one guild when set
}

// Connector holds one Discord gateway session.
type Connector struct {
	account   *store.ChannelAccount
	sink      channels.InboundSink
	cfg       connectorConfig
	session   *discordgo.Session
	botUserID string
}

// Factory builds a Discord connector from a stored account.
func Factory(account *store.ChannelAccount, deps channels.Deps) (channels.Connector, error) {
	if account.AccessToken == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}

	var cfg connectorConfig
	if len(account.Config) > 0 {
		if err := json.Unmarshal(account.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode discord config: %w", err)
		}
	}

	return &Connector{account: account, sink: deps.Sink, cfg: cfg}, nil
}

func (c *Connector) Type() string { return channels.TypeDiscord }

// Connect opens the gateway session and resolves the bot identity.
func (c *Connector) Connect(ctx context.Context, account *store.ChannelAccount) (*channels.ConnectResult, error) {
	session, err := discordgo.New("Bot " + account.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, m)
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("open discord session: %w", err)
	}

	user, err := session.User("@me")
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.session = session
	c.botUserID = user.ID

	slog.Info("discord bot connected", "user", account.UserID, "bot", user.Username)
	return &channels.ConnectResult{AccountID: user.ID, DisplayName: user.Username}, nil
}

// Disconnect closes the gateway session.
func (c *Connector) Disconnect(_ context.Context) error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

// Send delivers a reply to a Discord channel.
func (c *Connector) Send(_ context.Context, msg bus.OutboundMessage) error {
	if c.session == nil {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID,
			Err: fmt.Errorf("session not open")}
	}
	if _, err := c.session.ChannelMessageSend(msg.ChatID, msg.Content); err != nil {
		return &channels.DeliveryError{ChannelType: c.Type(), ChatID: msg.ChatID, Err: err}
	}
	return nil
}

func (c *Connector) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}
	if c.cfg.GuildID != "" && m.GuildID != "" && m.GuildID != c.cfg.GuildID {
		return
	}
	if !c.senderAllowed(m.Author.ID, m.Author.Username) {
		slog.Debug("discord message rejected by allowlist", "sender_id", m.Author.ID)
		return
	}

	slog.Debug("discord message received",
		"channel_id", m.ChannelID,
		"sender_id", m.Author.ID,
		"preview", channels.Truncate(m.Content, 60),
	)

	c.sink.HandleInbound(ctx, bus.InboundMessage{
		UserID:      c.account.UserID,
		ChannelType: c.Type(),
		ChannelID:   c.account.ChannelID,
		AccountID:   c.account.AccountID,
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
		ChatID:      m.ChannelID,
		Content:     m.Content,
		Metadata: map[string]string{
			"message_id": m.ID,
			"guild_id":   m.GuildID,
		},
	})
}

func (c *Connector) senderAllowed(senderID, username string) bool {
	if len(c.cfg.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range c.cfg.AllowFrom {
		if allowed == senderID || allowed == username {
			return true
		}
	}
	return false
}
