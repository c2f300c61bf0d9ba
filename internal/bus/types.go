// Package bus defines the normalized message types exchanged between
// channel connectors and the agent processing pipeline.
package bus

import "context"

// InboundMessage is one platform event normalized by a connector.
type InboundMessage struct {
	UserID      string            `json:"user_id"`      // tenant on whose behalf the channel runs
	ChannelType string            `json:"channel_type"` // "telegram", "slack", ...
	ChannelID   string            `json:"channel_id"`   // platform conversation/workspace identifier
	AccountID   string            `json:"account_id"`   // bot/user identity on the platform
	SenderID    string            `json:"sender_id"`    // platform user who sent the message
	SenderName  string            `json:"sender_name,omitempty"`
	ChatID      string            `json:"chat_id"` // reply target within the channel
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply to be delivered through a connector.
type OutboundMessage struct {
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageHandler is the single process-wide callback every connector
// invokes on inbound events. Installed on the channel manager; later
// installs replace earlier ones.
type MessageHandler func(ctx context.Context, msg InboundMessage) error
