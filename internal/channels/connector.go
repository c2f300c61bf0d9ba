// Package channels provides the connector abstraction for multi-platform
// messaging: one Connector implementation per external channel type, a
// factory registry keyed by type, and a Manager owning the set of active
// connector instances in this process.
package channels

import (
	"context"
	"net/http"
	"time"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

// Channel type identifiers. Matrix and Signal are recognized values with
// no built-in factory; the registry stays open for external registration.
const (
	TypeTelegram = "telegram"
	TypeSlack    = "slack"
	TypeDiscord  = "discord"
	TypeWhatsApp = "whatsapp"
	TypeTeams    = "teams"
	TypeMatrix   = "matrix"
	TypeSignal   = "signal"
	TypeWebchat  = "webchat"
)

// KnownTypes lists every recognized channel type.
var KnownTypes = []string{
	TypeTelegram, TypeSlack, TypeDiscord, TypeWhatsApp,
	TypeTeams, TypeMatrix, TypeSignal, TypeWebchat,
}

// IsKnownType reports whether a channel type string is recognized.
func IsKnownType(t string) bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Key identifies one active connector instance.
type Key struct {
	UserID      string
	ChannelType string
	ChannelID   string
}

func (k Key) String() string {
	return k.UserID + "/" + k.ChannelType + "/" + k.ChannelID
}

// ConnectResult reports identity details resolved while opening a channel.
type ConnectResult struct {
	AccountID   string // bot/user identity on the platform
	DisplayName string
}

// Connector is the wire-protocol implementation for one channel type.
// A connector owns its network resource (socket, polling loop, or webhook
// subscription) for its connected lifetime and must release it fully on
// Disconnect, including in-flight reconnect timers.
type Connector interface {
	Type() string
	Connect(ctx context.Context, account *store.ChannelAccount) (*ConnectResult, error)
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// WebhookConnector is implemented by connectors whose platform pushes
// activities via HTTP callback instead of a held-open connection.
type WebhookConnector interface {
	Connector
	// ValidateRequest checks the callback's signature or bearer assertion.
	// It must be called before the payload is trusted.
	ValidateRequest(r *http.Request, body []byte) error
	// HandleActivity processes one validated callback payload.
	HandleActivity(ctx context.Context, body []byte) error
}

// Credentials is the normalized token material produced by an OAuth
// exchange or refresh.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time // zero when the platform issues non-expiring tokens
	Scopes       []string
	ChannelID    string // workspace/team identifier resolved during exchange
	AccountID    string // bot identity resolved during exchange
	DisplayName  string
}

// OAuthProvider generates authorization URLs and exchanges codes for
// OAuth-capable channel types. Implemented per type from the platform
// app registration; consumed by the OAuth flow coordinator.
type OAuthProvider interface {
	Type() string
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (*Credentials, error)
}

// InboundSink receives normalized inbound messages from connectors.
// The Manager implements it, forwarding to the installed handler.
type InboundSink interface {
	HandleInbound(ctx context.Context, msg bus.InboundMessage)
}

// Deps carries the shared collaborators a factory hands to new connectors.
type Deps struct {
	Sink    InboundSink
	Pairing *PairingTracker
}

// Factory builds an unconnected Connector for one account.
type Factory func(account *store.ChannelAccount, deps Deps) (Connector, error)

// Registry maps channel types to connector factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory for a channel type, replacing any previous one.
func (r *Registry) Register(channelType string, f Factory) {
	r.factories[channelType] = f
}

// Supported reports whether a factory is registered for the type.
func (r *Registry) Supported(channelType string) bool {
	_, ok := r.factories[channelType]
	return ok
}

// New builds a connector for the account's channel type.
func (r *Registry) New(account *store.ChannelAccount, deps Deps) (Connector, error) {
	f, ok := r.factories[account.ChannelType]
	if !ok {
		return nil, &UnsupportedTypeError{ChannelType: account.ChannelType}
	}
	return f(account, deps)
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
// Used for log previews so message bodies never land in logs whole.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
