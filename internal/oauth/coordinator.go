// Package oauth coordinates the authorization-code flow that links a
// tenant to an OAuth-capable channel (slack today). It owns the state
// tokens that tie the provider's callback back to the tenant who
// started the flow.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

// refreshBuffer renews tokens slightly before they actually expire so
// a token never dies mid-request.
const refreshBuffer = 5 * time.Minute

var (
	// ErrStateMismatch covers unknown, expired, and replayed states alike;
	// callers cannot distinguish which, on purpose.
	ErrStateMismatch = errors.New("oauth: state token is invalid or expired")

	ErrUnknownProvider = errors.New("oauth: channel type has no oauth provider")
)

// Coordinator drives authorization flows for every registered provider.
type Coordinator struct {
	providers map[string]channels.OAuthProvider
	accounts  store.ChannelAccountStore
	states    *stateStore
}

func NewCoordinator(accounts store.ChannelAccountStore, providers ...channels.OAuthProvider) *Coordinator {
	m := make(map[string]channels.OAuthProvider, len(providers))
	for _, p := range providers {
		m[p.Type()] = p
	}
	return &Coordinator{
		providers: m,
		accounts:  accounts,
		states:    newStateStore(),
	}
}

// Initiate starts a flow for one tenant+channel and returns the URL the
// user's browser should visit.
func (c *Coordinator) Initiate(_ context.Context, userID, channelType string) (string, error) {
	c.states.sweep()

	provider, ok := c.providers[channelType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, channelType)
	}

	state, err := newStateToken()
	if err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	c.states.Put(state, userID, channelType)

	slog.Info("oauth flow started", "user", userID, "channel", channelType)
	return provider.AuthURL(state), nil
}

// Complete handles the provider callback: the state is consumed before
// the code exchange runs, so a second callback with the same state
// fails even if this one errors out. On success the credentials are
// upserted under the tenant's (channel_type, channel_id) slot.
func (c *Coordinator) Complete(ctx context.Context, state, code string) (*store.ChannelAccount, error) {
	c.states.sweep()

	entry, ok := c.states.Take(state)
	if !ok {
		return nil, ErrStateMismatch
	}

	provider, ok := c.providers[entry.channelType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, entry.channelType)
	}

	creds, err := provider.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	fields := store.UpsertFields{
		AccountID:    creds.AccountID,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Scopes:       creds.Scopes,
		DisplayName:  creds.DisplayName,
		Active:       true,
	}
	if !creds.ExpiresAt.IsZero() {
		t := creds.ExpiresAt
		fields.TokenExpiresAt = &t
	}

	acct, err := c.accounts.Upsert(ctx, entry.userID, entry.channelType, creds.ChannelID, fields)
	if err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}

	slog.Info("oauth flow completed",
		"user", entry.userID,
		"channel", entry.channelType,
		"account", acct.ID,
	)
	return acct, nil
}

// Refresh renews the account's token when it is within the refresh
// buffer of expiry. Returns the refreshed account, or the input account
// unchanged when no refresh is needed or possible.
func (c *Coordinator) Refresh(ctx context.Context, acct *store.ChannelAccount) (*store.ChannelAccount, error) {
	if acct.RefreshToken == "" || acct.TokenExpiresAt == nil {
		return acct, nil
	}
	if time.Until(*acct.TokenExpiresAt) > refreshBuffer {
		return acct, nil
	}
	provider, ok := c.providers[acct.ChannelType]
	if !ok {
		return acct, nil
	}

	creds, err := provider.Refresh(ctx, acct.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	fields := store.UpsertFields{
		AccountID:    acct.AccountID,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Scopes:       acct.Scopes,
		Config:       acct.Config,
		DisplayName:  acct.DisplayName,
		Active:       acct.Active,
	}
	if fields.RefreshToken == "" {
		fields.RefreshToken = acct.RefreshToken
	}
	if !creds.ExpiresAt.IsZero() {
		t := creds.ExpiresAt
		fields.TokenExpiresAt = &t
	}

	refreshed, err := c.accounts.Upsert(ctx, acct.UserID, acct.ChannelType, acct.ChannelID, fields)
	if err != nil {
		return nil, fmt.Errorf("store refreshed credentials: %w", err)
	}
	slog.Info("oauth token refreshed", "user", acct.UserID, "channel", acct.ChannelType)
	return refreshed, nil
}

// Supported reports the channel types with a registered provider.
func (c *Coordinator) Supported() []string {
	out := make([]string, 0, len(c.providers))
	for t := range c.providers {
		out = append(out, t)
	}
	return out
}

// Close stops the state sweeper.
func (c *Coordinator) Close() {
	c.states.Close()
}
