// Package service orchestrates channel lifecycles: which of a tenant's
// stored accounts are running, their runtime state, and the message
// pipeline that serves them. Runtime state lives only in memory; a
// restart rebuilds it from the account store.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/agent"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/config"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/oauth"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/processor"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

// ErrAccountInactive is returned when a start targets a deactivated account.
var ErrAccountInactive = errors.New("service: account is not active")

// ChannelState is the in-memory runtime view of one channel.
type ChannelState struct {
	AccountID   uuid.UUID  `json:"account_id"`
	UserID      string     `json:"user_id"`
	ChannelType string     `json:"channel_type"`
	Running     bool       `json:"running"`
	Connected   bool       `json:"connected"`
	Provider    string     `json:"provider,omitempty"`
	Model       string     `json:"model,omitempty"`
	LastStartAt *time.Time `json:"last_start_at,omitempty"`
	LastStopAt  *time.Time `json:"last_stop_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type runtime struct {
	state   ChannelState
	key     channels.Key
	pairKey string
	proc    *processor.Processor
	cancel  context.CancelFunc // owns the connector's context
}

// ChannelService starts and stops channels and routes their inbound
// messages to per-channel processors.
type ChannelService struct {
	accounts      store.ChannelAccountStore
	providerKeys  store.ProviderKeyStore
	manager       *channels.Manager
	pipeline      agent.Pipeline
	conversations store.ConversationStore
	oauthFlows    *oauth.Coordinator // optional, refreshes expiring tokens
	limiter       *channels.RateLimiter
	priority      []string

	mu       sync.RWMutex
	runtimes map[string]*runtime // keyed "userID:accountID"

	starts       singleflight.Group
	startAllOnce sync.Once
}

// Options wires the service's collaborators.
type Options struct {
	Accounts      store.ChannelAccountStore
	ProviderKeys  store.ProviderKeyStore
	Manager       *channels.Manager
	Pipeline      agent.Pipeline
	Conversations store.ConversationStore
	OAuth         *oauth.Coordinator
	Config        *config.Config
}

func New(opts Options) *ChannelService {
	cfg := opts.Config
	s := &ChannelService{
		accounts:      opts.Accounts,
		providerKeys:  opts.ProviderKeys,
		manager:       opts.Manager,
		pipeline:      opts.Pipeline,
		conversations: opts.Conversations,
		oauthFlows:    opts.OAuth,
		limiter: channels.NewRateLimiter(cfg.RateLimit.MessagesPerWindow,
			time.Duration(cfg.RateLimit.WindowSeconds)*time.Second),
		priority: cfg.Agent.ProviderPriority,
		runtimes: make(map[string]*runtime),
	}
	s.manager.SetMessageHandler(s.handleMessage)
	return s
}

func stateKey(userID string, accountID uuid.UUID) string {
	return userID + ":" + accountID.String()
}

// StartChannel brings one stored account online. Idempotent: starting a
// running channel again is a no-op unless force, which tears the
// connection down and builds a fresh one. Concurrent starts of the same
// channel collapse into a single attempt.
func (s *ChannelService) StartChannel(ctx context.Context, userID string, accountID uuid.UUID, force bool) error {
	_, err, _ := s.starts.Do(stateKey(userID, accountID), func() (any, error) {
		return nil, s.start(ctx, userID, accountID, force)
	})
	return err
}

func (s *ChannelService) start(ctx context.Context, userID string, accountID uuid.UUID, force bool) error {
	key := stateKey(userID, accountID)

	s.mu.RLock()
	rt, exists := s.runtimes[key]
	running := exists && rt.state.Running
	s.mu.RUnlock()

	if running && !force {
		slog.Debug("channel already running", "user", userID, "account", accountID)
		return nil
	}

	account, err := s.accounts.Get(ctx, userID, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if !account.Active {
		slog.Info("skipping inactive account", "user", userID, "account", accountID)
		return ErrAccountInactive
	}

	if s.oauthFlows != nil {
		refreshed, err := s.oauthFlows.Refresh(ctx, account)
		if err != nil {
			// A dead refresh token is not fatal here; connect will fail
			// with the real error if the access token is unusable too.
			slog.Warn("token refresh before start failed",
				"user", userID, "account", accountID, "error", err)
		} else {
			account = refreshed
		}
	}

	provider, model, err := s.resolveModel(ctx, account)
	if err != nil {
		s.recordFailure(account, err)
		return err
	}

	// The connector must outlive the caller: a start triggered over the
	// API returns while the connector keeps its socket or poll loop
	// alive. Its context is rooted here and cancelled on stop.
	connCtx, cancel := context.WithCancel(context.Background())

	result, err := s.manager.ConnectChannel(connCtx, account, force)
	if err != nil {
		cancel()
		s.recordFailure(account, err)
		return fmt.Errorf("start channel %s: %w", account.ChannelType, err)
	}

	if result.AccountID != "" && result.AccountID != account.AccountID {
		// Identity resolved at connect time (e.g. bot username); persist it.
		_, uerr := s.accounts.Upsert(ctx, account.UserID, account.ChannelType, account.ChannelID, store.UpsertFields{
			AccountID:      result.AccountID,
			AccessToken:    account.AccessToken,
			RefreshToken:   account.RefreshToken,
			Scopes:         account.Scopes,
			TokenExpiresAt: account.TokenExpiresAt,
			Config:         account.Config,
			DisplayName:    firstNonEmpty(result.DisplayName, account.DisplayName),
			Active:         true,
		})
		if uerr != nil {
			slog.Warn("persist resolved account identity failed", "account", accountID, "error", uerr)
		}
	}

	now := time.Now().UTC()
	chKey := channels.Key{UserID: account.UserID, ChannelType: account.ChannelType, ChannelID: account.ChannelID}
	proc := processor.New(processor.Options{
		Conversations: s.conversations,
		Pipeline:      s.pipeline,
		Limiter:       s.limiter,
		Connectors:    s.manager,
		Provider:      provider,
		Model:         model,
	})

	s.mu.Lock()
	if prev, ok := s.runtimes[key]; ok && prev.cancel != nil {
		prev.cancel()
	}
	s.runtimes[key] = &runtime{
		state: ChannelState{
			AccountID:   account.ID,
			UserID:      account.UserID,
			ChannelType: account.ChannelType,
			Running:     true,
			Connected:   true,
			Provider:    provider,
			Model:       model,
			LastStartAt: &now,
		},
		key:     chKey,
		pairKey: channels.PairingKey(account.UserID, firstNonEmpty(result.AccountID, account.AccountID)),
		proc:    proc,
		cancel:  cancel,
	}
	s.mu.Unlock()

	slog.Info("channel started",
		"user", account.UserID,
		"channel", account.ChannelType,
		"provider", provider,
		"model", model,
	)
	return nil
}

func (s *ChannelService) recordFailure(account *store.ChannelAccount, cause error) {
	now := time.Now().UTC()
	key := stateKey(account.UserID, account.ID)

	s.mu.Lock()
	if prev, ok := s.runtimes[key]; ok && prev.cancel != nil {
		prev.cancel()
	}
	s.runtimes[key] = &runtime{
		state: ChannelState{
			AccountID:   account.ID,
			UserID:      account.UserID,
			ChannelType: account.ChannelType,
			Running:     false,
			Connected:   false,
			LastStartAt: &now,
			LastError:   cause.Error(),
		},
		key: channels.Key{UserID: account.UserID, ChannelType: account.ChannelType, ChannelID: account.ChannelID},
	}
	s.mu.Unlock()
}

// StopChannel takes one channel offline. Stopping a stopped channel is
// a no-op.
func (s *ChannelService) StopChannel(ctx context.Context, userID string, accountID uuid.UUID) error {
	key := stateKey(userID, accountID)

	s.mu.Lock()
	rt, ok := s.runtimes[key]
	if !ok || !rt.state.Running {
		s.mu.Unlock()
		return nil
	}
	chKey := rt.key
	pairKey := rt.pairKey
	now := time.Now().UTC()
	rt.state.Running = false
	rt.state.Connected = false
	rt.state.LastStopAt = &now
	rt.proc = nil
	if rt.cancel != nil {
		rt.cancel()
		rt.cancel = nil
	}
	s.mu.Unlock()

	if err := s.manager.DisconnectChannel(ctx, chKey); err != nil && !errors.Is(err, channels.ErrChannelNotFound) {
		return fmt.Errorf("stop channel: %w", err)
	}
	if pairKey != "" {
		s.manager.Pairing().Clear(pairKey)
	}

	slog.Info("channel stopped", "user", userID, "channel", chKey.ChannelType)
	return nil
}

// StartUserChannels starts every active account a tenant has. Failures
// are contained per channel: one bad account does not stop the rest.
func (s *ChannelService) StartUserChannels(ctx context.Context, userID string) error {
	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, a := range accounts {
		if !a.Active {
			continue
		}
		if err := s.StartChannel(ctx, userID, a.ID, false); err != nil {
			slog.Error("channel start failed",
				"user", userID, "channel", a.ChannelType, "error", err)
		}
	}
	return nil
}

// StartAllChannels starts every active account across all tenants.
// Runs at most once per process; later calls are no-ops.
func (s *ChannelService) StartAllChannels(ctx context.Context) {
	s.startAllOnce.Do(func() {
		accounts, err := s.accounts.ListActive(ctx)
		if err != nil {
			slog.Error("list active accounts failed", "error", err)
			return
		}
		slog.Info("starting all active channels", "count", len(accounts))
		for _, a := range accounts {
			if err := s.StartChannel(ctx, a.UserID, a.ID, false); err != nil {
				slog.Error("channel start failed",
					"user", a.UserID, "channel", a.ChannelType, "error", err)
			}
		}
	})
}

// StopUserChannels stops every running channel of one tenant.
func (s *ChannelService) StopUserChannels(ctx context.Context, userID string) {
	for _, st := range s.GetUserChannels(userID) {
		if !st.Running {
			continue
		}
		if err := s.StopChannel(ctx, userID, st.AccountID); err != nil {
			slog.Error("channel stop failed", "user", userID, "account", st.AccountID, "error", err)
		}
	}
}

// Shutdown disconnects everything and marks all runtime state stopped.
func (s *ChannelService) Shutdown(ctx context.Context) {
	s.manager.Shutdown(ctx)

	now := time.Now().UTC()
	s.mu.Lock()
	for _, rt := range s.runtimes {
		if rt.state.Running {
			rt.state.Running = false
			rt.state.Connected = false
			rt.state.LastStopAt = &now
		}
		rt.proc = nil
		if rt.cancel != nil {
			rt.cancel()
			rt.cancel = nil
		}
	}
	s.mu.Unlock()
	slog.Info("channel service shut down")
}

// GetState returns the runtime state of one channel, if known.
func (s *ChannelService) GetState(userID string, accountID uuid.UUID) (ChannelState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.runtimes[stateKey(userID, accountID)]
	if !ok {
		return ChannelState{}, false
	}
	return rt.state, true
}

// GetUserChannels returns runtime state for all of a tenant's channels.
func (s *ChannelService) GetUserChannels(userID string) []ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChannelState
	for _, rt := range s.runtimes {
		if rt.state.UserID == userID {
			out = append(out, rt.state)
		}
	}
	return out
}

// GetRunningChannels returns all channels currently running.
func (s *ChannelService) GetRunningChannels() []ChannelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChannelState
	for _, rt := range s.runtimes {
		if rt.state.Running {
			out = append(out, rt.state)
		}
	}
	return out
}

// IsRunning reports whether one channel is currently running.
func (s *ChannelService) IsRunning(userID string, accountID uuid.UUID) bool {
	st, ok := s.GetState(userID, accountID)
	return ok && st.Running
}

// resolveModel picks the provider and model for a channel: an explicit
// override in the account config wins, otherwise the first provider in
// the priority order the tenant holds a key for. A tenant with neither
// cannot serve turns, so the start fails with ErrCredentialMissing.
func (s *ChannelService) resolveModel(ctx context.Context, account *store.ChannelAccount) (provider, model string, err error) {
	var override struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	if len(account.Config) > 0 {
		_ = json.Unmarshal(account.Config, &override)
	}
	if override.Provider != "" {
		return override.Provider, override.Model, nil
	}

	for _, p := range s.priority {
		key, err := s.providerKeys.Get(ctx, account.UserID, p)
		if err != nil {
			continue
		}
		model := override.Model
		if model == "" {
			model = key.Model
		}
		return p, model, nil
	}

	return "", "", fmt.Errorf("tenant %s has no provider key and no model override: %w",
		account.UserID, channels.ErrCredentialMissing)
}

// handleMessage is the single handler installed on the channel manager.
// It routes each inbound message to its channel's processor.
func (s *ChannelService) handleMessage(ctx context.Context, msg bus.InboundMessage) error {
	s.mu.RLock()
	var proc *processor.Processor
	for _, rt := range s.runtimes {
		if rt.state.Running && rt.state.UserID == msg.UserID &&
			rt.key.ChannelType == msg.ChannelType && rt.key.ChannelID == msg.ChannelID {
			proc = rt.proc
			break
		}
	}
	s.mu.RUnlock()

	if proc == nil {
		slog.Warn("inbound message for unmanaged channel",
			"user", msg.UserID, "channel", msg.ChannelType)
		return fmt.Errorf("no processor for channel %s/%s", msg.ChannelType, msg.ChannelID)
	}
	return proc.Process(ctx, msg)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
