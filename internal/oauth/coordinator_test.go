package oauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

type fakeProvider struct {
	mu        sync.Mutex
	exchanged []string
	creds     *channels.Credentials
	err       error
}

func (p *fakeProvider) Type() string { return channels.TypeSlack }

func (p *fakeProvider) AuthURL(state string) string {
	return "https://provider.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*channels.Credentials, error) {
	p.mu.Lock()
	p.exchanged = append(p.exchanged, code)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.creds, nil
}

func (p *fakeProvider) Refresh(_ context.Context, _ string) (*channels.Credentials, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.creds, nil
}

type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*store.ChannelAccount
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: map[string]*store.ChannelAccount{}}
}

func (m *memAccounts) triple(userID, channelType, channelID string) string {
	return userID + "|" + channelType + "|" + channelID
}

func (m *memAccounts) Get(_ context.Context, userID string, id uuid.UUID) (*store.ChannelAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.UserID == userID && a.ID == id {
			return a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memAccounts) GetByTriple(_ context.Context, userID, channelType, channelID string) (*store.ChannelAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[m.triple(userID, channelType, channelID)]; ok {
		return a, nil
	}
	return nil, store.ErrNotFound
}

func (m *memAccounts) ListActive(context.Context) ([]store.ChannelAccount, error) { return nil, nil }
func (m *memAccounts) ListByUser(context.Context, string) ([]store.ChannelAccount, error) {
	return nil, nil
}

func (m *memAccounts) Upsert(_ context.Context, userID, channelType, channelID string, fields store.UpsertFields) (*store.ChannelAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.triple(userID, channelType, channelID)
	a, ok := m.accounts[key]
	if !ok {
		a = &store.ChannelAccount{ID: uuid.New(), UserID: userID,
			ChannelType: channelType, ChannelID: channelID, CreatedAt: time.Now()}
		m.accounts[key] = a
	}
	a.AccountID = fields.AccountID
	a.AccessToken = fields.AccessToken
	a.RefreshToken = fields.RefreshToken
	a.Scopes = fields.Scopes
	a.TokenExpiresAt = fields.TokenExpiresAt
	a.Config = fields.Config
	a.DisplayName = fields.DisplayName
	a.Active = fields.Active
	a.UpdatedAt = time.Now()
	return a, nil
}

func (m *memAccounts) SetActive(context.Context, uuid.UUID, bool) error { return nil }
func (m *memAccounts) Delete(context.Context, uuid.UUID) error          { return nil }

func testCreds() *channels.Credentials {
	return &channels.Credentials{
		AccessToken:  "xoxb-new-token",
		RefreshToken: "xoxe-refresh",
		Scopes:       []string{"chat:write"},
		ChannelID:    "T42",
		AccountID:    "T42",
		DisplayName:  "Acme Workspace",
	}
}

func stateFromURL(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatalf("auth url %q carries no state", authURL)
	}
	return state
}

func TestFlowRoundTrip(t *testing.T) {
	provider := &fakeProvider{creds: testCreds()}
	accounts := newMemAccounts()
	c := NewCoordinator(accounts, provider)
	defer c.Close()

	ctx := context.Background()
	authURL, err := c.Initiate(ctx, "tenant-1", channels.TypeSlack)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(authURL, "https://provider.example.com/authorize") {
		t.Fatalf("unexpected auth url %q", authURL)
	}

	acct, err := c.Complete(ctx, stateFromURL(t, authURL), "code-1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.UserID != "tenant-1" || acct.ChannelID != "T42" {
		t.Errorf("unexpected account: %+v", acct)
	}
	if acct.AccessToken != "xoxb-new-token" || !acct.Active {
		t.Errorf("credentials not stored: %+v", acct)
	}
}

func TestStateIsSingleUse(t *testing.T) {
	provider := &fakeProvider{creds: testCreds()}
	c := NewCoordinator(newMemAccounts(), provider)
	defer c.Close()

	ctx := context.Background()
	authURL, err := c.Initiate(ctx, "tenant-1", channels.TypeSlack)
	if err != nil {
		t.Fatal(err)
	}
	state := stateFromURL(t, authURL)

	if _, err := c.Complete(ctx, state, "code-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Complete(ctx, state, "code-1"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("replayed state: got %v, want ErrStateMismatch", err)
	}
	if len(provider.exchanged) != 1 {
		t.Fatalf("exchange ran %d times, want 1", len(provider.exchanged))
	}
}

func TestStateConsumedEvenWhenExchangeFails(t *testing.T) {
	provider := &fakeProvider{err: errors.New("provider down")}
	c := NewCoordinator(newMemAccounts(), provider)
	defer c.Close()

	ctx := context.Background()
	authURL, _ := c.Initiate(ctx, "tenant-1", channels.TypeSlack)
	state := stateFromURL(t, authURL)

	if _, err := c.Complete(ctx, state, "code-1"); err == nil {
		t.Fatal("expected exchange error")
	}
	// Retrying with the same state must hit the state check, not the provider.
	if _, err := c.Complete(ctx, state, "code-1"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("got %v, want ErrStateMismatch", err)
	}
	if len(provider.exchanged) != 1 {
		t.Fatalf("exchange ran %d times, want 1", len(provider.exchanged))
	}
}

func TestExpiredStateRejected(t *testing.T) {
	c := NewCoordinator(newMemAccounts(), &fakeProvider{creds: testCreds()})
	defer c.Close()

	state, err := newStateToken()
	if err != nil {
		t.Fatal(err)
	}
	c.states.mu.Lock()
	c.states.entries[state] = stateEntry{
		userID:      "tenant-1",
		channelType: channels.TypeSlack,
		expiresAt:   time.Now().Add(-time.Second),
	}
	c.states.mu.Unlock()

	if _, err := c.Complete(context.Background(), state, "code"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("got %v, want ErrStateMismatch", err)
	}
}

// TestExpiredStatesPurgedOnInitiate checks that abandoned flows are
// dropped when the next flow starts, not only by the background sweep.
func TestExpiredStatesPurgedOnInitiate(t *testing.T) {
	c := NewCoordinator(newMemAccounts(), &fakeProvider{creds: testCreds()})
	defer c.Close()

	stale, err := newStateToken()
	if err != nil {
		t.Fatal(err)
	}
	c.states.mu.Lock()
	c.states.entries[stale] = stateEntry{
		userID:      "tenant-1",
		channelType: channels.TypeSlack,
		expiresAt:   time.Now().Add(-time.Second),
	}
	c.states.mu.Unlock()

	if _, err := c.Initiate(context.Background(), "tenant-1", channels.TypeSlack); err != nil {
		t.Fatal(err)
	}

	c.states.mu.Lock()
	_, present := c.states.entries[stale]
	n := len(c.states.entries)
	c.states.mu.Unlock()
	if present {
		t.Error("expired state survived initiate")
	}
	if n != 1 {
		t.Errorf("store holds %d entries, want only the fresh flow", n)
	}
}

func TestUnknownChannelType(t *testing.T) {
	c := NewCoordinator(newMemAccounts())
	defer c.Close()
	if _, err := c.Initiate(context.Background(), "tenant-1", channels.TypeTelegram); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("got %v, want ErrUnknownProvider", err)
	}
}

func TestRefreshOnlyNearExpiry(t *testing.T) {
	provider := &fakeProvider{creds: testCreds()}
	accounts := newMemAccounts()
	c := NewCoordinator(accounts, provider)
	defer c.Close()

	far := time.Now().Add(time.Hour)
	acct := &store.ChannelAccount{
		UserID: "tenant-1", ChannelType: channels.TypeSlack, ChannelID: "T42",
		AccessToken: "old", RefreshToken: "r", TokenExpiresAt: &far, Active: true,
	}
	got, err := c.Refresh(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "old" {
		t.Error("token refreshed an hour before expiry")
	}

	soon := time.Now().Add(time.Minute)
	acct.TokenExpiresAt = &soon
	got, err = c.Refresh(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "xoxb-new-token" {
		t.Errorf("token = %q, want refreshed value", got.AccessToken)
	}
}
