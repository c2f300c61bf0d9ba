package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/config"
)

const defaultScopes = "chat:write,channels:history,im:history,im:read,im:write"

// OAuthProvider drives the Slack OAuth v2 install flow.
type OAuthProvider struct {
	clientID     string
	clientSecret string
	redirectURL  string
	scopes       string
	client       *http.Client
}

// NewOAuthProvider builds the provider from the app config. redirectURL
// must match a redirect URI registered on the Slack app.
func NewOAuthProvider(cfg config.SlackAppConfig, redirectURL string) *OAuthProvider {
	scopes := cfg.Scopes
	if scopes == "" {
		scopes = defaultScopes
	}
	return &OAuthProvider{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  redirectURL,
		scopes:       scopes,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OAuthProvider) Type() string { return channels.TypeSlack }

// AuthURL returns the workspace authorize URL carrying the state token.
func (p *OAuthProvider) AuthURL(state string) string {
	q := url.Values{}
	q.Set("client_id", p.clientID)
	q.Set("scope", p.scopes)
	q.Set("state", state)
	q.Set("redirect_uri", p.redirectURL)
	return "https://slack.com/oauth/v2/authorize?" + q.Encode()
}

type accessResponse struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	BotUserID    string `json:"bot_user_id"`
	Team         struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
}

// Exchange trades an authorization code for workspace credentials.
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (*channels.Credentials, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("redirect_uri", p.redirectURL)
	return p.access(ctx, form)
}

// Refresh rotates an expiring token. Only used when the app has token
// rotation enabled; Slack otherwise issues non-expiring bot tokens.
func (p *OAuthProvider) Refresh(ctx context.Context, refreshToken string) (*channels.Credentials, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return p.access(ctx, form)
}

func (p *OAuthProvider) access(ctx context.Context, form url.Values) (*channels.Credentials, error) {
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiBase+"/oauth.v2.access", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth.v2.access request: %w", err)
	}
	defer resp.Body.Close()

	var ar accessResponse
	if err := decodeJSON(resp, &ar); err != nil {
		return nil, err
	}
	if !ar.OK {
		return nil, fmt.Errorf("oauth.v2.access: %s", ar.Error)
	}

	creds := &channels.Credentials{
		AccessToken:  ar.AccessToken,
		RefreshToken: ar.RefreshToken,
		Scopes:       splitScopes(ar.Scope),
		ChannelID:    ar.Team.ID,
		AccountID:    ar.Team.ID,
		DisplayName:  ar.Team.Name,
	}
	if ar.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().Add(time.Duration(ar.ExpiresIn) * time.Second)
	}
	return creds, nil
}

func decodeJSON(resp *http.Response, out any) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from slack", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
