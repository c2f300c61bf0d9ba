package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/service"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

type staticAccounts struct {
	store.ChannelAccountStore
	accounts []store.ChannelAccount
}

func (s staticAccounts) ListByUser(context.Context, string) ([]store.ChannelAccount, error) {
	return s.accounts, nil
}

type noopLifecycle struct{}

func (noopLifecycle) StartChannel(context.Context, string, uuid.UUID, bool) error { return nil }
func (noopLifecycle) StopChannel(context.Context, string, uuid.UUID) error        { return nil }
func (noopLifecycle) GetState(string, uuid.UUID) (service.ChannelState, bool) {
	return service.ChannelState{}, false
}
func (noopLifecycle) GetUserChannels(string) []service.ChannelState { return nil }

func newTestHandler(token string) *ChannelsHandler {
	accounts := staticAccounts{accounts: []store.ChannelAccount{{
		ID:          uuid.New(),
		UserID:      "default",
		ChannelType: channels.TypeTelegram,
		ChannelID:   "bot-1",
		AccessToken: "123456:supersecret",
	}}}
	return NewChannelsHandler(accounts, noopLifecycle{}, channels.NewPairingTracker(), token)
}

func TestBearerAuthRequired(t *testing.T) {
	mux := http.NewServeMux()
	newTestHandler("gateway-token").RegisterRoutes(mux)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer gateway-token", http.StatusOK},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/channels", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestListMasksCredentials(t *testing.T) {
	mux := http.NewServeMux()
	newTestHandler("").RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/channels", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "supersecret") {
		t.Fatalf("response leaks credentials: %s", body)
	}

	var resp struct {
		Channels []map[string]interface{} `json:"channels"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Channels) != 1 {
		t.Fatalf("got %d channels, want 1", len(resp.Channels))
	}
	if resp.Channels[0]["has_credentials"] != true {
		t.Error("has_credentials should report presence of the stored token")
	}
}
