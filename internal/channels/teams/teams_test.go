package teams

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

type captureSink struct {
	msgs []bus.InboundMessage
}

func (s *captureSink) HandleInbound(_ context.Context, msg bus.InboundMessage) {
	s.msgs = append(s.msgs, msg)
}

func testConnector(sink *captureSink) *Connector {
	return &Connector{
		account: &store.ChannelAccount{
			UserID:      "tenant-1",
			ChannelType: channels.TypeTeams,
			ChannelID:   "app-1",
			AccountID:   "app-1",
		},
		sink:   sink,
		appID:  "app-1",
		client: &http.Client{Timeout: time.Second},
		keys:   newKeyCache(&http.Client{Timeout: time.Second}),
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<at>Maia</at> hello", " hello"},
		{"no mention here", "no mention here"},
		{"<at>Bot</at><at>Bot</at>hi", "hi"},
		{"<at>unterminated hi", "<at>unterminated hi"},
		{"</at><at>", "</at><at>"},
		{"stray </at> then <at>Bot</at> hi", "stray </at> then  hi"},
	}
	for _, tt := range tests {
		if got := stripMention(tt.in); got != tt.want {
			t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHandleActivity(t *testing.T) {
	sink := &captureSink{}
	c := testConnector(sink)

	body := `{
		"type": "message",
		"id": "act-1",
		"text": "<at>Maia</at> what is up",
		"serviceUrl": "https://smba.example.com/emea/",
		"from": {"id": "29:user", "name": "Dana"},
		"conversation": {"id": "19:conv"}
	}`
	if err := c.HandleActivity(context.Background(), []byte(body)); err != nil {
		t.Fatalf("HandleActivity: %v", err)
	}
	if len(sink.msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(sink.msgs))
	}
	msg := sink.msgs[0]
	if msg.Content != "what is up" {
		t.Errorf("content = %q, want mention stripped", msg.Content)
	}
	if msg.ChatID != "19:conv" || msg.SenderID != "29:user" {
		t.Errorf("unexpected routing: chat=%q sender=%q", msg.ChatID, msg.SenderID)
	}

	// serviceUrl learned for later sends, trailing slash trimmed
	v, ok := c.serviceURLs.Load("19:conv")
	if !ok || v.(string) != "https://smba.example.com/emea" {
		t.Errorf("serviceURL not learned: %v", v)
	}
}

func TestHandleActivityIgnoresNonMessages(t *testing.T) {
	sink := &captureSink{}
	c := testConnector(sink)
	for _, body := range []string{
		`{"type": "conversationUpdate"}`,
		`{"type": "message", "text": "   ", "from": {"id": "29:u"}}`,
		`{"type": "message", "text": "hi"}`,
	} {
		if err := c.HandleActivity(context.Background(), []byte(body)); err != nil {
			t.Fatalf("HandleActivity(%s): %v", body, err)
		}
	}
	if len(sink.msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(sink.msgs))
	}
}

func TestValidateRequest(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	c := testConnector(&captureSink{})
	c.keys.keys["test-kid"] = &priv.PublicKey
	c.keys.fetchedAt = time.Now()

	makeToken := func(claims jwt.MapClaims, kid string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = kid
		signed, err := tok.SignedString(priv)
		if err != nil {
			t.Fatal(err)
		}
		return signed
	}
	valid := jwt.MapClaims{
		"iss": botFrameworkIssuer,
		"aud": "app-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"valid token", "Bearer " + makeToken(valid, "test-kid"), false},
		{"missing header", "", true},
		{"not bearer", "Basic abc", true},
		{"wrong audience", "Bearer " + makeToken(jwt.MapClaims{
			"iss": botFrameworkIssuer, "aud": "other-app",
			"exp": time.Now().Add(time.Hour).Unix(),
		}, "test-kid"), true},
		{"wrong issuer", "Bearer " + makeToken(jwt.MapClaims{
			"iss": "https://evil.example.com", "aud": "app-1",
			"exp": time.Now().Add(time.Hour).Unix(),
		}, "test-kid"), true},
		{"expired", "Bearer " + makeToken(jwt.MapClaims{
			"iss": botFrameworkIssuer, "aud": "app-1",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}, "test-kid"), true},
		{"no expiry", "Bearer " + makeToken(jwt.MapClaims{
			"iss": botFrameworkIssuer, "aud": "app-1",
		}, "test-kid"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/webhook/teams", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			err := c.ValidateRequest(r, nil)
			if tt.wantErr && !errors.Is(err, channels.ErrUnauthorizedWebhook) {
				t.Fatalf("expected ErrUnauthorizedWebhook, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected valid token, got %v", err)
			}
		})
	}
}
